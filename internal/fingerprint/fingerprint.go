// Package fingerprint derives stable cache identities for image analysis
// requests. Two requests with the same image digest, model and parameters
// always map to the same key; any difference changes it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"lightkeyd/pkg/types"
)

// Key computes the cache key for one image+model+parameters combination.
// The hash input is a length-prefixed encoding so field boundaries can never
// be confused (e.g. digest "ab"+model "c" vs digest "a"+model "bc").
func Key(digest, model string, params types.PromptParams) string {
	h := sha256.New()
	writeField(h, []byte(digest))
	writeField(h, []byte(model))
	writeField(h, []byte(canonicalParams(params)))
	return hex.EncodeToString(h.Sum(nil))
}

// ParamHash hashes the prompt parameters alone. It is stored next to cache
// entries so a lookup can reject entries written under different parameters.
func ParamHash(params types.PromptParams) string {
	sum := sha256.Sum256([]byte(canonicalParams(params)))
	return hex.EncodeToString(sum[:])
}

func canonicalParams(p types.PromptParams) string {
	// Fixed field order; never rely on map iteration.
	return "prompt=" + p.Prompt + "\x00system=" + p.System +
		"\x00temperature=" + strconv.FormatFloat(p.Temperature, 'g', -1, 64)
}

func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(b)
}
