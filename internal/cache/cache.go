// Package cache persists analysis results keyed by content fingerprint so
// repeated batch runs over the same library never re-pay inference cost.
package cache

import "time"

// Entry is one cached analysis result.
type Entry struct {
	Key       string
	Model     string
	ParamHash string
	Result    string
	CreatedAt time.Time
	LastUsed  time.Time
}

// Options bound the cache size.
type Options struct {
	// MaxEntries evicts least-recently-used entries beyond this count. 0 = unbounded.
	MaxEntries int
	// MaxAge evicts entries older than this. 0 = no age limit.
	MaxAge time.Duration
}

// ioError marks the durable store as unavailable; callers degrade to a miss.
type ioError struct{ err error }

func (e ioError) Error() string { return "cache unavailable: " + e.err.Error() }
func (e ioError) Unwrap() error { return e.err }

// IsUnavailable reports whether err means the durable store could not be
// reached. Lookups failing this way are treated as misses, never as batch
// failures.
func IsUnavailable(err error) bool {
	_, ok := err.(ioError)
	return ok
}
