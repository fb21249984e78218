package dispatch

import (
	"sort"
	"sync/atomic"

	"lightkeyd/internal/registry"
)

// Policy orders candidate instances by dispatch preference. The dispatcher
// walks the returned order and takes the first instance it can reserve a
// slot on.
type Policy interface {
	Order(candidates []registry.Snapshot) []registry.Snapshot
}

// LeastLoaded prefers the instance with the fewest in-flight reservations,
// breaks ties by most recent success, and round-robins among instances that
// are still tied so idle pools spread work evenly.
type LeastLoaded struct {
	rr atomic.Uint64
}

func NewLeastLoaded() *LeastLoaded { return &LeastLoaded{} }

func (p *LeastLoaded) Order(candidates []registry.Snapshot) []registry.Snapshot {
	out := append([]registry.Snapshot(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Inflight != out[j].Inflight {
			return out[i].Inflight < out[j].Inflight
		}
		return out[i].LastSuccess.After(out[j].LastSuccess)
	})
	// Rotate the leading tie group so equally attractive instances take turns.
	tie := 1
	for tie < len(out) &&
		out[tie].Inflight == out[0].Inflight &&
		out[tie].LastSuccess.Equal(out[0].LastSuccess) {
		tie++
	}
	if tie > 1 {
		shift := int(p.rr.Add(1)-1) % tie
		rotated := append(append([]registry.Snapshot(nil), out[shift:tie]...), out[:shift]...)
		copy(out[:tie], rotated)
	}
	return out
}
