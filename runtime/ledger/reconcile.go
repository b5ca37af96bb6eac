package ledger

import (
	"sort"
	"sync"

	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// Reconciler merges messages a client receives by push and by polling into
// one ordered stream. Messages are keyed by Seq: duplicates are discarded and
// messages that arrive ahead of a gap are held until the gap is filled.
type Reconciler struct {
	mu      sync.Mutex
	last    int64
	pending map[int64]types.Message
}

// NewReconciler creates a Reconciler that has seen nothing yet.
func NewReconciler() *Reconciler {
	return &Reconciler{pending: make(map[int64]types.Message)}
}

// NewReconcilerFrom creates a Reconciler that already holds everything up to last.
func NewReconcilerFrom(last int64) *Reconciler {
	r := NewReconciler()
	r.last = last
	return r
}

// Accept offers msgs and returns those that became deliverable, in Seq order.
func (r *Reconciler) Accept(msgs ...types.Message) []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range msgs {
		if m.Seq <= r.last {
			continue
		}
		if _, dup := r.pending[m.Seq]; dup {
			continue
		}
		r.pending[m.Seq] = m
	}

	var out []types.Message
	for {
		next, ok := r.pending[r.last+1]
		if !ok {
			break
		}
		delete(r.pending, r.last+1)
		r.last++
		out = append(out, next)
	}
	return out
}

// AdvanceTo marks every sequence up to seq as seen. Held messages at or
// below seq are released together with anything now contiguous after it.
// Pollers call it with Page.Cursor so sequences hidden from this client do
// not hold the stream back.
func (r *Reconciler) AdvanceTo(seq int64) []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.Message
	for r.last < seq {
		r.last++
		if m, ok := r.pending[r.last]; ok {
			delete(r.pending, r.last)
			out = append(out, m)
		}
	}
	for {
		next, ok := r.pending[r.last+1]
		if !ok {
			break
		}
		delete(r.pending, r.last+1)
		r.last++
		out = append(out, next)
	}
	return out
}

// LastSeq is the highest contiguous sequence delivered. Pass it to ListSince.
func (r *Reconciler) LastSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// HasGap reports whether messages are held waiting for an earlier sequence.
func (r *Reconciler) HasGap() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

// Held returns the sequence numbers waiting behind a gap.
func (r *Reconciler) Held() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.pending))
	for seq := range r.pending {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
