package store

import (
	"errors"
	"sync"
)

// ErrWaiterSaturation is returned when a stream already has the
// maximum number of blocked waiters.
var ErrWaiterSaturation = errors.New("too many waiters for stream")

// DefaultMaxWaitersPerStream caps blocked long-polls per stream so one
// hot stream cannot starve the rest of the process.
const DefaultMaxWaitersPerStream = 10000

// Waiter is a one-shot subscription to a stream's growth. The channel
// carries the stream's total byte count at the moment of wake; wakes
// may be coalesced, so waiters always re-query the store.
type Waiter struct {
	C        <-chan uint64
	ch       chan uint64
	streamID string
}

// WaiterRegistry is the process-local set of tasks blocked waiting for
// new bytes, keyed by stream ID. It is never persisted: a restart
// drops all long-polls and clients resume via cursor.
type WaiterRegistry struct {
	mu           sync.Mutex
	waiters      map[string][]*Waiter
	maxPerStream int
}

// NewWaiterRegistry builds a registry. maxPerStream <= 0 uses
// DefaultMaxWaitersPerStream.
func NewWaiterRegistry(maxPerStream int) *WaiterRegistry {
	if maxPerStream <= 0 {
		maxPerStream = DefaultMaxWaitersPerStream
	}
	return &WaiterRegistry{
		waiters:      make(map[string][]*Waiter),
		maxPerStream: maxPerStream,
	}
}

// Subscribe registers a waiter for the stream. Constant-time; fails
// with ErrWaiterSaturation at the per-stream cap.
func (r *WaiterRegistry) Subscribe(streamID string) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.waiters[streamID]) >= r.maxPerStream {
		return nil, ErrWaiterSaturation
	}

	ch := make(chan uint64, 1)
	w := &Waiter{C: ch, ch: ch, streamID: streamID}
	r.waiters[streamID] = append(r.waiters[streamID], w)
	return w, nil
}

// Unsubscribe removes a waiter. Mandatory on timeout or cancellation;
// safe to call more than once.
func (r *WaiterRegistry) Unsubscribe(w *Waiter) {
	if w == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.waiters[w.streamID]
	for i, cand := range list {
		if cand == w {
			list[i] = list[len(list)-1]
			list = list[:len(list)-1]
			break
		}
	}
	if len(list) == 0 {
		delete(r.waiters, w.streamID)
	} else {
		r.waiters[w.streamID] = list
	}
}

// Notify wakes all current waiters for the stream. Non-blocking: a
// waiter whose buffer is already full keeps its pending wake, which is
// safe because waiters re-query the store anyway.
func (r *WaiterRegistry) Notify(streamID string, totalBytes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.waiters[streamID] {
		select {
		case w.ch <- totalBytes:
		default:
		}
	}
}

// Count returns the number of registered waiters for a stream.
func (r *WaiterRegistry) Count(streamID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[streamID])
}
