package store

import "time"

// producerDecision is the outcome of validating one append against a
// producer's stored state.
type producerDecision int

const (
	producerSkip   producerDecision = iota // no producer id on the append
	producerAccept                         // write accepted, state advances
)

// validateProducer applies the per-producer ordering rules for one
// append. prev is nil when the producer has no stored row, which is
// treated as (epoch 0, lastSeq 0).
//
// The rules, in evaluation order:
//   - epoch below stored: ErrStaleEpoch
//   - same epoch, seq at or below lastSeq: ErrSequenceConflict
//   - same epoch, seq more than one ahead: ErrSequenceGap
//   - greater epoch: accepted, lastSeq resets to the given seq
func validateProducer(prev *ProducerState, opts AppendOptions, now time.Time) (producerDecision, ProducerState, error) {
	if opts.ProducerID == "" {
		return producerSkip, ProducerState{}, nil
	}

	var epoch, lastSeq int64
	if prev != nil {
		epoch = prev.Epoch
		lastSeq = prev.LastSeq
	}

	switch {
	case opts.ProducerEpoch < epoch:
		return producerSkip, ProducerState{}, ErrStaleEpoch
	case opts.ProducerEpoch == epoch && opts.ProducerSeq <= lastSeq:
		return producerSkip, ProducerState{}, ErrSequenceConflict
	case opts.ProducerEpoch == epoch && opts.ProducerSeq > lastSeq+1:
		return producerSkip, ProducerState{}, ErrSequenceGap
	}

	ttl := opts.ProducerTTL
	if ttl <= 0 {
		ttl = DefaultProducerTTL
	}
	next := ProducerState{
		Epoch:     opts.ProducerEpoch,
		LastSeq:   opts.ProducerSeq,
		ExpiresAt: now.Add(ttl),
	}
	return producerAccept, next, nil
}
