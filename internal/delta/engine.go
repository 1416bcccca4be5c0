// Package delta converts per-symbol snapshot streams into sequenced
// delta messages.
//
// The stored last-published snapshot per symbol is the ground truth for
// diffing. Sequence numbers are per-symbol, strictly increasing and
// gap-free within a process lifetime; they are driven by publication, not
// by event time, so a timestamp regression still diffs and still emits.
package delta

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tickbridge/tickbridge/internal/metrics"
	"github.com/tickbridge/tickbridge/internal/protocol"
)

type entry struct {
	snap *Snapshot
	seq  uint64
}

// Engine holds the last-published snapshot and sequence per symbol.
//
// Per-symbol serialization is the caller's job (the keyed pipeline runs
// all work for one symbol on one worker); the engine's own lock only
// protects the map against concurrent readers such as the historical API.
type Engine struct {
	mu     sync.RWMutex
	states map[string]*entry
	logger zerolog.Logger
}

// NewEngine creates an empty delta engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		states: make(map[string]*entry),
		logger: logger,
	}
}

// Apply ingests a new snapshot and returns the message to publish, or nil
// when no field changed.
//
// The first snapshot for a symbol is fully-changed: it is tagged
// "snapshot" and assigned sequence 1. Later snapshots are diffed
// field-by-field against the stored state; an identical snapshot produces
// nothing and leaves the sequence untouched.
func (e *Engine) Apply(next *Snapshot) *protocol.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.states[next.Symbol]
	if !ok {
		stored := next.Clone()
		e.states[next.Symbol] = &entry{snap: stored, seq: 1}
		metrics.DeltasEmitted.WithLabelValues(protocol.TypeSnapshot).Inc()
		e.logger.Debug().
			Str("symbol", next.Symbol).
			Uint64("seq", 1).
			Msg("First snapshot stored")
		return &protocol.Message{
			Type:   protocol.TypeSnapshot,
			Symbol: next.Symbol,
			Seq:    1,
			TS:     protocol.FormatTime(next.TS),
			Fields: stored.Fields(),
		}
	}

	changed := cur.snap.diff(next)
	if len(changed) == 0 {
		return nil
	}

	cur.snap = cur.snap.merge(next)
	cur.seq++
	metrics.DeltasEmitted.WithLabelValues(protocol.TypeDelta).Inc()
	return &protocol.Message{
		Type:   protocol.TypeDelta,
		Symbol: next.Symbol,
		Seq:    cur.seq,
		TS:     protocol.FormatTime(next.TS),
		Fields: changed,
	}
}

// Current returns a copy of the stored snapshot and its sequence.
func (e *Engine) Current(symbol string) (*Snapshot, uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cur, ok := e.states[symbol]
	if !ok {
		return nil, 0, false
	}
	return cur.snap.Clone(), cur.seq, true
}

// SnapshotMessage builds a snapshot-tagged message carrying the full
// stored state at the current sequence. Used for new subscriptions and
// for re-syncs after a detected loss of continuity; it does not advance
// the sequence. Returns nil when nothing has been published yet.
func (e *Engine) SnapshotMessage(symbol string) *protocol.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cur, ok := e.states[symbol]
	if !ok {
		return nil
	}
	return &protocol.Message{
		Type:   protocol.TypeSnapshot,
		Symbol: symbol,
		Seq:    cur.seq,
		TS:     protocol.FormatTime(cur.snap.TS),
		Fields: cur.snap.Fields(),
	}
}

// LastSeqBySymbol reports the last emitted sequence per symbol.
func (e *Engine) LastSeqBySymbol() map[string]uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]uint64, len(e.states))
	for sym, cur := range e.states {
		out[sym] = cur.seq
	}
	return out
}
