package delta

import (
	"time"

	"github.com/tickbridge/tickbridge/internal/protocol"
)

// Source tags recorded on snapshots, reflecting provenance.
const (
	SourceTickFile  = "tick-file"
	SourceDailyFile = "daily-file"
)

// Snapshot is the newest logical record extracted for one symbol.
//
// Price and volume fields are optional: a nil pointer means the field was
// absent from the record, which is distinct from zero.
type Snapshot struct {
	Symbol      string
	TS          time.Time // event time, UTC microseconds
	Last        *float64
	Bid         *float64
	Ask         *float64
	LastVolume  *int64
	TotalVolume *int64
	Source      string
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{Symbol: s.Symbol, TS: s.TS, Source: s.Source}
	c.Last = cloneF(s.Last)
	c.Bid = cloneF(s.Bid)
	c.Ask = cloneF(s.Ask)
	c.LastVolume = cloneI(s.LastVolume)
	c.TotalVolume = cloneI(s.TotalVolume)
	return c
}

// Fields returns every present field as a wire-format map.
func (s *Snapshot) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, 5)
	if s.Last != nil {
		fields[protocol.FieldLast] = *s.Last
	}
	if s.Bid != nil {
		fields[protocol.FieldBid] = *s.Bid
	}
	if s.Ask != nil {
		fields[protocol.FieldAsk] = *s.Ask
	}
	if s.LastVolume != nil {
		fields[protocol.FieldVolume] = *s.LastVolume
	}
	if s.TotalVolume != nil {
		fields[protocol.FieldTotalVolume] = *s.TotalVolume
	}
	return fields
}

// diff returns the fields of next that are present and differ from s.
// A field absent from next is carried forward, not treated as a change:
// extractors for different file kinds populate different field subsets.
func (s *Snapshot) diff(next *Snapshot) map[string]interface{} {
	changed := make(map[string]interface{})
	if next.Last != nil && !eqF(s.Last, next.Last) {
		changed[protocol.FieldLast] = *next.Last
	}
	if next.Bid != nil && !eqF(s.Bid, next.Bid) {
		changed[protocol.FieldBid] = *next.Bid
	}
	if next.Ask != nil && !eqF(s.Ask, next.Ask) {
		changed[protocol.FieldAsk] = *next.Ask
	}
	if next.LastVolume != nil && !eqI(s.LastVolume, next.LastVolume) {
		changed[protocol.FieldVolume] = *next.LastVolume
	}
	if next.TotalVolume != nil && !eqI(s.TotalVolume, next.TotalVolume) {
		changed[protocol.FieldTotalVolume] = *next.TotalVolume
	}
	return changed
}

// merge overlays next's present fields onto a copy of s. The event
// timestamp always follows next, even on a timestamp regression.
func (s *Snapshot) merge(next *Snapshot) *Snapshot {
	m := s.Clone()
	m.TS = next.TS
	m.Source = next.Source
	if next.Last != nil {
		m.Last = cloneF(next.Last)
	}
	if next.Bid != nil {
		m.Bid = cloneF(next.Bid)
	}
	if next.Ask != nil {
		m.Ask = cloneF(next.Ask)
	}
	if next.LastVolume != nil {
		m.LastVolume = cloneI(next.LastVolume)
	}
	if next.TotalVolume != nil {
		m.TotalVolume = cloneI(next.TotalVolume)
	}
	return m
}

func cloneF(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneI(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func eqF(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqI(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
