// Package registry is the single source of truth for which contract is
// bound to each logical role (primary, secondary, …) and which symbols
// should be streamed.
//
// Reads are lock-free: the whole table is an immutable snapshot behind an
// atomic pointer, swapped wholesale on reload. Rollover is time-driven;
// the answer for "current identifier of role R" depends only on the
// wall-clock date and the loaded table, never on I/O.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Role is a stable logical slot whose bound identifier changes on rollover.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleTertiary  Role = "tertiary"
)

// Date is a civil date (no time-of-day component), serialized "2006-01-02".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses a "2006-01-02" date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// DateOf truncates a timestamp to its UTC civil date.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// SymbolRecord describes one concrete contract: its role, lifecycle dates
// and streaming preferences. Records are keyed by Identifier.
type SymbolRecord struct {
	Identifier string   `json:"identifier"`
	Role       Role     `json:"role"`
	AssetClass string   `json:"asset_class"`
	Expiration Date     `json:"expiration"`
	Rollover   Date     `json:"rollover"`
	Priority   int      `json:"priority"`
	Timeframes []string `json:"timeframes"`
	IsPrimary  bool     `json:"is_primary"`
}

// RolloverAlert describes an upcoming (or just-passed) role transition.
type RolloverAlert struct {
	Role      Role   `json:"role"`
	From      string `json:"from"`
	To        string `json:"to"`
	DaysUntil int    `json:"days_until"`
}

// table is the immutable snapshot swapped on reload.
type table struct {
	records []SymbolRecord        // sorted by (role, rollover)
	byID    map[string]SymbolRecord
	byRole  map[Role][]SymbolRecord // rollover chain per role, ascending
}

// Registry answers role → identifier lookups and exposes the active
// record set. Safe for concurrent use; Reload calls are serialized.
type Registry struct {
	current  atomic.Pointer[table]
	reloadMu sync.Mutex
}

// New builds a registry from an initial record set.
func New(records []SymbolRecord) (*Registry, error) {
	t, err := buildTable(records)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.current.Store(t)
	return r, nil
}

// buildTable validates the record set and assembles lookup structures.
// Validation failures leave no partial state behind.
func buildTable(records []SymbolRecord) (*table, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("config-invalid: no symbol records")
	}

	byID := make(map[string]SymbolRecord, len(records))
	byRole := make(map[Role][]SymbolRecord)
	for _, rec := range records {
		if rec.Identifier == "" {
			return nil, fmt.Errorf("config-invalid: record with empty identifier")
		}
		if rec.Role == "" {
			return nil, fmt.Errorf("config-invalid: record %q has no role", rec.Identifier)
		}
		if _, dup := byID[rec.Identifier]; dup {
			return nil, fmt.Errorf("config-invalid: duplicate identifier %q", rec.Identifier)
		}
		if rec.Expiration.Before(rec.Rollover) {
			return nil, fmt.Errorf("config-invalid: record %q rolls over after expiration (%s > %s)",
				rec.Identifier, rec.Rollover, rec.Expiration)
		}
		byID[rec.Identifier] = rec
		byRole[rec.Role] = append(byRole[rec.Role], rec)
	}

	sorted := make([]SymbolRecord, 0, len(records))
	for role := range byRole {
		chain := byRole[role]
		sort.Slice(chain, func(i, j int) bool {
			return chain[i].Rollover.Before(chain[j].Rollover)
		})
		byRole[role] = chain
		sorted = append(sorted, chain...)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Role != sorted[j].Role {
			return sorted[i].Role < sorted[j].Role
		}
		return sorted[i].Rollover.Before(sorted[j].Rollover)
	})

	return &table{records: sorted, byID: byID, byRole: byRole}, nil
}

// Reload atomically swaps in a new record set. On validation failure the
// previous table remains in effect; there is no partial application.
func (r *Registry) Reload(records []SymbolRecord) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	t, err := buildTable(records)
	if err != nil {
		return err
	}
	r.current.Store(t)
	return nil
}

// CurrentIdentifier returns the identifier bound to a role on the given
// date: the earliest record in the role's chain whose rollover date has
// not yet passed, or the last record if every rollover is behind us.
func (r *Registry) CurrentIdentifier(role Role, now time.Time) (string, bool) {
	t := r.current.Load()
	chain, ok := t.byRole[role]
	if !ok {
		return "", false
	}
	today := DateOf(now)
	for _, rec := range chain {
		if today.Before(rec.Rollover) {
			return rec.Identifier, true
		}
	}
	return chain[len(chain)-1].Identifier, true
}

// ActiveRecords returns the records currently bound to their roles: one
// per role, selected the same way as CurrentIdentifier.
func (r *Registry) ActiveRecords(now time.Time) []SymbolRecord {
	t := r.current.Load()
	today := DateOf(now)

	var active []SymbolRecord
	for _, chain := range t.byRole {
		chosen := chain[len(chain)-1]
		for _, rec := range chain {
			if today.Before(rec.Rollover) {
				chosen = rec
				break
			}
		}
		active = append(active, chosen)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].Identifier < active[j].Identifier
	})
	return active
}

// AllRecords returns a snapshot of every loaded record, active or not.
func (r *Registry) AllRecords() []SymbolRecord {
	t := r.current.Load()
	out := make([]SymbolRecord, len(t.records))
	copy(out, t.records)
	return out
}

// IsActive reports whether the identifier is bound to any role right now.
func (r *Registry) IsActive(identifier string, now time.Time) bool {
	for _, rec := range r.ActiveRecords(now) {
		if rec.Identifier == identifier {
			return true
		}
	}
	return false
}

// Lookup returns the record for an identifier.
func (r *Registry) Lookup(identifier string) (SymbolRecord, bool) {
	t := r.current.Load()
	rec, ok := t.byID[identifier]
	return rec, ok
}

// RolloverAlerts lists role transitions happening within horizonDays of
// now. Used by monitoring; a transition already past is not reported.
func (r *Registry) RolloverAlerts(now time.Time, horizonDays int) []RolloverAlert {
	t := r.current.Load()
	today := DateOf(now)

	var alerts []RolloverAlert
	for role, chain := range t.byRole {
		for i, rec := range chain {
			if !today.Before(rec.Rollover) {
				continue // already rolled
			}
			days := int(rec.Rollover.Time().Sub(today.Time()).Hours() / 24)
			if days > horizonDays {
				break
			}
			to := ""
			if i+1 < len(chain) {
				to = chain[i+1].Identifier
			}
			alerts = append(alerts, RolloverAlert{
				Role:      role,
				From:      rec.Identifier,
				To:        to,
				DaysUntil: days,
			})
			break // only the imminent transition per role
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Role < alerts[j].Role })
	return alerts
}
