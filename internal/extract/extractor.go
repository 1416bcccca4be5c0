// Package extract turns a file-changed event into the newest logical
// record of the affected archive file.
//
// Only the tail of the file is ever read: a bounded window sized to cover
// at least one maximum-size record, grown adaptively when the window does
// not contain a complete record. Record formats are private to the
// charting application; everything format-specific lives here, the
// archive reader stays format-agnostic.
package extract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tickbridge/tickbridge/internal/archive"
	"github.com/tickbridge/tickbridge/internal/delta"
	"github.com/tickbridge/tickbridge/internal/metrics"
	"github.com/tickbridge/tickbridge/internal/protocol"
)

// ErrNoData reports a file with no complete record in it. Callers drop
// the event; a zeroed snapshot is never fabricated.
var ErrNoData = errors.New("no-data")

// ErrParse reports a record that could not be decoded.
var ErrParse = errors.New("parse-error")

// FileKind classifies archive files by name.
type FileKind int

const (
	KindOther FileKind = iota
	KindTick
	KindDaily
)

// KindOfFile dispatches on file name/extension.
//
// Tick record files: "<contract>.tick.csv" or the charting app's
// "<contract>.Last.txt" live-quote export. Daily bar files:
// "<contract>.daily.csv" or "<contract>.dly".
func KindOfFile(name string) FileKind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tick.csv"), strings.HasSuffix(lower, ".last.txt"):
		return KindTick
	case strings.HasSuffix(lower, ".daily.csv"), strings.HasSuffix(lower, ".dly"):
		return KindDaily
	default:
		return KindOther
	}
}

const (
	initialWindow = 64 << 10 // covers thousands of max-size records
	maxWindow     = 1 << 20
)

// Extractor reads record tails through the archive reader, keeping all
// file access behind the root-containment check.
type Extractor struct {
	reader *archive.Reader
	logger zerolog.Logger
}

// New creates an extractor over the given archive reader.
func New(reader *archive.Reader, logger zerolog.Logger) *Extractor {
	return &Extractor{reader: reader, logger: logger}
}

// Extract produces the newest complete record of relPath as a snapshot
// for the symbol. Returns ErrNoData when no complete record exists and
// ErrParse when the trailing records cannot be decoded.
func (e *Extractor) Extract(symbol, relPath string) (*delta.Snapshot, error) {
	kind := KindOfFile(relPath)
	if kind == KindOther {
		return nil, fmt.Errorf("%w: %s: unrecognized file kind", ErrNoData, relPath)
	}

	start := time.Now()
	defer func() {
		metrics.ExtractLatency.Observe(time.Since(start).Seconds())
	}()

	window := int64(initialWindow)
	for {
		tail, err := e.reader.Tail(relPath, window)
		if err != nil {
			return nil, err
		}

		snap, perr := e.lastRecord(symbol, kind, tail, int64(len(tail)) == window)
		if perr == nil {
			return snap, nil
		}

		// A window that already covers the whole file cannot grow.
		if int64(len(tail)) < window || window >= maxWindow {
			if errors.Is(perr, ErrParse) {
				metrics.ParseErrors.Inc()
			}
			return nil, perr
		}
		window *= 2
	}
}

// lastRecord parses the newest complete record out of a tail window.
//
// When the window is truncated (does not start at offset zero), the first
// line may be a partial record and is skipped. A trailing line without a
// newline is accepted only if it decodes cleanly; otherwise the previous
// line is the last known-good boundary.
func (e *Extractor) lastRecord(symbol string, kind FileKind, tail []byte, truncated bool) (*delta.Snapshot, error) {
	text := strings.ReplaceAll(string(tail), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	if truncated && len(lines) > 0 {
		lines = lines[1:] // partial head line
	}

	// Only the final non-empty line may be a partial record mid-write; a
	// decode failure there falls back one line. A failure on the line
	// before that is a real parse error.
	attempts := 0
	var parseErr error
	for i := len(lines) - 1; i >= 0 && attempts < 2; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		attempts++
		snap, err := parseRecord(symbol, kind, line)
		if err == nil {
			return snap, nil
		}
		parseErr = err
	}

	if attempts == 2 {
		return nil, parseErr
	}
	return nil, fmt.Errorf("%w: no complete record", ErrNoData)
}

// parseRecord decodes one line for the given file kind.
//
// Tick records: ts,last,bid,ask,lastVolume,totalVolume — timestamps in
// the wire layout, empty fields meaning absent.
// Daily bars: date,open,high,low,close,volume — surfaced as a snapshot
// whose last price is the close.
func parseRecord(symbol string, kind FileKind, line string) (*delta.Snapshot, error) {
	fields := strings.Split(line, ",")

	switch kind {
	case KindTick:
		if len(fields) != 6 {
			return nil, fmt.Errorf("%w: tick record has %d fields, want 6", ErrParse, len(fields))
		}
		ts, err := protocol.ParseTime(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		snap := &delta.Snapshot{Symbol: symbol, TS: ts, Source: delta.SourceTickFile}
		if snap.Last, err = optFloat(fields[1]); err != nil {
			return nil, err
		}
		if snap.Bid, err = optFloat(fields[2]); err != nil {
			return nil, err
		}
		if snap.Ask, err = optFloat(fields[3]); err != nil {
			return nil, err
		}
		if snap.LastVolume, err = optInt(fields[4]); err != nil {
			return nil, err
		}
		if snap.TotalVolume, err = optInt(fields[5]); err != nil {
			return nil, err
		}
		return snap, nil

	case KindDaily:
		if len(fields) != 6 {
			return nil, fmt.Errorf("%w: daily record has %d fields, want 6", ErrParse, len(fields))
		}
		day, err := time.Parse("2006-01-02", strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		snap := &delta.Snapshot{Symbol: symbol, TS: day.UTC(), Source: delta.SourceDailyFile}
		// open/high/low are bar-internal; the snapshot carries the close
		// as the last price plus the session volume.
		if snap.Last, err = optFloat(fields[4]); err != nil {
			return nil, err
		}
		if snap.TotalVolume, err = optInt(fields[5]); err != nil {
			return nil, err
		}
		return snap, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind", ErrParse)
	}
}

func optFloat(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad price %q", ErrParse, s)
	}
	return &v, nil
}

func optInt(s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad volume %q", ErrParse, s)
	}
	return &v, nil
}
