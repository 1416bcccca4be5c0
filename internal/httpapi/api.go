// Package httpapi serves the bridge's request/response surface: archive
// access for historical reads, the latest-state endpoint, health and the
// reload trigger. Streaming lives in the hub; this package never blocks
// on the delta pipeline.
package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tickbridge/tickbridge/internal/archive"
	"github.com/tickbridge/tickbridge/internal/delta"
	"github.com/tickbridge/tickbridge/internal/metrics"
	"github.com/tickbridge/tickbridge/internal/registry"
)

// rolloverHorizonDays bounds how far ahead /health warns about upcoming
// role transitions.
const rolloverHorizonDays = 5

// Status strings reported by /health.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// API serves the historical and operational endpoints.
type API struct {
	reader *archive.Reader
	engine *delta.Engine
	reg    *registry.Registry
	logger zerolog.Logger

	subscriberCount func() int64
	watcherHealthy  func() bool
	reload          func() error

	startedAt time.Time
	proc      *process.Process
}

// Deps carries everything the API reads from the rest of the bridge.
type Deps struct {
	Reader          *archive.Reader
	Engine          *delta.Engine
	Registry        *registry.Registry
	SubscriberCount func() int64
	WatcherHealthy  func() bool
	Reload          func() error
}

// New builds the API. Process stats are best-effort; a failed process
// handle just leaves the resources block empty.
func New(deps Deps, logger zerolog.Logger) *API {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process stats unavailable")
		proc = nil
	}
	return &API{
		reader:          deps.Reader,
		engine:          deps.Engine,
		reg:             deps.Registry,
		logger:          logger,
		subscriberCount: deps.SubscriberCount,
		watcherHealthy:  deps.WatcherHealthy,
		reload:          deps.Reload,
		startedAt:       time.Now(),
		proc:            proc,
	}
}

// Register attaches every endpoint to the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/list", a.handleList)
	mux.HandleFunc("/stat", a.handleStat)
	mux.HandleFunc("/read", a.handleRead)
	mux.HandleFunc("/latest", a.handleLatest)
	mux.HandleFunc("/reload", a.handleReload)
}

type healthResponse struct {
	Status        string                   `json:"status"`
	UptimeSec     int64                    `json:"uptime_sec"`
	WatcherOK     bool                     `json:"watcher_ok"`
	ArchiveOK     bool                     `json:"archive_ok"`
	Subscriptions int64                    `json:"subscriptions"`
	LastSeq       map[string]uint64        `json:"last_seq_by_symbol"`
	ActiveSymbols []string                 `json:"active_symbols"`
	Rollovers     []registry.RolloverAlert `json:"upcoming_rollovers,omitempty"`
	Resources     *resourceStats           `json:"resources,omitempty"`
	Warnings      []string                 `json:"warnings,omitempty"`
}

type resourceStats struct {
	MemoryMB   float64 `json:"memory_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	watcherOK := a.watcherHealthy()
	archiveOK := true
	if _, err := os.Stat(a.reader.Root()); err != nil {
		archiveOK = false
	}

	var warnings []string
	status := StatusOK
	if !watcherOK {
		status = StatusDegraded
		warnings = append(warnings, "file watcher is down, streaming may be stale")
	}
	if !archiveOK {
		status = StatusDegraded
		warnings = append(warnings, "archive root is unreachable")
	}

	active := a.reg.ActiveRecords(now)
	symbols := make([]string, 0, len(active))
	for _, rec := range active {
		symbols = append(symbols, rec.Identifier)
	}

	resp := healthResponse{
		Status:        status,
		UptimeSec:     int64(time.Since(a.startedAt).Seconds()),
		WatcherOK:     watcherOK,
		ArchiveOK:     archiveOK,
		Subscriptions: a.subscriberCount(),
		LastSeq:       a.engine.LastSeqBySymbol(),
		ActiveSymbols: symbols,
		Rollovers:     a.reg.RolloverAlerts(now, rolloverHorizonDays),
		Resources:     a.resourceStats(),
		Warnings:      warnings,
	}

	code := http.StatusOK
	if status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	a.writeJSON(w, code, resp)
}

func (a *API) resourceStats() *resourceStats {
	if a.proc == nil {
		return nil
	}
	stats := &resourceStats{}
	if mem, err := a.proc.MemoryInfo(); err == nil {
		stats.MemoryMB = float64(mem.RSS) / 1024 / 1024
	}
	if cpu, err := a.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := a.proc.NumThreads(); err == nil {
		stats.Threads = threads
	}
	return stats
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	entries, err := a.reader.List(rel)
	if err != nil {
		a.writeArchiveError(w, "list", rel, err)
		return
	}
	metrics.ArchiveRequests.WithLabelValues("list", "ok").Inc()
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"path": rel, "entries": entries})
}

func (a *API) handleStat(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	entry, err := a.reader.Stat(rel)
	if err != nil {
		a.writeArchiveError(w, "stat", rel, err)
		return
	}
	metrics.ArchiveRequests.WithLabelValues("stat", "ok").Inc()
	a.writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rel := q.Get("path")

	offset, err := parseInt64(q.Get("offset"), 0)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "bad-request", "offset must be an integer")
		return
	}
	length, err := parseInt64(q.Get("length"), a.reader.MaxBytes())
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "bad-request", "length must be an integer")
		return
	}

	mode := archive.ModeBinary
	switch q.Get("mode") {
	case "", "binary":
	case "text":
		mode = archive.ModeText
	default:
		a.writeError(w, http.StatusBadRequest, "bad-request", "mode must be binary or text")
		return
	}

	data, err := a.reader.ReadRange(rel, offset, length, mode)
	if err != nil {
		a.writeArchiveError(w, "read", rel, err)
		return
	}
	metrics.ArchiveRequests.WithLabelValues("read", "ok").Inc()

	if mode == archive.ModeText {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleLatest returns the current snapshot for one symbol without
// touching the file system; it reads the delta engine's stored state.
func (a *API) handleLatest(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		a.writeError(w, http.StatusBadRequest, "bad-request", "symbol parameter is required")
		return
	}
	msg := a.engine.SnapshotMessage(symbol)
	if msg == nil {
		a.writeError(w, http.StatusNotFound, "not-found", "no state held for symbol "+symbol)
		return
	}
	a.writeJSON(w, http.StatusOK, msg)
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "bad-request", "reload requires POST")
		return
	}
	if err := a.reload(); err != nil {
		a.logger.Error().Err(err).Msg("Reload failed")
		a.writeError(w, http.StatusBadRequest, "config-invalid", err.Error())
		return
	}
	a.logger.Info().Msg("Configuration reloaded")
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (a *API) writeArchiveError(w http.ResponseWriter, op, rel string, err error) {
	kind := archive.KindOf(err)
	metrics.ArchiveRequests.WithLabelValues(op, string(kind)).Inc()

	var code int
	switch kind {
	case archive.KindForbidden:
		metrics.ArchiveForbidden.Inc()
		a.logger.Warn().Str("op", op).Str("path", rel).Msg("Archive access denied")
		code = http.StatusForbidden
	case archive.KindNotFound:
		code = http.StatusNotFound
	case archive.KindTooLarge:
		code = http.StatusRequestEntityTooLarge
	default:
		kind = archive.KindIOError
		a.logger.Error().Err(err).Str("op", op).Str("path", rel).Msg("Archive read failed")
		code = http.StatusInternalServerError
	}
	a.writeError(w, code, string(kind), err.Error())
}

func (a *API) writeError(w http.ResponseWriter, code int, kind, message string) {
	a.writeJSON(w, code, map[string]string{"error": kind, "message": message})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error().Err(err).Msg("Failed to write response")
	}
}

func parseInt64(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
