// Package server wires the bridge together: archive reader, extractor,
// delta engine, keyed pipeline, file watcher, WebSocket hub and the
// historical HTTP API, all behind one listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tickbridge/tickbridge/internal/archive"
	"github.com/tickbridge/tickbridge/internal/auth"
	"github.com/tickbridge/tickbridge/internal/config"
	"github.com/tickbridge/tickbridge/internal/delta"
	"github.com/tickbridge/tickbridge/internal/extract"
	"github.com/tickbridge/tickbridge/internal/httpapi"
	"github.com/tickbridge/tickbridge/internal/hub"
	"github.com/tickbridge/tickbridge/internal/logging"
	"github.com/tickbridge/tickbridge/internal/metrics"
	"github.com/tickbridge/tickbridge/internal/pipeline"
	"github.com/tickbridge/tickbridge/internal/registry"
	"github.com/tickbridge/tickbridge/internal/relay"
	"github.com/tickbridge/tickbridge/internal/watch"
)

// Startup failures the CLI maps onto distinct exit codes.
var (
	ErrBind        = errors.New("bind failed")
	ErrArchiveRoot = errors.New("archive root unreachable")
)

// Bridge is the assembled server.
type Bridge struct {
	cfg    *config.Config
	logger zerolog.Logger

	reg       *registry.Registry
	reader    *archive.Reader
	extractor *extract.Extractor
	engine    *delta.Engine
	pool      *pipeline.KeyedPool
	watcher   *watch.Watcher
	hub       *hub.Hub
	relay     *relay.Relay

	httpSrv  *http.Server
	listener net.Listener

	dayMu    sync.Mutex
	watchDay registry.Date

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles the bridge from validated configuration. No goroutine
// runs and no port is bound until Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Bridge, error) {
	reg, err := registry.New(cfg.Symbols)
	if err != nil {
		return nil, err
	}

	reader, err := archive.NewReader(cfg.ArchiveRoot, cfg.ReadMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveRoot, err)
	}

	engine := delta.NewEngine(logging.Component(logger, "delta"))

	b := &Bridge{
		cfg:       cfg,
		logger:    logger,
		reg:       reg,
		reader:    reader,
		extractor: extract.New(reader, logging.Component(logger, "extract")),
		engine:    engine,
		pool:      pipeline.NewKeyedPool(runtime.GOMAXPROCS(0), 256, logging.Component(logger, "pipeline")),
		watcher:   watch.New(reader.Root(), cfg.Debounce, reg, logging.Component(logger, "watch")),
		watchDay:  registry.DateOf(time.Now()),
	}

	b.hub = hub.New(hub.Config{
		QueueDepth:       cfg.QueueDepth,
		Policy:           cfg.Policy,
		KeepaliveEvery:   cfg.KeepaliveEvery,
		KeepaliveTimeout: cfg.KeepaliveTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		DrainTimeout:     cfg.ShutdownGrace / 2,
	}, reg, engine, logging.Component(logger, "hub"))

	return b, nil
}

// Start binds the listener, launches every component and begins serving.
// It returns once the bridge is up; Shutdown stops it.
func (b *Bridge) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	// The relay is optional: no URL means no relay, and a dead NATS
	// server must not keep market data from streaming.
	if b.cfg.NATSURL != "" {
		r, err := relay.Connect(b.cfg.NATSURL, logging.Component(b.logger, "relay"))
		if err != nil {
			b.logger.Warn().Err(err).Msg("NATS relay unavailable, continuing without it")
		} else {
			b.relay = r
		}
	}

	listener, err := net.Listen("tcp", b.cfg.Listen)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBind, b.cfg.Listen, err)
	}
	b.listener = listener

	b.pool.Start(ctx)
	b.hub.Start(ctx)

	b.wg.Add(1)
	go b.pump(ctx)

	if err := b.watcher.Start(ctx); err != nil {
		listener.Close()
		b.cancel()
		return fmt.Errorf("%w: %v", ErrArchiveRoot, err)
	}

	b.wg.Add(1)
	go b.rolloverLoop(ctx)

	api := httpapi.New(httpapi.Deps{
		Reader:          b.reader,
		Engine:          b.engine,
		Registry:        b.reg,
		SubscriberCount: b.hub.SubscriberCount,
		WatcherHealthy:  b.watcher.Healthy,
		Reload:          b.Reload,
	}, logging.Component(b.logger, "httpapi"))

	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc("/ws", b.hub.HandleWS)
	mux.Handle("/metrics", metrics.Handler())

	validator := auth.NewValidator(b.cfg.AuthSecret, logging.Component(b.logger, "auth"))
	b.httpSrv = &http.Server{
		Handler:           validator.Middleware(mux, "/health", "/metrics"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	b.logger.Info().
		Str("listen", listener.Addr().String()).
		Str("archive_root", b.reader.Root()).
		Msg("Bridge started")
	return nil
}

// Addr returns the bound listen address, once started.
func (b *Bridge) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// rolloverLoop refreshes the watcher's pattern table when the UTC date
// changes, so a contract rollover takes effect without a restart or an
// explicit reload.
func (b *Bridge) rolloverLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.checkRollover(now)
		}
	}
}

func (b *Bridge) checkRollover(now time.Time) {
	day := registry.DateOf(now)

	b.dayMu.Lock()
	changed := day != b.watchDay
	if changed {
		b.watchDay = day
	}
	b.dayMu.Unlock()

	if !changed {
		return
	}
	b.watcher.RefreshPatterns(now)
	b.logger.Info().Str("date", day.String()).Msg("Date changed, watch patterns refreshed")
}

// pump routes watcher events onto the keyed pipeline. Keying by symbol
// serializes all work per identifier, which the delta engine requires.
func (b *Bridge) pump(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.watcher.Events():
			symbol := ev.Symbol
			path := ev.Path
			b.pool.Submit(symbol, func() {
				b.process(symbol, path)
			})
		}
	}
}

// process runs extract → delta → publish for one debounced event.
// Extraction failures drop the event; held state and sequence survive.
func (b *Bridge) process(symbol, path string) {
	rel, err := filepath.Rel(b.reader.Root(), path)
	if err != nil {
		b.logger.Warn().Str("path", path).Err(err).Msg("Event outside archive root, dropped")
		return
	}

	snap, err := b.extractor.Extract(symbol, rel)
	if err != nil {
		switch {
		case errors.Is(err, extract.ErrNoData):
			b.logger.Debug().Str("symbol", symbol).Str("path", rel).Msg("No complete record, event dropped")
		case errors.Is(err, extract.ErrParse):
			b.logger.Warn().Str("symbol", symbol).Str("path", rel).Err(err).Msg("Unparseable record, event dropped")
		default:
			b.logger.Warn().Str("symbol", symbol).Str("path", rel).Err(err).Msg("Extraction failed, event dropped")
		}
		return
	}

	msg := b.engine.Apply(snap)
	if msg == nil {
		return
	}
	b.hub.Publish(msg)
	b.relay.Publish(msg)
}

// Reload re-reads the symbols document and applies the new record set
// atomically. On any failure the previous state stays in effect.
func (b *Bridge) Reload() error {
	doc, err := config.ReadDocument(b.cfg.ConfigPath)
	if err != nil {
		return err
	}
	if err := b.reg.Reload(doc.Symbols); err != nil {
		return err
	}
	b.watcher.RefreshPatterns(time.Now())
	b.logger.Info().Int("symbols", len(doc.Symbols)).Msg("Symbol registry reloaded")
	return nil
}

// Shutdown drains subscribers within the grace period and stops every
// component: listener first so no new work arrives, then the hub drain,
// then the ingest side.
func (b *Bridge) Shutdown() {
	b.logger.Info().Msg("Bridge shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownGrace)
	defer cancel()
	if b.httpSrv != nil {
		if err := b.httpSrv.Shutdown(shutdownCtx); err != nil {
			b.logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
		}
	}

	b.hub.Shutdown(b.cfg.ShutdownGrace)
	b.watcher.Stop()
	if b.cancel != nil {
		b.cancel()
	}
	b.pool.Stop()
	b.relay.Close()
	b.wg.Wait()
	b.logger.Info().Msg("Bridge stopped")
}
