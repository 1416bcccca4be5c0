// Package consumer is the client half of the bridge: it maintains a
// streaming subscription, applies snapshots and deltas into a local view
// and exposes the freshest known state per symbol with an explicit
// staleness verdict. Downstream code reads the view; it never touches
// the wire.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/tickbridge/tickbridge/internal/protocol"
)

// State is the consumer's verdict on a symbol's local view.
type State string

const (
	// StateLive means the view is current within the TTL.
	StateLive State = "live"
	// StateStale means state is held but has outlived the TTL.
	StateStale State = "stale"
	// StateUnknown means no state has been received for the symbol.
	StateUnknown State = "unknown"
	// StateResyncing means a sequence gap was detected and a fresh
	// snapshot has been requested; held state is untrusted until it lands.
	StateResyncing State = "resyncing"
)

// Reconnect backoff bounds and the poll fallback cadence.
const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
	pollGrace    = 10 * time.Second
	pollEvery    = 3 * time.Second
)

// DefaultTTL is the view freshness window when Config.TTL is zero.
const DefaultTTL = 5 * time.Second

// View is the consumer's current picture of one symbol.
type View struct {
	Symbol     string
	Seq        uint64
	TS         time.Time
	Fields     map[string]interface{}
	ReceivedAt time.Time
}

// Config configures a Consumer.
type Config struct {
	// URL is the bridge's WebSocket endpoint, e.g. ws://host:8787/ws.
	URL string
	// HTTPBase is the bridge's HTTP base for the poll fallback, e.g.
	// http://host:8787. Empty disables polling.
	HTTPBase string
	// Symbols to subscribe to.
	Symbols []string
	// TTL is the freshness window; DefaultTTL when zero.
	TTL time.Duration
	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string
}

type viewEntry struct {
	view      View
	resyncing bool
}

// Consumer maintains the subscription and the local views.
type Consumer struct {
	cfg    Config
	logger zerolog.Logger
	client *http.Client

	mu    sync.RWMutex
	views map[string]*viewEntry

	disconnected time.Time // zero while the stream is up

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a consumer. Start must be called to begin streaming.
func New(cfg Config, logger zerolog.Logger) *Consumer {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	return &Consumer{
		cfg:          cfg,
		logger:       logger,
		client:       &http.Client{Timeout: 5 * time.Second},
		views:        make(map[string]*viewEntry),
		disconnected: time.Now(),
	}
}

// Start launches the streaming loop and the poll fallback.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
	if c.cfg.HTTPBase != "" {
		c.wg.Add(1)
		go c.pollLoop(ctx)
	}
}

// Stop shuts the consumer down and waits for its goroutines.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Get returns the current view of a symbol and its state verdict.
func (c *Consumer) Get(symbol string) (View, State) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.views[symbol]
	if !ok {
		return View{Symbol: symbol}, StateUnknown
	}
	if entry.resyncing {
		// Held fields are untrusted mid-resync and must not leak out.
		return View{Symbol: symbol}, StateResyncing
	}
	if time.Since(entry.view.ReceivedAt) > c.cfg.TTL {
		return entry.view, StateStale
	}
	return entry.view, StateLive
}

// run dials, subscribes and reads until the connection drops, then
// backs off and retries forever.
func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	dialer := ws.Dialer{}
	if c.cfg.AuthToken != "" {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}

	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, _, err := dialer.Dial(ctx, c.cfg.URL)
		if err != nil {
			c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Bridge dial failed")
			if !sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectMin
		c.markConnected()
		c.logger.Info().Str("url", c.cfg.URL).Msg("Bridge connected")

		err = c.stream(ctx, conn)
		conn.Close()
		c.markDisconnected()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Msg("Bridge stream ended, reconnecting")
		if !sleep(ctx, jitter(backoff)) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// stream subscribes and applies messages until a read fails.
func (c *Consumer) stream(ctx context.Context, conn io.ReadWriter) error {
	if err := c.sendSubscribe(conn, c.cfg.Symbols); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Undecodable message from bridge, skipped")
			continue
		}

		switch msg.Type {
		case protocol.TypeKeepalive:
			c.sendAck(conn, 0)
		case protocol.TypeSnapshot:
			c.applySnapshot(msg)
			c.sendAck(conn, msg.Seq)
		case protocol.TypeDelta:
			if resync := c.applyDelta(msg); resync {
				if err := c.sendSubscribe(conn, []string{msg.Symbol}); err != nil {
					return err
				}
			} else {
				c.sendAck(conn, msg.Seq)
			}
		}
	}
}

// applySnapshot replaces the symbol's view wholesale and clears any
// pending resync.
func (c *Consumer) applySnapshot(msg *protocol.Message) {
	ts, err := protocol.ParseTime(msg.TS)
	if err != nil {
		c.logger.Warn().Str("ts", msg.TS).Msg("Snapshot with unparseable timestamp")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[msg.Symbol] = &viewEntry{
		view: View{
			Symbol:     msg.Symbol,
			Seq:        msg.Seq,
			TS:         ts,
			Fields:     copyFields(msg.Fields),
			ReceivedAt: time.Now(),
		},
	}
}

// applyDelta merges a delta into the view when it is the next expected
// sequence number. On a gap the held fields are discarded, the view is
// marked resyncing and the caller re-subscribes to obtain a snapshot.
func (c *Consumer) applyDelta(msg *protocol.Message) (resync bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.views[msg.Symbol]
	if !ok || entry.resyncing {
		// Delta before any snapshot, or mid-resync. Wait for the snapshot.
		if !ok {
			c.views[msg.Symbol] = &viewEntry{
				view:      View{Symbol: msg.Symbol},
				resyncing: true,
			}
			return true
		}
		return false
	}

	if msg.Seq != entry.view.Seq+1 {
		c.logger.Warn().
			Str("symbol", msg.Symbol).
			Uint64("expected", entry.view.Seq+1).
			Uint64("got", msg.Seq).
			Msg("Sequence gap detected, requesting snapshot")
		entry.resyncing = true
		entry.view.Fields = nil
		return true
	}

	if ts, err := protocol.ParseTime(msg.TS); err == nil {
		entry.view.TS = ts
	}
	for k, v := range msg.Fields {
		entry.view.Fields[k] = v
	}
	entry.view.Seq = msg.Seq
	entry.view.ReceivedAt = time.Now()
	return false
}

func (c *Consumer) sendSubscribe(conn io.Writer, symbols []string) error {
	data, err := json.Marshal(protocol.ClientMessage{
		Type:    protocol.TypeSubscribe,
		Symbols: symbols,
	})
	if err != nil {
		return err
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// sendAck is best effort; a failed ack surfaces on the next read.
func (c *Consumer) sendAck(conn io.Writer, seq uint64) {
	data, err := json.Marshal(protocol.ClientMessage{Type: protocol.TypeAck, Seq: seq})
	if err != nil {
		return
	}
	_ = wsutil.WriteClientMessage(conn, ws.OpText, data)
}

func (c *Consumer) markConnected() {
	c.mu.Lock()
	c.disconnected = time.Time{}
	c.mu.Unlock()
}

func (c *Consumer) markDisconnected() {
	c.mu.Lock()
	c.disconnected = time.Now()
	c.mu.Unlock()
}

// offlineSince reports how long the stream has been down; zero when up.
func (c *Consumer) offlineSince() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.disconnected.IsZero() {
		return 0
	}
	return time.Since(c.disconnected)
}

// pollLoop falls back to the bridge's /latest endpoint when the stream
// has been down past the grace window. Polled state lands as a snapshot,
// so views keep aging honestly instead of going dark.
func (c *Consumer) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.offlineSince() < pollGrace {
				continue
			}
			for _, sym := range c.cfg.Symbols {
				c.pollOnce(ctx, sym)
			}
		}
	}
}

func (c *Consumer) pollOnce(ctx context.Context, symbol string) {
	url := fmt.Sprintf("%s/latest?symbol=%s", c.cfg.HTTPBase, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("symbol", symbol).Msg("Poll fallback failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return
	}
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		return
	}
	c.logger.Debug().Str("symbol", symbol).Uint64("seq", msg.Seq).Msg("Polled latest state")
	c.applySnapshot(msg)
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		d = reconnectMax
	}
	return d
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
