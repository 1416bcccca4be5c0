// Package hub fans sequenced delta messages out to streaming WebSocket
// subscribers with per-subscriber backpressure.
//
// A single dispatcher goroutine owns the subscription table; connection
// pumps and the delta engine talk to it through bounded channels, never
// by touching the maps. Enqueueing to a subscriber is non-blocking.
package hub

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/tickbridge/tickbridge/internal/config"
	"github.com/tickbridge/tickbridge/internal/delta"
	"github.com/tickbridge/tickbridge/internal/metrics"
	"github.com/tickbridge/tickbridge/internal/protocol"
	"github.com/tickbridge/tickbridge/internal/registry"
)

// Config carries the hub's tunables, resolved by the composition root.
type Config struct {
	QueueDepth       int
	Policy           string // config.PolicyDropOldest or config.PolicyEvict
	KeepaliveEvery   time.Duration
	KeepaliveTimeout time.Duration
	WriteTimeout     time.Duration
	DrainTimeout     time.Duration
}

type subRequest struct {
	sub     *Subscriber
	symbols []string
	add     bool
}

// regRequest registers a subscriber and reports completion, so the
// pumps only start once the dispatcher knows the subscriber. A
// subscribe arriving through the read pump is then always ordered
// after its registration.
type regRequest struct {
	sub   *Subscriber
	ready chan struct{}
}

// Hub routes published messages to matching subscribers.
type Hub struct {
	cfg    Config
	reg    *registry.Registry
	engine *delta.Engine
	logger zerolog.Logger

	publishCh    chan *protocol.Message
	registerCh   chan regRequest
	unregisterCh chan *Subscriber
	subscribeCh  chan subRequest
	listCh       chan chan []*Subscriber

	// Dispatcher-owned state. Nothing else touches these maps.
	subs     map[int64]*Subscriber
	bySymbol map[string]map[*Subscriber]struct{}

	nextID       atomic.Int64
	count        atomic.Int64
	shuttingDown atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub. Start must be called before HandleWS or Publish.
func New(cfg Config, reg *registry.Registry, engine *delta.Engine, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:          cfg,
		reg:          reg,
		engine:       engine,
		logger:       logger,
		publishCh:    make(chan *protocol.Message, 1024),
		registerCh:   make(chan regRequest, 16),
		unregisterCh: make(chan *Subscriber, 16),
		subscribeCh:  make(chan subRequest, 64),
		listCh:       make(chan chan []*Subscriber),
		subs:         make(map[int64]*Subscriber),
		bySymbol:     make(map[string]map[*Subscriber]struct{}),
	}
}

// Start launches the dispatcher.
func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.dispatch()
}

// SubscriberCount reports the number of registered subscribers.
func (h *Hub) SubscriberCount() int64 { return h.count.Load() }

// Publish hands a message from the delta engine to the dispatcher. It
// never blocks the caller: if the dispatcher's inbox is full the message
// is dropped and subscribers recover via snapshot re-sync.
func (h *Hub) Publish(msg *protocol.Message) {
	select {
	case h.publishCh <- msg:
	default:
		h.logger.Error().
			Str("symbol", msg.Symbol).
			Uint64("seq", msg.Seq).
			Msg("Hub inbox full, message dropped")
	}
}

// HandleWS upgrades an HTTP request into a streaming subscription.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	sub := newSubscriber(h.nextID.Add(1), conn, h)
	metrics.SubscribersTotal.Inc()

	req := regRequest{sub: sub, ready: make(chan struct{})}
	select {
	case h.registerCh <- req:
	case <-h.ctx.Done():
		conn.Close()
		return
	}
	select {
	case <-req.ready:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go sub.writePump()
	go sub.readPump()
}

func (h *Hub) requestSubscribe(sub *Subscriber, symbols []string, add bool) {
	select {
	case h.subscribeCh <- subRequest{sub: sub, symbols: symbols, add: add}:
	case <-h.ctx.Done():
	}
}

// finishClose is called exactly once per subscriber by its writer pump.
func (h *Hub) finishClose(sub *Subscriber) {
	select {
	case h.unregisterCh <- sub:
	case <-h.ctx.Done():
	}
}

func (h *Hub) dispatch() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case req := <-h.registerCh:
			sub := req.sub
			h.subs[sub.id] = sub
			sub.state.Store(stateActive)
			h.count.Add(1)
			metrics.SubscribersActive.Set(float64(h.count.Load()))
			close(req.ready)
			h.logger.Info().Int64("subscriber_id", sub.id).Msg("Subscriber connected")

		case sub := <-h.unregisterCh:
			if _, ok := h.subs[sub.id]; !ok {
				continue
			}
			delete(h.subs, sub.id)
			for sym, set := range h.bySymbol {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.bySymbol, sym)
				}
			}
			h.count.Add(-1)
			metrics.SubscribersActive.Set(float64(h.count.Load()))
			h.logger.Info().
				Int64("subscriber_id", sub.id).
				Dur("connection_duration", time.Since(sub.connectedAt)).
				Msg("Subscriber disconnected")

		case req := <-h.subscribeCh:
			h.handleSubscribe(req)

		case reply := <-h.listCh:
			subs := make([]*Subscriber, 0, len(h.subs))
			for _, sub := range h.subs {
				subs = append(subs, sub)
			}
			reply <- subs

		case msg := <-h.publishCh:
			h.fanOut(msg)
		}
	}
}

// handleSubscribe mutates the symbol membership and, on subscribe,
// enqueues the current snapshot for each symbol. A repeated subscribe
// for an already-held symbol re-delivers the snapshot: that is the
// client's re-sync request after a detected gap.
func (h *Hub) handleSubscribe(req subRequest) {
	if _, ok := h.subs[req.sub.id]; !ok {
		return // raced with disconnect
	}

	for _, sym := range req.symbols {
		if req.add {
			set := h.bySymbol[sym]
			if set == nil {
				set = make(map[*Subscriber]struct{})
				h.bySymbol[sym] = set
			}
			set[req.sub] = struct{}{}
			if snap := h.engine.SnapshotMessage(sym); snap != nil {
				h.deliver(req.sub, snap)
			}
		} else {
			if set, ok := h.bySymbol[sym]; ok {
				delete(set, req.sub)
				if len(set) == 0 {
					delete(h.bySymbol, sym)
				}
			}
		}
	}
	h.logger.Debug().
		Int64("subscriber_id", req.sub.id).
		Bool("add", req.add).
		Strs("symbols", req.symbols).
		Msg("Subscription change")
}

// fanOut routes one published message to every matching subscriber.
// Output for identifiers retired by a registry reload is dropped here:
// in-flight pipeline work runs to completion but never reaches a client.
func (h *Hub) fanOut(msg *protocol.Message) {
	if !h.reg.IsActive(msg.Symbol, time.Now()) {
		h.logger.Debug().Str("symbol", msg.Symbol).Msg("Dropping message for retired identifier")
		return
	}
	for sub := range h.bySymbol[msg.Symbol] {
		h.deliver(sub, msg)
	}
}

// deliver enqueues without blocking; overflow applies the configured
// backpressure policy.
//
// Drop-oldest: discard the oldest queued delta, then enqueue (or
// refresh) a synthetic snapshot carrying the full current state, so the
// subscriber re-syncs on next read. Snapshots are never dropped ahead of
// deltas. Evict: the subscriber drains and is closed.
func (h *Hub) deliver(sub *Subscriber, msg *protocol.Message) {
	if sub.state.Load() != stateActive {
		return
	}
	if sub.queue.TryPush(msg) {
		return
	}

	metrics.QueueOverflows.Inc()

	if h.cfg.Policy == config.PolicyEvict {
		h.logger.Warn().
			Int64("subscriber_id", sub.id).
			Str("reason", "subscriber-slow").
			Msg("Subscriber queue overflow, evicting")
		metrics.SubscriberEvictions.WithLabelValues("slow").Inc()
		sub.beginDrain()
		return
	}

	dropped := sub.queue.DropOldestDelta()
	if dropped == nil {
		// Queue holds only snapshots. Nothing may be discarded, so the
		// subscriber is beyond saving under this policy.
		metrics.SubscriberEvictions.WithLabelValues("slow").Inc()
		sub.beginDrain()
		return
	}
	metrics.DroppedDeltas.Inc()

	// The incoming message is superseded by a synthetic snapshot of the
	// stored state, which already includes its fields.
	snap := h.engine.SnapshotMessage(msg.Symbol)
	if snap == nil {
		return
	}
	if !sub.queue.ReplaceSnapshot(snap) {
		sub.queue.TryPush(snap)
	}
}

// Shutdown transitions every subscriber to draining, waits for queues to
// flush up to the grace period, then stops the dispatcher.
func (h *Hub) Shutdown(grace time.Duration) {
	h.shuttingDown.Store(true)
	h.logger.Info().
		Int64("active_subscribers", h.count.Load()).
		Dur("grace", grace).
		Msg("Hub draining subscribers")

	h.drainAll()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
drainWait:
	for h.count.Load() > 0 {
		select {
		case <-deadline.C:
			break drainWait
		case <-ticker.C:
		}
	}

	if remaining := h.count.Load(); remaining > 0 {
		h.logger.Warn().Int64("remaining", remaining).Msg("Grace period expired, forcing close")
	}
	metrics.SubscriberEvictions.WithLabelValues("shutdown").Add(float64(h.count.Load()))

	h.cancel()
	h.wg.Wait()
}

// drainAll begins a drain on every subscriber. beginDrain and close are
// idempotent and safe from outside the dispatcher; only the maps are
// dispatcher-private, and they are not touched here.
func (h *Hub) drainAll() {
	for _, sub := range h.snapshotSubs() {
		sub.beginDrain()
	}
}

// snapshotSubs asks the dispatcher for the current subscriber list.
func (h *Hub) snapshotSubs() []*Subscriber {
	reply := make(chan []*Subscriber, 1)
	select {
	case h.listCh <- reply:
		return <-reply
	case <-time.After(time.Second):
		return nil
	case <-h.ctx.Done():
		return nil
	}
}
