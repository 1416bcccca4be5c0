package hub

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tickbridge/tickbridge/internal/metrics"
	"github.com/tickbridge/tickbridge/internal/protocol"
)

// Subscriber connection states.
const (
	stateConnecting int32 = iota
	stateActive
	stateDraining
	stateClosed
)

// Inbound rate limit: generous burst for subscribe storms at connect
// time, low sustained rate after that.
const (
	inboundBurst = 100
	inboundRate  = 10 // per second
)

// Subscriber is one connected streaming client.
//
// The dispatcher owns the symbol membership; the subscriber owns its
// connection, bounded queue and the two pumps. Enqueueing never blocks
// the dispatcher: overflow is handled by the configured policy.
type Subscriber struct {
	id     int64
	conn   net.Conn
	hub    *Hub
	queue  *sendQueue
	logger zerolog.Logger

	limiter  *rate.Limiter
	lastRecv atomic.Int64 // unix nanos of last inbound frame

	state     atomic.Int32
	done      chan struct{} // closed exactly once with the connection
	drainCh   chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once

	connectedAt time.Time
}

func newSubscriber(id int64, conn net.Conn, h *Hub) *Subscriber {
	s := &Subscriber{
		id:          id,
		conn:        conn,
		hub:         h,
		queue:       newSendQueue(h.cfg.QueueDepth),
		logger:      h.logger.With().Int64("subscriber_id", id).Logger(),
		limiter:     rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		done:        make(chan struct{}),
		drainCh:     make(chan struct{}),
		connectedAt: time.Now(),
	}
	s.lastRecv.Store(time.Now().UnixNano())
	return s
}

// beginDrain transitions to draining; the writer pump flushes what is
// queued up to the drain deadline and then closes the connection.
func (s *Subscriber) beginDrain() {
	s.drainOnce.Do(func() {
		s.state.Store(stateDraining)
		close(s.drainCh)
	})
}

// close releases the connection exactly once and wakes both pumps.
func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosed)
		s.conn.Close()
		close(s.done)
	})
}

// readPump consumes client frames: subscribe/unsubscribe reach the
// dispatcher, ack and ping just refresh liveness, close starts a drain.
// Any read error ends the connection.
func (s *Subscriber) readPump() {
	defer s.close()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.KeepaliveTimeout)); err != nil {
			return
		}
		data, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Subscriber read ended")
			return
		}
		s.lastRecv.Store(time.Now().UnixNano())

		switch op {
		case ws.OpClose:
			s.beginDrain()
			return
		case ws.OpPing, ws.OpPong:
			continue
		case ws.OpText:
		default:
			continue
		}

		if !s.limiter.Allow() {
			s.logger.Warn().
				Int("burst_limit", inboundBurst).
				Int("rate_limit_per_sec", inboundRate).
				Msg("Subscriber rate limited, message dropped")
			continue
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Subscriber sent invalid message")
			continue
		}

		switch msg.Type {
		case protocol.TypeSubscribe:
			s.hub.requestSubscribe(s, msg.Symbols, true)
		case protocol.TypeUnsubscribe:
			s.hub.requestSubscribe(s, msg.Symbols, false)
		case protocol.TypeAck, protocol.TypePing:
			// Liveness only; lastRecv already refreshed.
		case protocol.TypeClose:
			s.beginDrain()
			return
		}
	}
}

// writePump owns every write on the connection: queued messages,
// keepalives, the drain flush and the close frame.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(s.hub.cfg.KeepaliveEvery)
	defer func() {
		ticker.Stop()
		s.close()
		s.hub.finishClose(s)
	}()

	for {
		select {
		case <-s.done:
			return

		case <-s.queue.Notify():
			if !s.flush() {
				metrics.SubscriberEvictions.WithLabelValues("dead").Inc()
				return
			}

		case <-s.drainCh:
			s.drainAndClose()
			return

		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastRecv.Load()))
			if idle > s.hub.cfg.KeepaliveTimeout {
				s.logger.Warn().
					Dur("idle", idle).
					Msg("Subscriber keepalive timeout, evicting")
				metrics.SubscriberEvictions.WithLabelValues("dead").Inc()
				return
			}
			if !s.write(protocol.Keepalive(time.Now())) {
				metrics.SubscriberEvictions.WithLabelValues("dead").Inc()
				return
			}
		}
	}
}

// flush writes every queued message. Returns false on write error; the
// subscriber goes straight to closed, no retry.
func (s *Subscriber) flush() bool {
	for {
		msg, ok := s.queue.Pop()
		if !ok {
			return true
		}
		if !s.write(msg) {
			return false
		}
	}
}

// drainAndClose flushes the pending queue up to the drain deadline, then
// sends a close frame.
func (s *Subscriber) drainAndClose() {
	deadline := time.Now().Add(s.hub.cfg.DrainTimeout)
	for s.queue.Len() > 0 && time.Now().Before(deadline) {
		msg, ok := s.queue.Pop()
		if !ok {
			break
		}
		if !s.write(msg) {
			return
		}
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = ws.WriteFrame(s.conn, ws.NewCloseFrame(body))
}

func (s *Subscriber) write(msg *protocol.Message) bool {
	data, err := msg.Encode()
	if err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to encode message")
		return true // encoding failure is ours, not the subscriber's
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout)); err != nil {
		return false
	}
	if err := wsutil.WriteServerMessage(s.conn, ws.OpText, data); err != nil {
		s.logger.Debug().Err(err).Msg("Subscriber write failed")
		return false
	}
	metrics.MessagesSent.WithLabelValues(msg.Type).Inc()
	return true
}
