// Package relay optionally republishes every emitted message onto NATS
// subjects so other mesh processes can consume the stream without a
// direct WebSocket subscription.
package relay

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tickbridge/tickbridge/internal/metrics"
	"github.com/tickbridge/tickbridge/internal/protocol"
)

// SubjectPrefix is the subject namespace: bridge.md.<identifier>.
const SubjectPrefix = "bridge.md."

// Relay publishes messages to NATS. A nil *Relay is a no-op, so the
// composition root can wire it unconditionally.
type Relay struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials the NATS server with reconnect handling.
func Connect(url string, logger zerolog.Logger) (*Relay, error) {
	r := &Relay{logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			r.logger.Warn().Err(err).Msg("NATS relay disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			r.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS relay reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			r.logger.Error().Err(err).Msg("NATS relay error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect NATS relay: %w", err)
	}
	r.conn = conn
	logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS relay connected")
	return r, nil
}

// Publish republishes one message. Failures are counted and logged;
// the streaming path never blocks on the relay.
func (r *Relay) Publish(msg *protocol.Message) {
	if r == nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		metrics.RelayErrors.Inc()
		return
	}
	if err := r.conn.Publish(SubjectPrefix+msg.Symbol, data); err != nil {
		metrics.RelayErrors.Inc()
		r.logger.Warn().Err(err).Str("symbol", msg.Symbol).Msg("NATS relay publish failed")
		return
	}
	metrics.RelayPublished.Inc()
}

// Close flushes and drops the connection.
func (r *Relay) Close() {
	if r == nil || r.conn == nil {
		return
	}
	_ = r.conn.Flush()
	r.conn.Close()
}
