// Package protocol defines the wire format spoken between the bridge hub
// and streaming consumers.
//
// Server → client messages are JSON envelopes tagged "snapshot", "delta"
// or "keepalive". Client → server messages are "subscribe", "unsubscribe",
// "ack", "ping" and "close". Boundary parsing is strict: unknown fields
// are rejected rather than silently accepted.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is the timestamp format carried on every data message:
// ISO-8601 UTC with microsecond precision.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Server → client message types.
const (
	TypeSnapshot  = "snapshot"
	TypeDelta     = "delta"
	TypeKeepalive = "keepalive"
)

// Client → server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeAck         = "ack"
	TypePing        = "ping"
	TypeClose       = "close"
)

// Field names used in Message.Fields. Prices are JSON numbers with
// decimal semantics, volumes are integers.
const (
	FieldLast        = "last"
	FieldBid         = "bid"
	FieldAsk         = "ask"
	FieldVolume      = "volume"
	FieldTotalVolume = "total_volume"
)

// Message is the server → client envelope.
//
// A "snapshot" carries every known field for the symbol; a "delta"
// carries only the fields that changed since the previous publication.
// "keepalive" carries neither symbol nor fields.
type Message struct {
	Type   string                 `json:"type"`
	Symbol string                 `json:"symbol,omitempty"`
	Seq    uint64                 `json:"seq,omitempty"`
	TS     string                 `json:"ts,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Keepalive builds a keepalive message stamped with the current time.
func Keepalive(now time.Time) *Message {
	return &Message{
		Type: TypeKeepalive,
		TS:   FormatTime(now),
	}
}

// Encode serializes the message for transmission.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// DecodeMessage parses a server → client message, rejecting unknown fields.
func DecodeMessage(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	switch m.Type {
	case TypeSnapshot, TypeDelta, TypeKeepalive:
	default:
		return nil, fmt.Errorf("decode server message: unknown type %q", m.Type)
	}
	return &m, nil
}

// ClientMessage is the client → server envelope.
type ClientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
	Seq     uint64   `json:"seq,omitempty"`
}

// Encode serializes the client message.
func (m *ClientMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// DecodeClientMessage parses a client → server message, rejecting unknown
// fields and unknown types.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m ClientMessage
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode client message: %w", err)
	}
	switch m.Type {
	case TypeSubscribe, TypeUnsubscribe, TypeAck, TypePing, TypeClose:
	default:
		return nil, fmt.Errorf("decode client message: unknown type %q", m.Type)
	}
	return &m, nil
}

// FormatTime renders a timestamp in the wire layout. The input is
// normalized to UTC and truncated to microseconds.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimeLayout)
}

// ParseTime parses a wire-layout timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
