package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageRejectsUnknownFields(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"delta","symbol":"ESU25","seq":2,"surprise":true}`))
	require.Error(t, err)
}

func TestDecodeMessageRejectsUnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"heartbeat"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage([]byte(
		`{"type":"delta","symbol":"ESU25","seq":7,"ts":"2025-09-10T14:30:01.250000Z","fields":{"last":6512.75}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeDelta, msg.Type)
	assert.Equal(t, uint64(7), msg.Seq)
	assert.Equal(t, 6512.75, msg.Fields[FieldLast])
}

func TestEncodeOmitsEmpty(t *testing.T) {
	data, err := Keepalive(time.Date(2025, 9, 10, 14, 30, 0, 0, time.UTC)).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"keepalive","ts":"2025-09-10T14:30:00.000000Z"}`, string(data))
}

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"subscribe","symbols":["ESU25","NQU25"]}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSubscribe, msg.Type)
	assert.Equal(t, []string{"ESU25", "NQU25"}, msg.Symbols)

	_, err = DecodeClientMessage([]byte(`{"type":"subscribe","extra":1}`))
	require.Error(t, err)

	_, err = DecodeClientMessage([]byte(`{"type":"snapshot"}`))
	require.Error(t, err, "server types are not client types")
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2025, 9, 10, 14, 30, 1, 250000789, time.FixedZone("X", 3600))
	s := FormatTime(in)
	assert.Equal(t, "2025-09-10T13:30:01.250000Z", s, "normalized to UTC, truncated to micros")

	out, err := ParseTime(s)
	require.NoError(t, err)
	assert.True(t, out.Equal(in.Truncate(time.Microsecond)))
}
