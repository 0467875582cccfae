package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/go-presence/pkg/protocol"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		event   string
		data    string
		wantErr error
	}{
		{name: "envelope", raw: `{"event":"direct_message","data":{"recipientId":"d1","message":"ping"}}`,
			event: "direct_message", data: `{"recipientId":"d1","message":"ping"}`},
		{name: "legacy top-level fields", raw: `{"event":"direct_message","recipientId":"d1"}`,
			event: "direct_message", data: `{"event":"direct_message","recipientId":"d1"}`},
		{name: "null data", raw: `{"event":"sync","data":null}`,
			event: "sync", data: `{"event":"sync","data":null}`},
		{name: "invalid json", raw: `{"event":`, wantErr: protocol.ErrMalformedFrame},
		{name: "array", raw: `[1,2]`, wantErr: protocol.ErrMalformedFrame},
		{name: "missing event", raw: `{"data":{}}`, wantErr: protocol.ErrMissingEvent},
		{name: "empty event", raw: `{"event":""}`, wantErr: protocol.ErrMissingEvent},
		{name: "non-string event", raw: `{"event":5}`, wantErr: protocol.ErrMissingEvent},
		{name: "non-object data", raw: `{"event":"sync","data":"x"}`, wantErr: protocol.ErrMalformedFrame},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := protocol.Decode([]byte(tc.raw))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.event, frame.Event)
			assert.JSONEq(t, tc.data, string(frame.Data))
		})
	}
}

func TestFrameBind(t *testing.T) {
	frame, err := protocol.Decode([]byte(`{"event":"heart_beat","data":{"devices":["a","b"]}}`))
	require.NoError(t, err)

	var req protocol.HeartBeatRequest
	require.NoError(t, frame.Bind(&req))
	assert.Equal(t, []string{"a", "b"}, req.Devices)

	bad := protocol.Frame{Event: "heart_beat", Data: json.RawMessage(`{"devices":"a"}`)}
	require.ErrorIs(t, bad.Bind(&req), protocol.ErrMalformedFrame)
}

func TestEncodeRouted(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	b, err := protocol.EncodeRouted("direct_message", protocol.Sender{ID: "c1", Name: "Alice"}, json.RawMessage(`"ping"`), at)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"direct_message","sender":{"id":"c1","name":"Alice"},"message":"ping","timestamp":"2025-01-02T03:04:05Z"}`, string(b))

	b, err = protocol.EncodeRouted("sync", protocol.Sender{ID: "c1"}, nil, at)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"message":null`)
}
