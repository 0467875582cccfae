package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/go-presence/internal/directory"
	"github.com/a-essam23/go-presence/internal/dispatch"
	"github.com/a-essam23/go-presence/internal/router"
	"github.com/a-essam23/go-presence/pkg/identity"
	"github.com/a-essam23/go-presence/pkg/presence"
	"github.com/a-essam23/go-presence/pkg/presence/presencetest"
	"github.com/a-essam23/go-presence/pkg/protocol"
	"github.com/a-essam23/go-presence/pkg/transport"
)

var (
	c1 = identity.Identity{ID: "c1", DisplayName: "Alice", Role: identity.RoleController}
	c2 = identity.Identity{ID: "c2", DisplayName: "Bob", Role: identity.RoleController}
	d1 = identity.Identity{ID: "d1", DisplayName: "Door", Role: identity.RoleDevice, OwnerID: "c1"}
	d2 = identity.Identity{ID: "d2", DisplayName: "Gate", Role: identity.RoleDevice, OwnerID: "c1"}
)

type fixture struct {
	registry   *presence.Registry
	dir        *directory.Memory
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T, cfg dispatch.Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := presence.NewRegistry(logger)
	dir := directory.NewMemory()
	dir.AddDevice("c1", protocol.DeviceRef{ID: "d1", Name: "Door"})
	dir.AddDevice("c1", protocol.DeviceRef{ID: "d2", Name: "Gate"})
	d, err := dispatch.New(dispatch.Dependencies{
		Registry:  reg,
		Router:    router.New(reg, router.OwnerPolicy, nil, logger),
		Directory: dir,
		Store:     dir,
	}, cfg, logger)
	require.NoError(t, err)
	return &fixture{registry: reg, dir: dir, dispatcher: d}
}

func (f *fixture) join(ident identity.Identity) (presence.Session, *presencetest.Conn) {
	conn := presencetest.NewConn()
	f.registry.Add(ident, conn)
	return presence.Session{Identity: ident, Conn: conn}, conn
}

func (f *fixture) send(s presence.Session, frame string) {
	f.dispatcher.HandleMessage(context.Background(), s, []byte(frame))
}

func errorReason(t *testing.T, conn *presencetest.Conn, event string) string {
	t.Helper()
	found := conn.Find(event)
	require.Len(t, found, 1, "expected one %s, got %v", event, conn.Events())
	return found[0]["data"].(map[string]any)["reason"].(string)
}

func TestHandleMessage_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{"event":`},
		{"not an object", `[1,2]`},
		{"missing event", `{"data":{}}`},
		{"data not an object", `{"event":"direct_message","data":"x"}`},
		{"unknown event", `{"event":"fly","data":{}}`},
		{"missing recipient", `{"event":"direct_message","data":{"message":"hi"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, dispatch.Config{})
			s, conn := f.join(c1)
			f.send(s, tt.frame)
			errorReason(t, conn, protocol.EventProtocolError)
			assert.Zero(t, conn.CloseCalls())
		})
	}
}

func TestHandleMessage_RoleCheck(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	s, conn := f.join(d1)
	f.send(s, `{"event":"reboot","data":{"recipientId":"d2"}}`)
	f.send(s, `{"event":"post_notice","data":{"message":"x"}}`)
	assert.Equal(t, []string{protocol.EventUnauthorized, protocol.EventUnauthorized}, conn.Events())

	cs, cconn := f.join(c1)
	f.send(cs, `{"event":"log_attendance","data":{}}`)
	assert.Equal(t, []string{protocol.EventUnauthorized}, cconn.Events())
}

func TestDirectMessage(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	cs, cconn := f.join(c1)
	_, dconn := f.join(d1)

	f.send(cs, `{"event":"direct_message","data":{"recipientId":"d1","message":{"text":"hi"}}}`)
	routed := dconn.Find(protocol.EventDirectMessage)
	require.Len(t, routed, 1)
	assert.Equal(t, map[string]any{"id": "c1", "name": "Alice"}, routed[0]["sender"])
	assert.Equal(t, map[string]any{"text": "hi"}, routed[0]["message"])
	assert.Empty(t, cconn.Frames())

	// legacy top-level fields
	f.send(cs, `{"event":"direct_message","recipientId":"d1","message":"again"}`)
	assert.Len(t, dconn.Find(protocol.EventDirectMessage), 2)
}

func TestDirectMessage_DeviceLimitedToOwner(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ds, dconn := f.join(d1)
	_, ownerConn := f.join(c1)
	_, strangerConn := f.join(c2)

	f.send(ds, `{"event":"direct_message","data":{"recipientId":"c2","message":"x"}}`)
	errorReason(t, dconn, protocol.EventUnauthorized)
	assert.Empty(t, strangerConn.Frames())

	f.send(ds, `{"event":"direct_message","data":{"recipientId":"c1","message":"x"}}`)
	assert.Len(t, ownerConn.Find(protocol.EventDirectMessage), 1)
}

func TestDirectMessage_ControllerLimitedToOwnDevices(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	strangerSession, strangerConn := f.join(c2)
	_, ownerConn := f.join(c1)
	_, dconn := f.join(d1)

	f.send(strangerSession, `{"event":"direct_message","data":{"recipientId":"d1","message":"x"}}`)
	assert.Contains(t, errorReason(t, strangerConn, protocol.EventUnauthorized), "not owned")
	assert.Empty(t, dconn.Frames())

	strangerConn.Reset()
	f.send(strangerSession, `{"event":"direct_message","data":{"recipientId":"c1","message":"x"}}`)
	errorReason(t, strangerConn, protocol.EventUnauthorized)
	assert.Empty(t, ownerConn.Frames())

	strangerConn.Reset()
	f.dir.SetFail(errors.New("db down"))
	f.send(strangerSession, `{"event":"direct_message","data":{"recipientId":"d1","message":"x"}}`)
	assert.Equal(t, "internal error", errorReason(t, strangerConn, protocol.EventInternalError))
	assert.Empty(t, dconn.Frames())
}

func TestDirectMessage_OfflineRecipient(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	cs, cconn := f.join(c1)

	f.send(cs, `{"event":"direct_message","data":{"recipientId":"d2","message":"x"}}`)
	failed := cconn.Find(protocol.EventDeliveryFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "d2", failed[0]["data"].(map[string]any)["recipientId"])
	assert.Len(t, cconn.Frames(), 1)
}

func TestHeartBeat(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	cs, cconn := f.join(c1)
	f.join(d1)

	f.send(cs, `{"event":"heart_beat","data":{"devices":["d1","d2"]}}`)
	replies := cconn.Find(protocol.EventHeartBeat)
	require.Len(t, replies, 1)
	assert.Equal(t, map[string]any{"d1": "online", "d2": "offline"}, replies[0]["data"].(map[string]any)["devices"])

	cconn.Reset()
	f.send(cs, `{"event":"heart_beat","data":{}}`)
	replies = cconn.Find(protocol.EventHeartBeat)
	require.Len(t, replies, 1)
	assert.Equal(t, map[string]any{"d1": "online", "d2": "offline"}, replies[0]["data"].(map[string]any)["devices"])
}

func TestHeartBeat_OnlyReportsOwnedDevices(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	f.join(d1)
	other := identity.Identity{ID: "d3", DisplayName: "Lamp", Role: identity.RoleDevice, OwnerID: "c9"}
	ds, dconn := f.join(other)
	cs, cconn := f.join(c2)

	f.send(ds, `{"event":"heart_beat","data":{"devices":["d1","d3"]}}`)
	replies := dconn.Find(protocol.EventHeartBeat)
	require.Len(t, replies, 1)
	assert.Equal(t, map[string]any{"d3": "online"}, replies[0]["data"].(map[string]any)["devices"])

	f.send(cs, `{"event":"heart_beat","data":{"devices":["d1"]}}`)
	replies = cconn.Find(protocol.EventHeartBeat)
	require.Len(t, replies, 1)
	assert.Empty(t, replies[0]["data"].(map[string]any)["devices"])
}

func TestHeartBeat_AcknowledgesLiveness(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ds, dconn := f.join(d1)
	f.registry.BeginLivenessRound()

	f.send(ds, `{"event":"heart_beat","data":{"devices":[]}}`)
	state, _, ok := f.registry.LivenessOf(dconn.ID())
	require.True(t, ok)
	assert.Equal(t, presence.Alive, state)
}

func TestReboot(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	cs, cconn := f.join(c1)
	_, a := f.join(d1)
	_, b := f.join(d1)

	f.send(cs, `{"event":"reboot","data":{"recipientId":"d1"}}`)
	for _, conn := range []*presencetest.Conn{a, b} {
		require.Len(t, conn.Find(protocol.EventReboot), 1)
		require.Eventually(t, func() bool { return conn.CloseCalls() == 1 }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, conn.CloseReason(), transport.ErrRebooted)
	}
	assert.Empty(t, cconn.Frames())
}

func TestReboot_Rejections(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	cs, cconn := f.join(c2)
	_, dconn := f.join(d1)

	f.send(cs, `{"event":"reboot","data":{"recipientId":"d1"}}`)
	errorReason(t, cconn, protocol.EventUnauthorized)
	assert.Empty(t, dconn.Frames())

	owner, ownerConn := f.join(c1)
	f.send(owner, `{"event":"reboot","data":{"recipientId":"d2"}}`)
	failed := ownerConn.Find(protocol.EventDeliveryFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, protocol.EventReboot, failed[0]["data"].(map[string]any)["event"])

	ownerConn.Reset()
	f.dir.SetFail(errors.New("db down"))
	f.send(owner, `{"event":"reboot","data":{"recipientId":"d1"}}`)
	assert.Equal(t, "internal error", errorReason(t, ownerConn, protocol.EventInternalError))
	assert.Zero(t, dconn.CloseCalls())
}

func TestSync(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	cs, cconn := f.join(c1)
	_, a := f.join(d1)
	_, other := f.join(identity.Identity{ID: "d7", Role: identity.RoleDevice, OwnerID: "c2"})

	f.send(cs, `{"event":"sync","data":{}}`)
	syncs := a.Find(protocol.EventSync)
	require.Len(t, syncs, 1)
	assert.Equal(t, map[string]any{"action": "sync"}, syncs[0]["message"])
	assert.Empty(t, other.Frames())
	assert.Empty(t, cconn.Frames())
}

func TestLogAttendance(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ds, dconn := f.join(d1)
	_, ownerConn := f.join(c1)

	f.send(ds, `{"event":"log_attendance","data":{"student":"s1","status":"present"}}`)
	stored := f.dir.Attendance()
	require.Len(t, stored, 1)
	assert.Equal(t, "d1", stored[0].DeviceID)
	assert.Equal(t, "c1", stored[0].OwnerID)
	assert.JSONEq(t, `{"student":"s1","status":"present"}`, string(stored[0].Data))

	forwarded := ownerConn.Find(protocol.EventAttendance)
	require.Len(t, forwarded, 1)
	assert.Equal(t, "present", forwarded[0]["message"].(map[string]any)["status"])
	assert.Empty(t, dconn.Frames())
}

func TestLogAttendance_StoreFailureDoesNotNotify(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	ds, dconn := f.join(d1)
	_, ownerConn := f.join(c1)
	f.dir.SetFail(errors.New("db down"))

	f.send(ds, `{"event":"log_attendance","data":{"student":"s1"}}`)
	errorReason(t, dconn, protocol.EventInternalError)
	assert.Empty(t, ownerConn.Frames())
	assert.Empty(t, f.dir.Attendance())
}

func TestNotices(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	cs, cconn := f.join(c1)
	ds, dconn := f.join(d1)

	f.send(ds, `{"event":"read_messages","data":{}}`)
	replies := dconn.Find(protocol.EventReadMessages)
	require.Len(t, replies, 1)
	assert.Nil(t, replies[0]["data"].(map[string]any)["notice"])
	cconn.Reset()
	dconn.Reset()

	f.send(cs, `{"event":"post_notice","data":{"message":"closed friday","duration":2}}`)
	saved := cconn.Find(protocol.EventNoticeSaved)
	require.Len(t, saved, 1)
	assert.Equal(t, "closed friday", saved[0]["data"].(map[string]any)["message"])

	f.send(ds, `{"event":"read_messages","data":{}}`)
	replies = dconn.Find(protocol.EventReadMessages)
	require.Len(t, replies, 1)
	notice := replies[0]["data"].(map[string]any)["notice"].(map[string]any)
	assert.Equal(t, "closed friday", notice["message"])

	notes := cconn.Find(protocol.EventOwnerNotify)
	require.Len(t, notes, 1)
	data := notes[0]["data"].(map[string]any)
	assert.Equal(t, protocol.NotifyDeviceRead, data["role"])
	assert.Equal(t, "d1", data["device"].(map[string]any)["id"])

	f.send(cs, `{"event":"post_notice","data":{"message":""}}`)
	errorReason(t, cconn, protocol.EventProtocolError)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	f.dispatcher.Handlers().Register("explode", identity.PermDirectMessage, func(*dispatch.Request) error {
		panic("boom")
	})
	s, conn := f.join(c1)

	f.send(s, `{"event":"explode","data":{}}`)
	assert.Equal(t, "internal error", errorReason(t, conn, protocol.EventInternalError))

	conn.Reset()
	f.send(s, `{"event":"heart_beat","data":{"devices":[]}}`)
	assert.Equal(t, []string{protocol.EventHeartBeat}, conn.Events())
}

func TestRateLimit(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	f := newFixture(t, dispatch.Config{RateLimit: "2/s", Clock: mock})
	s, conn := f.join(c1)

	beat := `{"event":"heart_beat","data":{"devices":[]}}`
	f.send(s, beat)
	f.send(s, beat)
	f.send(s, beat)
	assert.Equal(t, []string{protocol.EventHeartBeat, protocol.EventHeartBeat, protocol.EventProtocolError}, conn.Events())
	assert.Equal(t, "rate limit exceeded", errorReason(t, conn, protocol.EventProtocolError))

	mock.Add(time.Second)
	f.send(s, beat)
	assert.Len(t, conn.Find(protocol.EventHeartBeat), 3)
}

func TestNew_InvalidRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := dispatch.New(dispatch.Dependencies{}, dispatch.Config{RateLimit: "ten/s"}, logger)
	require.Error(t, err)
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	f := newFixture(t, dispatch.Config{})
	assert.Panics(t, func() {
		f.dispatcher.Handlers().Register(protocol.EventSync, identity.PermSync, func(*dispatch.Request) error { return nil })
	})
	assert.Equal(t, []string{
		"direct_message", "heart_beat", "log_attendance", "post_notice", "read_messages", "reboot", "sync",
	}, f.dispatcher.Handlers().Events())
}

func TestRequestBind(t *testing.T) {
	req := &dispatch.Request{Frame: protocol.Frame{Event: "x", Data: json.RawMessage(`{"devices":"nope"}`)}}
	var in protocol.HeartBeatRequest
	err := req.Bind(&in)
	require.ErrorIs(t, err, dispatch.ErrBadRequest)
	require.ErrorIs(t, err, protocol.ErrMalformedFrame)
}
