package router_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/go-presence/internal/router"
	"github.com/a-essam23/go-presence/pkg/identity"
	"github.com/a-essam23/go-presence/pkg/presence"
	"github.com/a-essam23/go-presence/pkg/presence/presencetest"
	"github.com/a-essam23/go-presence/pkg/protocol"
)

var (
	controller = identity.Identity{ID: "c1", DisplayName: "Alice", Role: identity.RoleController}
	device     = identity.Identity{ID: "d1", DisplayName: "Door", Role: identity.RoleDevice, OwnerID: "c1"}
)

func setup(t *testing.T) (*presence.Registry, *router.Router) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := presence.NewRegistry(logger)
	r := router.New(reg, router.OwnerPolicy, nil, logger)
	r.SetClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
	return reg, r
}

func TestRoute_FansOutToEveryConnection(t *testing.T) {
	reg, r := setup(t)
	senderConn := presencetest.NewConn()
	reg.Add(controller, senderConn)

	targets := make([]*presencetest.Conn, 3)
	for i := range targets {
		targets[i] = presencetest.NewConn()
		reg.Add(device, targets[i])
	}

	res, err := r.Route(context.Background(), controller, senderConn, "d1", json.RawMessage(`{"hi":1}`), "")
	require.NoError(t, err)
	assert.Equal(t, router.Result{Recipients: 3, Delivered: 3}, res)

	for _, c := range targets {
		frames := c.Frames()
		require.Len(t, frames, 1)
		var got protocol.Routed
		require.NoError(t, json.Unmarshal(frames[0], &got))
		assert.Equal(t, protocol.EventDirectMessage, got.Event)
		assert.Equal(t, protocol.Sender{ID: "c1", Name: "Alice"}, got.Sender)
		assert.JSONEq(t, `{"hi":1}`, string(got.Message))
		assert.True(t, got.Timestamp.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	}
	assert.Empty(t, senderConn.Frames())
}

func TestRoute_UnreachableNotifiesSenderOnce(t *testing.T) {
	reg, r := setup(t)
	senderConn := presencetest.NewConn()
	otherSenderConn := presencetest.NewConn()
	reg.Add(controller, senderConn)
	reg.Add(controller, otherSenderConn)

	res, err := r.Route(context.Background(), controller, senderConn, "ghost", json.RawMessage(`"x"`), "")
	require.NoError(t, err)
	assert.True(t, res.Unreachable)
	assert.Zero(t, res.Recipients)

	failed := senderConn.Find(protocol.EventDeliveryFailed)
	require.Len(t, failed, 1)
	data := failed[0]["data"].(map[string]any)
	assert.Equal(t, "ghost", data["recipientId"])
	assert.Equal(t, protocol.EventDirectMessage, data["event"])
	assert.Len(t, senderConn.Frames(), 1)
	assert.Empty(t, otherSenderConn.Frames())
}

func TestRoute_NoSenderConnSkipsFailure(t *testing.T) {
	_, r := setup(t)
	res, err := r.Route(context.Background(), device, nil, "c1", nil, protocol.EventAttendance)
	require.NoError(t, err)
	assert.True(t, res.Unreachable)
}

func TestRoute_Policy(t *testing.T) {
	reg, r := setup(t)
	ownerConn := presencetest.NewConn()
	reg.Add(controller, ownerConn)
	strangerConn := presencetest.NewConn()
	reg.Add(identity.Identity{ID: "c2", Role: identity.RoleController}, strangerConn)

	_, err := r.Route(context.Background(), device, nil, "c2", json.RawMessage(`1`), "")
	require.ErrorIs(t, err, router.ErrUnauthorized)
	assert.Empty(t, strangerConn.Frames())

	res, err := r.Route(context.Background(), device, nil, "c1", json.RawMessage(`1`), "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	_, err = r.Route(context.Background(), controller, ownerConn, "c2", json.RawMessage(`1`), "")
	require.NoError(t, err)
}

func TestRoute_CountsRefusedSends(t *testing.T) {
	reg, r := setup(t)
	ok := presencetest.NewConn()
	full := presencetest.NewConn()
	full.Refuse()
	reg.Add(device, ok)
	reg.Add(device, full)

	res, err := r.Route(context.Background(), controller, nil, "d1", json.RawMessage(`{}`), protocol.EventSync)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recipients)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{protocol.EventSync}, ok.Events())
}

func TestNotify(t *testing.T) {
	reg, r := setup(t)
	a, b := presencetest.NewConn(), presencetest.NewConn()
	reg.Add(controller, a)
	reg.Add(controller, b)

	n, err := r.Notify("c1", protocol.EventOwnerNotify, protocol.OwnerNotify{Role: protocol.NotifyDeviceOnline})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, a.Find(protocol.EventOwnerNotify), 1)
	assert.Len(t, b.Find(protocol.EventOwnerNotify), 1)

	n, err = r.Notify("nobody", protocol.EventOwnerNotify, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
