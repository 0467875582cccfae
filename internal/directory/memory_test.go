package directory_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/go-presence/internal/directory"
	"github.com/a-essam23/go-presence/pkg/protocol"
)

func TestMemory_ListDevicesOf(t *testing.T) {
	m := directory.NewMemory()
	m.AddDevice("c1", protocol.DeviceRef{ID: "d2", Name: "two"})
	m.AddDevice("c1", protocol.DeviceRef{ID: "d1", Name: "one"})
	m.AddDevice("c2", protocol.DeviceRef{ID: "d3", Name: "three"})

	devices, err := m.ListDevicesOf(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []protocol.DeviceRef{{ID: "d1", Name: "one"}, {ID: "d2", Name: "two"}}, devices)
	assert.True(t, directory.Contains(devices, "d2"))
	assert.False(t, directory.Contains(devices, "d3"))

	m.RemoveDevice("c1", "d2")
	devices, err = m.ListDevicesOf(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestMemory_Failures(t *testing.T) {
	m := directory.NewMemory()
	outage := errors.New("db down")
	m.SetFail(outage)

	_, err := m.ListDevicesOf(context.Background(), "c1")
	require.ErrorIs(t, err, outage)
	ok, err := m.PersistAndAck(context.Background(), directory.AttendanceEvent{DeviceID: "d1"})
	require.ErrorIs(t, err, outage)
	assert.False(t, ok)

	m.SetFail(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.ListDevicesOf(ctx, "c1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemory_AttendanceAndNotices(t *testing.T) {
	m := directory.NewMemory()
	ctx := context.Background()

	ok, err := m.PersistAndAck(ctx, directory.AttendanceEvent{
		DeviceID: "d1", OwnerID: "c1", Data: json.RawMessage(`{"student":"s1"}`), At: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, m.Attendance(), 1)

	_, err = m.ReadNotice(ctx, "c1")
	require.ErrorIs(t, err, directory.ErrNotFound)

	saved, err := m.SaveNotice(ctx, "c1", "closed on friday", 3)
	require.NoError(t, err)
	read, err := m.ReadNotice(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, saved, read)
	assert.Equal(t, 3, read.Duration)
}
