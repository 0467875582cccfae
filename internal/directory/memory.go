package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/go-presence/pkg/protocol"
)

// Memory is an in-process Directory and Store, used when no database is
// configured and in tests.
type Memory struct {
	mu         sync.RWMutex
	devices    map[string]map[string]protocol.DeviceRef
	attendance []AttendanceEvent
	notices    map[string]Notice

	// Fail makes every call return the error, to simulate an outage.
	Fail error
}

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]map[string]protocol.DeviceRef),
		notices: make(map[string]Notice),
	}
}

var (
	_ Directory = (*Memory)(nil)
	_ Store     = (*Memory)(nil)
)

// AddDevice records that controllerID owns device.
func (m *Memory) AddDevice(controllerID string, device protocol.DeviceRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owned, ok := m.devices[controllerID]
	if !ok {
		owned = make(map[string]protocol.DeviceRef)
		m.devices[controllerID] = owned
	}
	owned[device.ID] = device
}

func (m *Memory) RemoveDevice(controllerID, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices[controllerID], deviceID)
}

func (m *Memory) ListDevicesOf(ctx context.Context, controllerID string) ([]protocol.DeviceRef, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	owned := m.devices[controllerID]
	devices := make([]protocol.DeviceRef, 0, len(owned))
	for _, d := range owned {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (m *Memory) PersistAndAck(ctx context.Context, ev AttendanceEvent) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attendance = append(m.attendance, ev)
	return true, nil
}

// Attendance returns a copy of every stored attendance event.
func (m *Memory) Attendance() []AttendanceEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AttendanceEvent, len(m.attendance))
	copy(out, m.attendance)
	return out
}

func (m *Memory) ReadNotice(ctx context.Context, controllerID string) (Notice, error) {
	if err := m.check(ctx); err != nil {
		return Notice{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notices[controllerID]
	if !ok {
		return Notice{}, ErrNotFound
	}
	return n, nil
}

func (m *Memory) SaveNotice(ctx context.Context, controllerID, message string, duration int) (Notice, error) {
	if err := m.check(ctx); err != nil {
		return Notice{}, err
	}
	n := Notice{
		ID:          uuid.NewString(),
		DeveloperID: controllerID,
		Message:     message,
		Duration:    duration,
		CreatedAt:   time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices[controllerID] = n
	return n, nil
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Fail
}

// SetFail switches simulated failures on (err != nil) or off.
func (m *Memory) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail = err
}
