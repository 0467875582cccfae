// Package directory holds the external collaborators the presence engine reads
// ownership from and persists side effects to.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/a-essam23/go-presence/pkg/protocol"
)

var ErrNotFound = errors.New("not found")

// Directory answers ownership questions. Results are never cached by callers.
type Directory interface {
	ListDevicesOf(ctx context.Context, controllerID string) ([]protocol.DeviceRef, error)
}

// AttendanceEvent is a device-reported record that must be stored before its
// owner is told about it.
type AttendanceEvent struct {
	DeviceID string          `json:"deviceId"`
	OwnerID  string          `json:"ownerId"`
	Data     json.RawMessage `json:"data"`
	At       time.Time       `json:"at"`
}

// Notice is a notice-board message a controller posts for its devices.
type Notice struct {
	ID          string    `json:"id"`
	DeveloperID string    `json:"developerId"`
	Message     string    `json:"message"`
	Duration    int       `json:"duration"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists durable side effects.
type Store interface {
	// PersistAndAck stores ev and reports whether it was durably recorded.
	PersistAndAck(ctx context.Context, ev AttendanceEvent) (bool, error)
	// ReadNotice returns the latest notice posted by controllerID.
	ReadNotice(ctx context.Context, controllerID string) (Notice, error)
	SaveNotice(ctx context.Context, controllerID, message string, duration int) (Notice, error)
}

// Contains reports whether deviceID is in devices.
func Contains(devices []protocol.DeviceRef, deviceID string) bool {
	for _, d := range devices {
		if d.ID == deviceID {
			return true
		}
	}
	return false
}
