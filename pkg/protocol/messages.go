package protocol

import (
	"encoding/json"
	"time"
)

// DeviceRef is a device as reported by the directory.
type DeviceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ConnectionAck struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	Message string `json:"message"`
}

type PresenceSnapshot struct {
	Devices   []DeviceRef `json:"devices"`
	Timestamp time.Time   `json:"timestamp"`
}

type OwnerNotify struct {
	Role      string    `json:"role"`
	Device    any       `json:"device"`
	Timestamp time.Time `json:"timestamp"`
}

type DeliveryFailed struct {
	RecipientID string `json:"recipientId"`
	Event       string `json:"event"`
}

// ErrorData is carried by protocol_error, unauthorized and internal_error.
type ErrorData struct {
	Reason string `json:"reason"`
	Event  string `json:"event,omitempty"`
}

// Inbound payloads.

type DirectMessageRequest struct {
	RecipientID string          `json:"recipientId"`
	Message     json.RawMessage `json:"message"`
}

type HeartBeatRequest struct {
	Devices []string `json:"devices"`
}

type HeartBeatReply struct {
	Devices map[string]string `json:"devices"`
}

type RebootRequest struct {
	RecipientID string `json:"recipientId"`
}

type PostNoticeRequest struct {
	Message  string `json:"message"`
	Duration int    `json:"duration"`
}
