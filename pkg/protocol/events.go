package protocol

// Client → server events.
const (
	EventDirectMessage = "direct_message"
	EventReadMessages  = "read_messages"
	EventHeartBeat     = "heart_beat"
	EventReboot        = "reboot"
	EventSync          = "sync"
	EventLogAttendance = "log_attendance"
	EventPostNotice    = "post_notice"
)

// Server → client events.
const (
	EventConnectionAck    = "connection_ack"
	EventPresenceSnapshot = "presence_snapshot"
	EventOwnerNotify      = "owner_notify"
	EventDeliveryFailed   = "delivery_failed"
	EventProtocolError    = "protocol_error"
	EventUnauthorized     = "unauthorized"
	EventInternalError    = "internal_error"
	EventAttendance       = "attendance"
	EventNoticeSaved      = "notice_saved"
)

// owner_notify roles.
const (
	NotifyDeviceOnline  = "device_online"
	NotifyDeviceOffline = "device_offline"
	NotifyDeviceRead    = "device_read"
)
