package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-presence/internal/directory"
	"github.com/a-essam23/go-presence/internal/router"
	"github.com/a-essam23/go-presence/pkg/identity"
	"github.com/a-essam23/go-presence/pkg/protocol"
	"github.com/a-essam23/go-presence/pkg/transport"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

var syncPayload = json.RawMessage(`{"action":"sync"}`)

func (d *Dispatcher) registerCore() {
	d.handlers.Register(protocol.EventDirectMessage, identity.PermDirectMessage, d.handleDirectMessage)
	d.handlers.Register(protocol.EventReadMessages, identity.PermReadNotices, d.handleReadMessages)
	d.handlers.Register(protocol.EventHeartBeat, identity.PermStatusQuery, d.handleHeartBeat)
	d.handlers.Register(protocol.EventReboot, identity.PermReboot, d.handleReboot)
	d.handlers.Register(protocol.EventSync, identity.PermSync, d.handleSync)
	d.handlers.Register(protocol.EventLogAttendance, identity.PermLogAttendance, d.handleLogAttendance)
	d.handlers.Register(protocol.EventPostNotice, identity.PermPostNotice, d.handlePostNotice)
	d.logger.Info("Registered core handlers", slog.Int("count", len(d.handlers.Events())))
}

func (d *Dispatcher) storeContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d.cfg.StoreTimeout)
}

// ownedDevices lists the devices of the calling controller.
func (d *Dispatcher) ownedDevices(req *Request) ([]protocol.DeviceRef, error) {
	ctx, cancel := d.storeContext(req.Context)
	defer cancel()
	devices, err := d.deps.Directory.ListDevicesOf(ctx, req.Identity().ID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// authorizeDevice fails with router.ErrUnauthorized unless deviceID belongs to
// the calling controller. Ownership is read from the directory on every call.
func (d *Dispatcher) authorizeDevice(req *Request, deviceID string) error {
	devices, err := d.ownedDevices(req)
	if err != nil {
		return err
	}
	if !directory.Contains(devices, deviceID) {
		return fmt.Errorf("%w: %s is not owned by %s", router.ErrUnauthorized, deviceID, req.Identity().ID)
	}
	return nil
}

func (d *Dispatcher) handleDirectMessage(req *Request) error {
	var in protocol.DirectMessageRequest
	if err := req.Bind(&in); err != nil {
		return err
	}
	if in.RecipientID == "" {
		return fmt.Errorf("%w: recipientId is required", ErrBadRequest)
	}
	if req.Identity().IsController() {
		if err := d.authorizeDevice(req, in.RecipientID); err != nil {
			return err
		}
	}
	_, err := d.deps.Router.Route(req.Context, req.Identity(), req.Conn(), in.RecipientID, in.Message, protocol.EventDirectMessage)
	return err
}

type readMessagesReply struct {
	Notice *directory.Notice `json:"notice"`
}

// handleReadMessages returns the owner's latest notice to the device and tells
// the owner it was read.
func (d *Dispatcher) handleReadMessages(req *Request) error {
	ident := req.Identity()
	ctx, cancel := d.storeContext(req.Context)
	defer cancel()

	reply := readMessagesReply{}
	notice, err := d.deps.Store.ReadNotice(ctx, ident.OwnerID)
	switch {
	case errors.Is(err, directory.ErrNotFound):
	case err != nil:
		return fmt.Errorf("read notice: %w", err)
	default:
		reply.Notice = &notice
	}
	if err := req.Reply(protocol.EventReadMessages, reply); err != nil {
		return err
	}

	_, err = d.deps.Router.Notify(ident.OwnerID, protocol.EventOwnerNotify, protocol.OwnerNotify{
		Role:      protocol.NotifyDeviceRead,
		Device:    protocol.DeviceRef{ID: ident.ID, Name: ident.DisplayName},
		Timestamp: d.now(),
	})
	return err
}

// handleHeartBeat reports which of the listed devices are online. A controller
// is answered only for devices it owns, and one that lists nothing gets every
// device it owns. A device may only ask about itself; other ids are left out of
// the reply. Any heart_beat also counts as a liveness acknowledgment for the
// sending connection.
func (d *Dispatcher) handleHeartBeat(req *Request) error {
	var in protocol.HeartBeatRequest
	if err := req.Bind(&in); err != nil {
		return err
	}
	d.deps.Registry.Ack(req.Conn().ID(), d.now())

	ident := req.Identity()
	var ids []string
	if ident.IsController() {
		devices, err := d.ownedDevices(req)
		if err != nil {
			return err
		}
		if len(in.Devices) == 0 {
			for _, dev := range devices {
				ids = append(ids, dev.ID)
			}
		} else {
			for _, id := range in.Devices {
				if directory.Contains(devices, id) {
					ids = append(ids, id)
				}
			}
		}
	} else {
		for _, id := range in.Devices {
			if id == ident.ID {
				ids = append(ids, id)
			}
		}
	}

	reply := protocol.HeartBeatReply{Devices: make(map[string]string, len(ids))}
	for _, id := range ids {
		status := statusOffline
		if d.deps.Registry.IsDeviceOnline(id) {
			status = statusOnline
		}
		reply.Devices[id] = status
	}
	return req.Reply(protocol.EventHeartBeat, reply)
}

// handleReboot sends a reboot frame to every connection of one of the caller's
// devices and then closes them.
func (d *Dispatcher) handleReboot(req *Request) error {
	var in protocol.RebootRequest
	if err := req.Bind(&in); err != nil {
		return err
	}
	if in.RecipientID == "" {
		return fmt.Errorf("%w: recipientId is required", ErrBadRequest)
	}
	ident := req.Identity()
	if err := d.authorizeDevice(req, in.RecipientID); err != nil {
		return err
	}

	conns := d.deps.Registry.Get(in.RecipientID)
	if len(conns) == 0 {
		return req.Reply(protocol.EventDeliveryFailed, protocol.DeliveryFailed{
			RecipientID: in.RecipientID,
			Event:       protocol.EventReboot,
		})
	}

	frame, err := protocol.EncodeRouted(protocol.EventReboot, protocol.Sender{ID: ident.ID, Name: ident.DisplayName}, nil, d.now())
	if err != nil {
		return err
	}
	for _, conn := range conns {
		conn.Send(frame)
		go conn.Close(transport.ErrRebooted)
	}
	req.Logger.Info("Device rebooted", slog.String("deviceID", in.RecipientID), slog.Int("connections", len(conns)))
	return nil
}

// handleSync asks every device of the caller to resynchronise.
func (d *Dispatcher) handleSync(req *Request) error {
	ident := req.Identity()
	devices, err := d.ownedDevices(req)
	if err != nil {
		return err
	}

	delivered := 0
	for _, dev := range devices {
		res, err := d.deps.Router.Route(req.Context, ident, nil, dev.ID, syncPayload, protocol.EventSync)
		if err != nil {
			return err
		}
		if !res.Unreachable {
			delivered++
		}
	}
	req.Logger.Debug("Sync requested", slog.Int("devices", len(devices)), slog.Int("online", delivered))
	return nil
}

// handleLogAttendance stores an attendance record and, once it is durable,
// forwards it to the device's owner.
func (d *Dispatcher) handleLogAttendance(req *Request) error {
	ident := req.Identity()
	ev := directory.AttendanceEvent{
		DeviceID: ident.ID,
		OwnerID:  ident.OwnerID,
		Data:     req.Frame.Data,
		At:       d.now(),
	}

	ctx, cancel := d.storeContext(req.Context)
	defer cancel()
	ok, err := d.deps.Store.PersistAndAck(ctx, ev)
	if err != nil {
		return fmt.Errorf("persist attendance: %w", err)
	}
	if !ok {
		return errors.New("persist attendance: not acknowledged")
	}

	_, err = d.deps.Router.Route(req.Context, ident, nil, ident.OwnerID, req.Frame.Data, protocol.EventAttendance)
	return err
}

func (d *Dispatcher) handlePostNotice(req *Request) error {
	var in protocol.PostNoticeRequest
	if err := req.Bind(&in); err != nil {
		return err
	}
	if in.Message == "" {
		return fmt.Errorf("%w: message is required", ErrBadRequest)
	}
	if in.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrBadRequest)
	}

	ctx, cancel := d.storeContext(req.Context)
	defer cancel()
	notice, err := d.deps.Store.SaveNotice(ctx, req.Identity().ID, in.Message, in.Duration)
	if err != nil {
		return fmt.Errorf("save notice: %w", err)
	}
	return req.Reply(protocol.EventNoticeSaved, notice)
}
