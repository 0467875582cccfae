package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-presence/pkg/identity"
	"github.com/a-essam23/go-presence/pkg/presence"
	"github.com/a-essam23/go-presence/pkg/protocol"
)

// Request carries everything a handler needs about one inbound frame.
type Request struct {
	Context context.Context
	Session presence.Session
	Frame   protocol.Frame
	Logger  *slog.Logger
}

func (r *Request) Identity() identity.Identity {
	return r.Session.Identity
}

func (r *Request) Conn() presence.Conn {
	return r.Session.Conn
}

// Bind decodes the frame data into v. Failures wrap ErrBadRequest.
func (r *Request) Bind(v any) error {
	if err := r.Frame.Bind(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

// Reply sends {event, data} to the connection the frame arrived on.
func (r *Request) Reply(event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	if !r.Session.Conn.Send(frame) {
		r.Logger.Debug("Reply dropped", slog.String("event", event))
	}
	return nil
}
