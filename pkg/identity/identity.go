package identity

import (
	"context"
	"errors"
)

// ErrUnauthenticated is returned for a missing, malformed, invalid or expired credential.
var ErrUnauthenticated = errors.New("unauthenticated")

type Role string

const (
	RoleController Role = "controller"
	RoleDevice     Role = "device"
)

func (r Role) Valid() bool {
	return r == RoleController || r == RoleDevice
}

// Identity is the resolved principal bound to a single connection. It is never
// mutated after the handshake.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Role        Role   `json:"role"`
	// OwnerID is the controller that owns a device. Empty for controllers.
	OwnerID string `json:"ownerId,omitempty"`
}

func (i Identity) IsController() bool { return i.Role == RoleController }
func (i Identity) IsDevice() bool     { return i.Role == RoleDevice }

// Permissions returns the capability bitmap granted to the identity's role.
func (i Identity) Permissions() Permission {
	return RolePermissions(i.Role)
}

// Resolver turns an opaque bearer credential into an Identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, credential string) (Identity, error)

func (f ResolverFunc) Resolve(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}
