package router

import "github.com/a-essam23/go-presence/pkg/identity"

// Policy decides whether sender may address recipientID.
type Policy interface {
	Allow(sender identity.Identity, recipientID string) bool
}

type PolicyFunc func(sender identity.Identity, recipientID string) bool

func (f PolicyFunc) Allow(sender identity.Identity, recipientID string) bool {
	return f(sender, recipientID)
}

// AllowAll permits every route.
var AllowAll Policy = PolicyFunc(func(identity.Identity, string) bool { return true })

// OwnerPolicy lets devices address only their owner. Controllers pass here;
// whether the recipient is one of their devices needs a directory lookup, which
// callers do before routing.
var OwnerPolicy Policy = PolicyFunc(func(sender identity.Identity, recipientID string) bool {
	switch sender.Role {
	case identity.RoleController:
		return true
	case identity.RoleDevice:
		return sender.OwnerID != "" && recipientID == sender.OwnerID
	default:
		return false
	}
})
