// internal/custody/authorize.go
package custody

import "fmt"

// Role is the relationship to a batch an operation requires of its caller.
type Role int

const (
	RoleManufacturer Role = iota
	RoleCurrentOwner
)

func (r Role) String() string {
	switch r {
	case RoleManufacturer:
		return "manufacturer"
	case RoleCurrentOwner:
		return "current owner"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// authorize succeeds iff actor holds role on b.
func authorize(b Batch, actor Identity, role Role) error {
	var holder Identity
	switch role {
	case RoleManufacturer:
		holder = b.Manufacturer
	case RoleCurrentOwner:
		holder = b.CurrentOwner
	default:
		return fmt.Errorf("%w: unknown role %d", ErrUnauthorized, int(role))
	}
	if actor == NoIdentity || actor != holder {
		return fmt.Errorf("%w: %q is not the %s of batch %q", ErrUnauthorized, actor, role, b.BatchID)
	}
	return nil
}
