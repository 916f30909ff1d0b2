// Package scope turns a caller's role and clinic affiliation into the
// visibility filter applied to every queue and call read or write.
package scope

import (
	"context"
	"fmt"

	"clinicdesk/attendance-service/internal/store"
)

const (
	// RoleGlobalAdmin is the only role allowed to see every clinic.
	RoleGlobalAdmin = "global_admin"
	// RoleDisplay is a waiting-room screen. It reads its clinic and never
	// changes queue state.
	RoleDisplay = "display"
)

type Caller struct {
	UserID   string
	Role     string
	ClinicID int64
}

func Resolve(caller Caller) (store.Filter, error) {
	if caller.Role == RoleGlobalAdmin {
		return store.Filter{AllClinics: true}, nil
	}
	if caller.Role == "" || caller.ClinicID <= 0 {
		return store.Filter{}, fmt.Errorf("caller %q has no clinic affiliation: %w", caller.UserID, store.ErrAuthorization)
	}
	return store.Filter{ClinicID: caller.ClinicID}, nil
}

// ResolveCommand is Resolve for callers about to change queue state.
func ResolveCommand(caller Caller) (store.Filter, error) {
	if caller.Role == RoleDisplay {
		return store.Filter{}, fmt.Errorf("caller %q is a read-only display: %w", caller.UserID, store.ErrAuthorization)
	}
	return Resolve(caller)
}

type callerKey struct{}

func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(Caller)
	return caller, ok
}
