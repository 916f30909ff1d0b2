package scope

import (
	"context"
	"errors"
	"testing"

	"clinicdesk/attendance-service/internal/store"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		name    string
		caller  Caller
		want    store.Filter
		wantErr error
	}{
		{"global admin", Caller{UserID: "u1", Role: RoleGlobalAdmin}, store.Filter{AllClinics: true}, nil},
		{"global admin with clinic", Caller{UserID: "u1", Role: RoleGlobalAdmin, ClinicID: 4}, store.Filter{AllClinics: true}, nil},
		{"receptionist", Caller{UserID: "u2", Role: "receptionist", ClinicID: 7}, store.Filter{ClinicID: 7}, nil},
		{"doctor", Caller{UserID: "u3", Role: "doctor", ClinicID: 2}, store.Filter{ClinicID: 2}, nil},
		{"no clinic", Caller{UserID: "u4", Role: "receptionist"}, store.Filter{}, store.ErrAuthorization},
		{"no role", Caller{UserID: "u5", ClinicID: 3}, store.Filter{}, store.ErrAuthorization},
		{"display", Caller{UserID: "board-3", Role: RoleDisplay, ClinicID: 3}, store.Filter{ClinicID: 3}, nil},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.caller)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Resolve(%+v)=%+v, want %+v", tt.caller, got, tt.want)
			}
		})
	}
}

func TestResolveCommandRejectsDisplays(t *testing.T) {
	_, err := ResolveCommand(Caller{UserID: "board-3", Role: RoleDisplay, ClinicID: 3})
	if !errors.Is(err, store.ErrAuthorization) {
		t.Fatalf("expected authorization error for display, got %v", err)
	}
	got, err := ResolveCommand(Caller{UserID: "u2", Role: "receptionist", ClinicID: 7})
	if err != nil || got != (store.Filter{ClinicID: 7}) {
		t.Fatalf("ResolveCommand(receptionist)=%+v, %v", got, err)
	}
}

func TestCallerContext(t *testing.T) {
	if _, ok := CallerFrom(context.Background()); ok {
		t.Fatalf("expected no caller in empty context")
	}
	ctx := WithCaller(context.Background(), Caller{UserID: "u1", Role: "doctor", ClinicID: 9})
	caller, ok := CallerFrom(ctx)
	if !ok || caller.ClinicID != 9 {
		t.Fatalf("unexpected caller: %+v", caller)
	}
}
