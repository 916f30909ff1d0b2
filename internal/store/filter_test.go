package store

import (
	"errors"
	"testing"
)

func TestFilterTarget(t *testing.T) {
	cases := []struct {
		name      string
		filter    Filter
		requested int64
		want      int64
		wantErr   error
	}{
		{"pinned default", Filter{ClinicID: 3}, 0, 3, nil},
		{"pinned same", Filter{ClinicID: 3}, 3, 3, nil},
		{"pinned other", Filter{ClinicID: 3}, 4, 0, ErrAuthorization},
		{"global explicit", Filter{AllClinics: true}, 8, 8, nil},
		{"global missing", Filter{AllClinics: true}, 0, 0, ErrValidation},
		{"negative", Filter{ClinicID: 3}, -1, 0, ErrValidation},
		{"zero filter", Filter{}, 0, 0, ErrAuthorization},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.filter.Target(tt.requested)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("Target(%d)=%d,%v want %d", tt.requested, got, err, tt.want)
			}
		})
	}
}

func TestFilterAllows(t *testing.T) {
	if (Filter{}).Allows(1) {
		t.Fatalf("zero filter must match nothing")
	}
	if !(Filter{AllClinics: true}).Allows(42) {
		t.Fatalf("global filter must match any clinic")
	}
	if (Filter{ClinicID: 1}).Allows(2) {
		t.Fatalf("pinned filter must not match other clinics")
	}
	if (Filter{AllClinics: true}).Allows(0) {
		t.Fatalf("clinic 0 is never valid")
	}
}

func TestErrorKinds(t *testing.T) {
	if Kind(ErrDoctorBusy) != ErrConflict {
		t.Fatalf("doctor busy must be a conflict")
	}
	if Kind(ErrNoPatientWaiting) != ErrNotFound {
		t.Fatalf("empty queue must be not found")
	}
	if Kind(Validationf("patient_id is required")) != ErrValidation {
		t.Fatalf("validation kind lost")
	}
	wrapped := Transient(errors.New("lock timeout"))
	if Kind(wrapped) != ErrTransient {
		t.Fatalf("transient kind lost: %v", wrapped)
	}
	if Kind(errors.New("boom")) != nil {
		t.Fatalf("unclassified error must have no kind")
	}
}
