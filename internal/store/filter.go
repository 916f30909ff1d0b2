package store

// Filter is the tenant visibility filter resolved from a caller. The zero
// value matches nothing.
type Filter struct {
	ClinicID   int64
	AllClinics bool
}

func (f Filter) Allows(clinicID int64) bool {
	if clinicID <= 0 {
		return false
	}
	return f.AllClinics || f.ClinicID == clinicID
}

// Target resolves the clinic a request acts on. Pinned callers may omit it.
func (f Filter) Target(requested int64) (int64, error) {
	if requested < 0 {
		return 0, Validationf("clinic_id must be positive")
	}
	if requested == 0 {
		if f.AllClinics {
			return 0, Validationf("clinic_id is required")
		}
		if f.ClinicID <= 0 {
			return 0, ErrClinicMismatch
		}
		return f.ClinicID, nil
	}
	if !f.Allows(requested) {
		return 0, ErrClinicMismatch
	}
	return requested, nil
}
