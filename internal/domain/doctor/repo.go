package doctor

import (
	"context"

	"github.com/materna-health/materna/pkg/pagination"
)

// SearchQuery are the discovery filters patients can combine. Search
// matches across name, username, email, and specialization.
type SearchQuery struct {
	Search         string
	Specialization string
	City           string
	MinPatients    int
}

// ProfilePatch carries the editable profile fields. Nil pointers are
// left untouched. IsProfileComplete is recomputed by the service from
// the merged record, never taken from the request.
type ProfilePatch struct {
	FirstName         *string
	LastName          *string
	Specialization    *string
	ExperienceYears   *int
	LicenseNumber     *string
	HospitalName      *string
	Address           *string
	City              *string
	State             *string
	Pincode           *string
	ConsultationFee   *float64
	Languages         *[]string
	Qualifications    *[]string
	IsProfileComplete *bool
}

// Repository is the persistence boundary for doctor accounts.
type Repository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByDoctorID(ctx context.Context, doctorID string) (*Doctor, error)
	GetByEmail(ctx context.Context, email string) (*Doctor, error)
	Search(ctx context.Context, q SearchQuery, p pagination.Params) ([]*Doctor, int, error)
	UpdateProfile(ctx context.Context, doctorID string, patch ProfilePatch) error
	TouchLogin(ctx context.Context, doctorID string) error
	SoftDelete(ctx context.Context, doctorID string) error
}
