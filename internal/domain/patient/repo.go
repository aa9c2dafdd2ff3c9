package patient

import "context"

// ProfilePatch carries the editable profile fields. Nil pointers are
// left untouched.
type ProfilePatch struct {
	FirstName                    *string
	LastName                     *string
	Mobile                       *string
	DateOfBirth                  *string
	BloodType                    *string
	Gender                       *string
	Address                      *string
	Height                       *float64
	Weight                       *float64
	EmergencyContactName         *string
	EmergencyContactPhone        *string
	EmergencyContactRelationship *string
	IsPregnant                   *bool
	LastPeriodDate               *string
	PregnancyWeek                *int
	ExpectedDeliveryDate         *string
	MedicalConditions            *[]string
	Allergies                    *[]string
	CurrentMedications           *[]string
	IsProfileComplete            *bool
}

// Repository is the persistence boundary for patient accounts.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByPatientID(ctx context.Context, patientID string) (*Patient, error)
	GetByEmail(ctx context.Context, email string) (*Patient, error)
	UpdateProfile(ctx context.Context, patientID string, patch ProfilePatch) error
	TouchLogin(ctx context.Context, patientID string) error
	SoftDelete(ctx context.Context, patientID string) error
}
