package appointment

import (
	"context"
	"time"

	"github.com/materna-health/materna/pkg/pagination"
)

// ListQuery filters a patient's own appointment listings. Zero values
// mean "no filter".
type ListQuery struct {
	Status          string
	VisitType       string
	AppointmentType string
	Date            string
}

// DoctorQuery filters the cross-patient listing on the doctor side.
type DoctorQuery struct {
	Date            string
	Status          string
	AppointmentType string
	PatientID       string
}

// Patch carries partial updates. Nil fields are left untouched.
type Patch struct {
	AppointmentDate   *string
	AppointmentTime   *string
	EndTime           *string
	VisitType         *string
	AppointmentType   *string
	AppointmentStatus *string
	Notes             *string
	PatientNotes      *string
	DoctorNotes       *string
	ApprovedBy        *string
	RejectedBy        *string
	RejectionReason   *string
	SlotID            *string
	SlotStartTime     *string
	SlotEndTime       *string
	SlotDurationMins  *int
	SlotPrice         *float64
	SlotCurrency      *string
	ReminderSentAt    *time.Time
}

// Repository is the persistence boundary for appointments. Every
// patient-facing method is keyed by patient_id so one patient can
// never read or mutate another's rows.
type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetForPatient(ctx context.Context, patientID, appointmentID string) (*Appointment, error)
	GetByAppointmentID(ctx context.Context, appointmentID string) (*Appointment, error)

	ListByPatient(ctx context.Context, patientID string, q ListQuery) ([]*Appointment, error)
	ListUpcoming(ctx context.Context, patientID, today string) ([]*Appointment, error)
	ListHistory(ctx context.Context, patientID string, q ListQuery) ([]*Appointment, error)

	ListAll(ctx context.Context, q DoctorQuery, p pagination.Params) ([]*WithPatient, int, error)
	ListPending(ctx context.Context) ([]*WithPatient, error)

	Update(ctx context.Context, patientID, appointmentID string, patch Patch) error
	UpdateByID(ctx context.Context, appointmentID string, patch Patch) error
	Delete(ctx context.Context, patientID, appointmentID string) error
	DeleteByID(ctx context.Context, appointmentID string) error

	Statistics(ctx context.Context, today string) (*Statistics, error)
	PatientRef(ctx context.Context, patientID string) (*PatientRef, error)

	ListDueReminders(ctx context.Context, from, to string) ([]*WithPatient, error)
	MarkReminded(ctx context.Context, appointmentID string, at time.Time) error
}
