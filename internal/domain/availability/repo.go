package availability

import (
	"context"

	"github.com/google/uuid"
)

// Query narrows a doctor's availability listing. All fields are optional;
// StartDate/EndDate apply only when both are set and Date is empty.
type Query struct {
	Date             string
	StartDate        string
	EndDate          string
	ConsultationType string
}

// UpdatePatch holds the patchable fields of an availability day. Nil fields
// are left unchanged.
type UpdatePatch struct {
	Date      *string
	WorkHours *WorkHours
	Breaks    *[]Break
	IsActive  *bool
}

// Repository is the persistence boundary for availability days and their
// slots. Slot mutations are single conditional writes; their filters, not
// any prior read, are the concurrency guarantee.
type Repository interface {
	Create(ctx context.Context, a *Availability) error
	Find(ctx context.Context, doctorID string, q Query) ([]*Availability, error)
	FindOne(ctx context.Context, doctorID, date, consultationType string) (*Availability, error)

	// BookSlot marks the slot booked only while it is still free.
	BookSlot(ctx context.Context, doctorID, date, slotID, patientID, appointmentID, consultationType string) error
	// CancelSlot frees the slot only while it is booked under the given
	// appointment id.
	CancelSlot(ctx context.Context, doctorID, date, slotID, appointmentID, reason, consultationType string) error
	// CancelSlotByAppointmentID frees whichever booked slot carries the
	// appointment id, without needing the doctor or date.
	CancelSlotByAppointmentID(ctx context.Context, appointmentID, reason string) error
	GetSlot(ctx context.Context, doctorID, date, slotID, consultationType string) (*Slot, error)

	AvailableSlotsByType(ctx context.Context, doctorID, date, appointmentType, consultationType string) ([]*SlotView, error)
	BookedSlotsByDate(ctx context.Context, doctorID, date, consultationType string) ([]*BookedSlot, error)

	// FreeBookedSlots frees every booked slot of the day and returns how
	// many were freed.
	FreeBookedSlots(ctx context.Context, availabilityRow uuid.UUID, reason string) (int, error)
	// DisableDay soft-disables the day and stamps the day-level
	// cancellation metadata.
	DisableDay(ctx context.Context, availabilityRow uuid.UUID, reason string) error

	Update(ctx context.Context, availabilityID string, patch UpdatePatch) error
	SoftDelete(ctx context.Context, availabilityID string) error
}
