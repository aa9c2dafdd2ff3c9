package appointment

import "errors"

// Sentinel errors returned by the appointment service and repositories.
var (
	// ErrAppointmentNotFound is returned when no appointment matches the
	// requested identifier within the caller's scope.
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrPatientNotFound is returned when an appointment references a
	// patient_id that does not exist locally.
	ErrPatientNotFound = errors.New("patient not found")

	// ErrSlotNotFound is returned by slot validation when the requested
	// slot is not present in the doctor's published availability.
	ErrSlotNotFound = errors.New("slot not found in doctor availability")

	// ErrApprovedImmutable is returned when a patient tries to edit an
	// appointment the doctor has already approved. The patient must
	// cancel and create a new request instead.
	ErrApprovedImmutable = errors.New("cannot update approved appointments")

	// ErrRescheduleCompensationFailed is returned when a reschedule
	// released the old slot, failed to take the new one, and the
	// re-booking of the old slot failed too. The appointment keeps its
	// original date and slot locally but the hold in the doctor module
	// is lost.
	ErrRescheduleCompensationFailed = errors.New("reschedule failed and original slot could not be restored")
)
