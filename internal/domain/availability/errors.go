package availability

import "errors"

var (
	// ErrAvailabilityNotFound covers lookups by availability id or by
	// (doctor, date) that match no active day.
	ErrAvailabilityNotFound = errors.New("no availability found for this date")

	// ErrDuplicateAvailability is returned when an active day already
	// exists for the same (doctor, date, consultation type).
	ErrDuplicateAvailability = errors.New("availability already exists for this date and consultation type")

	// ErrSlotNotFoundOrBooked is the single conflict result of a booking
	// attempt; a missing slot and a lost booking race are not
	// distinguished to the caller.
	ErrSlotNotFoundOrBooked = errors.New("slot not found or already booked")

	// ErrSlotNotFoundOrCancelled is the cancel-side counterpart: the slot
	// does not exist, is not booked, or is booked under a different
	// appointment id.
	ErrSlotNotFoundOrCancelled = errors.New("slot not found or already cancelled")

	// ErrSlotNotFound is returned by direct slot lookups.
	ErrSlotNotFound = errors.New("slot not found")

	// ErrNoSlotForAppointment is returned when no booked slot carries the
	// given appointment id.
	ErrNoSlotForAppointment = errors.New("no booked slot found for this appointment id")
)
