package availability

import (
	"time"

	"github.com/google/uuid"
)

// Consultation delivery modes. The pair (doctor, date, consultation type)
// identifies one day's availability.
const (
	ConsultationOnline   = "Online"
	ConsultationInPerson = "In-Person"
)

// WorkHours is the working window of one availability day, HH:MM 24-hour.
type WorkHours struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Break is a blocked interval inside the work hours. Informational except
// for slot auto-generation, which skips overlapping slots.
type Break struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Slot maps to the availability_slot table. slot_id is unique within its
// parent availability day, not globally.
type Slot struct {
	SlotID             string     `db:"slot_id" json:"slot_id"`
	StartTime          string     `db:"start_time" json:"start_time"`
	EndTime            string     `db:"end_time" json:"end_time"`
	IsBooked           bool       `db:"is_booked" json:"is_booked"`
	PatientID          *string    `db:"patient_id" json:"patient_id"`
	AppointmentID      *string    `db:"appointment_id" json:"appointment_id"`
	BookingTimestamp   *time.Time `db:"booking_timestamp" json:"booking_timestamp"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	Notes              string     `db:"notes" json:"notes,omitempty"`
}

// TypeGroup maps to the availability_type table plus its slots. The slot
// counters are derived from the slot rows on every read and are never used
// for booking decisions.
type TypeGroup struct {
	Type                string  `json:"type"`
	DurationMins        int     `json:"duration_mins"`
	Price               float64 `json:"price"`
	Currency            string  `json:"currency"`
	AvailableSlotsCount int     `json:"available_slots_count"`
	TotalSlotsCount     int     `json:"total_slots_count"`
	Slots               []Slot  `json:"slots"`
}

// Recount refreshes the derived slot counters from the slot list.
func (g *TypeGroup) Recount() {
	g.TotalSlotsCount = len(g.Slots)
	available := 0
	for _, s := range g.Slots {
		if !s.IsBooked {
			available++
		}
	}
	g.AvailableSlotsCount = available
}

// Availability maps to the availability table, one row per (doctor, date,
// consultation type) day. AvailabilityID is the public identifier; ID is the
// internal row key.
type Availability struct {
	ID                    uuid.UUID   `json:"-"`
	AvailabilityID        string      `json:"availability_id"`
	DoctorID              string      `json:"doctor_id"`
	Date                  string      `json:"date"`
	ConsultationType      string      `json:"consultation_type"`
	WorkHours             WorkHours   `json:"work_hours"`
	Types                 []TypeGroup `json:"types"`
	Breaks                []Break     `json:"breaks"`
	IsActive              bool        `json:"is_active"`
	DayCancellationReason *string     `json:"day_cancellation_reason,omitempty"`
	DayCancelledAt        *time.Time  `json:"day_cancelled_at,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// BookedSlots flattens every booked slot of the day into cancellation
// tuples, preserving type-group order.
func (a *Availability) BookedSlots() []CancelledBooking {
	var out []CancelledBooking
	for _, g := range a.Types {
		for _, s := range g.Slots {
			if !s.IsBooked {
				continue
			}
			b := CancelledBooking{
				SlotID:          s.SlotID,
				AppointmentType: g.Type,
				StartTime:       s.StartTime,
				EndTime:         s.EndTime,
			}
			if s.AppointmentID != nil {
				b.AppointmentID = *s.AppointmentID
			}
			if s.PatientID != nil {
				b.PatientID = *s.PatientID
			}
			out = append(out, b)
		}
	}
	return out
}

// SlotView is one available slot flattened together with its type-group
// pricing, the shape served by the slots-by-type endpoint.
type SlotView struct {
	AvailabilityID   string  `json:"availability_id"`
	DoctorID         string  `json:"doctor_id"`
	Date             string  `json:"date"`
	ConsultationType string  `json:"consultation_type"`
	AppointmentType  string  `json:"appointment_type"`
	SlotID           string  `json:"slot_id"`
	StartTime        string  `json:"start_time"`
	EndTime          string  `json:"end_time"`
	DurationMins     int     `json:"duration_mins"`
	Price            float64 `json:"price"`
	Currency         string  `json:"currency"`
	IsBooked         bool    `json:"is_booked"`
	Notes            string  `json:"notes,omitempty"`
}

// SimpleSlot is the reduced shape of the unbooked-slots listing.
type SimpleSlot struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	IsBooked  bool   `json:"is_booked"`
}

// BookedSlot is one booked slot flattened with its booking references.
type BookedSlot struct {
	AvailabilityID   string     `json:"availability_id"`
	DoctorID         string     `json:"doctor_id"`
	Date             string     `json:"date"`
	ConsultationType string     `json:"consultation_type"`
	AppointmentType  string     `json:"appointment_type"`
	SlotID           string     `json:"slot_id"`
	StartTime        string     `json:"start_time"`
	EndTime          string     `json:"end_time"`
	PatientID        string     `json:"patient_id"`
	AppointmentID    string     `json:"appointment_id"`
	BookingTimestamp *time.Time `json:"booking_timestamp"`
	Notes            string     `json:"notes,omitempty"`
}

// CancelledBooking identifies one booking freed by a whole-day cancellation.
// The snapshot is taken before the bulk free and is informational: a booking
// that lands between the snapshot and the free is not reflected.
type CancelledBooking struct {
	SlotID          string `json:"slot_id"`
	AppointmentID   string `json:"appointment_id"`
	PatientID       string `json:"patient_id"`
	AppointmentType string `json:"appointment_type"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
}

// DayCancellation is the result of cancelling every appointment of one day.
type DayCancellation struct {
	AvailabilityID        string             `json:"availability_id"`
	CancelledCount        int                `json:"cancelled_count"`
	CancelledAppointments []CancelledBooking `json:"cancelled_appointments"`
}

// TypeSummary aggregates one type group's slot usage.
type TypeSummary struct {
	BookedSlots    int     `json:"booked_slots"`
	AvailableSlots int     `json:"available_slots"`
	TotalSlots     int     `json:"total_slots"`
	DurationMins   int     `json:"duration_mins"`
	Price          float64 `json:"price"`
}

// SummaryTotals aggregates the whole day.
type SummaryTotals struct {
	TotalBooked    int `json:"total_booked"`
	TotalAvailable int `json:"total_available"`
	TotalSlots     int `json:"total_slots"`
}

// DaySummary is the appointment summary for one availability day.
type DaySummary struct {
	AvailabilityID     string                 `json:"availability_id"`
	DoctorID           string                 `json:"doctor_id"`
	Date               string                 `json:"date"`
	ConsultationType   string                 `json:"consultation_type"`
	WorkHours          WorkHours              `json:"work_hours"`
	AppointmentSummary map[string]TypeSummary `json:"appointment_summary"`
	Totals             SummaryTotals          `json:"totals"`
}
