package appointment

import (
	"time"

	"github.com/google/uuid"
)

// Appointment statuses. Patient requests start as pending and move to
// booked or not_booked depending on whether the doctor module accepted
// the slot. Doctor-created appointments start as scheduled. Approval
// moves any request to confirmed, rejection to rejected.
const (
	StatusPending   = "pending"
	StatusBooked    = "booked"
	StatusNotBooked = "not_booked"
	StatusScheduled = "scheduled"
	StatusConfirmed = "confirmed"
	StatusRejected  = "rejected"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Appointment is the patient-side record of a visit request. Slot
// details are denormalized from the doctor module at booking time so
// the record stays readable even when the doctor service is down.
type Appointment struct {
	ID            uuid.UUID `db:"id" json:"-"`
	AppointmentID string    `db:"appointment_id" json:"appointment_id"`
	PatientID     string    `db:"patient_id" json:"patient_id"`
	DoctorID      string    `db:"doctor_id" json:"doctor_id"`

	AppointmentDate   string `db:"appointment_date" json:"appointment_date"`
	AppointmentTime   string `db:"appointment_time" json:"appointment_time"`
	EndTime           string `db:"end_time" json:"end_time,omitempty"`
	VisitType         string `db:"visit_type" json:"type"`
	AppointmentType   string `db:"appointment_type" json:"appointment_type"`
	AppointmentStatus string `db:"appointment_status" json:"appointment_status"`

	Notes        string `db:"notes" json:"notes,omitempty"`
	PatientNotes string `db:"patient_notes" json:"patient_notes,omitempty"`
	DoctorNotes  string `db:"doctor_notes" json:"doctor_notes,omitempty"`

	RequestedBy     string `db:"requested_by" json:"requested_by,omitempty"`
	CreatedBy       string `db:"created_by" json:"created_by,omitempty"`
	ApprovedBy      string `db:"approved_by" json:"approved_by,omitempty"`
	RejectedBy      string `db:"rejected_by" json:"rejected_by,omitempty"`
	RejectionReason string `db:"rejection_reason" json:"rejection_reason,omitempty"`

	SlotID           string  `db:"slot_id" json:"slot_id,omitempty"`
	SlotStartTime    string  `db:"slot_start_time" json:"slot_start_time,omitempty"`
	SlotEndTime      string  `db:"slot_end_time" json:"slot_end_time,omitempty"`
	SlotDurationMins int     `db:"slot_duration_mins" json:"slot_duration_mins,omitempty"`
	SlotPrice        float64 `db:"slot_price" json:"slot_price,omitempty"`
	SlotCurrency     string  `db:"slot_currency" json:"slot_currency,omitempty"`

	ReminderSentAt *time.Time `db:"reminder_sent_at" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasSlot reports whether this appointment holds a slot in the doctor
// module that must be released on cancel or reschedule.
func (a *Appointment) HasSlot() bool { return a.SlotID != "" }

// PatientRef is the contact sliver joined onto doctor-facing views.
type PatientRef struct {
	PatientID string
	Name      string
	Email     string
	Mobile    string
}

// WithPatient decorates an appointment with the owning patient's
// contact details for the doctor dashboard.
type WithPatient struct {
	Appointment
	PatientName   string `json:"patient_name,omitempty"`
	PatientEmail  string `json:"patient_email,omitempty"`
	PatientMobile string `json:"patient_mobile,omitempty"`
}

// Statistics is the doctor dashboard roll-up. Today counts matches on
// the calendar date; upcoming counts future dates still awaiting the
// visit.
type Statistics struct {
	TotalAppointments    int `json:"total_appointments"`
	Pending              int `json:"pending"`
	Confirmed            int `json:"confirmed"`
	Cancelled            int `json:"cancelled"`
	Completed            int `json:"completed"`
	Rejected             int `json:"rejected"`
	TodayAppointments    int `json:"today_appointments"`
	UpcomingAppointments int `json:"upcoming_appointments"`
}
