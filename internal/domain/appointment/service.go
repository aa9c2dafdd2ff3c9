package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/materna-health/materna/internal/platform/doctormodule"
	"github.com/materna-health/materna/internal/platform/metrics"
	"github.com/materna-health/materna/pkg/pagination"
)

const dateLayout = "2006-01-02"

// defaultDoctorID is the legacy single-doctor fallback used when a
// request does not name a doctor.
const defaultDoctorID = "DOC001"

// RemoteSlots is the slice of the doctor module client the orchestrator
// depends on. *doctormodule.Client satisfies it.
type RemoteSlots interface {
	AvailabilityByDate(ctx context.Context, doctorID, date, consultationType string) ([]doctormodule.Day, error)
	BookSlot(ctx context.Context, doctorID, date, slotID, patientID, appointmentID, consultationType string) error
	CancelSlot(ctx context.Context, doctorID, date, slotID, appointmentID, reason, consultationType string) error
}

// Service orchestrates appointment state across the local store and the
// doctor module's slot inventory. Local rows are the source of truth
// for the patient; the remote hold is best effort and failures degrade
// rather than abort (except slot validation, which gates creation).
type Service struct {
	repo    Repository
	remote  RemoteSlots
	metrics *metrics.Collector
	log     zerolog.Logger
}

func NewService(repo Repository, remote RemoteSlots, col *metrics.Collector, log zerolog.Logger) *Service {
	return &Service{repo: repo, remote: remote, metrics: col, log: log}
}

// ValidatedSlot is the denormalized slot detail copied onto an
// appointment at booking time.
type ValidatedSlot struct {
	Slot         doctormodule.Slot
	VisitType    string
	DurationMins int
	Price        float64
	Currency     string
}

// ValidateSlotAvailability fetches the doctor's published day and scans
// every type group for the requested slot. The visit type is inferred
// from the group the slot belongs to. Presence is the only check;
// double-booking is rejected by the doctor module at book time.
func (s *Service) ValidateSlotAvailability(ctx context.Context, doctorID, date, slotID, consultationType string) (*ValidatedSlot, error) {
	days, err := s.remote.AvailabilityByDate(ctx, doctorID, date, consultationType)
	if err != nil {
		return nil, err
	}
	for _, day := range days {
		for _, g := range day.Types {
			for _, slot := range g.Slots {
				if slot.SlotID != slotID {
					continue
				}
				return &ValidatedSlot{
					Slot:         slot,
					VisitType:    g.Type,
					DurationMins: g.DurationMins,
					Price:        g.Price,
					Currency:     g.Currency,
				}, nil
			}
		}
	}
	return nil, ErrSlotNotFound
}

// CreateInput is the patient-side booking request. When slot_id is set
// the slot's timing and pricing overwrite the caller-supplied values.
type CreateInput struct {
	DoctorID        string `json:"doctor_id"`
	AppointmentDate string `json:"appointment_date"`
	AppointmentTime string `json:"appointment_time"`
	EndTime         string `json:"end_time"`
	VisitType       string `json:"type"`
	AppointmentType string `json:"appointment_type"`
	Notes           string `json:"notes"`
	PatientNotes    string `json:"patient_notes"`
	SlotID          string `json:"slot_id"`
}

func (in *CreateInput) validate() error {
	required := []struct{ name, value string }{
		{"appointment_date", in.AppointmentDate},
		{"appointment_time", in.AppointmentTime},
		{"appointment_type", in.AppointmentType},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
	}
	if _, err := time.Parse(dateLayout, in.AppointmentDate); err != nil {
		return errors.New("appointment_date must be in YYYY-MM-DD format")
	}
	return nil
}

// CreateAppointment validates the slot, inserts the local row as
// pending, then books the slot remotely. A failed remote booking keeps
// the appointment in status not_booked instead of failing the request;
// the caller sees the degraded status in the response. Slot-less
// appointments skip the remote store entirely and stay pending until a
// doctor decides them.
func (s *Service) CreateAppointment(ctx context.Context, patientID string, in CreateInput) (*Appointment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	doctorID := in.DoctorID
	if doctorID == "" {
		doctorID = defaultDoctorID
	}

	a := &Appointment{
		AppointmentID:     uuid.New().String(),
		PatientID:         patientID,
		DoctorID:          doctorID,
		AppointmentDate:   in.AppointmentDate,
		AppointmentTime:   in.AppointmentTime,
		EndTime:           in.EndTime,
		VisitType:         in.VisitType,
		AppointmentType:   in.AppointmentType,
		AppointmentStatus: StatusPending,
		Notes:             in.Notes,
		PatientNotes:      in.PatientNotes,
		RequestedBy:       patientID,
		CreatedBy:         "patient",
	}

	if in.SlotID != "" {
		v, err := s.ValidateSlotAvailability(ctx, doctorID, in.AppointmentDate, in.SlotID, in.AppointmentType)
		if err != nil {
			return nil, fmt.Errorf("slot validation failed: %w", err)
		}
		a.SlotID = in.SlotID
		a.AppointmentTime = v.Slot.StartTime
		a.EndTime = v.Slot.EndTime
		a.SlotStartTime = v.Slot.StartTime
		a.SlotEndTime = v.Slot.EndTime
		a.SlotDurationMins = v.DurationMins
		a.SlotPrice = v.Price
		a.SlotCurrency = v.Currency
		if v.VisitType != "" {
			a.VisitType = v.VisitType
		}
	}

	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}

	if a.HasSlot() {
		status := StatusBooked
		if err := s.remote.BookSlot(ctx, a.DoctorID, a.AppointmentDate, a.SlotID, patientID, a.AppointmentID, a.AppointmentType); err != nil {
			status = StatusNotBooked
			s.log.Warn().Err(err).
				Str("appointment_id", a.AppointmentID).
				Str("slot_id", a.SlotID).
				Msg("remote slot booking failed, keeping appointment in degraded state")
		}
		if err := s.repo.Update(ctx, patientID, a.AppointmentID, Patch{AppointmentStatus: &status}); err != nil {
			return nil, err
		}
		s.metrics.RecordAppointment(status)
	} else {
		s.metrics.RecordAppointment(StatusPending)
	}

	return s.repo.GetForPatient(ctx, patientID, a.AppointmentID)
}

// UpdateInput is the patient-side reschedule/edit request. Nil fields
// are left unchanged.
type UpdateInput struct {
	AppointmentDate *string `json:"appointment_date"`
	AppointmentTime *string `json:"appointment_time"`
	EndTime         *string `json:"end_time"`
	VisitType       *string `json:"type"`
	AppointmentType *string `json:"appointment_type"`
	Notes           *string `json:"notes"`
	PatientNotes    *string `json:"patient_notes"`
	SlotID          *string `json:"slot_id"`
}

func (in *UpdateInput) empty() bool {
	return in.AppointmentDate == nil && in.AppointmentTime == nil && in.EndTime == nil &&
		in.VisitType == nil && in.AppointmentType == nil && in.Notes == nil &&
		in.PatientNotes == nil && in.SlotID == nil
}

// UpdateAppointment reschedules or edits a pending request. Confirmed
// appointments are immutable for the patient. A held slot is released
// (best effort) whenever the visit moves off it: a new slot was
// requested, or the date changed under the current one. With a new slot
// the release is followed by validate and book, and on a failed booking
// the old slot is re-booked so the patient keeps their place; losing
// both holds is reported as ErrRescheduleCompensationFailed. A date
// move without a replacement slot clears the stale slot copy and drops
// the row back to pending. Local fields change only after the remote
// side is settled.
func (s *Service) UpdateAppointment(ctx context.Context, patientID, appointmentID string, in UpdateInput) (*Appointment, error) {
	if in.empty() {
		return nil, errors.New("no valid fields to update")
	}
	current, err := s.repo.GetForPatient(ctx, patientID, appointmentID)
	if err != nil {
		return nil, err
	}
	if current.AppointmentStatus == StatusConfirmed {
		return nil, ErrApprovedImmutable
	}

	patch := Patch{
		AppointmentDate: in.AppointmentDate,
		AppointmentTime: in.AppointmentTime,
		EndTime:         in.EndTime,
		VisitType:       in.VisitType,
		AppointmentType: in.AppointmentType,
		Notes:           in.Notes,
		PatientNotes:    in.PatientNotes,
	}

	newDate := current.AppointmentDate
	if in.AppointmentDate != nil && *in.AppointmentDate != "" {
		newDate = *in.AppointmentDate
	}
	hasNewSlot := in.SlotID != nil && *in.SlotID != ""
	releaseOld := current.HasSlot() && (hasNewSlot || newDate != current.AppointmentDate)

	if releaseOld {
		if err := s.remote.CancelSlot(ctx, current.DoctorID, current.AppointmentDate, current.SlotID,
			current.AppointmentID, "Rescheduled by patient", current.AppointmentType); err != nil {
			s.log.Warn().Err(err).
				Str("appointment_id", appointmentID).
				Str("slot_id", current.SlotID).
				Msg("releasing old slot failed, continuing reschedule")
		}
	}

	if hasNewSlot {
		newMode := current.AppointmentType
		if in.AppointmentType != nil && *in.AppointmentType != "" {
			newMode = *in.AppointmentType
		}

		v, err := s.ValidateSlotAvailability(ctx, current.DoctorID, newDate, *in.SlotID, newMode)
		if err != nil {
			return nil, fmt.Errorf("new slot validation failed: %w", err)
		}
		if err := s.remote.BookSlot(ctx, current.DoctorID, newDate, *in.SlotID,
			patientID, appointmentID, newMode); err != nil {
			s.log.Warn().Err(err).
				Str("appointment_id", appointmentID).
				Str("slot_id", *in.SlotID).
				Msg("booking new slot failed, re-booking original slot")
			if current.HasSlot() {
				if cerr := s.remote.BookSlot(ctx, current.DoctorID, current.AppointmentDate, current.SlotID,
					patientID, appointmentID, current.AppointmentType); cerr != nil {
					s.metrics.RecordRescheduleCompensation("lost")
					s.log.Error().Err(cerr).
						Str("appointment_id", appointmentID).
						Str("slot_id", current.SlotID).
						Msg("re-booking original slot failed, hold lost")
					return nil, ErrRescheduleCompensationFailed
				}
				s.metrics.RecordRescheduleCompensation("restored")
			}
			return nil, fmt.Errorf("booking new slot failed: %w", err)
		}

		booked := StatusBooked
		patch.SlotID = in.SlotID
		patch.AppointmentDate = &newDate
		patch.AppointmentTime = &v.Slot.StartTime
		patch.EndTime = &v.Slot.EndTime
		patch.SlotStartTime = &v.Slot.StartTime
		patch.SlotEndTime = &v.Slot.EndTime
		patch.SlotDurationMins = &v.DurationMins
		patch.SlotPrice = &v.Price
		patch.SlotCurrency = &v.Currency
		patch.AppointmentStatus = &booked
		if v.VisitType != "" {
			patch.VisitType = &v.VisitType
		}
	} else if releaseOld {
		// Date moved and no replacement slot was requested: the remote
		// hold is gone, so the stale slot copy is cleared and the row
		// falls back to pending until a new slot is chosen.
		var empty string
		var zeroMins int
		var zeroPrice float64
		pending := StatusPending
		patch.SlotID = &empty
		patch.SlotStartTime = &empty
		patch.SlotEndTime = &empty
		patch.SlotDurationMins = &zeroMins
		patch.SlotPrice = &zeroPrice
		patch.SlotCurrency = &empty
		patch.AppointmentStatus = &pending
	}

	if err := s.repo.Update(ctx, patientID, appointmentID, patch); err != nil {
		return nil, err
	}
	return s.repo.GetForPatient(ctx, patientID, appointmentID)
}

// CancelAppointment releases the slot in the doctor module (best
// effort) and removes the local row. The local delete happens even when
// the remote release fails so the patient is never stuck with a
// cancelled-but-visible appointment.
func (s *Service) CancelAppointment(ctx context.Context, patientID, appointmentID string) error {
	current, err := s.repo.GetForPatient(ctx, patientID, appointmentID)
	if err != nil {
		return err
	}
	if current.HasSlot() {
		if err := s.remote.CancelSlot(ctx, current.DoctorID, current.AppointmentDate, current.SlotID,
			current.AppointmentID, "Cancelled by patient", current.AppointmentType); err != nil {
			s.log.Warn().Err(err).
				Str("appointment_id", appointmentID).
				Str("slot_id", current.SlotID).
				Msg("remote slot release failed during cancellation")
		}
	}
	return s.repo.Delete(ctx, patientID, appointmentID)
}

func (s *Service) GetAppointment(ctx context.Context, patientID, appointmentID string) (*Appointment, error) {
	return s.repo.GetForPatient(ctx, patientID, appointmentID)
}

func (s *Service) ListAppointments(ctx context.Context, patientID string, q ListQuery) ([]*Appointment, error) {
	return s.repo.ListByPatient(ctx, patientID, q)
}

// UpcomingAppointments returns visits from today onward that still hold
// a place: scheduled, confirmed or booked.
func (s *Service) UpcomingAppointments(ctx context.Context, patientID string) ([]*Appointment, error) {
	return s.repo.ListUpcoming(ctx, patientID, time.Now().Format(dateLayout))
}

func (s *Service) AppointmentHistory(ctx context.Context, patientID string, q ListQuery) ([]*Appointment, error) {
	return s.repo.ListHistory(ctx, patientID, q)
}

// DoctorCreateInput creates an appointment on a patient's behalf. The
// row never touches the remote slot store.
type DoctorCreateInput struct {
	PatientID       string `json:"patient_id"`
	DoctorID        string `json:"doctor_id"`
	AppointmentDate string `json:"appointment_date"`
	AppointmentTime string `json:"appointment_time"`
	EndTime         string `json:"end_time"`
	VisitType       string `json:"type"`
	AppointmentType string `json:"appointment_type"`
	Notes           string `json:"notes"`
	DoctorNotes     string `json:"doctor_notes"`
}

func (s *Service) DoctorCreate(ctx context.Context, doctorID string, in DoctorCreateInput) (*Appointment, error) {
	required := []struct{ name, value string }{
		{"patient_id", in.PatientID},
		{"appointment_date", in.AppointmentDate},
		{"appointment_time", in.AppointmentTime},
		{"appointment_type", in.AppointmentType},
	}
	for _, f := range required {
		if f.value == "" {
			return nil, fmt.Errorf("%s is required", f.name)
		}
	}
	if _, err := s.repo.PatientRef(ctx, in.PatientID); err != nil {
		return nil, err
	}

	docID := in.DoctorID
	if docID == "" {
		docID = doctorID
	}
	if docID == "" {
		docID = defaultDoctorID
	}

	a := &Appointment{
		AppointmentID:     uuid.New().String(),
		PatientID:         in.PatientID,
		DoctorID:          docID,
		AppointmentDate:   in.AppointmentDate,
		AppointmentTime:   in.AppointmentTime,
		EndTime:           in.EndTime,
		VisitType:         in.VisitType,
		AppointmentType:   in.AppointmentType,
		AppointmentStatus: StatusScheduled,
		Notes:             in.Notes,
		DoctorNotes:       in.DoctorNotes,
		RequestedBy:       docID,
		CreatedBy:         "doctor",
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	s.metrics.RecordAppointment(StatusScheduled)
	return s.repo.GetByAppointmentID(ctx, a.AppointmentID)
}

func (s *Service) DoctorGet(ctx context.Context, appointmentID string) (*Appointment, error) {
	return s.repo.GetByAppointmentID(ctx, appointmentID)
}

func (s *Service) DoctorList(ctx context.Context, q DoctorQuery, p pagination.Params) ([]*WithPatient, int, error) {
	return s.repo.ListAll(ctx, q, p)
}

func (s *Service) PendingAppointments(ctx context.Context) ([]*WithPatient, error) {
	return s.repo.ListPending(ctx)
}

// Approve moves a request to confirmed and records who decided.
func (s *Service) Approve(ctx context.Context, doctorID, appointmentID, notes string) (*Appointment, error) {
	a, err := s.repo.GetByAppointmentID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	switch a.AppointmentStatus {
	case StatusConfirmed:
		return nil, errors.New("appointment already confirmed")
	case StatusRejected, StatusCompleted, StatusCancelled:
		return nil, fmt.Errorf("cannot approve %s appointment", a.AppointmentStatus)
	}

	confirmed := StatusConfirmed
	patch := Patch{AppointmentStatus: &confirmed, ApprovedBy: &doctorID}
	if notes != "" {
		patch.DoctorNotes = &notes
	}
	if err := s.repo.UpdateByID(ctx, appointmentID, patch); err != nil {
		return nil, err
	}
	return s.repo.GetByAppointmentID(ctx, appointmentID)
}

// Reject declines a request with a mandatory reason.
func (s *Service) Reject(ctx context.Context, doctorID, appointmentID, reason string) (*Appointment, error) {
	if reason == "" {
		return nil, errors.New("rejection_reason is required")
	}
	a, err := s.repo.GetByAppointmentID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	switch a.AppointmentStatus {
	case StatusRejected:
		return nil, errors.New("appointment already rejected")
	case StatusCompleted, StatusCancelled:
		return nil, fmt.Errorf("cannot reject %s appointment", a.AppointmentStatus)
	}

	rejected := StatusRejected
	patch := Patch{AppointmentStatus: &rejected, RejectedBy: &doctorID, RejectionReason: &reason}
	if err := s.repo.UpdateByID(ctx, appointmentID, patch); err != nil {
		return nil, err
	}
	return s.repo.GetByAppointmentID(ctx, appointmentID)
}

var validStatus = map[string]bool{
	StatusPending:   true,
	StatusBooked:    true,
	StatusNotBooked: true,
	StatusScheduled: true,
	StatusConfirmed: true,
	StatusRejected:  true,
	StatusCompleted: true,
	StatusCancelled: true,
}

// DoctorUpdateInput is the doctor-side edit. Status changes are allowed
// here (for example marking a visit completed) but the row never
// touches the remote slot store.
type DoctorUpdateInput struct {
	AppointmentDate   *string `json:"appointment_date"`
	AppointmentTime   *string `json:"appointment_time"`
	EndTime           *string `json:"end_time"`
	VisitType         *string `json:"type"`
	AppointmentType   *string `json:"appointment_type"`
	AppointmentStatus *string `json:"appointment_status"`
	Notes             *string `json:"notes"`
	DoctorNotes       *string `json:"doctor_notes"`
}

func (in *DoctorUpdateInput) empty() bool {
	return in.AppointmentDate == nil && in.AppointmentTime == nil && in.EndTime == nil &&
		in.VisitType == nil && in.AppointmentType == nil && in.AppointmentStatus == nil &&
		in.Notes == nil && in.DoctorNotes == nil
}

func (s *Service) DoctorUpdate(ctx context.Context, appointmentID string, in DoctorUpdateInput) (*Appointment, error) {
	if in.empty() {
		return nil, errors.New("no valid fields to update")
	}
	if in.AppointmentStatus != nil && !validStatus[*in.AppointmentStatus] {
		return nil, fmt.Errorf("invalid appointment_status %q", *in.AppointmentStatus)
	}
	patch := Patch{
		AppointmentDate:   in.AppointmentDate,
		AppointmentTime:   in.AppointmentTime,
		EndTime:           in.EndTime,
		VisitType:         in.VisitType,
		AppointmentType:   in.AppointmentType,
		AppointmentStatus: in.AppointmentStatus,
		Notes:             in.Notes,
		DoctorNotes:       in.DoctorNotes,
	}
	if err := s.repo.UpdateByID(ctx, appointmentID, patch); err != nil {
		return nil, err
	}
	return s.repo.GetByAppointmentID(ctx, appointmentID)
}

func (s *Service) DoctorDelete(ctx context.Context, appointmentID string) error {
	return s.repo.DeleteByID(ctx, appointmentID)
}

func (s *Service) DoctorStatistics(ctx context.Context) (*Statistics, error) {
	return s.repo.Statistics(ctx, time.Now().Format(dateLayout))
}

// DueReminders returns appointments inside the lookahead window that
// have not been reminded yet.
func (s *Service) DueReminders(ctx context.Context, from, to string) ([]*WithPatient, error) {
	return s.repo.ListDueReminders(ctx, from, to)
}

// MarkReminded stamps the reminder so the worker never mails twice.
func (s *Service) MarkReminded(ctx context.Context, appointmentID string) error {
	return s.repo.MarkReminded(ctx, appointmentID, time.Now())
}
