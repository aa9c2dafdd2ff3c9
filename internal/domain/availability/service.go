package availability

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/materna-health/materna/internal/platform/metrics"
)

const (
	defaultCancelReason    = "Cancelled by doctor"
	defaultDayCancelReason = "Full day cancelled by doctor"
	patientDeleteReason    = "Appointment deleted by patient"
)

// timeRE is the strict 24-hour clock shape. Unpadded hours like "9:00" are
// rejected.
var timeRE = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func validDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func validWorkHours(wh WorkHours) bool {
	return timeRE.MatchString(wh.StartTime) && timeRE.MatchString(wh.EndTime)
}

// Service implements the availability operations over a Repository.
type Service struct {
	repo    Repository
	metrics *metrics.Collector
}

func NewService(repo Repository, col *metrics.Collector) *Service {
	return &Service{repo: repo, metrics: col}
}

// CreateInput is the accepted shape of one new availability day. Slots may
// arrive pre-booked (imports), in which case their booking fields must be
// complete.
type CreateInput struct {
	Date             string           `json:"date"`
	ConsultationType string           `json:"consultation_type"`
	WorkHours        WorkHours        `json:"work_hours"`
	Types            []TypeGroupInput `json:"types"`
	Breaks           []Break          `json:"breaks"`
}

type TypeGroupInput struct {
	Type         string      `json:"type"`
	DurationMins int         `json:"duration_mins"`
	Price        float64     `json:"price"`
	Currency     string      `json:"currency"`
	Slots        []SlotInput `json:"slots"`
}

// SlotInput keeps IsBooked as a pointer so a missing key is distinguishable
// from an explicit false.
type SlotInput struct {
	SlotID        string  `json:"slot_id"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	IsBooked      *bool   `json:"is_booked"`
	PatientID     *string `json:"patient_id"`
	AppointmentID *string `json:"appointment_id"`
	Notes         string  `json:"notes"`
}

// newAvailabilityID returns ids like AVAIL_1761475200000A1B2C3D4: creation
// unix millis plus eight random uppercase hex characters.
func newAvailabilityID() string {
	u := uuid.New()
	return fmt.Sprintf("AVAIL_%d%X", time.Now().UnixMilli(), u[:4])
}

func (s *Service) CreateDailyAvailability(ctx context.Context, doctorID string, in CreateInput) (*Availability, error) {
	if doctorID == "" {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if in.Date == "" {
		return nil, fmt.Errorf("date is required")
	}
	if !validDate(in.Date) {
		return nil, fmt.Errorf("invalid date format, expected YYYY-MM-DD")
	}
	if in.WorkHours.StartTime == "" || in.WorkHours.EndTime == "" {
		return nil, fmt.Errorf("work_hours with start_time and end_time is required")
	}
	if !validWorkHours(in.WorkHours) {
		return nil, fmt.Errorf("invalid work hours format, expected HH:MM")
	}
	if in.ConsultationType == "" {
		return nil, fmt.Errorf("consultation_type is required")
	}
	if in.ConsultationType != ConsultationOnline && in.ConsultationType != ConsultationInPerson {
		return nil, fmt.Errorf("consultation_type must be %s or %s", ConsultationOnline, ConsultationInPerson)
	}
	if len(in.Types) == 0 {
		return nil, fmt.Errorf("types is required")
	}

	types := make([]TypeGroup, 0, len(in.Types))
	for i, t := range in.Types {
		g, err := buildTypeGroup(i, t)
		if err != nil {
			return nil, err
		}
		types = append(types, g)
	}

	now := time.Now().UTC()
	a := &Availability{
		AvailabilityID:   newAvailabilityID(),
		DoctorID:         doctorID,
		Date:             in.Date,
		ConsultationType: in.ConsultationType,
		WorkHours:        in.WorkHours,
		Types:            types,
		Breaks:           in.Breaks,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if a.Breaks == nil {
		a.Breaks = []Break{}
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func buildTypeGroup(idx int, in TypeGroupInput) (TypeGroup, error) {
	if in.Type == "" {
		return TypeGroup{}, fmt.Errorf("types[%d]: type is required", idx)
	}
	if in.DurationMins <= 0 {
		return TypeGroup{}, fmt.Errorf("types[%d]: duration_mins is required", idx)
	}
	if in.Slots == nil {
		return TypeGroup{}, fmt.Errorf("types[%d]: slots is required", idx)
	}
	g := TypeGroup{
		Type:         in.Type,
		DurationMins: in.DurationMins,
		Price:        in.Price,
		Currency:     in.Currency,
		Slots:        make([]Slot, 0, len(in.Slots)),
	}
	if g.Currency == "" {
		g.Currency = "USD"
	}
	for i, sl := range in.Slots {
		if sl.StartTime == "" || sl.EndTime == "" {
			return TypeGroup{}, fmt.Errorf("types[%d].slots[%d]: start_time and end_time are required", idx, i)
		}
		if sl.IsBooked == nil {
			return TypeGroup{}, fmt.Errorf("types[%d].slots[%d]: is_booked is required", idx, i)
		}
		slot := Slot{
			SlotID:        sl.SlotID,
			StartTime:     sl.StartTime,
			EndTime:       sl.EndTime,
			IsBooked:      *sl.IsBooked,
			PatientID:     sl.PatientID,
			AppointmentID: sl.AppointmentID,
			Notes:         sl.Notes,
		}
		if slot.SlotID == "" {
			slot.SlotID = fmt.Sprintf("slot_%03d", i+1)
		}
		if slot.IsBooked && (slot.PatientID == nil || slot.AppointmentID == nil) {
			return TypeGroup{}, fmt.Errorf("types[%d].slots[%d]: booked slots need patient_id and appointment_id", idx, i)
		}
		g.Slots = append(g.Slots, slot)
	}
	g.Recount()
	return g, nil
}

// ListQuery narrows GetDoctorAvailability. AppointmentType filters the
// returned documents down to the matching type group.
type ListQuery struct {
	Date             string
	StartDate        string
	EndDate          string
	ConsultationType string
	AppointmentType  string
}

func (s *Service) GetDoctorAvailability(ctx context.Context, doctorID string, q ListQuery) ([]*Availability, error) {
	if doctorID == "" {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if q.Date != "" && !validDate(q.Date) {
		return nil, fmt.Errorf("invalid date format, expected YYYY-MM-DD")
	}
	if (q.StartDate != "") != (q.EndDate != "") {
		return nil, fmt.Errorf("start_date and end_date must be supplied together")
	}
	if q.StartDate != "" && (!validDate(q.StartDate) || !validDate(q.EndDate)) {
		return nil, fmt.Errorf("invalid date range format, expected YYYY-MM-DD")
	}

	items, err := s.repo.Find(ctx, doctorID, Query{
		Date:             q.Date,
		StartDate:        q.StartDate,
		EndDate:          q.EndDate,
		ConsultationType: q.ConsultationType,
	})
	if err != nil {
		return nil, err
	}
	if q.AppointmentType == "" {
		return items, nil
	}

	// Keep only days offering the requested type, and within each day only
	// that type group.
	var filtered []*Availability
	for _, a := range items {
		var kept []TypeGroup
		for _, g := range a.Types {
			if strings.TrimSpace(g.Type) == q.AppointmentType {
				kept = append(kept, g)
			}
		}
		if len(kept) > 0 {
			a.Types = kept
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

func (s *Service) AvailableSlotsByType(ctx context.Context, doctorID, date, appointmentType, consultationType string) ([]*SlotView, error) {
	if doctorID == "" {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if appointmentType == "" {
		return nil, fmt.Errorf("appointment_type is required")
	}
	if !validDate(date) {
		return nil, fmt.Errorf("invalid date format, expected YYYY-MM-DD")
	}
	return s.repo.AvailableSlotsByType(ctx, doctorID, date, appointmentType, consultationType)
}

// AvailableSlots flattens every free slot of the date into the plain
// start/end shape used by the patient-facing pickers.
func (s *Service) AvailableSlots(ctx context.Context, doctorID, date, consultationType string) ([]SimpleSlot, error) {
	if !validDate(date) {
		return nil, fmt.Errorf("invalid date format, expected YYYY-MM-DD")
	}
	items, err := s.repo.Find(ctx, doctorID, Query{Date: date, ConsultationType: consultationType})
	if err != nil {
		return nil, err
	}
	slots := []SimpleSlot{}
	for _, a := range items {
		for _, g := range a.Types {
			for _, sl := range g.Slots {
				if sl.IsBooked {
					continue
				}
				slots = append(slots, SimpleSlot{StartTime: sl.StartTime, EndTime: sl.EndTime})
			}
		}
	}
	return slots, nil
}

type BookSlotInput struct {
	DoctorID         string
	Date             string
	SlotID           string
	PatientID        string
	AppointmentID    string
	ConsultationType string
}

// BookSlot books through a single conditional write. A conflict whose
// current occupant is the same appointment id is treated as a replay of an
// already-won booking and succeeds without changing anything.
func (s *Service) BookSlot(ctx context.Context, in BookSlotInput) error {
	if in.DoctorID == "" {
		return fmt.Errorf("doctor_id is required")
	}
	if in.SlotID == "" {
		return fmt.Errorf("slot_id is required")
	}
	if in.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	if in.AppointmentID == "" {
		return fmt.Errorf("appointment_id is required")
	}
	if !validDate(in.Date) {
		return fmt.Errorf("invalid date format, expected YYYY-MM-DD")
	}

	err := s.repo.BookSlot(ctx, in.DoctorID, in.Date, in.SlotID, in.PatientID, in.AppointmentID, in.ConsultationType)
	if errors.Is(err, ErrSlotNotFoundOrBooked) {
		slot, gerr := s.repo.GetSlot(ctx, in.DoctorID, in.Date, in.SlotID, in.ConsultationType)
		if gerr == nil && slot.IsBooked && slot.AppointmentID != nil && *slot.AppointmentID == in.AppointmentID {
			s.metrics.RecordSlotBooking("replay")
			return nil
		}
		s.metrics.RecordSlotBooking("conflict")
		return ErrSlotNotFoundOrBooked
	}
	if err != nil {
		return err
	}
	s.metrics.RecordSlotBooking("booked")
	return nil
}

type CancelSlotInput struct {
	DoctorID         string
	Date             string
	SlotID           string
	AppointmentID    string
	Reason           string
	ConsultationType string
}

func (s *Service) CancelAppointmentSlot(ctx context.Context, in CancelSlotInput) error {
	if in.DoctorID == "" {
		return fmt.Errorf("doctor_id is required")
	}
	if in.SlotID == "" {
		return fmt.Errorf("slot_id is required")
	}
	if in.AppointmentID == "" {
		return fmt.Errorf("appointment_id is required")
	}
	if !validDate(in.Date) {
		return fmt.Errorf("invalid date format, expected YYYY-MM-DD")
	}
	reason := in.Reason
	if reason == "" {
		reason = defaultCancelReason
	}
	if err := s.repo.CancelSlot(ctx, in.DoctorID, in.Date, in.SlotID, in.AppointmentID, reason, in.ConsultationType); err != nil {
		return err
	}
	s.metrics.RecordSlotCancellation()
	return nil
}

// CancelSlotByAppointmentID frees the slot holding the appointment without
// knowing the doctor or date. Used when a patient deletes an appointment.
func (s *Service) CancelSlotByAppointmentID(ctx context.Context, appointmentID string) error {
	if appointmentID == "" {
		return fmt.Errorf("appointment_id is required")
	}
	if err := s.repo.CancelSlotByAppointmentID(ctx, appointmentID, patientDeleteReason); err != nil {
		return err
	}
	s.metrics.RecordSlotCancellation()
	return nil
}

func (s *Service) BookedSlotsByDate(ctx context.Context, doctorID, date, consultationType string) ([]*BookedSlot, error) {
	if doctorID == "" {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if !validDate(date) {
		return nil, fmt.Errorf("invalid date format, expected YYYY-MM-DD")
	}
	return s.repo.BookedSlotsByDate(ctx, doctorID, date, consultationType)
}

func (s *Service) DateAppointmentSummary(ctx context.Context, doctorID, date, consultationType string) (*DaySummary, error) {
	if doctorID == "" {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if !validDate(date) {
		return nil, fmt.Errorf("invalid date format, expected YYYY-MM-DD")
	}
	a, err := s.repo.FindOne(ctx, doctorID, date, consultationType)
	if err != nil {
		return nil, err
	}

	sum := &DaySummary{
		AvailabilityID:     a.AvailabilityID,
		DoctorID:           a.DoctorID,
		Date:               a.Date,
		ConsultationType:   a.ConsultationType,
		WorkHours:          a.WorkHours,
		AppointmentSummary: make(map[string]TypeSummary, len(a.Types)),
	}
	for _, g := range a.Types {
		booked := 0
		for _, sl := range g.Slots {
			if sl.IsBooked {
				booked++
			}
		}
		sum.AppointmentSummary[g.Type] = TypeSummary{
			BookedSlots:    booked,
			AvailableSlots: len(g.Slots) - booked,
			TotalSlots:     len(g.Slots),
			DurationMins:   g.DurationMins,
			Price:          g.Price,
		}
		sum.Totals.TotalBooked += booked
		sum.Totals.TotalAvailable += len(g.Slots) - booked
		sum.Totals.TotalSlots += len(g.Slots)
	}
	return sum, nil
}

// CancelAllAppointmentsForDate frees every booked slot of the day, disables
// the day, and reports the bookings that were cancelled. The day is
// disabled even when nothing was booked. The returned list is a snapshot
// read before the frees, which run as separate statements; a booking that
// lands in between is freed but not reported.
func (s *Service) CancelAllAppointmentsForDate(ctx context.Context, doctorID, date, reason, consultationType string) (*DayCancellation, error) {
	if doctorID == "" {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if !validDate(date) {
		return nil, fmt.Errorf("invalid date format, expected YYYY-MM-DD")
	}
	if reason == "" {
		reason = defaultDayCancelReason
	}

	a, err := s.repo.FindOne(ctx, doctorID, date, consultationType)
	if err != nil {
		return nil, err
	}
	cancelled := a.BookedSlots()
	if len(cancelled) > 0 {
		if _, err := s.repo.FreeBookedSlots(ctx, a.ID, reason); err != nil {
			return nil, err
		}
	}
	if err := s.repo.DisableDay(ctx, a.ID, reason); err != nil {
		return nil, err
	}
	s.metrics.RecordDayCancellation()

	if cancelled == nil {
		cancelled = []CancelledBooking{}
	}
	return &DayCancellation{
		AvailabilityID:        a.AvailabilityID,
		CancelledCount:        len(cancelled),
		CancelledAppointments: cancelled,
	}, nil
}

// UpdateInput carries the patchable day-level fields. Nil means "leave
// unchanged"; slots are not editable here.
type UpdateInput struct {
	Date      *string    `json:"date"`
	WorkHours *WorkHours `json:"work_hours"`
	Breaks    *[]Break   `json:"breaks"`
	IsActive  *bool      `json:"is_active"`
}

func (s *Service) UpdateAvailability(ctx context.Context, availabilityID string, in UpdateInput) error {
	if availabilityID == "" {
		return fmt.Errorf("availability_id is required")
	}
	if in.Date == nil && in.WorkHours == nil && in.Breaks == nil && in.IsActive == nil {
		return fmt.Errorf("no updatable fields supplied")
	}
	if in.Date != nil && !validDate(*in.Date) {
		return fmt.Errorf("invalid date format, expected YYYY-MM-DD")
	}
	if in.WorkHours != nil && !validWorkHours(*in.WorkHours) {
		return fmt.Errorf("invalid work hours format, expected HH:MM")
	}
	return s.repo.Update(ctx, availabilityID, UpdatePatch{
		Date:      in.Date,
		WorkHours: in.WorkHours,
		Breaks:    in.Breaks,
		IsActive:  in.IsActive,
	})
}

// DeleteAvailability soft-deletes: the day is deactivated and keeps its
// slots. Deleting an already inactive day reports not found.
func (s *Service) DeleteAvailability(ctx context.Context, availabilityID string) error {
	if availabilityID == "" {
		return fmt.Errorf("availability_id is required")
	}
	return s.repo.SoftDelete(ctx, availabilityID)
}
