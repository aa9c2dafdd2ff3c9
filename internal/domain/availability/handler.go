package availability

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/materna-health/materna/internal/platform/auth"
)

// Handler exposes the availability REST surface. Responses use the
// {"success": ..., "error": ...} envelope that the patient module's
// orchestrator parses on cross-service calls.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// RegisterRoutes mounts the management surface for doctors and the booking
// surface for both roles; the patient module forwards its caller's bearer
// token when it books or cancels. public carries the token-free read
// mirror used by the orchestrator's advisory validate step.
func (h *Handler) RegisterRoutes(api, public *echo.Group) {
	manage := api.Group("", auth.RequireRole("doctor"))
	manage.POST("/doctor/:doctorID/availability", h.CreateAvailability)
	manage.GET("/doctor/:doctorID/availability/:date/booked-slots", h.BookedSlots)
	manage.GET("/doctor/:doctorID/availability/:date/summary", h.DateSummary)
	manage.POST("/doctor/:doctorID/availability/:date/cancel-all", h.CancelAllForDate)
	manage.PUT("/availability/:availabilityID", h.UpdateAvailability)
	manage.DELETE("/availability/:availabilityID", h.DeleteAvailability)

	booking := api.Group("", auth.RequireRole("doctor", "patient"))
	booking.GET("/doctor/:doctorID/availability", h.GetAvailability)
	booking.GET("/doctor/:doctorID/availability/:date", h.GetAvailabilityByDate)
	booking.GET("/doctor/:doctorID/availability/:date/slots", h.AvailableSlots)
	booking.GET("/doctor/:doctorID/availability/:date/:appointmentType", h.AvailableSlotsByType)
	booking.POST("/doctor/:doctorID/availability/:date/book-slot", h.BookSlot)
	booking.POST("/doctor/:doctorID/availability/:date/:slotID/cancel", h.CancelSlot)
	booking.POST("/availability/cancel-by-appointment/:appointmentID", h.CancelByAppointmentID)

	public.GET("/doctor/:doctorID/availability", h.GetAvailability)
	public.GET("/doctor/:doctorID/availability/:date", h.GetAvailabilityByDate)
	public.GET("/doctor/:doctorID/availability/:date/slots", h.AvailableSlots)
	public.GET("/doctor/:doctorID/availability/:date/:appointmentType", h.AvailableSlotsByType)
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"success": false, "error": msg})
}

// svcError keeps the legacy status mapping: missing resources are 404,
// validation failures and booking conflicts are 400.
func svcError(c echo.Context, err error) error {
	if errors.Is(err, ErrAvailabilityNotFound) ||
		errors.Is(err, ErrSlotNotFound) ||
		errors.Is(err, ErrNoSlotForAppointment) {
		return fail(c, http.StatusNotFound, err.Error())
	}
	return fail(c, http.StatusBadRequest, err.Error())
}

// createAvailabilityRequest accepts the full grouped shape plus the two
// legacy ones: a flat top-level slot list, or no slots at all (generated
// from the work hours).
type createAvailabilityRequest struct {
	CreateInput
	Slots           []SlotInput `json:"slots"`
	AppointmentType string      `json:"appointment_type"`
	DurationMins    int         `json:"duration_mins"`
	Price           float64     `json:"price"`
	Currency        string      `json:"currency"`
}

func (h *Handler) CreateAvailability(c echo.Context) error {
	doctorID := c.Param("doctorID")
	var req createAvailabilityRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}

	if req.Types == nil && req.Slots == nil {
		req.Slots = generateThirtyMinSlots(req.WorkHours, req.Breaks)
	}
	if req.Types == nil && req.Slots != nil {
		req.Types = []TypeGroupInput{wrapFlatSlots(req)}
	}

	a, err := h.svc.CreateDailyAvailability(c.Request().Context(), doctorID, req.CreateInput)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"success":         true,
		"message":         "availability created successfully",
		"availability_id": a.AvailabilityID,
	})
}

// wrapFlatSlots lifts a top-level slot list into a single type group with
// the legacy defaults.
func wrapFlatSlots(req createAvailabilityRequest) TypeGroupInput {
	slots := make([]SlotInput, len(req.Slots))
	for i, sl := range req.Slots {
		if sl.SlotID == "" {
			sl.SlotID = fmt.Sprintf("slot_%03d", i+1)
		}
		slots[i] = sl
	}
	g := TypeGroupInput{
		Type:         req.AppointmentType,
		DurationMins: req.DurationMins,
		Price:        req.Price,
		Currency:     req.Currency,
		Slots:        slots,
	}
	if g.Type == "" {
		g.Type = "General Consultation"
	}
	if g.DurationMins == 0 {
		g.DurationMins = 30
	}
	if g.Currency == "" {
		g.Currency = "USD"
	}
	return g
}

// clockMinutes parses HH:MM leniently ("9:00" counts) so generation still
// runs for inputs the strict validator will reject afterwards, keeping the
// work-hours error ahead of the missing-types one.
func clockMinutes(s string) (int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func formatClock(mins int) string {
	return fmt.Sprintf("%02d:%02d", mins/60, mins%60)
}

// generateThirtyMinSlots cuts the work hours into 30-minute slots, skipping
// any slot that overlaps a break. Returns nil when the work hours cannot be
// parsed or fit no slot.
func generateThirtyMinSlots(wh WorkHours, breaks []Break) []SlotInput {
	start, ok := clockMinutes(wh.StartTime)
	if !ok {
		return nil
	}
	end, ok := clockMinutes(wh.EndTime)
	if !ok {
		return nil
	}

	booked := false
	var slots []SlotInput
	for cur := start; cur+30 <= end; cur += 30 {
		overlapped := false
		for _, b := range breaks {
			bs, ok1 := clockMinutes(b.StartTime)
			be, ok2 := clockMinutes(b.EndTime)
			if ok1 && ok2 && cur < be && cur+30 > bs {
				overlapped = true
				break
			}
		}
		if overlapped {
			continue
		}
		slots = append(slots, SlotInput{
			SlotID:    fmt.Sprintf("slot_%03d", len(slots)+1),
			StartTime: formatClock(cur),
			EndTime:   formatClock(cur + 30),
			IsBooked:  &booked,
		})
	}
	return slots
}

func (h *Handler) GetAvailability(c echo.Context) error {
	q := ListQuery{
		Date:             c.QueryParam("date"),
		StartDate:        c.QueryParam("start_date"),
		EndDate:          c.QueryParam("end_date"),
		ConsultationType: c.QueryParam("consultation_type"),
		AppointmentType:  c.QueryParam("appointment_type"),
	}
	items, err := h.svc.GetDoctorAvailability(c.Request().Context(), c.Param("doctorID"), q)
	if err != nil {
		return svcError(c, err)
	}
	if items == nil {
		items = []*Availability{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":      true,
		"availability": items,
		"total_count":  len(items),
	})
}

// GetAvailabilityByDate is the path-date form consumed by the patient
// module when it validates a slot before booking.
func (h *Handler) GetAvailabilityByDate(c echo.Context) error {
	q := ListQuery{
		Date:             c.Param("date"),
		ConsultationType: c.QueryParam("consultation_type"),
	}
	items, err := h.svc.GetDoctorAvailability(c.Request().Context(), c.Param("doctorID"), q)
	if err != nil {
		return svcError(c, err)
	}
	if items == nil {
		items = []*Availability{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":      true,
		"doctor_id":    c.Param("doctorID"),
		"date":         c.Param("date"),
		"availability": items,
		"total_count":  len(items),
	})
}

func (h *Handler) AvailableSlots(c echo.Context) error {
	slots, err := h.svc.AvailableSlots(c.Request().Context(), c.Param("doctorID"), c.Param("date"), c.QueryParam("consultation_type"))
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"slots":   slots,
	})
}

func (h *Handler) AvailableSlotsByType(c echo.Context) error {
	doctorID := c.Param("doctorID")
	date := c.Param("date")
	appointmentType := c.Param("appointmentType")

	slots, err := h.svc.AvailableSlotsByType(c.Request().Context(), doctorID, date, appointmentType, c.QueryParam("consultation_type"))
	if err != nil {
		return svcError(c, err)
	}
	if slots == nil {
		slots = []*SlotView{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":          true,
		"slots":            slots,
		"total_available":  len(slots),
		"doctor_id":        doctorID,
		"date":             date,
		"appointment_type": appointmentType,
	})
}

type bookSlotRequest struct {
	SlotID        string `json:"slot_id"`
	PatientID     string `json:"patient_id"`
	AppointmentID string `json:"appointment_id"`
}

func (h *Handler) BookSlot(c echo.Context) error {
	var req bookSlotRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	in := BookSlotInput{
		DoctorID:         c.Param("doctorID"),
		Date:             c.Param("date"),
		SlotID:           req.SlotID,
		PatientID:        req.PatientID,
		AppointmentID:    req.AppointmentID,
		ConsultationType: c.QueryParam("consultation_type"),
	}
	if err := h.svc.BookSlot(c.Request().Context(), in); err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":        true,
		"message":        "slot booked successfully",
		"doctor_id":      in.DoctorID,
		"date":           in.Date,
		"slot_id":        in.SlotID,
		"patient_id":     in.PatientID,
		"appointment_id": in.AppointmentID,
	})
}

type cancelSlotRequest struct {
	AppointmentID      string `json:"appointment_id"`
	CancellationReason string `json:"cancellation_reason"`
}

func (h *Handler) CancelSlot(c echo.Context) error {
	var req cancelSlotRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	in := CancelSlotInput{
		DoctorID:         c.Param("doctorID"),
		Date:             c.Param("date"),
		SlotID:           c.Param("slotID"),
		AppointmentID:    req.AppointmentID,
		Reason:           req.CancellationReason,
		ConsultationType: c.QueryParam("consultation_type"),
	}
	if err := h.svc.CancelAppointmentSlot(c.Request().Context(), in); err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":        true,
		"message":        "appointment slot cancelled",
		"slot_id":        in.SlotID,
		"appointment_id": in.AppointmentID,
	})
}

func (h *Handler) CancelByAppointmentID(c echo.Context) error {
	appointmentID := c.Param("appointmentID")
	if err := h.svc.CancelSlotByAppointmentID(c.Request().Context(), appointmentID); err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":        true,
		"message":        "slot made available after appointment deletion",
		"appointment_id": appointmentID,
	})
}

func (h *Handler) BookedSlots(c echo.Context) error {
	doctorID := c.Param("doctorID")
	date := c.Param("date")
	slots, err := h.svc.BookedSlotsByDate(c.Request().Context(), doctorID, date, c.QueryParam("consultation_type"))
	if err != nil {
		return svcError(c, err)
	}
	if slots == nil {
		slots = []*BookedSlot{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":      true,
		"booked_slots": slots,
		"total_booked": len(slots),
		"doctor_id":    doctorID,
		"date":         date,
	})
}

func (h *Handler) DateSummary(c echo.Context) error {
	sum, err := h.svc.DateAppointmentSummary(c.Request().Context(), c.Param("doctorID"), c.Param("date"), c.QueryParam("consultation_type"))
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"summary": sum,
	})
}

type cancelAllRequest struct {
	CancellationReason string `json:"cancellation_reason"`
}

func (h *Handler) CancelAllForDate(c echo.Context) error {
	var req cancelAllRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	doctorID := c.Param("doctorID")
	date := c.Param("date")
	reason := req.CancellationReason
	if reason == "" {
		reason = defaultDayCancelReason
	}

	res, err := h.svc.CancelAllAppointmentsForDate(c.Request().Context(), doctorID, date, reason, c.QueryParam("consultation_type"))
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":                true,
		"message":                fmt.Sprintf("all appointments cancelled for %s", date),
		"doctor_id":              doctorID,
		"date":                   date,
		"cancellation_reason":    reason,
		"cancelled_count":        res.CancelledCount,
		"cancelled_appointments": res.CancelledAppointments,
	})
}

func (h *Handler) UpdateAvailability(c echo.Context) error {
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.UpdateAvailability(c.Request().Context(), c.Param("availabilityID"), in); err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "availability updated successfully",
	})
}

func (h *Handler) DeleteAvailability(c echo.Context) error {
	if err := h.svc.DeleteAvailability(c.Request().Context(), c.Param("availabilityID")); err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "availability deleted successfully",
	})
}
