package appointment

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/materna-health/materna/internal/platform/auth"
	"github.com/materna-health/materna/pkg/pagination"
)

// Handler exposes the patient-side booking surface and the doctor-side
// review surface.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

func (h *Handler) RegisterRoutes(api *echo.Group) {
	pat := api.Group("/patient/appointments", auth.RequireRole("patient"))
	pat.POST("", h.CreateAppointment)
	pat.GET("", h.ListAppointments)
	pat.GET("/upcoming", h.UpcomingAppointments)
	pat.GET("/history", h.AppointmentHistory)
	pat.GET("/:appointmentID", h.GetAppointment)
	pat.PUT("/:appointmentID", h.UpdateAppointment)
	pat.DELETE("/:appointmentID", h.CancelAppointment)

	doc := api.Group("/doctor/appointments", auth.RequireRole("doctor"))
	doc.GET("", h.DoctorList)
	doc.POST("", h.DoctorCreate)
	doc.GET("/pending", h.PendingAppointments)
	doc.GET("/statistics", h.Statistics)
	doc.GET("/:appointmentID", h.DoctorGet)
	doc.PUT("/:appointmentID", h.DoctorUpdate)
	doc.DELETE("/:appointmentID", h.DoctorDelete)
	doc.POST("/:appointmentID/approve", h.Approve)
	doc.POST("/:appointmentID/reject", h.Reject)
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"success": false, "error": msg})
}

// svcError maps service failures onto the legacy status contract.
// Confirmed appointments reject patient edits with 403 and tell the
// client the only way forward; a lost reschedule hold is a 409.
func svcError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrApprovedImmutable):
		return c.JSON(http.StatusForbidden, echo.Map{
			"success":         false,
			"error":           err.Error(),
			"action_required": "cancel_and_recreate",
		})
	case errors.Is(err, ErrRescheduleCompensationFailed):
		return fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, ErrAppointmentNotFound), errors.Is(err, ErrPatientNotFound):
		return fail(c, http.StatusNotFound, err.Error())
	}
	return fail(c, http.StatusBadRequest, err.Error())
}

func listQueryFromRequest(c echo.Context) ListQuery {
	q := ListQuery{
		Status:          c.QueryParam("status"),
		VisitType:       c.QueryParam("type"),
		AppointmentType: c.QueryParam("appointment_type"),
		Date:            c.QueryParam("date"),
	}
	return q
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	patientID := auth.UserIDFromContext(c.Request().Context())

	a, err := h.svc.CreateAppointment(c.Request().Context(), patientID, in)
	if err != nil {
		return svcError(c, err)
	}

	msg := "appointment created successfully"
	switch a.AppointmentStatus {
	case StatusBooked:
		msg = "appointment created and slot booked successfully"
	case StatusNotBooked:
		msg = "appointment created but slot booking failed"
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"success":     true,
		"message":     msg,
		"appointment": a,
	})
}

func (h *Handler) ListAppointments(c echo.Context) error {
	patientID := auth.UserIDFromContext(c.Request().Context())
	appts, err := h.svc.ListAppointments(c.Request().Context(), patientID, listQueryFromRequest(c))
	if err != nil {
		return svcError(c, err)
	}
	if appts == nil {
		appts = []*Appointment{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":      true,
		"appointments": appts,
		"total_count":  len(appts),
	})
}

func (h *Handler) UpcomingAppointments(c echo.Context) error {
	patientID := auth.UserIDFromContext(c.Request().Context())
	appts, err := h.svc.UpcomingAppointments(c.Request().Context(), patientID)
	if err != nil {
		return svcError(c, err)
	}
	if appts == nil {
		appts = []*Appointment{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":               true,
		"upcoming_appointments": appts,
		"total_count":           len(appts),
		"patient_id":            patientID,
		"message":               "upcoming appointments retrieved successfully",
	})
}

func (h *Handler) AppointmentHistory(c echo.Context) error {
	patientID := auth.UserIDFromContext(c.Request().Context())
	q := listQueryFromRequest(c)
	appts, err := h.svc.AppointmentHistory(c.Request().Context(), patientID, q)
	if err != nil {
		return svcError(c, err)
	}
	if appts == nil {
		appts = []*Appointment{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":             true,
		"appointment_history": appts,
		"total_count":         len(appts),
		"patient_id":          patientID,
		"filters_applied": echo.Map{
			"status":           q.Status,
			"type":             q.VisitType,
			"appointment_type": q.AppointmentType,
			"date":             q.Date,
		},
		"message": "appointment history retrieved successfully",
	})
}

func (h *Handler) GetAppointment(c echo.Context) error {
	patientID := auth.UserIDFromContext(c.Request().Context())
	a, err := h.svc.GetAppointment(c.Request().Context(), patientID, c.Param("appointmentID"))
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "appointment": a})
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	patientID := auth.UserIDFromContext(c.Request().Context())

	a, err := h.svc.UpdateAppointment(c.Request().Context(), patientID, c.Param("appointmentID"), in)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":     true,
		"message":     "appointment updated successfully",
		"appointment": a,
	})
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	patientID := auth.UserIDFromContext(c.Request().Context())
	appointmentID := c.Param("appointmentID")
	if err := h.svc.CancelAppointment(c.Request().Context(), patientID, appointmentID); err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":        true,
		"message":        "appointment cancelled successfully",
		"appointment_id": appointmentID,
	})
}

func (h *Handler) DoctorList(c echo.Context) error {
	q := DoctorQuery{
		Date:            c.QueryParam("date"),
		Status:          c.QueryParam("status"),
		AppointmentType: c.QueryParam("appointment_type"),
		PatientID:       c.QueryParam("patient_id"),
	}
	p := pagination.FromContext(c)

	appts, total, err := h.svc.DoctorList(c.Request().Context(), q, p)
	if err != nil {
		return svcError(c, err)
	}
	if appts == nil {
		appts = []*WithPatient{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":      true,
		"appointments": appts,
		"total_count":  total,
		"limit":        p.Limit,
		"offset":       p.Offset,
		"has_more":     p.HasNext(total),
		"filters_applied": echo.Map{
			"date":             q.Date,
			"status":           q.Status,
			"appointment_type": q.AppointmentType,
			"patient_id":       q.PatientID,
		},
	})
}

func (h *Handler) DoctorCreate(c echo.Context) error {
	var in DoctorCreateInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	doctorID := auth.UserIDFromContext(c.Request().Context())

	a, err := h.svc.DoctorCreate(c.Request().Context(), doctorID, in)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"success":     true,
		"message":     "appointment created successfully",
		"appointment": a,
	})
}

func (h *Handler) PendingAppointments(c echo.Context) error {
	appts, err := h.svc.PendingAppointments(c.Request().Context())
	if err != nil {
		return svcError(c, err)
	}
	if appts == nil {
		appts = []*WithPatient{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":              true,
		"pending_appointments": appts,
		"total_count":          len(appts),
	})
}

func (h *Handler) Statistics(c echo.Context) error {
	stats, err := h.svc.DoctorStatistics(c.Request().Context())
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "statistics": stats})
}

func (h *Handler) DoctorGet(c echo.Context) error {
	a, err := h.svc.DoctorGet(c.Request().Context(), c.Param("appointmentID"))
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "appointment": a})
}

func (h *Handler) DoctorUpdate(c echo.Context) error {
	var in DoctorUpdateInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.DoctorUpdate(c.Request().Context(), c.Param("appointmentID"), in)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":     true,
		"message":     "appointment updated successfully",
		"appointment": a,
	})
}

func (h *Handler) DoctorDelete(c echo.Context) error {
	appointmentID := c.Param("appointmentID")
	if err := h.svc.DoctorDelete(c.Request().Context(), appointmentID); err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":        true,
		"message":        "appointment deleted successfully",
		"appointment_id": appointmentID,
	})
}

func (h *Handler) Approve(c echo.Context) error {
	var req struct {
		DoctorNotes string `json:"doctor_notes"`
	}
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	doctorID := auth.UserIDFromContext(c.Request().Context())

	a, err := h.svc.Approve(c.Request().Context(), doctorID, c.Param("appointmentID"), req.DoctorNotes)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":     true,
		"message":     "appointment approved successfully",
		"appointment": a,
	})
}

func (h *Handler) Reject(c echo.Context) error {
	var req struct {
		RejectionReason string `json:"rejection_reason"`
	}
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	doctorID := auth.UserIDFromContext(c.Request().Context())

	a, err := h.svc.Reject(c.Request().Context(), doctorID, c.Param("appointmentID"), req.RejectionReason)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":     true,
		"message":     "appointment rejected successfully",
		"appointment": a,
	})
}
