package doctor

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/materna-health/materna/internal/platform/auth"
	"github.com/materna-health/materna/pkg/pagination"
)

// Handler exposes doctor signup, login, profile management, and the
// public directory patients browse.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// RegisterRoutes mounts the account surface. authn is the token-free
// group for signup and login, api carries the JWT-protected profile
// routes, and public serves the directory without a token.
func (h *Handler) RegisterRoutes(api, public, authn *echo.Group) {
	authn.POST("/doctor/register", h.Register)
	authn.POST("/doctor/login", h.Login)

	me := api.Group("", auth.RequireRole("doctor"))
	me.GET("/doctor/profile", h.GetProfile)
	me.PUT("/doctor/profile", h.UpdateProfile)
	me.POST("/doctor/complete-profile", h.CompleteProfile)
	me.DELETE("/doctor/profile", h.DeleteAccount)

	public.GET("/doctors", h.ListDoctors)
	public.GET("/doctors/:doctorID", h.PublicDoctorProfile)
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"success": false, "error": msg})
}

func svcError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrDoctorNotFound):
		return fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		return fail(c, http.StatusUnauthorized, err.Error())
	default:
		return fail(c, http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	d, err := h.svc.Register(c.Request().Context(), in)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"success":   true,
		"message":   "doctor registered successfully",
		"doctor_id": d.DoctorID,
		"email":     d.Email,
		"username":  d.Username,
	})
}

func (h *Handler) Login(c echo.Context) error {
	var in LoginInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Login(c.Request().Context(), in)
	if err != nil {
		return svcError(c, err)
	}
	d := res.Doctor
	return c.JSON(http.StatusOK, echo.Map{
		"success":             true,
		"message":             "login successful",
		"token":               res.Token,
		"doctor_id":           d.DoctorID,
		"email":               d.Email,
		"username":            d.Username,
		"is_profile_complete": d.IsProfileComplete,
		"user": echo.Map{
			"id":       d.DoctorID,
			"email":    d.Email,
			"username": d.Username,
			"role":     "doctor",
		},
	})
}

func (h *Handler) GetProfile(c echo.Context) error {
	d, err := h.svc.GetProfile(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "doctor": d})
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	d, err := h.svc.UpdateProfile(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), in)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "profile updated successfully",
		"doctor":  d,
	})
}

func (h *Handler) CompleteProfile(c echo.Context) error {
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	d, err := h.svc.CompleteProfile(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), in)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "profile completed successfully",
		"doctor":  d,
	})
}

func (h *Handler) DeleteAccount(c echo.Context) error {
	if err := h.svc.DeleteAccount(c.Request().Context(), auth.UserIDFromContext(c.Request().Context())); err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "doctor account deleted successfully",
	})
}

func (h *Handler) ListDoctors(c echo.Context) error {
	minPatients, _ := strconv.Atoi(c.QueryParam("min_patients"))
	q := SearchQuery{
		Search:         c.QueryParam("search"),
		Specialization: c.QueryParam("specialization"),
		City:           c.QueryParam("city"),
		MinPatients:    minPatients,
	}
	p := pagination.FromContext(c)

	doctors, total, err := h.svc.ListDoctors(c.Request().Context(), q, p)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":     true,
		"doctors":     doctors,
		"total_count": total,
		"limit":       p.Limit,
		"offset":      p.Offset,
		"has_more":    p.HasNext(total),
		"filters_applied": echo.Map{
			"search":         q.Search,
			"specialization": q.Specialization,
			"city":           q.City,
			"min_patients":   q.MinPatients,
		},
	})
}

func (h *Handler) PublicDoctorProfile(c echo.Context) error {
	profile, err := h.svc.PublicProfile(c.Request().Context(), c.Param("doctorID"))
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "doctor": profile})
}
