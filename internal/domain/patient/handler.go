package patient

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/materna-health/materna/internal/platform/auth"
)

// Handler exposes patient signup, login, and the pregnancy profile.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// RegisterRoutes mounts the account surface. authn is the token-free
// group for signup and login; api carries the JWT-protected routes,
// including the care view doctors pull up for their patients.
func (h *Handler) RegisterRoutes(api, authn *echo.Group) {
	authn.POST("/patient/register", h.Register)
	authn.POST("/patient/login", h.Login)

	me := api.Group("", auth.RequireRole("patient"))
	me.GET("/patient/profile", h.GetProfile)
	me.POST("/patient/complete-profile", h.CompleteProfile)
	me.PUT("/patient/profile", h.EditProfile)
	me.DELETE("/patient/profile", h.DeleteAccount)

	care := api.Group("", auth.RequireRole("doctor"))
	care.GET("/patients/:patientID", h.CareProfile)
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"success": false, "error": msg})
}

func svcError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrPatientNotFound):
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
	p, err := h.svc.Register(c.Request().Context(), in)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"success":    true,
		"message":    "patient registered successfully",
		"patient_id": p.PatientID,
		"email":      p.Email,
		"username":   p.Username,
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
	p := res.Patient
	return c.JSON(http.StatusOK, echo.Map{
		"success":             true,
		"message":             "login successful",
		"token":               res.Token,
		"patient_id":          p.PatientID,
		"email":               p.Email,
		"username":            p.Username,
		"is_profile_complete": p.IsProfileComplete,
		"user": echo.Map{
			"id":       p.PatientID,
			"email":    p.Email,
			"username": p.Username,
			"role":     "patient",
		},
	})
}

func (h *Handler) GetProfile(c echo.Context) error {
	p, err := h.svc.GetProfile(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":   true,
		"patient":   p,
		"trimester": p.Trimester(),
	})
}

func (h *Handler) CompleteProfile(c echo.Context) error {
	var in CompleteProfileInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.CompleteProfile(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), in)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "profile completed successfully",
		"patient": p,
	})
}

func (h *Handler) EditProfile(c echo.Context) error {
	var in EditProfileInput
	if err := c.Bind(&in); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.EditProfile(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), in)
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "profile updated successfully",
		"patient": p,
	})
}

func (h *Handler) DeleteAccount(c echo.Context) error {
	if err := h.svc.DeleteAccount(c.Request().Context(), auth.UserIDFromContext(c.Request().Context())); err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "patient account deleted successfully",
	})
}

func (h *Handler) CareProfile(c echo.Context) error {
	view, err := h.svc.CareProfile(c.Request().Context(), c.Param("patientID"))
	if err != nil {
		return svcError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "patient": view})
}
