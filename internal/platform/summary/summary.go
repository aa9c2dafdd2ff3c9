// Package summary builds plain-text visit summaries for doctors.
//
// The default generator is deterministic: it renders the appointment
// context and recent chat lines through a fixed text template and never
// calls out to a model. An AI-backed implementation plugs in by swapping
// the Generator handed to the handler.
package summary

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/materna-health/materna/internal/platform/auth"
)

const (
	defaultChatLimit = 20
	maxChatLimit     = 100

	// Chat lines are quoted inline, so each one is flattened to a single
	// line and clipped to keep the summary readable.
	maxChatLineRunes = 160
)

// ChatLine is one conversation message quoted in the summary.
type ChatLine struct {
	SenderRole string    `json:"sender_role"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sent_at"`
}

// VisitContext carries everything a generator may mention. Callers fill
// what they have; empty optional fields are skipped by the template.
type VisitContext struct {
	AppointmentID   string     `json:"appointment_id"`
	PatientID       string     `json:"patient_id"`
	PatientName     string     `json:"patient_name"`
	DoctorID        string     `json:"doctor_id"`
	DoctorName      string     `json:"doctor_name"`
	AppointmentDate string     `json:"appointment_date"`
	AppointmentTime string     `json:"appointment_time"`
	VisitType       string     `json:"type"`
	AppointmentType string     `json:"appointment_type"`
	DoctorNotes     string     `json:"doctor_notes"`
	PatientNotes    string     `json:"patient_notes"`
	ChatLines       []ChatLine `json:"-"`
}

// Generator produces a visit summary from the collected context.
type Generator interface {
	GenerateVisitSummary(ctx context.Context, vc VisitContext) (string, error)
}

// MessageSource supplies recent chat lines for a thread, oldest first.
// The chat domain satisfies it through a small adapter wired in main so
// this package stays free of domain imports.
type MessageSource interface {
	RecentLines(ctx context.Context, threadID, callerID, callerRole string, limit int) ([]ChatLine, error)
}

// ---------------------------------------------------------------------------
// TemplateGenerator: the no-model default
// ---------------------------------------------------------------------------

var visitTmpl = template.Must(template.New("visit-summary").Parse(`Visit Summary
=============

Patient: {{if .PatientName}}{{.PatientName}} ({{.PatientID}}){{else}}{{.PatientID}}{{end}}
Doctor: {{if .DoctorName}}{{.DoctorName}} ({{.DoctorID}}){{else}}{{.DoctorID}}{{end}}
Scheduled: {{.AppointmentDate}} at {{.AppointmentTime}}
{{- if .VisitType}}
Type: {{.VisitType}}{{if .AppointmentType}} ({{.AppointmentType}}){{end}}
{{- end}}
{{- if .DoctorNotes}}

Doctor notes:
{{.DoctorNotes}}
{{- end}}
{{- if .PatientNotes}}

Patient notes:
{{.PatientNotes}}
{{- end}}
{{- if .ChatLines}}

Conversation ({{len .ChatLines}} recent messages):
{{- range .ChatLines}}
[{{.SenderRole}}] {{.Content}}
{{- end}}
{{- end}}
`))

// TemplateGenerator renders the fixed template above. Output depends only
// on the VisitContext, which keeps the endpoint usable without any AI
// backend and makes summaries reproducible.
type TemplateGenerator struct{}

func NewTemplateGenerator() *TemplateGenerator { return &TemplateGenerator{} }

func (g *TemplateGenerator) GenerateVisitSummary(_ context.Context, vc VisitContext) (string, error) {
	if len(vc.ChatLines) > 0 {
		lines := make([]ChatLine, len(vc.ChatLines))
		for i, l := range vc.ChatLines {
			l.Content = clipLine(l.Content)
			lines[i] = l
		}
		vc.ChatLines = lines
	}

	var buf bytes.Buffer
	if err := visitTmpl.Execute(&buf, vc); err != nil {
		return "", fmt.Errorf("render visit summary: %w", err)
	}
	return buf.String(), nil
}

func clipLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxChatLineRunes {
		return s
	}
	return string(r[:maxChatLineRunes]) + "..."
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// Handler exposes POST /doctor/visit-summary. The caller's identity
// becomes the summary's doctor; chat context is pulled only when the
// request names a thread.
type Handler struct {
	gen  Generator
	msgs MessageSource
}

func NewHandler(gen Generator, msgs MessageSource) *Handler {
	return &Handler{gen: gen, msgs: msgs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/doctor", auth.RequireRole("doctor"))
	g.POST("/visit-summary", h.Generate)
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, echo.Map{"success": false, "error": msg})
}

type generateRequest struct {
	AppointmentID   string `json:"appointment_id"`
	PatientID       string `json:"patient_id"`
	PatientName     string `json:"patient_name"`
	DoctorName      string `json:"doctor_name"`
	AppointmentDate string `json:"appointment_date"`
	AppointmentTime string `json:"appointment_time"`
	VisitType       string `json:"type"`
	AppointmentType string `json:"appointment_type"`
	DoctorNotes     string `json:"doctor_notes"`
	PatientNotes    string `json:"patient_notes"`
	ThreadID        string `json:"thread_id"`
	ChatLimit       int    `json:"chat_limit"`
}

func (h *Handler) Generate(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if req.PatientID == "" {
		return fail(c, http.StatusBadRequest, "patient_id is required")
	}
	if req.AppointmentDate == "" || req.AppointmentTime == "" {
		return fail(c, http.StatusBadRequest, "appointment_date and appointment_time are required")
	}

	ctx := c.Request().Context()
	doctorID := auth.UserIDFromContext(ctx)

	vc := VisitContext{
		AppointmentID:   req.AppointmentID,
		PatientID:       req.PatientID,
		PatientName:     req.PatientName,
		DoctorID:        doctorID,
		DoctorName:      req.DoctorName,
		AppointmentDate: req.AppointmentDate,
		AppointmentTime: req.AppointmentTime,
		VisitType:       req.VisitType,
		AppointmentType: req.AppointmentType,
		DoctorNotes:     req.DoctorNotes,
		PatientNotes:    req.PatientNotes,
	}

	if req.ThreadID != "" {
		if h.msgs == nil {
			return fail(c, http.StatusBadRequest, "chat context is not available")
		}
		limit := req.ChatLimit
		if limit <= 0 {
			limit = defaultChatLimit
		}
		if limit > maxChatLimit {
			limit = maxChatLimit
		}
		lines, err := h.msgs.RecentLines(ctx, req.ThreadID, doctorID, "doctor", limit)
		if err != nil {
			return fail(c, http.StatusBadRequest, fmt.Sprintf("chat context: %v", err))
		}
		vc.ChatLines = lines
	}

	s, err := h.gen.GenerateVisitSummary(ctx, vc)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to generate summary")
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true, "summary": s})
}
