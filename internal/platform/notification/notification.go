// Package notification delivers patient-facing email and SMS: template
// rendering, pluggable senders, in-memory delivery records with retry,
// and an admin HTTP surface. The reminder worker and the day-cancel flow
// send through the same Manager so every outbound message is recorded.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/materna-health/materna/internal/platform/auth"
)

// NotificationType represents the channel used to deliver a notification.
type NotificationType string

const (
	TypeEmail NotificationType = "email"
	TypeSMS   NotificationType = "sms"
)

// Delivery states a record moves through. A failed record stays retryable.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Notification represents a single outbound notification.
type Notification struct {
	ID           string            `json:"id"`
	Type         NotificationType  `json:"type"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Priority     string            `json:"priority"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// LogSender is the delivery backend used when no relay is configured. It
// writes the would-be message to the log and reports success, which keeps
// reminder runs observable in development without a mail server.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender { return &LogSender{log: log} }

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.log.Info().
		Str("channel", "email").
		Str("to", to).
		Str("subject", subject).
		Int("body_bytes", len(body)).
		Msg("notification: log-only delivery")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.log.Info().
		Str("channel", "sms").
		Str("to", to).
		Int("body_bytes", len(body)).
		Msg("notification: log-only delivery")
	return nil
}

// SMTPSender delivers email through a plain SMTP relay. Auth is skipped
// when Username is empty so local relays work without credentials.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (s *SMTPSender) SendEmail(_ context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	msg := []byte("From: " + s.From + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
		"\r\n" +
		body)

	var a smtp.Auth
	if s.Username != "" {
		a = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	if err := smtp.SendMail(addr, a, s.From, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

var (
	_ EmailSender = (*LogSender)(nil)
	_ SMSSender   = (*LogSender)(nil)
	_ EmailSender = (*SMTPSender)(nil)
)

// Template defines a reusable notification template.
type Template struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
	Type    NotificationType `json:"type"`
}

// render substitutes {{key}} placeholders from data. Placeholders with no
// matching key are left in place.
func (t Template) render(data map[string]string) (subject, body string) {
	if len(data) == 0 {
		return t.Subject, t.Body
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body)
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	for _, t := range builtInTemplates() {
		e.RegisterTemplate(t)
	}
	return e
}

func builtInTemplates() []Template {
	return []Template{
		{
			ID:      "appointment-reminder",
			Name:    "Appointment Reminder",
			Subject: "Appointment Reminder - {{date}} at {{time}}",
			Body: "Hello {{patient_name}},\n\n" +
				"This is a reminder for your upcoming appointment:\n\n" +
				"Date: {{date}}\n" +
				"Time: {{time}}\n" +
				"Type: {{type}}\n" +
				"Doctor: {{doctor_name}}\n\n" +
				"Please arrive 10 minutes early for check-in.\n\n" +
				"If you need to reschedule, please contact us.\n\n" +
				"Best regards,\nMaterna Care Team",
			Type: TypeEmail,
		},
		{
			ID:      "appointment-cancelled",
			Name:    "Appointment Cancelled",
			Subject: "Appointment Cancelled - {{date}} at {{time}}",
			Body: "Hello {{patient_name}},\n\n" +
				"Your appointment has been cancelled:\n\n" +
				"Date: {{date}}\n" +
				"Time: {{time}}\n" +
				"Doctor: {{doctor_name}}\n" +
				"Reason: {{reason}}\n\n" +
				"Please log in to book a new slot that works for you.\n\n" +
				"Best regards,\nMaterna Care Team",
			Type: TypeEmail,
		},
		{
			ID:      "day-cancelled",
			Name:    "Full Day Cancelled",
			Subject: "Schedule Change - Appointments on {{date}} Cancelled",
			Body: "Hello {{patient_name}},\n\n" +
				"Dr. {{doctor_name}} is unavailable on {{date}} and your appointment " +
				"at {{time}} had to be cancelled.\n\n" +
				"Reason: {{reason}}\n\n" +
				"Please log in to rebook on another day.\n\n" +
				"Best regards,\nMaterna Care Team",
			Type: TypeEmail,
		},
		{
			ID:      "visit-summary",
			Name:    "Visit Summary",
			Subject: "Visit Summary - {{date}}",
			Body: "Hello {{patient_name}},\n\n" +
				"Here is the summary of your visit on {{date}} with Dr. {{doctor_name}}:\n\n" +
				"{{summary}}\n\n" +
				"Best regards,\nMaterna Care Team",
			Type: TypeEmail,
		},
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Lookup returns a copy of the template with the given ID.
func (e *TemplateEngine) Lookup(templateID string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[templateID]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// Render looks up a template by ID and substitutes {{key}} placeholders
// from the supplied data map.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Lookup(templateID)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}
	subject, body = t.render(data)
	return subject, body, nil
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	return m.failure()
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Callers hold m.mu.
func (m *MockEmailSender) failure() error {
	if !m.ShouldFail {
		return nil
	}
	return errors.New(m.FailError)
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

// SendSMS records the call and optionally returns an error.
func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if !m.ShouldFail {
		return nil
	}
	return errors.New(m.FailError)
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Manager orchestrates sending, storage, and retrieval of notifications.
// Records live in memory; they are an operational aid, not an audit log.
type Manager struct {
	emailSender   EmailSender
	smsSender     SMSSender
	templates     *TemplateEngine
	mu            sync.RWMutex
	notifications map[string]*Notification
}

// NewManager constructs a Manager.
func NewManager(email EmailSender, sms SMSSender, tpl *TemplateEngine) *Manager {
	return &Manager{
		emailSender:   email,
		smsSender:     sms,
		templates:     tpl,
		notifications: make(map[string]*Notification),
	}
}

// Templates exposes the engine so callers can render or register without
// going through a send.
func (m *Manager) Templates() *TemplateEngine { return m.templates }

func (m *Manager) dispatch(ctx context.Context, n *Notification) error {
	switch n.Type {
	case TypeEmail:
		return m.emailSender.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case TypeSMS:
		return m.smsSender.SendSMS(ctx, n.Recipient, n.Body)
	default:
		return fmt.Errorf("unsupported notification type: %s", n.Type)
	}
}

// markOutcome stamps the delivery result onto the record.
func markOutcome(n *Notification, err error) {
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		return
	}
	now := time.Now().UTC()
	n.Status = StatusSent
	n.SentAt = &now
	n.Error = ""
}

// Send dispatches a notification through the appropriate channel, assigns an ID
// and timestamps, and persists the result in-memory. The record is kept on
// failure too so the caller can retry it later.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Priority == "" {
		n.Priority = "normal"
	}
	n.CreatedAt = time.Now().UTC()
	n.Status = StatusPending

	err := m.dispatch(ctx, n)
	markOutcome(n, err)

	m.mu.Lock()
	m.notifications[n.ID] = n
	m.mu.Unlock()

	return err
}

// SendFromTemplate renders a template and sends the resulting notification.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	tpl, ok := m.templates.Lookup(templateID)
	if !ok {
		return nil, fmt.Errorf("render template: template %q not found", templateID)
	}
	subject, body := tpl.render(data)

	n := &Notification{
		Type:         tpl.Type,
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
	}

	if err := m.Send(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// Get retrieves a notification by ID.
func (m *Manager) Get(_ context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	n, ok := m.notifications[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	return n, nil
}

// ListByRecipient returns notifications for a given recipient, newest first,
// up to limit.
func (m *Manager) ListByRecipient(_ context.Context, recipient string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	var matched []*Notification
	for _, n := range m.notifications {
		if n.Recipient == recipient {
			matched = append(matched, n)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Retry re-sends a failed notification. Returns an error if the notification is
// not in "failed" status.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.RLock()
	n, ok := m.notifications[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notification %q not found", id)
	}
	if n.Status != StatusFailed {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, n.Status)
	}

	err := m.dispatch(ctx, n)

	m.mu.Lock()
	markOutcome(n, err)
	m.mu.Unlock()

	return err
}

// Stats returns counts of notifications grouped by status.
func (m *Manager) Stats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range m.notifications {
		stats[n.Status]++
	}
	return stats
}

// Handler exposes notification operations over HTTP. The surface is an
// operational tool, so the whole group is admin-gated.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new Handler.
func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes registers all notification routes on the given Echo group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/notifications", auth.RequireRole("admin"))
	g.POST("/send", h.HandleSend)
	g.POST("/send-template", h.HandleSendTemplate)
	g.GET("/stats", h.HandleStats)
	g.GET("/:id", h.HandleGet)
	g.GET("", h.HandleList)
	g.POST("/:id/retry", h.HandleRetry)
}

// sendRequest is the JSON body for POST /notifications/send.
type sendRequest struct {
	Type      NotificationType  `json:"type"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Priority  string            `json:"priority"`
	Metadata  map[string]string `json:"metadata"`
}

// HandleSend handles POST /notifications/send. Delivery failures still
// return 201: the caller gets the record with its failed status and error,
// and can retry it by ID.
func (h *Handler) HandleSend(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.Recipient == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "recipient is required"})
	}

	n := &Notification{
		Type:      req.Type,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		Priority:  req.Priority,
		Metadata:  req.Metadata,
	}

	_ = h.manager.Send(c.Request().Context(), n)
	return c.JSON(http.StatusCreated, n)
}

// sendTemplateRequest is the JSON body for POST /notifications/send-template.
type sendTemplateRequest struct {
	TemplateID string            `json:"template_id"`
	Recipient  string            `json:"recipient"`
	Data       map[string]string `json:"data"`
}

// HandleSendTemplate handles POST /notifications/send-template.
func (h *Handler) HandleSendTemplate(c echo.Context) error {
	var req sendTemplateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	n, err := h.manager.SendFromTemplate(c.Request().Context(), req.TemplateID, req.Data, req.Recipient)
	if err != nil && n == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, n)
}

// HandleGet handles GET /notifications/:id.
func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, n)
}

// HandleList handles GET /notifications?recipient=...
func (h *Handler) HandleList(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "recipient query parameter is required"})
	}

	list, err := h.manager.ListByRecipient(c.Request().Context(), recipient, 100)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	if list == nil {
		list = []*Notification{}
	}
	return c.JSON(http.StatusOK, list)
}

// HandleRetry handles POST /notifications/:id/retry.
func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Retry(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	n, _ := h.manager.Get(c.Request().Context(), id)
	return c.JSON(http.StatusOK, n)
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats(c.Request().Context()))
}
