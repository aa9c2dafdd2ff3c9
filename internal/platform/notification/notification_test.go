package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestManager() (*Manager, *MockEmailSender, *MockSMSSender) {
	emailMock := &MockEmailSender{}
	smsMock := &MockSMSSender{}
	return NewManager(emailMock, smsMock, NewTemplateEngine()), emailMock, smsMock
}

func postJSON(e *echo.Echo, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func sendViaHandler(t *testing.T, e *echo.Echo, h *Handler, body string) map[string]interface{} {
	t.Helper()
	c, rec := postJSON(e, "/notifications/send", body)
	if err := h.HandleSend(c); err != nil {
		t.Fatalf("send: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("send status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode send response: %v", err)
	}
	return resp
}

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Name:    "Test Template",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
		Type:    TypeEmail,
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_UnknownTemplate(t *testing.T) {
	eng := NewTemplateEngine()

	if _, _, err := eng.Render("nonexistent", nil); err == nil {
		t.Error("expected render error for missing template")
	}
	if _, ok := eng.Lookup("nonexistent"); ok {
		t.Error("expected lookup miss for unknown id")
	}
}

func TestTemplateEngine_BuiltInTemplatesResolve(t *testing.T) {
	eng := NewTemplateEngine()
	data := map[string]string{
		"patient_name": "Test",
		"date":         "2026-01-01",
		"time":         "10:00",
		"type":         "video",
		"doctor_name":  "Dr. Iyer",
		"reason":       "Doctor unavailable",
		"summary":      "All good",
	}

	for _, id := range []string{
		"appointment-reminder",
		"appointment-cancelled",
		"day-cancelled",
		"visit-summary",
	} {
		t.Run(id, func(t *testing.T) {
			tpl, ok := eng.Lookup(id)
			if !ok {
				t.Fatalf("built-in template %q not registered", id)
			}
			if tpl.Type != TypeEmail {
				t.Errorf("type = %q, want %q", tpl.Type, TypeEmail)
			}

			subject, body, err := eng.Render(id, data)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if strings.Contains(subject, "{{") || strings.Contains(body, "{{") {
				t.Errorf("unresolved placeholder in %q:\n%s\n%s", id, subject, body)
			}
		})
	}
}

func TestTemplateEngine_ReminderFormat(t *testing.T) {
	eng := NewTemplateEngine()
	subject, body, err := eng.Render("appointment-reminder", map[string]string{
		"patient_name": "Asha Rao",
		"date":         "Monday, September 14, 2026",
		"time":         "10:30",
		"type":         "video",
		"doctor_name":  "Dr. Meera Iyer",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	wantSubject := "Appointment Reminder - Monday, September 14, 2026 at 10:30"
	if subject != wantSubject {
		t.Errorf("subject = %q, want %q", subject, wantSubject)
	}

	wantBody := "Hello Asha Rao,\n\n" +
		"This is a reminder for your upcoming appointment:\n\n" +
		"Date: Monday, September 14, 2026\n" +
		"Time: 10:30\n" +
		"Type: video\n" +
		"Doctor: Dr. Meera Iyer\n\n" +
		"Please arrive 10 minutes early for check-in.\n\n" +
		"If you need to reschedule, please contact us.\n\n" +
		"Best regards,\nMaterna Care Team"
	if body != wantBody {
		t.Errorf("body mismatch:\n--- got ---\n%s\n--- want ---\n%s", body, wantBody)
	}
}

func TestTemplateEngine_UnmatchedPlaceholderKept(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "partial-tpl",
		Name:    "Partial",
		Subject: "Hi {{name}}",
		Body:    "Your code is {{code}} and token is {{token}}.",
		Type:    TypeEmail,
	})

	subject, body, err := eng.Render("partial-tpl", map[string]string{
		"name": "Bob",
		"code": "5678",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if subject != "Hi Bob" {
		t.Errorf("subject = %q, want %q", subject, "Hi Bob")
	}
	if want := "Your code is 5678 and token is {{token}}."; body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(zerolog.Nop())
	if err := s.SendEmail(context.Background(), "a@example.com", "Subject", "Body"); err != nil {
		t.Fatalf("email: %v", err)
	}
	if err := s.SendSMS(context.Background(), "+15551234567", "Body"); err != nil {
		t.Fatalf("sms: %v", err)
	}
}

func TestManager_SendRoutesByChannel(t *testing.T) {
	t.Run("email", func(t *testing.T) {
		mgr, emailMock, _ := newTestManager()
		n := &Notification{
			Type:      TypeEmail,
			Recipient: "alice@example.com",
			Subject:   "Test Subject",
			Body:      "Test Body",
			Priority:  "normal",
		}

		if err := mgr.Send(context.Background(), n); err != nil {
			t.Fatalf("send: %v", err)
		}
		if n.Status != StatusSent {
			t.Errorf("status = %q, want %q", n.Status, StatusSent)
		}
		if n.SentAt == nil {
			t.Error("SentAt should be set after successful send")
		}
		calls := emailMock.Calls()
		if len(calls) != 1 {
			t.Fatalf("email calls = %d, want 1", len(calls))
		}
		if calls[0].To != "alice@example.com" || calls[0].Subject != "Test Subject" || calls[0].Body != "Test Body" {
			t.Errorf("unexpected email call: %+v", calls[0])
		}
	})

	t.Run("sms", func(t *testing.T) {
		mgr, _, smsMock := newTestManager()
		n := &Notification{
			Type:      TypeSMS,
			Recipient: "+15551234567",
			Body:      "Your code is 1234",
			Priority:  "high",
		}

		if err := mgr.Send(context.Background(), n); err != nil {
			t.Fatalf("send: %v", err)
		}
		if n.Status != StatusSent {
			t.Errorf("status = %q, want %q", n.Status, StatusSent)
		}
		calls := smsMock.Calls()
		if len(calls) != 1 {
			t.Fatalf("sms calls = %d, want 1", len(calls))
		}
		if calls[0].To != "+15551234567" || calls[0].Body != "Your code is 1234" {
			t.Errorf("unexpected sms call: %+v", calls[0])
		}
	})

	t.Run("unsupported channel", func(t *testing.T) {
		mgr, _, _ := newTestManager()
		n := &Notification{Type: "push", Recipient: "p@example.com", Body: "B"}

		if err := mgr.Send(context.Background(), n); err == nil {
			t.Fatal("expected error for unsupported type")
		}
		if n.Status != StatusFailed {
			t.Errorf("status = %q, want %q", n.Status, StatusFailed)
		}
	})
}

func TestManager_SendDefaultsPriority(t *testing.T) {
	mgr, _, _ := newTestManager()

	n := &Notification{Type: TypeEmail, Recipient: "p@example.com", Subject: "S", Body: "B"}
	if err := mgr.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n.Priority != "normal" {
		t.Errorf("priority = %q, want %q", n.Priority, "normal")
	}
}

func TestManager_SendFailureRecorded(t *testing.T) {
	emailMock := &MockEmailSender{ShouldFail: true, FailError: "SMTP connection refused"}
	mgr := NewManager(emailMock, &MockSMSSender{}, NewTemplateEngine())

	n := &Notification{
		Type:      TypeEmail,
		Recipient: "fail@example.com",
		Subject:   "Will Fail",
		Body:      "This should fail",
	}

	if err := mgr.Send(context.Background(), n); err == nil {
		t.Fatal("expected error from failed send")
	}
	if n.Status != StatusFailed {
		t.Errorf("status = %q, want %q", n.Status, StatusFailed)
	}
	if n.Error != "SMTP connection refused" {
		t.Errorf("error = %q, want the sender error", n.Error)
	}
}

func TestManager_SendFromTemplate(t *testing.T) {
	mgr, _, _ := newTestManager()

	n, err := mgr.SendFromTemplate(context.Background(), "appointment-reminder", map[string]string{
		"patient_name": "Alice",
		"date":         "2026-03-01",
		"time":         "14:00",
		"type":         "clinic_visit",
		"doctor_name":  "Dr. Smith",
	}, "alice@example.com")
	if err != nil {
		t.Fatalf("send from template: %v", err)
	}
	if n.Status != StatusSent {
		t.Errorf("status = %q, want %q", n.Status, StatusSent)
	}
	if n.TemplateID != "appointment-reminder" {
		t.Errorf("templateID = %q, want appointment-reminder", n.TemplateID)
	}
	if !strings.Contains(n.Body, "Alice") {
		t.Errorf("body should contain the patient name, got %q", n.Body)
	}
	if n.Priority != "normal" {
		t.Errorf("priority = %q, want normal", n.Priority)
	}
}

func TestManager_SendFromTemplateMissing(t *testing.T) {
	mgr, _, _ := newTestManager()

	n, err := mgr.SendFromTemplate(context.Background(), "nonexistent", nil, "x@example.com")
	if err == nil {
		t.Fatal("expected error for missing template")
	}
	if n != nil {
		t.Errorf("expected nil notification, got %+v", n)
	}
}

func TestManager_Get(t *testing.T) {
	mgr, _, _ := newTestManager()

	n := &Notification{Type: TypeEmail, Recipient: "get@example.com", Subject: "Get", Body: "Body"}
	_ = mgr.Send(context.Background(), n)

	got, err := mgr.Get(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != n.ID {
		t.Errorf("ID = %q, want %q", got.ID, n.ID)
	}

	if _, err := mgr.Get(context.Background(), "nonexistent-id"); err == nil {
		t.Error("expected error for nonexistent notification")
	}
}

func TestManager_ListByRecipient(t *testing.T) {
	mgr, _, _ := newTestManager()

	for i := 0; i < 5; i++ {
		_ = mgr.Send(context.Background(), &Notification{
			Type:      TypeEmail,
			Recipient: "list@example.com",
			Subject:   "List Test",
			Body:      "Body",
		})
	}
	_ = mgr.Send(context.Background(), &Notification{
		Type:      TypeEmail,
		Recipient: "other@example.com",
		Subject:   "Other",
		Body:      "Other Body",
	})

	list, err := mgr.ListByRecipient(context.Background(), "list@example.com", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 5 {
		t.Errorf("len = %d, want 5", len(list))
	}

	capped, err := mgr.ListByRecipient(context.Background(), "list@example.com", 3)
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(capped) != 3 {
		t.Errorf("len = %d, want 3", len(capped))
	}
}

func TestManager_ListByRecipientNewestFirst(t *testing.T) {
	mgr, _, _ := newTestManager()
	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"n-a", "n-b", "n-c"} {
		mgr.notifications[id] = &Notification{
			ID:        id,
			Type:      TypeEmail,
			Recipient: "order@example.com",
			Status:    StatusSent,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}

	list, err := mgr.ListByRecipient(context.Background(), "order@example.com", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "n-c" || list[1].ID != "n-b" {
		t.Errorf("list = %+v, want n-c then n-b", list)
	}
}

func TestManager_Retry(t *testing.T) {
	emailMock := &MockEmailSender{ShouldFail: true, FailError: "temporary failure"}
	mgr := NewManager(emailMock, &MockSMSSender{}, NewTemplateEngine())

	n := &Notification{Type: TypeEmail, Recipient: "retry@example.com", Subject: "Retry", Body: "Body"}
	_ = mgr.Send(context.Background(), n)
	if n.Status != StatusFailed {
		t.Fatalf("status = %q, want failed before retry", n.Status)
	}

	emailMock.ShouldFail = false

	if err := mgr.Retry(context.Background(), n.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, _ := mgr.Get(context.Background(), n.ID)
	if got.Status != StatusSent {
		t.Errorf("status = %q, want %q after retry", got.Status, StatusSent)
	}
	if got.SentAt == nil {
		t.Error("SentAt should be set after successful retry")
	}
	if got.Error != "" {
		t.Errorf("error should be cleared after retry, got %q", got.Error)
	}

	// The record is no longer failed, so a second retry is rejected.
	if err := mgr.Retry(context.Background(), n.ID); err == nil {
		t.Error("expected error when retrying a sent notification")
	}
	if err := mgr.Retry(context.Background(), "unknown-id"); err == nil {
		t.Error("expected error when retrying an unknown id")
	}
}

func TestManager_Stats(t *testing.T) {
	mgr, emailMock, _ := newTestManager()

	for i := 0; i < 3; i++ {
		_ = mgr.Send(context.Background(), &Notification{
			Type:      TypeEmail,
			Recipient: "stats@example.com",
			Subject:   "Stats",
			Body:      "Body",
		})
	}

	emailMock.ShouldFail = true
	emailMock.FailError = "fail"
	for i := 0; i < 2; i++ {
		_ = mgr.Send(context.Background(), &Notification{
			Type:      TypeEmail,
			Recipient: "stats@example.com",
			Subject:   "Stats Fail",
			Body:      "Body",
		})
	}

	stats := mgr.Stats(context.Background())
	if stats[StatusSent] != 3 {
		t.Errorf("sent = %d, want 3", stats[StatusSent])
	}
	if stats[StatusFailed] != 2 {
		t.Errorf("failed = %d, want 2", stats[StatusFailed])
	}
}

func TestManager_ConcurrentSend(t *testing.T) {
	mgr, _, _ := newTestManager()

	const count = 50
	var wg sync.WaitGroup
	wg.Add(count)
	for i := 0; i < count; i++ {
		go func() {
			defer wg.Done()
			_ = mgr.Send(context.Background(), &Notification{
				Type:      TypeEmail,
				Recipient: "concurrent@example.com",
				Subject:   "Concurrent",
				Body:      "Body",
			})
		}()
	}
	wg.Wait()

	stats := mgr.Stats(context.Background())
	if stats[StatusSent] != count {
		t.Errorf("sent = %d, want %d", stats[StatusSent], count)
	}
}

func setupHandler() (*Handler, *echo.Echo) {
	mgr, _, _ := newTestManager()
	return NewHandler(mgr), echo.New()
}

func TestHandler_Send(t *testing.T) {
	h, e := setupHandler()

	resp := sendViaHandler(t, e, h,
		`{"type":"email","recipient":"handler@example.com","subject":"Handler Test","body":"Handler Body","priority":"normal"}`)
	if resp["status"] != StatusSent {
		t.Errorf("response status = %v, want %q", resp["status"], StatusSent)
	}
	if resp["id"] == "" {
		t.Error("expected an assigned id in the response")
	}
}

func TestHandler_SendRequiresRecipient(t *testing.T) {
	h, e := setupHandler()

	c, rec := postJSON(e, "/notifications/send", `{"type":"email","subject":"No recipient","body":"Body"}`)
	if err := h.HandleSend(c); err != nil {
		t.Fatalf("send: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_SendFailedStillRecorded(t *testing.T) {
	emailMock := &MockEmailSender{ShouldFail: true, FailError: "relay down"}
	mgr := NewManager(emailMock, &MockSMSSender{}, NewTemplateEngine())
	h := NewHandler(mgr)
	e := echo.New()

	resp := sendViaHandler(t, e, h, `{"type":"email","recipient":"down@example.com","subject":"S","body":"B"}`)
	if resp["status"] != StatusFailed {
		t.Errorf("status = %v, want %q", resp["status"], StatusFailed)
	}
	if resp["error"] != "relay down" {
		t.Errorf("error = %v, want the delivery error", resp["error"])
	}
}

func TestHandler_SendTemplate(t *testing.T) {
	h, e := setupHandler()

	body := `{"template_id":"appointment-reminder","recipient":"tpl@example.com","data":{"patient_name":"Alice","date":"2026-03-01","time":"14:00","type":"video","doctor_name":"Dr. Smith"}}`
	c, rec := postJSON(e, "/notifications/send-template", body)
	if err := h.HandleSendTemplate(c); err != nil {
		t.Fatalf("send template: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_SendTemplateUnknownID(t *testing.T) {
	h, e := setupHandler()

	c, rec := postJSON(e, "/notifications/send-template", `{"template_id":"nope","recipient":"x@example.com"}`)
	if err := h.HandleSendTemplate(c); err != nil {
		t.Fatalf("send template: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_Get(t *testing.T) {
	h, e := setupHandler()

	sent := sendViaHandler(t, e, h,
		`{"type":"email","recipient":"gethandler@example.com","subject":"Get","body":"Get Body"}`)
	id := sent["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/notifications/"+id, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/notifications/:id")
	c.SetParamNames("id")
	c.SetParamValues(id)

	if err := h.HandleGet(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["id"] != id {
		t.Errorf("id = %v, want %v", got["id"], id)
	}
}

func TestHandler_List(t *testing.T) {
	h, e := setupHandler()

	for i := 0; i < 2; i++ {
		sendViaHandler(t, e, h,
			`{"type":"email","recipient":"listhandler@example.com","subject":"List","body":"Body"}`)
	}

	req := httptest.NewRequest(http.MethodGet, "/notifications?recipient=listhandler@example.com", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.HandleList(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var list []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("len = %d, want 2", len(list))
	}
}

func TestHandler_ListRequiresRecipient(t *testing.T) {
	h, e := setupHandler()

	req := httptest.NewRequest(http.MethodGet, "/notifications", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.HandleList(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_Retry(t *testing.T) {
	emailMock := &MockEmailSender{ShouldFail: true, FailError: "temp error"}
	mgr := NewManager(emailMock, &MockSMSSender{}, NewTemplateEngine())
	h := NewHandler(mgr)
	e := echo.New()

	sent := sendViaHandler(t, e, h,
		`{"type":"email","recipient":"retry@example.com","subject":"Retry","body":"Body"}`)
	id := sent["id"].(string)

	emailMock.ShouldFail = false

	req := httptest.NewRequest(http.MethodPost, "/notifications/"+id+"/retry", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/notifications/:id/retry")
	c.SetParamNames("id")
	c.SetParamValues(id)

	if err := h.HandleRetry(c); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != StatusSent {
		t.Errorf("status after retry = %v, want %q", got["status"], StatusSent)
	}
}

func TestHandler_Stats(t *testing.T) {
	h, e := setupHandler()

	for i := 0; i < 3; i++ {
		sendViaHandler(t, e, h,
			`{"type":"email","recipient":"stats@example.com","subject":"Stats","body":"Body"}`)
	}

	req := httptest.NewRequest(http.MethodGet, "/notifications/stats", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.HandleStats(c); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var stats map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats[StatusSent] != 3 {
		t.Errorf("sent = %d, want 3", stats[StatusSent])
	}
}
