package appointment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/materna-health/materna/internal/platform/auth"
)

func newHandlerFixture(remote *fakeRemote) (*Handler, *mockRepo) {
	repo := newMockRepo()
	repo.patients["PAT1"] = &PatientRef{PatientID: "PAT1", Name: "Asha Verma", Email: "asha@example.com", Mobile: "9123456781"}
	return NewHandler(NewService(repo, remote, nil, zerolog.Nop())), repo
}

func doJSON(t *testing.T, h echo.HandlerFunc, method, target, body string, params map[string]string, userID string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if userID != "" {
		req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, userID))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	names := make([]string, 0, len(params))
	values := make([]string, 0, len(params))
	for k, v := range params {
		names = append(names, k)
		values = append(values, v)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	if err := h(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func bookingBody(date string) string {
	return fmt.Sprintf(`{
		"doctor_id": "DOC001",
		"appointment_date": %q,
		"appointment_time": "08:00",
		"appointment_type": "Online",
		"slot_id": "SLOT-A",
		"patient_notes": "first visit"
	}`, date)
}

func TestCreateAppointmentHandler(t *testing.T) {
	date := time.Now().AddDate(0, 0, 1).Format(dateLayout)
	remote := &fakeRemote{days: availabilityFixture(date)}
	h, _ := newHandlerFixture(remote)

	rec := doJSON(t, h.CreateAppointment, http.MethodPost, "/api/v1/patient/appointments", bookingBody(date), nil, "PAT1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["message"] != "appointment created and slot booked successfully" {
		t.Errorf("message = %v", body["message"])
	}
	appt := body["appointment"].(map[string]interface{})
	if appt["appointment_status"] != StatusBooked {
		t.Errorf("status = %v", appt["appointment_status"])
	}
	if appt["type"] != "Prenatal Checkup" {
		t.Errorf("visit type = %v", appt["type"])
	}
	if _, leaked := appt["reminder_sent_at"]; leaked {
		t.Errorf("internal reminder timestamp leaked: %v", appt)
	}
}

func TestCreateAppointmentHandlerDegraded(t *testing.T) {
	date := time.Now().AddDate(0, 0, 1).Format(dateLayout)
	remote := &fakeRemote{
		days:     availabilityFixture(date),
		bookErrs: map[string]error{"SLOT-A": fmt.Errorf("slot already booked")},
	}
	h, _ := newHandlerFixture(remote)

	rec := doJSON(t, h.CreateAppointment, http.MethodPost, "/api/v1/patient/appointments", bookingBody(date), nil, "PAT1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("degraded create must still be 201, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["message"] != "appointment created but slot booking failed" {
		t.Errorf("message = %v", body["message"])
	}
	appt := body["appointment"].(map[string]interface{})
	if appt["appointment_status"] != StatusNotBooked {
		t.Errorf("status = %v", appt["appointment_status"])
	}
}

func TestCreateAppointmentHandlerValidationFailure(t *testing.T) {
	date := time.Now().AddDate(0, 0, 1).Format(dateLayout)
	h, repo := newHandlerFixture(&fakeRemote{days: availabilityFixture(date)})

	body := strings.Replace(bookingBody(date), "SLOT-A", "SLOT-X", 1)
	rec := doJSON(t, h.CreateAppointment, http.MethodPost, "/api/v1/patient/appointments", body, nil, "PAT1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if msg, _ := resp["error"].(string); !strings.HasPrefix(msg, "slot validation failed") {
		t.Errorf("error = %v", resp["error"])
	}
	if len(repo.appts) != 0 {
		t.Errorf("failed validation left %d rows", len(repo.appts))
	}
}

func TestUpdateAppointmentHandlerImmutable(t *testing.T) {
	date := time.Now().AddDate(0, 0, 1).Format(dateLayout)
	h, repo := newHandlerFixture(&fakeRemote{days: availabilityFixture(date)})
	seed(t, repo, "a1", "PAT1", StatusConfirmed, date, "09:00")

	rec := doJSON(t, h.UpdateAppointment, http.MethodPut, "/api/v1/patient/appointments/a1",
		`{"slot_id": "SLOT-B"}`, map[string]string{"appointmentID": "a1"}, "PAT1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["action_required"] != "cancel_and_recreate" {
		t.Errorf("action_required = %v", body["action_required"])
	}
}

func TestUpdateAppointmentHandlerCompensationConflict(t *testing.T) {
	date := time.Now().AddDate(0, 0, 1).Format(dateLayout)
	remote := &fakeRemote{
		days: availabilityFixture(date),
		bookErrs: map[string]error{
			"SLOT-A": fmt.Errorf("slot already booked"),
			"SLOT-B": fmt.Errorf("slot already booked"),
		},
	}
	h, repo := newHandlerFixture(remote)
	seed(t, repo, "a1", "PAT1", StatusBooked, date, "09:00")
	repo.appts["a1"].SlotID = "SLOT-A"

	rec := doJSON(t, h.UpdateAppointment, http.MethodPut, "/api/v1/patient/appointments/a1",
		`{"slot_id": "SLOT-B"}`, map[string]string{"appointmentID": "a1"}, "PAT1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCancelAppointmentHandler(t *testing.T) {
	date := time.Now().AddDate(0, 0, 1).Format(dateLayout)
	h, repo := newHandlerFixture(&fakeRemote{})
	seed(t, repo, "a1", "PAT1", StatusBooked, date, "09:00")

	rec := doJSON(t, h.CancelAppointment, http.MethodDelete, "/api/v1/patient/appointments/a1",
		"", map[string]string{"appointmentID": "a1"}, "PAT1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["message"] != "appointment cancelled successfully" || body["appointment_id"] != "a1" {
		t.Errorf("body = %v", body)
	}

	rec = doJSON(t, h.CancelAppointment, http.MethodDelete, "/api/v1/patient/appointments/a1",
		"", map[string]string{"appointmentID": "a1"}, "PAT1")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second cancel status = %d, want 404", rec.Code)
	}
}

func TestPatientListHandlers(t *testing.T) {
	h, repo := newHandlerFixture(&fakeRemote{})
	yesterday := time.Now().AddDate(0, 0, -1).Format(dateLayout)
	tomorrow := time.Now().AddDate(0, 0, 1).Format(dateLayout)
	seed(t, repo, "a1", "PAT1", StatusCompleted, yesterday, "09:00")
	seed(t, repo, "a2", "PAT1", StatusBooked, tomorrow, "10:00")

	rec := doJSON(t, h.UpcomingAppointments, http.MethodGet, "/api/v1/patient/appointments/upcoming", "", nil, "PAT1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total_count"] != float64(1) || body["patient_id"] != "PAT1" {
		t.Errorf("upcoming body = %v", body)
	}

	rec = doJSON(t, h.AppointmentHistory, http.MethodGet, "/api/v1/patient/appointments/history?status=completed", "", nil, "PAT1")
	body = decodeBody(t, rec)
	if body["total_count"] != float64(1) {
		t.Errorf("history count = %v", body["total_count"])
	}
	filters := body["filters_applied"].(map[string]interface{})
	if filters["status"] != "completed" {
		t.Errorf("filters = %v", filters)
	}

	rec = doJSON(t, h.ListAppointments, http.MethodGet, "/api/v1/patient/appointments", "", nil, "PAT2")
	body = decodeBody(t, rec)
	if body["total_count"] != float64(0) {
		t.Errorf("other patient sees %v rows", body["total_count"])
	}
	if _, ok := body["appointments"].([]interface{}); !ok {
		t.Errorf("appointments must be an empty list, got %T", body["appointments"])
	}
}

func TestDoctorHandlers(t *testing.T) {
	h, repo := newHandlerFixture(&fakeRemote{})
	tomorrow := time.Now().AddDate(0, 0, 1).Format(dateLayout)
	seed(t, repo, "a1", "PAT1", StatusBooked, tomorrow, "09:00")

	rec := doJSON(t, h.PendingAppointments, http.MethodGet, "/api/v1/doctor/appointments/pending", "", nil, "DOC001")
	body := decodeBody(t, rec)
	if body["total_count"] != float64(1) {
		t.Fatalf("pending = %v", body)
	}
	pending := body["pending_appointments"].([]interface{})
	first := pending[0].(map[string]interface{})
	if first["patient_name"] != "Asha Verma" || first["patient_mobile"] != "9123456781" {
		t.Errorf("joined patient detail = %v", first)
	}

	rec = doJSON(t, h.Approve, http.MethodPost, "/api/v1/doctor/appointments/a1/approve",
		`{"doctor_notes": "come fasting"}`, map[string]string{"appointmentID": "a1"}, "DOC001")
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d", rec.Code)
	}
	appt := decodeBody(t, rec)["appointment"].(map[string]interface{})
	if appt["appointment_status"] != StatusConfirmed || appt["approved_by"] != "DOC001" {
		t.Errorf("approved = %v", appt)
	}

	rec = doJSON(t, h.Reject, http.MethodPost, "/api/v1/doctor/appointments/a1/reject",
		`{}`, map[string]string{"appointmentID": "a1"}, "DOC001")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reject without reason status = %d", rec.Code)
	}

	rec = doJSON(t, h.Statistics, http.MethodGet, "/api/v1/doctor/appointments/statistics", "", nil, "DOC001")
	stats := decodeBody(t, rec)["statistics"].(map[string]interface{})
	if stats["total_appointments"] != float64(1) || stats["confirmed"] != float64(1) {
		t.Errorf("stats = %v", stats)
	}

	rec = doJSON(t, h.DoctorCreate, http.MethodPost, "/api/v1/doctor/appointments",
		fmt.Sprintf(`{"patient_id": "PAT1", "appointment_date": %q, "appointment_time": "15:00", "appointment_type": "In-Person"}`, tomorrow),
		nil, "DOC001")
	if rec.Code != http.StatusCreated {
		t.Fatalf("doctor create status = %d body = %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)["appointment"].(map[string]interface{})
	if created["appointment_status"] != StatusScheduled || created["created_by"] != "doctor" {
		t.Errorf("doctor-created = %v", created)
	}

	rec = doJSON(t, h.DoctorCreate, http.MethodPost, "/api/v1/doctor/appointments",
		fmt.Sprintf(`{"patient_id": "PAT9", "appointment_date": %q, "appointment_time": "15:00", "appointment_type": "In-Person"}`, tomorrow),
		nil, "DOC001")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown patient status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, h.DoctorList, http.MethodGet, "/api/v1/doctor/appointments?patient_id=PAT1&limit=1", "", nil, "DOC001")
	body = decodeBody(t, rec)
	if body["total_count"] != float64(2) || body["has_more"] != true {
		t.Errorf("doctor list = %v", body)
	}
}
