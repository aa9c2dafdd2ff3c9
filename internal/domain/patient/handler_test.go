package patient

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

	"github.com/materna-health/materna/internal/platform/auth"
)

func newHandlerFixture() (*Handler, *mockRepo) {
	repo := newMockRepo()
	tokens := auth.NewTokenIssuer([]byte("test-secret"), "materna", time.Hour)
	return NewHandler(NewService(repo, tokens)), repo
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

const registerBody = `{
	"username": "asha",
	"email": "asha@example.com",
	"mobile": "9123456780",
	"password": "secret123"
}`

func intakeBody(lastPeriod string) string {
	return fmt.Sprintf(`{
		"first_name": "asha",
		"last_name": "verma",
		"date_of_birth": "1996-04-18",
		"blood_type": "o+",
		"gender": "female",
		"emergency_contact_name": "ravi verma",
		"emergency_contact_phone": "9123456781",
		"emergency_contact_relationship": "spouse",
		"address": "12 lake road, pune",
		"height": 162,
		"weight": 58,
		"is_pregnant": true,
		"last_period_date": %q,
		"allergies": ["penicillin"]
	}`, lastPeriod)
}

func TestRegisterAndLoginHandlers(t *testing.T) {
	h, _ := newHandlerFixture()

	rec := doJSON(t, h.Register, http.MethodPost, "/", registerBody, nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	patientID, _ := body["patient_id"].(string)
	if !strings.HasPrefix(patientID, "PAT") {
		t.Errorf("patient_id = %q", patientID)
	}
	if body["username"] != "Asha" {
		t.Errorf("username = %v, want capitalized", body["username"])
	}

	rec = doJSON(t, h.Login, http.MethodPost, "/",
		`{"login_identifier": "asha@example.com", "password": "secret123"}`, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body = decodeBody(t, rec)
	if token, _ := body["token"].(string); token == "" {
		t.Error("empty token")
	}
	user, _ := body["user"].(map[string]interface{})
	if user == nil || user["role"] != "patient" {
		t.Errorf("user envelope = %v", body["user"])
	}

	rec = doJSON(t, h.Login, http.MethodPost, "/",
		`{"login_identifier": "asha@example.com", "password": "oops"}`, nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", rec.Code)
	}
}

func TestCompleteProfileHandler(t *testing.T) {
	h, _ := newHandlerFixture()
	rec := doJSON(t, h.Register, http.MethodPost, "/", registerBody, nil, "")
	patientID := decodeBody(t, rec)["patient_id"].(string)

	lmp := time.Now().UTC().AddDate(0, 0, -70).Format("2006-01-02")
	rec = doJSON(t, h.CompleteProfile, http.MethodPost, "/", intakeBody(lmp), nil, patientID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	patient, _ := decodeBody(t, rec)["patient"].(map[string]interface{})
	if patient["is_profile_complete"] != true {
		t.Errorf("is_profile_complete = %v", patient["is_profile_complete"])
	}
	if patient["pregnancy_week"] != float64(10) {
		t.Errorf("pregnancy_week = %v", patient["pregnancy_week"])
	}
	if patient["gender"] != "Female" {
		t.Errorf("gender = %v", patient["gender"])
	}

	rec = doJSON(t, h.CompleteProfile, http.MethodPost, "/",
		`{"first_name": "asha"}`, nil, patientID)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("partial intake status = %d", rec.Code)
	}
}

func TestProfileLifecycleHandlers(t *testing.T) {
	h, _ := newHandlerFixture()
	rec := doJSON(t, h.Register, http.MethodPost, "/", registerBody, nil, "")
	patientID := decodeBody(t, rec)["patient_id"].(string)

	rec = doJSON(t, h.GetProfile, http.MethodGet, "/", "", nil, patientID)
	if rec.Code != http.StatusOK {
		t.Fatalf("get profile status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["trimester"] != float64(0) {
		t.Errorf("trimester = %v", body["trimester"])
	}
	patient, _ := body["patient"].(map[string]interface{})
	if _, leaked := patient["password_hash"]; leaked {
		t.Error("password hash leaked in profile response")
	}

	rec = doJSON(t, h.EditProfile, http.MethodPut, "/",
		`{"address": "44 hill street, pune"}`, nil, patientID)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h.DeleteAccount, http.MethodDelete, "/", "", nil, patientID)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h.GetProfile, http.MethodGet, "/", "", nil, patientID)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("profile after delete status = %d", rec.Code)
	}
}

func TestCareProfileHandler(t *testing.T) {
	h, _ := newHandlerFixture()
	rec := doJSON(t, h.Register, http.MethodPost, "/", registerBody, nil, "")
	patientID := decodeBody(t, rec)["patient_id"].(string)

	rec = doJSON(t, h.CareProfile, http.MethodGet, "/", "",
		map[string]string{"patientID": patientID}, "DOC1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	patient, _ := decodeBody(t, rec)["patient"].(map[string]interface{})
	if patient["patient_id"] != patientID {
		t.Errorf("patient_id = %v", patient["patient_id"])
	}

	rec = doJSON(t, h.CareProfile, http.MethodGet, "/", "",
		map[string]string{"patientID": "PATMISSING"}, "DOC1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing patient status = %d", rec.Code)
	}
}
