// Package doctormodule is the patient service's HTTP client for the
// doctor service's availability API. Slot state lives on the doctor
// side; this client is the only path the appointment orchestrator uses
// to read or change it.
package doctormodule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/materna-health/materna/internal/platform/auth"
	"github.com/materna-health/materna/internal/platform/metrics"
	"github.com/materna-health/materna/internal/platform/middleware"
)

var (
	// ErrRemoteUnavailable covers network failures, timeouts, 5xx replies,
	// and an open circuit breaker. Callers degrade instead of failing the
	// whole operation when they see it.
	ErrRemoteUnavailable = errors.New("doctor module unavailable")

	// ErrRemoteRejected means the doctor module answered and said no, for
	// example a slot that is already booked. The remote message is wrapped
	// into the error text.
	ErrRemoteRejected = errors.New("doctor module rejected the request")
)

// Slot is a bookable window inside a type group.
type Slot struct {
	SlotID    string `json:"slot_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	IsBooked  bool   `json:"is_booked"`
}

// TypeGroup is one appointment type offered on a day.
type TypeGroup struct {
	Type         string  `json:"type"`
	DurationMins int     `json:"duration_mins"`
	Price        float64 `json:"price"`
	Currency     string  `json:"currency"`
	Slots        []Slot  `json:"slots"`
}

// Day is one published availability day for a doctor.
type Day struct {
	AvailabilityID   string      `json:"availability_id"`
	DoctorID         string      `json:"doctor_id"`
	Date             string      `json:"date"`
	ConsultationType string      `json:"consultation_type"`
	Types            []TypeGroup `json:"types"`
}

type remoteResult struct {
	status int
	body   []byte
}

type envelope struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	Availability []Day  `json:"availability"`
}

// Client calls the doctor module with a per-call timeout and a circuit
// breaker so a dead doctor service cannot pile up patient requests.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[remoteResult]
	metrics *metrics.Collector
	log     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, col *metrics.Collector, log zerolog.Logger) *Client {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		metrics: col,
		log:     log.With().Str("component", "doctormodule").Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker[remoteResult](gobreaker.Settings{
		Name:        "doctor-module",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			if col != nil {
				col.CircuitBreakerState.Set(breakerState(to))
			}
		},
	})
	return c
}

func breakerState(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// do runs one HTTP exchange through the breaker. Transport errors and
// 5xx replies count as breaker failures; 4xx replies do not, since the
// remote is healthy and answering.
func (c *Client) do(ctx context.Context, method, target string, payload interface{}) (remoteResult, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return remoteResult{}, fmt.Errorf("encode request: %w", err)
		}
	}

	res, err := c.breaker.Execute(func() (remoteResult, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rd)
		if err != nil {
			return remoteResult{}, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := auth.RawTokenFromContext(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if rid := middleware.RequestIDFromContext(ctx); rid != "" {
			req.Header.Set(middleware.RequestIDHeader, rid)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return remoteResult{}, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return remoteResult{}, err
		}
		if resp.StatusCode >= 500 {
			return remoteResult{}, fmt.Errorf("doctor module returned HTTP %d", resp.StatusCode)
		}
		return remoteResult{status: resp.StatusCode, body: raw}, nil
	})
	if err != nil {
		return remoteResult{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return res, nil
}

// decode parses the shared response envelope and maps non-success
// replies to ErrRemoteRejected carrying the remote message.
func decode(res remoteResult) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(res.body, &env); err != nil {
		return nil, fmt.Errorf("%w: HTTP %d", ErrRemoteRejected, res.status)
	}
	if res.status >= 400 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", res.status)
		}
		return nil, fmt.Errorf("%w: %s", ErrRemoteRejected, msg)
	}
	return &env, nil
}

func (c *Client) record(operation string, err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case err == nil:
		c.metrics.RecordRemoteCall(operation, "ok")
	case errors.Is(err, ErrRemoteRejected):
		c.metrics.RecordRemoteCall(operation, "rejected")
	default:
		c.metrics.RecordRemoteCall(operation, "unavailable")
	}
}

// AvailabilityByDate fetches the published slot groups for one doctor
// and date from the doctor module's public mirror.
func (c *Client) AvailabilityByDate(ctx context.Context, doctorID, date, consultationType string) ([]Day, error) {
	target := fmt.Sprintf("%s/public/doctor/%s/availability/%s",
		c.base, url.PathEscape(doctorID), url.PathEscape(date))
	if consultationType != "" {
		target += "?consultation_type=" + url.QueryEscape(consultationType)
	}

	res, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.record("availability", err)
		return nil, err
	}
	env, err := decode(res)
	if err != nil {
		c.record("availability", err)
		return nil, err
	}
	c.record("availability", nil)
	return env.Availability, nil
}

// BookSlot asks the doctor module to book one slot for a patient. The
// caller's bearer token is forwarded from the request context.
func (c *Client) BookSlot(ctx context.Context, doctorID, date, slotID, patientID, appointmentID, consultationType string) error {
	target := fmt.Sprintf("%s/api/v1/doctor/%s/availability/%s/book-slot",
		c.base, url.PathEscape(doctorID), url.PathEscape(date))
	if consultationType != "" {
		target += "?consultation_type=" + url.QueryEscape(consultationType)
	}
	payload := map[string]string{
		"slot_id":        slotID,
		"patient_id":     patientID,
		"appointment_id": appointmentID,
	}

	res, err := c.do(ctx, http.MethodPost, target, payload)
	if err == nil {
		_, err = decode(res)
	}
	c.record("book_slot", err)
	return err
}

// CancelSlot frees a booked slot. Used when a patient cancels,
// reschedules, or deletes an appointment.
func (c *Client) CancelSlot(ctx context.Context, doctorID, date, slotID, appointmentID, reason, consultationType string) error {
	target := fmt.Sprintf("%s/api/v1/doctor/%s/availability/%s/%s/cancel",
		c.base, url.PathEscape(doctorID), url.PathEscape(date), url.PathEscape(slotID))
	if consultationType != "" {
		target += "?consultation_type=" + url.QueryEscape(consultationType)
	}
	payload := map[string]string{
		"appointment_id":      appointmentID,
		"cancellation_reason": reason,
	}

	res, err := c.do(ctx, http.MethodPost, target, payload)
	if err == nil {
		_, err = decode(res)
	}
	c.record("cancel_slot", err)
	return err
}

// DoctorName resolves a doctor's display name from the module's public
// directory. Reminder mail substitutes a generic salutation when this
// fails, so callers treat errors as soft.
func (c *Client) DoctorName(ctx context.Context, doctorID string) (string, error) {
	target := fmt.Sprintf("%s/public/doctors/%s", c.base, url.PathEscape(doctorID))

	res, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.record("doctor_profile", err)
		return "", err
	}
	if _, err := decode(res); err != nil {
		c.record("doctor_profile", err)
		return "", err
	}
	c.record("doctor_profile", nil)

	var payload struct {
		Doctor struct {
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		} `json:"doctor"`
	}
	if err := json.Unmarshal(res.body, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRemoteRejected, err)
	}
	name := strings.TrimSpace(payload.Doctor.FirstName + " " + payload.Doctor.LastName)
	if name == "" {
		return "", fmt.Errorf("%w: doctor profile has no name", ErrRemoteRejected)
	}
	return name, nil
}
