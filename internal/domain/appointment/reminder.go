package appointment

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/materna-health/materna/internal/platform/metrics"
	"github.com/materna-health/materna/internal/platform/notification"
)

const (
	reminderTemplateID = "appointment-reminder"

	// reminderDateLayout is the long form used in reminder mail,
	// e.g. "Monday, September 14, 2026".
	reminderDateLayout = "Monday, January 02, 2006"
)

// DoctorDirectory resolves doctor display names for reminder mail. The
// doctor module client satisfies it.
type DoctorDirectory interface {
	DoctorName(ctx context.Context, doctorID string) (string, error)
}

// ReminderWorker mails patients about appointments inside the lookahead
// window and stamps each one so it is never mailed twice. Appointments
// with no patient email are skipped without a stamp; a failed send is
// also left unstamped so the next sweep retries it.
type ReminderWorker struct {
	svc       *Service
	notifs    *notification.Manager
	doctors   DoctorDirectory
	lookahead time.Duration
	metrics   *metrics.Collector
	log       zerolog.Logger
}

func NewReminderWorker(svc *Service, notifs *notification.Manager, doctors DoctorDirectory, lookahead time.Duration, col *metrics.Collector, log zerolog.Logger) *ReminderWorker {
	if lookahead <= 0 {
		lookahead = 24 * time.Hour
	}
	return &ReminderWorker{
		svc:       svc,
		notifs:    notifs,
		doctors:   doctors,
		lookahead: lookahead,
		metrics:   col,
		log:       log.With().Str("component", "reminder").Logger(),
	}
}

// ReminderRun summarizes one sweep.
type ReminderRun struct {
	Due     int `json:"due"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// RunOnce sweeps the window [now, now+lookahead] once.
func (w *ReminderWorker) RunOnce(ctx context.Context) (ReminderRun, error) {
	now := time.Now()
	from := now.Format(dateLayout)
	to := now.Add(w.lookahead).Format(dateLayout)

	due, err := w.svc.DueReminders(ctx, from, to)
	if err != nil {
		return ReminderRun{}, err
	}

	run := ReminderRun{Due: len(due)}
	names := map[string]string{}
	for _, appt := range due {
		if appt.PatientEmail == "" {
			w.log.Warn().
				Str("appointment_id", appt.AppointmentID).
				Str("patient_id", appt.PatientID).
				Msg("reminder skipped, patient has no email")
			run.Skipped++
			continue
		}

		data := w.reminderData(ctx, appt, names)
		if _, err := w.notifs.SendFromTemplate(ctx, reminderTemplateID, data, appt.PatientEmail); err != nil {
			w.log.Error().Err(err).
				Str("appointment_id", appt.AppointmentID).
				Msg("reminder send failed")
			run.Failed++
			continue
		}

		if err := w.svc.MarkReminded(ctx, appt.AppointmentID); err != nil {
			w.log.Error().Err(err).
				Str("appointment_id", appt.AppointmentID).
				Msg("reminder sent but not stamped, it may repeat")
		}
		w.metrics.RecordReminderSent()
		run.Sent++
		w.log.Info().
			Str("appointment_id", appt.AppointmentID).
			Str("date", appt.AppointmentDate).
			Str("time", appt.AppointmentTime).
			Msg("reminder sent")
	}
	return run, nil
}

// Run sweeps immediately and then on every tick until the context is
// cancelled.
func (w *ReminderWorker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("reminder sweep failed")
		} else {
			w.log.Info().
				Int("due", run.Due).
				Int("sent", run.Sent).
				Int("failed", run.Failed).
				Int("skipped", run.Skipped).
				Msg("reminder sweep complete")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *ReminderWorker) reminderData(ctx context.Context, appt *WithPatient, names map[string]string) map[string]string {
	date := appt.AppointmentDate
	if d, err := time.Parse(dateLayout, date); err == nil {
		date = d.Format(reminderDateLayout)
	}

	visitType := appt.VisitType
	if visitType == "" {
		visitType = appt.AppointmentType
	}
	if visitType == "" {
		visitType = "Consultation"
	}

	return map[string]string{
		"patient_name": appt.PatientName,
		"date":         date,
		"time":         appt.AppointmentTime,
		"type":         visitType,
		"doctor_name":  w.doctorName(ctx, appt.DoctorID, names),
	}
}

// doctorName memoizes directory lookups per sweep. Any failure falls
// back to a generic salutation so reminders still go out.
func (w *ReminderWorker) doctorName(ctx context.Context, doctorID string, names map[string]string) string {
	const fallback = "Your Doctor"
	if doctorID == "" {
		return fallback
	}
	if name, ok := names[doctorID]; ok {
		return name
	}

	name := fallback
	if w.doctors != nil {
		n, err := w.doctors.DoctorName(ctx, doctorID)
		switch {
		case err != nil:
			w.log.Warn().Err(err).Str("doctor_id", doctorID).Msg("doctor lookup failed, using fallback name")
		case n != "":
			name = n
		}
	}
	names[doctorID] = name
	return name
}
