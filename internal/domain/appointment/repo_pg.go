package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/materna-health/materna/internal/platform/db"
	"github.com/materna-health/materna/pkg/pagination"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// All queries alias the table as "a" so the same column list serves
// plain selects and the patient join.
const apptCols = `a.id, a.appointment_id, a.patient_id, a.doctor_id,
	a.appointment_date, a.appointment_time, a.end_time, a.visit_type, a.appointment_type, a.appointment_status,
	a.notes, a.patient_notes, a.doctor_notes,
	a.requested_by, a.created_by, a.approved_by, a.rejected_by, a.rejection_reason,
	a.slot_id, a.slot_start_time, a.slot_end_time, a.slot_duration_mins, a.slot_price, a.slot_currency,
	a.reminder_sent_at, a.created_at, a.updated_at`

const apptPatientCols = apptCols + `,
	COALESCE(NULLIF(TRIM(CONCAT(p.first_name, ' ', p.last_name)), ''), p.username, '') AS patient_name,
	COALESCE(p.email, '') AS patient_email,
	COALESCE(p.mobile, '') AS patient_mobile`

const patientJoin = ` LEFT JOIN patients p ON p.patient_id = a.patient_id`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.AppointmentID, &a.PatientID, &a.DoctorID,
		&a.AppointmentDate, &a.AppointmentTime, &a.EndTime, &a.VisitType, &a.AppointmentType, &a.AppointmentStatus,
		&a.Notes, &a.PatientNotes, &a.DoctorNotes,
		&a.RequestedBy, &a.CreatedBy, &a.ApprovedBy, &a.RejectedBy, &a.RejectionReason,
		&a.SlotID, &a.SlotStartTime, &a.SlotEndTime, &a.SlotDurationMins, &a.SlotPrice, &a.SlotCurrency,
		&a.ReminderSentAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanWithPatient(row pgx.Row) (*WithPatient, error) {
	var w WithPatient
	err := row.Scan(&w.ID, &w.AppointmentID, &w.PatientID, &w.DoctorID,
		&w.AppointmentDate, &w.AppointmentTime, &w.EndTime, &w.VisitType, &w.AppointmentType, &w.AppointmentStatus,
		&w.Notes, &w.PatientNotes, &w.DoctorNotes,
		&w.RequestedBy, &w.CreatedBy, &w.ApprovedBy, &w.RejectedBy, &w.RejectionReason,
		&w.SlotID, &w.SlotStartTime, &w.SlotEndTime, &w.SlotDurationMins, &w.SlotPrice, &w.SlotCurrency,
		&w.ReminderSentAt, &w.CreatedAt, &w.UpdatedAt,
		&w.PatientName, &w.PatientEmail, &w.PatientMobile)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointments (
			id, appointment_id, patient_id, doctor_id,
			appointment_date, appointment_time, end_time, visit_type, appointment_type, appointment_status,
			notes, patient_notes, doctor_notes,
			requested_by, created_by, approved_by, rejected_by, rejection_reason,
			slot_id, slot_start_time, slot_end_time, slot_duration_mins, slot_price, slot_currency,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, NOW(), NOW())`,
		a.ID, a.AppointmentID, a.PatientID, a.DoctorID,
		a.AppointmentDate, a.AppointmentTime, a.EndTime, a.VisitType, a.AppointmentType, a.AppointmentStatus,
		a.Notes, a.PatientNotes, a.DoctorNotes,
		a.RequestedBy, a.CreatedBy, a.ApprovedBy, a.RejectedBy, a.RejectionReason,
		a.SlotID, a.SlotStartTime, a.SlotEndTime, a.SlotDurationMins, a.SlotPrice, a.SlotCurrency)
	return err
}

func (r *repoPG) GetForPatient(ctx context.Context, patientID, appointmentID string) (*Appointment, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+apptCols+`
		FROM appointments a
		WHERE a.patient_id = $1 AND a.appointment_id = $2`, patientID, appointmentID)
	a, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	return a, err
}

func (r *repoPG) GetByAppointmentID(ctx context.Context, appointmentID string) (*Appointment, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+apptCols+`
		FROM appointments a
		WHERE a.appointment_id = $1`, appointmentID)
	a, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	return a, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, q ListQuery) ([]*Appointment, error) {
	where, args := patientListWhere(patientID, q)
	return r.list(ctx, where+`
		ORDER BY a.appointment_date ASC, a.appointment_time ASC`, args)
}

func (r *repoPG) ListUpcoming(ctx context.Context, patientID, today string) ([]*Appointment, error) {
	return r.list(ctx, `
		WHERE a.patient_id = $1 AND a.appointment_date >= $2
			AND a.appointment_status IN ('scheduled', 'confirmed', 'booked')
		ORDER BY a.appointment_date ASC, a.appointment_time ASC`, []interface{}{patientID, today})
}

func (r *repoPG) ListHistory(ctx context.Context, patientID string, q ListQuery) ([]*Appointment, error) {
	where, args := patientListWhere(patientID, q)
	return r.list(ctx, where+`
		ORDER BY a.appointment_date DESC, a.appointment_time DESC`, args)
}

func patientListWhere(patientID string, q ListQuery) (string, []interface{}) {
	where := `
		WHERE a.patient_id = $1`
	args := []interface{}{patientID}
	idx := 2

	if q.Status != "" {
		where += fmt.Sprintf(` AND a.appointment_status = $%d`, idx)
		args = append(args, q.Status)
		idx++
	}
	if q.VisitType != "" {
		where += fmt.Sprintf(` AND a.visit_type = $%d`, idx)
		args = append(args, q.VisitType)
		idx++
	}
	if q.AppointmentType != "" {
		where += fmt.Sprintf(` AND a.appointment_type = $%d`, idx)
		args = append(args, q.AppointmentType)
		idx++
	}
	if q.Date != "" {
		where += fmt.Sprintf(` AND a.appointment_date = $%d`, idx)
		args = append(args, q.Date)
	}
	return where, args
}

func (r *repoPG) list(ctx context.Context, tail string, args []interface{}) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptCols+`
		FROM appointments a`+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

func (r *repoPG) ListAll(ctx context.Context, q DoctorQuery, p pagination.Params) ([]*WithPatient, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if q.Date != "" {
		where += fmt.Sprintf(` AND a.appointment_date = $%d`, idx)
		args = append(args, q.Date)
		idx++
	}
	if q.Status != "" {
		where += fmt.Sprintf(` AND a.appointment_status = $%d`, idx)
		args = append(args, q.Status)
		idx++
	}
	if q.AppointmentType != "" {
		where += fmt.Sprintf(` AND a.appointment_type = $%d`, idx)
		args = append(args, q.AppointmentType)
		idx++
	}
	if q.PatientID != "" {
		where += fmt.Sprintf(` AND a.patient_id = $%d`, idx)
		args = append(args, q.PatientID)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments a`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptPatientCols+`
		FROM appointments a`+patientJoin+where+`
		ORDER BY a.appointment_date DESC, a.appointment_time DESC `+p.SQL(), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var appts []*WithPatient
	for rows.Next() {
		w, err := scanWithPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		appts = append(appts, w)
	}
	return appts, total, rows.Err()
}

// ListPending returns every request still awaiting a doctor's decision,
// oldest first. Requests are pending, booked or not_booked; scheduled
// rows were created by the doctor and need no approval.
func (r *repoPG) ListPending(ctx context.Context) ([]*WithPatient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptPatientCols+`
		FROM appointments a`+patientJoin+`
		WHERE a.appointment_status IN ('pending', 'booked', 'not_booked')
		ORDER BY a.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []*WithPatient
	for rows.Next() {
		w, err := scanWithPatient(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, w)
	}
	return appts, rows.Err()
}

func patchSQL(patch Patch) (string, []interface{}, int) {
	set := `updated_at = NOW()`
	args := []interface{}{}
	idx := 1

	addStr := func(col string, v *string) {
		if v == nil {
			return
		}
		set += fmt.Sprintf(`, %s = $%d`, col, idx)
		args = append(args, *v)
		idx++
	}

	addStr("appointment_date", patch.AppointmentDate)
	addStr("appointment_time", patch.AppointmentTime)
	addStr("end_time", patch.EndTime)
	addStr("visit_type", patch.VisitType)
	addStr("appointment_type", patch.AppointmentType)
	addStr("appointment_status", patch.AppointmentStatus)
	addStr("notes", patch.Notes)
	addStr("patient_notes", patch.PatientNotes)
	addStr("doctor_notes", patch.DoctorNotes)
	addStr("approved_by", patch.ApprovedBy)
	addStr("rejected_by", patch.RejectedBy)
	addStr("rejection_reason", patch.RejectionReason)
	addStr("slot_id", patch.SlotID)
	addStr("slot_start_time", patch.SlotStartTime)
	addStr("slot_end_time", patch.SlotEndTime)
	addStr("slot_currency", patch.SlotCurrency)
	if patch.SlotDurationMins != nil {
		set += fmt.Sprintf(`, slot_duration_mins = $%d`, idx)
		args = append(args, *patch.SlotDurationMins)
		idx++
	}
	if patch.SlotPrice != nil {
		set += fmt.Sprintf(`, slot_price = $%d`, idx)
		args = append(args, *patch.SlotPrice)
		idx++
	}
	if patch.ReminderSentAt != nil {
		set += fmt.Sprintf(`, reminder_sent_at = $%d`, idx)
		args = append(args, *patch.ReminderSentAt)
		idx++
	}
	return set, args, idx
}

func (r *repoPG) Update(ctx context.Context, patientID, appointmentID string, patch Patch) error {
	set, args, idx := patchSQL(patch)
	args = append(args, patientID, appointmentID)
	tag, err := r.conn(ctx).Exec(ctx, fmt.Sprintf(`
		UPDATE appointments SET %s
		WHERE patient_id = $%d AND appointment_id = $%d`, set, idx, idx+1), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *repoPG) UpdateByID(ctx context.Context, appointmentID string, patch Patch) error {
	set, args, idx := patchSQL(patch)
	args = append(args, appointmentID)
	tag, err := r.conn(ctx).Exec(ctx, fmt.Sprintf(`
		UPDATE appointments SET %s
		WHERE appointment_id = $%d`, set, idx), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, patientID, appointmentID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM appointments WHERE patient_id = $1 AND appointment_id = $2`, patientID, appointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *repoPG) DeleteByID(ctx context.Context, appointmentID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM appointments WHERE appointment_id = $1`, appointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *repoPG) Statistics(ctx context.Context, today string) (*Statistics, error) {
	var s Statistics
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE appointment_status = 'pending'),
			COUNT(*) FILTER (WHERE appointment_status = 'confirmed'),
			COUNT(*) FILTER (WHERE appointment_status = 'cancelled'),
			COUNT(*) FILTER (WHERE appointment_status = 'completed'),
			COUNT(*) FILTER (WHERE appointment_status = 'rejected'),
			COUNT(*) FILTER (WHERE appointment_date = $1),
			COUNT(*) FILTER (WHERE appointment_date > $1 AND appointment_status IN ('scheduled', 'confirmed', 'booked'))
		FROM appointments`, today).
		Scan(&s.TotalAppointments, &s.Pending, &s.Confirmed, &s.Cancelled,
			&s.Completed, &s.Rejected, &s.TodayAppointments, &s.UpcomingAppointments)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) PatientRef(ctx context.Context, patientID string) (*PatientRef, error) {
	var ref PatientRef
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT patient_id,
			COALESCE(NULLIF(TRIM(CONCAT(first_name, ' ', last_name)), ''), username, ''),
			email, mobile
		FROM patients
		WHERE patient_id = $1 AND status != 'deleted'`, patientID).
		Scan(&ref.PatientID, &ref.Name, &ref.Email, &ref.Mobile)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *repoPG) ListDueReminders(ctx context.Context, from, to string) ([]*WithPatient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apptPatientCols+`
		FROM appointments a`+patientJoin+`
		WHERE a.appointment_date >= $1 AND a.appointment_date <= $2
			AND a.reminder_sent_at IS NULL
			AND a.appointment_status IN ('booked', 'confirmed', 'scheduled')
		ORDER BY a.appointment_date ASC, a.appointment_time ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*WithPatient
	for rows.Next() {
		w, err := scanWithPatient(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, w)
	}
	return due, rows.Err()
}

func (r *repoPG) MarkReminded(ctx context.Context, appointmentID string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET reminder_sent_at = $1, updated_at = NOW()
		WHERE appointment_id = $2`, at, appointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}
