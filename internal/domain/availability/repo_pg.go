package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/materna-health/materna/internal/platform/db"
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

const availCols = `id, availability_id, doctor_id, date, consultation_type,
	work_start, work_end, breaks, is_active,
	day_cancellation_reason, day_cancelled_at, created_at, updated_at`

func (r *repoPG) scanAvailability(row pgx.Row) (*Availability, error) {
	var a Availability
	var breaks []byte
	err := row.Scan(&a.ID, &a.AvailabilityID, &a.DoctorID, &a.Date, &a.ConsultationType,
		&a.WorkHours.StartTime, &a.WorkHours.EndTime, &breaks, &a.IsActive,
		&a.DayCancellationReason, &a.DayCancelledAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(breaks) > 0 {
		if err := json.Unmarshal(breaks, &a.Breaks); err != nil {
			return nil, fmt.Errorf("decode breaks: %w", err)
		}
	}
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Availability) error {
	a.ID = uuid.New()
	if a.Breaks == nil {
		a.Breaks = []Break{}
	}
	breaks, err := json.Marshal(a.Breaks)
	if err != nil {
		return fmt.Errorf("encode breaks: %w", err)
	}
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `
			INSERT INTO availability (id, availability_id, doctor_id, date, consultation_type,
				work_start, work_end, breaks, is_active, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			a.ID, a.AvailabilityID, a.DoctorID, a.Date, a.ConsultationType,
			a.WorkHours.StartTime, a.WorkHours.EndTime, breaks, a.IsActive, a.CreatedAt, a.UpdatedAt); err != nil {
			return mapUniqueViolation(err)
		}
		for ti := range a.Types {
			g := &a.Types[ti]
			typeRow := uuid.New()
			if _, err := q.Exec(ctx, `
				INSERT INTO availability_type (id, availability_row, position, type, duration_mins, price, currency)
				VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				typeRow, a.ID, ti, g.Type, g.DurationMins, g.Price, g.Currency); err != nil {
				return err
			}
			for si := range g.Slots {
				s := &g.Slots[si]
				if _, err := q.Exec(ctx, `
					INSERT INTO availability_slot (id, availability_row, type_row, position, slot_id,
						start_time, end_time, is_booked, patient_id, appointment_id,
						booking_timestamp, cancellation_reason, cancelled_at, notes)
					VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
					uuid.New(), a.ID, typeRow, si, s.SlotID,
					s.StartTime, s.EndTime, s.IsBooked, s.PatientID, s.AppointmentID,
					s.BookingTimestamp, s.CancellationReason, s.CancelledAt, s.Notes); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// mapUniqueViolation surfaces the active-day uniqueness constraint as the
// domain duplicate error.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uniq_doctor_date_type" {
		return ErrDuplicateAvailability
	}
	return err
}

func (r *repoPG) Find(ctx context.Context, doctorID string, q Query) ([]*Availability, error) {
	query := `SELECT ` + availCols + ` FROM availability WHERE doctor_id = $1 AND is_active`
	args := []interface{}{doctorID}
	idx := 2

	if q.Date != "" {
		query += fmt.Sprintf(` AND date = $%d`, idx)
		args = append(args, q.Date)
		idx++
	} else if q.StartDate != "" && q.EndDate != "" {
		query += fmt.Sprintf(` AND date >= $%d AND date <= $%d`, idx, idx+1)
		args = append(args, q.StartDate, q.EndDate)
		idx += 2
	}
	if q.ConsultationType != "" {
		query += fmt.Sprintf(` AND consultation_type = $%d`, idx)
		args = append(args, q.ConsultationType)
	}
	query += ` ORDER BY date, consultation_type`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Availability
	for rows.Next() {
		a, err := r.scanAvailability(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	if err := r.loadSlots(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repoPG) FindOne(ctx context.Context, doctorID, date, consultationType string) (*Availability, error) {
	query := `SELECT ` + availCols + ` FROM availability WHERE doctor_id = $1 AND date = $2 AND is_active`
	args := []interface{}{doctorID, date}
	if consultationType != "" {
		query += ` AND consultation_type = $3`
		args = append(args, consultationType)
	}
	query += ` ORDER BY consultation_type LIMIT 1`

	a, err := r.scanAvailability(r.conn(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAvailabilityNotFound
		}
		return nil, err
	}
	if err := r.loadSlots(ctx, []*Availability{a}); err != nil {
		return nil, err
	}
	return a, nil
}

// loadSlots attaches type groups and slots to the given availability rows
// and refreshes the derived counters. Two batched queries regardless of the
// number of days.
func (r *repoPG) loadSlots(ctx context.Context, items []*Availability) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(items))
	byRow := make(map[uuid.UUID]*Availability, len(items))
	for i, a := range items {
		ids[i] = a.ID
		byRow[a.ID] = a
		a.Types = nil
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, availability_row, type, duration_mins, price, currency
		FROM availability_type
		WHERE availability_row = ANY($1)
		ORDER BY availability_row, position`, ids)
	if err != nil {
		return err
	}
	type typeRec struct {
		id    uuid.UUID
		avail uuid.UUID
		group TypeGroup
	}
	var recs []typeRec
	for rows.Next() {
		var t typeRec
		if err := rows.Scan(&t.id, &t.avail, &t.group.Type, &t.group.DurationMins, &t.group.Price, &t.group.Currency); err != nil {
			rows.Close()
			return err
		}
		recs = append(recs, t)
	}
	rows.Close()

	for _, t := range recs {
		a := byRow[t.avail]
		a.Types = append(a.Types, t.group)
	}
	// Group pointers are taken only after every append above, so the
	// backing arrays no longer move.
	groupByType := make(map[uuid.UUID]*TypeGroup, len(recs))
	seen := make(map[uuid.UUID]int, len(items))
	for _, t := range recs {
		a := byRow[t.avail]
		groupByType[t.id] = &a.Types[seen[t.avail]]
		seen[t.avail]++
	}

	srows, err := r.conn(ctx).Query(ctx, `
		SELECT type_row, slot_id, start_time, end_time, is_booked, patient_id, appointment_id,
			booking_timestamp, cancellation_reason, cancelled_at, notes
		FROM availability_slot
		WHERE availability_row = ANY($1)
		ORDER BY type_row, position`, ids)
	if err != nil {
		return err
	}
	defer srows.Close()
	for srows.Next() {
		var tid uuid.UUID
		var s Slot
		if err := srows.Scan(&tid, &s.SlotID, &s.StartTime, &s.EndTime, &s.IsBooked, &s.PatientID,
			&s.AppointmentID, &s.BookingTimestamp, &s.CancellationReason, &s.CancelledAt, &s.Notes); err != nil {
			return err
		}
		if g := groupByType[tid]; g != nil {
			g.Slots = append(g.Slots, s)
		}
	}
	for _, a := range items {
		for i := range a.Types {
			a.Types[i].Recount()
		}
	}
	return nil
}

// BookSlot is the single conditional write of the booking path: the filter
// requires the slot to still be free, and the is_booked recheck on the
// target row makes concurrent attempts produce exactly one winner. Zero
// matched rows collapse "no such slot" and "lost the race" into one result.
func (r *repoPG) BookSlot(ctx context.Context, doctorID, date, slotID, patientID, appointmentID, consultationType string) error {
	query := `
		UPDATE availability_slot
		SET is_booked = TRUE, patient_id = $4, appointment_id = $5, booking_timestamp = NOW()
		WHERE is_booked = FALSE AND id = (
			SELECT s.id FROM availability_slot s
			JOIN availability a ON s.availability_row = a.id
			WHERE a.doctor_id = $1 AND a.date = $2 AND a.is_active
			  AND s.slot_id = $3 AND s.is_booked = FALSE`
	args := []interface{}{doctorID, date, slotID, patientID, appointmentID}
	if consultationType != "" {
		query += ` AND a.consultation_type = $6`
		args = append(args, consultationType)
	}
	query += `
			ORDER BY a.consultation_type
			LIMIT 1)
		RETURNING availability_row`

	var availRow uuid.UUID
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&availRow); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSlotNotFoundOrBooked
		}
		return err
	}
	return r.touch(ctx, availRow)
}

func (r *repoPG) CancelSlot(ctx context.Context, doctorID, date, slotID, appointmentID, reason, consultationType string) error {
	query := `
		UPDATE availability_slot
		SET is_booked = FALSE, patient_id = NULL, appointment_id = NULL, booking_timestamp = NULL,
			cancellation_reason = $5, cancelled_at = NOW()
		WHERE is_booked = TRUE AND id = (
			SELECT s.id FROM availability_slot s
			JOIN availability a ON s.availability_row = a.id
			WHERE a.doctor_id = $1 AND a.date = $2 AND a.is_active
			  AND s.slot_id = $3 AND s.appointment_id = $4 AND s.is_booked = TRUE`
	args := []interface{}{doctorID, date, slotID, appointmentID, reason}
	if consultationType != "" {
		query += ` AND a.consultation_type = $6`
		args = append(args, consultationType)
	}
	query += `
			ORDER BY a.consultation_type
			LIMIT 1)
		RETURNING availability_row`

	var availRow uuid.UUID
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&availRow); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSlotNotFoundOrCancelled
		}
		return err
	}
	return r.touch(ctx, availRow)
}

func (r *repoPG) CancelSlotByAppointmentID(ctx context.Context, appointmentID, reason string) error {
	var availRow uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE availability_slot
		SET is_booked = FALSE, patient_id = NULL, appointment_id = NULL, booking_timestamp = NULL,
			cancellation_reason = $2, cancelled_at = NOW()
		WHERE is_booked = TRUE AND id = (
			SELECT id FROM availability_slot
			WHERE appointment_id = $1 AND is_booked = TRUE
			LIMIT 1)
		RETURNING availability_row`, appointmentID, reason).Scan(&availRow)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoSlotForAppointment
		}
		return err
	}
	return r.touch(ctx, availRow)
}

func (r *repoPG) touch(ctx context.Context, availabilityRow uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE availability SET updated_at = NOW() WHERE id = $1`, availabilityRow)
	return err
}

func (r *repoPG) GetSlot(ctx context.Context, doctorID, date, slotID, consultationType string) (*Slot, error) {
	query := `
		SELECT s.slot_id, s.start_time, s.end_time, s.is_booked, s.patient_id, s.appointment_id,
			s.booking_timestamp, s.cancellation_reason, s.cancelled_at, s.notes
		FROM availability_slot s
		JOIN availability a ON s.availability_row = a.id
		WHERE a.doctor_id = $1 AND a.date = $2 AND a.is_active AND s.slot_id = $3`
	args := []interface{}{doctorID, date, slotID}
	if consultationType != "" {
		query += ` AND a.consultation_type = $4`
		args = append(args, consultationType)
	}
	query += ` ORDER BY a.consultation_type LIMIT 1`

	var s Slot
	err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&s.SlotID, &s.StartTime, &s.EndTime,
		&s.IsBooked, &s.PatientID, &s.AppointmentID, &s.BookingTimestamp,
		&s.CancellationReason, &s.CancelledAt, &s.Notes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *repoPG) AvailableSlotsByType(ctx context.Context, doctorID, date, appointmentType, consultationType string) ([]*SlotView, error) {
	query := `
		SELECT a.availability_id, a.doctor_id, a.date, a.consultation_type, t.type,
			s.slot_id, s.start_time, s.end_time, t.duration_mins, t.price, t.currency, s.is_booked, s.notes
		FROM availability_slot s
		JOIN availability_type t ON s.type_row = t.id
		JOIN availability a ON s.availability_row = a.id
		WHERE a.doctor_id = $1 AND a.date = $2 AND a.is_active
		  AND t.type = $3 AND s.is_booked = FALSE`
	args := []interface{}{doctorID, date, appointmentType}
	if consultationType != "" {
		query += ` AND a.consultation_type = $4`
		args = append(args, consultationType)
	}
	query += ` ORDER BY t.position, s.position`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*SlotView
	for rows.Next() {
		var v SlotView
		if err := rows.Scan(&v.AvailabilityID, &v.DoctorID, &v.Date, &v.ConsultationType, &v.AppointmentType,
			&v.SlotID, &v.StartTime, &v.EndTime, &v.DurationMins, &v.Price, &v.Currency, &v.IsBooked, &v.Notes); err != nil {
			return nil, err
		}
		items = append(items, &v)
	}
	return items, nil
}

func (r *repoPG) BookedSlotsByDate(ctx context.Context, doctorID, date, consultationType string) ([]*BookedSlot, error) {
	query := `
		SELECT a.availability_id, a.doctor_id, a.date, a.consultation_type, t.type,
			s.slot_id, s.start_time, s.end_time, s.patient_id, s.appointment_id, s.booking_timestamp, s.notes
		FROM availability_slot s
		JOIN availability_type t ON s.type_row = t.id
		JOIN availability a ON s.availability_row = a.id
		WHERE a.doctor_id = $1 AND a.date = $2 AND a.is_active AND s.is_booked = TRUE`
	args := []interface{}{doctorID, date}
	if consultationType != "" {
		query += ` AND a.consultation_type = $3`
		args = append(args, consultationType)
	}
	query += ` ORDER BY t.position, s.position`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*BookedSlot
	for rows.Next() {
		var b BookedSlot
		var patientID, appointmentID *string
		if err := rows.Scan(&b.AvailabilityID, &b.DoctorID, &b.Date, &b.ConsultationType, &b.AppointmentType,
			&b.SlotID, &b.StartTime, &b.EndTime, &patientID, &appointmentID, &b.BookingTimestamp, &b.Notes); err != nil {
			return nil, err
		}
		if patientID != nil {
			b.PatientID = *patientID
		}
		if appointmentID != nil {
			b.AppointmentID = *appointmentID
		}
		items = append(items, &b)
	}
	return items, nil
}

func (r *repoPG) FreeBookedSlots(ctx context.Context, availabilityRow uuid.UUID, reason string) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE availability_slot
		SET is_booked = FALSE, patient_id = NULL, appointment_id = NULL, booking_timestamp = NULL,
			cancellation_reason = $2, cancelled_at = NOW()
		WHERE availability_row = $1 AND is_booked = TRUE`, availabilityRow, reason)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *repoPG) DisableDay(ctx context.Context, availabilityRow uuid.UUID, reason string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE availability
		SET is_active = FALSE, day_cancellation_reason = $2, day_cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1`, availabilityRow, reason)
	return err
}

func (r *repoPG) Update(ctx context.Context, availabilityID string, patch UpdatePatch) error {
	set := `updated_at = NOW()`
	var args []interface{}
	idx := 1

	if patch.Date != nil {
		set += fmt.Sprintf(`, date = $%d`, idx)
		args = append(args, *patch.Date)
		idx++
	}
	if patch.WorkHours != nil {
		set += fmt.Sprintf(`, work_start = $%d, work_end = $%d`, idx, idx+1)
		args = append(args, patch.WorkHours.StartTime, patch.WorkHours.EndTime)
		idx += 2
	}
	if patch.Breaks != nil {
		breaks := *patch.Breaks
		if breaks == nil {
			breaks = []Break{}
		}
		encoded, err := json.Marshal(breaks)
		if err != nil {
			return fmt.Errorf("encode breaks: %w", err)
		}
		set += fmt.Sprintf(`, breaks = $%d`, idx)
		args = append(args, encoded)
		idx++
	}
	if patch.IsActive != nil {
		set += fmt.Sprintf(`, is_active = $%d`, idx)
		args = append(args, *patch.IsActive)
		idx++
	}

	args = append(args, availabilityID)
	tag, err := r.conn(ctx).Exec(ctx,
		fmt.Sprintf(`UPDATE availability SET %s WHERE availability_id = $%d`, set, idx), args...)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAvailabilityNotFound
	}
	return nil
}

func (r *repoPG) SoftDelete(ctx context.Context, availabilityID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE availability SET is_active = FALSE, updated_at = NOW()
		WHERE availability_id = $1 AND is_active`, availabilityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAvailabilityNotFound
	}
	return nil
}
