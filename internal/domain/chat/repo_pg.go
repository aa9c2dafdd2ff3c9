package chat

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

const threadCols = `id, thread_id, doctor_id, patient_id,
	last_message, last_message_id, last_message_at,
	unread_doctor, unread_patient, is_archived, created_at, updated_at`

const messageCols = `id, message_id, thread_id, sender_id, sender_role,
	message_type, content, attachment_id, attachment_name, attachment_type, attachment_size,
	read_at, created_at`

func scanThread(row pgx.Row) (*Thread, error) {
	var t Thread
	err := row.Scan(&t.ID, &t.ThreadID, &t.DoctorID, &t.PatientID,
		&t.LastMessage, &t.LastMessageID, &t.LastMessageAt,
		&t.UnreadDoctor, &t.UnreadPatient, &t.IsArchived, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.MessageID, &m.ThreadID, &m.SenderID, &m.SenderRole,
		&m.MessageType, &m.Content, &m.AttachmentID, &m.AttachmentName, &m.AttachmentType, &m.AttachmentSize,
		&m.ReadAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "uniq_chat_threads_pair" {
			return ErrThreadExists
		}
	}
	return err
}

func (r *repoPG) CreateThread(ctx context.Context, t *Thread) error {
	t.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO chat_threads (id, thread_id, doctor_id, patient_id, is_archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, false, NOW(), NOW())
		RETURNING created_at, updated_at`,
		t.ID, t.ThreadID, t.DoctorID, t.PatientID).
		Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

func (r *repoPG) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+threadCols+`
		FROM chat_threads
		WHERE thread_id = $1`, threadID)
	t, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	return t, err
}

func (r *repoPG) FindThread(ctx context.Context, doctorID, patientID string) (*Thread, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+threadCols+`
		FROM chat_threads
		WHERE doctor_id = $1 AND patient_id = $2`, doctorID, patientID)
	t, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	return t, err
}

func (r *repoPG) listThreads(ctx context.Context, col, id string, includeArchived bool) ([]*Thread, error) {
	q := `
		SELECT ` + threadCols + `
		FROM chat_threads
		WHERE ` + col + ` = $1`
	if !includeArchived {
		q += ` AND is_archived = false`
	}
	q += `
		ORDER BY updated_at DESC`

	rows, err := r.conn(ctx).Query(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (r *repoPG) ListThreadsForDoctor(ctx context.Context, doctorID string, includeArchived bool) ([]*Thread, error) {
	return r.listThreads(ctx, "doctor_id", doctorID, includeArchived)
}

func (r *repoPG) ListThreadsForPatient(ctx context.Context, patientID string, includeArchived bool) ([]*Thread, error) {
	return r.listThreads(ctx, "patient_id", patientID, includeArchived)
}

func (r *repoPG) SetArchived(ctx context.Context, threadID string, archived bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE chat_threads SET is_archived = $1, updated_at = NOW()
		WHERE thread_id = $2`, archived, threadID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func (r *repoPG) CreateMessage(ctx context.Context, m *Message) error {
	m.ID = uuid.New()
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		err := q.QueryRow(ctx, `
			INSERT INTO chat_messages (id, message_id, thread_id, sender_id, sender_role,
				message_type, content, attachment_id, attachment_name, attachment_type, attachment_size,
				created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			RETURNING created_at`,
			m.ID, m.MessageID, m.ThreadID, m.SenderID, m.SenderRole,
			m.MessageType, m.Content, m.AttachmentID, m.AttachmentName, m.AttachmentType, m.AttachmentSize).
			Scan(&m.CreatedAt)
		if err != nil {
			return err
		}

		counter := "unread_patient"
		if m.SenderRole == RolePatient {
			counter = "unread_doctor"
		}
		tag, err := q.Exec(ctx, fmt.Sprintf(`
			UPDATE chat_threads
			SET last_message = $1, last_message_id = $2, last_message_at = $3,
				%s = %s + 1, updated_at = NOW()
			WHERE thread_id = $4`, counter, counter),
			m.Content, m.MessageID, m.CreatedAt, m.ThreadID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrThreadNotFound
		}
		return nil
	})
}

func (r *repoPG) ListMessages(ctx context.Context, threadID string, p pagination.Params) ([]*Message, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM chat_messages WHERE thread_id = $1`, threadID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+messageCols+`
		FROM chat_messages
		WHERE thread_id = $1
		ORDER BY created_at DESC `+p.SQL(), threadID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, m)
	}
	return msgs, total, rows.Err()
}

func (r *repoPG) MarkMessageRead(ctx context.Context, threadID, messageID string, at time.Time) (int, error) {
	var count int
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		var senderRole string
		err := q.QueryRow(ctx, `
			UPDATE chat_messages SET read_at = $1
			WHERE thread_id = $2 AND message_id = $3 AND read_at IS NULL
			RETURNING sender_role`, at, threadID, messageID).Scan(&senderRole)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := q.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM chat_messages WHERE thread_id = $1 AND message_id = $2)`,
				threadID, messageID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrMessageNotFound
			}
			return nil
		}
		if err != nil {
			return err
		}
		count = 1

		counter := "unread_doctor"
		if otherSide(senderRole) == RolePatient {
			counter = "unread_patient"
		}
		_, err = q.Exec(ctx, fmt.Sprintf(`
			UPDATE chat_threads SET %s = GREATEST(%s - 1, 0), updated_at = NOW()
			WHERE thread_id = $1`, counter, counter), threadID)
		return err
	})
	return count, err
}

func (r *repoPG) MarkThreadRead(ctx context.Context, threadID, readerRole string, at time.Time) (int, error) {
	var count int
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		tag, err := q.Exec(ctx, `
			UPDATE chat_messages SET read_at = $1
			WHERE thread_id = $2 AND sender_role != $3 AND read_at IS NULL`,
			at, threadID, readerRole)
		if err != nil {
			return err
		}
		count = int(tag.RowsAffected())

		counter := "unread_doctor"
		if readerRole == RolePatient {
			counter = "unread_patient"
		}
		_, err = q.Exec(ctx, fmt.Sprintf(`
			UPDATE chat_threads SET %s = 0, updated_at = NOW()
			WHERE thread_id = $1`, counter), threadID)
		return err
	})
	return count, err
}

func (r *repoPG) UnreadTotal(ctx context.Context, userID, role string) (int, error) {
	q := `SELECT COALESCE(SUM(unread_doctor), 0) FROM chat_threads WHERE doctor_id = $1 AND is_archived = false`
	if role == RolePatient {
		q = `SELECT COALESCE(SUM(unread_patient), 0) FROM chat_threads WHERE patient_id = $1 AND is_archived = false`
	}
	var total int
	err := r.conn(ctx).QueryRow(ctx, q, userID).Scan(&total)
	return total, err
}
