package doctor

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

const doctorCols = `id, doctor_id, username, email, mobile, password_hash,
	first_name, last_name, specialization, experience_years, license_number,
	hospital_name, address, city, state, pincode, consultation_fee,
	languages, qualifications, patient_count, is_profile_complete, status,
	created_at, updated_at, last_login`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var languages, qualifications []byte
	err := row.Scan(&d.ID, &d.DoctorID, &d.Username, &d.Email, &d.Mobile, &d.PasswordHash,
		&d.FirstName, &d.LastName, &d.Specialization, &d.ExperienceYears, &d.LicenseNumber,
		&d.HospitalName, &d.Address, &d.City, &d.State, &d.Pincode, &d.ConsultationFee,
		&languages, &qualifications, &d.PatientCount, &d.IsProfileComplete, &d.Status,
		&d.CreatedAt, &d.UpdatedAt, &d.LastLogin)
	if err != nil {
		return nil, err
	}
	if len(languages) > 0 {
		if err := json.Unmarshal(languages, &d.Languages); err != nil {
			return nil, fmt.Errorf("decode languages: %w", err)
		}
	}
	if len(qualifications) > 0 {
		if err := json.Unmarshal(qualifications, &d.Qualifications); err != nil {
			return nil, fmt.Errorf("decode qualifications: %w", err)
		}
	}
	return &d, nil
}

// mapUniqueViolation translates the per-column unique indexes into the
// field-specific registration errors.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "uniq_doctors_email":
			return ErrEmailExists
		case "uniq_doctors_username":
			return ErrUsernameExists
		case "uniq_doctors_mobile":
			return ErrMobileExists
		}
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, d *Doctor) error {
	d.ID = uuid.New()
	if d.Languages == nil {
		d.Languages = []string{}
	}
	if d.Qualifications == nil {
		d.Qualifications = []string{}
	}
	languages, err := json.Marshal(d.Languages)
	if err != nil {
		return fmt.Errorf("encode languages: %w", err)
	}
	qualifications, err := json.Marshal(d.Qualifications)
	if err != nil {
		return fmt.Errorf("encode qualifications: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO doctors (
			id, doctor_id, username, email, mobile, password_hash,
			first_name, last_name, specialization, experience_years, license_number,
			hospital_name, address, city, state, pincode, consultation_fee,
			languages, qualifications, patient_count, is_profile_complete, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, NOW(), NOW())`,
		d.ID, d.DoctorID, d.Username, d.Email, d.Mobile, d.PasswordHash,
		d.FirstName, d.LastName, d.Specialization, d.ExperienceYears, d.LicenseNumber,
		d.HospitalName, d.Address, d.City, d.State, d.Pincode, d.ConsultationFee,
		languages, qualifications, d.PatientCount, d.IsProfileComplete, d.Status)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

func (r *repoPG) GetByDoctorID(ctx context.Context, doctorID string) (*Doctor, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+doctorCols+`
		FROM doctors
		WHERE doctor_id = $1 AND status != 'deleted'`, doctorID)
	d, err := scanDoctor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDoctorNotFound
	}
	return d, err
}

func (r *repoPG) GetByEmail(ctx context.Context, email string) (*Doctor, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+doctorCols+`
		FROM doctors
		WHERE email = $1 AND status != 'deleted'`, email)
	d, err := scanDoctor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDoctorNotFound
	}
	return d, err
}

func (r *repoPG) Search(ctx context.Context, q SearchQuery, p pagination.Params) ([]*Doctor, int, error) {
	where := ` WHERE status != 'deleted'`
	args := []interface{}{}
	idx := 1

	if q.Search != "" {
		where += fmt.Sprintf(` AND (username ILIKE $%d OR first_name ILIKE $%d OR last_name ILIKE $%d OR email ILIKE $%d OR specialization ILIKE $%d)`,
			idx, idx, idx, idx, idx)
		args = append(args, "%"+q.Search+"%")
		idx++
	}
	if q.Specialization != "" {
		where += fmt.Sprintf(` AND specialization ILIKE $%d`, idx)
		args = append(args, "%"+q.Specialization+"%")
		idx++
	}
	if q.City != "" {
		where += fmt.Sprintf(` AND city ILIKE $%d`, idx)
		args = append(args, "%"+q.City+"%")
		idx++
	}
	if q.MinPatients > 0 {
		where += fmt.Sprintf(` AND patient_count >= $%d`, idx)
		args = append(args, q.MinPatients)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM doctors`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+doctorCols+`
		FROM doctors`+where+`
		ORDER BY created_at DESC `+p.SQL(), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var doctors []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		doctors = append(doctors, d)
	}
	return doctors, total, nil
}

func (r *repoPG) UpdateProfile(ctx context.Context, doctorID string, patch ProfilePatch) error {
	set := `updated_at = NOW()`
	args := []interface{}{}
	idx := 1

	addStr := func(col string, v *string) {
		if v != nil {
			set += fmt.Sprintf(`, %s = $%d`, col, idx)
			args = append(args, *v)
			idx++
		}
	}
	addStr("first_name", patch.FirstName)
	addStr("last_name", patch.LastName)
	addStr("specialization", patch.Specialization)
	addStr("license_number", patch.LicenseNumber)
	addStr("hospital_name", patch.HospitalName)
	addStr("address", patch.Address)
	addStr("city", patch.City)
	addStr("state", patch.State)
	addStr("pincode", patch.Pincode)

	if patch.ExperienceYears != nil {
		set += fmt.Sprintf(`, experience_years = $%d`, idx)
		args = append(args, *patch.ExperienceYears)
		idx++
	}
	if patch.ConsultationFee != nil {
		set += fmt.Sprintf(`, consultation_fee = $%d`, idx)
		args = append(args, *patch.ConsultationFee)
		idx++
	}
	if patch.Languages != nil {
		languages, err := json.Marshal(*patch.Languages)
		if err != nil {
			return fmt.Errorf("encode languages: %w", err)
		}
		set += fmt.Sprintf(`, languages = $%d`, idx)
		args = append(args, languages)
		idx++
	}
	if patch.Qualifications != nil {
		qualifications, err := json.Marshal(*patch.Qualifications)
		if err != nil {
			return fmt.Errorf("encode qualifications: %w", err)
		}
		set += fmt.Sprintf(`, qualifications = $%d`, idx)
		args = append(args, qualifications)
		idx++
	}
	if patch.IsProfileComplete != nil {
		set += fmt.Sprintf(`, is_profile_complete = $%d`, idx)
		args = append(args, *patch.IsProfileComplete)
		idx++
	}

	args = append(args, doctorID)
	tag, err := r.conn(ctx).Exec(ctx, fmt.Sprintf(`
		UPDATE doctors SET %s
		WHERE doctor_id = $%d AND status != 'deleted'`, set, idx), args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDoctorNotFound
	}
	return nil
}

func (r *repoPG) TouchLogin(ctx context.Context, doctorID string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE doctors SET last_login = NOW() WHERE doctor_id = $1`, doctorID)
	return err
}

func (r *repoPG) SoftDelete(ctx context.Context, doctorID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE doctors SET status = 'deleted', updated_at = NOW()
		WHERE doctor_id = $1 AND status != 'deleted'`, doctorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDoctorNotFound
	}
	return nil
}
