package patient

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

const patientCols = `id, patient_id, username, email, mobile, password_hash,
	first_name, last_name, date_of_birth, blood_type, gender, address, height, weight,
	emergency_contact_name, emergency_contact_phone, emergency_contact_relationship,
	is_pregnant, last_period_date, pregnancy_week, expected_delivery_date,
	medical_conditions, allergies, current_medications,
	is_profile_complete, status, created_at, updated_at, last_login`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var conditions, allergies, medications []byte
	err := row.Scan(&p.ID, &p.PatientID, &p.Username, &p.Email, &p.Mobile, &p.PasswordHash,
		&p.FirstName, &p.LastName, &p.DateOfBirth, &p.BloodType, &p.Gender, &p.Address, &p.Height, &p.Weight,
		&p.EmergencyContactName, &p.EmergencyContactPhone, &p.EmergencyContactRelationship,
		&p.IsPregnant, &p.LastPeriodDate, &p.PregnancyWeek, &p.ExpectedDeliveryDate,
		&conditions, &allergies, &medications,
		&p.IsProfileComplete, &p.Status, &p.CreatedAt, &p.UpdatedAt, &p.LastLogin)
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		raw []byte
		dst *[]string
	}{
		{conditions, &p.MedicalConditions},
		{allergies, &p.Allergies},
		{medications, &p.CurrentMedications},
	} {
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
				return nil, fmt.Errorf("decode medical list: %w", err)
			}
		}
	}
	return &p, nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "uniq_patients_email":
			return ErrEmailExists
		case "uniq_patients_username":
			return ErrUsernameExists
		case "uniq_patients_mobile":
			return ErrMobileExists
		}
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	if p.MedicalConditions == nil {
		p.MedicalConditions = []string{}
	}
	if p.Allergies == nil {
		p.Allergies = []string{}
	}
	if p.CurrentMedications == nil {
		p.CurrentMedications = []string{}
	}
	conditions, err := json.Marshal(p.MedicalConditions)
	if err != nil {
		return fmt.Errorf("encode medical_conditions: %w", err)
	}
	allergies, err := json.Marshal(p.Allergies)
	if err != nil {
		return fmt.Errorf("encode allergies: %w", err)
	}
	medications, err := json.Marshal(p.CurrentMedications)
	if err != nil {
		return fmt.Errorf("encode current_medications: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (
			id, patient_id, username, email, mobile, password_hash,
			first_name, last_name, date_of_birth, blood_type, gender, address, height, weight,
			emergency_contact_name, emergency_contact_phone, emergency_contact_relationship,
			is_pregnant, last_period_date, pregnancy_week, expected_delivery_date,
			medical_conditions, allergies, current_medications,
			is_profile_complete, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, NOW(), NOW())`,
		p.ID, p.PatientID, p.Username, p.Email, p.Mobile, p.PasswordHash,
		p.FirstName, p.LastName, p.DateOfBirth, p.BloodType, p.Gender, p.Address, p.Height, p.Weight,
		p.EmergencyContactName, p.EmergencyContactPhone, p.EmergencyContactRelationship,
		p.IsPregnant, p.LastPeriodDate, p.PregnancyWeek, p.ExpectedDeliveryDate,
		conditions, allergies, medications,
		p.IsProfileComplete, p.Status)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

func (r *repoPG) GetByPatientID(ctx context.Context, patientID string) (*Patient, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+patientCols+`
		FROM patients
		WHERE patient_id = $1 AND status != 'deleted'`, patientID)
	p, err := scanPatient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	return p, err
}

func (r *repoPG) GetByEmail(ctx context.Context, email string) (*Patient, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+patientCols+`
		FROM patients
		WHERE email = $1 AND status != 'deleted'`, email)
	p, err := scanPatient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	return p, err
}

func (r *repoPG) UpdateProfile(ctx context.Context, patientID string, patch ProfilePatch) error {
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
	addStr("mobile", patch.Mobile)
	addStr("date_of_birth", patch.DateOfBirth)
	addStr("blood_type", patch.BloodType)
	addStr("gender", patch.Gender)
	addStr("address", patch.Address)
	addStr("emergency_contact_name", patch.EmergencyContactName)
	addStr("emergency_contact_phone", patch.EmergencyContactPhone)
	addStr("emergency_contact_relationship", patch.EmergencyContactRelationship)
	addStr("last_period_date", patch.LastPeriodDate)
	addStr("expected_delivery_date", patch.ExpectedDeliveryDate)

	if patch.Height != nil {
		set += fmt.Sprintf(`, height = $%d`, idx)
		args = append(args, *patch.Height)
		idx++
	}
	if patch.Weight != nil {
		set += fmt.Sprintf(`, weight = $%d`, idx)
		args = append(args, *patch.Weight)
		idx++
	}
	if patch.IsPregnant != nil {
		set += fmt.Sprintf(`, is_pregnant = $%d`, idx)
		args = append(args, *patch.IsPregnant)
		idx++
	}
	if patch.PregnancyWeek != nil {
		set += fmt.Sprintf(`, pregnancy_week = $%d`, idx)
		args = append(args, *patch.PregnancyWeek)
		idx++
	}

	addList := func(col string, v *[]string) error {
		if v == nil {
			return nil
		}
		raw, err := json.Marshal(*v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", col, err)
		}
		set += fmt.Sprintf(`, %s = $%d`, col, idx)
		args = append(args, raw)
		idx++
		return nil
	}
	if err := addList("medical_conditions", patch.MedicalConditions); err != nil {
		return err
	}
	if err := addList("allergies", patch.Allergies); err != nil {
		return err
	}
	if err := addList("current_medications", patch.CurrentMedications); err != nil {
		return err
	}

	if patch.IsProfileComplete != nil {
		set += fmt.Sprintf(`, is_profile_complete = $%d`, idx)
		args = append(args, *patch.IsProfileComplete)
		idx++
	}

	args = append(args, patientID)
	tag, err := r.conn(ctx).Exec(ctx, fmt.Sprintf(`
		UPDATE patients SET %s
		WHERE patient_id = $%d AND status != 'deleted'`, set, idx), args...)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (r *repoPG) TouchLogin(ctx context.Context, patientID string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET last_login = NOW() WHERE patient_id = $1`, patientID)
	return err
}

func (r *repoPG) SoftDelete(ctx context.Context, patientID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET status = 'deleted', updated_at = NOW()
		WHERE patient_id = $1 AND status != 'deleted'`, patientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}
