package doctor

import (
	"time"

	"github.com/google/uuid"
)

// Account statuses. Deleted accounts stay in the table so historical
// appointments keep resolving, but every lookup filters them out.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Doctor is a practitioner account plus the practice profile patients
// browse when choosing who to book with.
type Doctor struct {
	ID       uuid.UUID `db:"id" json:"-"`
	DoctorID string    `db:"doctor_id" json:"doctor_id"`

	Username     string `db:"username" json:"username"`
	Email        string `db:"email" json:"email"`
	Mobile       string `db:"mobile" json:"mobile"`
	PasswordHash string `db:"password_hash" json:"-"`

	FirstName       string   `db:"first_name" json:"first_name"`
	LastName        string   `db:"last_name" json:"last_name"`
	Specialization  string   `db:"specialization" json:"specialization"`
	ExperienceYears int      `db:"experience_years" json:"experience_years"`
	LicenseNumber   string   `db:"license_number" json:"license_number"`
	HospitalName    string   `db:"hospital_name" json:"hospital_name"`
	Address         string   `db:"address" json:"address"`
	City            string   `db:"city" json:"city"`
	State           string   `db:"state" json:"state"`
	Pincode         string   `db:"pincode" json:"pincode"`
	ConsultationFee float64  `db:"consultation_fee" json:"consultation_fee"`
	Languages       []string `db:"languages" json:"languages"`
	Qualifications  []string `db:"qualifications" json:"qualifications"`

	PatientCount      int    `db:"patient_count" json:"patient_count"`
	IsProfileComplete bool   `db:"is_profile_complete" json:"is_profile_complete"`
	Status            string `db:"status" json:"status"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	LastLogin *time.Time `db:"last_login" json:"last_login,omitempty"`
}

// PublicProfile is the subset of a doctor record exposed to patients.
// Contact channels used for login stay private.
type PublicProfile struct {
	DoctorID          string   `json:"doctor_id"`
	Username          string   `json:"username"`
	FirstName         string   `json:"first_name"`
	LastName          string   `json:"last_name"`
	Specialization    string   `json:"specialization"`
	ExperienceYears   int      `json:"experience_years"`
	LicenseNumber     string   `json:"license_number"`
	HospitalName      string   `json:"hospital_name"`
	Address           string   `json:"address"`
	City              string   `json:"city"`
	State             string   `json:"state"`
	Pincode           string   `json:"pincode"`
	ConsultationFee   float64  `json:"consultation_fee"`
	Languages         []string `json:"languages"`
	Qualifications    []string `json:"qualifications"`
	PatientCount      int      `json:"patient_count"`
	Status            string   `json:"status"`
	IsProfileComplete bool     `json:"is_profile_complete"`
	CreatedAt         string   `json:"created_at"`
}

// Public projects the browsable view of the account.
func (d *Doctor) Public() *PublicProfile {
	langs := d.Languages
	if langs == nil {
		langs = []string{}
	}
	quals := d.Qualifications
	if quals == nil {
		quals = []string{}
	}
	return &PublicProfile{
		DoctorID:          d.DoctorID,
		Username:          d.Username,
		FirstName:         d.FirstName,
		LastName:          d.LastName,
		Specialization:    d.Specialization,
		ExperienceYears:   d.ExperienceYears,
		LicenseNumber:     d.LicenseNumber,
		HospitalName:      d.HospitalName,
		Address:           d.Address,
		City:              d.City,
		State:             d.State,
		Pincode:           d.Pincode,
		ConsultationFee:   d.ConsultationFee,
		Languages:         langs,
		Qualifications:    quals,
		PatientCount:      d.PatientCount,
		Status:            d.Status,
		IsProfileComplete: d.IsProfileComplete,
		CreatedAt:         d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// profileComplete reports whether the fields patients rely on when
// picking a practitioner have all been filled in.
func (d *Doctor) profileComplete() bool {
	return d.FirstName != "" && d.LastName != "" && d.Specialization != "" && d.LicenseNumber != ""
}
