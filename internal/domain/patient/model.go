package patient

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Patient is an expectant-mother account with the clinical context the
// care team sees alongside appointments and chat.
type Patient struct {
	ID        uuid.UUID `db:"id" json:"-"`
	PatientID string    `db:"patient_id" json:"patient_id"`

	Username     string `db:"username" json:"username"`
	Email        string `db:"email" json:"email"`
	Mobile       string `db:"mobile" json:"mobile"`
	PasswordHash string `db:"password_hash" json:"-"`

	FirstName   string  `db:"first_name" json:"first_name"`
	LastName    string  `db:"last_name" json:"last_name"`
	DateOfBirth string  `db:"date_of_birth" json:"date_of_birth"`
	BloodType   string  `db:"blood_type" json:"blood_type"`
	Gender      string  `db:"gender" json:"gender"`
	Address     string  `db:"address" json:"address"`
	Height      float64 `db:"height" json:"height"`
	Weight      float64 `db:"weight" json:"weight"`

	EmergencyContactName         string `db:"emergency_contact_name" json:"emergency_contact_name"`
	EmergencyContactPhone        string `db:"emergency_contact_phone" json:"emergency_contact_phone"`
	EmergencyContactRelationship string `db:"emergency_contact_relationship" json:"emergency_contact_relationship"`

	IsPregnant           bool   `db:"is_pregnant" json:"is_pregnant"`
	LastPeriodDate       string `db:"last_period_date" json:"last_period_date,omitempty"`
	PregnancyWeek        int    `db:"pregnancy_week" json:"pregnancy_week,omitempty"`
	ExpectedDeliveryDate string `db:"expected_delivery_date" json:"expected_delivery_date,omitempty"`

	MedicalConditions  []string `db:"medical_conditions" json:"medical_conditions"`
	Allergies          []string `db:"allergies" json:"allergies"`
	CurrentMedications []string `db:"current_medications" json:"current_medications"`

	IsProfileComplete bool   `db:"is_profile_complete" json:"is_profile_complete"`
	Status            string `db:"status" json:"status"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	LastLogin *time.Time `db:"last_login" json:"last_login,omitempty"`
}

// Trimester derives the current trimester from the pregnancy week.
// Zero means not pregnant or week unknown.
func (p *Patient) Trimester() int {
	if !p.IsPregnant || p.PregnancyWeek <= 0 {
		return 0
	}
	switch {
	case p.PregnancyWeek <= 12:
		return 1
	case p.PregnancyWeek <= 26:
		return 2
	default:
		return 3
	}
}

// CareView is the subset of a patient record shared with doctors who
// treat them. Login credentials stay private.
type CareView struct {
	PatientID             string   `json:"patient_id"`
	FirstName             string   `json:"first_name"`
	LastName              string   `json:"last_name"`
	Email                 string   `json:"email"`
	Mobile                string   `json:"mobile"`
	DateOfBirth           string   `json:"date_of_birth"`
	BloodType             string   `json:"blood_type"`
	Gender                string   `json:"gender"`
	IsPregnant            bool     `json:"is_pregnant"`
	PregnancyWeek         int      `json:"pregnancy_week,omitempty"`
	Trimester             int      `json:"trimester,omitempty"`
	ExpectedDeliveryDate  string   `json:"expected_delivery_date,omitempty"`
	MedicalConditions     []string `json:"medical_conditions"`
	Allergies             []string `json:"allergies"`
	CurrentMedications    []string `json:"current_medications"`
	EmergencyContactName  string   `json:"emergency_contact_name"`
	EmergencyContactPhone string   `json:"emergency_contact_phone"`
}

func (p *Patient) Care() *CareView {
	conditions := p.MedicalConditions
	if conditions == nil {
		conditions = []string{}
	}
	allergies := p.Allergies
	if allergies == nil {
		allergies = []string{}
	}
	medications := p.CurrentMedications
	if medications == nil {
		medications = []string{}
	}
	return &CareView{
		PatientID:             p.PatientID,
		FirstName:             p.FirstName,
		LastName:              p.LastName,
		Email:                 p.Email,
		Mobile:                p.Mobile,
		DateOfBirth:           p.DateOfBirth,
		BloodType:             p.BloodType,
		Gender:                p.Gender,
		IsPregnant:            p.IsPregnant,
		PregnancyWeek:         p.PregnancyWeek,
		Trimester:             p.Trimester(),
		ExpectedDeliveryDate:  p.ExpectedDeliveryDate,
		MedicalConditions:     conditions,
		Allergies:             allergies,
		CurrentMedications:    medications,
		EmergencyContactName:  p.EmergencyContactName,
		EmergencyContactPhone: p.EmergencyContactPhone,
	}
}
