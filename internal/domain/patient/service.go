package patient

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/materna-health/materna/internal/platform/auth"
)

const dateLayout = "2006-01-02"

var (
	emailRE  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	mobileRE = regexp.MustCompile(`^[0-9]{10}$`)
)

// capitalizeFirst uppercases the first letter, how the legacy clients
// expect names and free-text fields to come back.
func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func capitalizeAll(items []string) []string {
	out := make([]string, len(items))
	for i, v := range items {
		out[i] = capitalizeFirst(v)
	}
	return out
}

// Service implements patient registration, login, and the pregnancy
// profile on top of a Repository.
type Service struct {
	repo   Repository
	tokens *auth.TokenIssuer
}

func NewService(repo Repository, tokens *auth.TokenIssuer) *Service {
	return &Service{repo: repo, tokens: tokens}
}

func newPatientID() string {
	u := uuid.New()
	return fmt.Sprintf("PAT%X", u[:4])
}

type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Mobile   string `json:"mobile"`
	Password string `json:"password"`
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*Patient, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	in.Mobile = strings.TrimSpace(in.Mobile)

	if in.Username == "" || in.Email == "" || in.Mobile == "" || in.Password == "" {
		return nil, errors.New("missing required fields")
	}
	if len(in.Username) < 3 {
		return nil, errors.New("username must be at least 3 characters")
	}
	if !emailRE.MatchString(in.Email) {
		return nil, errors.New("invalid email format")
	}
	if !mobileRE.MatchString(in.Mobile) {
		return nil, errors.New("mobile must be exactly 10 digits")
	}
	if len(in.Password) < 6 {
		return nil, errors.New("password must be at least 6 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	p := &Patient{
		PatientID:          newPatientID(),
		Username:           capitalizeFirst(in.Username),
		Email:              in.Email,
		Mobile:             in.Mobile,
		PasswordHash:       string(hash),
		MedicalConditions:  []string{},
		Allergies:          []string{},
		CurrentMedications: []string{},
		Status:             StatusActive,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// LoginInput matches the mobile app payload; login_identifier carries
// either the email address or the patient id.
type LoginInput struct {
	LoginIdentifier string `json:"login_identifier"`
	Password        string `json:"password"`
}

type LoginResult struct {
	Token   string
	Patient *Patient
}

func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	identifier := strings.TrimSpace(in.LoginIdentifier)
	if identifier == "" || in.Password == "" {
		return nil, errors.New("login_identifier and password are required")
	}

	var (
		p   *Patient
		err error
	)
	if strings.Contains(identifier, "@") {
		p, err = s.repo.GetByEmail(ctx, identifier)
	} else {
		p, err = s.repo.GetByPatientID(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(in.Password)) != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(p.PatientID, p.Email, []string{"patient"})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	_ = s.repo.TouchLogin(ctx, p.PatientID)

	return &LoginResult{Token: token, Patient: p}, nil
}

func (s *Service) GetProfile(ctx context.Context, patientID string) (*Patient, error) {
	if patientID == "" {
		return nil, errors.New("patient_id is required")
	}
	return s.repo.GetByPatientID(ctx, patientID)
}

// CompleteProfileInput collects the clinical intake after signup. The
// pregnancy week and due date are derived from the last period date
// when the client does not supply them.
type CompleteProfileInput struct {
	FirstName                    string   `json:"first_name"`
	LastName                     string   `json:"last_name"`
	DateOfBirth                  string   `json:"date_of_birth"`
	BloodType                    string   `json:"blood_type"`
	Gender                       string   `json:"gender"`
	EmergencyContactName         string   `json:"emergency_contact_name"`
	EmergencyContactPhone        string   `json:"emergency_contact_phone"`
	EmergencyContactRelationship string   `json:"emergency_contact_relationship"`
	Address                      string   `json:"address"`
	Height                       float64  `json:"height"`
	Weight                       float64  `json:"weight"`
	IsPregnant                   *bool    `json:"is_pregnant"`
	LastPeriodDate               string   `json:"last_period_date"`
	PregnancyWeek                *int     `json:"pregnancy_week"`
	ExpectedDeliveryDate         string   `json:"expected_delivery_date"`
	MedicalConditions            []string `json:"medical_conditions"`
	Allergies                    []string `json:"allergies"`
	CurrentMedications           []string `json:"current_medications"`
}

func (in *CompleteProfileInput) validate() error {
	required := map[string]string{
		"first_name":                     in.FirstName,
		"last_name":                      in.LastName,
		"date_of_birth":                  in.DateOfBirth,
		"blood_type":                     in.BloodType,
		"gender":                         in.Gender,
		"emergency_contact_name":         in.EmergencyContactName,
		"emergency_contact_phone":        in.EmergencyContactPhone,
		"emergency_contact_relationship": in.EmergencyContactRelationship,
		"address":                        in.Address,
		"last_period_date":               in.LastPeriodDate,
	}
	for _, field := range []string{
		"first_name", "last_name", "date_of_birth", "blood_type", "gender",
		"emergency_contact_name", "emergency_contact_phone", "emergency_contact_relationship",
		"address", "last_period_date",
	} {
		if strings.TrimSpace(required[field]) == "" {
			return fmt.Errorf("%s is required", field)
		}
	}
	if _, err := time.Parse(dateLayout, in.DateOfBirth); err != nil {
		return errors.New("invalid date_of_birth format, expected YYYY-MM-DD")
	}
	gender := capitalizeFirst(in.Gender)
	if gender != "Male" && gender != "Female" && gender != "Other" {
		return errors.New("gender must be Male, Female or Other")
	}
	if !mobileRE.MatchString(in.EmergencyContactPhone) {
		return errors.New("emergency contact phone must be exactly 10 digits")
	}
	if in.Height <= 0 || in.Weight <= 0 {
		return errors.New("height and weight are required")
	}
	if in.IsPregnant == nil {
		return errors.New("is_pregnant is required")
	}
	if _, err := time.Parse(dateLayout, in.LastPeriodDate); err != nil {
		return errors.New("invalid last_period_date format, expected YYYY-MM-DD")
	}
	if in.PregnancyWeek != nil && (*in.PregnancyWeek < 1 || *in.PregnancyWeek > 42) {
		return errors.New("pregnancy_week must be between 1 and 42")
	}
	if in.ExpectedDeliveryDate != "" {
		if _, err := time.Parse(dateLayout, in.ExpectedDeliveryDate); err != nil {
			return errors.New("invalid expected_delivery_date format, expected YYYY-MM-DD")
		}
	}
	return nil
}

// derivePregnancy fills the week and due date from the last period date
// using the standard 280 day term.
func derivePregnancy(in *CompleteProfileInput) (week int, due string) {
	lmp, err := time.Parse(dateLayout, in.LastPeriodDate)
	if err != nil {
		return 0, ""
	}
	if in.PregnancyWeek != nil {
		week = *in.PregnancyWeek
	} else {
		week = int(time.Since(lmp).Hours() / (24 * 7))
		if week < 1 {
			week = 1
		}
		if week > 42 {
			week = 42
		}
	}
	due = in.ExpectedDeliveryDate
	if due == "" {
		due = lmp.AddDate(0, 0, 280).Format(dateLayout)
	}
	return week, due
}

func (s *Service) CompleteProfile(ctx context.Context, patientID string, in CompleteProfileInput) (*Patient, error) {
	if patientID == "" {
		return nil, errors.New("patient_id is required")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	firstName := capitalizeFirst(in.FirstName)
	lastName := capitalizeFirst(in.LastName)
	bloodType := strings.ToUpper(in.BloodType)
	gender := capitalizeFirst(in.Gender)
	contactName := capitalizeFirst(in.EmergencyContactName)
	contactRel := capitalizeFirst(in.EmergencyContactRelationship)
	address := capitalizeFirst(in.Address)
	conditions := capitalizeAll(in.MedicalConditions)
	allergies := capitalizeAll(in.Allergies)
	medications := capitalizeAll(in.CurrentMedications)
	complete := true

	patch := ProfilePatch{
		FirstName:                    &firstName,
		LastName:                     &lastName,
		DateOfBirth:                  &in.DateOfBirth,
		BloodType:                    &bloodType,
		Gender:                       &gender,
		Address:                      &address,
		Height:                       &in.Height,
		Weight:                       &in.Weight,
		EmergencyContactName:         &contactName,
		EmergencyContactPhone:        &in.EmergencyContactPhone,
		EmergencyContactRelationship: &contactRel,
		IsPregnant:                   in.IsPregnant,
		LastPeriodDate:               &in.LastPeriodDate,
		MedicalConditions:            &conditions,
		Allergies:                    &allergies,
		CurrentMedications:           &medications,
		IsProfileComplete:            &complete,
	}
	if *in.IsPregnant {
		week, due := derivePregnancy(&in)
		patch.PregnancyWeek = &week
		patch.ExpectedDeliveryDate = &due
	}

	if err := s.repo.UpdateProfile(ctx, patientID, patch); err != nil {
		return nil, err
	}
	return s.repo.GetByPatientID(ctx, patientID)
}

// EditProfileInput carries the small post-intake edits the app allows.
type EditProfileInput struct {
	FirstName             *string  `json:"first_name"`
	LastName              *string  `json:"last_name"`
	Mobile                *string  `json:"mobile"`
	Address               *string  `json:"address"`
	EmergencyContactName  *string  `json:"emergency_contact_name"`
	EmergencyContactPhone *string  `json:"emergency_contact_phone"`
	Height                *float64 `json:"height"`
	Weight                *float64 `json:"weight"`
}

func (in EditProfileInput) empty() bool {
	return in.FirstName == nil && in.LastName == nil && in.Mobile == nil &&
		in.Address == nil && in.EmergencyContactName == nil && in.EmergencyContactPhone == nil &&
		in.Height == nil && in.Weight == nil
}

func (s *Service) EditProfile(ctx context.Context, patientID string, in EditProfileInput) (*Patient, error) {
	if patientID == "" {
		return nil, errors.New("patient_id is required")
	}
	if in.empty() {
		return nil, errors.New("no updatable fields supplied")
	}
	if in.FirstName != nil && strings.TrimSpace(*in.FirstName) == "" {
		return nil, errors.New("first_name cannot be empty")
	}
	if in.LastName != nil && strings.TrimSpace(*in.LastName) == "" {
		return nil, errors.New("last_name cannot be empty")
	}
	if in.Mobile != nil && !mobileRE.MatchString(*in.Mobile) {
		return nil, errors.New("mobile must be exactly 10 digits")
	}
	if in.EmergencyContactPhone != nil && !mobileRE.MatchString(*in.EmergencyContactPhone) {
		return nil, errors.New("emergency contact phone must be exactly 10 digits")
	}

	patch := ProfilePatch{
		Mobile:                in.Mobile,
		EmergencyContactPhone: in.EmergencyContactPhone,
		Height:                in.Height,
		Weight:                in.Weight,
	}
	if in.FirstName != nil {
		v := capitalizeFirst(*in.FirstName)
		patch.FirstName = &v
	}
	if in.LastName != nil {
		v := capitalizeFirst(*in.LastName)
		patch.LastName = &v
	}
	if in.Address != nil {
		v := capitalizeFirst(*in.Address)
		patch.Address = &v
	}
	if in.EmergencyContactName != nil {
		v := capitalizeFirst(*in.EmergencyContactName)
		patch.EmergencyContactName = &v
	}

	if err := s.repo.UpdateProfile(ctx, patientID, patch); err != nil {
		return nil, err
	}
	return s.repo.GetByPatientID(ctx, patientID)
}

// CareProfile is the view doctors pull up when reviewing a patient.
func (s *Service) CareProfile(ctx context.Context, patientID string) (*CareView, error) {
	if patientID == "" {
		return nil, errors.New("patient_id is required")
	}
	p, err := s.repo.GetByPatientID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return p.Care(), nil
}

func (s *Service) DeleteAccount(ctx context.Context, patientID string) error {
	if patientID == "" {
		return errors.New("patient_id is required")
	}
	return s.repo.SoftDelete(ctx, patientID)
}
