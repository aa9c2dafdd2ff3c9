package doctor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/materna-health/materna/internal/platform/auth"
	"github.com/materna-health/materna/pkg/pagination"
)

var (
	emailRE  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	mobileRE = regexp.MustCompile(`^[0-9]{10}$`)
)

// Service implements doctor account registration, login, and profile
// management on top of a Repository.
type Service struct {
	repo   Repository
	tokens *auth.TokenIssuer
}

func NewService(repo Repository, tokens *auth.TokenIssuer) *Service {
	return &Service{repo: repo, tokens: tokens}
}

func newDoctorID() string {
	u := uuid.New()
	return fmt.Sprintf("DOC%X", u[:4])
}

// RegisterInput is the signup payload. Profile fields are collected
// later through the complete-profile flow.
type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Mobile   string `json:"mobile"`
	Password string `json:"password"`
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*Doctor, error) {
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
		return nil, errors.New("invalid mobile number")
	}
	if len(in.Password) < 6 {
		return nil, errors.New("password must be at least 6 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	d := &Doctor{
		DoctorID:       newDoctorID(),
		Username:       in.Username,
		Email:          in.Email,
		Mobile:         in.Mobile,
		PasswordHash:   string(hash),
		Languages:      []string{},
		Qualifications: []string{},
		Status:         StatusActive,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// LoginInput accepts either an email address or a doctor id in the
// email field, matching how the mobile clients log in.
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult bundles the issued token with the authenticated account.
type LoginResult struct {
	Token  string
	Doctor *Doctor
}

func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	identifier := strings.TrimSpace(in.Email)
	if identifier == "" || in.Password == "" {
		return nil, errors.New("email and password are required")
	}

	var (
		d   *Doctor
		err error
	)
	if strings.Contains(identifier, "@") {
		d, err = s.repo.GetByEmail(ctx, identifier)
	} else {
		d, err = s.repo.GetByDoctorID(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(d.PasswordHash), []byte(in.Password)) != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(d.DoctorID, d.Email, []string{"doctor"})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	_ = s.repo.TouchLogin(ctx, d.DoctorID)

	return &LoginResult{Token: token, Doctor: d}, nil
}

func (s *Service) GetProfile(ctx context.Context, doctorID string) (*Doctor, error) {
	if doctorID == "" {
		return nil, errors.New("doctor_id is required")
	}
	return s.repo.GetByDoctorID(ctx, doctorID)
}

// UpdateInput carries optional profile edits. Absent fields keep their
// stored values.
type UpdateInput struct {
	FirstName       *string   `json:"first_name"`
	LastName        *string   `json:"last_name"`
	Specialization  *string   `json:"specialization"`
	ExperienceYears *int      `json:"experience_years"`
	LicenseNumber   *string   `json:"license_number"`
	HospitalName    *string   `json:"hospital_name"`
	Address         *string   `json:"address"`
	City            *string   `json:"city"`
	State           *string   `json:"state"`
	Pincode         *string   `json:"pincode"`
	ConsultationFee *float64  `json:"consultation_fee"`
	Languages       *[]string `json:"languages"`
	Qualifications  *[]string `json:"qualifications"`
}

func (in UpdateInput) empty() bool {
	return in.FirstName == nil && in.LastName == nil && in.Specialization == nil &&
		in.ExperienceYears == nil && in.LicenseNumber == nil && in.HospitalName == nil &&
		in.Address == nil && in.City == nil && in.State == nil && in.Pincode == nil &&
		in.ConsultationFee == nil && in.Languages == nil && in.Qualifications == nil
}

// apply merges the edits into a copy of the stored record so the
// completion flag can be computed from the final state.
func (in UpdateInput) apply(d *Doctor) {
	if in.FirstName != nil {
		d.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		d.LastName = *in.LastName
	}
	if in.Specialization != nil {
		d.Specialization = *in.Specialization
	}
	if in.ExperienceYears != nil {
		d.ExperienceYears = *in.ExperienceYears
	}
	if in.LicenseNumber != nil {
		d.LicenseNumber = *in.LicenseNumber
	}
	if in.HospitalName != nil {
		d.HospitalName = *in.HospitalName
	}
	if in.Address != nil {
		d.Address = *in.Address
	}
	if in.City != nil {
		d.City = *in.City
	}
	if in.State != nil {
		d.State = *in.State
	}
	if in.Pincode != nil {
		d.Pincode = *in.Pincode
	}
	if in.ConsultationFee != nil {
		d.ConsultationFee = *in.ConsultationFee
	}
	if in.Languages != nil {
		d.Languages = *in.Languages
	}
	if in.Qualifications != nil {
		d.Qualifications = *in.Qualifications
	}
}

func (s *Service) UpdateProfile(ctx context.Context, doctorID string, in UpdateInput) (*Doctor, error) {
	if doctorID == "" {
		return nil, errors.New("doctor_id is required")
	}
	if in.empty() {
		return nil, errors.New("no updatable fields supplied")
	}

	current, err := s.repo.GetByDoctorID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	merged := *current
	in.apply(&merged)
	complete := merged.profileComplete()

	patch := ProfilePatch{
		FirstName:         in.FirstName,
		LastName:          in.LastName,
		Specialization:    in.Specialization,
		ExperienceYears:   in.ExperienceYears,
		LicenseNumber:     in.LicenseNumber,
		HospitalName:      in.HospitalName,
		Address:           in.Address,
		City:              in.City,
		State:             in.State,
		Pincode:           in.Pincode,
		ConsultationFee:   in.ConsultationFee,
		Languages:         in.Languages,
		Qualifications:    in.Qualifications,
		IsProfileComplete: &complete,
	}
	if err := s.repo.UpdateProfile(ctx, doctorID, patch); err != nil {
		return nil, err
	}
	return s.repo.GetByDoctorID(ctx, doctorID)
}

// CompleteProfile is the first-time profile fill after signup. The
// fields patients rely on when choosing a practitioner must all be
// present; everything else is optional.
func (s *Service) CompleteProfile(ctx context.Context, doctorID string, in UpdateInput) (*Doctor, error) {
	required := func(v *string) bool { return v != nil && strings.TrimSpace(*v) != "" }
	if !required(in.FirstName) || !required(in.LastName) || !required(in.Specialization) || !required(in.LicenseNumber) {
		return nil, errors.New("first_name, last_name, specialization and license_number are required")
	}
	return s.UpdateProfile(ctx, doctorID, in)
}

func (s *Service) PublicProfile(ctx context.Context, doctorID string) (*PublicProfile, error) {
	if doctorID == "" {
		return nil, errors.New("doctor_id is required")
	}
	d, err := s.repo.GetByDoctorID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return d.Public(), nil
}

// ListDoctors returns the browsable directory page plus the unpaged total.
func (s *Service) ListDoctors(ctx context.Context, q SearchQuery, p pagination.Params) ([]*PublicProfile, int, error) {
	doctors, total, err := s.repo.Search(ctx, q, p)
	if err != nil {
		return nil, 0, err
	}
	profiles := make([]*PublicProfile, 0, len(doctors))
	for _, d := range doctors {
		profiles = append(profiles, d.Public())
	}
	return profiles, total, nil
}

func (s *Service) DeleteAccount(ctx context.Context, doctorID string) error {
	if doctorID == "" {
		return errors.New("doctor_id is required")
	}
	return s.repo.SoftDelete(ctx, doctorID)
}
