package doctor

import "errors"

var (
	// ErrDoctorNotFound covers lookups by doctor_id, email, or username
	// that match nothing active.
	ErrDoctorNotFound = errors.New("doctor not found")

	// ErrEmailExists signals a registration against an email already on file.
	ErrEmailExists = errors.New("email already exists")

	// ErrUsernameExists signals a registration against a taken username.
	ErrUsernameExists = errors.New("username already exists")

	// ErrMobileExists signals a registration against a mobile number already on file.
	ErrMobileExists = errors.New("mobile number already exists")

	// ErrInvalidCredentials is returned for any login failure. The response
	// never distinguishes unknown accounts from wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
