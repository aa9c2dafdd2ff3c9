package patient

import "errors"

var (
	// ErrPatientNotFound covers lookups by patient_id or email that match
	// nothing active.
	ErrPatientNotFound = errors.New("patient not found")

	// ErrEmailExists signals a registration against an email already on file.
	ErrEmailExists = errors.New("email already exists")

	// ErrUsernameExists signals a registration against a taken username.
	ErrUsernameExists = errors.New("username already exists")

	// ErrMobileExists signals a registration against a mobile number already on file.
	ErrMobileExists = errors.New("mobile number already exists")

	// ErrInvalidCredentials is returned for any login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
