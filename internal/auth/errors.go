package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCredential      = errors.New("auth: invalid credential")
	ErrInsufficientPermission = errors.New("auth: insufficient permission")
	ErrMissingSecret          = errors.New("auth: signing secret is not configured")
	ErrUnsupportedAlgorithm   = errors.New("auth: unsupported signing algorithm")
	ErrInvalidInput           = errors.New("auth: invalid input")
	ErrNotFound               = errors.New("auth: not found")
	ErrUserDisabled           = errors.New("auth: user disabled")
	ErrConflict               = errors.New("auth: conflict")
)

// CredentialError is an authentication failure. It unwraps to ErrInvalidCredential.
type CredentialError struct {
	Reason string
}

func (e *CredentialError) Error() string {
	if e.Reason == "" {
		return ErrInvalidCredential.Error()
	}
	return ErrInvalidCredential.Error() + ": " + e.Reason
}

func (e *CredentialError) Unwrap() error { return ErrInvalidCredential }

// Challenge is the WWW-Authenticate value for this failure.
func (e *CredentialError) Challenge() string {
	if e.Reason == "" {
		return `Bearer error="invalid_token"`
	}
	return fmt.Sprintf(`Bearer error="invalid_token", error_description=%q`, e.Reason)
}

func invalidCredential(reason string) error {
	return &CredentialError{Reason: reason}
}

// PermissionError is an authorization failure raised by a guard. It unwraps
// to ErrInsufficientPermission.
type PermissionError struct {
	// Required is the set the principal had to match: allowed roles for role
	// guards, required permissions for permission guards.
	Required []string
	Actual   string
	// Missing lists the required permissions the principal lacks.
	Missing []string
	Reason  string
}

func (e *PermissionError) Error() string {
	var b strings.Builder
	b.WriteString(ErrInsufficientPermission.Error())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " (missing %s)", strings.Join(e.Missing, ","))
	} else if len(e.Required) > 0 {
		fmt.Fprintf(&b, " (required one of %s, have %q)", strings.Join(e.Required, ","), e.Actual)
	}
	return b.String()
}

func (e *PermissionError) Unwrap() error { return ErrInsufficientPermission }
