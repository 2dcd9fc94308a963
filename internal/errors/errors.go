package errors

import (
	"errors"
	"fmt"
)

// Common error types for the session coordinator
var (
	// Session errors
	ErrNotAuthenticated         = errors.New("not authenticated")
	ErrSessionExpired           = errors.New("session expired")
	ErrRefreshCredentialInvalid = errors.New("refresh credential invalid")
	ErrRefreshFailed            = errors.New("refresh failed")
	ErrInvalidTransition        = errors.New("invalid session state transition")

	// Transport errors
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNetworkFailure = errors.New("network failure")
	ErrRequestFailed  = errors.New("request failed")

	// Credential errors
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialInvalid  = errors.New("credential invalid")

	// General errors
	ErrMissingDependency = errors.New("missing dependency")
	ErrUnsupported       = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
