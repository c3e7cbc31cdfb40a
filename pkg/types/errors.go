package types

import (
	"errors"
	"fmt"
)

// AuthError means the vendor rejected the credential or answered the auth call
// in a shape we do not understand. It is never retried.
type AuthError struct {
	Provider Provider
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError is a transport level failure: timeout, refused or reset
// connection, or a 5xx/429 response. It is retried with backoff.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentAPIError is an explicit failure reported by the vendor (success
// false, a non-zero err or code). It is never retried and means "no data for
// this call".
type PermanentAPIError struct {
	Provider Provider
	Op       string
	Code     string
	Message  string
}

func (e *PermanentAPIError) Error() string {
	return fmt.Sprintf("%s %s failed (code %s): %s", e.Provider, e.Op, e.Code, e.Message)
}

// DataFormatError is a malformed field in an otherwise usable record.
type DataFormatError struct {
	Field string
	Value string
	Err   error
}

func (e *DataFormatError) Error() string {
	return fmt.Sprintf("bad %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *DataFormatError) Unwrap() error { return e.Err }

// RowError is a single rejected insert.
type RowError struct {
	DeviceSN  string
	Timestamp string
	Err       error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("insert %s@%s: %v", e.DeviceSN, e.Timestamp, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// RunFailure is whatever ended one credential's processing early.
type RunFailure struct {
	CredentialID string
	Provider     Provider
	Err          error
}

func (e *RunFailure) Error() string {
	return fmt.Sprintf("credential %s (%s): %v", e.CredentialID, e.Provider, e.Err)
}

func (e *RunFailure) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether the vendor explicitly refused the call.
func IsPermanent(err error) bool {
	var pe *PermanentAPIError
	return errors.As(err, &pe)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
