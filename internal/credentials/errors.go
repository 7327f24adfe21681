package credentials

import (
	"errors"
	"fmt"
)

// Code classifies a credential failure.
type Code string

const (
	CodeNotFound      Code = "CREDENTIALS_NOT_FOUND"
	CodeInvalid       Code = "INVALID_CREDENTIALS"
	CodeRefreshFailed Code = "REFRESH_FAILED"
	CodeNetwork       Code = "NETWORK_ERROR"
)

// Error is returned by every Manager operation that fails.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is a credential error with the given code.
func IsCode(err error, code Code) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == code
}
