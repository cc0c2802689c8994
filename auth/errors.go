package auth

import (
	"errors"
	"fmt"
)

// StatusError is returned for any non-2xx response that was not recovered.
type StatusError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// RefreshError is returned to every request that waited on a failed refresh.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refreshing access token: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether err is a 401 StatusError.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == 401
}
