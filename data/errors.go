package data

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrValidation marks a payload rejected by the object's validator.
	ErrValidation = errors.New("data validation error")
	// ErrRequest marks a failed fetch.
	ErrRequest = errors.New("data request error")
	// ErrUnauthorized marks a fetch denied by the remote side. It wraps
	// ErrRequest; no fallback is attempted for it.
	ErrUnauthorized = fmt.Errorf("%w: unauthorized", ErrRequest)
	// ErrDuplicateName is returned when a second instance is registered under
	// a name already present in a request's data store.
	ErrDuplicateName = errors.New("data name already registered")
	// ErrInvalidConfig marks a data declaration rejected at definition time.
	ErrInvalidConfig = errors.New("invalid data config")
)

// StatusError is returned by Client.Do when the remote side answered with a
// status code of 400 or above.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote responded %d %s", e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return ErrRequest
}

// IsUnauthorized reports whether err carries an authorization-denied
// classification: ErrUnauthorized in its chain, or a gRPC status of
// Unauthenticated or PermissionDenied.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		switch se.GRPCStatus().Code() {
		case codes.Unauthenticated, codes.PermissionDenied:
			return true
		}
	}
	return false
}

func requestError(name string, err error) error {
	if IsUnauthorized(err) {
		if errors.Is(err, ErrUnauthorized) {
			return fmt.Errorf("%s: %w", name, err)
		}
		return fmt.Errorf("%s: %w: %w", name, ErrUnauthorized, err)
	}
	if errors.Is(err, ErrRequest) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return fmt.Errorf("%s: %w: %w", name, ErrRequest, err)
}
