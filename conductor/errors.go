package conductor

import (
	"errors"
	"net/http"
)

var (
	// ErrConfig marks a declaration or registration rejected at startup.
	ErrConfig = errors.New("conductor configuration error")
	// ErrNoStages is returned when a run finds no block left to execute.
	ErrNoStages = errors.New("no stages to run")
	// ErrNoSuchBlock is returned for a stage key the conductor does not have.
	ErrNoSuchBlock = errors.New("no such stage block")
	// ErrNoSuchGroup is returned for a data group the conductor does not have.
	ErrNoSuchGroup = errors.New("no such data group")
)

// StatusCoder is implemented by errors that carry an HTTP status. The default
// error handler uses it to pick the response status.
type StatusCoder interface {
	StatusCode() int
}

// HTTPError is a stage failure carrying an HTTP status.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return e.Message
}

func (e *HTTPError) StatusCode() int { return e.Code }

// NewHTTPError is a shorthand for &HTTPError{Code: code, Message: msg}.
func NewHTTPError(code int, msg string) *HTTPError {
	return &HTTPError{Code: code, Message: msg}
}
