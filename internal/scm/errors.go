// errors.go defines sentinel error values and the API error wrapper shared by
// the source-control client.
package scm

import "errors"

var (
	// ErrRepoNotFound is returned when the repository does not exist or the
	// token cannot see it.
	ErrRepoNotFound = errors.New("repository not found")

	// ErrFileNotFound is returned when a requested file is absent at the ref.
	ErrFileNotFound = errors.New("file not found in repository")

	// ErrRateLimitExceeded is returned when the API rate limit is exhausted.
	ErrRateLimitExceeded = errors.New("API rate limit exceeded")
)

// APIError represents an error from the source-control provider API
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new API error
func NewAPIError(statusCode int, message string, err error) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}
