package github

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound means the upstream resource does not exist. For readmes and
// manifests callers treat it as "absent", not as a failure.
var ErrNotFound = errors.New("not found")

// TransientError is a network or server-side failure that survived retries.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("github %s: transient failure after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// APIError is a non-retryable upstream rejection (auth, permissions, legal).
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github %s: %s", e.Op, e.Message)
}

// friendlyMessage maps GitHub status codes to messages fit for end users.
func friendlyMessage(status int, fallback string) string {
	switch status {
	case http.StatusUnauthorized:
		return "GitHub authentication failed; check the configured token"
	case http.StatusForbidden:
		return "GitHub denied access to this repository"
	case http.StatusNotFound:
		return "repository not found or private"
	case http.StatusUnavailableForLegalReasons:
		return "repository unavailable for legal reasons"
	}
	if fallback != "" {
		return fallback
	}
	return http.StatusText(status)
}

// IsNotFound reports whether err means the resource is absent.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
