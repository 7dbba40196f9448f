package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// The request was superseded by an identical one or its context was canceled.
	// Callers should ignore it rather than surface it.
	ErrCanceled = errors.New("request canceled")

	// The identity endpoint is not queried again until the failure state is reset.
	ErrIdentityCheckSuppressed = fmt.Errorf("%w: identity check suppressed", ErrCanceled)

	// No response reached the client
	ErrNetwork = errors.New("network error")

	ErrUnauthorized           = errors.New("unauthorized")
	ErrUnauthenticated        = errors.New("not authenticated")
	ErrResource               = errors.New("resource error")
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
	ErrInvalidInput           = errors.New("invalid input")
)

// RequestError is a non-2xx response from the API, other than 401
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrResource.Error(), e.StatusCode, e.Message)
}

func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrResource:
		return true
	case ErrTemporarilyUnavailable:
		switch e.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}
