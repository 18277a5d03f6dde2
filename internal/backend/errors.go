package backend

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

const (
	msgBadRequest = "Bad request. Please check your input."
	msgSession    = "Your session has expired. Please log in again."
	msgForbidden  = "You do not have permission to perform this action."
	msgNotFound   = "The requested resource was not found."
	msgValidation = "Validation error. Please check your input."
	msgServer     = "Server error. Please try again later."
	msgNetwork    = "Network error. Please check your connection and try again."
	msgUnexpected = "An unexpected error occurred."
)

// Message turns a backend error into text suitable for showing a user.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpMessage(httpErr)
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return msgNetwork
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return msgUnexpected
}

// IsAuthFailure reports whether the backend rejected the session token.
func IsAuthFailure(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == 401
}

func httpMessage(e *HTTPError) string {
	switch e.StatusCode {
	case 400:
		return orDefault(e.Detail, msgBadRequest)
	case 401:
		return msgSession
	case 403:
		return msgForbidden
	case 404:
		return msgNotFound
	case 422:
		if len(e.Details) > 0 {
			return strings.Join(e.Details, ", ")
		}
		return orDefault(e.Detail, msgValidation)
	case 500:
		return msgServer
	default:
		return orDefault(e.Detail, msgUnexpected)
	}
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
