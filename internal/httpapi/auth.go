package httpapi

import (
	"crypto/subtle"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer accepts any request when token is empty. The agent binds
// to loopback by default and the token guards shared hosts.
func authorizeBearer(authHeader, token string) *authError {
	if token == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "bearer token mismatch",
		}
	}
	return nil
}
