package domain

import (
	"errors"
	"fmt"
)

// AuthCode is the machine-readable cause of an authentication failure.
type AuthCode string

const (
	AuthUnauthorized AuthCode = "unauthorized"
	AuthForbidden    AuthCode = "forbidden"
	AuthInvalidToken AuthCode = "invalid-token"
	AuthTokenExpired AuthCode = "token-expired"
)

// AuthError is raised by the backend client and propagated unmodified.
type AuthError struct {
	Code   AuthCode
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("auth %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("auth %s (status %d): %s", e.Code, e.Status, e.Detail)
}

// SessionReason tells why the backend rejected a session.
type SessionReason string

const (
	SessionExpired  SessionReason = "expired"
	SessionInvalid  SessionReason = "invalid"
	SessionNotFound SessionReason = "not_found"
)

// SessionError reports a session the backend no longer accepts.
// The corresponding managed session has already been expired when this is returned.
type SessionError struct {
	SessionID string
	Reason    SessionReason
	Err       error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s %s: %v", e.SessionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("session %s %s", e.SessionID, e.Reason)
}

func (e *SessionError) Unwrap() error { return e.Err }

// ConnectionError is the terminal cause carried by a failed connection.
type ConnectionError struct {
	Reason   string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("connection failed (%s)", e.Reason)
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsSessionError(err error) bool {
	var se *SessionError
	return errors.As(err, &se)
}
