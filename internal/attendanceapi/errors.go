package attendanceapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorKind string

const (
	KindValidationFailed ErrorKind = "validation_failed"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindServerError      ErrorKind = "server_error"
	KindNetworkError     ErrorKind = "network_error"
)

var (
	ErrValidationFailed = errors.New("validation failed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrServerError      = errors.New("server error")
	ErrNetworkError     = errors.New("network error")
)

var kindSentinels = map[ErrorKind]error{
	KindValidationFailed: ErrValidationFailed,
	KindUnauthorized:     ErrUnauthorized,
	KindServerError:      ErrServerError,
	KindNetworkError:     ErrNetworkError,
}

// Violation is the business rule a ValidationFailed response reports.
type Violation string

const (
	ViolationOutsideGeofence Violation = "outside_geofence"
	ViolationEventNotStarted Violation = "event_not_started"
	ViolationEventEnded      Violation = "event_ended"
	ViolationOther           Violation = "other"
)

type Error struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
	Violation  Violation
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusBadRequest, status == http.StatusNotFound,
		status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		return KindValidationFailed
	default:
		return KindServerError
	}
}

func newStatusError(status int, body errorBody) *Error {
	message := strings.TrimSpace(body.Error)
	if message == "" {
		message = strings.TrimSpace(body.Message)
	}
	if message == "" {
		message = http.StatusText(status)
	}
	e := &Error{
		Kind:       classifyStatus(status),
		StatusCode: status,
		Code:       strings.TrimSpace(body.Code),
		Message:    message,
	}
	if e.Kind == KindValidationFailed {
		e.Violation = decodeViolation(e.Message, e.Code, strings.TrimSpace(body.Error))
	}
	return e
}

// decodeViolation tries each structured code in order, then falls back to the
// message vocabulary the backend emits today. The backend puts its code in
// either the "code" or the "error" field.
func decodeViolation(message string, codes ...string) Violation {
	for _, code := range codes {
		switch strings.ToLower(code) {
		case "outside_geofence", "not_within_geofence":
			return ViolationOutsideGeofence
		case "event_not_started", "too_early":
			return ViolationEventNotStarted
		case "event_ended", "event_already_ended":
			return ViolationEventEnded
		}
	}
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "not started"):
		return ViolationEventNotStarted
	case strings.Contains(lower, "ended"):
		return ViolationEventEnded
	case strings.Contains(lower, "event location"),
		strings.Contains(lower, "geofence"),
		strings.Contains(lower, "outside"):
		return ViolationOutsideGeofence
	default:
		return ViolationOther
	}
}
