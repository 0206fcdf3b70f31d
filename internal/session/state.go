package session

import (
	"errors"
	"fmt"
	"time"

	"brandpulse/attendance/internal/attendanceapi"
	"brandpulse/attendance/internal/location"
)

type State string

const (
	StateNotCheckedIn State = "not_checked_in"
	StateCheckingIn   State = "checking_in"
	StateCheckedIn    State = "checked_in"
	StateCheckingOut  State = "checking_out"
	StateCheckedOut   State = "checked_out"
)

func (s State) InFlight() bool {
	return s == StateCheckingIn || s == StateCheckingOut
}

type Reason string

const (
	ReasonPermissionDenied    Reason = "permission_denied"
	ReasonLocationUnavailable Reason = "location_unavailable"
	ReasonOutsideGeofence     Reason = "outside_geofence"
	ReasonEventNotStarted     Reason = "event_not_started"
	ReasonEventEnded          Reason = "event_ended"
	ReasonOther               Reason = "other"
	ReasonUnauthorized        Reason = "unauthorized"
	ReasonServerError         Reason = "server_error"
	ReasonNetworkError        Reason = "network_error"
)

// Failure is emitted when a transition is rolled back. Message carries the
// server text for ReasonOther and diagnostic detail otherwise.
type Failure struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
}

func (f Failure) Error() string {
	if f.Message == "" {
		return string(f.Reason)
	}
	return string(f.Reason) + ": " + f.Message
}

var ErrInvalidStateTransition = errors.New("invalid state transition")

type TransitionError struct {
	Op    string
	State State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

func locationFailure(err error) Failure {
	if errors.Is(err, location.ErrPermissionDenied) {
		return Failure{Reason: ReasonPermissionDenied}
	}
	return Failure{Reason: ReasonLocationUnavailable, Message: err.Error()}
}

func apiFailure(err error) Failure {
	var apiErr *attendanceapi.Error
	if !errors.As(err, &apiErr) {
		return Failure{Reason: ReasonNetworkError, Message: err.Error()}
	}
	switch apiErr.Kind {
	case attendanceapi.KindValidationFailed:
		switch apiErr.Violation {
		case attendanceapi.ViolationOutsideGeofence:
			return Failure{Reason: ReasonOutsideGeofence, Message: apiErr.Message}
		case attendanceapi.ViolationEventNotStarted:
			return Failure{Reason: ReasonEventNotStarted, Message: apiErr.Message}
		case attendanceapi.ViolationEventEnded:
			return Failure{Reason: ReasonEventEnded, Message: apiErr.Message}
		default:
			return Failure{Reason: ReasonOther, Message: apiErr.Message}
		}
	case attendanceapi.KindUnauthorized:
		return Failure{Reason: ReasonUnauthorized, Message: apiErr.Message}
	case attendanceapi.KindServerError:
		return Failure{Reason: ReasonServerError, Message: apiErr.Message}
	default:
		return Failure{Reason: ReasonNetworkError, Message: apiErr.Error()}
	}
}

type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventFailed       EventKind = "failed"
	EventCancelled    EventKind = "cancelled"
)

// Event is delivered to the controller observer after every state change.
// Failed and Cancelled events carry the state the session rolled back to.
type Event struct {
	Kind    EventKind     `json:"kind"`
	EventID string        `json:"eventId"`
	UserID  string        `json:"userId"`
	Attempt uint64        `json:"attempt"`
	From    State         `json:"from"`
	State   State         `json:"state"`
	Failure *Failure      `json:"failure,omitempty"`
	Fix     *location.Fix `json:"fix,omitempty"`
	At      time.Time     `json:"at"`
}

type Snapshot struct {
	EventID           string                `json:"eventId"`
	UserID            string                `json:"userId"`
	State             State                 `json:"state"`
	Attempt           uint64                `json:"attempt"`
	CheckInTime       *time.Time            `json:"checkinTime,omitempty"`
	CheckOutTime      *time.Time            `json:"checkoutTime,omitempty"`
	LastKnownLocation *location.Coordinates `json:"lastKnownLocation,omitempty"`
}
