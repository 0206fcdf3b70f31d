package location

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrServicesDisabled    = errors.New("location services disabled")
	ErrLocationUnavailable = errors.New("location unavailable")
)

type Accuracy string

const (
	AccuracyPrecise  Accuracy = "precise"
	AccuracyBalanced Accuracy = "balanced"
)

func ParseAccuracy(value string) (Accuracy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "precise", "high", "":
		return AccuracyPrecise, nil
	case "balanced":
		return AccuracyBalanced, nil
	default:
		return "", fmt.Errorf("unknown accuracy %q", value)
	}
}

// Radius returns the worst horizontal accuracy, in meters, a fix may report
// and still satisfy the tier.
func (a Accuracy) Radius() float64 {
	if a == AccuracyPrecise {
		return 25
	}
	return 100
}

type Permission string

const (
	PermissionUndetermined Permission = "undetermined"
	PermissionGranted      Permission = "granted"
	PermissionDenied       Permission = "denied"
)

func ParsePermission(value string) (Permission, error) {
	switch Permission(strings.ToLower(strings.TrimSpace(value))) {
	case PermissionGranted:
		return PermissionGranted, nil
	case PermissionDenied:
		return PermissionDenied, nil
	case PermissionUndetermined:
		return PermissionUndetermined, nil
	default:
		return "", fmt.Errorf("unknown permission %q", value)
	}
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c Coordinates) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

type Source string

const (
	SourceLive      Source = "live"
	SourceLastKnown Source = "last_known"
	SourceCache     Source = "cache"
)

type Fix struct {
	Coordinates
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source,omitempty"`
}

func (f Fix) Age(now time.Time) time.Duration {
	return now.Sub(f.Timestamp)
}

// Device is the platform location API. Implementations must honor ctx
// cancellation in CurrentPosition and RequestPermission.
type Device interface {
	Permission(ctx context.Context) (Permission, error)
	RequestPermission(ctx context.Context) (Permission, error)
	ServicesEnabled(ctx context.Context) (bool, error)
	CurrentPosition(ctx context.Context, accuracy Accuracy) (Fix, error)
	LastKnownPosition(ctx context.Context, maxAge time.Duration) (Fix, bool, error)
}

// PermissionTimeout bounds the wait for an answer to a permission request
// and defaults to Timeout.
type Options struct {
	Accuracy          Accuracy
	MaxAge            time.Duration
	Timeout           time.Duration
	PermissionTimeout time.Duration
}

const (
	DefaultMaxAge  = 5 * time.Minute
	DefaultTimeout = 10 * time.Second
)

func DefaultOptions() Options {
	return Options{Accuracy: AccuracyPrecise, MaxAge: DefaultMaxAge, Timeout: DefaultTimeout}
}

func (o Options) withDefaults() Options {
	if o.Accuracy == "" {
		o.Accuracy = AccuracyPrecise
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PermissionTimeout <= 0 {
		o.PermissionTimeout = o.Timeout
	}
	return o
}
