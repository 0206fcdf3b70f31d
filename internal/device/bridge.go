package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"brandpulse/attendance/internal/location"
)

var ErrInvalidFix = errors.New("invalid fix")

type PromptKind string

const (
	PromptPermission PromptKind = "permission"
	PromptPosition   PromptKind = "position"
)

// Prompt asks the device shell to show the permission dialog or to take a
// reading at the given accuracy.
type Prompt struct {
	ID       string            `json:"id"`
	Kind     PromptKind        `json:"kind"`
	Accuracy location.Accuracy `json:"accuracy,omitempty"`
	At       time.Time         `json:"at"`
}

type positionWaiter struct {
	radius float64
	ch     chan location.Fix
}

// Bridge is a location.Device fed by the device shell over HTTP. Readings,
// permission answers and the services toggle are pushed in; the provider
// pulls them through the Device interface.
type Bridge struct {
	now func() time.Time

	mu          sync.Mutex
	permission  location.Permission
	enabled     bool
	last        *location.Fix
	positions   map[*positionWaiter]struct{}
	permissions map[chan location.Permission]struct{}
	prompts     map[chan Prompt]struct{}
}

func NewBridge() *Bridge {
	return &Bridge{
		now:         time.Now,
		permission:  location.PermissionUndetermined,
		enabled:     true,
		positions:   make(map[*positionWaiter]struct{}),
		permissions: make(map[chan location.Permission]struct{}),
		prompts:     make(map[chan Prompt]struct{}),
	}
}

func (b *Bridge) Permission(context.Context) (location.Permission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.permission, nil
}

// RequestPermission prompts the shell and waits for its answer. When no
// connected shell accepted the prompt the current status is returned
// unchanged.
func (b *Bridge) RequestPermission(ctx context.Context) (location.Permission, error) {
	b.mu.Lock()
	if b.permission == location.PermissionGranted {
		b.mu.Unlock()
		return location.PermissionGranted, nil
	}
	ch := make(chan location.Permission, 1)
	b.permissions[ch] = struct{}{}
	if b.publishLocked(Prompt{Kind: PromptPermission}) == 0 {
		delete(b.permissions, ch)
		status := b.permission
		b.mu.Unlock()
		return status, nil
	}
	b.mu.Unlock()

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.permissions, ch)
		b.mu.Unlock()
		return location.PermissionUndetermined, ctx.Err()
	}
}

func (b *Bridge) ServicesEnabled(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled, nil
}

// CurrentPosition waits for the next reading whose reported accuracy is
// within the tier radius. Readings with unknown accuracy are accepted.
func (b *Bridge) CurrentPosition(ctx context.Context, accuracy location.Accuracy) (location.Fix, error) {
	waiter := &positionWaiter{radius: accuracy.Radius(), ch: make(chan location.Fix, 1)}
	b.mu.Lock()
	b.positions[waiter] = struct{}{}
	b.publishLocked(Prompt{Kind: PromptPosition, Accuracy: accuracy})
	b.mu.Unlock()

	select {
	case fix := <-waiter.ch:
		return fix, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.positions, waiter)
		b.mu.Unlock()
		return location.Fix{}, ctx.Err()
	}
}

func (b *Bridge) LastKnownPosition(context.Context, time.Duration) (location.Fix, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return location.Fix{}, false, nil
	}
	return *b.last, true, nil
}

// Report records a reading from the shell and hands it to waiting callers.
func (b *Bridge) Report(fix location.Fix) (location.Fix, error) {
	if !fix.Valid() || fix.Accuracy < 0 {
		return location.Fix{}, ErrInvalidFix
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = b.now()
	}
	fix.Source = ""

	b.mu.Lock()
	defer b.mu.Unlock()
	stored := fix
	b.last = &stored
	for waiter := range b.positions {
		if fix.Accuracy != 0 && fix.Accuracy > waiter.radius {
			continue
		}
		waiter.ch <- fix
		delete(b.positions, waiter)
	}
	return fix, nil
}

func (b *Bridge) SetPermission(status location.Permission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.permission = status
	if status == location.PermissionUndetermined {
		return
	}
	for ch := range b.permissions {
		ch <- status
		delete(b.permissions, ch)
	}
}

func (b *Bridge) SetServicesEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// Subscribe streams prompts to a connected shell until cancel is called.
func (b *Bridge) Subscribe(buffer int) (<-chan Prompt, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Prompt, buffer)
	b.mu.Lock()
	b.prompts[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.prompts[ch]; ok {
			delete(b.prompts, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// publishLocked returns how many subscribers took the prompt. A subscriber
// with a full buffer misses it.
func (b *Bridge) publishLocked(prompt Prompt) int {
	prompt.ID = uuid.NewString()
	prompt.At = b.now()
	delivered := 0
	for ch := range b.prompts {
		select {
		case ch <- prompt:
			delivered++
		default:
		}
	}
	return delivered
}
