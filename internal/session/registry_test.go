package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"brandpulse/attendance/internal/attendanceapi"
	"brandpulse/attendance/internal/location"
)

func newTestRegistry(t *testing.T, api AttendanceAPI, observers ...Observer) *Registry {
	t.Helper()
	factory := func(key Key, observer Observer) (*Controller, error) {
		return NewController(Config{
			EventID:  key.EventID,
			UserID:   key.UserID,
			Locator:  &fakeLocator{fix: location.Fix{Coordinates: venue}},
			API:      api,
			Observer: observer,
			Logger:   quietLogger,
		})
	}
	return NewRegistry(factory, quietLogger, observers...)
}

func TestRegistryOpenReturnsSameSession(t *testing.T) {
	reg := newTestRegistry(t, &fakeAPI{})
	key := Key{UserID: "u-1", EventID: "42"}

	first, err := reg.Open(key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := reg.Open(key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same controller for the same key")
	}
	other, err := reg.Open(Key{UserID: "u-2", EventID: "42"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if other == first {
		t.Fatalf("expected users to get separate sessions")
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", reg.Len())
	}
	if _, ok := reg.Lookup(Key{UserID: "u-3", EventID: "42"}); ok {
		t.Fatalf("expected lookup miss for unknown key")
	}
	if !reg.HasUser("u-2") || reg.HasUser("u-3") {
		t.Fatalf("unexpected HasUser results")
	}
}

func TestRegistryOpenPropagatesFactoryError(t *testing.T) {
	reg := NewRegistry(func(Key, Observer) (*Controller, error) {
		return nil, errors.New("boom")
	}, quietLogger)
	if _, err := reg.Open(Key{EventID: "1"}); err == nil {
		t.Fatalf("expected factory error")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected failed open to leave no session")
	}
}

func TestRegistrySubscribeAndObservers(t *testing.T) {
	var mu sync.Mutex
	var observed []EventKind
	api := &fakeAPI{checkInAck: attendanceapi.CheckInAck{CheckInTime: checkinAt}}
	reg := newTestRegistry(t, api, func(ev Event) {
		mu.Lock()
		observed = append(observed, ev.Kind)
		mu.Unlock()
	})
	key := Key{UserID: "u-1", EventID: "42"}
	c, err := reg.Open(key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	events, cancel, ok := reg.Subscribe(key, 0)
	if !ok {
		t.Fatalf("expected subscribe to find the session")
	}
	defer cancel()

	checkedIn(t, c)

	var states []State
	for len(states) < 2 {
		select {
		case ev := <-events:
			states = append(states, ev.State)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", states)
		}
	}
	if states[0] != StateCheckingIn || states[1] != StateCheckedIn {
		t.Fatalf("unexpected event order %v", states)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 2 {
		t.Fatalf("expected observer to see 2 events, got %d", len(observed))
	}

	if _, _, ok := reg.Subscribe(Key{UserID: "nobody", EventID: "42"}, 1); ok {
		t.Fatalf("expected subscribe to unknown session to fail")
	}
}

func TestRegistryDiscardCancelsAndCloses(t *testing.T) {
	api := &fakeAPI{gate: make(chan struct{})}
	defer close(api.gate)
	reg := newTestRegistry(t, api)
	key := Key{UserID: "u-1", EventID: "42"}
	c, err := reg.Open(key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	events, _, _ := reg.Subscribe(key, 8)

	attempt, err := c.RequestCheckIn(context.Background())
	if err != nil {
		t.Fatalf("request check-in: %v", err)
	}
	if !reg.Discard(key) {
		t.Fatalf("expected discard to find the session")
	}
	if outcome := wait(t, attempt); !outcome.Cancelled {
		t.Fatalf("expected discard to cancel the attempt, got %+v", outcome)
	}

	var kinds []EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[1] != EventCancelled {
		t.Fatalf("expected checking_in then cancelled before close, got %v", kinds)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected session removed")
	}
	if reg.Discard(key) {
		t.Fatalf("expected second discard to be a no-op")
	}
}

func TestRegistrySweep(t *testing.T) {
	api := &fakeAPI{checkInAck: attendanceapi.CheckInAck{CheckInTime: checkinAt}}
	reg := newTestRegistry(t, api)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	idle := Key{UserID: "idle", EventID: "1"}
	busy := Key{UserID: "busy", EventID: "1"}
	fresh := Key{UserID: "fresh", EventID: "1"}
	if _, err := reg.Open(idle); err != nil {
		t.Fatalf("open: %v", err)
	}

	api.gate = make(chan struct{})
	busyController, err := reg.Open(busy)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	attempt, err := busyController.RequestCheckIn(context.Background())
	if err != nil {
		t.Fatalf("request check-in: %v", err)
	}

	now = now.Add(time.Hour)
	if _, err := reg.Open(fresh); err != nil {
		t.Fatalf("open: %v", err)
	}

	if swept := reg.Sweep(30 * time.Minute); swept != 1 {
		t.Fatalf("expected only the idle session swept, got %d", swept)
	}
	if _, ok := reg.Lookup(idle); ok {
		t.Fatalf("expected idle session gone")
	}
	if _, ok := reg.Lookup(busy); !ok {
		t.Fatalf("expected in-flight session kept")
	}
	if _, ok := reg.Lookup(fresh); !ok {
		t.Fatalf("expected fresh session kept")
	}

	close(api.gate)
	wait(t, attempt)
}

func TestRegistrySlowSubscriberDropped(t *testing.T) {
	reg := newTestRegistry(t, &fakeAPI{})
	key := Key{UserID: "u-1", EventID: "42"}
	c, err := reg.Open(key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	slow, cancelSlow, _ := reg.Subscribe(key, 1)
	defer cancelSlow()
	fast, cancelFast, _ := reg.Subscribe(key, 4)
	defer cancelFast()

	reg.dispatch(key, Event{Kind: EventStateChanged, State: StateCheckingIn})
	reg.dispatch(key, Event{Kind: EventFailed, State: StateNotCheckedIn})

	received := 0
	for range slow {
		received++
	}
	if received != 1 {
		t.Fatalf("expected one buffered event before the channel closed, got %d", received)
	}
	if len(fast) != 2 {
		t.Fatalf("expected the other subscriber to keep receiving, got %d", len(fast))
	}
	if c.State() != StateNotCheckedIn {
		t.Fatalf("expected slow subscriber not to affect the session")
	}
}

func TestRegistrySweepDuringCancelAndDispatch(t *testing.T) {
	api := &fakeAPI{gate: make(chan struct{})}
	defer close(api.gate)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	reg := newTestRegistry(t, api, func(ev Event) {
		if ev.State != StateCheckingIn {
			return
		}
		select {
		case entered <- struct{}{}:
			<-release
		default:
		}
	})
	key := Key{UserID: "u-1", EventID: "42"}
	c, err := reg.Open(key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, _ = c.RequestCheckIn(context.Background())
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the checking_in event to reach the observer")
	}

	go func() {
		defer wg.Done()
		c.Cancel()
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		reg.Sweep(-time.Hour)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep, cancel and dispatch did not all complete")
	}
	if c.InFlight() {
		t.Fatalf("expected the attempt cancelled")
	}
}
