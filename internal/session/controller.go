package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"brandpulse/attendance/internal/attendanceapi"
	"brandpulse/attendance/internal/location"
)

type Locator interface {
	CurrentCoordinates(ctx context.Context, opts location.Options) (location.Fix, error)
}

type AttendanceAPI interface {
	CheckIn(ctx context.Context, eventID string, coords location.Coordinates) (attendanceapi.CheckInAck, error)
	CheckOut(ctx context.Context, eventID string) (attendanceapi.CheckOutAck, error)
}

// Observer receives controller events in the order the state changed. It
// runs synchronously and must not call RequestCheckIn, RequestCheckOut or
// Cancel on the same controller.
type Observer func(Event)

type Config struct {
	EventID         string
	UserID          string
	Locator         Locator
	API             AttendanceAPI
	LocationOptions location.Options
	Observer        Observer
	Logger          *log.Logger
	Now             func() time.Time
}

// Controller owns the attendance state of one user at one event. At most
// one transition is in flight; results of a cancelled attempt are dropped.
type Controller struct {
	eventID  string
	userID   string
	locator  Locator
	api      AttendanceAPI
	locOpts  location.Options
	observer Observer
	logger   *log.Logger
	now      func() time.Time

	emitMu sync.Mutex

	mu           sync.Mutex
	state        State
	checkInTime  *time.Time
	checkOutTime *time.Time
	lastKnown    *location.Coordinates
	seq          uint64
	inflight     *Attempt
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.EventID == "" {
		return nil, errors.New("event id required")
	}
	if cfg.Locator == nil || cfg.API == nil {
		return nil, errors.New("locator and attendance api required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LocationOptions == (location.Options{}) {
		cfg.LocationOptions = location.DefaultOptions()
	}
	return &Controller{
		eventID:  cfg.EventID,
		userID:   cfg.UserID,
		locator:  cfg.Locator,
		api:      cfg.API,
		locOpts:  cfg.LocationOptions,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
		state:    StateNotCheckedIn,
	}, nil
}

type Outcome struct {
	State     State    `json:"state"`
	Failure   *Failure `json:"failure,omitempty"`
	Cancelled bool     `json:"cancelled,omitempty"`
}

type Attempt struct {
	Seq uint64
	Op  string

	once    sync.Once
	done    chan struct{}
	outcome Outcome
	cancel  context.CancelFunc
}

func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Outcome is valid once Done is closed.
func (a *Attempt) Outcome() Outcome {
	<-a.done
	return a.outcome
}

func (a *Attempt) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-a.done:
		return a.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (a *Attempt) resolve(outcome Outcome) {
	a.once.Do(func() {
		a.outcome = outcome
		close(a.done)
		a.cancel()
	})
}

func (c *Controller) EventID() string { return c.eventID }

func (c *Controller) UserID() string { return c.userID }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		EventID: c.eventID,
		UserID:  c.userID,
		State:   c.state,
		Attempt: c.seq,
	}
	if c.checkInTime != nil {
		t := *c.checkInTime
		snap.CheckInTime = &t
	}
	if c.checkOutTime != nil {
		t := *c.checkOutTime
		snap.CheckOutTime = &t
	}
	if c.lastKnown != nil {
		coords := *c.lastKnown
		snap.LastKnownLocation = &coords
	}
	return snap
}

// RequestCheckIn enters CheckingIn and resolves location and the remote
// check-in in the background. ctx scopes the attempt's I/O.
func (c *Controller) RequestCheckIn(ctx context.Context) (*Attempt, error) {
	attempt, err := c.begin(ctx, "check_in", StateNotCheckedIn, StateCheckingIn)
	if err != nil {
		return nil, err
	}
	go c.runCheckIn(attempt.ctx, attempt.Attempt)
	return attempt.Attempt, nil
}

func (c *Controller) RequestCheckOut(ctx context.Context) (*Attempt, error) {
	attempt, err := c.begin(ctx, "check_out", StateCheckedIn, StateCheckingOut)
	if err != nil {
		return nil, err
	}
	go c.runCheckOut(attempt.ctx, attempt.Attempt)
	return attempt.Attempt, nil
}

// Cancel abandons the in-flight attempt, if any, and rolls the session back
// to its last stable state. It reports whether an attempt was cancelled.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	attempt := c.inflight
	if attempt == nil {
		c.mu.Unlock()
		return false
	}
	from := c.state
	to := stableBefore(from)
	c.state = to
	c.inflight = nil
	ev := c.event(EventCancelled, attempt.Seq, from, to)
	c.logger.Printf("session cancelled event=%s user=%s attempt=%d from=%s to=%s", c.eventID, c.userID, attempt.Seq, from, to)
	attempt.resolve(Outcome{State: to, Cancelled: true})
	c.emitLocked(ev)
	return true
}

type startedAttempt struct {
	*Attempt
	ctx context.Context
}

func (c *Controller) begin(ctx context.Context, op string, from, to State) (startedAttempt, error) {
	c.mu.Lock()
	if c.state != from || c.inflight != nil {
		state := c.state
		c.mu.Unlock()
		return startedAttempt{}, &TransitionError{Op: op, State: state}
	}
	c.seq++
	attemptCtx, cancel := context.WithCancel(ctx)
	attempt := &Attempt{Seq: c.seq, Op: op, done: make(chan struct{}), cancel: cancel}
	c.inflight = attempt
	c.state = to
	ev := c.event(EventStateChanged, attempt.Seq, from, to)
	c.logger.Printf("session transition event=%s user=%s attempt=%d from=%s to=%s", c.eventID, c.userID, attempt.Seq, from, to)
	c.emitLocked(ev)
	return startedAttempt{Attempt: attempt, ctx: attemptCtx}, nil
}

func (c *Controller) runCheckIn(ctx context.Context, attempt *Attempt) {
	fix, err := c.locator.CurrentCoordinates(ctx, c.locOpts)
	if err != nil {
		failure := locationFailure(err)
		c.finish(attempt, StateNotCheckedIn, nil, &failure, nil)
		return
	}

	c.mu.Lock()
	if c.inflight != attempt {
		c.mu.Unlock()
		return
	}
	coords := fix.Coordinates
	c.lastKnown = &coords
	c.mu.Unlock()

	ack, err := c.api.CheckIn(ctx, c.eventID, fix.Coordinates)
	if err != nil {
		failure := apiFailure(err)
		c.finish(attempt, StateNotCheckedIn, nil, &failure, nil)
		return
	}
	c.finish(attempt, StateCheckedIn, &fix, nil, func() {
		at := ack.CheckInTime
		c.checkInTime = &at
	})
}

func (c *Controller) runCheckOut(ctx context.Context, attempt *Attempt) {
	c.mu.Lock()
	var checkedInAt time.Time
	if c.checkInTime != nil {
		checkedInAt = *c.checkInTime
	}
	c.mu.Unlock()

	ack, err := c.api.CheckOut(ctx, c.eventID)
	if err != nil {
		failure := apiFailure(err)
		c.finish(attempt, StateCheckedIn, nil, &failure, nil)
		return
	}
	if ack.CheckOutTime.Before(checkedInAt) {
		c.finish(attempt, StateCheckedIn, nil, &Failure{
			Reason:  ReasonServerError,
			Message: "checkout time precedes checkin time",
		}, nil)
		return
	}
	c.finish(attempt, StateCheckedOut, nil, nil, func() {
		at := ack.CheckOutTime
		c.checkOutTime = &at
	})
}

// finish applies an attempt result if the attempt is still current. A
// non-nil failure marks the transition as rolled back.
func (c *Controller) finish(attempt *Attempt, to State, fix *location.Fix, failure *Failure, apply func()) {
	c.mu.Lock()
	if c.inflight != attempt {
		c.mu.Unlock()
		c.logger.Printf("session stale result dropped event=%s user=%s attempt=%d", c.eventID, c.userID, attempt.Seq)
		return
	}
	from := c.state
	if apply != nil {
		apply()
	}
	c.state = to
	c.inflight = nil

	kind := EventStateChanged
	outcome := Outcome{State: to}
	if failure != nil {
		kind = EventFailed
		outcome.Failure = failure
		c.logger.Printf("session failed event=%s user=%s attempt=%d reason=%s to=%s", c.eventID, c.userID, attempt.Seq, failure.Reason, to)
	} else {
		c.logger.Printf("session transition event=%s user=%s attempt=%d from=%s to=%s", c.eventID, c.userID, attempt.Seq, from, to)
	}
	ev := c.event(kind, attempt.Seq, from, to)
	ev.Failure = outcome.Failure
	if fix != nil {
		f := *fix
		ev.Fix = &f
	}
	attempt.resolve(outcome)
	c.emitLocked(ev)
}

func (c *Controller) event(kind EventKind, seq uint64, from, to State) Event {
	return Event{
		Kind:    kind,
		EventID: c.eventID,
		UserID:  c.userID,
		Attempt: seq,
		From:    from,
		State:   to,
		At:      c.now(),
	}
}

// emitLocked hands c.mu over to emitMu so observers see events in state
// order without holding the state lock. Caller must hold c.mu.
func (c *Controller) emitLocked(ev Event) {
	if c.observer == nil {
		c.mu.Unlock()
		return
	}
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	c.observer(ev)
}

func stableBefore(state State) State {
	if state == StateCheckingOut {
		return StateCheckedIn
	}
	return StateNotCheckedIn
}
