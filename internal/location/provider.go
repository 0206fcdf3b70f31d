package location

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// FixCache keeps the most recent live fix so a later attempt can fall back
// to it when the sensor cannot produce a fresh reading.
type FixCache interface {
	Load(ctx context.Context) (Fix, bool, error)
	Store(ctx context.Context, fix Fix) error
}

type Provider struct {
	device Device
	cache  FixCache
	logger *log.Logger
	now    func() time.Time
}

type ProviderOption func(*Provider)

func WithCache(cache FixCache) ProviderOption {
	return func(p *Provider) { p.cache = cache }
}

func WithLogger(logger *log.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

func NewProvider(device Device, opts ...ProviderOption) *Provider {
	p := &Provider{device: device, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) CurrentCoordinates(ctx context.Context, opts Options) (Fix, error) {
	opts = opts.withDefaults()

	if err := p.ensurePermission(ctx, opts.PermissionTimeout); err != nil {
		return Fix{}, err
	}

	enabled, err := p.device.ServicesEnabled(ctx)
	if err != nil {
		return Fix{}, fmt.Errorf("%w: services check: %v", ErrLocationUnavailable, err)
	}
	if !enabled {
		return Fix{}, ErrServicesDisabled
	}

	fix, liveErr := p.liveFix(ctx, opts)
	if liveErr == nil {
		return fix, nil
	}
	if ctx.Err() != nil {
		return Fix{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, ctx.Err())
	}

	if fix, ok := p.lastKnown(ctx, opts.MaxAge); ok {
		return fix, nil
	}
	if fix, ok := p.cached(ctx, opts.MaxAge); ok {
		return fix, nil
	}
	return Fix{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, liveErr)
}

func (p *Provider) ensurePermission(ctx context.Context, timeout time.Duration) error {
	status, err := p.device.Permission(ctx)
	if err != nil {
		return fmt.Errorf("%w: permission check: %v", ErrLocationUnavailable, err)
	}
	if status == PermissionGranted {
		return nil
	}
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, err = p.device.RequestPermission(requestCtx)
	if err != nil {
		return fmt.Errorf("%w: permission request: %v", ErrPermissionDenied, err)
	}
	if status != PermissionGranted {
		return ErrPermissionDenied
	}
	return nil
}

func (p *Provider) liveFix(ctx context.Context, opts Options) (Fix, error) {
	liveCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	fix, err := p.device.CurrentPosition(liveCtx, opts.Accuracy)
	if err != nil {
		return Fix{}, err
	}
	if !fix.Valid() {
		return Fix{}, errors.New("invalid coordinates")
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = p.now()
	}
	fix.Source = SourceLive

	if p.cache != nil {
		if err := p.cache.Store(ctx, fix); err != nil {
			p.logger.Printf("location cache store error: %v", err)
		}
	}
	return fix, nil
}

func (p *Provider) lastKnown(ctx context.Context, maxAge time.Duration) (Fix, bool) {
	fix, ok, err := p.device.LastKnownPosition(ctx, maxAge)
	if err != nil {
		p.logger.Printf("location last known error: %v", err)
		return Fix{}, false
	}
	if !ok || !p.fresh(fix, maxAge) {
		return Fix{}, false
	}
	fix.Source = SourceLastKnown
	return fix, true
}

func (p *Provider) cached(ctx context.Context, maxAge time.Duration) (Fix, bool) {
	if p.cache == nil {
		return Fix{}, false
	}
	fix, ok, err := p.cache.Load(ctx)
	if err != nil {
		p.logger.Printf("location cache load error: %v", err)
		return Fix{}, false
	}
	if !ok || !p.fresh(fix, maxAge) {
		return Fix{}, false
	}
	fix.Source = SourceCache
	return fix, true
}

func (p *Provider) fresh(fix Fix, maxAge time.Duration) bool {
	if !fix.Valid() || fix.Timestamp.IsZero() {
		return false
	}
	return fix.Age(p.now()) <= maxAge
}
