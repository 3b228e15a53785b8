package fileaccess

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Paced enforces a minimum delay between consecutive calls to the wrapped
// backend. Some shares and FTP servers throttle or ban clients issuing many
// small operations per second.
type Paced struct {
	inner   FileAccess
	limiter *rate.Limiter
}

// NewPaced wraps inner so that calls start at least minDelay apart. A zero
// delay returns inner unchanged.
func NewPaced(inner FileAccess, minDelay time.Duration) FileAccess {
	if minDelay <= 0 {
		return inner
	}
	return &Paced{inner: inner, limiter: NewPacer(minDelay)}
}

// NewPacer returns a limiter admitting one operation per minDelay.
func NewPacer(minDelay time.Duration) *rate.Limiter {
	if minDelay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(minDelay), 1)
}

func (p *Paced) Exists(ctx context.Context, name string) (bool, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return p.inner.Exists(ctx, name)
}

func (p *Paced) Delete(ctx context.Context, name string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.inner.Delete(ctx, name)
}

func (p *Paced) Move(ctx context.Context, from, to string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.inner.Move(ctx, from, to)
}

func (p *Paced) ReadAllBytes(ctx context.Context, name string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.ReadAllBytes(ctx, name)
}

func (p *Paced) WriteAllBytes(ctx context.Context, name string, data []byte) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.inner.WriteAllBytes(ctx, name, data)
}

func (p *Paced) GetFileSize(ctx context.Context, name string) (int64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return p.inner.GetFileSize(ctx, name)
}
