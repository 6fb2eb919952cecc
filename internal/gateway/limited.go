package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited wraps gw so every Send first waits on limiter. Optional
// capabilities of gw stay reachable through Unwrap.
func Limited(gw Gateway, limiter *rate.Limiter) Gateway {
	if limiter == nil {
		return gw
	}
	return &limited{Gateway: gw, lim: limiter}
}

type limited struct {
	Gateway
	lim *rate.Limiter
}

func (l *limited) Send(ctx context.Context, dest, text string, img *Image) error {
	if err := l.lim.Wait(ctx); err != nil {
		return err
	}
	return l.Gateway.Send(ctx, dest, text, img)
}

func (l *limited) Unwrap() Gateway { return l.Gateway }

// SetRate adjusts the send rate in place (messages per minute, <=0 is unlimited).
func (l *limited) SetRate(perMinute int) {
	if perMinute <= 0 {
		l.lim.SetLimit(rate.Inf)
		return
	}
	l.lim.SetLimit(rate.Limit(float64(perMinute) / 60.0))
}

// NewLimiter builds a limiter for perMinute sends with a burst of one.
// perMinute <= 0 yields an unlimited limiter.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
}

// RateSetter is implemented by the Limited decorator.
type RateSetter interface {
	SetRate(perMinute int)
}

// Unwrap returns the innermost gateway below any decorators.
func Unwrap(gw Gateway) Gateway {
	for {
		u, ok := gw.(interface{ Unwrap() Gateway })
		if !ok {
			return gw
		}
		gw = u.Unwrap()
	}
}

// AsConnector finds a Connector below any decorators.
func AsConnector(gw Gateway) (Connector, bool) {
	c, ok := Unwrap(gw).(Connector)
	return c, ok
}

// AsDirectory finds a Directory below any decorators.
func AsDirectory(gw Gateway) (Directory, bool) {
	d, ok := Unwrap(gw).(Directory)
	return d, ok
}
