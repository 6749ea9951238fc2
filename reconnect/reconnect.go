// Package reconnect implements the Reconnect Loop: a single long-lived
// task that periodically retries disconnected adapters.
package reconnect

import (
	"context"
	"time"

	"github.com/duskline/langrelay/metrics"
)

// Reconnectable is the subset of adapter.Adapter the loop needs.
type Reconnectable interface {
	Reconnect(ctx context.Context)
}

// Loop periodically calls Reconnect on every adapter in its set. It is
// not woken by individual disconnects — that would risk reconnect storms
// when many adapters drop at once — it simply retries everything on a
// fixed interval until cancelled.
type Loop struct {
	adapters []Reconnectable
	interval time.Duration
}

// New returns a Loop over adapters, retrying every interval.
func New(adapters []Reconnectable, interval time.Duration) *Loop {
	return &Loop{adapters: adapters, interval: interval}
}

// Run blocks until ctx is cancelled, calling Reconnect on every adapter
// once per interval via a cancellable ticker.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range l.adapters {
				a.Reconnect(ctx)
				metrics.ReconnectAttempts.Inc()
			}
		}
	}
}
