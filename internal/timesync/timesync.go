// Package timesync measures local clock drift against reference time
// sources. Failure to sync is a warning, never fatal: the pipeline keeps
// working on the local clock and the measured offset is only reported.
package timesync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/ntp"

	"github.com/Hyrol7/vrl-client/internal/status"
)

// Provider measures the offset of the local clock against a reference.
type Provider interface {
	Name() string
	Offset(ctx context.Context) (time.Duration, error)
}

// NTPProvider queries a chain of NTP servers and returns the first answer.
type NTPProvider struct {
	servers []string
	timeout time.Duration
}

// NewNTPProvider creates an NTP provider. With no servers given the usual
// public pool is used.
func NewNTPProvider(servers []string, timeout time.Duration) *NTPProvider {
	if len(servers) == 0 {
		servers = []string{"pool.ntp.org", "time.google.com"}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NTPProvider{servers: servers, timeout: timeout}
}

func (p *NTPProvider) Name() string { return "ntp" }

func (p *NTPProvider) Offset(ctx context.Context) (time.Duration, error) {
	var lastErr error
	for _, server := range p.servers {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: p.timeout})
		if err != nil {
			lastErr = err
			continue
		}
		if err := resp.Validate(); err != nil {
			lastErr = err
			continue
		}
		return resp.ClockOffset, nil
	}
	return 0, fmt.Errorf("all ntp servers failed: %w", lastErr)
}

// Sync tries each provider in order and records the first measured offset in
// the status tracker. Returns an error only when every provider fails.
func Sync(ctx context.Context, tracker *status.Tracker, providers ...Provider) (time.Duration, error) {
	var lastErr error
	for _, p := range providers {
		offset, err := p.Offset(ctx)
		if err != nil {
			lastErr = err
			slog.Warn("time sync strategy failed", "provider", p.Name(), "error", err)
			continue
		}
		tracker.SetClockOffset(offset)
		if offset > 5*time.Second || offset < -5*time.Second {
			slog.Warn("local clock drift detected", "provider", p.Name(), "offset", offset)
		} else {
			slog.Info("time synchronized", "provider", p.Name(), "offset", offset)
		}
		return offset, nil
	}
	return 0, fmt.Errorf("time sync failed: %w", lastErr)
}

// Runner re-syncs on a fixed cadence. Failures are logged only.
func Runner(tracker *status.Tracker, interval time.Duration, providers ...Provider) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := Sync(ctx, tracker, providers...); err != nil && ctx.Err() == nil {
					slog.Warn("periodic time sync failed", "error", err)
				}
			}
		}
	}
}
