// Package correlator pairs unbound K1 and K2 packets into flight tracks.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hyrol7/vrl-client/internal/metrics"
	"github.com/Hyrol7/vrl-client/internal/model"
	"github.com/Hyrol7/vrl-client/internal/store"
)

// A second consecutive cycle failure means the store itself is broken, not a
// transient hiccup; the worker surfaces it instead of spinning.
const maxCycleFailures = 2

// Correlator runs the matching cycle on a fixed cadence.
type Correlator struct {
	store     *store.Store
	interval  time.Duration
	batchSize int
	window    time.Duration
	stale     time.Duration
}

// New creates a correlator. window is the maximum |Δt| between a paired K1
// and K2; stale bounds how long unmatched packets stay in the working set.
func New(st *store.Store, interval time.Duration, batchSize int, window, stale time.Duration) *Correlator {
	return &Correlator{
		store:     st,
		interval:  interval,
		batchSize: batchSize,
		window:    window,
		stale:     stale,
	}
}

// Run executes cycles until cancellation. A failed cycle is logged and the
// next tick retries; repeated consecutive failures surface to the caller.
func (c *Correlator) Run(ctx context.Context) error {
	slog.Info("correlator started", "interval", c.interval, "window", c.window)
	c.store.AppendLog(model.LevelInfo, "ANALYSER", "correlator started", "")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			c.store.AppendLog(model.LevelInfo, "ANALYSER", "correlator stopped", "")
			return nil
		case <-ticker.C:
			err := c.cycle(ctx)
			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			slog.Error("correlation cycle failed", "error", err, "consecutive", failures)
			c.store.AppendLog(model.LevelError, "ANALYSER", "cycle failed", fmt.Sprint(err))
			if failures >= maxCycleFailures {
				return fmt.Errorf("correlator stopping after %d consecutive store failures: %w", failures, err)
			}
		}
	}
}

// cycle loads one batch of each packet type, applies the greedy matcher and
// persists accepted pairs, then ages out unmatched packets.
func (c *Correlator) cycle(ctx context.Context) error {
	k1s, err := c.store.SelectUnboundPackets(ctx, model.PacketK1, c.batchSize)
	if err != nil {
		return err
	}
	k2s, err := c.store.SelectUnboundPackets(ctx, model.PacketK2, c.batchSize)
	if err != nil {
		return err
	}
	if len(k1s) == 0 && len(k2s) == 0 {
		return nil
	}

	pairs := MatchPairs(k1s, k2s, c.window)

	matched := make(map[int64]bool, len(pairs)*2)
	for _, pair := range pairs {
		fields := store.TrackFields{
			Callsign: pair.K1.Callsign.String,
			HeightM:  pair.K2.HeightM.Int64,
			FuelPct:  pair.K2.FuelPct.Int64,
			// K2 carries the dynamic quantities; its event time is the
			// authoritative track timestamp.
			Timestamp: pair.K2.EventTime,
		}
		trackID, err := c.store.CreateTrackAndBind(ctx, pair.K1.ID, pair.K2.ID, fields)
		if err != nil {
			if errors.Is(err, store.ErrAlreadyBound) {
				// Collision with another binder; the K1 is reconsidered next cycle.
				slog.Warn("bind collision", "k1", pair.K1.ID, "k2", pair.K2.ID)
				c.store.AppendLog(model.LevelWarn, "ANALYSER", "bind collision",
					fmt.Sprintf("k1=%d k2=%d", pair.K1.ID, pair.K2.ID))
				continue
			}
			return err
		}
		matched[pair.K1.ID] = true
		matched[pair.K2.ID] = true
		metrics.TracksCorrelatedTotal.Inc()
		slog.Debug("track created",
			"track", trackID,
			"callsign", fields.Callsign,
			"height", fields.HeightM,
			"fuel", fields.FuelPct,
		)
	}
	if len(pairs) > 0 {
		c.store.AppendLog(model.LevelInfo, "ANALYSER",
			fmt.Sprintf("bound %d pairs", len(pairs)), "")
	}

	return c.ageOut(ctx, time.Now(), k1s, k2s, matched)
}

// ageOut marks unmatched packets failed once they fall behind the newest
// packet of the opposite type, or the wall clock, by more than the stale
// threshold.
func (c *Correlator) ageOut(ctx context.Context, now time.Time, k1s, k2s []model.RawPacket, matched map[int64]bool) error {
	staleK1 := staleIDs(k1s, k2s, matched, now, c.stale)
	staleK2 := staleIDs(k2s, k1s, matched, now, c.stale)

	if len(staleK1) > 0 {
		if err := c.store.MarkPacketsFailed(ctx, staleK1, "unmatched"); err != nil {
			return err
		}
		metrics.PacketsStaleTotal.WithLabelValues("k1").Add(float64(len(staleK1)))
		slog.Info("aged out unmatched K1 packets", "count", len(staleK1))
		c.store.AppendLog(model.LevelInfo, "ANALYSER",
			fmt.Sprintf("aged out %d unmatched K1 packets", len(staleK1)), "")
	}
	if len(staleK2) > 0 {
		if err := c.store.MarkPacketsFailed(ctx, staleK2, "unmatched"); err != nil {
			return err
		}
		metrics.PacketsStaleTotal.WithLabelValues("k2").Add(float64(len(staleK2)))
		slog.Info("aged out unmatched K2 packets", "count", len(staleK2))
		c.store.AppendLog(model.LevelInfo, "ANALYSER",
			fmt.Sprintf("aged out %d unmatched K2 packets", len(staleK2)), "")
	}
	return nil
}

// staleIDs returns ids from candidates that stayed unmatched and whose event
// time trails the newest opposite-type packet, or now, by more than threshold.
// Bounding by the wall clock drains the working set on a quiet stream, where
// no opposite-type packet ever arrives to age against.
func staleIDs(candidates, opposite []model.RawPacket, matched map[int64]bool, now time.Time, threshold time.Duration) []int64 {
	newest := now
	for _, p := range opposite {
		if p.EventTime.After(newest) {
			newest = p.EventTime
		}
	}

	var ids []int64
	for _, p := range candidates {
		if matched[p.ID] {
			continue
		}
		if newest.Sub(p.EventTime) > threshold {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
