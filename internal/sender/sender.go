package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Hyrol7/vrl-client/internal/metrics"
	"github.com/Hyrol7/vrl-client/internal/model"
	"github.com/Hyrol7/vrl-client/internal/store"
)

const (
	// One POST carries at most this many tracks.
	batchLimit = 100
	// 4xx response bodies are truncated to this length in track errors.
	errorBodyLimit = 512
	maxBackoff     = 5 * time.Minute
	// Consecutive store failures before the worker gives up. Network errors
	// never count; cycle reports those as transient with a nil error.
	maxCycleFailures = 2
)

// outcome classifies one delivery attempt.
type outcome int

const (
	outcomeIdle      outcome = iota // nothing pending
	outcomeSuccess                  // 2xx, batch marked done
	outcomePermanent                // 4xx, batch marked failed
	outcomeTransient                // 5xx / network error, batch retried
)

// Sender batches unsent tracks, signs the canonical JSON body and POSTs it.
type Sender struct {
	store       *store.Store
	url         string
	clientID    int
	secretKey   string
	bearerToken string
	interval    time.Duration
	client      *http.Client
	backoff     *backoff.ExponentialBackOff
}

// New creates a sender posting to url on the given cadence.
func New(st *store.Store, url string, clientID int, secretKey, bearerToken string, interval, timeout time.Duration) *Sender {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = maxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // retry forever; only 4xx is terminal
	b.Reset()

	return &Sender{
		store:       st,
		url:         url,
		clientID:    clientID,
		secretKey:   secretKey,
		bearerToken: bearerToken,
		interval:    interval,
		client:      &http.Client{Timeout: timeout},
		backoff:     b,
	}
}

// Run executes delivery cycles until cancellation. Consecutive transient
// failures stretch the cycle delay exponentially (with jitter, capped at
// 5m); the first success resets it to the configured interval.
func (s *Sender) Run(ctx context.Context) error {
	slog.Info("sender started", "url", s.url, "interval", s.interval)
	s.store.AppendLog(model.LevelInfo, "SENDER", "sender started", "")

	delay := s.interval
	failures := 0
	for {
		select {
		case <-ctx.Done():
			s.store.AppendLog(model.LevelInfo, "SENDER", "sender stopped", "")
			return nil
		case <-time.After(delay):
		}

		result, err := s.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			slog.Error("sender cycle failed", "error", err, "consecutive", failures)
			s.store.AppendLog(model.LevelError, "SENDER", "cycle failed", fmt.Sprint(err))
			if failures >= maxCycleFailures {
				return fmt.Errorf("sender stopping after %d consecutive store failures: %w", failures, err)
			}
		} else {
			failures = 0
		}

		switch result {
		case outcomeTransient:
			metrics.SenderRetriesTotal.Inc()
			delay = s.backoff.NextBackOff()
			slog.Warn("delivery failed, backing off", "next_attempt_in", delay)
		default:
			s.backoff.Reset()
			delay = s.interval
		}
	}
}

// cycle selects one pending batch and attempts delivery.
func (s *Sender) cycle(ctx context.Context) (outcome, error) {
	tracks, err := s.store.SelectPendingTracks(ctx, batchLimit)
	if err != nil {
		return outcomeTransient, err
	}
	if pending, err := s.store.PendingTrackCount(ctx); err == nil {
		metrics.PendingTracks.Set(float64(pending))
	}
	if len(tracks) == 0 {
		return outcomeIdle, nil
	}

	body, err := BuildBody(s.clientID, tracks)
	if err != nil {
		return outcomeIdle, fmt.Errorf("build batch body: %w", err)
	}

	status, respBody, err := s.post(ctx, body)
	if err != nil {
		// Network error or timeout: batch stays pending.
		slog.Warn("ingest POST failed", "tracks", len(tracks), "error", err)
		s.store.AppendLog(model.LevelWarn, "SENDER", "ingest unreachable", fmt.Sprint(err))
		return outcomeTransient, nil
	}

	ids := make([]int64, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}

	switch {
	case status >= 200 && status < 300:
		now := time.Now()
		if err := s.store.MarkTracks(ctx, ids, model.SendDone, "", now); err != nil {
			return outcomeTransient, err
		}
		if err := s.store.MarkPacketsDone(ctx, ids); err != nil {
			return outcomeTransient, err
		}
		metrics.TracksSentTotal.WithLabelValues("done").Add(float64(len(ids)))
		slog.Info("tracks delivered", "count", len(ids))
		s.store.AppendLog(model.LevelInfo, "SENDER",
			fmt.Sprintf("delivered %d tracks", len(ids)), "")
		return outcomeSuccess, nil

	case status >= 400 && status < 500:
		errMsg := fmt.Sprintf("status %d: %s", status, truncate(respBody, errorBodyLimit))
		if err := s.store.MarkTracks(ctx, ids, model.SendFailed, errMsg, time.Time{}); err != nil {
			return outcomeTransient, err
		}
		metrics.TracksSentTotal.WithLabelValues("failed").Add(float64(len(ids)))
		slog.Error("ingest rejected batch", "status", status, "tracks", len(ids))
		s.store.AppendLog(model.LevelError, "SENDER", "batch rejected", errMsg)
		return outcomePermanent, nil

	default:
		// 5xx and anything unexpected: retry the same batch next cycle.
		slog.Warn("ingest server error", "status", status, "tracks", len(ids))
		s.store.AppendLog(model.LevelWarn, "SENDER",
			fmt.Sprintf("server error %d", status), truncate(respBody, errorBodyLimit))
		return outcomeTransient, nil
	}
}

// post signs and sends the exact body bytes. The signature covers the same
// bytes that go on the wire; nothing is re-serialized in between.
func (s *Sender) post(ctx context.Context, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.bearerToken)
	req.Header.Set("X-Signature", Sign(body, s.secretKey))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(respBody), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
