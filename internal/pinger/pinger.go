// Package pinger reports liveness and stage health to the status endpoint.
package pinger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Hyrol7/vrl-client/internal/sender"
	"github.com/Hyrol7/vrl-client/internal/status"
)

const statusTimeout = 10 * time.Second

// Field declaration order is the canonical (lexicographic) key order, same
// signing contract as the ingest body. Map keys marshal sorted.
type statusPayload struct {
	ClientID     int             `json:"client_id"`
	Stages       map[string]bool `json:"stages"`
	SystemInfo   string          `json:"system_info"`
	TCPConnected bool            `json:"tcp_connected"`
	Uptime       float64         `json:"uptime"`
	Version      string          `json:"version"`
}

// Pinger posts a signed status snapshot on a fixed cadence. Failures are
// logged and otherwise ignored; there is no local persistence.
type Pinger struct {
	tracker     *status.Tracker
	url         string
	clientID    int
	secretKey   string
	bearerToken string
	version     string
	interval    time.Duration
	client      *http.Client
}

// New creates a pinger posting to the status endpoint.
func New(tracker *status.Tracker, url string, clientID int, secretKey, bearerToken, version string, interval time.Duration) *Pinger {
	return &Pinger{
		tracker:     tracker,
		url:         url,
		clientID:    clientID,
		secretKey:   secretKey,
		bearerToken: bearerToken,
		version:     version,
		interval:    interval,
		client:      &http.Client{Timeout: statusTimeout},
	}
}

// Run posts heartbeats until cancellation.
func (p *Pinger) Run(ctx context.Context) error {
	slog.Info("pinger started", "url", p.url, "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.ping(ctx); err != nil {
				failed++
				if failed%5 == 1 {
					slog.Warn("status ping failed", "consecutive", failed, "error", err)
				}
			} else {
				failed = 0
			}
		}
	}
}

// ping builds, signs and posts one snapshot.
func (p *Pinger) ping(ctx context.Context) error {
	body, err := p.BuildBody()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.bearerToken)
	req.Header.Set("X-Signature", sender.Sign(body, p.secretKey))

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// BuildBody serializes the current snapshot into the canonical status body.
func (p *Pinger) BuildBody() ([]byte, error) {
	snap := p.tracker.Snapshot()

	stages := make(map[string]bool, len(snap.Stages))
	for stage, done := range snap.Stages {
		stages[string(stage)] = done
	}

	return json.Marshal(statusPayload{
		ClientID:     p.clientID,
		Stages:       stages,
		SystemInfo:   snap.SystemInfo,
		TCPConnected: snap.TCPConnected,
		Uptime:       snap.Uptime(),
		Version:      p.version,
	})
}
