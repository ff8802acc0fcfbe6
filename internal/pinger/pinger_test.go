package pinger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Hyrol7/vrl-client/internal/sender"
	"github.com/Hyrol7/vrl-client/internal/status"
)

func TestBuildBodyShape(t *testing.T) {
	tracker := status.NewTracker()
	tracker.MarkStage(status.StageConfig, true)
	tracker.MarkStage(status.StageDatabase, true)
	tracker.SetTCPConnected(true)

	p := New(tracker, "http://unused", 7, "secret", "tok", "0.1.0", time.Second)
	body, err := p.BuildBody()
	if err != nil {
		t.Fatalf("build body failed: %v", err)
	}

	var got struct {
		ClientID     int             `json:"client_id"`
		Stages       map[string]bool `json:"stages"`
		SystemInfo   string          `json:"system_info"`
		TCPConnected bool            `json:"tcp_connected"`
		Uptime       float64         `json:"uptime"`
		Version      string          `json:"version"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.ClientID != 7 || got.Version != "0.1.0" {
		t.Errorf("client_id/version = %d/%q", got.ClientID, got.Version)
	}
	if !got.TCPConnected {
		t.Error("tcp_connected not reflected")
	}
	if got.Uptime < 0 {
		t.Errorf("uptime = %f", got.Uptime)
	}
	if len(got.Stages) != 6 {
		t.Fatalf("expected 6 stages, got %d", len(got.Stages))
	}
	if !got.Stages["config"] || !got.Stages["database"] {
		t.Error("completed stages not reported")
	}
	if got.Stages["decoder"] {
		t.Error("incomplete stage reported as done")
	}
}

func TestBuildBodyKeyOrderStable(t *testing.T) {
	tracker := status.NewTracker()
	p := New(tracker, "http://unused", 7, "secret", "tok", "0.1.0", time.Second)

	first, err := p.BuildBody()
	if err != nil {
		t.Fatalf("build body failed: %v", err)
	}
	// Uptime drifts between calls, so compare the key sequence rather than
	// the bytes. Only key order matters for signing.
	want := []string{"client_id", "stages", "system_info", "tcp_connected", "uptime", "version"}
	idx := -1
	for _, k := range want {
		next := bytes.Index(first, []byte(`"`+k+`"`))
		if next <= idx {
			t.Fatalf("key %q out of canonical order in %s", k, first)
		}
		idx = next
	}
}

func TestPingPostsSignedSnapshot(t *testing.T) {
	var gotBody []byte
	var gotSig, gotBearer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature")
		gotBearer = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := status.NewTracker()
	p := New(tracker, srv.URL, 7, "secret", "tok", "0.1.0", time.Second)
	if err := p.ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	if gotSig != sender.Sign(gotBody, "secret") {
		t.Error("signature does not verify against posted body")
	}
	if gotBearer != "Bearer tok" {
		t.Errorf("Authorization = %q", gotBearer)
	}
}

func TestPingReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tracker := status.NewTracker()
	p := New(tracker, srv.URL, 7, "secret", "tok", "0.1.0", time.Second)
	if err := p.ping(context.Background()); err == nil {
		t.Error("expected error on 502 response")
	}
}
