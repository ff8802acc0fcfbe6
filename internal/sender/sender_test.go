package sender

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Hyrol7/vrl-client/internal/model"
	"github.com/Hyrol7/vrl-client/internal/store"
)

const testSecret = "test-secret-key"

type recordedRequest struct {
	body      []byte
	signature string
	bearer    string
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedTracks(t *testing.T, st *store.Store, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 11, 11, 38, 0, time.UTC)
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		et := base.Add(time.Duration(i) * 10 * time.Second)
		k1ID, err := st.InsertPacket(ctx, model.NewK1(et, "10437"))
		if err != nil {
			t.Fatalf("insert k1: %v", err)
		}
		k2ID, err := st.InsertPacket(ctx, model.NewK2(et.Add(2*time.Second), 5360, 40))
		if err != nil {
			t.Fatalf("insert k2: %v", err)
		}
		trackID, err := st.CreateTrackAndBind(ctx, k1ID, k2ID, store.TrackFields{
			Callsign: "10437", HeightM: 5360, FuelPct: 40, Timestamp: et.Add(2 * time.Second),
		})
		if err != nil {
			t.Fatalf("create track: %v", err)
		}
		ids = append(ids, trackID)
	}
	return ids
}

func TestBodyIsCanonical(t *testing.T) {
	et := time.Date(2026, 8, 24, 11, 11, 40, 0, time.UTC)
	body, err := BuildBody(7, []model.FlightTrack{{
		Callsign: "10437", HeightM: 5360, FuelPct: 40, Timestamp: et,
	}})
	if err != nil {
		t.Fatalf("build body failed: %v", err)
	}

	want := `{"client_id":7,"tracks":[{"callsign":"10437","fuel":40,"height":5360,"timestamp":"2026-08-24T11:11:40Z"}]}`
	if string(body) != want {
		t.Errorf("body = %s\nwant  %s", body, want)
	}

	// Keys must be lexicographically sorted for signature stability.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
}

func TestSignatureCoversWireBytes(t *testing.T) {
	st := newTestStore(t)
	seedTracks(t, st, 1)

	var rec recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.body, _ = io.ReadAll(r.Body)
		rec.signature = r.Header.Get("X-Signature")
		rec.bearer = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(st, srv.URL, 7, testSecret, "test-token", time.Second, 5*time.Second)
	if result, err := s.cycle(context.Background()); err != nil || result != outcomeSuccess {
		t.Fatalf("cycle = %v, %v", result, err)
	}

	// Property: the signature verifies against the exact bytes on the wire.
	if !hmac.Equal([]byte(Sign(rec.body, testSecret)), []byte(rec.signature)) {
		t.Error("X-Signature does not verify against received body bytes")
	}
	if rec.bearer != "Bearer test-token" {
		t.Errorf("Authorization = %q", rec.bearer)
	}
}

func TestRetryAfter5xxResendsIdenticalBytes(t *testing.T) {
	st := newTestStore(t)
	ids := seedTracks(t, st, 3)

	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, recordedRequest{
			body:      body,
			signature: r.Header.Get("X-Signature"),
		})
		if len(requests) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(st, srv.URL, 7, testSecret, "tok", time.Second, 5*time.Second)
	ctx := context.Background()

	if result, err := s.cycle(ctx); err != nil || result != outcomeTransient {
		t.Fatalf("first cycle = %v, %v, want transient", result, err)
	}
	if result, err := s.cycle(ctx); err != nil || result != outcomeSuccess {
		t.Fatalf("second cycle = %v, %v, want success", result, err)
	}

	if len(requests) != 2 {
		t.Fatalf("expected 2 POSTs, got %d", len(requests))
	}
	if string(requests[0].body) != string(requests[1].body) {
		t.Error("retried batch bytes differ from original")
	}
	if requests[0].signature != requests[1].signature {
		t.Error("retried batch signature differs from original")
	}

	for _, id := range ids {
		track, err := st.GetTrack(ctx, id)
		if err != nil {
			t.Fatalf("get track: %v", err)
		}
		if track.Sent != model.SendDone {
			t.Errorf("track %d sent = %d, want done", id, track.Sent)
		}
		if !track.SentAt.Valid {
			t.Errorf("track %d has no sent_at", id)
		}
	}
}

func Test4xxMarksFailedWithoutRetry(t *testing.T) {
	st := newTestStore(t)
	ids := seedTracks(t, st, 2)

	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("unknown client"))
	}))
	defer srv.Close()

	s := New(st, srv.URL, 7, testSecret, "tok", time.Second, 5*time.Second)
	ctx := context.Background()

	if result, err := s.cycle(ctx); err != nil || result != outcomePermanent {
		t.Fatalf("cycle = %v, %v, want permanent", result, err)
	}

	for _, id := range ids {
		track, _ := st.GetTrack(ctx, id)
		if track.Sent != model.SendFailed {
			t.Errorf("track %d sent = %d, want failed", id, track.Sent)
		}
		if !track.Error.Valid || !strings.Contains(track.Error.String, "status 400") {
			t.Errorf("track %d error = %v", id, track.Error)
		}
		if !strings.Contains(track.Error.String, "unknown client") {
			t.Errorf("track %d error missing response body: %v", id, track.Error)
		}
	}

	// Failed tracks are terminal: the next cycle finds nothing to send.
	if result, err := s.cycle(ctx); err != nil || result != outcomeIdle {
		t.Fatalf("post-failure cycle = %v, %v, want idle", result, err)
	}
	if posts != 1 {
		t.Errorf("4xx batch was retried: %d POSTs", posts)
	}
}

func TestNetworkErrorLeavesPending(t *testing.T) {
	st := newTestStore(t)
	ids := seedTracks(t, st, 1)

	// Nothing listening on this port.
	s := New(st, "http://127.0.0.1:1", 7, testSecret, "tok", time.Second, time.Second)
	ctx := context.Background()

	if result, err := s.cycle(ctx); err != nil || result != outcomeTransient {
		t.Fatalf("cycle = %v, %v, want transient", result, err)
	}
	track, _ := st.GetTrack(ctx, ids[0])
	if track.Sent != model.SendPending {
		t.Errorf("track sent = %d, want still pending", track.Sent)
	}
}

func TestRunStopsAfterRepeatedStoreFailures(t *testing.T) {
	st := newTestStore(t)
	st.Close()

	s := New(st, "http://127.0.0.1:1", 7, testSecret, "tok", 10*time.Millisecond, time.Second)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil despite a broken store")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not surface the store failure")
	}
}

func TestErrorBodyTruncated(t *testing.T) {
	st := newTestStore(t)
	ids := seedTracks(t, st, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer srv.Close()

	s := New(st, srv.URL, 7, testSecret, "tok", time.Second, 5*time.Second)
	if _, err := s.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	track, _ := st.GetTrack(context.Background(), ids[0])
	if len(track.Error.String) > errorBodyLimit+len("status 422: ") {
		t.Errorf("error not truncated: %d chars", len(track.Error.String))
	}
}
