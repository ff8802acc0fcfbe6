package correlator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hyrol7/vrl-client/internal/model"
	"github.com/Hyrol7/vrl-client/internal/store"
)

func newTestCorrelator(t *testing.T) (*Correlator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	c := New(st, time.Second, 1000, 5*time.Second, 60*time.Second)
	return c, st
}

func TestCycleCreatesTrack(t *testing.T) {
	c, st := newTestCorrelator(t)
	ctx := context.Background()

	k1Time := time.Now().UTC().Truncate(time.Second)
	k2Time := k1Time.Add(2 * time.Second)
	k1ID, _ := st.InsertPacket(ctx, model.NewK1(k1Time, "10437"))
	k2ID, _ := st.InsertPacket(ctx, model.NewK2(k2Time, 5360, 40))

	if err := c.cycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	tracks, err := st.SelectPendingTracks(ctx, 10)
	if err != nil {
		t.Fatalf("select tracks failed: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}
	track := tracks[0]
	if track.Callsign != "10437" || track.HeightM != 5360 || track.FuelPct != 40 {
		t.Errorf("track fields = %s/%d/%d", track.Callsign, track.HeightM, track.FuelPct)
	}
	if !track.Timestamp.Equal(k2Time) {
		t.Errorf("track timestamp = %v, want K2 event_time %v", track.Timestamp, k2Time)
	}
	if track.K1PacketID != k1ID || track.K2PacketID != k2ID {
		t.Errorf("track references %d/%d", track.K1PacketID, track.K2PacketID)
	}

	// Window invariant: |K1 - K2| within the configured window.
	k1, _ := st.GetPacket(ctx, k1ID)
	k2, _ := st.GetPacket(ctx, k2ID)
	delta := k2.EventTime.Sub(k1.EventTime)
	if delta < 0 {
		delta = -delta
	}
	if delta > c.window {
		t.Errorf("paired packets %v apart, window %v", delta, c.window)
	}
	if !k1.BoundToTrack.Valid || k1.BoundToTrack.Int64 != track.ID {
		t.Error("K1 not bound to track")
	}
	if !k2.BoundToTrack.Valid || k2.BoundToTrack.Int64 != track.ID {
		t.Error("K2 not bound to track")
	}
}

func TestCycleWindowMissLeavesUnbound(t *testing.T) {
	c, st := newTestCorrelator(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	st.InsertPacket(ctx, model.NewK1(base, "10437"))
	st.InsertPacket(ctx, model.NewK2(base.Add(10*time.Second), 5360, 40))

	if err := c.cycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	tracks, _ := st.SelectPendingTracks(ctx, 10)
	if len(tracks) != 0 {
		t.Fatalf("expected no tracks outside window, got %d", len(tracks))
	}
	k1s, _ := st.SelectUnboundPackets(ctx, model.PacketK1, 10)
	k2s, _ := st.SelectUnboundPackets(ctx, model.PacketK2, 10)
	if len(k1s) != 1 || len(k2s) != 1 {
		t.Errorf("packets should stay unbound, got %d/%d", len(k1s), len(k2s))
	}
}

func TestCycleAgesOutStalePackets(t *testing.T) {
	c, st := newTestCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	// K1 far behind the newest K2 and outside the window: unmatched, stale.
	staleID, _ := st.InsertPacket(ctx, model.NewK1(now.Add(-2*time.Minute), "10437"))
	st.InsertPacket(ctx, model.NewK2(now, 5360, 40))

	if err := c.cycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	stale, _ := st.GetPacket(ctx, staleID)
	if stale.Sent != model.SendFailed {
		t.Errorf("stale K1 sent = %d, want failed", stale.Sent)
	}
	if stale.BoundToTrack.Valid {
		t.Error("stale packet must not be bound to a track")
	}

	// The fresh K2 stays in the working set.
	k2s, _ := st.SelectUnboundPackets(ctx, model.PacketK2, 10)
	if len(k2s) != 1 {
		t.Errorf("fresh K2 aged out prematurely")
	}
}

func TestCycleAgesOutQuietStream(t *testing.T) {
	// Window-missed pair on a stream that then goes quiet: once the wall
	// clock passes the stale threshold, both sides age out even though no
	// fresher opposite-type packet ever arrives.
	c, st := newTestCorrelator(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	k1ID, _ := st.InsertPacket(ctx, model.NewK1(now.Add(-120*time.Second), "10437"))
	k2ID, _ := st.InsertPacket(ctx, model.NewK2(now.Add(-110*time.Second), 5360, 40))

	if err := c.cycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	for _, id := range []int64{k1ID, k2ID} {
		p, err := st.GetPacket(ctx, id)
		if err != nil {
			t.Fatalf("get packet: %v", err)
		}
		if p.Sent != model.SendFailed {
			t.Errorf("packet %d sent = %d, want failed", id, p.Sent)
		}
		if p.BoundToTrack.Valid {
			t.Errorf("packet %d bound despite window miss", id)
		}
	}
	tracks, _ := st.SelectPendingTracks(ctx, 10)
	if len(tracks) != 0 {
		t.Errorf("window-missed pair produced %d tracks", len(tracks))
	}
}

func TestStaleIDsWallClockBound(t *testing.T) {
	now := time.Now().UTC()
	old := model.NewK2(now.Add(-90*time.Second), 5360, 40)
	old.ID = 1
	fresh := model.NewK2(now.Add(-10*time.Second), 6130, 35)
	fresh.ID = 2

	// No K1s at all: staleness is judged against the wall clock alone.
	ids := staleIDs([]model.RawPacket{*old, *fresh}, nil, map[int64]bool{}, now, 60*time.Second)
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("staleIDs = %v, want [1]", ids)
	}
}

func TestCyclePairsAcrossCycles(t *testing.T) {
	// A K1 left unmatched in one cycle pairs with a K2 arriving later.
	c, st := newTestCorrelator(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	st.InsertPacket(ctx, model.NewK1(base, "10437"))
	if err := c.cycle(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if tracks, _ := st.SelectPendingTracks(ctx, 10); len(tracks) != 0 {
		t.Fatal("track created without a K2")
	}

	st.InsertPacket(ctx, model.NewK2(base.Add(2*time.Second), 5360, 40))
	if err := c.cycle(ctx); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	tracks, _ := st.SelectPendingTracks(ctx, 10)
	if len(tracks) != 1 {
		t.Fatalf("expected pairing on the later cycle, got %d tracks", len(tracks))
	}
}

func TestRunStopsAfterRepeatedStoreFailures(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	st.Close()

	c := New(st, 10*time.Millisecond, 1000, 5*time.Second, 60*time.Second)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil despite a broken store")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not surface the store failure")
	}
}
