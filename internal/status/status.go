// Package status holds the shared runtime health snapshot.
//
// Writers replace the snapshot wholesale under a small mutex; readers load an
// immutable copy through an atomic pointer and never see torn state.
package status

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Stage identifies one bringup step.
type Stage string

const (
	StageDependencies  Stage = "dependencies"
	StageConfig        Stage = "config"
	StageDatabase      Stage = "database"
	StageTimeSync      Stage = "time_sync"
	StageDecoder       Stage = "decoder"
	StageTCPConnection Stage = "tcp_connection"
)

// Snapshot is one immutable view of bringup flags and runtime health.
type Snapshot struct {
	Stages       map[Stage]bool
	TCPConnected bool
	StartTime    time.Time
	SystemInfo   string
	ClockOffset  time.Duration // last measured NTP offset, zero if never synced
}

// Uptime returns seconds since process start.
func (s *Snapshot) Uptime() float64 {
	return time.Since(s.StartTime).Seconds()
}

// Tracker publishes snapshots. Only the supervisor writes stage flags; the
// parser writes the TCP connection state.
type Tracker struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewTracker creates a tracker with all stages incomplete.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.current.Store(&Snapshot{
		Stages: map[Stage]bool{
			StageDependencies:  false,
			StageConfig:        false,
			StageDatabase:      false,
			StageTimeSync:      false,
			StageDecoder:       false,
			StageTCPConnection: false,
		},
		StartTime:  time.Now(),
		SystemInfo: runtime.GOOS,
	})
	return t
}

// Snapshot returns the current immutable snapshot.
func (t *Tracker) Snapshot() *Snapshot {
	return t.current.Load()
}

// MarkStage records completion of a bringup stage.
func (t *Tracker) MarkStage(stage Stage, done bool) {
	t.update(func(s *Snapshot) {
		s.Stages[stage] = done
	})
}

// SetTCPConnected records the parser's connection state.
func (t *Tracker) SetTCPConnected(connected bool) {
	t.update(func(s *Snapshot) {
		s.TCPConnected = connected
	})
}

// SetClockOffset records the last NTP measurement.
func (t *Tracker) SetClockOffset(offset time.Duration) {
	t.update(func(s *Snapshot) {
		s.ClockOffset = offset
	})
}

func (t *Tracker) update(mutate func(*Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.current.Load()
	next := &Snapshot{
		Stages:       make(map[Stage]bool, len(old.Stages)),
		TCPConnected: old.TCPConnected,
		StartTime:    old.StartTime,
		SystemInfo:   old.SystemInfo,
		ClockOffset:  old.ClockOffset,
	}
	for k, v := range old.Stages {
		next.Stages[k] = v
	}
	mutate(next)
	t.current.Store(next)
}
