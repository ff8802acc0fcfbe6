// Package supervisor owns the bringup sequence, the four pipeline workers
// and the decoder child process lifetime.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Hyrol7/vrl-client/internal/config"
	"github.com/Hyrol7/vrl-client/internal/correlator"
	"github.com/Hyrol7/vrl-client/internal/decoder"
	"github.com/Hyrol7/vrl-client/internal/metrics"
	"github.com/Hyrol7/vrl-client/internal/model"
	"github.com/Hyrol7/vrl-client/internal/parser"
	"github.com/Hyrol7/vrl-client/internal/pinger"
	"github.com/Hyrol7/vrl-client/internal/sender"
	"github.com/Hyrol7/vrl-client/internal/status"
	"github.com/Hyrol7/vrl-client/internal/store"
	"github.com/Hyrol7/vrl-client/internal/timesync"
)

// Workers get this long to finish in-flight operations on shutdown.
const shutdownGrace = 10 * time.Second

// Supervisor composes the pipeline: sequential bringup of prerequisites,
// concurrent launch of the workers, signal-driven shutdown.
type Supervisor struct {
	cfg     *config.Config
	tracker *status.Tracker

	store         *store.Store
	decoderProc   *decoder.Process
	metricsServer *metrics.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a supervisor for an already-loaded configuration.
func New(cfg *config.Config) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		tracker: status.NewTracker(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start performs the strictly ordered bringup. Any step failing (other than
// time sync, which only warns) aborts with the partial state torn down.
func (s *Supervisor) Start() error {
	slog.Info("starting vrl-client",
		"version", s.cfg.App.Version,
		"decoder", s.cfg.DecoderAddr(),
		"api", s.cfg.API.URL,
	)

	// Dependencies and configuration are resolved before Start is reached.
	s.tracker.MarkStage(status.StageDependencies, true)
	s.tracker.MarkStage(status.StageConfig, true)

	// 1. Open the store.
	st, err := store.Open(s.cfg.Database.File)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st
	s.tracker.MarkStage(status.StageDatabase, true)
	s.store.AppendLog(model.LevelInfo, "MAIN", "store opened", s.cfg.Database.File)

	// 2. Synchronize time. All strategies failing is a warning, not fatal.
	ntpProvider := timesync.NewNTPProvider(nil, 5*time.Second)
	if _, err := timesync.Sync(s.ctx, s.tracker, ntpProvider); err != nil {
		slog.Warn("time sync failed, continuing on local clock", "error", err)
		s.store.AppendLog(model.LevelWarn, "MAIN", "time sync failed", fmt.Sprint(err))
	} else {
		s.tracker.MarkStage(status.StageTimeSync, true)
	}

	// 3. Metrics endpoint (optional).
	if s.cfg.Metrics.Enabled {
		s.metricsServer = metrics.NewServer(s.cfg.Metrics.Listen, s.cfg.Metrics.Path)
		if err := s.metricsServer.Start(s.ctx); err != nil {
			s.teardown()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// 4. Launch the decoder child process.
	proc, err := decoder.Start(s.cfg.Decoder.Executable, s.cfg.Decoder.CommandArgs)
	if err != nil {
		s.store.AppendLog(model.LevelError, "DECODER", "decoder start failed", fmt.Sprint(err))
		s.teardown()
		return fmt.Errorf("failed to start decoder: %w", err)
	}
	s.decoderProc = proc
	s.tracker.MarkStage(status.StageDecoder, true)
	s.store.AppendLog(model.LevelInfo, "DECODER", "decoder started",
		fmt.Sprintf("pid=%d", proc.Pid()))

	// 5. Wait for the decoder's TCP listener.
	err = decoder.Probe(s.cfg.DecoderAddr(), s.cfg.Decoder.MaxAttempts,
		s.cfg.Decoder.ReconnectDelay, s.cfg.Decoder.Timeout)
	if err != nil {
		s.store.AppendLog(model.LevelError, "TCP", "decoder port unreachable", fmt.Sprint(err))
		s.teardown()
		return err
	}
	s.tracker.MarkStage(status.StageTCPConnection, true)
	s.store.AppendLog(model.LevelInfo, "TCP", "decoder port reachable", s.cfg.DecoderAddr())

	slog.Info("bringup complete")
	return nil
}

// Run launches the workers and blocks until a shutdown signal or a fatal
// worker error, then tears everything down.
func (s *Supervisor) Run() error {
	loc, err := time.LoadLocation(s.cfg.App.Timezone)
	if err != nil {
		slog.Warn("unknown timezone, using system zone", "timezone", s.cfg.App.Timezone)
		loc = time.Local
	}

	workers := map[string]func(context.Context) error{
		"parser": parser.New(s.store, s.tracker, s.cfg.DecoderAddr(),
			s.cfg.Decoder.Timeout, s.cfg.Decoder.ReconnectDelay, loc).Run,
		"correlator": correlator.New(s.store,
			s.cfg.Cycles.AnalyserInterval, s.cfg.Cycles.BatchSize,
			s.cfg.Cycles.MatchWindow, s.cfg.Cycles.StaleThreshold).Run,
		"sender": sender.New(s.store, s.cfg.API.URL, s.cfg.API.ClientID,
			s.cfg.API.SecretKey, s.cfg.API.BearerToken,
			s.cfg.Cycles.SenderInterval, s.cfg.API.Timeout).Run,
		"pinger": pinger.New(s.tracker, s.cfg.API.StatusURL, s.cfg.API.ClientID,
			s.cfg.API.SecretKey, s.cfg.API.BearerToken,
			s.cfg.App.Version, s.cfg.API.PingInterval).Run,
		"timesync": timesync.Runner(s.tracker, s.cfg.Cycles.NTPSyncInterval,
			timesync.NewNTPProvider(nil, 5*time.Second)),
	}

	var wg sync.WaitGroup
	fatal := make(chan error, len(workers))
	for name, run := range workers {
		wg.Add(1)
		go func(name string, run func(context.Context) error) {
			defer wg.Done()
			if err := run(s.ctx); err != nil && s.ctx.Err() == nil {
				slog.Error("worker failed", "worker", name, "error", err)
				fatal <- fmt.Errorf("worker %s: %w", name, err)
			}
		}(name, run)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	slog.Info("workers running, waiting for signals")

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-fatal:
		runErr = err
	}

	s.shutdown(&wg)
	return runErr
}

// shutdown signals workers to stop, waits for them within the grace period,
// then releases the remaining resources in reverse bringup order.
func (s *Supervisor) shutdown(wg *sync.WaitGroup) {
	slog.Info("initiating graceful shutdown")
	s.store.AppendLog(model.LevelInfo, "MAIN", "shutdown initiated", "")

	// 1. Signal all workers.
	s.cancel()

	// 2. Wait for workers, bounded by the grace period. In-flight HTTP
	// requests are abandoned, store transactions complete.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all workers stopped")
	case <-time.After(shutdownGrace):
		slog.Warn("workers did not stop within grace period")
	}

	s.teardown()
	slog.Info("shutdown complete")
}

// teardown releases decoder, metrics server and store. Safe to call with
// any subset initialized.
func (s *Supervisor) teardown() {
	if s.decoderProc != nil {
		s.decoderProc.Stop()
		s.decoderProc = nil
	}
	if s.metricsServer != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.metricsServer.Stop(stopCtx)
		cancel()
		s.metricsServer = nil
	}
	if s.store != nil {
		s.store.AppendLog(model.LevelInfo, "MAIN", "store closing", "")
		s.store.Close()
		s.store = nil
	}
}
