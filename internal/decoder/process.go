// Package decoder manages the external decoder child process and its TCP
// listening socket.
package decoder

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	startupSettleDelay = 2 * time.Second
	terminateGrace     = 5 * time.Second
)

// Process is the running decoder child. The client never reads its output;
// the child opens the TCP listener itself.
type Process struct {
	cmd    *exec.Cmd
	exited chan error // closed-over cmd.Wait result; Wait may only run once
}

// Start launches the decoder executable with its command argument string and
// verifies it does not exit immediately.
func Start(executable, commandArgs string) (*Process, error) {
	if _, err := os.Stat(executable); err != nil {
		return nil, fmt.Errorf("decoder executable not found: %s", executable)
	}

	args := strings.Fields(commandArgs)
	cmd := exec.Command(executable, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}
	slog.Info("decoder started", "pid", cmd.Process.Pid, "executable", executable)

	// Give the child a moment; an immediate exit means a broken launch.
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		return nil, fmt.Errorf("decoder exited immediately after start: %v", err)
	case <-time.After(startupSettleDelay):
	}

	return &Process{cmd: cmd, exited: exited}, nil
}

// Pid returns the child process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stop terminates the decoder with a grace period before force-kill.
func (p *Process) Stop() {
	if p == nil || p.cmd.Process == nil {
		return
	}
	slog.Info("stopping decoder", "pid", p.cmd.Process.Pid)

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.cmd.Process.Kill()
		return
	}

	select {
	case <-p.exited:
		slog.Info("decoder stopped")
	case <-time.After(terminateGrace):
		slog.Warn("decoder unresponsive, force killing")
		p.cmd.Process.Kill()
	}
}

// Probe polls the decoder's TCP port until it accepts a connection. Up to
// maxAttempts attempts spaced by delay, each bounded by connectTimeout; the
// first success wins, exhaustion is an error.
func Probe(addr string, maxAttempts int, delay, connectTimeout time.Duration) error {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err == nil {
			conn.Close()
			slog.Info("decoder TCP port ready", "addr", addr, "attempt", attempt)
			return nil
		}
		lastErr = err
		slog.Warn("decoder TCP port not ready", "addr", addr,
			"attempt", fmt.Sprintf("%d/%d", attempt, maxAttempts))
		if attempt < maxAttempts {
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("decoder port %s unreachable after %d attempts: %w", addr, maxAttempts, lastErr)
}
