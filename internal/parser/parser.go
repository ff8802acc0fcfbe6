package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/Hyrol7/vrl-client/internal/metrics"
	"github.com/Hyrol7/vrl-client/internal/model"
	"github.com/Hyrol7/vrl-client/internal/status"
	"github.com/Hyrol7/vrl-client/internal/store"
)

const (
	readChunkSize = 4096
	// Idle decoder stream: reconnect rather than hang on a dead socket.
	readIdleTimeout = 60 * time.Second
	// Log at most one parse-drop warning per this many drops.
	dropLogEvery = 100
	// Progress log cadence for persisted packets.
	progressEvery = 100
)

// errPersist marks a store write that failed after its retry. Unlike a lost
// connection it cannot be cured by redialing, so Run surfaces it.
var errPersist = errors.New("persist packet")

// Parser maintains the decoder TCP connection, decodes lines and persists
// packets. It blocks on the store rather than dropping reads: the decoder
// stream is bounded and the store writer is single-threaded.
type Parser struct {
	store          *store.Store
	tracker        *status.Tracker
	addr           string
	connectTimeout time.Duration
	reconnectDelay time.Duration
	loc            *time.Location

	// dial is swappable in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	drops  uint64
	parsed uint64
}

// New creates a parser connecting to the decoder at addr. Event times are
// derived in loc; nil means the system zone.
func New(st *store.Store, tracker *status.Tracker, addr string, connectTimeout, reconnectDelay time.Duration, loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	p := &Parser{
		store:          st,
		tracker:        tracker,
		addr:           addr,
		connectTimeout: connectTimeout,
		reconnectDelay: reconnectDelay,
		loc:            loc,
	}
	p.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: p.connectTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	return p
}

// Run drives the Disconnected → Connecting → Connected state machine until
// the context is cancelled. Transient failures wait reconnectDelay and retry;
// Run itself only returns on cancellation.
func (p *Parser) Run(ctx context.Context) error {
	slog.Info("parser started", "decoder", p.addr)
	p.store.AppendLog(model.LevelInfo, "PARSER", "parser started", p.addr)

	for ctx.Err() == nil {
		conn, err := p.dial(ctx, p.addr)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Warn("decoder connect failed", "addr", p.addr, "error", err)
			metrics.DecoderReconnectsTotal.Inc()
			if !sleepCtx(ctx, p.reconnectDelay) {
				break
			}
			continue
		}

		p.setConnected(true)
		slog.Info("connected to decoder", "addr", p.addr)
		p.store.AppendLog(model.LevelInfo, "PARSER", "connected to decoder", p.addr)

		err = p.readLoop(ctx, conn)
		conn.Close()
		p.setConnected(false)

		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, errPersist) {
			// Store failure survived its retry; reconnecting cannot help.
			slog.Error("parser stopping on store failure", "error", err)
			p.store.AppendLog(model.LevelError, "PARSER", "store failure", fmt.Sprint(err))
			return err
		}
		slog.Warn("decoder connection lost", "addr", p.addr, "error", err)
		p.store.AppendLog(model.LevelWarn, "PARSER", "connection lost", fmt.Sprint(err))
		metrics.DecoderReconnectsTotal.Inc()
		if !sleepCtx(ctx, p.reconnectDelay) {
			break
		}
	}

	slog.Info("parser stopped", "parsed", p.parsed, "drops", p.drops)
	p.store.AppendLog(model.LevelInfo, "PARSER", "parser stopped", "")
	return nil
}

// readLoop reads chunks, splits the accumulation buffer on newlines and
// persists every decoded packet before the next read. Returns on read error
// or cancellation.
func (p *Parser) readLoop(ctx context.Context, conn net.Conn) error {
	var acc []byte
	chunk := make([]byte, readChunkSize)

	for ctx.Err() == nil {
		if err := conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
			return err
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			acc = append(acc, chunk[:n]...)
			for {
				idx := bytes.IndexByte(acc, '\n')
				if idx < 0 {
					break
				}
				line := string(bytes.TrimRight(acc[:idx], "\r"))
				acc = acc[idx+1:]
				if err := p.handleLine(ctx, line); err != nil {
					return err
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (p *Parser) handleLine(ctx context.Context, line string) error {
	packet, matched := ParseLine(line, time.Now().In(p.loc))
	if !matched {
		return nil
	}
	if packet == nil {
		p.drops++
		metrics.ParseDropsTotal.Inc()
		if p.drops%dropLogEvery == 1 {
			slog.Warn("unparseable decoder line", "line", line, "drops", p.drops)
			p.store.AppendLog(model.LevelWarn, "PARSER", "unparseable line", line)
		}
		return nil
	}

	if _, err := p.store.InsertPacket(ctx, packet); err != nil {
		// One retry for transient store errors, then surface.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err2 := p.store.InsertPacket(ctx, packet); err2 != nil {
			p.store.AppendLog(model.LevelError, "PARSER", "failed to persist packet", fmt.Sprint(err2))
			return fmt.Errorf("%w: %v", errPersist, err2)
		}
	}

	p.parsed++
	if packet.Type == model.PacketK1 {
		metrics.PacketsParsedTotal.WithLabelValues("k1").Inc()
	} else {
		metrics.PacketsParsedTotal.WithLabelValues("k2").Inc()
	}
	if p.parsed%progressEvery == 0 {
		slog.Info("packets persisted", "count", p.parsed)
	}
	return nil
}

func (p *Parser) setConnected(connected bool) {
	p.tracker.SetTCPConnected(connected)
	if connected {
		metrics.TCPConnected.Set(1)
	} else {
		metrics.TCPConnected.Set(0)
	}
}

// sleepCtx waits d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
