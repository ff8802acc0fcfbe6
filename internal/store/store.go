// Package store implements durable local storage for raw packets, flight
// tracks and the audit log on top of a single SQLite file.
//
// All mutations are serialized through one in-process writer; reads go through
// the same pool and see committed state only (WAL journal mode).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Hyrol7/vrl-client/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS packets_raw (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    event_time     DATETIME NOT NULL,
    type           INTEGER NOT NULL,
    callsign       TEXT,
    height         INTEGER,
    fuel           INTEGER,
    alarm          INTEGER NOT NULL DEFAULT 0,
    faithfulness   INTEGER NOT NULL DEFAULT 0,
    sent           INTEGER NOT NULL DEFAULT 0,
    bound_to_track INTEGER,
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS flight_tracks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    k1_packet_id INTEGER NOT NULL,
    k2_packet_id INTEGER NOT NULL,
    callsign     TEXT NOT NULL,
    height       INTEGER NOT NULL,
    fuel         INTEGER NOT NULL,
    timestamp    DATETIME NOT NULL,
    sent         INTEGER NOT NULL DEFAULT 0,
    sent_at      DATETIME,
    error        TEXT,
    created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    level      TEXT NOT NULL,
    component  TEXT NOT NULL,
    message    TEXT NOT NULL,
    details    TEXT,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_packets_event_time ON packets_raw(event_time);
CREATE INDEX IF NOT EXISTS idx_packets_type       ON packets_raw(type);
CREATE INDEX IF NOT EXISTS idx_packets_sent       ON packets_raw(sent);
CREATE INDEX IF NOT EXISTS idx_tracks_sent        ON flight_tracks(sent);
`

// ErrAlreadyBound is returned by CreateTrackAndBind when either packet is
// already referenced by another track.
var ErrAlreadyBound = errors.New("packet already bound to a track")

// Store is the transactional API over the embedded SQLite file.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the store file and bootstraps the
// schema. Subsequent opens are idempotent.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	// One writer connection; SQLite serializes writes anyway and a single
	// connection avoids SQLITE_BUSY churn between the four workers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertPacket persists one parsed packet and returns its id. The type/field
// invariant is enforced before the row is written.
func (s *Store) InsertPacket(ctx context.Context, p *model.RawPacket) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO packets_raw
		    (event_time, type, callsign, height, fuel, alarm, faithfulness, sent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.EventTime.UTC(), p.Type, p.Callsign, p.HeightM, p.FuelPct,
		p.Alarm, p.Faithfulness, model.SendPending, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert packet: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return id, nil
}

// SelectUnboundPackets returns pending packets of the given type that are not
// yet bound to a track, oldest event first.
func (s *Store) SelectUnboundPackets(ctx context.Context, typ model.PacketType, limit int) ([]model.RawPacket, error) {
	var packets []model.RawPacket
	err := s.db.SelectContext(ctx, &packets, `
		SELECT * FROM packets_raw
		WHERE bound_to_track IS NULL AND sent = ? AND type = ?
		ORDER BY event_time ASC
		LIMIT ?`,
		model.SendPending, typ, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unbound packets: %w", err)
	}
	return packets, nil
}

// TrackFields carries the denormalized columns copied onto a new track.
type TrackFields struct {
	Callsign  string
	HeightM   int64
	FuelPct   int64
	Timestamp time.Time
}

// CreateTrackAndBind inserts the track and stamps bound_to_track on both
// packets in one transaction. Fails with ErrAlreadyBound if either packet is
// already referenced by a track.
func (s *Store) CreateTrackAndBind(ctx context.Context, k1ID, k2ID int64, fields TrackFields) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin track transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO flight_tracks
		    (k1_packet_id, k2_packet_id, callsign, height, fuel, timestamp, sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k1ID, k2ID, fields.Callsign, fields.HeightM, fields.FuelPct,
		fields.Timestamp.UTC(), model.SendPending, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert track: %w", err)
	}
	trackID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, packetID := range []int64{k1ID, k2ID} {
		res, err := tx.ExecContext(ctx, `
			UPDATE packets_raw SET bound_to_track = ?, updated_at = ?
			WHERE id = ? AND bound_to_track IS NULL`,
			trackID, now, packetID,
		)
		if err != nil {
			return 0, fmt.Errorf("bind packet %d: %w", packetID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n != 1 {
			return 0, fmt.Errorf("bind packet %d: %w", packetID, ErrAlreadyBound)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit track transaction: %w", err)
	}
	return trackID, nil
}

// SelectPendingTracks returns unsent tracks in id order.
func (s *Store) SelectPendingTracks(ctx context.Context, limit int) ([]model.FlightTrack, error) {
	if limit <= 0 {
		limit = 100
	}
	var tracks []model.FlightTrack
	err := s.db.SelectContext(ctx, &tracks, `
		SELECT * FROM flight_tracks
		WHERE sent = ?
		ORDER BY id ASC
		LIMIT ?`,
		model.SendPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending tracks: %w", err)
	}
	return tracks, nil
}

// MarkTracks transitions a batch of tracks to the given outcome in one
// transaction. sentAt is recorded for SendDone, errMsg for SendFailed.
func (s *Store) MarkTracks(ctx context.Context, ids []int64, outcome model.SendState, errMsg string, sentAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark transaction: %w", err)
	}
	defer tx.Rollback()

	var sentAtVal sql.NullTime
	if outcome == model.SendDone {
		sentAtVal = sql.NullTime{Time: sentAt.UTC(), Valid: true}
	}
	var errVal sql.NullString
	if outcome == model.SendFailed {
		errVal = sql.NullString{String: errMsg, Valid: true}
	}

	query, args, err := sqlx.In(`
		UPDATE flight_tracks SET sent = ?, sent_at = ?, error = ?
		WHERE id IN (?) AND sent = ?`,
		outcome, sentAtVal, errVal, ids, model.SendPending,
	)
	if err != nil {
		return fmt.Errorf("build mark query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark tracks: %w", err)
	}
	return tx.Commit()
}

// MarkPacketsFailed flags packets as failed with a reason in the audit trail
// column semantics (sent = failed). Used to age out unmatched packets.
func (s *Store) MarkPacketsFailed(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE packets_raw SET sent = ?, updated_at = ?
		WHERE id IN (?) AND sent = ? AND bound_to_track IS NULL`,
		model.SendFailed, time.Now().UTC(), ids, model.SendPending,
	)
	if err != nil {
		return fmt.Errorf("build fail query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark packets failed (%s): %w", reason, err)
	}
	return nil
}

// MarkPacketsDone flags packets as accounted for by a delivered track.
func (s *Store) MarkPacketsDone(ctx context.Context, trackIDs []int64) error {
	if len(trackIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE packets_raw SET sent = ?, updated_at = ?
		WHERE bound_to_track IN (?)`,
		model.SendDone, time.Now().UTC(), trackIDs,
	)
	if err != nil {
		return fmt.Errorf("build done query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark packets done: %w", err)
	}
	return nil
}

// GetTrack returns one track by id.
func (s *Store) GetTrack(ctx context.Context, id int64) (*model.FlightTrack, error) {
	var track model.FlightTrack
	err := s.db.GetContext(ctx, &track, `SELECT * FROM flight_tracks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get track %d: %w", id, err)
	}
	return &track, nil
}

// GetPacket returns one packet by id.
func (s *Store) GetPacket(ctx context.Context, id int64) (*model.RawPacket, error) {
	var p model.RawPacket
	err := s.db.GetContext(ctx, &p, `SELECT * FROM packets_raw WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get packet %d: %w", id, err)
	}
	return &p, nil
}

// PendingTrackCount returns the number of unsent tracks, for metrics.
func (s *Store) PendingTrackCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM flight_tracks WHERE sent = ?`, model.SendPending)
	return n, err
}

// AppendLog writes one audit record. Best-effort: failures are reported to
// the process log and never escalate to the caller.
func (s *Store) AppendLog(level, component, message, details string) {
	_, err := s.db.Exec(`
		INSERT INTO logs (level, component, message, details, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		level, component, message, details, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("failed to append audit log", "component", component, "error", err)
	}
}

// RecentLogs returns the newest audit records, most recent first.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]model.LogEntry, error) {
	var entries []model.LogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select logs: %w", err)
	}
	return entries, nil
}
