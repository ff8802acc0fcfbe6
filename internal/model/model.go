// Package model defines the persistent entities shared by the pipeline stages.
package model

import (
	"database/sql"
	"errors"
	"time"
)

// PacketType discriminates the two decoder packet kinds.
type PacketType int

const (
	// PacketK1 carries the aircraft callsign.
	PacketK1 PacketType = 1
	// PacketK2 carries altitude and fuel.
	PacketK2 PacketType = 2
)

// SendState tracks whether a record has been accounted for by the sender.
type SendState int

const (
	SendPending SendState = 0
	SendDone    SendState = 1
	SendFailed  SendState = -1
)

// RawPacket is one decoded line from the decoder stream.
type RawPacket struct {
	ID           int64          `db:"id"`
	EventTime    time.Time      `db:"event_time"`
	Type         PacketType     `db:"type"`
	Callsign     sql.NullString `db:"callsign"`
	HeightM      sql.NullInt64  `db:"height"`
	FuelPct      sql.NullInt64  `db:"fuel"`
	Alarm        int            `db:"alarm"`
	Faithfulness int            `db:"faithfulness"`
	Sent         SendState      `db:"sent"`
	BoundToTrack sql.NullInt64  `db:"bound_to_track"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

var (
	ErrK1MissingCallsign = errors.New("K1 packet requires a callsign")
	ErrK1HasTelemetry    = errors.New("K1 packet must not carry height or fuel")
	ErrK2MissingFields   = errors.New("K2 packet requires height and fuel")
	ErrK2HasCallsign     = errors.New("K2 packet must not carry a callsign")
	ErrUnknownType       = errors.New("unknown packet type")
)

// Validate enforces the type/field invariant: K1 carries only a callsign,
// K2 carries only height and fuel.
func (p *RawPacket) Validate() error {
	switch p.Type {
	case PacketK1:
		if !p.Callsign.Valid || p.Callsign.String == "" {
			return ErrK1MissingCallsign
		}
		if p.HeightM.Valid || p.FuelPct.Valid {
			return ErrK1HasTelemetry
		}
	case PacketK2:
		if !p.HeightM.Valid || !p.FuelPct.Valid {
			return ErrK2MissingFields
		}
		if p.Callsign.Valid {
			return ErrK2HasCallsign
		}
	default:
		return ErrUnknownType
	}
	return nil
}

// NewK1 builds a K1 packet with the defaults the decoder stream implies.
func NewK1(eventTime time.Time, callsign string) *RawPacket {
	return &RawPacket{
		EventTime:    eventTime,
		Type:         PacketK1,
		Callsign:     sql.NullString{String: callsign, Valid: true},
		Faithfulness: 50,
	}
}

// NewK2 builds a K2 packet.
func NewK2(eventTime time.Time, heightM, fuelPct int64) *RawPacket {
	return &RawPacket{
		EventTime: eventTime,
		Type:      PacketK2,
		HeightM:   sql.NullInt64{Int64: heightM, Valid: true},
		FuelPct:   sql.NullInt64{Int64: fuelPct, Valid: true},
	}
}

// FlightTrack is a correlated K1/K2 pair forming one ingest record.
type FlightTrack struct {
	ID         int64          `db:"id"`
	K1PacketID int64          `db:"k1_packet_id"`
	K2PacketID int64          `db:"k2_packet_id"`
	Callsign   string         `db:"callsign"`
	HeightM    int64          `db:"height"`
	FuelPct    int64          `db:"fuel"`
	Timestamp  time.Time      `db:"timestamp"`
	Sent       SendState      `db:"sent"`
	SentAt     sql.NullTime   `db:"sent_at"`
	Error      sql.NullString `db:"error"`
	CreatedAt  time.Time      `db:"created_at"`
}

// LogEntry is one append-only audit record.
type LogEntry struct {
	ID        int64     `db:"id"`
	Level     string    `db:"level"`
	Component string    `db:"component"`
	Message   string    `db:"message"`
	Details   string    `db:"details"`
	CreatedAt time.Time `db:"created_at"`
}

// Audit log levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)
