package sender

import (
	"encoding/json"
	"time"

	"github.com/Hyrol7/vrl-client/internal/model"
)

// Field declaration order is the canonical (lexicographic) key order; the
// marshalled bytes are what gets signed, so the order must stay stable.

type trackPayload struct {
	Callsign  string `json:"callsign"`
	Fuel      int64  `json:"fuel"`
	Height    int64  `json:"height"`
	Timestamp string `json:"timestamp"`
}

type ingestPayload struct {
	ClientID int            `json:"client_id"`
	Tracks   []trackPayload `json:"tracks"`
}

// BuildBody serializes a track batch into the canonical ingest request body.
func BuildBody(clientID int, tracks []model.FlightTrack) ([]byte, error) {
	payload := ingestPayload{
		ClientID: clientID,
		Tracks:   make([]trackPayload, 0, len(tracks)),
	}
	for _, t := range tracks {
		payload.Tracks = append(payload.Tracks, trackPayload{
			Callsign:  t.Callsign,
			Fuel:      t.FuelPct,
			Height:    t.HeightM,
			Timestamp: t.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return json.Marshal(payload)
}
