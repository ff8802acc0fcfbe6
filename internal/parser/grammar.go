// Package parser reads the decoder TCP stream and persists K1/K2 packets.
package parser

import (
	"regexp"
	"strconv"
	"time"

	"github.com/Hyrol7/vrl-client/internal/model"
)

// Accepted line forms. The bracketed middle segments are opaque:
//
//	K1 11:11:38.370.366 [ 8832] {018} **** :10437
//	K2 11:12:54.082.632 [ 8706] {017} **** FL 5360m [F176]+  F:40%
var (
	k1Pattern = regexp.MustCompile(`^K1\s+(\d{2}):(\d{2}):(\d{2})\.(\d+)\.(\d+)\s+.*?:(\d+)$`)
	k2Pattern = regexp.MustCompile(`^K2\s+(\d{2}):(\d{2}):(\d{2})\.(\d+)\.(\d+)\s+.*?FL\s*(\d+)m.*?F:(\d+)%`)
)

// ParseLine decodes one decoder line relative to the local clock `now`.
// Returns (nil, false) for lines outside the grammar entirely, and
// (nil, true) for K1/K2 lines that fail to decode — those count as drops.
func ParseLine(line string, now time.Time) (*model.RawPacket, bool) {
	if len(line) < 3 {
		return nil, false
	}
	switch line[:3] {
	case "K1 ":
		return parseK1(line, now), true
	case "K2 ":
		return parseK2(line, now), true
	default:
		return nil, false
	}
}

func parseK1(line string, now time.Time) *model.RawPacket {
	m := k1Pattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	et, ok := eventTime(m[1], m[2], m[3], now)
	if !ok {
		return nil
	}
	return model.NewK1(et, m[6])
}

func parseK2(line string, now time.Time) *model.RawPacket {
	m := k2Pattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	et, ok := eventTime(m[1], m[2], m[3], now)
	if !ok {
		return nil
	}
	height, err := strconv.ParseInt(m[6], 10, 64)
	if err != nil {
		return nil
	}
	fuel, err := strconv.ParseInt(m[7], 10, 64)
	if err != nil {
		return nil
	}
	return model.NewK2(et, height, fuel)
}

// eventTime combines the line's HH:MM:SS with the local date at ingest.
// A parsed time more than 12 hours in the future means the decoder emitted
// the line before midnight and we read it after; use the previous day.
func eventTime(hh, mm, ss string, now time.Time) (time.Time, bool) {
	h, err := strconv.Atoi(hh)
	if err != nil || h > 23 {
		return time.Time{}, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m > 59 {
		return time.Time{}, false
	}
	s, err := strconv.Atoi(ss)
	if err != nil || s > 59 {
		return time.Time{}, false
	}

	t := time.Date(now.Year(), now.Month(), now.Day(), h, m, s, 0, now.Location())
	if t.Sub(now) > 12*time.Hour {
		t = t.AddDate(0, 0, -1)
	}
	return t, true
}
