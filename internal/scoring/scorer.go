package scoring

import (
	"encoding/json"
	"strings"
	"time"
)

// SignalInput is the slice of a stored signal the scoring formula consumes.
type SignalInput struct {
	SignalType string
	Source     string
	EventDate  string // ISO-8601 or empty
	Detail     string // JSON-encoded map or empty
}

// eventDateFormats covers the shapes Seattle/King County sources emit.
var eventDateFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseEventDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range eventDateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// contribution computes one signal's contribution. ok is false when the
// signal falls outside the recency window and must be skipped entirely.
func contribution(sig SignalInput, cfg *Config, now time.Time) (float64, bool) {
	base := cfg.weight(sig.SignalType)
	maxAge := time.Duration(cfg.Recency.MaxAgeDays) * 24 * time.Hour
	cutoff := now.Add(-maxAge)

	decayMult := 1.0
	if event, ok := parseEventDate(sig.EventDate); ok {
		if event.Before(cutoff) {
			return 0, false
		}
		ageDays := now.Sub(event).Hours() / 24
		frac := 1 - ageDays/float64(cfg.Recency.MaxAgeDays)
		if frac < 0 {
			frac = 0
		}
		decayMult = 1 + cfg.Recency.DecayBoost*frac
	}
	// Signals with a missing or unparseable date still count at base weight.

	statusMult := 1.0
	if bySource, ok := cfg.StatusMultipliers[sig.Source]; ok && sig.Detail != "" {
		var detail map[string]any
		if err := json.Unmarshal([]byte(sig.Detail), &detail); err == nil {
			status, _ := detail["status"].(string)
			status = strings.ToLower(strings.TrimSpace(status))
			if m, ok := bySource[status]; ok {
				statusMult = m
			}
		}
	}

	return base * decayMult * statusMult, true
}

// Score computes the total score and tier for one property's signals.
// It is pure in (signals, cfg, now).
func Score(signals []SignalInput, cfg *Config, now time.Time) (total float64, tier string) {
	sources := make(map[string]struct{})

	for _, sig := range signals {
		c, ok := contribution(sig, cfg, now)
		if !ok {
			continue
		}
		total += c
		sources[sig.Source] = struct{}{}
	}

	if len(sources) >= cfg.Bonuses.MultiSourceThreshold {
		total += cfg.Bonuses.MultiSourcePoints
	}

	switch {
	case total >= cfg.Tiers.A:
		tier = "A"
	case total >= cfg.Tiers.B:
		tier = "B"
	default:
		tier = "C"
	}
	return total, tier
}

// BreakdownBySource returns per-source score subtotals using the same
// per-signal formula as Score. The multi-source bonus is not attributable
// to a single source and is excluded.
func BreakdownBySource(signals []SignalInput, cfg *Config, now time.Time) map[string]float64 {
	bySource := make(map[string]float64)
	for _, sig := range signals {
		c, ok := contribution(sig, cfg, now)
		if !ok {
			continue
		}
		bySource[sig.Source] += c
	}
	return bySource
}
