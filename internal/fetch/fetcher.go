// Package fetch contains one fetcher per municipal data source. Records
// stay weakly typed (opaque key/value maps) at the fetcher edge; strict
// types appear only once signals head into the store.
package fetch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/seattle-distress/internal/config"
)

// Record is one weakly-typed source row.
type Record map[string]any

// Signal is one extracted distress observation, pre-storage.
type Signal struct {
	SourceRecordID string
	SignalType     string
	Detail         map[string]any
	EventDate      string
}

// Fetcher is the contract every source implements.
type Fetcher interface {
	// SourceName is the identity tag persisted on each signal.
	SourceName() string

	// Pages streams finite record batches to emit. An error returned
	// from emit aborts the stream and is returned unchanged.
	Pages(emit func([]Record) error) error

	// ExtractAddress returns the raw address, or "" when absent.
	ExtractAddress(rec Record) string

	// ExtractCoords returns latitude/longitude, nil when unavailable.
	ExtractCoords(rec Record) (lat, lng *float64)

	// ExtractZip returns the zip code, or "" when absent.
	ExtractZip(rec Record) string

	// ExtractSignals returns zero or more signals for the record.
	ExtractSignals(rec Record) []Signal
}

// PropertyTyper is implemented by fetchers whose source knows the property
// type. Sources without one leave the stored type alone.
type PropertyTyper interface {
	ExtractPropertyType(rec Record) string
}

// str returns the first non-empty string value among keys.
func str(rec Record, keys ...string) string {
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// num converts a string or JSON number field to float64.
func num(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// latLng reads flat latitude/longitude fields. Parse failures are treated
// as absent coordinates.
func latLng(rec Record) (lat, lng *float64) {
	la, ok1 := num(rec["latitude"])
	ln, ok2 := num(rec["longitude"])
	if !ok1 || !ok2 {
		return nil, nil
	}
	return &la, &ln
}

// zipFilterSQL renders the zip whitelist as a SODA in(...) clause.
func zipFilterSQL(column string) string {
	quoted := make([]string, len(config.WestSeattleZips))
	for i, z := range config.WestSeattleZips {
		quoted[i] = "'" + z + "'"
	}
	return fmt.Sprintf("%s in(%s)", column, strings.Join(quoted, ","))
}
