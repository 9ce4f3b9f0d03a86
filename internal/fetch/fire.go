package fetch

import (
	"fmt"
	"strings"

	"github.com/seattle-distress/internal/config"
)

// fireTypeFilters are the incident-type substrings that indicate property
// distress; the SODA filter is their disjunction.
var fireTypeFilters = []string{
	"RESIDENTIAL FIRE", "BUILDING FIRE", "STRUCTURE FIRE",
	"FIRE IN BUILDING", "FIRE IN SINGLE", "FIRE IN MULTI",
}

// FireCalls fetches Fire 911 calls within a 5km circle of West Seattle.
type FireCalls struct {
	client *SODAClient
}

// NewFireCalls builds the fire-calls fetcher.
func NewFireCalls(client *SODAClient) *FireCalls {
	return &FireCalls{client: client}
}

func (f *FireCalls) SourceName() string { return "fire_911" }

func (f *FireCalls) Pages(emit func([]Record) error) error {
	preds := make([]string, len(fireTypeFilters))
	for i, t := range fireTypeFilters {
		preds[i] = fmt.Sprintf("upper(type) like '%%%s%%'", t)
	}
	where := fmt.Sprintf(
		"within_circle(report_location, %v, %v, %d) AND (%s)",
		config.FireCenterLat, config.FireCenterLng, config.FireRadiusMeters,
		strings.Join(preds, " OR "),
	)
	return f.client.Pages(config.DatasetFire911, where, emit)
}

func (f *FireCalls) ExtractAddress(rec Record) string {
	return str(rec, "address")
}

func (f *FireCalls) ExtractCoords(rec Record) (lat, lng *float64) {
	if lat, lng := latLng(rec); lat != nil {
		return lat, lng
	}
	// Some rows only carry the nested report_location object.
	if loc, ok := rec["report_location"].(map[string]any); ok {
		la, ok1 := num(loc["latitude"])
		ln, ok2 := num(loc["longitude"])
		if ok1 && ok2 {
			return &la, &ln
		}
	}
	return nil, nil
}

func (f *FireCalls) ExtractZip(rec Record) string {
	return str(rec, "zipcode")
}

func (f *FireCalls) ExtractSignals(rec Record) []Signal {
	recordID := str(rec, "incident_number", ":id")
	incidentType := strings.TrimSpace(strings.ToUpper(str(rec, "type")))

	signalType := "building_fire"
	for _, t := range []string{"RESIDENTIAL", "SINGLE FAMILY", "MULTI FAMILY"} {
		if strings.Contains(incidentType, t) {
			signalType = "residential_fire"
			break
		}
	}

	return []Signal{{
		SourceRecordID: recordID,
		SignalType:     signalType,
		Detail: map[string]any{
			"type":     incidentType,
			"datetime": str(rec, "datetime"),
		},
		EventDate: str(rec, "datetime"),
	}}
}
