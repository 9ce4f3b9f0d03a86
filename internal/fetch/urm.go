package fetch

import (
	"fmt"
	"strings"

	"github.com/seattle-distress/internal/config"
)

// URMBuildings fetches the unreinforced-masonry building inventory.
type URMBuildings struct {
	client *SODAClient
}

// NewURMBuildings builds the URM fetcher.
func NewURMBuildings(client *SODAClient) *URMBuildings {
	return &URMBuildings{client: client}
}

func (f *URMBuildings) SourceName() string { return "urm" }

func (f *URMBuildings) Pages(emit func([]Record) error) error {
	return f.client.Pages(config.DatasetURM, zipFilterSQL("zip_code"), emit)
}

func (f *URMBuildings) ExtractAddress(rec Record) string {
	return str(rec, "address", "street_address")
}

func (f *URMBuildings) ExtractCoords(rec Record) (lat, lng *float64) {
	// This dataset usually geocodes into a GeoJSON point, [lng, lat].
	if geo, ok := rec["geocoded_column"].(map[string]any); ok {
		if coords, ok := geo["coordinates"].([]any); ok && len(coords) >= 2 {
			ln, ok1 := num(coords[0])
			la, ok2 := num(coords[1])
			if ok1 && ok2 {
				return &la, &ln
			}
		}
	}
	return latLng(rec)
}

func (f *URMBuildings) ExtractZip(rec Record) string {
	return str(rec, "zip_code")
}

func (f *URMBuildings) ExtractSignals(rec Record) []Signal {
	// No natural key in this dataset; the address is stable enough to
	// keep re-ingestion idempotent.
	recordID := fmt.Sprintf("urm_%s", str(rec, "address", ":id"))
	retrofit := strings.TrimSpace(strings.ToUpper(str(rec, "retrofit_level", "retrofit")))
	risk := strings.TrimSpace(strings.ToUpper(str(rec, "preliminary_risk_category", "risk_category")))

	// "NO VISIBLE RETROFIT" and "NO RETROFIT" mean not retrofitted.
	hasRetrofit := strings.Contains(retrofit, "RETROFIT") &&
		!strings.Contains(retrofit, "NO") &&
		!strings.Contains(retrofit, "NOT") &&
		!strings.Contains(retrofit, "NONE")

	var signalType string
	switch {
	case hasRetrofit:
		signalType = "urm_retrofitted"
	case strings.Contains(risk, "HIGH"):
		signalType = "urm_high_risk_no_retrofit"
	default:
		signalType = "urm_no_retrofit"
	}

	return []Signal{{
		SourceRecordID: recordID,
		SignalType:     signalType,
		Detail: map[string]any{
			"retrofit_status": retrofit,
			"risk_category":   risk,
			"building_use":    str(rec, "building_use"),
			"year_built":      str(rec, "year_built"),
			"neighborhood":    str(rec, "neighborhood"),
		},
	}}
}
