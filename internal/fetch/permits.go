package fetch

import (
	"fmt"
	"strings"

	"github.com/seattle-distress/internal/config"
)

// Permits fetches building permits that are expired, canceled, or mention
// demolition.
type Permits struct {
	client *SODAClient
}

// NewPermits builds the permits fetcher.
func NewPermits(client *SODAClient) *Permits {
	return &Permits{client: client}
}

func (f *Permits) SourceName() string { return "permits" }

func (f *Permits) Pages(emit func([]Record) error) error {
	where := fmt.Sprintf(
		"%s AND (statuscurrent = 'Expired' OR statuscurrent = 'Canceled' OR "+
			"upper(description) like '%%DEMOLISH%%' OR upper(description) like '%%DEMOLITION%%')",
		zipFilterSQL("originalzip"),
	)
	return f.client.Pages(config.DatasetPermits, where, emit)
}

func (f *Permits) ExtractAddress(rec Record) string {
	return str(rec, "originaladdress1")
}

func (f *Permits) ExtractCoords(rec Record) (lat, lng *float64) {
	return latLng(rec)
}

func (f *Permits) ExtractZip(rec Record) string {
	return str(rec, "originalzip")
}

func (f *Permits) ExtractSignals(rec Record) []Signal {
	recordID := str(rec, "permitnum", ":id")
	status := strings.TrimSpace(strings.ToUpper(str(rec, "statuscurrent")))
	description := strings.ToUpper(str(rec, "description"))

	var signalType string
	switch {
	case strings.Contains(description, "DEMOLISH") || strings.Contains(description, "DEMOLITION"):
		signalType = "demolished"
	case status == "EXPIRED":
		cost, _ := num(rec["estprojectcost"])
		if cost > 50000 {
			signalType = "expired_permit_major"
		} else {
			signalType = "expired_permit_minor"
		}
	case status == "CANCELED":
		signalType = "permit_cancelled"
	default:
		signalType = "expired_permit_minor"
	}

	eventDate := str(rec, "applieddate")
	if eventDate == "" {
		eventDate = str(rec, "issueddate")
	}

	return []Signal{{
		SourceRecordID: recordID,
		SignalType:     signalType,
		Detail: map[string]any{
			"status":      status,
			"description": str(rec, "description"),
			"est_cost":    rec["estprojectcost"],
			"permit_type": str(rec, "permittypedesc", "permittypemapped"),
		},
		EventDate: eventDate,
	}}
}
