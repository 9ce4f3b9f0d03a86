package fetch

import (
	"fmt"
	"strings"

	"github.com/seattle-distress/internal/config"
)

// violationTypeMap maps record-type text to signal types; first match wins.
var violationTypeMap = []struct{ substr, signalType string }{
	{"UNFIT FOR HABITATION", "unfit_building"},
	{"VACANT BUILDING", "vacant_building"},
	{"NOTICE OF VIOLATION", "notice_of_violation"},
	{"CITATION", "citation"},
}

// CodeViolations fetches Code Complaints & Violations records for the
// West Seattle zip whitelist.
type CodeViolations struct {
	client *SODAClient
}

// NewCodeViolations builds the code-violations fetcher.
func NewCodeViolations(client *SODAClient) *CodeViolations {
	return &CodeViolations{client: client}
}

func (f *CodeViolations) SourceName() string { return "code_violations" }

func (f *CodeViolations) Pages(emit func([]Record) error) error {
	return f.client.Pages(config.DatasetCodeViolations, zipFilterSQL("originalzip"), emit)
}

func (f *CodeViolations) ExtractAddress(rec Record) string {
	return str(rec, "originaladdress1")
}

func (f *CodeViolations) ExtractCoords(rec Record) (lat, lng *float64) {
	return latLng(rec)
}

func (f *CodeViolations) ExtractZip(rec Record) string {
	return str(rec, "originalzip")
}

func (f *CodeViolations) ExtractSignals(rec Record) []Signal {
	recordID := str(rec, "recordnum", ":id")
	recordType := strings.TrimSpace(strings.ToUpper(str(rec, "recordtypedesc", "recordtypemapped")))
	status := strings.TrimSpace(strings.ToUpper(str(rec, "statuscurrent")))
	openDate := str(rec, "opendate")

	signalType := ""
	for _, m := range violationTypeMap {
		if strings.Contains(recordType, m.substr) {
			signalType = m.signalType
			break
		}
	}
	switch {
	case signalType != "":
	case strings.Contains(recordType, "CONSTRUCTION"):
		signalType = "complaint_construction"
	case strings.Contains(recordType, "LANDLORD"):
		signalType = "complaint_landlord_tenant"
	default:
		signalType = "complaint_other"
	}

	// NOV or citation in the current status counts on top of the record
	// type, regardless of what the primary signal is.
	var signals []Signal
	if strings.Contains(status, "NOTICE OF VIOLATION") && signalType != "notice_of_violation" {
		signals = append(signals, Signal{
			SourceRecordID: fmt.Sprintf("%s_nov", recordID),
			SignalType:     "notice_of_violation",
			Detail:         map[string]any{"record_type": recordType, "status": status},
			EventDate:      openDate,
		})
	}
	if strings.Contains(status, "CITATION") && signalType != "citation" {
		signals = append(signals, Signal{
			SourceRecordID: fmt.Sprintf("%s_citation", recordID),
			SignalType:     "citation",
			Detail:         map[string]any{"record_type": recordType, "status": status},
			EventDate:      openDate,
		})
	}

	signals = append(signals, Signal{
		SourceRecordID: recordID,
		SignalType:     signalType,
		Detail: map[string]any{
			"record_type":            recordType,
			"status":                 status,
			"description":            str(rec, "description"),
			"last_inspection_result": str(rec, "lastinspresult"),
		},
		EventDate: openDate,
	})

	return signals
}
