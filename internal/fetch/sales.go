package fetch

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seattle-distress/internal/config"
)

const redfinExportURL = "https://www.redfin.com/stingray/api/gis-csv"

// Redfin blocks default HTTP clients, so the export is requested with a
// browser user agent.
const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// RecentSales fetches sold listings for the last year from Redfin's CSV
// export, one request per whitelisted zip.
type RecentSales struct {
	http  *http.Client
	delay time.Duration
	log   *zap.Logger
}

// NewRecentSales builds the recent-sales fetcher.
func NewRecentSales(log *zap.Logger) *RecentSales {
	return &RecentSales{
		http:  &http.Client{Timeout: 60 * time.Second},
		delay: 2 * time.Second,
		log:   log,
	}
}

func (f *RecentSales) SourceName() string { return "king_county_sales" }

func (f *RecentSales) Pages(emit func([]Record) error) error {
	zipSet := make(map[string]bool, len(config.WestSeattleZips))
	for _, z := range config.WestSeattleZips {
		zipSet[z] = true
	}

	for i, zip := range config.WestSeattleZips {
		if i > 0 {
			time.Sleep(f.delay)
		}
		records, err := f.fetchZip(zip)
		if err != nil {
			// One blocked or malformed export should not sink the
			// other zips.
			f.log.Warn("sales export unavailable",
				zap.String("zip", zip), zap.Error(err))
			continue
		}

		// The export occasionally bleeds in neighboring areas, so
		// re-filter per row.
		kept := records[:0]
		for _, rec := range records {
			if zipSet[str(rec, "zip or postal code")] {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			continue
		}
		if err := emit(kept); err != nil {
			return err
		}
	}
	return nil
}

func (f *RecentSales) fetchZip(zip string) ([]Record, error) {
	params := url.Values{
		"al":               {"1"},
		"market":           {"seattle"},
		"region_type":      {"2"},
		"region_id":        {zip},
		"sold_within_days": {"365"},
		"status":           {"9"},
		"uipt":             {"1,2,3"},
		"v":                {"8"},
	}

	req, err := http.NewRequest(http.MethodGet, redfinExportURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build export request: %w", err)
	}
	req.Header.Set("User-Agent", browserUA)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("export request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("export for zip %s returned %s", zip, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read export body: %w", err)
	}
	return parseSalesCSV(body)
}

// parseSalesCSV converts the export body into records keyed by lowercased
// header names. Blocked requests come back as HTML or JSON instead of CSV.
func parseSalesCSV(body []byte) ([]Record, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || strings.HasPrefix(trimmed, "<!") || strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("export response is not CSV")
	}

	reader := csv.NewReader(strings.NewReader(trimmed))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read export header: %w", err)
	}
	cols := columnMap(header)

	var records []Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		rec := make(Record, len(cols))
		for name, i := range cols {
			if i < len(row) {
				rec[name] = strings.TrimSpace(row[i])
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (f *RecentSales) ExtractAddress(rec Record) string {
	return str(rec, "address")
}

func (f *RecentSales) ExtractCoords(rec Record) (lat, lng *float64) {
	return latLng(rec)
}

func (f *RecentSales) ExtractZip(rec Record) string {
	return str(rec, "zip or postal code")
}

func (f *RecentSales) ExtractSignals(rec Record) []Signal {
	recordID := str(rec, "mls#")
	if recordID == "" {
		recordID = str(rec, "address")
	}

	price, _ := num(rec["price"])
	return []Signal{{
		SourceRecordID: "redfin-" + recordID,
		SignalType:     "recently_sold",
		Detail: map[string]any{
			"price":         price,
			"sale_type":     str(rec, "sale type"),
			"property_type": str(rec, "property type"),
			"status":        "sold",
		},
		EventDate: str(rec, "sold date"),
	}}
}
