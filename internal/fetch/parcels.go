package fetch

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/seattle-distress/internal/config"
)

// saleDateFormats covers the assessor's sale extract, month-first with an
// ISO fallback.
var saleDateFormats = []string{"01/02/2006", "2006-01-02"}

var reCityState = regexp.MustCompile(`^(.+?)[,\s]+([A-Za-z]{2})$`)

type parcelInfo struct {
	address string
	zip     string
	landVal float64
	imprVal float64
}

type mailingInfo struct {
	line  string
	city  string
	state string
	zip   string
}

type saleInfo struct {
	date  time.Time
	price float64
	buyer string
}

// ParcelEnrichment joins four King County inputs into ownership and value
// signals per residential parcel: the GIS parcel layer, the assessor's
// account and sale bulk extracts, and the active foreclosure list. All
// inputs are loaded up front, then joined by PIN.
type ParcelEnrichment struct {
	gis          *http.Client
	dl           *http.Client
	soda         *SODAClient
	gisURL       string
	acctURL      string
	saleURL      string
	downloadsDir string
	log          *zap.Logger
	now          func() time.Time

	loaded       bool
	parcels      map[string]parcelInfo
	mailing      map[string]mailingInfo
	sales        map[string]saleInfo
	foreclosures map[string]bool
}

// NewParcelEnrichment builds the King County enrichment fetcher. Bulk zip
// downloads are cached under downloadsDir.
func NewParcelEnrichment(downloadsDir, appToken string, log *zap.Logger) *ParcelEnrichment {
	return &ParcelEnrichment{
		gis:          &http.Client{Timeout: 60 * time.Second},
		dl:           &http.Client{Timeout: 300 * time.Second},
		soda:         NewSODAClient(config.KCSODABase, appToken, log),
		gisURL:       config.KCGISParcelsURL,
		acctURL:      config.KCRPAcctURL,
		saleURL:      config.KCRPSaleURL,
		downloadsDir: downloadsDir,
		log:          log,
		now:          time.Now,
	}
}

func (f *ParcelEnrichment) SourceName() string { return "kc_enrichment" }

// makePIN builds the canonical 10-digit parcel number from major and minor
// account segments.
func makePIN(major, minor string) string {
	major = strings.TrimSpace(major)
	minor = strings.TrimSpace(minor)
	if major == "" || minor == "" {
		return ""
	}
	return fmt.Sprintf("%06s%04s", major, minor)
}

// parseCityState splits an assessor CityState field ("SEATTLE WA",
// "BELLEVUE, WA") into its parts.
func parseCityState(s string) (city, state string) {
	m := reCityState.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return strings.TrimSpace(s), ""
	}
	return strings.TrimSpace(m[1]), strings.ToUpper(m[2])
}

func (f *ParcelEnrichment) loadParcels() error {
	f.parcels = make(map[string]parcelInfo)

	quoted := make([]string, len(config.WestSeattleZips))
	for i, z := range config.WestSeattleZips {
		quoted[i] = "'" + z + "'"
	}
	where := fmt.Sprintf("ZIP5 IN (%s) AND PROPTYPE = 'R'", strings.Join(quoted, ","))

	offset := 0
	for {
		params := url.Values{
			"where":             {where},
			"outFields":         {"PIN,ADDR_FULL,ZIP5,APPRLNDVAL,APPR_IMPR"},
			"orderByFields":     {"OBJECTID"},
			"resultOffset":      {fmt.Sprint(offset)},
			"resultRecordCount": {fmt.Sprint(config.KCGISPageSize)},
			"f":                 {"json"},
		}

		resp, err := f.gis.Get(f.gisURL + "?" + params.Encode())
		if err != nil {
			return fmt.Errorf("parcel layer request failed: %w", err)
		}
		var page struct {
			Features []struct {
				Attributes map[string]any `json:"attributes"`
			} `json:"features"`
			ExceededTransferLimit bool `json:"exceededTransferLimit"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to decode parcel layer response: %w", err)
		}

		for _, feat := range page.Features {
			rec := Record(feat.Attributes)
			pin := str(rec, "PIN")
			if pin == "" {
				continue
			}
			land, _ := num(rec["APPRLNDVAL"])
			impr, _ := num(rec["APPR_IMPR"])
			f.parcels[pin] = parcelInfo{
				address: strings.TrimSpace(str(rec, "ADDR_FULL")),
				zip:     str(rec, "ZIP5"),
				landVal: land,
				imprVal: impr,
			}
		}

		offset += len(page.Features)
		if !page.ExceededTransferLimit || len(page.Features) == 0 {
			break
		}
		time.Sleep(config.KCGISDelay)
	}

	f.log.Info("loaded parcel layer", zap.Int("parcels", len(f.parcels)))
	return nil
}

// ensureDownloaded returns a local path for url, reusing a cached copy
// younger than the cache window. A stale cached copy is still used when the
// download itself fails.
func (f *ParcelEnrichment) ensureDownloaded(rawURL, name string) (string, error) {
	path := filepath.Join(f.downloadsDir, name)
	maxAge := time.Duration(config.KCDownloadCacheDays) * 24 * time.Hour
	if info, err := os.Stat(path); err == nil {
		age := f.now().Sub(info.ModTime())
		if age < maxAge {
			f.log.Info("using cached download",
				zap.String("file", name), zap.Duration("age", age))
			return path, nil
		}
	}

	if err := os.MkdirAll(f.downloadsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create downloads dir: %w", err)
	}

	f.log.Info("downloading", zap.String("url", rawURL))
	path2, err := f.download(rawURL, path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			f.log.Warn("download failed, using stale cached copy",
				zap.String("file", name), zap.Error(err))
			return path, nil
		}
		return "", err
	}
	return path2, nil
}

func (f *ParcelEnrichment) download(rawURL, path string) (string, error) {
	resp, err := f.dl.Get(rawURL)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download of %s returned %s", rawURL, resp.Status)
	}

	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("download of %s interrupted: %w", rawURL, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

// findCSVInZip locates the first CSV member whose name contains needle,
// case-insensitively. The assessor occasionally prepends a vintage to the
// extract name, so a prefix match is too strict.
func findCSVInZip(zr *zip.ReadCloser, needle string) (*zip.File, error) {
	needle = strings.ToLower(needle)
	for _, member := range zr.File {
		name := strings.ToLower(filepath.Base(member.Name))
		if strings.Contains(name, needle) && strings.HasSuffix(name, ".csv") {
			return member, nil
		}
	}
	return nil, fmt.Errorf("no CSV matching %q in archive", needle)
}

// openAssessorCSV opens a zipped assessor extract as a CSV reader. The
// extracts are not clean UTF-8, so ill-formed bytes are replaced before
// parsing.
func openAssessorCSV(member *zip.File) (*csv.Reader, io.Closer, error) {
	rc, err := member.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", member.Name, err)
	}
	clean := transform.NewReader(rc, runes.ReplaceIllFormed())
	reader := csv.NewReader(clean)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return reader, rc, nil
}

// columnMap lowercases a CSV header row into a name-to-index lookup.
func columnMap(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

func field(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (f *ParcelEnrichment) loadMailing() error {
	f.mailing = make(map[string]mailingInfo)

	path, err := f.ensureDownloaded(f.acctURL, "rp_account.zip")
	if err != nil {
		return err
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open account archive: %w", err)
	}
	defer zr.Close()

	member, err := findCSVInZip(zr, "extr_rpacct")
	if err != nil {
		return err
	}
	reader, closer, err := openAssessorCSV(member)
	if err != nil {
		return err
	}
	defer closer.Close()

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read account header: %w", err)
	}
	cols := columnMap(header)

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		pin := makePIN(field(row, cols, "major"), field(row, cols, "minor"))
		if pin == "" {
			continue
		}
		if _, wanted := f.parcels[pin]; !wanted {
			continue
		}
		city, state := parseCityState(field(row, cols, "citystate"))
		zipCode := field(row, cols, "zipcode")
		if len(zipCode) > 5 {
			zipCode = zipCode[:5]
		}
		f.mailing[pin] = mailingInfo{
			line:  field(row, cols, "addrline"),
			city:  strings.ToUpper(city),
			state: state,
			zip:   zipCode,
		}
	}

	f.log.Info("loaded mailing addresses", zap.Int("accounts", len(f.mailing)))
	return nil
}

func (f *ParcelEnrichment) loadSales() error {
	f.sales = make(map[string]saleInfo)

	path, err := f.ensureDownloaded(f.saleURL, "rp_sale.zip")
	if err != nil {
		return err
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open sales archive: %w", err)
	}
	defer zr.Close()

	member, err := findCSVInZip(zr, "extr_rpsale")
	if err != nil {
		return err
	}
	reader, closer, err := openAssessorCSV(member)
	if err != nil {
		return err
	}
	defer closer.Close()

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read sales header: %w", err)
	}
	cols := columnMap(header)

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		pin := makePIN(field(row, cols, "major"), field(row, cols, "minor"))
		if pin == "" {
			continue
		}
		if _, wanted := f.parcels[pin]; !wanted {
			continue
		}

		date, ok := parseSaleDate(field(row, cols, "documentdate"))
		if !ok {
			continue
		}
		// Keep the chronologically latest sale per parcel.
		if prev, seen := f.sales[pin]; seen && !date.After(prev.date) {
			continue
		}
		price, _ := num(field(row, cols, "saleprice"))
		f.sales[pin] = saleInfo{
			date:  date,
			price: price,
			buyer: field(row, cols, "buyername"),
		}
	}

	f.log.Info("loaded sales", zap.Int("parcels_with_sales", len(f.sales)))
	return nil
}

func parseSaleDate(s string) (time.Time, bool) {
	for _, layout := range saleDateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (f *ParcelEnrichment) loadForeclosures() error {
	f.foreclosures = make(map[string]bool)

	records, err := f.soda.Get(config.KCForeclosureDataset, url.Values{"$limit": {"5000"}})
	if err != nil {
		return err
	}
	for _, rec := range records {
		pin := strings.TrimSpace(str(rec, "parcels", "parcel_number", "pin"))
		pin = strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, pin)
		if len(pin) == 10 {
			f.foreclosures[pin] = true
		}
	}

	f.log.Info("loaded foreclosure list", zap.Int("parcels", len(f.foreclosures)))
	return nil
}

// loadAll populates the four inputs. Every input is required: an empty
// sales or mailing map is indistinguishable from "no sale on record" or
// "owner-occupied", so a failed load must abort the source rather than
// mint wrong ownership signals for every parcel.
func (f *ParcelEnrichment) loadAll() error {
	if f.loaded {
		return nil
	}
	if err := f.loadParcels(); err != nil {
		return err
	}
	if err := f.loadMailing(); err != nil {
		return fmt.Errorf("mailing addresses: %w", err)
	}
	if err := f.loadSales(); err != nil {
		return fmt.Errorf("sales history: %w", err)
	}
	if err := f.loadForeclosures(); err != nil {
		return fmt.Errorf("foreclosure list: %w", err)
	}
	f.loaded = true
	return nil
}

func (f *ParcelEnrichment) Pages(emit func([]Record) error) error {
	if err := f.loadAll(); err != nil {
		return err
	}

	const batchSize = 500
	batch := make([]Record, 0, batchSize)
	for pin, info := range f.parcels {
		if info.address == "" {
			continue
		}
		rec := Record{
			"pin":      pin,
			"address":  info.address,
			"zip":      info.zip,
			"land_val": info.landVal,
			"impr_val": info.imprVal,
		}
		// Only parcels that actually yield a signal are worth a
		// property row.
		if len(f.ExtractSignals(rec)) == 0 {
			continue
		}
		batch = append(batch, rec)
		if len(batch) == batchSize {
			if err := emit(batch); err != nil {
				return err
			}
			batch = make([]Record, 0, batchSize)
		}
	}
	if len(batch) > 0 {
		return emit(batch)
	}
	return nil
}

func (f *ParcelEnrichment) ExtractAddress(rec Record) string {
	return str(rec, "address")
}

func (f *ParcelEnrichment) ExtractCoords(rec Record) (lat, lng *float64) {
	return nil, nil
}

func (f *ParcelEnrichment) ExtractZip(rec Record) string {
	return str(rec, "zip")
}

// ExtractPropertyType reports "residential" for every record: the parcel
// layer query is already restricted to PROPTYPE = 'R'.
func (f *ParcelEnrichment) ExtractPropertyType(rec Record) string {
	return "residential"
}

func (f *ParcelEnrichment) ExtractSignals(rec Record) []Signal {
	pin := str(rec, "pin")
	var signals []Signal

	if m, ok := f.mailing[pin]; ok && m.state != "" {
		detail := map[string]any{
			"mailing_line":  m.line,
			"mailing_city":  m.city,
			"mailing_state": m.state,
			"mailing_zip":   m.zip,
		}
		if m.state != "WA" {
			signals = append(signals, Signal{
				SourceRecordID: "kc-absentee-" + pin,
				SignalType:     "absentee_owner_out_of_state",
				Detail:         detail,
			})
		} else if m.city != "" && m.city != "SEATTLE" {
			signals = append(signals, Signal{
				SourceRecordID: "kc-absentee-" + pin,
				SignalType:     "absentee_owner_in_state",
				Detail:         detail,
			})
		}
	}

	if sale, ok := f.sales[pin]; ok {
		ageYears := f.now().Sub(sale.date).Hours() / 24 / 365.25
		eventDate := sale.date.Format("2006-01-02")
		tenureDetail := map[string]any{
			"last_sale_date": eventDate,
			"years":          math.Round(ageYears*10) / 10,
		}
		switch {
		case ageYears >= 20:
			signals = append(signals, Signal{
				SourceRecordID: "kc-longterm-" + pin,
				SignalType:     "long_term_owner_20yr",
				Detail:         tenureDetail,
				EventDate:      eventDate,
			})
		case ageYears >= 10:
			signals = append(signals, Signal{
				SourceRecordID: "kc-longterm-" + pin,
				SignalType:     "long_term_owner_10yr",
				Detail:         tenureDetail,
				EventDate:      eventDate,
			})
		case ageYears < 1 && sale.price > 0:
			signals = append(signals, Signal{
				SourceRecordID: "kc-sold-" + pin,
				SignalType:     "recently_sold",
				Detail: map[string]any{
					"price":  sale.price,
					"buyer":  sale.buyer,
					"status": "sold",
				},
				EventDate: eventDate,
			})
		}
	} else {
		// No recorded sale at all reads as very long tenure.
		signals = append(signals, Signal{
			SourceRecordID: "kc-longterm-" + pin,
			SignalType:     "long_term_owner_20yr",
			Detail:         map[string]any{"last_sale_date": nil, "years": nil},
		})
	}

	if f.foreclosures[pin] {
		signals = append(signals, Signal{
			SourceRecordID: "kc-foreclosure-" + pin,
			SignalType:     "foreclosure",
			Detail:         map[string]any{"pin": pin},
		})
	}

	land, _ := num(rec["land_val"])
	impr, _ := num(rec["impr_val"])
	if land > 0 && impr < 0.3*land {
		signals = append(signals, Signal{
			SourceRecordID: "kc-lowimpr-" + pin,
			SignalType:     "low_improvement_ratio",
			Detail: map[string]any{
				"land_value":        land,
				"improvement_value": impr,
			},
		})
	}

	return signals
}
