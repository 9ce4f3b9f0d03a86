package store

import (
	"fmt"
	"strings"

	"github.com/seattle-distress/internal/scoring"
)

// SignalsForScoring returns the scoring-relevant slice of a property's
// signals.
func (s *Store) SignalsForScoring(propertyID int64) ([]scoring.SignalInput, error) {
	rows, err := s.db.Query(
		"SELECT signal_type, source, COALESCE(event_date, ''), COALESCE(detail, '') FROM signals WHERE property_id = ?",
		propertyID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load signals for property %d: %w", propertyID, err)
	}
	defer rows.Close()

	var sigs []scoring.SignalInput
	for rows.Next() {
		var sig scoring.SignalInput
		if err := rows.Scan(&sig.SignalType, &sig.Source, &sig.EventDate, &sig.Detail); err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// AuditCandidate is a property eligible for the proximity audit pass.
type AuditCandidate struct {
	ID          int64
	AddressRaw  string
	AddressNorm string
	Latitude    float64
	Longitude   float64
}

// PropertiesWithSignalsFrom returns every property that has at least one
// signal from the given source and has coordinates.
func (s *Store) PropertiesWithSignalsFrom(source string) ([]AuditCandidate, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT p.id, COALESCE(p.address_raw, ''), p.address_norm, p.latitude, p.longitude
		 FROM properties p
		 JOIN signals s ON s.property_id = p.id
		 WHERE s.source = ? AND p.latitude IS NOT NULL AND p.longitude IS NOT NULL`,
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit candidates for %s: %w", source, err)
	}
	defer rows.Close()

	var out []AuditCandidate
	for rows.Next() {
		var c AuditCandidate
		if err := rows.Scan(&c.ID, &c.AddressRaw, &c.AddressNorm, &c.Latitude, &c.Longitude); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PropertyFilter selects and orders properties for the read-side listing.
type PropertyFilter struct {
	Tier     string
	Zip      string
	Source   string
	MinScore *float64
	Search   string
	SortBy   string
	SortDir  string
	Page     int
	PerPage  int
}

// PropertySummary is one row of the read-side listing.
type PropertySummary struct {
	ID          int64
	AddressRaw  string
	AddressNorm string
	ZipCode     string
	Latitude    *float64
	Longitude   *float64
	TotalScore  float64
	Tier        string
	SignalCount int
	SourceCount int
	Sources     []string
}

var allowedSorts = map[string]bool{
	"total_score":  true,
	"tier":         true,
	"address_raw":  true,
	"zip_code":     true,
	"signal_count": true,
	"source_count": true,
}

// ListProperties returns a filtered, sorted, paginated property listing and
// the total number of matching rows. Sort columns are whitelisted.
func (s *Store) ListProperties(f PropertyFilter) ([]PropertySummary, int, error) {
	sortBy := f.SortBy
	if !allowedSorts[sortBy] {
		sortBy = "total_score"
	}
	sortDir := "DESC"
	if strings.EqualFold(f.SortDir, "asc") {
		sortDir = "ASC"
	}
	perPage := f.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	if perPage > 200 {
		perPage = 200
	}
	page := f.Page
	if page < 1 {
		page = 1
	}

	var where []string
	var args []any
	if f.Tier != "" {
		where = append(where, "p.tier = ?")
		args = append(args, f.Tier)
	}
	if f.Zip != "" {
		where = append(where, "p.zip_code = ?")
		args = append(args, f.Zip)
	}
	if f.MinScore != nil {
		where = append(where, "p.total_score >= ?")
		args = append(args, *f.MinScore)
	}
	if f.Search != "" {
		where = append(where, "p.address_raw LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}
	if f.Source != "" {
		where = append(where, "p.id IN (SELECT DISTINCT property_id FROM signals WHERE source = ?)")
		args = append(args, f.Source)
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	err := s.db.QueryRow("SELECT COUNT(DISTINCT p.id) FROM properties p"+whereSQL, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count properties: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT p.id, COALESCE(p.address_raw, ''), p.address_norm, COALESCE(p.zip_code, ''),
		        p.latitude, p.longitude, p.total_score, p.tier,
		        COUNT(s.id) AS signal_count,
		        COUNT(DISTINCT s.source) AS source_count,
		        COALESCE(GROUP_CONCAT(DISTINCT s.source), '') AS sources
		 FROM properties p
		 LEFT JOIN signals s ON s.property_id = p.id
		 %s
		 GROUP BY p.id
		 ORDER BY %s %s
		 LIMIT ? OFFSET ?`,
		whereSQL, sortBy, sortDir,
	)
	rows, err := s.db.Query(query, append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list properties: %w", err)
	}
	defer rows.Close()

	var out []PropertySummary
	for rows.Next() {
		var p PropertySummary
		var lat, lng *float64
		var sources string
		if err := rows.Scan(&p.ID, &p.AddressRaw, &p.AddressNorm, &p.ZipCode,
			&lat, &lng, &p.TotalScore, &p.Tier,
			&p.SignalCount, &p.SourceCount, &sources); err != nil {
			return nil, 0, err
		}
		p.Latitude, p.Longitude = lat, lng
		if sources != "" {
			p.Sources = strings.Split(sources, ",")
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// SignalRow is one stored signal as consumed by read-side collaborators.
type SignalRow struct {
	Source         string
	SourceRecordID string
	SignalType     string
	Weight         float64
	Detail         string
	EventDate      string
}

// SignalsByProperty returns a property's signals, newest event first.
func (s *Store) SignalsByProperty(propertyID int64) ([]SignalRow, error) {
	rows, err := s.db.Query(
		`SELECT source, source_record_id, signal_type, signal_weight,
		        COALESCE(detail, ''), COALESCE(event_date, '')
		 FROM signals WHERE property_id = ? ORDER BY event_date DESC`,
		propertyID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load signals for property %d: %w", propertyID, err)
	}
	defer rows.Close()

	var out []SignalRow
	for rows.Next() {
		var r SignalRow
		if err := rows.Scan(&r.Source, &r.SourceRecordID, &r.SignalType, &r.Weight, &r.Detail, &r.EventDate); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates counts by tier, zip, and source.
type Stats struct {
	TotalProperties     int
	TotalSignals        int
	NormalizationIssues int
	Tiers               map[string]int
	Zips                map[string]int
	Sources             map[string]int
}

// Stats returns aggregate database statistics.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{
		Tiers:   map[string]int{},
		Zips:    map[string]int{},
		Sources: map[string]int{},
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM properties").Scan(&st.TotalProperties); err != nil {
		return nil, fmt.Errorf("failed to count properties: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM signals").Scan(&st.TotalSignals); err != nil {
		return nil, fmt.Errorf("failed to count signals: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM normalization_issues").Scan(&st.NormalizationIssues); err != nil {
		return nil, fmt.Errorf("failed to count normalization issues: %w", err)
	}

	for query, dest := range map[string]map[string]int{
		"SELECT tier, COUNT(*) FROM properties GROUP BY tier":                                       st.Tiers,
		"SELECT zip_code, COUNT(*) FROM properties WHERE zip_code IS NOT NULL GROUP BY zip_code":    st.Zips,
		"SELECT source, COUNT(*) FROM signals GROUP BY source":                                      st.Sources,
	} {
		rows, err := s.db.Query(query)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate stats: %w", err)
		}
		for rows.Next() {
			var key string
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, err
			}
			dest[key] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return st, nil
}

// TopProperty is one entry of the end-of-run leaderboard.
type TopProperty struct {
	AddressRaw string
	TotalScore float64
	Tier       string
}

// TopProperties returns the n highest-scored properties.
func (s *Store) TopProperties(n int) ([]TopProperty, error) {
	rows, err := s.db.Query(
		"SELECT COALESCE(address_raw, address_norm), total_score, tier FROM properties ORDER BY total_score DESC LIMIT ?",
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load top properties: %w", err)
	}
	defer rows.Close()

	var out []TopProperty
	for rows.Next() {
		var t TopProperty
		if err := rows.Scan(&t.AddressRaw, &t.TotalScore, &t.Tier); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
