package store

import (
	"fmt"
	"strings"
)

// StartRun opens a pipeline_runs row in 'running' status and returns its id.
func (s *Store) StartRun(sources []string) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		"INSERT INTO pipeline_runs (started_at, sources, status) VALUES (?, ?, 'running') RETURNING id",
		nowUTC(), strings.Join(sources, ","),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to start pipeline run: %w", err)
	}
	return id, nil
}

// CompleteRun closes a run with its final counts.
func (s *Store) CompleteRun(runID int64, propertiesCount, signalsCount int) error {
	_, err := s.db.Exec(
		`UPDATE pipeline_runs SET completed_at = ?, properties_count = ?,
		 signals_count = ?, status = 'completed' WHERE id = ?`,
		nowUTC(), propertiesCount, signalsCount, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete pipeline run %d: %w", runID, err)
	}
	return nil
}

// NormalizationIssue records that another property sits suspiciously close
// to the one named. Append-only; never consumed by scoring.
type NormalizationIssue struct {
	AddressRaw        string
	AddressNorm       string
	Source            string
	Latitude          *float64
	Longitude         *float64
	NearestPropertyID int64
	DistanceMeters    float64
}

// LogNormalizationIssue appends one audit row.
func (s *Store) LogNormalizationIssue(i NormalizationIssue) error {
	_, err := s.db.Exec(
		`INSERT INTO normalization_issues
		     (address_raw, address_norm, source, latitude, longitude,
		      nearest_property_id, distance_meters, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(i.AddressRaw), nullIfEmpty(i.AddressNorm), nullIfEmpty(i.Source),
		nullFloat(i.Latitude), nullFloat(i.Longitude),
		i.NearestPropertyID, i.DistanceMeters, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to log normalization issue: %w", err)
	}
	return nil
}
