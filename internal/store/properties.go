package store

import (
	"database/sql"
	"fmt"
)

// PropertyUpsert carries the fields a fetcher can contribute to a property.
// Empty strings and nil floats mean "unknown" and never overwrite stored
// values.
type PropertyUpsert struct {
	AddressRaw   string
	AddressNorm  string
	ZipCode      string
	Latitude     *float64
	Longitude    *float64
	PropertyType string
}

const upsertPropertySQL = `
INSERT INTO properties (address_raw, address_norm, zip_code, latitude, longitude,
                        property_type, first_seen, last_updated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(address_norm) DO UPDATE SET
    address_raw = COALESCE(excluded.address_raw, properties.address_raw),
    zip_code = COALESCE(excluded.zip_code, properties.zip_code),
    latitude = COALESCE(excluded.latitude, properties.latitude),
    longitude = COALESCE(excluded.longitude, properties.longitude),
    property_type = CASE WHEN excluded.property_type != 'unknown'
                         THEN excluded.property_type
                         ELSE properties.property_type END,
    last_updated = excluded.last_updated
RETURNING id`

func upsertProperty(q dbtx, u PropertyUpsert) (int64, error) {
	propType := u.PropertyType
	if propType == "" {
		propType = "unknown"
	}
	now := nowUTC()

	var id int64
	err := q.QueryRow(upsertPropertySQL,
		nullIfEmpty(u.AddressRaw),
		u.AddressNorm,
		nullIfEmpty(u.ZipCode),
		nullFloat(u.Latitude),
		nullFloat(u.Longitude),
		propType,
		now,
		now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert property %q: %w", u.AddressNorm, err)
	}
	return id, nil
}

// UpsertProperty inserts or updates a property keyed on its canonical
// address and returns the stable row id.
func (s *Store) UpsertProperty(u PropertyUpsert) (int64, error) {
	return upsertProperty(s.db, u)
}

// UpsertProperty is the batch-transaction variant.
func (b *Batch) UpsertProperty(u PropertyUpsert) (int64, error) {
	return upsertProperty(b.tx, u)
}

// Nearby is a proximity-lookup hit.
type Nearby struct {
	ID          int64
	AddressNorm string
	// Dist is the Manhattan distance in degrees.
	Dist float64
}

// FindNearby returns the closest property within threshold degrees of the
// given coordinates (axis-aligned box prefilter, then Manhattan distance),
// or nil when none exists. Rows with id == excludeID are ignored; pass 0
// to consider every property.
func (s *Store) FindNearby(lat, lng, threshold float64, excludeID int64) (*Nearby, error) {
	row := s.db.QueryRow(
		`SELECT id, address_norm, ABS(latitude - ?) + ABS(longitude - ?) AS dist
		 FROM properties
		 WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		   AND id != ?
		   AND ABS(latitude - ?) < ? AND ABS(longitude - ?) < ?
		 ORDER BY dist LIMIT 1`,
		lat, lng, excludeID, lat, threshold, lng, threshold,
	)

	var n Nearby
	if err := row.Scan(&n.ID, &n.AddressNorm, &n.Dist); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find nearby property: %w", err)
	}
	return &n, nil
}

// UpdateScore persists the scorer's output for one property.
func (s *Store) UpdateScore(propertyID int64, totalScore float64, tier string) error {
	_, err := s.db.Exec(
		"UPDATE properties SET total_score = ?, tier = ? WHERE id = ?",
		totalScore, tier, propertyID,
	)
	if err != nil {
		return fmt.Errorf("failed to update score for property %d: %w", propertyID, err)
	}
	return nil
}

// PropertyIDs returns every property id.
func (s *Store) PropertyIDs() ([]int64, error) {
	rows, err := s.db.Query("SELECT id FROM properties ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list property ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
