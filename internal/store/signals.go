package store

import (
	"encoding/json"
	"fmt"
)

// SignalUpsert is one extracted distress observation headed for storage.
type SignalUpsert struct {
	PropertyID     int64
	Source         string
	SourceRecordID string
	SignalType     string
	// Weight is persisted for audit only; scoring weights live in the
	// scoring config.
	Weight    float64
	Detail    map[string]any
	EventDate string
}

func upsertSignal(q dbtx, u SignalUpsert) (bool, error) {
	var detailJSON any
	if len(u.Detail) > 0 {
		data, err := json.Marshal(u.Detail)
		if err != nil {
			return false, fmt.Errorf("failed to encode signal detail: %w", err)
		}
		detailJSON = string(data)
	}

	res, err := q.Exec(
		`INSERT OR IGNORE INTO signals
		     (property_id, source, source_record_id, signal_type,
		      signal_weight, detail, event_date, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.PropertyID, u.Source, u.SourceRecordID, u.SignalType,
		u.Weight, detailJSON, nullIfEmpty(u.EventDate), nowUTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert signal %s/%s: %w", u.Source, u.SourceRecordID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertSignal inserts a signal unless (source, source_record_id) already
// exists; the duplicate case returns false without error.
func (s *Store) UpsertSignal(u SignalUpsert) (bool, error) {
	return upsertSignal(s.db, u)
}

// UpsertSignal is the batch-transaction variant.
func (b *Batch) UpsertSignal(u SignalUpsert) (bool, error) {
	return upsertSignal(b.tx, u)
}
