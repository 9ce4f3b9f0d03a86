package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func f64(v float64) *float64 { return &v }

func TestUpsertPropertyIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.UpsertProperty(PropertyUpsert{
		AddressRaw:  "5812 SW Spokane St",
		AddressNorm: "5812 SW SPOKANE ST",
		ZipCode:     "98106",
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	id2, err := s.UpsertProperty(PropertyUpsert{
		AddressRaw:  "5812 South West Spokane Street",
		AddressNorm: "5812 SW SPOKANE ST",
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("same canonical address got two ids: %d and %d", id1, id2)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalProperties != 1 {
		t.Fatalf("TotalProperties = %d, want 1", st.TotalProperties)
	}
}

func TestUpsertPropertyDoesNotOverwriteWithNulls(t *testing.T) {
	s := openTestStore(t)

	id, err := s.UpsertProperty(PropertyUpsert{
		AddressRaw:  "4516 California Ave SW",
		AddressNorm: "4516 CALIFORNIA AVE SW",
		ZipCode:     "98116",
		Latitude:    f64(47.5615),
		Longitude:   f64(-122.3870),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A later source without coords or zip must not erase them.
	if _, err := s.UpsertProperty(PropertyUpsert{
		AddressNorm: "4516 CALIFORNIA AVE SW",
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	props, _, err := s.ListProperties(PropertyFilter{})
	if err != nil {
		t.Fatalf("ListProperties: %v", err)
	}
	if len(props) != 1 || props[0].ID != id {
		t.Fatalf("unexpected listing %+v", props)
	}
	p := props[0]
	if p.ZipCode != "98116" {
		t.Errorf("zip overwritten: %q", p.ZipCode)
	}
	if p.Latitude == nil || *p.Latitude != 47.5615 {
		t.Errorf("latitude overwritten: %v", p.Latitude)
	}
	if p.AddressRaw != "4516 California Ave SW" {
		t.Errorf("address_raw overwritten: %q", p.AddressRaw)
	}
}

func TestUpsertPropertyTypeStickiness(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.UpsertProperty(PropertyUpsert{
		AddressNorm:  "100 SW TEST ST",
		PropertyType: "residential",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// "unknown" must not displace a known type.
	if _, err := s.UpsertProperty(PropertyUpsert{
		AddressNorm: "100 SW TEST ST",
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var propType string
	if err := s.db.QueryRow(
		"SELECT property_type FROM properties WHERE address_norm = ?",
		"100 SW TEST ST",
	).Scan(&propType); err != nil {
		t.Fatalf("query: %v", err)
	}
	if propType != "residential" {
		t.Fatalf("property_type = %q, want residential", propType)
	}
}

func TestUpsertSignalDeduplicates(t *testing.T) {
	s := openTestStore(t)

	propID, err := s.UpsertProperty(PropertyUpsert{AddressNorm: "100 SW TEST ST"})
	if err != nil {
		t.Fatalf("upsert property: %v", err)
	}

	sig := SignalUpsert{
		PropertyID:     propID,
		Source:         "code_violations",
		SourceRecordID: "rec-1",
		SignalType:     "vacant_building",
		Detail:         map[string]any{"status": "OPEN"},
		EventDate:      "2025-06-01",
	}

	inserted, err := s.UpsertSignal(sig)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported duplicate")
	}

	inserted, err = s.UpsertSignal(sig)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert reported new")
	}

	// Same record id under a different source is a distinct signal.
	sig.Source = "permits"
	inserted, err = s.UpsertSignal(sig)
	if err != nil {
		t.Fatalf("cross-source insert: %v", err)
	}
	if !inserted {
		t.Fatal("cross-source insert reported duplicate")
	}
}

func TestBatchCommitAndRollback(t *testing.T) {
	s := openTestStore(t)

	b, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := b.UpsertProperty(PropertyUpsert{AddressNorm: "1 COMMITTED ST"}); err != nil {
		t.Fatalf("upsert in batch: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := b.Rollback(); err != nil {
		t.Fatalf("Rollback after Commit: %v", err)
	}

	b2, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := b2.UpsertProperty(PropertyUpsert{AddressNorm: "2 ABANDONED ST"}); err != nil {
		t.Fatalf("upsert in batch: %v", err)
	}
	if err := b2.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalProperties != 1 {
		t.Fatalf("TotalProperties = %d, want 1 (rollback leaked)", st.TotalProperties)
	}
}

func TestFindNearby(t *testing.T) {
	s := openTestStore(t)

	a, err := s.UpsertProperty(PropertyUpsert{
		AddressNorm: "5812 SW SPOKANE ST",
		Latitude:    f64(47.5712),
		Longitude:   f64(-122.3641),
	})
	if err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	b, err := s.UpsertProperty(PropertyUpsert{
		AddressNorm: "5812 SW SPOKANE STREET",
		Latitude:    f64(47.57124),
		Longitude:   f64(-122.36412),
	})
	if err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	near, err := s.FindNearby(47.5712, -122.3641, 0.0001, a)
	if err != nil {
		t.Fatalf("FindNearby: %v", err)
	}
	if near == nil || near.ID != b {
		t.Fatalf("FindNearby = %+v, want id %d", near, b)
	}

	// Nothing else within the threshold once both are excluded by distance.
	far, err := s.FindNearby(47.60, -122.30, 0.0001, 0)
	if err != nil {
		t.Fatalf("FindNearby far: %v", err)
	}
	if far != nil {
		t.Fatalf("expected no hit, got %+v", far)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	runID, err := s.StartRun([]string{"code_violations", "permits"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.CompleteRun(runID, 10, 25); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	var status, sources string
	var props, sigs int
	err = s.db.QueryRow(
		"SELECT status, sources, properties_count, signals_count FROM pipeline_runs WHERE id = ?",
		runID,
	).Scan(&status, &sources, &props, &sigs)
	if err != nil {
		t.Fatalf("query run: %v", err)
	}
	if status != "completed" || sources != "code_violations,permits" || props != 10 || sigs != 25 {
		t.Fatalf("run row = %s/%s/%d/%d", status, sources, props, sigs)
	}
}

func TestLogNormalizationIssue(t *testing.T) {
	s := openTestStore(t)

	err := s.LogNormalizationIssue(NormalizationIssue{
		AddressRaw:        "5812 SW Spokane St",
		AddressNorm:       "5812 SW SPOKANE ST",
		Source:            "permits",
		Latitude:          f64(47.5712),
		Longitude:         f64(-122.3641),
		NearestPropertyID: 7,
		DistanceMeters:    6.6,
	})
	if err != nil {
		t.Fatalf("LogNormalizationIssue: %v", err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.NormalizationIssues != 1 {
		t.Fatalf("NormalizationIssues = %d, want 1", st.NormalizationIssues)
	}
}

func seedListing(t *testing.T, s *Store) {
	t.Helper()
	specs := []struct {
		norm, raw, zip, tier string
		score                float64
		source               string
	}{
		{"1 SW ALPHA ST", "1 SW Alpha St", "98106", "A", 22, "code_violations"},
		{"2 SW BRAVO ST", "2 SW Bravo St", "98116", "B", 9, "permits"},
		{"3 SW CHARLIE ST", "3 SW Charlie St", "98126", "C", 2, "fire_911"},
	}
	for _, sp := range specs {
		id, err := s.UpsertProperty(PropertyUpsert{
			AddressRaw: sp.raw, AddressNorm: sp.norm, ZipCode: sp.zip,
		})
		if err != nil {
			t.Fatalf("seed property: %v", err)
		}
		if err := s.UpdateScore(id, sp.score, sp.tier); err != nil {
			t.Fatalf("seed score: %v", err)
		}
		if _, err := s.UpsertSignal(SignalUpsert{
			PropertyID: id, Source: sp.source,
			SourceRecordID: sp.norm, SignalType: "x",
		}); err != nil {
			t.Fatalf("seed signal: %v", err)
		}
	}
}

func TestListPropertiesFilters(t *testing.T) {
	s := openTestStore(t)
	seedListing(t, s)

	props, total, err := s.ListProperties(PropertyFilter{Tier: "A"})
	if err != nil {
		t.Fatalf("tier filter: %v", err)
	}
	if total != 1 || len(props) != 1 || props[0].AddressNorm != "1 SW ALPHA ST" {
		t.Fatalf("tier filter got %d/%+v", total, props)
	}

	props, total, err = s.ListProperties(PropertyFilter{Zip: "98116"})
	if err != nil {
		t.Fatalf("zip filter: %v", err)
	}
	if total != 1 || props[0].AddressNorm != "2 SW BRAVO ST" {
		t.Fatalf("zip filter got %d/%+v", total, props)
	}

	props, total, err = s.ListProperties(PropertyFilter{Source: "permits"})
	if err != nil {
		t.Fatalf("source filter: %v", err)
	}
	if total != 1 || props[0].AddressNorm != "2 SW BRAVO ST" {
		t.Fatalf("source filter got %d/%+v", total, props)
	}

	min := 8.0
	_, total, err = s.ListProperties(PropertyFilter{MinScore: &min})
	if err != nil {
		t.Fatalf("min score filter: %v", err)
	}
	if total != 2 {
		t.Fatalf("min score filter got %d, want 2", total)
	}

	props, _, err = s.ListProperties(PropertyFilter{Search: "Bravo"})
	if err != nil {
		t.Fatalf("search filter: %v", err)
	}
	if len(props) != 1 || props[0].AddressNorm != "2 SW BRAVO ST" {
		t.Fatalf("search filter got %+v", props)
	}
}

func TestListPropertiesSortAndPaging(t *testing.T) {
	s := openTestStore(t)
	seedListing(t, s)

	props, total, err := s.ListProperties(PropertyFilter{SortBy: "total_score", SortDir: "desc"})
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	if total != 3 || props[0].TotalScore != 22 {
		t.Fatalf("sort got total=%d first=%+v", total, props[0])
	}

	// An unknown sort column falls back instead of injecting.
	props, _, err = s.ListProperties(PropertyFilter{SortBy: "1; DROP TABLE properties"})
	if err != nil {
		t.Fatalf("bad sort column: %v", err)
	}
	if props[0].TotalScore != 22 {
		t.Fatalf("fallback sort first = %+v", props[0])
	}

	props, total, err = s.ListProperties(PropertyFilter{PerPage: 2, Page: 2, SortBy: "total_score"})
	if err != nil {
		t.Fatalf("paging: %v", err)
	}
	if total != 3 || len(props) != 1 {
		t.Fatalf("paging got total=%d rows=%d", total, len(props))
	}
}

func TestSignalsForScoringRoundTrip(t *testing.T) {
	s := openTestStore(t)

	id, err := s.UpsertProperty(PropertyUpsert{AddressNorm: "1 SW ALPHA ST"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertSignal(SignalUpsert{
		PropertyID:     id,
		Source:         "code_violations",
		SourceRecordID: "r1",
		SignalType:     "vacant_building",
		Detail:         map[string]any{"status": "OPEN"},
		EventDate:      "2025-06-01",
	}); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if _, err := s.UpsertSignal(SignalUpsert{
		PropertyID:     id,
		Source:         "urm",
		SourceRecordID: "r2",
		SignalType:     "urm_no_retrofit",
	}); err != nil {
		t.Fatalf("signal without date: %v", err)
	}

	sigs, err := s.SignalsForScoring(id)
	if err != nil {
		t.Fatalf("SignalsForScoring: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("got %d signals, want 2", len(sigs))
	}
	for _, sig := range sigs {
		switch sig.SignalType {
		case "vacant_building":
			if sig.EventDate != "2025-06-01" || sig.Detail == "" {
				t.Errorf("vacant_building round trip: %+v", sig)
			}
		case "urm_no_retrofit":
			if sig.EventDate != "" || sig.Detail != "" {
				t.Errorf("nullable columns should read as empty: %+v", sig)
			}
		default:
			t.Errorf("unexpected signal %+v", sig)
		}
	}
}

func TestTopProperties(t *testing.T) {
	s := openTestStore(t)
	seedListing(t, s)

	top, err := s.TopProperties(2)
	if err != nil {
		t.Fatalf("TopProperties: %v", err)
	}
	if len(top) != 2 || top[0].TotalScore != 22 || top[1].TotalScore != 9 {
		t.Fatalf("TopProperties = %+v", top)
	}
}
