package storage

import (
	"context"
	"testing"
	"time"

	"botsentry/internal/ml"
	"botsentry/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLite("file:" + t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestBlacklistUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blocked, err := s.IsBlacklisted(ctx, "1.2.3.4")
	if err != nil || blocked {
		t.Fatalf("fresh IP must not be blacklisted: %v %v", blocked, err)
	}

	entry := model.BlacklistEntry{IP: "1.2.3.4", Reason: "test", ConfidenceScore: 0.7, DetectionMethod: "pattern_script"}
	if err := s.UpsertBlacklist(ctx, entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	blocked, err = s.IsBlacklisted(ctx, "1.2.3.4")
	if err != nil || !blocked {
		t.Fatalf("expected blacklisted: %v %v", blocked, err)
	}

	// Re-upsert with lower confidence keeps the max and bumps the count.
	entry.ConfidenceScore = 0.5
	if err := s.UpsertBlacklist(ctx, entry); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	entries, err := s.ListBlacklist(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].ConfidenceScore != 0.7 {
		t.Fatalf("expected max confidence kept, got %v", entries[0].ConfidenceScore)
	}
	if entries[0].DetectionCount != 2 {
		t.Fatalf("expected count 2, got %d", entries[0].DetectionCount)
	}

	if err := s.DeactivateBlacklist(ctx, "1.2.3.4"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	blocked, _ = s.IsBlacklisted(ctx, "1.2.3.4")
	if blocked {
		t.Fatalf("expected deactivated entry")
	}
}

func TestDetectionAndLabeledSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []model.DetectionRecord{
		{ID: "d1", IP: "1.1.1.1", UserAgent: "curl", IsBot: true, Confidence: 0.9, Methods: []string{"pattern_script"}, URLPath: "/", Method: "GET", Status: "bot", Features: []float64{1, 2, 3}, Timestamp: now},
		{ID: "d2", IP: "2.2.2.2", UserAgent: "Mozilla", IsBot: false, Confidence: 0.8, Methods: nil, URLPath: "/", Method: "GET", Status: "clean", Features: []float64{4, 5, 6}, Timestamp: now},
		{ID: "d3", IP: "3.3.3.3", UserAgent: "x", IsBot: true, Confidence: 0.4, Methods: nil, URLPath: "/", Method: "GET", Status: "bot", Features: []float64{7, 8, 9}, Timestamp: now},
	}
	for _, rec := range records {
		if err := s.SaveDetection(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", rec.ID, err)
		}
	}

	samples, err := s.LabeledSamples(ctx, now.Add(-time.Hour), 0.7, 100)
	if err != nil {
		t.Fatalf("labeled samples: %v", err)
	}
	// d3 falls below the confidence floor.
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	var bots int
	for _, sm := range samples {
		if len(sm.Features) != 3 {
			t.Fatalf("features lost: %v", sm.Features)
		}
		if sm.IsBot {
			bots++
		}
	}
	if bots != 1 {
		t.Fatalf("expected 1 bot sample, got %d", bots)
	}
}

func TestRequestStatsWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := s.RecordRequest(ctx, "1.2.3.4", "/page", "GET", now.Add(-time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	// Outside the window.
	_ = s.RecordRequest(ctx, "1.2.3.4", "/old", "GET", now.Add(-time.Hour))

	stats, err := s.RequestStats(ctx, "1.2.3.4", 10*time.Minute)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 5 {
		t.Fatalf("expected 5 in-window requests, got %d", stats.Count)
	}
	if stats.UniqueEndpoints != 1 {
		t.Fatalf("expected 1 endpoint, got %d", stats.UniqueEndpoints)
	}
}

func TestThreatUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := model.ThreatRecord{IP: "9.9.9.9", Type: model.ThreatDatacenter, Confidence: 0.4, Source: "feed", IsActive: true}
	if err := s.UpsertThreat(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec.Confidence = 0.6
	if err := s.UpsertThreat(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	threats, err := s.ThreatsFor(ctx, "9.9.9.9")
	if err != nil {
		t.Fatalf("threats: %v", err)
	}
	if len(threats) != 1 {
		t.Fatalf("expected single (ip,type) row, got %d", len(threats))
	}
	if threats[0].Confidence != 0.6 {
		t.Fatalf("expected updated confidence, got %v", threats[0].Confidence)
	}
}

func TestModelSetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loaded, err := s.LoadModelSet(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil set before save")
	}

	set := &ml.ModelSet{
		Version:   "v-test",
		CreatedAt: time.Now().UTC(),
		Samples:   80,
		Scaler:    &ml.Scaler{Mean: []float64{1, 2}, Std: []float64{1, 1}},
		Anomaly:   &ml.AnomalyDetector{Mean: []float64{1, 2}, Std: []float64{1, 1}, Threshold: 2},
	}
	if err := s.SaveModelSet(ctx, set); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err = s.LoadModelSet(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || loaded.Version != "v-test" || loaded.Samples != 80 {
		t.Fatalf("round trip lost data: %+v", loaded)
	}
	if loaded.Anomaly == nil || loaded.Anomaly.Threshold != 2 {
		t.Fatalf("anomaly model lost: %+v", loaded.Anomaly)
	}
	if len(loaded.Models()) != 1 {
		t.Fatalf("expected one fitted model, got %d", len(loaded.Models()))
	}
}

func TestStatsAggregation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_ = s.SaveDetection(ctx, model.DetectionRecord{ID: "d1", IP: "1.1.1.1", UserAgent: "curl", IsBot: true, Confidence: 0.9, Methods: []string{"pattern_script", "short_ua"}, URLPath: "/", Method: "GET", Status: "bot", Timestamp: now})
	_ = s.SaveDetection(ctx, model.DetectionRecord{ID: "d2", IP: "2.2.2.2", UserAgent: "x", IsBot: true, Confidence: 0.8, Methods: []string{"pattern_script"}, URLPath: "/", Method: "GET", Status: "bot", Timestamp: now})
	_ = s.SaveDetection(ctx, model.DetectionRecord{ID: "d3", IP: "3.3.3.3", UserAgent: "Mozilla", IsBot: false, Confidence: 0.1, URLPath: "/", Method: "GET", Status: "clean", Timestamp: now})
	_ = s.UpsertBlacklist(ctx, model.BlacklistEntry{IP: "1.1.1.1", Reason: "r", ConfidenceScore: 0.9, DetectionMethod: "m"})

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalDetections != 3 || stats.TotalBots != 2 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.ActiveBlacklist != 1 {
		t.Fatalf("expected 1 blacklist entry, got %d", stats.ActiveBlacklist)
	}
	if stats.TopMethods["pattern_script"] != 2 {
		t.Fatalf("expected pattern_script counted twice, got %d", stats.TopMethods["pattern_script"])
	}
}
