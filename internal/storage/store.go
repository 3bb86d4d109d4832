package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"botsentry/internal/config"
	"botsentry/internal/ml"
	"botsentry/internal/model"
)

// Store is the persistence boundary of the classification core: blacklist,
// detection log, request log, threat intelligence, security events, and
// model artifacts. Classification never fails because a Store call failed;
// callers degrade and surface the error on the log.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	IsBlacklisted(ctx context.Context, ip string) (bool, error)
	UpsertBlacklist(ctx context.Context, entry model.BlacklistEntry) error
	DeactivateBlacklist(ctx context.Context, ip string) error
	ListBlacklist(ctx context.Context, limit int) ([]model.BlacklistEntry, error)

	SaveDetection(ctx context.Context, rec model.DetectionRecord) error
	LabeledSamples(ctx context.Context, since time.Time, minConfidence float64, limit int) ([]model.TrainingSample, error)

	RecordRequest(ctx context.Context, ip, endpoint, method string, ts time.Time) error
	RequestStats(ctx context.Context, ip string, window time.Duration) (model.RequestStats, error)

	ThreatsFor(ctx context.Context, ip string) ([]model.ThreatRecord, error)
	UpsertThreat(ctx context.Context, rec model.ThreatRecord) error

	SaveSecurityEvent(ctx context.Context, ev model.SecurityEvent) error

	SaveModelSet(ctx context.Context, set *ml.ModelSet) error
	LoadModelSet(ctx context.Context) (*ml.ModelSet, error)

	Stats(ctx context.Context) (model.Statistics, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeStrings(raw string) []string {
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func decodeFloats(raw string) []float64 {
	var out []float64
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// computeRequestStats folds an ordered request history into the rolling
// aggregate the pattern extractor consumes. Interval variance uses
// Welford's update so a long window stays single-pass.
func computeRequestStats(timestamps []time.Time, endpoints []string) model.RequestStats {
	stats := model.RequestStats{Count: len(timestamps)}

	unique := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		unique[e] = struct{}{}
	}
	stats.UniqueEndpoints = len(unique)

	if len(timestamps) < 2 {
		return stats
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	var n int
	var mean, m2 float64
	prev := timestamps[0]
	for _, ts := range timestamps[1:] {
		delta := ts.Sub(prev).Seconds()
		if delta < 0 {
			delta = 0
		}
		n++
		diff := delta - mean
		mean += diff / float64(n)
		m2 += diff * (delta - mean)
		prev = ts
	}
	stats.IntervalMean = mean
	if n > 0 {
		stats.IntervalVariance = m2 / float64(n)
	}
	if math.IsNaN(stats.IntervalVariance) {
		stats.IntervalVariance = 0
	}
	return stats
}

// truncate keeps persisted strings inside column budgets.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
