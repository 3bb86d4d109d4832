package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"botsentry/internal/ml"
	"botsentry/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ip_blacklist (
			ip TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			confidence_score DOUBLE PRECISION NOT NULL,
			detection_method TEXT NOT NULL,
			detection_count INTEGER NOT NULL DEFAULT 1,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blacklist_active ON ip_blacklist(ip, is_active)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL,
			user_agent TEXT NOT NULL,
			fingerprint TEXT,
			is_bot BOOLEAN NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			methods_json TEXT NOT NULL,
			url_path TEXT NOT NULL,
			http_method TEXT NOT NULL,
			referrer TEXT,
			country_code TEXT,
			city TEXT,
			status TEXT NOT NULL,
			features_json TEXT,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_ip_ts ON detections(ip, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_bot_ts ON detections(is_bot, ts)`,
		`CREATE TABLE IF NOT EXISTS request_log (
			id BIGSERIAL PRIMARY KEY,
			ip TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_log_ip_ts ON request_log(ip, ts)`,
		`CREATE TABLE IF NOT EXISTS threat_intel (
			ip TEXT NOT NULL,
			threat_type TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			source TEXT NOT NULL,
			description TEXT,
			first_seen TIMESTAMPTZ NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (ip, threat_type)
		)`,
		`CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			ip TEXT NOT NULL,
			user_agent TEXT,
			description TEXT NOT NULL,
			details_json TEXT,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(event_type, ts)`,
		`CREATE TABLE IF NOT EXISTS model_sets (
			id BIGSERIAL PRIMARY KEY,
			version TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			payload_json TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) IsBlacklisted(ctx context.Context, ip string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ip_blacklist WHERE ip = $1 AND is_active`, ip).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *postgresStore) UpsertBlacklist(ctx context.Context, entry model.BlacklistEntry) error {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ip_blacklist (ip, reason, confidence_score, detection_method, detection_count, first_seen, last_seen, is_active)
		VALUES ($1, $2, $3, $4, 1, $5, $5, TRUE)
		ON CONFLICT (ip) DO UPDATE SET
			confidence_score = GREATEST(ip_blacklist.confidence_score, EXCLUDED.confidence_score),
			detection_method = EXCLUDED.detection_method,
			detection_count = ip_blacklist.detection_count + 1,
			last_seen = EXCLUDED.last_seen,
			is_active = TRUE`,
		entry.IP,
		truncate(entry.Reason, 255),
		entry.ConfidenceScore,
		truncate(entry.DetectionMethod, 100),
		now,
	)
	return err
}

func (s *postgresStore) DeactivateBlacklist(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ip_blacklist SET is_active = FALSE, last_seen = $1 WHERE ip = $2`,
		nowUTC(), ip)
	return err
}

func (s *postgresStore) ListBlacklist(ctx context.Context, limit int) ([]model.BlacklistEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip, reason, confidence_score, detection_method, detection_count, first_seen, last_seen, is_active
		FROM ip_blacklist WHERE is_active ORDER BY last_seen DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BlacklistEntry
	for rows.Next() {
		var e model.BlacklistEntry
		if err := rows.Scan(&e.IP, &e.Reason, &e.ConfidenceScore, &e.DetectionMethod, &e.DetectionCount, &e.FirstSeen, &e.LastSeen, &e.IsActive); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveDetection(ctx context.Context, rec model.DetectionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (id, ip, user_agent, fingerprint, is_bot, confidence, methods_json, url_path, http_method, referrer, country_code, city, status, features_json, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID,
		rec.IP,
		truncate(rec.UserAgent, 1000),
		truncate(rec.Fingerprint, 64),
		rec.IsBot,
		rec.Confidence,
		encodeJSON(rec.Methods),
		truncate(rec.URLPath, 500),
		truncate(rec.Method, 10),
		truncate(rec.Referrer, 500),
		truncate(rec.CountryCode, 2),
		truncate(rec.City, 100),
		rec.Status,
		encodeJSON(rec.Features),
		rec.Timestamp.UTC(),
	)
	return err
}

func (s *postgresStore) LabeledSamples(ctx context.Context, since time.Time, minConfidence float64, limit int) ([]model.TrainingSample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT is_bot, features_json FROM detections
		WHERE ts >= $1 AND confidence >= $2 AND features_json IS NOT NULL AND features_json != 'null'
		ORDER BY ts DESC LIMIT $3`,
		since.UTC(), minConfidence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TrainingSample
	for rows.Next() {
		var isBot bool
		var featuresJSON string
		if err := rows.Scan(&isBot, &featuresJSON); err != nil {
			return nil, err
		}
		features := decodeFloats(featuresJSON)
		if len(features) == 0 {
			continue
		}
		out = append(out, model.TrainingSample{Features: features, IsBot: isBot})
	}
	return out, rows.Err()
}

func (s *postgresStore) RecordRequest(ctx context.Context, ip, endpoint, method string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (ip, endpoint, method, ts) VALUES ($1, $2, $3, $4)`,
		ip, truncate(endpoint, 500), truncate(method, 10), ts.UTC())
	return err
}

func (s *postgresStore) RequestStats(ctx context.Context, ip string, window time.Duration) (model.RequestStats, error) {
	since := nowUTC().Add(-window)
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, ts FROM request_log WHERE ip = $1 AND ts >= $2 ORDER BY ts`,
		ip, since)
	if err != nil {
		return model.RequestStats{}, err
	}
	defer rows.Close()
	var timestamps []time.Time
	var endpoints []string
	for rows.Next() {
		var endpoint string
		var ts time.Time
		if err := rows.Scan(&endpoint, &ts); err != nil {
			return model.RequestStats{}, err
		}
		timestamps = append(timestamps, ts)
		endpoints = append(endpoints, endpoint)
	}
	if err := rows.Err(); err != nil {
		return model.RequestStats{}, err
	}
	return computeRequestStats(timestamps, endpoints), nil
}

func (s *postgresStore) ThreatsFor(ctx context.Context, ip string) ([]model.ThreatRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip, threat_type, confidence, source, description, first_seen, is_active
		FROM threat_intel WHERE ip = $1 AND is_active`, ip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ThreatRecord
	for rows.Next() {
		var r model.ThreatRecord
		var threatType string
		if err := rows.Scan(&r.IP, &threatType, &r.Confidence, &r.Source, &r.Description, &r.FirstSeen, &r.IsActive); err != nil {
			return nil, err
		}
		r.Type = model.ThreatType(threatType)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpsertThreat(ctx context.Context, rec model.ThreatRecord) error {
	first := rec.FirstSeen
	if first.IsZero() {
		first = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threat_intel (ip, threat_type, confidence, source, description, first_seen, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ip, threat_type) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			source = EXCLUDED.source,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active`,
		rec.IP, string(rec.Type), rec.Confidence, rec.Source, rec.Description, first.UTC(), rec.IsActive)
	return err
}

func (s *postgresStore) SaveSecurityEvent(ctx context.Context, ev model.SecurityEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (id, event_type, severity, ip, user_agent, description, details_json, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.EventType, ev.Severity, ev.IP,
		truncate(ev.UserAgent, 500), ev.Description,
		encodeJSON(ev.Details), ev.Timestamp.UTC())
	return err
}

func (s *postgresStore) SaveModelSet(ctx context.Context, set *ml.ModelSet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_sets (version, created_at, payload_json) VALUES ($1, $2, $3)`,
		set.Version, set.CreatedAt.UTC(), string(payload))
	return err
}

func (s *postgresStore) LoadModelSet(ctx context.Context) (*ml.ModelSet, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM model_sets ORDER BY id DESC LIMIT 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var set ml.ModelSet
	if err := json.Unmarshal([]byte(payload), &set); err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *postgresStore) Stats(ctx context.Context) (model.Statistics, error) {
	stats := model.Statistics{GeneratedAt: nowUTC(), TopMethods: map[string]int{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM detections`).Scan(&stats.TotalDetections); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM detections WHERE is_bot`).Scan(&stats.TotalBots); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ip_blacklist WHERE is_active`).Scan(&stats.ActiveBlacklist); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM threat_intel WHERE is_active`).Scan(&stats.ActiveThreats); err != nil {
		return stats, err
	}
	weekAgo := nowUTC().AddDate(0, 0, -7)
	rows, err := s.db.QueryContext(ctx,
		`SELECT methods_json FROM detections WHERE is_bot AND ts >= $1`, weekAgo)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return stats, err
		}
		for _, m := range decodeStrings(raw) {
			stats.TopMethods[m]++
		}
	}
	return stats, rows.Err()
}
