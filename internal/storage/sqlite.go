package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"botsentry/internal/ml"
	"botsentry/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:botsentry.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ip_blacklist (
			ip TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			confidence_score REAL NOT NULL,
			detection_method TEXT NOT NULL,
			detection_count INTEGER NOT NULL DEFAULT 1,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blacklist_active ON ip_blacklist(ip, is_active)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL,
			user_agent TEXT NOT NULL,
			fingerprint TEXT,
			is_bot INTEGER NOT NULL,
			confidence REAL NOT NULL,
			methods_json TEXT NOT NULL,
			url_path TEXT NOT NULL,
			http_method TEXT NOT NULL,
			referrer TEXT,
			country_code TEXT,
			city TEXT,
			status TEXT NOT NULL,
			features_json TEXT,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_ip_ts ON detections(ip, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_bot_ts ON detections(is_bot, ts)`,
		`CREATE TABLE IF NOT EXISTS request_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_log_ip_ts ON request_log(ip, ts)`,
		`CREATE TABLE IF NOT EXISTS threat_intel (
			ip TEXT NOT NULL,
			threat_type TEXT NOT NULL,
			confidence REAL NOT NULL,
			source TEXT NOT NULL,
			description TEXT,
			first_seen TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
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
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(event_type, ts)`,
		`CREATE TABLE IF NOT EXISTS model_sets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version TEXT NOT NULL,
			created_at TEXT NOT NULL,
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

func (s *sqliteStore) IsBlacklisted(ctx context.Context, ip string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ip_blacklist WHERE ip = ? AND is_active = 1`, ip).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) UpsertBlacklist(ctx context.Context, entry model.BlacklistEntry) error {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ip_blacklist (ip, reason, confidence_score, detection_method, detection_count, first_seen, last_seen, is_active)
		VALUES (?, ?, ?, ?, 1, ?, ?, 1)
		ON CONFLICT(ip) DO UPDATE SET
			confidence_score = MAX(ip_blacklist.confidence_score, excluded.confidence_score),
			detection_method = excluded.detection_method,
			detection_count = ip_blacklist.detection_count + 1,
			last_seen = excluded.last_seen,
			is_active = 1`,
		entry.IP,
		truncate(entry.Reason, 255),
		entry.ConfidenceScore,
		truncate(entry.DetectionMethod, 100),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeactivateBlacklist(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ip_blacklist SET is_active = 0, last_seen = ? WHERE ip = ?`,
		nowUTC().Format(time.RFC3339Nano), ip)
	return err
}

func (s *sqliteStore) ListBlacklist(ctx context.Context, limit int) ([]model.BlacklistEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip, reason, confidence_score, detection_method, detection_count, first_seen, last_seen, is_active
		FROM ip_blacklist WHERE is_active = 1 ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BlacklistEntry
	for rows.Next() {
		var e model.BlacklistEntry
		var first, last string
		var active int
		if err := rows.Scan(&e.IP, &e.Reason, &e.ConfidenceScore, &e.DetectionMethod, &e.DetectionCount, &first, &last, &active); err != nil {
			return nil, err
		}
		e.FirstSeen, _ = time.Parse(time.RFC3339Nano, first)
		e.LastSeen, _ = time.Parse(time.RFC3339Nano, last)
		e.IsActive = active == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveDetection(ctx context.Context, rec model.DetectionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (id, ip, user_agent, fingerprint, is_bot, confidence, methods_json, url_path, http_method, referrer, country_code, city, status, features_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.IP,
		truncate(rec.UserAgent, 1000),
		truncate(rec.Fingerprint, 64),
		boolInt(rec.IsBot),
		rec.Confidence,
		encodeJSON(rec.Methods),
		truncate(rec.URLPath, 500),
		truncate(rec.Method, 10),
		truncate(rec.Referrer, 500),
		truncate(rec.CountryCode, 2),
		truncate(rec.City, 100),
		rec.Status,
		encodeJSON(rec.Features),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LabeledSamples(ctx context.Context, since time.Time, minConfidence float64, limit int) ([]model.TrainingSample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT is_bot, features_json FROM detections
		WHERE ts >= ? AND confidence >= ? AND features_json IS NOT NULL AND features_json != 'null'
		ORDER BY ts DESC LIMIT ?`,
		since.UTC().Format(time.RFC3339Nano), minConfidence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TrainingSample
	for rows.Next() {
		var isBot int
		var featuresJSON string
		if err := rows.Scan(&isBot, &featuresJSON); err != nil {
			return nil, err
		}
		features := decodeFloats(featuresJSON)
		if len(features) == 0 {
			continue
		}
		out = append(out, model.TrainingSample{Features: features, IsBot: isBot == 1})
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordRequest(ctx context.Context, ip, endpoint, method string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (ip, endpoint, method, ts) VALUES (?, ?, ?, ?)`,
		ip, truncate(endpoint, 500), truncate(method, 10), ts.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) RequestStats(ctx context.Context, ip string, window time.Duration) (model.RequestStats, error) {
	since := nowUTC().Add(-window)
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, ts FROM request_log WHERE ip = ? AND ts >= ? ORDER BY ts`,
		ip, since.Format(time.RFC3339Nano))
	if err != nil {
		return model.RequestStats{}, err
	}
	defer rows.Close()
	var timestamps []time.Time
	var endpoints []string
	for rows.Next() {
		var endpoint, raw string
		if err := rows.Scan(&endpoint, &raw); err != nil {
			return model.RequestStats{}, err
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		timestamps = append(timestamps, ts)
		endpoints = append(endpoints, endpoint)
	}
	if err := rows.Err(); err != nil {
		return model.RequestStats{}, err
	}
	return computeRequestStats(timestamps, endpoints), nil
}

func (s *sqliteStore) ThreatsFor(ctx context.Context, ip string) ([]model.ThreatRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip, threat_type, confidence, source, description, first_seen, is_active
		FROM threat_intel WHERE ip = ? AND is_active = 1`, ip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ThreatRecord
	for rows.Next() {
		var r model.ThreatRecord
		var first string
		var active int
		var threatType string
		if err := rows.Scan(&r.IP, &threatType, &r.Confidence, &r.Source, &r.Description, &first, &active); err != nil {
			return nil, err
		}
		r.Type = model.ThreatType(threatType)
		r.FirstSeen, _ = time.Parse(time.RFC3339Nano, first)
		r.IsActive = active == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertThreat(ctx context.Context, rec model.ThreatRecord) error {
	first := rec.FirstSeen
	if first.IsZero() {
		first = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threat_intel (ip, threat_type, confidence, source, description, first_seen, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip, threat_type) DO UPDATE SET
			confidence = excluded.confidence,
			source = excluded.source,
			description = excluded.description,
			is_active = excluded.is_active`,
		rec.IP, string(rec.Type), rec.Confidence, rec.Source, rec.Description,
		first.UTC().Format(time.RFC3339Nano), boolInt(rec.IsActive))
	return err
}

func (s *sqliteStore) SaveSecurityEvent(ctx context.Context, ev model.SecurityEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (id, event_type, severity, ip, user_agent, description, details_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EventType, ev.Severity, ev.IP,
		truncate(ev.UserAgent, 500), ev.Description,
		encodeJSON(ev.Details), ev.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) SaveModelSet(ctx context.Context, set *ml.ModelSet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_sets (version, created_at, payload_json) VALUES (?, ?, ?)`,
		set.Version, set.CreatedAt.UTC().Format(time.RFC3339Nano), string(payload))
	return err
}

func (s *sqliteStore) LoadModelSet(ctx context.Context) (*ml.ModelSet, error) {
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

func (s *sqliteStore) Stats(ctx context.Context) (model.Statistics, error) {
	stats := model.Statistics{GeneratedAt: nowUTC(), TopMethods: map[string]int{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM detections`).Scan(&stats.TotalDetections); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM detections WHERE is_bot = 1`).Scan(&stats.TotalBots); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ip_blacklist WHERE is_active = 1`).Scan(&stats.ActiveBlacklist); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM threat_intel WHERE is_active = 1`).Scan(&stats.ActiveThreats); err != nil {
		return stats, err
	}
	weekAgo := nowUTC().AddDate(0, 0, -7).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT methods_json FROM detections WHERE is_bot = 1 AND ts >= ?`, weekAgo)
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
