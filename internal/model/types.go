package model

import (
	"strings"
	"time"
)

type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type Action string

const (
	ActionAllow     Action = "allow"
	ActionLog       Action = "log_for_analysis"
	ActionMonitor   Action = "monitor_closely"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// Punitive reports whether the action penalizes the requester.
func (a Action) Punitive() bool {
	return a == ActionChallenge || a == ActionBlock
}

// HeaderField is one request header. Order of fields matters for the
// header-order heuristics, so headers are carried as a slice, not a map.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Headers []HeaderField

// Get returns the first value for a header name, case-insensitively.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether a header with the given name is present.
func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Names returns the header names in wire order, lowercased.
func (h Headers) Names() []string {
	out := make([]string, 0, len(h))
	for _, f := range h {
		out = append(out, strings.ToLower(f.Name))
	}
	return out
}

// Telemetry is the client-reported behavioral bag collected over a dwell
// time. All timing values are in milliseconds.
type Telemetry struct {
	MouseMovements    int       `json:"mouse_movements"`
	MouseEntropy      float64   `json:"mouse_entropy"`
	MouseVelocity     []float64 `json:"mouse_velocity,omitempty"`
	ClickIntervals    []float64 `json:"click_intervals,omitempty"`
	ScrollEvents      int       `json:"scroll_events"`
	KeyboardEvents    int       `json:"keyboard_events"`
	TimeSpent         float64   `json:"time_spent"`
	WebGLSupport      bool      `json:"webgl_support"`
	DeviceMotion      bool      `json:"device_motion"`
	OrientationChange bool      `json:"orientation_change"`
	ScreenResolution  string    `json:"screen_resolution,omitempty"`
}

// RequestContext is the immutable per-request input to classification.
type RequestContext struct {
	IP          string     `json:"ip"`
	UserAgent   string     `json:"user_agent"`
	Headers     Headers    `json:"headers,omitempty"`
	Behavioral  *Telemetry `json:"behavioral,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	URLPath     string     `json:"url_path"`
	Method      string     `json:"method"`
	Referrer    string     `json:"referrer,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// LayerResult is the evidence produced by a single extractor.
type LayerResult struct {
	Confidence float64        `json:"confidence"`
	Methods    []string       `json:"methods"`
	Details    map[string]any `json:"details,omitempty"`
}

// HasMethod reports whether the layer produced the given method tag.
func (l LayerResult) HasMethod(tag string) bool {
	for _, m := range l.Methods {
		if m == tag {
			return true
		}
	}
	return false
}

// AggregateResult is the final classification for one request.
type AggregateResult struct {
	IsBot             bool                   `json:"is_bot"`
	Confidence        float64                `json:"confidence"`
	Methods           []string               `json:"methods"`
	RiskLevel         RiskLevel              `json:"risk_level"`
	RecommendedAction Action                 `json:"recommended_action"`
	Layers            map[string]LayerResult `json:"detection_layers"`
	Geo               *GeoInfo               `json:"geo_info,omitempty"`
	Timestamp         time.Time              `json:"analysis_timestamp"`
}

type GeoInfo struct {
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// BlacklistEntry is one denied IP. At most one active entry exists per IP.
type BlacklistEntry struct {
	IP              string    `json:"ip"`
	Reason          string    `json:"reason"`
	ConfidenceScore float64   `json:"confidence_score"`
	DetectionMethod string    `json:"detection_method"`
	DetectionCount  int       `json:"detection_count"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	IsActive        bool      `json:"is_active"`
}

// DetectionRecord is the persisted trace of one classification. The raw
// feature vector is kept so the retraining job can rebuild the ensemble
// without re-deriving features from truncated fields.
type DetectionRecord struct {
	ID          string    `json:"id"`
	IP          string    `json:"ip"`
	UserAgent   string    `json:"user_agent"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	IsBot       bool      `json:"is_bot"`
	Confidence  float64   `json:"confidence"`
	Methods     []string  `json:"methods"`
	URLPath     string    `json:"url_path"`
	Method      string    `json:"method"`
	Referrer    string    `json:"referrer,omitempty"`
	CountryCode string    `json:"country_code,omitempty"`
	City        string    `json:"city,omitempty"`
	Status      string    `json:"status"`
	Features    []float64 `json:"features,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TrainingSample is one labeled feature vector pulled for retraining.
type TrainingSample struct {
	Features []float64
	IsBot    bool
}

type ThreatType string

const (
	ThreatMaliciousIP ThreatType = "malicious_ip"
	ThreatBotNetwork  ThreatType = "bot_network"
	ThreatProxy       ThreatType = "proxy"
	ThreatDatacenter  ThreatType = "datacenter"
)

type ThreatRecord struct {
	IP          string     `json:"ip"`
	Type        ThreatType `json:"type"`
	Confidence  float64    `json:"confidence"`
	Source      string     `json:"source"`
	Description string     `json:"description,omitempty"`
	FirstSeen   time.Time  `json:"first_seen"`
	IsActive    bool       `json:"is_active"`
}

// RequestStats is the rolling-window aggregate for one IP.
type RequestStats struct {
	Count            int     `json:"count"`
	UniqueEndpoints  int     `json:"unique_endpoints"`
	IntervalMean     float64 `json:"interval_mean"`
	IntervalVariance float64 `json:"interval_variance"`
}

type SecurityEvent struct {
	ID          string         `json:"id"`
	EventType   string         `json:"event_type"`
	Severity    string         `json:"severity"`
	IP          string         `json:"ip"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Statistics is the aggregate view served on the admin API.
type Statistics struct {
	TotalDetections  int64          `json:"total_detections"`
	TotalBots        int64          `json:"total_bots_detected"`
	ActiveBlacklist  int64          `json:"active_blacklist_entries"`
	ActiveThreats    int64          `json:"threat_intel_entries"`
	TopMethods       map[string]int `json:"top_detection_methods"`
	GeneratedAt      time.Time      `json:"generated_at"`
	ModelSetVersion  string         `json:"model_set_version,omitempty"`
	ModelSetLoaded   bool           `json:"model_set_loaded"`
	GeoAvailable     bool           `json:"geo_available"`
	StorageAvailable bool           `json:"storage_available"`
}
