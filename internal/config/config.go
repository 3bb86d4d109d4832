package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can write durations as Go
// duration strings ("250ms", "1h") or integer nanoseconds. yaml.v3 cannot
// decode either form into a bare time.Duration.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	case int64:
		*d = Duration(v)
		return nil
	case float64:
		*d = Duration(int64(v))
		return nil
	}
	return fmt.Errorf("invalid duration value %v", raw)
}

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	Detection   DetectionConfig   `json:"detection" yaml:"detection"`
	ML          MLConfig          `json:"ml" yaml:"ml"`
	Enforcement EnforcementConfig `json:"enforcement" yaml:"enforcement"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Export      ExportConfig      `json:"export" yaml:"export"`
	Geo         GeoConfig         `json:"geo" yaml:"geo"`
	API         APIConfig         `json:"api" yaml:"api"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	Events      EventsConfig      `json:"events" yaml:"events"`
}

// DetectionConfig carries every classification threshold as a named,
// validated field. Weight and cutoff values are versioned with the config
// file, never free-form maps.
type DetectionConfig struct {
	ExtractorTimeout Duration        `json:"extractor_timeout" yaml:"extractor_timeout"`
	Thresholds       ThresholdConfig `json:"thresholds" yaml:"thresholds"`
	LayerWeights     LayerWeights    `json:"layer_weights" yaml:"layer_weights"`
	Behavior         BehaviorConfig  `json:"behavior" yaml:"behavior"`
	UserAgent        UserAgentConfig `json:"user_agent" yaml:"user_agent"`
	Patterns         PatternConfig   `json:"patterns" yaml:"patterns"`
	HoneypotPaths    []string        `json:"honeypot_paths" yaml:"honeypot_paths"`
}

// ThresholdConfig is the canonical decision policy: risk ladder at
// 0.9/0.7/0.5/0.3 and actions block/challenge/monitor/log at
// 0.85/0.7/0.5/0.3, bot cutoff 0.6.
type ThresholdConfig struct {
	Bot       float64 `json:"bot" yaml:"bot"`
	Block     float64 `json:"block" yaml:"block"`
	Challenge float64 `json:"challenge" yaml:"challenge"`
	Monitor   float64 `json:"monitor" yaml:"monitor"`
	Log       float64 `json:"log" yaml:"log"`
}

// LayerWeights are per-layer reliability multipliers applied during
// aggregation.
type LayerWeights struct {
	IPReputation    float64 `json:"ip_reputation" yaml:"ip_reputation"`
	UserAgent       float64 `json:"user_agent" yaml:"user_agent"`
	Headers         float64 `json:"headers" yaml:"headers"`
	Behavioral      float64 `json:"behavioral" yaml:"behavioral"`
	RequestPatterns float64 `json:"request_patterns" yaml:"request_patterns"`
	Fingerprint     float64 `json:"fingerprint" yaml:"fingerprint"`
	MLEnsemble      float64 `json:"ml_ensemble" yaml:"ml_ensemble"`
}

// For returns the reliability weight of a named layer, 1.0 when unknown.
func (w LayerWeights) For(layer string) float64 {
	switch layer {
	case "ip_reputation":
		return w.IPReputation
	case "user_agent":
		return w.UserAgent
	case "headers":
		return w.Headers
	case "behavioral":
		return w.Behavioral
	case "request_patterns":
		return w.RequestPatterns
	case "fingerprint":
		return w.Fingerprint
	case "ml_ensemble":
		return w.MLEnsemble
	}
	return 1.0
}

type BehaviorConfig struct {
	MouseEntropyFloor  float64 `json:"mouse_entropy_floor" yaml:"mouse_entropy_floor"`
	ClickCVFloor       float64 `json:"click_cv_floor" yaml:"click_cv_floor"`
	ClickMeanFloorMS   float64 `json:"click_mean_floor_ms" yaml:"click_mean_floor_ms"`
	MaxMeanVelocity    float64 `json:"max_mean_velocity" yaml:"max_mean_velocity"`
	MaxInteractionRate float64 `json:"max_interaction_rate" yaml:"max_interaction_rate"`
}

type UserAgentConfig struct {
	MinLength    int     `json:"min_length" yaml:"min_length"`
	MaxLength    int     `json:"max_length" yaml:"max_length"`
	EntropyFloor float64 `json:"entropy_floor" yaml:"entropy_floor"`
}

type PatternConfig struct {
	Window            Duration `json:"window" yaml:"window"`
	VolumeThreshold   int      `json:"volume_threshold" yaml:"volume_threshold"`
	EndpointThreshold int      `json:"endpoint_threshold" yaml:"endpoint_threshold"`
}

type MLConfig struct {
	ModelWeights ModelWeights  `json:"model_weights" yaml:"model_weights"`
	Retrain      RetrainConfig `json:"retrain" yaml:"retrain"`
}

// ModelWeights weight each model family inside the ensemble average.
type ModelWeights struct {
	Anomaly    float64 `json:"anomaly" yaml:"anomaly"`
	Classifier float64 `json:"classifier" yaml:"classifier"`
	OneClass   float64 `json:"one_class" yaml:"one_class"`
}

type RetrainConfig struct {
	Interval        Duration `json:"interval" yaml:"interval"`
	LookbackDays    int      `json:"lookback_days" yaml:"lookback_days"`
	MaxSamples      int      `json:"max_samples" yaml:"max_samples"`
	MinSamples      int      `json:"min_samples" yaml:"min_samples"`
	SyntheticFloor  int      `json:"synthetic_floor" yaml:"synthetic_floor"`
	HoldoutFraction float64  `json:"holdout_fraction" yaml:"holdout_fraction"`
	MinConfidence   float64  `json:"min_confidence" yaml:"min_confidence"`
}

type EnforcementConfig struct {
	AutoBlockThreshold float64  `json:"auto_block_threshold" yaml:"auto_block_threshold"`
	BlacklistCacheTTL  Duration `json:"blacklist_cache_ttl" yaml:"blacklist_cache_ttl"`
	ThreatCacheTTL     Duration `json:"threat_cache_ttl" yaml:"threat_cache_ttl"`
	StrictLimit        int      `json:"strict_limit" yaml:"strict_limit"`
	StrictTTL          Duration `json:"strict_ttl" yaml:"strict_ttl"`
	MonitorTTL         Duration `json:"monitor_ttl" yaml:"monitor_ttl"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type ExportConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type GeoConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"db_path" yaml:"db_path"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type EventsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Detection: DetectionConfig{
			ExtractorTimeout: Duration(250 * time.Millisecond),
			Thresholds: ThresholdConfig{
				Bot:       0.6,
				Block:     0.85,
				Challenge: 0.7,
				Monitor:   0.5,
				Log:       0.3,
			},
			LayerWeights: LayerWeights{
				IPReputation:    1.2,
				UserAgent:       1.0,
				Headers:         0.8,
				Behavioral:      1.1,
				RequestPatterns: 0.9,
				Fingerprint:     1.0,
				MLEnsemble:      1.3,
			},
			Behavior: BehaviorConfig{
				MouseEntropyFloor:  2.5,
				ClickCVFloor:       0.1,
				ClickMeanFloorMS:   50,
				MaxMeanVelocity:    2000,
				MaxInteractionRate: 50,
			},
			UserAgent: UserAgentConfig{
				MinLength:    20,
				MaxLength:    1000,
				EntropyFloor: 3.0,
			},
			Patterns: PatternConfig{
				Window:            Duration(10 * time.Minute),
				VolumeThreshold:   50,
				EndpointThreshold: 20,
			},
		},
		ML: MLConfig{
			ModelWeights: ModelWeights{Anomaly: 1.2, Classifier: 1.0, OneClass: 0.9},
			Retrain: RetrainConfig{
				Interval:        0,
				LookbackDays:    30,
				MaxSamples:      1000,
				MinSamples:      10,
				SyntheticFloor:  50,
				HoldoutFraction: 0.2,
				MinConfidence:   0.7,
			},
		},
		Enforcement: EnforcementConfig{
			AutoBlockThreshold: 0.85,
			BlacklistCacheTTL:  Duration(5 * time.Minute),
			ThreatCacheTTL:     Duration(30 * time.Minute),
			StrictLimit:        10,
			StrictTTL:          Duration(time.Hour),
			MonitorTTL:         Duration(2 * time.Hour),
		},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:botsentry.db?_pragma=busy_timeout(5000)"},
		Export:  ExportConfig{Enabled: false},
		Geo:     GeoConfig{Enabled: false},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Metrics: MetricsConfig{Enabled: false, Addr: "127.0.0.1:9090"},
		Events:  EventsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Detection.ExtractorTimeout <= 0 {
		cfg.Detection.ExtractorTimeout = Duration(250 * time.Millisecond)
	}
	if cfg.Detection.Patterns.Window <= 0 {
		cfg.Detection.Patterns.Window = Duration(10 * time.Minute)
	}
	if cfg.Detection.UserAgent.MinLength <= 0 {
		cfg.Detection.UserAgent.MinLength = 20
	}
	if cfg.Detection.UserAgent.MaxLength <= 0 {
		cfg.Detection.UserAgent.MaxLength = 1000
	}
	if cfg.ML.Retrain.MinSamples <= 0 {
		cfg.ML.Retrain.MinSamples = 10
	}
	if cfg.ML.Retrain.MaxSamples <= 0 {
		cfg.ML.Retrain.MaxSamples = 1000
	}
	if cfg.ML.Retrain.HoldoutFraction <= 0 || cfg.ML.Retrain.HoldoutFraction >= 1 {
		cfg.ML.Retrain.HoldoutFraction = 0.2
	}
	if cfg.ML.Retrain.MinConfidence <= 0 {
		cfg.ML.Retrain.MinConfidence = 0.7
	}
	if cfg.Enforcement.BlacklistCacheTTL <= 0 {
		cfg.Enforcement.BlacklistCacheTTL = Duration(5 * time.Minute)
	}
	if cfg.Enforcement.ThreatCacheTTL <= 0 {
		cfg.Enforcement.ThreatCacheTTL = Duration(30 * time.Minute)
	}
	if cfg.Events.StoreLimit <= 0 {
		cfg.Events.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	t := cfg.Detection.Thresholds
	for name, v := range map[string]float64{
		"bot": t.Bot, "block": t.Block, "challenge": t.Challenge,
		"monitor": t.Monitor, "log": t.Log,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("detection.thresholds.%s must be in (0,1]", name)
		}
	}
	if !(t.Block >= t.Challenge && t.Challenge >= t.Monitor && t.Monitor >= t.Log) {
		return errors.New("detection.thresholds must be ordered block >= challenge >= monitor >= log")
	}
	w := cfg.Detection.LayerWeights
	for name, v := range map[string]float64{
		"ip_reputation": w.IPReputation, "user_agent": w.UserAgent,
		"headers": w.Headers, "behavioral": w.Behavioral,
		"request_patterns": w.RequestPatterns, "fingerprint": w.Fingerprint,
		"ml_ensemble": w.MLEnsemble,
	} {
		if v <= 0 {
			return fmt.Errorf("detection.layer_weights.%s must be > 0", name)
		}
	}
	if cfg.Enforcement.AutoBlockThreshold <= 0 || cfg.Enforcement.AutoBlockThreshold > 1 {
		return errors.New("enforcement.auto_block_threshold must be in (0,1]")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("metrics.addr required when metrics.enabled is true")
	}
	if cfg.Export.Enabled {
		if len(cfg.Export.Brokers) == 0 || cfg.Export.Topic == "" {
			return errors.New("export requires brokers and topic")
		}
	}
	if cfg.Geo.Enabled && cfg.Geo.DBPath == "" {
		return errors.New("geo.db_path required when geo.enabled is true")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps a fixed config, for tests and embedded use.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
