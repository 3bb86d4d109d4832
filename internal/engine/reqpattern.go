package engine

import (
	"context"
	"strings"

	"botsentry/internal/config"
	"botsentry/internal/model"
	"botsentry/internal/storage"
)

// analyzeRequestPatterns scores an IP's recent request history: raw
// volume, endpoint spread (scanning), machine-regular timing, and
// honeypot path hits. The request being classified is recorded before
// the stats query so it counts toward its own window.
func analyzeRequestPatterns(ctx context.Context, store storage.Store, rc *model.RequestContext, cfg config.PatternConfig, honeypots []string) (model.LayerResult, error) {
	var methods []string
	var confidence float64

	if isHoneypotPath(rc.URLPath, honeypots) {
		methods = append(methods, "honeypot_access")
		confidence = 0.95
	}

	if store == nil || rc.IP == "" {
		return model.LayerResult{Confidence: confidence, Methods: methods}, nil
	}

	if err := store.RecordRequest(ctx, rc.IP, rc.URLPath, rc.Method, rc.Timestamp); err != nil {
		return model.LayerResult{Confidence: confidence, Methods: methods}, err
	}
	stats, err := store.RequestStats(ctx, rc.IP, cfg.Window.Std())
	if err != nil {
		return model.LayerResult{Confidence: confidence, Methods: methods}, err
	}

	var reasons []string
	if stats.Count > cfg.VolumeThreshold {
		reasons = append(reasons, "high_request_volume")
	}
	if stats.UniqueEndpoints > cfg.EndpointThreshold {
		reasons = append(reasons, "endpoint_scanning")
	}
	if stats.Count > 3 && stats.IntervalVariance < 1 && stats.IntervalMean < 5 {
		reasons = append(reasons, "robotic_timing")
	}

	if len(reasons) > 0 {
		methods = append(methods, reasons...)
		patternConf := 0.4
		if stats.Count > cfg.VolumeThreshold {
			patternConf = 0.6
		}
		if patternConf > confidence {
			confidence = patternConf
		}
	}

	details := map[string]any{
		"request_count":     stats.Count,
		"unique_endpoints":  stats.UniqueEndpoints,
		"interval_mean":     stats.IntervalMean,
		"interval_variance": stats.IntervalVariance,
	}
	return model.LayerResult{Confidence: confidence, Methods: methods, Details: details}, nil
}

func isHoneypotPath(path string, honeypots []string) bool {
	for _, hp := range honeypots {
		if hp != "" && strings.HasPrefix(path, hp) {
			return true
		}
	}
	return false
}
