package engine

import (
	"math"
	"strconv"
	"strings"

	"botsentry/internal/config"
	"botsentry/internal/model"
)

// analyzeBehavior scores client-reported interaction telemetry. Absence
// of telemetry is not scored here; the caller skips the layer entirely
// when no telemetry was submitted, since server-to-server clients never
// send any.
func analyzeBehavior(t *model.Telemetry, cfg config.BehaviorConfig) model.LayerResult {
	if t == nil {
		return model.LayerResult{}
	}

	var methods []string
	var confidence float64
	details := make(map[string]any)

	// Dwelling without a single interaction is the strongest signal.
	if t.TimeSpent > 5000 {
		if t.MouseMovements == 0 {
			methods = append(methods, "no_mouse_movement")
			confidence += 0.40
		}
		if t.KeyboardEvents == 0 {
			methods = append(methods, "no_keyboard_interaction")
			confidence += 0.25
		}
		if t.ScrollEvents == 0 {
			methods = append(methods, "no_scrolling")
			confidence += 0.20
		}
	}

	if t.MouseMovements > 50 && t.MouseEntropy < cfg.MouseEntropyFloor {
		methods = append(methods, "low_mouse_entropy")
		confidence += 0.35
		details["mouse_entropy"] = t.MouseEntropy
	}

	if len(t.ClickIntervals) > 3 {
		mean, std := meanStddev(t.ClickIntervals)
		cv := 0.0
		if mean > 0 {
			cv = std / mean
		}
		if cv < cfg.ClickCVFloor {
			methods = append(methods, "robotic_clicking")
			confidence += 0.45
		}
		if mean < cfg.ClickMeanFloorMS {
			methods = append(methods, "impossible_click_speed")
			confidence += 0.60
		}
		details["click_interval_mean"] = mean
		details["click_interval_cv"] = cv
	}

	if len(t.MouseVelocity) > 10 {
		mean, std := meanStddev(t.MouseVelocity)
		suspicious := false
		if mean > cfg.MaxMeanVelocity {
			suspicious = true
		} else if mean > 0 && mean < 1 {
			suspicious = true
		}
		if std < 10 && mean > 10 {
			suspicious = true
		}
		if suspicious {
			methods = append(methods, "suspicious_mouse_velocity")
			confidence += 0.30
			details["mean_velocity"] = mean
		}
	}

	if t.TimeSpent > 1000 {
		interactions := float64(t.MouseMovements + t.KeyboardEvents + t.ScrollEvents)
		rate := interactions / (t.TimeSpent / 1000)
		if rate == 0 {
			methods = append(methods, "zero_interaction_rate")
			confidence += 0.50
		} else if rate > cfg.MaxInteractionRate {
			methods = append(methods, "superhuman_interaction_rate")
			confidence += 0.40
		}
		details["interaction_rate"] = rate
	}

	if !t.DeviceMotion && !t.OrientationChange && t.TimeSpent > 10000 {
		methods = append(methods, "no_device_physics")
		confidence += 0.25
	}

	if !t.WebGLSupport {
		methods = append(methods, "no_webgl_support")
		confidence += 0.30
	}

	if t.ScreenResolution != "" && suspiciousScreenResolution(t.ScreenResolution) {
		methods = append(methods, "suspicious_screen_metrics")
		confidence += 0.20
	}

	if len(details) == 0 {
		details = nil
	}
	return model.LayerResult{
		Confidence: math.Min(confidence, 1.0),
		Methods:    methods,
		Details:    details,
	}
}

// commonBotResolutions are exact sizes automation defaults to.
var commonBotResolutions = map[string]bool{
	"1920x1080": true,
	"1366x768":  true,
	"1280x1024": true,
	"800x600":   true,
	"1024x768":  true,
}

func suspiciousScreenResolution(resolution string) bool {
	if !strings.Contains(resolution, "x") {
		return true
	}
	parts := strings.SplitN(resolution, "x", 2)
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return true
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return true
	}
	return commonBotResolutions[resolution]
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)-1))
}
