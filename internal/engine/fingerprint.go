package engine

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"

	"botsentry/internal/model"
)

// analyzeFingerprint scores a client-collected device fingerprint. The
// wire format is base64 over pipe-separated key:value components, e.g.
// "screen:1920x1080x24|webgl:...|canvas:...|fonts:count:42".
func analyzeFingerprint(fingerprint string) model.LayerResult {
	if fingerprint == "" {
		return model.LayerResult{
			Confidence: 0.30,
			Methods:    []string{"missing_fingerprint"},
		}
	}

	var methods []string
	var confidence float64
	details := make(map[string]any)

	decoded, err := decodeFingerprint(fingerprint)
	if err != nil {
		return model.LayerResult{
			Confidence: 0.20,
			Methods:    []string{"fingerprint_decode_error"},
		}
	}

	if screen, ok := decoded["screen"]; ok {
		if reason := suspiciousScreenComponent(screen); reason != "" {
			methods = append(methods, "suspicious_screen_fingerprint")
			confidence += 0.25
			details["screen"] = reason
		}
	}
	if webgl, ok := decoded["webgl"]; ok {
		if webgl == "" || webgl == "unavailable" {
			methods = append(methods, "suspicious_webgl_fingerprint")
			confidence += 0.30
		}
	}
	if canvas, ok := decoded["canvas"]; ok {
		if len(canvas) < 10 {
			methods = append(methods, "suspicious_canvas_fingerprint")
			confidence += 0.35
		}
	}
	if audio, ok := decoded["audio"]; ok {
		if audio == "" || audio == "unavailable" {
			methods = append(methods, "suspicious_audio_fingerprint")
			confidence += 0.25
		}
	}
	if fonts, ok := decoded["fonts"]; ok {
		count := 0
		if idx := strings.LastIndex(fonts, ":"); idx >= 0 {
			count, _ = strconv.Atoi(fonts[idx+1:])
		}
		if count == 0 {
			methods = append(methods, "no_fonts_detected")
			confidence += 0.40
		} else if count > 200 {
			methods = append(methods, "excessive_fonts")
			confidence += 0.20
		}
		details["font_count"] = count
	}
	if plugins, ok := decoded["plugins"]; ok {
		if plugins == "" || (plugins == "0" && !strings.Contains(plugins, "Mobile")) {
			methods = append(methods, "suspicious_plugins")
			confidence += 0.30
		}
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

func decodeFingerprint(fingerprint string) (map[string]string, error) {
	raw, err := base64.StdEncoding.DecodeString(fingerprint)
	if err != nil {
		return nil, err
	}
	components := make(map[string]string)
	for _, part := range strings.Split(string(raw), "|") {
		if key, value, ok := strings.Cut(part, ":"); ok {
			components[key] = value
		}
	}
	return components, nil
}

func suspiciousScreenComponent(screen string) string {
	parts := strings.Split(screen, "x")
	if len(parts) < 2 {
		return "malformed_screen_data"
	}
	width, errW := strconv.Atoi(parts[0])
	height, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil {
		return "malformed_screen_data"
	}
	depth := 24
	if len(parts) > 2 {
		if d, err := strconv.Atoi(parts[2]); err == nil {
			depth = d
		}
	}
	switch {
	case width == height:
		return "square_screen"
	case width < 800 || height < 600:
		return "tiny_screen"
	case width > 8000 || height > 8000:
		return "impossible_size"
	case depth != 16 && depth != 24 && depth != 32:
		return "unusual_depth"
	}
	return ""
}
