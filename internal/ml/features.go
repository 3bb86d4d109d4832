package ml

import (
	"strings"

	"botsentry/internal/model"
)

// FeatureLength is the canonical feature vector length. The pipeline pads
// or truncates every vector to this length; trained scalers and models all
// assume it, so it must survive retrains unchanged.
const FeatureLength = 50

// layerOrder fixes the position of per-layer features inside the vector.
var layerOrder = []string{"ip_reputation", "user_agent", "headers", "behavioral", "fingerprint"}

// ExtractFeatures derives the canonical vector from a request context plus
// the already-computed heuristic layer results.
func ExtractFeatures(rc *model.RequestContext, layers map[string]model.LayerResult) []float64 {
	features := make([]float64, 0, FeatureLength)

	ua := ""
	if rc != nil {
		ua = rc.UserAgent
	}
	features = append(features,
		float64(len(ua)),
		float64(len(strings.Fields(ua))),
		float64(strings.Count(ua, "/")),
		float64(strings.Count(ua, "(")),
		float64(strings.Count(ua, ")")),
		boolFeature(strings.Contains(ua, "Mozilla")),
		boolFeature(strings.Contains(ua, "Chrome")),
		boolFeature(strings.Contains(ua, "Safari")),
		boolFeature(strings.Contains(ua, "Firefox")),
	)

	for _, name := range layerOrder {
		layer := layers[name]
		features = append(features, layer.Confidence, float64(len(layer.Methods)))
	}

	var t model.Telemetry
	if rc != nil && rc.Behavioral != nil {
		t = *rc.Behavioral
	}
	features = append(features,
		float64(t.MouseMovements)/1000.0,
		t.MouseEntropy,
		float64(t.KeyboardEvents)/100.0,
		t.TimeSpent/10000.0,
		float64(len(t.ClickIntervals)),
		float64(t.ScrollEvents)/100.0,
	)

	var hdr model.Headers
	if rc != nil {
		hdr = rc.Headers
	}
	features = append(features,
		float64(len(hdr)),
		boolFeature(hdr.Has("accept")),
		boolFeature(hdr.Has("accept-language")),
		boolFeature(hdr.Has("accept-encoding")),
	)

	return PadFeatures(features)
}

// PadFeatures enforces the fixed-length contract: zero-pad short vectors,
// truncate long ones.
func PadFeatures(features []float64) []float64 {
	out := make([]float64, FeatureLength)
	copy(out, features)
	return out
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
