package engine

import (
	"math"
	"sort"

	"botsentry/internal/config"
	"botsentry/internal/model"
)

// aggregate folds per-layer evidence into one confidence. The dominant
// layer wins: each layer's confidence gets a small boost per extra
// detection method (capped at +0.3), is scaled by the layer's
// reliability weight, and the maximum weighted score is taken, plus a
// small boost per additional contributing layer. Summing layers would
// saturate on noisy traffic; max keeps one strong signal decisive.
func aggregate(layers map[string]model.LayerResult, weights config.LayerWeights) float64 {
	var maxScore float64
	var contributing int
	for name, layer := range layers {
		if layer.Confidence <= 0 {
			continue
		}
		contributing++
		methodBoost := math.Min(0.1*float64(len(layer.Methods)-1), 0.3)
		if methodBoost < 0 {
			methodBoost = 0
		}
		weighted := (layer.Confidence + methodBoost) * weights.For(name)
		if weighted > maxScore {
			maxScore = weighted
		}
	}
	if contributing == 0 {
		return 0
	}
	ensembleBoost := 0.05 * float64(contributing-1)
	return math.Min(maxScore+ensembleBoost, 1.0)
}

func riskLevel(confidence float64) model.RiskLevel {
	switch {
	case confidence >= 0.9:
		return model.RiskCritical
	case confidence >= 0.7:
		return model.RiskHigh
	case confidence >= 0.5:
		return model.RiskMedium
	case confidence >= 0.3:
		return model.RiskLow
	}
	return model.RiskMinimal
}

func recommendAction(confidence float64, t config.ThresholdConfig) model.Action {
	switch {
	case confidence >= t.Block:
		return model.ActionBlock
	case confidence >= t.Challenge:
		return model.ActionChallenge
	case confidence >= t.Monitor:
		return model.ActionMonitor
	case confidence >= t.Log:
		return model.ActionLog
	}
	return model.ActionAllow
}

// decide maps the final confidence to the classification verdict.
// Well-known social/search crawlers are always classified as bots but
// are never given a punitive action, so SEO traffic keeps flowing.
func decide(confidence float64, crawler string, t config.ThresholdConfig) (bool, model.RiskLevel, model.Action) {
	isBot := confidence >= t.Bot
	action := recommendAction(confidence, t)
	if crawler != "" {
		isBot = true
		if action.Punitive() {
			action = model.ActionMonitor
		}
	}
	return isBot, riskLevel(confidence), action
}

// collectMethods dedups and sorts every method tag across layers.
func collectMethods(layers map[string]model.LayerResult) []string {
	seen := make(map[string]struct{})
	for _, layer := range layers {
		for _, m := range layer.Methods {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
