package ml

import (
	"sync/atomic"
	"time"

	"botsentry/internal/config"
)

// ModelSet is one trained generation of the ensemble: the scaler that
// produced it plus every fitted model. A set is replaced as a unit; a
// failed retrain never mutates the live set.
type ModelSet struct {
	Version    string           `json:"version"`
	CreatedAt  time.Time        `json:"created_at"`
	Samples    int              `json:"samples"`
	Scaler     *Scaler          `json:"scaler"`
	Anomaly    *AnomalyDetector `json:"anomaly,omitempty"`
	Classifier *Classifier      `json:"classifier,omitempty"`
	OneClass   *OneClass        `json:"one_class,omitempty"`
}

// Models lists the fitted members in a stable order.
func (s *ModelSet) Models() []Model {
	if s == nil {
		return nil
	}
	var out []Model
	if s.Anomaly != nil {
		out = append(out, s.Anomaly)
	}
	if s.Classifier != nil {
		out = append(out, s.Classifier)
	}
	if s.OneClass != nil {
		out = append(out, s.OneClass)
	}
	return out
}

func (s *ModelSet) weightFor(m Model, w config.ModelWeights) float64 {
	switch m.(type) {
	case *AnomalyDetector:
		return w.Anomaly
	case *Classifier:
		return w.Classifier
	case *OneClass:
		return w.OneClass
	}
	return 1.0
}

// Score scales raw features and returns the weighted-average ensemble
// confidence plus the per-model probabilities. ok is false when the set
// has no usable members or scaling fails.
func (s *ModelSet) Score(raw []float64, weights config.ModelWeights) (float64, map[string]float64, bool) {
	if s == nil || s.Scaler == nil {
		return 0, nil, false
	}
	scaled, err := s.Scaler.Transform(raw)
	if err != nil {
		return 0, nil, false
	}
	models := s.Models()
	if len(models) == 0 {
		return 0, nil, false
	}
	perModel := make(map[string]float64, len(models))
	var sum float64
	for _, m := range models {
		p := m.BotProbability(scaled)
		perModel[m.Name()] = p
		sum += p * s.weightFor(m, weights)
	}
	conf := sum / float64(len(models))
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf, perModel, true
}

// Ensemble holds the live ModelSet behind an atomic swap so classification
// readers never block on a retrain.
type Ensemble struct {
	set atomic.Value
}

func NewEnsemble() *Ensemble {
	return &Ensemble{}
}

// Current returns the live set, or nil when none is loaded.
func (e *Ensemble) Current() *ModelSet {
	if v := e.set.Load(); v != nil {
		if set, ok := v.(*ModelSet); ok {
			return set
		}
	}
	return nil
}

// Swap atomically replaces the live set.
func (e *Ensemble) Swap(set *ModelSet) {
	if set == nil {
		return
	}
	e.set.Store(set)
}
