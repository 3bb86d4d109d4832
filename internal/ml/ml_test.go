package ml

import (
	"context"
	"math/rand"
	"testing"

	"botsentry/internal/config"
)

type memArtifact struct {
	set *ModelSet
}

func (m *memArtifact) SaveModelSet(_ context.Context, set *ModelSet) error {
	m.set = set
	return nil
}

func (m *memArtifact) LoadModelSet(context.Context) (*ModelSet, error) {
	return m.set, nil
}

func retrainConfig() config.RetrainConfig {
	return config.RetrainConfig{
		LookbackDays:    30,
		MaxSamples:      1000,
		MinSamples:      10,
		SyntheticFloor:  50,
		HoldoutFraction: 0.2,
		MinConfidence:   0.7,
	}
}

func TestFeatureVectorLength(t *testing.T) {
	features := ExtractFeatures(nil, nil)
	if len(features) != FeatureLength {
		t.Fatalf("expected %d features, got %d", FeatureLength, len(features))
	}
	padded := PadFeatures([]float64{1, 2, 3})
	if len(padded) != FeatureLength {
		t.Fatalf("expected padded length %d, got %d", FeatureLength, len(padded))
	}
	if padded[0] != 1 || padded[3] != 0 {
		t.Fatalf("unexpected padding: %v", padded[:5])
	}
}

func TestScalerRoundTrip(t *testing.T) {
	data := [][]float64{
		PadFeatures([]float64{1, 10, 100}),
		PadFeatures([]float64{2, 20, 200}),
		PadFeatures([]float64{3, 30, 300}),
	}
	scaler, err := FitScaler(data)
	if err != nil {
		t.Fatalf("fit scaler: %v", err)
	}
	scaled, err := scaler.Transform(data[1])
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	// The middle sample sits at the mean of every column.
	for i := 0; i < 3; i++ {
		if scaled[i] < -1e-9 || scaled[i] > 1e-9 {
			t.Fatalf("expected zero at column %d, got %v", i, scaled[i])
		}
	}
	if _, err := scaler.Transform([]float64{1, 2}); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}

func TestScalerZeroVarianceColumn(t *testing.T) {
	data := [][]float64{
		PadFeatures([]float64{5, 1}),
		PadFeatures([]float64{5, 2}),
	}
	scaler, err := FitScaler(data)
	if err != nil {
		t.Fatalf("fit scaler: %v", err)
	}
	scaled, err := scaler.Transform(PadFeatures([]float64{5, 3}))
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if scaled[0] != 0 {
		t.Fatalf("constant column should scale to 0, got %v", scaled[0])
	}
}

func TestClassifierSeparatesClasses(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var xs [][]float64
	var ys []bool
	for _, f := range SyntheticNormal(40, rng) {
		xs = append(xs, f)
		ys = append(ys, false)
	}
	for _, f := range SyntheticBot(40, rng) {
		xs = append(xs, f)
		ys = append(ys, true)
	}
	scaler, err := FitScaler(xs)
	if err != nil {
		t.Fatalf("fit scaler: %v", err)
	}
	scaled, err := scaler.TransformAll(xs)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	clf, err := TrainClassifier(scaled, ys, 200, 0.05, rng)
	if err != nil {
		t.Fatalf("train classifier: %v", err)
	}
	var correct int
	for i, x := range scaled {
		if (clf.BotProbability(x) >= 0.5) == ys[i] {
			correct++
		}
	}
	accuracy := float64(correct) / float64(len(xs))
	if accuracy < 0.8 {
		t.Fatalf("classifier accuracy too low: %v", accuracy)
	}
}

func TestClassifierRequiresBothClasses(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	xs := SyntheticNormal(20, rng)
	ys := make([]bool, len(xs))
	if _, err := TrainClassifier(xs, ys, 50, 0.05, rng); err == nil {
		t.Fatalf("expected error training on a single class")
	}
}

func TestModelProbabilitiesBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	normal := SyntheticNormal(60, rng)
	anomaly, err := FitAnomalyDetector(normal)
	if err != nil {
		t.Fatalf("fit anomaly: %v", err)
	}
	oneClass, err := FitOneClass(normal)
	if err != nil {
		t.Fatalf("fit one-class: %v", err)
	}
	probes := append(SyntheticNormal(10, rng), SyntheticBot(10, rng)...)
	for _, x := range probes {
		for _, m := range []Model{anomaly, oneClass} {
			p := m.BotProbability(x)
			if p < 0 || p > 1 {
				t.Fatalf("%s probability %v out of [0,1]", m.Name(), p)
			}
		}
	}
}

func TestRetrainSyntheticBootstrap(t *testing.T) {
	artifact := &memArtifact{}
	ensemble := NewEnsemble()
	trainer := NewTrainer(nil, artifact, ensemble, nil)
	trainer.SetSeed(42)

	report, err := trainer.Retrain(context.Background(), retrainConfig())
	if err != nil {
		t.Fatalf("retrain: %v", err)
	}
	if report.RealSamples != 0 {
		t.Fatalf("expected 0 real samples, got %d", report.RealSamples)
	}
	if report.SyntheticCount != 80 {
		t.Fatalf("expected 80 synthetic samples, got %d", report.SyntheticCount)
	}
	if report.TrainedModels == 0 {
		t.Fatalf("expected trained models")
	}
	if artifact.set == nil {
		t.Fatalf("expected persisted model set")
	}
	set := ensemble.Current()
	if set == nil {
		t.Fatalf("expected live set after retrain")
	}
	if set.Version != report.Version {
		t.Fatalf("version mismatch: %s vs %s", set.Version, report.Version)
	}
}

func TestRetrainInsufficientData(t *testing.T) {
	trainer := NewTrainer(nil, nil, NewEnsemble(), nil)
	cfg := retrainConfig()
	cfg.SyntheticFloor = 0 // disable the synthetic supplement
	if _, err := trainer.Retrain(context.Background(), cfg); err == nil {
		t.Fatalf("expected insufficient data error")
	}
}

func TestRetrainFailureKeepsLiveSet(t *testing.T) {
	ensemble := NewEnsemble()
	trainer := NewTrainer(nil, &memArtifact{}, ensemble, nil)
	trainer.SetSeed(9)
	if _, err := trainer.Retrain(context.Background(), retrainConfig()); err != nil {
		t.Fatalf("retrain: %v", err)
	}
	live := ensemble.Current()

	cfg := retrainConfig()
	cfg.SyntheticFloor = 0
	if _, err := trainer.Retrain(context.Background(), cfg); err == nil {
		t.Fatalf("expected failure")
	}
	if ensemble.Current() != live {
		t.Fatalf("failed retrain must not touch the live set")
	}
}

func TestEnsembleScoreBounds(t *testing.T) {
	ensemble := NewEnsemble()
	trainer := NewTrainer(nil, &memArtifact{}, ensemble, nil)
	trainer.SetSeed(11)
	if _, err := trainer.Retrain(context.Background(), retrainConfig()); err != nil {
		t.Fatalf("retrain: %v", err)
	}
	weights := config.ModelWeights{Anomaly: 1.2, Classifier: 1.0, OneClass: 0.9}
	rng := rand.New(rand.NewSource(13))
	for _, x := range append(SyntheticNormal(5, rng), SyntheticBot(5, rng)...) {
		conf, perModel, ok := ensemble.Current().Score(x, weights)
		if !ok {
			t.Fatalf("expected scorable set")
		}
		if conf < 0 || conf > 1 {
			t.Fatalf("confidence %v out of [0,1]", conf)
		}
		if len(perModel) == 0 {
			t.Fatalf("expected per-model probabilities")
		}
	}
}

func TestRestoreLoadsPersistedSet(t *testing.T) {
	artifact := &memArtifact{}
	first := NewEnsemble()
	trainer := NewTrainer(nil, artifact, first, nil)
	trainer.SetSeed(21)
	report, err := trainer.Retrain(context.Background(), retrainConfig())
	if err != nil {
		t.Fatalf("retrain: %v", err)
	}

	second := NewEnsemble()
	restorer := NewTrainer(nil, artifact, second, nil)
	if err := restorer.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	set := second.Current()
	if set == nil || set.Version != report.Version {
		t.Fatalf("expected restored set %s", report.Version)
	}
}
