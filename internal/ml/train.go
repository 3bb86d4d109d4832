package ml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"botsentry/internal/config"
	"botsentry/internal/model"
)

// SampleSource supplies labeled feature vectors from the detection log.
type SampleSource interface {
	LabeledSamples(ctx context.Context, since time.Time, minConfidence float64, limit int) ([]model.TrainingSample, error)
}

// ArtifactStore persists trained model sets.
type ArtifactStore interface {
	SaveModelSet(ctx context.Context, set *ModelSet) error
	LoadModelSet(ctx context.Context) (*ModelSet, error)
}

// ErrInsufficientData is returned when not even synthetic supplementation
// yields enough samples to train on.
var ErrInsufficientData = errors.New("ml: insufficient training data")

// Report summarizes one retraining run.
type Report struct {
	Version         string             `json:"version"`
	TotalSamples    int                `json:"total_samples"`
	RealSamples     int                `json:"real_samples"`
	SyntheticCount  int                `json:"synthetic_samples"`
	HoldoutSize     int                `json:"holdout_size"`
	ModelAccuracy   map[string]float64 `json:"model_accuracy"`
	TrainedModels   int                `json:"models_trained"`
	DurationSeconds float64            `json:"duration_seconds"`
}

// Trainer rebuilds the ensemble from logged detections. It runs off the
// classification path and touches the live set only for the final swap.
type Trainer struct {
	source   SampleSource
	artifact ArtifactStore
	ensemble *Ensemble
	logger   *slog.Logger
	rng      *rand.Rand
}

func NewTrainer(source SampleSource, artifact ArtifactStore, ensemble *Ensemble, logger *slog.Logger) *Trainer {
	return &Trainer{
		source:   source,
		artifact: artifact,
		ensemble: ensemble,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSeed makes training deterministic, for tests.
func (t *Trainer) SetSeed(seed int64) {
	t.rng = rand.New(rand.NewSource(seed))
}

// Retrain pulls recent labeled detections, supplements with synthetic data
// when scarce, fits a fresh scaler and model set, validates it on a
// held-out split, then atomically swaps and persists it. On any failure
// the live set is left untouched.
func (t *Trainer) Retrain(ctx context.Context, cfg config.RetrainConfig) (*Report, error) {
	started := time.Now()

	var samples []model.TrainingSample
	if t.source != nil && cfg.LookbackDays > 0 {
		since := time.Now().AddDate(0, 0, -cfg.LookbackDays)
		real, err := t.source.LabeledSamples(ctx, since, cfg.MinConfidence, cfg.MaxSamples)
		if err != nil {
			if t.logger != nil {
				t.logger.Warn("labeled sample fetch failed, falling back to synthetic", "err", err)
			}
		} else {
			samples = real
		}
	}
	realCount := len(samples)

	if realCount < cfg.SyntheticFloor {
		for _, f := range SyntheticNormal(50, t.rng) {
			samples = append(samples, model.TrainingSample{Features: f, IsBot: false})
		}
		for _, f := range SyntheticBot(30, t.rng) {
			samples = append(samples, model.TrainingSample{Features: f, IsBot: true})
		}
	}
	if len(samples) < cfg.MinSamples {
		return nil, fmt.Errorf("%w: %d samples", ErrInsufficientData, len(samples))
	}

	features := make([][]float64, 0, len(samples))
	labels := make([]bool, 0, len(samples))
	for _, s := range samples {
		features = append(features, PadFeatures(s.Features))
		labels = append(labels, s.IsBot)
	}

	scaler, err := FitScaler(features)
	if err != nil {
		return nil, err
	}
	scaled, err := scaler.TransformAll(features)
	if err != nil {
		return nil, err
	}

	trainX, trainY, testX, testY := split(scaled, labels, cfg.HoldoutFraction, t.rng)

	set := &ModelSet{
		Version:   uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Samples:   len(samples),
		Scaler:    scaler,
	}
	accuracy := make(map[string]float64)

	anomaly, err := FitAnomalyDetector(trainX)
	if err != nil {
		return nil, fmt.Errorf("anomaly detector: %w", err)
	}
	set.Anomaly = anomaly
	accuracy[anomaly.Name()] = evaluate(anomaly, testX, testY)

	if classifier, err := TrainClassifier(trainX, trainY, 200, 0.05, t.rng); err == nil {
		set.Classifier = classifier
		accuracy[classifier.Name()] = evaluate(classifier, testX, testY)
	} else if t.logger != nil {
		t.logger.Info("classifier skipped", "reason", err)
	}

	if oneClass, err := FitOneClass(normalOnly(trainX, trainY)); err == nil {
		set.OneClass = oneClass
		accuracy[oneClass.Name()] = evaluate(oneClass, testX, testY)
	} else if t.logger != nil {
		t.logger.Info("one-class detector skipped", "reason", err)
	}

	if len(set.Models()) == 0 {
		return nil, errors.New("ml: no model could be trained")
	}

	if t.artifact != nil {
		if err := t.artifact.SaveModelSet(ctx, set); err != nil {
			return nil, fmt.Errorf("persist model set: %w", err)
		}
	}
	if t.ensemble != nil {
		t.ensemble.Swap(set)
	}

	report := &Report{
		Version:         set.Version,
		TotalSamples:    len(samples),
		RealSamples:     realCount,
		SyntheticCount:  len(samples) - realCount,
		HoldoutSize:     len(testX),
		ModelAccuracy:   accuracy,
		TrainedModels:   len(set.Models()),
		DurationSeconds: time.Since(started).Seconds(),
	}
	if t.logger != nil {
		t.logger.Info("ensemble retrained",
			"version", set.Version,
			"samples", report.TotalSamples,
			"real", report.RealSamples,
			"models", report.TrainedModels,
		)
	}
	return report, nil
}

// Restore loads the persisted set into the live ensemble at startup.
func (t *Trainer) Restore(ctx context.Context) error {
	if t.artifact == nil || t.ensemble == nil {
		return nil
	}
	set, err := t.artifact.LoadModelSet(ctx)
	if err != nil {
		return err
	}
	if set != nil {
		t.ensemble.Swap(set)
	}
	return nil
}

func split(xs [][]float64, ys []bool, holdout float64, rng *rand.Rand) (trainX [][]float64, trainY []bool, testX [][]float64, testY []bool) {
	order := make([]int, len(xs))
	for i := range order {
		order[i] = i
	}
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	testN := int(float64(len(xs)) * holdout)
	if testN < 1 {
		testN = 1
	}
	if testN >= len(xs) {
		// too few samples to hold out: evaluate on the training data
		return xs, ys, xs, ys
	}
	for i, idx := range order {
		if i < testN {
			testX = append(testX, xs[idx])
			testY = append(testY, ys[idx])
		} else {
			trainX = append(trainX, xs[idx])
			trainY = append(trainY, ys[idx])
		}
	}
	return trainX, trainY, testX, testY
}

func evaluate(m Model, xs [][]float64, ys []bool) float64 {
	if len(xs) == 0 {
		return 0
	}
	var correct int
	for i, x := range xs {
		pred := m.BotProbability(x) >= 0.5
		if pred == ys[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(xs))
}

func normalOnly(xs [][]float64, ys []bool) [][]float64 {
	out := make([][]float64, 0, len(xs))
	for i, x := range xs {
		if !ys[i] {
			out = append(out, x)
		}
	}
	if len(out) < 2 {
		return xs
	}
	return out
}
