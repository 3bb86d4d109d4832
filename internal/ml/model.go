package ml

import (
	"errors"
	"math"
	"math/rand"
)

// Model is the uniform capability all ensemble members expose: a bot
// probability in [0,1] for one scaled feature vector. Concrete types carry
// their own parameters so sets round-trip through JSON without runtime
// attribute probing.
type Model interface {
	Name() string
	BotProbability(x []float64) float64
}

// AnomalyDetector flags vectors whose mean absolute z-distance from the
// training distribution exceeds a fitted threshold. Scores above the
// threshold map linearly into (0,1], at most 1 at twice the threshold.
type AnomalyDetector struct {
	Mean      []float64 `json:"mean"`
	Std       []float64 `json:"std"`
	Threshold float64   `json:"threshold"`
}

func (d *AnomalyDetector) Name() string { return "anomaly_detector" }

// FitAnomalyDetector estimates the training distribution and places the
// threshold at mean distance plus two standard deviations of distances.
func FitAnomalyDetector(samples [][]float64) (*AnomalyDetector, error) {
	if len(samples) < 2 {
		return nil, errors.New("ml: not enough samples for anomaly detector")
	}
	scaler, err := FitScaler(samples)
	if err != nil {
		return nil, err
	}
	d := &AnomalyDetector{Mean: scaler.Mean, Std: scaler.Std}
	dists := make([]float64, 0, len(samples))
	for _, s := range samples {
		dists = append(dists, d.distance(s))
	}
	mean, std := meanStd(dists)
	d.Threshold = mean + 2*std
	if d.Threshold <= 0 {
		d.Threshold = 1
	}
	return d, nil
}

func (d *AnomalyDetector) distance(x []float64) float64 {
	if len(x) != len(d.Mean) {
		return 0
	}
	var sum float64
	for i, v := range x {
		std := d.Std[i]
		if std == 0 {
			std = 1
		}
		sum += math.Abs(v-d.Mean[i]) / std
	}
	return sum / float64(len(x))
}

func (d *AnomalyDetector) BotProbability(x []float64) float64 {
	score := d.distance(x)
	if score <= d.Threshold {
		return 0
	}
	return clamp01((score - d.Threshold) / d.Threshold)
}

// Classifier is a logistic regression over scaled features, trained with
// plain SGD. It reports the positive-class probability directly.
type Classifier struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

func (c *Classifier) Name() string { return "classifier" }

func (c *Classifier) BotProbability(x []float64) float64 {
	if len(x) != len(c.Weights) {
		return 0
	}
	z := c.Bias
	for i, v := range x {
		z += c.Weights[i] * v
	}
	return sigmoid(z)
}

// TrainClassifier fits logistic regression by SGD. Requires both classes
// in the labels.
func TrainClassifier(samples [][]float64, labels []bool, epochs int, lr float64, rng *rand.Rand) (*Classifier, error) {
	if len(samples) == 0 || len(samples) != len(labels) {
		return nil, errors.New("ml: bad classifier training input")
	}
	var pos, neg bool
	for _, l := range labels {
		if l {
			pos = true
		} else {
			neg = true
		}
	}
	if !pos || !neg {
		return nil, errors.New("ml: classifier needs both classes")
	}
	if epochs <= 0 {
		epochs = 200
	}
	if lr <= 0 {
		lr = 0.05
	}
	dims := len(samples[0])
	c := &Classifier{Weights: make([]float64, dims)}
	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	for e := 0; e < epochs; e++ {
		if rng != nil {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		for _, idx := range order {
			x := samples[idx]
			if len(x) != dims {
				return nil, errors.New("ml: inconsistent sample length")
			}
			y := 0.0
			if labels[idx] {
				y = 1.0
			}
			p := c.BotProbability(x)
			g := p - y
			for i, v := range x {
				c.Weights[i] -= lr * (g*v + 1e-4*c.Weights[i])
			}
			c.Bias -= lr * g
		}
	}
	return c, nil
}

// OneClass is a centroid detector fitted on normal traffic: vectors beyond
// the fitted radius score proportionally to how far outside they fall.
type OneClass struct {
	Centroid []float64 `json:"centroid"`
	Radius   float64   `json:"radius"`
}

func (o *OneClass) Name() string { return "one_class" }

// FitOneClass places the radius at the 90th percentile of training
// distances, matching a nu of 0.1.
func FitOneClass(samples [][]float64) (*OneClass, error) {
	if len(samples) < 2 {
		return nil, errors.New("ml: not enough samples for one-class detector")
	}
	dims := len(samples[0])
	centroid := make([]float64, dims)
	for _, s := range samples {
		if len(s) != dims {
			return nil, errors.New("ml: inconsistent sample length")
		}
		for i, v := range s {
			centroid[i] += v
		}
	}
	for i := range centroid {
		centroid[i] /= float64(len(samples))
	}
	o := &OneClass{Centroid: centroid}
	dists := make([]float64, 0, len(samples))
	for _, s := range samples {
		dists = append(dists, o.distance(s))
	}
	o.Radius = percentile(dists, 0.9)
	if o.Radius <= 0 {
		o.Radius = 1
	}
	return o, nil
}

func (o *OneClass) distance(x []float64) float64 {
	if len(x) != len(o.Centroid) {
		return 0
	}
	var sum float64
	for i, v := range x {
		d := v - o.Centroid[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (o *OneClass) BotProbability(x []float64) float64 {
	d := o.distance(x)
	if d <= o.Radius {
		return 0
	}
	return clamp01((d - o.Radius) / o.Radius)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var mean float64
	for _, v := range xs {
		mean += v
	}
	mean /= float64(len(xs))
	var m2 float64
	for _, v := range xs {
		d := v - mean
		m2 += d * d
	}
	return mean, math.Sqrt(m2 / float64(len(xs)))
}

func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
