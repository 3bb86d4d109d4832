package ml

import (
	"errors"
	"math"
)

// Scaler performs mean/variance normalization fitted on a training matrix.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes per-column mean and standard deviation. Columns with
// zero variance scale by 1 so transformed values stay finite.
func FitScaler(samples [][]float64) (*Scaler, error) {
	if len(samples) == 0 {
		return nil, errors.New("ml: no samples to fit scaler")
	}
	dims := len(samples[0])
	mean := make([]float64, dims)
	std := make([]float64, dims)
	for _, row := range samples {
		if len(row) != dims {
			return nil, errors.New("ml: inconsistent sample length")
		}
		for i, v := range row {
			mean[i] += v
		}
	}
	n := float64(len(samples))
	for i := range mean {
		mean[i] /= n
	}
	for _, row := range samples {
		for i, v := range row {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / n)
		if std[i] == 0 {
			std[i] = 1
		}
	}
	return &Scaler{Mean: mean, Std: std}, nil
}

// Transform returns a scaled copy of x. Vectors of the wrong length are an
// error; the feature pipeline guarantees FeatureLength upstream.
func (s *Scaler) Transform(x []float64) ([]float64, error) {
	if s == nil {
		return nil, errors.New("ml: nil scaler")
	}
	if len(x) != len(s.Mean) {
		return nil, errors.New("ml: feature length mismatch")
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.Mean[i]) / s.Std[i]
	}
	return out, nil
}

// TransformAll scales a whole matrix.
func (s *Scaler) TransformAll(xs [][]float64) ([][]float64, error) {
	out := make([][]float64, 0, len(xs))
	for _, x := range xs {
		t, err := s.Transform(x)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
