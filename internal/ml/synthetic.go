package ml

import "math/rand"

// Synthetic bootstrap data approximating each class's expected feature
// ranges, used when too little labeled traffic exists to train on. The
// distributions encode designer assumptions about bot-like traffic and
// should be retired once real labeled data accumulates.

// SyntheticNormal draws n vectors shaped like ordinary browser traffic.
func SyntheticNormal(n int, rng *rand.Rand) [][]float64 {
	out := make([][]float64, 0, n)
	for i := 0; i < n; i++ {
		features := []float64{
			gauss(rng, 100, 30), // UA length
			gauss(rng, 15, 5),   // UA word count
			gauss(rng, 3, 1),    // slashes
			gauss(rng, 2, 1),    // parentheses
			gauss(rng, 2, 1),
			1, // Mozilla token
			coin(rng), coin(rng), coin(rng),
			// heuristic layer confidences stay low for humans
			0.0, 0, 0.3, 3, 0.2, 2, 0.1, 1, 0.0, 0,
			gauss(rng, 0.05, 0.02), // mouse movements (normalized)
			gauss(rng, 3.5, 1),     // mouse entropy
			gauss(rng, 0.05, 0.02), // keyboard events
			gauss(rng, 0.8, 0.3),   // time spent
			gauss(rng, 3, 1),       // click count
			gauss(rng, 0.1, 0.05),  // scroll events
			gauss(rng, 8, 2),       // header count
			1, 1, 1,                // essential headers present
		}
		out = append(out, PadFeatures(features))
	}
	return out
}

// SyntheticBot draws n vectors shaped like scripted clients: short UAs,
// missing browser tokens, zero interaction, sparse headers.
func SyntheticBot(n int, rng *rand.Rand) [][]float64 {
	out := make([][]float64, 0, n)
	for i := 0; i < n; i++ {
		features := []float64{
			gauss(rng, 40, 15), // short UA
			gauss(rng, 6, 2),
			gauss(rng, 6, 2), // more slashes
			gauss(rng, 1, 0.5),
			gauss(rng, 1, 0.5),
			coin(rng), coin(rng), 0, 0,
			// heuristic layers fire hard on bots
			0.9, 6, 0.8, 5, 0.7, 4, 0.6, 3, 0.5, 2,
			0, 0, 0, // no mouse, no entropy, no keyboard
			gauss(rng, 0.1, 0.03), // very short dwell
			0, 0,                  // no clicks, no scrolling
			gauss(rng, 4, 1),      // few headers
			coin(rng), coin(rng), coin(rng),
		}
		out = append(out, PadFeatures(features))
	}
	return out
}

func gauss(rng *rand.Rand, mean, std float64) float64 {
	return rng.NormFloat64()*std + mean
}

func coin(rng *rand.Rand) float64 {
	if rng.Intn(2) == 1 {
		return 1
	}
	return 0
}
