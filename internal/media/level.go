package media

import "math"

// levelBins is the number of frequency bins sampled by the level meter.
// Small on purpose: the level drives a meter, not analysis.
const levelBins = 32

// Level computes the mean frequency-domain magnitude of the sample window,
// normalized to [0,1]. A nil or silent window yields 0.
func Level(pcm []float32) float64 {
	n := len(pcm)
	if n == 0 {
		return 0
	}
	// A short DFT over a handful of bins. Magnitudes are normalized by
	// n/2, the magnitude of a full-scale sinusoid.
	var sum float64
	for k := 1; k <= levelBins; k++ {
		var re, im float64
		w := 2 * math.Pi * float64(k) / float64(n)
		for i, s := range pcm {
			re += float64(s) * math.Cos(w*float64(i))
			im -= float64(s) * math.Sin(w*float64(i))
		}
		sum += math.Hypot(re, im) / (float64(n) / 2)
	}
	level := sum / levelBins
	if level > 1 {
		level = 1
	}
	return level
}
