package detector

import (
	"fmt"
	"math"
	"strings"
)

// Normalizer maps a raw decision-function value (negative = anomalous) onto
// an anomaly score in [0,1].
type Normalizer func(raw float64) float64

// LinearNormalizer is the default mapping: 0.5-raw clamped to [0,1]. It is
// monotonic, so a more negative raw value never scores lower.
func LinearNormalizer(raw float64) float64 {
	return clamp01(0.5 - raw)
}

// SteppedNormalizer scores negative raw values 1-|raw|*2 and non-negative
// values 0.5-raw, both clamped to [0,1]. It is not monotonic: it jumps from
// 0.5 to near 1.0 just below zero, peaks there, then falls as raw decreases,
// reaching 0 at raw <= -0.5. Mild outliers just below zero are over-scored
// (more false positives at the boundary) while the most extreme outliers are
// under-scored and can drop below the threshold (false negatives).
func SteppedNormalizer(raw float64) float64 {
	if raw < 0 {
		return clamp01(1.0 - math.Abs(raw)*2)
	}
	return clamp01(0.5 - raw)
}

// CenteredNormalizer keeps zero at 0.5 on both sides: negative raw values
// score 0.5+0.5*(1-|raw|*2), non-negative ones 0.5*(1-min(1, raw*2)). Like
// the stepped curve, its negative side falls as raw decreases.
func CenteredNormalizer(raw float64) float64 {
	if raw < 0 {
		return clamp01(0.5 + 0.5*(1.0-math.Abs(raw)*2))
	}
	return clamp01(0.5 * (1.0 - math.Min(1.0, raw*2)))
}

// ParseNormalizer resolves a configured normalizer name.
func ParseNormalizer(name string) (Normalizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear":
		return LinearNormalizer, nil
	case "stepped":
		return SteppedNormalizer, nil
	case "centered":
		return CenteredNormalizer, nil
	default:
		return nil, fmt.Errorf("unknown score normalizer %q", name)
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
