package detector

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

const (
	// DefaultThreshold is used when no valid threshold is configured.
	DefaultThreshold = 0.6

	serverErrorScore   = 0.9
	verySlowScore      = 0.85
	largePayloadScore  = 0.8
	slowScore          = 0.5
	clientErrorScore   = 0.3
	verySlowMS         = 3000
	slowMS             = 1000
	largePayloadBytes  = 10_000_000
	modelLargeRequestB = 1_000_000
)

// Options configures a Detector.
type Options struct {
	ModelPath  string
	Threshold  float64
	Normalizer Normalizer
	Logger     *slog.Logger
}

// Detector scores feature vectors with a trained model when one is loaded and
// with fixed rules otherwise. It holds no mutable state after construction.
type Detector struct {
	model      Model
	scaler     Scaler
	threshold  float64
	normalize  Normalizer
	logger     *slog.Logger
	modelReady bool
}

// New builds a detector and attempts to load the model artifacts at
// opts.ModelPath. A load failure is logged once and leaves the detector in
// fallback mode for its lifetime.
func New(opts Options) *Detector {
	d := newDetector(opts)
	if opts.ModelPath == "" {
		d.logger.Info("no model path configured, using rule-based scoring")
		return d
	}
	model, scaler, err := LoadArtifacts(opts.ModelPath)
	if err != nil {
		d.logger.Warn("model unavailable, using rule-based scoring", "path", opts.ModelPath, "error", err)
		return d
	}
	d.model = model
	d.scaler = scaler
	d.modelReady = true
	d.logger.Info("model loaded", "path", opts.ModelPath, "version", model.Version, "trees", len(model.Trees))
	return d
}

// NewWithModel builds a detector around an already loaded model. A nil model
// yields a fallback-only detector; a nil scaler passes features through unscaled.
func NewWithModel(model Model, scaler Scaler, opts Options) *Detector {
	d := newDetector(opts)
	if model != nil {
		d.model = model
		d.scaler = scaler
		d.modelReady = true
	}
	return d
}

func newDetector(opts Options) *Detector {
	initMetrics()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := opts.Threshold
	if threshold <= 0 || threshold > 1 || math.IsNaN(threshold) {
		threshold = DefaultThreshold
	}
	normalize := opts.Normalizer
	if normalize == nil {
		normalize = LinearNormalizer
	}
	return &Detector{
		threshold: threshold,
		normalize: normalize,
		logger:    logger.With("component", "detector"),
	}
}

// ModelLoaded reports whether predictions use the trained model.
func (d *Detector) ModelLoaded() bool {
	return d.modelReady
}

// Threshold returns the score at or above which a vector is anomalous.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Predict scores vec. It never fails: model errors degrade the single call to
// rule-based scoring.
func (d *Detector) Predict(vec domain.FeatureVector) domain.AnomalyVerdict {
	if d.modelReady {
		verdict, err := d.predictModel(vec)
		if err == nil {
			recordPrediction(string(verdict.Path), string(verdict.Type))
			return verdict
		}
		recordModelError()
		d.logger.Warn("model prediction failed, using rule-based scoring", "error", err)
	}
	verdict := Fallback(vec, d.threshold)
	recordPrediction(string(verdict.Path), string(verdict.Type))
	return verdict
}

func (d *Detector) predictModel(vec domain.FeatureVector) (verdict domain.AnomalyVerdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panic: %v", r)
		}
	}()

	input := vec.Slice()
	if d.scaler != nil {
		input, err = d.scaler.Transform(input)
		if err != nil {
			return domain.AnomalyVerdict{}, fmt.Errorf("scale features: %w", err)
		}
	}
	raw, err := d.model.Decision(input)
	if err != nil {
		return domain.AnomalyVerdict{}, fmt.Errorf("decision function: %w", err)
	}
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return domain.AnomalyVerdict{}, fmt.Errorf("decision function returned %v", raw)
	}
	score := clamp01(d.normalize(raw))
	return domain.AnomalyVerdict{
		Score:     score,
		IsAnomaly: score >= d.threshold,
		Type:      Classify(vec, score, d.threshold),
		Path:      domain.ScorePathModel,
	}, nil
}

// Fallback applies the rule table in priority order; the first matching rule wins.
func Fallback(vec domain.FeatureVector, threshold float64) domain.AnomalyVerdict {
	rt := vec.Get(domain.FeatureResponseTimeMS)
	var (
		score float64
		kind  domain.AnomalyType
	)
	switch {
	case vec.Get(domain.FeatureIsServerError) == 1:
		score, kind = serverErrorScore, domain.AnomalyServerError
	case rt > verySlowMS:
		score, kind = verySlowScore, domain.AnomalyResponseTimeSpike
	case vec.Get(domain.FeatureRequestSizeBytes) > largePayloadBytes:
		score, kind = largePayloadScore, domain.AnomalyLargeRequest
	case vec.Get(domain.FeatureResponseSizeBytes) > largePayloadBytes:
		score, kind = largePayloadScore, domain.AnomalyLargeResponse
	case rt > slowMS:
		score, kind = slowScore, domain.AnomalyResponseTimeSpike
	case vec.Get(domain.FeatureIsClientError) == 1:
		score, kind = clientErrorScore, domain.AnomalyClientError
	default:
		score, kind = 0, domain.AnomalyNormal
	}
	isAnomaly := score >= threshold
	if !isAnomaly {
		kind = domain.AnomalyNormal
	}
	return domain.AnomalyVerdict{
		Score:     score,
		IsAnomaly: isAnomaly,
		Type:      kind,
		Path:      domain.ScorePathFallback,
	}
}

// Classify labels a model-path score using the observation's own features.
func Classify(vec domain.FeatureVector, score, threshold float64) domain.AnomalyType {
	switch {
	case vec.Get(domain.FeatureIsServerError) == 1:
		return domain.AnomalyServerError
	case vec.Get(domain.FeatureIsClientError) == 1:
		return domain.AnomalyClientError
	case vec.Get(domain.FeatureResponseTimeMS) > slowMS:
		return domain.AnomalyResponseTimeSpike
	case vec.Get(domain.FeatureRequestSizeBytes) > modelLargeRequestB:
		return domain.AnomalyLargeRequest
	case score >= threshold:
		return domain.AnomalyPattern
	default:
		return domain.AnomalyNormal
	}
}
