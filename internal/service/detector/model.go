package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

// Model exposes the decision function of a trained outlier detector.
// Negative values are anomalous, positive values normal.
type Model interface {
	Decision(features []float64) (float64, error)
}

// Scaler standardises a feature vector before it reaches the model.
type Scaler interface {
	Transform(features []float64) ([]float64, error)
}

// ErrDimensionMismatch is returned when a vector does not match the artifact width.
var ErrDimensionMismatch = errors.New("feature dimension mismatch")

const eulerGamma = 0.5772156649

// IsolationForest evaluates an exported isolation forest.
type IsolationForest struct {
	Version      string       `json:"version" yaml:"version"`
	Kind         string       `json:"kind" yaml:"kind"`
	FeatureNames []string     `json:"feature_names" yaml:"feature_names"`
	MaxSamples   int          `json:"max_samples" yaml:"max_samples"`
	Offset       float64      `json:"offset" yaml:"offset"`
	Trees        []ForestTree `json:"trees" yaml:"trees"`

	norm float64
}

// ForestTree is one isolation tree stored as a flat node array rooted at index 0.
type ForestTree struct {
	Nodes []ForestNode `json:"nodes" yaml:"nodes"`
}

// ForestNode is a split (Left/Right >= 0) or a leaf (Left < 0).
type ForestNode struct {
	Feature   int     `json:"feature" yaml:"feature"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Left      int     `json:"left" yaml:"left"`
	Right     int     `json:"right" yaml:"right"`
	NSamples  int     `json:"n_samples" yaml:"n_samples"`
}

func (f *IsolationForest) validate() error {
	if f.Kind != "" && f.Kind != "isolation_forest" {
		return fmt.Errorf("unsupported model kind %q", f.Kind)
	}
	if len(f.FeatureNames) > 0 {
		want := domain.FeatureNames()
		if len(f.FeatureNames) != len(want) {
			return fmt.Errorf("%w: model trained on %d features, extractor produces %d", ErrDimensionMismatch, len(f.FeatureNames), len(want))
		}
		for i, name := range want {
			if f.FeatureNames[i] != name {
				return fmt.Errorf("feature order mismatch at position %d: model has %q, extractor has %q", i, f.FeatureNames[i], name)
			}
		}
	}
	if f.MaxSamples <= 0 {
		return errors.New("max_samples must be positive")
	}
	if len(f.Trees) == 0 {
		return errors.New("model has no trees")
	}
	for ti, tree := range f.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("tree %d has no nodes", ti)
		}
		for ni, node := range tree.Nodes {
			if node.Left < 0 {
				continue
			}
			if node.Feature < 0 || node.Feature >= int(domain.FeatureCount) {
				return fmt.Errorf("tree %d node %d: feature index %d out of range", ti, ni, node.Feature)
			}
			if node.Left >= len(tree.Nodes) || node.Right < 0 || node.Right >= len(tree.Nodes) {
				return fmt.Errorf("tree %d node %d: child index out of range", ti, ni)
			}
		}
	}
	f.norm = averagePathLength(f.MaxSamples)
	return nil
}

// Decision returns score_samples(x) - offset, where score_samples is
// -2^(-E[h(x)]/c(max_samples)).
func (f *IsolationForest) Decision(x []float64) (float64, error) {
	if len(x) != int(domain.FeatureCount) {
		return 0, fmt.Errorf("%w: got %d values", ErrDimensionMismatch, len(x))
	}
	norm := f.norm
	if norm <= 0 {
		norm = averagePathLength(f.MaxSamples)
	}
	if norm <= 0 || len(f.Trees) == 0 {
		return 0, errors.New("isolation forest not initialised")
	}
	total := 0.0
	for i := range f.Trees {
		depth, err := f.Trees[i].pathLength(x)
		if err != nil {
			return 0, fmt.Errorf("tree %d: %w", i, err)
		}
		total += depth
	}
	mean := total / float64(len(f.Trees))
	score := -math.Pow(2, -mean/norm)
	return score - f.Offset, nil
}

func (t ForestTree) pathLength(x []float64) (float64, error) {
	idx := 0
	for depth := 0; depth <= len(t.Nodes); depth++ {
		node := t.Nodes[idx]
		if node.Left < 0 {
			return float64(depth) + averagePathLength(node.NSamples), nil
		}
		if x[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
	return 0, errors.New("cycle detected in tree")
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a BST with n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n > 2:
		fn := float64(n)
		return 2.0*(math.Log(fn-1.0)+eulerGamma) - 2.0*(fn-1.0)/fn
	case n == 2:
		return 1.0
	default:
		return 0.0
	}
}

// StandardScaler applies (x - mean) / scale per feature.
type StandardScaler struct {
	Mean  []float64 `json:"mean" yaml:"mean"`
	Scale []float64 `json:"scale" yaml:"scale"`
}

func (s *StandardScaler) validate() error {
	if len(s.Mean) != int(domain.FeatureCount) || len(s.Scale) != int(domain.FeatureCount) {
		return fmt.Errorf("%w: scaler has %d means and %d scales", ErrDimensionMismatch, len(s.Mean), len(s.Scale))
	}
	return nil
}

// Transform standardises x. Zero scales are treated as one.
func (s *StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) || len(x) != len(s.Scale) {
		return nil, fmt.Errorf("%w: got %d values, scaler expects %d", ErrDimensionMismatch, len(x), len(s.Mean))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out, nil
}

// ScalerPath derives the scaler artifact location from the model path:
// "scaler_" plus the model basename after its last underscore, in the same directory.
func ScalerPath(modelPath string) string {
	dir := filepath.Dir(modelPath)
	base := filepath.Base(modelPath)
	suffix := base
	if idx := strings.LastIndex(base, "_"); idx >= 0 && idx < len(base)-1 {
		suffix = base[idx+1:]
	}
	return filepath.Join(dir, "scaler_"+suffix)
}

// LoadArtifacts reads the model at modelPath and its companion scaler.
func LoadArtifacts(modelPath string) (*IsolationForest, *StandardScaler, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, nil, errors.New("model path not configured")
	}
	var forest IsolationForest
	if err := decodeArtifact(modelPath, &forest); err != nil {
		return nil, nil, fmt.Errorf("load model: %w", err)
	}
	if err := forest.validate(); err != nil {
		return nil, nil, fmt.Errorf("validate model %s: %w", modelPath, err)
	}
	scalerPath := ScalerPath(modelPath)
	var scaler StandardScaler
	if err := decodeArtifact(scalerPath, &scaler); err != nil {
		return nil, nil, fmt.Errorf("load scaler: %w", err)
	}
	if err := scaler.validate(); err != nil {
		return nil, nil, fmt.Errorf("validate scaler %s: %w", scalerPath, err)
	}
	return &forest, &scaler, nil
}

func decodeArtifact(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}
