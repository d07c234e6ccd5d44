// Package isolation implements IsolationScorer (SPEC_FULL.md §4.3): a small,
// from-scratch isolation-forest evaluator over the fixed eight-feature
// vector. No package in the retrieved corpus provides Isolation Forest
// scoring or a compatible serialization format, so the forest itself is
// hand-rolled standard-library code (see DESIGN.md); only its artifact
// envelope uses encoding/json, the same serialization the corpus already
// reaches for wherever it persists structured blobs to disk.
package isolation

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"rba-core/internal/features"
)

// node is one node of an isolation tree: either an internal split on
// Feature at Value, or a leaf recording Size, the subsample size that
// landed there, used for the average-path-length correction the
// Liu/Ting/Zhou paper defines for unsplit leaves. Path length itself is
// accumulated during traversal, not stored.
type node struct {
	Feature int      `json:"feature"`
	Value   float64  `json:"value"`
	Left    *node    `json:"left,omitempty"`
	Right   *node    `json:"right,omitempty"`
	Leaf    bool     `json:"leaf"`
	Size    int      `json:"size"`
}

// Artifact is the on-disk model: the feature order the forest was trained
// against, the trees themselves, and the min/max raw-score calibration
// constants used to normalize into [0,1].
type Artifact struct {
	Features []string `json:"features"`
	ScoreMin float64  `json:"scoreMin"`
	ScoreMax float64  `json:"scoreMax"`
	Forest   []*node  `json:"forest"`
}

// Scorer wraps a loaded Artifact. It is stateless after Load and safe for
// concurrent use, since every tree is read-only once built.
type Scorer struct {
	artifact *Artifact
	perm     []int // artifact.Features[i] -> features.Order index
}

// Load reads and validates an Artifact from path. A missing or unreadable
// path is not a fatal error: the caller should fall back to Unavailable()
// and log once, matching §7's ModelUnavailable policy.
func Load(path string) (*Scorer, error) {
	if path == "" {
		return nil, fmt.Errorf("isolation: empty artifact path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("isolation: read artifact: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("isolation: decode artifact: %w", err)
	}
	if a.ScoreMax <= a.ScoreMin {
		return nil, fmt.Errorf("isolation: degenerate scoreMin/scoreMax calibration")
	}
	if len(a.Forest) == 0 {
		return nil, fmt.Errorf("isolation: artifact has no trees")
	}

	perm, err := buildPermutation(a.Features)
	if err != nil {
		return nil, err
	}

	return &Scorer{artifact: &a, perm: perm}, nil
}

// buildPermutation maps each artifact feature name to its index in
// features.Order, so Score can reorder an incoming vector to match however
// the artifact was trained.
func buildPermutation(trainedOrder []string) ([]int, error) {
	index := make(map[string]int, len(features.Order))
	for i, name := range features.Order {
		index[name] = i
	}
	perm := make([]int, len(trainedOrder))
	for i, name := range trainedOrder {
		idx, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("isolation: unknown trained feature %q", name)
		}
		perm[i] = idx
	}
	return perm, nil
}

// Unavailable returns a nil *Scorer; Score on a nil *Scorer is the
// documented mean-of-features fallback, so callers don't need a separate
// branch at every call site.
func Unavailable() *Scorer { return nil }

// Score returns a normalized [0,1] anomaly score for v. A nil Scorer (model
// unavailable) falls back to the arithmetic mean of the input vector.
func (s *Scorer) Score(v features.Vector) float64 {
	if s == nil {
		return mean(v.Slice())
	}

	ordered := make([]float64, len(s.perm))
	full := v.Slice()
	for i, idx := range s.perm {
		ordered[i] = full[idx]
	}

	raw := s.rawScore(ordered)
	normalized := (raw - s.artifact.ScoreMin) / (s.artifact.ScoreMax - s.artifact.ScoreMin)
	return clamp01(normalized)
}

// rawScore averages path length (depth plus the leaf-size correction)
// across every tree, then negates
// so that higher means more anomalous (shorter average path = more easily
// isolated = more anomalous, matching the Liu/Ting/Zhou convention).
func (s *Scorer) rawScore(x []float64) float64 {
	var total float64
	for _, tree := range s.artifact.Forest {
		total += pathLength(tree, x, 0)
	}
	avg := total / float64(len(s.artifact.Forest))
	return -avg
}

func pathLength(n *node, x []float64, depth int) float64 {
	if n.Leaf {
		return float64(depth) + averagePathLengthCorrection(n.Size)
	}
	if x[n.Feature] < n.Value {
		return pathLength(n.Left, x, depth+1)
	}
	return pathLength(n.Right, x, depth+1)
}

// averagePathLengthCorrection is c(n) from the isolation forest paper: the
// expected path length of an unsuccessful search in a binary search tree
// built over n points, used to terminate a tree's growth without fully
// splitting every leaf down to size 1.
func averagePathLengthCorrection(n int) float64 {
	if n <= 1 {
		return 0
	}
	nf := float64(n)
	return 2*harmonic(nf-1) - 2*(nf-1)/nf
}

func harmonic(n float64) float64 {
	if n <= 0 {
		return 0
	}
	return math.Log(n) + 0.5772156649 // Euler-Mascheroni constant
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return clamp01(sum / float64(len(xs)))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
