package scorer

import (
	"math"
	"math/rand"

	"github.com/tiresense/tiresense/internal/domain"
)

// ─── Outlier-Tree Scorer ────────────────────────────────────────────────────

// OutlierModel is the narrow interface over the tree ensemble. Margin takes
// the latest feature vector and returns a signed decision margin where lower
// means more anomalous. The algorithm behind it is pluggable.
type OutlierModel interface {
	Margin(features []float64) float64
}

// Severity cutoffs on the signed margin.
const (
	marginWarning  = -0.1
	marginError    = -0.3
	marginCritical = -0.5
)

// OutlierScorer adapts an OutlierModel to the Scorer interface.
type OutlierScorer struct {
	model OutlierModel
}

// NewOutlierScorer wraps a model; nil falls back to a seeded half-space
// forest so the adapter works out of the box.
func NewOutlierScorer(model OutlierModel) *OutlierScorer {
	if model == nil {
		model = NewHalfSpaceForest(25, 8, 1)
	}
	return &OutlierScorer{model: model}
}

// Name implements domain.Scorer.
func (s *OutlierScorer) Name() string { return "outlier-tree" }

// Score runs the ensemble on the frame's last row. Value is the signed
// margin; severity follows the fixed cutoffs.
func (s *OutlierScorer) Score(frame domain.FeatureFrame) (domain.Score, error) {
	if len(frame.Rows) == 0 {
		return domain.Score{}, domain.ErrFrameRefused
	}
	if frame.Degraded {
		return domain.Score{}, domain.ErrFrameRefused
	}

	margin := s.model.Margin(frame.Last().Vector())
	score := domain.Score{
		Kind:        domain.ScoreOutlierTree,
		Value:       margin,
		Confidence:  math.Min(1, math.Abs(margin)*2),
		Diagnostics: map[string]float64{"margin": margin},
	}
	switch {
	case margin < marginCritical:
		score.Anomalous = true
		score.SeverityHint = domain.SevCritical
	case margin < marginError:
		score.Anomalous = true
		score.SeverityHint = domain.SevError
	case margin < marginWarning:
		score.Anomalous = true
		score.SeverityHint = domain.SevWarning
	}
	if score.Anomalous {
		score.IncidentKind = domain.KindSensorMalfunction
	}
	return score, nil
}

// ─── Half-Space Forest ──────────────────────────────────────────────────────

// HalfSpaceForest is the default OutlierModel: an ensemble of random
// half-space trees over the fixed feature vector. Each tree bisects a random
// dimension per level; the mass a point lands in approximates its density.
type HalfSpaceForest struct {
	trees []*hsNode
	depth int
}

type hsNode struct {
	dim         int
	split       float64
	left, right *hsNode
	mass        float64
}

// NewHalfSpaceForest builds a seeded ensemble over normalized feature space.
// Construction is deterministic for a given seed.
func NewHalfSpaceForest(trees, depth int, seed int64) *HalfSpaceForest {
	rng := rand.New(rand.NewSource(seed))
	f := &HalfSpaceForest{depth: depth}
	for i := 0; i < trees; i++ {
		f.trees = append(f.trees, buildHSTree(rng, depth, -4, 4))
	}
	return f
}

func buildHSTree(rng *rand.Rand, depth int, lo, hi float64) *hsNode {
	n := &hsNode{mass: 1}
	if depth == 0 {
		return n
	}
	n.dim = rng.Intn(6)
	n.split = lo + rng.Float64()*(hi-lo)
	n.left = buildHSTree(rng, depth-1, lo, n.split)
	n.right = buildHSTree(rng, depth-1, n.split, hi)
	return n
}

// Fit deposits training mass along each sample's path. Called at startup
// with reference traffic and by the maintenance worker on refit.
func (f *HalfSpaceForest) Fit(samples [][]float64) {
	for _, tree := range f.trees {
		for _, s := range samples {
			n := tree
			for n.left != nil {
				n.mass++
				if s[n.dim] < n.split {
					n = n.left
				} else {
					n = n.right
				}
			}
			n.mass++
		}
	}
}

// Margin implements OutlierModel. The leaf-mass average is mapped onto a
// signed margin: dense regions score positive, sparse regions negative.
func (f *HalfSpaceForest) Margin(features []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	var total float64
	for _, tree := range f.trees {
		n := tree
		depthMass := tree.mass
		for n.left != nil {
			if features[n.dim] < n.split {
				n = n.left
			} else {
				n = n.right
			}
		}
		if depthMass > 0 {
			total += n.mass / depthMass
		}
	}
	avg := total / float64(len(f.trees))

	// Expected leaf share of a uniform tree is 2^-depth; normalize so a
	// typical point sits near +0.5 and an empty leaf near -1.
	expected := math.Pow(2, -float64(f.depth))
	ratio := avg / expected
	return math.Max(-1, math.Min(1, math.Log10(ratio+1e-9)/2))
}
