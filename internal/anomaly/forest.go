package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
)

const (
	// DefaultTrees and DefaultSubsample follow the standard isolation
	// forest parameterization; the fixed seed keeps baselines
	// reproducible across fits of the same corpus.
	DefaultTrees     = 128
	DefaultSubsample = 256
	DefaultSeed      = 1337
)

// treeNode is one node of an isolation tree. Leaf nodes carry the
// number of samples that reached them; internal nodes split on a
// single dimension.
type treeNode struct {
	SplitDim   int     `json:"d,omitempty"`
	SplitValue float32 `json:"v,omitempty"`
	Left       int32   `json:"l,omitempty"`
	Right      int32   `json:"r,omitempty"`
	Size       int     `json:"n,omitempty"`
	Leaf       bool    `json:"leaf,omitempty"`
}

// isolationTree stores nodes in a flat slice; index 0 is the root.
type isolationTree struct {
	Nodes []treeNode `json:"nodes"`
}

// Forest is a fitted isolation forest plus the percentile anchors used
// to map raw anomaly scores onto the calibrated [0,1] scale.
type Forest struct {
	Trees     []isolationTree `json:"trees"`
	Subsample int             `json:"subsample"`
	Dims      int             `json:"dims"`
	Samples   int             `json:"samples"`
	// Anchors are raw score values at the 50th, 95th and 99th
	// percentile of the training corpus.
	AnchorP50 float64 `json:"anchor_p50"`
	AnchorP95 float64 `json:"anchor_p95"`
	AnchorP99 float64 `json:"anchor_p99"`
}

// Fit trains an isolation forest over the vectors. The corpus must
// contain at least two vectors of equal dimensionality.
func Fit(vectors [][]float32, trees, subsample int, seed int64) (*Forest, error) {
	if len(vectors) < 2 {
		return nil, fmt.Errorf("need at least 2 vectors to fit a baseline, got %d", len(vectors))
	}
	dims := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dims {
			return nil, fmt.Errorf("vector %d has %d dims, want %d", i, len(v), dims)
		}
	}
	if trees <= 0 {
		trees = DefaultTrees
	}
	if subsample <= 0 {
		subsample = DefaultSubsample
	}
	if subsample > len(vectors) {
		subsample = len(vectors)
	}

	rng := rand.New(rand.NewSource(seed))
	maxDepth := int(math.Ceil(math.Log2(float64(subsample)))) + 1

	f := &Forest{
		Trees:     make([]isolationTree, trees),
		Subsample: subsample,
		Dims:      dims,
		Samples:   len(vectors),
	}

	sample := make([][]float32, subsample)
	for t := 0; t < trees; t++ {
		for i := range sample {
			sample[i] = vectors[rng.Intn(len(vectors))]
		}
		f.Trees[t] = buildTree(sample, maxDepth, rng)
	}

	// Raw scores of the training corpus anchor the calibration curve.
	raw := make([]float64, len(vectors))
	for i, v := range vectors {
		raw[i] = f.rawScore(v)
	}
	sort.Float64s(raw)
	f.AnchorP50 = percentile(raw, 0.50)
	f.AnchorP95 = percentile(raw, 0.95)
	f.AnchorP99 = percentile(raw, 0.99)

	return f, nil
}

func buildTree(sample [][]float32, maxDepth int, rng *rand.Rand) isolationTree {
	tree := isolationTree{Nodes: make([]treeNode, 0, 2*len(sample))}
	buildNode(&tree, sample, 0, maxDepth, rng)
	return tree
}

// buildNode appends a subtree for the sample set and returns its index.
func buildNode(tree *isolationTree, sample [][]float32, depth, maxDepth int, rng *rand.Rand) int32 {
	idx := int32(len(tree.Nodes))
	if len(sample) <= 1 || depth >= maxDepth {
		tree.Nodes = append(tree.Nodes, treeNode{Leaf: true, Size: len(sample)})
		return idx
	}

	dims := len(sample[0])
	dim := rng.Intn(dims)
	lo, hi := sample[0][dim], sample[0][dim]
	for _, v := range sample[1:] {
		if v[dim] < lo {
			lo = v[dim]
		}
		if v[dim] > hi {
			hi = v[dim]
		}
	}
	if lo == hi {
		tree.Nodes = append(tree.Nodes, treeNode{Leaf: true, Size: len(sample)})
		return idx
	}
	split := lo + rng.Float32()*(hi-lo)

	left := make([][]float32, 0, len(sample))
	right := make([][]float32, 0, len(sample))
	for _, v := range sample {
		if v[dim] < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}

	tree.Nodes = append(tree.Nodes, treeNode{SplitDim: dim, SplitValue: split})
	l := buildNode(tree, left, depth+1, maxDepth, rng)
	r := buildNode(tree, right, depth+1, maxDepth, rng)
	tree.Nodes[idx].Left = l
	tree.Nodes[idx].Right = r
	return idx
}

// pathLength walks the tree for one vector and returns the traversal
// depth adjusted for unresolved leaf populations.
func (t *isolationTree) pathLength(v []float32) float64 {
	depth := 0.0
	idx := int32(0)
	for {
		node := &t.Nodes[idx]
		if node.Leaf {
			return depth + averagePathLength(node.Size)
		}
		if v[node.SplitDim] < node.SplitValue {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n items.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

// rawScore is the canonical isolation forest anomaly score in (0,1).
func (f *Forest) rawScore(v []float32) float64 {
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].pathLength(v)
	}
	avg := sum / float64(len(f.Trees))
	c := averagePathLength(f.Subsample)
	if c == 0 {
		return 0
	}
	return math.Pow(2, -avg/c)
}

// Score maps a vector to the calibrated [0,1] outlier scale: the
// training median scores 0.2, the 95th percentile 0.7 and the 99th
// percentile 0.95, with linear interpolation between anchors.
func (f *Forest) Score(v []float32) (float64, error) {
	if len(v) != f.Dims {
		return 0, fmt.Errorf("vector has %d dims, baseline expects %d", len(v), f.Dims)
	}
	return f.calibrate(f.rawScore(v)), nil
}

func (f *Forest) calibrate(raw float64) float64 {
	switch {
	case raw <= f.AnchorP50:
		if f.AnchorP50 == 0 {
			return 0
		}
		return lerp(raw, 0, f.AnchorP50, 0, 0.2)
	case raw <= f.AnchorP95:
		return lerp(raw, f.AnchorP50, f.AnchorP95, 0.2, 0.7)
	case raw <= f.AnchorP99:
		return lerp(raw, f.AnchorP95, f.AnchorP99, 0.7, 0.95)
	default:
		// Beyond the p99 anchor the curve continues at the same slope
		// and saturates at 1.0.
		span := f.AnchorP99 - f.AnchorP95
		if span <= 0 {
			return 1.0
		}
		v := 0.95 + (raw-f.AnchorP99)/span*0.25
		return math.Min(v, 1.0)
	}
}

func lerp(x, x0, x1, y0, y1 float64) float64 {
	if x1 == x0 {
		return y0
	}
	return y0 + (x-x0)*(y1-y0)/(x1-x0)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Save writes the fitted forest as a JSON snapshot.
func (f *Forest) Save(path string) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode baseline: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write baseline: %w", err)
	}
	return nil
}

// Load reads a JSON snapshot produced by Save.
func Load(path string) (*Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}
	var f Forest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode baseline: %w", err)
	}
	if len(f.Trees) == 0 || f.Dims <= 0 {
		return nil, fmt.Errorf("baseline snapshot is empty or malformed")
	}
	return &f, nil
}
