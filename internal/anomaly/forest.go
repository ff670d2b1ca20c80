package anomaly

import (
	"math"
	"math/rand"
)

// Forest is an isolation forest. It builds random trees up to a height limit and scores
// points by their average path length.
type Forest struct {
	Trees      []*iNode `json:"trees"`
	NumTrees   int      `json:"num_trees"`
	SampleSize int      `json:"sample_size"`
	HeightLim  int      `json:"height_limit"`
}

type iNode struct {
	Leaf     bool    `json:"leaf,omitempty"`
	Size     int     `json:"size,omitempty"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split_val,omitempty"`
	Left     *iNode  `json:"left,omitempty"`
	Right    *iNode  `json:"right,omitempty"`
}

// NewForest creates an untrained forest
func NewForest(numTrees, sampleSize int) *Forest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if sampleSize <= 0 {
		sampleSize = 256
	}
	return &Forest{NumTrees: numTrees, SampleSize: sampleSize}
}

// Fit grows the trees on X using rng for sampling and splits
func (f *Forest) Fit(X [][]float64, rng *rand.Rand) {
	n := len(X)
	m := f.SampleSize
	if m > n {
		m = n
	}
	// the effective sample size drives both the height limit and score normalisation
	f.SampleSize = m
	f.HeightLim = int(math.Ceil(math.Log2(math.Max(float64(m), 2))))

	f.Trees = make([]*iNode, f.NumTrees)
	for i := 0; i < f.NumTrees; i++ {
		idxs := rng.Perm(n)
		sample := make([][]float64, m)
		for j := 0; j < m; j++ {
			sample[j] = X[idxs[j]]
		}
		f.Trees[i] = buildTree(sample, 0, f.HeightLim, rng)
	}
}

func buildTree(X [][]float64, h, hlim int, rng *rand.Rand) *iNode {
	if len(X) <= 1 || h >= hlim {
		return &iNode{Leaf: true, Size: len(X)}
	}

	// pick among dimensions that still vary so constant columns never end a branch early
	d := len(X[0])
	var splittable []int
	for dim := 0; dim < d; dim++ {
		minv, maxv := columnRange(X, dim)
		if minv < maxv {
			splittable = append(splittable, dim)
		}
	}
	if len(splittable) == 0 {
		return &iNode{Leaf: true, Size: len(X)}
	}

	dim := splittable[rng.Intn(len(splittable))]
	minv, maxv := columnRange(X, dim)
	split := minv + rng.Float64()*(maxv-minv)

	left := make([][]float64, 0, len(X))
	right := make([][]float64, 0, len(X))
	for _, row := range X {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &iNode{Leaf: true, Size: len(X)}
	}

	return &iNode{
		Dim:      dim,
		SplitVal: split,
		Left:     buildTree(left, h+1, hlim, rng),
		Right:    buildTree(right, h+1, hlim, rng),
	}
}

func columnRange(X [][]float64, dim int) (float64, float64) {
	minv, maxv := X[0][dim], X[0][dim]
	for i := 1; i < len(X); i++ {
		v := X[i][dim]
		if v < minv {
			minv = v
		}
		if v > maxv {
			maxv = v
		}
	}
	return minv, maxv
}

// cFactor is the average path length of an unsuccessful search in a binary search tree
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	return 2.0*(math.Log(float64(n-1))+0.5772156649) - 2.0*float64(n-1)/float64(n)
}

func pathLength(node *iNode, x []float64, h int) float64 {
	if node.Leaf {
		return float64(h) + cFactor(node.Size)
	}
	if node.Dim < len(x) && x[node.Dim] < node.SplitVal {
		return pathLength(node.Left, x, h+1)
	}
	return pathLength(node.Right, x, h+1)
}

// Score returns the anomaly score in [0,1]; higher means more anomalous
func (f *Forest) Score(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range f.Trees {
		sum += pathLength(t, x, 0)
	}
	eh := sum / float64(len(f.Trees))
	c := cFactor(f.SampleSize)
	if c <= 0 {
		c = 1
	}
	return math.Pow(2, -eh/c)
}
