package textclf

import (
	"context"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ForestConfig controls random forest training
type ForestConfig struct {
	NumTrees        int   `json:"num_trees"`
	MaxDepth        int   `json:"max_depth"`
	MinSamplesSplit int   `json:"min_samples_split"`
	MinSamplesLeaf  int   `json:"min_samples_leaf"`
	Bootstrap       bool  `json:"bootstrap"`
	Seed            int64 `json:"seed"`
}

// DefaultForestConfig returns the production forest settings
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		NumTrees:        200,
		MaxDepth:        15,
		MinSamplesSplit: 5,
		MinSamplesLeaf:  2,
		Bootstrap:       true,
		Seed:            42,
	}
}

// Forest is a binary random forest over dense rows. Leaves store the weighted spam
// fraction; the forest probability is the mean over trees.
type Forest struct {
	Trees []Tree `json:"trees"`
}

// Tree is a flattened decision tree; node 0 is the root
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is a split when Left >= 0, otherwise a leaf holding P(spam)
type Node struct {
	Feature   int     `json:"f"`
	Threshold float32 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Prob      float32 `json:"p"`
}

// FitForest trains a forest on X with binary labels y (1 = spam). Class weights are
// balanced: each class weighs n / (2 * n_class). Trees are grown in parallel with seeds
// drawn up front so the result does not depend on scheduling.
func FitForest(ctx context.Context, X [][]float32, y []int, cfg ForestConfig) (*Forest, error) {
	n := len(X)
	var counts [2]int
	for _, label := range y {
		counts[label]++
	}
	var classWeight [2]float64
	for c := range classWeight {
		if counts[c] > 0 {
			classWeight[c] = float64(n) / (2 * float64(counts[c]))
		}
	}

	width := 0
	if n > 0 {
		width = len(X[0])
	}
	maxFeatures := int(math.Sqrt(float64(width)))
	if maxFeatures < 1 {
		maxFeatures = 1
	}

	master := rand.New(rand.NewSource(cfg.Seed))
	seeds := make([]int64, cfg.NumTrees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	forest := &Forest{Trees: make([]Tree, cfg.NumTrees)}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < cfg.NumTrees; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(seeds[i]))
			b := &treeBuilder{
				X:           X,
				y:           y,
				classWeight: classWeight,
				cfg:         cfg,
				maxFeatures: maxFeatures,
				width:       width,
				rng:         rng,
			}
			forest.Trees[i] = b.build(b.sample(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return forest, nil
}

// SpamProbability averages the leaf probabilities of all trees
func (f *Forest) SpamProbability(x []float32) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range f.Trees {
		sum += float64(t.leaf(x))
	}
	return sum / float64(len(f.Trees))
}

func (t Tree) leaf(x []float32) float32 {
	i := 0
	for {
		node := t.Nodes[i]
		if node.Left < 0 {
			return node.Prob
		}
		if node.Feature < len(x) && x[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
	}
}

type treeBuilder struct {
	X           [][]float32
	y           []int
	classWeight [2]float64
	cfg         ForestConfig
	maxFeatures int
	width       int
	rng         *rand.Rand
	nodes       []Node
}

func (b *treeBuilder) sample(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		if b.cfg.Bootstrap {
			idx[i] = b.rng.Intn(n)
		} else {
			idx[i] = i
		}
	}
	return idx
}

func (b *treeBuilder) build(idx []int) Tree {
	b.nodes = b.nodes[:0]
	b.grow(idx, 0)
	return Tree{Nodes: b.nodes}
}

func (b *treeBuilder) weights(idx []int) (float64, float64) {
	var w0, w1 float64
	for _, i := range idx {
		if b.y[i] == 1 {
			w1 += b.classWeight[1]
		} else {
			w0 += b.classWeight[0]
		}
	}
	return w0, w1
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	at := len(b.nodes)
	w0, w1 := b.weights(idx)
	prob := float32(0)
	if w0+w1 > 0 {
		prob = float32(w1 / (w0 + w1))
	}
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Prob: prob})

	if depth >= b.cfg.MaxDepth || len(idx) < b.cfg.MinSamplesSplit || w0 == 0 || w1 == 0 {
		return at
	}

	feature, threshold, ok := b.bestSplit(idx, w0, w1)
	if !ok {
		return at
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[at] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r, Prob: prob}
	return at
}

// bestSplit evaluates maxFeatures random features, continuing past that budget while
// none of the drawn features admits a valid split
func (b *treeBuilder) bestSplit(idx []int, w0, w1 float64) (int, float32, bool) {
	parent := gini(w0, w1)
	total := w0 + w1

	bestFeature, bestGain := -1, 0.0
	var bestThreshold float32

	order := make([]int, len(idx))
	tried := 0
	for _, f := range b.rng.Perm(b.width) {
		if tried >= b.maxFeatures && bestFeature >= 0 {
			break
		}
		tried++

		copy(order, idx)
		sort.SliceStable(order, func(i, j int) bool { return b.X[order[i]][f] < b.X[order[j]][f] })
		if b.X[order[0]][f] == b.X[order[len(order)-1]][f] {
			continue
		}

		var l0, l1 float64
		for k := 0; k < len(order)-1; k++ {
			if b.y[order[k]] == 1 {
				l1 += b.classWeight[1]
			} else {
				l0 += b.classWeight[0]
			}
			cur, next := b.X[order[k]][f], b.X[order[k+1]][f]
			if cur == next {
				continue
			}
			nLeft := k + 1
			if nLeft < b.cfg.MinSamplesLeaf || len(order)-nLeft < b.cfg.MinSamplesLeaf {
				continue
			}
			r0, r1 := w0-l0, w1-l1
			lw, rw := l0+l1, r0+r1
			gain := parent - (lw/total)*gini(l0, l1) - (rw/total)*gini(r0, r1)
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = cur + (next-cur)/2
				if bestThreshold >= next {
					bestThreshold = cur
				}
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func gini(w0, w1 float64) float64 {
	t := w0 + w1
	if t == 0 {
		return 0
	}
	p0, p1 := w0/t, w1/t
	return 1 - p0*p0 - p1*p1
}
