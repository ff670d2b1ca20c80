package textclf

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[a-z]{2,}|\d+|[£$€]`)

// VectorizerConfig controls the lexical block
type VectorizerConfig struct {
	MaxFeatures int     `json:"max_features"`
	MinDF       int     `json:"min_df"`
	MaxDF       float64 `json:"max_df"`
	MinNGram    int     `json:"min_ngram"`
	MaxNGram    int     `json:"max_ngram"`
}

// DefaultVectorizerConfig returns the production lexical settings
func DefaultVectorizerConfig() VectorizerConfig {
	return VectorizerConfig{
		MaxFeatures: 3000,
		MinDF:       2,
		MaxDF:       0.95,
		MinNGram:    1,
		MaxNGram:    3,
	}
}

// Vectorizer is a TF-IDF encoder with smoothed idf and l2-normalised rows
type Vectorizer struct {
	Config     VectorizerConfig `json:"config"`
	Vocabulary map[string]int   `json:"vocabulary"`
	IDF        []float64        `json:"idf"`
}

// Analyze cleans text and returns its stop-word-filtered n-grams
func (c VectorizerConfig) Analyze(text string) []string {
	var tokens []string
	for _, tok := range tokenPattern.FindAllString(Clean(text), -1) {
		if _, stop := stopWords[tok]; !stop {
			tokens = append(tokens, tok)
		}
	}

	minN, maxN := c.MinNGram, c.MaxNGram
	if minN < 1 {
		minN = 1
	}
	if maxN < minN {
		maxN = minN
	}

	grams := make([]string, 0, len(tokens)*(maxN-minN+1))
	for n := minN; n <= maxN; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			grams = append(grams, strings.Join(tokens[i:i+n], " "))
		}
	}
	return grams
}

// FitVectorizer learns the vocabulary and idf weights from docs
func FitVectorizer(docs []string, cfg VectorizerConfig) *Vectorizer {
	df := make(map[string]int)
	tf := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]struct{})
		for _, g := range cfg.Analyze(doc) {
			tf[g]++
			if _, ok := seen[g]; !ok {
				seen[g] = struct{}{}
				df[g]++
			}
		}
	}

	n := len(docs)
	maxDocs := int(math.Floor(cfg.MaxDF * float64(n)))
	terms := make([]string, 0, len(df))
	for term, count := range df {
		if count < cfg.MinDF || count > maxDocs {
			continue
		}
		terms = append(terms, term)
	}

	// keep the most frequent terms across the corpus
	if cfg.MaxFeatures > 0 && len(terms) > cfg.MaxFeatures {
		sort.Slice(terms, func(i, j int) bool {
			if tf[terms[i]] != tf[terms[j]] {
				return tf[terms[i]] > tf[terms[j]]
			}
			return terms[i] < terms[j]
		})
		terms = terms[:cfg.MaxFeatures]
	}
	sort.Strings(terms)

	v := &Vectorizer{
		Config:     cfg,
		Vocabulary: make(map[string]int, len(terms)),
		IDF:        make([]float64, len(terms)),
	}
	for i, term := range terms {
		v.Vocabulary[term] = i
		v.IDF[i] = math.Log(float64(1+n)/float64(1+df[term])) + 1
	}
	return v
}

// Width is the number of lexical features
func (v *Vectorizer) Width() int {
	return len(v.IDF)
}

// Transform encodes one text into dst, which must have Width() entries
func (v *Vectorizer) Transform(text string, dst []float32) {
	counts := make(map[int]float64)
	for _, g := range v.Config.Analyze(text) {
		if i, ok := v.Vocabulary[g]; ok {
			counts[i]++
		}
	}

	norm := 0.0
	for i, c := range counts {
		w := c * v.IDF[i]
		counts[i] = w
		norm += w * w
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i, w := range counts {
		dst[i] = float32(w / norm)
	}
}
