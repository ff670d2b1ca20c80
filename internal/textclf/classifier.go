package textclf

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sgerhart/threatflux/internal/artifact"
)

const (
	artifactKind  = "text_classifier"
	schemaVersion = 1
)

// FeatureVersion names the feature layout of Model. Bump it when the lexical analyzer
// or the structural feature list changes.
const FeatureVersion = "tfidf(words,1-3)+structural13/v1"

var (
	// ErrNotReady is returned by Predict before a model is trained or loaded
	ErrNotReady = errors.New("text classifier not ready")
	// ErrInsufficientData is returned when the dataset cannot support a train/test split
	ErrInsufficientData = errors.New("insufficient training data")
)

// TrainConfig controls text classifier training
type TrainConfig struct {
	Vectorizer   VectorizerConfig
	Forest       ForestConfig
	TestFraction float64
	Seed         int64
}

// DefaultTrainConfig returns the production training settings
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Vectorizer:   DefaultVectorizerConfig(),
		Forest:       DefaultForestConfig(),
		TestFraction: 0.2,
		Seed:         42,
	}
}

// Model pairs the fitted vectorizer and lexicon with the forest trained on them
type Model struct {
	Vectorizer *Vectorizer `json:"vectorizer"`
	Lexicon    Lexicon     `json:"lexicon"`
	Forest     *Forest     `json:"forest"`
	Metrics    Metrics     `json:"metrics"`
	TrainedAt  time.Time   `json:"trained_at"`
}

// Prediction is the classifier output for one text
type Prediction struct {
	Label           string  `json:"label"`
	Confidence      float64 `json:"confidence"`
	SpamProbability float64 `json:"spam_probability"`
}

// Train prepares samples, fits the vectorizer on the training split only, trains the
// forest and evaluates it on the held-out split
func Train(ctx context.Context, samples []Sample, lex Lexicon, cfg TrainConfig) (*Model, error) {
	prepared, err := Prepare(samples)
	if err != nil {
		return nil, err
	}

	y := make([]int, len(prepared))
	var spam, ham int
	for i, s := range prepared {
		if s.Label == LabelSpam {
			y[i] = 1
			spam++
		} else {
			ham++
		}
	}
	if spam < 2 || ham < 2 {
		return nil, fmt.Errorf("%w: need at least 2 spam and 2 ham samples, got %d spam and %d ham", ErrInsufficientData, spam, ham)
	}

	trainIdx, testIdx := StratifiedSplit(y, cfg.TestFraction, rand.New(rand.NewSource(cfg.Seed)))

	docs := make([]string, len(trainIdx))
	for i, idx := range trainIdx {
		docs[i] = prepared[idx].Text
	}

	m := &Model{
		Vectorizer: FitVectorizer(docs, cfg.Vectorizer),
		Lexicon:    lex,
	}

	X := make([][]float32, len(trainIdx))
	yTrain := make([]int, len(trainIdx))
	for i, idx := range trainIdx {
		X[i] = m.features(prepared[idx].Text)
		yTrain[i] = y[idx]
	}

	m.Forest, err = FitForest(ctx, X, yTrain, cfg.Forest)
	if err != nil {
		return nil, fmt.Errorf("failed to fit forest: %w", err)
	}

	truth := make([]int, len(testIdx))
	predicted := make([]int, len(testIdx))
	for i, idx := range testIdx {
		truth[i] = y[idx]
		if m.Predict(prepared[idx].Text).Label == LabelSpam {
			predicted[i] = 1
		}
	}
	m.Metrics = Evaluate(truth, predicted)
	m.Metrics.TrainRows = len(trainIdx)
	m.TrainedAt = time.Now().UTC()
	return m, nil
}

// features concatenates the lexical and structural blocks
func (m *Model) features(text string) []float32 {
	row := make([]float32, m.Vectorizer.Width()+len(StructuralNames))
	m.Vectorizer.Transform(text, row[:m.Vectorizer.Width()])
	copy(row[m.Vectorizer.Width():], m.Lexicon.Structural(text))
	return row
}

// Predict classifies one text. Ties go to ham.
func (m *Model) Predict(text string) Prediction {
	p := m.Forest.SpamProbability(m.features(text))
	if p > 0.5 {
		return Prediction{Label: LabelSpam, Confidence: p, SpamProbability: p}
	}
	return Prediction{Label: LabelHam, Confidence: 1 - p, SpamProbability: p}
}

// Save persists vectorizer, lexicon and forest as one versioned artifact
func (m *Model) Save(path string) error {
	return artifact.Save(path, artifact.Header{
		Kind:           artifactKind,
		SchemaVersion:  schemaVersion,
		FeatureVersion: FeatureVersion,
		Meta: map[string]string{
			"vocabulary_size": strconv.Itoa(m.Vectorizer.Width()),
			"trees":           strconv.Itoa(len(m.Forest.Trees)),
		},
	}, m)
}

// Load reads a text classifier artifact
func Load(path string) (*Model, error) {
	var m Model
	if _, err := artifact.Load(path, artifact.Expect{
		Kind:           artifactKind,
		SchemaVersion:  schemaVersion,
		FeatureVersion: FeatureVersion,
	}, &m); err != nil {
		return nil, err
	}
	if m.Vectorizer == nil || m.Forest == nil {
		return nil, fmt.Errorf("%w: text artifact missing vectorizer or forest", artifact.ErrMismatch)
	}
	return &m, nil
}

// Classifier serves predictions from the current model, swapped atomically on retraining
type Classifier struct {
	model atomic.Pointer[Model]
}

// NewClassifier creates a classifier with no model loaded
func NewClassifier() *Classifier {
	return &Classifier{}
}

// SetModel replaces the served model
func (c *Classifier) SetModel(m *Model) {
	c.model.Store(m)
}

// Model returns the served model, or nil
func (c *Classifier) Model() *Model {
	return c.model.Load()
}

// Ready reports whether a model is loaded
func (c *Classifier) Ready() bool {
	return c.model.Load() != nil
}

// Predict classifies text with the served model
func (c *Classifier) Predict(text string) (Prediction, error) {
	m := c.model.Load()
	if m == nil {
		return Prediction{}, ErrNotReady
	}
	return m.Predict(text), nil
}
