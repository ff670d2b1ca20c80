package anomaly

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/sgerhart/threatflux/internal/artifact"
	"github.com/sgerhart/threatflux/internal/model"
)

const (
	artifactKind  = "anomaly"
	schemaVersion = 1
)

var (
	// ErrNotReady is returned when no model is loaded and the scorer is not failing open
	ErrNotReady = errors.New("anomaly model not ready")
	// ErrNoTrainingData is returned when training receives no network events
	ErrNoTrainingData = errors.New("no network events to train on")
)

// TrainConfig controls isolation forest training
type TrainConfig struct {
	NumTrees      int
	SampleSize    int
	Contamination float64
	Seed          int64
}

// DefaultTrainConfig mirrors the production settings
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		NumTrees:      100,
		SampleSize:    256,
		Contamination: 0.01,
		Seed:          42,
	}
}

// Model pairs the fitted encoder with the forest and its decision threshold
type Model struct {
	Encoder       *Encoder  `json:"encoder"`
	Forest        *Forest   `json:"forest"`
	Threshold     float64   `json:"threshold"`
	Contamination float64   `json:"contamination"`
	TrainedRows   int       `json:"trained_rows"`
	TrainedAt     time.Time `json:"trained_at"`
}

// Train fits the encoder and forest on events assumed to be mostly normal
func Train(events []*model.Event, cfg TrainConfig) (*Model, error) {
	var network []*model.Event
	for _, ev := range events {
		if ev.Network != nil {
			network = append(network, ev)
		}
	}
	if len(network) == 0 {
		return nil, ErrNoTrainingData
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 0.5 {
		return nil, fmt.Errorf("contamination must be in (0, 0.5), got %v", cfg.Contamination)
	}

	enc := FitEncoder(network)
	X := enc.TransformAll(network)

	forest := NewForest(cfg.NumTrees, cfg.SampleSize)
	forest.Fit(X, rand.New(rand.NewSource(cfg.Seed)))

	scores := make([]float64, len(X))
	for i, row := range X {
		scores[i] = forest.Score(row)
	}

	return &Model{
		Encoder:       enc,
		Forest:        forest,
		Threshold:     quantile(scores, 1-cfg.Contamination),
		Contamination: cfg.Contamination,
		TrainedRows:   len(X),
		TrainedAt:     time.Now().UTC(),
	}, nil
}

// Score returns the anomaly score of one event
func (m *Model) Score(ev *model.Event) float64 {
	return m.Forest.Score(m.Encoder.Transform(ev))
}

// IsOutlier reports whether ev scores above the contamination threshold
func (m *Model) IsOutlier(ev *model.Event) bool {
	return m.Score(ev) > m.Threshold
}

// Save persists the model and encoder as one versioned artifact
func (m *Model) Save(path string) error {
	return artifact.Save(path, artifact.Header{
		Kind:           artifactKind,
		SchemaVersion:  schemaVersion,
		FeatureVersion: FeatureVersion,
		Meta: map[string]string{
			"trained_rows":  strconv.Itoa(m.TrainedRows),
			"contamination": strconv.FormatFloat(m.Contamination, 'f', -1, 64),
		},
	}, m)
}

// Load reads a model artifact, refusing artifacts with another schema or feature layout
func Load(path string) (*Model, error) {
	var m Model
	if _, err := artifact.Load(path, artifact.Expect{
		Kind:           artifactKind,
		SchemaVersion:  schemaVersion,
		FeatureVersion: FeatureVersion,
	}, &m); err != nil {
		return nil, err
	}
	if m.Encoder == nil || m.Forest == nil {
		return nil, fmt.Errorf("%w: anomaly artifact missing encoder or forest", artifact.ErrMismatch)
	}
	return &m, nil
}

// quantile uses linear interpolation between closest ranks
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
