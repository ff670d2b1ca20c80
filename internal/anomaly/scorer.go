package anomaly

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/sgerhart/threatflux/internal/model"
)

// Prediction is the batch-level outcome of anomaly scoring
type Prediction struct {
	Anomalous bool    `json:"anomalous"`
	Evaluated bool    `json:"evaluated"`
	Rows      int     `json:"rows"`
	Outliers  int     `json:"outliers"`
	MaxScore  float64 `json:"max_score"`
	Threshold float64 `json:"threshold"`
	Reason    string  `json:"reason,omitempty"`
}

// Scorer serves predictions from the currently loaded model. The model is swapped
// atomically on retraining; inference never blocks on training.
//
// With FailOpen set, a missing model or empty batch predicts "no anomaly". Otherwise a
// missing model returns ErrNotReady.
type Scorer struct {
	model    atomic.Pointer[Model]
	failOpen bool
	logger   *slog.Logger
}

// NewScorer creates a scorer with no model loaded
func NewScorer(failOpen bool, logger *slog.Logger) *Scorer {
	return &Scorer{failOpen: failOpen, logger: logger}
}

// SetModel replaces the served model
func (s *Scorer) SetModel(m *Model) {
	s.model.Store(m)
}

// Model returns the served model, or nil
func (s *Scorer) Model() *Model {
	return s.model.Load()
}

// Ready reports whether a model is loaded
func (s *Scorer) Ready() bool {
	return s.model.Load() != nil
}

// FailOpen reports the configured fallback policy
func (s *Scorer) FailOpen() bool {
	return s.failOpen
}

// PredictIsAnomalous flags the batch if any row is an outlier
func (s *Scorer) PredictIsAnomalous(ctx context.Context, batch []*model.Event) (Prediction, error) {
	m := s.model.Load()
	if m == nil {
		if !s.failOpen {
			return Prediction{}, ErrNotReady
		}
		s.logger.Debug("Anomaly model not loaded, predicting no anomaly")
		return Prediction{Reason: "model_unavailable"}, nil
	}
	if len(batch) == 0 {
		return Prediction{Reason: "empty_batch", Threshold: m.Threshold}, nil
	}

	p := Prediction{Evaluated: true, Rows: len(batch), Threshold: m.Threshold}
	for _, ev := range batch {
		if err := ctx.Err(); err != nil {
			return Prediction{}, err
		}
		score := m.Score(ev)
		if score > p.MaxScore {
			p.MaxScore = score
		}
		if score > m.Threshold {
			p.Outliers++
		}
	}
	p.Anomalous = p.Outliers > 0
	return p, nil
}
