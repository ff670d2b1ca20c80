package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sgerhart/threatflux/internal/anomaly"
	"github.com/sgerhart/threatflux/internal/signatures"
	"github.com/sgerhart/threatflux/internal/store"
	"github.com/sgerhart/threatflux/internal/textclf"
	"github.com/sgerhart/threatflux/internal/verdict"
	"github.com/sgerhart/threatflux/internal/window"
)

// Readiness is the queryable state of the service's dependencies and models
type Readiness struct {
	Ready            bool     `json:"ready"`
	Store            string   `json:"store"`
	AnomalyModel     bool     `json:"anomaly_model"`
	AnomalyFailOpen  bool     `json:"anomaly_fail_open"`
	TextModel        bool     `json:"text_model"`
	TextRequireModel bool     `json:"text_require_model"`
	Detectors        []string `json:"detectors"`
}

// Readiness reports whether the service can evaluate events. A missing anomaly model is
// tolerated when the scorer fails open; a missing text model unless it is required.
func (s *Service) Readiness(ctx context.Context) Readiness {
	r := Readiness{
		Store:            "ok",
		AnomalyModel:     s.scorer.Ready(),
		AnomalyFailOpen:  s.scorer.FailOpen(),
		TextModel:        s.classifier.Ready(),
		TextRequireModel: s.requireTxt,
		Detectors:        s.aggregator.Detectors(),
	}
	storeOK := true
	if err := s.store.Health(ctx); err != nil {
		r.Store = err.Error()
		storeOK = false
	}
	r.Ready = storeOK &&
		(r.AnomalyModel || r.AnomalyFailOpen) &&
		(r.TextModel || !r.TextRequireModel)
	return r
}

// DetectorDeps are the collaborators of the built-in detectors
type DetectorDeps struct {
	Matcher           *signatures.Matcher
	Events            store.EventStore
	Scorer            *anomaly.Scorer
	Classifier        *textclf.Classifier
	TextRequireModel  bool
	AnomalyWindow     time.Duration
	AnomalyBatchLimit int
}

// NewAggregator builds the built-in detectors and arranges them in order
func NewAggregator(order []string, deps DetectorDeps, observer verdict.Observer, logger *slog.Logger) (*verdict.Aggregator, error) {
	counter := window.NewCounter(deps.Events, deps.Matcher.Set().BruteForce)
	available := []verdict.Detector{
		verdict.NewSuspiciousIPDetector(deps.Matcher),
		verdict.NewMalwareSignatureDetector(deps.Matcher),
		verdict.NewBruteForceDetector(deps.Matcher, counter),
		verdict.NewSensitiveLeakDetector(deps.Matcher),
		verdict.NewUnusualResponseDetector(deps.Matcher),
		verdict.NewAttachmentDetector(deps.Matcher),
		verdict.NewTextDetector(deps.Classifier, deps.TextRequireModel),
		verdict.NewAnomalyDetector(deps.Scorer, deps.Events, deps.AnomalyWindow, deps.AnomalyBatchLimit),
	}
	detectors, err := verdict.Order(order, available)
	if err != nil {
		return nil, err
	}
	agg := verdict.NewAggregator(detectors, observer, logger)
	logger.Info("Detectors configured", "order", agg.Detectors())
	return agg, nil
}
