package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/sgerhart/threatflux/internal/anomaly"
	"github.com/sgerhart/threatflux/internal/textclf"
)

const (
	modelAnomaly = "anomaly"
	modelText    = "text"
)

// TrainingOptions bounds training data and names the artifact files
type TrainingOptions struct {
	AnomalyModelPath string
	TextModelPath    string
	// AnomalyLimit and AnomalyWindow bound the stored network events used for training
	AnomalyLimit  int
	AnomalyWindow time.Duration
	Anomaly       anomaly.TrainConfig
	Text          textclf.TrainConfig
}

func (o TrainingOptions) withDefaults() TrainingOptions {
	if o.AnomalyLimit <= 0 {
		o.AnomalyLimit = 5000
	}
	if o.AnomalyWindow <= 0 {
		o.AnomalyWindow = 7 * 24 * time.Hour
	}
	if o.Anomaly.NumTrees == 0 {
		o.Anomaly = anomaly.DefaultTrainConfig()
	}
	if o.Text.Forest.NumTrees == 0 {
		o.Text = textclf.DefaultTrainConfig()
	}
	return o
}

// trainers serialises training per model
type trainers struct {
	anomaly sync.Mutex
	text    sync.Mutex
}

// AnomalyTrainResult describes a finished anomaly training run
type AnomalyTrainResult struct {
	Rows      int       `json:"rows"`
	Threshold float64   `json:"threshold"`
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
	TrainedAt time.Time `json:"trained_at"`
	Path      string    `json:"path,omitempty"`
}

// TextTrainResult describes a finished text classifier training run
type TextTrainResult struct {
	Metrics    textclf.Metrics `json:"metrics"`
	Vocabulary int             `json:"vocabulary"`
	TrainedAt  time.Time       `json:"trained_at"`
	Path       string          `json:"path,omitempty"`
}

// TrainAnomaly fits the anomaly model on the most recent stored network events, persists
// it and swaps it in. Only one anomaly training run executes at a time.
func (s *Service) TrainAnomaly(ctx context.Context) (*AnomalyTrainResult, error) {
	s.trainers.anomaly.Lock()
	defer s.trainers.anomaly.Unlock()

	until := s.now().UTC()
	since := until.Add(-s.training.AnomalyWindow)
	events, err := s.store.NetworkEvents(ctx, since, until, s.training.AnomalyLimit)
	if err != nil {
		s.metrics.RecordTraining(modelAnomaly, err)
		return nil, fmt.Errorf("failed to load training events: %w", err)
	}

	m, err := anomaly.Train(events, s.training.Anomaly)
	if err != nil {
		s.metrics.RecordTraining(modelAnomaly, err)
		return nil, err
	}
	if path := s.training.AnomalyModelPath; path != "" {
		if err := saveArtifact(path, m.Save); err != nil {
			s.metrics.RecordTraining(modelAnomaly, err)
			return nil, err
		}
	}
	s.scorer.SetModel(m)
	s.metrics.RecordTraining(modelAnomaly, nil)

	s.logger.Info("Anomaly model trained",
		"rows", m.TrainedRows,
		"threshold", m.Threshold,
		"path", s.training.AnomalyModelPath)

	return &AnomalyTrainResult{
		Rows:      m.TrainedRows,
		Threshold: m.Threshold,
		Since:     since,
		Until:     until,
		TrainedAt: m.TrainedAt,
		Path:      s.training.AnomalyModelPath,
	}, nil
}

// TrainText fits the text classifier on labeled samples, persists it and swaps it in.
// Only one text training run executes at a time.
func (s *Service) TrainText(ctx context.Context, samples []textclf.Sample) (*TextTrainResult, error) {
	s.trainers.text.Lock()
	defer s.trainers.text.Unlock()

	m, err := textclf.Train(ctx, samples, s.lexicon, s.training.Text)
	if err != nil {
		s.metrics.RecordTraining(modelText, err)
		return nil, err
	}
	if path := s.training.TextModelPath; path != "" {
		if err := saveArtifact(path, m.Save); err != nil {
			s.metrics.RecordTraining(modelText, err)
			return nil, err
		}
	}
	s.classifier.SetModel(m)
	s.metrics.RecordTraining(modelText, nil)

	s.logger.Info("Text classifier trained",
		"train_rows", m.Metrics.TrainRows,
		"test_rows", m.Metrics.TestRows,
		"accuracy", m.Metrics.Accuracy,
		"f1", m.Metrics.F1,
		"path", s.training.TextModelPath)

	return &TextTrainResult{
		Metrics:    m.Metrics,
		Vocabulary: m.Vectorizer.Width(),
		TrainedAt:  m.TrainedAt,
		Path:       s.training.TextModelPath,
	}, nil
}

// TrainTextCSV trains the text classifier from a CSV dataset
func (s *Service) TrainTextCSV(ctx context.Context, r io.Reader) (*TextTrainResult, error) {
	samples, err := textclf.ReadCSV(r)
	if err != nil {
		return nil, err
	}
	return s.TrainText(ctx, samples)
}

// LoadModels loads persisted artifacts. Missing files leave the model untrained; an
// artifact written for another model or feature layout is an error. When the text model
// is missing and dataset is set, the classifier is trained from that CSV file.
func (s *Service) LoadModels(ctx context.Context, dataset string) error {
	if path := s.training.AnomalyModelPath; path != "" {
		m, err := anomaly.Load(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			s.logger.Warn("No anomaly model found", "path", path, "fail_open", s.scorer.FailOpen())
		case err != nil:
			return fmt.Errorf("failed to load anomaly model: %w", err)
		default:
			s.scorer.SetModel(m)
			s.logger.Info("Anomaly model loaded", "path", path, "rows", m.TrainedRows)
		}
	}

	if path := s.training.TextModelPath; path != "" {
		m, err := textclf.Load(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			s.logger.Warn("No text model found", "path", path)
		case err != nil:
			return fmt.Errorf("failed to load text model: %w", err)
		default:
			s.classifier.SetModel(m)
			s.logger.Info("Text model loaded", "path", path, "f1", m.Metrics.F1)
		}
	}

	if !s.classifier.Ready() && dataset != "" {
		f, err := os.Open(dataset)
		if err != nil {
			return fmt.Errorf("failed to open text dataset: %w", err)
		}
		defer f.Close()
		if _, err := s.TrainTextCSV(ctx, f); err != nil {
			return fmt.Errorf("failed to train text model from %s: %w", dataset, err)
		}
	}

	s.metrics.SetModelReady(modelAnomaly, s.scorer.Ready())
	s.metrics.SetModelReady(modelText, s.classifier.Ready())
	return nil
}

// IsNotReady reports whether err is a model precondition failure
func IsNotReady(err error) bool {
	return errors.Is(err, textclf.ErrNotReady) || errors.Is(err, anomaly.ErrNotReady)
}

func saveArtifact(path string, save func(string) error) error {
	if err := save(path); err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	return nil
}
