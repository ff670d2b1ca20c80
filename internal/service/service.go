package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/threatflux/internal/anomaly"
	"github.com/sgerhart/threatflux/internal/forward"
	"github.com/sgerhart/threatflux/internal/metrics"
	"github.com/sgerhart/threatflux/internal/model"
	"github.com/sgerhart/threatflux/internal/signatures"
	"github.com/sgerhart/threatflux/internal/store"
	"github.com/sgerhart/threatflux/internal/textclf"
	"github.com/sgerhart/threatflux/internal/validate"
	"github.com/sgerhart/threatflux/internal/verdict"
)

const (
	snippetLength     = 200
	defaultQueryLimit = 10
	maxQueryLimit     = 1000
)

// Result is the outcome of ingesting one raw event
type Result struct {
	Event        *model.Event          `json:"event"`
	Threat       *model.DetectedThreat `json:"threat,omitempty"`
	ForwardError string                `json:"forward_error,omitempty"`
}

// Options wires the service to its collaborators
type Options struct {
	Store      store.Store
	Validator  *validate.SchemaValidator
	Aggregator *verdict.Aggregator
	Scorer     *anomaly.Scorer
	Classifier *textclf.Classifier
	Lexicon    textclf.Lexicon
	// Forwarder may be nil when no collaborator is configured
	Forwarder forward.Forwarder
	Metrics   *metrics.Metrics
	Training  TrainingOptions
	// TextRequireModel makes readiness depend on a trained text classifier
	TextRequireModel bool
	Logger           *slog.Logger
}

// Service owns the detection pipeline and the trained model state
type Service struct {
	store      store.Store
	validator  *validate.SchemaValidator
	aggregator *verdict.Aggregator
	scorer     *anomaly.Scorer
	classifier *textclf.Classifier
	lexicon    textclf.Lexicon
	forwarder  forward.Forwarder
	metrics    *metrics.Metrics
	training   TrainingOptions
	requireTxt bool
	logger     *slog.Logger
	now        func() time.Time

	trainers trainers
}

// New creates the service
func New(opts Options) *Service {
	s := &Service{
		store:      opts.Store,
		validator:  opts.Validator,
		aggregator: opts.Aggregator,
		scorer:     opts.Scorer,
		classifier: opts.Classifier,
		lexicon:    opts.Lexicon,
		forwarder:  opts.Forwarder,
		metrics:    opts.Metrics,
		training:   opts.Training.withDefaults(),
		requireTxt: opts.TextRequireModel,
		logger:     opts.Logger,
		now:        time.Now,
	}
	s.metrics.SetModelReady(modelAnomaly, s.scorer.Ready())
	s.metrics.SetModelReady(modelText, s.classifier.Ready())
	return s
}

// Ingest validates a raw event, stores it, runs detection and stores and forwards the
// verdict if one fired. The event is written before the verdict; a verdict write failure
// leaves the event stored.
func (s *Service) Ingest(ctx context.Context, kind model.EventKind, data []byte) (*Result, error) {
	ev, err := s.validator.DecodeEvent(kind, data, s.now())
	if err != nil {
		s.metrics.IncrementEventsInvalid(string(kind))
		return nil, err
	}

	if err := s.store.SaveEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to store event: %w", err)
	}
	s.metrics.IncrementEvents(string(kind))

	v, err := s.aggregator.Aggregate(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate event %s: %w", ev.ID, err)
	}
	result := &Result{Event: ev}
	if v == nil {
		return result, nil
	}

	if ev.Kind == model.KindEmail || ev.Kind == model.KindSMS {
		if status := verdict.DetectionStatus(v); status != ev.DetectionStatus {
			if err := s.store.UpdateDetectionStatus(ctx, ev.ID, status); err != nil {
				return nil, fmt.Errorf("failed to update detection status: %w", err)
			}
			ev.DetectionStatus = status
		}
	}

	threat := s.threatFromVerdict(ev, v)
	if err := s.store.SaveThreat(ctx, threat); err != nil {
		return nil, fmt.Errorf("failed to store threat: %w", err)
	}
	s.metrics.IncrementThreats(threat.SourceType, threat.Severity)
	result.Threat = threat

	s.logger.Info("Threat detected",
		"detection_id", threat.DetectionID,
		"event_id", ev.ID,
		"source_type", threat.SourceType,
		"threat_type", threat.ThreatType,
		"severity", threat.Severity,
		"confidence", threat.ConfidenceScore)

	if err := s.forward(ctx, threat); err != nil {
		result.ForwardError = err.Error()
	}
	return result, nil
}

// IngestThreat stores a verdict produced by an external detector without running detection
func (s *Service) IngestThreat(ctx context.Context, data []byte) (*model.DetectedThreat, error) {
	p, err := s.validator.DecodeThreat(data)
	if err != nil {
		s.metrics.IncrementEventsInvalid(validate.PayloadThreat)
		return nil, err
	}

	now := s.now().UTC()
	threat := &model.DetectedThreat{
		DetectionID:      p.DetectionID,
		CreatedAt:        now,
		Timestamp:        now,
		SourceType:       p.SourceType,
		SourceIdentifier: p.SourceIdentifier(),
		ThreatType:       p.DetectionType,
		Snippet:          signatures.Snippet(p.Snippet(), snippetLength),
		Status:           model.ThreatStatusNew,
		Details:          threatDetails(p),
	}
	if threat.DetectionID == "" {
		threat.DetectionID = uuid.New().String()
	}
	if p.Timestamp != nil {
		threat.Timestamp = p.Timestamp.UTC()
	}
	if p.ConfidenceScore != nil {
		threat.ConfidenceScore = *p.ConfidenceScore
	}
	threat.Severity = verdict.Severity(threat.ThreatType, threat.ConfidenceScore)

	if err := s.store.SaveThreat(ctx, threat); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.metrics.IncrementDuplicateThreats()
			return nil, err
		}
		return nil, fmt.Errorf("failed to store threat: %w", err)
	}
	s.metrics.IncrementThreats(threat.SourceType, threat.Severity)

	s.logger.Info("Pre-classified threat stored",
		"detection_id", threat.DetectionID,
		"source_type", threat.SourceType,
		"threat_type", threat.ThreatType,
		"severity", threat.Severity)
	return threat, nil
}

// RecentThreats returns stored threats newest first
func (s *Service) RecentThreats(ctx context.Context, limit int) ([]*model.DetectedThreat, error) {
	return s.store.RecentThreats(ctx, clampLimit(limit))
}

// Counts returns the dashboard aggregates
func (s *Service) Counts(ctx context.Context) (model.ThreatCounts, error) {
	return s.store.Counts(ctx)
}

// Logs returns raw events of kind newest first
func (s *Service) Logs(ctx context.Context, kind model.EventKind, limit int) ([]*model.Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown event kind %q", validate.ErrInvalidPayload, kind)
	}
	return s.store.RecentEvents(ctx, kind, clampLimit(limit))
}

// Classify runs the text classifier on one text
func (s *Service) Classify(text string) (textclf.Prediction, error) {
	return s.classifier.Predict(text)
}

func (s *Service) threatFromVerdict(ev *model.Event, v *verdict.Verdict) *model.DetectedThreat {
	details := v.Details()
	details["event_kind"] = string(ev.Kind)
	if ev.Email != nil && len(ev.Email.Attachments) > 0 {
		details["attachments"] = ev.Email.Attachments
	}

	return &model.DetectedThreat{
		DetectionID:      uuid.New().String(),
		CreatedAt:        s.now().UTC(),
		Timestamp:        ev.Timestamp,
		SourceType:       v.SourceType,
		SourceIdentifier: ev.SourceIdentifier(),
		EventID:          ev.ID,
		ThreatType:       v.ThreatType,
		Severity:         v.Severity,
		ConfidenceScore:  v.Confidence,
		Snippet:          signatures.Snippet(snippetText(ev), snippetLength),
		Status:           model.ThreatStatusNew,
		Details:          details,
	}
}

func (s *Service) forward(ctx context.Context, threat *model.DetectedThreat) error {
	if s.forwarder == nil {
		return nil
	}
	err := s.forwarder.Forward(ctx, threat)
	if err != nil {
		s.logger.Warn("Failed to forward threat", "detection_id", threat.DetectionID, "error", err)
	}
	return err
}

// snippetText is the text a threat record quotes
func snippetText(ev *model.Event) string {
	if ev.Email != nil && ev.Email.Subject != "" {
		return ev.Email.Subject + "\n" + ev.Content
	}
	return ev.Content
}

func threatDetails(p *validate.ThreatPayload) map[string]interface{} {
	details := make(map[string]interface{}, len(p.Details)+2)
	for k, v := range p.Details {
		details[k] = v
	}
	details["detection_type"] = p.DetectionType
	if fields := p.SourceFields(); len(fields) > 0 {
		details["source"] = fields
	}
	return details
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultQueryLimit
	case limit > maxQueryLimit:
		return maxQueryLimit
	}
	return limit
}
