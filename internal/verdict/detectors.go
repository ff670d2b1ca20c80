package verdict

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sgerhart/threatflux/internal/anomaly"
	"github.com/sgerhart/threatflux/internal/model"
	"github.com/sgerhart/threatflux/internal/signatures"
	"github.com/sgerhart/threatflux/internal/store"
	"github.com/sgerhart/threatflux/internal/textclf"
	"github.com/sgerhart/threatflux/internal/window"
)

// Finding confidences
const (
	confidenceSuspiciousIP    = 0.8
	confidenceMalware         = 0.9
	confidenceBruteForce      = 0.95
	confidenceSensitiveLeak   = 0.85
	confidenceUnusualResponse = 0.6
	confidenceAttachment      = 0.95
	confidenceAnomaly         = 0.7
)

// Finding identifiers that are not derived from a signature
const (
	FindingBruteForce        = "brute_force_attack"
	FindingMalwareAttachment = "malware_attachment"
	FindingSpam              = "spam"
	FindingAnomaly           = "ml_anomaly"
)

// ScanText returns the text signature matchers search for an event. Network events
// combine the description with the rendered details.
func ScanText(ev *model.Event) string {
	switch {
	case ev.Network != nil:
		if len(ev.Details) == 0 {
			return ev.Content
		}
		details, err := json.Marshal(ev.Details)
		if err != nil {
			return ev.Content
		}
		return ev.Content + " " + string(details)
	case ev.Email != nil:
		return ev.Email.Subject + "\n" + ev.Content
	}
	return ev.Content
}

// SuspiciousIPDetector checks endpoints against the reputation list
type SuspiciousIPDetector struct {
	matcher *signatures.Matcher
}

// NewSuspiciousIPDetector creates the IP reputation detector
func NewSuspiciousIPDetector(m *signatures.Matcher) *SuspiciousIPDetector {
	return &SuspiciousIPDetector{matcher: m}
}

func (d *SuspiciousIPDetector) Name() string { return DetectorSuspiciousIP }

func (d *SuspiciousIPDetector) Detect(_ context.Context, ev *model.Event) ([]model.Finding, error) {
	var ids []string
	switch {
	case ev.Network != nil:
		ids = d.matcher.MatchSuspiciousEndpoints(ev.Network.SourceIP, ev.Network.DestinationIP)
	case ev.Email != nil:
		ids = d.matcher.MatchSuspiciousEndpoints(ev.Email.SourceIP, "")
	}

	findings := make([]model.Finding, 0, len(ids))
	for _, id := range ids {
		findings = append(findings, model.Finding{
			Detector:   DetectorSuspiciousIP,
			ID:         id,
			Confidence: model.Confidence(confidenceSuspiciousIP),
		})
	}
	return findings, nil
}

// MalwareSignatureDetector searches event text for malware strings
type MalwareSignatureDetector struct {
	matcher *signatures.Matcher
}

// NewMalwareSignatureDetector creates the malware string detector
func NewMalwareSignatureDetector(m *signatures.Matcher) *MalwareSignatureDetector {
	return &MalwareSignatureDetector{matcher: m}
}

func (d *MalwareSignatureDetector) Name() string { return DetectorMalwareSignature }

func (d *MalwareSignatureDetector) Detect(_ context.Context, ev *model.Event) ([]model.Finding, error) {
	id, ok := d.matcher.MatchMalware(ScanText(ev))
	if !ok {
		return nil, nil
	}
	return []model.Finding{{
		Detector:   DetectorMalwareSignature,
		ID:         id,
		Confidence: model.Confidence(confidenceMalware),
	}}, nil
}

// BruteForceDetector counts failed authentication attempts for the event's origin
type BruteForceDetector struct {
	matcher *signatures.Matcher
	counter *window.Counter
}

// NewBruteForceDetector creates the rate-window detector
func NewBruteForceDetector(m *signatures.Matcher, c *window.Counter) *BruteForceDetector {
	return &BruteForceDetector{matcher: m, counter: c}
}

func (d *BruteForceDetector) Name() string { return DetectorBruteForce }

func (d *BruteForceDetector) Detect(ctx context.Context, ev *model.Event) ([]model.Finding, error) {
	n := ev.Network
	if n == nil || !d.matcher.IsAuthFailure(n.Action, n.ResponseStatusCode) {
		return nil, nil
	}

	res, err := d.counter.Evaluate(ctx, d.counter.KeyFor(n.SourceIP, n.Username), ev.Timestamp)
	if err != nil {
		return nil, err
	}
	if !res.Fired {
		return nil, nil
	}
	return []model.Finding{{
		Detector:   DetectorBruteForce,
		ID:         FindingBruteForce,
		Confidence: model.Confidence(confidenceBruteForce),
		Evidence: map[string]interface{}{
			"failed_attempts_in_window": res.Count,
			"window_minutes":            int(res.Window / time.Minute),
			"threshold":                 res.Threshold,
			"username":                  res.Key.Username,
		},
	}}, nil
}

// SensitiveLeakDetector searches response bodies and content for credentials and keys
type SensitiveLeakDetector struct {
	matcher *signatures.Matcher
}

// NewSensitiveLeakDetector creates the sensitive data detector
func NewSensitiveLeakDetector(m *signatures.Matcher) *SensitiveLeakDetector {
	return &SensitiveLeakDetector{matcher: m}
}

func (d *SensitiveLeakDetector) Name() string { return DetectorSensitiveDataLeak }

func (d *SensitiveLeakDetector) Detect(_ context.Context, ev *model.Event) ([]model.Finding, error) {
	texts := []string{ScanText(ev)}
	if ev.Network != nil {
		texts = []string{ev.Network.ResponseBodySnippet, ScanText(ev)}
	}
	for _, text := range texts {
		if id, ok := d.matcher.MatchSensitiveLeak(text); ok {
			return []model.Finding{{
				Detector:   DetectorSensitiveDataLeak,
				ID:         "sensitive_data_leak_" + id,
				Confidence: model.Confidence(confidenceSensitiveLeak),
			}}, nil
		}
	}
	return nil, nil
}

// UnusualResponseDetector flags odd status codes and body sizes on network events
type UnusualResponseDetector struct {
	matcher *signatures.Matcher
}

// NewUnusualResponseDetector creates the response shape detector
func NewUnusualResponseDetector(m *signatures.Matcher) *UnusualResponseDetector {
	return &UnusualResponseDetector{matcher: m}
}

func (d *UnusualResponseDetector) Name() string { return DetectorUnusualResponse }

func (d *UnusualResponseDetector) Detect(_ context.Context, ev *model.Event) ([]model.Finding, error) {
	n := ev.Network
	if n == nil {
		return nil, nil
	}
	id, ok := d.matcher.MatchUnusualResponse(n.ResponseStatusCode, n.ResponseContentLength, n.Action)
	if !ok {
		return nil, nil
	}
	return []model.Finding{{
		Detector:   DetectorUnusualResponse,
		ID:         id,
		Confidence: model.Confidence(confidenceUnusualResponse),
	}}, nil
}

// AttachmentDetector scans email attachments for malware strings
type AttachmentDetector struct {
	matcher *signatures.Matcher
}

// NewAttachmentDetector creates the attachment scanner
func NewAttachmentDetector(m *signatures.Matcher) *AttachmentDetector {
	return &AttachmentDetector{matcher: m}
}

func (d *AttachmentDetector) Name() string { return DetectorMalwareAttachment }

func (d *AttachmentDetector) Detect(_ context.Context, ev *model.Event) ([]model.Finding, error) {
	if ev.Email == nil || len(ev.Email.Attachments) == 0 {
		return nil, nil
	}

	var malicious []signatures.AttachmentResult
	for _, att := range ev.Email.Attachments {
		res := d.matcher.ScanAttachment(att.Filename, att.Content)
		if res.Malicious() {
			malicious = append(malicious, res)
		}
	}
	if len(malicious) == 0 {
		return nil, nil
	}
	return []model.Finding{{
		Detector:   DetectorMalwareAttachment,
		ID:         FindingMalwareAttachment,
		Confidence: model.Confidence(confidenceAttachment),
		Evidence: map[string]interface{}{
			"attachments": malicious,
		},
	}}, nil
}

// TextDetector classifies email and SMS text as spam or ham
type TextDetector struct {
	classifier   *textclf.Classifier
	requireModel bool
}

// NewTextDetector creates the text classifier detector. Without a trained model it is
// skipped unless requireModel is set.
func NewTextDetector(c *textclf.Classifier, requireModel bool) *TextDetector {
	return &TextDetector{classifier: c, requireModel: requireModel}
}

func (d *TextDetector) Name() string { return DetectorTextClassifier }

func (d *TextDetector) Detect(_ context.Context, ev *model.Event) ([]model.Finding, error) {
	if ev.Email == nil && ev.SMS == nil {
		return nil, nil
	}

	pred, err := d.classifier.Predict(ScanText(ev))
	if errors.Is(err, textclf.ErrNotReady) && !d.requireModel {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if pred.Label != textclf.LabelSpam {
		return nil, nil
	}
	return []model.Finding{{
		Detector:   DetectorTextClassifier,
		ID:         FindingSpam,
		Confidence: model.Confidence(pred.Confidence),
		Evidence: map[string]interface{}{
			"label":            pred.Label,
			"spam_probability": pred.SpamProbability,
		},
	}}, nil
}

// AnomalyDetector scores the network traffic in the trailing window ending at the event
type AnomalyDetector struct {
	scorer *anomaly.Scorer
	events store.EventStore
	window time.Duration
	limit  int
}

// NewAnomalyDetector creates the batch anomaly detector
func NewAnomalyDetector(s *anomaly.Scorer, events store.EventStore, window time.Duration, limit int) *AnomalyDetector {
	return &AnomalyDetector{scorer: s, events: events, window: window, limit: limit}
}

func (d *AnomalyDetector) Name() string { return DetectorAnomaly }

func (d *AnomalyDetector) Detect(ctx context.Context, ev *model.Event) ([]model.Finding, error) {
	if ev.Network == nil {
		return nil, nil
	}

	batch, err := d.events.NetworkEvents(ctx, ev.Timestamp.Add(-d.window), ev.Timestamp, d.limit)
	if err != nil {
		return nil, err
	}
	pred, err := d.scorer.PredictIsAnomalous(ctx, batch)
	if err != nil {
		return nil, err
	}
	if !pred.Anomalous {
		return nil, nil
	}
	return []model.Finding{{
		Detector:   DetectorAnomaly,
		ID:         FindingAnomaly,
		Confidence: model.Confidence(confidenceAnomaly),
		Evidence: map[string]interface{}{
			"batch_rows": pred.Rows,
			"outliers":   pred.Outliers,
			"max_score":  pred.MaxScore,
			"threshold":  pred.Threshold,
		},
	}}, nil
}
