package verdict

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgerhart/threatflux/internal/model"
)

// Verdict is the merged outcome of all detectors for one event
type Verdict struct {
	Findings   []model.Finding `json:"findings"`
	ThreatType string          `json:"threat_type"`
	Confidence float64         `json:"confidence_score"`
	Severity   string          `json:"severity"`
	SourceType string          `json:"source_type"`
}

// Has reports whether any finding carries the given identifier
func (v *Verdict) Has(id string) bool {
	for _, f := range v.Findings {
		if f.ID == id {
			return true
		}
	}
	return false
}

// Details preserves every finding for the persisted threat record
func (v *Verdict) Details() map[string]interface{} {
	detectors := make([]string, 0, len(v.Findings))
	for _, f := range v.Findings {
		detectors = append(detectors, f.Detector)
	}
	return map[string]interface{}{
		"findings":  v.Findings,
		"detectors": detectors,
	}
}

// Observer receives per-detector timings
type Observer interface {
	ObserveDetector(name string, elapsed time.Duration, findings int, err error)
}

// Aggregator runs detectors concurrently and merges their findings in detector order
type Aggregator struct {
	detectors []Detector
	observer  Observer
	logger    *slog.Logger
}

// NewAggregator creates an aggregator over ordered detectors. observer may be nil.
func NewAggregator(detectors []Detector, observer Observer, logger *slog.Logger) *Aggregator {
	return &Aggregator{detectors: detectors, observer: observer, logger: logger}
}

// Detectors returns the detector names in evaluation order
func (a *Aggregator) Detectors() []string {
	names := make([]string, len(a.detectors))
	for i, d := range a.detectors {
		names[i] = d.Name()
	}
	return names
}

// Aggregate evaluates ev with every detector. It returns nil when nothing fired. Any
// detector error fails the whole evaluation.
func (a *Aggregator) Aggregate(ctx context.Context, ev *model.Event) (*Verdict, error) {
	results := make([][]model.Finding, len(a.detectors))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range a.detectors {
		g.Go(func() error {
			start := time.Now()
			findings, err := d.Detect(gctx, ev)
			if a.observer != nil {
				a.observer.ObserveDetector(d.Name(), time.Since(start), len(findings), err)
			}
			if err != nil {
				return fmt.Errorf("detector %s: %w", d.Name(), err)
			}
			results[i] = findings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var findings []model.Finding
	for _, r := range results {
		findings = append(findings, r...)
	}
	if len(findings) == 0 {
		a.logger.Debug("Event benign", "event_id", ev.ID, "kind", ev.Kind)
		return nil, nil
	}

	return Merge(ev, findings), nil
}

// Merge builds a verdict from ordered findings: identifiers are joined, the first
// reported confidence wins and severity is derived from both
func Merge(ev *model.Event, findings []model.Finding) *Verdict {
	ids := make([]string, len(findings))
	confidence := 0.0
	found := false
	for i, f := range findings {
		ids[i] = f.ID
		if !found && f.Confidence != nil {
			confidence = *f.Confidence
			found = true
		}
	}

	v := &Verdict{
		Findings:   findings,
		ThreatType: strings.Join(ids, ThreatTypeSeparator),
		Confidence: confidence,
	}
	v.Severity = Severity(v.ThreatType, v.Confidence)
	v.SourceType = sourceType(ev, v)
	return v
}

func sourceType(ev *model.Event, v *Verdict) string {
	switch ev.Kind {
	case model.KindNetwork:
		return model.SourceNetwork
	case model.KindSMS:
		return model.SourceSMS
	case model.KindEmail:
		if v.Has(FindingMalwareAttachment) {
			return model.SourceEmailAttachment
		}
		return model.SourceEmail
	}
	return string(ev.Kind)
}

// DetectionStatus is the post-detection status of an email or SMS event
func DetectionStatus(v *Verdict) string {
	if v == nil {
		return model.StatusClean
	}
	spam, attachment := v.Has(FindingSpam), v.Has(FindingMalwareAttachment)
	switch {
	case spam && attachment:
		return model.StatusSpamAndMaliciousAttachment
	case attachment:
		return model.StatusMaliciousAttachment
	case spam:
		return model.StatusSpam
	}
	return model.StatusClean
}
