package verdict

import (
	"context"
	"fmt"
	"strings"

	"github.com/sgerhart/threatflux/internal/model"
)

// Detector names
const (
	DetectorSuspiciousIP      = "suspicious_ip"
	DetectorMalwareSignature  = "malware_signature"
	DetectorBruteForce        = "brute_force"
	DetectorSensitiveDataLeak = "sensitive_data_leak"
	DetectorUnusualResponse   = "unusual_response"
	DetectorMalwareAttachment = "malware_attachment"
	DetectorTextClassifier    = "text_classifier"
	DetectorAnomaly           = "anomaly"
)

// DefaultOrder is the evaluation order used when none is configured. Finding order, and
// therefore the first-confidence rule, follows this list.
var DefaultOrder = []string{
	DetectorSuspiciousIP,
	DetectorMalwareSignature,
	DetectorBruteForce,
	DetectorSensitiveDataLeak,
	DetectorUnusualResponse,
	DetectorMalwareAttachment,
	DetectorTextClassifier,
	DetectorAnomaly,
}

// Detector evaluates one event. Detectors that do not apply to an event kind return no
// findings and no error. Detectors must not mutate the event.
type Detector interface {
	Name() string
	Detect(ctx context.Context, ev *model.Event) ([]model.Finding, error)
}

// Order arranges available detectors by name. Unknown or repeated names are an error.
func Order(names []string, available []Detector) ([]Detector, error) {
	byName := make(map[string]Detector, len(available))
	for _, d := range available {
		byName[d.Name()] = d
	}

	ordered := make([]Detector, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		d, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown detector %q", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("detector %q listed twice", name)
		}
		seen[name] = struct{}{}
		ordered = append(ordered, d)
	}
	if len(ordered) == 0 {
		return nil, fmt.Errorf("no detectors configured")
	}
	return ordered, nil
}
