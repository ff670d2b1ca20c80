package verdict

import (
	"strings"

	"github.com/sgerhart/threatflux/internal/model"
)

// ThreatTypeSeparator joins finding identifiers into a composite threat type
const ThreatTypeSeparator = "|"

var (
	criticalMarkers = []string{"phishing", "fraud", "brute_force_attack", "malware_signature", "malware_attachment"}
	mediumMarkers   = []string{"scam", "suspicious_ip", "potential_brute_force"}
)

// Severity derives the severity tier from a threat type and confidence. Unknown types
// fall into medium.
func Severity(threatType string, confidence float64) string {
	lower := strings.ToLower(threatType)
	switch {
	case containsAny(lower, criticalMarkers):
		if confidence >= 0.8 {
			return model.SeverityCritical
		}
		return model.SeverityHigh
	case containsAny(lower, mediumMarkers):
		if confidence >= 0.7 {
			return model.SeverityMedium
		}
		return model.SeverityLow
	case lower == "spam":
		return model.SeverityLow
	default:
		return model.SeverityMedium
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
