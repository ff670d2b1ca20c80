package signatures

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher evaluates events against a compiled, read-only signature set. All methods are
// pure and safe for concurrent use.
type Matcher struct {
	set       *Set
	malware   []string
	ips       map[string]struct{}
	sensitive []compiledPattern
	statuses  map[int]struct{}
	allow     map[string]struct{}
}

type compiledPattern struct {
	id string
	re *regexp.Regexp
}

// Compile validates the set and prepares it for matching
func Compile(set *Set) (*Matcher, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}

	m := &Matcher{
		set:      set,
		malware:  make([]string, 0, len(set.Malware)),
		ips:      make(map[string]struct{}, len(set.SuspiciousIPs)),
		statuses: make(map[int]struct{}, len(set.UnusualResponse.SuspiciousStatusCodes)),
		allow:    make(map[string]struct{}, len(set.UnusualResponse.SmallAllowList)),
	}

	for _, sig := range set.Malware {
		if sig = strings.TrimSpace(sig); sig != "" {
			m.malware = append(m.malware, sig)
		}
	}
	for _, ip := range set.SuspiciousIPs {
		m.ips[strings.TrimSpace(ip)] = struct{}{}
	}
	for _, p := range set.SensitivePatterns {
		re, err := regexp.Compile("(?i)" + p.Regex)
		if err != nil {
			return nil, &ValidationError{Field: "sensitive_patterns." + p.ID, Message: err.Error()}
		}
		m.sensitive = append(m.sensitive, compiledPattern{id: p.ID, re: re})
	}
	for _, code := range set.UnusualResponse.SuspiciousStatusCodes {
		m.statuses[code] = struct{}{}
	}
	for _, action := range set.UnusualResponse.SmallAllowList {
		m.allow[strings.ToUpper(action)] = struct{}{}
	}

	return m, nil
}

// Set returns the underlying signature configuration
func (m *Matcher) Set() *Set {
	return m.set
}

// MatchMalware returns the identifier of the first malware signature contained in text
func (m *Matcher) MatchMalware(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, sig := range m.malware {
		if strings.Contains(lower, strings.ToLower(sig)) {
			return MalwareSignatureID(sig), true
		}
	}
	return "", false
}

// MalwareSignatureID converts a raw signature into its threat identifier
func MalwareSignatureID(sig string) string {
	r := strings.NewReplacer(" ", "_", ".", "_")
	return "malware_signature_" + r.Replace(strings.ToLower(sig))
}

// MatchSuspiciousIP reports whether ip is on the reputation list
func (m *Matcher) MatchSuspiciousIP(ip string) (string, bool) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return "", false
	}
	if _, ok := m.ips[ip]; ok {
		return "listed_suspicious_ip", true
	}
	return "", false
}

// MatchSuspiciousEndpoints checks source and destination independently. Both may fire.
func (m *Matcher) MatchSuspiciousEndpoints(sourceIP, destinationIP string) []string {
	var ids []string
	if _, ok := m.MatchSuspiciousIP(sourceIP); ok {
		ids = append(ids, "suspicious_ip_source")
	}
	if _, ok := m.MatchSuspiciousIP(destinationIP); ok {
		ids = append(ids, "suspicious_ip_destination")
	}
	return ids
}

// MatchSensitiveLeak returns the first sensitive-data pattern found in text
func (m *Matcher) MatchSensitiveLeak(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, p := range m.sensitive {
		if p.re.MatchString(text) {
			return p.id, true
		}
	}
	return "", false
}

// IsAuthFailure reports whether action/status identify a failed authentication attempt
func (m *Matcher) IsAuthFailure(action string, status *int) bool {
	if action == "" {
		return false
	}
	for _, r := range m.set.BruteForce.Rules {
		if !strings.EqualFold(r.Action, action) {
			continue
		}
		if r.StatusCode == 0 {
			return true
		}
		if status != nil && *status == r.StatusCode {
			return true
		}
	}
	return false
}

// MatchUnusualResponse flags suspicious status codes and out-of-range body sizes. Status
// codes on failed authentication attempts belong to the brute-force counter.
func (m *Matcher) MatchUnusualResponse(status, contentLength *int, action string) (string, bool) {
	if status != nil && !m.IsAuthFailure(action, status) {
		if _, ok := m.statuses[*status]; ok {
			return fmt.Sprintf("unusual_response_status_%d", *status), true
		}
	}

	if contentLength == nil || *contentLength < 0 {
		return "", false
	}
	limits := m.set.UnusualResponse
	if limits.LargeBytes > 0 && *contentLength > limits.LargeBytes {
		return "unusual_response_large_body", true
	}
	if *contentLength < limits.SmallBytes {
		if _, ok := m.allow[strings.ToUpper(action)]; ok {
			return "", false
		}
		return "unusual_response_small_body", true
	}
	return "", false
}
