package model

import (
	"time"
)

// EventKind identifies the collaborator that produced a raw event
type EventKind string

const (
	KindNetwork EventKind = "network"
	KindEmail   EventKind = "email"
	KindSMS     EventKind = "sms"
)

// Valid reports whether k is a known event kind
func (k EventKind) Valid() bool {
	switch k {
	case KindNetwork, KindEmail, KindSMS:
		return true
	}
	return false
}

// Detection statuses carried on raw events
const (
	StatusClean                      = "clean"
	StatusSpam                       = "spam"
	StatusMaliciousAttachment        = "malicious_attachment"
	StatusSpamAndMaliciousAttachment = "spam_and_malicious_attachment"
)

// Event is an ingested raw fact. Exactly one of Network, Email or SMS is set, matching Kind.
type Event struct {
	ID              string                 `json:"id"`
	Kind            EventKind              `json:"kind"`
	Timestamp       time.Time              `json:"timestamp"`
	Content         string                 `json:"content"`
	DetectionStatus string                 `json:"detection_status"`
	Details         map[string]interface{} `json:"details,omitempty"`
	Network         *NetworkFields         `json:"network,omitempty"`
	Email           *EmailFields           `json:"email,omitempty"`
	SMS             *SMSFields             `json:"sms,omitempty"`
}

// NetworkFields holds IDS/web gateway metadata
type NetworkFields struct {
	SourceIP              string `json:"source_ip"`
	DestinationIP         string `json:"destination_ip,omitempty"`
	Port                  *int   `json:"port,omitempty"`
	Protocol              string `json:"protocol,omitempty"`
	LogSource             string `json:"log_source,omitempty"`
	Action                string `json:"action,omitempty"`
	Username              string `json:"username,omitempty"`
	ResponseStatusCode    *int   `json:"response_status_code,omitempty"`
	ResponseContentLength *int   `json:"response_content_length,omitempty"`
	ResponseBodySnippet   string `json:"response_body_snippet,omitempty"`
}

// EmailFields holds mail gateway metadata
type EmailFields struct {
	EmailID       string       `json:"email_id"`
	Sender        string       `json:"sender"`
	Recipients    []string     `json:"recipients,omitempty"`
	Subject       string       `json:"subject,omitempty"`
	SourceIP      string       `json:"source_ip,omitempty"`
	AttachmentURL string       `json:"attachment_url,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}

// Attachment is an email attachment; Content is not persisted
type Attachment struct {
	Filename string `json:"filename"`
	Content  []byte `json:"-"`
	SHA256   string `json:"sha256,omitempty"`
	Size     int    `json:"size"`
}

// SMSFields holds SMS gateway metadata
type SMSFields struct {
	SMSID           string `json:"sms_id"`
	SenderNumber    string `json:"sender_number"`
	RecipientNumber string `json:"recipient_number,omitempty"`
}

// SourceIdentifier returns the business identifier a verdict refers to
func (e *Event) SourceIdentifier() string {
	switch {
	case e.Network != nil:
		if e.Network.SourceIP != "" {
			return e.Network.SourceIP
		}
		return "unknown_ip"
	case e.Email != nil:
		return e.Email.Sender
	case e.SMS != nil:
		return e.SMS.SenderNumber
	}
	return ""
}

// Finding is one detector's positive result for one event
type Finding struct {
	Detector   string                 `json:"detector"`
	ID         string                 `json:"id"`
	Confidence *float64               `json:"confidence,omitempty"`
	Evidence   map[string]interface{} `json:"evidence,omitempty"`
}

// Confidence returns a pointer for Finding.Confidence
func Confidence(v float64) *float64 {
	return &v
}

// Severity tiers
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Threat workflow statuses; only ThreatStatusNew is produced by this service
const (
	ThreatStatusNew      = "new"
	ThreatStatusPending  = "pending"
	ThreatStatusResolved = "resolved"
)

// Source types recorded on threats
const (
	SourceNetwork         = "network_ids"
	SourceEmail           = "email"
	SourceEmailAttachment = "email_attachment"
	SourceSMS             = "sms"
)

// DetectedThreat is a persisted verdict
type DetectedThreat struct {
	DetectionID      string                 `json:"detection_id"`
	CreatedAt        time.Time              `json:"created_at"`
	Timestamp        time.Time              `json:"timestamp"`
	SourceType       string                 `json:"source_type"`
	SourceIdentifier string                 `json:"source_identifier"`
	EventID          string                 `json:"event_id,omitempty"`
	ThreatType       string                 `json:"threat_type"`
	Severity         string                 `json:"severity"`
	ConfidenceScore  float64                `json:"confidence_score"`
	Snippet          string                 `json:"snippet"`
	Status           string                 `json:"status"`
	Details          map[string]interface{} `json:"details"`
}

// ThreatCounts are dashboard aggregates
type ThreatCounts struct {
	TotalNetworkThreats  int `json:"total_network_threats"`
	SuspiciousIPAttempts int `json:"suspicious_ip_attempts"`
	BruteForceAttacks    int `json:"brute_force_attacks"`
	MalwareDetections    int `json:"malware_detections"`
	PendingThreats       int `json:"pending_threats"`
	TotalEmailThreats    int `json:"total_email_threats"`
	TotalSMSThreats      int `json:"total_sms_threats"`
	TotalEmailsReceived  int `json:"total_emails_received"`
	SpamEmailsDetected   int `json:"spam_emails_detected"`
	TotalSMSReceived     int `json:"total_sms_received"`
	SMSSpamDetected      int `json:"sms_spam_detected"`
}
