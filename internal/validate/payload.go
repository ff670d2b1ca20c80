package validate

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/threatflux/internal/model"
)

// NetworkPayload is the wire form of a raw network event
type NetworkPayload struct {
	LogSource             string                 `json:"log_source"`
	EventDescription      string                 `json:"event_description"`
	Timestamp             *time.Time             `json:"timestamp,omitempty"`
	SourceIP              string                 `json:"source_ip,omitempty"`
	DestinationIP         string                 `json:"destination_ip,omitempty"`
	Protocol              string                 `json:"protocol,omitempty"`
	Port                  *int                   `json:"port,omitempty"`
	Action                string                 `json:"action,omitempty"`
	Username              string                 `json:"username,omitempty"`
	ResponseStatusCode    *int                   `json:"response_status_code,omitempty"`
	ResponseContentLength *int                   `json:"response_content_length,omitempty"`
	ResponseBodySnippet   string                 `json:"response_body_snippet,omitempty"`
	Details               map[string]interface{} `json:"details,omitempty"`
}

// EmailPayload is the wire form of a raw email. Attachments carry base64 content.
type EmailPayload struct {
	EmailID       string                 `json:"email_id,omitempty"`
	Sender        string                 `json:"sender"`
	Recipients    []string               `json:"recipients,omitempty"`
	Recipient     string                 `json:"recipient,omitempty"`
	Subject       string                 `json:"subject,omitempty"`
	Body          string                 `json:"body,omitempty"`
	SourceIP      string                 `json:"source_ip,omitempty"`
	Timestamp     *time.Time             `json:"timestamp,omitempty"`
	AttachmentURL string                 `json:"attachment_url,omitempty"`
	Attachments   []AttachmentPayload    `json:"attachments,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// AttachmentPayload is one base64-encoded attachment
type AttachmentPayload struct {
	Filename      string `json:"filename"`
	ContentBase64 string `json:"content_base64"`
}

// SMSPayload is the wire form of a raw SMS
type SMSPayload struct {
	SMSID           string                 `json:"sms_id,omitempty"`
	SenderNumber    string                 `json:"sender_number"`
	RecipientNumber string                 `json:"recipient_number,omitempty"`
	MessageContent  string                 `json:"message_content"`
	Timestamp       *time.Time             `json:"timestamp,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

// ThreatPayload is a verdict produced by an external detector
type ThreatPayload struct {
	SourceType      string                 `json:"source_type"`
	DetectionID     string                 `json:"detection_id,omitempty"`
	Timestamp       *time.Time             `json:"timestamp,omitempty"`
	DetectionType   string                 `json:"detection_type"`
	ConfidenceScore *float64               `json:"confidence_score,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
	EmailID         string                 `json:"email_id,omitempty"`
	Sender          string                 `json:"sender,omitempty"`
	Subject         string                 `json:"subject,omitempty"`
	SMSID           string                 `json:"sms_id,omitempty"`
	SenderNumber    string                 `json:"sender_number,omitempty"`
	MessageContent  string                 `json:"message_content,omitempty"`
	EventType       string                 `json:"event_type,omitempty"`
	SourceIP        string                 `json:"source_ip,omitempty"`
	TargetIP        string                 `json:"target_ip,omitempty"`
	Port            interface{}            `json:"port,omitempty"`
	Protocol        string                 `json:"protocol,omitempty"`
	Username        string                 `json:"username,omitempty"`
}

// SourceIdentifier returns the business identifier of the threat's origin
func (p *ThreatPayload) SourceIdentifier() string {
	switch p.SourceType {
	case model.SourceSMS:
		return p.SenderNumber
	case model.SourceNetwork:
		return p.SourceIP
	}
	return p.Sender
}

// Snippet returns the free text the threat refers to
func (p *ThreatPayload) Snippet() string {
	switch p.SourceType {
	case model.SourceSMS:
		return p.MessageContent
	case model.SourceNetwork:
		return p.EventType
	}
	return p.Subject
}

// SourceFields collects the source-specific fields for the threat details
func (p *ThreatPayload) SourceFields() map[string]interface{} {
	fields := map[string]interface{}{}
	add := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	add("email_id", p.EmailID)
	add("sender", p.Sender)
	add("subject", p.Subject)
	add("sms_id", p.SMSID)
	add("sender_number", p.SenderNumber)
	add("message_content", p.MessageContent)
	add("event_type", p.EventType)
	add("source_ip", p.SourceIP)
	add("target_ip", p.TargetIP)
	add("protocol", p.Protocol)
	add("username", p.Username)
	if p.Port != nil {
		fields["port"] = fmt.Sprint(p.Port)
	}
	return fields
}

// DecodeEvent validates data as a raw event of kind and converts it. Missing timestamps
// default to now; missing identifiers are generated.
func (v *SchemaValidator) DecodeEvent(kind model.EventKind, data []byte, now time.Time) (*model.Event, error) {
	switch kind {
	case model.KindNetwork:
		return v.DecodeNetwork(data, now)
	case model.KindEmail:
		return v.DecodeEmail(data, now)
	case model.KindSMS:
		return v.DecodeSMS(data, now)
	}
	return nil, fmt.Errorf("%w: unknown event kind %q", ErrInvalidPayload, kind)
}

// DecodeNetwork validates and converts a raw network event
func (v *SchemaValidator) DecodeNetwork(data []byte, now time.Time) (*model.Event, error) {
	var p NetworkPayload
	if err := v.decode(PayloadNetwork, data, &p); err != nil {
		return nil, err
	}
	return &model.Event{
		ID:        uuid.NewString(),
		Kind:      model.KindNetwork,
		Timestamp: timestampOr(p.Timestamp, now),
		Content:   p.EventDescription,
		Details:   p.Details,
		Network: &model.NetworkFields{
			SourceIP:              p.SourceIP,
			DestinationIP:         p.DestinationIP,
			Port:                  p.Port,
			Protocol:              p.Protocol,
			LogSource:             p.LogSource,
			Action:                p.Action,
			Username:              p.Username,
			ResponseStatusCode:    p.ResponseStatusCode,
			ResponseContentLength: p.ResponseContentLength,
			ResponseBodySnippet:   p.ResponseBodySnippet,
		},
	}, nil
}

// DecodeEmail validates and converts a raw email, decoding attachment content
func (v *SchemaValidator) DecodeEmail(data []byte, now time.Time) (*model.Event, error) {
	var p EmailPayload
	if err := v.decode(PayloadEmail, data, &p); err != nil {
		return nil, err
	}

	recipients := p.Recipients
	if len(recipients) == 0 && p.Recipient != "" {
		recipients = []string{p.Recipient}
	}

	attachments := make([]model.Attachment, 0, len(p.Attachments))
	for i, a := range p.Attachments {
		content, err := base64.StdEncoding.DecodeString(a.ContentBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %d (%s) is not valid base64", ErrInvalidPayload, i, a.Filename)
		}
		sum := sha256.Sum256(content)
		attachments = append(attachments, model.Attachment{
			Filename: a.Filename,
			Content:  content,
			SHA256:   hex.EncodeToString(sum[:]),
			Size:     len(content),
		})
	}

	id := p.EmailID
	if id == "" {
		id = uuid.NewString()
	}
	return &model.Event{
		ID:              id,
		Kind:            model.KindEmail,
		Timestamp:       timestampOr(p.Timestamp, now),
		Content:         p.Body,
		DetectionStatus: model.StatusClean,
		Details:         p.Details,
		Email: &model.EmailFields{
			EmailID:       id,
			Sender:        p.Sender,
			Recipients:    recipients,
			Subject:       p.Subject,
			SourceIP:      p.SourceIP,
			AttachmentURL: p.AttachmentURL,
			Attachments:   attachments,
		},
	}, nil
}

// DecodeSMS validates and converts a raw SMS
func (v *SchemaValidator) DecodeSMS(data []byte, now time.Time) (*model.Event, error) {
	var p SMSPayload
	if err := v.decode(PayloadSMS, data, &p); err != nil {
		return nil, err
	}

	id := p.SMSID
	if id == "" {
		id = uuid.NewString()
	}
	return &model.Event{
		ID:              id,
		Kind:            model.KindSMS,
		Timestamp:       timestampOr(p.Timestamp, now),
		Content:         p.MessageContent,
		DetectionStatus: model.StatusClean,
		Details:         p.Details,
		SMS: &model.SMSFields{
			SMSID:           id,
			SenderNumber:    p.SenderNumber,
			RecipientNumber: p.RecipientNumber,
		},
	}, nil
}

// DecodeThreat validates and converts a pre-classified threat
func (v *SchemaValidator) DecodeThreat(data []byte) (*ThreatPayload, error) {
	var p ThreatPayload
	if err := v.decode(PayloadThreat, data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (v *SchemaValidator) decode(kind string, data []byte, out interface{}) error {
	if err := v.Validate(kind, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func timestampOr(ts *time.Time, now time.Time) time.Time {
	if ts == nil || ts.IsZero() {
		return now.UTC()
	}
	return ts.UTC()
}
