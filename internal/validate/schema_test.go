package validate

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/sgerhart/threatflux/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T) *SchemaValidator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	v, err := NewSchemaValidator(logger)
	require.NoError(t, err)
	return v
}

func TestSchemaValidator_Validate(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name    string
		kind    string
		payload string
		wantErr bool
	}{
		{name: "minimal network", kind: PayloadNetwork, payload: `{"log_source":"waf","event_description":"GET /"}`},
		{name: "full network", kind: PayloadNetwork, payload: `{"log_source":"waf","event_description":"login","timestamp":"2024-05-01T12:00:00Z","source_ip":"9.9.9.9","port":443,"action":"POST__TOKEN","response_status_code":401,"details":{"ua":"curl"}}`},
		{name: "network missing description", kind: PayloadNetwork, payload: `{"log_source":"waf"}`, wantErr: true},
		{name: "network port out of range", kind: PayloadNetwork, payload: `{"log_source":"waf","event_description":"x","port":70000}`, wantErr: true},
		{name: "network bad timestamp", kind: PayloadNetwork, payload: `{"log_source":"waf","event_description":"x","timestamp":"yesterday"}`, wantErr: true},
		{name: "network details not object", kind: PayloadNetwork, payload: `{"log_source":"waf","event_description":"x","details":"nope"}`, wantErr: true},
		{name: "email", kind: PayloadEmail, payload: `{"sender":"a@example.com","subject":"hi","body":"hello"}`},
		{name: "email attachment missing content", kind: PayloadEmail, payload: `{"sender":"a@example.com","attachments":[{"filename":"a.txt"}]}`, wantErr: true},
		{name: "sms", kind: PayloadSMS, payload: `{"sender_number":"+100","message_content":"hi"}`},
		{name: "sms missing message", kind: PayloadSMS, payload: `{"sender_number":"+100"}`, wantErr: true},
		{name: "threat sms", kind: PayloadThreat, payload: `{"source_type":"sms","detection_type":"spam","confidence_score":0.9,"sender_number":"+100"}`},
		{name: "threat null confidence", kind: PayloadThreat, payload: `{"source_type":"email","detection_type":"phishing","confidence_score":null,"sender":"a@example.com"}`},
		{name: "threat confidence above one", kind: PayloadThreat, payload: `{"source_type":"sms","detection_type":"spam","confidence_score":1.5,"sender_number":"+100"}`, wantErr: true},
		{name: "threat unknown source", kind: PayloadThreat, payload: `{"source_type":"fax","detection_type":"spam"}`, wantErr: true},
		{name: "threat network without ip", kind: PayloadThreat, payload: `{"source_type":"network_ids","detection_type":"port_scan"}`, wantErr: true},
		{name: "malformed json", kind: PayloadSMS, payload: `{"sender_number":`, wantErr: true},
		{name: "trailing data", kind: PayloadSMS, payload: `{"sender_number":"+100","message_content":"hi"} {}`, wantErr: true},
		{name: "unknown kind", kind: "fax", payload: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.kind, []byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeNetwork(t *testing.T) {
	v := newTestValidator(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	ev, err := v.DecodeNetwork([]byte(`{"log_source":"waf","event_description":"login failed","source_ip":"9.9.9.9","port":443,"action":"POST__TOKEN","response_status_code":401}`), now)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, model.KindNetwork, ev.Kind)
	assert.Equal(t, now, ev.Timestamp)
	assert.Equal(t, "login failed", ev.Content)
	assert.Equal(t, "waf", ev.Network.LogSource)
	assert.Equal(t, 443, *ev.Network.Port)
	assert.Equal(t, 401, *ev.Network.ResponseStatusCode)
	assert.Nil(t, ev.Network.ResponseContentLength)

	ev, err = v.DecodeNetwork([]byte(`{"log_source":"waf","event_description":"x","timestamp":"2024-04-30T08:00:00+02:00"}`), now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 6, 0, 0, 0, time.UTC), ev.Timestamp)
}

func TestDecodeEmail(t *testing.T) {
	v := newTestValidator(t)
	now := time.Now()

	ev, err := v.DecodeEmail([]byte(`{"email_id":"m-1","sender":"a@example.com","recipient":"b@example.com","subject":"invoice","body":"see attached","attachments":[{"filename":"a.txt","content_base64":"aGVsbG8="}]}`), now)
	require.NoError(t, err)
	assert.Equal(t, "m-1", ev.ID)
	assert.Equal(t, model.StatusClean, ev.DetectionStatus)
	assert.Equal(t, []string{"b@example.com"}, ev.Email.Recipients)
	require.Len(t, ev.Email.Attachments, 1)
	assert.Equal(t, []byte("hello"), ev.Email.Attachments[0].Content)
	assert.Equal(t, 5, ev.Email.Attachments[0].Size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", ev.Email.Attachments[0].SHA256)

	_, err = v.DecodeEmail([]byte(`{"sender":"a@example.com","attachments":[{"filename":"a.txt","content_base64":"***"}]}`), now)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeSMS(t *testing.T) {
	v := newTestValidator(t)

	ev, err := v.DecodeEvent(model.KindSMS, []byte(`{"sender_number":"+100","message_content":"WIN cash"}`), time.Now())
	require.NoError(t, err)
	assert.Equal(t, ev.ID, ev.SMS.SMSID)
	assert.Equal(t, "WIN cash", ev.Content)
	assert.Equal(t, "+100", ev.SourceIdentifier())
}

func TestDecodeThreat(t *testing.T) {
	v := newTestValidator(t)

	p, err := v.DecodeThreat([]byte(`{"source_type":"network_ids","detection_type":"port_scan","source_ip":"1.2.3.4","event_type":"scan","port":"22"}`))
	require.NoError(t, err)
	assert.Nil(t, p.ConfidenceScore)
	assert.Equal(t, "1.2.3.4", p.SourceIdentifier())
	assert.Equal(t, "scan", p.Snippet())
	assert.Equal(t, map[string]interface{}{"event_type": "scan", "source_ip": "1.2.3.4", "port": "22"}, p.SourceFields())

	p, err = v.DecodeThreat([]byte(`{"source_type":"email","detection_type":"phishing","confidence_score":0.85,"sender":"x@evil.test","subject":"reset password"}`))
	require.NoError(t, err)
	assert.Equal(t, 0.85, *p.ConfidenceScore)
	assert.Equal(t, "x@evil.test", p.SourceIdentifier())
	assert.Equal(t, "reset password", p.Snippet())
}
