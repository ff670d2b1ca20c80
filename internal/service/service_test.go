package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/threatflux/internal/anomaly"
	"github.com/sgerhart/threatflux/internal/metrics"
	"github.com/sgerhart/threatflux/internal/model"
	"github.com/sgerhart/threatflux/internal/signatures"
	"github.com/sgerhart/threatflux/internal/store"
	"github.com/sgerhart/threatflux/internal/textclf"
	"github.com/sgerhart/threatflux/internal/validate"
	"github.com/sgerhart/threatflux/internal/verdict"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

var testNow = time.Date(2024, 5, 1, 12, 10, 0, 0, time.UTC)

type stubForwarder struct {
	err     error
	threats []*model.DetectedThreat
}

func (f *stubForwarder) Name() string { return "stub" }

func (f *stubForwarder) Forward(_ context.Context, t *model.DetectedThreat) error {
	f.threats = append(f.threats, t)
	return f.err
}

type fixture struct {
	svc       *Service
	store     *store.MemoryStore
	forwarder *stubForwarder
	dir       string
}

type fixtureOpts struct {
	failOpen    bool
	requireText bool
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	set := signatures.Defaults()
	matcher, err := signatures.Compile(set)
	require.NoError(t, err)
	validator, err := validate.NewSchemaValidator(testLogger)
	require.NoError(t, err)

	s, err := store.NewMemoryStore(1000, 100, 100)
	require.NoError(t, err)
	scorer := anomaly.NewScorer(o.failOpen, testLogger)
	classifier := textclf.NewClassifier()
	m := metrics.NewMetrics(prometheus.NewRegistry())

	agg, err := NewAggregator(verdict.DefaultOrder, DetectorDeps{
		Matcher:           matcher,
		Events:            s,
		Scorer:            scorer,
		Classifier:        classifier,
		TextRequireModel:  o.requireText,
		AnomalyWindow:     5 * time.Minute,
		AnomalyBatchLimit: 500,
	}, m, testLogger)
	require.NoError(t, err)

	textCfg := textclf.DefaultTrainConfig()
	textCfg.Forest.NumTrees = 20
	anomalyCfg := anomaly.DefaultTrainConfig()
	anomalyCfg.NumTrees = 20

	dir := t.TempDir()
	fwd := &stubForwarder{}
	svc := New(Options{
		Store:      s,
		Validator:  validator,
		Aggregator: agg,
		Scorer:     scorer,
		Classifier: classifier,
		Lexicon:    textclf.Lexicon{SpamKeywords: set.SpamKeywords, UrgencyWords: set.UrgencyWords},
		Forwarder:  fwd,
		Metrics:    m,
		Training: TrainingOptions{
			AnomalyModelPath: filepath.Join(dir, "anomaly.model.zst"),
			TextModelPath:    filepath.Join(dir, "text.model.zst"),
			Anomaly:          anomalyCfg,
			Text:             textCfg,
		},
		TextRequireModel: o.requireText,
		Logger:           testLogger,
	})
	svc.now = func() time.Time { return testNow }
	return &fixture{svc: svc, store: s, forwarder: fwd, dir: dir}
}

func loginAttempt(ts time.Time) []byte {
	return []byte(fmt.Sprintf(`{
		"log_source": "web_gateway",
		"event_description": "token request rejected",
		"timestamp": %q,
		"source_ip": "9.9.9.9",
		"destination_ip": "10.1.1.1",
		"protocol": "TCP",
		"port": 443,
		"action": "POST__TOKEN",
		"response_status_code": 401,
		"response_content_length": 120
	}`, ts.Format(time.RFC3339)))
}

func TestIngest_BruteForceFiresOnFifthAttempt(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	ctx := context.Background()
	start := testNow.Add(-2 * time.Minute)

	var last *Result
	for i := 0; i < 5; i++ {
		res, err := f.svc.Ingest(ctx, model.KindNetwork, loginAttempt(start.Add(time.Duration(i)*20*time.Second)))
		require.NoError(t, err)
		require.NotNil(t, res.Event)
		if i < 4 {
			assert.Nil(t, res.Threat, "attempt %d", i+1)
		}
		last = res
	}

	require.NotNil(t, last.Threat)
	threat := last.Threat
	assert.Contains(t, threat.ThreatType, verdict.FindingBruteForce)
	assert.Equal(t, model.SeverityCritical, threat.Severity)
	assert.Equal(t, 0.95, threat.ConfidenceScore)
	assert.Equal(t, model.SourceNetwork, threat.SourceType)
	assert.Equal(t, "9.9.9.9", threat.SourceIdentifier)
	assert.Equal(t, last.Event.ID, threat.EventID)
	assert.Equal(t, model.ThreatStatusNew, threat.Status)
	assert.Equal(t, "token request rejected", threat.Snippet)
	assert.Empty(t, last.ForwardError)

	require.Len(t, f.forwarder.threats, 1)
	assert.Equal(t, threat.DetectionID, f.forwarder.threats[0].DetectionID)

	counts, err := f.svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.TotalNetworkThreats)
	assert.Equal(t, 1, counts.BruteForceAttacks)

	logs, err := f.svc.Logs(ctx, model.KindNetwork, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 5)
}

func TestIngest_FourAttemptsDoNotFire(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	start := testNow.Add(-2 * time.Minute)
	for i := 0; i < 4; i++ {
		res, err := f.svc.Ingest(context.Background(), model.KindNetwork, loginAttempt(start.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		assert.Nil(t, res.Threat)
	}
	assert.Empty(t, f.forwarder.threats)
}

func TestIngest_BenignEventIsStored(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, model.KindSMS, []byte(`{"sender_number": "+15550100", "message_content": "see you at lunch"}`))
	require.NoError(t, err)
	assert.Nil(t, res.Threat)
	assert.Equal(t, model.StatusClean, res.Event.DetectionStatus)
	assert.Equal(t, testNow, res.Event.Timestamp)

	logs, err := f.svc.Logs(ctx, model.KindSMS, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, res.Event.ID, logs[0].ID)
}

func TestIngest_InvalidPayload(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	ctx := context.Background()

	tests := []struct {
		name string
		kind model.EventKind
		data string
	}{
		{"not json", model.KindNetwork, `{`},
		{"missing description", model.KindNetwork, `{"log_source": "ids"}`},
		{"missing sender", model.KindEmail, `{"subject": "hi"}`},
		{"bad attachment", model.KindEmail, `{"sender": "a@b.c", "attachments": [{"filename": "x", "content_base64": "!!"}]}`},
		{"unknown kind", model.EventKind("fax"), `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Ingest(ctx, tt.kind, []byte(tt.data))
			assert.ErrorIs(t, err, validate.ErrInvalidPayload)
		})
	}

	logs, err := f.svc.Logs(ctx, model.KindNetwork, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestIngest_MaliciousAttachment(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	ctx := context.Background()

	eicar := `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`
	payload := fmt.Sprintf(`{
		"email_id": "mail-1",
		"sender": "billing@example.net",
		"recipients": ["ops@example.com"],
		"subject": "Invoice",
		"body": "please see the attached invoice",
		"attachments": [{"filename": "invoice.com", "content_base64": %q}]
	}`, base64.StdEncoding.EncodeToString([]byte(eicar)))

	res, err := f.svc.Ingest(ctx, model.KindEmail, []byte(payload))
	require.NoError(t, err)
	require.NotNil(t, res.Threat)
	assert.Equal(t, model.SourceEmailAttachment, res.Threat.SourceType)
	assert.Equal(t, verdict.FindingMalwareAttachment, res.Threat.ThreatType)
	assert.Equal(t, model.SeverityCritical, res.Threat.Severity)
	assert.Equal(t, "billing@example.net", res.Threat.SourceIdentifier)
	assert.Equal(t, "Invoice\nplease see the attached invoice", res.Threat.Snippet)
	assert.Equal(t, model.StatusMaliciousAttachment, res.Event.DetectionStatus)

	logs, err := f.svc.Logs(ctx, model.KindEmail, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatusMaliciousAttachment, logs[0].DetectionStatus)
}

func TestIngest_ResentMessageIsDuplicate(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	ctx := context.Background()

	email := []byte(`{"email_id": "m-1", "sender": "a@example.com", "subject": "hi", "body": "lunch?"}`)
	_, err := f.svc.Ingest(ctx, model.KindEmail, email)
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, model.KindEmail, email)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	sms := []byte(`{"sms_id": "s-1", "sender_number": "+15550100", "message_content": "see you at 6"}`)
	_, err = f.svc.Ingest(ctx, model.KindSMS, sms)
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, model.KindSMS, sms)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	emails, err := f.svc.Logs(ctx, model.KindEmail, 10)
	require.NoError(t, err)
	assert.Len(t, emails, 1)
	texts, err := f.svc.Logs(ctx, model.KindSMS, 10)
	require.NoError(t, err)
	assert.Len(t, texts, 1)
}

func TestIngest_ForwardFailureIsReported(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	f.forwarder.err = errors.New("collaborator unreachable")
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, model.KindNetwork, []byte(`{
		"log_source": "ids",
		"event_description": "download of evil.exe observed",
		"source_ip": "10.2.2.2"
	}`))
	require.NoError(t, err)
	require.NotNil(t, res.Threat)
	assert.Equal(t, "collaborator unreachable", res.ForwardError)

	threats, err := f.svc.RecentThreats(ctx, 10)
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, res.Threat.DetectionID, threats[0].DetectionID)
}

func TestIngest_AnomalyNotReadyWithoutFailOpen(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: false})

	_, err := f.svc.Ingest(context.Background(), model.KindNetwork, loginAttempt(testNow))
	assert.True(t, IsNotReady(err))

	// the raw event is a fact and stays stored
	logs, err := f.svc.Logs(context.Background(), model.KindNetwork, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestIngestThreat(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	ctx := context.Background()

	payload := []byte(`{
		"source_type": "sms",
		"detection_id": "ext-1",
		"detection_type": "phishing",
		"confidence_score": 0.85,
		"sender_number": "+15550199",
		"message_content": "your parcel is waiting, pay the fee at the link",
		"details": {"model": "external-v2"}
	}`)

	threat, err := f.svc.IngestThreat(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", threat.DetectionID)
	assert.Equal(t, model.SeverityCritical, threat.Severity)
	assert.Equal(t, "+15550199", threat.SourceIdentifier)
	assert.Equal(t, "external-v2", threat.Details["model"])
	assert.Equal(t, "phishing", threat.Details["detection_type"])
	assert.Empty(t, f.forwarder.threats)

	_, err = f.svc.IngestThreat(ctx, payload)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	unscored, err := f.svc.IngestThreat(ctx, []byte(`{
		"source_type": "email",
		"detection_type": "phishing",
		"sender": "x@example.org",
		"subject": "verify your account"
	}`))
	require.NoError(t, err)
	assert.NotEmpty(t, unscored.DetectionID)
	assert.Equal(t, 0.0, unscored.ConfidenceScore)
	assert.Equal(t, model.SeverityHigh, unscored.Severity)

	_, err = f.svc.IngestThreat(ctx, []byte(`{"source_type": "fax", "detection_type": "x"}`))
	assert.ErrorIs(t, err, validate.ErrInvalidPayload)
}

func TestLogs_UnknownKind(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	_, err := f.svc.Logs(context.Background(), model.EventKind("fax"), 10)
	assert.ErrorIs(t, err, validate.ErrInvalidPayload)
}

func textCorpus(n int) []textclf.Sample {
	var samples []textclf.Sample
	for i := 0; i < n; i++ {
		samples = append(samples,
			textclf.Sample{Text: fmt.Sprintf("FREE prize money waiting, claim item %d", i), Label: "spam"},
			textclf.Sample{Text: fmt.Sprintf("lunch meeting about the quarterly report item %d", i), Label: "ham"},
		)
	}
	return samples
}

func TestTrainText_ClassifyAndReload(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	ctx := context.Background()

	_, err := f.svc.Classify("free prize money")
	assert.True(t, IsNotReady(err))

	res, err := f.svc.TrainText(ctx, textCorpus(20))
	require.NoError(t, err)
	assert.Greater(t, res.Vocabulary, 0)
	assert.Equal(t, 1.0, res.Metrics.Recall)
	assert.FileExists(t, res.Path)

	pred, err := f.svc.Classify("free prize money")
	require.NoError(t, err)
	assert.Equal(t, textclf.LabelSpam, pred.Label)
	assert.Greater(t, pred.Confidence, 0.5)

	// spam SMS now yields a verdict and updates the detection status
	ingested, err := f.svc.Ingest(ctx, model.KindSMS, []byte(`{"sender_number": "+15550123", "message_content": "FREE prize money waiting, claim now"}`))
	require.NoError(t, err)
	require.NotNil(t, ingested.Threat)
	assert.Equal(t, verdict.FindingSpam, ingested.Threat.ThreatType)
	assert.Equal(t, model.SeverityLow, ingested.Threat.Severity)
	assert.Equal(t, model.StatusSpam, ingested.Event.DetectionStatus)

	reloaded := newFixture(t, fixtureOpts{failOpen: true})
	reloaded.svc.training.TextModelPath = res.Path
	require.NoError(t, reloaded.svc.LoadModels(ctx, ""))
	again, err := reloaded.svc.Classify("free prize money")
	require.NoError(t, err)
	assert.Equal(t, pred, again)
}

func TestTrainTextCSV(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})

	var b strings.Builder
	b.WriteString("label,text\n")
	for _, s := range textCorpus(15) {
		fmt.Fprintf(&b, "%s,%q\n", s.Label, s.Text)
	}
	_, err := f.svc.TrainTextCSV(context.Background(), strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.True(t, f.svc.classifier.Ready())

	_, err = f.svc.TrainText(context.Background(), textCorpus(1)[:1])
	assert.ErrorIs(t, err, textclf.ErrInsufficientData)
}

func TestLoadModels_TrainsFromDataset(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})

	var b strings.Builder
	b.WriteString("text,label\n")
	for _, s := range textCorpus(15) {
		fmt.Fprintf(&b, "%q,%s\n", s.Text, s.Label)
	}
	dataset := filepath.Join(f.dir, "spam.csv")
	require.NoError(t, os.WriteFile(dataset, []byte(b.String()), 0o644))

	require.NoError(t, f.svc.LoadModels(context.Background(), dataset))
	assert.True(t, f.svc.classifier.Ready())
	assert.False(t, f.svc.scorer.Ready())
	assert.FileExists(t, f.svc.training.TextModelPath)
}

func TestLoadModels_RejectsForeignArtifact(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	_, err := f.svc.TrainText(context.Background(), textCorpus(10))
	require.NoError(t, err)

	// a text artifact in the anomaly slot must not load
	f.svc.training.AnomalyModelPath = f.svc.training.TextModelPath
	assert.Error(t, f.svc.LoadModels(context.Background(), ""))
}

func TestTrainAnomaly(t *testing.T) {
	f := newFixture(t, fixtureOpts{failOpen: true})
	ctx := context.Background()

	_, err := f.svc.TrainAnomaly(ctx)
	assert.ErrorIs(t, err, anomaly.ErrNoTrainingData)

	port := 443
	for i := 0; i < 60; i++ {
		require.NoError(t, f.store.SaveEvent(ctx, &model.Event{
			ID:        fmt.Sprintf("n-%d", i),
			Kind:      model.KindNetwork,
			Timestamp: testNow.Add(-time.Duration(i) * time.Hour),
			Network: &model.NetworkFields{
				SourceIP: "10.0.5.5", Port: &port, Protocol: "TCP", LogSource: "web_gateway", Action: "GET__INDEX",
			},
		}))
	}
	// outside the seven day window
	require.NoError(t, f.store.SaveEvent(ctx, &model.Event{
		ID: "old", Kind: model.KindNetwork, Timestamp: testNow.Add(-8 * 24 * time.Hour),
		Network: &model.NetworkFields{SourceIP: "10.0.5.5", Port: &port, Protocol: "TCP", LogSource: "web_gateway", Action: "GET__INDEX"},
	}))

	res, err := f.svc.TrainAnomaly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, res.Rows)
	assert.Equal(t, testNow, res.Until)
	assert.FileExists(t, res.Path)
	assert.True(t, f.svc.scorer.Ready())

	reloaded := newFixture(t, fixtureOpts{failOpen: false})
	reloaded.svc.training.AnomalyModelPath = res.Path
	require.NoError(t, reloaded.svc.LoadModels(ctx, ""))
	assert.True(t, reloaded.svc.scorer.Ready())
}

func TestReadiness(t *testing.T) {
	ctx := context.Background()

	open := newFixture(t, fixtureOpts{failOpen: true})
	r := open.svc.Readiness(ctx)
	assert.True(t, r.Ready)
	assert.Equal(t, "ok", r.Store)
	assert.Equal(t, verdict.DefaultOrder, r.Detectors)

	strict := newFixture(t, fixtureOpts{failOpen: true, requireText: true})
	assert.False(t, strict.svc.Readiness(ctx).Ready)
	_, err := strict.svc.TrainText(ctx, textCorpus(10))
	require.NoError(t, err)
	assert.True(t, strict.svc.Readiness(ctx).Ready)

	closed := newFixture(t, fixtureOpts{failOpen: false})
	r = closed.svc.Readiness(ctx)
	assert.False(t, r.Ready)
	assert.False(t, r.AnomalyModel)
}
