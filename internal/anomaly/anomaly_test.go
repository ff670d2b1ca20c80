package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sgerhart/threatflux/internal/artifact"
	"github.com/sgerhart/threatflux/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func portPtr(p int) *int { return &p }

// Tuesday 10:15 UTC
var officeHours = time.Date(2024, 4, 30, 10, 15, 0, 0, time.UTC)

func normalEvent(i int) *model.Event {
	return &model.Event{
		ID:        fmt.Sprintf("n%d", i),
		Kind:      model.KindNetwork,
		Timestamp: officeHours,
		Network: &model.NetworkFields{
			SourceIP:  "10.0.0.5",
			Port:      portPtr(443),
			Protocol:  "TCP",
			LogSource: "web_gateway",
			Action:    "GET__INDEX",
		},
	}
}

func rareEvent(i int) *model.Event {
	return &model.Event{
		ID:        fmt.Sprintf("r%d", i),
		Kind:      model.KindNetwork,
		Timestamp: time.Date(2024, 5, 5, 3, 0, 0, 0, time.UTC), // Sunday 03:00
		Network: &model.NetworkFields{
			SourceIP:  "10.0.0.66",
			Port:      portPtr(31337),
			Protocol:  "UDP",
			LogSource: "firewall",
			Action:    "EXFIL",
		},
	}
}

func trainingSet() []*model.Event {
	var events []*model.Event
	for i := 0; i < 997; i++ {
		events = append(events, normalEvent(i))
	}
	for i := 0; i < 3; i++ {
		events = append(events, rareEvent(i))
	}
	return events
}

func TestEncoder_Transform(t *testing.T) {
	events := []*model.Event{normalEvent(0), rareEvent(0)}
	enc := FitEncoder(events)

	assert.Equal(t, []string{"firewall", "web_gateway"}, enc.Categories["log_source"])
	assert.Equal(t, []string{"TCP", "UDP"}, enc.Categories["protocol"])
	assert.Equal(t, []string{"EXFIL", "GET__INDEX"}, enc.Categories["action"])
	assert.Equal(t, 9, enc.Width())

	// log_source(2) protocol(2) action(2) hour dow port
	assert.Equal(t, []float64{0, 1, 1, 0, 0, 1, 10, 1, 443}, enc.Transform(normalEvent(0)))

	unknown := &model.Event{
		Kind:      model.KindNetwork,
		Timestamp: time.Date(2024, 4, 29, 23, 0, 0, 0, time.UTC), // Monday
		Network:   &model.NetworkFields{Protocol: "ICMP", Action: "PING"},
	}
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0, 23, 0, -1}, enc.Transform(unknown))
}

func TestTrain_FlagsRareTraffic(t *testing.T) {
	m, err := Train(trainingSet(), DefaultTrainConfig())
	require.NoError(t, err)
	assert.Equal(t, 1000, m.TrainedRows)

	assert.False(t, m.IsOutlier(normalEvent(5000)))
	assert.True(t, m.IsOutlier(rareEvent(5000)))
	assert.Greater(t, m.Score(rareEvent(1)), m.Score(normalEvent(1)))
}

func TestTrain_Deterministic(t *testing.T) {
	a, err := Train(trainingSet(), DefaultTrainConfig())
	require.NoError(t, err)
	b, err := Train(trainingSet(), DefaultTrainConfig())
	require.NoError(t, err)

	assert.Equal(t, a.Threshold, b.Threshold)
	assert.Equal(t, a.Score(rareEvent(0)), b.Score(rareEvent(0)))
}

func TestTrain_Errors(t *testing.T) {
	_, err := Train(nil, DefaultTrainConfig())
	assert.ErrorIs(t, err, ErrNoTrainingData)

	_, err = Train([]*model.Event{{Kind: model.KindSMS, SMS: &model.SMSFields{}}}, DefaultTrainConfig())
	assert.ErrorIs(t, err, ErrNoTrainingData)

	cfg := DefaultTrainConfig()
	cfg.Contamination = 0
	_, err = Train(trainingSet(), cfg)
	assert.Error(t, err)
}

func TestScorer_PredictIsAnomalous(t *testing.T) {
	ctx := context.Background()
	m, err := Train(trainingSet(), DefaultTrainConfig())
	require.NoError(t, err)

	s := NewScorer(true, testLogger)
	s.SetModel(m)
	require.True(t, s.Ready())

	p, err := s.PredictIsAnomalous(ctx, []*model.Event{normalEvent(1), normalEvent(2)})
	require.NoError(t, err)
	assert.True(t, p.Evaluated)
	assert.False(t, p.Anomalous)

	// one outlier is enough to flag the batch
	p, err = s.PredictIsAnomalous(ctx, []*model.Event{normalEvent(1), rareEvent(9), normalEvent(2)})
	require.NoError(t, err)
	assert.True(t, p.Anomalous)
	assert.Equal(t, 1, p.Outliers)
	assert.Equal(t, 3, p.Rows)

	p, err = s.PredictIsAnomalous(ctx, nil)
	require.NoError(t, err)
	assert.False(t, p.Anomalous)
	assert.False(t, p.Evaluated)
	assert.Equal(t, "empty_batch", p.Reason)
}

func TestScorer_FallbackPolicy(t *testing.T) {
	ctx := context.Background()

	open := NewScorer(true, testLogger)
	p, err := open.PredictIsAnomalous(ctx, []*model.Event{rareEvent(0)})
	require.NoError(t, err)
	assert.False(t, p.Anomalous)
	assert.Equal(t, "model_unavailable", p.Reason)

	closed := NewScorer(false, testLogger)
	_, err = closed.PredictIsAnomalous(ctx, []*model.Event{rareEvent(0)})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestModel_SaveLoad(t *testing.T) {
	m, err := Train(trainingSet(), DefaultTrainConfig())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "anomaly.model.zst")
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Threshold, loaded.Threshold)
	assert.Equal(t, m.Score(rareEvent(0)), loaded.Score(rareEvent(0)))
	assert.Equal(t, m.Score(normalEvent(0)), loaded.Score(normalEvent(0)))
}

func TestLoad_RejectsForeignArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.zst")
	require.NoError(t, artifact.Save(path, artifact.Header{Kind: artifactKind, SchemaVersion: schemaVersion, FeatureVersion: "older-layout"}, map[string]int{}))

	_, err := Load(path)
	assert.ErrorIs(t, err, artifact.ErrMismatch)
}

func TestQuantile(t *testing.T) {
	assert.Equal(t, 0.0, quantile(nil, 0.5))
	assert.Equal(t, 3.0, quantile([]float64{1, 5, 3}, 0.5))
	assert.InDelta(t, 4.6, quantile([]float64{1, 2, 3, 4, 5}, 0.9), 1e-9)
	assert.Equal(t, 5.0, quantile([]float64{1, 2, 3, 4, 5}, 1))
}
