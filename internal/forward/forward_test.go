package forward

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/threatflux/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testThreat() *model.DetectedThreat {
	return &model.DetectedThreat{
		DetectionID:      "d-1",
		SourceType:       model.SourceNetwork,
		SourceIdentifier: "9.9.9.9",
		ThreatType:       "brute_force_attack",
		Severity:         model.SeverityCritical,
		ConfidenceScore:  0.95,
		Status:           model.ThreatStatusNew,
	}
}

func TestHTTPForwarder(t *testing.T) {
	var got model.DetectedThreat
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "d-1", r.Header.Get("X-Detection-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewHTTPForwarder(srv.URL, time.Second, testLogger())
	require.NoError(t, f.Forward(context.Background(), testThreat()))
	assert.Equal(t, "brute_force_attack", got.ThreatType)
	assert.Equal(t, 0.95, got.ConfidenceScore)
}

func TestHTTPForwarder_Errors(t *testing.T) {
	t.Run("non-2xx status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		err := NewHTTPForwarder(srv.URL, time.Second, testLogger()).Forward(context.Background(), testThreat())
		assert.ErrorContains(t, err, "502")
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		start := time.Now()
		err := NewHTTPForwarder(srv.URL, 50*time.Millisecond, testLogger()).Forward(context.Background(), testThreat())
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		err := NewHTTPForwarder(url, time.Second, testLogger()).Forward(context.Background(), testThreat())
		assert.Error(t, err)
	})
}

type stubForwarder struct {
	name  string
	err   error
	calls int
}

func (s *stubForwarder) Name() string { return s.name }

func (s *stubForwarder) Forward(context.Context, *model.DetectedThreat) error {
	s.calls++
	return s.err
}

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	failing := &stubForwarder{name: "nats", err: boom}
	ok := &stubForwarder{name: "http"}

	var failed []string
	m := NewMulti(func(sink string, err error) { failed = append(failed, sink) }, failing, ok)
	assert.Equal(t, 2, m.Len())

	err := m.Forward(context.Background(), testThreat())
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "nats: boom")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, []string{"nats"}, failed)

	assert.NoError(t, NewMulti(nil).Forward(context.Background(), testThreat()))
}

func TestNATSForwarder_NotConnected(t *testing.T) {
	f := NewNATSForwarder(nil, "threats.detected", time.Second, testLogger())
	assert.ErrorIs(t, f.Forward(context.Background(), testThreat()), ErrNotConnected)
}

func TestNATSForwarder_Publish(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skip("NATS server not available, skipping test")
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync("threats.detected.test")
	require.NoError(t, err)

	f := NewNATSForwarder(nc, "threats.detected.test", time.Second, testLogger())
	require.NoError(t, f.Forward(context.Background(), testThreat()))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "d-1", msg.Header.Get("x-detection-id"))
	assert.Equal(t, model.SeverityCritical, msg.Header.Get("x-severity"))
}
