package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/threatflux/internal/model"
)

// ErrNotConnected is returned when the NATS connection is unavailable
var ErrNotConnected = errors.New("NATS connection not available")

// Forwarder delivers a stored verdict to a collaborator. Delivery is at-most-once.
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, threat *model.DetectedThreat) error
}

// NATSForwarder publishes verdicts on a core NATS subject
type NATSForwarder struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATSForwarder creates a NATS publisher for subject
func NewNATSForwarder(nc *nats.Conn, subject string, timeout time.Duration, logger *slog.Logger) *NATSForwarder {
	return &NATSForwarder{nc: nc, subject: subject, timeout: timeout, logger: logger}
}

func (f *NATSForwarder) Name() string { return "nats" }

// Forward publishes threat and flushes so that a dead server surfaces as an error
func (f *NATSForwarder) Forward(ctx context.Context, threat *model.DetectedThreat) error {
	if f.nc == nil || !f.nc.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(threat)
	if err != nil {
		return fmt.Errorf("failed to marshal threat: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-detection-id", threat.DetectionID)
	headers.Set("x-severity", threat.Severity)
	headers.Set("x-source-type", threat.SourceType)

	msg := &nats.Msg{Subject: f.subject, Data: data, Header: headers}
	if err := f.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish threat: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush threat: %w", err)
	}

	f.logger.Debug("Forwarded threat", "sink", f.Name(), "subject", f.subject, "detection_id", threat.DetectionID)
	return nil
}

// HTTPForwarder posts verdicts as JSON to a collaborator endpoint
type HTTPForwarder struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPForwarder creates an HTTP poster whose requests are bounded by timeout
func NewHTTPForwarder(url string, timeout time.Duration, logger *slog.Logger) *HTTPForwarder {
	return &HTTPForwarder{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (f *HTTPForwarder) Name() string { return "http" }

// Forward posts threat once; non-2xx responses are errors
func (f *HTTPForwarder) Forward(ctx context.Context, threat *model.DetectedThreat) error {
	data, err := json.Marshal(threat)
	if err != nil {
		return fmt.Errorf("failed to marshal threat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Detection-ID", threat.DetectionID)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post threat: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collaborator returned status %d", resp.StatusCode)
	}

	f.logger.Debug("Forwarded threat", "sink", f.Name(), "url", f.url, "detection_id", threat.DetectionID)
	return nil
}

// Multi fans a verdict out to every configured sink. A failing sink does not stop the others.
type Multi struct {
	forwarders []Forwarder
	onError    func(sink string, err error)
}

// NewMulti combines forwarders. onError, if set, is called once per failed sink.
func NewMulti(onError func(sink string, err error), forwarders ...Forwarder) *Multi {
	return &Multi{forwarders: forwarders, onError: onError}
}

// Len returns the number of sinks
func (m *Multi) Len() int {
	return len(m.forwarders)
}

func (m *Multi) Name() string { return "multi" }

// Forward delivers threat to every sink and joins their errors
func (m *Multi) Forward(ctx context.Context, threat *model.DetectedThreat) error {
	var errs []error
	for _, f := range m.forwarders {
		if err := f.Forward(ctx, threat); err != nil {
			if m.onError != nil {
				m.onError(f.Name(), err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", f.Name(), err))
		}
	}
	return errors.Join(errs...)
}
