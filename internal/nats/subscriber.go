package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/threatflux/internal/model"
	"github.com/sgerhart/threatflux/internal/service"
	"github.com/sgerhart/threatflux/internal/store"
	"github.com/sgerhart/threatflux/internal/validate"
)

// Inbound subjects
const (
	SubjectNetwork    = "events.raw.network"
	SubjectEmail      = "events.raw.email"
	SubjectSMS        = "events.raw.sms"
	SubjectClassified = "threats.classified"
)

// Handler is the ingestion surface the subscriber drives
type Handler interface {
	Ingest(ctx context.Context, kind model.EventKind, data []byte) (*service.Result, error)
	IngestThreat(ctx context.Context, data []byte) (*model.DetectedThreat, error)
}

// Reply is sent back when a message carries a reply subject
type Reply struct {
	Result *service.Result      `json:"result,omitempty"`
	Threat *model.DetectedThreat `json:"threat,omitempty"`
	Error  string                `json:"error,omitempty"`
	Code   string                `json:"code,omitempty"`
}

// Subscriber consumes raw events and pre-classified threats through a queue group
type Subscriber struct {
	nc      *nats.Conn
	handler Handler
	queue   string
	timeout time.Duration
	logger  *slog.Logger

	subs []*nats.Subscription
}

// NewSubscriber creates a subscriber. timeout bounds the processing of one message.
func NewSubscriber(nc *nats.Conn, handler Handler, queue string, timeout time.Duration, logger *slog.Logger) *Subscriber {
	return &Subscriber{nc: nc, handler: handler, queue: queue, timeout: timeout, logger: logger}
}

// Subscribe listens until ctx is cancelled, then drains every subscription
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.logger.Info("Subscribing to events", "queue", s.queue)

	for _, subject := range []string{SubjectNetwork, SubjectEmail, SubjectSMS, SubjectClassified} {
		sub, err := s.nc.QueueSubscribe(subject, s.queue, s.handleMessage)
		if err != nil {
			s.logger.Error("Failed to subscribe", "subject", subject, "error", err)
			s.drain()
			return err
		}
		s.subs = append(s.subs, sub)
		s.logger.Info("Subscribed", "subject", subject, "queue", s.queue)
	}

	<-ctx.Done()

	s.logger.Info("Starting graceful shutdown")
	s.drain()
	s.logger.Info("Graceful shutdown completed")
	return nil
}

func (s *Subscriber) drain() {
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.logger.Error("Failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	s.subs = nil
}

func (s *Subscriber) handleMessage(msg *nats.Msg) {
	s.logger.Debug("Received message", "subject", msg.Subject, "data_length", len(msg.Data))

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	reply := s.process(ctx, msg.Subject, msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to marshal reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to respond", "subject", msg.Subject, "error", err)
	}
}

// process routes one message by subject
func (s *Subscriber) process(ctx context.Context, subject string, data []byte) Reply {
	if subject == SubjectClassified {
		threat, err := s.handler.IngestThreat(ctx, data)
		if err != nil {
			return s.failure(subject, err)
		}
		return Reply{Threat: threat}
	}

	kind, ok := kindForSubject(subject)
	if !ok {
		return s.failure(subject, validate.ErrInvalidPayload)
	}
	result, err := s.handler.Ingest(ctx, kind, data)
	if err != nil {
		return s.failure(subject, err)
	}
	return Reply{Result: result}
}

func (s *Subscriber) failure(subject string, err error) Reply {
	code := errorCode(err)
	if code == "invalid_payload" || code == "duplicate" {
		s.logger.Warn("Rejected message", "subject", subject, "code", code, "error", err)
	} else {
		s.logger.Error("Failed to process message", "subject", subject, "code", code, "error", err)
	}
	return Reply{Error: err.Error(), Code: code}
}

func kindForSubject(subject string) (model.EventKind, bool) {
	switch subject {
	case SubjectNetwork:
		return model.KindNetwork, true
	case SubjectEmail:
		return model.KindEmail, true
	case SubjectSMS:
		return model.KindSMS, true
	}
	return "", false
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, validate.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, store.ErrDuplicate):
		return "duplicate"
	case service.IsNotReady(err):
		return "not_ready"
	}
	return "internal"
}
