package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sgerhart/threatflux/internal/anomaly"
	"github.com/sgerhart/threatflux/internal/auth"
	"github.com/sgerhart/threatflux/internal/config"
	"github.com/sgerhart/threatflux/internal/forward"
	"github.com/sgerhart/threatflux/internal/metrics"
	"github.com/sgerhart/threatflux/internal/service"
	"github.com/sgerhart/threatflux/internal/signatures"
	"github.com/sgerhart/threatflux/internal/store"
	"github.com/sgerhart/threatflux/internal/textclf"
	"github.com/sgerhart/threatflux/internal/validate"
)

// App holds the assembled detection stack
type App struct {
	Config   *config.Config
	Store    store.Store
	Service  *service.Service
	Auth     *auth.Authenticator
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	// NATS is nil when NATS_URL is unset
	NATS *nats.Conn

	logger *slog.Logger
}

// New builds the stack from cfg. Trained models are not loaded; call Service.LoadModels.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	set := signatures.Defaults()
	if cfg.SignaturesFile != "" {
		loaded, err := signatures.Load(cfg.SignaturesFile)
		if err != nil {
			return nil, err
		}
		set = loaded
		logger.Info("Signature set loaded", "path", cfg.SignaturesFile)
	}
	matcher, err := signatures.Compile(set)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	validator, err := validate.NewSchemaValidator(logger)
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Store: st, Metrics: m, Registry: reg, logger: logger}

	scorer := anomaly.NewScorer(cfg.AnomalyFailOpen, logger)
	classifier := textclf.NewClassifier()
	agg, err := service.NewAggregator(cfg.DetectorOrder, service.DetectorDeps{
		Matcher:           matcher,
		Events:            st,
		Scorer:            scorer,
		Classifier:        classifier,
		TextRequireModel:  cfg.TextRequireModel,
		AnomalyWindow:     cfg.AnomalyWindow,
		AnomalyBatchLimit: cfg.AnomalyBatchLimit,
	}, m, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("threatflux"), nats.MaxReconnects(-1))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.NATS = nc
		logger.Info("Connected to NATS", "url", cfg.NATSURL)
	}

	var fwd forward.Forwarder
	if multi := a.forwarders(); multi.Len() > 0 {
		fwd = multi
	}

	a.Service = service.New(service.Options{
		Store:      st,
		Validator:  validator,
		Aggregator: agg,
		Scorer:     scorer,
		Classifier: classifier,
		Lexicon:    textclf.Lexicon{SpamKeywords: set.SpamKeywords, UrgencyWords: set.UrgencyWords},
		Forwarder:  fwd,
		Metrics:    m,
		Training: service.TrainingOptions{
			AnomalyModelPath: cfg.AnomalyModelPath,
			TextModelPath:    cfg.TextModelPath,
			AnomalyLimit:     cfg.AnomalyTrainLimit,
			AnomalyWindow:    cfg.AnomalyTrainWindow(),
			Anomaly:          anomaly.DefaultTrainConfig(),
			Text:             textclf.DefaultTrainConfig(),
		},
		TextRequireModel: cfg.TextRequireModel,
		Logger:           logger,
	})

	a.Auth = auth.NewAuthenticator(auth.Config{
		Users:    cfg.AuthUsers,
		Secret:   []byte(cfg.AuthSecret),
		TokenTTL: cfg.TokenTTL,
	})
	return a, nil
}

func (a *App) forwarders() *forward.Multi {
	var sinks []forward.Forwarder
	if a.NATS != nil && a.Config.ForwardSubject != "" {
		sinks = append(sinks, forward.NewNATSForwarder(a.NATS, a.Config.ForwardSubject, a.Config.ForwardTimeout, a.logger))
	}
	if a.Config.ForwardURL != "" {
		sinks = append(sinks, forward.NewHTTPForwarder(a.Config.ForwardURL, a.Config.ForwardTimeout, a.logger))
	}
	return forward.NewMulti(func(sink string, err error) {
		a.Metrics.IncrementForwardErrors(sink)
	}, sinks...)
}

// OpenStore returns the Postgres store with migrations applied when DATABASE_URL is set,
// otherwise the in-memory store
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		mem, err := store.NewMemoryStore(cfg.MaxEvents, cfg.MaxThreats, cfg.DedupeCap)
		if err != nil {
			return nil, err
		}
		logger.Info("Memory store initialized",
			"max_events", cfg.MaxEvents,
			"max_threats", cfg.MaxThreats,
			"dedupe_cap", cfg.DedupeCap)
		return mem, nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.DatabaseName, logger)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(); err != nil {
		pg.Close()
		return nil, err
	}
	logger.Info("Postgres store initialized", "database", cfg.DatabaseName)
	return pg, nil
}

// Close releases the store and the NATS connection
func (a *App) Close() {
	if a.NATS != nil {
		if err := a.NATS.Drain(); err != nil {
			a.logger.Error("Failed to drain NATS connection", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.logger.Error("Failed to close store", "error", err)
		}
	}
}
