package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sgerhart/threatflux/internal/verdict"
)

// Config is the service configuration, read from the environment
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        slog.Level

	NATSURL   string
	NATSQueue string

	DatabaseURL  string
	DatabaseName string
	MaxEvents    int
	MaxThreats   int
	DedupeCap    int

	SignaturesFile string
	DetectorOrder  []string

	AnomalyModelPath  string
	AnomalyFailOpen   bool
	AnomalyWindow     time.Duration
	AnomalyBatchLimit int
	AnomalyTrainLimit int
	AnomalyTrainDays  int

	TextModelPath    string
	TextDatasetPath  string
	TextRequireModel bool

	ForwardURL     string
	ForwardSubject string
	ForwardTimeout time.Duration

	AuthSecret string
	AuthUsers  map[string]string
	TokenTTL   time.Duration
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:        getEnv("THREATFLUX_HTTP_ADDR", ":8080"),
		ShutdownTimeout: getEnvDuration("THREATFLUX_SHUTDOWN_TIMEOUT", 30*time.Second),

		NATSURL:   getEnv("NATS_URL", ""),
		NATSQueue: getEnv("NATS_QUEUE", "threatflux"),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		DatabaseName: getEnv("DATABASE_NAME", "threatflux"),
		MaxEvents:    getEnvInt("THREATFLUX_MAX_EVENTS", 100000),
		MaxThreats:   getEnvInt("THREATFLUX_MAX_THREATS", 10000),
		DedupeCap:    getEnvInt("THREATFLUX_DEDUPE_CAP", 100000),

		SignaturesFile: getEnv("SIGNATURES_FILE", ""),
		DetectorOrder:  getEnvList("DETECTOR_ORDER", verdict.DefaultOrder),

		AnomalyModelPath:  getEnv("ANOMALY_MODEL_PATH", "models/anomaly.model.zst"),
		AnomalyFailOpen:   getEnvBool("ANOMALY_FAIL_OPEN", true),
		AnomalyWindow:     getEnvDuration("ANOMALY_WINDOW", 5*time.Minute),
		AnomalyBatchLimit: getEnvInt("ANOMALY_BATCH_LIMIT", 500),
		AnomalyTrainLimit: getEnvInt("ANOMALY_TRAIN_LIMIT", 5000),
		AnomalyTrainDays:  getEnvInt("ANOMALY_TRAIN_DAYS", 7),

		TextModelPath:    getEnv("TEXT_MODEL_PATH", "models/text.model.zst"),
		TextDatasetPath:  getEnv("TEXT_DATASET_PATH", ""),
		TextRequireModel: getEnvBool("TEXT_REQUIRE_MODEL", false),

		ForwardURL:     getEnv("FORWARD_URL", ""),
		ForwardSubject: getEnv("FORWARD_SUBJECT", "threats.detected"),
		ForwardTimeout: getEnvDuration("FORWARD_TIMEOUT", 5*time.Second),

		AuthSecret: getEnv("AUTH_JWT_SECRET", ""),
		TokenTTL:   getEnvDuration("AUTH_TOKEN_TTL", 30*time.Minute),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	users, err := parseUsers(getEnv("AUTH_USERS", ""))
	if err != nil {
		return nil, err
	}
	cfg.AuthUsers = users

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch {
	case c.MaxEvents <= 0:
		return fmt.Errorf("THREATFLUX_MAX_EVENTS must be positive")
	case c.MaxThreats <= 0:
		return fmt.Errorf("THREATFLUX_MAX_THREATS must be positive")
	case c.DedupeCap <= 0:
		return fmt.Errorf("THREATFLUX_DEDUPE_CAP must be positive")
	case c.AnomalyWindow <= 0:
		return fmt.Errorf("ANOMALY_WINDOW must be positive")
	case c.AnomalyTrainLimit <= 0 || c.AnomalyTrainDays <= 0:
		return fmt.Errorf("ANOMALY_TRAIN_LIMIT and ANOMALY_TRAIN_DAYS must be positive")
	case c.ForwardTimeout <= 0:
		return fmt.Errorf("FORWARD_TIMEOUT must be positive")
	case len(c.DetectorOrder) == 0:
		return fmt.Errorf("DETECTOR_ORDER must name at least one detector")
	}
	return nil
}

// AnomalyTrainWindow is the age bound of network events used for anomaly training
func (c *Config) AnomalyTrainWindow() time.Duration {
	return time.Duration(c.AnomalyTrainDays) * 24 * time.Hour
}

// LogAttrs returns the configuration as log attributes without secrets
func (c *Config) LogAttrs() []any {
	return []any{
		"http_addr", c.HTTPAddr,
		"nats_url", c.NATSURL,
		"nats_queue", c.NATSQueue,
		"database", c.DatabaseURL != "",
		"max_events", c.MaxEvents,
		"max_threats", c.MaxThreats,
		"dedupe_cap", c.DedupeCap,
		"signatures_file", c.SignaturesFile,
		"detector_order", strings.Join(c.DetectorOrder, ","),
		"anomaly_model_path", c.AnomalyModelPath,
		"anomaly_fail_open", c.AnomalyFailOpen,
		"anomaly_window", c.AnomalyWindow.String(),
		"text_model_path", c.TextModelPath,
		"text_require_model", c.TextRequireModel,
		"forward_url", c.ForwardURL,
		"forward_subject", c.ForwardSubject,
		"forward_timeout", c.ForwardTimeout.String(),
		"auth_enabled", c.AuthSecret != "",
		"auth_users", len(c.AuthUsers),
	}
}

// parseUsers reads "name:bcrypt-hash" pairs separated by commas
func parseUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("invalid AUTH_USERS entry %q, want name:bcrypt-hash", entry)
		}
		users[name] = hash
	}
	return users, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
