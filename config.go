// -------------------------------------------------------------------------------
// Configuration - Client Settings
//
// Configuration types and loader for the telemetry client. Supports
// environment variable expansion in YAML values using ${VAR} syntax.
// Validates required fields and applies defaults before the client starts.
// -------------------------------------------------------------------------------

package apitrack

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/apitrack/apitrack-go/internal/logship"
)

// -------------------------------------------------------------------------
// CONFIGURATION TYPES
// -------------------------------------------------------------------------

// DefaultHubBaseURL is the production hub endpoint, overridable per client
// or via the APITRACK_HUB_BASE_URL environment variable.
const DefaultHubBaseURL = "https://hub.apitrack.io"

const defaultRequestTimeout = 10 * time.Second

var envNameRe = regexp.MustCompile(`^[\w-]{1,32}$`)

// Config holds the complete client configuration.
type Config struct {
	// ClientID identifies the application to the hub. Required, must be a
	// valid UUID.
	ClientID string `yaml:"client_id"`

	// Env names the deployment environment (e.g. "prod", "staging").
	// Required, limited to word characters and hyphens, max 32 chars.
	Env string `yaml:"env"`

	// HubBaseURL overrides the hub endpoint. Defaults to the production
	// hub or the APITRACK_HUB_BASE_URL environment variable.
	HubBaseURL string `yaml:"hub_base_url"`

	// RequestTimeout bounds each HTTP request to the hub.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// AppVersion is reported in the startup descriptor when set.
	AppVersion string `yaml:"app_version"`

	// EnableKeySync turns on API key material distribution from the hub.
	EnableKeySync bool `yaml:"enable_key_sync"`

	// RequestLogging controls individual request log capture.
	RequestLogging logship.Config `yaml:"request_logging"`

	// Logger receives the client's structured log output. Defaults to the
	// process logger; APITRACK_DEBUG=1 switches the default to a
	// debug-level JSON handler on stderr.
	Logger *slog.Logger `yaml:"-"`

	// Registerer receives the client's self-instrumentation metrics.
	// Leave nil to disable registration.
	Registerer prometheus.Registerer `yaml:"-"`
}

// -------------------------------------------------------------------------
// CONFIGURATION LOADER
// -------------------------------------------------------------------------

// LoadConfig reads and parses a configuration file with environment
// variable expansion. Returns an error if the file cannot be read, parsed,
// or validated.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// --- Expand environment variables ---
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.SetDefaultsAndValidate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// -------------------------------------------------------------------------
// VALIDATION
// -------------------------------------------------------------------------

// SetDefaultsAndValidate checks required values and fills in defaults.
func (c *Config) SetDefaultsAndValidate() error {
	var errors []string

	if c.ClientID == "" {
		errors = append(errors, "client_id is required")
	} else if _, err := uuid.Parse(c.ClientID); err != nil {
		errors = append(errors, fmt.Sprintf("client_id %q is not a valid UUID", c.ClientID))
	}
	if c.Env == "" {
		errors = append(errors, "env is required")
	} else if !envNameRe.MatchString(c.Env) {
		errors = append(errors, fmt.Sprintf("env %q must match %s", c.Env, envNameRe))
	}

	// --- Set defaults ---
	if c.HubBaseURL == "" {
		c.HubBaseURL = os.Getenv("APITRACK_HUB_BASE_URL")
	}
	if c.HubBaseURL == "" {
		c.HubBaseURL = DefaultHubBaseURL
	}
	c.HubBaseURL = strings.TrimRight(c.HubBaseURL, "/")
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

func defaultLogger() *slog.Logger {
	if v := os.Getenv("APITRACK_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.Default()
}
