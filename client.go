// -------------------------------------------------------------------------------
// Client - Public Entry Point
//
// Wires the aggregators, key registry, request log shipper, and sync
// engine together and supervises the background goroutines. One client per
// process: the hub identifies an application instance by its lock-backed
// instance UUID, so a second concurrent client for a different
// (client id, env) pair is a configuration error.
// -------------------------------------------------------------------------------

package apitrack

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/apitrack/apitrack-go/internal/hub"
	"github.com/apitrack/apitrack-go/internal/instance"
	"github.com/apitrack/apitrack-go/internal/keys"
	"github.com/apitrack/apitrack-go/internal/lifecycle"
	"github.com/apitrack/apitrack-go/internal/logship"
	"github.com/apitrack/apitrack-go/internal/metrics"
	"github.com/apitrack/apitrack-go/internal/resources"
	"github.com/apitrack/apitrack-go/internal/syncer"
	"github.com/apitrack/apitrack-go/internal/telemetry"
)

// -------------------------------------------------------------------------
// RE-EXPORTED TYPES
// -------------------------------------------------------------------------

// ValidationErrorDetail is one field-level validation failure.
type ValidationErrorDetail = metrics.ValidationErrorDetail

// KeyInfo describes one synchronized API key.
type KeyInfo = keys.KeyInfo

// AppInfo is the startup descriptor announced to the hub.
type AppInfo = hub.AppInfo

// PathInfo describes one registered route.
type PathInfo = hub.PathInfo

// LoggedRequest is the request half of a captured request log item.
type LoggedRequest = logship.Request

// LoggedResponse is the response half of a captured request log item.
type LoggedResponse = logship.Response

// EventIDResolver correlates a recorded server error with an external error
// tracker's event id.
type EventIDResolver = metrics.EventIDResolver

// Key lookup errors, surfaced from the key registry.
var (
	ErrKeysNotInitialized = keys.ErrNotInitialized
	ErrKeyNotFound        = keys.ErrKeyNotFound
)

// -------------------------------------------------------------------------
// CONSTRUCTION GUARD
// -------------------------------------------------------------------------

var (
	activeMu     sync.Mutex
	activeClient *Client
)

// -------------------------------------------------------------------------
// CLIENT
// -------------------------------------------------------------------------

// Client aggregates API telemetry in-process and synchronizes it with the
// hub in the background. Safe for concurrent use.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	requests         *metrics.RequestCounter
	validationErrors *metrics.ValidationErrorCounter
	serverErrors     *metrics.ServerErrorCounter
	consumers        *metrics.ConsumerRegistry
	keys             *keys.Registry
	shipper          *logship.Shipper
	engine           *syncer.Engine
	manager          *lifecycle.Manager

	instanceUUID string
	lock         *instance.LockHandle
}

// New creates and starts a client. Calling New again while a client for a
// different (client id, env) pair is live returns an error; with the same
// pair the live client is returned.
func New(cfg Config) (*Client, error) {
	if err := cfg.SetDefaultsAndValidate(); err != nil {
		return nil, err
	}

	activeMu.Lock()
	defer activeMu.Unlock()
	if activeClient != nil {
		if activeClient.cfg.ClientID == cfg.ClientID && activeClient.cfg.Env == cfg.Env {
			return activeClient, nil
		}
		return nil, fmt.Errorf("client for %s/%s already running",
			activeClient.cfg.ClientID, activeClient.cfg.Env)
	}

	logger := cfg.Logger
	m := telemetry.New(cfg.Registerer)
	instanceUUID, lock := instance.GetOrCreateInstanceUUID(cfg.ClientID, cfg.Env)
	hubClient := hub.NewClient(cfg.HubBaseURL, cfg.ClientID, cfg.Env, cfg.RequestTimeout, logger)

	c := &Client{
		cfg:              cfg,
		logger:           logger,
		metrics:          m,
		requests:         metrics.NewRequestCounter(),
		validationErrors: metrics.NewValidationErrorCounter(),
		serverErrors:     metrics.NewServerErrorCounter(),
		consumers:        metrics.NewConsumerRegistry(),
		manager:          lifecycle.NewManager(logger),
		instanceUUID:     instanceUUID,
		lock:             lock,
	}
	if cfg.EnableKeySync {
		c.keys = keys.NewRegistry()
	}

	c.engine = syncer.NewEngine(syncer.Config{
		Client:           hubClient,
		InstanceUUID:     instanceUUID,
		Requests:         c.requests,
		ValidationErrors: c.validationErrors,
		ServerErrors:     c.serverErrors,
		Consumers:        c.consumers,
		Keys:             c.keys,
		Resources:        resources.NewCollector(),
		Metrics:          m,
		Logger:           logger,
	})
	c.manager.Register("sync-engine", c.engine)

	if cfg.RequestLogging.Enabled {
		shipper, err := logship.NewShipper(cfg.RequestLogging, hubClient, c.engine.Disabled, m, logger)
		if err != nil {
			lock.Release()
			return nil, fmt.Errorf("request logging config: %w", err)
		}
		c.shipper = shipper
		c.manager.Register("request-logs", shipper)
	}

	c.manager.Start(context.Background())
	activeClient = c
	logger.Info("Telemetry client started",
		"env", cfg.Env,
		"instance_uuid", instanceUUID,
	)
	return c, nil
}

// InstanceUUID returns the stable per-process instance identifier.
func (c *Client) InstanceUUID() string {
	return c.instanceUUID
}

// SyncDisabled reports whether the hub rejected the client id. Recording
// keeps working either way.
func (c *Client) SyncDisabled() bool {
	return c.engine.Disabled()
}

// Shutdown flushes buffered data and stops the background goroutines,
// bounded by ctx. The process slot is released so a restart reclaims the
// same instance UUID.
func (c *Client) Shutdown(ctx context.Context) error {
	c.manager.Stop(ctx)
	if c.lock != nil {
		c.lock.Release()
	}

	activeMu.Lock()
	if activeClient == c {
		activeClient = nil
	}
	activeMu.Unlock()

	c.logger.Info("Telemetry client stopped")
	return ctx.Err()
}

// -------------------------------------------------------------------------
// RECORDING API
// -------------------------------------------------------------------------

// SetStartupData announces the application descriptor. The configured app
// version is merged into the version map. Retransmitted until the hub
// acknowledges it.
func (c *Client) SetStartupData(info AppInfo) {
	if info.Versions == nil {
		info.Versions = map[string]string{}
	}
	if c.cfg.AppVersion != "" {
		if _, ok := info.Versions["app"]; !ok {
			info.Versions["app"] = c.cfg.AppVersion
		}
	}
	if _, ok := info.Versions["go"]; !ok {
		info.Versions["go"] = runtime.Version()
	}
	if info.Client == "" {
		info.Client = "go:apitrack"
	}
	c.engine.SetStartupData(info)
}

// AddRequest records one handled request. A nil consumer leaves the
// metrics unattributed. Negative sizes mean unknown.
func (c *Client) AddRequest(consumer *Consumer, method, path string, statusCode int, responseTime time.Duration, requestSize, responseSize int64) {
	c.consumers.AddOrUpdateConsumer(consumer)
	c.requests.AddRequest(consumerIdentifier(consumer), method, path, statusCode, responseTime, requestSize, responseSize)
	c.metrics.RequestsRecorded.Inc()
}

// AddValidationErrors records the field-level failures of one rejected
// request.
func (c *Client) AddValidationErrors(consumer *Consumer, method, path string, details []ValidationErrorDetail) {
	c.consumers.AddOrUpdateConsumer(consumer)
	c.validationErrors.AddValidationErrors(consumerIdentifier(consumer), method, path, details)
}

// AddServerError records one unhandled error. Pass nil for stack to
// capture the current goroutine's stack.
func (c *Client) AddServerError(consumer *Consumer, method, path string, err error, stack []byte) {
	if stack == nil {
		stack = debug.Stack()
	}
	c.consumers.AddOrUpdateConsumer(consumer)
	c.serverErrors.AddServerError(consumerIdentifier(consumer), method, path, err, stack)
}

// SetEventIDResolver installs a resolver consulted after each recorded
// server error. Call before recording starts.
func (c *Client) SetEventIDResolver(resolver EventIDResolver) {
	c.serverErrors.Resolver = resolver
}

// AddOrUpdateConsumer registers consumer metadata without recording a
// request.
func (c *Client) AddOrUpdateConsumer(consumer *Consumer) {
	c.consumers.AddOrUpdateConsumer(consumer)
}

// LogRequest captures one request/response pair for request logging. A
// no-op unless request logging is enabled.
func (c *Client) LogRequest(req LoggedRequest, resp LoggedResponse) {
	if c.shipper == nil {
		return
	}
	c.shipper.LogRequest(req, resp)
}

// VerifyAPIKey resolves an API key against the synchronized key material.
// Returns ErrKeysNotInitialized before the first successful sync and
// ErrKeyNotFound for unknown or expired keys. Requires EnableKeySync.
func (c *Client) VerifyAPIKey(apiKey string) (KeyInfo, error) {
	if c.keys == nil {
		return KeyInfo{}, fmt.Errorf("key sync not enabled")
	}
	return c.keys.Get(apiKey)
}
