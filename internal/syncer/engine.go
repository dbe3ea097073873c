// -------------------------------------------------------------------------------
// Sync Engine - Periodic Aggregate Shipping
//
// Drains the aggregators on a fixed cadence and ships the resulting
// envelopes to the hub. Envelopes that cannot be delivered are queued and
// retransmitted with their original message UUID on later cycles; an
// envelope older than the maximum queue age is dropped rather than sent.
// The cadence runs faster during the first hour after startup so fresh
// deployments appear on the dashboard quickly. A 404 from the hub disables
// the engine permanently while local aggregation continues untouched.
// -------------------------------------------------------------------------------

package syncer

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/apitrack/apitrack-go/internal/hub"
	"github.com/apitrack/apitrack-go/internal/keys"
	"github.com/apitrack/apitrack-go/internal/metrics"
	"github.com/apitrack/apitrack-go/internal/resources"
	"github.com/apitrack/apitrack-go/internal/telemetry"
)

// -------------------------------------------------------------------------
// CONSTANTS
// -------------------------------------------------------------------------

const (
	defaultSyncInterval = 60 * time.Second
	initialSyncInterval = 10 * time.Second
	initialSyncPeriod   = time.Hour
	defaultMaxQueueAge  = time.Hour
	tickInterval        = time.Second
	flushTimeout        = 10 * time.Second

	// Spacing between consecutive queued sends in one cycle, so a client
	// draining a backlog does not burst the hub.
	jitterMin = 100 * time.Millisecond
	jitterMax = 300 * time.Millisecond
)

// -------------------------------------------------------------------------
// ENGINE
// -------------------------------------------------------------------------

// Config wires the engine's collaborators. Keys may be nil when key sync is
// not enabled for the client. Clock defaults to the wall clock.
type Config struct {
	Client           *hub.Client
	InstanceUUID     string
	Requests         *metrics.RequestCounter
	ValidationErrors *metrics.ValidationErrorCounter
	ServerErrors     *metrics.ServerErrorCounter
	Consumers        *metrics.ConsumerRegistry
	Keys             *keys.Registry
	Resources        *resources.Collector
	Metrics          *telemetry.Metrics
	Logger           *slog.Logger
	Clock            Clock
}

type queuedEnvelope struct {
	payload  *hub.SyncPayload
	queuedAt time.Time
}

// Engine is the background service that periodically synchronizes
// aggregated data with the hub.
type Engine struct {
	client           *hub.Client
	instanceUUID     string
	requests         *metrics.RequestCounter
	validationErrors *metrics.ValidationErrorCounter
	serverErrors     *metrics.ServerErrorCounter
	consumers        *metrics.ConsumerRegistry
	keys             *keys.Registry
	resources        *resources.Collector
	metrics          *telemetry.Metrics
	logger           *slog.Logger
	clock            Clock

	syncInterval    time.Duration
	initialInterval time.Duration
	initialPeriod   time.Duration
	maxQueueAge     time.Duration

	startedAt time.Time
	lastSync  time.Time

	mu          sync.Mutex
	queue       []queuedEnvelope
	startup     *hub.StartupPayload
	startupSent bool

	disabled atomic.Bool
}

// NewEngine creates an engine ready to be registered with the supervisor.
func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Engine{
		client:           cfg.Client,
		instanceUUID:     cfg.InstanceUUID,
		requests:         cfg.Requests,
		validationErrors: cfg.ValidationErrors,
		serverErrors:     cfg.ServerErrors,
		consumers:        cfg.Consumers,
		keys:             cfg.Keys,
		resources:        cfg.Resources,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		clock:            clock,
		syncInterval:     defaultSyncInterval,
		initialInterval:  initialSyncInterval,
		initialPeriod:    initialSyncPeriod,
		maxQueueAge:      defaultMaxQueueAge,
	}
}

// Disabled reports whether the hub rejected the client id. Aggregation is
// unaffected; only shipping stops.
func (e *Engine) Disabled() bool {
	return e.disabled.Load()
}

// SetStartupData records the application descriptor to be announced to the
// hub. The descriptor is retransmitted on every cycle until acknowledged.
func (e *Engine) SetStartupData(info hub.AppInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startup = &hub.StartupPayload{
		InstanceUUID: e.instanceUUID,
		MessageUUID:  uuid.NewString(),
		AppInfo:      info,
	}
	e.startupSent = false
}

// Run executes the sync loop until ctx is cancelled, then performs one
// final flush with a bounded deadline so buffered data survives shutdown.
// Implements the background service contract.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = e.clock.Now()
	e.lastSync = e.startedAt

	for {
		if err := e.clock.Sleep(ctx, tickInterval); err != nil {
			break
		}
		if e.disabled.Load() {
			continue
		}
		if e.clock.Now().Sub(e.lastSync) >= e.currentInterval() {
			e.sync(ctx)
		}
	}

	if e.disabled.Load() {
		return nil
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	e.sync(flushCtx)
	return nil
}

// currentInterval returns the cadence for the next cycle. The first hour
// after startup syncs more frequently.
func (e *Engine) currentInterval() time.Duration {
	if e.clock.Now().Sub(e.startedAt) < e.initialPeriod {
		return e.initialInterval
	}
	return e.syncInterval
}

// sync runs one full cycle: announce startup data if pending, drain the
// aggregators into a fresh envelope, then deliver the queue oldest first.
func (e *Engine) sync(ctx context.Context) {
	e.lastSync = e.clock.Now()

	e.sendStartupData(ctx)
	if e.disabled.Load() {
		return
	}

	e.enqueue(e.buildEnvelope())
	e.drainQueue(ctx)
}

func (e *Engine) sendStartupData(ctx context.Context) {
	e.mu.Lock()
	payload := e.startup
	sent := e.startupSent
	e.mu.Unlock()
	if payload == nil || sent {
		return
	}

	resp, err := e.client.SendStartup(ctx, payload)
	if err != nil {
		if errors.Is(err, hub.ErrInvalidClientID) {
			e.disable()
			return
		}
		e.logger.Warn("Startup announcement failed, will retry", "error", err)
		return
	}
	e.applyKeyMaterial(resp)

	e.mu.Lock()
	e.startupSent = true
	e.startup = nil
	e.mu.Unlock()
}

// buildEnvelope drains every aggregator into one sync payload.
func (e *Engine) buildEnvelope() *hub.SyncPayload {
	now := e.clock.Now()
	payload := &hub.SyncPayload{
		InstanceUUID:     e.instanceUUID,
		MessageUUID:      uuid.NewString(),
		Timestamp:        float64(now.UnixNano()) / float64(time.Second),
		Requests:         e.requests.GetAndResetRequests(),
		ValidationErrors: e.validationErrors.GetAndResetValidationErrors(),
		ServerErrors:     e.serverErrors.GetAndResetServerErrors(),
		Consumers:        e.consumers.GetAndResetUpdatedConsumers(),
	}
	if e.keys != nil {
		payload.KeyUsage = e.keys.GetAndResetUsageCounts()
	}
	if e.resources != nil {
		payload.ResourceUsage = e.resources.Sample()
	}
	return payload
}

func (e *Engine) enqueue(payload *hub.SyncPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, queuedEnvelope{payload: payload, queuedAt: e.clock.Now()})
}

// drainQueue delivers queued envelopes oldest first. Stale envelopes are
// dropped, delivery failures stop the drain and keep the remainder for the
// next cycle, and consecutive sends are spaced by a short jitter.
func (e *Engine) drainQueue(ctx context.Context) {
	first := true
	for {
		env, ok := e.popOldest()
		if !ok {
			return
		}

		age := e.clock.Now().Sub(env.queuedAt)
		if age > e.maxQueueAge {
			e.logger.Warn("Dropping sync envelope past maximum queue age",
				"message_uuid", env.payload.MessageUUID,
				"age", age,
			)
			e.metrics.EnvelopesDropped.Inc()
			continue
		}

		if !first {
			jitter := jitterMin + rand.N(jitterMax-jitterMin)
			if err := e.clock.Sleep(ctx, jitter); err != nil {
				e.requeue(env)
				return
			}
		}
		first = false

		env.payload.TimeOffset = age.Seconds()
		resp, err := e.client.SendSync(ctx, env.payload)
		if err != nil {
			if errors.Is(err, hub.ErrInvalidClientID) {
				e.disable()
				return
			}
			e.metrics.SyncAttempts.WithLabelValues("error").Inc()
			e.logger.Warn("Sync failed, keeping envelope for retry",
				"message_uuid", env.payload.MessageUUID,
				"error", err,
			)
			e.requeue(env)
			return
		}
		e.metrics.SyncAttempts.WithLabelValues("success").Inc()
		e.applyKeyMaterial(resp)
	}
}

func (e *Engine) popOldest() (queuedEnvelope, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return queuedEnvelope{}, false
	}
	env := e.queue[0]
	e.queue = e.queue[1:]
	return env, true
}

// requeue puts a failed envelope back at the front so ordering is
// preserved across cycles.
func (e *Engine) requeue(env queuedEnvelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append([]queuedEnvelope{env}, e.queue...)
}

func (e *Engine) applyKeyMaterial(resp *hub.SyncResponse) {
	// A 2xx body without a salt is a plain acknowledgement, not key
	// material.
	if resp == nil || e.keys == nil || resp.Salt == "" {
		return
	}
	if err := e.keys.Update(resp.Salt, resp.Keys); err != nil {
		e.logger.Error("Rejecting key material from hub", "error", err)
	}
}

func (e *Engine) disable() {
	if e.disabled.CompareAndSwap(false, true) {
		e.logger.Error("Hub does not recognize the client id, disabling sync")
		e.metrics.SyncAttempts.WithLabelValues("disabled").Inc()
		e.mu.Lock()
		e.queue = nil
		e.mu.Unlock()
	}
}
