// Package orchestrator provides the component that consumes raw items from
// the event bus, deduplicates them into workflows, and drives each workflow
// through the verification pipeline. It also resumes workflows when operator
// decisions arrive and recovers orphaned workflows on startup.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/crisislens/veriflow/bus"
	"github.com/crisislens/veriflow/collab"
	"github.com/crisislens/veriflow/config"
	"github.com/crisislens/veriflow/node"
	"github.com/crisislens/veriflow/pipeline"
	"github.com/crisislens/veriflow/store"
	"github.com/crisislens/veriflow/workflow"
)

// orchestratorSchema defines the configuration schema.
var orchestratorSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Component implements the orchestrator processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	appCfg  *config.Config
	store   *store.Store
	gateway *bus.Gateway
	engine  *pipeline.Engine
	owner   string

	consumer jetstream.Consumer
	decided  *nats.Subscription

	// Lifecycle management
	mu         sync.RWMutex
	running    bool
	startTime  time.Time
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	// Metrics
	itemsProcessed int64
	itemsFailed    int64
	dlqRouted      int64
	lastActivity   time.Time
}

// NewComponent creates a new orchestrator component.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.Consumer == "" {
		config.Consumer = defaults.Consumer
	}
	if config.Workers == 0 {
		config.Workers = defaults.Workers
	}
	if config.AckWaitSeconds == 0 {
		config.AckWaitSeconds = defaults.AckWaitSeconds
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "orchestrator",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		owner:      config.Consumer + "-" + uuid.NewString()[:8],
	}, nil
}

// SetAppConfig injects an already-loaded veriflow configuration. Passing nil
// is a no-op; without injection Initialize loads it from disk.
func (c *Component) SetAppConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appCfg = cfg
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.appCfg == nil {
		cfg, err := config.NewLoader(c.logger).Load(c.config.ConfigPath)
		if err != nil {
			return fmt.Errorf("load veriflow config: %w", err)
		}
		c.appCfg = cfg
	}
	return nil
}

// Start connects the pipeline to the bus and begins consuming raw items.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}
	appCfg := c.appCfg
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get JetStream context: %w", err)
	}
	nc := c.natsClient.GetConnection()

	if err := bus.EnsureStreams(ctx, js, appCfg.Pipeline.WorkflowTTL); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	st, err := store.Open(ctx, js, nc, store.Options{
		WorkflowTTL: appCfg.Pipeline.WorkflowTTL,
		LeaseTTL:    appCfg.Pipeline.OwnerLeaseTTL,
		Logger:      c.logger,
	})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	gw := bus.NewGateway(js, c.logger)
	rt := node.NewRuntime(node.Config{MaxAttempts: appCfg.Pipeline.RetryMaxAttempts}, c.logger)

	var set *collab.Set
	switch appCfg.Collaborator.Mode {
	case "http":
		set = collab.NewHTTPSet(appCfg.Collaborator.BaseURL, appCfg.Collaborator.AuthToken)
	default:
		set = collab.NewLocalSet()
	}

	engine := pipeline.NewEngine(st, gw, rt, set, appCfg, c.owner, c.logger)

	cons, err := js.CreateOrUpdateConsumer(ctx, c.config.Stream, jetstream.ConsumerConfig{
		Durable:       c.config.Consumer,
		FilterSubject: bus.SubjectRawItemsWildcard,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.config.AckWait(),
		MaxDeliver:    appCfg.Pipeline.DLQAttemptCap,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	// Operator decisions resume parked workflows without polling.
	decided, err := nc.Subscribe(workflow.ReviewDecidedSubject, func(msg *nats.Msg) {
		c.handleReviewDecided(consumeCtx, msg.Data)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", workflow.ReviewDecidedSubject, err)
	}

	c.mu.Lock()
	c.store = st
	c.gateway = gw
	c.engine = engine
	c.consumer = cons
	c.decided = decided
	c.cancelFunc = cancel
	c.running = true
	c.startTime = time.Now()
	c.mu.Unlock()

	c.logger.Info("Orchestrator started",
		"stream", c.config.Stream,
		"consumer", c.config.Consumer,
		"workers", c.config.Workers,
		"owner", c.owner)

	// Take over workflows orphaned by a previous instance before new
	// intake competes for leases, then keep scanning so orphans from
	// peers that die later are picked up too.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.recoveryLoop(consumeCtx, appCfg.Pipeline.OwnerLeaseTTL)
	}()

	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.consumeLoop(consumeCtx)
		}()
	}

	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	if c.decided != nil {
		if err := c.decided.Unsubscribe(); err != nil {
			c.logger.Warn("Unsubscribe failed", "error", err)
		}
	}
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("Stop timed out waiting for workers", "timeout", timeout)
	}

	c.logger.Info("Orchestrator stopped",
		"items_processed", atomic.LoadInt64(&c.itemsProcessed),
		"items_failed", atomic.LoadInt64(&c.itemsFailed),
		"dlq_routed", atomic.LoadInt64(&c.dlqRouted))
	return nil
}

// Engine exposes the pipeline engine for sibling components.
func (c *Component) Engine() *pipeline.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

// Store exposes the state store for sibling components.
func (c *Component) Store() *store.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

// Discoverable interface implementation

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "orchestrator",
		Type:        "processor",
		Description: "Drives verification workflows from raw item intake to advisory publication",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "raw-items",
			Direction:   component.DirectionInput,
			Required:    true,
			Description: "Inbound raw items from ingestion",
			Config: component.JetStreamPort{
				StreamName: c.config.Stream,
				Subjects:   []string{bus.SubjectRawItemsWildcard},
			},
		},
		{
			Name:        "review-decisions",
			Direction:   component.DirectionInput,
			Description: "Operator decisions resuming parked workflows",
			Config: component.NATSPort{
				Subject: workflow.ReviewDecidedSubject,
			},
		},
	}
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "advisories",
			Direction:   component.DirectionOutput,
			Description: "Published advisories for verified items",
			Config: component.JetStreamPort{
				StreamName: bus.StreamClaims,
				Subjects:   []string{bus.SubjectClaimsWildcard},
			},
		},
		{
			Name:        "alerts",
			Direction:   component.DirectionOutput,
			Description: "Review and failure alerts",
			Config: component.JetStreamPort{
				StreamName: bus.StreamAlerts,
				Subjects:   []string{bus.SubjectAlertsWildcard},
			},
		},
		{
			Name:        "dead-letters",
			Direction:   component.DirectionOutput,
			Description: "Poison raw items",
			Config: component.JetStreamPort{
				StreamName: bus.StreamDLQ,
				Subjects:   []string{bus.SubjectDLQ},
			},
		},
	}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return orchestratorSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := "stopped"
	if c.running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    c.running,
		LastCheck:  time.Now(),
		ErrorCount: int(atomic.LoadInt64(&c.itemsFailed)),
		Uptime:     time.Since(c.startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.lastActivity,
	}
}
