// Package review provides the review coordinator component: the operator
// surface over workflows parked in AwaitingReview. Operators list the queue,
// claim a task, and record a decision; the decision transitions the workflow
// to Resuming and signals orchestrators over the bus. The component never
// advances the pipeline itself.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/crisislens/veriflow/bus"
	"github.com/crisislens/veriflow/config"
	"github.com/crisislens/veriflow/store"
	"github.com/crisislens/veriflow/workflow"
)

// reviewSchema defines the configuration schema.
var reviewSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Component implements the review coordinator processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	appCfg  *config.Config
	store   *store.Store
	gateway *bus.Gateway
	server  *http.Server

	// reminded tracks the last reminder per workflow so each parked
	// workflow alerts once per reminder window, not once per scan.
	reminded   map[string]time.Time
	remindedMu sync.Mutex

	// Lifecycle management
	mu         sync.RWMutex
	running    bool
	startTime  time.Time
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	// Metrics
	claimsIssued      int64
	decisionsRecorded int64
	remindersSent     int64
	lastActivity      time.Time
}

// NewComponent creates a new review coordinator component.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = defaults.ListenAddr
	}
	if config.LeaseTTLSeconds == 0 {
		config.LeaseTTLSeconds = defaults.LeaseTTLSeconds
	}
	if config.ReminderAfterSeconds == 0 {
		config.ReminderAfterSeconds = defaults.ReminderAfterSeconds
	}
	if config.CheckIntervalSeconds == 0 {
		config.CheckIntervalSeconds = defaults.CheckIntervalSeconds
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Component{
		name:       "review",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		reminded:   make(map[string]time.Time),
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

// Start opens the store, serves the operator API, and begins the reminder
// scan.
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

	st, err := store.Open(ctx, js, nc, store.Options{
		WorkflowTTL: appCfg.Pipeline.WorkflowTTL,
		LeaseTTL:    appCfg.Pipeline.OwnerLeaseTTL,
		Logger:      c.logger,
	})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	gw := bus.NewGateway(js, c.logger)

	loopCtx, cancel := context.WithCancel(ctx)

	server := &http.Server{
		Addr:              c.config.ListenAddr,
		Handler:           c.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	c.mu.Lock()
	c.store = st
	c.gateway = gw
	c.server = server
	c.cancelFunc = cancel
	c.running = true
	c.startTime = time.Now()
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.Info("Review coordinator listening", "addr", c.config.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Operator API server failed", "error", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reminderLoop(loopCtx)
	}()

	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	server := c.server
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.running = false
	c.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("Operator API shutdown failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("Stop timed out waiting for loops", "timeout", timeout)
	}

	c.logger.Info("Review coordinator stopped",
		"claims_issued", atomic.LoadInt64(&c.claimsIssued),
		"decisions_recorded", atomic.LoadInt64(&c.decisionsRecorded),
		"reminders_sent", atomic.LoadInt64(&c.remindersSent))
	return nil
}

// Discoverable interface implementation

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "review",
		Type:        "processor",
		Description: "Operator surface for reviewing and deciding high-risk workflows",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return nil
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "decisions",
			Direction:   component.DirectionOutput,
			Required:    true,
			Description: "Operator decision signals for orchestrators",
			Config: component.NATSPort{
				Subject: workflow.ReviewDecidedSubject,
			},
		},
		{
			Name:        "alerts",
			Direction:   component.DirectionOutput,
			Description: "Review reminder alerts",
			Config: component.JetStreamPort{
				StreamName: bus.StreamAlerts,
				Subjects:   []string{bus.SubjectAlertsWildcard},
			},
		},
	}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return reviewSchema
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
		ErrorCount: 0,
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
