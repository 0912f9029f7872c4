// Package observer provides the observer plane: a websocket fan-out of
// workflow change notifications. Clients join rooms scoped to one workflow,
// one user, or everything; delivery is best-effort and clients reconcile
// against the state store after any gap.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"

	"github.com/crisislens/veriflow/config"
	"github.com/crisislens/veriflow/workflow"
)

// observerSchema defines the configuration schema.
var observerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Component implements the observer processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	appCfg *config.Config
	hub    *Hub
	server *http.Server
	notify *nats.Subscription

	// Lifecycle management
	mu         sync.RWMutex
	running    bool
	startTime  time.Time
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	// Metrics
	eventsRouted int64
	connections  int64
	lastActivity time.Time
}

// NewComponent creates a new observer component.
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
	if config.QueueSize == 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.PingIntervalSeconds == 0 {
		config.PingIntervalSeconds = defaults.PingIntervalSeconds
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.GetLogger()
	return &Component{
		name:       "observer",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     logger,
		hub:        NewHub(config.QueueSize, logger),
	}, nil
}

// SetAppConfig injects an already-loaded veriflow configuration. Passing nil
// is a no-op.
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

// Start subscribes to change notifications and serves the websocket API.
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
	c.mu.Unlock()

	nc := c.natsClient.GetConnection()
	notify, err := nc.Subscribe(workflow.NotifyWildcard, func(msg *nats.Msg) {
		c.routeNotification(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", workflow.NotifyWildcard, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", c.handleWS)
	server := &http.Server{
		Addr:              c.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// Request contexts derive from the loop context, so Stop's cancel
		// reaches every open websocket and they close instead of pinning
		// Shutdown until the timeout.
		BaseContext: func(net.Listener) context.Context { return loopCtx },
	}

	c.mu.Lock()
	c.notify = notify
	c.server = server
	c.cancelFunc = cancel
	c.running = true
	c.startTime = time.Now()
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.Info("Observer listening", "addr", c.config.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Observer server failed", "error", err)
		}
	}()

	return nil
}

// routeNotification fans one change notification into its rooms. Every event
// reaches its workflow room and global; decision events also reach the
// deciding operator's user room.
func (c *Component) routeNotification(data []byte) {
	var event workflow.NotificationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Warn("Malformed notification", "error", err)
		return
	}

	c.hub.Broadcast(RoomWorkflow(event.WorkflowID), data)
	c.hub.Broadcast(RoomGlobal, data)

	if event.Type == workflow.EventReviewDecided && len(event.Payload) > 0 {
		var decided workflow.ReviewDecidedEvent
		if err := json.Unmarshal(event.Payload, &decided); err == nil && decided.DecidedBy != "" {
			c.hub.Broadcast(RoomUser(decided.DecidedBy), data)
		}
	}

	atomic.AddInt64(&c.eventsRouted, 1)
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// parseRooms reads the rooms query parameter, a comma-separated room list.
func parseRooms(raw string) []string {
	if raw == "" {
		return nil
	}
	var rooms []string
	for _, room := range strings.Split(raw, ",") {
		if room = strings.TrimSpace(room); room != "" {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// Stop gracefully stops the component.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	server := c.server
	if c.notify != nil {
		if err := c.notify.Unsubscribe(); err != nil {
			c.logger.Warn("Unsubscribe failed", "error", err)
		}
	}
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.running = false
	c.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("Observer shutdown failed", "error", err)
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
		c.logger.Warn("Stop timed out waiting for connections", "timeout", timeout)
	}

	c.logger.Info("Observer stopped",
		"events_routed", atomic.LoadInt64(&c.eventsRouted),
		"events_dropped", c.hub.Dropped())
	return nil
}

// Discoverable interface implementation

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "observer",
		Type:        "processor",
		Description: "Websocket fan-out of workflow change notifications",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "notifications",
			Direction:   component.DirectionInput,
			Required:    true,
			Description: "Workflow change notifications",
			Config: component.NATSPort{
				Subject: workflow.NotifyWildcard,
			},
		},
	}
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	return nil
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return observerSchema
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
