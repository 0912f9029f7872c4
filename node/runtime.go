// Package node executes single pipeline stages: one collaborator call under
// a wall-clock timeout, with classified errors and exponential-backoff
// retries. The runtime never touches workflow state; it reports an Outcome
// and the orchestrator merges it.
package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crisislens/veriflow/workflow"
)

var attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "veriflow",
	Subsystem: "node",
	Name:      "attempts_total",
	Help:      "Node executions by node and result kind.",
}, []string{"node", "result"})

// Config tunes the retry policy.
type Config struct {
	// MaxAttempts bounds executions per node run, first try included.
	MaxAttempts int
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay growth.
	MaxBackoff time.Duration
}

// DefaultConfig returns the standard retry policy: three attempts, one
// second initial delay doubling to a ten second cap with jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// Outcome is the result of one node run.
type Outcome struct {
	// Retries counts re-executions beyond the first attempt.
	Retries int
	// Errors records every failed attempt in order, including transient
	// ones a later attempt recovered from.
	Errors []workflow.NodeError
	// Err is nil on success. On failure it is the terminal attempt's
	// error, also present as the last element of Errors.
	Err *workflow.NodeError
}

// Runtime executes pipeline stages.
type Runtime struct {
	cfg    Config
	logger *slog.Logger
}

// NewRuntime creates a runtime. Zero config fields take defaults.
func NewRuntime(cfg Config, logger *slog.Logger) *Runtime {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{cfg: cfg, logger: logger}
}

// Run executes fn for node n under the per-attempt timeout. Retryable
// failures re-execute with backoff up to the attempt cap; non-retryable
// kinds fail immediately. The timeout applies per attempt, matching the
// per-node wall-clock limits.
func (r *Runtime) Run(ctx context.Context, n workflow.Node, timeout time.Duration, fn func(context.Context) error) Outcome {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	bo.MaxInterval = r.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()

	var out Outcome
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			out.fail(*r.nodeError(n, err, attempt))
			return out
		}

		err := r.runOnce(ctx, timeout, fn)
		if err == nil {
			attemptsTotal.WithLabelValues(string(n), "ok").Inc()
			out.Err = nil
			return out
		}

		kind := workflow.KindOf(err)
		attemptsTotal.WithLabelValues(string(n), string(kind)).Inc()
		out.fail(workflow.NodeError{
			Node:    n,
			Kind:    kind,
			Detail:  err.Error(),
			Attempt: attempt,
			At:      time.Now().UTC(),
		})

		if !kind.CanRetry() || attempt == r.cfg.MaxAttempts {
			return out
		}

		wait := bo.NextBackOff()
		r.logger.Warn("node attempt failed, retrying",
			slog.String("node", string(n)),
			slog.Int("attempt", attempt),
			slog.String("kind", string(kind)),
			slog.Duration("backoff", wait))

		select {
		case <-ctx.Done():
			out.fail(*r.nodeError(n, ctx.Err(), attempt))
			return out
		case <-time.After(wait):
		}
		out.Retries++
	}
	return out
}

// fail records an attempt failure as the current terminal error.
func (o *Outcome) fail(e workflow.NodeError) {
	o.Errors = append(o.Errors, e)
	o.Err = &o.Errors[len(o.Errors)-1]
}

func (r *Runtime) runOnce(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (r *Runtime) nodeError(n workflow.Node, err error, attempt int) *workflow.NodeError {
	return &workflow.NodeError{
		Node:    n,
		Kind:    workflow.KindOf(err),
		Detail:  err.Error(),
		Attempt: attempt,
		At:      time.Now().UTC(),
	}
}
