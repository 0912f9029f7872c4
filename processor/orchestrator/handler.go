package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/crisislens/veriflow/bus"
	"github.com/crisislens/veriflow/store"
	"github.com/crisislens/veriflow/workflow"
)

const fetchWait = 2 * time.Second

// consumeLoop fetches raw items one at a time until the context ends. One
// message maps to one workflow run, so a single fetch keeps the ack window
// aligned with pipeline progress.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range batch.Messages() {
			c.handleRawItem(ctx, msg)
		}
	}
}

// handleRawItem drives one raw item delivery. The message is acknowledged
// only after the workflow run returns, which happens strictly after the last
// checkpoint write; a crash before that point leaves the message for
// redelivery and the pipeline resumes from the checkpoint.
func (c *Component) handleRawItem(ctx context.Context, msg jetstream.Msg) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	meta, err := msg.Metadata()
	if err != nil {
		c.logger.Error("Message metadata unavailable", "error", err)
		c.nak(msg)
		return
	}

	var item workflow.RawItem
	if err := json.Unmarshal(msg.Data(), &item); err != nil {
		c.routeToDLQ(ctx, msg, meta, workflow.KindSerialization, err.Error())
		return
	}
	if item.SourceID == "" {
		c.routeToDLQ(ctx, msg, meta, workflow.KindValidation, "raw item has no source_id")
		return
	}

	// Redeliveries past the cap stop consuming pipeline capacity. The
	// backing workflow fails with the message: once it is termed nothing
	// will ever drive that workflow again.
	if int(meta.NumDelivered) >= c.appCfg.Pipeline.DLQAttemptCap {
		if c.routeToDLQ(ctx, msg, meta, workflow.KindRetryable, "delivery attempt cap reached") {
			id := workflow.DeterministicID(item.SourceID)
			if err := c.engine.FailForDeadLetter(ctx, id, "delivery attempt cap reached"); err != nil {
				c.logger.Error("Dead-letter workflow failure failed",
					"workflow_id", id, "source_id", item.SourceID, "error", err)
			}
		}
		return
	}

	id, created, err := c.engine.Intake(ctx, item)
	if err != nil {
		c.logger.Error("Intake failed", "source_id", item.SourceID, "error", err)
		c.nak(msg)
		return
	}
	if created {
		c.logger.Info("Workflow created",
			"workflow_id", id, "source_id", item.SourceID, "delivery", meta.NumDelivered)
	}

	if err := c.engine.Run(ctx, id); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			// Another instance is driving it; redeliver later so this
			// message acks once the workflow settles.
			c.nak(msg)
			return
		}
		atomic.AddInt64(&c.itemsFailed, 1)
		c.logger.Error("Workflow run failed", "workflow_id", id, "error", err)
		c.nak(msg)
		return
	}

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Ack failed", "workflow_id", id, "error", err)
		return
	}
	atomic.AddInt64(&c.itemsProcessed, 1)
}

// routeToDLQ wraps a poison message in a dead letter envelope and terminates
// the delivery so the broker stops retrying it. Returns whether the message
// was dead-lettered; on a publish failure it stays alive for redelivery.
func (c *Component) routeToDLQ(ctx context.Context, msg jetstream.Msg, meta *jetstream.MsgMetadata, kind workflow.Kind, detail string) bool {
	env := bus.EnvelopeForMsg(msg.Subject(), msg.Data(), meta, kind, detail)
	if err := c.gateway.PublishDLQ(ctx, env); err != nil {
		// Keep the message alive rather than lose it.
		c.logger.Error("DLQ publish failed", "subject", msg.Subject(), "error", err)
		c.nak(msg)
		return false
	}
	if err := msg.Term(); err != nil {
		c.logger.Warn("Term failed", "subject", msg.Subject(), "error", err)
	}
	atomic.AddInt64(&c.dlqRouted, 1)
	c.logger.Warn("Raw item routed to dead letter stream",
		"subject", msg.Subject(), "kind", string(kind), "detail", detail)
	return true
}

func (c *Component) nak(msg jetstream.Msg) {
	if err := msg.Nak(); err != nil {
		c.logger.Warn("Nak failed", "error", err)
	}
}

// recoveryLoop runs one recovery pass immediately, then rescans at twice the
// owner lease TTL. Orphans appear at lease-expiry granularity, so a tighter
// cadence only burns KV scans.
func (c *Component) recoveryLoop(ctx context.Context, leaseTTL time.Duration) {
	interval := 2 * leaseTTL
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		recovered, err := c.engine.Recover(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("Workflow recovery failed", "error", err)
		}
		if recovered > 0 {
			c.logger.Info("Recovered orphaned workflows", "count", recovered)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleReviewDecided resumes a workflow after an operator decision. The
// review coordinator has already moved it to Resuming; this instance races
// its siblings for the ownership lease and the losers back off.
func (c *Component) handleReviewDecided(ctx context.Context, data []byte) {
	var event workflow.ReviewDecidedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Warn("Malformed review decision event", "error", err)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.engine.Run(ctx, event.WorkflowID); err != nil {
			if errors.Is(err, store.ErrLeaseHeld) {
				return
			}
			c.logger.Error("Resume after decision failed",
				"workflow_id", event.WorkflowID, "decision", string(event.Decision), "error", err)
		}
	}()
}
