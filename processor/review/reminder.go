package review

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/crisislens/veriflow/bus"
)

// reminderLoop periodically scans the review queue and alerts on workflows
// that have sat unreviewed past the reminder threshold. Each workflow alerts
// at most once per threshold window.
func (c *Component) reminderLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanReminders(ctx)
		}
	}
}

func (c *Component) scanReminders(ctx context.Context) {
	tasks, err := c.store.PendingReviews(ctx)
	if err != nil {
		c.logger.Warn("Reminder scan failed", "error", err)
		return
	}

	now := time.Now().UTC()
	pending := make(map[string]bool, len(tasks))

	for _, task := range tasks {
		pending[task.WorkflowID] = true
		if now.Sub(task.RequestedAt) < c.config.ReminderAfter() {
			continue
		}

		c.remindedMu.Lock()
		last, seen := c.reminded[task.WorkflowID]
		due := !seen || now.Sub(last) >= c.config.ReminderAfter()
		if due {
			c.reminded[task.WorkflowID] = now
		}
		c.remindedMu.Unlock()
		if !due {
			continue
		}

		err := c.gateway.PublishAlert(ctx, bus.Alert{
			WorkflowID: task.WorkflowID,
			Kind:       bus.AlertReviewReminder,
			Severity:   bus.SeverityWarn,
			Summary:    "workflow has been awaiting review past the reminder threshold",
			At:         now,
		})
		if err != nil {
			c.logger.Warn("Reminder alert publish failed", "workflow_id", task.WorkflowID, "error", err)
			continue
		}
		atomic.AddInt64(&c.remindersSent, 1)
		c.logger.Info("Review reminder published",
			"workflow_id", task.WorkflowID, "requested_at", task.RequestedAt)
	}

	// Decided or cancelled workflows leave the tracking map.
	c.remindedMu.Lock()
	for id := range c.reminded {
		if !pending[id] {
			delete(c.reminded, id)
		}
	}
	c.remindedMu.Unlock()
}
