package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// EnsureStreams provisions every stream the platform publishes to.
// Idempotent; safe to run on every process start. workflowTTL bounds the
// retention of workflow-scoped streams; alerts and notifications are
// transient operational feeds and keep a day.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, workflowTTL time.Duration) error {
	streams := []jetstream.StreamConfig{
		{
			Name:        StreamRawItems,
			Description: "Inbound raw items keyed by source_id",
			Subjects:    []string{SubjectRawItemsWildcard},
			MaxAge:      workflowTTL,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		},
		{
			Name:        StreamClaims,
			Description: "Published advisories keyed by workflow_id",
			Subjects:    []string{SubjectClaimsWildcard},
			MaxAge:      workflowTTL,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		},
		{
			Name:        StreamAlerts,
			Description: "High-risk and operational alerts",
			Subjects:    []string{SubjectAlertsWildcard},
			MaxAge:      24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		},
		{
			Name:        StreamNotifications,
			Description: "User-visible milestone events keyed by recipient scope",
			Subjects:    []string{SubjectNotificationsWildcard},
			MaxAge:      24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		},
		{
			Name:        StreamDLQ,
			Description: "Poison messages with their terminal error",
			Subjects:    []string{SubjectDLQ},
			MaxAge:      workflowTTL,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}
