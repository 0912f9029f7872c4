package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crisislens/veriflow/workflow"
)

var publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "veriflow",
	Subsystem: "bus",
	Name:      "publish_total",
	Help:      "Publishes by stream and result kind.",
}, []string{"stream", "result"})

// Gateway is the typed publish surface over the JetStream streams. All
// serialization and error classification happens here so callers only see
// taxonomy kinds: SerializationError is non-retryable, BusUnavailable is
// retryable with backoff, AuthError is fatal.
type Gateway struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewGateway creates a gateway over an established JetStream context.
func NewGateway(js jetstream.JetStream, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{js: js, logger: logger}
}

// PublishRawItem enqueues an inbound item, keyed by source_id.
func (g *Gateway) PublishRawItem(ctx context.Context, item workflow.RawItem) error {
	return g.publish(ctx, StreamRawItems, RawItemSubject(item.SourceID), item)
}

// PublishAdvisory emits the final advisory for a completed workflow.
func (g *Gateway) PublishAdvisory(ctx context.Context, workflowID string, adv workflow.Advisory) error {
	return g.publish(ctx, StreamClaims, ClaimsSubject(workflowID), adv)
}

// PublishAlert emits a high-risk notification.
func (g *Gateway) PublishAlert(ctx context.Context, a Alert) error {
	return g.publish(ctx, StreamAlerts, AlertSubject(a.WorkflowID), a)
}

// PublishNotification emits a user-visible milestone event, keyed by
// recipient scope.
func (g *Gateway) PublishNotification(ctx context.Context, recipientScope string, event workflow.NotificationEvent) error {
	return g.publish(ctx, StreamNotifications, NotificationSubject(recipientScope), event)
}

// PublishDLQ routes a poison message to the dead letter stream.
func (g *Gateway) PublishDLQ(ctx context.Context, env DLQEnvelope) error {
	err := g.publish(ctx, StreamDLQ, SubjectDLQ, env)
	if err == nil {
		g.logger.Warn("message routed to DLQ",
			slog.String("original_topic", env.OriginalTopic),
			slog.Uint64("original_offset", env.OriginalOffset),
			slog.Int("attempts", env.Attempts),
			slog.String("error_kind", string(env.LastError.Kind)))
	}
	return err
}

func (g *Gateway) publish(ctx context.Context, stream, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		publishTotal.WithLabelValues(stream, string(workflow.KindSerialization)).Inc()
		return workflow.WrapKind(workflow.KindSerialization, err)
	}

	if _, err := g.js.Publish(ctx, subject, data); err != nil {
		kind := classifyPublishError(err)
		publishTotal.WithLabelValues(stream, string(kind)).Inc()
		return workflow.WrapKind(kind, err)
	}

	publishTotal.WithLabelValues(stream, "ok").Inc()
	return nil
}

func classifyPublishError(err error) workflow.Kind {
	if errors.Is(err, nats.ErrAuthorization) {
		return workflow.KindAuthError
	}
	return workflow.KindBusUnavailable
}
