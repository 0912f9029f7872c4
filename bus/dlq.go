package bus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/crisislens/veriflow/workflow"
)

// ErrorInfo is the terminal failure summary carried in a DLQ envelope.
type ErrorInfo struct {
	Kind   workflow.Kind `json:"kind"`
	Detail string        `json:"detail"`
}

// DLQEnvelope wraps a poison message routed to the dead letter stream after
// the inbound attempt cap. original_partition is the stream name and
// original_offset the stream sequence, which together identify the message.
type DLQEnvelope struct {
	OriginalTopic     string          `json:"original_topic"`
	OriginalPartition string          `json:"original_partition"`
	OriginalOffset    uint64          `json:"original_offset"`
	FirstSeenAt       time.Time       `json:"first_seen_at"`
	LastError         ErrorInfo       `json:"last_error"`
	Attempts          int             `json:"attempts"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

// EnvelopeForMsg builds the DLQ envelope for a JetStream message that
// exhausted its attempts. meta may be nil when metadata is unavailable.
func EnvelopeForMsg(subject string, payload []byte, meta *jetstream.MsgMetadata, kind workflow.Kind, detail string) DLQEnvelope {
	env := DLQEnvelope{
		OriginalTopic: subject,
		FirstSeenAt:   time.Now().UTC(),
		LastError:     ErrorInfo{Kind: kind, Detail: detail},
		Attempts:      1,
		Payload:       payload,
	}
	if meta != nil {
		env.OriginalPartition = meta.Stream
		env.OriginalOffset = meta.Sequence.Stream
		env.Attempts = int(meta.NumDelivered)
		if !meta.Timestamp.IsZero() {
			env.FirstSeenAt = meta.Timestamp.UTC()
		}
	}
	return env
}
