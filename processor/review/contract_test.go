package review

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisislens/veriflow/workflow"
)

// Contract tests pin the JSON shape of operator API responses. The operator
// console treats these fields as required; a tag change that drops a field
// from the payload breaks it at runtime, so these tests must pass before any
// change to the response structs.

func TestReviewTaskContract_RequiredFields(t *testing.T) {
	// Zero-valued fields must still serialize: an unclaimed task has
	// claimed=false and an unscored one risk_score=0, and the console
	// reads both unconditionally.
	task := workflow.ReviewTask{
		WorkflowID:  "wf-1",
		SourceID:    "tg-123",
		RequestedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(task)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, field := range []string{"workflow_id", "source_id", "risk_score", "requested_at", "claimed"} {
		_, exists := raw[field]
		assert.True(t, exists, "required field %q must be present in JSON output", field)
	}
}

func TestClaimResponseContract(t *testing.T) {
	resp := claimResponse{
		WorkflowID:   "wf-1",
		LeaseToken:   "tok",
		LeaseExpires: time.Now().UTC(),
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, field := range []string{"workflow_id", "lease_token", "lease_expires"} {
		_, exists := raw[field]
		assert.True(t, exists, "required field %q must be present in JSON output", field)
	}
}

func TestListReviewsContract_EmptyQueue(t *testing.T) {
	// The reviews key must carry an array, never null, when the queue is
	// empty. handleListReviews substitutes the empty slice explicitly.
	data, err := json.Marshal(map[string]any{"reviews": []workflow.ReviewTask{}})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `[]`, string(raw["reviews"]))
}
