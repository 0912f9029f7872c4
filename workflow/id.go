package workflow

import "github.com/google/uuid"

// idNamespace scopes deterministic workflow IDs. UUIDv5 over the source_id
// makes duplicate deliveries of the same item collapse onto one workflow.
var idNamespace = uuid.MustParse("7a1c2f58-9b4d-4e6a-8c3f-0d5e1b7a9f42")

// DeterministicID derives the workflow ID for a source_id. Stable across
// retries and across orchestrator instances.
func DeterministicID(sourceID string) string {
	return uuid.NewSHA1(idNamespace, []byte(sourceID)).String()
}
