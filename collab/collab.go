// Package collab defines the collaborator boundary: the external predicates
// the pipeline calls for each node. Collaborators are synchronous, idempotent
// and carry no caller-local state; retry policy lives entirely in the node
// runtime.
package collab

import (
	"context"

	"github.com/crisislens/veriflow/workflow"
)

// Normalizer cleans a raw item into canonical text.
type Normalizer interface {
	Normalize(ctx context.Context, item workflow.RawItem) (workflow.NormalizedItem, error)
}

// EntityExtractor finds named entities in normalized text.
type EntityExtractor interface {
	Entities(ctx context.Context, item workflow.NormalizedItem) ([]workflow.Entity, error)
}

// ClaimExtractor splits normalized text into checkable claims.
type ClaimExtractor interface {
	Claims(ctx context.Context, item workflow.NormalizedItem, entities []workflow.Entity) ([]workflow.Claim, error)
}

// TopicAssigner labels one claim with topics.
type TopicAssigner interface {
	Topics(ctx context.Context, claim workflow.Claim) ([]string, error)
}

// EvidenceRetriever gathers supporting or refuting snippets for one claim.
type EvidenceRetriever interface {
	Evidence(ctx context.Context, claim workflow.Claim) ([]workflow.Evidence, error)
}

// VeracityAssessor scores one claim against its evidence, 0 (false) to 1
// (true).
type VeracityAssessor interface {
	Veracity(ctx context.Context, claim workflow.Claim, evidence []workflow.Evidence) (float64, error)
}

// RiskScorer scores the whole item, 0 (benign) to 1 (critical).
type RiskScorer interface {
	Risk(ctx context.Context, item workflow.NormalizedItem, results []workflow.ClaimResult) (float64, error)
}

// AdvisoryDrafter writes the public advisory for a verified item.
type AdvisoryDrafter interface {
	Draft(ctx context.Context, item workflow.NormalizedItem, results []workflow.ClaimResult, risk float64) (workflow.Advisory, error)
}

// Translator renders the advisory body into target languages.
type Translator interface {
	Translate(ctx context.Context, adv workflow.Advisory, languages []string) (map[string]string, error)
}

// Set bundles one collaborator per concern.
type Set struct {
	Normalizer Normalizer
	Entities   EntityExtractor
	Claims     ClaimExtractor
	Topics     TopicAssigner
	Evidence   EvidenceRetriever
	Veracity   VeracityAssessor
	Risk       RiskScorer
	Drafter    AdvisoryDrafter
	Translator Translator
}
