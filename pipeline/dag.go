// Package pipeline is the orchestrator core: the fixed verification DAG,
// the engine that drives a workflow through it with checkpoint-per-node
// durability, the per-claim fan-out, the review pause/resume protocol, and
// startup recovery of orphaned workflows.
package pipeline

import "github.com/crisislens/veriflow/workflow"

// First is the pipeline entry node.
func First() workflow.Node { return workflow.NodeNormalize }

// Next returns the top-level node after n, or "" past publish. The
// per-claim nodes (topic, evidence, veracity) run inside the fan-out
// region, which checkpoints once as the veracity node after the merge. A
// crash inside the region resumes from the claims checkpoint and re-runs
// the whole fan-out; collaborators are idempotent by contract.
func Next(n workflow.Node) workflow.Node {
	switch n {
	case workflow.NodeNormalize:
		return workflow.NodeEntityExtract
	case workflow.NodeEntityExtract:
		return workflow.NodeClaimExtract
	case workflow.NodeClaimExtract:
		return workflow.NodeVeracityAssess
	case workflow.NodeTopicAssign, workflow.NodeEvidenceRetrieve, workflow.NodeVeracityAssess:
		return workflow.NodeRiskScore
	case workflow.NodeRiskScore:
		return workflow.NodeDraftAdvisory
	case workflow.NodeDraftAdvisory:
		return workflow.NodeTranslate
	case workflow.NodeTranslate:
		return workflow.NodePublish
	case workflow.NodePublish:
		return ""
	}
	return ""
}
