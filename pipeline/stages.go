package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/crisislens/veriflow/bus"
	"github.com/crisislens/veriflow/node"
	"github.com/crisislens/veriflow/workflow"
)

func (e *Engine) stepNormalize(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	return e.step(ctx, wf, workflow.NodeNormalize, func(c context.Context, w *workflow.Workflow) (func(*workflow.Workflow) error, error) {
		item, err := e.collab.Normalizer.Normalize(c, w.RawItem)
		if err != nil {
			return nil, err
		}
		return func(w *workflow.Workflow) error {
			return w.SetResult(workflow.NodeNormalize, item)
		}, nil
	})
}

func (e *Engine) stepEntities(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	return e.step(ctx, wf, workflow.NodeEntityExtract, func(c context.Context, w *workflow.Workflow) (func(*workflow.Workflow) error, error) {
		item, err := fragmentOf[workflow.NormalizedItem](w, workflow.NodeNormalize)
		if err != nil {
			return nil, err
		}
		entities, err := e.collab.Entities.Entities(c, item)
		if err != nil {
			return nil, err
		}
		return func(w *workflow.Workflow) error {
			return w.SetResult(workflow.NodeEntityExtract, entities)
		}, nil
	})
}

func (e *Engine) stepClaims(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	return e.step(ctx, wf, workflow.NodeClaimExtract, func(c context.Context, w *workflow.Workflow) (func(*workflow.Workflow) error, error) {
		item, err := fragmentOf[workflow.NormalizedItem](w, workflow.NodeNormalize)
		if err != nil {
			return nil, err
		}
		entities, err := fragmentOf[[]workflow.Entity](w, workflow.NodeEntityExtract)
		if err != nil {
			return nil, err
		}
		claims, err := e.collab.Claims.Claims(c, item, entities)
		if err != nil {
			return nil, err
		}
		return func(w *workflow.Workflow) error {
			w.Claims = claims
			return w.SetResult(workflow.NodeClaimExtract, claims)
		}, nil
	})
}

// claimOutcome carries one sub-pipeline's runtime accounting back to the
// merge.
type claimOutcome struct {
	errors  []workflow.NodeError
	retries map[workflow.Node]int
}

func (co *claimOutcome) absorb(n workflow.Node, out node.Outcome) {
	co.errors = append(co.errors, out.Errors...)
	if out.Retries > 0 {
		if co.retries == nil {
			co.retries = map[workflow.Node]int{}
		}
		co.retries[n] += out.Retries
	}
}

// stepFanout runs the per-claim sub-pipelines with bounded parallelism and
// merges their results into pre-allocated slots in claim-extraction order.
// Individual claim failures are recorded without aborting the workflow;
// only all claims failing is terminal. Zero claims proceed straight to
// risk scoring.
func (e *Engine) stepFanout(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	claims := wf.Claims

	results := make([]workflow.ClaimResult, len(claims))
	outcomes := make([]claimOutcome, len(claims))

	sem := make(chan struct{}, e.cfg.Pipeline.ClaimParallelism)
	var wg sync.WaitGroup
	for i, claim := range claims {
		wg.Add(1)
		go func(i int, claim workflow.Claim) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i], outcomes[i] = e.runClaim(ctx, claim)
		}(i, claim)
	}
	wg.Wait()

	merged := mergedOutcome{Retries: map[workflow.Node]int{}}
	failed := 0
	for i := range outcomes {
		merged.Errors = append(merged.Errors, outcomes[i].errors...)
		for n, r := range outcomes[i].retries {
			merged.Retries[n] += r
		}
		if results[i].Failed {
			failed++
		}
	}

	if len(claims) > 0 && failed == len(claims) {
		merged.Errors = append(merged.Errors, workflow.NodeError{
			Node:   workflow.NodeVeracityAssess,
			Kind:   workflow.KindAllClaimsFailed,
			Detail: "every claim sub-pipeline failed",
			At:     time.Now().UTC(),
		})
		return e.finishFailed(ctx, wf, merged, workflow.KindAllClaimsFailed)
	}

	return e.commit(ctx, wf, workflow.NodeVeracityAssess, merged, func(w *workflow.Workflow) error {
		w.ClaimResults = results
		return nil
	})
}

// runClaim executes topic -> evidence -> veracity for one claim. A node
// failure fails the claim and skips its remaining nodes.
func (e *Engine) runClaim(ctx context.Context, claim workflow.Claim) (workflow.ClaimResult, claimOutcome) {
	res := workflow.ClaimResult{ClaimID: claim.ClaimID}
	var co claimOutcome

	fail := func(err workflow.NodeError) (workflow.ClaimResult, claimOutcome) {
		errCopy := err
		res.Failed = true
		res.Error = &errCopy
		return res, co
	}

	var topics []string
	out := e.runtime.Run(ctx, workflow.NodeTopicAssign, e.cfg.NodeTimeout(workflow.NodeTopicAssign), func(c context.Context) error {
		t, err := e.collab.Topics.Topics(c, claim)
		if err != nil {
			return err
		}
		topics = t
		return nil
	})
	co.absorb(workflow.NodeTopicAssign, out)
	if out.Err != nil {
		return fail(*out.Err)
	}
	res.Topics = topics

	var evidence []workflow.Evidence
	out = e.runtime.Run(ctx, workflow.NodeEvidenceRetrieve, e.cfg.NodeTimeout(workflow.NodeEvidenceRetrieve), func(c context.Context) error {
		ev, err := e.collab.Evidence.Evidence(c, claim)
		if err != nil {
			return err
		}
		evidence = ev
		return nil
	})
	co.absorb(workflow.NodeEvidenceRetrieve, out)
	if out.Err != nil {
		return fail(*out.Err)
	}
	res.Evidence = evidence

	var veracity float64
	out = e.runtime.Run(ctx, workflow.NodeVeracityAssess, e.cfg.NodeTimeout(workflow.NodeVeracityAssess), func(c context.Context) error {
		v, err := e.collab.Veracity.Veracity(c, claim, evidence)
		if err != nil {
			return err
		}
		veracity = v
		return nil
	})
	co.absorb(workflow.NodeVeracityAssess, out)
	if out.Err != nil {
		return fail(*out.Err)
	}
	res.Veracity = veracity

	return res, co
}

// riskFragment is the stored risk node output.
type riskFragment struct {
	RiskScore float64 `json:"risk_score"`
}

// stepRisk scores the item and branches: at or above the review threshold
// the workflow parks in AwaitingReview with a review_requested alert;
// below it continues to drafting.
func (e *Engine) stepRisk(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	var score float64
	out := e.runtime.Run(ctx, workflow.NodeRiskScore, e.cfg.NodeTimeout(workflow.NodeRiskScore), func(c context.Context) error {
		item, err := fragmentOf[workflow.NormalizedItem](wf, workflow.NodeNormalize)
		if err != nil {
			return err
		}
		s, err := e.collab.Risk.Risk(c, item, wf.ClaimResults)
		if err != nil {
			return err
		}
		score = s
		return nil
	})
	if out.Err != nil {
		return e.failNode(ctx, wf, outcomeOf(workflow.NodeRiskScore, out), out.Err.Kind)
	}

	now := time.Now().UTC()
	applyScore := func(w *workflow.Workflow) error {
		w.RiskScore = &score
		return w.SetResult(workflow.NodeRiskScore, riskFragment{RiskScore: score})
	}

	if score < e.cfg.Pipeline.ReviewThreshold {
		updated, err := e.commit(ctx, wf, workflow.NodeRiskScore, outcomeOf(workflow.NodeRiskScore, out), applyScore)
		if err != nil {
			return updated, err
		}
		e.notifyRisk(updated, score)
		return updated, nil
	}

	// Threshold met (>=, boundary inclusive): park for human review.
	updated, err := e.store.Mutate(ctx, wf.WorkflowID, func(w *workflow.Workflow) error {
		outcomeOf(workflow.NodeRiskScore, out).applyTo(w)
		if err := applyScore(w); err != nil {
			return err
		}
		w.Review = &workflow.Review{RequestedAt: now}
		w.CurrentNode = workflow.NodeDraftAdvisory
		w.SetStatus(workflow.StatusAwaitingReview, now)
		return nil
	})
	if err != nil {
		return e.failStore(ctx, wf, err)
	}
	if err := e.checkpoint(ctx, updated, workflow.NodeRiskScore, now); err != nil {
		return nil, err
	}
	workflowsTotal.WithLabelValues("awaiting_review").Inc()

	e.notifyRisk(updated, score)
	e.store.NotifyEvent(workflow.NotificationEvent{
		Type:       workflow.EventReviewRequested,
		WorkflowID: updated.WorkflowID,
		Payload:    mustJSON(map[string]any{"risk_score": score}),
		At:         now,
	})

	severity := bus.SeverityWarn
	if score >= 0.9 {
		severity = bus.SeverityCritical
	}
	e.publishAlert(ctx, bus.Alert{
		WorkflowID: updated.WorkflowID,
		Kind:       bus.AlertReviewRequested,
		Severity:   severity,
		Summary:    "high-risk item awaiting review",
		At:         now,
	})
	return updated, nil
}

func (e *Engine) notifyRisk(wf *workflow.Workflow, score float64) {
	e.store.NotifyEvent(workflow.NotificationEvent{
		Type:       workflow.EventRiskScored,
		WorkflowID: wf.WorkflowID,
		Payload:    mustJSON(map[string]any{"risk_score": score}),
		At:         time.Now().UTC(),
	})
}

func (e *Engine) stepDraft(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	return e.step(ctx, wf, workflow.NodeDraftAdvisory, func(c context.Context, w *workflow.Workflow) (func(*workflow.Workflow) error, error) {
		item, err := fragmentOf[workflow.NormalizedItem](w, workflow.NodeNormalize)
		if err != nil {
			return nil, err
		}
		risk, err := fragmentOf[riskFragment](w, workflow.NodeRiskScore)
		if err != nil {
			return nil, err
		}
		adv, err := e.collab.Drafter.Draft(c, item, w.ClaimResults, risk.RiskScore)
		if err != nil {
			return nil, err
		}
		return func(w *workflow.Workflow) error {
			return w.SetResult(workflow.NodeDraftAdvisory, adv)
		}, nil
	})
}

func (e *Engine) stepTranslate(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	return e.step(ctx, wf, workflow.NodeTranslate, func(c context.Context, w *workflow.Workflow) (func(*workflow.Workflow) error, error) {
		item, err := fragmentOf[workflow.NormalizedItem](w, workflow.NodeNormalize)
		if err != nil {
			return nil, err
		}
		adv, err := fragmentOf[workflow.Advisory](w, workflow.NodeDraftAdvisory)
		if err != nil {
			return nil, err
		}

		var targets []string
		for _, lang := range platformLanguages {
			if lang != item.Language {
				targets = append(targets, lang)
			}
		}
		translations, err := e.collab.Translator.Translate(c, adv, targets)
		if err != nil {
			return nil, err
		}
		return func(w *workflow.Workflow) error {
			return w.SetResult(workflow.NodeTranslate, translations)
		}, nil
	})
}

// publishFragment is the stored publish node output.
type publishFragment struct {
	PublishedAt time.Time `json:"published_at"`
	Subject     string    `json:"subject"`
}

// stepPublish emits the advisory on the claims stream and lands the
// workflow Completed in one transition.
func (e *Engine) stepPublish(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, error) {
	adv, err := fragmentOf[workflow.Advisory](wf, workflow.NodeDraftAdvisory)
	if err != nil {
		return e.failNode(ctx, wf, mergedOutcome{Errors: []workflow.NodeError{{
			Node: workflow.NodePublish, Kind: workflow.KindOf(err), Detail: err.Error(), Attempt: 1, At: time.Now().UTC(),
		}}}, workflow.KindOf(err))
	}
	if translations, terr := fragmentOf[map[string]string](wf, workflow.NodeTranslate); terr == nil {
		adv.Translations = translations
	}

	out := e.runtime.Run(ctx, workflow.NodePublish, e.cfg.NodeTimeout(workflow.NodePublish), func(c context.Context) error {
		return e.gateway.PublishAdvisory(c, wf.WorkflowID, adv)
	})
	if out.Err != nil {
		return e.failNode(ctx, wf, outcomeOf(workflow.NodePublish, out), out.Err.Kind)
	}

	now := time.Now().UTC()
	updated, err := e.store.Mutate(ctx, wf.WorkflowID, func(w *workflow.Workflow) error {
		outcomeOf(workflow.NodePublish, out).applyTo(w)
		if err := w.SetResult(workflow.NodePublish, publishFragment{
			PublishedAt: now,
			Subject:     bus.ClaimsSubject(w.WorkflowID),
		}); err != nil {
			return err
		}
		w.CurrentNode = ""
		w.SetStatus(workflow.StatusCompleted, now)
		return nil
	})
	if err != nil {
		return e.failStore(ctx, wf, err)
	}
	if err := e.checkpoint(ctx, updated, workflow.NodePublish, now); err != nil {
		return nil, err
	}
	e.finishCompleted(ctx, updated)
	return updated, nil
}
