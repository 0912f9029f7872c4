package workflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeterministicID(t *testing.T) {
	a := DeterministicID("tw-18827f3")
	b := DeterministicID("tw-18827f3")
	if a != b {
		t.Errorf("same source_id produced different IDs: %s vs %s", a, b)
	}
	c := DeterministicID("tw-18827f4")
	if a == c {
		t.Errorf("distinct source_ids collided on %s", a)
	}
	if len(a) != 36 {
		t.Errorf("expected UUID string form, got %q", a)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"tagged validation", WrapKind(KindValidation, errors.New("empty payload")), KindValidation},
		{"wrapped tag survives", Errorf(KindPermanentUpstream, "claim service gone: %w", errors.New("410")), KindPermanentUpstream},
		{"deadline maps to timeout", context.DeadlineExceeded, KindTimeout},
		{"cancel maps to cancelled", context.Canceled, KindCancelled},
		{"untagged defaults retryable", errors.New("connection reset"), KindRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestKindCanRetry(t *testing.T) {
	retryable := []Kind{KindRetryable, KindTimeout, KindBusUnavailable}
	for _, k := range retryable {
		if !k.CanRetry() {
			t.Errorf("%s should be retryable", k)
		}
	}
	fatal := []Kind{KindValidation, KindPermanentUpstream, KindCancelled, KindAllClaimsFailed, KindConsistencyLost, KindSerialization, KindAuthError}
	for _, k := range fatal {
		if k.CanRetry() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestSetStatusRecordsChange(t *testing.T) {
	now := time.Now().UTC()
	wf := &Workflow{Status: StatusPending}
	wf.SetStatus(StatusRunning, now)
	if wf.Status != StatusRunning {
		t.Fatalf("status = %s, want running", wf.Status)
	}
	if len(wf.StatusChanges) != 1 {
		t.Fatalf("expected one status change, got %d", len(wf.StatusChanges))
	}
	ch := wf.StatusChanges[0]
	if ch.From != StatusPending || ch.To != StatusRunning {
		t.Errorf("recorded %s->%s, want pending->running", ch.From, ch.To)
	}
	if !ch.At.Equal(now) || !wf.UpdatedAt.Equal(now) {
		t.Error("status change timestamp not applied")
	}
}

func TestIncrRetry(t *testing.T) {
	wf := &Workflow{}
	if got := wf.IncrRetry(NodeEvidenceRetrieve); got != 1 {
		t.Errorf("first retry = %d, want 1", got)
	}
	if got := wf.IncrRetry(NodeEvidenceRetrieve); got != 2 {
		t.Errorf("second retry = %d, want 2", got)
	}
	if _, ok := wf.RetryCounts[NodeNormalize]; ok {
		t.Error("untouched node should have no retry entry")
	}
}

func TestSetResult(t *testing.T) {
	wf := &Workflow{}
	if wf.HasResult(NodeNormalize) {
		t.Fatal("fresh workflow should have no results")
	}
	err := wf.SetResult(NodeNormalize, NormalizedItem{Text: "bridge closed", Language: "en"})
	if err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	if !wf.HasResult(NodeNormalize) {
		t.Error("result fragment not recorded")
	}
}
