package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crisislens/veriflow/workflow"
)

func fastRuntime(maxAttempts int) *Runtime {
	return NewRuntime(Config{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, nil)
}

func TestRunSuccess(t *testing.T) {
	r := fastRuntime(3)
	calls := 0
	out := r.Run(context.Background(), workflow.NodeNormalize, time.Second, func(context.Context) error {
		calls++
		return nil
	})
	if out.Err != nil {
		t.Fatalf("unexpected error: %+v", out.Err)
	}
	if calls != 1 || out.Retries != 0 {
		t.Errorf("calls = %d, retries = %d", calls, out.Retries)
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	r := fastRuntime(3)
	calls := 0
	out := r.Run(context.Background(), workflow.NodeEvidenceRetrieve, time.Second, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if out.Err != nil {
		t.Fatalf("unexpected error: %+v", out.Err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if out.Retries != 2 {
		t.Errorf("retries = %d, want 2", out.Retries)
	}
	// Transient failures stay on record with increasing attempts.
	if len(out.Errors) != 2 {
		t.Fatalf("recorded errors = %d, want 2", len(out.Errors))
	}
	for i, e := range out.Errors {
		if e.Kind != workflow.KindRetryable || e.Attempt != i+1 {
			t.Errorf("error %d = %+v", i, e)
		}
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	r := fastRuntime(3)
	calls := 0
	out := r.Run(context.Background(), workflow.NodeVeracityAssess, time.Second, func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	if out.Err == nil {
		t.Fatal("expected terminal error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if out.Err.Kind != workflow.KindRetryable || out.Err.Attempt != 3 {
		t.Errorf("error = %+v", out.Err)
	}
	if out.Err.Node != workflow.NodeVeracityAssess {
		t.Errorf("node = %s", out.Err.Node)
	}
}

func TestRunNonRetryableFailsImmediately(t *testing.T) {
	r := fastRuntime(5)
	calls := 0
	out := r.Run(context.Background(), workflow.NodeNormalize, time.Second, func(context.Context) error {
		calls++
		return workflow.Errorf(workflow.KindValidation, "payload has no text")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on validation)", calls)
	}
	if out.Err == nil || out.Err.Kind != workflow.KindValidation {
		t.Errorf("error = %+v", out.Err)
	}
}

func TestRunPermanentUpstreamFailsImmediately(t *testing.T) {
	r := fastRuntime(5)
	calls := 0
	out := r.Run(context.Background(), workflow.NodeEvidenceRetrieve, time.Second, func(context.Context) error {
		calls++
		return workflow.Errorf(workflow.KindPermanentUpstream, "service retired")
	})
	if calls != 1 || out.Err == nil || out.Err.Kind != workflow.KindPermanentUpstream {
		t.Errorf("calls = %d, error = %+v", calls, out.Err)
	}
}

func TestRunAttemptTimeout(t *testing.T) {
	r := fastRuntime(2)
	calls := 0
	out := r.Run(context.Background(), workflow.NodeDraftAdvisory, 20*time.Millisecond, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if out.Err == nil {
		t.Fatal("expected timeout error")
	}
	if out.Err.Kind != workflow.KindTimeout {
		t.Errorf("kind = %s, want timeout", out.Err.Kind)
	}
	// Timeouts retry up to the cap.
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRunCancelledContext(t *testing.T) {
	r := fastRuntime(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := r.Run(ctx, workflow.NodePublish, time.Second, func(context.Context) error {
		t.Error("fn should not run on a dead context")
		return nil
	})
	if out.Err == nil || out.Err.Kind != workflow.KindCancelled {
		t.Errorf("error = %+v", out.Err)
	}
}
