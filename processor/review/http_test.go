package review

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/crisislens/veriflow/bus"
	"github.com/crisislens/veriflow/config"
	"github.com/crisislens/veriflow/store"
	"github.com/crisislens/veriflow/workflow"
)

type reviewHarness struct {
	comp   *Component
	store  *store.Store
	js     jetstream.JetStream
	nc     *nats.Conn
	server *httptest.Server
}

func newReviewHarness(t *testing.T) *reviewHarness {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
		StoreDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)

	ctx := context.Background()
	client, err := natsclient.NewClient(ns.ClientURL(), natsclient.WithName("review-test"))
	if err != nil {
		t.Fatalf("create NATS client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	js, err := client.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	nc := client.GetConnection()

	if err := bus.EnsureStreams(ctx, js, time.Hour); err != nil {
		t.Fatalf("EnsureStreams: %v", err)
	}
	st, err := store.Open(ctx, js, nc, store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ReminderAfterSeconds = 1

	comp := &Component{
		name:       "review",
		config:     cfg,
		natsClient: client,
		logger:     slog.Default(),
		appCfg:     config.DefaultConfig(),
		store:      st,
		gateway:    bus.NewGateway(js, nil),
		reminded:   make(map[string]time.Time),
	}

	srv := httptest.NewServer(comp.routes())
	t.Cleanup(srv.Close)

	return &reviewHarness{comp: comp, store: st, js: js, nc: nc, server: srv}
}

// seedParked writes a workflow in AwaitingReview with a pending review.
func (h *reviewHarness) seedParked(t *testing.T, id string, requestedAt time.Time) {
	t.Helper()
	score := 0.85
	now := time.Now().UTC()
	wf := &workflow.Workflow{
		WorkflowID:  id,
		SourceID:    "src-" + id,
		Source:      "test-feed",
		Status:      workflow.StatusAwaitingReview,
		CurrentNode: workflow.NodeDraftAdvisory,
		RiskScore:   &score,
		Review:      &workflow.Review{RequestedAt: requestedAt},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.Create(context.Background(), wf); err != nil {
		t.Fatalf("seed workflow %s: %v", id, err)
	}
}

func (h *reviewHarness) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestListReviews(t *testing.T) {
	h := newReviewHarness(t)
	h.seedParked(t, "wf-list-1", time.Now().UTC().Add(-2*time.Hour))
	h.seedParked(t, "wf-list-2", time.Now().UTC().Add(-1*time.Hour))

	resp, err := http.Get(h.server.URL + "/reviews")
	if err != nil {
		t.Fatalf("GET /reviews: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Reviews []workflow.ReviewTask `json:"reviews"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Reviews) != 2 {
		t.Fatalf("reviews = %d, want 2", len(body.Reviews))
	}
	// Oldest request first.
	if body.Reviews[0].WorkflowID != "wf-list-1" {
		t.Errorf("first review = %s, want wf-list-1", body.Reviews[0].WorkflowID)
	}
	if body.Reviews[0].RiskScore != 0.85 {
		t.Errorf("risk score = %v, want 0.85", body.Reviews[0].RiskScore)
	}
}

func TestClaimLifecycle(t *testing.T) {
	h := newReviewHarness(t)
	h.seedParked(t, "wf-claim", time.Now().UTC())

	resp, body := h.post(t, "/reviews/wf-claim/claim", claimRequest{Operator: "op-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d, body %v", resp.StatusCode, body)
	}
	token, _ := body["lease_token"].(string)
	if token == "" {
		t.Fatal("claim returned no lease token")
	}

	// A second operator cannot take a live lease.
	resp, _ = h.post(t, "/reviews/wf-claim/claim", claimRequest{Operator: "op-2"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("foreign claim status = %d, want 409", resp.StatusCode)
	}

	// The holder can refresh, rotating the token.
	resp, body = h.post(t, "/reviews/wf-claim/claim", claimRequest{Operator: "op-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}
	if body["lease_token"] == token {
		t.Error("refresh should rotate the lease token")
	}

	// Missing operator is a bad request.
	resp, _ = h.post(t, "/reviews/wf-claim/claim", claimRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty operator status = %d, want 400", resp.StatusCode)
	}

	// Unknown workflow is not found.
	resp, _ = h.post(t, "/reviews/nope/claim", claimRequest{Operator: "op-1"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown workflow status = %d, want 404", resp.StatusCode)
	}
}

func TestDecideApprove(t *testing.T) {
	h := newReviewHarness(t)
	h.seedParked(t, "wf-decide", time.Now().UTC())

	sub, err := h.nc.SubscribeSync(workflow.ReviewDecidedSubject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	_, body := h.post(t, "/reviews/wf-decide/claim", claimRequest{Operator: "op-1"})
	token := body["lease_token"].(string)

	// A stale token is rejected.
	resp, _ := h.post(t, "/reviews/wf-decide/decide", decideRequest{
		Operator: "op-1", Decision: workflow.DecisionApprove, LeaseToken: "bogus",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stale token status = %d, want 409", resp.StatusCode)
	}

	resp, body = h.post(t, "/reviews/wf-decide/decide", decideRequest{
		Operator: "op-1", Decision: workflow.DecisionApprove, LeaseToken: token, Feedback: "looks right",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decide status = %d, body %v", resp.StatusCode, body)
	}
	if body["status"] != string(workflow.StatusResuming) {
		t.Errorf("status = %v, want resuming", body["status"])
	}

	wf, err := h.store.Get(context.Background(), "wf-decide")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if wf.Status != workflow.StatusResuming {
		t.Errorf("stored status = %s, want resuming", wf.Status)
	}
	if wf.Review.Decision != workflow.DecisionApprove || wf.Review.DecidedBy != "op-1" {
		t.Errorf("review = %+v", wf.Review)
	}
	if wf.Review.Feedback != "looks right" {
		t.Errorf("feedback = %q", wf.Review.Feedback)
	}
	if wf.Review.LeaseToken != "" {
		t.Error("lease should clear when the decision lands")
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("no decision signal: %v", err)
	}
	var event workflow.ReviewDecidedEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	if event.WorkflowID != "wf-decide" || event.Decision != workflow.DecisionApprove {
		t.Errorf("signal = %+v", event)
	}

	// Double decision conflicts: the workflow left AwaitingReview.
	resp, _ = h.post(t, "/reviews/wf-decide/decide", decideRequest{
		Operator: "op-2", Decision: workflow.DecisionReject,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double decision status = %d, want 409", resp.StatusCode)
	}
}

func TestDecideWithoutClaim(t *testing.T) {
	h := newReviewHarness(t)
	h.seedParked(t, "wf-unclaimed", time.Now().UTC())

	// No lease was ever taken; the decision lands directly.
	resp, _ := h.post(t, "/reviews/wf-unclaimed/decide", decideRequest{
		Operator: "op-1", Decision: workflow.DecisionNeedsInvestigation,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decide status = %d", resp.StatusCode)
	}

	resp, _ = h.post(t, "/reviews/wf-unclaimed/decide", decideRequest{
		Operator: "op-1", Decision: "maybe",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid decision status = %d, want 400", resp.StatusCode)
	}
}

func TestGetAndCancelWorkflow(t *testing.T) {
	h := newReviewHarness(t)
	h.seedParked(t, "wf-cancel", time.Now().UTC())

	resp, err := http.Get(h.server.URL + "/workflows/wf-cancel")
	if err != nil {
		t.Fatalf("GET workflow: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(h.server.URL + "/workflows/missing")
	if err != nil {
		t.Fatalf("GET missing workflow: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get missing status = %d, want 404", resp.StatusCode)
	}

	// Parked workflows cancel immediately.
	postResp, body := h.post(t, "/workflows/wf-cancel/cancel", struct{}{})
	if postResp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", postResp.StatusCode)
	}
	if body["status"] != string(workflow.StatusCancelled) {
		t.Errorf("cancel result status = %v, want cancelled", body["status"])
	}

	// Cancelling a terminal workflow conflicts.
	postResp, _ = h.post(t, "/workflows/wf-cancel/cancel", struct{}{})
	if postResp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", postResp.StatusCode)
	}
}

func TestReminderScan(t *testing.T) {
	h := newReviewHarness(t)
	h.seedParked(t, "wf-stale", time.Now().UTC().Add(-time.Minute))
	h.seedParked(t, "wf-fresh", time.Now().UTC())

	ctx := context.Background()
	h.comp.scanReminders(ctx)

	alerts := alertCount(t, h.js)
	if alerts != 1 {
		t.Fatalf("alerts after first scan = %d, want 1 (stale only)", alerts)
	}

	// A second scan inside the window stays quiet.
	h.comp.scanReminders(ctx)
	if got := alertCount(t, h.js); got != 1 {
		t.Errorf("alerts after second scan = %d, want 1", got)
	}
}

func alertCount(t *testing.T, js jetstream.JetStream) uint64 {
	t.Helper()
	s, err := js.Stream(context.Background(), bus.StreamAlerts)
	if err != nil {
		t.Fatalf("alerts stream: %v", err)
	}
	info, err := s.Info(context.Background())
	if err != nil {
		t.Fatalf("alerts info: %v", err)
	}
	return info.State.Msgs
}

func TestNewComponentConfig(t *testing.T) {
	tests := []struct {
		name      string
		rawConfig string
		wantErr   bool
	}{
		{"invalid JSON", `{bad}`, true},
		{"defaults", `{}`, false},
		{"negative lease", `{"lease_ttl_seconds":-5}`, true},
		{"custom addr", `{"listen_addr":":9999"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := component.Dependencies{Logger: slog.Default()}
			_, err := NewComponent(json.RawMessage(tt.rawConfig), deps)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewComponent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.LeaseTTL() != 30*time.Minute {
		t.Errorf("LeaseTTL() = %v, want 30m", cfg.LeaseTTL())
	}
	if cfg.ReminderAfter() != 24*time.Hour {
		t.Errorf("ReminderAfter() = %v, want 24h", cfg.ReminderAfter())
	}
	if cfg.CheckInterval() != 10*time.Minute {
		t.Errorf("CheckInterval() = %v, want 10m", cfg.CheckInterval())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestDecideWithExpiredLease(t *testing.T) {
	h := newReviewHarness(t)
	h.seedParked(t, "wf-expired", time.Now().UTC())

	resp, body := h.post(t, "/reviews/wf-expired/claim", claimRequest{Operator: "op-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d, body %v", resp.StatusCode, body)
	}
	token, _ := body["lease_token"].(string)

	// Age the lease past its expiry.
	_, err := h.store.Mutate(context.Background(), "wf-expired", func(wf *workflow.Workflow) error {
		wf.Review.LeaseExpires = time.Now().UTC().Add(-time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	// The token is the right one, but the lease behind it has lapsed.
	resp, _ = h.post(t, "/reviews/wf-expired/decide", decideRequest{
		Operator:   "op-1",
		Decision:   workflow.DecisionApprove,
		LeaseToken: token,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expired lease decide status = %d, want 409", resp.StatusCode)
	}

	wf, err := h.store.Get(context.Background(), "wf-expired")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if wf.Status != workflow.StatusAwaitingReview {
		t.Errorf("status = %s, want awaiting_review", wf.Status)
	}

	// An expired lease no longer blocks another operator from claiming.
	resp, _ = h.post(t, "/reviews/wf-expired/claim", claimRequest{Operator: "op-2"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("claim after expiry status = %d, want 200", resp.StatusCode)
	}
}
