package collab

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/crisislens/veriflow/workflow"
)

func TestNormalize(t *testing.T) {
	set := NewLocalSet()
	ctx := context.Background()

	item := workflow.RawItem{
		SourceID: "tw-1",
		Source:   "twitter",
		Payload:  json.RawMessage(`{"title":"Bridge","text":"  The   bridge is   closed. ","lang":"en"}`),
	}
	got, err := set.Normalizer.Normalize(ctx, item)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.Text != "The bridge is closed." {
		t.Errorf("text = %q", got.Text)
	}
	if got.Language != "en" || got.Title != "Bridge" || got.Source != "twitter" {
		t.Errorf("normalized = %+v", got)
	}
}

func TestNormalizeRejectsEmptyText(t *testing.T) {
	set := NewLocalSet()

	_, err := set.Normalizer.Normalize(context.Background(), workflow.RawItem{
		Payload: json.RawMessage(`{"title":"nothing here"}`),
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if kind := workflow.KindOf(err); kind != workflow.KindValidation {
		t.Errorf("error kind = %s, want validation", kind)
	}

	_, err = set.Normalizer.Normalize(context.Background(), workflow.RawItem{
		Payload: json.RawMessage(`not json`),
	})
	if kind := workflow.KindOf(err); kind != workflow.KindValidation {
		t.Errorf("malformed payload kind = %s, want validation", kind)
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"The bridge over the river is closed after the storm", "en"},
		{"El puente sobre el río está cerrado y la ciudad evacúa a los vecinos de la zona", "es"},
		{"Le pont est fermé et les habitants sont évacués dans la nuit après une explosion", "fr"},
	}
	for _, tt := range tests {
		if got := detectLanguage(tt.text); got != tt.want {
			t.Errorf("detectLanguage(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestClaimsExtraction(t *testing.T) {
	set := NewLocalSet()
	item := workflow.NormalizedItem{
		Text: "Nice weather today. The bridge collapsed and 3 people were injured. Stay safe everyone.",
	}
	claims, err := set.Claims.Claims(context.Background(), item, nil)
	if err != nil {
		t.Fatalf("Claims() error = %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("claims = %d, want 1", len(claims))
	}
	c := claims[0]
	if c.ClaimID != "c1" {
		t.Errorf("claim id = %s", c.ClaimID)
	}
	if !strings.Contains(c.Text, "collapsed") {
		t.Errorf("claim text = %q", c.Text)
	}
	if got := item.Text[c.Span[0]:c.Span[1]]; got != c.Text {
		t.Errorf("span %v selects %q, want %q", c.Span, got, c.Text)
	}
}

func TestClaimsDeterministic(t *testing.T) {
	set := NewLocalSet()
	item := workflow.NormalizedItem{Text: "The dam flooded 40 homes. Officials evacuated the district."}
	a, _ := set.Claims.Claims(context.Background(), item, nil)
	b, _ := set.Claims.Claims(context.Background(), item, nil)
	if len(a) != len(b) || len(a) != 2 {
		t.Fatalf("claim counts = %d, %d, want 2", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("claim %d differs across runs", i)
		}
	}
}

func TestTopics(t *testing.T) {
	set := NewLocalSet()
	topics, err := set.Topics.Topics(context.Background(), workflow.Claim{
		Text: "The bridge collapsed into the flooded river",
	})
	if err != nil {
		t.Fatalf("Topics() error = %v", err)
	}
	want := map[string]bool{"flooding": true, "infrastructure": true}
	for _, topic := range topics {
		if !want[topic] {
			t.Errorf("unexpected topic %s", topic)
		}
		delete(want, topic)
	}
	if len(want) != 0 {
		t.Errorf("missing topics: %v", want)
	}

	fallback, _ := set.Topics.Topics(context.Background(), workflow.Claim{Text: "nothing notable"})
	if len(fallback) != 1 || fallback[0] != "general" {
		t.Errorf("fallback topics = %v, want [general]", fallback)
	}
}

func TestVeracity(t *testing.T) {
	set := NewLocalSet()
	ctx := context.Background()

	ev := []workflow.Evidence{{Source: "a"}, {Source: "b"}}
	score, err := set.Veracity.Veracity(ctx, workflow.Claim{Text: "The road is closed"}, ev)
	if err != nil {
		t.Fatalf("Veracity() error = %v", err)
	}
	if score != 0.7 {
		t.Errorf("score = %f, want 0.7", score)
	}

	hedged, _ := set.Veracity.Veracity(ctx, workflow.Claim{Text: "Unconfirmed reports of damage"}, ev)
	if hedged >= score {
		t.Errorf("hedged score %f should be below %f", hedged, score)
	}

	bare, _ := set.Veracity.Veracity(ctx, workflow.Claim{Text: "x"}, nil)
	if bare != 0.5 {
		t.Errorf("no-evidence score = %f, want 0.5", bare)
	}
}

func TestRiskScoring(t *testing.T) {
	set := NewLocalSet()
	ctx := context.Background()

	calm, err := set.Risk.Risk(ctx, workflow.NormalizedItem{Text: "All calm in the city today"}, nil)
	if err != nil {
		t.Fatalf("Risk() error = %v", err)
	}
	if calm != 0.1 {
		t.Errorf("calm risk = %f, want 0.1", calm)
	}

	severe, _ := set.Risk.Risk(ctx, workflow.NormalizedItem{
		Text: "Dozens killed and many injured after the building collapsed",
	}, []workflow.ClaimResult{{ClaimID: "c1", Veracity: 0.4}})
	if severe < 0.7 {
		t.Errorf("severe risk = %f, want >= 0.7", severe)
	}
	if severe > 1 {
		t.Errorf("risk %f exceeds 1", severe)
	}
}

func TestDraftSeverity(t *testing.T) {
	set := NewLocalSet()
	ctx := context.Background()
	item := workflow.NormalizedItem{Title: "Flood update", Text: "The river flooded two streets."}
	results := []workflow.ClaimResult{{ClaimID: "c1", Veracity: 0.8}}

	tests := []struct {
		risk float64
		want string
	}{
		{0.1, "info"},
		{0.5, "warn"},
		{0.9, "critical"},
	}
	for _, tt := range tests {
		adv, err := set.Drafter.Draft(ctx, item, results, tt.risk)
		if err != nil {
			t.Fatalf("Draft() error = %v", err)
		}
		if adv.Severity != tt.want {
			t.Errorf("severity at %.1f = %s, want %s", tt.risk, adv.Severity, tt.want)
		}
		if adv.Headline != "Flood update" {
			t.Errorf("headline = %q", adv.Headline)
		}
		if !strings.Contains(adv.Body, "c1") {
			t.Error("body should list verified claims")
		}
	}
}

func TestTranslate(t *testing.T) {
	set := NewLocalSet()
	adv := workflow.Advisory{Body: "stay away from the bridge"}
	got, err := set.Translator.Translate(context.Background(), adv, []string{"es", "fr"})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("translations = %d, want 2", len(got))
	}
	if !strings.HasPrefix(got["es"], "[es] ") || !strings.HasPrefix(got["fr"], "[fr] ") {
		t.Errorf("translations = %v", got)
	}
}

func TestEntities(t *testing.T) {
	set := NewLocalSet()
	entities, err := set.Entities.Entities(context.Background(), workflow.NormalizedItem{
		Text: "The mayor of Springfield said the Elm Bridge is closed.",
	})
	if err != nil {
		t.Fatalf("Entities() error = %v", err)
	}
	var names []string
	for _, e := range entities {
		names = append(names, e.Text)
	}
	joined := strings.Join(names, " ")
	for _, want := range []string{"Springfield", "Elm", "Bridge"} {
		if !strings.Contains(joined, want) {
			t.Errorf("entities %v missing %s", names, want)
		}
	}
	if errors.Is(err, context.Canceled) {
		t.Error("unexpected context error")
	}
}
