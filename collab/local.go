package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/crisislens/veriflow/workflow"
)

// NewLocalSet returns the built-in heuristic collaborators. They are fully
// deterministic, which makes pipeline behavior reproducible in development
// and in tests; production deployments point at external services instead.
func NewLocalSet() *Set {
	l := &local{}
	return &Set{
		Normalizer: l,
		Entities:   l,
		Claims:     l,
		Topics:     l,
		Evidence:   l,
		Veracity:   l,
		Risk:       l,
		Drafter:    l,
		Translator: l,
	}
}

type local struct{}

// rawPayload is the accepted inbound payload shape. Field aliases cover the
// common ingestion adapters.
type rawPayload struct {
	Title    string `json:"title"`
	Text     string `json:"text"`
	Body     string `json:"body"`
	Lang     string `json:"lang"`
	Language string `json:"language"`
}

func (l *local) Normalize(_ context.Context, item workflow.RawItem) (workflow.NormalizedItem, error) {
	var p rawPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return workflow.NormalizedItem{}, workflow.Errorf(workflow.KindValidation, "malformed payload: %v", err)
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		text = strings.TrimSpace(p.Body)
	}
	if text == "" {
		return workflow.NormalizedItem{}, workflow.Errorf(workflow.KindValidation, "payload has no text")
	}

	lang := p.Lang
	if lang == "" {
		lang = p.Language
	}
	if lang == "" {
		lang = detectLanguage(text)
	}

	return workflow.NormalizedItem{
		Title:    strings.TrimSpace(p.Title),
		Text:     collapseWhitespace(text),
		Language: lang,
		Source:   item.Source,
	}, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// detectLanguage is a coarse guess from common function words. Anything
// unrecognized reports English; external collaborators do better.
func detectLanguage(text string) string {
	lower := " " + strings.ToLower(text) + " "
	score := func(words ...string) int {
		n := 0
		for _, w := range words {
			n += strings.Count(lower, " "+w+" ")
		}
		return n
	}
	es := score("el", "la", "los", "las", "que", "de", "en", "y", "un", "una")
	fr := score("le", "la", "les", "des", "est", "et", "dans", "une", "du")
	switch {
	case es > 2 && es >= fr:
		return "es"
	case fr > 2:
		return "fr"
	}
	return "en"
}

var entityStopwords = map[string]bool{
	"The": true, "A": true, "An": true, "This": true, "That": true,
	"It": true, "They": true, "We": true, "He": true, "She": true,
	"At": true, "In": true, "On": true, "After": true, "Before": true,
}

func (l *local) Entities(_ context.Context, item workflow.NormalizedItem) ([]workflow.Entity, error) {
	var entities []workflow.Entity
	seen := map[string]bool{}
	for _, token := range strings.Fields(item.Text) {
		word := strings.Trim(token, ".,;:!?\"'()")
		if len(word) < 3 || !unicode.IsUpper(rune(word[0])) {
			continue
		}
		if entityStopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		entities = append(entities, workflow.Entity{Text: word})
	}
	return entities, nil
}

// claimCues mark sentences worth checking. A sentence with a digit counts
// as a claim too.
var claimCues = []string{
	"killed", "injured", "dead", "died", "missing",
	"closed", "collapsed", "destroyed", "damaged",
	"evacuated", "evacuation", "flooded", "flooding",
	"fire", "earthquake", "explosion", "outbreak",
}

func (l *local) Claims(_ context.Context, item workflow.NormalizedItem, _ []workflow.Entity) ([]workflow.Claim, error) {
	var claims []workflow.Claim
	offset := 0
	for _, sentence := range splitSentences(item.Text) {
		start := strings.Index(item.Text[offset:], sentence) + offset
		end := start + len(sentence)
		offset = end
		if !isClaim(sentence) {
			continue
		}
		claims = append(claims, workflow.Claim{
			ClaimID: fmt.Sprintf("c%d", len(claims)+1),
			Text:    sentence,
			Span:    [2]int{start, end},
		})
	}
	return claims, nil
}

func splitSentences(text string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	}) {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isClaim(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, cue := range claimCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return strings.ContainsAny(sentence, "0123456789")
}

// topicCues maps keyword to topic label.
var topicCues = []struct {
	cue   string
	topic string
}{
	{"flood", "flooding"},
	{"fire", "fire"},
	{"earthquake", "earthquake"},
	{"explosion", "explosion"},
	{"outbreak", "public_health"},
	{"killed", "casualties"},
	{"injured", "casualties"},
	{"dead", "casualties"},
	{"died", "casualties"},
	{"missing", "casualties"},
	{"evacuat", "evacuation"},
	{"bridge", "infrastructure"},
	{"road", "infrastructure"},
	{"closed", "infrastructure"},
	{"collapsed", "infrastructure"},
	{"power", "infrastructure"},
}

func (l *local) Topics(_ context.Context, claim workflow.Claim) ([]string, error) {
	lower := strings.ToLower(claim.Text)
	var topics []string
	seen := map[string]bool{}
	for _, tc := range topicCues {
		if strings.Contains(lower, tc.cue) && !seen[tc.topic] {
			seen[tc.topic] = true
			topics = append(topics, tc.topic)
		}
	}
	if len(topics) == 0 {
		topics = []string{"general"}
	}
	return topics, nil
}

func (l *local) Evidence(_ context.Context, claim workflow.Claim) ([]workflow.Evidence, error) {
	snippet := claim.Text
	if len(snippet) > 80 {
		snippet = snippet[:80]
	}
	return []workflow.Evidence{{
		Source:  "local-index",
		Snippet: "indexed reference for: " + snippet,
	}}, nil
}

// hedges lower confidence in a claim.
var hedges = []string{"rumor", "rumour", "unconfirmed", "allegedly", "reportedly", "unverified"}

func (l *local) Veracity(_ context.Context, claim workflow.Claim, evidence []workflow.Evidence) (float64, error) {
	score := 0.5
	for range evidence {
		score += 0.1
		if score >= 0.9 {
			score = 0.9
			break
		}
	}
	lower := strings.ToLower(claim.Text)
	for _, h := range hedges {
		if strings.Contains(lower, h) {
			score -= 0.2
			break
		}
	}
	return clamp01(score), nil
}

// riskCues weight the hazard classes that drive escalation.
var riskCues = []struct {
	cue    string
	weight float64
}{
	{"killed", 0.4}, {"dead", 0.4}, {"died", 0.4}, {"injured", 0.3},
	{"missing", 0.3}, {"evacuat", 0.3}, {"outbreak", 0.3},
	{"collapsed", 0.25}, {"explosion", 0.3}, {"fire", 0.2},
	{"flood", 0.2}, {"earthquake", 0.25}, {"closed", 0.1},
}

func (l *local) Risk(_ context.Context, item workflow.NormalizedItem, results []workflow.ClaimResult) (float64, error) {
	risk := 0.1
	lower := strings.ToLower(item.Text)
	for _, rc := range riskCues {
		if strings.Contains(lower, rc.cue) {
			risk += rc.weight
		}
	}

	// Uncertainty raises risk: poorly evidenced claims need eyes on them.
	if len(results) > 0 {
		var sum float64
		for _, r := range results {
			if r.Failed {
				continue
			}
			sum += r.Veracity
		}
		avg := sum / float64(len(results))
		risk += (1 - avg) * 0.2
	}
	return clamp01(risk), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (l *local) Draft(_ context.Context, item workflow.NormalizedItem, results []workflow.ClaimResult, risk float64) (workflow.Advisory, error) {
	headline := item.Title
	if headline == "" {
		if s := splitSentences(item.Text); len(s) > 0 {
			headline = s[0]
		} else {
			headline = item.Text
		}
	}

	severity := "info"
	switch {
	case risk >= 0.7:
		severity = "critical"
	case risk >= 0.3:
		severity = "warn"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", item.Text)
	if len(results) > 0 {
		b.WriteString("Verified claims:\n")
		for _, r := range results {
			if r.Failed {
				continue
			}
			fmt.Fprintf(&b, "- [%s] confidence %.2f\n", r.ClaimID, r.Veracity)
		}
	}

	return workflow.Advisory{
		Headline: headline,
		Body:     b.String(),
		Severity: severity,
	}, nil
}

func (l *local) Translate(_ context.Context, adv workflow.Advisory, languages []string) (map[string]string, error) {
	out := make(map[string]string, len(languages))
	for _, lang := range languages {
		// The local translator only tags; real translation is an
		// external collaborator concern.
		out[lang] = "[" + lang + "] " + adv.Body
	}
	return out, nil
}
