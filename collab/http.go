package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crisislens/veriflow/workflow"
)

// HTTPClient calls an external collaborator service speaking JSON over
// HTTP. One endpoint per concern under /v1. Per-call deadlines come from
// the caller's context; the embedded client timeout is a safety net only.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPSet returns a Set backed by one HTTPClient.
func NewHTTPSet(baseURL, token string) *Set {
	c := &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
	return &Set{
		Normalizer: c,
		Entities:   c,
		Claims:     c,
		Topics:     c,
		Evidence:   c,
		Veracity:   c,
		Risk:       c,
		Drafter:    c,
		Translator: c,
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return workflow.WrapKind(workflow.KindSerialization, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return workflow.WrapKind(workflow.KindValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Context errors surface through KindOf as timeout/cancelled.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return workflow.WrapKind(workflow.KindRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("collaborator %s: status %d: %s", path, resp.StatusCode, snippet)
		return workflow.WrapKind(classifyStatus(resp.StatusCode), err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return workflow.Errorf(workflow.KindSerialization, "collaborator %s: decode: %v", path, err)
	}
	return nil
}

// classifyStatus maps an HTTP status to the error taxonomy. Client errors
// are permanent, auth failures are fatal, everything else retries.
func classifyStatus(status int) workflow.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return workflow.KindAuthError
	case status == http.StatusGone:
		return workflow.KindPermanentUpstream
	case status == http.StatusTooManyRequests:
		return workflow.KindRetryable
	case status >= 400 && status < 500:
		return workflow.KindValidation
	default:
		return workflow.KindRetryable
	}
}

func (c *HTTPClient) Normalize(ctx context.Context, item workflow.RawItem) (workflow.NormalizedItem, error) {
	var out workflow.NormalizedItem
	err := c.post(ctx, "/v1/normalize", item, &out)
	return out, err
}

func (c *HTTPClient) Entities(ctx context.Context, item workflow.NormalizedItem) ([]workflow.Entity, error) {
	var out struct {
		Entities []workflow.Entity `json:"entities"`
	}
	err := c.post(ctx, "/v1/entities", item, &out)
	return out.Entities, err
}

func (c *HTTPClient) Claims(ctx context.Context, item workflow.NormalizedItem, entities []workflow.Entity) ([]workflow.Claim, error) {
	in := struct {
		Item     workflow.NormalizedItem `json:"item"`
		Entities []workflow.Entity       `json:"entities"`
	}{item, entities}
	var out struct {
		Claims []workflow.Claim `json:"claims"`
	}
	err := c.post(ctx, "/v1/claims", in, &out)
	return out.Claims, err
}

func (c *HTTPClient) Topics(ctx context.Context, claim workflow.Claim) ([]string, error) {
	var out struct {
		Topics []string `json:"topics"`
	}
	err := c.post(ctx, "/v1/topics", claim, &out)
	return out.Topics, err
}

func (c *HTTPClient) Evidence(ctx context.Context, claim workflow.Claim) ([]workflow.Evidence, error) {
	var out struct {
		Evidence []workflow.Evidence `json:"evidence"`
	}
	err := c.post(ctx, "/v1/evidence", claim, &out)
	return out.Evidence, err
}

func (c *HTTPClient) Veracity(ctx context.Context, claim workflow.Claim, evidence []workflow.Evidence) (float64, error) {
	in := struct {
		Claim    workflow.Claim      `json:"claim"`
		Evidence []workflow.Evidence `json:"evidence"`
	}{claim, evidence}
	var out struct {
		Veracity float64 `json:"veracity"`
	}
	err := c.post(ctx, "/v1/veracity", in, &out)
	return out.Veracity, err
}

func (c *HTTPClient) Risk(ctx context.Context, item workflow.NormalizedItem, results []workflow.ClaimResult) (float64, error) {
	in := struct {
		Item    workflow.NormalizedItem `json:"item"`
		Results []workflow.ClaimResult  `json:"results"`
	}{item, results}
	var out struct {
		Risk float64 `json:"risk"`
	}
	err := c.post(ctx, "/v1/risk", in, &out)
	return out.Risk, err
}

func (c *HTTPClient) Draft(ctx context.Context, item workflow.NormalizedItem, results []workflow.ClaimResult, risk float64) (workflow.Advisory, error) {
	in := struct {
		Item    workflow.NormalizedItem `json:"item"`
		Results []workflow.ClaimResult  `json:"results"`
		Risk    float64                 `json:"risk"`
	}{item, results, risk}
	var out workflow.Advisory
	err := c.post(ctx, "/v1/draft", in, &out)
	return out, err
}

func (c *HTTPClient) Translate(ctx context.Context, adv workflow.Advisory, languages []string) (map[string]string, error) {
	in := struct {
		Advisory  workflow.Advisory `json:"advisory"`
		Languages []string          `json:"languages"`
	}{adv, languages}
	var out struct {
		Translations map[string]string `json:"translations"`
	}
	err := c.post(ctx, "/v1/translate", in, &out)
	return out.Translations, err
}
