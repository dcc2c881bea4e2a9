// Package genai provides AI-backed operations for FlowBot: an upstream model
// catalog client, a chat completion client, and the model selector with
// ordered fallback.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ModelPricing is the upstream per-token USD cost, kept in the catalog's
// string form.
type ModelPricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// ModelInfo describes one model offered by the upstream catalog.
type ModelInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	ContextLength int          `json:"context_length"`
	Pricing       ModelPricing `json:"pricing"`
}

// PromptCostPerMillion returns the prompt cost in USD per million tokens.
// Unparseable pricing counts as zero.
func (m ModelInfo) PromptCostPerMillion() float64 {
	return perMillion(m.Pricing.Prompt)
}

// CompletionCostPerMillion returns the completion cost in USD per million tokens.
func (m ModelInfo) CompletionCostPerMillion() float64 {
	return perMillion(m.Pricing.Completion)
}

// CombinedCostPerMillion returns prompt plus completion cost per million tokens.
func (m ModelInfo) CombinedCostPerMillion() float64 {
	return m.PromptCostPerMillion() + m.CompletionCostPerMillion()
}

func perMillion(perToken string) float64 {
	if perToken == "" {
		return 0
	}
	f, err := strconv.ParseFloat(perToken, 64)
	if err != nil {
		return 0
	}
	return f * 1_000_000
}

// Catalog lists the models available upstream. The selector never writes to
// the catalog.
type Catalog interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// HTTPCatalog fetches the model list from an OpenRouter-shaped
// GET {baseURL}/models endpoint.
type HTTPCatalog struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPCatalog creates a catalog client for the given API base URL.
func NewHTTPCatalog(baseURL string) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ListModels fetches and decodes the upstream model list.
func (c *HTTPCatalog) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog request returned status %d", resp.StatusCode)
	}

	var body struct {
		Data []ModelInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}
	slog.Debug("HTTPCatalog.ListModels fetched models", "count", len(body.Data))
	return body.Data, nil
}
