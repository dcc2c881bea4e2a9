// Package genai provides AI-backed operations for FlowBot.
//
// This file implements the model selector: it ranks catalog models by the
// admin-configured policy, caches the ranking, and executes actions with
// ordered fallback across candidates.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long a filtered/sorted candidate list is reused.
const DefaultCacheTTL = time.Hour

// defaultProviderPriority orders allow-listed models by provider keyword;
// first match wins, matched case-insensitively against id+name.
var defaultProviderPriority = []string{
	"anthropic", "claude",
	"openai", "gpt",
	"google", "gemini",
	"meta-llama", "llama",
	"mistral",
	"qwen",
	"deepseek",
}

// knownParamCounts covers models whose parameter count is not parseable from
// their id or name.
var knownParamCounts = map[string]int64{
	"gpt-4o":        200_000_000_000,
	"gpt-4o-mini":   8_000_000_000,
	"gpt-3.5-turbo": 20_000_000_000,
	"o1-mini":       8_000_000_000,
}

// paramCountRegex matches numeric-suffix parameter patterns like "70b" or "7.5B".
var paramCountRegex = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*[bB]\b`)

// SelectorConfig is the admin-configured model policy.
type SelectorConfig struct {
	// DefaultModel is tried first when no allow-list is configured, and is
	// the single candidate when the catalog yields nothing.
	DefaultModel string
	// DisabledModels are excluded unconditionally.
	DisabledModels []string
	// AllowedModels, when non-empty, restricts candidates to exactly this
	// list regardless of cost.
	AllowedModels []string
	// MaxPromptCostPerMillion / MaxCompletionCostPerMillion cap per-million
	// token costs when no allow-list is configured. Zero disables the cap.
	MaxPromptCostPerMillion     float64
	MaxCompletionCostPerMillion float64
	// CacheTTL bounds the candidate list cache; zero means DefaultCacheTTL.
	CacheTTL time.Duration
	// ProviderPriority overrides the default provider keyword table.
	ProviderPriority []string
}

// Selector ranks and chooses backend models for AI-driven nodes.
type Selector struct {
	catalog Catalog

	mu       sync.Mutex
	cfg      SelectorConfig
	cached   []ModelInfo
	cachedAt time.Time
}

// NewSelector creates a selector over the given catalog.
func NewSelector(catalog Catalog, cfg SelectorConfig) *Selector {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if len(cfg.ProviderPriority) == 0 {
		cfg.ProviderPriority = defaultProviderPriority
	}
	return &Selector{catalog: catalog, cfg: cfg}
}

// SetConfig replaces the policy and invalidates the cached candidate list.
func (s *Selector) SetConfig(cfg SelectorConfig) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if len(cfg.ProviderPriority) == 0 {
		cfg.ProviderPriority = defaultProviderPriority
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.cached = nil
	slog.Info("Selector.SetConfig: policy updated, cache invalidated",
		"allowListed", len(cfg.AllowedModels), "disabled", len(cfg.DisabledModels))
}

// InvalidateCache drops the cached candidate list.
func (s *Selector) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

// GetAvailableModels returns the filtered, policy-ordered candidate list.
// The list is cached for the configured TTL.
func (s *Selector) GetAvailableModels(ctx context.Context) ([]ModelInfo, error) {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < s.cfg.CacheTTL {
		out := append([]ModelInfo(nil), s.cached...)
		s.mu.Unlock()
		return out, nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	upstream, err := s.catalog.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	candidates := rankModels(upstream, cfg)

	s.mu.Lock()
	s.cached = append([]ModelInfo(nil), candidates...)
	s.cachedAt = time.Now()
	s.mu.Unlock()

	slog.Debug("Selector.GetAvailableModels ranked candidates", "count", len(candidates))
	return candidates, nil
}

// GetPreferredModel returns the id of the first candidate, or the configured
// default when the list is empty.
func (s *Selector) GetPreferredModel(ctx context.Context) (string, error) {
	candidates, err := s.GetAvailableModels(ctx)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		s.mu.Lock()
		def := s.cfg.DefaultModel
		s.mu.Unlock()
		return def, nil
	}
	return candidates[0].ID, nil
}

// rankModels applies the filtering and ordering policy to the upstream list.
func rankModels(upstream []ModelInfo, cfg SelectorConfig) []ModelInfo {
	disabled := make(map[string]bool, len(cfg.DisabledModels))
	for _, id := range cfg.DisabledModels {
		disabled[id] = true
	}

	if len(cfg.AllowedModels) > 0 {
		byID := make(map[string]ModelInfo, len(upstream))
		for _, m := range upstream {
			byID[m.ID] = m
		}
		var out []ModelInfo
		for _, id := range cfg.AllowedModels {
			if disabled[id] {
				continue
			}
			m, ok := byID[id]
			if !ok {
				slog.Warn("Selector: allow-listed model not in upstream catalog", "model", id)
				continue
			}
			out = append(out, m)
		}
		sort.SliceStable(out, func(i, j int) bool {
			pi, pj := providerPriority(out[i], cfg.ProviderPriority), providerPriority(out[j], cfg.ProviderPriority)
			if pi != pj {
				return pi < pj
			}
			return parseParamCount(out[i]) > parseParamCount(out[j])
		})
		return out
	}

	var out []ModelInfo
	for _, m := range upstream {
		if disabled[m.ID] {
			continue
		}
		if cfg.MaxPromptCostPerMillion > 0 && m.PromptCostPerMillion() > cfg.MaxPromptCostPerMillion {
			continue
		}
		if cfg.MaxCompletionCostPerMillion > 0 && m.CompletionCostPerMillion() > cfg.MaxCompletionCostPerMillion {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CombinedCostPerMillion() < out[j].CombinedCostPerMillion()
	})

	if cfg.DefaultModel != "" {
		// The default candidate is tried first; hoist it when present,
		// synthesize an entry otherwise.
		idx := -1
		for i, m := range out {
			if m.ID == cfg.DefaultModel {
				idx = i
				break
			}
		}
		if idx > 0 {
			def := out[idx]
			out = append(out[:idx], out[idx+1:]...)
			out = append([]ModelInfo{def}, out...)
		} else if idx == -1 && !disabled[cfg.DefaultModel] {
			out = append([]ModelInfo{{ID: cfg.DefaultModel, Name: cfg.DefaultModel}}, out...)
		}
	}
	return out
}

// providerPriority returns the index of the first priority keyword matching
// the model's id or name, or len(table) when none matches.
func providerPriority(m ModelInfo, table []string) int {
	haystack := strings.ToLower(m.ID + " " + m.Name)
	for i, keyword := range table {
		if strings.Contains(haystack, strings.ToLower(keyword)) {
			return i
		}
	}
	return len(table)
}

// parseParamCount estimates the parameter count from the model's id or name.
// Unparseable models are treated as 0.
func parseParamCount(m ModelInfo) int64 {
	// Longest key wins so "gpt-4o-mini" is not shadowed by "gpt-4o".
	var known int64
	knownLen := 0
	for key, count := range knownParamCounts {
		if len(key) > knownLen && (strings.Contains(m.ID, key) || strings.Contains(m.Name, key)) {
			known, knownLen = count, len(key)
		}
	}
	if knownLen > 0 {
		return known
	}
	match := paramCountRegex.FindStringSubmatch(m.ID + " " + m.Name)
	if match == nil {
		return 0
	}
	f, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0
	}
	return int64(f * 1_000_000_000)
}

// Action is a unit of AI work executed against one model id.
type Action func(ctx context.Context, modelID string) (string, error)

// ExecuteWithFallback tries candidates in policy order, up to maxRetries
// attempts. Each failure is logged and the next candidate is tried; the last
// error is returned only when every attempted candidate failed. Returns the
// result and the id of the model that produced it.
func (s *Selector) ExecuteWithFallback(ctx context.Context, action Action, maxRetries int) (string, string, error) {
	candidates := s.candidateIDs(ctx, maxRetries)
	var lastErr error
	for _, id := range candidates {
		result, err := action(ctx, id)
		if err != nil {
			slog.Warn("Selector.ExecuteWithFallback: model failed, trying next candidate", "model", id, "error", err)
			lastErr = err
			continue
		}
		slog.Debug("Selector.ExecuteWithFallback succeeded", "model", id)
		return result, id, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no model candidates available")
	}
	return "", "", lastErr
}

// StreamAction starts a streaming unit of AI work against one model id.
type StreamAction func(ctx context.Context, modelID string) (*Stream, error)

// ExecuteStreamingWithFallback applies the same ordering and fallback policy
// as ExecuteWithFallback, but a clean fallback is only guaranteed for
// failures occurring before the first chunk is produced. Once a chunk has
// been emitted the stream is committed: later failures surface as a stream
// error instead of a silent retry, so partial output is never discarded and
// re-sent.
func (s *Selector) ExecuteStreamingWithFallback(ctx context.Context, createStream StreamAction, maxRetries int) (*Stream, string, error) {
	candidates := s.candidateIDs(ctx, maxRetries)
	var lastErr error
	for _, id := range candidates {
		upstream, err := createStream(ctx, id)
		if err != nil {
			slog.Warn("Selector.ExecuteStreamingWithFallback: stream start failed, trying next candidate", "model", id, "error", err)
			lastErr = err
			continue
		}

		first, ok := <-upstream.Chunks()
		if !ok {
			if err := upstream.Err(); err != nil {
				slog.Warn("Selector.ExecuteStreamingWithFallback: stream failed before first chunk, trying next candidate", "model", id, "error", err)
				lastErr = err
				continue
			}
			// Empty but successful stream: commit it.
			out := NewStream(1)
			out.Close()
			return out, id, nil
		}

		// First chunk arrived: commit to this model and pipe the rest through.
		out := NewStream(DefaultStreamBuffer)
		go pipeStream(ctx, out, first, upstream)
		return out, id, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no model candidates available")
	}
	return nil, "", lastErr
}

func pipeStream(ctx context.Context, out *Stream, first string, upstream *Stream) {
	if err := out.Send(ctx, first); err != nil {
		return
	}
	for chunk := range upstream.Chunks() {
		if err := out.Send(ctx, chunk); err != nil {
			return
		}
	}
	if err := upstream.Err(); err != nil {
		out.Fail(err)
		return
	}
	out.Close()
}

// candidateIDs returns up to maxRetries candidate ids, falling back to the
// configured default when the ranked list is empty or unavailable.
func (s *Selector) candidateIDs(ctx context.Context, maxRetries int) []string {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	models, err := s.GetAvailableModels(ctx)
	if err != nil {
		slog.Error("Selector.candidateIDs: failed to rank models, falling back to default", "error", err)
		models = nil
	}
	s.mu.Lock()
	def := s.cfg.DefaultModel
	s.mu.Unlock()

	if len(models) == 0 {
		if def == "" {
			return nil
		}
		return []string{def}
	}
	ids := make([]string, 0, maxRetries)
	for _, m := range models {
		if len(ids) == maxRetries {
			break
		}
		ids = append(ids, m.ID)
	}
	return ids
}
