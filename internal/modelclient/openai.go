package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haricheung/cascade/internal/types"
)

// OpenAIClient is an OpenAI-compatible chat-completions adapter implementing
// the Client contract. Cost is computed from configured per-1k-token prices
// in micro-currency units.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	providerID string
	// Prices in micro-currency units per 1000 tokens.
	priceInPer1K  int64
	priceOutPer1K int64
	httpClient    *http.Client
}

// normalizeBaseURL strips trailing slashes and a "/chat/completions" suffix
// from a raw base URL so the path is never doubled when the client appends
// "/chat/completions" itself.
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// NewOpenAIClient creates an adapter for a named tier (e.g. "TEACHER",
// "STUDENT"). For each config key it first tries {prefix}_{KEY}; if unset it
// falls back to the shared OPENAI_{KEY}.
//
// Expectations:
//   - Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
//   - Falls back to OPENAI_* vars for any unset tier-specific var
//   - Empty prefix reads only the shared OPENAI_* vars
func NewOpenAIClient(prefix string, priceInPer1K, priceOutPer1K int64) *OpenAIClient {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	providerID := strings.ToLower(prefix)
	if providerID == "" {
		providerID = "openai"
	}
	return &OpenAIClient{
		baseURL:       normalizeBaseURL(get("BASE_URL", "OPENAI_BASE_URL")),
		apiKey:        get("API_KEY", "OPENAI_API_KEY"),
		model:         get("MODEL", "OPENAI_MODEL"),
		providerID:    providerID,
		priceInPer1K:  priceInPer1K,
		priceOutPer1K: priceOutPer1K,
		httpClient:    &http.Client{Timeout: 120 * time.Second},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []chatMsg `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends prompt and returns the assistant text plus usage-derived
// cost. Errors carry taxonomy kinds: transport failures are KindTransport,
// 429 is KindRateLimited, 5xx is KindRetryable, 401/403 is KindPolicy, and
// other 4xx is KindInvalid.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, opts Options) (Generation, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	payload := chatRequest{
		Model:       c.model,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stop:        opts.Stop,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Generation{}, types.WrapError(types.KindInvalid, "marshal request", err)
	}

	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Generation{}, types.WrapError(types.KindInvalid, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Generation{}, types.WrapError(types.KindCancelled, "request", ctx.Err())
		}
		return Generation{}, types.WrapError(types.KindTransport, "http request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Generation{}, types.WrapError(types.KindTransport, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Generation{}, types.NewError(types.KindRateLimited, fmt.Sprintf("HTTP 429: %s", truncate(respBody)))
	case resp.StatusCode >= 500:
		return Generation{}, types.NewError(types.KindRetryable, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(respBody)))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Generation{}, types.NewError(types.KindPolicy, fmt.Sprintf("HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Generation{}, types.NewError(types.KindInvalid, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(respBody)))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return Generation{}, types.WrapError(types.KindTransport, "unmarshal response", err)
	}
	if chatResp.Error != nil {
		return Generation{}, types.NewError(types.KindInvalid, "API error: "+chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return Generation{}, types.NewError(types.KindRetryable, "no choices in response")
	}

	usage := chatResp.Usage
	cost := int64(usage.PromptTokens)*c.priceInPer1K/1000 + int64(usage.CompletionTokens)*c.priceOutPer1K/1000
	return Generation{
		Text:          chatResp.Choices[0].Message.Content,
		TokensIn:      usage.PromptTokens,
		TokensOut:     usage.CompletionTokens,
		CostMicros:    cost,
		LatencyMillis: time.Since(started).Milliseconds(),
		ProviderID:    c.providerID,
	}, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}
