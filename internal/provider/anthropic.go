package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/cost"
	"github.com/modelrelay/modelrelay/internal/domain"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// Anthropic adapts the Anthropic messages protocol.
type Anthropic struct {
	cfg     domain.ModelConfig
	deps    Deps
	baseURL string
}

func NewAnthropic(cfg domain.ModelConfig, deps Deps) Adapter {
	baseURL := anthropicBaseURL
	if deps.BaseURL != "" {
		baseURL = deps.BaseURL
	}
	return &Anthropic{cfg: cfg, deps: deps, baseURL: baseURL}
}

func (p *Anthropic) ModelID() string  { return p.cfg.ModelID }
func (p *Anthropic) Provider() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream,omitempty"`
	System      string             `json:"system,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
}

func (p *Anthropic) wireRequest(req domain.Request, stream bool) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	wire := anthropicRequest{
		Model:       p.cfg.WireName,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if wantsJSON(req) {
		// The messages API has no response-format parameter; steer via a
		// system prompt instead.
		wire.System = "Respond with valid JSON only."
	}
	return wire
}

func (p *Anthropic) newHTTPRequest(ctx context.Context, wire anthropicRequest) (*http.Request, error) {
	key, err := p.deps.Secrets.GetSecret(ctx, p.cfg.SecretRef)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func (p *Anthropic) Generate(ctx context.Context, req domain.Request) (*Result, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.wireRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := p.deps.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: anthropic status=%d body=%s", domain.ErrProvider, resp.StatusCode, string(bodyBytes))
	}

	var wire anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrProvider, err)
	}

	var content strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	result := &Result{
		Content:      content.String(),
		InputTokens:  wire.Usage.InputTokens,
		OutputTokens: wire.Usage.OutputTokens,
	}
	if result.InputTokens == 0 {
		result.InputTokens = cost.EstimateTokens(req.Prompt)
	}
	if result.OutputTokens == 0 {
		result.OutputTokens = cost.EstimateTokens(result.Content)
	}
	return result, nil
}

func (p *Anthropic) Stream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		httpReq, err := p.newHTTPRequest(ctx, p.wireRequest(req, true))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.deps.Client.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("%w: %v", domain.ErrProvider, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			errs <- fmt.Errorf("%w: anthropic status=%d body=%s", domain.ErrProvider, resp.StatusCode, string(bodyBytes))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					continue
				}
				select {
				case chunks <- domain.StreamChunk{Content: event.Delta.Text}:
				case <-ctx.Done():
					return
				}
			case "message_stop":
				select {
				case chunks <- domain.StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("%w: scan: %v", domain.ErrProvider, err)
		}
	}()

	return chunks, errs
}

func (p *Anthropic) HealthCheck(ctx context.Context) Health {
	start := time.Now()

	// A one-token request is the cheapest authenticated probe the
	// messages API offers.
	wire := anthropicRequest{
		Model:     p.cfg.WireName,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	httpReq, err := p.newHTTPRequest(ctx, wire)
	if err != nil {
		return Health{Error: err.Error()}
	}

	resp, err := p.deps.Client.Do(httpReq)
	if err != nil {
		return Health{Error: err.Error(), LatencyMs: time.Since(start).Milliseconds()}
	}
	defer resp.Body.Close()

	h := Health{
		Healthy:   resp.StatusCode == http.StatusOK,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if !h.Healthy {
		h.Error = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return h
}

func (p *Anthropic) EstimateCost(prompt string, maxTokens int) float64 {
	return p.deps.Estimator.EstimateRequest(p.cfg, prompt, maxTokens)
}
