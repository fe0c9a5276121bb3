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

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAI adapts the OpenAI chat completions protocol.
type OpenAI struct {
	cfg     domain.ModelConfig
	deps    Deps
	baseURL string
}

func NewOpenAI(cfg domain.ModelConfig, deps Deps) Adapter {
	baseURL := openAIBaseURL
	if deps.BaseURL != "" {
		baseURL = deps.BaseURL
	}
	return &OpenAI{cfg: cfg, deps: deps, baseURL: baseURL}
}

func (p *OpenAI) ModelID() string  { return p.cfg.ModelID }
func (p *OpenAI) Provider() string { return "openai" }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *OpenAI) wireRequest(req domain.Request, stream bool) openAIRequest {
	wire := openAIRequest{
		Model:       p.cfg.WireName,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if wantsJSON(req) {
		wire.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}
	return wire
}

func (p *OpenAI) newHTTPRequest(ctx context.Context, wire openAIRequest) (*http.Request, error) {
	key, err := p.deps.Secrets.GetSecret(ctx, p.cfg.SecretRef)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)
	return httpReq, nil
}

func (p *OpenAI) Generate(ctx context.Context, req domain.Request) (*Result, error) {
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
		return nil, fmt.Errorf("%w: openai status=%d body=%s", domain.ErrProvider, resp.StatusCode, string(bodyBytes))
	}

	var wire openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrProvider, err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", domain.ErrProvider)
	}

	result := &Result{
		Content:      wire.Choices[0].Message.Content,
		InputTokens:  wire.Usage.PromptTokens,
		OutputTokens: wire.Usage.CompletionTokens,
	}
	if result.InputTokens == 0 {
		result.InputTokens = cost.EstimateTokens(req.Prompt)
	}
	if result.OutputTokens == 0 {
		result.OutputTokens = cost.EstimateTokens(result.Content)
	}
	return result, nil
}

func (p *OpenAI) Stream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, <-chan error) {
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
			errs <- fmt.Errorf("%w: openai status=%d body=%s", domain.ErrProvider, resp.StatusCode, string(bodyBytes))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				select {
				case chunks <- domain.StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}

			var wire openAIResponse
			if err := json.Unmarshal([]byte(data), &wire); err != nil || len(wire.Choices) == 0 {
				continue
			}
			content := wire.Choices[0].Delta.Content
			if content == "" {
				continue
			}

			select {
			case chunks <- domain.StreamChunk{Content: content}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("%w: scan: %v", domain.ErrProvider, err)
		}
	}()

	return chunks, errs
}

func (p *OpenAI) HealthCheck(ctx context.Context) Health {
	start := time.Now()

	key, err := p.deps.Secrets.GetSecret(ctx, p.cfg.SecretRef)
	if err != nil {
		return Health{Error: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return Health{Error: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)

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

func (p *OpenAI) EstimateCost(prompt string, maxTokens int) float64 {
	return p.deps.Estimator.EstimateRequest(p.cfg, prompt, maxTokens)
}
