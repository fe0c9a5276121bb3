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

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini adapts the Google generative language protocol.
type Gemini struct {
	cfg     domain.ModelConfig
	deps    Deps
	baseURL string
}

func NewGemini(cfg domain.ModelConfig, deps Deps) Adapter {
	baseURL := geminiBaseURL
	if deps.BaseURL != "" {
		baseURL = deps.BaseURL
	}
	return &Gemini{cfg: cfg, deps: deps, baseURL: baseURL}
}

func (p *Gemini) ModelID() string  { return p.cfg.ModelID }
func (p *Gemini) Provider() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
		Temperature      float64 `json:"temperature"`
		ResponseMimeType string  `json:"responseMimeType,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (p *Gemini) wireRequest(req domain.Request) geminiRequest {
	var wire geminiRequest
	wire.Contents = []geminiContent{{
		Role:  "user",
		Parts: []geminiPart{{Text: req.Prompt}},
	}}
	wire.GenerationConfig.MaxOutputTokens = req.MaxTokens
	wire.GenerationConfig.Temperature = req.Temperature
	if wantsJSON(req) {
		wire.GenerationConfig.ResponseMimeType = "application/json"
	}
	return wire
}

func (p *Gemini) newHTTPRequest(ctx context.Context, req domain.Request, method string) (*http.Request, error) {
	key, err := p.deps.Secrets.GetSecret(ctx, p.cfg.SecretRef)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(p.wireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:%s", p.baseURL, p.cfg.WireName, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", key)
	return httpReq, nil
}

func geminiText(resp geminiResponse) string {
	var b strings.Builder
	for _, c := range resp.Candidates {
		for _, part := range c.Content.Parts {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func (p *Gemini) Generate(ctx context.Context, req domain.Request) (*Result, error) {
	httpReq, err := p.newHTTPRequest(ctx, req, "generateContent")
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
		return nil, fmt.Errorf("%w: gemini status=%d body=%s", domain.ErrProvider, resp.StatusCode, string(bodyBytes))
	}

	var wire geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrProvider, err)
	}
	if len(wire.Candidates) == 0 {
		return nil, fmt.Errorf("%w: gemini returned no candidates", domain.ErrProvider)
	}

	result := &Result{
		Content:      geminiText(wire),
		InputTokens:  wire.UsageMetadata.PromptTokenCount,
		OutputTokens: wire.UsageMetadata.CandidatesTokenCount,
	}
	if result.InputTokens == 0 {
		result.InputTokens = cost.EstimateTokens(req.Prompt)
	}
	if result.OutputTokens == 0 {
		result.OutputTokens = cost.EstimateTokens(result.Content)
	}
	return result, nil
}

func (p *Gemini) Stream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		httpReq, err := p.newHTTPRequest(ctx, req, "streamGenerateContent?alt=sse")
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
			errs <- fmt.Errorf("%w: gemini status=%d body=%s", domain.ErrProvider, resp.StatusCode, string(bodyBytes))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var wire geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &wire); err != nil {
				continue
			}
			content := geminiText(wire)
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
			return
		}

		select {
		case chunks <- domain.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return chunks, errs
}

func (p *Gemini) HealthCheck(ctx context.Context) Health {
	start := time.Now()

	key, err := p.deps.Secrets.GetSecret(ctx, p.cfg.SecretRef)
	if err != nil {
		return Health{Error: err.Error()}
	}

	url := fmt.Sprintf("%s/models/%s", p.baseURL, p.cfg.WireName)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Health{Error: err.Error()}
	}
	httpReq.Header.Set("x-goog-api-key", key)

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

func (p *Gemini) EstimateCost(prompt string, maxTokens int) float64 {
	return p.deps.Estimator.EstimateRequest(p.cfg, prompt, maxTokens)
}
