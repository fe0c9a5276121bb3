package gateway

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/domain"
)

const (
	maxPromptChars = 50000
	maxMaxTokens   = 32000
	maxTemperature = 2.0
)

// Enricher normalizes and validates inbound requests and attaches the
// request id and timestamp.
type Enricher struct {
	now func() time.Time
}

func NewEnricher() *Enricher {
	return &Enricher{now: time.Now}
}

// Enrich returns the validated request with identity fields set. Field
// bound violations wrap domain.ErrInvalidRequest.
func (e *Enricher) Enrich(req domain.Request) (domain.Request, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)

	if req.Prompt == "" {
		return req, fmt.Errorf("%w: prompt is empty", domain.ErrInvalidRequest)
	}
	if n := utf8.RuneCountInString(req.Prompt); n > maxPromptChars {
		return req, fmt.Errorf("%w: prompt is %d chars, max %d", domain.ErrInvalidRequest, n, maxPromptChars)
	}
	if req.UserID == "" {
		return req, fmt.Errorf("%w: user_id is required", domain.ErrInvalidRequest)
	}
	if req.MaxTokens < 0 || req.MaxTokens > maxMaxTokens {
		return req, fmt.Errorf("%w: max_tokens %d outside 1..%d", domain.ErrInvalidRequest, req.MaxTokens, maxMaxTokens)
	}
	if req.Temperature < 0 || req.Temperature > maxTemperature {
		return req, fmt.Errorf("%w: temperature %.2f outside 0.0..%.1f", domain.ErrInvalidRequest, req.Temperature, maxTemperature)
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.Timestamp = e.now()

	return req, nil
}
