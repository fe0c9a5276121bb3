package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Fingerprint identifies a request for caching. It is a SHA-256 over a
// canonical form of (prompt, max_tokens, temperature) so identical inputs
// hash identically across processes. User identity is deliberately excluded:
// responses are shareable.
func Fingerprint(req domain.Request) string {
	data, _ := json.Marshal(struct {
		Prompt      string  `json:"prompt"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
	}{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})

	hash := sha256.Sum256(data)
	return "resp:" + hex.EncodeToString(hash[:])
}
