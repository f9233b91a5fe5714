// Package classify decides the expense type of an invoice. A rule vote
// runs first; when it is not strong enough an LLM arbiter picks from the
// closed expense-type and account-subject sets, and the rule result
// still serves as fallback or override depending on its score.
package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat exchange with a provider.
type Message struct {
	Role    string
	Content string
}

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, messages []Message) (string, error)
}

// NewProvider builds the configured provider.
func NewProvider(cfg models.AIConfig) (Provider, error) {
	switch cfg.DefaultProvider {
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key not configured")
		}
		return NewOpenAIProvider(cfg.OpenAI), nil
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("Gemini API key not configured")
		}
		return NewGeminiProvider(cfg.Gemini), nil
	default:
		return nil, fmt.Errorf("unknown AI provider: %s", cfg.DefaultProvider)
	}
}

// extractJSON pulls the first JSON object out of a model reply, peeling
// markdown code fences when present.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.Index(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
