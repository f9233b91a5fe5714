package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

// GeminiProvider talks to Google Gemini.
type GeminiProvider struct {
	apiKey string
	model  string
}

// NewGeminiProvider creates a Gemini chat provider.
func NewGeminiProvider(cfg models.GeminiConfig) *GeminiProvider {
	model := cfg.Model
	if model == "" {
		model = "gemini-pro"
	}
	return &GeminiProvider{apiKey: cfg.APIKey, model: model}
}

func (p *GeminiProvider) Name() string { return "gemini" }

// Chat flattens the conversation into a single prompt. Gemini has no
// separate system role, so the system message leads the prompt text.
func (p *GeminiProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return "", fmt.Errorf("failed to create Gemini client: %w", err)
	}
	defer client.Close()

	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			sb.WriteString(m.Content + "\n\n")
		case RoleAssistant:
			sb.WriteString("助手: " + m.Content + "\n")
		default:
			sb.WriteString(m.Content + "\n")
		}
	}

	model := client.GenerativeModel(p.model)
	model.SetTemperature(0.2)
	resp, err := model.GenerateContent(ctx, genai.Text(sb.String()))
	if err != nil {
		return "", fmt.Errorf("Gemini API error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("Gemini returned no candidates")
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			out.WriteString(string(t))
		}
	}
	return out.String(), nil
}
