package assistant

import (
	"context"
	"fmt"

	"github.com/dvloznov/argos/internal/session"
	"google.golang.org/genai"
)

// GeminiChatModel sends the whole conversation to Gemini on every turn.
type GeminiChatModel struct {
	client *genai.Client
	model  string
}

// NewGeminiChatModel wraps a genai client.
func NewGeminiChatModel(client *genai.Client, model string) *GeminiChatModel {
	return &GeminiChatModel{client: client, model: model}
}

// Chat implements ChatModel.
func (g *GeminiChatModel) Chat(ctx context.Context, history []session.Turn) (string, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, t := range history {
		contents = append(contents, &genai.Content{
			Role:  t.Role,
			Parts: []*genai.Part{{Text: t.Text}},
		})
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("Chat: generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("Chat: empty response from model")
	}
	return text, nil
}
