// Package ai produces replies for the assistant account of a chat.
package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// Fallback is sent in place of a reply the model could not produce.
const Fallback = "Sorry, I couldn't process your request."

type Responder interface {
	Reply(ctx context.Context, prompt string) (string, error)
}

type OpenAIResponder struct {
	client openai.Client
	model  string
}

func NewOpenAIResponder(apiKey, model, baseURL string) *OpenAIResponder {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(2)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIResponder{client: openai.NewClient(opts...), model: model}
}

func (r *OpenAIResponder) Reply(ctx context.Context, prompt string) (string, error) {
	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModel(r.model),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ReplyOrFallback never fails: any error or empty answer yields Fallback.
func ReplyOrFallback(ctx context.Context, r Responder, prompt string, log *zap.Logger) string {
	text, err := r.Reply(ctx, prompt)
	if err != nil {
		log.Warn("ai reply failed", zap.Error(err))
		return Fallback
	}
	if text == "" {
		return Fallback
	}
	return text
}
