package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// GeminiProvider talks to Gemini through an eino chat model. Gemini only
// knows "user" and "model" authors; eino maps assistant messages to "model".
type GeminiProvider struct {
	chatModel model.BaseChatModel
	modelName string
}

// NewGeminiProvider creates a provider backed by the Gemini API.
func NewGeminiProvider(ctx context.Context, apiKey, modelName string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client: client,
		Model:  modelName,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini chat model: %w", err)
	}
	return NewGeminiProviderWithModel(chatModel, modelName), nil
}

// NewGeminiProviderWithModel wraps an already built eino chat model.
func NewGeminiProviderWithModel(chatModel model.BaseChatModel, modelName string) *GeminiProvider {
	return &GeminiProvider{chatModel: chatModel, modelName: modelName}
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Chat streams the reply and concatenates the chunks. If the stream cannot
// be opened it falls back to a single Generate call.
func (p *GeminiProvider) Chat(ctx context.Context, history []Message, prompt string) (string, error) {
	messages := make([]*schema.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, toSchemaMessage(m))
	}
	messages = append(messages, schema.UserMessage(prompt))

	reader, err := p.chatModel.Stream(ctx, messages)
	if err != nil {
		return p.generate(ctx, messages)
	}
	defer reader.Close()

	var sb strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("gemini stream: %w", err)
		}
		if chunk != nil {
			sb.WriteString(chunk.Content)
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// Complete answers a single prompt without streaming.
func (p *GeminiProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return p.generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
}

func (p *GeminiProvider) generate(ctx context.Context, messages []*schema.Message) (string, error) {
	resp, err := p.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil || resp.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Content, nil
}

func toSchemaMessage(m Message) *schema.Message {
	if m.Role == RoleAssistant {
		return schema.AssistantMessage(m.Content, nil)
	}
	return schema.UserMessage(m.Content)
}
