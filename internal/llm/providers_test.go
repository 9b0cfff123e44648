package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

var history = []Message{
	{Role: RoleUser, Content: "instruction"},
	{Role: RoleUser, Content: "first question"},
	{Role: RoleAssistant, Content: "```sql\nSELECT 1;\n```"},
}

func TestOpenAIProviderChat(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", "gpt-4o", srv.URL)
	reply, err := p.Chat(context.Background(), history, "next")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if reply != "hello" {
		t.Fatalf("reply = %q", reply)
	}
	if len(got.Messages) != 4 || got.Messages[2].Role != "assistant" || got.Messages[3].Content != "next" {
		t.Fatalf("messages = %+v", got.Messages)
	}
}

func TestOpenAIProviderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider("key", "gpt-4o", srv.URL).Complete(context.Background(), "x")
	if err == nil || err.Error() != "API error: rate limited" {
		t.Fatalf("error = %v", err)
	}
}

func TestAnthropicProviderMergesConsecutiveAuthors(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" || r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("headers = %v", r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}`))
	}))
	defer srv.Close()

	reply, err := NewAnthropicProvider("key", "claude", srv.URL).Chat(context.Background(), history, "next")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if reply != "part one part two" {
		t.Fatalf("reply = %q", reply)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if got.Messages[0].Content != "instruction\n\nfirst question" {
		t.Fatalf("merged user turn = %q", got.Messages[0].Content)
	}
}

func TestAnthropicProviderEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	_, err := NewAnthropicProvider("key", "claude", srv.URL).Complete(context.Background(), "x")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("error = %v, want ErrEmptyResponse", err)
	}
}

type fakeChatModel struct {
	chunks    []string
	streamErr error
	generated string
	lastInput []*schema.Message
}

func (m *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.lastInput = input
	return schema.AssistantMessage(m.generated, nil), nil
}

func (m *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.lastInput = input
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	msgs := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func TestGeminiProviderStreamsAndMapsRoles(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"```sql\nSELECT ", "1;\n```"}}
	p := NewGeminiProviderWithModel(fake, "gemini-1.5-flash")

	reply, err := p.Chat(context.Background(), history, "next")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if reply != "```sql\nSELECT 1;\n```" {
		t.Fatalf("reply = %q", reply)
	}
	if len(fake.lastInput) != 4 {
		t.Fatalf("input length = %d", len(fake.lastInput))
	}
	if fake.lastInput[0].Role != schema.User || fake.lastInput[2].Role != schema.Assistant || fake.lastInput[3].Content != "next" {
		t.Fatalf("roles not mapped: %+v", fake.lastInput)
	}
}

func TestGeminiProviderFallsBackToGenerate(t *testing.T) {
	fake := &fakeChatModel{streamErr: errors.New("streaming unsupported"), generated: "plain answer"}
	p := NewGeminiProviderWithModel(fake, "gemini-1.5-flash")

	reply, err := p.Chat(context.Background(), nil, "hi")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if reply != "plain answer" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestGeminiProviderEmptyStream(t *testing.T) {
	p := NewGeminiProviderWithModel(&fakeChatModel{}, "gemini-1.5-flash")
	if _, err := p.Chat(context.Background(), nil, "hi"); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("error = %v, want ErrEmptyResponse", err)
	}
}
