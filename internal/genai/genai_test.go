package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/CollectPipe/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func conversation() []models.Message {
	return []models.Message{
		{Role: models.RoleSystem, Content: "rules"},
		{Role: models.RoleAssistant, Content: "hola"},
		{Role: models.RoleUser, Content: "quiero pagar"},
	}
}

func TestComplete_Success(t *testing.T) {
	mock := &mockChatService{resp: openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "VERDE"}}},
	}}
	client := &Client{chat: mock, model: "gpt-test", temperature: 0}
	out, err := client.Complete(context.Background(), conversation())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "VERDE" {
		t.Errorf("expected 'VERDE', got %q", out)
	}
	if len(mock.params.Messages) != 3 {
		t.Fatalf("expected 3 messages sent, got %d", len(mock.params.Messages))
	}
	if mock.params.Messages[0].OfSystem == nil || mock.params.Messages[1].OfAssistant == nil || mock.params.Messages[2].OfUser == nil {
		t.Error("roles were not mapped to the matching message unions")
	}
	if mock.params.Model != "gpt-test" {
		t.Errorf("model = %q", mock.params.Model)
	}
}

func TestComplete_ServiceErrorIsUpstreamUnavailable(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("connection reset")}}
	_, err := client.Complete(context.Background(), conversation())
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Errorf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.Complete(context.Background(), conversation())
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestComplete_UnknownRole(t *testing.T) {
	client := &Client{chat: &mockChatService{}}
	_, err := client.Complete(context.Background(), []models.Message{{Role: "tool", Content: "x"}})
	if err == nil {
		t.Error("expected error for unsupported role")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	if _, err := NewClient(); !errors.Is(err, ErrAPIKeyNotSet) {
		t.Errorf("expected ErrAPIKeyNotSet, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithMaxTokens(200))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" || cli.maxCompletionTokens != 200 {
		t.Errorf("options not applied: %+v", cli)
	}
}
