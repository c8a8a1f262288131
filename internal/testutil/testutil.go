// Package testutil provides fakes and assertions shared by CollectPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/CollectPipe/internal/models"
)

// ErrScriptExhausted is returned by ScriptedLLM when no step is left.
var ErrScriptExhausted = errors.New("testutil: llm script exhausted")

// Step is one scripted LLM answer.
type Step struct {
	Text string
	Err  error
}

// Reply scripts a successful answer.
func Reply(text string) Step { return Step{Text: text} }

// Fail scripts an error.
func Fail(err error) Step { return Step{Err: err} }

// ScriptedLLM answers Complete calls from a fixed script and records every request.
type ScriptedLLM struct {
	mu    sync.Mutex
	steps []Step
	calls [][]models.Message
}

// NewScriptedLLM returns a fake that plays steps in order.
func NewScriptedLLM(steps ...Step) *ScriptedLLM {
	return &ScriptedLLM{steps: steps}
}

// Complete records messages and returns the next step.
func (s *ScriptedLLM) Complete(ctx context.Context, messages []models.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]models.Message(nil), messages...))
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.steps) == 0 {
		return "", ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.Text, step.Err
}

// Calls returns a copy of the recorded requests.
func (s *ScriptedLLM) Calls() [][]models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]models.Message(nil), s.calls...)
}

// CallCount returns the number of Complete calls.
func (s *ScriptedLLM) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// CollectionsLLM answers classification prompts with State and every other
// request with ReplyText. It is safe for concurrent use.
type CollectionsLLM struct {
	State     models.State
	ReplyText string
	// ClassifyErr and ReplyErr, when set, are returned instead.
	ClassifyErr error
	ReplyErr    error

	mu       sync.Mutex
	classify int
	replies  int
}

// Complete routes by request shape: a lone user turn that asks for a state
// label is a classification.
func (l *CollectionsLLM) Complete(ctx context.Context, messages []models.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if IsClassification(messages) {
		l.classify++
		if l.ClassifyErr != nil {
			return "", l.ClassifyErr
		}
		return string(l.State), nil
	}
	l.replies++
	if l.ReplyErr != nil {
		return "", l.ReplyErr
	}
	return l.ReplyText, nil
}

// Counts returns the number of classification and reply calls.
func (l *CollectionsLLM) Counts() (classify, replies int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.classify, l.replies
}

// IsClassification reports whether messages is a classifier request.
func IsClassification(messages []models.Message) bool {
	return len(messages) == 1 && messages[0].Role == models.RoleUser &&
		strings.Contains(messages[0].Content, "VERDE, AMARILLO, ROJO o GRIS")
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON envelope and validates its status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &reqBody)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
