package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/testutil"
)

func TestClassifier_NormalizesOutput(t *testing.T) {
	tests := []struct {
		out  string
		want models.State
	}{
		{"VERDE", models.StateGreen},
		{"  amarillo\n", models.StateYellow},
		{`"ROJO".`, models.StateRed},
		{"**GRIS**", models.StateGray},
		{"'verde'!", models.StateGreen},
	}
	for _, tt := range tests {
		t.Run(tt.out, func(t *testing.T) {
			c := NewClassifier(testutil.NewScriptedLLM(testutil.Reply(tt.out)), WithClassifierRetry(fastRetry()))
			got, err := c.Classify(context.Background(), nil, "hola")
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifier_RetriesUnrecognizedOutput(t *testing.T) {
	llm := testutil.NewScriptedLLM(testutil.Reply("MAYBE"), testutil.Reply("VERDE"))
	c := NewClassifier(llm, WithClassifierRetry(fastRetry()))
	got, err := c.Classify(context.Background(), nil, "voy a pagar")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != models.StateGreen {
		t.Errorf("Classify = %s", got)
	}
	if llm.CallCount() != 2 {
		t.Errorf("calls = %d, want 2", llm.CallCount())
	}
}

func TestClassifier_ClassificationErrorAfterAttempts(t *testing.T) {
	llm := testutil.NewScriptedLLM(testutil.Reply("no se"), testutil.Reply("no se"), testutil.Reply("no se"))
	c := NewClassifier(llm, WithClassifierRetry(fastRetry()))
	_, err := c.Classify(context.Background(), nil, "x")
	var ce *models.ClassificationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ClassificationError", err)
	}
	if ce.Output != "no se" {
		t.Errorf("Output = %q", ce.Output)
	}
	if llm.CallCount() != 3 {
		t.Errorf("calls = %d, want 3", llm.CallCount())
	}
}

func TestClassifier_UpstreamError(t *testing.T) {
	boom := errors.New("connection refused")
	llm := testutil.NewScriptedLLM(testutil.Fail(boom), testutil.Fail(boom), testutil.Fail(boom))
	c := NewClassifier(llm, WithClassifierRetry(fastRetry()))
	_, err := c.Classify(context.Background(), nil, "x")
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestClassifier_HistoryWindow(t *testing.T) {
	history := []models.Message{
		{Seq: 1, Role: models.RoleSystem, Content: "campaign prompt"},
		{Seq: 2, Role: models.RoleAssistant, Content: "first"},
		{Seq: 3, Role: models.RoleUser, Content: "second"},
		{Seq: 4, Role: models.RoleAssistant, Content: "third"},
	}
	tests := []struct {
		name    string
		window  int
		present []string
		absent  []string
	}{
		{"full", FullHistory, []string{"first", "second", "third", "latest"}, []string{"campaign prompt"}},
		{"none", 0, []string{"latest"}, []string{"first", "second", "third"}},
		{"last two", 2, []string{"second", "third", "latest"}, []string{"first"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := testutil.NewScriptedLLM(testutil.Reply("GRIS"))
			c := NewClassifier(llm, WithHistoryWindow(tt.window), WithClassifierRetry(fastRetry()))
			if _, err := c.Classify(context.Background(), history, "latest"); err != nil {
				t.Fatalf("Classify: %v", err)
			}
			calls := llm.Calls()
			if len(calls) != 1 || len(calls[0]) != 1 || calls[0][0].Role != models.RoleUser {
				t.Fatalf("unexpected request shape: %+v", calls)
			}
			prompt := calls[0][0].Content
			for _, s := range tt.present {
				if !strings.Contains(prompt, s) {
					t.Errorf("prompt missing %q", s)
				}
			}
			for _, s := range tt.absent {
				if strings.Contains(prompt, s) {
					t.Errorf("prompt unexpectedly contains %q", s)
				}
			}
			if !strings.HasSuffix(strings.TrimSpace(strings.Split(prompt, "\n\nDevolvé")[0]), "Deudor: latest") {
				t.Errorf("inbound is not the last conversation line:\n%s", prompt)
			}
		})
	}
}
