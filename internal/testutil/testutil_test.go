package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/CollectPipe/internal/models"
)

func TestScriptedLLM_PlaysStepsInOrder(t *testing.T) {
	boom := errors.New("boom")
	llm := NewScriptedLLM(Reply("one"), Fail(boom))
	ctx := context.Background()

	if out, err := llm.Complete(ctx, []models.Message{{Role: models.RoleUser, Content: "a"}}); err != nil || out != "one" {
		t.Fatalf("first call = %q, %v", out, err)
	}
	if _, err := llm.Complete(ctx, nil); !errors.Is(err, boom) {
		t.Fatalf("second call error = %v, want boom", err)
	}
	if _, err := llm.Complete(ctx, nil); !errors.Is(err, ErrScriptExhausted) {
		t.Fatalf("third call error = %v, want ErrScriptExhausted", err)
	}
	if llm.CallCount() != 3 {
		t.Errorf("CallCount = %d, want 3", llm.CallCount())
	}
	if got := llm.Calls()[0][0].Content; got != "a" {
		t.Errorf("recorded content = %q", got)
	}
}

func TestCollectionsLLM_Routes(t *testing.T) {
	llm := &CollectionsLLM{State: models.StateGreen, ReplyText: "hola"}
	ctx := context.Background()

	classify := []models.Message{{Role: models.RoleUser, Content: "Devolvé solo una palabra exacta en mayúsculas: VERDE, AMARILLO, ROJO o GRIS."}}
	if out, _ := llm.Complete(ctx, classify); out != "VERDE" {
		t.Errorf("classification = %q, want VERDE", out)
	}
	reply := []models.Message{{Role: models.RoleSystem, Content: "rules"}, {Role: models.RoleUser, Content: "hi"}}
	if out, _ := llm.Complete(ctx, reply); out != "hola" {
		t.Errorf("reply = %q, want hola", out)
	}
	if c, r := llm.Counts(); c != 1 || r != 1 {
		t.Errorf("Counts = %d, %d", c, r)
	}
}
