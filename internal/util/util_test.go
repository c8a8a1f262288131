package util

import (
	"reflect"
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	a := NewID(PrefixDebtor)
	b := NewID(PrefixDebtor)
	if !strings.HasPrefix(a, PrefixDebtor) {
		t.Errorf("expected prefix %q, got %q", PrefixDebtor, a)
	}
	if len(a) != len(PrefixDebtor)+36 {
		t.Errorf("unexpected id length %d", len(a))
	}
	if a == b {
		t.Error("expected distinct ids")
	}
}

func TestFoldText(t *testing.T) {
	tests := map[string]string{
		"¿Cuánto   DEBO?":  "¿cuanto debo?",
		"Sí, acepto":       "si, acepto",
		"  How much\tdo I": "how much do i",
		"":                 "",
	}
	for in, want := range tests {
		if got := FoldText(in); got != want {
			t.Errorf("FoldText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTokens(t *testing.T) {
	got := Tokens(`"45580095" es, mi dni!  ...`)
	want := []string{"45580095", "es", "mi", "dni"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokens = %v, want %v", got, want)
	}
}
