package flow

import "testing"

func TestPersonalize(t *testing.T) {
	lookup := map[string]any{
		"name":         "Ana",
		"debt_amount":  1000.0,
		"due_date":     "2024-05-01",
		"installments": 3,
		"phone":        "5491155551234",
	}
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"exact", "Hola [Name]", "Hola Ana"},
		{"spaces to underscores", "Debés $[Debt Amount] al [Due Date]", "Debés $1000 al 2024-05-01"},
		{"fuzzy", "Total [Debt Amnt]", "Total 1000"},
		{"unknown left literal", "Código [Voucher]", "Código [Voucher]"},
		{"integer", "[installments] cuotas", "3 cuotas"},
		{"phone", "Tu número [Phone]", "Tu número 5491155551234"},
		{"no placeholders", "Hola", "Hola"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Personalize(tt.template, lookup); got != tt.want {
				t.Errorf("Personalize(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestPersonalize_FuzzyTieGoesToGreatestKey(t *testing.T) {
	lookup := map[string]any{"ab": "first", "ac": "second"}
	if got := Personalize("[a]", lookup); got != "second" {
		t.Errorf("Personalize = %q, want second", got)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{1000.0, "1000"},
		{1000.5, "1000.5"},
		{42, "42"},
		{true, "true"},
		{nil, ""},
		{"x", "x"},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
