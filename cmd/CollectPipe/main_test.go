package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/store"
)

func TestResolveDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{"default sqlite", "", filepath.Join("/state", DefaultDBFileName)},
		{"memory", "memory", ""},
		{"postgres", "postgres://u:p@localhost/db", "postgres://u:p@localhost/db"},
		{"explicit sqlite", "/tmp/x.db", "/tmp/x.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDSN(tt.dsn, "/state"); got != tt.want {
				t.Errorf("resolveDSN(%q) = %q, want %q", tt.dsn, got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.in)
		if (err != nil) != tt.wantErr || (!tt.wantErr && got != tt.want) {
			t.Errorf("parseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestParseDebtorCSV(t *testing.T) {
	input := "Phone,Name,Debt Amount,DNI,State\n" +
		"+54 9 11 5555-0001,Ana,1500.50,04558009,\n" +
		"5491155550002,Beto,200,,verde\n" +
		"abc,Caro,10,,\n" +
		",Dani,10,,\n" +
		"5491155550005,Eva,10,,AZUL\n"
	rows, skipped, err := parseDebtorCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseDebtorCSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Phone != "5491155550001" {
		t.Errorf("phone = %s", rows[0].Phone)
	}
	if rows[0].Attrs["debt_amount"] != 1500.5 || rows[0].Attrs["name"] != "Ana" || rows[0].Attrs["dni"] != "04558009" {
		t.Errorf("attrs = %+v", rows[0].Attrs)
	}
	if rows[1].State != models.StateGreen {
		t.Errorf("state = %s", rows[1].State)
	}
	if len(skipped) != 3 {
		t.Fatalf("skipped = %+v", skipped)
	}
	if skipped[0].Line != 4 || skipped[1].Reason != "missing phone" || skipped[2].Line != 6 {
		t.Errorf("skipped = %+v", skipped)
	}
}

func TestParseDebtorCSV_RequiresPhoneColumn(t *testing.T) {
	_, _, err := parseDebtorCSV(strings.NewReader("name,amount\nAna,1\n"))
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

const definitionsYAML = `
strategies:
  - name: recupero
    initial_prompt: Escribí un saludo para [name].
    rules_by_state:
      verde: Enviá el link de pago.
      AMARILLO: Ofrecé cuotas.
campaigns:
  - name: mayo
    strategy: recupero
    dataset_id: %s
`

func TestImportDefinitions(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	ds := &models.Dataset{OwnerID: "acme", Name: "mayo"}
	if err := st.SaveDataset(ctx, ds); err != nil {
		t.Fatal(err)
	}

	def, err := parseDefinitions(strings.NewReader(strings.Replace(definitionsYAML, "%s", ds.ID, 1)))
	if err != nil {
		t.Fatalf("parseDefinitions: %v", err)
	}
	res, err := importDefinitions(ctx, st, "acme", def)
	if err != nil {
		t.Fatalf("importDefinitions: %v", err)
	}
	if len(res.Strategies) != 1 || len(res.Campaigns) != 1 {
		t.Fatalf("result = %+v", res)
	}
	s, _ := st.GetStrategy(ctx, res.Strategies[0].ID)
	if s.RulesByState[models.StateGreen] != "Enviá el link de pago." || s.RulesByState[models.StateYellow] != "Ofrecé cuotas." {
		t.Errorf("rules = %+v", s.RulesByState)
	}
	c, _ := st.GetCampaign(ctx, res.Campaigns[0].ID)
	if c.StrategyID != s.ID || c.DatasetID != ds.ID || c.Status != models.CampaignInactive {
		t.Errorf("campaign = %+v", c)
	}
}

func TestImportDefinitions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown state", "strategies:\n  - name: x\n    initial_prompt: hi\n    rules_by_state:\n      AZUL: no\n"},
		{"missing prompt", "strategies:\n  - name: x\n"},
		{"unknown campaign strategy", "campaigns:\n  - name: c\n    strategy: nope\n    dataset_id: dst_x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := parseDefinitions(strings.NewReader(tt.yaml))
			if err != nil {
				t.Fatalf("parseDefinitions: %v", err)
			}
			if _, err := importDefinitions(context.Background(), store.NewInMemoryStore(), "acme", def); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseDefinitions_UnknownField(t *testing.T) {
	if _, err := parseDefinitions(strings.NewReader("strategies:\n  - name: x\n    prompt: typo\n")); err == nil {
		t.Error("expected unknown field error")
	}
}

// fakeOpenAI answers every chat completion with content.
func fakeOpenAI(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("CollectPipe %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestCLI_ImportCreateThrow(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--state-dir", dir, "--db-dsn", filepath.Join(dir, "test.db"), "--owner", "acme", "--log-level", "error", "--json"}
	with := func(args ...string) []string { return append(append([]string{}, args...), common...) }

	csvPath := filepath.Join(dir, "mayo.csv")
	if err := os.WriteFile(csvPath, []byte("phone,name,debt_amount\n5491155550001,Ana,1000\n5491155550002,Beto,250.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var dsRes datasetImport
	if err := json.Unmarshal([]byte(runCLI(t, with("dataset", "import", csvPath)...)), &dsRes); err != nil {
		t.Fatalf("decode dataset import: %v", err)
	}
	if dsRes.Imported != 2 || dsRes.Dataset.Name != "mayo" {
		t.Fatalf("dataset import = %+v", dsRes)
	}

	yamlPath := filepath.Join(dir, "defs.yaml")
	if err := os.WriteFile(yamlPath, []byte(strings.Replace(definitionsYAML, "%s", dsRes.Dataset.ID, 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	var defRes importResult
	if err := json.Unmarshal([]byte(runCLI(t, with("strategy", "import", yamlPath)...)), &defRes); err != nil {
		t.Fatalf("decode strategy import: %v", err)
	}
	if len(defRes.Campaigns) != 1 {
		t.Fatalf("strategy import = %+v", defRes)
	}
	campaignID := defRes.Campaigns[0].ID

	llm := fakeOpenAI(t, "Hola [Name], debés $[Debt Amount].")
	var report models.DispatchReport
	out := runCLI(t, with("campaign", "throw", campaignID, "--provider", "mock", "--openai-api-key", "test", "--openai-base-url", llm.URL+"/")...)
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode throw report: %v\n%s", err, out)
	}
	if report.Sent != 2 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}

	var campaigns []models.Campaign
	if err := json.Unmarshal([]byte(runCLI(t, with("campaign", "list")...)), &campaigns); err != nil {
		t.Fatalf("decode campaign list: %v", err)
	}
	if len(campaigns) != 1 || campaigns[0].Status != models.CampaignActive {
		t.Errorf("campaigns = %+v", campaigns)
	}

	var hist struct {
		Debtor  models.Debtor    `json:"debtor"`
		History []models.Message `json:"history"`
	}
	if err := json.Unmarshal([]byte(runCLI(t, with("debtor", "history", "--phone", "+54 9 11 5555 0001")...)), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.History) != 2 || hist.History[1].Content != "Hola Ana, debés $1000." {
		t.Errorf("history = %+v", hist.History)
	}
}

func TestCLI_TableOutput(t *testing.T) {
	dir := t.TempDir()
	out := runCLI(t, "strategy", "list", "--state-dir", dir, "--db-dsn", "memory", "--log-level", "error")
	if !strings.Contains(out, "INITIAL PROMPT") {
		t.Errorf("table header missing:\n%s", out)
	}
}
