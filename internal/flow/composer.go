package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/util"
)

// NoRulesNotice replaces the rules block when a strategy has none for the state.
const NoRulesNotice = "No rules defined for this state."

// debtInquiryPhrases are matched against accent-folded, lower-cased input.
var debtInquiryPhrases = []string{
	"how much do i owe",
	"how much i owe",
	"my balance",
	"amount due",
	"what do i owe",
	"my debt",
	"cuanto debo",
	"mi deuda",
	"mi saldo",
	"monto adeudado",
}

// debtAmountKeys are the attribute names read for the balance, in order.
var debtAmountKeys = []string{"debt_amount", "amount_due", "deuda"}

// Reply is a composed outbound text.
type Reply struct {
	Text string
	// FastPath is set when the text was produced without calling the LLM.
	FastPath bool
}

// Composer assembles the reply to an inbound message.
type Composer struct {
	llm   Completer
	retry RetryPolicy
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithComposerRetry replaces the retry policy.
func WithComposerRetry(p RetryPolicy) ComposerOption {
	return func(c *Composer) { c.retry = p }
}

// NewComposer creates a Composer over llm.
func NewComposer(llm Completer, opts ...ComposerOption) *Composer {
	c := &Composer{llm: llm, retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose answers a balance question directly when the debtor's amount is
// known, and otherwise asks the LLM with a system prompt built from the
// strategy rules for next. Failures are *models.GenerationError.
func (c *Composer) Compose(ctx context.Context, debtor *models.Debtor, history []models.Message, inbound string, strategy *models.Strategy, next models.State) (Reply, error) {
	if text, ok := FastPathReply(inbound, debtor.Attributes); ok {
		return Reply{Text: text, FastPath: true}, nil
	}

	messages := BuildReplyMessages(debtor, history, inbound, strategy, next)
	var text string
	err := c.retry.run(ctx, "compose", func(ctx context.Context) error {
		out, err := c.llm.Complete(ctx, messages)
		if err != nil {
			return &models.GenerationError{Cause: err}
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return &models.GenerationError{}
		}
		text = out
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: text}, nil
}

// FastPathReply returns the balance answer when inbound asks for the debt
// and attrs carry a non-negative amount.
func FastPathReply(inbound string, attrs map[string]any) (string, bool) {
	if !IsDebtInquiry(inbound) {
		return "", false
	}
	amount, ok := debtAmount(attrs)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("Your outstanding balance is $%.2f.", amount), true
}

// IsDebtInquiry reports whether text asks how much is owed.
func IsDebtInquiry(text string) bool {
	folded := util.FoldText(text)
	for _, phrase := range debtInquiryPhrases {
		if strings.Contains(folded, phrase) {
			return true
		}
	}
	return false
}

func debtAmount(attrs map[string]any) (float64, bool) {
	for _, key := range debtAmountKeys {
		v, ok := attrs[key]
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok && f >= 0 {
			return f, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(n), "$"))
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// BuildReplyMessages returns the composed system prompt followed by the
// conversation turns and the new inbound text.
func BuildReplyMessages(debtor *models.Debtor, history []models.Message, inbound string, strategy *models.Strategy, next models.State) []models.Message {
	messages := make([]models.Message, 0, len(history)+2)
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: systemPrompt(debtor, strategy, next)})
	for _, m := range history {
		if m.Role == models.RoleSystem {
			continue
		}
		messages = append(messages, models.Message{Role: m.Role, Content: m.Content})
	}
	return append(messages, models.Message{Role: models.RoleUser, Content: inbound})
}

func systemPrompt(debtor *models.Debtor, strategy *models.Strategy, next models.State) string {
	rules := ""
	base := ""
	if strategy != nil {
		rules = strings.TrimSpace(strategy.RulesByState[next])
		base = strings.TrimSpace(strategy.InitialPrompt)
	}
	if rules == "" {
		rules = NoRulesNotice
	}

	var b strings.Builder
	b.WriteString("You are a professional collections agent. Follow these rules for the debtor's current state.\n\n")
	fmt.Fprintf(&b, "Debtor state: %s\n\nRules:\n%s\n", next, rules)
	if base != "" {
		fmt.Fprintf(&b, "\n%s\n", base)
	}
	if attrs := renderAttributes(debtor.Attributes); attrs != "" {
		fmt.Fprintf(&b, "\nDebtor data:\n%s", attrs)
	}
	return strings.TrimSpace(b.String())
}

func renderAttributes(attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, FormatValue(attrs[k]))
	}
	return b.String()
}
