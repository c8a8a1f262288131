package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/BTreeMap/CollectPipe/internal/models"
)

// FullHistory makes the classifier see every stored message.
const FullHistory = -1

const classifyPrompt = `Sos un agente experto en cobranzas. Analizá esta conversación y clasificá la intención de pago del deudor como uno de los siguientes estados:

- VERDE: está decidido a pagar pronto.
- AMARILLO: muestra interés pero pide negociar o demora.
- ROJO: niega, evita o rechaza.
- GRIS: aún no respondió o no hay info suficiente.

Conversación:
%s

Devolvé solo una palabra exacta en mayúsculas: VERDE, AMARILLO, ROJO o GRIS.`

// Classifier maps a conversation to one of the four debtor states.
type Classifier struct {
	llm    Completer
	window int
	retry  RetryPolicy
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithHistoryWindow limits the classifier to the last n stored messages.
// FullHistory (-1) keeps all of them; 0 shows only the new inbound message.
func WithHistoryWindow(n int) ClassifierOption {
	return func(c *Classifier) {
		if n < 0 {
			n = FullHistory
		}
		c.window = n
	}
}

// WithClassifierRetry replaces the retry policy.
func WithClassifierRetry(p RetryPolicy) ClassifierOption {
	return func(c *Classifier) { c.retry = p }
}

// NewClassifier creates a Classifier over llm. By default it sees the full history.
func NewClassifier(llm Completer, opts ...ClassifierOption) *Classifier {
	c := &Classifier{llm: llm, window: FullHistory, retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the debtor state implied by history plus the new inbound text.
// Errors are *models.ClassificationError or wrap models.ErrUpstreamUnavailable.
func (c *Classifier) Classify(ctx context.Context, history []models.Message, inbound string) (models.State, error) {
	prompt := fmt.Sprintf(classifyPrompt, renderConversation(c.windowed(history), inbound))
	req := []models.Message{{Role: models.RoleUser, Content: prompt}}

	var state models.State
	err := c.retry.run(ctx, "classify", func(ctx context.Context) error {
		out, err := c.llm.Complete(ctx, req)
		if err != nil {
			if errors.Is(err, models.ErrUpstreamUnavailable) {
				return err
			}
			return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
		}
		parsed, err := models.ParseState(normalizeLabel(out))
		if err != nil {
			return &models.ClassificationError{Output: out}
		}
		state = parsed
		return nil
	})
	if err != nil {
		return "", err
	}
	return state, nil
}

// windowed drops system messages and keeps the last c.window entries.
func (c *Classifier) windowed(history []models.Message) []models.Message {
	turns := make([]models.Message, 0, len(history))
	for _, m := range history {
		if m.Role == models.RoleSystem {
			continue
		}
		turns = append(turns, m)
	}
	if c.window >= 0 && len(turns) > c.window {
		turns = turns[len(turns)-c.window:]
	}
	return turns
}

func renderConversation(turns []models.Message, inbound string) string {
	var b strings.Builder
	for _, m := range turns {
		b.WriteString(speaker(m.Role))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteByte('\n')
	}
	b.WriteString(speaker(models.RoleUser))
	b.WriteString(": ")
	b.WriteString(strings.TrimSpace(inbound))
	return b.String()
}

func speaker(r models.Role) string {
	if r == models.RoleAssistant {
		return "Agente"
	}
	return "Deudor"
}

// normalizeLabel trims whitespace, quotes and punctuation, then upper-cases.
func normalizeLabel(out string) string {
	s := strings.TrimFunc(out, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || r == '`'
	})
	return strings.ToUpper(s)
}
