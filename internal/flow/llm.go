// Package flow implements the collections conversation: intent
// classification, the debtor state machine, reply composition, the durable
// inbound pipeline and campaign dispatch.
package flow

import (
	"context"

	"github.com/BTreeMap/CollectPipe/internal/genai"
	"github.com/BTreeMap/CollectPipe/internal/models"
)

// Completer produces the assistant text for an ordered list of chat messages.
type Completer interface {
	Complete(ctx context.Context, messages []models.Message) (string, error)
}

// Compile-time check that the OpenAI-backed client satisfies Completer.
var _ Completer = (*genai.Client)(nil)
