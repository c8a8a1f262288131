package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CollectPipe/internal/messaging"
	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/store"
)

// FallbackReply is sent when no reply could be composed.
const FallbackReply = "Gracias, recibimos tu mensaje. Te responderemos pronto."

// DefaultStrategy is used for debtors without an active campaign.
var DefaultStrategy = models.Strategy{
	ID:            "default",
	Name:          "default",
	InitialPrompt: "Keep replies short and polite. Help the debtor agree on a concrete payment date or plan.",
	RulesByState: map[models.State]string{
		models.StateGray:   "Confirm the debtor's identity and remind them about their outstanding balance.",
		models.StateGreen:  "Thank the debtor and share the payment details they need to pay.",
		models.StateYellow: "Offer payment plan options and ask for a date they can commit to.",
		models.StateRed:    "Stay calm and respectful. Explain the consequences of not paying and leave the door open.",
	},
}

// PipelineStore is the persistence used by the inbound pipeline.
type PipelineStore interface {
	store.ConversationStore
	store.CatalogStore
	store.DedupRepo
}

// Outcome describes how one inbound message was handled.
type Outcome struct {
	DebtorID   string       `json:"debtor_id,omitempty"`
	Transition Transition   `json:"transition"`
	Reply      string       `json:"reply,omitempty"`
	FastPath   bool         `json:"fast_path,omitempty"`
	Degraded   bool         `json:"degraded,omitempty"`
	Fallback   bool         `json:"fallback,omitempty"`
	Duplicate  bool         `json:"duplicate,omitempty"`
	Delivery   DeliveryInfo `json:"delivery"`
}

// DeliveryInfo records the result of the outbound send.
type DeliveryInfo struct {
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Pipeline processes inbound messages for one debtor at a time.
type Pipeline struct {
	store      PipelineStore
	classifier *Classifier
	composer   *Composer
	gateway    messaging.Gateway
	locks      *KeyedMutex
	defaults   *models.Strategy
	fallback   string
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithDefaultStrategy replaces DefaultStrategy.
func WithDefaultStrategy(s *models.Strategy) PipelineOption {
	return func(p *Pipeline) {
		if s != nil {
			p.defaults = s
		}
	}
}

// WithFallbackReply replaces FallbackReply.
func WithFallbackReply(text string) PipelineOption {
	return func(p *Pipeline) {
		if text != "" {
			p.fallback = text
		}
	}
}

// NewPipeline wires a Pipeline. A nil locks gets a private KeyedMutex; pass the
// Dispatcher's to serialize campaign commits with inbound handling.
func NewPipeline(st PipelineStore, classifier *Classifier, composer *Composer, gateway messaging.Gateway, locks *KeyedMutex, opts ...PipelineOption) *Pipeline {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	def := DefaultStrategy
	p := &Pipeline{
		store:      st,
		classifier: classifier,
		composer:   composer,
		gateway:    gateway,
		locks:      locks,
		defaults:   &def,
		fallback:   FallbackReply,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleInbound classifies the message, updates the debtor state, stores the
// exchange and sends the reply. State and history are committed before the
// send. Classifier and composer failures degrade to a neutral reply; storage
// errors are returned so the job is retried. A failed send is only recorded.
func (p *Pipeline) HandleInbound(ctx context.Context, task models.InboundTask) (Outcome, error) {
	phone, err := messaging.NormalizePhone(task.Phone)
	if err != nil {
		return Outcome{}, err
	}
	if task.MessageID != "" {
		done, err := p.store.IsProcessed(task.MessageID)
		if err != nil {
			return Outcome{}, fmt.Errorf("check processed message: %w", err)
		}
		if done {
			slog.Info("Pipeline.HandleInbound: message already processed", "messageID", task.MessageID)
			return Outcome{Duplicate: true}, nil
		}
	}

	out, err := p.process(ctx, task, phone)
	if err != nil {
		return out, err
	}

	id, err := p.gateway.Send(ctx, phone, out.Reply)
	if err != nil {
		var de *models.DeliveryError
		if !errors.As(err, &de) {
			err = &models.DeliveryError{Address: phone, Cause: err}
		}
		slog.Error("Pipeline.HandleInbound: reply not delivered", "debtorID", out.DebtorID, "error", err)
		out.Delivery.Error = err.Error()
		return out, nil
	}
	out.Delivery.ProviderMessageID = id
	return out, nil
}

// process runs the locked section: read, classify, decide, compose, commit.
func (p *Pipeline) process(ctx context.Context, task models.InboundTask, phone string) (Outcome, error) {
	unlock := p.locks.Lock(models.DebtorKey(task.OwnerID, phone))
	defer unlock()

	debtor, err := p.store.CreateDebtorIfAbsent(ctx, task.OwnerID, phone)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve debtor: %w", err)
	}
	out := Outcome{DebtorID: debtor.ID}

	history, err := p.store.ReadHistory(ctx, debtor.ID)
	if err != nil {
		return out, fmt.Errorf("read history: %w", err)
	}
	strategy, err := p.strategyFor(ctx, debtor)
	if err != nil {
		return out, err
	}

	classified, err := p.classifier.Classify(ctx, history, task.Body)
	if err != nil {
		slog.Warn("Pipeline.HandleInbound: classification failed, keeping state", "debtorID", debtor.ID, "state", debtor.State, "error", err)
		out.Degraded = true
		out.Transition = Transition{From: debtor.State, Next: debtor.State, Reason: "classification failed"}
	} else {
		out.Transition = DecideTransition(debtor.State, classified, task.Body, debtor.Attributes)
	}
	if out.Transition.Protected {
		slog.Info("Pipeline.HandleInbound: downgrade refused", "debtorID", debtor.ID, "state", debtor.State, "reason", out.Transition.Reason)
	}
	next := out.Transition.Next

	switch {
	case out.Degraded:
		if text, ok := FastPathReply(task.Body, debtor.Attributes); ok {
			out.Reply, out.FastPath = text, true
		} else {
			out.Reply, out.Fallback = p.fallback, true
		}
	default:
		reply, err := p.composer.Compose(ctx, debtor, history, task.Body, strategy, next)
		if err != nil {
			slog.Warn("Pipeline.HandleInbound: compose failed, using fallback reply", "debtorID", debtor.ID, "error", err)
			out.Reply, out.Fallback = p.fallback, true
		} else {
			out.Reply, out.FastPath = reply.Text, reply.FastPath
		}
	}

	if err := p.store.CommitExchange(ctx, debtor.ID, []store.MessageAppend{
		{DebtorID: debtor.ID, Role: models.RoleUser, Content: task.Body},
		{DebtorID: debtor.ID, Role: models.RoleAssistant, Content: out.Reply},
	}, next); err != nil {
		return out, fmt.Errorf("commit exchange: %w", err)
	}
	if task.MessageID != "" {
		if err := p.store.MarkProcessed(task.MessageID); err != nil {
			slog.Warn("Pipeline.HandleInbound: mark processed failed", "messageID", task.MessageID, "error", err)
		}
	}
	slog.Info("Pipeline.HandleInbound: exchange committed", "debtorID", debtor.ID, "from", out.Transition.From, "to", next, "fastPath", out.FastPath, "fallback", out.Fallback)
	return out, nil
}

// strategyFor returns the strategy of the active campaign on the debtor's
// dataset, or the default strategy.
func (p *Pipeline) strategyFor(ctx context.Context, debtor *models.Debtor) (*models.Strategy, error) {
	if debtor.DatasetID == "" {
		return p.defaults, nil
	}
	campaign, err := p.store.FindActiveCampaign(ctx, debtor.OwnerID, debtor.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("find active campaign: %w", err)
	}
	if campaign == nil {
		return p.defaults, nil
	}
	strategy, err := p.store.GetStrategy(ctx, campaign.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("get strategy: %w", err)
	}
	if strategy == nil {
		slog.Warn("Pipeline.strategyFor: campaign strategy missing, using default", "campaignID", campaign.ID, "strategyID", campaign.StrategyID)
		return p.defaults, nil
	}
	return strategy, nil
}
