package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CollectPipe/internal/messaging"
	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/store"
)

// DefaultSendConcurrency bounds parallel sends during a throw.
const DefaultSendConcurrency = 8

// DispatchStore is the persistence used by the Dispatcher.
type DispatchStore interface {
	store.ConversationStore
	store.CatalogStore
}

// Dispatcher sends a campaign's opening message to every debtor of its dataset.
type Dispatcher struct {
	store   DispatchStore
	llm     Completer
	gateway messaging.Gateway
	locks   *KeyedMutex
	retry   RetryPolicy
	workers int
	now     func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSendConcurrency sets how many sends run at once.
func WithSendConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithDispatcherRetry replaces the retry policy of the opener generation.
func WithDispatcherRetry(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.retry = p }
}

// NewDispatcher wires a Dispatcher. A nil locks gets a private KeyedMutex.
func NewDispatcher(st DispatchStore, llm Completer, gateway messaging.Gateway, locks *KeyedMutex, opts ...DispatcherOption) *Dispatcher {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	d := &Dispatcher{
		store:   st,
		llm:     llm,
		gateway: gateway,
		locks:   locks,
		retry:   DefaultRetryPolicy(),
		workers: DefaultSendConcurrency,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type dispatchItem struct {
	debtor models.Debtor
	text   string
}

// Throw generates one opener from the campaign strategy, personalizes it per
// debtor, commits every conversation in one batch, marks the campaign active
// and then sends. Generation failure aborts before anything is written; send
// failures are collected in the report.
func (d *Dispatcher) Throw(ctx context.Context, campaignID string) (*models.DispatchReport, error) {
	campaign, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, models.ErrNotFound)
	}
	strategy, err := d.store.GetStrategy(ctx, campaign.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("get strategy: %w", err)
	}
	if strategy == nil {
		return nil, fmt.Errorf("strategy %s: %w", campaign.StrategyID, models.ErrNotFound)
	}
	debtors, err := d.store.ListDatasetDebtors(ctx, campaign.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("list dataset debtors: %w", err)
	}

	opener, err := d.generate(ctx, strategy.InitialPrompt)
	if err != nil {
		return nil, err
	}

	items := make([]dispatchItem, 0, len(debtors))
	keys := make([]string, 0, len(debtors))
	batch := make([]store.MessageAppend, 0, 2*len(debtors))
	for _, debtor := range debtors {
		text := Personalize(opener, lookupFor(&debtor))
		items = append(items, dispatchItem{debtor: debtor, text: text})
		keys = append(keys, debtor.Key())
		batch = append(batch,
			store.MessageAppend{DebtorID: debtor.ID, Role: models.RoleSystem, Content: strategy.InitialPrompt},
			store.MessageAppend{DebtorID: debtor.ID, Role: models.RoleAssistant, Content: text},
		)
	}

	if len(batch) > 0 {
		release := d.locks.LockMany(keys)
		err = d.store.AppendMessages(ctx, batch)
		release()
		if err != nil {
			return nil, fmt.Errorf("commit campaign messages: %w", err)
		}
	}
	if err := d.store.SetCampaignStatus(ctx, campaign.ID, models.CampaignActive, d.now().UTC()); err != nil {
		return nil, fmt.Errorf("activate campaign: %w", err)
	}

	report := d.send(ctx, campaign.ID, items)
	slog.Info("Dispatcher.Throw: campaign thrown", "campaignID", campaign.ID, "sent", report.Sent, "failed", report.Failed)
	return report, nil
}

func (d *Dispatcher) generate(ctx context.Context, prompt string) (string, error) {
	req := []models.Message{{Role: models.RoleUser, Content: prompt}}
	var text string
	err := d.retry.run(ctx, "campaign opener", func(ctx context.Context) error {
		out, err := d.llm.Complete(ctx, req)
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
	return text, err
}

func (d *Dispatcher) send(ctx context.Context, campaignID string, items []dispatchItem) *models.DispatchReport {
	report := &models.DispatchReport{CampaignID: campaignID, Errors: []models.DispatchError{}}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.workers)
	for _, it := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(it dispatchItem) {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := d.gateway.Send(ctx, it.debtor.Phone, it.text)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, models.DispatchError{DebtorID: it.debtor.ID, Phone: it.debtor.Phone, Error: err.Error()})
				return
			}
			report.Sent++
		}(it)
	}
	wg.Wait()
	sort.Slice(report.Errors, func(i, j int) bool { return report.Errors[i].Phone < report.Errors[j].Phone })
	return report
}

// lookupFor returns the debtor attributes plus its phone.
func lookupFor(debtor *models.Debtor) map[string]any {
	lookup := make(map[string]any, len(debtor.Attributes)+1)
	for k, v := range debtor.Attributes {
		lookup[k] = v
	}
	lookup["phone"] = debtor.Phone
	return lookup
}
