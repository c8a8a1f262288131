// Package store provides storage backends for CollectPipe.
//
// Three backends implement Store: an in-memory store for tests and ephemeral
// runs, SQLite (mattn/go-sqlite3) and PostgreSQL (lib/pq). The backend is
// chosen from the DSN with DetectDSNType.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CollectPipe/internal/models"
)

// MessageAppend is one history entry in an AppendMessages batch.
type MessageAppend struct {
	DebtorID string
	Role     models.Role
	Content  string
}

// ConversationStore holds debtors, their state and their ordered message history.
type ConversationStore interface {
	// GetDebtor returns the debtor for (ownerID, phone), or nil when absent.
	GetDebtor(ctx context.Context, ownerID, phone string) (*models.Debtor, error)

	// GetDebtorByID returns the debtor with the given ID, or nil when absent.
	GetDebtorByID(ctx context.Context, id string) (*models.Debtor, error)

	// CreateDebtorIfAbsent returns the existing debtor or creates one in state GRIS.
	// Concurrent calls for the same identity yield the same record.
	CreateDebtorIfAbsent(ctx context.Context, ownerID, phone string) (*models.Debtor, error)

	// AppendMessage atomically appends one message and returns its sequence number.
	AppendMessage(ctx context.Context, debtorID string, role models.Role, content string) (int, error)

	// AppendMessages appends a batch in a single transaction.
	AppendMessages(ctx context.Context, batch []MessageAppend) error

	// SetState persists the debtor state. Setting the current state again is a no-op.
	SetState(ctx context.Context, debtorID string, state models.State) error

	// CommitExchange appends batch and sets debtorID's state in one transaction.
	CommitExchange(ctx context.Context, debtorID string, batch []MessageAppend, state models.State) error

	// ReadHistory returns the history ordered by sequence number.
	ReadHistory(ctx context.Context, debtorID string) ([]models.Message, error)
}

// CatalogStore holds strategies, datasets and campaigns.
type CatalogStore interface {
	SaveStrategy(ctx context.Context, s *models.Strategy) error
	GetStrategy(ctx context.Context, id string) (*models.Strategy, error)
	ListStrategies(ctx context.Context, ownerID string) ([]models.Strategy, error)

	SaveDataset(ctx context.Context, d *models.Dataset) error
	GetDataset(ctx context.Context, id string) (*models.Dataset, error)

	// ImportDebtor creates or updates the debtor (ownerID, phone), assigning it to
	// datasetID and merging attrs into its attributes. The state is preserved.
	ImportDebtor(ctx context.Context, ownerID, datasetID, phone string, attrs map[string]any) (*models.Debtor, error)
	// ListDatasetDebtors returns the debtors of a dataset ordered by phone.
	ListDatasetDebtors(ctx context.Context, datasetID string) ([]models.Debtor, error)

	SaveCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, ownerID string) ([]models.Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status models.CampaignStatus, at time.Time) error
	// FindActiveCampaign returns the most recently thrown active campaign for a dataset, or nil.
	FindActiveCampaign(ctx context.Context, ownerID, datasetID string) (*models.Campaign, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	ConversationStore
	CatalogStore
	JobRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(strings.ToLower(dsn))
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the backend matching dsn. An empty dsn yields an InMemoryStore.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		slog.Info("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}
