package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/util"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlBackend implements ConversationStore and CatalogStore on top of
// database/sql. SQLiteStore and PostgresStore embed it and differ only in
// placeholder format and row locking.
type sqlBackend struct {
	db      *sql.DB
	sb      sq.StatementBuilderType
	rowLock string
	name    string
}

func newSQLBackend(db *sql.DB, driver string) sqlBackend {
	if driver == "postgres" {
		return sqlBackend{
			db:      db,
			sb:      sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
			rowLock: "FOR UPDATE",
			name:    "PostgresStore",
		}
	}
	return sqlBackend{
		db:   db,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Question),
		name: "SQLiteStore",
	}
}

var debtorColumns = []string{
	"id", "owner_id", "phone", "state", "dataset_id", "attributes_json",
	"state_updated_at", "created_at", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDebtor(row rowScanner) (*models.Debtor, error) {
	var d models.Debtor
	var state, attrs string
	var datasetID sql.NullString
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Phone, &state, &datasetID, &attrs,
		&d.StateUpdatedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.State = models.State(state)
	d.DatasetID = datasetID.String
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &d.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes for debtor %s: %w", d.ID, err)
		}
	}
	if d.Attributes == nil {
		d.Attributes = map[string]any{}
	}
	return &d, nil
}

func (b *sqlBackend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn(b.name+".withTx: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (b *sqlBackend) findDebtor(ctx context.Context, q queryer, where sq.Eq, lock bool) (*models.Debtor, error) {
	builder := b.sb.Select(debtorColumns...).From("debtors").Where(where)
	if lock && b.rowLock != "" {
		builder = builder.Suffix(b.rowLock)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build debtor query: %w", err)
	}
	d, err := scanDebtor(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query debtor: %w", err)
	}
	return d, nil
}

func (b *sqlBackend) GetDebtor(ctx context.Context, ownerID, phone string) (*models.Debtor, error) {
	return b.findDebtor(ctx, b.db, sq.Eq{"owner_id": ownerID, "phone": phone}, false)
}

func (b *sqlBackend) GetDebtorByID(ctx context.Context, id string) (*models.Debtor, error) {
	return b.findDebtor(ctx, b.db, sq.Eq{"id": id}, false)
}

func (b *sqlBackend) CreateDebtorIfAbsent(ctx context.Context, ownerID, phone string) (*models.Debtor, error) {
	now := time.Now().UTC()
	query, args, err := b.sb.Insert("debtors").
		Columns("id", "owner_id", "phone", "state", "attributes_json", "state_updated_at", "created_at", "updated_at").
		Values(util.NewID(util.PrefixDebtor), ownerID, phone, string(models.StateGray), "{}", now, now, now).
		Suffix("ON CONFLICT (owner_id, phone) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build debtor insert: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert debtor: %w", err)
	}
	d, err := b.GetDebtor(ctx, ownerID, phone)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("debtor %s/%s missing after insert", ownerID, phone)
	}
	return d, nil
}

// nextSeq locks the debtor row and returns the next history sequence number.
func (b *sqlBackend) nextSeq(ctx context.Context, tx *sql.Tx, debtorID string) (int, error) {
	d, err := b.findDebtor(ctx, tx, sq.Eq{"id": debtorID}, true)
	if err != nil {
		return 0, err
	}
	if d == nil {
		return 0, fmt.Errorf("debtor %s: %w", debtorID, models.ErrNotFound)
	}
	query, args, err := b.sb.Select("COALESCE(MAX(seq), 0)").From("messages").
		Where(sq.Eq{"debtor_id": debtorID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build seq query: %w", err)
	}
	var last int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return last + 1, nil
}

func (b *sqlBackend) insertMessage(ctx context.Context, tx *sql.Tx, debtorID string, seq int, role models.Role, content string, now time.Time) error {
	query, args, err := b.sb.Insert("messages").
		Columns("debtor_id", "seq", "role", "content", "created_at").
		Values(debtorID, seq, string(role), content, now).
		ToSql()
	if err != nil {
		return fmt.Errorf("build message insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (b *sqlBackend) touchDebtor(ctx context.Context, tx *sql.Tx, debtorID string, now time.Time) error {
	query, args, err := b.sb.Update("debtors").Set("updated_at", now).Where(sq.Eq{"id": debtorID}).ToSql()
	if err != nil {
		return fmt.Errorf("build debtor touch: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touch debtor: %w", err)
	}
	return nil
}

func (b *sqlBackend) AppendMessage(ctx context.Context, debtorID string, role models.Role, content string) (int, error) {
	if !role.Valid() {
		return 0, &models.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	var seq int
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		next, err := b.nextSeq(ctx, tx, debtorID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := b.insertMessage(ctx, tx, debtorID, next, role, content, now); err != nil {
			return err
		}
		seq = next
		return b.touchDebtor(ctx, tx, debtorID, now)
	})
	if err != nil {
		return 0, err
	}
	slog.Debug(b.name+".AppendMessage", "debtorID", debtorID, "role", role, "seq", seq)
	return seq, nil
}

func validateBatch(batch []MessageAppend) error {
	for _, m := range batch {
		if !m.Role.Valid() {
			return &models.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", m.Role)}
		}
	}
	return nil
}

func (b *sqlBackend) appendBatch(ctx context.Context, tx *sql.Tx, batch []MessageAppend, now time.Time) error {
	next := make(map[string]int)
	for _, m := range batch {
		seq, ok := next[m.DebtorID]
		if !ok {
			var err error
			if seq, err = b.nextSeq(ctx, tx, m.DebtorID); err != nil {
				return err
			}
		}
		if err := b.insertMessage(ctx, tx, m.DebtorID, seq, m.Role, m.Content, now); err != nil {
			return err
		}
		next[m.DebtorID] = seq + 1
	}
	for debtorID := range next {
		if err := b.touchDebtor(ctx, tx, debtorID, now); err != nil {
			return err
		}
	}
	return nil
}

func (b *sqlBackend) AppendMessages(ctx context.Context, batch []MessageAppend) error {
	if err := validateBatch(batch); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		return b.appendBatch(ctx, tx, batch, time.Now().UTC())
	})
	if err != nil {
		return err
	}
	slog.Debug(b.name+".AppendMessages", "count", len(batch))
	return nil
}

// updateState changes the state column when it differs, returning the number
// of rows changed.
func (b *sqlBackend) updateState(ctx context.Context, q queryer, debtorID string, state models.State, now time.Time) (int64, error) {
	query, args, err := b.sb.Update("debtors").
		Set("state", string(state)).
		Set("state_updated_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": debtorID}).
		Where(sq.NotEq{"state": string(state)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build state update: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (b *sqlBackend) SetState(ctx context.Context, debtorID string, state models.State) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidState, state)
	}
	n, err := b.updateState(ctx, b.db, debtorID, state, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Debug(b.name+".SetState", "debtorID", debtorID, "state", state)
		return nil
	}
	d, err := b.GetDebtorByID(ctx, debtorID)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("debtor %s: %w", debtorID, models.ErrNotFound)
	}
	return nil
}

func (b *sqlBackend) CommitExchange(ctx context.Context, debtorID string, batch []MessageAppend, state models.State) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidState, state)
	}
	if err := validateBatch(batch); err != nil {
		return err
	}
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		d, err := b.findDebtor(ctx, tx, sq.Eq{"id": debtorID}, true)
		if err != nil {
			return err
		}
		if d == nil {
			return fmt.Errorf("debtor %s: %w", debtorID, models.ErrNotFound)
		}
		now := time.Now().UTC()
		if err := b.appendBatch(ctx, tx, batch, now); err != nil {
			return err
		}
		_, err = b.updateState(ctx, tx, debtorID, state, now)
		return err
	})
	if err != nil {
		return err
	}
	slog.Debug(b.name+".CommitExchange", "debtorID", debtorID, "count", len(batch), "state", state)
	return nil
}

func (b *sqlBackend) ReadHistory(ctx context.Context, debtorID string) ([]models.Message, error) {
	query, args, err := b.sb.Select("seq", "role", "content", "created_at").From("messages").
		Where(sq.Eq{"debtor_id": debtorID}).OrderBy("seq ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		if err := rows.Scan(&m.Seq, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return history, nil
}

// --- catalog ---

func (b *sqlBackend) SaveStrategy(ctx context.Context, s *models.Strategy) error {
	if s.ID == "" {
		s.ID = util.NewID(util.PrefixStrategy)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	rules, err := json.Marshal(s.RulesByState)
	if err != nil {
		return fmt.Errorf("encode strategy rules: %w", err)
	}
	query, args, err := b.sb.Insert("strategies").
		Columns("id", "owner_id", "name", "initial_prompt", "rules_json", "created_at").
		Values(s.ID, s.OwnerID, s.Name, s.InitialPrompt, string(rules), s.CreatedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, name = excluded.name, " +
			"initial_prompt = excluded.initial_prompt, rules_json = excluded.rules_json").
		ToSql()
	if err != nil {
		return fmt.Errorf("build strategy upsert: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert strategy: %w", err)
	}
	return nil
}

var strategyColumns = []string{"id", "owner_id", "name", "initial_prompt", "rules_json", "created_at"}

func scanStrategy(row rowScanner) (*models.Strategy, error) {
	var s models.Strategy
	var rules string
	if err := row.Scan(&s.ID, &s.OwnerID, &s.Name, &s.InitialPrompt, &rules, &s.CreatedAt); err != nil {
		return nil, err
	}
	if rules != "" && rules != "null" {
		if err := json.Unmarshal([]byte(rules), &s.RulesByState); err != nil {
			return nil, fmt.Errorf("decode rules for strategy %s: %w", s.ID, err)
		}
	}
	return &s, nil
}

func (b *sqlBackend) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	query, args, err := b.sb.Select(strategyColumns...).From("strategies").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build strategy query: %w", err)
	}
	s, err := scanStrategy(b.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy: %w", err)
	}
	return s, nil
}

func (b *sqlBackend) ListStrategies(ctx context.Context, ownerID string) ([]models.Strategy, error) {
	builder := b.sb.Select(strategyColumns...).From("strategies").OrderBy("created_at ASC", "id ASC")
	if ownerID != "" {
		builder = builder.Where(sq.Eq{"owner_id": ownerID})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build strategies query: %w", err)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()
	var out []models.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (b *sqlBackend) SaveDataset(ctx context.Context, d *models.Dataset) error {
	if d.ID == "" {
		d.ID = util.NewID(util.PrefixDataset)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	query, args, err := b.sb.Insert("datasets").
		Columns("id", "owner_id", "name", "created_at").
		Values(d.ID, d.OwnerID, d.Name, d.CreatedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET name = excluded.name").
		ToSql()
	if err != nil {
		return fmt.Errorf("build dataset upsert: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert dataset: %w", err)
	}
	return nil
}

func (b *sqlBackend) GetDataset(ctx context.Context, id string) (*models.Dataset, error) {
	query, args, err := b.sb.Select("id", "owner_id", "name", "created_at").From("datasets").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build dataset query: %w", err)
	}
	var d models.Dataset
	err = b.db.QueryRowContext(ctx, query, args...).Scan(&d.ID, &d.OwnerID, &d.Name, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query dataset: %w", err)
	}
	return &d, nil
}

func (b *sqlBackend) ImportDebtor(ctx context.Context, ownerID, datasetID, phone string, attrs map[string]any) (*models.Debtor, error) {
	var id string
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := b.findDebtor(ctx, tx, sq.Eq{"owner_id": ownerID, "phone": phone}, true)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		merged := map[string]any{}
		if existing != nil {
			for k, v := range existing.Attributes {
				merged[k] = v
			}
		}
		for k, v := range attrs {
			merged[k] = v
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode attributes: %w", err)
		}

		var query string
		var args []any
		if existing == nil {
			id = util.NewID(util.PrefixDebtor)
			query, args, err = b.sb.Insert("debtors").
				Columns("id", "owner_id", "phone", "state", "dataset_id", "attributes_json", "state_updated_at", "created_at", "updated_at").
				Values(id, ownerID, phone, string(models.StateGray), datasetID, string(encoded), now, now, now).
				ToSql()
		} else {
			id = existing.ID
			query, args, err = b.sb.Update("debtors").
				Set("dataset_id", datasetID).
				Set("attributes_json", string(encoded)).
				Set("updated_at", now).
				Where(sq.Eq{"id": id}).
				ToSql()
		}
		if err != nil {
			return fmt.Errorf("build debtor import: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("import debtor: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.GetDebtorByID(ctx, id)
}

func (b *sqlBackend) ListDatasetDebtors(ctx context.Context, datasetID string) ([]models.Debtor, error) {
	query, args, err := b.sb.Select(debtorColumns...).From("debtors").
		Where(sq.Eq{"dataset_id": datasetID}).OrderBy("phone ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build dataset debtors query: %w", err)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dataset debtors: %w", err)
	}
	defer rows.Close()
	var out []models.Debtor
	for rows.Next() {
		d, err := scanDebtor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan debtor: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

var campaignColumns = []string{"id", "owner_id", "name", "strategy_id", "dataset_id", "status", "last_thrown_at", "created_at"}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var c models.Campaign
	var status string
	var thrown sql.NullTime
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.StrategyID, &c.DatasetID, &status, &thrown, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Status = models.CampaignStatus(status)
	if thrown.Valid {
		t := thrown.Time
		c.LastThrownAt = &t
	}
	return &c, nil
}

func (b *sqlBackend) SaveCampaign(ctx context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = util.NewID(util.PrefixCampaign)
	}
	if c.Status == "" {
		c.Status = models.CampaignInactive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	query, args, err := b.sb.Insert("campaigns").
		Columns("id", "owner_id", "name", "strategy_id", "dataset_id", "status", "created_at").
		Values(c.ID, c.OwnerID, c.Name, c.StrategyID, c.DatasetID, string(c.Status), c.CreatedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, name = excluded.name, " +
			"strategy_id = excluded.strategy_id, dataset_id = excluded.dataset_id, status = excluded.status").
		ToSql()
	if err != nil {
		return fmt.Errorf("build campaign upsert: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert campaign: %w", err)
	}
	return nil
}

func (b *sqlBackend) queryCampaigns(ctx context.Context, builder sq.SelectBuilder) ([]models.Campaign, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build campaigns query: %w", err)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()
	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (b *sqlBackend) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	out, err := b.queryCampaigns(ctx, b.sb.Select(campaignColumns...).From("campaigns").Where(sq.Eq{"id": id}))
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

func (b *sqlBackend) ListCampaigns(ctx context.Context, ownerID string) ([]models.Campaign, error) {
	builder := b.sb.Select(campaignColumns...).From("campaigns").OrderBy("created_at ASC", "id ASC")
	if ownerID != "" {
		builder = builder.Where(sq.Eq{"owner_id": ownerID})
	}
	return b.queryCampaigns(ctx, builder)
}

func (b *sqlBackend) SetCampaignStatus(ctx context.Context, id string, status models.CampaignStatus, at time.Time) error {
	builder := b.sb.Update("campaigns").Set("status", string(status)).Where(sq.Eq{"id": id})
	if status == models.CampaignActive {
		builder = builder.Set("last_thrown_at", at.UTC())
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build campaign status update: %w", err)
	}
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (b *sqlBackend) FindActiveCampaign(ctx context.Context, ownerID, datasetID string) (*models.Campaign, error) {
	out, err := b.queryCampaigns(ctx, b.sb.Select(campaignColumns...).From("campaigns").
		Where(sq.Eq{"owner_id": ownerID, "dataset_id": datasetID, "status": string(models.CampaignActive)}).
		OrderBy("COALESCE(last_thrown_at, created_at) DESC").
		Limit(1))
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}
