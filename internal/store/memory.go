package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/util"
)

// InMemoryStore is a process-local Store. Nothing survives a restart.
type InMemoryStore struct {
	mu         sync.Mutex
	debtors    map[string]*models.Debtor // by ID
	byIdentity map[string]string         // DebtorKey -> ID
	history    map[string][]models.Message
	strategies map[string]models.Strategy
	datasets   map[string]models.Dataset
	campaigns  map[string]models.Campaign
	jobs       map[string]*Job
	jobSeq     map[string]int64
	nextJobSeq int64
	dedup      map[string]*DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		debtors:    make(map[string]*models.Debtor),
		byIdentity: make(map[string]string),
		history:    make(map[string][]models.Message),
		strategies: make(map[string]models.Strategy),
		datasets:   make(map[string]models.Dataset),
		campaigns:  make(map[string]models.Campaign),
		jobs:       make(map[string]*Job),
		jobSeq:     make(map[string]int64),
		dedup:      make(map[string]*DedupRecord),
	}
}

func copyDebtor(d *models.Debtor) *models.Debtor {
	c := *d
	c.Attributes = make(map[string]any, len(d.Attributes))
	for k, v := range d.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

func (s *InMemoryStore) GetDebtor(_ context.Context, ownerID, phone string) (*models.Debtor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdentity[models.DebtorKey(ownerID, phone)]
	if !ok {
		return nil, nil
	}
	return copyDebtor(s.debtors[id]), nil
}

func (s *InMemoryStore) GetDebtorByID(_ context.Context, id string) (*models.Debtor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.debtors[id]
	if !ok {
		return nil, nil
	}
	return copyDebtor(d), nil
}

func (s *InMemoryStore) createLocked(ownerID, phone string) *models.Debtor {
	key := models.DebtorKey(ownerID, phone)
	if id, ok := s.byIdentity[key]; ok {
		return s.debtors[id]
	}
	now := time.Now().UTC()
	d := &models.Debtor{
		ID:             util.NewID(util.PrefixDebtor),
		OwnerID:        ownerID,
		Phone:          phone,
		State:          models.StateGray,
		Attributes:     map[string]any{},
		StateUpdatedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.debtors[d.ID] = d
	s.byIdentity[key] = d.ID
	return d
}

func (s *InMemoryStore) CreateDebtorIfAbsent(_ context.Context, ownerID, phone string) (*models.Debtor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyDebtor(s.createLocked(ownerID, phone)), nil
}

func (s *InMemoryStore) appendLocked(debtorID string, role models.Role, content string, now time.Time) (int, error) {
	d, ok := s.debtors[debtorID]
	if !ok {
		return 0, fmt.Errorf("debtor %s: %w", debtorID, models.ErrNotFound)
	}
	seq := len(s.history[debtorID]) + 1
	s.history[debtorID] = append(s.history[debtorID], models.Message{
		Seq: seq, Role: role, Content: content, CreatedAt: now,
	})
	d.UpdatedAt = now
	return seq, nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, debtorID string, role models.Role, content string) (int, error) {
	if !role.Valid() {
		return 0, &models.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(debtorID, role, content, time.Now().UTC())
}

func (s *InMemoryStore) AppendMessages(_ context.Context, batch []MessageAppend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Validate everything first so the batch is all-or-nothing.
	for _, m := range batch {
		if !m.Role.Valid() {
			return &models.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", m.Role)}
		}
		if _, ok := s.debtors[m.DebtorID]; !ok {
			return fmt.Errorf("debtor %s: %w", m.DebtorID, models.ErrNotFound)
		}
	}
	now := time.Now().UTC()
	for _, m := range batch {
		if _, err := s.appendLocked(m.DebtorID, m.Role, m.Content, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStore) SetState(_ context.Context, debtorID string, state models.State) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidState, state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.debtors[debtorID]
	if !ok {
		return fmt.Errorf("debtor %s: %w", debtorID, models.ErrNotFound)
	}
	if d.State != state {
		now := time.Now().UTC()
		d.State = state
		d.StateUpdatedAt = now
		d.UpdatedAt = now
	}
	return nil
}

func (s *InMemoryStore) CommitExchange(_ context.Context, debtorID string, batch []MessageAppend, state models.State) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidState, state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.debtors[debtorID]
	if !ok {
		return fmt.Errorf("debtor %s: %w", debtorID, models.ErrNotFound)
	}
	for _, m := range batch {
		if !m.Role.Valid() {
			return &models.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", m.Role)}
		}
		if _, ok := s.debtors[m.DebtorID]; !ok {
			return fmt.Errorf("debtor %s: %w", m.DebtorID, models.ErrNotFound)
		}
	}
	now := time.Now().UTC()
	for _, m := range batch {
		if _, err := s.appendLocked(m.DebtorID, m.Role, m.Content, now); err != nil {
			return err
		}
	}
	if d.State != state {
		d.State = state
		d.StateUpdatedAt = now
		d.UpdatedAt = now
	}
	return nil
}

func (s *InMemoryStore) ReadHistory(_ context.Context, debtorID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[debtorID]
	out := make([]models.Message, len(h))
	copy(out, h)
	return out, nil
}

func (s *InMemoryStore) SaveStrategy(_ context.Context, st *models.Strategy) error {
	if st.ID == "" {
		st.ID = util.NewID(util.PrefixStrategy)
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *st
	c.RulesByState = make(map[models.State]string, len(st.RulesByState))
	for k, v := range st.RulesByState {
		c.RulesByState[k] = v
	}
	if prev, ok := s.strategies[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	s.strategies[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetStrategy(_ context.Context, id string) (*models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *InMemoryStore) ListStrategies(_ context.Context, ownerID string) ([]models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Strategy
	for _, st := range s.strategies {
		if ownerID == "" || st.OwnerID == ownerID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *InMemoryStore) SaveDataset(_ context.Context, d *models.Dataset) error {
	if d.ID == "" {
		d.ID = util.NewID(util.PrefixDataset)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[d.ID] = *d
	return nil
}

func (s *InMemoryStore) GetDataset(_ context.Context, id string) (*models.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *InMemoryStore) ImportDebtor(_ context.Context, ownerID, datasetID, phone string, attrs map[string]any) (*models.Debtor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.createLocked(ownerID, phone)
	d.DatasetID = datasetID
	for k, v := range attrs {
		d.Attributes[k] = v
	}
	d.UpdatedAt = time.Now().UTC()
	return copyDebtor(d), nil
}

func (s *InMemoryStore) ListDatasetDebtors(_ context.Context, datasetID string) ([]models.Debtor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Debtor
	for _, d := range s.debtors {
		if d.DatasetID == datasetID {
			out = append(out, *copyDebtor(d))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Phone < out[k].Phone })
	return out, nil
}

func (s *InMemoryStore) SaveCampaign(_ context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = util.NewID(util.PrefixCampaign)
	}
	if c.Status == "" {
		c.Status = models.CampaignInactive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *c
	if prev, ok := s.campaigns[c.ID]; ok {
		saved.LastThrownAt = prev.LastThrownAt
		saved.CreatedAt = prev.CreatedAt
	}
	s.campaigns[c.ID] = saved
	return nil
}

func (s *InMemoryStore) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) ListCampaigns(_ context.Context, ownerID string) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Campaign
	for _, c := range s.campaigns {
		if ownerID == "" || c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *InMemoryStore) SetCampaignStatus(_ context.Context, id string, status models.CampaignStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, models.ErrNotFound)
	}
	c.Status = status
	if status == models.CampaignActive {
		t := at.UTC()
		c.LastThrownAt = &t
	}
	s.campaigns[id] = c
	return nil
}

func (s *InMemoryStore) FindActiveCampaign(_ context.Context, ownerID, datasetID string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Campaign
	var bestAt time.Time
	for _, c := range s.campaigns {
		if c.OwnerID != ownerID || c.DatasetID != datasetID || c.Status != models.CampaignActive {
			continue
		}
		at := c.CreatedAt
		if c.LastThrownAt != nil {
			at = *c.LastThrownAt
		}
		if best == nil || at.After(bestAt) {
			cc := c
			best, bestAt = &cc, at
		}
	}
	return best, nil
}

// --- jobs ---

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON, dedupeKey, partitionKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
				return j.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	j := &Job{
		ID:           util.NewID(util.PrefixJob),
		Kind:         kind,
		RunAt:        runAt.UTC(),
		PayloadJSON:  payloadJSON,
		Status:       JobStatusQueued,
		MaxAttempts:  DefaultMaxAttempts,
		DedupeKey:    dedupeKey,
		PartitionKey: partitionKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.nextJobSeq++
	s.jobs[j.ID] = j
	s.jobSeq[j.ID] = s.nextJobSeq
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int, skipPartitions ...string) ([]Job, error) {
	skip := make(map[string]bool, len(skipPartitions))
	for _, p := range skipPartitions {
		skip[p] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) && !(j.PartitionKey != "" && skip[j.PartitionKey]) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].RunAt.Equal(due[k].RunAt) {
			return due[i].RunAt.Before(due[k].RunAt)
		}
		return s.jobSeq[due[i].ID] < s.jobSeq[due[k].ID]
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) jobLocked(id string) (*Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return j, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.jobLocked(id)
	if err != nil {
		return err
	}
	j.Status = JobStatusDone
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.jobLocked(id)
	if err != nil {
		return err
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt.UTC()
	}
	return nil
}

func (s *InMemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.jobLocked(id)
	if err != nil {
		return err
	}
	j.Status = JobStatusCanceled
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

// --- dedup ---

func (s *InMemoryStore) RecordInbound(messageID, debtorKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, DebtorKey: debtorKey, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) IsProcessed(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.dedup[messageID]
	return ok && r.ProcessedAt != nil, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	r, ok := s.dedup[messageID]
	if !ok {
		r = &DedupRecord{MessageID: messageID, ReceivedAt: now}
		s.dedup[messageID] = r
	}
	r.ProcessedAt = &now
	return nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
