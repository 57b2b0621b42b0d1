package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/store"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the postgres backend. Every read-modify-write runs in a transaction
// holding a row lock; ClaimJob additionally guards its UPDATE with the
// posted-and-unassigned condition.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func Connect(dsn string) (*Store, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, xerrors.Errorf("connect postgres: %w", err)
	}
	return New(gdb), nil
}

func New(gdb *gorm.DB) *Store {
	return &Store{db: gdb, now: time.Now}
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&jobRow{},
		&providerRow{},
		&clientRow{},
		&transactionRow{},
		&reputationEventRow{},
	)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return models.NotFoundf("%s not found", what)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return models.Conflictf("%s already exists", what)
	}
	return xerrors.Errorf("%s: %w", what, err)
}

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func encode(v interface{}) (json.RawMessage, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Errorf("encoding record: %w", err)
	}
	return doc, nil
}

func newJobRow(job *models.Job) (*jobRow, error) {
	doc, err := encode(job)
	if err != nil {
		return nil, err
	}
	return &jobRow{
		ID:               job.ID,
		ClientID:         job.ClientID,
		ProviderID:       job.ProviderID,
		Status:           string(job.Status),
		SettlementStatus: string(job.Settlement.Status),
		Doc:              doc,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}, nil
}

func (r *jobRow) decode() (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(r.Doc, &job); err != nil {
		return nil, xerrors.Errorf("decoding job %s: %w", r.ID, err)
	}
	return &job, nil
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = store.NextUpdatedAt(time.Time{}, s.now())
	row, err := newJobRow(job)
	if err != nil {
		return err
	}
	return translate(s.db.WithContext(ctx).Create(row).Error, "job "+job.ID)
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translate(err, "job "+id)
	}
	return row.decode()
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{}).Order("created_at asc")
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.ClientID != "" {
		q = q.Where("client_id = ?", filter.ClientID)
	}
	if filter.ProviderID != "" {
		q = q.Where("provider_id = ?", filter.ProviderID)
	}
	if filter.SettlementFailed {
		q = q.Where("settlement_status = ?", string(models.SettlementFailed))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "list jobs")
	}
	jobs := make([]*models.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) UpdateJob(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error) {
	var out *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := forUpdate(tx).First(&row, "id = ?", id).Error; err != nil {
			return translate(err, "job "+id)
		}
		job, err := row.decode()
		if err != nil {
			return err
		}
		prev := job.UpdatedAt
		if err := fn(job); err != nil {
			return err
		}
		job.ID = id
		job.UpdatedAt = store.NextUpdatedAt(prev, s.now())
		next, err := newJobRow(job)
		if err != nil {
			return err
		}
		if err := tx.Save(next).Error; err != nil {
			return translate(err, "job "+id)
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ClaimJob(ctx context.Context, id, providerID, providerWallet string, escrowAmount decimal.Decimal, at time.Time) (*models.Job, error) {
	var out *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := forUpdate(tx).First(&row, "id = ?", id).Error; err != nil {
			return translate(err, "job "+id)
		}
		job, err := row.decode()
		if err != nil {
			return err
		}
		if job.Status != models.JobPosted || job.ProviderID != "" {
			return store.ErrConflict
		}
		job.Status = models.JobAccepted
		job.ProviderID = providerID
		job.ProviderWallet = providerWallet
		job.EscrowAmount = escrowAmount
		job.AcceptedAt = &at
		job.Settlement = models.SettlementState{Status: models.SettlementPending}
		job.UpdatedAt = store.NextUpdatedAt(job.UpdatedAt, s.now())

		doc, err := encode(job)
		if err != nil {
			return err
		}
		res := tx.Model(&jobRow{}).
			Where("id = ? AND status = ? AND provider_id = ''", id, string(models.JobPosted)).
			Updates(map[string]interface{}{
				"status":            string(job.Status),
				"provider_id":       providerID,
				"settlement_status": string(job.Settlement.Status),
				"doc":               doc,
				"updated_at":        job.UpdatedAt,
			})
		if res.Error != nil {
			return translate(res.Error, "claim job "+id)
		}
		if res.RowsAffected == 0 {
			return store.ErrConflict
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateProvider(ctx context.Context, p *models.Provider) error {
	p.UpdatedAt = store.NextUpdatedAt(time.Time{}, s.now())
	doc, err := encode(p)
	if err != nil {
		return err
	}
	row := &providerRow{ID: p.ID, Wallet: p.WalletAddress, Doc: doc, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt}
	return translate(s.db.WithContext(ctx).Create(row).Error, "provider "+p.ID)
}

func (s *Store) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	var row providerRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translate(err, "provider "+id)
	}
	var p models.Provider
	if err := json.Unmarshal(row.Doc, &p); err != nil {
		return nil, xerrors.Errorf("decoding provider %s: %w", id, err)
	}
	return &p, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	var rows []providerRow
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, translate(err, "list providers")
	}
	providers := make([]*models.Provider, 0, len(rows))
	for _, row := range rows {
		var p models.Provider
		if err := json.Unmarshal(row.Doc, &p); err != nil {
			return nil, xerrors.Errorf("decoding provider %s: %w", row.ID, err)
		}
		providers = append(providers, &p)
	}
	return providers, nil
}

func (s *Store) CreateClient(ctx context.Context, c *models.Client) error {
	c.UpdatedAt = store.NextUpdatedAt(time.Time{}, s.now())
	doc, err := encode(c)
	if err != nil {
		return err
	}
	row := &clientRow{ID: c.ID, Wallet: c.WalletAddress, Doc: doc, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
	return translate(s.db.WithContext(ctx).Create(row).Error, "client "+c.ID)
}

func (s *Store) GetClient(ctx context.Context, id string) (*models.Client, error) {
	var row clientRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translate(err, "client "+id)
	}
	var c models.Client
	if err := json.Unmarshal(row.Doc, &c); err != nil {
		return nil, xerrors.Errorf("decoding client %s: %w", id, err)
	}
	return &c, nil
}

func newTransactionRow(t *models.Transaction) (*transactionRow, error) {
	doc, err := encode(t)
	if err != nil {
		return nil, err
	}
	return &transactionRow{
		ID:        t.ID,
		JobID:     t.JobID,
		Type:      string(t.Type),
		Status:    string(t.Status),
		Flagged:   t.Flagged,
		Doc:       doc,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}, nil
}

func (r *transactionRow) decode() (*models.Transaction, error) {
	var t models.Transaction
	if err := json.Unmarshal(r.Doc, &t); err != nil {
		return nil, xerrors.Errorf("decoding transaction %s: %w", r.ID, err)
	}
	return &t, nil
}

func (s *Store) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	t.UpdatedAt = store.NextUpdatedAt(time.Time{}, s.now())
	row, err := newTransactionRow(t)
	if err != nil {
		return err
	}
	return translate(s.db.WithContext(ctx).Create(row).Error, "transaction "+t.ID)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var row transactionRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translate(err, "transaction "+id)
	}
	return row.decode()
}

func (s *Store) UpdateTransaction(ctx context.Context, id string, fn func(t *models.Transaction) error) (*models.Transaction, error) {
	var out *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row transactionRow
		if err := forUpdate(tx).First(&row, "id = ?", id).Error; err != nil {
			return translate(err, "transaction "+id)
		}
		t, err := row.decode()
		if err != nil {
			return err
		}
		prev := t.UpdatedAt
		if err := fn(t); err != nil {
			return err
		}
		t.ID = id
		t.UpdatedAt = store.NextUpdatedAt(prev, s.now())
		next, err := newTransactionRow(t)
		if err != nil {
			return err
		}
		if err := tx.Save(next).Error; err != nil {
			return translate(err, "transaction "+id)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter store.TxFilter) ([]*models.Transaction, error) {
	q := s.db.WithContext(ctx).Model(&transactionRow{}).Order("created_at asc")
	if filter.JobID != "" {
		q = q.Where("job_id = ?", filter.JobID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if filter.Unsettled {
		q = q.Where("status IN ?", []string{string(models.TxPending), string(models.TxProcessing)})
	}
	if filter.OnlyFlagged {
		q = q.Where("flagged = ?", true)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []transactionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "list transactions")
	}
	txs := make([]*models.Transaction, 0, len(rows))
	for i := range rows {
		t, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, nil
}

func newReputationEventRow(ev *models.ReputationEvent) (*reputationEventRow, error) {
	doc, err := encode(ev)
	if err != nil {
		return nil, err
	}
	return &reputationEventRow{
		ID:        ev.ID,
		SubjectID: ev.SubjectID,
		JobID:     ev.JobID,
		Status:    string(ev.Status),
		Doc:       doc,
		CreatedAt: ev.CreatedAt,
		UpdatedAt: ev.UpdatedAt,
	}, nil
}

func (r *reputationEventRow) decode() (*models.ReputationEvent, error) {
	var ev models.ReputationEvent
	if err := json.Unmarshal(r.Doc, &ev); err != nil {
		return nil, xerrors.Errorf("decoding reputation event %s: %w", r.ID, err)
	}
	return &ev, nil
}

// putEvent upserts ev inside tx, refusing to rewrite the scores of a processed event.
func (s *Store) putEvent(tx *gorm.DB, ev *models.ReputationEvent) error {
	var row reputationEventRow
	err := forUpdate(tx).First(&row, "id = ?", ev.ID).Error
	prevUpdated := time.Time{}
	switch {
	case err == nil:
		prev, err := row.decode()
		if err != nil {
			return err
		}
		if prev.Status == models.RepProcessed || prev.Status == models.RepReversed {
			if ev.ScoreBefore != prev.ScoreBefore || ev.ScoreAfter != prev.ScoreAfter || ev.ScoreDelta != prev.ScoreDelta {
				return models.InvariantViolation("reputation event "+ev.ID+" is processed and immutable", nil)
			}
		}
		prevUpdated = prev.UpdatedAt
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return translate(err, "reputation event "+ev.ID)
	}
	ev.UpdatedAt = store.NextUpdatedAt(prevUpdated, s.now())
	next, err := newReputationEventRow(ev)
	if err != nil {
		return err
	}
	return translate(tx.Save(next).Error, "reputation event "+ev.ID)
}

func (s *Store) PutReputationEvent(ctx context.Context, ev *models.ReputationEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.putEvent(tx, ev)
	})
}

func (s *Store) GetReputationEvent(ctx context.Context, id string) (*models.ReputationEvent, error) {
	var row reputationEventRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, translate(err, "reputation event "+id)
	}
	return row.decode()
}

func (s *Store) ListReputationEvents(ctx context.Context, subjectID string) ([]*models.ReputationEvent, error) {
	var rows []reputationEventRow
	err := s.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err, "list reputation events")
	}
	events := make([]*models.ReputationEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Store) GetStats(ctx context.Context, subject models.SubjectType, id string) (models.ReputationStats, error) {
	switch subject {
	case models.SubjectProvider:
		p, err := s.GetProvider(ctx, id)
		if err != nil {
			return models.ReputationStats{}, err
		}
		return p.Stats, nil
	case models.SubjectClient:
		c, err := s.GetClient(ctx, id)
		if err != nil {
			return models.ReputationStats{}, err
		}
		return c.Stats, nil
	}
	return models.ReputationStats{}, models.Validationf("unknown reputation subject %q", subject)
}

func (s *Store) CommitReputation(ctx context.Context, subject models.SubjectType, id string, fn func(stats *models.ReputationStats) error, events ...*models.ReputationEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		switch subject {
		case models.SubjectProvider:
			var row providerRow
			if err := forUpdate(tx).First(&row, "id = ?", id).Error; err != nil {
				return translate(err, "provider "+id)
			}
			var p models.Provider
			if err := json.Unmarshal(row.Doc, &p); err != nil {
				return xerrors.Errorf("decoding provider %s: %w", id, err)
			}
			if err := fn(&p.Stats); err != nil {
				return err
			}
			p.Stats.Clamp()
			p.UpdatedAt = store.NextUpdatedAt(p.UpdatedAt, now)
			doc, err := encode(&p)
			if err != nil {
				return err
			}
			row.Doc, row.UpdatedAt = doc, p.UpdatedAt
			if err := tx.Save(&row).Error; err != nil {
				return translate(err, "provider "+id)
			}
		case models.SubjectClient:
			var row clientRow
			if err := forUpdate(tx).First(&row, "id = ?", id).Error; err != nil {
				return translate(err, "client "+id)
			}
			var c models.Client
			if err := json.Unmarshal(row.Doc, &c); err != nil {
				return xerrors.Errorf("decoding client %s: %w", id, err)
			}
			if err := fn(&c.Stats); err != nil {
				return err
			}
			c.Stats.Clamp()
			c.UpdatedAt = store.NextUpdatedAt(c.UpdatedAt, now)
			doc, err := encode(&c)
			if err != nil {
				return err
			}
			row.Doc, row.UpdatedAt = doc, c.UpdatedAt
			if err := tx.Save(&row).Error; err != nil {
				return translate(err, "client "+id)
			}
		default:
			return models.Validationf("unknown reputation subject %q", subject)
		}

		for _, ev := range events {
			if err := s.putEvent(tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}
