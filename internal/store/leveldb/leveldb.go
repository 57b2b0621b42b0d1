package leveldb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/lagrangedao/go-computing-broker/internal/lock"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/store"
	"github.com/shopspring/decimal"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/xerrors"
)

const (
	jobPrefix      = "job/"
	providerPrefix = "provider/"
	clientPrefix   = "client/"
	txPrefix       = "tx/"
	txJobPrefix    = "txjob/"
	repPrefix      = "rep/"
	repSubjPrefix  = "repsubj/"
)

// Store keeps every broker record in one leveldb. Read-modify-write cycles are
// serialized per record in process; multi-record writes go through a batch.
type Store struct {
	db    *leveldb.DB
	locks *lock.KeyedMutex
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

func OpenOrInit(p string) (*Store, error) {
	_, err := os.Stat(p)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := os.MkdirAll(p, 0700); err != nil {
			return nil, err
		}
	}

	db, err := leveldb.OpenFile(p, nil)
	if err != nil {
		return nil, xerrors.Errorf("open leveldb %s: %w", p, err)
	}
	return newStore(db), nil
}

// OpenMemory returns a store backed by leveldb's in-memory storage.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStore(db), nil
}

func newStore(db *leveldb.DB) *Store {
	return &Store{db: db, locks: lock.NewKeyedMutex(), now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string, v interface{}) error {
	value, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return models.NotFoundf("%s not found", key)
	}
	if err != nil {
		return xerrors.Errorf("reading %s: %w", key, err)
	}
	if err = json.Unmarshal(value, v); err != nil {
		return xerrors.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (s *Store) has(key string) (bool, error) {
	return s.db.Has([]byte(key), nil)
}

func putJSON(batch *leveldb.Batch, key string, v interface{}) error {
	bytes, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("encoding %s: %w", key, err)
	}
	batch.Put([]byte(key), bytes)
	return nil
}

func (s *Store) write(batch *leveldb.Batch) error {
	if err := s.db.Write(batch, nil); err != nil {
		return xerrors.Errorf("writing batch: %w", err)
	}
	return nil
}

func (s *Store) lockKey(ctx context.Context, key string) (func(), error) {
	return s.locks.Lock(ctx, key)
}

func (s *Store) scan(prefix string, fn func(value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	key := jobPrefix + job.ID
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	exists, err := s.has(key)
	if err != nil {
		return err
	}
	if exists {
		return models.Conflictf("job %s already exists", job.ID)
	}
	job.UpdatedAt = store.NextUpdatedAt(time.Time{}, s.now())
	batch := new(leveldb.Batch)
	if err := putJSON(batch, key, job); err != nil {
		return err
	}
	return s.write(batch)
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.get(jobPrefix+id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.scan(jobPrefix, func(value []byte) error {
		var job models.Job
		if err := json.Unmarshal(value, &job); err != nil {
			return err
		}
		if filter.Status != "" && job.Status != filter.Status {
			return nil
		}
		if filter.ClientID != "" && job.ClientID != filter.ClientID {
			return nil
		}
		if filter.ProviderID != "" && job.ProviderID != filter.ProviderID {
			return nil
		}
		if filter.SettlementFailed && job.Settlement.Status != models.SettlementFailed {
			return nil
		}
		jobs = append(jobs, &job)
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("listing jobs: %w", err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *Store) UpdateJob(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error) {
	key := jobPrefix + id
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var job models.Job
	if err := s.get(key, &job); err != nil {
		return nil, err
	}
	prev := job.UpdatedAt
	if err := fn(&job); err != nil {
		return nil, err
	}
	job.ID = id
	job.UpdatedAt = store.NextUpdatedAt(prev, s.now())

	batch := new(leveldb.Batch)
	if err := putJSON(batch, key, &job); err != nil {
		return nil, err
	}
	if err := s.write(batch); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) ClaimJob(ctx context.Context, id, providerID, providerWallet string, escrowAmount decimal.Decimal, at time.Time) (*models.Job, error) {
	return s.UpdateJob(ctx, id, func(job *models.Job) error {
		if job.Status != models.JobPosted || job.ProviderID != "" {
			return store.ErrConflict
		}
		job.Status = models.JobAccepted
		job.ProviderID = providerID
		job.ProviderWallet = providerWallet
		job.EscrowAmount = escrowAmount
		job.AcceptedAt = &at
		job.Settlement = models.SettlementState{Status: models.SettlementPending}
		return nil
	})
}

func (s *Store) CreateProvider(ctx context.Context, p *models.Provider) error {
	return s.createRecord(ctx, providerPrefix+p.ID, func() {
		p.UpdatedAt = store.NextUpdatedAt(time.Time{}, s.now())
	}, p)
}

func (s *Store) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	var p models.Provider
	if err := s.get(providerPrefix+id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	var providers []*models.Provider
	err := s.scan(providerPrefix, func(value []byte) error {
		var p models.Provider
		if err := json.Unmarshal(value, &p); err != nil {
			return err
		}
		providers = append(providers, &p)
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("listing providers: %w", err)
	}
	return providers, nil
}

func (s *Store) CreateClient(ctx context.Context, c *models.Client) error {
	return s.createRecord(ctx, clientPrefix+c.ID, func() {
		c.UpdatedAt = store.NextUpdatedAt(time.Time{}, s.now())
	}, c)
}

func (s *Store) GetClient(ctx context.Context, id string) (*models.Client, error) {
	var c models.Client
	if err := s.get(clientPrefix+id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) createRecord(ctx context.Context, key string, stamp func(), v interface{}) error {
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	exists, err := s.has(key)
	if err != nil {
		return err
	}
	if exists {
		return models.Conflictf("%s already exists", key)
	}
	stamp()
	batch := new(leveldb.Batch)
	if err := putJSON(batch, key, v); err != nil {
		return err
	}
	return s.write(batch)
}

func (s *Store) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	key := txPrefix + tx.ID
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	exists, err := s.has(key)
	if err != nil {
		return err
	}
	if exists {
		return models.Conflictf("transaction %s already exists", tx.ID)
	}
	tx.UpdatedAt = store.NextUpdatedAt(time.Time{}, s.now())
	batch := new(leveldb.Batch)
	if err := putJSON(batch, key, tx); err != nil {
		return err
	}
	if tx.JobID != "" {
		batch.Put([]byte(txJobPrefix+tx.JobID+"/"+tx.ID), []byte(tx.ID))
	}
	return s.write(batch)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.get(txPrefix+id, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, id string, fn func(tx *models.Transaction) error) (*models.Transaction, error) {
	key := txPrefix + id
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var tx models.Transaction
	if err := s.get(key, &tx); err != nil {
		return nil, err
	}
	prev := tx.UpdatedAt
	if err := fn(&tx); err != nil {
		return nil, err
	}
	tx.ID = id
	tx.UpdatedAt = store.NextUpdatedAt(prev, s.now())

	batch := new(leveldb.Batch)
	if err := putJSON(batch, key, &tx); err != nil {
		return nil, err
	}
	if err := s.write(batch); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter store.TxFilter) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	keep := func(tx *models.Transaction) bool {
		if filter.Type != "" && tx.Type != filter.Type {
			return false
		}
		if filter.Unsettled && tx.Status.Terminal() {
			return false
		}
		if filter.OnlyFlagged && !tx.Flagged {
			return false
		}
		return true
	}

	if filter.JobID != "" {
		iter := s.db.NewIterator(util.BytesPrefix([]byte(txJobPrefix+filter.JobID+"/")), nil)
		for iter.Next() {
			var tx models.Transaction
			if err := s.get(txPrefix+string(iter.Value()), &tx); err != nil {
				iter.Release()
				return nil, err
			}
			if keep(&tx) {
				txs = append(txs, &tx)
			}
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return nil, xerrors.Errorf("listing transactions of job %s: %w", filter.JobID, err)
		}
	} else {
		err := s.scan(txPrefix, func(value []byte) error {
			var tx models.Transaction
			if err := json.Unmarshal(value, &tx); err != nil {
				return err
			}
			if keep(&tx) {
				txs = append(txs, &tx)
			}
			return nil
		})
		if err != nil {
			return nil, xerrors.Errorf("listing transactions: %w", err)
		}
	}

	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.Before(txs[j].CreatedAt) })
	if filter.Limit > 0 && len(txs) > filter.Limit {
		txs = txs[:filter.Limit]
	}
	return txs, nil
}

func subjectIndexKey(ev *models.ReputationEvent) string {
	return fmt.Sprintf("%s%s/%020d/%s", repSubjPrefix, ev.SubjectID, ev.CreatedAt.UnixNano(), ev.ID)
}

func (s *Store) PutReputationEvent(ctx context.Context, ev *models.ReputationEvent) error {
	key := repPrefix + ev.ID
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	var prev models.ReputationEvent
	err = s.get(key, &prev)
	switch {
	case err == nil:
		if prev.Status == models.RepProcessed || prev.Status == models.RepReversed {
			if ev.ScoreBefore != prev.ScoreBefore || ev.ScoreAfter != prev.ScoreAfter || ev.ScoreDelta != prev.ScoreDelta {
				return models.InvariantViolation(fmt.Sprintf("reputation event %s is processed and immutable", ev.ID), nil)
			}
		}
		ev.UpdatedAt = store.NextUpdatedAt(prev.UpdatedAt, s.now())
	case models.IsKind(err, models.KindNotFound):
		ev.UpdatedAt = store.NextUpdatedAt(time.Time{}, s.now())
	default:
		return err
	}

	batch := new(leveldb.Batch)
	if err := putJSON(batch, key, ev); err != nil {
		return err
	}
	batch.Put([]byte(subjectIndexKey(ev)), []byte(ev.ID))
	return s.write(batch)
}

func (s *Store) GetReputationEvent(ctx context.Context, id string) (*models.ReputationEvent, error) {
	var ev models.ReputationEvent
	if err := s.get(repPrefix+id, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) ListReputationEvents(ctx context.Context, subjectID string) ([]*models.ReputationEvent, error) {
	var events []*models.ReputationEvent
	iter := s.db.NewIterator(util.BytesPrefix([]byte(repSubjPrefix+subjectID+"/")), nil)
	defer iter.Release()
	for iter.Next() {
		var ev models.ReputationEvent
		if err := s.get(repPrefix+string(iter.Value()), &ev); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	if err := iter.Error(); err != nil {
		return nil, xerrors.Errorf("listing reputation events of %s: %w", subjectID, err)
	}
	return events, nil
}

func subjectKey(subject models.SubjectType, id string) (string, error) {
	switch subject {
	case models.SubjectProvider:
		return providerPrefix + id, nil
	case models.SubjectClient:
		return clientPrefix + id, nil
	}
	return "", models.Validationf("unknown reputation subject %q", subject)
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
	key, err := subjectKey(subject, id)
	if err != nil {
		return err
	}
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	for _, ev := range events {
		unlockEv, err := s.lockKey(ctx, repPrefix+ev.ID)
		if err != nil {
			return err
		}
		defer unlockEv()
	}

	batch := new(leveldb.Batch)
	now := s.now()
	switch subject {
	case models.SubjectProvider:
		var p models.Provider
		if err := s.get(key, &p); err != nil {
			return err
		}
		if err := fn(&p.Stats); err != nil {
			return err
		}
		p.Stats.Clamp()
		p.UpdatedAt = store.NextUpdatedAt(p.UpdatedAt, now)
		if err := putJSON(batch, key, &p); err != nil {
			return err
		}
	case models.SubjectClient:
		var c models.Client
		if err := s.get(key, &c); err != nil {
			return err
		}
		if err := fn(&c.Stats); err != nil {
			return err
		}
		c.Stats.Clamp()
		c.UpdatedAt = store.NextUpdatedAt(c.UpdatedAt, now)
		if err := putJSON(batch, key, &c); err != nil {
			return err
		}
	}

	for _, ev := range events {
		var prev models.ReputationEvent
		prevUpdated := time.Time{}
		if err := s.get(repPrefix+ev.ID, &prev); err == nil {
			prevUpdated = prev.UpdatedAt
		} else if !models.IsKind(err, models.KindNotFound) {
			return err
		}
		ev.UpdatedAt = store.NextUpdatedAt(prevUpdated, now)
		if err := putJSON(batch, repPrefix+ev.ID, ev); err != nil {
			return err
		}
		batch.Put([]byte(subjectIndexKey(ev)), []byte(ev.ID))
	}
	return s.write(batch)
}

// Keys lists raw keys under prefix; used by the CLI for diagnostics.
func (s *Store) Keys(prefix string) ([]string, error) {
	var keys []string
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}
