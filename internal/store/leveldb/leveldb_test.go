package leveldb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func postedJob(id string) *models.Job {
	now := time.Now()
	return &models.Job{
		ID:           id,
		ClientID:     "client-1",
		ClientWallet: "0xclient",
		Status:       models.JobPosted,
		Pricing:      models.PricingFixed,
		Budget:       decimal.NewFromInt(100),
		CreatedAt:    now,
		PostedAt:     &now,
	}
}

func TestJobRoundTripAndNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetJob(ctx, "missing")
	require.True(t, models.IsKind(err, models.KindNotFound))
	require.True(t, errors.Is(err, models.ErrNotFound))

	job := postedJob("job-1")
	require.NoError(t, s.CreateJob(ctx, job))
	require.True(t, models.IsKind(s.CreateJob(ctx, postedJob("job-1")), models.KindConcurrencyConflict))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobPosted, got.Status)
	require.True(t, got.Budget.Equal(decimal.NewFromInt(100)))
}

func TestUpdateJobKeepsUpdatedAtIncreasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	require.NoError(t, s.CreateJob(ctx, postedJob("job-1")))
	prev, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		next, err := s.UpdateJob(ctx, "job-1", func(job *models.Job) error {
			job.Progress += 10
			return nil
		})
		require.NoError(t, err)
		require.True(t, next.UpdatedAt.After(prev.UpdatedAt))
		prev = next
	}
	require.Equal(t, 30, prev.Progress)
}

func TestUpdateJobAbortsOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, postedJob("job-1")))

	boom := errors.New("boom")
	_, err := s.UpdateJob(ctx, "job-1", func(job *models.Job) error {
		job.Status = models.JobCancelled
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobPosted, got.Status)
}

func TestClaimJobHasExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, postedJob("job-1")))

	const racers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			provider := fmt.Sprintf("provider-%d", i)
			_, err := s.ClaimJob(ctx, "job-1", provider, "0x"+provider, decimal.NewFromInt(100), time.Now())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, provider)
				return
			}
			if errors.Is(err, store.ErrConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	require.Equal(t, racers-1, conflicts)

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobAccepted, got.Status)
	require.Equal(t, winners[0], got.ProviderID)
	require.Equal(t, models.SettlementPending, got.Settlement.Status)
}

func TestTransactionsIndexedByJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, jobID := range []string{"job-1", "job-1", "job-2"} {
		tx := &models.Transaction{
			ID:          fmt.Sprintf("tx-%d", i),
			JobID:       jobID,
			Type:        models.TxRelease,
			Status:      models.TxPending,
			GrossAmount: decimal.NewFromInt(10),
			NetAmount:   decimal.NewFromInt(10),
			CreatedAt:   time.Now().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}

	txs, err := s.ListTransactions(ctx, store.TxFilter{JobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, "tx-0", txs[0].ID)

	_, err = s.UpdateTransaction(ctx, "tx-0", func(tx *models.Transaction) error {
		tx.Status = models.TxCompleted
		return nil
	})
	require.NoError(t, err)

	unsettled, err := s.ListTransactions(ctx, store.TxFilter{Unsettled: true})
	require.NoError(t, err)
	require.Len(t, unsettled, 2)
}

func TestCommitReputationWritesAggregateAndEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProvider(ctx, &models.Provider{
		ID:            "provider-1",
		WalletAddress: "0xprovider",
		Stats:         models.ReputationStats{Score: models.DefaultScore},
	}))

	ev := &models.ReputationEvent{
		ID:          "rep-1",
		SubjectID:   "provider-1",
		SubjectType: models.SubjectProvider,
		EventType:   models.RepJobCompletion,
		ScoreBefore: models.DefaultScore,
		ScoreAfter:  models.DefaultScore + 100,
		ScoreDelta:  100,
		Status:      models.RepProcessed,
		CreatedAt:   time.Now(),
	}
	err := s.CommitReputation(ctx, models.SubjectProvider, "provider-1", func(stats *models.ReputationStats) error {
		stats.Score += 100
		stats.SuccessfulJobs++
		return nil
	}, ev)
	require.NoError(t, err)

	stats, err := s.GetStats(ctx, models.SubjectProvider, "provider-1")
	require.NoError(t, err)
	require.Equal(t, models.DefaultScore+100, stats.Score)
	require.EqualValues(t, 1, stats.SuccessfulJobs)

	events, err := s.ListReputationEvents(ctx, "provider-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "rep-1", events[0].ID)

	// a failing fn leaves both the aggregate and the event log untouched
	err = s.CommitReputation(ctx, models.SubjectProvider, "provider-1", func(stats *models.ReputationStats) error {
		stats.Score = 0
		return errors.New("rejected")
	}, &models.ReputationEvent{ID: "rep-2", SubjectID: "provider-1", CreatedAt: time.Now()})
	require.Error(t, err)

	stats, err = s.GetStats(ctx, models.SubjectProvider, "provider-1")
	require.NoError(t, err)
	require.Equal(t, models.DefaultScore+100, stats.Score)
	_, err = s.GetReputationEvent(ctx, "rep-2")
	require.True(t, models.IsKind(err, models.KindNotFound))
}

func TestProcessedEventScoresAreImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ev := &models.ReputationEvent{
		ID:          "rep-1",
		SubjectID:   "provider-1",
		ScoreBefore: 10,
		ScoreAfter:  20,
		ScoreDelta:  10,
		Status:      models.RepProcessed,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.PutReputationEvent(ctx, ev))

	changed := ev.Clone()
	changed.ScoreAfter = 30
	err := s.PutReputationEvent(ctx, changed)
	require.True(t, models.IsKind(err, models.KindLedgerInvariant))

	reversed := ev.Clone()
	reversed.Status = models.RepReversed
	require.NoError(t, s.PutReputationEvent(ctx, reversed))
}

func TestOpenOrInitOnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := OpenOrInit(dir)
	require.NoError(t, err)
	require.NoError(t, s.CreateClient(context.Background(), &models.Client{ID: "c", WalletAddress: "0xc"}))
	require.NoError(t, s.Close())

	s, err = OpenOrInit(dir)
	require.NoError(t, err)
	defer s.Close()
	c, err := s.GetClient(context.Background(), "c")
	require.NoError(t, err)
	require.Equal(t, "0xc", c.WalletAddress)
}
