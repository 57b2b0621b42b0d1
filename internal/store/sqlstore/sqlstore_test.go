package sqlstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// These tests need a disposable postgres, e.g.
// BROKER_TEST_DSN="host=localhost user=postgres password=postgres dbname=broker_test sslmode=disable"
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BROKER_TEST_DSN")
	if dsn == "" {
		t.Skip("BROKER_TEST_DSN not set")
	}
	s, err := Connect(dsn)
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestClaimJobConditionalUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	job := &models.Job{
		ID:           uuid.NewString(),
		ClientID:     "client-1",
		ClientWallet: "0xclient",
		Status:       models.JobPosted,
		Pricing:      models.PricingFixed,
		Budget:       decimal.NewFromInt(100),
		CreatedAt:    now,
		PostedAt:     &now,
	}
	require.NoError(t, s.CreateJob(ctx, job))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ClaimJob(ctx, job.ID, fmt.Sprintf("provider-%d", i), "0xp", decimal.NewFromInt(100), time.Now())
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, winners)

	_, err := s.ClaimJob(ctx, job.ID, "late", "0xlate", decimal.NewFromInt(100), time.Now())
	require.ErrorIs(t, err, store.ErrConflict)

	jobs, err := s.ListJobs(ctx, store.JobFilter{Status: models.JobAccepted, ClientID: "client-1"})
	require.NoError(t, err)
	found := false
	for _, j := range jobs {
		found = found || j.ID == job.ID
	}
	require.True(t, found)
}

func TestCommitReputationIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, s.CreateProvider(ctx, &models.Provider{
		ID:            id,
		WalletAddress: "0xprovider",
		Stats:         models.ReputationStats{Score: models.DefaultScore},
		CreatedAt:     time.Now(),
	}))

	ev := &models.ReputationEvent{
		ID:          uuid.NewString(),
		SubjectID:   id,
		SubjectType: models.SubjectProvider,
		ScoreBefore: models.DefaultScore,
		ScoreAfter:  models.DefaultScore + 50,
		ScoreDelta:  50,
		Status:      models.RepProcessed,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CommitReputation(ctx, models.SubjectProvider, id, func(stats *models.ReputationStats) error {
		stats.Score += 50
		return nil
	}, ev))

	stats, err := s.GetStats(ctx, models.SubjectProvider, id)
	require.NoError(t, err)
	require.Equal(t, models.DefaultScore+50, stats.Score)

	events, err := s.ListReputationEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
