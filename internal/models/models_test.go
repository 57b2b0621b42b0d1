package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestJobValidate(t *testing.T) {
	base := func() *Job {
		return &Job{
			ClientID:     "c1",
			ClientWallet: "0xabc",
			Pricing:      PricingFixed,
			Budget:       decimal.NewFromInt(100),
		}
	}
	require.NoError(t, base().Validate())

	j := base()
	j.ClientID = "  "
	require.True(t, IsKind(j.Validate(), KindValidation))

	j = base()
	j.Budget = decimal.Zero
	require.True(t, IsKind(j.Validate(), KindValidation))

	j = base()
	j.Pricing = PricingHourly
	j.MaxHourlyRate = decimal.NewFromInt(10)
	require.True(t, IsKind(j.Validate(), KindValidation), "hourly without estimate")
	j.EstimatedHours = decimal.NewFromFloat(2.5)
	require.NoError(t, j.Validate())

	j = base()
	j.Pricing = "barter"
	require.Error(t, j.Validate())
}

func TestKindOfWrappedErrors(t *testing.T) {
	err := xerrors.Errorf("save job: %w", Conflictf("version mismatch"))
	require.Equal(t, KindConcurrencyConflict, KindOf(err))

	err = xerrors.Errorf("outer: %w", &InvalidTransitionError{JobID: "j", From: JobPosted, Attempted: "start"})
	require.Equal(t, KindInvalidTransition, KindOf(err))
	require.Contains(t, err.Error(), "cannot start from status posted")

	require.Equal(t, KindUnknown, KindOf(xerrors.New("plain")))
	require.False(t, IsKind(nil, KindUnknown))

	nf := NotFoundf("job %s", "x")
	require.ErrorIs(t, nf, ErrNotFound)
}

func TestTransactionStatusRank(t *testing.T) {
	require.Less(t, TxPending.Rank(), TxProcessing.Rank())
	require.Less(t, TxProcessing.Rank(), TxCompleted.Rank())
	for _, s := range []TransactionStatus{TxCompleted, TxFailed, TxCancelled} {
		require.True(t, s.Terminal())
	}
	require.False(t, TxProcessing.Terminal())
	require.Equal(t, 0, TransactionStatus("bogus").Rank())
}

func TestStatsClamp(t *testing.T) {
	s := ReputationStats{Score: ScoreCeiling + 10, FailedJobs: -1, SuccessRate: 250, AverageRating: -3}
	s.Clamp()
	require.Equal(t, ScoreCeiling, s.Score)
	require.EqualValues(t, 0, s.FailedJobs)
	require.Equal(t, MaxSuccessRate, s.SuccessRate)
	require.Equal(t, 0.0, s.AverageRating)

	s = ReputationStats{SuccessfulJobs: 3, FailedJobs: 1}
	s.RecomputeSuccessRate()
	require.Equal(t, 75.0, s.SuccessRate)
}

func TestCloneDoesNotShareMaps(t *testing.T) {
	j := &Job{Metrics: map[string]float64{"gpu": 1}, Results: map[string]string{"out": "a"}}
	c := j.Clone()
	c.Metrics["gpu"] = 2
	c.Results["out"] = "b"
	require.Equal(t, 1.0, j.Metrics["gpu"])
	require.Equal(t, "a", j.Results["out"])
}
