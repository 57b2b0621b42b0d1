package reputation

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/lagrangedao/go-computing-broker/internal/fee"
	"github.com/lagrangedao/go-computing-broker/internal/ledger"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/notify"
	"github.com/lagrangedao/go-computing-broker/internal/settlement"
	"github.com/lagrangedao/go-computing-broker/internal/store/leveldb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newLedger(t require.TestingT, cfg Config) (*Ledger, *leveldb.Store, *notify.Recorder) {
	s, err := leveldb.OpenMemory()
	require.NoError(t, err)
	events := &notify.Recorder{}
	return New(s, ledger.New(s), nil, nil, events, cfg), s, events
}

func registerParties(t require.TestingT, l *Ledger) {
	ctx := context.Background()
	require.NoError(t, l.RegisterProvider(ctx, &models.Provider{ID: "provider-1", WalletAddress: "0xprovider"}))
	require.NoError(t, l.RegisterClient(ctx, &models.Client{ID: "client-1", WalletAddress: "0xclient"}))
}

func job(id string) *models.Job {
	return &models.Job{
		ID:             id,
		ClientID:       "client-1",
		ClientWallet:   "0xclient",
		ProviderID:     "provider-1",
		ProviderWallet: "0xprovider",
		Status:         models.JobCompleted,
		Pricing:        models.PricingFixed,
		Budget:         decimal.NewFromInt(100),
		EscrowAmount:   decimal.NewFromInt(100),
	}
}

func providerStats(t require.TestingT, s *leveldb.Store) models.ReputationStats {
	stats, err := s.GetStats(context.Background(), models.SubjectProvider, "provider-1")
	require.NoError(t, err)
	return stats
}

func TestRegisterStartsAtInitialScore(t *testing.T) {
	l, s, _ := newLedger(t, DefaultConfig())
	defer s.Close()
	registerParties(t, l)
	require.Equal(t, models.DefaultScore, providerStats(t, s).Score)
}

func TestJobOutcomeUpdatesProviderAndAuditsRelease(t *testing.T) {
	l, s, events := newLedger(t, DefaultConfig())
	defer s.Close()
	registerParties(t, l)
	ctx := context.Background()
	j := job("job-1")

	calc, err := fee.NewCalculator(fee.DefaultSchedule())
	require.NoError(t, err)
	fees, net, err := calc.Calculate(j.EscrowAmount)
	require.NoError(t, err)
	release, err := l.txs.Record(ctx, ledger.Entry{
		JobID:     j.ID,
		Type:      models.TxRelease,
		Status:    models.TxCompleted,
		FromParty: models.PartyEscrow,
		ToParty:   j.ProviderWallet,
		Gross:     j.EscrowAmount,
		Fees:      fees,
		Net:       net,
	})
	require.NoError(t, err)

	ev, err := l.RecordJobOutcome(ctx, j, true)
	require.NoError(t, err)
	require.Equal(t, models.RepProcessed, ev.Status)
	require.Equal(t, 110, ev.ScoreDelta)
	require.Equal(t, models.DefaultScore+110, ev.ScoreAfter)

	stats := providerStats(t, s)
	require.Equal(t, ev.ScoreAfter, stats.Score)
	require.EqualValues(t, 1, stats.SuccessfulJobs)
	require.Equal(t, 100.0, stats.SuccessRate)
	require.True(t, stats.TotalAmount.Equal(decimal.NewFromInt(97)))

	client, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	require.True(t, client.Stats.TotalAmount.Equal(decimal.NewFromInt(100)))

	release, err = l.txs.Get(ctx, release.ID)
	require.NoError(t, err)
	last := release.Events[len(release.Events)-1]
	require.Equal(t, ledger.EventReputation, last.Type)

	// replayed outcome is not counted twice
	again, err := l.RecordJobOutcome(ctx, j, true)
	require.NoError(t, err)
	require.Equal(t, ev.ID, again.ID)
	require.EqualValues(t, 1, providerStats(t, s).SuccessfulJobs)
	require.NotEmpty(t, events.OfType(notify.ReputationUpdated))
}

func TestFailedOutcomePenalizes(t *testing.T) {
	l, s, _ := newLedger(t, DefaultConfig())
	defer s.Close()
	registerParties(t, l)

	ev, err := l.RecordJobOutcome(context.Background(), job("job-1"), false)
	require.NoError(t, err)
	require.Equal(t, -300, ev.ScoreDelta)
	require.Equal(t, models.RepDecrease, ev.Action)
	stats := providerStats(t, s)
	require.EqualValues(t, 1, stats.FailedJobs)
	require.Equal(t, 0.0, stats.SuccessRate)
}

func TestJobOutcomeScoreFollowsAggregate(t *testing.T) {
	l, s, _ := newLedger(t, DefaultConfig())
	defer s.Close()
	registerParties(t, l)
	ctx := context.Background()

	ev, err := l.RecordRating(ctx, job("job-1"), 5, "")
	require.NoError(t, err)
	require.Equal(t, models.DefaultScore+200, ev.ScoreAfter)

	// rating 200 + success 100 + volume 10
	ev, err = l.RecordJobOutcome(ctx, job("job-2"), true)
	require.NoError(t, err)
	require.Equal(t, models.DefaultScore+200, ev.ScoreBefore)
	require.Equal(t, models.DefaultScore+310, ev.ScoreAfter)
	require.Equal(t, 110, ev.ScoreDelta)

	// half the jobs failed: 0.5*100 - 0.5*300
	ev, err = l.RecordJobOutcome(ctx, job("job-3"), false)
	require.NoError(t, err)
	require.Equal(t, models.DefaultScore+200-100, ev.ScoreAfter)
	require.Equal(t, -210, ev.ScoreDelta)
	require.Equal(t, models.RepDecrease, ev.Action)
	require.Equal(t, ev.ScoreAfter, providerStats(t, s).Score)
}

func TestRatingFiveIsCappedAtCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialScore = 9900
	l, s, _ := newLedger(t, cfg)
	defer s.Close()
	registerParties(t, l)

	ev, err := l.RecordRating(context.Background(), job("job-1"), 5, "great")
	require.NoError(t, err)
	require.Equal(t, 9900, ev.ScoreBefore)
	require.Equal(t, models.ScoreCeiling, ev.ScoreAfter)
	require.Equal(t, 100, ev.ScoreDelta)

	stats := providerStats(t, s)
	require.Equal(t, models.ScoreCeiling, stats.Score)
	require.Equal(t, 5.0, stats.AverageRating)
	require.EqualValues(t, 1, stats.TotalRatings)
}

func TestRatingBonusAndWeightedMean(t *testing.T) {
	l, s, _ := newLedger(t, DefaultConfig())
	defer s.Close()
	registerParties(t, l)
	ctx := context.Background()

	ev, err := l.RecordRating(ctx, job("job-1"), 5, "")
	require.NoError(t, err)
	require.Equal(t, 200, ev.ScoreDelta)
	_, err = l.RecordRating(ctx, job("job-2"), 3, "")
	require.NoError(t, err)
	stats := providerStats(t, s)
	require.InDelta(t, 4.0, stats.AverageRating, 1e-9)
	require.EqualValues(t, 2, stats.TotalRatings)

	_, err = l.RecordRating(ctx, job("job-3"), 6, "")
	require.True(t, models.IsKind(err, models.KindValidation))
}

func TestRatingIsMirroredOnChain(t *testing.T) {
	s, err := leveldb.OpenMemory()
	require.NoError(t, err)
	defer s.Close()
	settle := settlement.NewLocalClient()
	l := New(s, ledger.New(s), nil, settle, nil, DefaultConfig())
	registerParties(t, l)

	_, err = l.RecordRating(context.Background(), job("job-1"), 4, "")
	require.NoError(t, err)
	summary, err := l.OnChain(context.Background(), "0xprovider")
	require.NoError(t, err)
	require.EqualValues(t, 1, summary.TotalRatings)
	require.Equal(t, 4.0, summary.AverageRating)
}

func TestReverseTwiceIsTypedError(t *testing.T) {
	l, s, _ := newLedger(t, DefaultConfig())
	defer s.Close()
	registerParties(t, l)
	ctx := context.Background()

	orig, err := l.RecordRating(ctx, job("job-1"), 5, "")
	require.NoError(t, err)

	rev, err := l.Reverse(ctx, orig.ID, "fraudulent rating")
	require.NoError(t, err)
	require.Equal(t, -orig.ScoreDelta, rev.ScoreDelta)
	require.Equal(t, []string{orig.ID}, rev.RelatedEvents)
	require.False(t, rev.IsReversible)

	stats := providerStats(t, s)
	require.Equal(t, models.DefaultScore, stats.Score)
	require.EqualValues(t, 0, stats.TotalRatings)
	require.Equal(t, 0.0, stats.AverageRating)

	marked, err := l.Get(ctx, orig.ID)
	require.NoError(t, err)
	require.Equal(t, models.RepReversed, marked.Status)
	require.Contains(t, marked.RelatedEvents, rev.ID)
	require.Equal(t, orig.ScoreAfter, marked.ScoreAfter)

	_, err = l.Reverse(ctx, orig.ID, "again")
	require.ErrorIs(t, err, models.ErrAlreadyReversed)
	require.Equal(t, models.DefaultScore, providerStats(t, s).Score)

	_, err = l.Reverse(ctx, rev.ID, "undo the undo")
	require.ErrorIs(t, err, models.ErrNotReversible)
}

func TestFailedCommitLeavesFailedEvent(t *testing.T) {
	l, s, _ := newLedger(t, DefaultConfig())
	defer s.Close()
	ctx := context.Background()

	// provider never registered, the aggregate update fails
	_, err := l.RecordJobOutcome(ctx, job("job-1"), false)
	require.True(t, models.IsKind(err, models.KindNotFound))

	events, err := l.Events(ctx, "provider-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.RepFailed, events[0].Status)
	require.NotEmpty(t, events[0].FailureReason)

	_, err = l.Reverse(ctx, events[0].ID, "")
	require.ErrorIs(t, err, models.ErrNotReversible)
}

func TestDisputePenaltyForClient(t *testing.T) {
	l, s, _ := newLedger(t, DefaultConfig())
	defer s.Close()
	registerParties(t, l)
	ctx := context.Background()

	ev, err := l.RecordDisputePenalty(ctx, models.SubjectClient, "client-1", job("job-1"))
	require.NoError(t, err)
	require.Equal(t, -250, ev.ScoreDelta)
	client, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	require.Equal(t, models.DefaultScore-250, client.Stats.Score)
}

func TestScoresStayInBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := Config{
			InitialScore:   rapid.IntRange(1, models.ScoreCeiling).Draw(t, "initial"),
			SuccessBonus:   rapid.IntRange(0, 5000).Draw(t, "success"),
			VolumeBonus:    rapid.IntRange(0, 500).Draw(t, "volume"),
			VolumeBonusCap: rapid.IntRange(0, 2000).Draw(t, "volumeCap"),
			FailurePenalty: rapid.IntRange(0, 5000).Draw(t, "failure"),
			RatingBonus:    rapid.IntRange(0, 5000).Draw(t, "rating"),
			DisputePenalty: rapid.IntRange(0, 5000).Draw(t, "dispute"),
		}
		l, s, _ := newLedger(t, cfg)
		defer s.Close()
		registerParties(t, l)
		ctx := context.Background()

		var recorded []string
		steps := rapid.IntRange(1, 25).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			j := job(fmt.Sprintf("job-%d", i))
			j.EscrowAmount = decimal.NewFromInt(rapid.Int64Range(1, 100000).Draw(t, "amount"))
			var ev *models.ReputationEvent
			var err error
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				ev, err = l.RecordJobOutcome(ctx, j, true)
			case 1:
				ev, err = l.RecordJobOutcome(ctx, j, false)
			case 2:
				ev, err = l.RecordRating(ctx, j, rapid.IntRange(1, 5).Draw(t, "stars"), "")
			case 3:
				ev, err = l.RecordDisputePenalty(ctx, models.SubjectProvider, "provider-1", j)
			case 4:
				if len(recorded) == 0 {
					continue
				}
				id := rapid.SampledFrom(recorded).Draw(t, "reverse")
				ev, err = l.Reverse(ctx, id, "")
				if err != nil && !models.IsKind(err, models.KindInvalidTransition) {
					t.Fatalf("reverse %s: %v", id, err)
				}
				err = nil
			}
			if err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
			if ev != nil {
				recorded = append(recorded, ev.ID)
			}

			stats := providerStats(t, s)
			if ev != nil && ev.EventType == models.RepJobCompletion && ev.JobID == j.ID {
				volume := 0
				if ev.Stats.SuccessfulJobs == 1 {
					volume = int(j.EscrowAmount.IntPart()/100) * l.cfg.VolumeBonus
					if l.cfg.VolumeBonusCap > 0 && volume > l.cfg.VolumeBonusCap {
						volume = l.cfg.VolumeBonusCap
					}
				}
				want := outcomeTarget(l.cfg, stats, volume)
				if ev.ScoreAfter != want || stats.Score != want {
					t.Fatalf("step %d: outcome moved score to %d (stored %d), want %d", i, ev.ScoreAfter, stats.Score, want)
				}
			}
			if stats.Score < models.ScoreFloor || stats.Score > models.ScoreCeiling {
				t.Fatalf("score %d out of bounds", stats.Score)
			}
			if stats.SuccessRate < 0 || stats.SuccessRate > models.MaxSuccessRate {
				t.Fatalf("success rate %f out of bounds", stats.SuccessRate)
			}
			if stats.AverageRating < 0 || stats.AverageRating > models.MaxRatingValue {
				t.Fatalf("average rating %f out of bounds", stats.AverageRating)
			}
		}

		events, err := l.Events(ctx, "provider-1")
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		for _, ev := range events {
			if ev.ScoreAfter < models.ScoreFloor || ev.ScoreAfter > models.ScoreCeiling {
				t.Fatalf("event %s scoreAfter %d out of bounds", ev.ID, ev.ScoreAfter)
			}
			if ev.ScoreAfter-ev.ScoreBefore != ev.ScoreDelta {
				t.Fatalf("event %s: %d - %d != %d", ev.ID, ev.ScoreAfter, ev.ScoreBefore, ev.ScoreDelta)
			}
		}
	})
}

// outcomeTarget is the job outcome weighting written out longhand.
func outcomeTarget(cfg Config, stats models.ReputationStats, volume int) int {
	score := cfg.InitialScore + volume
	if stats.RatingWeight > 0 {
		score += int(math.Round(float64(cfg.RatingBonus) * (stats.AverageRating - 3) / 2))
	}
	if total := stats.SuccessfulJobs + stats.FailedJobs; total > 0 {
		rate := stats.SuccessRate / 100
		score += int(math.Round(float64(cfg.SuccessBonus)*rate - float64(cfg.FailurePenalty)*(1-rate)))
	}
	if score < models.ScoreFloor {
		return models.ScoreFloor
	}
	if score > cfg.ScoreCeiling {
		return cfg.ScoreCeiling
	}
	return score
}
