package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/lagrangedao/go-computing-broker/internal/fee"
	"github.com/lagrangedao/go-computing-broker/internal/ledger"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/notify"
	"github.com/lagrangedao/go-computing-broker/internal/settlement"
	"github.com/lagrangedao/go-computing-broker/internal/store/leveldb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	coord  *Coordinator
	settle *settlement.LocalClient
	ledger *ledger.Ledger
	store  *leveldb.Store
	events *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := leveldb.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	calc, err := fee.NewCalculator(fee.DefaultSchedule())
	require.NoError(t, err)
	settle := settlement.NewLocalClient()
	l := ledger.New(s)
	events := &notify.Recorder{}
	coord := New(settle, l, s, calc, events, Config{
		MaxAttempts:  3,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   time.Millisecond,
		CallTimeout:  time.Second,
		StuckTimeout: time.Hour,
	})
	coord.sleep = func(context.Context, time.Duration) error { return nil }
	return &fixture{coord: coord, settle: settle, ledger: l, store: s, events: events}
}

func (f *fixture) acceptedJob(t *testing.T, id string) *models.Job {
	now := time.Now()
	job := &models.Job{
		ID:             id,
		ClientID:       "client-1",
		ClientWallet:   "0xclient",
		ProviderID:     "provider-1",
		ProviderWallet: "0xprovider",
		Status:         models.JobAccepted,
		Pricing:        models.PricingFixed,
		Budget:         decimal.NewFromInt(100),
		EscrowAmount:   decimal.NewFromInt(100),
		CreatedAt:      now,
		AcceptedAt:     &now,
	}
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func TestEscrowAmount(t *testing.T) {
	amount, err := EscrowAmount(&models.Job{Pricing: models.PricingFixed, Budget: decimal.NewFromInt(100)})
	require.NoError(t, err)
	require.True(t, amount.Equal(decimal.NewFromInt(100)))

	amount, err = EscrowAmount(&models.Job{
		Pricing:        models.PricingHourly,
		MaxHourlyRate:  decimal.RequireFromString("2.5"),
		EstimatedHours: decimal.NewFromInt(8),
	})
	require.NoError(t, err)
	require.True(t, amount.Equal(decimal.NewFromInt(20)))

	_, err = EscrowAmount(&models.Job{Pricing: models.PricingFixed})
	require.True(t, models.IsKind(err, models.KindValidation))
}

func TestCreateAndConfirmDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.acceptedJob(t, "job-1")

	deposit, err := f.coord.CreateEscrow(ctx, job)
	require.NoError(t, err)
	require.Equal(t, models.TxProcessing, deposit.Status)
	require.NotEmpty(t, deposit.SettlementReference)
	require.Len(t, f.events.OfType(notify.EscrowCreated), 1)

	deposit, confirmed, err := f.coord.ConfirmDeposit(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, confirmed)
	require.Equal(t, models.TxCompleted, deposit.Status)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, deposit.SettlementReference, stored.EscrowReference)
}

func TestCreateEscrowUnavailableLeavesNoTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.acceptedJob(t, "job-1")

	f.settle.Inject(settlement.OpCreate, settlement.Fault{Err: settlement.ErrUnavailable, Times: 10})
	_, err := f.coord.CreateEscrow(ctx, job)
	require.True(t, models.IsKind(err, models.KindSettlementUnavailable))
	require.Equal(t, 3, f.settle.Calls(settlement.OpCreate))

	txs, err := f.ledger.ForJob(ctx, job.ID, "")
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestCreateEscrowUnknownOutcomeRequeries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.acceptedJob(t, "job-1")

	f.settle.Inject(settlement.OpCreate, settlement.Fault{Err: settlement.ErrUnknownOutcome, Times: 1, Applied: true})
	deposit, err := f.coord.CreateEscrow(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 1, f.settle.Calls(settlement.OpCreate))
	require.Equal(t, models.TxProcessing, deposit.Status)
}

func TestReleaseTwiceProducesOneTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.acceptedJob(t, "job-1")
	_, err := f.coord.CreateEscrow(ctx, job)
	require.NoError(t, err)

	first, err := f.coord.ReleaseEscrow(ctx, job)
	require.NoError(t, err)
	require.Equal(t, models.TxCompleted, first.Status)
	require.True(t, first.NetAmount.Equal(decimal.NewFromInt(97)))
	require.True(t, first.Fees.Total.Equal(decimal.NewFromInt(3)))

	second, err := f.coord.ReleaseEscrow(ctx, job)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	releases, err := f.ledger.ForJob(ctx, job.ID, models.TxRelease)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	require.Equal(t, 1, f.settle.Calls(settlement.OpRelease))
	require.Len(t, f.events.OfType(notify.EscrowReleased), 1)
}

func TestReleaseAlreadyReleasedOnChainIsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.acceptedJob(t, "job-1")
	_, err := f.coord.CreateEscrow(ctx, job)
	require.NoError(t, err)

	// the release went through but the answer was lost
	f.settle.Inject(settlement.OpRelease, settlement.Fault{Err: settlement.ErrUnknownOutcome, Times: 1, Applied: true})
	tx, err := f.coord.ReleaseEscrow(ctx, job)
	require.NoError(t, err)
	require.Equal(t, models.TxCompleted, tx.Status)
	require.Equal(t, 1, f.settle.Calls(settlement.OpRelease))
}

func TestRefundAfterReleaseIsInvariantViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.acceptedJob(t, "job-1")
	_, err := f.coord.CreateEscrow(ctx, job)
	require.NoError(t, err)
	_, err = f.coord.ReleaseEscrow(ctx, job)
	require.NoError(t, err)

	_, err = f.coord.RefundEscrow(ctx, job)
	require.True(t, models.IsKind(err, models.KindLedgerInvariant))
}

func TestRefundIsFullAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.acceptedJob(t, "job-1")
	_, err := f.coord.CreateEscrow(ctx, job)
	require.NoError(t, err)

	tx, err := f.coord.RefundEscrow(ctx, job)
	require.NoError(t, err)
	require.True(t, tx.NetAmount.Equal(decimal.NewFromInt(100)))
	require.True(t, tx.Fees.Total.IsZero())
	require.Equal(t, "0xclient", tx.ToParty)
	require.Len(t, f.events.OfType(notify.EscrowRefunded), 1)
}

func TestReleaseExhaustedKeepsTransactionForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.acceptedJob(t, "job-1")
	_, err := f.coord.CreateEscrow(ctx, job)
	require.NoError(t, err)
	_, _, err = f.coord.ConfirmDeposit(ctx, job.ID)
	require.NoError(t, err)
	job, err = f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)

	f.settle.Inject(settlement.OpRelease, settlement.Fault{Err: settlement.ErrUnavailable, Times: 3})
	_, err = f.coord.ReleaseEscrow(ctx, job)
	require.True(t, models.IsKind(err, models.KindSettlementUnavailable))

	releases, err := f.ledger.ForJob(ctx, job.ID, models.TxRelease)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	require.Equal(t, models.TxProcessing, releases[0].Status)

	tx, err := f.coord.ReleaseEscrow(ctx, job)
	require.NoError(t, err)
	require.Equal(t, releases[0].ID, tx.ID)
	require.Equal(t, models.TxCompleted, tx.Status)
}

func TestReconcileAdvancesAndFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.acceptedJob(t, "job-1")
	_, err := f.coord.CreateEscrow(ctx, job)
	require.NoError(t, err)

	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Advanced)

	// a release the process lost track of: settled on chain, still processing locally
	job, err = f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	f.settle.Inject(settlement.OpRelease, settlement.Fault{Err: settlement.ErrUnavailable, Times: 3})
	_, err = f.coord.ReleaseEscrow(ctx, job)
	require.Error(t, err)
	_, err = f.settle.ReleaseEscrow(ctx, f.settle.EscrowIDForJob(job.ID))
	require.NoError(t, err)

	report, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Advanced)
	release, err := f.ledger.Latest(ctx, job.ID, models.TxRelease)
	require.NoError(t, err)
	require.Equal(t, models.TxCompleted, release.Status)

	// a deposit whose escrow never shows up gets flagged once it is stuck
	other := f.acceptedJob(t, "job-2")
	fees, net, err := fee.NoFees(other.EscrowAmount)
	require.NoError(t, err)
	lost, err := f.ledger.Record(ctx, ledger.Entry{
		JobID:     other.ID,
		Type:      models.TxDeposit,
		Status:    models.TxProcessing,
		FromParty: other.ClientWallet,
		ToParty:   models.PartyEscrow,
		Gross:     other.EscrowAmount,
		Fees:      fees,
		Net:       net,
		EscrowID:  f.settle.EscrowIDForJob(other.ID),
	})
	require.NoError(t, err)

	report, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Flagged)

	f.coord.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	report, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Flagged)
	require.Len(t, f.events.OfType(notify.SettlementFlagged), 1)

	lost, err = f.ledger.Get(ctx, lost.ID)
	require.NoError(t, err)
	require.True(t, lost.Flagged)
	require.Equal(t, models.TxProcessing, lost.Status)

	// flagged once, checked forever
	report, err = f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Equal(t, 0, report.Flagged)
}

func TestReconcileLeavesManualTransfersToOperators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.acceptedJob(t, "job-1")
	_, err := f.coord.CreateEscrow(ctx, job)
	require.NoError(t, err)
	job, err = f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.coord.ReleaseEscrow(ctx, job)
	require.NoError(t, err)

	// the client won a dispute after the provider was paid
	manual, err := f.coord.FlagManualTransfer(ctx, job, models.TxRefund, job.ProviderWallet, job.ClientWallet, job.EscrowAmount, "client_favor after release")
	require.NoError(t, err)
	require.False(t, manual.FromEscrow())

	for i := 0; i < 2; i++ {
		report, err := f.coord.Reconcile(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, report.Advanced)
	}
	report, err := f.coord.ReconcileJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 0, report.Advanced)

	manual, err = f.ledger.Get(ctx, manual.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxPending, manual.Status)
	require.True(t, manual.Flagged)

	// an escrow refund is still impossible and does not pick up the manual record
	_, err = f.coord.RefundEscrow(ctx, job)
	require.True(t, models.IsKind(err, models.KindLedgerInvariant))
	refunds, err := f.ledger.ForJob(ctx, job.ID, models.TxRefund)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
}

func TestReconcileCountsSettlementErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.acceptedJob(t, "job-1")
	_, err := f.coord.CreateEscrow(ctx, job)
	require.NoError(t, err)

	f.settle.Inject(settlement.OpGet, settlement.Fault{Err: settlement.ErrUnavailable, Times: 100})
	report, err := f.coord.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Errors)
	require.Equal(t, 0, report.Advanced)

	f.settle.Inject(settlement.OpGet, settlement.Fault{})
	report, err = f.coord.ReconcileJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, report.Advanced)
}

func TestBackoffIsBounded(t *testing.T) {
	c := New(settlement.NewLocalClient(), nil, nil, nil, nil, Config{
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  time.Second,
	})
	require.Equal(t, 100*time.Millisecond, c.backoff(1))
	require.Equal(t, 200*time.Millisecond, c.backoff(2))
	require.Equal(t, 800*time.Millisecond, c.backoff(4))
	require.Equal(t, time.Second, c.backoff(5))
	require.Equal(t, time.Second, c.backoff(80))
}
