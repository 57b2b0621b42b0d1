package worker

import (
	"context"
	"testing"
	"time"

	"github.com/lagrangedao/go-computing-broker/internal/escrow"
	"github.com/lagrangedao/go-computing-broker/internal/fee"
	"github.com/lagrangedao/go-computing-broker/internal/jobs"
	"github.com/lagrangedao/go-computing-broker/internal/ledger"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/notify"
	"github.com/lagrangedao/go-computing-broker/internal/reputation"
	"github.com/lagrangedao/go-computing-broker/internal/settlement"
	"github.com/lagrangedao/go-computing-broker/internal/store/leveldb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	client   = models.AuthContext{UserID: "client-1", WalletAddress: "0xclient", Role: models.RoleClient}
	provider = models.AuthContext{UserID: "provider-1", WalletAddress: "0xprovider", Role: models.RoleProvider}
)

func setup(t *testing.T) (*Tasks, *jobs.Machine, *settlement.LocalClient) {
	t.Helper()
	s, err := leveldb.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	calc, err := fee.NewCalculator(fee.DefaultSchedule())
	require.NoError(t, err)
	settle := settlement.NewLocalClient()
	l := ledger.New(s)
	coord := escrow.New(settle, l, s, calc, notify.Nop, escrow.Config{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
		CallTimeout: time.Second,
	})
	rep := reputation.New(s, l, nil, settle, notify.Nop, reputation.DefaultConfig())
	m := jobs.New(s, coord, rep, nil, notify.Nop, jobs.DefaultConfig())

	ctx := context.Background()
	require.NoError(t, rep.RegisterClient(ctx, &models.Client{ID: client.UserID, WalletAddress: client.WalletAddress}))
	require.NoError(t, rep.RegisterProvider(ctx, &models.Provider{ID: provider.UserID, WalletAddress: provider.WalletAddress}))
	return NewTasks(m, coord, time.Minute), m, settle
}

func parkedCompletion(t *testing.T, m *jobs.Machine, settle *settlement.LocalClient) string {
	t.Helper()
	ctx := context.Background()
	job, err := m.Create(ctx, client, &models.Job{Title: "train", Pricing: models.PricingFixed, Budget: decimal.NewFromInt(50)})
	require.NoError(t, err)
	_, err = m.Post(ctx, client, job.ID)
	require.NoError(t, err)
	_, err = m.Accept(ctx, provider, job.ID)
	require.NoError(t, err)
	_, err = m.Start(ctx, provider, job.ID)
	require.NoError(t, err)

	settle.Inject(settlement.OpRelease, settlement.Fault{Err: settlement.ErrUnavailable, Times: 2})
	_, err = m.Complete(ctx, provider, job.ID, nil)
	require.Error(t, err)
	return job.ID
}

func TestReconcileJobReplaysParkedCompletion(t *testing.T) {
	tasks, m, settle := setup(t)
	id := parkedCompletion(t, m, settle)

	require.Equal(t, "completed/settled", tasks.ReconcileJob(id))

	job, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.Status)
}

func TestReconcileJobReportsKind(t *testing.T) {
	tasks, _, _ := setup(t)
	require.Contains(t, tasks.ReconcileJob("missing"), string(models.KindNotFound))
}

func TestReconcilePendingSettlesParkedJobs(t *testing.T) {
	tasks, m, settle := setup(t)
	id := parkedCompletion(t, m, settle)

	out := tasks.ReconcilePending()
	require.Contains(t, out, "settled=1")

	job, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.SettlementSettled, job.Settlement.Status)
}
