package ledger

import (
	"context"
	"testing"

	"github.com/lagrangedao/go-computing-broker/internal/fee"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/store/leveldb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	s, err := leveldb.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func releaseEntry(t *testing.T) Entry {
	calc, err := fee.NewCalculator(fee.DefaultSchedule())
	require.NoError(t, err)
	gross := decimal.NewFromInt(100)
	fees, net, err := calc.Calculate(gross)
	require.NoError(t, err)
	return Entry{
		JobID:     "job-1",
		Type:      models.TxRelease,
		Status:    models.TxProcessing,
		FromParty: models.PartyEscrow,
		ToParty:   "0xprovider",
		Gross:     gross,
		Fees:      fees,
		Net:       net,
		EscrowID:  "escrow-1",
	}
}

func TestRecordAndAdvance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	tx, err := l.Record(ctx, releaseEntry(t))
	require.NoError(t, err)
	require.Equal(t, models.TxProcessing, tx.Status)
	require.True(t, tx.NetAmount.Equal(decimal.NewFromInt(97)))
	require.Len(t, tx.Events, 1)

	tx, err = l.Advance(ctx, tx.ID, models.TxCompleted, EventConfirmed, map[string]string{DataReference: "0xabc"})
	require.NoError(t, err)
	require.Equal(t, models.TxCompleted, tx.Status)
	require.Equal(t, "0xabc", tx.SettlementReference)
	require.Len(t, tx.Events, 2)

	// replayed confirmation is a no-op
	tx, err = l.Advance(ctx, tx.ID, models.TxCompleted, EventConfirmed, nil)
	require.NoError(t, err)
	require.Len(t, tx.Events, 2)

	_, err = l.Advance(ctx, tx.ID, models.TxFailed, EventFailed, nil)
	require.True(t, models.IsKind(err, models.KindLedgerInvariant))
	_, err = l.Advance(ctx, tx.ID, models.TxPending, EventCreated, nil)
	require.True(t, models.IsKind(err, models.KindLedgerInvariant))
}

func TestRecordRejectsUnbalanced(t *testing.T) {
	l := newTestLedger(t)
	e := releaseEntry(t)
	e.Net = decimal.NewFromInt(98)
	_, err := l.Record(context.Background(), e)
	require.True(t, models.IsKind(err, models.KindLedgerInvariant))
}

func TestFlagAndQueries(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	release, err := l.Record(ctx, releaseEntry(t))
	require.NoError(t, err)
	fees, net, err := fee.NoFees(decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = l.Record(ctx, Entry{
		JobID:     "job-1",
		Type:      models.TxDeposit,
		Status:    models.TxCompleted,
		FromParty: "0xclient",
		ToParty:   models.PartyEscrow,
		Gross:     decimal.NewFromInt(100),
		Fees:      fees,
		Net:       net,
	})
	require.NoError(t, err)

	unsettled, err := l.Unsettled(ctx)
	require.NoError(t, err)
	require.Len(t, unsettled, 1)
	require.Equal(t, release.ID, unsettled[0].ID)

	flagged, err := l.Flag(ctx, release.ID, "stuck")
	require.NoError(t, err)
	require.True(t, flagged.Flagged)
	flagged, err = l.Flag(ctx, release.ID, "again")
	require.NoError(t, err)
	require.Equal(t, "stuck", flagged.FlagReason)

	latest, err := l.Latest(ctx, "job-1", models.TxDeposit)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, models.TxDeposit, latest.Type)

	none, err := l.Latest(ctx, "job-1", models.TxRefund)
	require.NoError(t, err)
	require.Nil(t, none)

	withNote, err := l.AppendEvent(ctx, release.ID, EventReputation, map[string]string{"event_id": "rep-1"})
	require.NoError(t, err)
	require.Equal(t, EventReputation, withNote.Events[len(withNote.Events)-1].Type)
	require.Equal(t, models.TxProcessing, withNote.Status)
}
