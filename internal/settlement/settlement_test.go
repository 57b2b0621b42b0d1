package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lagrangedao/go-computing-broker/wallet/contract"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func createReq(c *LocalClient, jobID string) CreateRequest {
	return CreateRequest{
		EscrowID:       c.EscrowIDForJob(jobID),
		JobID:          jobID,
		ClientWallet:   "0xclient",
		ProviderWallet: "0xprovider",
		Amount:         decimal.NewFromInt(100),
	}
}

func TestLocalEscrowLifecycle(t *testing.T) {
	c := NewLocalClient()
	ctx := context.Background()

	created, err := c.CreateEscrow(ctx, createReq(c, "job-1"))
	require.NoError(t, err)
	require.NotEmpty(t, created.Reference)

	again, err := c.CreateEscrow(ctx, createReq(c, "job-1"))
	require.NoError(t, err)
	require.Equal(t, created.Reference, again.Reference)

	_, err = c.ReleaseEscrow(ctx, created.EscrowID)
	require.NoError(t, err)

	_, err = c.RefundEscrow(ctx, created.EscrowID)
	require.ErrorIs(t, err, ErrEscrowClosed)

	info, err := c.GetEscrow(ctx, created.EscrowID)
	require.NoError(t, err)
	require.Equal(t, EscrowReleased, info.Status)

	_, err = c.GetEscrow(ctx, "escrow-missing")
	require.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestInjectedFaults(t *testing.T) {
	c := NewLocalClient()
	ctx := context.Background()

	c.Inject(OpCreate, Fault{Err: ErrUnavailable, Times: 2})
	_, err := c.CreateEscrow(ctx, createReq(c, "job-1"))
	require.True(t, Retryable(err))
	_, err = c.CreateEscrow(ctx, createReq(c, "job-1"))
	require.True(t, Retryable(err))
	_, err = c.GetEscrow(ctx, c.EscrowIDForJob("job-1"))
	require.ErrorIs(t, err, ErrEscrowNotFound)

	_, err = c.CreateEscrow(ctx, createReq(c, "job-1"))
	require.NoError(t, err)
	require.Equal(t, 3, c.Calls(OpCreate))

	// applied-then-failed looks like a timeout after commit
	c.Inject(OpRelease, Fault{Err: ErrUnknownOutcome, Times: 1, Applied: true})
	_, err = c.ReleaseEscrow(ctx, c.EscrowIDForJob("job-1"))
	require.True(t, Unknown(err))
	info, err := c.GetEscrow(ctx, c.EscrowIDForJob("job-1"))
	require.NoError(t, err)
	require.Equal(t, EscrowReleased, info.Status)

	c.Inject(OpGet, Fault{Err: ErrUnavailable, Times: 1, Skip: 1})
	_, err = c.GetEscrow(ctx, c.EscrowIDForJob("job-1"))
	require.NoError(t, err)
	_, err = c.GetEscrow(ctx, c.EscrowIDForJob("job-1"))
	require.True(t, Retryable(err))
	_, err = c.GetEscrow(ctx, c.EscrowIDForJob("job-1"))
	require.NoError(t, err)
}

func TestLatencyPastDeadlineIsUnknown(t *testing.T) {
	c := NewLocalClient()
	c.SetLatency(200 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.CreateEscrow(ctx, createReq(c, "job-1"))
	require.True(t, errors.Is(err, ErrUnknownOutcome))
}

func TestRatingsAndReputation(t *testing.T) {
	c := NewLocalClient()
	ctx := context.Background()

	_, err := c.SubmitRating(ctx, "0xprovider", "job-1", 5)
	require.NoError(t, err)
	_, err = c.SubmitRating(ctx, "0xprovider", "job-2", 3)
	require.NoError(t, err)
	_, err = c.SubmitRating(ctx, "0xprovider", "job-3", 6)
	require.Error(t, err)

	rep, err := c.GetReputation(ctx, "0xprovider")
	require.NoError(t, err)
	require.EqualValues(t, 2, rep.TotalRatings)
	require.InDelta(t, 4.0, rep.AverageRating, 1e-9)
}

func TestWeiConversion(t *testing.T) {
	amount := decimal.RequireFromString("97.5")
	wei := ToWei(amount)
	require.Equal(t, "97500000000000000000", wei.String())
	require.True(t, FromWei(wei).Equal(amount))

	c := &EthClient{}
	id := c.EscrowIDForJob("job-1")
	require.Len(t, id, 66)
	require.Equal(t, id, c.EscrowIDForJob("job-1"))
	_, err := escrowKey(id)
	require.NoError(t, err)
	_, err = escrowKey("escrow-job-1")
	require.Error(t, err)
}

func TestSubmitErrorClassification(t *testing.T) {
	// nonce or gas lookup failed: nothing reached the node
	err := submitError("create escrow-1", fmt.Errorf("escrow contract create: %w", fmt.Errorf("%w: get nonce error", contract.ErrNotSubmitted)))
	require.True(t, Retryable(err))
	require.False(t, Unknown(err))

	// broadcast timed out after signing: the transaction may still be mined
	err = submitError("create escrow-1", fmt.Errorf("escrow contract create: %w", fmt.Errorf("send transaction 0xabc: %w", context.DeadlineExceeded)))
	require.True(t, Unknown(err))
	require.False(t, Retryable(err))

	err = submitError("release escrow-1", errors.New("connection reset by peer"))
	require.True(t, Unknown(err))
}

func TestCreateForOtherPartiesIsRejected(t *testing.T) {
	c := NewLocalClient()
	ctx := context.Background()
	req := createReq(c, "job-1")
	first, err := c.CreateEscrow(ctx, req)
	require.NoError(t, err)

	again, err := c.CreateEscrow(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.Reference, again.Reference)

	other := req
	other.ProviderWallet = "0xprovider2"
	_, err = c.CreateEscrow(ctx, other)
	require.Error(t, err)
	info, err := c.GetEscrow(ctx, req.EscrowID)
	require.NoError(t, err)
	require.Equal(t, "0xprovider", info.ProviderWallet)
}
