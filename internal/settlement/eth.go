package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/filswan/go-swan-lib/logs"
	"github.com/lagrangedao/go-computing-broker/wallet/contract"
	"github.com/lagrangedao/go-computing-broker/wallet/contract/escrow"
	"github.com/lagrangedao/go-computing-broker/wallet/contract/reputation"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
)

// weiDecimals is the token precision used by the escrow contract.
const weiDecimals = 18

type EthConfig struct {
	RPC                string
	EscrowContract     string
	ReputationContract string
	// PrivateKey is the operator key, hex without 0x.
	PrivateKey string
	// ChainID, when set, must match the chain the rpc endpoint serves.
	ChainID int64
}

// EthClient talks to the escrow and reputation contracts through go-ethereum.
type EthClient struct {
	client     *ethclient.Client
	escrow     *escrow.Stub
	reputation *reputation.Stub
}

var _ Client = (*EthClient)(nil)

func NewEthClient(ctx context.Context, cfg EthConfig) (*EthClient, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPC)
	if err != nil {
		return nil, xerrors.Errorf("dial rpc %s: %w", cfg.RPC, err)
	}
	if cfg.ChainID != 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, xerrors.Errorf("query chain id from %s: %w", cfg.RPC, err)
		}
		if id.Int64() != cfg.ChainID {
			client.Close()
			return nil, xerrors.Errorf("rpc %s serves chain %d, configured %d", cfg.RPC, id.Int64(), cfg.ChainID)
		}
	}
	escrowStub, err := escrow.NewEscrowStub(client, cfg.EscrowContract, escrow.WithPrivateKey(cfg.PrivateKey))
	if err != nil {
		client.Close()
		return nil, err
	}
	reputationStub, err := reputation.NewReputationStub(client, cfg.ReputationContract, reputation.WithPrivateKey(cfg.PrivateKey))
	if err != nil {
		client.Close()
		return nil, err
	}
	return &EthClient{client: client, escrow: escrowStub, reputation: reputationStub}, nil
}

func (c *EthClient) Close() {
	c.client.Close()
}

// EscrowIDForJob is the hex form of keccak256(jobID), the contract's key.
func (c *EthClient) EscrowIDForJob(jobID string) string {
	key := contract.JobKey(jobID)
	return common.BytesToHash(key[:]).Hex()
}

func escrowKey(escrowID string) ([32]byte, error) {
	if !strings.HasPrefix(escrowID, "0x") || len(escrowID) != 66 {
		return [32]byte{}, fmt.Errorf("malformed escrow id %q", escrowID)
	}
	return common.HexToHash(escrowID), nil
}

// ToWei converts a token amount to its integer on-chain representation.
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(weiDecimals).Truncate(0).BigInt()
}

func FromWei(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -weiDecimals)
}

// submitError classifies a failed contract write. Only a failure before the
// signed transaction reached the node is unavailable; a broadcast error, a
// deadline included, may still be mined and is an unknown outcome.
func submitError(op string, err error) error {
	if errors.Is(err, contract.ErrNotSubmitted) {
		return xerrors.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return xerrors.Errorf("%s: %w: %v", op, ErrUnknownOutcome, err)
}

// mined waits for tx and maps the result onto the settlement error taxonomy.
// A transaction that was sent but whose receipt never arrived is unknown.
func (c *EthClient) mined(ctx context.Context, escrowID string, tx *types.Transaction) (Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return Receipt{}, xerrors.Errorf("waiting for %s: %w: %v", tx.Hash().Hex(), ErrUnknownOutcome, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, xerrors.Errorf("transaction %s reverted: %w", tx.Hash().Hex(), ErrEscrowClosed)
	}
	return Receipt{EscrowID: escrowID, Reference: tx.Hash().Hex(), At: time.Now()}, nil
}

func (c *EthClient) CreateEscrow(ctx context.Context, req CreateRequest) (Receipt, error) {
	key, err := escrowKey(req.EscrowID)
	if err != nil {
		return Receipt{}, err
	}
	if !common.IsHexAddress(req.ClientWallet) || !common.IsHexAddress(req.ProviderWallet) {
		return Receipt{}, fmt.Errorf("escrow parties must be hex addresses, client: %s, provider: %s", req.ClientWallet, req.ProviderWallet)
	}
	tx, err := c.escrow.Create(ctx, key, common.HexToAddress(req.ClientWallet), common.HexToAddress(req.ProviderWallet), ToWei(req.Amount))
	if err != nil {
		return Receipt{}, submitError("create "+req.EscrowID, err)
	}
	logs.GetLogger().Infof("escrow %s create submitted, tx: %s", req.EscrowID, tx.Hash().Hex())
	return c.mined(ctx, req.EscrowID, tx)
}

func (c *EthClient) ReleaseEscrow(ctx context.Context, escrowID string) (Receipt, error) {
	key, err := escrowKey(escrowID)
	if err != nil {
		return Receipt{}, err
	}
	tx, err := c.escrow.Release(ctx, key)
	if err != nil {
		return Receipt{}, submitError("release "+escrowID, err)
	}
	logs.GetLogger().Infof("escrow %s release submitted, tx: %s", escrowID, tx.Hash().Hex())
	return c.mined(ctx, escrowID, tx)
}

func (c *EthClient) RefundEscrow(ctx context.Context, escrowID string) (Receipt, error) {
	key, err := escrowKey(escrowID)
	if err != nil {
		return Receipt{}, err
	}
	tx, err := c.escrow.Refund(ctx, key)
	if err != nil {
		return Receipt{}, submitError("refund "+escrowID, err)
	}
	logs.GetLogger().Infof("escrow %s refund submitted, tx: %s", escrowID, tx.Hash().Hex())
	return c.mined(ctx, escrowID, tx)
}

func (c *EthClient) GetEscrow(ctx context.Context, escrowID string) (*EscrowInfo, error) {
	key, err := escrowKey(escrowID)
	if err != nil {
		return nil, err
	}
	state, err := c.escrow.Get(ctx, key)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrUnavailable, err)
	}
	info := &EscrowInfo{
		ID:             escrowID,
		ClientWallet:   state.Client.Hex(),
		ProviderWallet: state.Provider.Hex(),
		Amount:         FromWei(state.Amount),
	}
	switch state.Status {
	case escrow.StatusPending:
		info.Status = EscrowPending
	case escrow.StatusReleased:
		info.Status = EscrowReleased
	case escrow.StatusRefunded:
		info.Status = EscrowRefunded
	default:
		return nil, xerrors.Errorf("get %s: %w", escrowID, ErrEscrowNotFound)
	}
	return info, nil
}

func (c *EthClient) SubmitRating(ctx context.Context, providerWallet, jobID string, rating int) (Receipt, error) {
	if rating < 1 || rating > 5 {
		return Receipt{}, fmt.Errorf("rating must be in [1,5], got %d", rating)
	}
	if !common.IsHexAddress(providerWallet) {
		return Receipt{}, fmt.Errorf("provider wallet %s is not a hex address", providerWallet)
	}
	tx, err := c.reputation.SubmitRating(ctx, common.HexToAddress(providerWallet), contract.JobKey(jobID), uint8(rating))
	if err != nil {
		return Receipt{}, submitError("rating for "+jobID, err)
	}
	return c.mined(ctx, "", tx)
}

func (c *EthClient) GetReputation(ctx context.Context, wallet string) (*ReputationSummary, error) {
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("wallet %s is not a hex address", wallet)
	}
	out, err := c.reputation.Get(ctx, common.HexToAddress(wallet))
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrUnavailable, err)
	}
	summary := &ReputationSummary{
		Wallet:       wallet,
		Score:        out.Score.Int64(),
		TotalRatings: out.TotalRatings.Int64(),
	}
	if summary.TotalRatings > 0 {
		avg, _ := decimal.NewFromBigInt(out.RatingSum, 0).Div(decimal.NewFromInt(summary.TotalRatings)).Float64()
		summary.AverageRating = avg
	}
	return summary, nil
}
