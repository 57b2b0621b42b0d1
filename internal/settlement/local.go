package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
)

type Op string

const (
	OpCreate        Op = "create_escrow"
	OpRelease       Op = "release_escrow"
	OpRefund        Op = "refund_escrow"
	OpGet           Op = "get_escrow"
	OpSubmitRating  Op = "submit_rating"
	OpGetReputation Op = "get_reputation"
)

// Fault is an injected failure for the next Times calls of an op. With Applied
// set the call takes effect before Err is returned, which is how a timeout
// after commit looks from the caller's side. Skip lets that many calls through
// before the fault starts.
type Fault struct {
	Err     error
	Times   int
	Applied bool
	Skip    int
}

type localEscrow struct {
	info     EscrowInfo
	receipts map[EscrowStatus]Receipt
}

// LocalClient is an in-process settlement layer used in local mode and tests.
type LocalClient struct {
	mu      sync.Mutex
	escrows map[string]*localEscrow
	ratings map[string][]int
	faults  map[Op]*Fault
	calls   map[Op]int
	latency time.Duration
	now     func() time.Time
}

var _ Client = (*LocalClient)(nil)

func NewLocalClient() *LocalClient {
	return &LocalClient{
		escrows: make(map[string]*localEscrow),
		ratings: make(map[string][]int),
		faults:  make(map[Op]*Fault),
		calls:   make(map[Op]int),
		now:     time.Now,
	}
}

func (c *LocalClient) Inject(op Op, f Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Times <= 0 {
		delete(c.faults, op)
		return
	}
	c.faults[op] = &f
}

// SetLatency delays every call; a context that ends first yields an unknown outcome.
func (c *LocalClient) SetLatency(d time.Duration) {
	c.mu.Lock()
	c.latency = d
	c.mu.Unlock()
}

// Calls returns how many times op was invoked, failed attempts included.
func (c *LocalClient) Calls(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *LocalClient) EscrowIDForJob(jobID string) string {
	return "escrow-" + jobID
}

// begin counts the call, waits out the latency and pops an injected fault.
func (c *LocalClient) begin(ctx context.Context, op Op) (*Fault, error) {
	c.mu.Lock()
	c.calls[op]++
	latency := c.latency
	var fault *Fault
	if f, ok := c.faults[op]; ok && f.Skip > 0 {
		f.Skip--
	} else if ok {
		cp := *f
		fault = &cp
		f.Times--
		if f.Times <= 0 {
			delete(c.faults, op)
		}
	}
	c.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, xerrors.Errorf("%s: %w: %v", op, ErrUnknownOutcome, ctx.Err())
		}
	}
	if fault != nil && !fault.Applied {
		return nil, xerrors.Errorf("%s: %w", op, fault.Err)
	}
	return fault, nil
}

func finish(op Op, fault *Fault) error {
	if fault != nil {
		return xerrors.Errorf("%s: %w", op, fault.Err)
	}
	return nil
}

func (c *LocalClient) reference() string {
	return "local-" + uuid.NewString()
}

func (c *LocalClient) CreateEscrow(ctx context.Context, req CreateRequest) (Receipt, error) {
	fault, err := c.begin(ctx, OpCreate)
	if err != nil {
		return Receipt{}, err
	}
	if !req.Amount.IsPositive() {
		return Receipt{}, fmt.Errorf("escrow amount must be positive, got %s", req.Amount)
	}

	c.mu.Lock()
	e, ok := c.escrows[req.EscrowID]
	if !ok {
		e = &localEscrow{
			info: EscrowInfo{
				ID:             req.EscrowID,
				ClientWallet:   req.ClientWallet,
				ProviderWallet: req.ProviderWallet,
				Amount:         req.Amount,
				Status:         EscrowPending,
			},
			receipts: map[EscrowStatus]Receipt{
				EscrowPending: {EscrowID: req.EscrowID, Reference: c.reference(), At: c.now()},
			},
		}
		c.escrows[req.EscrowID] = e
	} else if e.info.ProviderWallet != req.ProviderWallet || e.info.ClientWallet != req.ClientWallet || !e.info.Amount.Equal(req.Amount) {
		c.mu.Unlock()
		return Receipt{}, fmt.Errorf("escrow %s already exists for other parties", req.EscrowID)
	}
	receipt := e.receipts[EscrowPending]
	c.mu.Unlock()

	if err := finish(OpCreate, fault); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func (c *LocalClient) close(ctx context.Context, op Op, escrowID string, to EscrowStatus) (Receipt, error) {
	fault, err := c.begin(ctx, op)
	if err != nil {
		return Receipt{}, err
	}

	c.mu.Lock()
	e, ok := c.escrows[escrowID]
	if !ok {
		c.mu.Unlock()
		return Receipt{}, xerrors.Errorf("%s %s: %w", op, escrowID, ErrEscrowNotFound)
	}
	if e.info.Status != EscrowPending {
		status := e.info.Status
		c.mu.Unlock()
		return Receipt{}, xerrors.Errorf("%s %s is %s: %w", op, escrowID, status, ErrEscrowClosed)
	}
	e.info.Status = to
	receipt := Receipt{EscrowID: escrowID, Reference: c.reference(), At: c.now()}
	e.receipts[to] = receipt
	c.mu.Unlock()

	if err := finish(op, fault); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func (c *LocalClient) ReleaseEscrow(ctx context.Context, escrowID string) (Receipt, error) {
	return c.close(ctx, OpRelease, escrowID, EscrowReleased)
}

func (c *LocalClient) RefundEscrow(ctx context.Context, escrowID string) (Receipt, error) {
	return c.close(ctx, OpRefund, escrowID, EscrowRefunded)
}

func (c *LocalClient) GetEscrow(ctx context.Context, escrowID string) (*EscrowInfo, error) {
	fault, err := c.begin(ctx, OpGet)
	if err != nil {
		return nil, err
	}
	if err := finish(OpGet, fault); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.escrows[escrowID]
	if !ok {
		return nil, xerrors.Errorf("get %s: %w", escrowID, ErrEscrowNotFound)
	}
	info := e.info
	info.Reference = e.receipts[EscrowPending].Reference
	return &info, nil
}

// Receipt returns the reference recorded when the escrow reached status.
func (c *LocalClient) Receipt(escrowID string, status EscrowStatus) (Receipt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.escrows[escrowID]
	if !ok {
		return Receipt{}, false
	}
	r, ok := e.receipts[status]
	return r, ok
}

func (c *LocalClient) SubmitRating(ctx context.Context, providerWallet, jobID string, rating int) (Receipt, error) {
	fault, err := c.begin(ctx, OpSubmitRating)
	if err != nil {
		return Receipt{}, err
	}
	if rating < 1 || rating > 5 {
		return Receipt{}, fmt.Errorf("rating must be in [1,5], got %d", rating)
	}
	c.mu.Lock()
	c.ratings[providerWallet] = append(c.ratings[providerWallet], rating)
	c.mu.Unlock()
	if err := finish(OpSubmitRating, fault); err != nil {
		return Receipt{}, err
	}
	return Receipt{Reference: c.reference(), At: c.now()}, nil
}

func (c *LocalClient) GetReputation(ctx context.Context, wallet string) (*ReputationSummary, error) {
	fault, err := c.begin(ctx, OpGetReputation)
	if err != nil {
		return nil, err
	}
	if err := finish(OpGetReputation, fault); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ratings := c.ratings[wallet]
	summary := &ReputationSummary{Wallet: wallet, TotalRatings: int64(len(ratings))}
	if len(ratings) > 0 {
		sum := decimal.Zero
		for _, r := range ratings {
			sum = sum.Add(decimal.NewFromInt(int64(r)))
		}
		avg, _ := sum.Div(decimal.NewFromInt(int64(len(ratings)))).Float64()
		summary.AverageRating = avg
		summary.Score = int64(avg * 2000)
	}
	return summary, nil
}
