package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/lagrangedao/go-computing-broker/internal/fee"
	"github.com/lagrangedao/go-computing-broker/internal/ledger"
	"github.com/lagrangedao/go-computing-broker/internal/metrics"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/notify"
	"github.com/lagrangedao/go-computing-broker/internal/settlement"
	"github.com/lagrangedao/go-computing-broker/internal/store"
	"github.com/shopspring/decimal"
)

type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	CallTimeout  time.Duration
	StuckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		BaseBackoff:  500 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
		CallTimeout:  30 * time.Second,
		StuckTimeout: 30 * time.Minute,
	}
}

// Coordinator moves money through the settlement layer and mirrors every
// movement into the transaction ledger.
type Coordinator struct {
	settle settlement.Client
	ledger *ledger.Ledger
	jobs   store.JobStore
	fees   *fee.Calculator
	sink   notify.Sink
	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(settle settlement.Client, l *ledger.Ledger, jobs store.JobStore, fees *fee.Calculator, sink notify.Sink, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = def.StuckTimeout
	}
	if sink == nil {
		sink = notify.Nop
	}
	return &Coordinator{
		settle: settle,
		ledger: l,
		jobs:   jobs,
		fees:   fees,
		sink:   sink,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EscrowAmount is the budget for fixed pricing and estimated hours times the
// maximum hourly rate for hourly pricing.
func EscrowAmount(job *models.Job) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch job.Pricing {
	case models.PricingFixed:
		amount = job.Budget
	case models.PricingHourly:
		amount = job.EstimatedHours.Mul(job.MaxHourlyRate)
	default:
		return decimal.Zero, models.Validationf("unknown pricing model %q", job.Pricing)
	}
	if !amount.IsPositive() {
		return decimal.Zero, models.Validationf("escrow amount must be positive, got %s", amount)
	}
	return amount, nil
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	factor := math.Pow(2, float64(attempt-1))
	d := time.Duration(factor) * c.cfg.BaseBackoff
	if d > c.cfg.MaxBackoff || d <= 0 {
		return c.cfg.MaxBackoff
	}
	return d
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case settlement.Unknown(err):
		return "unknown"
	case settlement.Retryable(err):
		return "unavailable"
	}
	return "error"
}

// do runs call with bounded exponential backoff. When an attempt ends with an
// unknown outcome, check is asked whether the effect is already visible before
// anything is retried. Errors that are neither unavailable nor unknown are
// returned at once.
func (c *Coordinator) do(ctx context.Context, op string, call func(ctx context.Context) error, check func(ctx context.Context) (bool, error)) error {
	var lastErr error
	unknown := false
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		started := time.Now()
		err := call(callCtx)
		cancel()
		metrics.ObserveSettlementCall(op, resultLabel(err), started)
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case settlement.Unknown(err):
			unknown = true
			if check != nil {
				checkCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
				applied, perr := check(checkCtx)
				cancel()
				if perr == nil && applied {
					logs.GetLogger().Infof("%s outcome was unknown, settlement layer shows it applied", op)
					return nil
				}
				if perr != nil && !settlement.Retryable(perr) && !settlement.Unknown(perr) {
					return perr
				}
				if perr == nil {
					unknown = false
				}
			}
		case settlement.Retryable(err):
		default:
			return err
		}

		if ctx.Err() != nil {
			break
		}
		if attempt < c.cfg.MaxAttempts {
			delay := c.backoff(attempt)
			logs.GetLogger().Warnf("%s attempt %d/%d failed, retry in %s, error: %v", op, attempt, c.cfg.MaxAttempts, delay, err)
			if err := c.sleep(ctx, delay); err != nil {
				break
			}
		}
	}
	msg := fmt.Sprintf("%s failed after %d attempts", op, c.cfg.MaxAttempts)
	if unknown {
		return models.SettlementUnknown(msg, lastErr)
	}
	return models.SettlementUnavailable(msg, lastErr)
}

func (c *Coordinator) getEscrow(ctx context.Context, escrowID string) (*settlement.EscrowInfo, error) {
	var info *settlement.EscrowInfo
	err := c.do(ctx, string(settlement.OpGet), func(ctx context.Context) error {
		var err error
		info, err = c.settle.GetEscrow(ctx, escrowID)
		if errors.Is(err, settlement.ErrEscrowNotFound) {
			info = nil
			return nil
		}
		return err
	}, nil)
	return info, err
}

// CreateEscrow locks the job's escrow amount and records a processing deposit.
// A failure leaves no Transaction behind.
func (c *Coordinator) CreateEscrow(ctx context.Context, job *models.Job) (*models.Transaction, error) {
	if job.ProviderID == "" || !job.EscrowAmount.IsPositive() {
		return nil, models.Validationf("job %s has no provider or escrow amount", job.ID)
	}
	if existing, err := c.ledger.Latest(ctx, job.ID, models.TxDeposit); err != nil {
		return nil, err
	} else if existing != nil && existing.Status != models.TxFailed && existing.Status != models.TxCancelled {
		return existing, nil
	}

	escrowID := c.settle.EscrowIDForJob(job.ID)
	req := settlement.CreateRequest{
		EscrowID:       escrowID,
		JobID:          job.ID,
		ClientWallet:   job.ClientWallet,
		ProviderWallet: job.ProviderWallet,
		Amount:         job.EscrowAmount,
	}
	// a replayed accept may find the escrow already there
	info, err := c.getEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	var reference string
	if info != nil && info.Status != settlement.EscrowPending {
		return nil, models.InvariantViolation(fmt.Sprintf("escrow %s of job %s exists and is %s", escrowID, job.ID, info.Status), nil)
	}
	if info != nil {
		if err := sameEscrow(info, req); err != nil {
			return nil, err
		}
		reference = info.Reference
		logs.GetLogger().Infof("escrow %s of job %s already exists, recording it", escrowID, job.ID)
	} else {
		reference, err = c.createOnce(ctx, escrowID, req)
		if models.IsKind(err, models.KindSettlementUnavailable) {
			reference, err = c.recheckCreate(ctx, req, err)
		}
	}
	if err != nil {
		logs.GetLogger().Errorf("Failed create escrow, job: %s, error: %+v", job.ID, err)
		return nil, err
	}
	if reference == "" {
		reference = escrowID
	}

	fees, net, err := fee.NoFees(job.EscrowAmount)
	if err != nil {
		return nil, err
	}
	tx, err := c.ledger.Record(ctx, ledger.Entry{
		JobID:               job.ID,
		Type:                models.TxDeposit,
		Status:              models.TxProcessing,
		FromParty:           job.ClientWallet,
		ToParty:             models.PartyEscrow,
		Gross:               job.EscrowAmount,
		Fees:                fees,
		Net:                 net,
		EscrowID:            escrowID,
		SettlementReference: reference,
		Data:                map[string]string{"provider_id": job.ProviderID},
	})
	if err != nil {
		return nil, err
	}
	c.sink.Publish(ctx, notify.Event{
		Type:  notify.EscrowCreated,
		JobID: job.ID,
		Data:  map[string]string{"escrow_id": escrowID, "amount": job.EscrowAmount.String(), "reference": reference},
	})
	logs.GetLogger().Infof("escrow created, job: %s, escrow: %s, amount: %s", job.ID, escrowID, job.EscrowAmount)
	return tx, nil
}

// recheckCreate reads the escrow again after every create attempt failed. The
// failure is definite only when the settlement layer shows no escrow; one that
// is there after all is adopted when it matches req, and an unreadable layer
// leaves the outcome unknown.
func (c *Coordinator) recheckCreate(ctx context.Context, req settlement.CreateRequest, cause error) (string, error) {
	info, err := c.getEscrow(ctx, req.EscrowID)
	if err != nil {
		return "", models.SettlementUnknown(fmt.Sprintf("create escrow %s failed and it cannot be read back", req.EscrowID), cause)
	}
	if info == nil {
		return "", cause
	}
	if info.Status != settlement.EscrowPending {
		return "", models.InvariantViolation(fmt.Sprintf("escrow %s of job %s exists and is %s", req.EscrowID, req.JobID, info.Status), nil)
	}
	if err := sameEscrow(info, req); err != nil {
		return "", err
	}
	logs.GetLogger().Warnf("create escrow %s reported failure but the escrow exists, recording it", req.EscrowID)
	return info.Reference, nil
}

// sameEscrow rejects an escrow found under the job's id that was opened for
// other parties or another amount.
func sameEscrow(info *settlement.EscrowInfo, req settlement.CreateRequest) error {
	if strings.EqualFold(info.ClientWallet, req.ClientWallet) &&
		strings.EqualFold(info.ProviderWallet, req.ProviderWallet) &&
		info.Amount.Truncate(18).Equal(req.Amount.Truncate(18)) {
		return nil
	}
	return models.InvariantViolation(fmt.Sprintf("escrow %s of job %s holds %s from %s for %s, expected %s from %s for %s",
		req.EscrowID, req.JobID, info.Amount, info.ClientWallet, info.ProviderWallet,
		req.Amount, req.ClientWallet, req.ProviderWallet), nil)
}

func (c *Coordinator) createOnce(ctx context.Context, escrowID string, req settlement.CreateRequest) (string, error) {
	var reference string
	err := c.do(ctx, string(settlement.OpCreate), func(ctx context.Context) error {
		receipt, err := c.settle.CreateEscrow(ctx, req)
		if err != nil {
			return err
		}
		reference = receipt.Reference
		return nil
	}, func(ctx context.Context) (bool, error) {
		info, err := c.settle.GetEscrow(ctx, escrowID)
		if errors.Is(err, settlement.ErrEscrowNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		reference = info.Reference
		return true, nil
	})
	return reference, err
}

// ConfirmDeposit completes the processing deposit once the settlement layer
// reports the escrow, and stamps job.escrowReference. It returns the deposit
// and whether it is confirmed.
func (c *Coordinator) ConfirmDeposit(ctx context.Context, jobID string) (*models.Transaction, bool, error) {
	deposit, err := c.ledger.Latest(ctx, jobID, models.TxDeposit)
	if err != nil {
		return nil, false, err
	}
	if deposit == nil {
		return nil, false, nil
	}
	if deposit.Status == models.TxFailed || deposit.Status == models.TxCancelled {
		return deposit, false, nil
	}
	if deposit.Status != models.TxCompleted {
		info, err := c.getEscrow(ctx, deposit.EscrowID)
		if err != nil {
			return deposit, false, err
		}
		if info == nil {
			return deposit, false, nil
		}
		deposit, err = c.ledger.Advance(ctx, deposit.ID, models.TxCompleted, ledger.EventConfirmed, map[string]string{
			"escrow_status": string(info.Status),
		})
		if err != nil {
			return nil, false, err
		}
	}
	if err := c.stampReference(ctx, jobID, deposit.SettlementReference); err != nil {
		return deposit, true, err
	}
	return deposit, true, nil
}

func (c *Coordinator) stampReference(ctx context.Context, jobID, reference string) error {
	_, err := c.jobs.UpdateJob(ctx, jobID, func(job *models.Job) error {
		if job.EscrowReference == "" {
			job.EscrowReference = reference
		}
		return nil
	})
	return err
}

// openMovement returns the job's release or refund transaction that is not
// failed or cancelled, creating a pending one when there is none.
func (c *Coordinator) openMovement(ctx context.Context, job *models.Job, typ models.TransactionType, e ledger.Entry) (*models.Transaction, error) {
	txs, err := c.ledger.ForJob(ctx, job.ID, typ)
	if err != nil {
		return nil, err
	}
	for i := len(txs) - 1; i >= 0; i-- {
		if !txs[i].FromEscrow() {
			continue
		}
		if txs[i].Status != models.TxFailed && txs[i].Status != models.TxCancelled {
			return txs[i], nil
		}
	}
	return c.ledger.Record(ctx, e)
}

// ReleaseEscrow pays the provider net of fees. A release the settlement layer
// already performed counts as success and reuses the existing Transaction.
func (c *Coordinator) ReleaseEscrow(ctx context.Context, job *models.Job) (*models.Transaction, error) {
	if !job.HasEscrow() {
		return nil, models.Validationf("job %s has no escrow to release", job.ID)
	}
	fees, net, err := c.fees.Calculate(job.EscrowAmount)
	if err != nil {
		return nil, err
	}
	escrowID := c.settle.EscrowIDForJob(job.ID)
	return c.closeEscrow(ctx, job, closing{
		op:       settlement.OpRelease,
		typ:      models.TxRelease,
		want:     settlement.EscrowReleased,
		conflict: settlement.EscrowRefunded,
		event:    notify.EscrowReleased,
		entry: ledger.Entry{
			JobID:     job.ID,
			Type:      models.TxRelease,
			Status:    models.TxPending,
			FromParty: models.PartyEscrow,
			ToParty:   job.ProviderWallet,
			Gross:     job.EscrowAmount,
			Fees:      fees,
			Net:       net,
			EscrowID:  escrowID,
		},
		call: c.settle.ReleaseEscrow,
	})
}

// RefundEscrow returns the full escrow amount to the client.
func (c *Coordinator) RefundEscrow(ctx context.Context, job *models.Job) (*models.Transaction, error) {
	if !job.HasEscrow() {
		return nil, models.Validationf("job %s has no escrow to refund", job.ID)
	}
	fees, net, err := fee.NoFees(job.EscrowAmount)
	if err != nil {
		return nil, err
	}
	escrowID := c.settle.EscrowIDForJob(job.ID)
	return c.closeEscrow(ctx, job, closing{
		op:       settlement.OpRefund,
		typ:      models.TxRefund,
		want:     settlement.EscrowRefunded,
		conflict: settlement.EscrowReleased,
		event:    notify.EscrowRefunded,
		entry: ledger.Entry{
			JobID:     job.ID,
			Type:      models.TxRefund,
			Status:    models.TxPending,
			FromParty: models.PartyEscrow,
			ToParty:   job.ClientWallet,
			Gross:     job.EscrowAmount,
			Fees:      fees,
			Net:       net,
			EscrowID:  escrowID,
		},
		call: c.settle.RefundEscrow,
	})
}

type closing struct {
	op       settlement.Op
	typ      models.TransactionType
	want     settlement.EscrowStatus
	conflict settlement.EscrowStatus
	event    notify.EventType
	entry    ledger.Entry
	call     func(ctx context.Context, escrowID string) (settlement.Receipt, error)
}

func (c *Coordinator) closeEscrow(ctx context.Context, job *models.Job, cl closing) (*models.Transaction, error) {
	escrowID := cl.entry.EscrowID

	if job.EscrowReference == "" {
		if _, confirmed, err := c.ConfirmDeposit(ctx, job.ID); err != nil {
			return nil, err
		} else if !confirmed {
			return nil, models.SettlementUnavailable(fmt.Sprintf("escrow of job %s is not confirmed yet", job.ID), nil)
		}
	}

	existing, err := c.ledger.LatestFromEscrow(ctx, job.ID, cl.typ)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == models.TxCompleted {
		return existing, nil
	}

	info, err := c.getEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, models.InvariantViolation(fmt.Sprintf("escrow %s of job %s not found on settlement layer", escrowID, job.ID), nil)
	}
	if info.Status == cl.conflict {
		return nil, models.InvariantViolation(fmt.Sprintf("escrow %s of job %s is already %s", escrowID, job.ID, info.Status), nil)
	}

	tx, err := c.openMovement(ctx, job, cl.typ, cl.entry)
	if err != nil {
		return nil, err
	}

	reference := ""
	if info.Status != cl.want {
		if tx.Status == models.TxPending {
			if tx, err = c.ledger.Advance(ctx, tx.ID, models.TxProcessing, ledger.EventSubmitted, nil); err != nil {
				return nil, err
			}
		}
		err = c.do(ctx, string(cl.op), func(ctx context.Context) error {
			receipt, err := cl.call(ctx, escrowID)
			if errors.Is(err, settlement.ErrEscrowClosed) {
				return c.closedTo(ctx, escrowID, cl.want)
			}
			if err != nil {
				return err
			}
			reference = receipt.Reference
			return nil
		}, func(ctx context.Context) (bool, error) {
			info, err := c.settle.GetEscrow(ctx, escrowID)
			if err != nil {
				return false, err
			}
			return info.Status == cl.want, nil
		})
		if err != nil {
			logs.GetLogger().Errorf("Failed %s, job: %s, transaction: %s, error: %+v", cl.op, job.ID, tx.ID, err)
			return nil, err
		}
	}

	data := map[string]string{"escrow_id": escrowID}
	if reference != "" {
		data[ledger.DataReference] = reference
	}
	tx, err = c.ledger.Advance(ctx, tx.ID, models.TxCompleted, ledger.EventConfirmed, data)
	if err != nil {
		return nil, err
	}
	c.sink.Publish(ctx, notify.Event{
		Type:  cl.event,
		JobID: job.ID,
		Data: map[string]string{
			"transaction_id": tx.ID,
			"gross":          tx.GrossAmount.String(),
			"net":            tx.NetAmount.String(),
			"to":             tx.ToParty,
		},
	})
	logs.GetLogger().Infof("%s done, job: %s, transaction: %s, net: %s", cl.op, job.ID, tx.ID, tx.NetAmount)
	return tx, nil
}

// closedTo resolves an "escrow closed" answer: success when it closed the way we
// wanted, an invariant violation otherwise.
func (c *Coordinator) closedTo(ctx context.Context, escrowID string, want settlement.EscrowStatus) error {
	info, err := c.settle.GetEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	if info.Status == want {
		return nil
	}
	return models.InvariantViolation(fmt.Sprintf("escrow %s is %s, wanted %s", escrowID, info.Status, want), nil)
}

// FlagManualTransfer records a pending transfer that an operator must settle by
// hand, for dispute outcomes the escrow contract cannot express. Recording the
// same reason twice returns the first Transaction.
func (c *Coordinator) FlagManualTransfer(ctx context.Context, job *models.Job, typ models.TransactionType, from, to string, amount decimal.Decimal, reason string) (*models.Transaction, error) {
	existing, err := c.ledger.ForJob(ctx, job.ID, typ)
	if err != nil {
		return nil, err
	}
	for _, tx := range existing {
		if tx.Flagged && tx.FlagReason == reason {
			return tx, nil
		}
	}
	fees, net, err := fee.NoFees(amount)
	if err != nil {
		return nil, err
	}
	tx, err := c.ledger.Record(ctx, ledger.Entry{
		JobID:     job.ID,
		Type:      typ,
		Status:    models.TxPending,
		FromParty: from,
		ToParty:   to,
		Gross:     amount,
		Fees:      fees,
		Net:       net,
		EscrowID:  c.settle.EscrowIDForJob(job.ID),
		Data:      map[string]string{"reason": reason, "manual": "true"},
	})
	if err != nil {
		return nil, err
	}
	if tx, err = c.ledger.Flag(ctx, tx.ID, reason); err != nil {
		return nil, err
	}
	c.sink.Publish(ctx, notify.Event{
		Type:  notify.SettlementFlagged,
		JobID: job.ID,
		Data:  map[string]string{"transaction_id": tx.ID, "reason": reason},
	})
	return tx, nil
}
