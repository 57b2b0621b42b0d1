package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/lagrangedao/go-computing-broker/internal/ledger"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/notify"
	"github.com/lagrangedao/go-computing-broker/internal/settlement"
)

type Report struct {
	Checked  int
	Advanced int
	Flagged  int
	Errors   int
}

// Reconcile re-queries the settlement layer for every pending or processing
// Transaction, advances the ones whose outcome is now known and flags the ones
// stuck past the configured timeout. Nothing is ever abandoned: a flagged
// Transaction keeps being checked.
func (c *Coordinator) Reconcile(ctx context.Context) (Report, error) {
	var report Report
	txs, err := c.ledger.Unsettled(ctx)
	if err != nil {
		return report, err
	}
	for _, tx := range txs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		advanced, flagged, err := c.reconcileOne(ctx, tx)
		if err != nil {
			report.Errors++
			logs.GetLogger().Errorf("Failed reconcile transaction %s of job %s, error: %+v", tx.ID, tx.JobID, err)
			continue
		}
		if advanced {
			report.Advanced++
		}
		if flagged {
			report.Flagged++
		}
	}
	return report, nil
}

// ReconcileJob runs the same checks for the Transactions of a single job.
func (c *Coordinator) ReconcileJob(ctx context.Context, jobID string) (Report, error) {
	var report Report
	txs, err := c.ledger.ForJob(ctx, jobID, "")
	if err != nil {
		return report, err
	}
	for _, tx := range txs {
		if tx.Status.Terminal() {
			continue
		}
		report.Checked++
		advanced, flagged, err := c.reconcileOne(ctx, tx)
		if err != nil {
			report.Errors++
			return report, err
		}
		if advanced {
			report.Advanced++
		}
		if flagged {
			report.Flagged++
		}
	}
	return report, nil
}

func (c *Coordinator) reconcileOne(ctx context.Context, tx *models.Transaction) (advanced, flagged bool, err error) {
	var want, conflict settlement.EscrowStatus
	if tx.Type != models.TxDeposit && !tx.FromEscrow() {
		// manual transfers wait for an operator
		flagged, err = c.flag(ctx, tx, fmt.Sprintf("manual %s from %s awaits an operator", tx.Type, tx.FromParty))
		return false, flagged, err
	}
	switch tx.Type {
	case models.TxDeposit:
		_, confirmed, err := c.ConfirmDeposit(ctx, tx.JobID)
		if err != nil {
			return false, false, err
		}
		if confirmed {
			return true, false, nil
		}
		flagged, err = c.flagIfStuck(ctx, tx)
		return false, flagged, err
	case models.TxRelease:
		want, conflict = settlement.EscrowReleased, settlement.EscrowRefunded
	case models.TxRefund:
		want, conflict = settlement.EscrowRefunded, settlement.EscrowReleased
	default:
		// not an escrow movement
		flagged, err = c.flagIfStuck(ctx, tx)
		return false, flagged, err
	}

	info, err := c.getEscrow(ctx, tx.EscrowID)
	if err != nil {
		return false, false, err
	}
	switch {
	case info == nil:
		flagged, err = c.flag(ctx, tx, fmt.Sprintf("escrow %s missing on settlement layer", tx.EscrowID))
		return false, flagged, err
	case info.Status == want:
		if _, err := c.ledger.Advance(ctx, tx.ID, models.TxCompleted, ledger.EventReconciled, map[string]string{
			"escrow_status": string(info.Status),
		}); err != nil {
			return false, false, err
		}
		return true, false, nil
	case info.Status == conflict:
		if _, err := c.ledger.Advance(ctx, tx.ID, models.TxFailed, ledger.EventReconciled, map[string]string{
			"escrow_status": string(info.Status),
		}); err != nil {
			return false, false, err
		}
		flagged, err = c.flag(ctx, tx, fmt.Sprintf("escrow %s is %s, %s cannot complete", tx.EscrowID, info.Status, tx.Type))
		return true, flagged, err
	}
	flagged, err = c.flagIfStuck(ctx, tx)
	return false, flagged, err
}

func (c *Coordinator) flagIfStuck(ctx context.Context, tx *models.Transaction) (bool, error) {
	if tx.Flagged || c.now().Sub(tx.CreatedAt) < c.cfg.StuckTimeout {
		return false, nil
	}
	return c.flag(ctx, tx, fmt.Sprintf("%s unsettled for more than %s", tx.Type, c.cfg.StuckTimeout))
}

func (c *Coordinator) flag(ctx context.Context, tx *models.Transaction, reason string) (bool, error) {
	if tx.Flagged {
		return false, nil
	}
	if _, err := c.ledger.Flag(ctx, tx.ID, reason); err != nil {
		return false, err
	}
	c.sink.Publish(ctx, notify.Event{
		Type:  notify.SettlementFlagged,
		JobID: tx.JobID,
		Data:  map[string]string{"transaction_id": tx.ID, "reason": reason},
	})
	return true, nil
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (c *Coordinator) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcileSafely(ctx)
		}
	}
}

func (c *Coordinator) reconcileSafely(ctx context.Context) {
	defer func() {
		if err := recover(); err != nil {
			logs.GetLogger().Errorf("Failed reconcile settlement, error: %+v", err)
		}
	}()
	report, err := c.Reconcile(ctx)
	if err != nil {
		logs.GetLogger().Errorf("Failed reconcile settlement, error: %+v", err)
		return
	}
	if report.Advanced > 0 || report.Flagged > 0 {
		logs.GetLogger().Infof("reconciled settlement, checked: %d, advanced: %d, flagged: %d, errors: %d",
			report.Checked, report.Advanced, report.Flagged, report.Errors)
	}
}
