package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/google/uuid"
	"github.com/lagrangedao/go-computing-broker/internal/metrics"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/store"
	"github.com/shopspring/decimal"
)

// Event types written into Transaction.Events.
const (
	EventCreated    = "created"
	EventSubmitted  = "submitted"
	EventConfirmed  = "confirmed"
	EventFailed     = "failed"
	EventFlagged    = "flagged"
	EventReconciled = "reconciled"
	EventReputation = "reputation"
)

// DataReference is the event data key that stamps the settlement reference
// onto a transaction the first time it is seen.
const DataReference = "settlement_reference"

// Entry describes a new transaction.
type Entry struct {
	JobID               string
	Type                models.TransactionType
	Status              models.TransactionStatus
	FromParty           string
	ToParty             string
	Gross               decimal.Decimal
	Fees                models.Fees
	Net                 decimal.Decimal
	EscrowID            string
	SettlementReference string
	Data                map[string]string
}

// Ledger is the only writer of Transactions. Records are append-only: status
// moves forward, events are appended, nothing is deleted.
type Ledger struct {
	store store.TransactionStore
	now   func() time.Time
}

func New(s store.TransactionStore) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// Verify checks the amount invariants of a transaction.
func Verify(tx *models.Transaction) error {
	if tx.GrossAmount.IsNegative() || tx.NetAmount.IsNegative() {
		return models.InvariantViolation(fmt.Sprintf("transaction %s has a negative amount", tx.ID), nil)
	}
	if tx.Fees.Platform.IsNegative() || tx.Fees.Processing.IsNegative() || tx.Fees.Gas.IsNegative() {
		return models.InvariantViolation(fmt.Sprintf("transaction %s has a negative fee", tx.ID), nil)
	}
	if !tx.Balanced() {
		return models.InvariantViolation(fmt.Sprintf("transaction %s: net %s + fees %s != gross %s",
			tx.ID, tx.NetAmount, tx.Fees.Total, tx.GrossAmount), nil)
	}
	if tx.Status.Rank() == 0 {
		return models.InvariantViolation(fmt.Sprintf("transaction %s has unknown status %q", tx.ID, tx.Status), nil)
	}
	return nil
}

func (l *Ledger) Record(ctx context.Context, e Entry) (*models.Transaction, error) {
	now := l.now()
	status := e.Status
	if status == "" {
		status = models.TxPending
	}
	tx := &models.Transaction{
		ID:                  uuid.NewString(),
		JobID:               e.JobID,
		Type:                e.Type,
		Status:              status,
		FromParty:           e.FromParty,
		ToParty:             e.ToParty,
		GrossAmount:         e.Gross,
		Fees:                e.Fees,
		NetAmount:           e.Net,
		EscrowID:            e.EscrowID,
		SettlementReference: e.SettlementReference,
		Events: []models.TransactionEvent{{
			Type:      EventCreated,
			Timestamp: now,
			Data:      copyData(e.Data),
		}},
		CreatedAt: now,
	}
	if err := Verify(tx); err != nil {
		return nil, err
	}
	if err := l.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	logs.GetLogger().Debugf("ledger: recorded %s transaction %s for job %s, gross: %s, status: %s",
		tx.Type, tx.ID, tx.JobID, tx.GrossAmount, tx.Status)
	return tx, nil
}

// Advance moves a transaction to status and appends an event. Moving to the
// status it already has is a no-op so replayed confirmations are harmless;
// any other move that does not strictly increase the rank is rejected.
func (l *Ledger) Advance(ctx context.Context, id string, status models.TransactionStatus, eventType string, data map[string]string) (*models.Transaction, error) {
	if status.Rank() == 0 {
		return nil, models.Validationf("unknown transaction status %q", status)
	}
	changed := false
	tx, err := l.store.UpdateTransaction(ctx, id, func(tx *models.Transaction) error {
		if tx.Status == status {
			return nil
		}
		if status.Rank() <= tx.Status.Rank() {
			return models.InvariantViolation(
				fmt.Sprintf("transaction %s cannot move from %s to %s", id, tx.Status, status), nil)
		}
		tx.Status = status
		if ref, ok := data[DataReference]; ok && tx.SettlementReference == "" {
			tx.SettlementReference = ref
		}
		tx.Events = append(tx.Events, models.TransactionEvent{
			Type:      eventType,
			Timestamp: l.now(),
			Data:      copyData(data),
		})
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.TransactionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	}
	return tx, nil
}

// AppendEvent adds an audit event without touching status or amounts.
func (l *Ledger) AppendEvent(ctx context.Context, id, eventType string, data map[string]string) (*models.Transaction, error) {
	return l.store.UpdateTransaction(ctx, id, func(tx *models.Transaction) error {
		tx.Events = append(tx.Events, models.TransactionEvent{
			Type:      eventType,
			Timestamp: l.now(),
			Data:      copyData(data),
		})
		return nil
	})
}

// Flag marks a transaction for manual review. Flagging twice keeps the first reason.
func (l *Ledger) Flag(ctx context.Context, id, reason string) (*models.Transaction, error) {
	flagged := false
	tx, err := l.store.UpdateTransaction(ctx, id, func(tx *models.Transaction) error {
		if tx.Flagged {
			return nil
		}
		tx.Flagged = true
		tx.FlagReason = reason
		tx.Events = append(tx.Events, models.TransactionEvent{
			Type:      EventFlagged,
			Timestamp: l.now(),
			Data:      map[string]string{"reason": reason},
		})
		flagged = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if flagged {
		metrics.FlaggedTransactionsTotal.Inc()
		logs.GetLogger().Warnf("ledger: transaction %s of job %s flagged for manual review: %s", tx.ID, tx.JobID, reason)
	}
	return tx, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// ForJob lists the job's transactions, optionally of one type, oldest first.
func (l *Ledger) ForJob(ctx context.Context, jobID string, typ models.TransactionType) ([]*models.Transaction, error) {
	return l.store.ListTransactions(ctx, store.TxFilter{JobID: jobID, Type: typ})
}

// Latest returns the newest transaction of typ for the job, or nil.
func (l *Ledger) Latest(ctx context.Context, jobID string, typ models.TransactionType) (*models.Transaction, error) {
	txs, err := l.ForJob(ctx, jobID, typ)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return txs[len(txs)-1], nil
}

// LatestFromEscrow is Latest restricted to movements out of the job's escrow.
func (l *Ledger) LatestFromEscrow(ctx context.Context, jobID string, typ models.TransactionType) (*models.Transaction, error) {
	txs, err := l.ForJob(ctx, jobID, typ)
	if err != nil {
		return nil, err
	}
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].FromEscrow() {
			return txs[i], nil
		}
	}
	return nil, nil
}

// Unsettled lists every transaction still pending or processing.
func (l *Ledger) Unsettled(ctx context.Context) ([]*models.Transaction, error) {
	return l.store.ListTransactions(ctx, store.TxFilter{Unsettled: true})
}

func (l *Ledger) List(ctx context.Context, filter store.TxFilter) ([]*models.Transaction, error) {
	return l.store.ListTransactions(ctx, filter)
}

func copyData(data map[string]string) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
