package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxRelease    TransactionType = "release"
	TxRefund     TransactionType = "refund"
	TxPayment    TransactionType = "payment"
	TxFee        TransactionType = "fee"
	TxWithdrawal TransactionType = "withdrawal"
)

type TransactionStatus string

const (
	TxPending    TransactionStatus = "pending"
	TxProcessing TransactionStatus = "processing"
	TxCompleted  TransactionStatus = "completed"
	TxFailed     TransactionStatus = "failed"
	TxCancelled  TransactionStatus = "cancelled"
)

// Rank orders statuses; a transaction may only move to a strictly higher rank.
func (s TransactionStatus) Rank() int {
	switch s {
	case TxPending:
		return 1
	case TxProcessing:
		return 2
	case TxCompleted, TxFailed, TxCancelled:
		return 3
	}
	return 0
}

func (s TransactionStatus) Terminal() bool {
	return s.Rank() == 3
}

const (
	PartyEscrow   = "escrow"
	PartyPlatform = "platform"
)

type Fees struct {
	Platform   decimal.Decimal `json:"platform"`
	Processing decimal.Decimal `json:"processing"`
	Gas        decimal.Decimal `json:"gas"`
	Total      decimal.Decimal `json:"total"`
}

type TransactionEvent struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

type Transaction struct {
	ID                  string             `json:"id"`
	JobID               string             `json:"job_id"`
	Type                TransactionType    `json:"type"`
	Status              TransactionStatus  `json:"status"`
	FromParty           string             `json:"from_party"`
	ToParty             string             `json:"to_party"`
	GrossAmount         decimal.Decimal    `json:"gross_amount"`
	Fees                Fees               `json:"fees"`
	NetAmount           decimal.Decimal    `json:"net_amount"`
	EscrowID            string             `json:"escrow_id,omitempty"`
	SettlementReference string             `json:"settlement_reference,omitempty"`
	Flagged             bool               `json:"flagged"`
	FlagReason          string             `json:"flag_reason,omitempty"`
	Events              []TransactionEvent `json:"events"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// FromEscrow reports whether the transaction moves money out of the job's
// escrow. Manual transfers come from a party wallet and are settled by an
// operator, never by the escrow contract.
func (t *Transaction) FromEscrow() bool {
	return t.FromParty == PartyEscrow
}

// Balanced reports whether netAmount + fees.total == grossAmount.
func (t *Transaction) Balanced() bool {
	if !t.Fees.Total.Equal(t.Fees.Platform.Add(t.Fees.Processing).Add(t.Fees.Gas)) {
		return false
	}
	return t.NetAmount.Add(t.Fees.Total).Equal(t.GrossAmount)
}

func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Events = make([]TransactionEvent, len(t.Events))
	for i, ev := range t.Events {
		c.Events[i] = ev
		if ev.Data != nil {
			c.Events[i].Data = make(map[string]string, len(ev.Data))
			for k, v := range ev.Data {
				c.Events[i].Data[k] = v
			}
		}
	}
	return &c
}
