package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable means the call definitely did not take effect and may be retried.
	ErrUnavailable = errors.New("settlement layer unavailable")
	// ErrUnknownOutcome means the call may or may not have taken effect; re-query before retrying.
	ErrUnknownOutcome = errors.New("settlement outcome unknown")
	ErrEscrowNotFound = errors.New("escrow not found")
	// ErrEscrowClosed is returned when an escrow is already released or refunded.
	ErrEscrowClosed = errors.New("escrow already closed")
)

type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

type CreateRequest struct {
	EscrowID       string
	JobID          string
	ClientWallet   string
	ProviderWallet string
	Amount         decimal.Decimal
}

// Receipt identifies an accepted settlement-layer operation.
type Receipt struct {
	EscrowID  string
	Reference string
	At        time.Time
}

type EscrowInfo struct {
	ID             string
	ClientWallet   string
	ProviderWallet string
	Amount         decimal.Decimal
	Status         EscrowStatus
	// Reference of the create operation when the layer can report it.
	Reference string
}

type ReputationSummary struct {
	Wallet        string  `json:"wallet"`
	Score         int64   `json:"score"`
	TotalRatings  int64   `json:"total_ratings"`
	AverageRating float64 `json:"average_rating"`
}

// Client is the boundary to the escrow and reputation contracts. Calls are
// fallible and at-least-once beneath; escrow ids are derived from the job id so
// a create whose outcome is unknown can be looked up again.
type Client interface {
	EscrowIDForJob(jobID string) string
	CreateEscrow(ctx context.Context, req CreateRequest) (Receipt, error)
	ReleaseEscrow(ctx context.Context, escrowID string) (Receipt, error)
	RefundEscrow(ctx context.Context, escrowID string) (Receipt, error)
	GetEscrow(ctx context.Context, escrowID string) (*EscrowInfo, error)
	SubmitRating(ctx context.Context, providerWallet, jobID string, rating int) (Receipt, error)
	GetReputation(ctx context.Context, wallet string) (*ReputationSummary, error)
}

// Retryable reports whether err says the call did not happen.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Unknown reports whether err leaves the outcome of a write undetermined.
func Unknown(err error) bool {
	return errors.Is(err, ErrUnknownOutcome) || errors.Is(err, context.DeadlineExceeded)
}
