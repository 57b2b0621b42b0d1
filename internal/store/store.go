package store

import (
	"context"
	"time"

	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/shopspring/decimal"
)

// ErrConflict is returned by conditional updates whose precondition no longer holds.
var ErrConflict = models.Conflictf("conditional update lost")

type JobFilter struct {
	Status     models.JobStatus
	ClientID   string
	ProviderID string
	// SettlementFailed selects jobs parked in the settlement_failed sub-status.
	SettlementFailed bool
	Limit            int
}

type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	// UpdateJob runs fn on the current record and persists the result atomically.
	// If fn returns an error nothing is written and the error is returned as is.
	UpdateJob(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error)
	// ClaimJob moves a job to accepted only if it is posted and has no provider.
	// It returns ErrConflict when the condition does not hold.
	ClaimJob(ctx context.Context, id, providerID, providerWallet string, escrowAmount decimal.Decimal, at time.Time) (*models.Job, error)
}

type ProviderStore interface {
	CreateProvider(ctx context.Context, p *models.Provider) error
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	ListProviders(ctx context.Context) ([]*models.Provider, error)
}

type ClientStore interface {
	CreateClient(ctx context.Context, c *models.Client) error
	GetClient(ctx context.Context, id string) (*models.Client, error)
}

type TxFilter struct {
	JobID       string
	Type        models.TransactionType
	Unsettled   bool
	OnlyFlagged bool
	Limit       int
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, id string, fn func(tx *models.Transaction) error) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter TxFilter) ([]*models.Transaction, error)
}

type ReputationStore interface {
	PutReputationEvent(ctx context.Context, ev *models.ReputationEvent) error
	GetReputationEvent(ctx context.Context, id string) (*models.ReputationEvent, error)
	ListReputationEvents(ctx context.Context, subjectID string) ([]*models.ReputationEvent, error)
	GetStats(ctx context.Context, subject models.SubjectType, id string) (models.ReputationStats, error)
	// CommitReputation applies fn to the subject's aggregate and writes the
	// aggregate together with events in a single atomic write.
	CommitReputation(ctx context.Context, subject models.SubjectType, id string, fn func(stats *models.ReputationStats) error, events ...*models.ReputationEvent) error
}

type Store interface {
	JobStore
	ProviderStore
	ClientStore
	TransactionStore
	ReputationStore
	Close() error
}

// NextUpdatedAt keeps updatedAt strictly increasing per record even when the
// wall clock stalls or steps back.
func NextUpdatedAt(prev, now time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
