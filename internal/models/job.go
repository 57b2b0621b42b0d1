package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type JobStatus string

const (
	JobDraft     JobStatus = "draft"
	JobPosted    JobStatus = "posted"
	JobAccepted  JobStatus = "accepted"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further status transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

type PricingModel string

const (
	PricingFixed  PricingModel = "fixed"
	PricingHourly PricingModel = "hourly"
)

// SettlementStatus is the money sub-status of a job, orthogonal to JobStatus.
type SettlementStatus string

const (
	SettlementNone    SettlementStatus = ""
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
	SettlementFailed  SettlementStatus = "settlement_failed"
)

// Fault attributes a failure or cancellation to a party.
type Fault string

const (
	FaultNone     Fault = "none"
	FaultProvider Fault = "provider"
	FaultClient   Fault = "client"
)

type DisputeOutcome string

const (
	OutcomeClientFavor   DisputeOutcome = "client-favor"
	OutcomeProviderFavor DisputeOutcome = "provider-favor"
	OutcomePartialRefund DisputeOutcome = "partial-refund"
)

func (o DisputeOutcome) Valid() bool {
	switch o {
	case OutcomeClientFavor, OutcomeProviderFavor, OutcomePartialRefund:
		return true
	}
	return false
}

type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

type Dispute struct {
	ID            string         `json:"id"`
	RaisedBy      string         `json:"raised_by"`
	Reason        string         `json:"reason"`
	Status        DisputeStatus  `json:"status"`
	Outcome       DisputeOutcome `json:"outcome,omitempty"`
	ProviderShare int            `json:"provider_share,omitempty"`
	ResolvedBy    string         `json:"resolved_by,omitempty"`
	Note          string         `json:"note,omitempty"`
	OpenedAt      time.Time      `json:"opened_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
}

// Action names the job operation an Intent replays.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
	ActionCancel   Action = "cancel"
	ActionResolve  Action = "resolve"
)

// Intent is a money-moving operation whose settlement has not yet succeeded.
type Intent struct {
	Action        Action            `json:"action"`
	Actor         string            `json:"actor"`
	Reason        string            `json:"reason,omitempty"`
	Fault         Fault             `json:"fault,omitempty"`
	Outcome       DisputeOutcome    `json:"outcome,omitempty"`
	ProviderShare int               `json:"provider_share,omitempty"`
	Results       map[string]string `json:"results,omitempty"`
	RequestedAt   time.Time         `json:"requested_at"`
}

type SettlementState struct {
	Status    SettlementStatus `json:"status,omitempty"`
	Pending   *Intent          `json:"pending,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	UpdatedAt *time.Time       `json:"updated_at,omitempty"`
}

type Job struct {
	ID              string             `json:"id"`
	ClientID        string             `json:"client_id"`
	ClientWallet    string             `json:"client_wallet"`
	ProviderID      string             `json:"provider_id,omitempty"`
	ProviderWallet  string             `json:"provider_wallet,omitempty"`
	Title           string             `json:"title"`
	Status          JobStatus          `json:"status"`
	Pricing         PricingModel       `json:"pricing"`
	Budget          decimal.Decimal    `json:"budget"`
	MaxHourlyRate   decimal.Decimal    `json:"max_hourly_rate"`
	EstimatedHours  decimal.Decimal    `json:"estimated_hours"`
	EscrowAmount    decimal.Decimal    `json:"escrow_amount"`
	EscrowReference string             `json:"escrow_reference,omitempty"`
	Progress        int                `json:"progress"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Results         map[string]string  `json:"results,omitempty"`
	Settlement      SettlementState    `json:"settlement"`
	Disputed        bool               `json:"disputed"`
	Dispute         *Dispute           `json:"dispute,omitempty"`
	FailureReason   string             `json:"failure_reason,omitempty"`
	FailureFault    Fault              `json:"failure_fault,omitempty"`
	CancelReason    string             `json:"cancel_reason,omitempty"`
	OutcomeEventID  string             `json:"outcome_event_id,omitempty"`
	RatingEventID   string             `json:"rating_event_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	PostedAt        *time.Time         `json:"posted_at,omitempty"`
	AcceptedAt      *time.Time         `json:"accepted_at,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	PausedAt        *time.Time         `json:"paused_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	FailedAt        *time.Time         `json:"failed_at,omitempty"`
	CancelledAt     *time.Time         `json:"cancelled_at,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// HasEscrow reports whether an escrow was created for the job.
func (j *Job) HasEscrow() bool {
	return j.ProviderID != "" && j.EscrowAmount.IsPositive()
}

// Validate checks a job at the boundary where it enters the broker.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.ClientID) == "" {
		return Validationf("client id must be not empty")
	}
	if strings.TrimSpace(j.ClientWallet) == "" {
		return Validationf("client wallet must be not empty")
	}
	switch j.Pricing {
	case PricingFixed:
		if !j.Budget.IsPositive() {
			return Validationf("fixed-price job needs a positive budget, got %s", j.Budget)
		}
	case PricingHourly:
		if !j.MaxHourlyRate.IsPositive() {
			return Validationf("hourly job needs a positive max hourly rate, got %s", j.MaxHourlyRate)
		}
		if !j.EstimatedHours.IsPositive() {
			return Validationf("hourly job needs a positive estimated duration, got %s", j.EstimatedHours)
		}
	default:
		return Validationf("unknown pricing model %q", j.Pricing)
	}
	return nil
}

// Clone returns a deep copy so callers never share maps or pointers with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Metrics != nil {
		c.Metrics = make(map[string]float64, len(j.Metrics))
		for k, v := range j.Metrics {
			c.Metrics[k] = v
		}
	}
	if j.Results != nil {
		c.Results = make(map[string]string, len(j.Results))
		for k, v := range j.Results {
			c.Results[k] = v
		}
	}
	if j.Dispute != nil {
		d := *j.Dispute
		c.Dispute = &d
	}
	if j.Settlement.Pending != nil {
		p := *j.Settlement.Pending
		c.Settlement.Pending = &p
	}
	return &c
}
