package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/google/uuid"
	"github.com/lagrangedao/go-computing-broker/constants"
	"github.com/lagrangedao/go-computing-broker/internal/escrow"
	"github.com/lagrangedao/go-computing-broker/internal/lock"
	"github.com/lagrangedao/go-computing-broker/internal/metrics"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/notify"
	"github.com/lagrangedao/go-computing-broker/internal/reputation"
	"github.com/lagrangedao/go-computing-broker/internal/store"
	"github.com/shopspring/decimal"
)

type Config struct {
	DisputeWindow time.Duration
}

func DefaultConfig() Config {
	return Config{DisputeWindow: 7 * 24 * time.Hour}
}

type Store interface {
	store.JobStore
	store.ProviderStore
}

// Machine is the only component that changes a job's status. Operations on
// one job are serialized with a per-job lock; money moves through the escrow
// coordinator and reputation through the reputation ledger.
type Machine struct {
	store  Store
	escrow *escrow.Coordinator
	rep    *reputation.Ledger
	locks  lock.Locker
	sink   notify.Sink
	cfg    Config
	now    func() time.Time
}

func New(s Store, coord *escrow.Coordinator, rep *reputation.Ledger, locks lock.Locker, sink notify.Sink, cfg Config) *Machine {
	if cfg.DisputeWindow <= 0 {
		cfg.DisputeWindow = DefaultConfig().DisputeWindow
	}
	if locks == nil {
		locks = lock.NewKeyedMutex()
	}
	if sink == nil {
		sink = notify.Nop
	}
	return &Machine{store: s, escrow: coord, rep: rep, locks: locks, sink: sink, cfg: cfg, now: time.Now}
}

func lockKey(id string) string {
	return constants.JOB_LOCK_PREFIX + id
}

// run loads the job under its lock and hands it to fn.
func (m *Machine) run(ctx context.Context, op string, auth models.AuthContext, id string, fn func(job *models.Job) (*models.Job, error)) (job *models.Job, err error) {
	defer m.observe(op, &err)
	if err = auth.Validate(); err != nil {
		return nil, err
	}
	unlock, err := m.locks.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	job, err = m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return fn(job)
}

func (m *Machine) observe(op string, errp *error) {
	err := *errp
	if err == nil {
		return
	}
	kind := models.KindOf(err)
	switch kind {
	case models.KindValidation, models.KindInvalidTransition, models.KindForbidden, models.KindConcurrencyConflict, models.KindNotFound:
		metrics.JobRejectionsTotal.WithLabelValues(op, string(kind)).Inc()
	default:
		logs.GetLogger().Errorf("Failed %s job, error: %+v", op, err)
	}
}

// move applies a status change checked against the transition graph.
func (m *Machine) move(ctx context.Context, job *models.Job, to models.JobStatus, mutate func(j *models.Job)) (*models.Job, error) {
	from := job.Status
	if !CanTransition(from, to) {
		return nil, invalid(job, string(to), "")
	}
	updated, err := m.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Status != from {
			return invalid(j, string(to), "status changed concurrently")
		}
		j.Status = to
		if mutate != nil {
			mutate(j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.moved(ctx, updated, from)
	return updated, nil
}

func (m *Machine) moved(ctx context.Context, job *models.Job, from models.JobStatus) {
	if from == job.Status {
		return
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(from), string(job.Status)).Inc()
	m.sink.Publish(ctx, notify.Event{
		Type:  notify.JobStatusChanged,
		JobID: job.ID,
		Data:  map[string]string{"from": string(from), "to": string(job.Status)},
	})
	logs.GetLogger().Infof("job %s: %s -> %s", job.ID, from, job.Status)
}

func (m *Machine) update(ctx context.Context, id string, fn func(j *models.Job) error) (*models.Job, error) {
	return m.store.UpdateJob(ctx, id, fn)
}

func (m *Machine) Get(ctx context.Context, id string) (*models.Job, error) {
	return m.store.GetJob(ctx, id)
}

func (m *Machine) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

// Create stores a new draft job for the calling client.
func (m *Machine) Create(ctx context.Context, auth models.AuthContext, job *models.Job) (out *models.Job, err error) {
	defer m.observe("create", &err)
	if err := auth.Validate(); err != nil {
		return nil, err
	}
	switch auth.Role {
	case models.RoleClient:
		job.ClientID = auth.UserID
		if job.ClientWallet == "" {
			job.ClientWallet = auth.WalletAddress
		}
	case models.RoleAdmin:
	default:
		return nil, models.Forbiddenf("only clients create jobs")
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	job.ID = uuid.NewString()
	job.Status = models.JobDraft
	job.ProviderID, job.ProviderWallet = "", ""
	job.EscrowAmount, job.EscrowReference = decimal.Zero, ""
	job.Progress = 0
	job.Settlement = models.SettlementState{}
	job.Disputed, job.Dispute = false, nil
	job.CreatedAt = m.now()
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	m.sink.Publish(ctx, notify.Event{
		Type:  notify.JobStatusChanged,
		JobID: job.ID,
		Data:  map[string]string{"to": string(job.Status)},
	})
	return job, nil
}

func (m *Machine) Post(ctx context.Context, auth models.AuthContext, id string) (*models.Job, error) {
	return m.run(ctx, "post", auth, id, func(job *models.Job) (*models.Job, error) {
		if err := requireClient(auth, job); err != nil {
			return nil, err
		}
		if job.Status != models.JobDraft {
			return nil, invalid(job, "post", "")
		}
		return m.move(ctx, job, models.JobPosted, func(j *models.Job) {
			now := m.now()
			j.PostedAt = &now
		})
	})
}

// Accept assigns the job to the calling provider and locks the escrow. The
// claim is a conditional update, so of two racing providers exactly one wins.
// If the escrow definitely was not created the claim is rolled back; an
// unknown outcome parks the job in settlement_failed for RetrySettlement.
func (m *Machine) Accept(ctx context.Context, auth models.AuthContext, id string) (*models.Job, error) {
	return m.run(ctx, "accept", auth, id, func(job *models.Job) (*models.Job, error) {
		if auth.Role != models.RoleProvider {
			return nil, models.Forbiddenf("only providers accept jobs")
		}
		if job.ProviderID != "" {
			return nil, models.ErrJobAlreadyAccepted
		}
		if job.Status != models.JobPosted {
			return nil, invalid(job, "accept", "")
		}
		provider, err := m.store.GetProvider(ctx, auth.UserID)
		if err != nil {
			return nil, err
		}
		if provider.Availability == models.ProviderOffline {
			return nil, models.Validationf("provider %s is offline", provider.ID)
		}
		amount, err := escrow.EscrowAmount(job)
		if err != nil {
			return nil, err
		}

		claimed, err := m.store.ClaimJob(ctx, job.ID, provider.ID, provider.WalletAddress, amount, m.now())
		if errors.Is(err, store.ErrConflict) {
			return nil, models.ErrJobAlreadyAccepted
		}
		if err != nil {
			return nil, err
		}
		intent := &models.Intent{Action: models.ActionAccept, Actor: auth.UserID, RequestedAt: m.now()}
		claimed, err = m.update(ctx, job.ID, func(j *models.Job) error {
			j.Settlement.Pending = intent
			return nil
		})
		if err != nil {
			return nil, err
		}
		return m.settleAccept(ctx, claimed, true)
	})
}

func (m *Machine) settleAccept(ctx context.Context, job *models.Job, first bool) (*models.Job, error) {
	if _, err := m.escrow.CreateEscrow(ctx, job); err != nil {
		if first && (models.IsKind(err, models.KindSettlementUnavailable) || models.IsKind(err, models.KindValidation)) {
			if _, rerr := m.update(ctx, job.ID, func(j *models.Job) error {
				j.Status = models.JobPosted
				j.ProviderID, j.ProviderWallet = "", ""
				j.EscrowAmount = decimal.Zero
				j.AcceptedAt = nil
				j.Settlement = models.SettlementState{}
				return nil
			}); rerr != nil {
				logs.GetLogger().Errorf("Failed roll back accept of job %s, error: %+v", job.ID, rerr)
				return nil, rerr
			}
			logs.GetLogger().Warnf("accept of job %s rolled back, escrow not created: %v", job.ID, err)
			return nil, err
		}
		return m.settlementFailed(ctx, job.ID, models.ActionAccept, err)
	}
	if _, _, err := m.escrow.ConfirmDeposit(ctx, job.ID); err != nil {
		logs.GetLogger().Warnf("deposit of job %s not confirmed yet, reconciler will retry: %v", job.ID, err)
	}
	done, err := m.settled(ctx, job.ID, nil)
	if err != nil {
		return nil, err
	}
	m.moved(ctx, done, models.JobPosted)
	return done, nil
}

// Start hands the job to the provider: running, progress reset.
func (m *Machine) Start(ctx context.Context, auth models.AuthContext, id string) (*models.Job, error) {
	return m.run(ctx, "start", auth, id, func(job *models.Job) (*models.Job, error) {
		if err := requireProvider(auth, job, "start"); err != nil {
			return nil, err
		}
		if job.Status != models.JobAccepted {
			return nil, invalid(job, "start", "")
		}
		if job.Settlement.Pending != nil {
			return nil, invalid(job, "start", "escrow settlement outstanding")
		}
		return m.move(ctx, job, models.JobRunning, func(j *models.Job) {
			now := m.now()
			j.StartedAt = &now
			j.Progress = 0
		})
	})
}

func (m *Machine) Pause(ctx context.Context, auth models.AuthContext, id string) (*models.Job, error) {
	return m.run(ctx, "pause", auth, id, func(job *models.Job) (*models.Job, error) {
		if err := requireParty(auth, job); err != nil {
			return nil, err
		}
		if job.Status != models.JobRunning {
			return nil, invalid(job, "pause", "")
		}
		return m.move(ctx, job, models.JobPaused, func(j *models.Job) {
			now := m.now()
			j.PausedAt = &now
		})
	})
}

func (m *Machine) Resume(ctx context.Context, auth models.AuthContext, id string) (*models.Job, error) {
	return m.run(ctx, "resume", auth, id, func(job *models.Job) (*models.Job, error) {
		if err := requireParty(auth, job); err != nil {
			return nil, err
		}
		if job.Status != models.JobPaused {
			return nil, invalid(job, "resume", "")
		}
		return m.move(ctx, job, models.JobRunning, func(j *models.Job) {
			j.PausedAt = nil
		})
	})
}

// UpdateProgress records a heartbeat. Progress never goes backwards: a
// lower percentage is clamped to the current value, not rejected.
func (m *Machine) UpdateProgress(ctx context.Context, auth models.AuthContext, id string, percentage int, values map[string]float64) (*models.Job, error) {
	return m.run(ctx, "progress", auth, id, func(job *models.Job) (*models.Job, error) {
		if err := requireProvider(auth, job, "progress"); err != nil {
			return nil, err
		}
		if percentage < 0 || percentage > 100 {
			return nil, models.Validationf("progress must be in [0,100], got %d", percentage)
		}
		if job.Status != models.JobRunning {
			return nil, invalid(job, "update progress", "")
		}
		return m.update(ctx, job.ID, func(j *models.Job) error {
			if j.Status != models.JobRunning {
				return invalid(j, "update progress", "status changed concurrently")
			}
			if percentage > j.Progress {
				j.Progress = percentage
			}
			if len(values) > 0 && j.Metrics == nil {
				j.Metrics = make(map[string]float64, len(values))
			}
			for k, v := range values {
				j.Metrics[k] = v
			}
			return nil
		})
	})
}

// Complete releases the escrow to the provider and only then marks the job
// completed and records the outcome.
func (m *Machine) Complete(ctx context.Context, auth models.AuthContext, id string, results map[string]string) (*models.Job, error) {
	return m.run(ctx, "complete", auth, id, func(job *models.Job) (*models.Job, error) {
		if err := requireProvider(auth, job, "complete"); err != nil {
			return nil, err
		}
		if job.Status != models.JobRunning {
			return nil, invalid(job, "complete", "")
		}
		if err := checkMovable(job, "complete"); err != nil {
			return nil, err
		}
		job, err := m.begin(ctx, job, &models.Intent{
			Action:      models.ActionComplete,
			Actor:       auth.UserID,
			Results:     results,
			RequestedAt: m.now(),
		})
		if err != nil {
			return nil, err
		}
		return m.settleComplete(ctx, job, job.Settlement.Pending)
	})
}

func (m *Machine) settleComplete(ctx context.Context, job *models.Job, in *models.Intent) (*models.Job, error) {
	if _, err := m.escrow.ReleaseEscrow(ctx, job); err != nil {
		return m.settlementFailed(ctx, job.ID, in.Action, err)
	}
	from := job.Status
	done, err := m.settled(ctx, job.ID, func(j *models.Job) {
		now := m.now()
		j.Status = models.JobCompleted
		j.CompletedAt = &now
		j.Progress = 100
		j.Results = in.Results
	})
	if err != nil {
		return nil, err
	}
	m.moved(ctx, done, from)
	return m.recordOutcome(ctx, done, true), nil
}

// Fail ends a job that cannot be finished. The provider may fail its own job
// (provider fault); an admin may attribute the fault either way.
func (m *Machine) Fail(ctx context.Context, auth models.AuthContext, id, reason string, fault models.Fault) (*models.Job, error) {
	return m.run(ctx, "fail", auth, id, func(job *models.Job) (*models.Job, error) {
		switch {
		case isProviderOf(auth, job):
			fault = models.FaultProvider
		case isAdmin(auth):
			if fault == "" {
				fault = models.FaultProvider
			}
		default:
			return nil, models.Forbiddenf("user %s cannot fail job %s", auth.UserID, job.ID)
		}
		if !CanTransition(job.Status, models.JobFailed) {
			return nil, invalid(job, "fail", "")
		}
		if err := checkMovable(job, "fail"); err != nil {
			return nil, err
		}
		job, err := m.begin(ctx, job, &models.Intent{
			Action:      models.ActionFail,
			Actor:       auth.UserID,
			Reason:      reason,
			Fault:       fault,
			RequestedAt: m.now(),
		})
		if err != nil {
			return nil, err
		}
		return m.settleEnd(ctx, job, job.Settlement.Pending)
	})
}

// Cancel withdraws a job. Before acceptance nothing moves and nobody's
// reputation changes; afterwards the escrow is refunded in full and a provider
// who walks away is penalized.
func (m *Machine) Cancel(ctx context.Context, auth models.AuthContext, id, reason string, fault models.Fault) (*models.Job, error) {
	return m.run(ctx, "cancel", auth, id, func(job *models.Job) (*models.Job, error) {
		switch {
		case isClientOf(auth, job):
			fault = models.FaultClient
		case isProviderOf(auth, job):
			fault = models.FaultProvider
		case isAdmin(auth):
			if fault == "" {
				fault = models.FaultNone
			}
		default:
			return nil, models.Forbiddenf("user %s cannot cancel job %s", auth.UserID, job.ID)
		}
		if !CanTransition(job.Status, models.JobCancelled) {
			return nil, invalid(job, "cancel", "")
		}
		if job.Status == models.JobDraft || job.Status == models.JobPosted {
			return m.move(ctx, job, models.JobCancelled, func(j *models.Job) {
				now := m.now()
				j.CancelledAt = &now
				j.CancelReason = reason
			})
		}
		if err := checkMovable(job, "cancel"); err != nil {
			return nil, err
		}
		job, err := m.begin(ctx, job, &models.Intent{
			Action:      models.ActionCancel,
			Actor:       auth.UserID,
			Reason:      reason,
			Fault:       fault,
			RequestedAt: m.now(),
		})
		if err != nil {
			return nil, err
		}
		return m.settleEnd(ctx, job, job.Settlement.Pending)
	})
}

// settleEnd refunds the escrow and moves the job to failed or cancelled.
func (m *Machine) settleEnd(ctx context.Context, job *models.Job, in *models.Intent) (*models.Job, error) {
	if job.HasEscrow() {
		if _, err := m.escrow.RefundEscrow(ctx, job); err != nil {
			return m.settlementFailed(ctx, job.ID, in.Action, err)
		}
	}
	from := job.Status
	done, err := m.settled(ctx, job.ID, func(j *models.Job) {
		now := m.now()
		if in.Action == models.ActionFail {
			j.Status = models.JobFailed
			j.FailedAt = &now
			j.FailureReason = in.Reason
			j.FailureFault = in.Fault
		} else {
			j.Status = models.JobCancelled
			j.CancelledAt = &now
			j.CancelReason = in.Reason
			j.FailureFault = in.Fault
		}
	})
	if err != nil {
		return nil, err
	}
	m.moved(ctx, done, from)
	if in.Fault == models.FaultProvider {
		return m.recordOutcome(ctx, done, false), nil
	}
	return done, nil
}

// OpenDispute freezes the escrow until an admin resolves the dispute.
func (m *Machine) OpenDispute(ctx context.Context, auth models.AuthContext, id, reason string) (*models.Job, error) {
	return m.run(ctx, "dispute", auth, id, func(job *models.Job) (*models.Job, error) {
		if !isClientOf(auth, job) && !isProviderOf(auth, job) {
			return nil, models.Forbiddenf("only the parties of job %s can dispute it", job.ID)
		}
		switch job.Status {
		case models.JobAccepted, models.JobRunning, models.JobPaused:
		case models.JobCompleted:
			if job.CompletedAt == nil || m.now().After(job.CompletedAt.Add(m.cfg.DisputeWindow)) {
				return nil, invalid(job, "open dispute", "dispute window closed")
			}
		default:
			return nil, invalid(job, "open dispute", "")
		}
		if job.Disputed {
			return nil, invalid(job, "open dispute", "already disputed")
		}
		if job.Settlement.Pending != nil {
			return nil, invalid(job, "open dispute", "escrow settlement outstanding")
		}
		updated, err := m.update(ctx, job.ID, func(j *models.Job) error {
			j.Disputed = true
			j.Dispute = &models.Dispute{
				ID:       uuid.NewString(),
				RaisedBy: auth.UserID,
				Reason:   reason,
				Status:   models.DisputeOpen,
				OpenedAt: m.now(),
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		m.sink.Publish(ctx, notify.Event{
			Type:  notify.JobDisputed,
			JobID: job.ID,
			Data:  map[string]string{"dispute_id": updated.Dispute.ID, "raised_by": auth.UserID, "status": string(models.DisputeOpen)},
		})
		return updated, nil
	})
}

// ResolveDispute applies an admin decision. While the escrow is still held a
// client-favor or partial-refund outcome refunds it; once released, funds are
// never pulled back automatically and a flagged manual Transaction is recorded
// instead.
func (m *Machine) ResolveDispute(ctx context.Context, auth models.AuthContext, id string, outcome models.DisputeOutcome, providerShare int, note string) (*models.Job, error) {
	return m.run(ctx, "resolve", auth, id, func(job *models.Job) (*models.Job, error) {
		if !isAdmin(auth) {
			return nil, models.Forbiddenf("only admins resolve disputes")
		}
		if !outcome.Valid() {
			return nil, models.Validationf("unknown dispute outcome %q", outcome)
		}
		if outcome == models.OutcomePartialRefund && (providerShare <= 0 || providerShare >= 100) {
			return nil, models.Validationf("partial refund needs a provider share in (0,100), got %d", providerShare)
		}
		if !job.Disputed || job.Dispute == nil || job.Dispute.Status != models.DisputeOpen {
			return nil, invalid(job, "resolve dispute", "no open dispute")
		}
		if job.Settlement.Pending != nil {
			return nil, invalid(job, "resolve dispute", "escrow settlement outstanding")
		}
		job, err := m.begin(ctx, job, &models.Intent{
			Action:        models.ActionResolve,
			Actor:         auth.UserID,
			Reason:        note,
			Outcome:       outcome,
			ProviderShare: providerShare,
			RequestedAt:   m.now(),
		})
		if err != nil {
			return nil, err
		}
		return m.settleResolve(ctx, job, job.Settlement.Pending)
	})
}

func share(amount decimal.Decimal, percent int) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(int64(percent))).Div(decimal.NewFromInt(100)).Round(8)
}

func (m *Machine) settleResolve(ctx context.Context, job *models.Job, in *models.Intent) (*models.Job, error) {
	released := job.Status == models.JobCompleted
	reason := fmt.Sprintf("dispute %s resolved %s", job.Dispute.ID, in.Outcome)

	var err error
	switch {
	case released && in.Outcome == models.OutcomeClientFavor:
		_, err = m.escrow.FlagManualTransfer(ctx, job, models.TxRefund, job.ProviderWallet, job.ClientWallet, job.EscrowAmount, reason)
	case released && in.Outcome == models.OutcomePartialRefund:
		_, err = m.escrow.FlagManualTransfer(ctx, job, models.TxRefund, job.ProviderWallet, job.ClientWallet, share(job.EscrowAmount, 100-in.ProviderShare), reason)
	case !released && in.Outcome == models.OutcomeClientFavor:
		_, err = m.escrow.RefundEscrow(ctx, job)
	case !released && in.Outcome == models.OutcomePartialRefund:
		if _, err = m.escrow.RefundEscrow(ctx, job); err == nil {
			_, err = m.escrow.FlagManualTransfer(ctx, job, models.TxPayment, job.ClientWallet, job.ProviderWallet, share(job.EscrowAmount, in.ProviderShare), reason)
		}
	}
	if err != nil {
		return m.settlementFailed(ctx, job.ID, in.Action, err)
	}

	from := job.Status
	done, err := m.settled(ctx, job.ID, func(j *models.Job) {
		now := m.now()
		j.Disputed = false
		j.Dispute.Status = models.DisputeResolved
		j.Dispute.Outcome = in.Outcome
		j.Dispute.ProviderShare = in.ProviderShare
		j.Dispute.ResolvedBy = in.Actor
		j.Dispute.Note = in.Reason
		j.Dispute.ResolvedAt = &now
		if released {
			return
		}
		switch in.Outcome {
		case models.OutcomeClientFavor:
			j.Status = models.JobFailed
			j.FailedAt = &now
			j.FailureReason = reason
			j.FailureFault = models.FaultProvider
		case models.OutcomePartialRefund:
			j.Status = models.JobCancelled
			j.CancelledAt = &now
			j.CancelReason = reason
			j.FailureFault = models.FaultNone
		}
	})
	if err != nil {
		return nil, err
	}
	m.moved(ctx, done, from)
	m.sink.Publish(ctx, notify.Event{
		Type:  notify.JobDisputed,
		JobID: done.ID,
		Data:  map[string]string{"dispute_id": done.Dispute.ID, "status": string(models.DisputeResolved), "outcome": string(in.Outcome)},
	})

	switch in.Outcome {
	case models.OutcomeClientFavor:
		if _, err := m.rep.RecordDisputePenalty(ctx, models.SubjectProvider, done.ProviderID, done); err != nil {
			logs.GetLogger().Errorf("Failed record dispute penalty, job: %s, error: %+v", done.ID, err)
		}
		if released && done.OutcomeEventID != "" {
			if _, err := m.rep.Reverse(ctx, done.OutcomeEventID, reason); err != nil && !errors.Is(err, models.ErrAlreadyReversed) {
				logs.GetLogger().Errorf("Failed reverse completion bonus, job: %s, error: %+v", done.ID, err)
			}
		}
	case models.OutcomeProviderFavor:
		if _, err := m.rep.RecordDisputePenalty(ctx, models.SubjectClient, done.ClientID, done); err != nil {
			logs.GetLogger().Errorf("Failed record dispute penalty, job: %s, error: %+v", done.ID, err)
		}
	}
	return done, nil
}

// Rate records the client's 1-5 rating of the provider after completion.
func (m *Machine) Rate(ctx context.Context, auth models.AuthContext, id string, rating int, review string) (*models.Job, error) {
	return m.run(ctx, "rate", auth, id, func(job *models.Job) (*models.Job, error) {
		if !isClientOf(auth, job) {
			return nil, models.Forbiddenf("only the client of job %s can rate it", job.ID)
		}
		if job.Status != models.JobCompleted {
			return nil, invalid(job, "rate", "")
		}
		if job.RatingEventID != "" {
			return nil, invalid(job, "rate", "already rated")
		}
		ev, err := m.rep.RecordRating(ctx, job, rating, review)
		if err != nil {
			return nil, err
		}
		return m.update(ctx, job.ID, func(j *models.Job) error {
			j.RatingEventID = ev.ID
			return nil
		})
	})
}

// RetrySettlement is the manual reconciliation entry point: it reconciles the
// job's Transactions and replays the money movement still outstanding.
func (m *Machine) RetrySettlement(ctx context.Context, auth models.AuthContext, id string) (*models.Job, error) {
	return m.run(ctx, "retry", auth, id, func(job *models.Job) (*models.Job, error) {
		if err := requireParty(auth, job); err != nil {
			return nil, err
		}
		return m.replay(ctx, job)
	})
}

func (m *Machine) replay(ctx context.Context, job *models.Job) (*models.Job, error) {
	if report, err := m.escrow.ReconcileJob(ctx, job.ID); err != nil {
		logs.GetLogger().Warnf("reconcile of job %s incomplete: %v", job.ID, err)
	} else if report.Advanced > 0 {
		logs.GetLogger().Infof("reconciled job %s, advanced: %d, flagged: %d", job.ID, report.Advanced, report.Flagged)
	}

	in := job.Settlement.Pending
	if in == nil && job.Status == models.JobAccepted && job.Settlement.Status == models.SettlementPending {
		// claimed but the intent never made it to the store
		in = &models.Intent{Action: models.ActionAccept, Actor: job.ProviderID, RequestedAt: m.now()}
	}
	if in == nil {
		return job, nil
	}
	logs.GetLogger().Infof("replaying %s settlement of job %s, attempt %d", in.Action, job.ID, job.Settlement.Attempts+1)
	switch in.Action {
	case models.ActionAccept:
		return m.settleAccept(ctx, job, false)
	case models.ActionComplete:
		return m.settleComplete(ctx, job, in)
	case models.ActionFail, models.ActionCancel:
		return m.settleEnd(ctx, job, in)
	case models.ActionResolve:
		return m.settleResolve(ctx, job, in)
	}
	return nil, models.InvariantViolation(fmt.Sprintf("job %s has unknown pending action %q", job.ID, in.Action), nil)
}

// RetryAllFailed replays every job parked in settlement_failed and returns how
// many are settled now.
func (m *Machine) RetryAllFailed(ctx context.Context) (int, error) {
	parked, err := m.store.ListJobs(ctx, store.JobFilter{SettlementFailed: true})
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, job := range parked {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		done, err := m.retryOne(ctx, job.ID)
		if err != nil {
			logs.GetLogger().Warnf("job %s still not settled: %v", job.ID, err)
			continue
		}
		if done.Settlement.Status == models.SettlementSettled {
			settled++
		}
	}
	return settled, nil
}

func (m *Machine) retryOne(ctx context.Context, id string) (*models.Job, error) {
	unlock, err := m.locks.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.replay(ctx, job)
}

func checkMovable(job *models.Job, attempted string) error {
	if job.Disputed {
		return invalid(job, attempted, "escrow frozen by open dispute")
	}
	if job.Settlement.Pending != nil {
		return invalid(job, attempted, "escrow settlement outstanding")
	}
	return nil
}

// begin persists the intent before any money moves.
func (m *Machine) begin(ctx context.Context, job *models.Job, in *models.Intent) (*models.Job, error) {
	return m.update(ctx, job.ID, func(j *models.Job) error {
		if j.Settlement.Pending != nil {
			return invalid(j, string(in.Action), "escrow settlement outstanding")
		}
		j.Settlement.Pending = in
		j.Settlement.Status = models.SettlementPending
		return nil
	})
}

// settled clears the intent and applies mutate in the same write.
func (m *Machine) settled(ctx context.Context, id string, mutate func(j *models.Job)) (*models.Job, error) {
	wasFailed := false
	job, err := m.update(ctx, id, func(j *models.Job) error {
		now := m.now()
		wasFailed = j.Settlement.Status == models.SettlementFailed
		j.Settlement.Pending = nil
		j.Settlement.Status = models.SettlementSettled
		j.Settlement.LastError = ""
		j.Settlement.UpdatedAt = &now
		if mutate != nil {
			mutate(j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if wasFailed {
		metrics.SettlementFailedJobs.Dec()
	}
	return job, nil
}

// settlementFailed parks the job for manual reconciliation and returns cause.
func (m *Machine) settlementFailed(ctx context.Context, id string, action models.Action, cause error) (*models.Job, error) {
	wasFailed := false
	job, err := m.update(ctx, id, func(j *models.Job) error {
		now := m.now()
		wasFailed = j.Settlement.Status == models.SettlementFailed
		j.Settlement.Status = models.SettlementFailed
		j.Settlement.Attempts++
		j.Settlement.LastError = cause.Error()
		j.Settlement.UpdatedAt = &now
		return nil
	})
	if err != nil {
		logs.GetLogger().Errorf("Failed park job %s in settlement_failed, error: %+v", id, err)
		return nil, cause
	}
	if !wasFailed {
		metrics.SettlementFailedJobs.Inc()
	}
	m.sink.Publish(ctx, notify.Event{
		Type:  notify.JobSettlementFailed,
		JobID: id,
		Data: map[string]string{
			"action":   string(action),
			"kind":     string(models.KindOf(cause)),
			"attempts": fmt.Sprint(job.Settlement.Attempts),
		},
	})
	logs.GetLogger().Errorf("Failed settle %s of job %s, parked for manual reconciliation, error: %+v", action, id, cause)
	return nil, cause
}

// recordOutcome records the provider's job outcome. A reputation failure is
// left on the failed event for operators and does not fail the job operation.
func (m *Machine) recordOutcome(ctx context.Context, job *models.Job, success bool) *models.Job {
	ev, err := m.rep.RecordJobOutcome(ctx, job, success)
	if err != nil {
		logs.GetLogger().Errorf("Failed record job outcome, job: %s, error: %+v", job.ID, err)
		return job
	}
	updated, err := m.update(ctx, job.ID, func(j *models.Job) error {
		j.OutcomeEventID = ev.ID
		return nil
	})
	if err != nil {
		logs.GetLogger().Errorf("Failed stamp outcome event on job %s, error: %+v", job.ID, err)
		return job
	}
	return updated
}
