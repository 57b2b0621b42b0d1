package reputation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/google/uuid"
	"github.com/lagrangedao/go-computing-broker/internal/ledger"
	"github.com/lagrangedao/go-computing-broker/internal/lock"
	"github.com/lagrangedao/go-computing-broker/internal/metrics"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/notify"
	"github.com/lagrangedao/go-computing-broker/internal/settlement"
	"github.com/lagrangedao/go-computing-broker/internal/store"
	"github.com/shopspring/decimal"
)

// Config holds the score weighting. Points are on the [0, ScoreCeiling] scale.
type Config struct {
	InitialScore   int
	ScoreCeiling   int
	SuccessBonus   int
	VolumeBonus    int // per 100 units of the job's gross amount
	VolumeBonusCap int
	FailurePenalty int
	RatingBonus    int // granted in full for a 5 star rating
	DisputePenalty int
	RatingWeight   float64
	CallTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialScore:   models.DefaultScore,
		ScoreCeiling:   models.ScoreCeiling,
		SuccessBonus:   100,
		VolumeBonus:    10,
		VolumeBonusCap: 100,
		FailurePenalty: 300,
		RatingBonus:    200,
		DisputePenalty: 250,
		RatingWeight:   models.DefaultRatingWt,
		CallTimeout:    30 * time.Second,
	}
}

type Store interface {
	store.ReputationStore
	store.ProviderStore
	store.ClientStore
}

// Ledger is the single writer of reputation aggregates. Every change is a
// ReputationEvent committed together with the aggregate it moves.
type Ledger struct {
	store  Store
	txs    *ledger.Ledger
	locks  lock.Locker
	settle settlement.Client
	sink   notify.Sink
	cfg    Config
	now    func() time.Time
}

// New builds a Ledger. settle may be nil, in which case ratings are not
// mirrored to the reputation contract.
func New(s Store, txs *ledger.Ledger, locks lock.Locker, settle settlement.Client, sink notify.Sink, cfg Config) *Ledger {
	def := DefaultConfig()
	if cfg.ScoreCeiling <= 0 || cfg.ScoreCeiling > models.ScoreCeiling {
		cfg.ScoreCeiling = models.ScoreCeiling
	}
	if cfg.InitialScore <= 0 {
		cfg.InitialScore = def.InitialScore
	}
	if cfg.RatingWeight <= 0 {
		cfg.RatingWeight = def.RatingWeight
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if locks == nil {
		locks = lock.NewKeyedMutex()
	}
	if sink == nil {
		sink = notify.Nop
	}
	return &Ledger{store: s, txs: txs, locks: locks, settle: settle, sink: sink, cfg: cfg, now: time.Now}
}

func (l *Ledger) clamp(score int) int {
	if score > l.cfg.ScoreCeiling {
		score = l.cfg.ScoreCeiling
	}
	return models.ClampScore(score)
}

// RegisterProvider stores a new provider with the initial aggregate.
func (l *Ledger) RegisterProvider(ctx context.Context, p *models.Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Availability == "" {
		p.Availability = models.ProviderAvailable
	}
	p.Stats = models.ReputationStats{Score: l.clamp(l.cfg.InitialScore), TotalAmount: decimal.Zero}
	p.CreatedAt = l.now()
	return l.store.CreateProvider(ctx, p)
}

// RegisterClient stores a new client with the initial aggregate.
func (l *Ledger) RegisterClient(ctx context.Context, c *models.Client) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.Stats = models.ReputationStats{Score: l.clamp(l.cfg.InitialScore), TotalAmount: decimal.Zero}
	c.CreatedAt = l.now()
	return l.store.CreateClient(ctx, c)
}

// change is one requested adjustment before it is applied to an aggregate.
type change struct {
	subject    models.SubjectType
	subjectID  string
	job        *models.Job
	typ        models.ReputationEventType
	delta      int
	weight     float64
	reversible bool
	stats      models.StatDelta
	reason     string
	score      target
}

// target is the score an event moves its subject to, given the score before
// the event and the aggregate with the event's stats already applied.
type target func(before int, stats *models.ReputationStats) int

func subjectLock(subject models.SubjectType, id string) string {
	return fmt.Sprintf("reputation/%s/%s", subject, id)
}

// RecordJobOutcome records a job_completion event for the job's provider. The
// provider moves to min(InitialScore + ratingBonus + successBonus +
// volumeBonus, ScoreCeiling), with both bonuses read from the aggregate after
// the outcome is counted, so the event's delta is that target minus the score
// before it.
// The client's spend is updated alongside when the client is registered.
// Recording the same outcome twice returns the first event.
func (l *Ledger) RecordJobOutcome(ctx context.Context, job *models.Job, success bool) (*models.ReputationEvent, error) {
	if job.ProviderID == "" {
		return nil, models.Validationf("job %s has no provider", job.ID)
	}
	if ev, err := l.existing(ctx, job.ProviderID, job.ID, models.RepJobCompletion); err != nil || ev != nil {
		return ev, err
	}

	c := change{
		subject:    models.SubjectProvider,
		subjectID:  job.ProviderID,
		job:        job,
		typ:        models.RepJobCompletion,
		weight:     1,
		reversible: true,
	}
	if success {
		earned, err := l.earnings(ctx, job)
		if err != nil {
			return nil, err
		}
		volume := l.volumeBonus(job.EscrowAmount)
		c.delta = l.cfg.SuccessBonus + volume
		c.stats = models.StatDelta{SuccessfulJobs: 1, Amount: earned.String()}
		c.reason = "job completed"
		c.score = l.outcomeScore(volume)
	} else {
		c.delta = -l.cfg.FailurePenalty
		c.stats = models.StatDelta{FailedJobs: 1}
		c.reason = "job failed by provider"
		c.score = l.outcomeScore(0)
	}

	ev, err := l.apply(ctx, c)
	if err != nil {
		return nil, err
	}

	if success && job.ClientID != "" {
		if _, err := l.store.GetClient(ctx, job.ClientID); err == nil {
			if _, err := l.apply(ctx, change{
				subject:    models.SubjectClient,
				subjectID:  job.ClientID,
				job:        job,
				typ:        models.RepJobCompletion,
				weight:     1,
				reversible: true,
				stats:      models.StatDelta{SuccessfulJobs: 1, Amount: job.EscrowAmount.String()},
				reason:     "job paid",
			}); err != nil {
				logs.GetLogger().Errorf("Failed record client spend, job: %s, client: %s, error: %+v", job.ID, job.ClientID, err)
			}
		} else if !models.IsKind(err, models.KindNotFound) {
			logs.GetLogger().Errorf("Failed load client %s, error: %+v", job.ClientID, err)
		}
	}
	return ev, nil
}

// RecordRating records the client's rating of the provider: the weighted mean
// is updated and the score moves by RatingBonus*(rating-3)/2.
func (l *Ledger) RecordRating(ctx context.Context, job *models.Job, rating int, review string) (*models.ReputationEvent, error) {
	if rating < models.MinRatingValue || rating > int(models.MaxRatingValue) {
		return nil, models.Validationf("rating must be in [%d,%d], got %d", models.MinRatingValue, int(models.MaxRatingValue), rating)
	}
	if job.ProviderID == "" {
		return nil, models.Validationf("job %s has no provider", job.ID)
	}
	if ev, err := l.existing(ctx, job.ProviderID, job.ID, models.RepRating); err != nil || ev != nil {
		return ev, err
	}

	ev, err := l.apply(ctx, change{
		subject:    models.SubjectProvider,
		subjectID:  job.ProviderID,
		job:        job,
		typ:        models.RepRating,
		delta:      l.cfg.RatingBonus * (rating - models.NeutralRating) / 2,
		weight:     l.cfg.RatingWeight,
		reversible: true,
		stats:      models.StatDelta{Rating: float64(rating), RatingWeight: l.cfg.RatingWeight},
		reason:     review,
	})
	if err != nil {
		return nil, err
	}
	l.submitRating(ctx, job, rating)
	return ev, nil
}

func (l *Ledger) submitRating(ctx context.Context, job *models.Job, rating int) {
	if l.settle == nil || job.ProviderWallet == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()
	started := time.Now()
	receipt, err := l.settle.SubmitRating(callCtx, job.ProviderWallet, job.ID, rating)
	if err != nil {
		metrics.ObserveSettlementCall(string(settlement.OpSubmitRating), "error", started)
		logs.GetLogger().Warnf("rating of job %s not mirrored on chain, error: %v", job.ID, err)
		return
	}
	metrics.ObserveSettlementCall(string(settlement.OpSubmitRating), "ok", started)
	logs.GetLogger().Infof("rating of job %s submitted on chain, reference: %s", job.ID, receipt.Reference)
}

// RecordDisputePenalty charges the party a dispute went against.
func (l *Ledger) RecordDisputePenalty(ctx context.Context, subject models.SubjectType, subjectID string, job *models.Job) (*models.ReputationEvent, error) {
	if subjectID == "" {
		return nil, models.Validationf("dispute penalty without subject")
	}
	if ev, err := l.existing(ctx, subjectID, job.ID, models.RepDispute); err != nil || ev != nil {
		return ev, err
	}
	return l.apply(ctx, change{
		subject:    subject,
		subjectID:  subjectID,
		job:        job,
		typ:        models.RepDispute,
		delta:      -l.cfg.DisputePenalty,
		weight:     1,
		reversible: true,
		reason:     "dispute resolved against " + string(subject),
	})
}

// Reverse undoes a processed, reversible event with a new event carrying the
// inverted delta. The new event and the original's reversed mark are written
// in the same commit as the aggregate.
func (l *Ledger) Reverse(ctx context.Context, eventID, reason string) (*models.ReputationEvent, error) {
	orig, err := l.store.GetReputationEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	unlock, err := l.locks.Lock(ctx, subjectLock(orig.SubjectType, orig.SubjectID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// re-read under the subject lock
	if orig, err = l.store.GetReputationEvent(ctx, eventID); err != nil {
		return nil, err
	}
	if orig.Status == models.RepReversed {
		return nil, models.ErrAlreadyReversed
	}
	if orig.Status != models.RepProcessed || !orig.IsReversible {
		return nil, models.ErrNotReversible
	}

	rev := l.newEvent(change{
		subject:   orig.SubjectType,
		subjectID: orig.SubjectID,
		typ:       orig.EventType,
		delta:     -orig.ScoreDelta,
		weight:    orig.Weight,
		stats:     invert(orig.Stats),
		reason:    reason,
	}, orig.JobID)
	rev.RelatedEvents = []string{orig.ID}

	marked := orig.Clone()
	marked.Status = models.RepReversed
	marked.RelatedEvents = append(marked.RelatedEvents, rev.ID)

	if err := l.store.PutReputationEvent(ctx, rev); err != nil {
		return nil, err
	}
	if err := l.commit(ctx, rev, nil, marked); err != nil {
		return nil, err
	}
	logs.GetLogger().Infof("reputation event %s reversed by %s, subject: %s, delta: %d", orig.ID, rev.ID, rev.SubjectID, rev.ScoreDelta)
	return rev, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.ReputationEvent, error) {
	return l.store.GetReputationEvent(ctx, id)
}

// Events lists a subject's reputation history, oldest first.
func (l *Ledger) Events(ctx context.Context, subjectID string) ([]*models.ReputationEvent, error) {
	return l.store.ListReputationEvents(ctx, subjectID)
}

// OnChain reads the provider's reputation from the reputation contract.
func (l *Ledger) OnChain(ctx context.Context, wallet string) (*settlement.ReputationSummary, error) {
	if l.settle == nil {
		return nil, models.SettlementUnavailable("no settlement client configured", nil)
	}
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()
	summary, err := l.settle.GetReputation(callCtx, wallet)
	if err != nil {
		if settlement.Unknown(err) {
			return nil, models.SettlementUnknown("get reputation of "+wallet, err)
		}
		return nil, models.SettlementUnavailable("get reputation of "+wallet, err)
	}
	return summary, nil
}

// existing finds a non-failed event of typ already recorded for the job.
func (l *Ledger) existing(ctx context.Context, subjectID, jobID string, typ models.ReputationEventType) (*models.ReputationEvent, error) {
	events, err := l.store.ListReputationEvents(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.JobID != jobID || ev.EventType != typ || ev.Status == models.RepFailed {
			continue
		}
		// compensating events point back at what they undo
		if !ev.IsReversible && len(ev.RelatedEvents) > 0 {
			continue
		}
		return ev, nil
	}
	return nil, nil
}

func (l *Ledger) outcomeScore(volume int) target {
	return func(_ int, stats *models.ReputationStats) int {
		return l.cfg.InitialScore + l.ratingBonus(stats) + l.successBonus(stats) + volume
	}
}

// ratingBonus scales RatingBonus by the average rating: the full bonus at 5
// stars, nothing at 3, and nothing while the subject is unrated.
func (l *Ledger) ratingBonus(stats *models.ReputationStats) int {
	if stats.RatingWeight <= 0 {
		return 0
	}
	return int(math.Round(float64(l.cfg.RatingBonus) * (stats.AverageRating - models.NeutralRating) / 2))
}

// successBonus runs from -FailurePenalty at a 0% success rate to SuccessBonus
// at 100%.
func (l *Ledger) successBonus(stats *models.ReputationStats) int {
	if stats.SuccessfulJobs+stats.FailedJobs == 0 {
		return 0
	}
	rate := stats.SuccessRate / models.MaxSuccessRate
	return int(math.Round(float64(l.cfg.SuccessBonus)*rate - float64(l.cfg.FailurePenalty)*(1-rate)))
}

func (l *Ledger) volumeBonus(gross decimal.Decimal) int {
	if l.cfg.VolumeBonus <= 0 || !gross.IsPositive() {
		return 0
	}
	bonus := int(gross.Div(decimal.NewFromInt(100)).IntPart()) * l.cfg.VolumeBonus
	if l.cfg.VolumeBonusCap > 0 && bonus > l.cfg.VolumeBonusCap {
		bonus = l.cfg.VolumeBonusCap
	}
	return bonus
}

// earnings is the net amount of the job's completed release, or zero.
func (l *Ledger) earnings(ctx context.Context, job *models.Job) (decimal.Decimal, error) {
	if l.txs == nil {
		return decimal.Zero, nil
	}
	release, err := l.txs.Latest(ctx, job.ID, models.TxRelease)
	if err != nil {
		return decimal.Zero, err
	}
	if release == nil || release.Status != models.TxCompleted {
		return decimal.Zero, nil
	}
	return release.NetAmount, nil
}

func (l *Ledger) newEvent(c change, jobID string) *models.ReputationEvent {
	now := l.now()
	return &models.ReputationEvent{
		ID:            uuid.NewString(),
		SubjectID:     c.subjectID,
		SubjectType:   c.subject,
		JobID:         jobID,
		EventType:     c.typ,
		Action:        models.ActionFor(c.delta),
		ScoreDelta:    c.delta,
		Weight:        c.weight,
		IsReversible:  c.reversible,
		Status:        models.RepPending,
		Stats:         c.stats,
		Reason:        c.reason,
		RelatedEvents: []string{},
		CreatedAt:     now,
	}
}

// apply writes the event as pending, then commits it together with the
// aggregate. A failed commit leaves the event failed; it is not retried.
func (l *Ledger) apply(ctx context.Context, c change) (*models.ReputationEvent, error) {
	jobID := ""
	if c.job != nil {
		jobID = c.job.ID
	}
	unlock, err := l.locks.Lock(ctx, subjectLock(c.subject, c.subjectID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev := l.newEvent(c, jobID)
	if err := l.store.PutReputationEvent(ctx, ev); err != nil {
		return nil, err
	}
	if err := l.commit(ctx, ev, c.score); err != nil {
		return nil, err
	}
	return ev, nil
}

// commit applies ev to its subject's aggregate and writes ev plus extra in
// the same atomic store write. A nil score moves the subject by ev.ScoreDelta.
func (l *Ledger) commit(ctx context.Context, ev *models.ReputationEvent, score target, extra ...*models.ReputationEvent) error {
	requested := ev.ScoreDelta
	if score == nil {
		score = func(before int, _ *models.ReputationStats) int { return before + requested }
	}
	events := append([]*models.ReputationEvent{ev}, extra...)
	err := l.store.CommitReputation(ctx, ev.SubjectType, ev.SubjectID, func(stats *models.ReputationStats) error {
		before := stats.Score
		if err := applyStats(stats, ev.Stats); err != nil {
			return err
		}
		to := score(before, stats)
		requested = to - before
		ev.ScoreBefore = before
		ev.ScoreAfter = l.clamp(to)
		ev.ScoreDelta = ev.ScoreAfter - ev.ScoreBefore
		ev.Action = models.ActionFor(requested)
		stats.Score = ev.ScoreAfter
		now := l.now()
		ev.Status = models.RepProcessed
		ev.ProcessedAt = &now
		return nil
	}, events...)
	if err != nil {
		ev.Status = models.RepFailed
		ev.FailureReason = err.Error()
		ev.ScoreBefore, ev.ScoreAfter, ev.ScoreDelta = 0, 0, requested
		ev.ProcessedAt = nil
		metrics.ReputationEventsTotal.WithLabelValues(string(ev.EventType), string(ev.Status)).Inc()
		logs.GetLogger().Errorf("Failed apply reputation event %s to %s %s, error: %+v", ev.ID, ev.SubjectType, ev.SubjectID, err)
		if perr := l.store.PutReputationEvent(ctx, ev); perr != nil {
			logs.GetLogger().Errorf("Failed mark reputation event %s failed, error: %+v", ev.ID, perr)
		}
		return err
	}

	metrics.ReputationEventsTotal.WithLabelValues(string(ev.EventType), string(ev.Status)).Inc()
	l.audit(ctx, ev)
	l.sink.Publish(ctx, notify.Event{
		Type:      notify.ReputationUpdated,
		JobID:     ev.JobID,
		SubjectID: ev.SubjectID,
		Data: map[string]string{
			"event_id":     ev.ID,
			"event_type":   string(ev.EventType),
			"subject_type": string(ev.SubjectType),
			"score_before": fmt.Sprint(ev.ScoreBefore),
			"score_after":  fmt.Sprint(ev.ScoreAfter),
			"score_delta":  fmt.Sprint(ev.ScoreDelta),
		},
	})
	return nil
}

// audit notes the event on the job's closing transaction.
func (l *Ledger) audit(ctx context.Context, ev *models.ReputationEvent) {
	if l.txs == nil || ev.JobID == "" {
		return
	}
	var target *models.Transaction
	for _, typ := range []models.TransactionType{models.TxRelease, models.TxRefund} {
		tx, err := l.txs.Latest(ctx, ev.JobID, typ)
		if err != nil {
			logs.GetLogger().Errorf("Failed load %s of job %s for audit, error: %+v", typ, ev.JobID, err)
			return
		}
		if tx != nil && tx.Status == models.TxCompleted {
			target = tx
			break
		}
	}
	if target == nil {
		return
	}
	if _, err := l.txs.AppendEvent(ctx, target.ID, ledger.EventReputation, map[string]string{
		"reputation_event_id": ev.ID,
		"subject_id":          ev.SubjectID,
		"score_delta":         fmt.Sprint(ev.ScoreDelta),
	}); err != nil {
		logs.GetLogger().Errorf("Failed append reputation audit to transaction %s, error: %+v", target.ID, err)
	}
}

func applyStats(stats *models.ReputationStats, d models.StatDelta) error {
	stats.SuccessfulJobs += d.SuccessfulJobs
	stats.FailedJobs += d.FailedJobs
	if stats.SuccessfulJobs < 0 {
		stats.SuccessfulJobs = 0
	}
	if stats.FailedJobs < 0 {
		stats.FailedJobs = 0
	}
	stats.RecomputeSuccessRate()

	if d.Amount != "" {
		amount, err := decimal.NewFromString(d.Amount)
		if err != nil {
			return models.InvariantViolation("bad amount in reputation event", err)
		}
		stats.TotalAmount = stats.TotalAmount.Add(amount)
		if stats.TotalAmount.IsNegative() {
			stats.TotalAmount = decimal.Zero
		}
	}

	if d.RatingWeight != 0 {
		weight := stats.RatingWeight + d.RatingWeight
		if weight <= 0 {
			stats.AverageRating, stats.RatingWeight = 0, 0
		} else {
			stats.AverageRating = (stats.AverageRating*stats.RatingWeight + d.Rating*d.RatingWeight) / weight
			stats.RatingWeight = weight
		}
		if d.RatingWeight > 0 {
			stats.TotalRatings++
		} else if stats.TotalRatings > 0 {
			stats.TotalRatings--
		}
	}
	stats.Clamp()
	return nil
}

func invert(d models.StatDelta) models.StatDelta {
	out := models.StatDelta{
		SuccessfulJobs: -d.SuccessfulJobs,
		FailedJobs:     -d.FailedJobs,
		Rating:         d.Rating,
		RatingWeight:   -d.RatingWeight,
	}
	if d.Amount != "" {
		if amount, err := decimal.NewFromString(d.Amount); err == nil {
			out.Amount = amount.Neg().String()
		}
	}
	return out
}
