package models

import "time"

type ReputationEventType string

const (
	RepJobCompletion ReputationEventType = "job_completion"
	RepRating        ReputationEventType = "rating"
	RepDispute       ReputationEventType = "dispute"
	RepPenalty       ReputationEventType = "penalty"
	RepBonus         ReputationEventType = "bonus"
	RepManual        ReputationEventType = "manual"
)

type ReputationAction string

const (
	RepIncrease ReputationAction = "increase"
	RepDecrease ReputationAction = "decrease"
	RepReset    ReputationAction = "reset"
)

type ReputationEventStatus string

const (
	RepPending   ReputationEventStatus = "pending"
	RepProcessed ReputationEventStatus = "processed"
	RepFailed    ReputationEventStatus = "failed"
	RepReversed  ReputationEventStatus = "reversed"
)

type SubjectType string

const (
	SubjectProvider SubjectType = "provider"
	SubjectClient   SubjectType = "client"
)

// StatDelta is what an event did to the counters besides the score, kept so a
// reversal can undo exactly that.
type StatDelta struct {
	SuccessfulJobs int64   `json:"successful_jobs,omitempty"`
	FailedJobs     int64   `json:"failed_jobs,omitempty"`
	Rating         float64 `json:"rating,omitempty"`
	RatingWeight   float64 `json:"rating_weight,omitempty"`
	Amount         string  `json:"amount,omitempty"`
}

type ReputationEvent struct {
	ID            string                `json:"id"`
	SubjectID     string                `json:"subject_id"`
	SubjectType   SubjectType           `json:"subject_type"`
	JobID         string                `json:"job_id,omitempty"`
	EventType     ReputationEventType   `json:"event_type"`
	Action        ReputationAction      `json:"action"`
	ScoreBefore   int                   `json:"score_before"`
	ScoreAfter    int                   `json:"score_after"`
	ScoreDelta    int                   `json:"score_delta"`
	Weight        float64               `json:"weight"`
	IsReversible  bool                  `json:"is_reversible"`
	Status        ReputationEventStatus `json:"status"`
	Stats         StatDelta             `json:"stats"`
	Reason        string                `json:"reason,omitempty"`
	RelatedEvents []string              `json:"related_events"`
	FailureReason string                `json:"failure_reason,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	ProcessedAt   *time.Time            `json:"processed_at,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// ActionFor names the direction of a delta.
func ActionFor(delta int) ReputationAction {
	if delta < 0 {
		return RepDecrease
	}
	return RepIncrease
}

func (e *ReputationEvent) Clone() *ReputationEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.RelatedEvents = append([]string(nil), e.RelatedEvents...)
	return &c
}
