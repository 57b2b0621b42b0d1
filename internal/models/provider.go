package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type AvailabilityStatus string

const (
	ProviderAvailable AvailabilityStatus = "available"
	ProviderBusy      AvailabilityStatus = "busy"
	ProviderOffline   AvailabilityStatus = "offline"
)

const (
	ScoreFloor      = 0
	ScoreCeiling    = 10000
	MaxSuccessRate  = 100.0
	MaxRatingValue  = 5.0
	MinRatingValue  = 1
	NeutralRating   = 3
	DefaultScore    = 5000
	DefaultRatingWt = 1.0
)

// ReputationStats is the aggregate a ReputationEvent is applied to. Only the
// reputation ledger writes it.
type ReputationStats struct {
	Score          int             `json:"score"`
	SuccessfulJobs int64           `json:"successful_jobs"`
	FailedJobs     int64           `json:"failed_jobs"`
	SuccessRate    float64         `json:"success_rate"`
	TotalRatings   int64           `json:"total_ratings"`
	RatingWeight   float64         `json:"rating_weight"`
	AverageRating  float64         `json:"average_rating"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
}

// Clamp forces every field into its documented range.
func (s *ReputationStats) Clamp() {
	s.Score = ClampScore(s.Score)
	if s.SuccessfulJobs < 0 {
		s.SuccessfulJobs = 0
	}
	if s.FailedJobs < 0 {
		s.FailedJobs = 0
	}
	if s.TotalRatings < 0 {
		s.TotalRatings = 0
	}
	if s.RatingWeight < 0 {
		s.RatingWeight = 0
	}
	s.SuccessRate = clampFloat(s.SuccessRate, 0, MaxSuccessRate)
	s.AverageRating = clampFloat(s.AverageRating, 0, MaxRatingValue)
}

// RecomputeSuccessRate derives SuccessRate from the job counters.
func (s *ReputationStats) RecomputeSuccessRate() {
	total := s.SuccessfulJobs + s.FailedJobs
	if total <= 0 {
		s.SuccessRate = 0
		return
	}
	s.SuccessRate = clampFloat(float64(s.SuccessfulJobs)*100/float64(total), 0, MaxSuccessRate)
}

func ClampScore(score int) int {
	if score < ScoreFloor {
		return ScoreFloor
	}
	if score > ScoreCeiling {
		return ScoreCeiling
	}
	return score
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type Provider struct {
	ID            string             `json:"id"`
	WalletAddress string             `json:"wallet_address"`
	Name          string             `json:"name"`
	Availability  AvailabilityStatus `json:"availability_status"`
	Stats         ReputationStats    `json:"stats"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// ReliabilityScore is the provider's bounded [0,10000] score.
func (p *Provider) ReliabilityScore() int {
	return p.Stats.Score
}

func (p *Provider) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return Validationf("provider id must be not empty")
	}
	if strings.TrimSpace(p.WalletAddress) == "" {
		return Validationf("provider wallet address must be not empty")
	}
	return nil
}

// Client is the paying party. Stats.TotalAmount tracks spend.
type Client struct {
	ID            string          `json:"id"`
	WalletAddress string          `json:"wallet_address"`
	Stats         ReputationStats `json:"stats"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (c *Client) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return Validationf("client id must be not empty")
	}
	if strings.TrimSpace(c.WalletAddress) == "" {
		return Validationf("client wallet address must be not empty")
	}
	return nil
}

type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// AuthContext is supplied, already authenticated, by the gateway in front of the broker.
type AuthContext struct {
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet_address"`
	Role          Role   `json:"role"`
}

func (a AuthContext) Validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return Validationf("auth context without user id")
	}
	switch a.Role {
	case RoleClient, RoleProvider, RoleAdmin:
		return nil
	}
	return Validationf("unknown role %q", a.Role)
}
