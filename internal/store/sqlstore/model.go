package sqlstore

import (
	"encoding/json"
	"time"
)

// Rows keep the queried fields in columns and the full record in Doc.

type jobRow struct {
	ID               string          `gorm:"primaryKey;type:text"`
	ClientID         string          `gorm:"index;type:text;not null"`
	ProviderID       string          `gorm:"index;type:text;not null;default:''"`
	Status           string          `gorm:"index;type:text;not null"`
	SettlementStatus string          `gorm:"index;type:text;not null;default:''"`
	Doc              json.RawMessage `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	CreatedAt        time.Time       `gorm:"not null"`
	UpdatedAt        time.Time       `gorm:"not null"`
}

func (jobRow) TableName() string { return "broker_jobs" }

type providerRow struct {
	ID        string          `gorm:"primaryKey;type:text"`
	Wallet    string          `gorm:"index;type:text;not null"`
	Doc       json.RawMessage `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (providerRow) TableName() string { return "broker_providers" }

type clientRow struct {
	ID        string          `gorm:"primaryKey;type:text"`
	Wallet    string          `gorm:"index;type:text;not null"`
	Doc       json.RawMessage `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (clientRow) TableName() string { return "broker_clients" }

type transactionRow struct {
	ID        string          `gorm:"primaryKey;type:text"`
	JobID     string          `gorm:"index;type:text;not null"`
	Type      string          `gorm:"index;type:text;not null"`
	Status    string          `gorm:"index;type:text;not null"`
	Flagged   bool            `gorm:"not null;default:false"`
	Doc       json.RawMessage `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	CreatedAt time.Time       `gorm:"index;not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (transactionRow) TableName() string { return "broker_transactions" }

type reputationEventRow struct {
	ID        string          `gorm:"primaryKey;type:text"`
	SubjectID string          `gorm:"index:idx_rep_subject_created,priority:1;type:text;not null"`
	JobID     string          `gorm:"index;type:text;not null;default:''"`
	Status    string          `gorm:"type:text;not null"`
	Doc       json.RawMessage `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	CreatedAt time.Time       `gorm:"index:idx_rep_subject_created,priority:2;not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (reputationEventRow) TableName() string { return "broker_reputation_events" }
