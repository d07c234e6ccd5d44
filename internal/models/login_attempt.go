package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RiskTier is the coarse risk category driving the verification flow.
type RiskTier int

const (
	RiskTierLow RiskTier = iota
	RiskTierMedium
	RiskTierHigh
)

func (t RiskTier) String() string {
	switch t {
	case RiskTierLow:
		return "low"
	case RiskTierMedium:
		return "medium"
	case RiskTierHigh:
		return "high"
	default:
		return "unknown"
	}
}

// LoginAttempt is a single append-only history record. Timestamps are
// always stored in UTC; for a given user, insertion order is the
// tie-breaker when timestamps collide.
type LoginAttempt struct {
	ID            uint64    `gorm:"primary_key;autoIncrement" json:"id"`
	UserID        uuid.UUID `gorm:"type:text;not null;index:idx_login_user_ts" json:"user_id"`
	Timestamp     time.Time `gorm:"not null;index:idx_login_user_ts" json:"timestamp"`
	IP            string    `gorm:"type:text" json:"ip"`
	UserAgent     string    `gorm:"type:text" json:"user_agent"`
	Browser       string    `gorm:"type:text" json:"browser"`
	OS            string    `gorm:"type:text" json:"os"`
	DeviceType    string    `gorm:"type:text" json:"device_type"`
	Success       bool      `gorm:"not null;index" json:"success"`
	RiskScore     float64   `json:"risk_score"`
	RiskTier      RiskTier  `json:"risk_tier"`
	ASN           int       `json:"asn"`
	Region        string    `gorm:"type:text" json:"region"`
	IFScore       float64   `json:"if_score"`
	RuleScore     float64   `json:"rule_score"`
	CombinedScore float64   `json:"combined_score"`
}

func (a *LoginAttempt) BeforeCreate(tx *gorm.DB) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	} else {
		a.Timestamp = a.Timestamp.UTC()
	}
	return nil
}

// UserBehavior is the rolling summary updated atomically on each attempt.
type UserBehavior struct {
	UserID      uuid.UUID  `gorm:"type:text;primary_key" json:"user_id"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
	SuccessCount int64     `gorm:"default:0" json:"success_count"`
	FailedCount  int64     `gorm:"default:0" json:"failed_count"`
}
