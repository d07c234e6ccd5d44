package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OtpCode is one issued one-time code. At most one row per (UserID,
// SessionID) may have Used=false and ExpiresAt in the future; issuing a new
// code for the same (UserID, SessionID) marks every prior active row used.
type OtpCode struct {
	ID            uuid.UUID `gorm:"type:text;primary_key" json:"id"`
	UserID        uuid.UUID `gorm:"type:text;not null;index:idx_otp_user_session" json:"user_id"`
	SessionID     string    `gorm:"type:text;not null;index:idx_otp_user_session" json:"session_id"`
	Email         string    `gorm:"type:text;not null" json:"email"`
	EncryptedCode []byte    `gorm:"type:blob;not null" json:"-"`
	CreatedAt     time.Time `gorm:"not null;index" json:"created_at"`
	ExpiresAt     time.Time `gorm:"not null;index" json:"expires_at"`
	Used          bool      `gorm:"default:false;index" json:"used"`
	AttemptCount  int       `gorm:"default:0" json:"attempt_count"`
	IP            string    `gorm:"type:text" json:"ip"`
}

func (o *OtpCode) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// MFASetup is an optional TOTP authenticator-app enrollment supplementing
// the mailed OTP (see SPEC_FULL.md §4.6). Adapted from the teacher's own
// MFA service.
type MFASetup struct {
	ID        uuid.UUID `gorm:"type:text;primary_key" json:"id"`
	UserID    uuid.UUID `gorm:"type:text;not null;uniqueIndex" json:"user_id"`
	Secret    string    `gorm:"type:text;not null" json:"-"`
	Enabled   bool      `gorm:"default:false" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	BackupCodes []BackupCode `gorm:"foreignKey:MFASetupID" json:"-"`
}

func (m *MFASetup) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// BackupCode is a single-use recovery code for the TOTP factor, stored as a
// SHA-256 hash.
type BackupCode struct {
	ID         uuid.UUID  `gorm:"type:text;primary_key" json:"id"`
	MFASetupID uuid.UUID  `gorm:"type:text;not null;index" json:"mfa_setup_id"`
	CodeHash   string     `gorm:"type:text;not null;uniqueIndex" json:"-"`
	Used       bool       `gorm:"default:false" json:"used"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (b *BackupCode) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
