package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a registered account. The core never mutates a User record after
// registration; password hashing is assumed to happen at the boundary
// (a standard adaptive hash, e.g. bcrypt) before the row is created; see
// internal/registration.Service.Register.
type User struct {
	ID             uuid.UUID `gorm:"type:text;primary_key" json:"id"`
	Username       string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash   string    `gorm:"type:text;not null" json:"-"`
	Email          string    `gorm:"uniqueIndex;not null" json:"email"`
	KBAQuestion    string    `gorm:"type:text;not null" json:"kba_question"`
	KBAAnswerNorm  string    `gorm:"type:text;not null" json:"-"` // lower(trim(answer))
	CreatedAt      time.Time `json:"created_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
