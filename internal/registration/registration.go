// Package registration implements account creation, the one piece of
// spec.md §6's /register route the core owns: hashing the password (a
// standard adaptive hash is assumed per §1) and storing the normalized KBA
// answer per §9's canonical rule.
package registration

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"rba-core/internal/apperr"
	"rba-core/internal/auth"
	"rba-core/internal/models"
)

// Service creates User rows. The core never mutates a User afterward.
type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Register creates a new account, rejecting duplicate usernames/emails.
func (s *Service) Register(username, password, email, kbaQuestion, kbaAnswer string) (*models.User, error) {
	if username == "" || password == "" || email == "" || kbaQuestion == "" || kbaAnswer == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "all fields are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "could not hash password", err)
	}

	user := &models.User{
		Username:      username,
		PasswordHash:  string(hash),
		Email:         email,
		KBAQuestion:   kbaQuestion,
		KBAAnswerNorm: auth.NormalizeKBAAnswer(kbaAnswer),
	}

	if err := s.db.Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.New(apperr.KindInvalidInput, "username or email already in use")
		}
		return nil, apperr.Wrap(apperr.KindTransient, fmt.Sprintf("could not create user %q", username), err)
	}

	return user, nil
}
