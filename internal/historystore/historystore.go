// Package historystore is the append-only log of login attempts described
// in SPEC_FULL.md §4.1. It owns every models.LoginAttempt row and the
// per-user models.UserBehavior summary, updating both atomically in the
// same transaction as the concurrency model in §5 requires.
package historystore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rba-core/internal/models"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Append durably writes attempt and updates the user's behavior summary in
// a single transaction: either both commit, or neither does.
func (s *Store) Append(ctx context.Context, attempt *models.LoginAttempt) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(attempt).Error; err != nil {
			return fmt.Errorf("append login attempt: %w", err)
		}

		var behavior models.UserBehavior
		err := tx.Where("user_id = ?", attempt.UserID).First(&behavior).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			behavior = models.UserBehavior{UserID: attempt.UserID}
		case err != nil:
			return fmt.Errorf("load user behavior: %w", err)
		}

		if attempt.Success {
			behavior.SuccessCount++
			ts := attempt.Timestamp
			behavior.LastLogin = &ts
		} else {
			behavior.FailedCount++
		}

		if err := tx.Save(&behavior).Error; err != nil {
			return fmt.Errorf("save user behavior: %w", err)
		}
		return nil
	})
}

const defaultLimit = 50

// RecentSuccessful returns successful attempts strictly before upTo, newest
// first, capped at limit (0 means the default of 50).
func (s *Store) RecentSuccessful(ctx context.Context, userID uuid.UUID, upTo time.Time, limit int) ([]models.LoginAttempt, error) {
	return s.recent(ctx, userID, upTo, limit, true)
}

// RecentAll is RecentSuccessful but includes failed attempts.
func (s *Store) RecentAll(ctx context.Context, userID uuid.UUID, upTo time.Time, limit int) ([]models.LoginAttempt, error) {
	return s.recent(ctx, userID, upTo, limit, false)
}

func (s *Store) recent(ctx context.Context, userID uuid.UUID, upTo time.Time, limit int, successOnly bool) ([]models.LoginAttempt, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	q := s.db.WithContext(ctx).
		Where("user_id = ? AND timestamp < ?", userID, upTo.UTC())
	if successOnly {
		q = q.Where("success = ?", true)
	}

	var attempts []models.LoginAttempt
	if err := q.Order("timestamp DESC, id DESC").Limit(limit).Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("query login history: %w", err)
	}
	return attempts, nil
}

// CountSuccessfulByDay counts successful attempts from UTC midnight `days`
// days before upTo's day up to (not including) upTo, bucketed by UTC
// calendar day. Keys are "2006-01-02".
func (s *Store) CountSuccessfulByDay(ctx context.Context, userID uuid.UUID, days int, upTo time.Time) (map[string]int, error) {
	upTo = upTo.UTC()
	windowStart := upTo.AddDate(0, 0, -days).Truncate(24 * time.Hour)

	var attempts []models.LoginAttempt
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND success = ? AND timestamp >= ? AND timestamp < ?", userID, true, windowStart, upTo).
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("count successful by day: %w", err)
	}

	counts := make(map[string]int)
	for _, a := range attempts {
		day := a.Timestamp.UTC().Format("2006-01-02")
		counts[day]++
	}
	return counts, nil
}

// GetBehavior returns the behavior summary for userID, or a zero-valued one
// if the user has no recorded attempts yet.
func (s *Store) GetBehavior(ctx context.Context, userID uuid.UUID) (*models.UserBehavior, error) {
	var behavior models.UserBehavior
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&behavior).Error
	if err == gorm.ErrRecordNotFound {
		return &models.UserBehavior{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user behavior: %w", err)
	}
	return &behavior, nil
}
