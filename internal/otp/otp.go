// Package otp implements OtpService (SPEC_FULL.md §4.5): issuing,
// encrypting, delivering, verifying, expiring, and rate-limiting one-time
// codes, backed by gorm.io/gorm over the otp_codes table.
package otp

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm"

	"rba-core/internal/apperr"
	"rba-core/internal/models"
)

// VerifyOutcome classifies the result of a Verify call.
type VerifyOutcome int

const (
	Valid VerifyOutcome = iota
	Invalid
	Expired
	Exhausted
	NotFound
)

// Status reports the state of a user/session's active code.
type Status struct {
	Exists            bool
	Used              bool
	Expired           bool
	SecondsRemaining  int
	AttemptsRemaining int
}

// Mailer is the injected email transport, specified only at this interface
// per spec.md §1.
type Mailer interface {
	SendCode(ctx context.Context, email, code string) error
}

// Config mirrors spec.md §4.5's rules.
type Config struct {
	Length           int
	ExpiryMinutes    int
	MaxAttempts      int
	RateLimitMinutes int
	EncryptionKey    string
}

// Service issues and verifies one-time codes.
type Service struct {
	db     *gorm.DB
	mailer Mailer
	cfg    Config
	aead   cipher.AEAD
}

func New(db *gorm.DB, mailer Mailer, cfg Config) (*Service, error) {
	aead, err := newAEAD(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return &Service{db: db, mailer: mailer, cfg: cfg, aead: aead}, nil
}

// newAEAD derives a 32-byte chacha20poly1305 key from key, padding short
// keys with SHA-256 the way the original Python service derived a Fernet
// key from an arbitrary-length secret.
func newAEAD(key string) (cipher.AEAD, error) {
	raw := []byte(key)
	var derived [32]byte
	if len(raw) == 32 {
		copy(derived[:], raw)
	} else {
		derived = sha256.Sum256(raw)
	}
	return chacha20poly1305.New(derived[:])
}

func (s *Service) encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("otp: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return append(nonce, sealed...), nil
}

func (s *Service) decrypt(blob []byte) (string, error) {
	n := s.aead.NonceSize()
	if len(blob) < n {
		return "", fmt.Errorf("otp: ciphertext too short")
	}
	nonce, sealed := blob[:n], blob[n:]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("otp: decrypt: %w", err)
	}
	return string(plain), nil
}

// generateCode draws a decimal code of cfg.Length digits from a
// cryptographic RNG, the same dependency (crypto/rand) the teacher's own
// session_service.go already uses for token generation.
func generateCode(length int) (string, error) {
	max := int64(1)
	for i := 0; i < length; i++ {
		max *= 10
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}

// Issue creates a new code for (userID, sessionID), superseding any prior
// active code, after checking the rolling-window rate limit.
func (s *Service) Issue(ctx context.Context, userID uuid.UUID, email, ip, sessionID string) (code string, expiresAt time.Time, err error) {
	limited, err := s.isRateLimited(ctx, userID, ip)
	if err != nil {
		return "", time.Time{}, err
	}
	if limited {
		return "", time.Time{}, apperr.New(apperr.KindRateLimited, "too many codes issued recently")
	}

	code, err = generateCode(s.cfg.Length)
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindFatal, "could not generate code", err)
	}

	encrypted, err := s.encrypt(code)
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindFatal, "could not encrypt code", err)
	}

	now := time.Now().UTC()
	expiresAt = now.Add(time.Duration(s.cfg.ExpiryMinutes) * time.Minute)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.OtpCode{}).
			Where("user_id = ? AND session_id = ? AND used = ?", userID, sessionID, false).
			Update("used", true).Error; err != nil {
			return fmt.Errorf("supersede prior codes: %w", err)
		}

		row := &models.OtpCode{
			UserID:        userID,
			SessionID:     sessionID,
			Email:         email,
			EncryptedCode: encrypted,
			CreatedAt:     now,
			ExpiresAt:     expiresAt,
			IP:            ip,
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("create otp code: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindTransient, "could not issue code", err)
	}

	if s.mailer != nil {
		mailCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.mailer.SendCode(mailCtx, email, code); err != nil {
			return "", time.Time{}, apperr.Wrap(apperr.KindTransient, "could not send code", err)
		}
	}

	return code, expiresAt, nil
}

// isRateLimited counts issued codes for userID OR ip in the rolling window.
// This intentionally shares budget across different users behind the same
// IP, preserving the original behavior per spec.md §9's open question.
func (s *Service) isRateLimited(ctx context.Context, userID uuid.UUID, ip string) (bool, error) {
	since := time.Now().UTC().Add(-time.Duration(s.cfg.RateLimitMinutes) * time.Minute)

	var count int64
	err := s.db.WithContext(ctx).Model(&models.OtpCode{}).
		Where("created_at >= ? AND (user_id = ? OR ip = ?)", since, userID, ip).
		Count(&count).Error
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransient, "could not check rate limit", err)
	}
	return count >= 3, nil
}

// Verify checks code against the active row for (userID, sessionID),
// incrementing attemptCount before comparing.
func (s *Service) Verify(ctx context.Context, userID uuid.UUID, sessionID, code string) (VerifyOutcome, int, error) {
	var row models.OtpCode
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND used = ?", userID, sessionID, false).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFound, 0, nil
	}
	if err != nil {
		return NotFound, 0, apperr.Wrap(apperr.KindTransient, "could not load otp code", err)
	}

	now := time.Now().UTC()
	if now.After(row.ExpiresAt) {
		if err := s.markUsed(ctx, row.ID); err != nil {
			return Expired, 0, err
		}
		return Expired, 0, nil
	}

	row.AttemptCount++
	decrypted, decErr := s.decrypt(row.EncryptedCode)
	correct := decErr == nil && decrypted == code

	remaining := s.cfg.MaxAttempts - row.AttemptCount
	finalize := correct || row.AttemptCount >= s.cfg.MaxAttempts

	update := map[string]any{"attempt_count": row.AttemptCount}
	if finalize {
		update["used"] = true
	}
	if err := s.db.WithContext(ctx).Model(&models.OtpCode{}).
		Where("id = ?", row.ID).Updates(update).Error; err != nil {
		return NotFound, 0, apperr.Wrap(apperr.KindTransient, "could not update otp code", err)
	}

	switch {
	case correct:
		return Valid, 0, nil
	case row.AttemptCount >= s.cfg.MaxAttempts:
		return Exhausted, 0, nil
	default:
		if remaining < 0 {
			remaining = 0
		}
		return Invalid, remaining, nil
	}
}

func (s *Service) markUsed(ctx context.Context, id uuid.UUID) error {
	if err := s.db.WithContext(ctx).Model(&models.OtpCode{}).
		Where("id = ?", id).Update("used", true).Error; err != nil {
		return apperr.Wrap(apperr.KindTransient, "could not mark code used", err)
	}
	return nil
}

// StatusFor reports the active code's state for (userID, sessionID).
func (s *Service) StatusFor(ctx context.Context, userID uuid.UUID, sessionID string) (Status, error) {
	var row models.OtpCode
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Status{Exists: false}, nil
	}
	if err != nil {
		return Status{}, apperr.Wrap(apperr.KindTransient, "could not load otp status", err)
	}

	now := time.Now().UTC()
	expired := now.After(row.ExpiresAt)
	remainingSeconds := int(row.ExpiresAt.Sub(now).Seconds())
	if remainingSeconds < 0 {
		remainingSeconds = 0
	}
	attemptsRemaining := s.cfg.MaxAttempts - row.AttemptCount
	if attemptsRemaining < 0 {
		attemptsRemaining = 0
	}

	return Status{
		Exists:            true,
		Used:              row.Used,
		Expired:           expired,
		SecondsRemaining:  remainingSeconds,
		AttemptsRemaining: attemptsRemaining,
	}, nil
}

// Invalidate marks every active code for userID as used, across all
// sessions — used on logout and idle timeout.
func (s *Service) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Model(&models.OtpCode{}).
		Where("user_id = ? AND used = ?", userID, false).
		Update("used", true).Error; err != nil {
		return apperr.Wrap(apperr.KindTransient, "could not invalidate codes", err)
	}
	return nil
}

// Sweep deletes rows whose expiry has passed. Idempotent: running it twice
// in a row with no new expirations deletes nothing the second time.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&models.OtpCode{})
	if result.Error != nil {
		return 0, apperr.Wrap(apperr.KindTransient, "could not sweep expired codes", result.Error)
	}
	return result.RowsAffected, nil
}
