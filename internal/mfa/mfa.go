// Package mfa implements the supplemental TOTP authenticator-app factor
// described in SPEC_FULL.md §4.6, adapted from the teacher's own
// internal/services/mfa_service.go and internal/handlers/mfa_handlers.go.
// Enrollment is a two-step dance (Enroll generates a secret + backup codes
// unconfirmed, VerifySetup enables it) exactly as the teacher's handlers
// drive it; this package only owns the persistence and verification logic,
// leaving HTTP concerns to internal/handlers.
package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
	"gorm.io/gorm"

	"rba-core/internal/apperr"
	"rba-core/internal/models"
)

const backupCodeCount = 10

// Setup is what Enroll returns for the client to render (QR code plus
// plaintext backup codes, shown exactly once).
type Setup struct {
	Secret        string
	QRCodeDataURL string
	BackupCodes   []string
}

// StatusInfo mirrors the teacher's MFAStatusResponse.
type StatusInfo struct {
	Enabled             bool
	SetupDate           *time.Time
	BackupCodesRemaining int
}

// Service owns MFASetup/BackupCode persistence and TOTP/backup-code
// verification.
type Service struct {
	db     *gorm.DB
	issuer string
}

func New(db *gorm.DB, issuer string) *Service {
	return &Service{db: db, issuer: issuer}
}

// Enroll generates a fresh TOTP secret and backup codes for userID and
// userEmail, storing them unconfirmed (Enabled=false) until VerifySetup
// succeeds. Re-enrolling replaces any prior unconfirmed or confirmed setup.
func (s *Service) Enroll(userID uuid.UUID, userEmail string) (*Setup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: userEmail,
		SecretSize:  32,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "could not generate TOTP secret", err)
	}

	qrPNG, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "could not generate QR code", err)
	}
	qrDataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrPNG)

	backupCodes, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "could not generate backup codes", err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.MFASetup{}).Error; err != nil {
			return fmt.Errorf("delete existing mfa setup: %w", err)
		}

		setup := models.MFASetup{UserID: userID, Secret: key.Secret(), Enabled: false}
		if err := tx.Create(&setup).Error; err != nil {
			return fmt.Errorf("create mfa setup: %w", err)
		}

		for _, code := range backupCodes {
			bc := models.BackupCode{MFASetupID: setup.ID, CodeHash: hashBackupCode(code)}
			if err := tx.Create(&bc).Error; err != nil {
				return fmt.Errorf("create backup code: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "could not store mfa setup", err)
	}

	return &Setup{Secret: key.Secret(), QRCodeDataURL: qrDataURL, BackupCodes: backupCodes}, nil
}

// VerifySetup confirms enrollment: if code matches the TOTP secret or an
// unused backup code, the setup becomes Enabled.
func (s *Service) VerifySetup(userID uuid.UUID, code string) (bool, error) {
	setup, err := s.getSetup(userID)
	if err != nil {
		return false, err
	}

	ok, err := s.verifyAgainst(setup, code)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := s.db.Model(&models.MFASetup{}).Where("user_id = ?", userID).Update("enabled", true).Error; err != nil {
		return false, apperr.Wrap(apperr.KindTransient, "could not enable mfa", err)
	}
	return true, nil
}

// VerifyLogin checks code against an Enabled setup's TOTP secret or an
// unused backup code, for use at the OTP stage of AuthCoordinator.
// Returns ok=false, err=nil when the user has no enabled TOTP setup, so
// callers fall through to the mailed OTP path.
func (s *Service) VerifyLogin(userID uuid.UUID, code string) (bool, error) {
	var setup models.MFASetup
	err := s.db.Where("user_id = ? AND enabled = ?", userID, true).First(&setup).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransient, "could not load mfa setup", err)
	}
	return s.verifyAgainst(&setup, code)
}

func (s *Service) verifyAgainst(setup *models.MFASetup, code string) (bool, error) {
	if totp.Validate(code, setup.Secret) {
		return true, nil
	}
	return s.useBackupCode(setup.ID, code)
}

func (s *Service) useBackupCode(setupID uuid.UUID, code string) (bool, error) {
	hashed := hashBackupCode(code)
	var bc models.BackupCode
	err := s.db.Where("mfa_setup_id = ? AND code_hash = ? AND used = ?", setupID, hashed, false).First(&bc).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransient, "could not look up backup code", err)
	}

	now := time.Now().UTC()
	if err := s.db.Model(&bc).Updates(map[string]any{"used": true, "used_at": &now}).Error; err != nil {
		return false, apperr.Wrap(apperr.KindTransient, "could not mark backup code used", err)
	}
	return true, nil
}

// Disable removes a user's TOTP enrollment entirely.
func (s *Service) Disable(userID uuid.UUID) error {
	if err := s.db.Where("user_id = ?", userID).Delete(&models.MFASetup{}).Error; err != nil {
		return apperr.Wrap(apperr.KindTransient, "could not disable mfa", err)
	}
	return nil
}

// RegenerateBackupCodes replaces every backup code for userID's setup.
func (s *Service) RegenerateBackupCodes(userID uuid.UUID) ([]string, error) {
	setup, err := s.getSetup(userID)
	if err != nil {
		return nil, err
	}

	codes, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "could not generate backup codes", err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mfa_setup_id = ?", setup.ID).Delete(&models.BackupCode{}).Error; err != nil {
			return fmt.Errorf("delete existing backup codes: %w", err)
		}
		for _, code := range codes {
			bc := models.BackupCode{MFASetupID: setup.ID, CodeHash: hashBackupCode(code)}
			if err := tx.Create(&bc).Error; err != nil {
				return fmt.Errorf("create backup code: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "could not replace backup codes", err)
	}
	return codes, nil
}

// Status reports enrollment state for the /user/mfa/status endpoint.
func (s *Service) Status(userID uuid.UUID) (StatusInfo, error) {
	var setup models.MFASetup
	err := s.db.Where("user_id = ?", userID).First(&setup).Error
	if err == gorm.ErrRecordNotFound {
		return StatusInfo{Enabled: false}, nil
	}
	if err != nil {
		return StatusInfo{}, apperr.Wrap(apperr.KindTransient, "could not load mfa status", err)
	}

	var remaining int64
	if err := s.db.Model(&models.BackupCode{}).
		Where("mfa_setup_id = ? AND used = ?", setup.ID, false).
		Count(&remaining).Error; err != nil {
		return StatusInfo{}, apperr.Wrap(apperr.KindTransient, "could not count backup codes", err)
	}

	createdAt := setup.CreatedAt
	return StatusInfo{Enabled: setup.Enabled, SetupDate: &createdAt, BackupCodesRemaining: int(remaining)}, nil
}

// HasEnabled reports whether userID has a confirmed TOTP enrollment,
// without needing a code — AuthCoordinator uses this to decide whether the
// OTP stage should accept a TOTP/backup code alongside the mailed one.
func (s *Service) HasEnabled(userID uuid.UUID) (bool, error) {
	var count int64
	if err := s.db.Model(&models.MFASetup{}).
		Where("user_id = ? AND enabled = ?", userID, true).
		Count(&count).Error; err != nil {
		return false, apperr.Wrap(apperr.KindTransient, "could not check mfa enrollment", err)
	}
	return count > 0, nil
}

func (s *Service) getSetup(userID uuid.UUID) (*models.MFASetup, error) {
	var setup models.MFASetup
	err := s.db.Where("user_id = ?", userID).First(&setup).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperr.New(apperr.KindInvalidInput, "mfa setup not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "could not load mfa setup", err)
	}
	return &setup, nil
}

// generateBackupCodes draws count 10-character hex codes from a
// cryptographic RNG, the same shape the teacher's handler layer used.
func generateBackupCodes(count int) ([]string, error) {
	codes := make([]string, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, 5)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		codes[i] = fmt.Sprintf("%X", raw)
	}
	return codes, nil
}

func hashBackupCode(code string) string {
	hash := sha256.Sum256([]byte(code))
	return fmt.Sprintf("%x", hash)
}
