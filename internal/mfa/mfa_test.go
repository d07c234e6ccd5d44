package mfa_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"rba-core/internal/mfa"
	"rba-core/internal/models"
)

func setupMFATestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.MFASetup{}, &models.BackupCode{}))
	return db
}

func TestEnrollThenVerifySetupWithTOTPCode(t *testing.T) {
	db := setupMFATestDB(t)
	svc := mfa.New(db, "rba-core-test")
	userID := uuid.New()

	setup, err := svc.Enroll(userID, "user@example.com")
	require.NoError(t, err)
	require.Len(t, setup.BackupCodes, 10)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)

	ok, err := svc.VerifySetup(userID, code)
	require.NoError(t, err)
	require.True(t, ok)

	enabled, err := svc.HasEnabled(userID)
	require.NoError(t, err)
	require.True(t, enabled)
}

func TestVerifySetupRejectsBadCode(t *testing.T) {
	db := setupMFATestDB(t)
	svc := mfa.New(db, "rba-core-test")
	userID := uuid.New()

	_, err := svc.Enroll(userID, "user@example.com")
	require.NoError(t, err)

	ok, err := svc.VerifySetup(userID, "000000")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyLoginFallsThroughWithoutEnabledSetup(t *testing.T) {
	db := setupMFATestDB(t)
	svc := mfa.New(db, "rba-core-test")
	userID := uuid.New()

	ok, err := svc.VerifyLogin(userID, "123456")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	db := setupMFATestDB(t)
	svc := mfa.New(db, "rba-core-test")
	userID := uuid.New()

	setup, err := svc.Enroll(userID, "user@example.com")
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	_, err = svc.VerifySetup(userID, code)
	require.NoError(t, err)

	backupCode := setup.BackupCodes[0]

	ok, err := svc.VerifyLogin(userID, backupCode)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.VerifyLogin(userID, backupCode)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRegenerateBackupCodesInvalidatesOldOnes(t *testing.T) {
	db := setupMFATestDB(t)
	svc := mfa.New(db, "rba-core-test")
	userID := uuid.New()

	setup, err := svc.Enroll(userID, "user@example.com")
	require.NoError(t, err)
	oldCode := setup.BackupCodes[0]

	newCodes, err := svc.RegenerateBackupCodes(userID)
	require.NoError(t, err)
	require.Len(t, newCodes, 10)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	_, err = svc.VerifySetup(userID, code)
	require.NoError(t, err)

	ok, err := svc.VerifyLogin(userID, oldCode)
	require.NoError(t, err)
	require.False(t, ok)
}
