package otp_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"rba-core/internal/apperr"
	"rba-core/internal/models"
	"rba-core/internal/otp"
)

type fakeMailer struct {
	sent []string
}

func (f *fakeMailer) SendCode(ctx context.Context, email, code string) error {
	f.sent = append(f.sent, code)
	return nil
}

func setupOtpTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.OtpCode{}))
	return db
}

func newTestService(t *testing.T, db *gorm.DB, mailer otp.Mailer) *otp.Service {
	svc, err := otp.New(db, mailer, otp.Config{
		Length:           6,
		ExpiryMinutes:    5,
		MaxAttempts:      3,
		RateLimitMinutes: 10,
		EncryptionKey:    "a-test-encryption-key-of-any-length",
	})
	require.NoError(t, err)
	return svc
}

func TestIssueThenVerifyValid(t *testing.T) {
	db := setupOtpTestDB(t)
	mailer := &fakeMailer{}
	svc := newTestService(t, db, mailer)
	userID := uuid.New()

	code, expiresAt, err := svc.Issue(context.Background(), userID, "user@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)
	require.True(t, expiresAt.After(time.Now().UTC()))

	outcome, _, err := svc.Verify(context.Background(), userID, "sess-1", code)
	require.NoError(t, err)
	require.Equal(t, otp.Valid, outcome)
}

func TestVerifyAfterValidReturnsNotFound(t *testing.T) {
	db := setupOtpTestDB(t)
	svc := newTestService(t, db, &fakeMailer{})
	userID := uuid.New()

	code, _, err := svc.Issue(context.Background(), userID, "user@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)

	outcome, _, err := svc.Verify(context.Background(), userID, "sess-1", code)
	require.NoError(t, err)
	require.Equal(t, otp.Valid, outcome)

	outcome, _, err = svc.Verify(context.Background(), userID, "sess-1", code)
	require.NoError(t, err)
	require.Equal(t, otp.NotFound, outcome)
}

func TestVerifyExhaustsAfterMaxAttempts(t *testing.T) {
	db := setupOtpTestDB(t)
	svc := newTestService(t, db, &fakeMailer{})
	userID := uuid.New()

	_, _, err := svc.Issue(context.Background(), userID, "user@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)

	var lastOutcome otp.VerifyOutcome
	for i := 0; i < 3; i++ {
		lastOutcome, _, err = svc.Verify(context.Background(), userID, "sess-1", "000000")
		require.NoError(t, err)
	}
	require.Equal(t, otp.Exhausted, lastOutcome)

	outcome, _, err := svc.Verify(context.Background(), userID, "sess-1", "000000")
	require.NoError(t, err)
	require.Equal(t, otp.NotFound, outcome)
}

func TestIssueSupersedesPriorActiveCode(t *testing.T) {
	db := setupOtpTestDB(t)
	svc := newTestService(t, db, &fakeMailer{})
	userID := uuid.New()

	first, _, err := svc.Issue(context.Background(), userID, "user@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)

	_, _, err = svc.Issue(context.Background(), userID, "user@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)

	outcome, _, err := svc.Verify(context.Background(), userID, "sess-1", first)
	require.NoError(t, err)
	require.Equal(t, otp.NotFound, outcome)
}

func TestIssueRateLimited(t *testing.T) {
	db := setupOtpTestDB(t)
	svc := newTestService(t, db, &fakeMailer{})
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		sessionID := uuid.New().String()
		_, _, err := svc.Issue(context.Background(), userID, "user@example.com", "1.2.3.4", sessionID)
		require.NoError(t, err)
	}

	_, _, err := svc.Issue(context.Background(), userID, "user@example.com", "1.2.3.4", uuid.New().String())
	require.Error(t, err)
	require.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
}

func TestSweepIsIdempotent(t *testing.T) {
	db := setupOtpTestDB(t)
	svc := newTestService(t, db, &fakeMailer{})

	expired := &models.OtpCode{
		UserID:        uuid.New(),
		SessionID:     "sess-expired",
		Email:         "user@example.com",
		EncryptedCode: []byte("ignored"),
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
		ExpiresAt:     time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, db.Create(expired).Error)

	n, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = svc.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}
