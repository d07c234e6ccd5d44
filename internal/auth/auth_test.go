package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"rba-core/internal/auth"
	"rba-core/internal/features"
	"rba-core/internal/geo"
	"rba-core/internal/historystore"
	"rba-core/internal/isolation"
	"rba-core/internal/mfa"
	"rba-core/internal/models"
	"rba-core/internal/otp"
	"rba-core/internal/risk"
)

type capturingMailer struct {
	sent []string
}

func (m *capturingMailer) SendCode(ctx context.Context, email, code string) error {
	m.sent = append(m.sent, code)
	return nil
}

func setupAuthTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.LoginAttempt{}, &models.UserBehavior{},
		&models.OtpCode{}, &models.MFASetup{}, &models.BackupCode{},
	))
	return db
}

func createTestUser(t *testing.T, db *gorm.DB, username, password string) *models.User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	require.NoError(t, err)
	user := &models.User{
		Username:      username,
		PasswordHash:  string(hash),
		Email:         username + "@example.com",
		KBAQuestion:   "first pet's name?",
		KBAAnswerNorm: auth.NormalizeKBAAnswer("Rex"),
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func newTestCoordinator(t *testing.T, db *gorm.DB, mailer otp.Mailer, thresholdLower, thresholdUpper float64) (*auth.Coordinator, *otp.Service) {
	historyStore := historystore.New(db)
	resolver := geo.NewLocalResolver()
	engine := features.New()
	combiner := risk.New(risk.Config{
		UseWeightedRule: false,
		ThresholdLower:  thresholdLower,
		ThresholdUpper:  thresholdUpper,
	})
	otpSvc, err := otp.New(db, mailer, otp.Config{
		Length: 6, ExpiryMinutes: 5, MaxAttempts: 3, RateLimitMinutes: 10,
		EncryptionKey: "test-key-of-any-length",
	})
	require.NoError(t, err)
	mfaSvc := mfa.New(db, "rba-core-test")

	coordinator := auth.New(db, historyStore, resolver, engine, isolation.Unavailable(), combiner, otpSvc, mfaSvc, auth.Config{
		JWTSecret:         "test-secret",
		SessionTTLMinutes: 30,
	})
	return coordinator, otpSvc
}

func TestLoginLowRiskVerifiesImmediately(t *testing.T) {
	db := setupAuthTestDB(t)
	createTestUser(t, db, "alice", "correct-horse")
	coordinator, _ := newTestCoordinator(t, db, &capturingMailer{}, 2, 3) // unreachable thresholds force Low

	result, err := coordinator.Login(context.Background(), "alice", "correct-horse", "127.0.0.1", "Mozilla/5.0 (Windows NT 10.0)")
	require.NoError(t, err)
	require.Equal(t, auth.Verified, result.Session.State)
	require.Equal(t, auth.VerificationNone, result.Session.VerificationType)
	require.NotEmpty(t, result.Token)

	sid, err := coordinator.ParseToken(result.Token)
	require.NoError(t, err)
	require.Equal(t, result.Session.SessionID, sid)
}

func TestLoginMediumRiskAwaitsOtp(t *testing.T) {
	db := setupAuthTestDB(t)
	createTestUser(t, db, "bob", "correct-horse")
	mailer := &capturingMailer{}
	coordinator, _ := newTestCoordinator(t, db, mailer, 0, 1) // any nonzero score -> Medium

	result, err := coordinator.Login(context.Background(), "bob", "correct-horse", "127.0.0.1", "Mozilla/5.0 (Windows NT 10.0)")
	require.NoError(t, err)
	require.Equal(t, auth.AwaitOtp, result.Session.State)
	require.Equal(t, auth.VerificationOtp, result.Session.VerificationType)
	require.Len(t, mailer.sent, 1)
}

func TestLoginHighRiskRequiresOtpThenKba(t *testing.T) {
	db := setupAuthTestDB(t)
	createTestUser(t, db, "carol", "correct-horse")
	mailer := &capturingMailer{}
	coordinator, _ := newTestCoordinator(t, db, mailer, -1, -0.5) // forces High unconditionally

	result, err := coordinator.Login(context.Background(), "carol", "correct-horse", "127.0.0.1", "Mozilla/5.0 (Windows NT 10.0)")
	require.NoError(t, err)
	require.Equal(t, auth.AwaitOtpThenKba, result.Session.State)
	require.Equal(t, auth.VerificationOtpKba, result.Session.VerificationType)
	require.Len(t, mailer.sent, 1)
}

func TestLoginWrongPasswordReturnsAuthFailedAndRecordsHistory(t *testing.T) {
	db := setupAuthTestDB(t)
	user := createTestUser(t, db, "dave", "correct-horse")
	coordinator, _ := newTestCoordinator(t, db, &capturingMailer{}, 0.3, 0.7)

	_, err := coordinator.Login(context.Background(), "dave", "wrong-password", "127.0.0.1", "Mozilla/5.0")
	require.Error(t, err)

	store := historystore.New(db)
	behavior, err := store.GetBehavior(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), behavior.FailedCount)
}

func TestVerifyOtpStageAdvancesToVerifiedOnCorrectCode(t *testing.T) {
	db := setupAuthTestDB(t)
	createTestUser(t, db, "erin", "correct-horse")
	mailer := &capturingMailer{}
	coordinator, _ := newTestCoordinator(t, db, mailer, 0, 1)

	result, err := coordinator.Login(context.Background(), "erin", "correct-horse", "127.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)
	code := mailer.sent[0]

	stageResult, err := coordinator.VerifyOtpStage(context.Background(), result.Session.SessionID, code)
	require.NoError(t, err)
	require.True(t, stageResult.Done)
	require.Equal(t, auth.Verified, stageResult.Session.State)
}

func TestVerifyOtpStageWrongCodeReturnsOtpInvalid(t *testing.T) {
	db := setupAuthTestDB(t)
	createTestUser(t, db, "frank", "correct-horse")
	mailer := &capturingMailer{}
	coordinator, _ := newTestCoordinator(t, db, mailer, 0, 1)

	result, err := coordinator.Login(context.Background(), "frank", "correct-horse", "127.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)

	_, err = coordinator.VerifyOtpStage(context.Background(), result.Session.SessionID, "000000")
	require.Error(t, err)
}

func TestHighRiskFlowRequiresBothOtpAndKba(t *testing.T) {
	db := setupAuthTestDB(t)
	createTestUser(t, db, "grace", "correct-horse")
	mailer := &capturingMailer{}
	coordinator, _ := newTestCoordinator(t, db, mailer, -1, -0.5)

	result, err := coordinator.Login(context.Background(), "grace", "correct-horse", "127.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	code := mailer.sent[0]

	stageResult, err := coordinator.VerifyOtpStage(context.Background(), result.Session.SessionID, code)
	require.NoError(t, err)
	require.False(t, stageResult.Done)
	require.Equal(t, auth.AwaitKba, stageResult.Session.State)

	kbaResult, err := coordinator.VerifyKbaStage(context.Background(), result.Session.SessionID, "  rEX  ")
	require.NoError(t, err)
	require.True(t, kbaResult.Done)
	require.Equal(t, auth.Verified, kbaResult.Session.State)
}

func TestVerifyKbaStageRejectsWrongAnswer(t *testing.T) {
	db := setupAuthTestDB(t)
	createTestUser(t, db, "heidi", "correct-horse")
	mailer := &capturingMailer{}
	coordinator, _ := newTestCoordinator(t, db, mailer, -1, -0.5)

	result, err := coordinator.Login(context.Background(), "heidi", "correct-horse", "127.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	code := mailer.sent[0]
	_, err = coordinator.VerifyOtpStage(context.Background(), result.Session.SessionID, code)
	require.NoError(t, err)

	_, err = coordinator.VerifyKbaStage(context.Background(), result.Session.SessionID, "not-rex")
	require.Error(t, err)
}

func TestLogoutRemovesSession(t *testing.T) {
	db := setupAuthTestDB(t)
	createTestUser(t, db, "ivan", "correct-horse")
	coordinator, _ := newTestCoordinator(t, db, &capturingMailer{}, 2, 3)

	result, err := coordinator.Login(context.Background(), "ivan", "correct-horse", "127.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)

	require.NoError(t, coordinator.Logout(context.Background(), result.Session.SessionID))
	_, ok := coordinator.Session(result.Session.SessionID)
	require.False(t, ok)
}

func TestParseTokenRejectsTamperedToken(t *testing.T) {
	db := setupAuthTestDB(t)
	createTestUser(t, db, "judy", "correct-horse")
	coordinator, _ := newTestCoordinator(t, db, &capturingMailer{}, 2, 3)

	result, err := coordinator.Login(context.Background(), "judy", "correct-horse", "127.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)

	_, err = coordinator.ParseToken(result.Token + "tampered")
	require.Error(t, err)
}

func TestNormalizeKBAAnswerTrimsAndFolds(t *testing.T) {
	require.Equal(t, auth.NormalizeKBAAnswer("Rex"), auth.NormalizeKBAAnswer("  rEX  "))
	require.NotEqual(t, auth.NormalizeKBAAnswer("Rex"), auth.NormalizeKBAAnswer("Max"))
}

func TestLoginUnknownUsernameReturnsAuthFailed(t *testing.T) {
	db := setupAuthTestDB(t)
	coordinator, _ := newTestCoordinator(t, db, &capturingMailer{}, 0.3, 0.7)

	_, err := coordinator.Login(context.Background(), "nobody", "whatever", "127.0.0.1", "Mozilla/5.0")
	require.Error(t, err)
}

func TestResendOtpIssuesNewCode(t *testing.T) {
	db := setupAuthTestDB(t)
	createTestUser(t, db, "kevin", "correct-horse")
	mailer := &capturingMailer{}
	coordinator, _ := newTestCoordinator(t, db, mailer, 0, 1)

	result, err := coordinator.Login(context.Background(), "kevin", "correct-horse", "127.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)

	require.NoError(t, coordinator.ResendOtp(context.Background(), result.Session.SessionID))
	require.Len(t, mailer.sent, 2)

	_, err = coordinator.VerifyOtpStage(context.Background(), result.Session.SessionID, mailer.sent[0])
	require.Error(t, err) // superseded by the resend

	stageResult, err := coordinator.VerifyOtpStage(context.Background(), result.Session.SessionID, mailer.sent[1])
	require.NoError(t, err)
	require.True(t, stageResult.Done)
}
