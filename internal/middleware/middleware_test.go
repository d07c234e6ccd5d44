package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
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
	"rba-core/internal/middleware"
	"rba-core/internal/models"
	"rba-core/internal/otp"
	"rba-core/internal/risk"
)

type noopMailer struct{}

func (noopMailer) SendCode(ctx context.Context, email, code string) error { return nil }

func setupMiddlewareTestCoordinator(t *testing.T) *auth.Coordinator {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.LoginAttempt{}, &models.UserBehavior{},
		&models.OtpCode{}, &models.MFASetup{}, &models.BackupCode{},
	))

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.DefaultCost)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.User{
		Username: "liam", PasswordHash: string(hash), Email: "liam@example.com",
		KBAQuestion: "q", KBAAnswerNorm: auth.NormalizeKBAAnswer("a"),
	}).Error)

	otpSvc, err := otp.New(db, noopMailer{}, otp.Config{Length: 6, ExpiryMinutes: 5, MaxAttempts: 3, RateLimitMinutes: 10, EncryptionKey: "test-key"})
	require.NoError(t, err)

	combiner := risk.New(risk.Config{UseWeightedRule: false, ThresholdLower: 2, ThresholdUpper: 3}) // force Low
	return auth.New(db, historystore.New(db), geo.NewLocalResolver(), features.New(), isolation.Unavailable(), combiner, otpSvc, mfa.New(db, "issuer"), auth.Config{
		JWTSecret: "test-secret", SessionTTLMinutes: 30,
	})
}

func TestRequireSessionRejectsMissingCookie(t *testing.T) {
	gin.SetMode(gin.TestMode)
	coordinator := setupMiddlewareTestCoordinator(t)

	router := gin.New()
	router.GET("/protected", middleware.RequireSession(coordinator), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireSessionAcceptsVerifiedSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	coordinator := setupMiddlewareTestCoordinator(t)

	result, err := coordinator.Login(context.Background(), "liam", "correct-horse", "127.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)
	require.Equal(t, auth.Verified, result.Session.State)

	router := gin.New()
	router.GET("/protected", middleware.RequireSession(coordinator), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName(), Value: result.Token})
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireSessionRejectsTamperedCookie(t *testing.T) {
	gin.SetMode(gin.TestMode)
	coordinator := setupMiddlewareTestCoordinator(t)

	result, err := coordinator.Login(context.Background(), "liam", "correct-horse", "127.0.0.1", "Mozilla/5.0")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/protected", middleware.RequireSession(coordinator), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName(), Value: result.Token + "x"})
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
