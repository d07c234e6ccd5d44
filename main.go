package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"rba-core/internal/auth"
	"rba-core/internal/cleanup"
	"rba-core/internal/config"
	"rba-core/internal/database"
	"rba-core/internal/features"
	"rba-core/internal/geo"
	"rba-core/internal/handlers"
	"rba-core/internal/historystore"
	"rba-core/internal/isolation"
	"rba-core/internal/logging"
	"rba-core/internal/mailer"
	"rba-core/internal/mfa"
	"rba-core/internal/middleware"
	"rba-core/internal/otp"
	"rba-core/internal/ratelimit"
	"rba-core/internal/registration"
	"rba-core/internal/risk"
)

// RBA Core - Risk-Based Authentication service
func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: no .env file found or error loading .env file: %v", err)
		log.Printf("Continuing with system environment variables...")
	} else {
		log.Printf("Successfully loaded .env file")
	}

	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		log.Fatal("❌ Configuration validation failed:", err)
	}
	log.Printf("✅ Configuration validated successfully")

	zapLogger := logging.New()
	defer zapLogger.Sync()

	log.Printf("🔄 Initializing database connection...")
	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal("❌ Failed to initialize database:", err)
	}
	log.Printf("✅ Database initialized successfully")

	historyStore := historystore.New(db)
	geoResolver := geo.WithTimeout(geo.NewLocalResolver(), 3*time.Second)
	featureEngine := features.New()

	var isoScorer *isolation.Scorer
	if cfg.ModelArtifactPath == "" {
		log.Printf("⚠️ No model artifact configured, isolation score falls back to mean-of-features")
		isoScorer = isolation.Unavailable()
	} else if isoScorer, err = isolation.Load(cfg.ModelArtifactPath); err != nil {
		log.Printf("⚠️ Could not load isolation forest artifact, falling back to mean-of-features: %v", err)
		isoScorer = isolation.Unavailable()
	} else {
		log.Printf("✅ Isolation forest artifact loaded from %s", cfg.ModelArtifactPath)
	}

	riskCombiner := risk.New(risk.Config{
		UseWeightedRule: cfg.RiskCombiner.UseWeightedRule,
		Alpha:           cfg.RiskCombiner.Alpha,
		FeatureWeights:  cfg.RiskCombiner.FeatureWeights,
		ThresholdLower:  cfg.RiskCombiner.ThresholdLower,
		ThresholdUpper:  cfg.RiskCombiner.ThresholdUpper,
	})

	mailTransport := mailer.New(mailer.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Sender:   cfg.SMTP.Sender,
		Password: cfg.SMTP.Password,
		Enabled:  cfg.SMTP.Enabled,
	})

	otpService, err := otp.New(db, mailTransport, otp.Config{
		Length:           cfg.OTP.Length,
		ExpiryMinutes:    cfg.OTP.ExpiryMinutes,
		MaxAttempts:      cfg.OTP.MaxAttempts,
		RateLimitMinutes: cfg.OTP.RateLimitMinutes,
		EncryptionKey:    cfg.OTP.EncryptionKey,
	})
	if err != nil {
		log.Fatal("❌ Failed to initialize OTP service:", err)
	}

	mfaService := mfa.New(db, cfg.MFA.Issuer)

	pairwise := features.PairwiseMode{Enabled: cfg.Pairwise.Enabled, Allow: cfg.Pairwise.FeatureMask}
	coordinator := auth.New(db, historyStore, geoResolver, featureEngine, isoScorer, riskCombiner, otpService, mfaService, auth.Config{
		JWTSecret:         cfg.JWTSecret,
		SessionTTLMinutes: cfg.SessionTTLMinutes,
		Pairwise:          pairwise,
	})

	registrar := registration.New(db)
	limiter := ratelimit.New(cfg.RateLimit.LoginPerMinute, cfg.RateLimit.LoginBurst)

	if os.Getenv("GIN_MODE") == "" {
		if os.Getenv("PORT") != "" {
			gin.SetMode(gin.ReleaseMode)
		} else {
			gin.SetMode(gin.DebugMode)
		}
	}

	router := gin.Default()
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.SecurityHeaders())
	handlers.SetupRoutes(router, cfg, coordinator, registrar, mfaService, limiter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := cleanup.New(otpService, 5*time.Minute, zapLogger)
	go worker.Run(ctx)

	log.Printf("🚀 ========================================")
	log.Printf("🚀 RBA Core Starting")
	log.Printf("🚀 ========================================")
	log.Printf("📅 Timestamp: %s", time.Now().UTC().Format(time.RFC3339))
	log.Printf("🌐 Port: %s", cfg.Port)
	log.Printf("🌍 Allowed origins: %v", cfg.AllowedOrigins)
	log.Printf("💾 Database: %s (initialized and migrated)", cfg.DBType)
	log.Printf("🧮 Risk thresholds: lower=%.4f upper=%.4f", cfg.RiskCombiner.ThresholdLower, cfg.RiskCombiner.ThresholdUpper)
	log.Printf("🔄 OTP sweep: running every 5m")
	log.Printf("🚀 ========================================")

	address := "0.0.0.0:" + cfg.Port
	log.Printf("🚀 Server starting on %s...", address)
	if err := router.Run(address); err != nil {
		log.Fatal("❌ Failed to start server:", err)
	}
}
