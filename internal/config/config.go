package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

// Config holds every setting recognized by the RBA core, loaded from
// environment variables the way the teacher's LoadConfig does, generalized
// to the keys in SPEC_FULL.md §6.
type Config struct {
	Port           string
	AllowedOrigins []string

	DBDsn  string // dbDsn
	DBType string // sqlite | postgres

	SessionTTLMinutes int
	JWTSecret         string

	ModelArtifactPath string
	ThresholdsPath    string

	SMTP SMTPConfig
	OTP  OTPConfig

	RiskCombiner RiskCombinerConfig
	Pairwise     PairwiseConfig

	RateLimit RateLimitConfig
	MFA       MFAConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Sender   string
	Password string
	Enabled  bool
}

type OTPConfig struct {
	Length           int
	ExpiryMinutes    int
	MaxAttempts      int
	RateLimitMinutes int
	EncryptionKey    string
}

type RiskCombinerConfig struct {
	UseWeightedRule bool
	Alpha           float64
	FeatureWeights  map[string]float64
	ThresholdLower  float64
	ThresholdUpper  float64
}

type PairwiseConfig struct {
	Enabled             bool
	FeatureMask         map[string]bool
	GeoOverrideForLocal bool
}

type RateLimitConfig struct {
	LoginPerMinute float64
	LoginBurst     int
}

type MFAConfig struct {
	Issuer string
}

// Load reads configuration from environment variables, applying the same
// sensible-default philosophy as the teacher's config loader.
func Load() *Config {
	port := getEnv("PORT", "8081")

	cfg := &Config{
		Port:              port,
		AllowedOrigins:    strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"), ","),
		DBDsn:             getEnv("DB_DSN", "rba.db"),
		DBType:            getEnv("DB_TYPE", "sqlite"),
		SessionTTLMinutes: getEnvInt("SESSION_TTL_MINUTES", 30),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret-change-me"),
		ModelArtifactPath: getEnv("MODEL_ARTIFACT_PATH", ""),
		ThresholdsPath:    getEnv("THRESHOLDS_PATH", ""),
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvInt("SMTP_PORT", 587),
			Sender:   getEnv("SMTP_SENDER", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			Enabled:  getEnvBool("SMTP_ENABLED", false),
		},
		OTP: OTPConfig{
			Length:           getEnvInt("OTP_LENGTH", 6),
			ExpiryMinutes:    getEnvInt("OTP_EXPIRY_MINUTES", 3),
			MaxAttempts:      getEnvInt("OTP_MAX_ATTEMPTS", 3),
			RateLimitMinutes: getEnvInt("OTP_RATE_LIMIT_MINUTES", 5),
			EncryptionKey:    getEnv("OTP_ENCRYPTION_KEY", "dev-otp-encryption-key-change-me"),
		},
		RiskCombiner: RiskCombinerConfig{
			UseWeightedRule: getEnvBool("RISK_USE_WEIGHTED_RULE", true),
			Alpha:           getEnvFloat("RISK_ALPHA", 0.5),
			FeatureWeights:  defaultFeatureWeights(),
			ThresholdLower:  getEnvFloat("RISK_THRESHOLD_LOWER", 0.2595),
			ThresholdUpper:  getEnvFloat("RISK_THRESHOLD_UPPER", 0.5750),
		},
		Pairwise: PairwiseConfig{
			Enabled:             getEnvBool("PAIRWISE_ENABLED", false),
			FeatureMask:         nil,
			GeoOverrideForLocal: getEnvBool("PAIRWISE_GEO_OVERRIDE_LOCAL", true),
		},
		RateLimit: RateLimitConfig{
			LoginPerMinute: getEnvFloat("RATE_LIMIT_LOGIN_PER_MINUTE", 30),
			LoginBurst:     getEnvInt("RATE_LIMIT_LOGIN_BURST", 10),
		},
		MFA: MFAConfig{
			Issuer: getEnv("MFA_ISSUER", "RBA Core"),
		},
	}

	log.Printf("🔧 Configuration loaded:")
	log.Printf("   Port: %s", cfg.Port)
	log.Printf("   DB type: %s", cfg.DBType)
	log.Printf("   Session TTL (min): %d", cfg.SessionTTLMinutes)
	log.Printf("   OTP expiry (min): %d, max attempts: %d", cfg.OTP.ExpiryMinutes, cfg.OTP.MaxAttempts)
	log.Printf("   Risk thresholds: lower=%.4f upper=%.4f alpha=%.2f", cfg.RiskCombiner.ThresholdLower, cfg.RiskCombiner.ThresholdUpper, cfg.RiskCombiner.Alpha)

	return cfg
}

func defaultFeatureWeights() map[string]float64 {
	return map[string]float64{
		"browser":     0.10,
		"os":          0.10,
		"device":      0.10,
		"timeOfHour":  0.20,
		"dailyCount":  0.15,
		"timeBetween": 0.15,
		"failed":      0.10,
		"geo":         0.10,
	}
}

// Validate checks the loaded configuration for internal consistency.
func Validate(cfg *Config) error {
	if cfg.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT secret cannot be empty")
	}
	if len(cfg.OTP.EncryptionKey) == 0 {
		return fmt.Errorf("OTP encryption key cannot be empty")
	}
	if cfg.RiskCombiner.ThresholdLower >= cfg.RiskCombiner.ThresholdUpper {
		return fmt.Errorf("risk threshold lower must be < upper")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
