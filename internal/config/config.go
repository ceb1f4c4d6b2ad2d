// Package config assembles runtime settings from the environment, an optional
// .env file and an optional TOML policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"account-auth/internal/autherr"
	"account-auth/internal/lockout"
	"account-auth/internal/password"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"

	CodeStorePrimary = "store"
	CodeStoreRedis   = "redis"
)

type Config struct {
	Environment string
	LogLevel    string
	Port        string
	SentryDSN   string
	Release     string

	StoreBackend      string
	DatabaseURL       string
	RunMigrations     bool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	RefreshRotation bool
	BcryptCost      int

	LockoutThreshold int
	LockoutWindow    time.Duration

	ResetTokenTTL        time.Duration
	VerificationTokenTTL time.Duration

	TwoFactorIssuer      string
	TwoFactorCodeTTL     time.Duration
	TwoFactorMaxAttempts int
	TwoFactorSkew        int
	BackupCodeCount      int
	TwoFactorCodeStore   string
	RedisURL             string

	GoogleLoginEnabled bool
	GoogleClientID     string

	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SMTPImplicitTLS bool
	AppURL          string
	AppName         string
	MailQueueSize   int

	CronSecret       string
	RefreshRetention time.Duration
	CleanupBatchSize int
}

func defaults() Config {
	return Config{
		Environment:       "development",
		LogLevel:          "info",
		Port:              "8080",
		StoreBackend:      BackendPostgres,
		DBMaxOpenConns:    10,
		DBMaxIdleConns:    5,
		DBConnMaxLifetime: 30 * time.Minute,
		DBConnMaxIdleTime: 10 * time.Minute,

		JWTIssuer:       "account-auth",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		BcryptCost:      password.DefaultCost,

		LockoutThreshold: lockout.DefaultThreshold,
		LockoutWindow:    lockout.DefaultWindow,

		ResetTokenTTL:        time.Hour,
		VerificationTokenTTL: 24 * time.Hour,

		TwoFactorIssuer:      "account-auth",
		TwoFactorCodeTTL:     10 * time.Minute,
		TwoFactorMaxAttempts: 5,
		TwoFactorSkew:        2,
		BackupCodeCount:      10,
		TwoFactorCodeStore:   CodeStorePrimary,

		SMTPPort:      587,
		AppName:       "Account",
		MailQueueSize: 64,

		RefreshRetention: 14 * 24 * time.Hour,
		CleanupBatchSize: 500,
	}
}

// Load reads settings in increasing precedence: built-in defaults, the TOML
// file named by AUTH_POLICY_FILE, then environment variables.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("AUTH_POLICY_FILE")); path != "" {
		if err := applyPolicyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.Environment = envOrDefault("APP_ENV", cfg.Environment)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.Port = envOrDefault("PORT", cfg.Port)
	cfg.SentryDSN = envOrDefault("SENTRY_DSN", cfg.SentryDSN)
	cfg.Release = envOrDefault("APP_RELEASE", cfg.Release)

	cfg.StoreBackend = strings.ToLower(envOrDefault("STORE_BACKEND", cfg.StoreBackend))
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RunMigrations = EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", cfg.RunMigrations)
	cfg.DBMaxOpenConns = envIntOrDefault("DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns)
	cfg.DBMaxIdleConns = envIntOrDefault("DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns)
	cfg.DBConnMaxLifetime = envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", cfg.DBConnMaxLifetime)
	cfg.DBConnMaxIdleTime = envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", cfg.DBConnMaxIdleTime)

	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = envOrDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.AccessTokenTTL = envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", cfg.AccessTokenTTL)
	cfg.RefreshTokenTTL = envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", cfg.RefreshTokenTTL)
	cfg.RefreshRotation = EnvBoolOrDefault("REFRESH_ROTATION", cfg.RefreshRotation)
	cfg.BcryptCost = envIntOrDefault("BCRYPT_COST", cfg.BcryptCost)

	cfg.LockoutThreshold = envIntOrDefault("LOGIN_MAX_ATTEMPTS", cfg.LockoutThreshold)
	cfg.LockoutWindow = envMinutesOrDefault("LOGIN_LOCK_MINUTES", cfg.LockoutWindow)

	cfg.ResetTokenTTL = envMinutesOrDefault("PASSWORD_RESET_TTL_MINUTES", cfg.ResetTokenTTL)
	cfg.VerificationTokenTTL = envHoursOrDefault("EMAIL_VERIFICATION_TTL_HOURS", cfg.VerificationTokenTTL)

	cfg.TwoFactorIssuer = envOrDefault("TWO_FACTOR_ISSUER", cfg.TwoFactorIssuer)
	cfg.TwoFactorCodeTTL = envMinutesOrDefault("TWO_FACTOR_CODE_TTL_MINUTES", cfg.TwoFactorCodeTTL)
	cfg.TwoFactorMaxAttempts = envIntOrDefault("TWO_FACTOR_CODE_MAX_ATTEMPTS", cfg.TwoFactorMaxAttempts)
	cfg.TwoFactorSkew = envIntOrDefault("TWO_FACTOR_SKEW", cfg.TwoFactorSkew)
	cfg.BackupCodeCount = envIntOrDefault("TWO_FACTOR_BACKUP_CODES", cfg.BackupCodeCount)
	cfg.TwoFactorCodeStore = strings.ToLower(envOrDefault("TWO_FACTOR_CODE_STORE", cfg.TwoFactorCodeStore))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)

	cfg.GoogleLoginEnabled = EnvBoolOrDefault("GOOGLE_LOGIN_ENABLED", cfg.GoogleLoginEnabled)
	cfg.GoogleClientID = envOrDefault("GOOGLE_CLIENT_ID", cfg.GoogleClientID)

	cfg.SMTPHost = envOrDefault("SMTP_HOST", cfg.SMTPHost)
	cfg.SMTPPort = envIntOrDefault("SMTP_PORT", cfg.SMTPPort)
	cfg.SMTPUsername = envOrDefault("SMTP_USERNAME", cfg.SMTPUsername)
	cfg.SMTPPassword = envOrDefault("SMTP_PASSWORD", cfg.SMTPPassword)
	cfg.SMTPFrom = envOrDefault("SMTP_FROM", cfg.SMTPFrom)
	cfg.SMTPImplicitTLS = EnvBoolOrDefault("SMTP_IMPLICIT_TLS", cfg.SMTPImplicitTLS)
	cfg.AppURL = envOrDefault("APP_URL", cfg.AppURL)
	cfg.AppName = envOrDefault("APP_NAME", cfg.AppName)
	cfg.MailQueueSize = envIntOrDefault("MAIL_QUEUE_SIZE", cfg.MailQueueSize)

	cfg.CronSecret = envOrDefault("CRON_SECRET", cfg.CronSecret)
	cfg.RefreshRetention = envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", cfg.RefreshRetention)
	cfg.CleanupBatchSize = envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", cfg.CleanupBatchSize)

	return cfg, nil
}

// Validate reports every startup problem at once. Each one matches
// autherr.ErrConfiguration.
func (c Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, autherr.Configuration(format, args...))
	}

	if strings.TrimSpace(c.JWTSecret) == "" {
		add("JWT_SECRET is required")
	}
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			add("DATABASE_URL is required for the postgres store backend")
		}
	case BackendMemory:
	default:
		add("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.TwoFactorCodeStore {
	case CodeStoreRedis:
		if c.RedisURL == "" {
			add("REDIS_URL is required for the redis two-factor code store")
		}
	case CodeStorePrimary:
	default:
		add("unknown TWO_FACTOR_CODE_STORE %q", c.TwoFactorCodeStore)
	}
	if c.GoogleLoginEnabled && c.GoogleClientID == "" {
		add("GOOGLE_CLIENT_ID is required when google login is enabled")
	}
	if c.BcryptCost < password.MinCost || c.BcryptCost > password.MaxCost {
		add("BCRYPT_COST %d out of range [%d, %d]", c.BcryptCost, password.MinCost, password.MaxCost)
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		add("SMTP_FROM is required when SMTP_HOST is set")
	}

	return errors.Join(problems...)
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type policyFile struct {
	Lockout struct {
		Threshold *int      `toml:"threshold"`
		Window    *duration `toml:"window"`
	} `toml:"lockout"`
	Tokens struct {
		AccessTTL       *duration `toml:"access_ttl"`
		RefreshTTL      *duration `toml:"refresh_ttl"`
		RefreshRotation *bool     `toml:"refresh_rotation"`
		ResetTTL        *duration `toml:"reset_ttl"`
		VerificationTTL *duration `toml:"verification_ttl"`
	} `toml:"tokens"`
	TwoFactor struct {
		Issuer          *string   `toml:"issuer"`
		CodeTTL         *duration `toml:"code_ttl"`
		CodeMaxAttempts *int      `toml:"code_max_attempts"`
		Skew            *int      `toml:"skew"`
		BackupCodes     *int      `toml:"backup_codes"`
	} `toml:"two_factor"`
	Password struct {
		BcryptCost *int `toml:"bcrypt_cost"`
	} `toml:"password"`
}

func applyPolicyFile(cfg *Config, path string) error {
	var policy policyFile
	meta, err := toml.DecodeFile(path, &policy)
	if err != nil {
		return autherr.Configuration("read policy file %s: %v", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return autherr.Configuration("policy file %s: unknown key %s", path, undecoded[0])
	}

	setInt(&cfg.LockoutThreshold, policy.Lockout.Threshold)
	setDuration(&cfg.LockoutWindow, policy.Lockout.Window)
	setDuration(&cfg.AccessTokenTTL, policy.Tokens.AccessTTL)
	setDuration(&cfg.RefreshTokenTTL, policy.Tokens.RefreshTTL)
	if policy.Tokens.RefreshRotation != nil {
		cfg.RefreshRotation = *policy.Tokens.RefreshRotation
	}
	setDuration(&cfg.ResetTokenTTL, policy.Tokens.ResetTTL)
	setDuration(&cfg.VerificationTokenTTL, policy.Tokens.VerificationTTL)
	if policy.TwoFactor.Issuer != nil {
		cfg.TwoFactorIssuer = *policy.TwoFactor.Issuer
	}
	setDuration(&cfg.TwoFactorCodeTTL, policy.TwoFactor.CodeTTL)
	setInt(&cfg.TwoFactorMaxAttempts, policy.TwoFactor.CodeMaxAttempts)
	setInt(&cfg.TwoFactorSkew, policy.TwoFactor.Skew)
	setInt(&cfg.BackupCodeCount, policy.TwoFactor.BackupCodes)
	setInt(&cfg.BcryptCost, policy.Password.BcryptCost)
	return nil
}

func setInt(dst *int, value *int) {
	if value != nil && *value > 0 {
		*dst = *value
	}
}

func setDuration(dst *time.Duration, value *duration) {
	if value != nil && value.Duration > 0 {
		*dst = value.Duration
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envUnitsOrDefault(name string, unit, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return time.Duration(parsed) * unit
}

func envMinutesOrDefault(name string, fallback time.Duration) time.Duration {
	return envUnitsOrDefault(name, time.Minute, fallback)
}

func envHoursOrDefault(name string, fallback time.Duration) time.Duration {
	return envUnitsOrDefault(name, time.Hour, fallback)
}

func envDaysOrDefault(name string, fallback time.Duration) time.Duration {
	return envUnitsOrDefault(name, 24*time.Hour, fallback)
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (c Config) String() string {
	return fmt.Sprintf("config{env=%s backend=%s codes=%s google=%t smtp=%t}",
		c.Environment, c.StoreBackend, c.TwoFactorCodeStore, c.GoogleLoginEnabled, c.SMTPHost != "")
}
