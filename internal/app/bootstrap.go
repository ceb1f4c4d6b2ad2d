package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"account-auth/internal/auth"
	"account-auth/internal/config"
	"account-auth/internal/db"
	"account-auth/internal/ephemeral"
	"account-auth/internal/identity"
	"account-auth/internal/lockout"
	"account-auth/internal/mail"
	"account-auth/internal/maintenance"
	"account-auth/internal/observability"
	"account-auth/internal/password"
	"account-auth/internal/refresh"
	"account-auth/internal/store"
	"account-auth/internal/token"
	"account-auth/internal/twofactor"
)

type Options struct {
	LoadDotEnv bool
	// ForceMigrations applies pending migrations even when
	// RUN_MIGRATIONS_ON_STARTUP is off.
	ForceMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Port    string
	Logger  *observability.Logger
	Close   func() error
}

// backend is everything the service needs from persistence. Both the
// postgres repository and the in-memory store satisfy it.
type backend interface {
	auth.AccountStore
	refresh.Store
	ephemeral.Store
	lockout.Store
	twofactor.Store
	twofactor.CodeStore
	maintenance.Cleaner
	Ping(ctx context.Context) error
}

var (
	_ backend = (*store.Repository)(nil)
	_ backend = (*store.Memory)(nil)
)

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.Environment)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment, cfg.Release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		observability.FlushSentry()
		_ = logger.Sync()
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	backing, database, err := openBackend(cfg, options, logger)
	if err != nil {
		return fail(err)
	}
	if database != nil {
		closers = append(closers, database.Close)
	}

	var codes twofactor.CodeStore = backing
	var redisClient *redis.Client
	if cfg.TwoFactorCodeStore == config.CodeStoreRedis {
		redisClient, err = openRedis(cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, redisClient.Close)
		codes = twofactor.NewRedisCodeStore(redisClient, "auth:otc:")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	var sender mail.Sender = mail.LogSender{Logger: logger}
	if cfg.SMTPHost != "" {
		sender = mail.NewSMTPSender(mail.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			From:        cfg.SMTPFrom,
			ImplicitTLS: cfg.SMTPImplicitTLS,
			AppURL:      cfg.AppURL,
			AppName:     cfg.AppName,
		})
	} else {
		logger.Warn("smtp_not_configured", map[string]any{"environment": cfg.Environment})
	}
	dispatcher := mail.NewDispatcher(sender, logger, metrics, mail.DispatcherConfig{BufferSize: cfg.MailQueueSize})
	closers = append(closers, func() error {
		dispatcher.Close()
		return nil
	})

	var verifier identity.Verifier
	if cfg.GoogleLoginEnabled {
		google, err := identity.NewGoogleVerifier(identity.GoogleConfig{ClientID: cfg.GoogleClientID})
		if err != nil {
			return fail(fmt.Errorf("init google verifier: %w", err))
		}
		verifier = google
	}

	hasher, err := password.NewHasher(cfg.BcryptCost)
	if err != nil {
		return fail(fmt.Errorf("init hasher: %w", err))
	}
	codec, err := token.NewCodec(token.Config{
		Secret: cfg.JWTSecret,
		TTL:    cfg.AccessTokenTTL,
		Issuer: cfg.JWTIssuer,
	})
	if err != nil {
		return fail(fmt.Errorf("init token codec: %w", err))
	}

	twoFactor := twofactor.NewManager(
		backing,
		codes,
		dispatcher,
		twofactor.LogSMSSender{Logger: logger},
		logger,
		twofactor.Config{
			Issuer:          cfg.TwoFactorIssuer,
			BackupCodeCount: cfg.BackupCodeCount,
			Skew:            uint(cfg.TwoFactorSkew),
			CodeTTL:         cfg.TwoFactorCodeTTL,
			CodeMaxAttempts: cfg.TwoFactorMaxAttempts,
		},
	)

	authService := auth.NewService(auth.Deps{
		Accounts: backing,
		Hasher:   hasher,
		Tokens:   codec,
		Refresh:  refresh.NewLedger(backing, refresh.Config{TTL: cfg.RefreshTokenTTL}),
		Ephemeral: ephemeral.NewLedger(backing, ephemeral.Config{
			ResetTTL:        cfg.ResetTokenTTL,
			VerificationTTL: cfg.VerificationTokenTTL,
		}),
		Lockout: lockout.NewPolicy(backing, lockout.Config{
			Threshold: cfg.LockoutThreshold,
			Window:    cfg.LockoutWindow,
		}),
		TwoFactor:       twoFactor,
		Mailer:          dispatcher,
		Identity:        verifier,
		Logger:          logger,
		Metrics:         metrics,
		RefreshRotation: cfg.RefreshRotation,
	})

	cleanupHandler := maintenance.NewCleanupHandler(
		backing,
		logger,
		cfg.CronSecret,
		cfg.RefreshRetention,
		cfg.CleanupBatchSize,
	)

	mux := http.NewServeMux()
	auth.NewHandler(authService).Mount(mux, codec)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(backing, redisClient))
	mux.Handle("GET /metrics", metrics.Handler())

	handler := observability.RequestLoggingMiddleware(logger, metrics, observability.RecoverMiddleware(logger, mux))

	logger.Info("bootstrap_complete", map[string]any{
		"config":         cfg.String(),
		"google_enabled": verifier != nil,
	})

	return &Runtime{
		Handler: handler,
		Port:    cfg.Port,
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

func openBackend(cfg config.Config, options Options, logger *observability.Logger) (backend, *sql.DB, error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("memory_store_in_use", map[string]any{"environment": cfg.Environment})
		return store.NewMemory(), nil, nil
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.RunMigrations || options.ForceMigrations {
		applied, err := db.RunMigrations(ctx, database)
		if err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	return store.NewRepository(database), database, nil
}

func openRedis(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(backing pinger, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := map[string]string{"store": "ok"}
		if err := backing.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["store"] = "unreachable"
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(ctx).Err(); err != nil {
				status = http.StatusServiceUnavailable
				checks["redis"] = "unreachable"
			}
		}

		body := map[string]any{"status": "ok", "checks": checks, "time": time.Now().UTC().Format(time.RFC3339)}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
