package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kasirinaja/invoicing/internal/config"
	"kasirinaja/invoicing/internal/events"
	"kasirinaja/invoicing/internal/httpapi"
	"kasirinaja/invoicing/internal/identity"
	"kasirinaja/invoicing/internal/ledger"
	"kasirinaja/invoicing/internal/logging"
	"kasirinaja/invoicing/internal/service"
	"kasirinaja/invoicing/internal/store"
	"kasirinaja/invoicing/internal/store/memory"
	pgstore "kasirinaja/invoicing/internal/store/postgres"
	redisstore "kasirinaja/invoicing/internal/store/redis"
	"kasirinaja/invoicing/internal/tracing"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	scope, loc, err := numberingConfig(cfg)
	if err != nil {
		logger.Fatal("invalid numbering configuration", zap.Error(err))
	}

	closers := make([]func() error, 0, 4)

	if cfg.JaegerEndpoint != "" {
		tp, err := tracing.Init("invoicing", cfg.JaegerEndpoint)
		if err != nil {
			logger.Warn("tracing disabled", zap.Error(err))
		} else {
			closers = append(closers, func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return tp.Shutdown(ctx)
			})
			logger.Info("tracing: jaeger", zap.String("endpoint", cfg.JaegerEndpoint))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, kvClose, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store unavailable", zap.Error(err))
	}
	if kvClose != nil {
		closers = append(closers, kvClose)
	}

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicInvoices, logger)
		logger.Info("events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopicInvoices))
	} else {
		logger.Info("events: noop")
	}
	closers = append(closers, publisher.Close)

	svc := service.New(kv, publisher, logger, service.Options{
		InvoicePrefix:  cfg.InvoicePrefix,
		Scope:          scope,
		Location:       loc,
		DefaultTaxRate: cfg.DefaultTaxRate,
	})
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, identity.NewUsers(kv), logger)

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("invoicing server listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

// openStore picks the KV backend: postgres when DATABASE_URL is set, redis when
// REDIS_ADDR is set, otherwise a seeded in-memory store.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.KV, func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback: %w", err)
		}
		logger.Info("store: postgres")
		return pg, pg.Close, nil
	case cfg.RedisAddr != "":
		rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KVNamespace)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("redis unavailable and REDIS_ADDR is set: %w", err)
		}
		logger.Info("store: redis", zap.String("namespace", cfg.KVNamespace))
		return rs, rs.Close, nil
	default:
		logger.Info("store: in-memory")
		return memory.NewSeeded(logger), nil, nil
	}
}

func numberingConfig(cfg config.Config) (ledger.Scope, *time.Location, error) {
	scope, err := ledger.ParseScope(cfg.NumberingScope)
	if err != nil {
		return "", nil, err
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return "", nil, fmt.Errorf("TIMEZONE %q: %w", cfg.Timezone, err)
	}
	return scope, loc, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all one digit, a run of consecutive
// digits, or on the common-PIN list.
func validatePINStrength(pin string) error {
	common := map[string]bool{
		"123456": true, "654321": true, "121212": true, "112233": true,
		"123123": true, "696969": true, "159753": true, "147258": true,
	}
	if common[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	repeated, ascending, descending := true, true, true
	for i := 1; i < len(pin); i++ {
		switch int(pin[i]) - int(pin[i-1]) {
		case 0:
			ascending, descending = false, false
		case 1:
			repeated, descending = false, false
		case -1:
			repeated, ascending = false, false
		default:
			repeated, ascending, descending = false, false, false
		}
	}
	if repeated {
		return fmt.Errorf("repeated-digit PIN not allowed")
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
