package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Wellagora/wellagoracommunity-sub005/internal/httpserver"
	"github.com/Wellagora/wellagoracommunity-sub005/internal/store/gormstore"
	"github.com/Wellagora/wellagoracommunity-sub005/pkg/sponsorship"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagPlatformFeePercent = "platform-fee-percent"
	flagHoldTTL            = "hold-ttl"
	flagSweepInterval      = "sweep-interval"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagAllowedOrigins     = "allowed-origins"

	configKeyDatabaseURL        = "database_url"
	configKeyListenAddr         = "listen_addr"
	configKeyPlatformFeePercent = "platform_fee_percent"
	configKeyHoldTTL            = "hold_ttl"
	configKeySweepInterval      = "sweep_interval"
	configKeyJWTSigningKey      = "jwt_signing_key"
	configKeyJWTIssuer          = "jwt_issuer"
	configKeyAllowedOrigins     = "allowed_origins"

	defaultDatabaseURL        = "sqlite:///tmp/sponsorship.db"
	defaultListenAddr         = ":8080"
	defaultPlatformFeePercent = int64(20)
	defaultJWTIssuer          = "wellagora"
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	PlatformFeePercent int64
	HoldTTL            time.Duration
	SweepInterval      time.Duration
	JWTSigningKey      string
	JWTIssuer          string
	AllowedOrigins     []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sponsord: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "sponsord",
		Short:         "Sponsor credit allocation ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().Int64(flagPlatformFeePercent, defaultPlatformFeePercent, "Platform fee as a percentage of the base price")
	cmd.Flags().Duration(flagHoldTTL, sponsorship.DefaultHoldTTL, "Default reservation hold duration")
	cmd.Flags().Duration(flagSweepInterval, sponsorship.DefaultSweepInterval, "Expired hold sweep interval")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 signing key for bearer tokens")
	cmd.Flags().String(flagJWTIssuer, defaultJWTIssuer, "Expected issuer of bearer tokens")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:        "DATABASE_URL",
		configKeyListenAddr:         "LISTEN_ADDR",
		configKeyPlatformFeePercent: "PLATFORM_FEE_PERCENT",
		configKeyHoldTTL:            "HOLD_TTL",
		configKeySweepInterval:      "SWEEP_INTERVAL",
		configKeyJWTSigningKey:      "JWT_SIGNING_KEY",
		configKeyJWTIssuer:          "JWT_ISSUER",
		configKeyAllowedOrigins:     "ALLOWED_ORIGINS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:        flagDatabaseURL,
		configKeyListenAddr:         flagListenAddr,
		configKeyPlatformFeePercent: flagPlatformFeePercent,
		configKeyHoldTTL:            flagHoldTTL,
		configKeySweepInterval:      flagSweepInterval,
		configKeyJWTSigningKey:      flagJWTSigningKey,
		configKeyJWTIssuer:          flagJWTIssuer,
		configKeyAllowedOrigins:     flagAllowedOrigins,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.PlatformFeePercent = viper.GetInt64(configKeyPlatformFeePercent)
	cfg.HoldTTL = viper.GetDuration(configKeyHoldTTL)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(configKeyJWTIssuer)
	cfg.AllowedOrigins = httpserver.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.PlatformFeePercent < 0 || cfg.PlatformFeePercent > 100 {
		return fmt.Errorf("platform fee percent must be between 0 and 100")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

// autoApprovePayments stands in for the real payment integration. The ledger
// only needs the success/error contract; the concrete processor is injected
// here once the billing service lands.
type autoApprovePayments struct {
	logger *zap.Logger
}

func (payments autoApprovePayments) ProcessPayment(_ context.Context, transactionID string, buyerID string, amountCents int64) error {
	payments.logger.Info("payment approved",
		zap.String("transaction_id", transactionID),
		zap.String("buyer_id", buyerID),
		zap.Int64("amount_cents", amountCents))
	return nil
}

type autoGrantAccess struct {
	logger *zap.Logger
}

func (access autoGrantAccess) GrantAccess(_ context.Context, contentID string, buyerID string) error {
	access.logger.Info("access granted",
		zap.String("content_id", contentID),
		zap.String("buyer_id", buyerID))
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() time.Time { return time.Now().UTC() }

	allocations, err := sponsorship.NewAllocationLedger(store, clock)
	if err != nil {
		return fmt.Errorf("allocation ledger init: %w", err)
	}
	reservations, err := sponsorship.NewReservationManager(store, allocations, clock,
		sponsorship.WithDefaultHoldTTL(cfg.HoldTTL))
	if err != nil {
		return fmt.Errorf("reservation manager init: %w", err)
	}
	settlement, err := sponsorship.NewSettlementOrchestrator(
		store,
		allocations,
		reservations,
		autoApprovePayments{logger: logger},
		autoGrantAccess{logger: logger},
		cfg.PlatformFeePercent,
		clock,
	)
	if err != nil {
		return fmt.Errorf("settlement orchestrator init: %w", err)
	}
	sweeper, err := sponsorship.NewExpirySweeper(reservations, cfg.SweepInterval, clock, logger)
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}

	server, err := httpserver.New(httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
	}, logger, allocations, reservations, settlement)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		sweeper.Run(ctx)
	}()

	err = server.Run(ctx)
	background.Wait()
	return err
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "sponsorship.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
