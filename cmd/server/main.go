// Command habitstack-server starts the HabitStack gRPC server.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/habitstack/internal/config"
	pkgcrypto "github.com/and161185/habitstack/internal/crypto"
	"github.com/and161185/habitstack/internal/crypto/fieldcipher"
	"github.com/and161185/habitstack/internal/datamigrate"
	"github.com/and161185/habitstack/internal/fieldcodec"
	"github.com/and161185/habitstack/internal/limiter"
	"github.com/and161185/habitstack/internal/migrate"
	"github.com/and161185/habitstack/internal/preferences"
	"github.com/and161185/habitstack/internal/registry"
	"github.com/and161185/habitstack/internal/repository"
	"github.com/and161185/habitstack/internal/repository/memory"
	"github.com/and161185/habitstack/internal/repository/postgres"
	grpcserver "github.com/and161185/habitstack/internal/server/grpc"
	"github.com/and161185/habitstack/internal/service"
	"github.com/and161185/habitstack/internal/session"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// backend is the storage selected by configuration.
type backend struct {
	users    repository.UserRepository
	fields   repository.FieldRepository
	prefs    repository.PreferenceRepository
	records  repository.RecordRepository
	rotation repository.KeyRotationRepository
	limiter  limiter.Limiter
	close    func()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backend, error) {
	policy := limiter.Policy{Window: cfg.LoginWindow, MaxFails: cfg.LoginMaxFails, BlockFor: cfg.LoginBlock}
	if cfg.Storage == config.StorageMemory {
		log.Warn("using in-memory storage; data is lost on exit")
		store := memory.New()
		return &backend{
			users: store, fields: memory.NewFieldStore(), prefs: store, records: store, rotation: store,
			limiter: limiter.NewMemory(policy),
			close:   func() {},
		}, nil
	}

	if err := migrate.Up(ctx, cfg.DSN, log); err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	records := postgres.NewRecordRepo(db)
	return &backend{
		users:    postgres.NewUserRepo(db),
		fields:   postgres.NewFieldRepo(db),
		prefs:    postgres.NewPreferenceRepo(db),
		records:  records,
		rotation: records,
		limiter:  limiter.NewPG(db.Pool, policy),
		close:    db.Close,
	}, nil
}

// main loads configuration, opens storage, and serves gRPC until signalled.
func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}
	defer be.close()

	reg := registry.New(be.fields, logger)
	if err := reg.Bootstrap(ctx); err != nil {
		logger.Fatal("field registry bootstrap", zap.Error(err))
	}
	prefs := preferences.New(be.prefs, reg, logger)

	sessions := session.NewManager(cfg.SessionTTL, logger)
	go sessions.Run(ctx, cfg.SessionSweep)
	tokens := session.NewTokens([]byte(cfg.JWTKey))

	kdf, err := pkgcrypto.NewKDF(cfg.KDFIterations)
	if err != nil {
		logger.Fatal("kdf", zap.Error(err))
	}
	display, err := fieldcodec.ParseDisplayMode(cfg.DisplayMode)
	if err != nil {
		logger.Fatal("display mode", zap.Error(err))
	}
	codec := fieldcodec.New(prefs, fieldcipher.New(logger), fieldcodec.Options{
		RequireKeyOnWrite: cfg.RequireKeyOnWrite,
		Display:           display,
	}, logger)
	mig := datamigrate.New(datamigrate.Deps{
		Records: be.records, Rotation: be.rotation, Users: be.users,
		Prefs: prefs, Sessions: sessions, KDF: kdf,
	}, logger)

	// Services
	authSvc := service.NewAuthService(service.AuthDeps{
		Users: be.users, Prefs: prefs, Sessions: sessions, Tokens: tokens,
		KDF: kdf, Migrator: mig, Limiter: be.limiter,
	}, logger)
	recordSvc := service.NewRecordService(be.records, codec)
	settingsSvc := service.NewSettingsService(service.SettingsDeps{
		Catalog: reg, Prefs: prefs, Migrator: mig, Records: be.records, Codec: codec,
		Version: registry.DefaultVersion,
	}, logger)

	var creds credentials.TransportCredentials
	if cfg.Insecure {
		logger.Warn("serving without TLS")
		creds = insecure.NewCredentials()
	} else {
		creds, err = credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
	}

	s := grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary(tokens, sessions),
		),
	)
	grpcserver.New(authSvc, recordSvc, settingsSvc).Register(s)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", !cfg.Insecure))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		be.close()
		os.Exit(1)
	}

	logger.Info("shutdown complete", zap.Int("sessions_closed", sessions.CloseAll()))
}
