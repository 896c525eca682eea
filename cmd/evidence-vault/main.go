// Точка входа Evidence Vault — приём файлов-улик, закрепление в tier A
// и фоновая миграция в tier B.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/evidence-vault/internal/api/handlers"
	"github.com/bigkaa/evidence-vault/internal/api/middleware"
	"github.com/bigkaa/evidence-vault/internal/api/openapi"
	"github.com/bigkaa/evidence-vault/internal/config"
	"github.com/bigkaa/evidence-vault/internal/database"
	"github.com/bigkaa/evidence-vault/internal/dealstore"
	"github.com/bigkaa/evidence-vault/internal/notify"
	"github.com/bigkaa/evidence-vault/internal/pinstore"
	"github.com/bigkaa/evidence-vault/internal/repository"
	"github.com/bigkaa/evidence-vault/internal/server"
	"github.com/bigkaa/evidence-vault/internal/service"
)

// storage — хранилище записей и всё, что от него зависит.
type storage struct {
	repo    repository.FileRecordRepository
	checker *database.ReadinessChecker
	// dephealthDB — *sql.DB поверх пула PostgreSQL; nil для SQLite
	dephealthDB *sql.DB
	close       func()
}

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// 2. Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Evidence Vault запускается",
		slog.String("version", config.Version),
		slog.String("role", cfg.Role),
		slog.Int("port", cfg.Port),
		slog.String("db_driver", cfg.DBDriver),
		slog.String("pin_backend", cfg.PinBackend),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Ошибка запуска", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Evidence Vault остановлен")
}

//nolint:gocyclo,cyclop // линейная последовательность инициализации
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Хранилище записей (миграции + подключение)
	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.close()

	// 4. Tier A
	var pins service.PinStore
	switch cfg.PinBackend {
	case config.PinBackendS3:
		pins = pinstore.NewS3(pinstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, logger)
	default:
		pins = pinstore.NewKubo(cfg.KuboAPIURL, cfg.PinTimeout, logger)
	}

	// 5. Tier B
	deals, err := dealstore.NewLotus(ctx, dealstore.Config{
		APIURL:            cfg.LotusAPIURL,
		Token:             cfg.LotusToken,
		Wallet:            cfg.LotusWallet,
		Miner:             cfg.LotusMiner,
		EpochPrice:        cfg.LotusEpochPrice,
		MinBlocksDuration: cfg.LotusMinBlocksDuration,
		FastRetrieval:     cfg.LotusFastRetrieval,
		VerifiedDeal:      cfg.LotusVerifiedDeal,
	}, logger)
	if err != nil {
		return fmt.Errorf("подключение к Lotus: %w", err)
	}
	defer deals.Close()

	// 6. Пробуждение воркеров: Redis Pub/Sub или опрос по таймеру
	var notifier service.Notifier = notify.NewNoop()
	if cfg.RedisAddr != "" {
		redisNotifier, err := notify.NewRedis(ctx, notify.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
		}, logger)
		if err != nil {
			logger.Warn("Redis недоступен, воркеры работают по опросу",
				slog.String("addr", cfg.RedisAddr),
				slog.String("error", err.Error()),
			)
		} else {
			notifier = redisNotifier
		}
	}
	defer func() { _ = notifier.Close() }()

	// 7. Сервисы
	ingestSvc := service.NewIngestService(store.repo, pins, notifier, service.IngestConfig{
		MaxUploadSize: cfg.MaxUploadSize,
		MaxAttempts:   cfg.MigrationMaxAttempts,
		PinTimeout:    cfg.PinTimeout,
		PinLease:      cfg.PinLease,
	}, logger)
	worker := service.NewMigrationWorker(store.repo, deals, notifier, service.WorkerConfig{
		Concurrency:    cfg.WorkerConcurrency,
		PollInterval:   cfg.WorkerPollInterval,
		Lease:          cfg.WorkerLease,
		DealTimeout:    cfg.DealTimeout,
		MaxAttempts:    cfg.MigrationMaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		RateLimit:      cfg.DealRateLimit,
		RateBurst:      cfg.DealRateBurst,
	}, logger)
	statusSvc := service.NewStatusService(store.repo, pins, deals, service.StatusConfig{
		CheckTimeout: cfg.StatusCheckTimeout,
		CacheSize:    cfg.StatusCacheSize,
		CacheTTL:     cfg.StatusCacheTTL,
	}, logger)

	// 8. Фоновые процессы
	if cfg.RunsWorker() {
		worker.Start(ctx)
		defer worker.Stop()
	}

	dephealthSvc := startDephealth(ctx, cfg, store, logger)
	if dephealthSvc != nil {
		defer dephealthSvc.Stop()
	}

	// 9. Аутентификация и проверка запросов по контракту
	var opts server.Options
	if cfg.RunsAPI() {
		opts, err = apiOptions(ctx, cfg, logger)
		if err != nil {
			return err
		}
	}

	// 10. HTTP-сервер
	health := handlers.NewHealthHandler(store.checker)
	apiHandler := handlers.NewAPIHandler(health, ingestSvc, worker, statusSvc, cfg.MaxUploadSize, logger)
	srv := server.New(cfg, logger, apiHandler, opts)

	return srv.Run(ctx)
}

// openStorage применяет миграции и открывает хранилище записей.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	if cfg.DBDriver == config.DriverSQLite {
		if err := database.MigrateSQLite(cfg.SQLitePath, logger); err != nil {
			return nil, fmt.Errorf("миграции SQLite: %w", err)
		}
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("подключение к SQLite: %w", err)
		}
		return &storage{
			repo:    repository.NewSQLiteFileRecordRepository(db),
			checker: database.NewSQLiteReadinessChecker(db),
			close:   func() { _ = db.Close() },
		}, nil
	}

	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		return nil, fmt.Errorf("миграции PostgreSQL: %w", err)
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("подключение к PostgreSQL: %w", err)
	}

	// Адаптер pgxpool → *sql.DB для topologymetrics: проверка здоровья
	// идёт через тот же пул соединений.
	pgDB := stdlib.OpenDBFromPool(pool)
	return &storage{
		repo:        repository.NewFileRecordRepository(pool),
		checker:     database.NewReadinessChecker(pool),
		dephealthDB: pgDB,
		close: func() {
			_ = pgDB.Close()
			pool.Close()
		},
	}, nil
}

// startDephealth запускает мониторинг зависимостей. Ошибка не фатальна.
func startDephealth(ctx context.Context, cfg *config.Config, store *storage, logger *slog.Logger) *service.DephealthService {
	targets := service.DephealthTargets{
		DB:              store.dephealthDB,
		PinHealthURL:    cfg.PinHealthURL,
		LotusAPIURL:     cfg.LotusAPIURL,
		LotusHealthPath: cfg.LotusHealthPath,
	}
	if store.dephealthDB != nil {
		targets.PGConnURL = cfg.DatabaseURL("postgres")
	}

	svc, err := service.NewDephealthService(
		"evidence-vault",
		cfg.DephealthGroup,
		targets,
		cfg.DephealthCheckInterval,
		cfg.DephealthIsEntry,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}
	return svc
}

// apiOptions настраивает установление владельца и проверку по OpenAPI.
func apiOptions(ctx context.Context, cfg *config.Config, logger *slog.Logger) (server.Options, error) {
	doc, err := openapi.Load(ctx)
	if err != nil {
		return server.Options{}, err
	}
	validator, err := middleware.NewRequestValidator(doc, logger)
	if err != nil {
		return server.Options{}, err
	}
	opts := server.Options{Validator: validator}

	if cfg.AuthMode == config.AuthModeHeader {
		logger.Warn("Владелец берётся из заголовка шлюза без проверки подписи",
			slog.String("header", cfg.OwnerHeader),
		)
		opts.Auth = middleware.HeaderAuth(cfg.OwnerHeader)
		return opts, nil
	}

	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		JWKSURL:         cfg.JWKSURL,
		CACertPath:      cfg.JWKSCACertPath,
		OwnerClaim:      cfg.JWTOwnerClaim,
		Issuer:          cfg.JWTIssuer,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		JWTLeeway:       cfg.JWTLeeway,
	}, logger)
	if err != nil {
		return server.Options{}, fmt.Errorf("инициализация JWT: %w", err)
	}
	go func() {
		<-ctx.Done()
		jwtAuth.Close()
	}()
	logger.Info("JWT аутентификация настроена",
		slog.String("jwks_url", cfg.JWKSURL),
		slog.String("owner_claim", cfg.JWTOwnerClaim),
	)
	opts.Auth = jwtAuth.Middleware()
	return opts, nil
}
