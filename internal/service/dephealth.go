// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Evidence Vault мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - PinStore — HTTP checker к health endpoint tier A (critical), если задан
//   - Lotus — HTTP checker к /health/livez (не critical: приём файлов работает
//     и без tier B, миграции догонят очередь)
//
// Хранилище SQLite не мониторится: это локальный файл, его готовность
// проверяет /health/ready.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoDependencies — нечего мониторить.
var ErrNoDependencies = errors.New("не задано ни одной зависимости для мониторинга")

// DephealthTargets — зависимости для мониторинга. Пустые поля пропускаются.
type DephealthTargets struct {
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PGConnURL — URL PostgreSQL (для метрик/лейблов, не для подключения)
	PGConnURL string
	// PinHealthURL — полный URL health endpoint PinStore
	PinHealthURL string
	// LotusAPIURL — URL JSON-RPC Lotus (http/https/ws/wss)
	LotusAPIURL     string
	LotusHealthPath string
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	names  []string
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	isEntry bool,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, isEntry, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	isEntry bool,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, isEntry, logger,
		dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	isEntry bool,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	withCommon := func(critical bool, depOpts ...dephealth.DependencyOption) []dephealth.DependencyOption {
		depOpts = append(depOpts,
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(critical),
		)
		if isEntry {
			depOpts = append(depOpts, dephealth.WithLabel("isentry", "yes"))
		}
		return depOpts
	}

	opts := []dephealth.Option{dephealth.WithLogger(logger)}
	var names []string

	if targets.DB != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(targets.DB)),
			withCommon(true, dephealth.FromURL(targets.PGConnURL))...))
		names = append(names, "postgresql")
	}

	if targets.PinHealthURL != "" {
		pinPath := "/"
		if parsed, err := url.Parse(targets.PinHealthURL); err == nil && parsed.Path != "" {
			pinPath = parsed.Path
		}
		opts = append(opts, dephealth.HTTP("pin-store",
			withCommon(true,
				dephealth.FromURL(targets.PinHealthURL),
				dephealth.WithHTTPHealthPath(pinPath),
			)...))
		names = append(names, "pin-store")
	}

	if targets.LotusAPIURL != "" && targets.LotusHealthPath != "" {
		opts = append(opts, dephealth.HTTP("lotus",
			withCommon(false,
				dephealth.FromURL(lotusHTTPURL(targets.LotusAPIURL)),
				dephealth.WithHTTPHealthPath(targets.LotusHealthPath),
			)...))
		names = append(names, "lotus")
	}

	if len(names) == 0 {
		return nil, ErrNoDependencies
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		names:  names,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// lotusHTTPURL приводит адрес JSON-RPC Lotus к HTTP-схеме для health-проверки.
func lotusHTTPURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "ws://"):
		return "http://" + strings.TrimPrefix(raw, "ws://")
	case strings.HasPrefix(raw, "wss://"):
		return "https://" + strings.TrimPrefix(raw, "wss://")
	default:
		return raw
	}
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен",
		slog.String("dependencies", strings.Join(ds.names, ",")),
	)
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
