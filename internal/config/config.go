// Пакет config — загрузка и валидация конфигурации Evidence Vault
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/filecoin-project/go-address"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Роли процесса.
const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// Драйверы хранилища записей.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Режимы аутентификации владельца.
const (
	AuthModeJWT    = "jwt"
	AuthModeHeader = "header"
)

// Бэкенды tier A.
const (
	PinBackendKubo = "kubo"
	PinBackendS3   = "s3"
)

// Config содержит все параметры конфигурации Evidence Vault.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Роль процесса: all, api, worker
	Role string

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration

	// --- Хранилище записей ---

	// Драйвер: postgres или sqlite
	DBDriver   string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Путь к файлу SQLite (для DBDriver=sqlite)
	SQLitePath string

	// --- Аутентификация ---

	// Режим: jwt или header
	AuthMode string
	// URL JWKS endpoint
	JWKSURL string
	// Путь к CA-сертификату для JWKS (опционально)
	JWKSCACertPath string
	// Ожидаемый issuer (пусто — не проверяется)
	JWTIssuer string
	// Claim, содержащий адрес кошелька владельца
	JWTOwnerClaim string
	// Допустимое отклонение часов
	JWTLeeway           time.Duration
	JWKSClientTimeout   time.Duration
	JWKSRefreshInterval time.Duration
	// Заголовок с адресом владельца (для AuthMode=header)
	OwnerHeader string

	// --- Приём файлов ---

	// Максимальный размер файла в байтах
	MaxUploadSize int64
	// Таймаут вызова PinStore.Pin
	PinTimeout time.Duration
	// Через сколько зависшая запись в pinning может быть перехвачена повторной загрузкой
	PinLease time.Duration

	// --- Tier A (PinStore) ---

	PinBackend string
	// URL Kubo RPC API (например, http://127.0.0.1:5001)
	KuboAPIURL string
	// S3-совместимый шлюз
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	// URL health endpoint PinStore для dephealth (опционально)
	PinHealthURL string

	// --- Tier B (Lotus) ---

	LotusAPIURL string
	LotusToken  string
	// Кошелёк клиента сделок
	LotusWallet string
	// Провайдер хранения (miner)
	LotusMiner string
	// Цена за эпоху в attoFIL
	LotusEpochPrice string
	// Минимальная длительность сделки в эпохах
	LotusMinBlocksDuration uint64
	LotusFastRetrieval     bool
	LotusVerifiedDeal      bool
	// Путь health endpoint Lotus для dephealth (пусто — не проверяется)
	LotusHealthPath string
	// Таймаут одного вызова DealStore
	DealTimeout time.Duration
	// Ограничение частоты вызовов DealStore (в секунду)
	DealRateLimit float64
	DealRateBurst int

	// --- Воркер миграции ---

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerLease        time.Duration
	// Потолок попыток миграции (по умолчанию 3)
	MigrationMaxAttempts int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration

	// --- Статус ---

	StatusCheckTimeout time.Duration
	StatusCacheSize    int
	StatusCacheTTL     time.Duration

	// --- Redis (пробуждение воркеров, опционально) ---

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	// --- Мониторинг зависимостей ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
	DephealthIsEntry       bool
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
//
//nolint:gocyclo,cyclop // линейная последовательность проверок
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// EV_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("EV_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("EV_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("EV_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("EV_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("EV_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("EV_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("EV_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.Role = getEnvDefault("EV_ROLE", RoleAll)
	switch cfg.Role {
	case RoleAll, RoleAPI, RoleWorker:
	default:
		return nil, fmt.Errorf("EV_ROLE: недопустимое значение %q, допустимые: all, api, worker", cfg.Role)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("EV_HTTP_READ_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EV_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("EV_HTTP_WRITE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EV_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("EV_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EV_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// EV_SHUTDOWN_TIMEOUT — даёт воркерам закончить текущие попытки (по умолчанию 30s)
	cfg.ShutdownTimeout, err = getEnvDuration("EV_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EV_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Хранилище записей ---

	if err := loadDatabase(cfg); err != nil {
		return nil, err
	}

	// --- Аутентификация ---

	if err := loadAuth(cfg); err != nil {
		return nil, err
	}

	// --- Приём файлов ---

	// EV_MAX_UPLOAD_SIZE — максимальный размер файла (по умолчанию 100 MiB)
	cfg.MaxUploadSize, err = getEnvInt64("EV_MAX_UPLOAD_SIZE", 100<<20)
	if err != nil {
		return nil, fmt.Errorf("EV_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize < 1 {
		return nil, fmt.Errorf("EV_MAX_UPLOAD_SIZE: значение должно быть > 0")
	}

	cfg.PinTimeout, err = getEnvDurationPositive("EV_PIN_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EV_PIN_TIMEOUT: %w", err)
	}

	cfg.PinLease, err = getEnvDurationPositive("EV_PIN_LEASE", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("EV_PIN_LEASE: %w", err)
	}
	if cfg.PinLease <= cfg.PinTimeout {
		return nil, fmt.Errorf("EV_PIN_LEASE: значение %s должно превышать EV_PIN_TIMEOUT (%s)", cfg.PinLease, cfg.PinTimeout)
	}

	// --- Tier A ---

	if err := loadPinStore(cfg); err != nil {
		return nil, err
	}

	// --- Tier B ---

	if err := loadLotus(cfg); err != nil {
		return nil, err
	}

	// --- Воркер миграции ---

	if err := loadWorker(cfg); err != nil {
		return nil, err
	}

	// --- Статус ---

	cfg.StatusCheckTimeout, err = getEnvDurationPositive("EV_STATUS_CHECK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EV_STATUS_CHECK_TIMEOUT: %w", err)
	}
	cfg.StatusCacheSize, err = getEnvInt("EV_STATUS_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("EV_STATUS_CACHE_SIZE: %w", err)
	}
	if cfg.StatusCacheSize < 1 {
		return nil, fmt.Errorf("EV_STATUS_CACHE_SIZE: значение должно быть > 0")
	}
	cfg.StatusCacheTTL, err = getEnvDurationPositive("EV_STATUS_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EV_STATUS_CACHE_TTL: %w", err)
	}

	// --- Redis ---

	cfg.RedisAddr = getEnvDefault("EV_REDIS_ADDR", "")
	cfg.RedisPassword = getEnvDefault("EV_REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvInt("EV_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("EV_REDIS_DB: %w", err)
	}
	cfg.RedisChannel = getEnvDefault("EV_REDIS_CHANNEL", "evidence-vault:migration")

	// --- Мониторинг зависимостей ---

	cfg.DephealthGroup = getEnvDefault("EV_DEPHEALTH_GROUP", "evidence-vault")
	cfg.DephealthCheckInterval, err = getEnvDuration("EV_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("EV_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	// DEPHEALTH_ISENTRY — общий флаг для всех сервисов графа, без префикса
	cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}

	return cfg, nil
}

// loadDatabase загружает параметры хранилища записей.
func loadDatabase(cfg *Config) error {
	var err error

	cfg.DBDriver = getEnvDefault("EV_DB_DRIVER", DriverPostgres)
	switch cfg.DBDriver {
	case DriverPostgres:
		cfg.DBHost, err = getEnvRequired("EV_DB_HOST")
		if err != nil {
			return err
		}
		cfg.DBPort, err = getEnvInt("EV_DB_PORT", 5432)
		if err != nil {
			return fmt.Errorf("EV_DB_PORT: %w", err)
		}
		cfg.DBName, err = getEnvRequired("EV_DB_NAME")
		if err != nil {
			return err
		}
		cfg.DBUser, err = getEnvRequired("EV_DB_USER")
		if err != nil {
			return err
		}
		cfg.DBPassword, err = getEnvRequired("EV_DB_PASSWORD")
		if err != nil {
			return err
		}
		cfg.DBSSLMode = getEnvDefault("EV_DB_SSL_MODE", "disable")
		switch cfg.DBSSLMode {
		case "disable", "require", "verify-ca", "verify-full":
		default:
			return fmt.Errorf("EV_DB_SSL_MODE: недопустимое значение %q", cfg.DBSSLMode)
		}
	case DriverSQLite:
		cfg.SQLitePath = getEnvDefault("EV_SQLITE_PATH", "./evidence-vault.db")
	default:
		return fmt.Errorf("EV_DB_DRIVER: недопустимое значение %q, допустимые: postgres, sqlite", cfg.DBDriver)
	}
	return nil
}

// loadAuth загружает параметры аутентификации владельца.
func loadAuth(cfg *Config) error {
	var err error

	cfg.AuthMode = getEnvDefault("EV_AUTH_MODE", AuthModeJWT)
	switch cfg.AuthMode {
	case AuthModeJWT:
		cfg.JWKSURL, err = getEnvRequired("EV_JWKS_URL")
		if err != nil {
			return err
		}
		if _, err := url.ParseRequestURI(cfg.JWKSURL); err != nil {
			return fmt.Errorf("EV_JWKS_URL: некорректный URL %q", cfg.JWKSURL)
		}
	case AuthModeHeader:
	default:
		return fmt.Errorf("EV_AUTH_MODE: недопустимое значение %q, допустимые: jwt, header", cfg.AuthMode)
	}

	cfg.JWKSCACertPath = getEnvDefault("EV_JWKS_CA_CERT", "")
	cfg.JWTIssuer = getEnvDefault("EV_JWT_ISSUER", "")
	cfg.JWTOwnerClaim = getEnvDefault("EV_JWT_OWNER_CLAIM", "sub")
	cfg.OwnerHeader = getEnvDefault("EV_OWNER_HEADER", "X-Wallet-Address")

	cfg.JWTLeeway, err = getEnvDuration("EV_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return fmt.Errorf("EV_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSClientTimeout, err = getEnvDurationPositive("EV_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return fmt.Errorf("EV_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDurationPositive("EV_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return fmt.Errorf("EV_JWKS_REFRESH_INTERVAL: %w", err)
	}
	return nil
}

// loadPinStore загружает параметры tier A.
func loadPinStore(cfg *Config) error {
	var err error

	cfg.PinBackend = getEnvDefault("EV_PIN_BACKEND", PinBackendKubo)
	switch cfg.PinBackend {
	case PinBackendKubo:
		cfg.KuboAPIURL = getEnvDefault("EV_KUBO_API_URL", "http://127.0.0.1:5001")
		if _, err := url.ParseRequestURI(cfg.KuboAPIURL); err != nil {
			return fmt.Errorf("EV_KUBO_API_URL: некорректный URL %q", cfg.KuboAPIURL)
		}
	case PinBackendS3:
		cfg.S3Endpoint, err = getEnvRequired("EV_S3_ENDPOINT")
		if err != nil {
			return err
		}
		cfg.S3Region = getEnvDefault("EV_S3_REGION", "us-east-1")
		cfg.S3Bucket, err = getEnvRequired("EV_S3_BUCKET")
		if err != nil {
			return err
		}
		cfg.S3AccessKey, err = getEnvRequired("EV_S3_ACCESS_KEY")
		if err != nil {
			return err
		}
		cfg.S3SecretKey, err = getEnvRequired("EV_S3_SECRET_KEY")
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("EV_PIN_BACKEND: недопустимое значение %q, допустимые: kubo, s3", cfg.PinBackend)
	}

	cfg.PinHealthURL = getEnvDefault("EV_PIN_HEALTH_URL", "")
	return nil
}

// loadLotus загружает параметры tier B.
func loadLotus(cfg *Config) error {
	var err error

	cfg.LotusAPIURL, err = getEnvRequired("EV_LOTUS_API_URL")
	if err != nil {
		return err
	}
	if _, err := url.ParseRequestURI(cfg.LotusAPIURL); err != nil {
		return fmt.Errorf("EV_LOTUS_API_URL: некорректный URL %q", cfg.LotusAPIURL)
	}
	cfg.LotusToken = getEnvDefault("EV_LOTUS_TOKEN", "")

	cfg.LotusWallet, err = getEnvRequired("EV_LOTUS_WALLET")
	if err != nil {
		return err
	}
	if _, err := address.NewFromString(cfg.LotusWallet); err != nil {
		return fmt.Errorf("EV_LOTUS_WALLET: некорректный адрес %q: %w", cfg.LotusWallet, err)
	}

	cfg.LotusMiner, err = getEnvRequired("EV_LOTUS_MINER")
	if err != nil {
		return err
	}
	if _, err := address.NewFromString(cfg.LotusMiner); err != nil {
		return fmt.Errorf("EV_LOTUS_MINER: некорректный адрес %q: %w", cfg.LotusMiner, err)
	}

	cfg.LotusEpochPrice = getEnvDefault("EV_LOTUS_EPOCH_PRICE", "0")
	if _, err := strconv.ParseUint(cfg.LotusEpochPrice, 10, 64); err != nil {
		return fmt.Errorf("EV_LOTUS_EPOCH_PRICE: некорректное значение %q", cfg.LotusEpochPrice)
	}

	// 518400 эпох — 180 дней, минимальная длительность сделки в сети
	minBlocks, err := getEnvInt64("EV_LOTUS_MIN_BLOCKS_DURATION", 518400)
	if err != nil {
		return fmt.Errorf("EV_LOTUS_MIN_BLOCKS_DURATION: %w", err)
	}
	if minBlocks < 1 {
		return fmt.Errorf("EV_LOTUS_MIN_BLOCKS_DURATION: значение должно быть > 0")
	}
	cfg.LotusMinBlocksDuration = uint64(minBlocks)

	cfg.LotusFastRetrieval, err = getEnvBool("EV_LOTUS_FAST_RETRIEVAL", true)
	if err != nil {
		return fmt.Errorf("EV_LOTUS_FAST_RETRIEVAL: %w", err)
	}
	cfg.LotusVerifiedDeal, err = getEnvBool("EV_LOTUS_VERIFIED_DEAL", false)
	if err != nil {
		return fmt.Errorf("EV_LOTUS_VERIFIED_DEAL: %w", err)
	}

	cfg.LotusHealthPath = getEnvDefault("EV_LOTUS_HEALTH_PATH", "/health/livez")

	cfg.DealTimeout, err = getEnvDurationPositive("EV_DEAL_TIMEOUT", 2*time.Minute)
	if err != nil {
		return fmt.Errorf("EV_DEAL_TIMEOUT: %w", err)
	}
	cfg.DealRateLimit, err = getEnvFloat("EV_DEAL_RATE_LIMIT", 5)
	if err != nil {
		return fmt.Errorf("EV_DEAL_RATE_LIMIT: %w", err)
	}
	if cfg.DealRateLimit <= 0 {
		return fmt.Errorf("EV_DEAL_RATE_LIMIT: значение должно быть > 0")
	}
	cfg.DealRateBurst, err = getEnvInt("EV_DEAL_RATE_BURST", 5)
	if err != nil {
		return fmt.Errorf("EV_DEAL_RATE_BURST: %w", err)
	}
	if cfg.DealRateBurst < 1 {
		return fmt.Errorf("EV_DEAL_RATE_BURST: значение должно быть >= 1")
	}
	return nil
}

// loadWorker загружает параметры воркера миграции.
func loadWorker(cfg *Config) error {
	var err error

	cfg.WorkerConcurrency, err = getEnvInt("EV_WORKER_CONCURRENCY", 4)
	if err != nil {
		return fmt.Errorf("EV_WORKER_CONCURRENCY: %w", err)
	}
	if cfg.WorkerConcurrency < 1 || cfg.WorkerConcurrency > 256 {
		return fmt.Errorf("EV_WORKER_CONCURRENCY: значение %d вне допустимого диапазона 1-256", cfg.WorkerConcurrency)
	}

	cfg.WorkerPollInterval, err = getEnvDurationPositive("EV_WORKER_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return fmt.Errorf("EV_WORKER_POLL_INTERVAL: %w", err)
	}

	cfg.WorkerLease, err = getEnvDurationPositive("EV_WORKER_LEASE", 10*time.Minute)
	if err != nil {
		return fmt.Errorf("EV_WORKER_LEASE: %w", err)
	}
	// Аренда должна пережить самый долгий вызов DealStore, иначе запись
	// перехватит другой воркер, пока первый ещё ждёт ответа.
	if cfg.WorkerLease <= cfg.DealTimeout {
		return fmt.Errorf("EV_WORKER_LEASE: значение %s должно превышать EV_DEAL_TIMEOUT (%s)", cfg.WorkerLease, cfg.DealTimeout)
	}

	cfg.MigrationMaxAttempts, err = getEnvInt("EV_MIGRATION_MAX_ATTEMPTS", 3)
	if err != nil {
		return fmt.Errorf("EV_MIGRATION_MAX_ATTEMPTS: %w", err)
	}
	if cfg.MigrationMaxAttempts < 1 || cfg.MigrationMaxAttempts > 100 {
		return fmt.Errorf("EV_MIGRATION_MAX_ATTEMPTS: значение %d вне допустимого диапазона 1-100", cfg.MigrationMaxAttempts)
	}

	cfg.RetryBaseDelay, err = getEnvDurationPositive("EV_RETRY_BASE_DELAY", 30*time.Second)
	if err != nil {
		return fmt.Errorf("EV_RETRY_BASE_DELAY: %w", err)
	}
	cfg.RetryMaxDelay, err = getEnvDurationPositive("EV_RETRY_MAX_DELAY", 30*time.Minute)
	if err != nil {
		return fmt.Errorf("EV_RETRY_MAX_DELAY: %w", err)
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("EV_RETRY_MAX_DELAY: значение %s меньше EV_RETRY_BASE_DELAY (%s)", cfg.RetryMaxDelay, cfg.RetryBaseDelay)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL для dephealth-лейблов и golang-migrate.
// scheme — "postgres" или "pgx5".
func (c *Config) DatabaseURL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// RunsAPI сообщает, обслуживает ли процесс бизнес-endpoints.
func (c *Config) RunsAPI() bool {
	return c.Role == RoleAll || c.Role == RoleAPI
}

// RunsWorker сообщает, запускает ли процесс воркер миграции.
func (c *Config) RunsWorker() bool {
	return c.Role == RoleAll || c.Role == RoleWorker
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 — то же, что getEnvInt, для размеров в байтах.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает дробное значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvDurationPositive — getEnvDuration с проверкой > 0.
func getEnvDurationPositive(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
