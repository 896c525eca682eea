// Пакет database — подключение к хранилищу записей (PostgreSQL через pgxpool
// или SQLite для однонодовой установки), применение миграций (golang-migrate)
// и проверка готовности.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"

	"github.com/bigkaa/evidence-vault/internal/config"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Connect создаёт пул подключений к PostgreSQL.
// Выполняет ping для проверки доступности.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
	)

	return pool, nil
}

// Migrate применяет SQL-миграции PostgreSQL из embedded FS.
// Использует golang-migrate с драйвером pgx5.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	dbURL := cfg.DatabaseURL("pgx5")
	return migrateUp("migrations/postgres", logger, func(src source.Driver) (*migrate.Migrate, error) {
		return migrate.NewWithSourceInstance("iofs", src, dbURL)
	})
}

// OpenSQLite открывает файл SQLite.
// Одно соединение: SQLite сериализует запись, а условные UPDATE
// хранилища записей рассчитаны на атомарность одного оператора.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия SQLite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ошибка подключения к SQLite: %w", err)
	}

	logger.Info("Хранилище SQLite открыто", slog.String("path", path))
	return db, nil
}

// MigrateSQLite применяет SQL-миграции SQLite из embedded FS.
// Драйвер golang-migrate получает уже открытое соединение: путь к файлу
// не проходит через URL и может содержать пробелы и не-ASCII символы.
func MigrateSQLite(path string, logger *slog.Logger) error {
	return migrateUp("migrations/sqlite", logger, func(src source.Driver) (*migrate.Migrate, error) {
		db, err := sql.Open("sqlite", sqliteDSN(path))
		if err != nil {
			return nil, err
		}
		driver, err := sqlite.WithInstance(db, &sqlite.Config{})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		// m.Close() закрывает и driver, и db
		return migrate.NewWithInstance("iofs", src, "sqlite", driver)
	})
}

// sqliteDSN строит DSN modernc.org/sqlite для файла path.
// Символы, значимые в URI имени файла SQLite, экранируются.
func sqliteDSN(path string) string {
	escaped := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(path)
	return "file:" + escaped + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// migrateUp применяет все миграции из каталога dir embedded FS.
// open создаёт экземпляр migrate поверх источника миграций.
func migrateUp(dir string, logger *slog.Logger, open func(source.Driver) (*migrate.Migrate, error)) error {
	src, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	m, err := open(src)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.String("dir", dir),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return nil
}

// migrationFiles возвращает имена файлов миграций каталога (для тестов).
func migrationFiles(dir string) ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// pinger — то, что умеет проверять соединение.
type pinger interface {
	Ping(ctx context.Context) error
}

// sqlPinger адаптирует *sql.DB к pinger.
type sqlPinger struct{ db *sql.DB }

func (p sqlPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// ReadinessChecker — проверка готовности хранилища записей для health endpoint.
// Реализует интерфейс handlers.ReadinessChecker.
type ReadinessChecker struct {
	p    pinger
	name string
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{p: pool, name: "PostgreSQL"}
}

// NewSQLiteReadinessChecker создаёт проверку готовности SQLite.
func NewSQLiteReadinessChecker(db *sql.DB) *ReadinessChecker {
	return &ReadinessChecker{p: sqlPinger{db: db}, name: "SQLite"}
}

// CheckReady проверяет подключение через ping.
// Возвращает статус ("ok", "fail") и сообщение.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.p.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("%s недоступен: %v", c.name, err)
	}
	return "ok", "подключение активно"
}
