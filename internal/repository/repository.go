// Пакет repository — хранилище записей FileRecord (единственный разделяемый
// изменяемый ресурс конвейера).
//
// Все изменения состояния — условные UPDATE по текущему состоянию
// (compare-and-set), без слепой перезаписи. Проигравший гонку получает
// ErrStale, перечитывает запись и ничего не делает.
//
// Две реализации: PostgreSQL (pgx, основная) и SQLite (database/sql,
// однонодовая установка и тесты сервисного слоя). Все запросы — чистый SQL.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/evidence-vault/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — запись с таким (owner_id, content_fingerprint) уже существует.
	ErrConflict = errors.New("запись уже существует")
	// ErrStale — условный UPDATE не применён: состояние записи уже изменено.
	ErrStale = errors.New("состояние записи изменилось")
)

// LeaseExpiredError — lastError для записей, чья аренда истекла без результата.
const LeaseExpiredError = "аренда воркера истекла до получения результата"

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FileRecordRepository — доступ к таблице file_records.
// Время передаётся вызывающим: хранилище не читает часы само.
type FileRecordRepository interface {
	// Insert атомарно вставляет запись, если пары (owner, fingerprint) ещё нет.
	// При конфликте уникальности возвращает ErrConflict.
	Insert(ctx context.Context, rec *model.FileRecord) error
	// GetByID возвращает запись по UUID или ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.FileRecord, error)
	// GetByFingerprint возвращает запись владельца по отпечатку или ErrNotFound.
	GetByFingerprint(ctx context.Context, ownerID, fingerprint string) (*model.FileRecord, error)

	// MarkPinned: pinning → pinned, задаёт tierAId и ставит запись в очередь.
	MarkPinned(ctx context.Context, id, tierAID string, now time.Time) (*model.FileRecord, error)
	// MarkPinFailed: pinning → failed с lastError. Запись в очередь не ставится.
	MarkPinFailed(ctx context.Context, id, lastError string, now time.Time) (*model.FileRecord, error)
	// ReclaimPin: failed → pinning или зависшее pinning (updated_at < staleBefore) → pinning.
	ReclaimPin(ctx context.Context, id string, now, staleBefore time.Time) (*model.FileRecord, error)

	// ClaimNext забирает одну запись в работу: queued → migrating или
	// перехват просроченной аренды. Возвращает (nil, nil), если работы нет.
	ClaimNext(ctx context.Context, workerID string, now, leaseUntil time.Time) (*model.FileRecord, error)
	// ExpireLeases переводит в failed записи с просроченной арендой и исчерпанным бюджетом.
	ExpireLeases(ctx context.Context, now time.Time) (int64, error)
	// CompleteMigration: migrating → completed (только владелец аренды).
	CompleteMigration(ctx context.Context, id, workerID, tierBID, dealID string, now time.Time) (*model.FileRecord, error)
	// FailAttempt фиксирует повторяемую ошибку: attempts+1, затем queued
	// с nextAttemptAt или failed при исчерпании бюджета.
	FailAttempt(ctx context.Context, id, workerID, lastError string, now, nextAttemptAt time.Time) (*model.FileRecord, error)
	// FailTerminal фиксирует терминальную ошибку: failed без расхода бюджета.
	FailTerminal(ctx context.Context, id, workerID, lastError string, now time.Time) (*model.FileRecord, error)

	// Requeue — ручной повтор: failed → queued. force сбрасывает счётчик попыток.
	Requeue(ctx context.Context, id string, force bool, maxAttempts int, now time.Time) (*model.FileRecord, error)
	// HoldForRelease удерживает запись за освобождением tier A до вызова
	// Unpin: claimed_by = holder, lease_until = holdUntil. Удерживаемую
	// запись не забирают воркеры, не трогают Requeue и ReclaimPin.
	// Просроченное удержание перехватывается.
	HoldForRelease(ctx context.Context, id, holder string, now, holdUntil time.Time) (*model.FileRecord, error)
	// DropReleaseHold снимает удержание holder (Unpin не удался).
	DropReleaseHold(ctx context.Context, id, holder string, now time.Time) (*model.FileRecord, error)
	// Release — soft delete удерживаемой holder записи: tier A → released.
	Release(ctx context.Context, id, holder, queuedError string, now time.Time) (*model.FileRecord, error)

	// Summary — агрегат по парам состояний для владельца (один GROUP BY).
	Summary(ctx context.Context, ownerID string) ([]model.StateCount, error)
}
