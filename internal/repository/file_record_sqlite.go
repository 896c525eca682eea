package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bigkaa/evidence-vault/internal/domain/model"
)

// sqliteFileRepo — реализация FileRecordRepository поверх SQLite.
// Время хранится в миллисекундах Unix, metadata — JSON-текстом.
// Каждое изменение — один оператор UPDATE ... RETURNING, атомарный
// при единственном соединении с базой.
type sqliteFileRepo struct {
	db *sql.DB
}

// NewSQLiteFileRecordRepository создаёт репозиторий записей SQLite.
func NewSQLiteFileRecordRepository(db *sql.DB) FileRecordRepository {
	return &sqliteFileRepo{db: db}
}

// sqliteScanner — общий интерфейс *sql.Row и *sql.Rows.
type sqliteScanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// scanSQLiteRecord сканирует одну строку в FileRecord.
func scanSQLiteRecord(row sqliteScanner) (*model.FileRecord, error) {
	var (
		f                                model.FileRecord
		tierAID, tierBID, dealID         sql.NullString
		claimedBy, lastError             sql.NullString
		tierAState, tierBState, metadata string
		nextAttempt, lease, lastAttempt  sql.NullInt64
		createdAt, updatedAt             int64
	)
	err := row.Scan(
		&f.ID, &f.OwnerID, &f.OriginalName, &f.SizeBytes, &f.MimeType, &f.ContentFingerprint,
		&tierAID, &tierAState, &tierBID, &dealID, &tierBState,
		&f.MigrationAttempts, &f.AttemptLimit, &nextAttempt, &claimedBy, &lease,
		&lastAttempt, &lastError, &metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	f.TierAID = fromNullString(tierAID)
	f.TierAState = model.TierAState(tierAState)
	f.TierBID = fromNullString(tierBID)
	f.DealID = fromNullString(dealID)
	f.TierBState = model.TierBState(tierBState)
	f.NextAttemptAt = fromNullMillis(nextAttempt)
	f.ClaimedBy = fromNullString(claimedBy)
	f.LeaseUntil = fromNullMillis(lease)
	f.LastAttemptAt = fromNullMillis(lastAttempt)
	f.LastError = fromNullString(lastError)
	f.CreatedAt = time.UnixMilli(createdAt).UTC()
	f.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	f.Metadata = map[string]string{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &f.Metadata); err != nil {
			return nil, fmt.Errorf("некорректный JSON metadata: %w", err)
		}
	}
	return &f, nil
}

// scanSQLiteOne сканирует результат условного UPDATE ... RETURNING.
func scanSQLiteOne(row *sql.Row, op string) (*model.FileRecord, error) {
	f, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStale
		}
		return nil, fmt.Errorf("ошибка %s: %w", op, err)
	}
	return f, nil
}

// Insert вставляет новую запись. Конфликт уникальности — ErrConflict.
func (r *sqliteFileRepo) Insert(ctx context.Context, rec *model.FileRecord) error {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("ошибка сериализации metadata: %w", err)
	}

	query := `
		INSERT INTO file_records (
			id, owner_id, original_name, size_bytes, mime_type, content_fingerprint,
			tier_a_id, tier_a_state, tier_b_state,
			migration_attempts, attempt_limit, next_attempt_at,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var tierAID sql.NullString
	if rec.TierAID != nil {
		tierAID = sql.NullString{String: *rec.TierAID, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.OwnerID, rec.OriginalName, rec.SizeBytes, rec.MimeType, rec.ContentFingerprint,
		tierAID, string(rec.TierAState), string(rec.TierBState),
		rec.MigrationAttempts, rec.AttemptLimit, nullMillis(rec.NextAttemptAt),
		string(metaJSON), toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания записи: %w", err)
	}
	return nil
}

// GetByID возвращает запись по UUID или ErrNotFound.
func (r *sqliteFileRepo) GetByID(ctx context.Context, id string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM file_records WHERE id = ?`, fileColumns)

	f, err := scanSQLiteRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи: %w", err)
	}
	return f, nil
}

// GetByFingerprint возвращает запись по ключу дедупликации или ErrNotFound.
func (r *sqliteFileRepo) GetByFingerprint(ctx context.Context, ownerID, fingerprint string) (*model.FileRecord, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM file_records WHERE owner_id = ? AND content_fingerprint = ?`, fileColumns)

	f, err := scanSQLiteRecord(r.db.QueryRowContext(ctx, query, ownerID, fingerprint))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска записи по отпечатку: %w", err)
	}
	return f, nil
}

// MarkPinned: pinning → pinned с постановкой в очередь.
func (r *sqliteFileRepo) MarkPinned(ctx context.Context, id, tierAID string, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_a_state = 'pinned', tier_a_id = ?2, next_attempt_at = ?3,
			last_error = NULL, updated_at = ?3
		WHERE id = ?1 AND tier_a_state = 'pinning'
		RETURNING %s`, fileColumns)

	return scanSQLiteOne(r.db.QueryRowContext(ctx, query, id, tierAID, toMillis(now)), "фиксации закрепления")
}

// MarkPinFailed: pinning → failed.
func (r *sqliteFileRepo) MarkPinFailed(ctx context.Context, id, lastError string, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_a_state = 'failed', last_error = ?2, updated_at = ?3
		WHERE id = ?1 AND tier_a_state = 'pinning'
		RETURNING %s`, fileColumns)

	return scanSQLiteOne(r.db.QueryRowContext(ctx, query, id, lastError, toMillis(now)), "фиксации ошибки закрепления")
}

// ReclaimPin: failed → pinning или перехват зависшего pinning.
func (r *sqliteFileRepo) ReclaimPin(ctx context.Context, id string, now, staleBefore time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_a_state = 'pinning', claimed_by = NULL, lease_until = NULL, updated_at = ?2
		WHERE id = ?1
			AND (tier_a_state = 'failed' OR (tier_a_state = 'pinning' AND updated_at < ?3))
			AND (claimed_by IS NULL OR lease_until < ?2)
		RETURNING %s`, fileColumns)

	return scanSQLiteOne(r.db.QueryRowContext(ctx, query, id, toMillis(now), toMillis(staleBefore)), "перехвата закрепления")
}

// ClaimNext забирает одну запись в работу одним оператором UPDATE.
func (r *sqliteFileRepo) ClaimNext(ctx context.Context, workerID string, now, leaseUntil time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_b_state = 'migrating',
			migration_attempts = CASE WHEN tier_b_state = 'migrating'
				THEN migration_attempts + 1 ELSE migration_attempts END,
			claimed_by = ?1, lease_until = ?3, last_attempt_at = ?2, updated_at = ?2
		WHERE id = (
			SELECT id FROM file_records
			WHERE tier_a_state = 'pinned'
				AND (
					(tier_b_state = 'queued' AND next_attempt_at <= ?2
						AND migration_attempts < attempt_limit
						AND (claimed_by IS NULL OR lease_until < ?2))
					OR (tier_b_state = 'migrating' AND lease_until < ?2
						AND migration_attempts + 1 < attempt_limit)
				)
			ORDER BY next_attempt_at
			LIMIT 1
		)
		RETURNING %s`, fileColumns)

	f, err := scanSQLiteRecord(r.db.QueryRowContext(ctx, query, workerID, toMillis(now), toMillis(leaseUntil)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка захвата записи: %w", err)
	}
	return f, nil
}

// ExpireLeases переводит в failed записи с просроченной арендой и исчерпанным бюджетом.
func (r *sqliteFileRepo) ExpireLeases(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE file_records
		SET tier_b_state = 'failed', migration_attempts = migration_attempts + 1,
			last_error = ?2, claimed_by = NULL, lease_until = NULL,
			next_attempt_at = NULL, updated_at = ?1
		WHERE tier_b_state = 'migrating' AND lease_until < ?1
			AND migration_attempts + 1 >= attempt_limit`

	res, err := r.db.ExecContext(ctx, query, toMillis(now), LeaseExpiredError)
	if err != nil {
		return 0, fmt.Errorf("ошибка завершения просроченных аренд: %w", err)
	}
	return res.RowsAffected()
}

// CompleteMigration: migrating → completed.
func (r *sqliteFileRepo) CompleteMigration(
	ctx context.Context, id, workerID, tierBID, dealID string, now time.Time,
) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_b_state = 'completed', tier_b_id = ?3, deal_id = ?4,
			migration_attempts = migration_attempts + 1,
			claimed_by = NULL, lease_until = NULL, next_attempt_at = NULL,
			last_error = NULL, updated_at = ?5
		WHERE id = ?1 AND tier_b_state = 'migrating' AND claimed_by = ?2
		RETURNING %s`, fileColumns)

	return scanSQLiteOne(r.db.QueryRowContext(ctx, query, id, workerID, tierBID, dealID, toMillis(now)), "завершения миграции")
}

// FailAttempt фиксирует повторяемую ошибку попытки.
func (r *sqliteFileRepo) FailAttempt(
	ctx context.Context, id, workerID, lastError string, now, nextAttemptAt time.Time,
) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET migration_attempts = migration_attempts + 1,
			tier_b_state = CASE WHEN migration_attempts + 1 >= attempt_limit
				THEN 'failed' ELSE 'queued' END,
			next_attempt_at = CASE WHEN migration_attempts + 1 >= attempt_limit
				THEN NULL ELSE ?5 END,
			last_error = ?3, claimed_by = NULL, lease_until = NULL, updated_at = ?4
		WHERE id = ?1 AND tier_b_state = 'migrating' AND claimed_by = ?2
		RETURNING %s`, fileColumns)

	return scanSQLiteOne(r.db.QueryRowContext(ctx, query,
		id, workerID, lastError, toMillis(now), toMillis(nextAttemptAt)), "фиксации ошибки попытки")
}

// FailTerminal фиксирует терминальную ошибку без расхода бюджета попыток.
func (r *sqliteFileRepo) FailTerminal(ctx context.Context, id, workerID, lastError string, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_b_state = 'failed', last_error = ?3,
			claimed_by = NULL, lease_until = NULL, next_attempt_at = NULL, updated_at = ?4
		WHERE id = ?1 AND tier_b_state = 'migrating' AND claimed_by = ?2
		RETURNING %s`, fileColumns)

	return scanSQLiteOne(r.db.QueryRowContext(ctx, query, id, workerID, lastError, toMillis(now)), "фиксации терминальной ошибки")
}

// Requeue — ручной повтор failed → queued.
func (r *sqliteFileRepo) Requeue(ctx context.Context, id string, force bool, maxAttempts int, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_b_state = 'queued',
			migration_attempts = CASE WHEN ?2 THEN 0 ELSE migration_attempts END,
			attempt_limit = CASE WHEN ?2 THEN ?3 ELSE migration_attempts + ?3 END,
			next_attempt_at = ?4, claimed_by = NULL, lease_until = NULL, updated_at = ?4
		WHERE id = ?1 AND tier_b_state = 'failed' AND tier_a_state = 'pinned'
			AND (claimed_by IS NULL OR lease_until < ?4)
		RETURNING %s`, fileColumns)

	return scanSQLiteOne(r.db.QueryRowContext(ctx, query, id, force, maxAttempts, toMillis(now)), "ручного повтора")
}

// HoldForRelease удерживает запись на время открепления от tier A.
func (r *sqliteFileRepo) HoldForRelease(ctx context.Context, id, holder string, now, holdUntil time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET claimed_by = ?2, lease_until = ?4, updated_at = ?3
		WHERE id = ?1 AND tier_a_state IN ('pinned', 'failed') AND tier_b_state <> 'migrating'
			AND (claimed_by IS NULL OR lease_until < ?3)
		RETURNING %s`, fileColumns)

	return scanSQLiteOne(r.db.QueryRowContext(ctx, query, id, holder, toMillis(now), toMillis(holdUntil)), "удержания записи")
}

// DropReleaseHold снимает удержание.
func (r *sqliteFileRepo) DropReleaseHold(ctx context.Context, id, holder string, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET claimed_by = NULL, lease_until = NULL, updated_at = ?3
		WHERE id = ?1 AND claimed_by = ?2 AND tier_b_state <> 'migrating'
		RETURNING %s`, fileColumns)

	return scanSQLiteOne(r.db.QueryRowContext(ctx, query, id, holder, toMillis(now)), "снятия удержания")
}

// Release — soft delete удерживаемой записи.
func (r *sqliteFileRepo) Release(ctx context.Context, id, holder, queuedError string, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_a_state = 'released',
			tier_b_state = CASE WHEN tier_b_state = 'queued' THEN 'failed' ELSE tier_b_state END,
			last_error = CASE WHEN tier_b_state = 'queued' THEN ?4 ELSE last_error END,
			next_attempt_at = NULL, claimed_by = NULL, lease_until = NULL, updated_at = ?3
		WHERE id = ?1 AND claimed_by = ?2
			AND tier_a_state IN ('pinned', 'failed') AND tier_b_state <> 'migrating'
		RETURNING %s`, fileColumns)

	return scanSQLiteOne(r.db.QueryRowContext(ctx, query, id, holder, toMillis(now), queuedError), "освобождения tier A")
}

// Summary — количество и объём записей владельца по парам состояний.
func (r *sqliteFileRepo) Summary(ctx context.Context, ownerID string) ([]model.StateCount, error) {
	query := `
		SELECT tier_a_state, tier_b_state, COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM file_records
		WHERE owner_id = ?
		GROUP BY tier_a_state, tier_b_state
		ORDER BY tier_a_state, tier_b_state`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ошибка построения сводки: %w", err)
	}
	defer rows.Close()

	var result []model.StateCount
	for rows.Next() {
		var (
			c            model.StateCount
			tierA, tierB string
		)
		if err := rows.Scan(&tierA, &tierB, &c.Count, &c.Bytes); err != nil {
			return nil, fmt.Errorf("ошибка сканирования сводки: %w", err)
		}
		c.TierAState = model.TierAState(tierA)
		c.TierBState = model.TierBState(tierB)
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации сводки: %w", err)
	}
	return result, nil
}

// isSQLiteUniqueViolation проверяет нарушение UNIQUE в SQLite.
func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}
