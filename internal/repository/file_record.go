package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/evidence-vault/internal/domain/model"
)

// fileColumns — список столбцов таблицы file_records для SELECT и RETURNING.
const fileColumns = `id, owner_id, original_name, size_bytes, mime_type, content_fingerprint,
	tier_a_id, tier_a_state, tier_b_id, deal_id, tier_b_state,
	migration_attempts, attempt_limit, next_attempt_at, claimed_by, lease_until,
	last_attempt_at, last_error, metadata, created_at, updated_at`

// pgFileRepo — реализация FileRecordRepository через pgx.
type pgFileRepo struct {
	db DBTX
}

// NewFileRecordRepository создаёт репозиторий записей PostgreSQL.
func NewFileRecordRepository(db DBTX) FileRecordRepository {
	return &pgFileRepo{db: db}
}

// scanRecord сканирует одну строку в FileRecord.
func scanRecord(row pgx.Row) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	err := row.Scan(
		&f.ID, &f.OwnerID, &f.OriginalName, &f.SizeBytes, &f.MimeType, &f.ContentFingerprint,
		&f.TierAID, &f.TierAState, &f.TierBID, &f.DealID, &f.TierBState,
		&f.MigrationAttempts, &f.AttemptLimit, &f.NextAttemptAt, &f.ClaimedBy, &f.LeaseUntil,
		&f.LastAttemptAt, &f.LastError, &f.Metadata, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if f.Metadata == nil {
		f.Metadata = map[string]string{}
	}
	return f, nil
}

// scanOne сканирует результат условного UPDATE ... RETURNING.
// Отсутствие строки означает, что условие не выполнено (ErrStale).
func scanOne(row pgx.Row, op string) (*model.FileRecord, error) {
	f, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStale
		}
		return nil, fmt.Errorf("ошибка %s: %w", op, err)
	}
	return f, nil
}

// Insert вставляет новую запись. Конфликт уникальности (owner, fingerprint) — ErrConflict.
func (r *pgFileRepo) Insert(ctx context.Context, rec *model.FileRecord) error {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	query := `
		INSERT INTO file_records (
			id, owner_id, original_name, size_bytes, mime_type, content_fingerprint,
			tier_a_id, tier_a_state, tier_b_state,
			migration_attempts, attempt_limit, next_attempt_at,
			metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.OwnerID, rec.OriginalName, rec.SizeBytes, rec.MimeType, rec.ContentFingerprint,
		rec.TierAID, rec.TierAState, rec.TierBState,
		rec.MigrationAttempts, rec.AttemptLimit, rec.NextAttemptAt,
		metadata, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания записи: %w", err)
	}
	return nil
}

// GetByID возвращает запись по UUID или ErrNotFound.
func (r *pgFileRepo) GetByID(ctx context.Context, id string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM file_records WHERE id = $1`, fileColumns)

	f, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи: %w", err)
	}
	return f, nil
}

// GetByFingerprint возвращает запись по ключу дедупликации или ErrNotFound.
func (r *pgFileRepo) GetByFingerprint(ctx context.Context, ownerID, fingerprint string) (*model.FileRecord, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM file_records WHERE owner_id = $1 AND content_fingerprint = $2`, fileColumns)

	f, err := scanRecord(r.db.QueryRow(ctx, query, ownerID, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска записи по отпечатку: %w", err)
	}
	return f, nil
}

// MarkPinned: pinning → pinned. Постановка в очередь (next_attempt_at)
// выполняется тем же UPDATE, что и фиксация tier A.
func (r *pgFileRepo) MarkPinned(ctx context.Context, id, tierAID string, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_a_state = 'pinned', tier_a_id = $2, next_attempt_at = $3,
			last_error = NULL, updated_at = $3
		WHERE id = $1 AND tier_a_state = 'pinning'
		RETURNING %s`, fileColumns)

	return scanOne(r.db.QueryRow(ctx, query, id, tierAID, now), "фиксации закрепления")
}

// MarkPinFailed: pinning → failed.
func (r *pgFileRepo) MarkPinFailed(ctx context.Context, id, lastError string, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_a_state = 'failed', last_error = $2, updated_at = $3
		WHERE id = $1 AND tier_a_state = 'pinning'
		RETURNING %s`, fileColumns)

	return scanOne(r.db.QueryRow(ctx, query, id, lastError, now), "фиксации ошибки закрепления")
}

// ReclaimPin: failed → pinning или перехват зависшего pinning.
func (r *pgFileRepo) ReclaimPin(ctx context.Context, id string, now, staleBefore time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_a_state = 'pinning', claimed_by = NULL, lease_until = NULL, updated_at = $2
		WHERE id = $1
			AND (tier_a_state = 'failed' OR (tier_a_state = 'pinning' AND updated_at < $3))
			AND (claimed_by IS NULL OR lease_until < $2)
		RETURNING %s`, fileColumns)

	return scanOne(r.db.QueryRow(ctx, query, id, now, staleBefore), "перехвата закрепления")
}

// ClaimNext забирает одну запись в работу.
// FOR UPDATE SKIP LOCKED — параллельные воркеры не ждут друг друга
// и никогда не забирают одну и ту же строку.
func (r *pgFileRepo) ClaimNext(ctx context.Context, workerID string, now, leaseUntil time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_b_state = 'migrating',
			migration_attempts = CASE WHEN tier_b_state = 'migrating'
				THEN migration_attempts + 1 ELSE migration_attempts END,
			claimed_by = $1, lease_until = $3, last_attempt_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM file_records
			WHERE tier_a_state = 'pinned'
				AND (
					(tier_b_state = 'queued' AND next_attempt_at <= $2
						AND migration_attempts < attempt_limit
						AND (claimed_by IS NULL OR lease_until < $2))
					OR (tier_b_state = 'migrating' AND lease_until < $2
						AND migration_attempts + 1 < attempt_limit)
				)
			ORDER BY next_attempt_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, fileColumns)

	f, err := scanRecord(r.db.QueryRow(ctx, query, workerID, now, leaseUntil))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка захвата записи: %w", err)
	}
	return f, nil
}

// ExpireLeases переводит в failed записи с просроченной арендой,
// у которых брошенная попытка исчерпала бюджет.
func (r *pgFileRepo) ExpireLeases(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE file_records
		SET tier_b_state = 'failed', migration_attempts = migration_attempts + 1,
			last_error = $2, claimed_by = NULL, lease_until = NULL,
			next_attempt_at = NULL, updated_at = $1
		WHERE tier_b_state = 'migrating' AND lease_until < $1
			AND migration_attempts + 1 >= attempt_limit`

	tag, err := r.db.Exec(ctx, query, now, LeaseExpiredError)
	if err != nil {
		return 0, fmt.Errorf("ошибка завершения просроченных аренд: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CompleteMigration: migrating → completed.
func (r *pgFileRepo) CompleteMigration(
	ctx context.Context, id, workerID, tierBID, dealID string, now time.Time,
) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_b_state = 'completed', tier_b_id = $3, deal_id = $4,
			migration_attempts = migration_attempts + 1,
			claimed_by = NULL, lease_until = NULL, next_attempt_at = NULL,
			last_error = NULL, updated_at = $5
		WHERE id = $1 AND tier_b_state = 'migrating' AND claimed_by = $2
		RETURNING %s`, fileColumns)

	return scanOne(r.db.QueryRow(ctx, query, id, workerID, tierBID, dealID, now), "завершения миграции")
}

// FailAttempt фиксирует повторяемую ошибку попытки.
func (r *pgFileRepo) FailAttempt(
	ctx context.Context, id, workerID, lastError string, now, nextAttemptAt time.Time,
) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET migration_attempts = migration_attempts + 1,
			tier_b_state = CASE WHEN migration_attempts + 1 >= attempt_limit
				THEN 'failed' ELSE 'queued' END,
			next_attempt_at = CASE WHEN migration_attempts + 1 >= attempt_limit
				THEN NULL ELSE $5::timestamptz END,
			last_error = $3, claimed_by = NULL, lease_until = NULL, updated_at = $4
		WHERE id = $1 AND tier_b_state = 'migrating' AND claimed_by = $2
		RETURNING %s`, fileColumns)

	return scanOne(r.db.QueryRow(ctx, query, id, workerID, lastError, now, nextAttemptAt), "фиксации ошибки попытки")
}

// FailTerminal фиксирует терминальную ошибку без расхода бюджета попыток.
func (r *pgFileRepo) FailTerminal(ctx context.Context, id, workerID, lastError string, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_b_state = 'failed', last_error = $3,
			claimed_by = NULL, lease_until = NULL, next_attempt_at = NULL, updated_at = $4
		WHERE id = $1 AND tier_b_state = 'migrating' AND claimed_by = $2
		RETURNING %s`, fileColumns)

	return scanOne(r.db.QueryRow(ctx, query, id, workerID, lastError, now), "фиксации терминальной ошибки")
}

// Requeue — ручной повтор failed → queued.
// Без force бюджет расширяется на maxAttempts от текущего счётчика,
// с force счётчик сбрасывается.
func (r *pgFileRepo) Requeue(ctx context.Context, id string, force bool, maxAttempts int, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_b_state = 'queued',
			migration_attempts = CASE WHEN $2::boolean THEN 0 ELSE migration_attempts END,
			attempt_limit = CASE WHEN $2::boolean THEN $3::integer
				ELSE migration_attempts + $3::integer END,
			next_attempt_at = $4, claimed_by = NULL, lease_until = NULL, updated_at = $4
		WHERE id = $1 AND tier_b_state = 'failed' AND tier_a_state = 'pinned'
			AND (claimed_by IS NULL OR lease_until < $4)
		RETURNING %s`, fileColumns)

	return scanOne(r.db.QueryRow(ctx, query, id, force, maxAttempts, now), "ручного повтора")
}

// HoldForRelease удерживает запись на время открепления от tier A.
// Удержание — та же аренда (claimed_by, lease_until), что и у воркера,
// но без перехода tier B в migrating.
func (r *pgFileRepo) HoldForRelease(ctx context.Context, id, holder string, now, holdUntil time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET claimed_by = $2, lease_until = $4, updated_at = $3
		WHERE id = $1 AND tier_a_state IN ('pinned', 'failed') AND tier_b_state <> 'migrating'
			AND (claimed_by IS NULL OR lease_until < $3)
		RETURNING %s`, fileColumns)

	return scanOne(r.db.QueryRow(ctx, query, id, holder, now, holdUntil), "удержания записи")
}

// DropReleaseHold снимает удержание: запись возвращается в прежнее состояние.
func (r *pgFileRepo) DropReleaseHold(ctx context.Context, id, holder string, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET claimed_by = NULL, lease_until = NULL, updated_at = $3
		WHERE id = $1 AND claimed_by = $2 AND tier_b_state <> 'migrating'
		RETURNING %s`, fileColumns)

	return scanOne(r.db.QueryRow(ctx, query, id, holder, now), "снятия удержания")
}

// Release — soft delete. Запись, ещё ждущая миграции, выходит из очереди
// в tier B failed с пояснением queuedError.
func (r *pgFileRepo) Release(ctx context.Context, id, holder, queuedError string, now time.Time) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET tier_a_state = 'released',
			tier_b_state = CASE WHEN tier_b_state = 'queued' THEN 'failed' ELSE tier_b_state END,
			last_error = CASE WHEN tier_b_state = 'queued' THEN $4::text ELSE last_error END,
			next_attempt_at = NULL, claimed_by = NULL, lease_until = NULL, updated_at = $3
		WHERE id = $1 AND claimed_by = $2
			AND tier_a_state IN ('pinned', 'failed') AND tier_b_state <> 'migrating'
		RETURNING %s`, fileColumns)

	return scanOne(r.db.QueryRow(ctx, query, id, holder, now, queuedError), "освобождения tier A")
}

// Summary — количество и объём записей владельца по парам состояний.
func (r *pgFileRepo) Summary(ctx context.Context, ownerID string) ([]model.StateCount, error) {
	query := `
		SELECT tier_a_state, tier_b_state, COUNT(*), COALESCE(SUM(size_bytes), 0)::bigint
		FROM file_records
		WHERE owner_id = $1
		GROUP BY tier_a_state, tier_b_state
		ORDER BY tier_a_state, tier_b_state`

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ошибка построения сводки: %w", err)
	}
	defer rows.Close()

	var result []model.StateCount
	for rows.Next() {
		var c model.StateCount
		if err := rows.Scan(&c.TierAState, &c.TierBState, &c.Count, &c.Bytes); err != nil {
			return nil, fmt.Errorf("ошибка сканирования сводки: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации сводки: %w", err)
	}
	return result, nil
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
