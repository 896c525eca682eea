// worker.go — MigrationWorker: перенос закреплённых файлов из tier A в tier B.
//
// Пул из Concurrency циклов (errgroup). Каждый цикл забирает записи
// условным UPDATE с арендой (claimed_by, lease_until) и ждёт следующего
// опроса или уведомления, когда работы нет. Все записи результата —
// условные UPDATE по claimed_by: воркер, потерявший аренду, ничего не пишет.
//
// Счётчик попыток:
//   - успех и повторяемая ошибка — attempts+1
//   - терминальная ошибка — attempts без изменений, сразу failed
//   - брошенная попытка (истекла аренда) — attempts+1 при перехвате
//
// Prometheus-метрики:
//   - ev_migration_attempts_total — результаты попыток (completed, retry, failed, terminal, stale)
//   - ev_migration_duration_seconds — длительность вызова DealStore
//   - ev_migration_claims_total — захваченные записи
//   - ev_migration_leases_expired_total — записи, переведённые в failed по истечении аренды
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bigkaa/evidence-vault/internal/domain/failure"
	"github.com/bigkaa/evidence-vault/internal/domain/lifecycle"
	"github.com/bigkaa/evidence-vault/internal/domain/model"
	"github.com/bigkaa/evidence-vault/internal/repository"
)

var (
	migrationAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ev_migration_attempts_total",
		Help: "Количество попыток миграции по результату",
	}, []string{"outcome"})

	migrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ev_migration_duration_seconds",
		Help:    "Длительность попытки миграции (вызов DealStore)",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 0.05s … ~102s
	})

	migrationClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ev_migration_claims_total",
		Help: "Количество записей, захваченных воркерами",
	})

	migrationLeasesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ev_migration_leases_expired_total",
		Help: "Количество записей, переведённых в failed по истечении аренды",
	})
)

// Результаты попытки миграции (метка outcome).
const (
	outcomeCompleted = "completed"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
	outcomeTerminal  = "terminal"
	outcomeStale     = "stale"
)

// WorkerConfig — параметры воркера миграции.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// Lease — аренда записи; должна превышать DealTimeout
	Lease       time.Duration
	DealTimeout time.Duration
	// MaxAttempts — бюджет попыток, добавляемый ручным повтором
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// RateLimit — вызовов DealStore в секунду на процесс, RateBurst — всплеск
	RateLimit float64
	RateBurst int
}

// MigrationWorker — пул воркеров миграции tier A → tier B.
type MigrationWorker struct {
	repo     repository.FileRecordRepository
	deals    DealStore
	notifier Notifier
	cfg      WorkerConfig
	backoff  *backoff.Backoff
	limiter  *rate.Limiter
	id       string
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMigrationWorker создаёт пул воркеров.
func NewMigrationWorker(
	repo repository.FileRecordRepository,
	deals DealStore,
	notifier Notifier,
	cfg WorkerConfig,
	logger *slog.Logger,
) *MigrationWorker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	id := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])

	return &MigrationWorker{
		repo:     repo,
		deals:    deals,
		notifier: notifier,
		cfg:      cfg,
		backoff: &backoff.Backoff{
			Min:    cfg.RetryBaseDelay,
			Max:    cfg.RetryMaxDelay,
			Factor: 2,
			Jitter: true,
		},
		limiter: rate.NewLimiter(limit, burst),
		id:      id,
		logger:  logger.With(slog.String("component", "migration_worker"), slog.String("worker_id", id)),
		now:     time.Now,
	}
}

// Start запускает пул воркеров. Вызывается один раз при старте приложения.
func (w *MigrationWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)

		w.logger.Info("Воркеры миграции запущены",
			slog.Int("concurrency", w.cfg.Concurrency),
			slog.String("poll_interval", w.cfg.PollInterval.String()),
			slog.String("lease", w.cfg.Lease.String()),
		)

		g, gctx := errgroup.WithContext(ctx)
		wake := make(chan struct{}, w.cfg.Concurrency)

		hints, err := w.notifier.Subscribe(gctx)
		if err != nil {
			w.logger.Warn("Подписка на уведомления не удалась, только опрос",
				slog.String("error", err.Error()),
			)
		} else {
			g.Go(func() error {
				for range hints {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
				return nil
			})
		}

		for i := 0; i < w.cfg.Concurrency; i++ {
			loopID := fmt.Sprintf("%s-%d", w.id, i)
			g.Go(func() error {
				w.loop(gctx, loopID, wake)
				return nil
			})
		}

		_ = g.Wait()
		w.logger.Info("Воркеры миграции остановлены")
	}()
}

// Stop прекращает захват новых записей и ждёт завершения текущих попыток.
func (w *MigrationWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

// loop обрабатывает очередь, пока есть работа, затем ждёт опроса или уведомления.
func (w *MigrationWorker) loop(ctx context.Context, workerID string, wake <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			worked, err := w.processNext(ctx, workerID)
			if err != nil {
				w.logger.Error("Ошибка обработки очереди миграции",
					slog.String("loop", workerID),
					slog.String("error", err.Error()),
				)
				break
			}
			if !worked {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// ProcessNext захватывает и обрабатывает не более одной записи.
// Возвращает true, если запись была обработана.
func (w *MigrationWorker) ProcessNext(ctx context.Context) (bool, error) {
	return w.processNext(ctx, w.id)
}

func (w *MigrationWorker) processNext(ctx context.Context, workerID string) (bool, error) {
	now := w.now().UTC()

	expired, err := w.repo.ExpireLeases(ctx, now)
	if err != nil {
		return false, err
	}
	if expired > 0 {
		migrationLeasesExpiredTotal.Add(float64(expired))
		w.logger.Warn("Аренды истекли, бюджет попыток исчерпан",
			slog.Int64("records", expired),
		)
	}

	rec, err := w.repo.ClaimNext(ctx, workerID, now, now.Add(w.cfg.Lease))
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	migrationClaimsTotal.Inc()

	w.migrate(ctx, rec, workerID)
	return true, nil
}

// migrate выполняет одну попытку миграции захваченной записи.
// Попытка не прерывается остановкой воркера: её ограничивает DealTimeout,
// а незавершённую попытку подберёт другой воркер по истечении аренды.
func (w *MigrationWorker) migrate(ctx context.Context, rec *model.FileRecord, workerID string) {
	logger := w.logger.With(
		slog.String("file_id", rec.ID),
		slog.String("loop", workerID),
		slog.Int("attempt", rec.MigrationAttempts+1),
	)

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DealTimeout)
	defer cancel()

	start := time.Now()
	res, dealErr := w.store(attemptCtx, rec)
	migrationDuration.Observe(time.Since(start).Seconds())

	now := w.now().UTC()
	writeCtx := context.WithoutCancel(ctx)

	var (
		updated *model.FileRecord
		err     error
		outcome string
	)
	switch {
	case dealErr == nil:
		updated, err = w.repo.CompleteMigration(writeCtx, rec.ID, workerID, res.TierBID, res.DealID, now)
		outcome = outcomeCompleted
	case failure.IsTerminal(dealErr):
		updated, err = w.repo.FailTerminal(writeCtx, rec.ID, workerID, dealErr.Error(), now)
		outcome = outcomeTerminal
	default:
		next := now.Add(w.backoff.ForAttempt(float64(rec.MigrationAttempts)))
		updated, err = w.repo.FailAttempt(writeCtx, rec.ID, workerID, dealErr.Error(), now, next)
		outcome = outcomeRetry
		if err == nil && updated.TierBState == model.TierBFailed {
			outcome = outcomeFailed
		}
	}

	if err != nil {
		if errors.Is(err, repository.ErrStale) {
			migrationAttemptsTotal.WithLabelValues(outcomeStale).Inc()
			logger.Warn("Результат попытки отброшен: аренда потеряна")
			return
		}
		logger.Error("Ошибка записи результата попытки",
			slog.String("outcome", outcome),
			slog.String("error", err.Error()),
		)
		return
	}
	migrationAttemptsTotal.WithLabelValues(outcome).Inc()

	switch outcome {
	case outcomeCompleted:
		logger.Info("Миграция завершена",
			slog.String("tier_b_id", res.TierBID),
			slog.String("deal_id", res.DealID),
		)
	case outcomeRetry:
		logger.Warn("Попытка миграции не удалась, повтор запланирован",
			slog.String("error", dealErr.Error()),
			slog.Time("next_attempt_at", *updated.NextAttemptAt),
		)
	default:
		logger.Error("Миграция не удалась",
			slog.String("outcome", outcome),
			slog.Int("attempts", updated.MigrationAttempts),
			slog.String("error", dealErr.Error()),
		)
	}
}

// store вызывает DealStore с учётом ограничения частоты.
func (w *MigrationWorker) store(ctx context.Context, rec *model.FileRecord) (*model.DealResult, error) {
	if rec.TierAID == nil {
		return nil, failure.New(failure.Terminal, "store", errors.New("у записи нет tierAId"))
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, failure.New(failure.Retryable, "store", fmt.Errorf("ограничение частоты: %w", err))
	}
	res, err := w.deals.Store(ctx, *rec.TierAID, rec.Metadata)
	if err != nil {
		return nil, failure.Wrap("store", err)
	}
	if res == nil || res.TierBID == "" || res.DealID == "" {
		return nil, failure.New(failure.Retryable, "store", errors.New("DealStore вернул пустой результат"))
	}
	return res, nil
}

// Retry — ручной повтор миграции: failed → queued.
// Без force сохраняет счётчик попыток и выдаёт ещё MaxAttempts попыток;
// с force сбрасывает счётчик.
func (w *MigrationWorker) Retry(ctx context.Context, fileID, ownerID string, force bool) (*model.FileRecord, error) {
	rec, err := loadOwned(ctx, w.repo, fileID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := checkRetry(rec); err != nil {
		return nil, err
	}
	if rec.TierBState == model.TierBQueued {
		return rec, nil
	}

	updated, err := w.repo.Requeue(ctx, rec.ID, force, w.cfg.MaxAttempts, w.now().UTC())
	if err != nil {
		if !errors.Is(err, repository.ErrStale) {
			return nil, fmt.Errorf("ручной повтор: %w", err)
		}
		current, getErr := w.repo.GetByID(ctx, rec.ID)
		if getErr != nil {
			return nil, fmt.Errorf("чтение записи: %w", getErr)
		}
		if err := checkRetry(current); err != nil {
			return nil, err
		}
		if current.TierBState != model.TierBQueued {
			return nil, fmt.Errorf("%w: состояние записи изменилось", ErrConflict)
		}
		return current, nil
	}

	w.logger.Info("Миграция поставлена в очередь вручную",
		slog.String("file_id", updated.ID),
		slog.Bool("force", force),
		slog.Int("attempts", updated.MigrationAttempts),
		slog.Int("attempt_limit", updated.AttemptLimit),
	)
	if err := w.notifier.Publish(ctx, updated.ID); err != nil {
		w.logger.Warn("Уведомление воркеров не отправлено",
			slog.String("file_id", updated.ID),
			slog.String("error", err.Error()),
		)
	}
	return updated, nil
}

// checkRetry проверяет, допустим ли ручной повтор для записи.
// Запись в queued с закреплённым tier A допустима: повтор для неё ничего не меняет.
func checkRetry(rec *model.FileRecord) error {
	switch rec.TierBState {
	case model.TierBMigrating:
		return fmt.Errorf("%w: миграция выполняется", ErrConflict)
	case model.TierBCompleted:
		return ErrAlreadyCompleted
	}

	// Без закреплённого tier A воркер запись не заберёт
	switch rec.TierAState {
	case model.TierAPinned:
	case model.TierAReleased:
		return fmt.Errorf("%w: файл откреплён от tier A", ErrConflict)
	default:
		return fmt.Errorf("%w: файл не закреплён в tier A, требуется повторная загрузка", ErrConflict)
	}

	if rec.TierBState == model.TierBQueued {
		return nil
	}
	var te *lifecycle.TransitionError
	if err := lifecycle.CheckTierB(rec.TierBState, model.TierBQueued); err != nil {
		if errors.As(err, &te) && te.Code == lifecycle.CodeAlreadyCompleted {
			return ErrAlreadyCompleted
		}
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return nil
}
