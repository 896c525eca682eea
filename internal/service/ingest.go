// ingest.go — приём файлов: дедупликация, закрепление в tier A, постановка
// в очередь миграции. Release — открепление от tier A (soft delete).
//
// Порядок приёма:
//  1. Валидация (до любых побочных эффектов)
//  2. Отпечаток содержимого
//  3. Резервирование записи (pinning/queued): уникальный индекс
//     (owner_id, content_fingerprint) выбирает единственного победителя
//     среди одновременных загрузок одного содержимого
//  4. Победитель вызывает PinStore.Pin и фиксирует результат условным UPDATE;
//     успешное закрепление в том же UPDATE ставит запись в очередь
//
// Prometheus-метрики:
//   - ev_ingest_total — результаты приёма (new, duplicate, reclaimed, pin_failed)
//   - ev_ingest_bytes_total — объём принятого уникального содержимого
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/evidence-vault/internal/domain/failure"
	"github.com/bigkaa/evidence-vault/internal/domain/lifecycle"
	"github.com/bigkaa/evidence-vault/internal/domain/model"
	"github.com/bigkaa/evidence-vault/internal/fingerprint"
	"github.com/bigkaa/evidence-vault/internal/repository"
)

// Ограничения входных данных.
const (
	maxNameLength      = 255
	maxMetadataKeys    = 32
	maxMetadataKey     = 64
	maxMetadataValue   = 1024
	defaultMimeType    = "application/octet-stream"
	releasedBeforeMove = "tier A откреплён до миграции"
	// releaseHoldFactor — срок удержания записи при освобождении в PinTimeout
	releaseHoldFactor = 2
)

var (
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ev_ingest_total",
		Help: "Количество загрузок по результату",
	}, []string{"outcome"}) // new, duplicate, reclaimed, pin_failed

	ingestBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ev_ingest_bytes_total",
		Help: "Объём закреплённого уникального содержимого в байтах",
	})
)

// IngestRequest — загружаемый файл.
type IngestRequest struct {
	OwnerID      string
	Data         []byte
	OriginalName string
	MimeType     string
	Metadata     map[string]string
}

// IngestResult — результат приёма.
type IngestResult struct {
	Record *model.FileRecord
	// IsDuplicate — запись с таким содержимым у владельца уже была
	IsDuplicate bool
}

// IngestConfig — параметры приёма.
type IngestConfig struct {
	MaxUploadSize int64
	// MaxAttempts — бюджет попыток миграции новой записи
	MaxAttempts int
	PinTimeout  time.Duration
	// PinLease — через сколько зависшее pinning может быть перехвачено
	PinLease time.Duration
}

// IngestService — координатор приёма файлов.
type IngestService struct {
	repo     repository.FileRecordRepository
	pins     PinStore
	notifier Notifier
	cfg      IngestConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewIngestService создаёт координатор приёма.
func NewIngestService(
	repo repository.FileRecordRepository,
	pins PinStore,
	notifier Notifier,
	cfg IngestConfig,
	logger *slog.Logger,
) *IngestService {
	return &IngestService{
		repo:     repo,
		pins:     pins,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "ingest")),
		now:      time.Now,
	}
}

// Ingest принимает файл владельца.
// Ошибка закрепления не возвращается вызывающему: запись фиксируется
// в tierAState=failed с lastError и возвращается как есть.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	req.OwnerID = model.NormalizeOwner(req.OwnerID)
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	fp := fingerprint.Fingerprint(req.Data)
	now := s.now().UTC()

	rec := &model.FileRecord{
		ID:                 uuid.NewString(),
		OwnerID:            req.OwnerID,
		OriginalName:       req.OriginalName,
		SizeBytes:          int64(len(req.Data)),
		MimeType:           req.MimeType,
		ContentFingerprint: fp,
		TierAState:         model.TierAPinning,
		TierBState:         model.TierBQueued,
		AttemptLimit:       s.cfg.MaxAttempts,
		Metadata:           req.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.repo.Insert(ctx, rec)
	switch {
	case err == nil:
		s.logger.Info("Запись зарезервирована",
			slog.String("file_id", rec.ID),
			slog.String("owner", rec.OwnerID),
			slog.String("fingerprint", fp),
			slog.Int64("size", rec.SizeBytes),
		)
		res, err := s.pin(ctx, rec, req, false)
		if err == nil && res.Record.TierAState == model.TierAPinned {
			ingestTotal.WithLabelValues("new").Inc()
		}
		return res, err
	case errors.Is(err, repository.ErrConflict):
		return s.duplicate(ctx, req, fp)
	default:
		return nil, fmt.Errorf("резервирование записи: %w", err)
	}
}

// duplicate обрабатывает повторную загрузку уже известного содержимого.
// Запись с неудавшимся или зависшим закреплением перехватывается и
// закрепляется заново; остальные возвращаются без изменений.
func (s *IngestService) duplicate(ctx context.Context, req IngestRequest, fp string) (*IngestResult, error) {
	existing, err := s.repo.GetByFingerprint(ctx, req.OwnerID, fp)
	if err != nil {
		return nil, fmt.Errorf("чтение существующей записи: %w", err)
	}

	now := s.now().UTC()
	staleBefore := now.Add(-s.cfg.PinLease)
	reclaimable := existing.TierAState == model.TierAFailed ||
		(existing.TierAState == model.TierAPinning && existing.UpdatedAt.Before(staleBefore))

	if reclaimable {
		reclaimed, err := s.repo.ReclaimPin(ctx, existing.ID, now, staleBefore)
		switch {
		case err == nil:
			s.logger.Info("Закрепление перехвачено повторной загрузкой",
				slog.String("file_id", existing.ID),
				slog.String("previous_state", string(existing.TierAState)),
			)
			res, err := s.pin(ctx, reclaimed, req, true)
			if err == nil && res.Record.TierAState == model.TierAPinned {
				ingestTotal.WithLabelValues("reclaimed").Inc()
			}
			return res, err
		case errors.Is(err, repository.ErrStale):
			// Перехватила другая загрузка: возвращаем актуальное состояние
			existing, err = s.repo.GetByID(ctx, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("чтение существующей записи: %w", err)
			}
		default:
			return nil, fmt.Errorf("перехват закрепления: %w", err)
		}
	}

	ingestTotal.WithLabelValues("duplicate").Inc()
	s.logger.Debug("Повторная загрузка содержимого",
		slog.String("file_id", existing.ID),
		slog.String("tier_a_state", string(existing.TierAState)),
	)
	return &IngestResult{Record: existing, IsDuplicate: true}, nil
}

// pin закрепляет содержимое и фиксирует результат.
// Запись результата не зависит от отмены запроса клиентом: иначе
// запись осталась бы в pinning до истечения PinLease.
func (s *IngestService) pin(
	ctx context.Context, rec *model.FileRecord, req IngestRequest, isDuplicate bool,
) (*IngestResult, error) {
	pinCtx, cancel := context.WithTimeout(ctx, s.cfg.PinTimeout)
	res, pinErr := s.pins.Pin(pinCtx, model.PinRequest{
		Data:        req.Data,
		Fingerprint: rec.ContentFingerprint,
		Name:        rec.OriginalName,
		MimeType:    rec.MimeType,
		Metadata:    rec.Metadata,
	})
	cancel()

	writeCtx := context.WithoutCancel(ctx)
	now := s.now().UTC()

	if pinErr != nil {
		pinErr = failure.Wrap("pin", pinErr)
		s.logger.Warn("Закрепление в tier A не удалось",
			slog.String("file_id", rec.ID),
			slog.String("kind", failure.KindOf(pinErr).String()),
			slog.String("error", pinErr.Error()),
		)
		ingestTotal.WithLabelValues("pin_failed").Inc()

		updated, err := s.repo.MarkPinFailed(writeCtx, rec.ID, pinErr.Error(), now)
		if err != nil {
			return s.settle(writeCtx, rec.ID, isDuplicate, err)
		}
		return &IngestResult{Record: updated, IsDuplicate: isDuplicate}, nil
	}

	updated, err := s.repo.MarkPinned(writeCtx, rec.ID, res.TierAID, now)
	if err != nil {
		return s.settle(writeCtx, rec.ID, isDuplicate, err)
	}
	ingestBytesTotal.Add(float64(updated.SizeBytes))

	s.logger.Info("Файл закреплён и поставлен в очередь миграции",
		slog.String("file_id", updated.ID),
		slog.String("tier_a_id", res.TierAID),
	)

	if err := s.notifier.Publish(writeCtx, updated.ID); err != nil {
		s.logger.Warn("Уведомление воркеров не отправлено",
			slog.String("file_id", updated.ID),
			slog.String("error", err.Error()),
		)
	}
	return &IngestResult{Record: updated, IsDuplicate: isDuplicate}, nil
}

// settle возвращает актуальную запись, если условный UPDATE проиграл гонку.
func (s *IngestService) settle(ctx context.Context, id string, isDuplicate bool, err error) (*IngestResult, error) {
	if !errors.Is(err, repository.ErrStale) {
		return nil, fmt.Errorf("фиксация результата закрепления: %w", err)
	}
	current, getErr := s.repo.GetByID(ctx, id)
	if getErr != nil {
		return nil, fmt.Errorf("чтение записи: %w", getErr)
	}
	s.logger.Warn("Результат закрепления не записан: запись изменена параллельно",
		slog.String("file_id", id),
		slog.String("tier_a_state", string(current.TierAState)),
	)
	return &IngestResult{Record: current, IsDuplicate: isDuplicate}, nil
}

// validate проверяет запрос до любых побочных эффектов.
func (s *IngestService) validate(req *IngestRequest) error {
	if req.OwnerID == "" {
		return fmt.Errorf("%w: не указан владелец", ErrValidation)
	}
	if len(req.Data) == 0 {
		return fmt.Errorf("%w: пустой файл", ErrValidation)
	}
	if s.cfg.MaxUploadSize > 0 && int64(len(req.Data)) > s.cfg.MaxUploadSize {
		return fmt.Errorf("%w: %d байт при максимуме %d", ErrPayloadTooLarge, len(req.Data), s.cfg.MaxUploadSize)
	}
	if err := validateName(req.OriginalName); err != nil {
		return err
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return err
	}

	if strings.TrimSpace(req.MimeType) == "" {
		req.MimeType = defaultMimeType
	}
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: не указано имя файла", ErrValidation)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: имя файла не в UTF-8", ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return fmt.Errorf("%w: имя файла длиннее %d символов", ErrValidation, maxNameLength)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: имя файла содержит разделитель пути", ErrValidation)
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: имя файла содержит управляющие символы", ErrValidation)
	}
	return nil
}

func validateMetadata(md map[string]string) error {
	if len(md) > maxMetadataKeys {
		return fmt.Errorf("%w: более %d ключей metadata", ErrValidation, maxMetadataKeys)
	}
	for k, v := range md {
		if k == "" || len(k) > maxMetadataKey {
			return fmt.Errorf("%w: ключ metadata %q: длина 1..%d", ErrValidation, k, maxMetadataKey)
		}
		if len(v) > maxMetadataValue {
			return fmt.Errorf("%w: значение metadata %q длиннее %d", ErrValidation, k, maxMetadataValue)
		}
	}
	return nil
}

// Release открепляет файл от tier A (soft delete). Запись сохраняется
// в состоянии released; повторный вызов идемпотентен.
func (s *IngestService) Release(ctx context.Context, fileID, ownerID string) (*model.FileRecord, error) {
	rec, err := loadOwned(ctx, s.repo, fileID, ownerID)
	if err != nil {
		return nil, err
	}
	if rec.TierAState == model.TierAReleased {
		return rec, nil
	}
	if err := lifecycle.CheckTierA(rec.TierAState, model.TierAReleased); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if rec.TierBState == model.TierBMigrating {
		return nil, fmt.Errorf("%w: миграция выполняется", ErrConflict)
	}

	// Запись удерживается до Unpin: воркер не заберёт в миграцию
	// содержимое, которое сейчас открепляется.
	holder := "release-" + uuid.NewString()
	now := s.now().UTC()
	held, err := s.repo.HoldForRelease(ctx, rec.ID, holder, now, now.Add(releaseHoldFactor*s.cfg.PinTimeout))
	if err != nil {
		if !errors.Is(err, repository.ErrStale) {
			return nil, fmt.Errorf("удержание записи: %w", err)
		}
		return s.releaseOutcome(ctx, rec.ID)
	}

	if held.TierAID != nil {
		unpinCtx, cancel := context.WithTimeout(ctx, s.cfg.PinTimeout)
		err := s.pins.Unpin(unpinCtx, held.PinRef())
		cancel()
		if err != nil && !failure.IsNotFound(err) {
			s.logger.Error("Открепление от tier A не удалось",
				slog.String("file_id", held.ID),
				slog.String("error", err.Error()),
			)
			if _, dropErr := s.repo.DropReleaseHold(context.WithoutCancel(ctx), held.ID, holder, s.now().UTC()); dropErr != nil {
				s.logger.Warn("Удержание записи не снято, истечёт само",
					slog.String("file_id", held.ID),
					slog.String("error", dropErr.Error()),
				)
			}
			return nil, fmt.Errorf("%w: %w", ErrCollaboratorUnavailable, err)
		}
	}

	updated, err := s.repo.Release(context.WithoutCancel(ctx), held.ID, holder, releasedBeforeMove, s.now().UTC())
	if err != nil {
		if !errors.Is(err, repository.ErrStale) {
			return nil, fmt.Errorf("освобождение записи: %w", err)
		}
		return s.releaseOutcome(ctx, rec.ID)
	}

	s.logger.Info("Файл откреплён от tier A",
		slog.String("file_id", updated.ID),
		slog.String("tier_b_state", string(updated.TierBState)),
	)
	return updated, nil
}

// releaseOutcome перечитывает запись после проигранного условного UPDATE:
// уже released — успех, иначе ErrConflict.
func (s *IngestService) releaseOutcome(ctx context.Context, id string) (*model.FileRecord, error) {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("чтение записи: %w", err)
	}
	if current.TierAState == model.TierAReleased {
		return current, nil
	}
	return nil, fmt.Errorf("%w: состояние записи изменилось", ErrConflict)
}

// loadOwned читает запись владельца. Чужая запись неотличима от отсутствующей.
func loadOwned(ctx context.Context, repo repository.FileRecordRepository, fileID, ownerID string) (*model.FileRecord, error) {
	rec, err := repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("чтение записи: %w", err)
	}
	if rec.OwnerID != model.NormalizeOwner(ownerID) {
		return nil, ErrNotFound
	}
	return rec, nil
}
