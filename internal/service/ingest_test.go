package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/evidence-vault/internal/domain/failure"
	"github.com/bigkaa/evidence-vault/internal/domain/model"
	"github.com/bigkaa/evidence-vault/internal/fingerprint"
	"github.com/bigkaa/evidence-vault/internal/repository"
)

func TestIngest_NewFile(t *testing.T) {
	repo := setupRepo(t)
	clock := newFakeClock()
	pins := &fakePinStore{}
	notifier := &recordingNotifier{}
	svc := NewIngestService(repo, pins, notifier, testIngestConfig(), testLogger())
	svc.now = clock.Now

	data := []byte("содержимое улики")
	res, err := svc.Ingest(context.Background(), IngestRequest{
		OwnerID:      " 0xABC ",
		Data:         data,
		OriginalName: "evidence-1",
		MimeType:     "application/pdf",
		Metadata:     map[string]string{"case": "42"},
	})
	if err != nil {
		t.Fatalf("Ingest() вернул ошибку: %v", err)
	}

	rec := res.Record
	if res.IsDuplicate {
		t.Error("IsDuplicate = true для новой загрузки")
	}
	if rec.OwnerID != testOwner {
		t.Errorf("OwnerID = %q, ожидался %q", rec.OwnerID, testOwner)
	}
	if rec.ContentFingerprint != fingerprint.Fingerprint(data) {
		t.Errorf("ContentFingerprint = %q, не совпадает с SHA-256 содержимого", rec.ContentFingerprint)
	}
	if rec.TierAState != model.TierAPinned || rec.TierAID == nil {
		t.Errorf("tier A: state=%s id=%v, ожидалось pinned с tierAId", rec.TierAState, rec.TierAID)
	}
	if rec.TierBState != model.TierBQueued || rec.NextAttemptAt == nil {
		t.Errorf("tier B: state=%s nextAttemptAt=%v, ожидалось queued в очереди", rec.TierBState, rec.NextAttemptAt)
	}
	if rec.MigrationAttempts != 0 || rec.AttemptLimit != 3 {
		t.Errorf("attempts=%d limit=%d, ожидалось 0/3", rec.MigrationAttempts, rec.AttemptLimit)
	}
	if rec.SizeBytes != int64(len(data)) {
		t.Errorf("SizeBytes = %d, ожидался %d", rec.SizeBytes, len(data))
	}
	if rec.Metadata["case"] != "42" {
		t.Errorf("Metadata = %v, ожидался case=42", rec.Metadata)
	}
	if pins.pins() != 1 {
		t.Errorf("вызовов Pin = %d, ожидался 1", pins.pins())
	}
	if notifier.count() != 1 {
		t.Errorf("уведомлений = %d, ожидалось 1", notifier.count())
	}
}

func TestIngest_DuplicateKeepsPinCount(t *testing.T) {
	repo := setupRepo(t)
	clock := newFakeClock()
	pins := &fakePinStore{}
	svc := newIngest(repo, pins, clock)

	data := []byte("одно и то же содержимое")
	first := ingestPinned(t, svc, "evidence-1", data)

	res, err := svc.Ingest(context.Background(), IngestRequest{
		OwnerID:      "0xABC",
		Data:         data,
		OriginalName: "renamed.pdf",
	})
	if err != nil {
		t.Fatalf("повторный Ingest() вернул ошибку: %v", err)
	}
	if !res.IsDuplicate {
		t.Error("IsDuplicate = false для повторной загрузки")
	}
	if res.Record.ID != first.ID {
		t.Errorf("ID = %s, ожидался существующий %s", res.Record.ID, first.ID)
	}
	if res.Record.OriginalName != "evidence-1" {
		t.Errorf("OriginalName = %q, повторная загрузка не должна менять запись", res.Record.OriginalName)
	}
	if pins.pins() != 1 {
		t.Errorf("вызовов Pin = %d, ожидался 1", pins.pins())
	}

	// То же содержимое у другого владельца — отдельная запись
	other, err := svc.Ingest(context.Background(), IngestRequest{
		OwnerID:      "0xdef",
		Data:         data,
		OriginalName: "evidence-1",
	})
	if err != nil {
		t.Fatalf("Ingest() другого владельца вернул ошибку: %v", err)
	}
	if other.IsDuplicate || other.Record.ID == first.ID {
		t.Error("запись другого владельца не должна считаться дубликатом")
	}
	if pins.pins() != 2 {
		t.Errorf("вызовов Pin = %d, ожидалось 2", pins.pins())
	}
}

func TestIngest_ConcurrentSameContent(t *testing.T) {
	repo := setupRepo(t)
	clock := newFakeClock()
	pins := &fakePinStore{
		pinFn: func(_ context.Context, req model.PinRequest) (*model.PinResult, error) {
			time.Sleep(20 * time.Millisecond)
			return &model.PinResult{TierAID: "bafy-concurrent", SizeBytes: int64(len(req.Data))}, nil
		},
	}
	svc := newIngest(repo, pins, clock)

	const n = 16
	data := []byte("одновременная загрузка")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]int{}
		fresh   int
		errsGot []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Ingest(context.Background(), IngestRequest{
				OwnerID:      testOwner,
				Data:         data,
				OriginalName: "evidence-1",
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errsGot = append(errsGot, err)
				return
			}
			ids[res.Record.ID]++
			if !res.IsDuplicate {
				fresh++
			}
		}()
	}
	wg.Wait()

	if len(errsGot) > 0 {
		t.Fatalf("Ingest() вернул ошибки: %v", errsGot)
	}
	if len(ids) != 1 {
		t.Errorf("получено %d разных записей, ожидалась 1", len(ids))
	}
	if fresh != 1 {
		t.Errorf("недубликатных ответов = %d, ожидался 1", fresh)
	}
	if pins.pins() != 1 {
		t.Errorf("вызовов Pin = %d, ожидался 1", pins.pins())
	}

	rec, err := repo.GetByFingerprint(context.Background(), testOwner, fingerprint.Fingerprint(data))
	if err != nil {
		t.Fatalf("GetByFingerprint() вернул ошибку: %v", err)
	}
	if rec.TierAState != model.TierAPinned {
		t.Errorf("TierAState = %s, ожидался pinned", rec.TierAState)
	}
}

func TestIngest_PinFailureThenReclaim(t *testing.T) {
	repo := setupRepo(t)
	clock := newFakeClock()
	var failPin bool
	var mu sync.Mutex
	pins := &fakePinStore{}
	pins.pinFn = func(_ context.Context, req model.PinRequest) (*model.PinResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if failPin {
			return nil, failure.New(failure.Retryable, "pin", errors.New("kubo недоступен"))
		}
		return &model.PinResult{TierAID: "bafy-reclaimed", SizeBytes: int64(len(req.Data))}, nil
	}
	svc := newIngest(repo, pins, clock)

	failPin = true
	data := []byte("неудачное закрепление")
	res, err := svc.Ingest(context.Background(), IngestRequest{
		OwnerID:      testOwner,
		Data:         data,
		OriginalName: "evidence-1",
	})
	if err != nil {
		t.Fatalf("Ingest() вернул ошибку: %v", err)
	}
	if res.Record.TierAState != model.TierAFailed {
		t.Fatalf("TierAState = %s, ожидался failed", res.Record.TierAState)
	}
	if res.Record.LastError == nil || !strings.Contains(*res.Record.LastError, "kubo") {
		t.Errorf("LastError = %v, ожидалось сообщение об ошибке закрепления", res.Record.LastError)
	}
	if res.Record.NextAttemptAt != nil {
		t.Error("запись с неудачным закреплением не должна стоять в очереди")
	}

	mu.Lock()
	failPin = false
	mu.Unlock()

	again, err := svc.Ingest(context.Background(), IngestRequest{
		OwnerID:      testOwner,
		Data:         data,
		OriginalName: "evidence-1",
	})
	if err != nil {
		t.Fatalf("повторный Ingest() вернул ошибку: %v", err)
	}
	if !again.IsDuplicate || again.Record.ID != res.Record.ID {
		t.Errorf("повторная загрузка должна вернуть ту же запись как дубликат")
	}
	if again.Record.TierAState != model.TierAPinned {
		t.Errorf("TierAState = %s, ожидался pinned после перехвата", again.Record.TierAState)
	}
	if again.Record.LastError != nil {
		t.Errorf("LastError = %q, ожидался сброс после закрепления", *again.Record.LastError)
	}
	if pins.pins() != 2 {
		t.Errorf("вызовов Pin = %d, ожидалось 2", pins.pins())
	}
}

func TestIngest_StalePinning(t *testing.T) {
	repo := setupRepo(t)
	clock := newFakeClock()
	pins := &fakePinStore{}
	svc := newIngest(repo, pins, clock)
	ctx := context.Background()

	insertPinning := func(data []byte, updatedAt time.Time) *model.FileRecord {
		rec := &model.FileRecord{
			ID:                 uuid.NewString(),
			OwnerID:            testOwner,
			OriginalName:       "evidence-1",
			SizeBytes:          int64(len(data)),
			MimeType:           "application/pdf",
			ContentFingerprint: fingerprint.Fingerprint(data),
			TierAState:         model.TierAPinning,
			TierBState:         model.TierBQueued,
			AttemptLimit:       3,
			CreatedAt:          updatedAt,
			UpdatedAt:          updatedAt,
		}
		if err := repo.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert() вернул ошибку: %v", err)
		}
		return rec
	}

	t.Run("зависшее закрепление перехватывается", func(t *testing.T) {
		data := []byte("зависшее")
		stale := insertPinning(data, clock.Now().Add(-time.Hour))

		res, err := svc.Ingest(ctx, IngestRequest{OwnerID: testOwner, Data: data, OriginalName: "evidence-1"})
		if err != nil {
			t.Fatalf("Ingest() вернул ошибку: %v", err)
		}
		if res.Record.ID != stale.ID || res.Record.TierAState != model.TierAPinned {
			t.Errorf("ожидался перехват записи %s в pinned, получено %s в %s",
				stale.ID, res.Record.ID, res.Record.TierAState)
		}
	})

	t.Run("свежее закрепление не трогается", func(t *testing.T) {
		before := pins.pins()
		data := []byte("в процессе")
		inFlight := insertPinning(data, clock.Now())

		res, err := svc.Ingest(ctx, IngestRequest{OwnerID: testOwner, Data: data, OriginalName: "evidence-1"})
		if err != nil {
			t.Fatalf("Ingest() вернул ошибку: %v", err)
		}
		if !res.IsDuplicate || res.Record.ID != inFlight.ID {
			t.Error("ожидался дубликат существующей записи")
		}
		if res.Record.TierAState != model.TierAPinning {
			t.Errorf("TierAState = %s, ожидался pinning", res.Record.TierAState)
		}
		if pins.pins() != before {
			t.Errorf("Pin вызван повторно для закрепления в процессе")
		}
	})
}

func TestIngest_Validation(t *testing.T) {
	repo := setupRepo(t)
	pins := &fakePinStore{}
	svc := newIngest(repo, pins, newFakeClock())

	manyKeys := map[string]string{}
	for i := 0; i < 33; i++ {
		manyKeys[uuid.NewString()] = "v"
	}

	tests := []struct {
		name    string
		req     IngestRequest
		wantErr error
	}{
		{"пустой владелец", IngestRequest{Data: []byte("x"), OriginalName: "a"}, ErrValidation},
		{"пустой файл", IngestRequest{OwnerID: testOwner, OriginalName: "a"}, ErrValidation},
		{"слишком большой файл", IngestRequest{OwnerID: testOwner, Data: make([]byte, 1<<20+1), OriginalName: "a"}, ErrPayloadTooLarge},
		{"пустое имя", IngestRequest{OwnerID: testOwner, Data: []byte("x")}, ErrValidation},
		{"имя с разделителем", IngestRequest{OwnerID: testOwner, Data: []byte("x"), OriginalName: "../etc/passwd"}, ErrValidation},
		{"имя с обратной косой", IngestRequest{OwnerID: testOwner, Data: []byte("x"), OriginalName: `a\b`}, ErrValidation},
		{"управляющий символ", IngestRequest{OwnerID: testOwner, Data: []byte("x"), OriginalName: "a\nb"}, ErrValidation},
		{"длинное имя", IngestRequest{OwnerID: testOwner, Data: []byte("x"), OriginalName: strings.Repeat("я", 256)}, ErrValidation},
		{"много ключей metadata", IngestRequest{OwnerID: testOwner, Data: []byte("x"), OriginalName: "a", Metadata: manyKeys}, ErrValidation},
		{"пустой ключ metadata", IngestRequest{OwnerID: testOwner, Data: []byte("x"), OriginalName: "a", Metadata: map[string]string{"": "v"}}, ErrValidation},
		{"длинное значение metadata", IngestRequest{OwnerID: testOwner, Data: []byte("x"), OriginalName: "a", Metadata: map[string]string{"k": strings.Repeat("v", 1025)}}, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Ingest() ошибка = %v, ожидалась %v", err, tt.wantErr)
			}
		})
	}

	if pins.pins() != 0 {
		t.Errorf("Pin вызван %d раз при невалидных запросах", pins.pins())
	}

	// Имя ровно 255 символов допустимо
	if err := validateName(strings.Repeat("я", 255)); err != nil {
		t.Errorf("validateName(255 символов) = %v, ожидался nil", err)
	}
}

func TestIngest_DefaultMimeType(t *testing.T) {
	repo := setupRepo(t)
	svc := newIngest(repo, &fakePinStore{}, newFakeClock())

	res, err := svc.Ingest(context.Background(), IngestRequest{
		OwnerID:      testOwner,
		Data:         []byte("без типа"),
		OriginalName: "evidence-1",
	})
	if err != nil {
		t.Fatalf("Ingest() вернул ошибку: %v", err)
	}
	if res.Record.MimeType != defaultMimeType {
		t.Errorf("MimeType = %q, ожидался %q", res.Record.MimeType, defaultMimeType)
	}
	if res.Record.Metadata == nil {
		t.Error("Metadata = nil, ожидалась пустая карта")
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("queued запись откреплена и снята с очереди", func(t *testing.T) {
		repo := setupRepo(t)
		pins := &fakePinStore{}
		svc := newIngest(repo, pins, newFakeClock())
		rec := ingestPinned(t, svc, "evidence-1", []byte("release-1"))

		released, err := svc.Release(ctx, rec.ID, "0xABC")
		if err != nil {
			t.Fatalf("Release() вернул ошибку: %v", err)
		}
		if released.TierAState != model.TierAReleased {
			t.Errorf("TierAState = %s, ожидался released", released.TierAState)
		}
		if released.TierBState != model.TierBFailed || released.NextAttemptAt != nil {
			t.Errorf("tier B: %s, nextAttemptAt=%v, ожидалось failed вне очереди",
				released.TierBState, released.NextAttemptAt)
		}
		if released.LastError == nil || *released.LastError != releasedBeforeMove {
			t.Errorf("LastError = %v, ожидалось %q", released.LastError, releasedBeforeMove)
		}

		// Повторный вызов идемпотентен
		again, err := svc.Release(ctx, rec.ID, testOwner)
		if err != nil {
			t.Fatalf("повторный Release() вернул ошибку: %v", err)
		}
		if again.TierAState != model.TierAReleased {
			t.Errorf("TierAState = %s, ожидался released", again.TierAState)
		}
		if pins.unpins() != 1 {
			t.Errorf("вызовов Unpin = %d, ожидался 1", pins.unpins())
		}
	})

	t.Run("completed запись сохраняет tier B", func(t *testing.T) {
		repo := setupRepo(t)
		clock := newFakeClock()
		svc := newIngest(repo, &fakePinStore{}, clock)
		rec := ingestPinned(t, svc, "evidence-1", []byte("release-2"))
		w := newWorker(repo, &fakeDealStore{}, clock)
		drain(t, w, clock, 2)

		released, err := svc.Release(ctx, rec.ID, testOwner)
		if err != nil {
			t.Fatalf("Release() вернул ошибку: %v", err)
		}
		if released.TierBState != model.TierBCompleted || released.TierBID == nil {
			t.Errorf("tier B: %s, ожидался completed с tierBId", released.TierBState)
		}
	})

	t.Run("чужая запись не найдена", func(t *testing.T) {
		repo := setupRepo(t)
		svc := newIngest(repo, &fakePinStore{}, newFakeClock())
		rec := ingestPinned(t, svc, "evidence-1", []byte("release-3"))

		if _, err := svc.Release(ctx, rec.ID, "0xdef"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Release() чужой записи = %v, ожидалась ErrNotFound", err)
		}
		if _, err := svc.Release(ctx, uuid.NewString(), testOwner); !errors.Is(err, ErrNotFound) {
			t.Errorf("Release() несуществующей записи = %v, ожидалась ErrNotFound", err)
		}
	})

	t.Run("миграция выполняется", func(t *testing.T) {
		repo := setupRepo(t)
		clock := newFakeClock()
		svc := newIngest(repo, &fakePinStore{}, clock)
		rec := ingestPinned(t, svc, "evidence-1", []byte("release-4"))

		now := clock.Now()
		if _, err := repo.ClaimNext(ctx, "other-worker", now, now.Add(time.Minute)); err != nil {
			t.Fatalf("ClaimNext() вернул ошибку: %v", err)
		}
		if _, err := svc.Release(ctx, rec.ID, testOwner); !errors.Is(err, ErrConflict) {
			t.Errorf("Release() во время миграции = %v, ожидалась ErrConflict", err)
		}
	})

	t.Run("PinStore недоступен", func(t *testing.T) {
		repo := setupRepo(t)
		pins := &fakePinStore{
			unpinFn: func(context.Context, model.PinRef) error {
				return failure.New(failure.Retryable, "unpin", errors.New("connection refused"))
			},
		}
		svc := newIngest(repo, pins, newFakeClock())
		rec := ingestPinned(t, svc, "evidence-1", []byte("release-5"))

		if _, err := svc.Release(ctx, rec.ID, testOwner); !errors.Is(err, ErrCollaboratorUnavailable) {
			t.Errorf("Release() = %v, ожидалась ErrCollaboratorUnavailable", err)
		}
		current, err := repo.GetByID(ctx, rec.ID)
		if err != nil {
			t.Fatalf("GetByID() вернул ошибку: %v", err)
		}
		if current.TierAState != model.TierAPinned {
			t.Errorf("TierAState = %s, запись не должна меняться при ошибке Unpin", current.TierAState)
		}
		if current.ClaimedBy != nil {
			t.Errorf("ClaimedBy = %q, удержание должно сниматься при ошибке Unpin", *current.ClaimedBy)
		}

		// Запись осталась в очереди и доступна воркеру
		now := current.UpdatedAt
		claimed, err := repo.ClaimNext(ctx, "w1", now, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("ClaimNext() вернул ошибку: %v", err)
		}
		if claimed == nil || claimed.ID != rec.ID {
			t.Errorf("ClaimNext() = %v, ожидалась запись %s", claimed, rec.ID)
		}
	})

	t.Run("воркер не забирает запись во время открепления", func(t *testing.T) {
		repo := setupRepo(t)
		clock := newFakeClock()
		var (
			claimed  *model.FileRecord
			claimErr error
		)
		pins := &fakePinStore{
			unpinFn: func(ctx context.Context, _ model.PinRef) error {
				now := clock.Now()
				claimed, claimErr = repo.ClaimNext(ctx, "other-worker", now, now.Add(time.Minute))
				return nil
			},
		}
		svc := newIngest(repo, pins, clock)
		rec := ingestPinned(t, svc, "evidence-1", []byte("release-7"))

		released, err := svc.Release(ctx, rec.ID, testOwner)
		if err != nil {
			t.Fatalf("Release() вернул ошибку: %v", err)
		}
		if claimErr != nil {
			t.Fatalf("ClaimNext() во время Unpin вернул ошибку: %v", claimErr)
		}
		if claimed != nil {
			t.Errorf("ClaimNext() во время Unpin забрал запись %s (tierB=%s)", claimed.ID, claimed.TierBState)
		}
		if released.TierAState != model.TierAReleased || released.TierBState != model.TierBFailed {
			t.Errorf("после Release() = %s/%s, ожидалось released/failed",
				released.TierAState, released.TierBState)
		}
		if released.ClaimedBy != nil || released.LeaseUntil != nil {
			t.Errorf("удержание не снято: claimedBy=%v leaseUntil=%v", released.ClaimedBy, released.LeaseUntil)
		}
		if pins.unpins() != 1 {
			t.Errorf("вызовов Unpin = %d, ожидался 1", pins.unpins())
		}
	})

	t.Run("содержимое уже отсутствует в tier A", func(t *testing.T) {
		repo := setupRepo(t)
		pins := &fakePinStore{
			unpinFn: func(context.Context, model.PinRef) error {
				return failure.New(failure.NotFound, "unpin", errors.New("not pinned"))
			},
		}
		svc := newIngest(repo, pins, newFakeClock())
		rec := ingestPinned(t, svc, "evidence-1", []byte("release-6"))

		released, err := svc.Release(ctx, rec.ID, testOwner)
		if err != nil {
			t.Fatalf("Release() вернул ошибку: %v", err)
		}
		if released.TierAState != model.TierAReleased {
			t.Errorf("TierAState = %s, ожидался released", released.TierAState)
		}
	})
}

// Проверка, что ошибка репозитория не маскируется под ErrNotFound.
func TestLoadOwned_NotFound(t *testing.T) {
	repo := setupRepo(t)
	_, err := loadOwned(context.Background(), repo, uuid.NewString(), testOwner)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("loadOwned() = %v, ожидалась ErrNotFound", err)
	}
	if errors.Is(err, repository.ErrNotFound) {
		t.Error("ошибка репозитория не должна протекать наружу")
	}
}
