package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/evidence-vault/internal/database"
	"github.com/bigkaa/evidence-vault/internal/domain/failure"
	"github.com/bigkaa/evidence-vault/internal/domain/model"
	"github.com/bigkaa/evidence-vault/internal/repository"
)

const testOwner = "0xabc"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupRepo создаёт репозиторий поверх временной базы SQLite.
func setupRepo(t *testing.T) repository.FileRecordRepository {
	t.Helper()

	logger := testLogger()
	path := filepath.Join(t.TempDir(), "records.db")
	if err := database.MigrateSQLite(path, logger); err != nil {
		t.Fatalf("MigrateSQLite() вернул ошибку: %v", err)
	}
	db, err := database.OpenSQLite(context.Background(), path, logger)
	if err != nil {
		t.Fatalf("OpenSQLite() вернул ошибку: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return repository.NewSQLiteFileRecordRepository(db)
}

// fakeClock — управляемые часы для сервисов.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakePinStore — PinStore с подменяемыми функциями и счётчиками вызовов.
type fakePinStore struct {
	mu          sync.Mutex
	pinCalls    int
	unpinCalls  int
	metaCalls   int
	pinFn       func(ctx context.Context, req model.PinRequest) (*model.PinResult, error)
	unpinFn     func(ctx context.Context, ref model.PinRef) error
	getMetadata func(ctx context.Context, ref model.PinRef) (*model.PinMetadata, error)
}

func (f *fakePinStore) Pin(ctx context.Context, req model.PinRequest) (*model.PinResult, error) {
	f.mu.Lock()
	f.pinCalls++
	f.mu.Unlock()
	if f.pinFn != nil {
		return f.pinFn(ctx, req)
	}
	return &model.PinResult{TierAID: "bafy-" + req.Fingerprint[:16], SizeBytes: int64(len(req.Data))}, nil
}

func (f *fakePinStore) Unpin(ctx context.Context, ref model.PinRef) error {
	f.mu.Lock()
	f.unpinCalls++
	f.mu.Unlock()
	if f.unpinFn != nil {
		return f.unpinFn(ctx, ref)
	}
	return nil
}

func (f *fakePinStore) GetMetadata(ctx context.Context, ref model.PinRef) (*model.PinMetadata, error) {
	f.mu.Lock()
	f.metaCalls++
	f.mu.Unlock()
	if f.getMetadata != nil {
		return f.getMetadata(ctx, ref)
	}
	return &model.PinMetadata{TierAID: ref.TierAID, Type: "recursive"}, nil
}

func (f *fakePinStore) pins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinCalls
}

func (f *fakePinStore) unpins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unpinCalls
}

func (f *fakePinStore) metadataCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls
}

// fakeDealStore — DealStore с подменяемыми функциями и счётчиками вызовов.
type fakeDealStore struct {
	mu         sync.Mutex
	storeCalls map[string]int
	checkCalls int
	storeFn    func(ctx context.Context, tierAID string, call int) (*model.DealResult, error)
	checkFn    func(ctx context.Context, ref model.DealRef) (*model.DealStatus, error)
}

func (f *fakeDealStore) Store(ctx context.Context, tierAID string, _ map[string]string) (*model.DealResult, error) {
	f.mu.Lock()
	if f.storeCalls == nil {
		f.storeCalls = map[string]int{}
	}
	f.storeCalls[tierAID]++
	call := f.storeCalls[tierAID]
	f.mu.Unlock()

	if f.storeFn != nil {
		return f.storeFn(ctx, tierAID, call)
	}
	return &model.DealResult{TierBID: "piece-" + tierAID, DealID: "deal-" + tierAID}, nil
}

func (f *fakeDealStore) CheckDeal(ctx context.Context, ref model.DealRef) (*model.DealStatus, error) {
	f.mu.Lock()
	f.checkCalls++
	f.mu.Unlock()
	if f.checkFn != nil {
		return f.checkFn(ctx, ref)
	}
	return &model.DealStatus{State: "StorageDealActive", Healthy: true}, nil
}

func (f *fakeDealStore) stores(tierAID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeCalls[tierAID]
}

func (f *fakeDealStore) totalStores() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.storeCalls {
		total += n
	}
	return total
}

func (f *fakeDealStore) checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkCalls
}

// failingTimes возвращает storeFn, которая n раз отвечает повторяемой ошибкой.
func failingTimes(n int) func(context.Context, string, int) (*model.DealResult, error) {
	return func(_ context.Context, tierAID string, call int) (*model.DealResult, error) {
		if call <= n {
			return nil, failure.New(failure.Retryable, "store", errors.New("provider offline"))
		}
		return &model.DealResult{TierBID: "piece-" + tierAID, DealID: "deal-" + tierAID}, nil
	}
}

// recordingNotifier запоминает опубликованные идентификаторы.
type recordingNotifier struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (n *recordingNotifier) Publish(_ context.Context, fileID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, fileID)
	return n.err
}

func (n *recordingNotifier) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.published)
}

func testIngestConfig() IngestConfig {
	return IngestConfig{
		MaxUploadSize: 1 << 20,
		MaxAttempts:   3,
		PinTimeout:    5 * time.Second,
		PinLease:      10 * time.Minute,
	}
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:    1,
		PollInterval:   10 * time.Millisecond,
		Lease:          time.Minute,
		DealTimeout:    5 * time.Second,
		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  10 * time.Second,
	}
}

// newIngest создаёт IngestService с управляемыми часами.
func newIngest(repo repository.FileRecordRepository, pins PinStore, clock *fakeClock) *IngestService {
	svc := NewIngestService(repo, pins, &recordingNotifier{}, testIngestConfig(), testLogger())
	svc.now = clock.Now
	return svc
}

// newWorker создаёт MigrationWorker с управляемыми часами.
func newWorker(repo repository.FileRecordRepository, deals DealStore, clock *fakeClock) *MigrationWorker {
	w := NewMigrationWorker(repo, deals, &recordingNotifier{}, testWorkerConfig(), testLogger())
	w.now = clock.Now
	return w
}

// ingestPinned принимает файл и проверяет, что он закреплён и в очереди.
func ingestPinned(t *testing.T, svc *IngestService, name string, data []byte) *model.FileRecord {
	t.Helper()
	res, err := svc.Ingest(context.Background(), IngestRequest{
		OwnerID:      testOwner,
		Data:         data,
		OriginalName: name,
		MimeType:     "application/pdf",
	})
	if err != nil {
		t.Fatalf("Ingest(%s) вернул ошибку: %v", name, err)
	}
	if res.Record.TierAState != model.TierAPinned {
		t.Fatalf("Ingest(%s): TierAState = %s, ожидался pinned", name, res.Record.TierAState)
	}
	return res.Record
}

// drain обрабатывает очередь, сдвигая часы за пределы любой задержки повтора.
func drain(t *testing.T, w *MigrationWorker, clock *fakeClock, maxSteps int) int {
	t.Helper()
	steps := 0
	for i := 0; i < maxSteps; i++ {
		worked, err := w.ProcessNext(context.Background())
		if err != nil {
			t.Fatalf("ProcessNext() вернул ошибку: %v", err)
		}
		if worked {
			steps++
		}
		clock.Advance(time.Minute)
	}
	return steps
}
