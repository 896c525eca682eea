// status.go — StatusService: статус файла с живой сверкой хранилищ и сводка владельца.
//
// Живая проверка выполняется только для стабильных состояний
// (tier A pinned, tier B completed). Ошибка проверки не ошибка запроса:
// возвращается хранимое состояние с Verified=false.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/evidence-vault/internal/domain/failure"
	"github.com/bigkaa/evidence-vault/internal/domain/lifecycle"
	"github.com/bigkaa/evidence-vault/internal/domain/model"
	"github.com/bigkaa/evidence-vault/internal/repository"
)

// Причины непроверенного статуса (VerifyError).
const (
	verifyPinStoreUnavailable  = "pin_store_unavailable"
	verifyDealStoreUnavailable = "deal_store_unavailable"
)

var statusChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ev_status_checks_total",
	Help: "Количество живых проверок хранилищ по результату",
}, []string{"target", "result"}) // target: tier_a, tier_b; result: ok, drift, error

// StatusConfig — параметры живой проверки.
type StatusConfig struct {
	CheckTimeout time.Duration
	CacheSize    int
	CacheTTL     time.Duration
}

// StatusService — агрегатор статуса.
type StatusService struct {
	repo   repository.FileRecordRepository
	pins   PinStore
	deals  DealStore
	cache  *CheckCache
	group  singleflight.Group
	cfg    StatusConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewStatusService создаёт агрегатор статуса.
func NewStatusService(
	repo repository.FileRecordRepository,
	pins PinStore,
	deals DealStore,
	cfg StatusConfig,
	logger *slog.Logger,
) *StatusService {
	size := cfg.CacheSize
	if size < 1 {
		size = 1
	}
	return &StatusService{
		repo:   repo,
		pins:   pins,
		deals:  deals,
		cache:  NewCheckCache(size, cfg.CacheTTL),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "status")),
		now:    time.Now,
	}
}

// checkResult — результат singleflight-проверки.
type checkResult struct {
	check    *liveCheck
	failures []string
}

// Status возвращает запись владельца с результатом живой проверки.
func (s *StatusService) Status(ctx context.Context, fileID, ownerID string) (*model.StatusView, error) {
	rec, err := loadOwned(ctx, s.repo, fileID, ownerID)
	if err != nil {
		return nil, err
	}

	view := &model.StatusView{
		Record:    rec,
		Verified:  true,
		CheckedAt: s.now().UTC(),
	}

	needA := lifecycle.IsStableA(rec.TierAState) && rec.TierAID != nil
	needB := lifecycle.IsStableB(rec.TierBState)
	if !needA && !needB {
		return view, nil
	}

	key := checkKey(rec)
	if cached, ok := s.cache.Get(key); ok {
		applyCheck(view, cached)
		return view, nil
	}

	v, _, _ := s.group.Do(key, func() (any, error) {
		res := s.check(ctx, rec, needA, needB)
		if len(res.failures) == 0 {
			s.cache.Set(key, res.check)
		}
		return res, nil
	})
	res := v.(*checkResult)

	applyCheck(view, res.check)
	if len(res.failures) > 0 {
		view.Verified = false
		msg := strings.Join(res.failures, ",")
		view.VerifyError = &msg
	}
	return view, nil
}

// check опрашивает хранилища параллельно. Проверка не зависит от отмены
// запроса: её результат разделяют все ожидающие в singleflight.
func (s *StatusService) check(ctx context.Context, rec *model.FileRecord, needA, needB bool) *checkResult {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CheckTimeout)
	defer cancel()

	var (
		mu  sync.Mutex
		res = &checkResult{check: &liveCheck{}}
		g   errgroup.Group
	)
	addDrift := func(d string) {
		mu.Lock()
		res.check.Drift = append(res.check.Drift, d)
		mu.Unlock()
	}
	addFailure := func(f string) {
		mu.Lock()
		res.failures = append(res.failures, f)
		mu.Unlock()
	}

	if needA {
		g.Go(func() error {
			_, err := s.pins.GetMetadata(checkCtx, rec.PinRef())
			switch {
			case err == nil:
				statusChecksTotal.WithLabelValues("tier_a", "ok").Inc()
			case failure.IsNotFound(err):
				statusChecksTotal.WithLabelValues("tier_a", "drift").Inc()
				addDrift(model.DriftTierAMissing)
			default:
				statusChecksTotal.WithLabelValues("tier_a", "error").Inc()
				s.logger.Warn("Проверка tier A не выполнена",
					slog.String("file_id", rec.ID),
					slog.String("error", err.Error()),
				)
				addFailure(verifyPinStoreUnavailable)
			}
			return nil
		})
	}

	if needB {
		g.Go(func() error {
			st, err := s.deals.CheckDeal(checkCtx, rec.DealRef())
			if err != nil {
				statusChecksTotal.WithLabelValues("tier_b", "error").Inc()
				s.logger.Warn("Проверка tier B не выполнена",
					slog.String("file_id", rec.ID),
					slog.String("error", err.Error()),
				)
				addFailure(verifyDealStoreUnavailable)
				return nil
			}
			mu.Lock()
			res.check.DealState = &st.State
			if st.Message != "" {
				res.check.DealMessage = &st.Message
			}
			mu.Unlock()
			if st.Healthy {
				statusChecksTotal.WithLabelValues("tier_b", "ok").Inc()
				return nil
			}
			statusChecksTotal.WithLabelValues("tier_b", "drift").Inc()
			addDrift(model.DriftTierBUnhealthy)
			return nil
		})
	}

	_ = g.Wait()
	// Порядок расхождений не зависит от порядка ответов хранилищ
	if len(res.check.Drift) == 2 && res.check.Drift[0] != model.DriftTierAMissing {
		res.check.Drift[0], res.check.Drift[1] = res.check.Drift[1], res.check.Drift[0]
	}
	res.check.CheckedAt = s.now().UTC()
	return res
}

func applyCheck(view *model.StatusView, c *liveCheck) {
	if c == nil {
		return
	}
	view.Drift = append([]string(nil), c.Drift...)
	view.DealState = c.DealState
	view.DealMessage = c.DealMessage
	if !c.CheckedAt.IsZero() {
		view.CheckedAt = c.CheckedAt
	}
}

// Summary — количество и объём файлов владельца по парам состояний.
// Только хранимое состояние, без обращений к хранилищам.
func (s *StatusService) Summary(ctx context.Context, ownerID string) (*model.Summary, error) {
	owner := model.NormalizeOwner(ownerID)
	counts, err := s.repo.Summary(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("построение сводки: %w", err)
	}

	sum := &model.Summary{OwnerID: owner, Counts: counts}
	if sum.Counts == nil {
		sum.Counts = []model.StateCount{}
	}
	for _, c := range counts {
		sum.TotalFiles += c.Count
		sum.TotalBytes += c.Bytes
	}
	return sum, nil
}
