// Пакет server — HTTP-сервер Evidence Vault с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bigkaa/evidence-vault/internal/api/middleware"
	"github.com/bigkaa/evidence-vault/internal/config"
)

// Handler — набор обработчиков HTTP API.
type Handler interface {
	HealthLive(w http.ResponseWriter, r *http.Request)
	HealthReady(w http.ResponseWriter, r *http.Request)
	GetMetrics(w http.ResponseWriter, r *http.Request)

	UploadFile(w http.ResponseWriter, r *http.Request)
	GetSummary(w http.ResponseWriter, r *http.Request)
	GetFileStatus(w http.ResponseWriter, r *http.Request)
	RetryMigration(w http.ResponseWriter, r *http.Request)
	ReleaseFile(w http.ResponseWriter, r *http.Request)
}

// Options — необязательные middleware сервера.
type Options struct {
	// Auth устанавливает владельца запроса (JWT или заголовок шлюза).
	// nil — файловые маршруты недоступны.
	Auth func(http.Handler) http.Handler
	// Validator проверяет запросы по OpenAPI контракту; может быть nil.
	Validator *middleware.RequestValidator
}

// Server — HTTP-сервер Evidence Vault.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными маршрутами и middleware.
// При роли worker файловые маршруты не регистрируются: остаются
// health и metrics для probes.
func New(cfg *config.Config, logger *slog.Logger, handler Handler, opts Options) *Server {
	router := NewRouter(logger, handler, opts, cfg.RunsAPI())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты и middleware.
func NewRouter(logger *slog.Logger, handler Handler, opts Options, withAPI bool) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	api := withAPI && opts.Auth != nil
	if api {
		// Health и metrics проверяются Kubernetes напрямую, без API Gateway.
		router.Use(authWithExclusions(opts.Auth, "/health/", "/metrics"))
		if opts.Validator != nil {
			router.Use(opts.Validator.Middleware())
		}
	}

	router.Get("/health/live", handler.HealthLive)
	router.Get("/health/ready", handler.HealthReady)
	router.Get("/metrics", handler.GetMetrics)

	if api {
		router.Route("/api/v1/files", func(r chi.Router) {
			r.Post("/", handler.UploadFile)
			// summary регистрируется до {id}
			r.Get("/summary", handler.GetSummary)
			r.Delete("/{id}", handler.ReleaseFile)
			r.Get("/{id}/status", handler.GetFileStatus)
			r.Post("/{id}/retry", handler.RetryMigration)
		})
	}
	return router
}

// authWithExclusions оборачивает middleware аутентификации, пропуская указанные пути.
// Запросы к путям, начинающимся с любого из excludePrefixes, проходят без проверки.
func authWithExclusions(auth func(http.Handler) http.Handler, excludePrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		protected := auth(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			protected.ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.String("role", s.cfg.Role),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
