// handler.go — основной обработчик API Evidence Vault.
// Делегирует запросы в сервисный слой: приём, миграция, статус.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bigkaa/evidence-vault/internal/service"
)

// APIHandler — основной обработчик API.
type APIHandler struct {
	health *HealthHandler
	ingest *service.IngestService
	worker *service.MigrationWorker
	status *service.StatusService
	// maxUploadSize — предел размера файла; тело запроса ограничивается
	// с запасом на заголовки multipart
	maxUploadSize int64
	logger        *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
// worker используется только для ручного повтора и может не быть запущен
// (роль api).
func NewAPIHandler(
	health *HealthHandler,
	ingest *service.IngestService,
	worker *service.MigrationWorker,
	status *service.StatusService,
	maxUploadSize int64,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:        health,
		ingest:        ingest,
		worker:        worker,
		status:        status,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// writeJSON сериализует ответ в JSON с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
