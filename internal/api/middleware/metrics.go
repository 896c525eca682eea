// metrics.go — Prometheus HTTP метрики Evidence Vault.
// Регистрирует метрики: ev_http_requests_total, ev_http_request_duration_seconds.
// Нормализация путей предотвращает взрывной рост кардинальности.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ev_http_requests_total",
			Help: "Общее количество HTTP-запросов к Evidence Vault",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ev_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Evidence Vault в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newStatusRecorder(w)
			next.ServeHTTP(wrapped, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath заменяет идентификатор файла на {id}.
// /api/v1/files/a1b2c3d4-.../status → /api/v1/files/{id}/status
// Неизвестные пути сворачиваются в "other".
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/files", "/api/v1/files/summary":
		return path
	}

	const filesPrefix = "/api/v1/files/"
	if !strings.HasPrefix(path, filesPrefix) {
		return "other"
	}
	rest := strings.TrimPrefix(path, filesPrefix)
	_, suffix, _ := strings.Cut(rest, "/")
	switch suffix {
	case "":
		return "/api/v1/files/{id}"
	case "status", "retry":
		return "/api/v1/files/{id}/" + suffix
	default:
		return "other"
	}
}
