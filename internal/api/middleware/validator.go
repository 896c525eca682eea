// validator.go — проверка запросов по OpenAPI контракту (kin-openapi).
// Проверяются путь, метод и параметры; тело multipart читает обработчик
// с собственным ограничением размера. Пути вне контракта (health, metrics)
// пропускаются без проверки.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	apierrors "github.com/bigkaa/evidence-vault/internal/api/errors"
)

// RequestValidator проверяет запросы по контракту.
type RequestValidator struct {
	router routers.Router
	opts   *openapi3filter.Options
	logger *slog.Logger
}

// NewRequestValidator создаёт валидатор для загруженного контракта.
func NewRequestValidator(doc *openapi3.T, logger *slog.Logger) (*RequestValidator, error) {
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("построение маршрутов OpenAPI: %w", err)
	}
	return &RequestValidator{
		router: router,
		opts: &openapi3filter.Options{
			ExcludeRequestBody:  true,
			ExcludeResponseBody: true,
			AuthenticationFunc:  openapi3filter.NoopAuthenticationFunc,
		},
		logger: logger.With(slog.String("component", "openapi_validator")),
	}, nil
}

// Middleware возвращает HTTP middleware проверки запросов.
func (v *RequestValidator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := v.router.FindRoute(r)
			if err != nil {
				// Маршрутизацию и 404/405 выполняет chi
				if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
					next.ServeHTTP(w, r)
					return
				}
				apierrors.ValidationError(w, "Некорректный запрос")
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options:    v.opts,
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				v.logger.Debug("Запрос не соответствует контракту",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				apierrors.ValidationError(w, validationMessage(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// validationMessage — краткое описание ошибки без дампа схемы.
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil {
			return fmt.Sprintf("Некорректный параметр %s", reqErr.Parameter.Name)
		}
		if reqErr.Reason != "" {
			return reqErr.Reason
		}
	}
	return "Запрос не соответствует контракту API"
}
