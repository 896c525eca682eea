// auth.go — установление владельца запроса.
//
// Два режима:
//   - jwt: Bearer JWT (RS256/ES256) валидируется через JWKS, адрес кошелька
//     владельца берётся из настраиваемого claim
//   - header: адрес владельца берётся из заголовка, подпись кошелька уже
//     проверена шлюзом перед сервисом
//
// Публичные endpoints (health, metrics) — без аутентификации.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/evidence-vault/internal/api/errors"
	"github.com/bigkaa/evidence-vault/internal/domain/model"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyOwner — адрес кошелька владельца в контексте запроса.
const ContextKeyOwner contextKey = "owner_id"

// maxOwnerLength — ограничение длины адреса владельца.
const maxOwnerLength = 128

// JWTAuth — middleware для JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks       keyfunc.Keyfunc
	ownerClaim string
	issuer     string
	jwtLeeway  time.Duration
	logger     *slog.Logger
}

// JWTAuthConfig — параметры для создания JWT middleware.
type JWTAuthConfig struct {
	// URL JWKS endpoint
	JWKSURL string
	// Путь к CA-сертификату (опционально)
	CACertPath string
	// Claim с адресом кошелька владельца
	OwnerClaim string
	// Ожидаемый issuer (пусто — не проверяется)
	Issuer          string
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	JWTLeeway       time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS из указанного URL.
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	httpClient, err := buildHTTPClient(authCfg)
	if err != nil {
		return nil, err
	}

	// NoErrorReturnFirstHTTPReq — стартуем даже если JWKS endpoint ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           authCfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", authCfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	j := NewJWTAuthWithKeyfunc(k, authCfg.OwnerClaim, authCfg.JWTLeeway, logger)
	j.issuer = authCfg.Issuer
	return j, nil
}

// buildHTTPClient создаёт HTTP-клиент JWKS с опциональным CA-сертификатом.
func buildHTTPClient(authCfg JWTAuthConfig) (*http.Client, error) {
	client := &http.Client{Timeout: authCfg.ClientTimeout}
	if authCfg.CACertPath == "" {
		return client, nil
	}

	caCert, err := os.ReadFile(authCfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", authCfg.CACertPath, err)
	}
	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	client.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: caCertPool, MinVersion: tls.VersionTLS12},
	}
	return client, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, ownerClaim string, jwtLeeway time.Duration, logger *slog.Logger) *JWTAuth {
	if ownerClaim == "" {
		ownerClaim = "sub"
	}
	return &JWTAuth{
		jwks:       kf,
		ownerClaim: ownerClaim,
		jwtLeeway:  jwtLeeway,
		logger:     logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token, валидирует подпись и exp, помещает владельца в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := parts[1]
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256", "ES256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}
			if !token.Valid {
				apierrors.Unauthorized(w, "Невалидный токен")
				return
			}

			raw, _ := claims[j.ownerClaim].(string)
			owner, ok := normalizeOwner(raw)
			if !ok {
				apierrors.Unauthorized(w, fmt.Sprintf("Отсутствует claim %s в токене", j.ownerClaim))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

// Close освобождает ресурсы JWKS.
func (j *JWTAuth) Close() {
	// keyfunc v3 не требует явного закрытия
}

// HeaderAuth возвращает middleware, берущий владельца из заголовка header.
func HeaderAuth(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, ok := normalizeOwner(r.Header.Get(header))
			if !ok {
				apierrors.Unauthorized(w, "Отсутствует заголовок "+header)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func normalizeOwner(raw string) (string, bool) {
	owner := model.NormalizeOwner(raw)
	if owner == "" || len(owner) > maxOwnerLength {
		return "", false
	}
	return owner, true
}

// WithOwner помещает владельца в контекст.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ContextKeyOwner, owner)
}

// OwnerFromContext извлекает владельца из контекста запроса.
// Возвращает пустую строку, если владелец не установлен.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ContextKeyOwner).(string)
	return owner
}
