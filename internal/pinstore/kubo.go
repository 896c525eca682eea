// Пакет pinstore — клиенты быстрого хранилища tier A (IPFS pinning).
// Два бэкенда: Kubo RPC API и S3-совместимый IPFS-шлюз.
// Ошибки возвращаются классифицированными (failure.Error).
package pinstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/bigkaa/evidence-vault/internal/domain/failure"
	"github.com/bigkaa/evidence-vault/internal/domain/model"
)

// maxErrorBody — сколько байт тела ошибки читать для сообщения.
const maxErrorBody = 4 << 10

// Kubo — клиент Kubo RPC API (/api/v0).
type Kubo struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewKubo создаёт клиент Kubo.
// timeout — верхняя граница одного HTTP-запроса; вызывающий код
// дополнительно ограничивает вызов контекстом.
func NewKubo(apiURL string, timeout time.Duration, logger *slog.Logger) *Kubo {
	return &Kubo{
		baseURL: strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{MaxIdleConnsPerHost: 10},
		},
		logger: logger.With(slog.String("component", "kubo_client")),
		now:    time.Now,
	}
}

// kuboAddResponse — ответ /api/v0/add.
type kuboAddResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// kuboPinLsResponse — ответ /api/v0/pin/ls.
type kuboPinLsResponse struct {
	Keys map[string]struct {
		Type string `json:"Type"`
	} `json:"Keys"`
}

// kuboError — тело ошибки Kubo RPC.
type kuboError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

// Pin добавляет содержимое в Kubo с закреплением (CIDv1).
func (k *Kubo) Pin(ctx context.Context, req model.PinRequest) (*model.PinResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", req.Fingerprint)
	if err != nil {
		return nil, failure.New(failure.Terminal, "pin", fmt.Errorf("формирование multipart: %w", err))
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, failure.New(failure.Terminal, "pin", fmt.Errorf("формирование multipart: %w", err))
	}
	if err := mw.Close(); err != nil {
		return nil, failure.New(failure.Terminal, "pin", fmt.Errorf("формирование multipart: %w", err))
	}

	q := url.Values{}
	q.Set("pin", "true")
	q.Set("cid-version", "1")

	respBody, err := k.call(ctx, "pin", "add", q, &body, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}

	var added kuboAddResponse
	if err := json.Unmarshal(respBody, &added); err != nil {
		return nil, failure.New(failure.Retryable, "pin", fmt.Errorf("разбор ответа add: %w", err))
	}
	c, err := cid.Decode(added.Hash)
	if err != nil {
		return nil, failure.New(failure.Terminal, "pin", fmt.Errorf("invalid cid %q: %w", added.Hash, err))
	}

	size := int64(len(req.Data))
	if added.Size != "" {
		if n, err := strconv.ParseInt(added.Size, 10, 64); err == nil {
			size = n
		}
	}

	k.logger.Debug("Содержимое закреплено в Kubo",
		slog.String("fingerprint", req.Fingerprint),
		slog.String("cid", c.String()),
	)

	return &model.PinResult{
		TierAID:   c.String(),
		SizeBytes: size,
		PinnedAt:  k.now().UTC(),
	}, nil
}

// Unpin снимает рекурсивное закрепление. Отсутствующее закрепление —
// failure.ErrNotFound.
func (k *Kubo) Unpin(ctx context.Context, ref model.PinRef) error {
	c, err := parseTierAID("unpin", ref.TierAID)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("arg", c.String())
	_, err = k.call(ctx, "unpin", "pin/rm", q, nil, "")
	return err
}

// GetMetadata проверяет, что CID закреплён рекурсивно.
func (k *Kubo) GetMetadata(ctx context.Context, ref model.PinRef) (*model.PinMetadata, error) {
	c, err := parseTierAID("get_metadata", ref.TierAID)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("arg", c.String())
	q.Set("type", "recursive")

	respBody, err := k.call(ctx, "get_metadata", "pin/ls", q, nil, "")
	if err != nil {
		return nil, err
	}

	var ls kuboPinLsResponse
	if err := json.Unmarshal(respBody, &ls); err != nil {
		return nil, failure.New(failure.Retryable, "get_metadata", fmt.Errorf("разбор ответа pin/ls: %w", err))
	}
	entry, ok := ls.Keys[c.String()]
	if !ok {
		return nil, failure.New(failure.NotFound, "get_metadata",
			fmt.Errorf("CID %s не закреплён: %w", c, failure.ErrNotFound))
	}

	return &model.PinMetadata{
		TierAID:  c.String(),
		Type:     entry.Type,
		Metadata: map[string]string{},
	}, nil
}

// call выполняет POST {baseURL}/api/v0/{path} и возвращает тело успешного ответа.
func (k *Kubo) call(
	ctx context.Context, op, path string, q url.Values, body io.Reader, contentType string,
) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/api/v0/%s?%s", k.baseURL, path, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return nil, failure.New(failure.Terminal, op, fmt.Errorf("создание запроса %s: %w", path, err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := k.httpClient.Do(req) //nolint:gosec // URL из конфигурации
	if err != nil {
		return nil, failure.Wrap(op, fmt.Errorf("запрос %s к Kubo: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, kuboFailure(op, resp.StatusCode, raw)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Wrap(op, fmt.Errorf("чтение ответа %s: %w", path, err))
	}
	return data, nil
}

// kuboFailure классифицирует ответ Kubo с ошибкой.
// Kubo отвечает 500 и на «не закреплено», поэтому сначала смотрим сообщение.
func kuboFailure(op string, status int, raw []byte) error {
	var ke kuboError
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &ke) == nil && ke.Message != "" {
		msg = ke.Message
	}

	lower := strings.ToLower(msg)
	if strings.Contains(lower, "not pinned") {
		return failure.New(failure.NotFound, op, fmt.Errorf("%s: %w", msg, failure.ErrNotFound))
	}
	if strings.Contains(lower, "invalid path") || strings.Contains(lower, "invalid cid") {
		return failure.New(failure.Terminal, op, fmt.Errorf("HTTP %d: %s", status, msg))
	}
	return failure.FromHTTPStatus(op, status, msg)
}

// parseTierAID разбирает идентификатор tier A. Неразбираемый CID — терминальная ошибка.
func parseTierAID(op, id string) (cid.Cid, error) {
	c, err := cid.Decode(id)
	if err != nil {
		return cid.Undef, failure.New(failure.Terminal, op, fmt.Errorf("invalid cid %q: %w", id, err))
	}
	return c, nil
}
