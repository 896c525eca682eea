// files.go — обработчики /api/v1/files endpoints.
// Загрузка, статус, ручной повтор миграции, открепление (soft delete), сводка.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/evidence-vault/internal/api/errors"
	"github.com/bigkaa/evidence-vault/internal/api/middleware"
	"github.com/bigkaa/evidence-vault/internal/domain/model"
	"github.com/bigkaa/evidence-vault/internal/service"
)

const (
	// multipartOverhead — запас на границы и заголовки частей multipart
	multipartOverhead = 1 << 20
	// multipartMemory — сколько формы держать в памяти до сброса на диск
	multipartMemory = 32 << 20
)

// fileRecordResponse — JSON представление FileRecord.
type fileRecordResponse struct {
	ID                 string            `json:"id"`
	OwnerID            string            `json:"ownerId"`
	OriginalName       string            `json:"originalName"`
	SizeBytes          int64             `json:"sizeBytes"`
	MimeType           string            `json:"mimeType"`
	ContentFingerprint string            `json:"contentFingerprint"`
	TierAID            *string           `json:"tierAId"`
	TierAState         string            `json:"tierAState"`
	TierBID            *string           `json:"tierBId"`
	DealID             *string           `json:"dealId"`
	TierBState         string            `json:"tierBState"`
	MigrationAttempts  int               `json:"migrationAttempts"`
	AttemptLimit       int               `json:"attemptLimit"`
	NextAttemptAt      *time.Time        `json:"nextAttemptAt"`
	LastAttemptAt      *time.Time        `json:"lastAttemptAt"`
	LastError          *string           `json:"lastError"`
	Metadata           map[string]string `json:"metadata"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

type uploadResponse struct {
	fileRecordResponse
	IsDuplicate bool `json:"isDuplicate"`
}

type statusResponse struct {
	fileRecordResponse
	Verified    bool      `json:"verified"`
	VerifyError *string   `json:"verifyError"`
	Drift       []string  `json:"drift"`
	DealState   *string   `json:"dealState"`
	DealMessage *string   `json:"dealMessage"`
	CheckedAt   time.Time `json:"checkedAt"`
}

type stateCountResponse struct {
	TierAState string `json:"tierAState"`
	TierBState string `json:"tierBState"`
	Count      int64  `json:"count"`
	Bytes      int64  `json:"bytes"`
}

type summaryResponse struct {
	OwnerID    string               `json:"ownerId"`
	TotalFiles int64                `json:"totalFiles"`
	TotalBytes int64                `json:"totalBytes"`
	Counts     []stateCountResponse `json:"counts"`
}

// UploadFile — POST /api/v1/files.
// Multipart form: file (обязательно), metadata (опционально, JSON-объект строк).
func (h *APIHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.PayloadTooLarge(w, fmt.Sprintf("Размер файла превышает %d байт", h.maxUploadSize))
			return
		}
		apierrors.ValidationError(w, "Ошибка парсинга multipart: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadSize+1))
	if err != nil {
		apierrors.ValidationError(w, "Ошибка чтения файла: "+err.Error())
		return
	}

	var metadata map[string]string
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			apierrors.ValidationError(w, "Поле 'metadata' должно быть JSON-объектом строк")
			return
		}
	}

	result, err := h.ingest.Ingest(r.Context(), service.IngestRequest{
		OwnerID:      owner,
		Data:         data,
		OriginalName: header.Filename,
		MimeType:     header.Header.Get("Content-Type"),
		Metadata:     metadata,
	})
	if err != nil {
		h.writeServiceError(w, "Ошибка приёма файла", err)
		return
	}

	status := http.StatusCreated
	if result.IsDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, uploadResponse{
		fileRecordResponse: recordToResponse(result.Record),
		IsDuplicate:        result.IsDuplicate,
	})
}

// GetFileStatus — GET /api/v1/files/{id}/status.
func (h *APIHandler) GetFileStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := bindFileID(w, r)
	if !ok {
		return
	}

	view, err := h.status.Status(r.Context(), id.String(), middleware.OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, "Ошибка получения статуса", err)
		return
	}

	drift := view.Drift
	if drift == nil {
		drift = []string{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		fileRecordResponse: recordToResponse(view.Record),
		Verified:           view.Verified,
		VerifyError:        view.VerifyError,
		Drift:              drift,
		DealState:          view.DealState,
		DealMessage:        view.DealMessage,
		CheckedAt:          view.CheckedAt,
	})
}

// RetryMigration — POST /api/v1/files/{id}/retry?force=.
func (h *APIHandler) RetryMigration(w http.ResponseWriter, r *http.Request) {
	id, ok := bindFileID(w, r)
	if !ok {
		return
	}

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			apierrors.ValidationError(w, "Параметр force должен быть boolean")
			return
		}
		force = parsed
	}

	rec, err := h.worker.Retry(r.Context(), id.String(), middleware.OwnerFromContext(r.Context()), force)
	if err != nil {
		h.writeServiceError(w, "Ошибка постановки в очередь", err)
		return
	}
	writeJSON(w, http.StatusAccepted, recordToResponse(rec))
}

// ReleaseFile — DELETE /api/v1/files/{id}.
// Открепляет файл от tier A; запись остаётся в состоянии released.
func (h *APIHandler) ReleaseFile(w http.ResponseWriter, r *http.Request) {
	id, ok := bindFileID(w, r)
	if !ok {
		return
	}

	rec, err := h.ingest.Release(r.Context(), id.String(), middleware.OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, "Ошибка открепления файла", err)
		return
	}
	writeJSON(w, http.StatusOK, recordToResponse(rec))
}

// GetSummary — GET /api/v1/files/summary.
func (h *APIHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.status.Summary(r.Context(), middleware.OwnerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, "Ошибка получения сводки", err)
		return
	}

	resp := summaryResponse{
		OwnerID:    summary.OwnerID,
		TotalFiles: summary.TotalFiles,
		TotalBytes: summary.TotalBytes,
		Counts:     make([]stateCountResponse, 0, len(summary.Counts)),
	}
	for _, c := range summary.Counts {
		resp.Counts = append(resp.Counts, stateCountResponse{
			TierAState: string(c.TierAState),
			TierBState: string(c.TierBState),
			Count:      c.Count,
			Bytes:      c.Bytes,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// bindFileID извлекает UUID файла из пути. При ошибке ответ уже записан.
func bindFileID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var id uuid.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный идентификатор файла")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError переводит ошибку сервисного слоя в HTTP ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrPayloadTooLarge):
		apierrors.PayloadTooLarge(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Файл не найден")
	case errors.Is(err, service.ErrAlreadyCompleted):
		apierrors.AlreadyCompleted(w, "Миграция уже завершена")
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrCollaboratorUnavailable):
		apierrors.PinStoreUnavailable(w, "Хранилище tier A недоступно")
	default:
		h.logger.Error(op, slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

func recordToResponse(rec *model.FileRecord) fileRecordResponse {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return fileRecordResponse{
		ID:                 rec.ID,
		OwnerID:            rec.OwnerID,
		OriginalName:       rec.OriginalName,
		SizeBytes:          rec.SizeBytes,
		MimeType:           rec.MimeType,
		ContentFingerprint: rec.ContentFingerprint,
		TierAID:            rec.TierAID,
		TierAState:         string(rec.TierAState),
		TierBID:            rec.TierBID,
		DealID:             rec.DealID,
		TierBState:         string(rec.TierBState),
		MigrationAttempts:  rec.MigrationAttempts,
		AttemptLimit:       rec.AttemptLimit,
		NextAttemptAt:      rec.NextAttemptAt,
		LastAttemptAt:      rec.LastAttemptAt,
		LastError:          rec.LastError,
		Metadata:           metadata,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}
