// Пакет service — бизнес-логика Evidence Vault: приём файлов, миграция
// из tier A в tier B, статус и сводка.
package service

import (
	"context"

	"github.com/bigkaa/evidence-vault/internal/domain/model"
)

// PinStore — быстрое хранилище tier A.
// Ошибки классифицируются пакетом failure; отсутствие объекта — failure.ErrNotFound.
type PinStore interface {
	Pin(ctx context.Context, req model.PinRequest) (*model.PinResult, error)
	Unpin(ctx context.Context, ref model.PinRef) error
	GetMetadata(ctx context.Context, ref model.PinRef) (*model.PinMetadata, error)
}

// DealStore — долговременное хранилище tier B.
type DealStore interface {
	Store(ctx context.Context, tierAID string, metadata map[string]string) (*model.DealResult, error)
	CheckDeal(ctx context.Context, ref model.DealRef) (*model.DealStatus, error)
}

// Notifier будит воркеры миграции, когда запись встаёт в очередь.
type Notifier interface {
	Publish(ctx context.Context, fileID string) error
	Subscribe(ctx context.Context) (<-chan string, error)
	Close() error
}
