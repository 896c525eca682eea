// Пакет model — доменные модели Evidence Vault.
// FileRecord — маппинг таблицы file_records.
package model

import (
	"strings"
	"time"
)

// TierAState — состояние файла в быстром pinning-хранилище (tier A).
type TierAState string

const (
	// TierAPinning — запись зарезервирована, вызов PinStore выполняется
	TierAPinning TierAState = "pinning"
	// TierAPinned — файл закреплён, tierAId задан
	TierAPinned TierAState = "pinned"
	// TierAFailed — закрепление не удалось, lastError заполнен
	TierAFailed TierAState = "failed"
	// TierAReleased — файл откреплён по запросу владельца (soft delete)
	TierAReleased TierAState = "released"
)

// TierBState — состояние миграции файла в хранилище сделок (tier B).
type TierBState string

const (
	TierBQueued    TierBState = "queued"
	TierBMigrating TierBState = "migrating"
	TierBCompleted TierBState = "completed"
	TierBFailed    TierBState = "failed"
)

// AllTierAStates — все состояния tier A в порядке жизненного цикла.
var AllTierAStates = []TierAState{TierAPinning, TierAPinned, TierAFailed, TierAReleased}

// AllTierBStates — все состояния tier B в порядке жизненного цикла.
var AllTierBStates = []TierBState{TierBQueued, TierBMigrating, TierBCompleted, TierBFailed}

// FileRecord — запись одного уникального (по отпечатку) файла одного владельца.
type FileRecord struct {
	// ID — UUID записи, неизменяем
	ID string
	// OwnerID — адрес кошелька владельца в нижнем регистре
	OwnerID string
	// OriginalName — исходное имя файла
	OriginalName string
	// SizeBytes — размер файла в байтах
	SizeBytes int64
	// MimeType — MIME-тип файла
	MimeType string
	// ContentFingerprint — SHA-256 содержимого (hex), уникален в паре с OwnerID
	ContentFingerprint string

	// TierAID — CID в tier A, задаётся после успешного закрепления
	TierAID    *string
	TierAState TierAState

	// TierBID — piece CID в tier B
	TierBID *string
	// DealID — proposal CID сделки
	DealID     *string
	TierBState TierBState

	// MigrationAttempts — количество выполненных попыток миграции
	MigrationAttempts int
	// AttemptLimit — текущий потолок MigrationAttempts для записи
	AttemptLimit int
	// NextAttemptAt — когда запись можно забрать в работу (nil — не в очереди)
	NextAttemptAt *time.Time
	// ClaimedBy — идентификатор воркера, удерживающего аренду, или
	// токен освобождения tier A
	ClaimedBy *string
	// LeaseUntil — окончание аренды
	LeaseUntil *time.Time

	LastAttemptAt *time.Time
	LastError     *string

	// Metadata — аннотации владельца (дело, отчёт), ядро их не интерпретирует
	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PinRef возвращает ссылку на содержимое в tier A.
func (f *FileRecord) PinRef() PinRef {
	ref := PinRef{Fingerprint: f.ContentFingerprint}
	if f.TierAID != nil {
		ref.TierAID = *f.TierAID
	}
	return ref
}

// DealRef возвращает ссылку на сделку в tier B.
func (f *FileRecord) DealRef() DealRef {
	var ref DealRef
	if f.TierBID != nil {
		ref.TierBID = *f.TierBID
	}
	if f.DealID != nil {
		ref.DealID = *f.DealID
	}
	return ref
}

// Enqueued сообщает, стоит ли запись в очереди миграции.
func (f *FileRecord) Enqueued() bool {
	return f.TierAState == TierAPinned && f.TierBState == TierBQueued && f.NextAttemptAt != nil
}

// PinRef — ссылка на содержимое в tier A.
// Fingerprint нужен бэкендам, адресующим объект по ключу, а не по CID.
type PinRef struct {
	TierAID     string
	Fingerprint string
}

// DealRef — ссылка на сделку в tier B.
type DealRef struct {
	TierBID string
	DealID  string
}

// NormalizeOwner приводит адрес кошелька владельца к каноническому виду:
// без пробелов по краям, в нижнем регистре.
func NormalizeOwner(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}
