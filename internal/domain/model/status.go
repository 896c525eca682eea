package model

import "time"

// Причины расхождения хранимого и фактического состояния.
const (
	DriftTierAMissing   = "tier_a_missing"
	DriftTierBUnhealthy = "tier_b_unhealthy"
)

// StatusView — статус файла: хранимая запись плюс результат живой проверки.
type StatusView struct {
	Record *FileRecord
	// Verified — живая проверка выполнена успешно (или не требовалась)
	Verified bool
	// VerifyError — причина, по которой проверка не выполнена
	VerifyError *string
	// Drift — обнаруженные расхождения (DriftTierAMissing, DriftTierBUnhealthy)
	Drift []string
	// DealState — состояние сделки по данным tier B
	DealState   *string
	DealMessage *string
	CheckedAt   time.Time
}

// StateCount — количество записей в одной паре состояний.
type StateCount struct {
	TierAState TierAState
	TierBState TierBState
	Count      int64
	Bytes      int64
}

// Summary — сводка по файлам владельца.
type Summary struct {
	OwnerID    string
	Counts     []StateCount
	TotalFiles int64
	TotalBytes int64
}
