package model

import "time"

// PinRequest — содержимое и метаданные для закрепления в tier A.
type PinRequest struct {
	Data        []byte
	Fingerprint string
	Name        string
	MimeType    string
	Metadata    map[string]string
}

// PinResult — ответ tier A на закрепление.
type PinResult struct {
	TierAID   string
	SizeBytes int64
	PinnedAt  time.Time
}

// PinMetadata — живое состояние закрепления в tier A.
type PinMetadata struct {
	TierAID  string
	Type     string
	Metadata map[string]string
}

// DealResult — ответ tier B на заключение сделки.
type DealResult struct {
	TierBID string
	DealID  string
}

// DealStatus — живое состояние сделки в tier B.
type DealStatus struct {
	// State — имя состояния сделки (StorageDealActive и т.п.)
	State   string
	Message string
	// Healthy — false для сделок, которые уже не обеспечивают хранение
	Healthy bool
}
