// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — запись не найдена или принадлежит другому владельцу.
	ErrNotFound = errors.New("запись не найдена")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrPayloadTooLarge — файл превышает допустимый размер.
	ErrPayloadTooLarge = errors.New("размер файла превышает допустимый")
	// ErrConflict — операция недопустима в текущем состоянии записи.
	ErrConflict = errors.New("операция недопустима в текущем состоянии")
	// ErrAlreadyCompleted — миграция уже завершена.
	ErrAlreadyCompleted = errors.New("миграция уже завершена")
	// ErrCollaboratorUnavailable — внешнее хранилище недоступно.
	ErrCollaboratorUnavailable = errors.New("внешнее хранилище недоступно")
)
