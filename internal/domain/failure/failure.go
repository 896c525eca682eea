// Пакет failure — классификация ошибок внешних хранилищ (PinStore, DealStore).
//
// Воркер миграции тратит бюджет попыток только на повторяемые ошибки,
// терминальные переводят запись в failed сразу. Неклассифицированная
// ошибка считается повторяемой: бюджет попыток всё равно ограничен.
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind — категория ошибки внешнего хранилища.
type Kind int

const (
	// Retryable — сеть, таймаут, перегрузка, ожидание пополнения средств
	Retryable Kind = iota
	// Terminal — некорректное содержимое или отказ, который не исправится повтором
	Terminal
	// NotFound — объект отсутствует в хранилище
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Terminal:
		return "terminal"
	case NotFound:
		return "not_found"
	default:
		return "retryable"
	}
}

// ErrNotFound — объект отсутствует во внешнем хранилище.
var ErrNotFound = errors.New("объект не найден во внешнем хранилище")

// Error — классифицированная ошибка вызова внешнего хранилища.
type Error struct {
	Kind Kind
	// Op — операция (pin, unpin, get_metadata, store, check_deal)
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is позволяет errors.Is(err, ErrNotFound) для ошибок категории NotFound.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Kind == NotFound
}

// New создаёт классифицированную ошибку.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap классифицирует произвольную ошибку по её природе.
// Уже классифицированная ошибка возвращается без изменений.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// KindOf возвращает категорию ошибки.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify(err)
}

// IsTerminal сообщает, что повтор не поможет.
func IsTerminal(err error) bool {
	return err != nil && KindOf(err) == Terminal
}

// IsNotFound сообщает, что объект отсутствует во внешнем хранилище.
func IsNotFound(err error) bool {
	return err != nil && (errors.Is(err, ErrNotFound) || KindOf(err) == NotFound)
}

// terminalMarkers — фрагменты сообщений, означающие отказ по существу запроса.
var terminalMarkers = []string{
	"deal rejected",
	"proposal rejected",
	"invalid cid",
	"invalid path",
	"unknown miner",
	"piece size",
	"failed to parse",
}

// retryableMarkers — фрагменты сообщений, означающие временную проблему.
// Проверяются раньше terminalMarkers: "insufficient funds" может
// прийти внутри обёртки "deal rejected".
var retryableMarkers = []string{
	"not enough funds",
	"insufficient funds",
	"market balance",
	"funds",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"too many requests",
}

// Classify определяет категорию неклассифицированной ошибки.
func Classify(err error) Kind {
	if err == nil {
		return Retryable
	}
	if errors.Is(err, ErrNotFound) {
		return NotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Retryable
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return Retryable
		}
	}
	for _, m := range terminalMarkers {
		if strings.Contains(msg, m) {
			return Terminal
		}
	}
	return Retryable
}

// FromHTTPStatus классифицирует ответ HTTP API хранилища.
func FromHTTPStatus(op string, status int, body string) *Error {
	err := fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusNotFound:
		return New(NotFound, op, err)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return New(Retryable, op, err)
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnsupportedMediaType, status == http.StatusUnprocessableEntity:
		return New(Terminal, op, err)
	default:
		return New(Classify(err), op, err)
	}
}
