package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"таймаут контекста", context.DeadlineExceeded, Retryable},
		{"обёрнутый таймаут", fmt.Errorf("store: %w", context.DeadlineExceeded), Retryable},
		{"сетевая ошибка", &net.OpError{Op: "dial", Err: errors.New("no route to host")}, Retryable},
		{"нет средств", errors.New("not enough funds in market balance"), Retryable},
		{"недостаточно средств", errors.New("insufficient funds for deal collateral"), Retryable},
		{"сделка отклонена", errors.New("deal rejected: provider does not accept deals"), Terminal},
		{"некорректный CID", errors.New("invalid cid: selected encoding not supported"), Terminal},
		{"HTML вместо JSON от прокси", errors.New("invalid character '<' looking for beginning of value"), Retryable},
		{"некорректный ответ узла", errors.New("rpc: invalid response id"), Retryable},
		{"не найдено", ErrNotFound, NotFound},
		{"неизвестная ошибка", errors.New("something odd"), Retryable},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("%s: Classify() = %s, ожидалось %s", tt.name, got, tt.want)
		}
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusInternalServerError, Retryable},
		{http.StatusBadGateway, Retryable},
		{http.StatusTooManyRequests, Retryable},
		{http.StatusRequestTimeout, Retryable},
		{http.StatusBadRequest, Terminal},
		{http.StatusRequestEntityTooLarge, Terminal},
		{http.StatusUnprocessableEntity, Terminal},
		{http.StatusNotFound, NotFound},
	}

	for _, tt := range tests {
		err := FromHTTPStatus("pin", tt.status, "body")
		if err.Kind != tt.want {
			t.Errorf("FromHTTPStatus(%d).Kind = %s, ожидалось %s", tt.status, err.Kind, tt.want)
		}
	}
}

func TestWrap_KeepsClassification(t *testing.T) {
	terminal := New(Terminal, "store", errors.New("bad root"))
	wrapped := fmt.Errorf("миграция: %w", Wrap("store", terminal))

	if !IsTerminal(wrapped) {
		t.Error("обёрнутая терминальная ошибка должна оставаться терминальной")
	}
	if Wrap("store", nil) != nil {
		t.Error("Wrap(nil) должен вернуть nil")
	}
}

func TestIsNotFound(t *testing.T) {
	err := fmt.Errorf("get metadata: %w", New(NotFound, "get_metadata", errors.New("not pinned")))
	if !IsNotFound(err) {
		t.Error("ожидалась категория NotFound")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("errors.Is(err, ErrNotFound) должен быть true")
	}
	if IsNotFound(errors.New("boom")) {
		t.Error("произвольная ошибка не должна быть NotFound")
	}
}
