package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewDephealthService_NoTargets(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := NewDephealthServiceWithRegisterer(
		"test-ev-00", "evidence-vault", DephealthTargets{}, 5*time.Second, false, logger,
		prometheus.NewRegistry(),
	)
	if !errors.Is(err, ErrNoDependencies) {
		t.Errorf("ошибка = %v, ожидалась ErrNoDependencies", err)
	}
}

func TestDephealthService_StartStop(t *testing.T) {
	// Mock PinStore и Lotus: отвечают 200 на любой путь
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`ok`))
	}))
	defer mockServer.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ds, err := NewDephealthServiceWithRegisterer(
		"test-ev-01",
		"evidence-vault",
		DephealthTargets{
			PinHealthURL:    mockServer.URL + "/api/v0/version",
			LotusAPIURL:     strings.Replace(mockServer.URL, "http://", "ws://", 1) + "/rpc/v1",
			LotusHealthPath: "/health/livez",
		},
		1*time.Second,
		true,
		logger,
		prometheus.NewRegistry(),
	)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}

	// Даём время на первую проверку (интервал 1s + запас)
	time.Sleep(3 * time.Second)

	health := ds.Health()
	for _, dep := range []string{"pin-store", "lotus"} {
		found := false
		for key, ok := range health {
			if strings.HasPrefix(key, dep+":") {
				found = true
				if !ok {
					t.Errorf("%s health = false для ключа %q, ожидалось true", dep, key)
				}
			}
		}
		if !found {
			t.Errorf("зависимость %s не найдена в Health(): %v", dep, health)
		}
	}

	ds.Stop()
}

func TestLotusHTTPURL(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"ws://lotus:1234/rpc/v1", "http://lotus:1234/rpc/v1"},
		{"wss://lotus.example.com/rpc/v1", "https://lotus.example.com/rpc/v1"},
		{"http://lotus:1234/rpc/v1", "http://lotus:1234/rpc/v1"},
	}
	for _, tt := range tests {
		if got := lotusHTTPURL(tt.input); got != tt.want {
			t.Errorf("lotusHTTPURL(%q) = %q, ожидалось %q", tt.input, got, tt.want)
		}
	}
}
