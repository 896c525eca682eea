package dealstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bigkaa/evidence-vault/internal/domain/failure"
	"github.com/bigkaa/evidence-vault/internal/domain/model"
)

const (
	rootCID     = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
	pieceCID    = "bafkqaaa"
	proposalCID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rpcRequest — запрос JSON-RPC 2.0.
type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// rpcError — ошибка JSON-RPC 2.0.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcHandler обрабатывает один метод: возвращает результат или ошибку.
type rpcHandler func(params []json.RawMessage) (any, *rpcError)

// fakeLotus — httptest-сервер, отвечающий на методы Filecoin.*.
type fakeLotus struct {
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    map[string]int
	auth     string
}

func newFakeLotus(t *testing.T, handlers map[string]rpcHandler) (*fakeLotus, *httptest.Server) {
	t.Helper()
	f := &fakeLotus{handlers: handlers, calls: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("некорректный JSON-RPC запрос: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.calls[req.Method]++
		f.auth = r.Header.Get("Authorization")
		h, ok := f.handlers[req.Method]
		f.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if !ok {
			resp["error"] = rpcError{Code: -32601, Message: "method not found: " + req.Method}
		} else if result, rpcErr := h(req.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeLotus) authHeader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth
}

func (f *fakeLotus) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func newTestLotus(t *testing.T, url string) *Lotus {
	t.Helper()
	l, err := NewLotus(context.Background(), Config{
		APIURL:            url,
		Token:             "secret",
		Wallet:            "f0100",
		Miner:             "f01000",
		EpochPrice:        "2500",
		MinBlocksDuration: 518400,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewLotus() вернул ошибку: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func cidJSON(c string) map[string]string {
	return map[string]string{"/": c}
}

func TestNewLotus_InvalidAddress(t *testing.T) {
	_, err := NewLotus(context.Background(), Config{
		APIURL: "http://127.0.0.1:1/rpc/v0",
		Wallet: "not-an-address",
		Miner:  "f01000",
	}, testLogger())
	if err == nil {
		t.Fatal("NewLotus() с некорректным кошельком не вернул ошибку")
	}
}

func TestLotus_Store(t *testing.T) {
	fake, srv := newFakeLotus(t, map[string]rpcHandler{
		"Filecoin.ClientDealPieceCID": func(_ []json.RawMessage) (any, *rpcError) {
			return map[string]any{"PayloadSize": 10, "PieceSize": 127, "PieceCID": cidJSON(pieceCID)}, nil
		},
		"Filecoin.ClientStartDeal": func(params []json.RawMessage) (any, *rpcError) {
			var p struct {
				Data struct {
					Root      map[string]string
					PieceSize uint64
				}
				Wallet         string
				Miner          string
				EpochPrice     string
				DealStartEpoch int64
			}
			if len(params) != 1 {
				t.Errorf("ClientStartDeal: %d параметров", len(params))
				return nil, &rpcError{Code: 1, Message: "bad params"}
			}
			if err := json.Unmarshal(params[0], &p); err != nil {
				t.Errorf("ClientStartDeal: %v", err)
			}
			if p.Data.Root["/"] != rootCID || p.Data.PieceSize != 127 {
				t.Errorf("DataRef = %+v", p.Data)
			}
			if p.Wallet != "f0100" || p.Miner != "f01000" || p.EpochPrice != "2500" || p.DealStartEpoch != -1 {
				t.Errorf("StartDealParams = %+v", p)
			}
			return cidJSON(proposalCID), nil
		},
	})
	l := newTestLotus(t, srv.URL)

	res, err := l.Store(context.Background(), rootCID, map[string]string{"case": "42"})
	if err != nil {
		t.Fatalf("Store() вернул ошибку: %v", err)
	}
	if res.TierBID != pieceCID || res.DealID != proposalCID {
		t.Errorf("Store() = %+v", res)
	}
	if fake.count("Filecoin.ClientStartDeal") != 1 {
		t.Errorf("ClientStartDeal вызван %d раз", fake.count("Filecoin.ClientStartDeal"))
	}
	if got := fake.authHeader(); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestLotus_StoreErrors(t *testing.T) {
	tests := []struct {
		name    string
		tierAID string
		message string
		kind    failure.Kind
	}{
		{"отказ провайдера", rootCID, "deal rejected: miner is not accepting deals", failure.Terminal},
		{"нет средств", rootCID, "not enough funds in market balance", failure.Retryable},
		{"неизвестная ошибка", rootCID, "something odd happened", failure.Retryable},
		{"некорректный CID", "not-a-cid", "", failure.Terminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeLotus(t, map[string]rpcHandler{
				"Filecoin.ClientDealPieceCID": func(_ []json.RawMessage) (any, *rpcError) {
					return map[string]any{"PieceSize": 127, "PieceCID": cidJSON(pieceCID)}, nil
				},
				"Filecoin.ClientStartDeal": func(_ []json.RawMessage) (any, *rpcError) {
					return nil, &rpcError{Code: 1, Message: tt.message}
				},
			})
			l := newTestLotus(t, srv.URL)

			_, err := l.Store(context.Background(), tt.tierAID, nil)
			if err == nil {
				t.Fatal("Store() не вернул ошибку")
			}
			if got := failure.KindOf(err); got != tt.kind {
				t.Errorf("KindOf() = %s, ожидали %s (%v)", got, tt.kind, err)
			}
			if tt.tierAID == "not-a-cid" && fake.count("Filecoin.ClientDealPieceCID") != 0 {
				t.Error("некорректный CID не должен уходить в Lotus")
			}
		})
	}
}

func TestLotus_CheckDeal(t *testing.T) {
	var mu sync.Mutex
	states := map[string]uint64{}
	setState := func(id string, state uint64, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			states[id] = state
		} else {
			delete(states, id)
		}
	}
	_, srv := newFakeLotus(t, map[string]rpcHandler{
		"Filecoin.ClientGetDealInfo": func(params []json.RawMessage) (any, *rpcError) {
			var c map[string]string
			_ = json.Unmarshal(params[0], &c)
			mu.Lock()
			state, ok := states[c["/"]]
			mu.Unlock()
			if !ok {
				return nil, &rpcError{Code: 1, Message: "getting deal info: datastore: key not found"}
			}
			return map[string]any{
				"ProposalCid": cidJSON(c["/"]),
				"State":       state,
				"Message":     "",
				"Provider":    "f01000",
				"PieceCID":    cidJSON(pieceCID),
			}, nil
		},
	})
	l := newTestLotus(t, srv.URL)
	ctx := context.Background()

	setState(proposalCID, StateActive, true)
	st, err := l.CheckDeal(ctx, model.DealRef{TierBID: pieceCID, DealID: proposalCID})
	if err != nil {
		t.Fatalf("CheckDeal() вернул ошибку: %v", err)
	}
	if st.State != "StorageDealActive" || !st.Healthy {
		t.Errorf("CheckDeal() = %+v, ожидали активную сделку", st)
	}

	setState(proposalCID, StateSlashed, true)
	st, err = l.CheckDeal(ctx, model.DealRef{DealID: proposalCID})
	if err != nil {
		t.Fatalf("CheckDeal() вернул ошибку: %v", err)
	}
	if st.State != "StorageDealSlashed" || st.Healthy {
		t.Errorf("CheckDeal() = %+v, ожидали нездоровую сделку", st)
	}

	setState(proposalCID, 0, false)
	if _, err := l.CheckDeal(ctx, model.DealRef{DealID: proposalCID}); err == nil {
		t.Error("CheckDeal() неизвестной сделки не вернул ошибку")
	}
}

func TestDealStateHealthy(t *testing.T) {
	tests := []struct {
		state   uint64
		healthy bool
	}{
		{StateActive, true},
		{StateSealing, true},
		{StatePublishing, true},
		{StateProposalRejected, false},
		{StateFailing, false},
		{StateSlashed, false},
		{StateExpired, false},
		{StateError, false},
	}
	for _, tt := range tests {
		if got := DealStateHealthy(tt.state); got != tt.healthy {
			t.Errorf("DealStateHealthy(%s) = %v, ожидали %v", DealStateName(tt.state), got, tt.healthy)
		}
	}
	if got := DealStateName(99); got != "StorageDealState(99)" {
		t.Errorf("DealStateName(99) = %q", got)
	}
}
