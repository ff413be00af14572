// Package tests holds coordinator-level integration tests that exercise the
// real component graph (store, analysis/rebalance coordinators, sweeper,
// broker client/executor) the way the production binary wires them, rather
// than unit-testing packages in isolation.
package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/atlasflow/trading-coordinator/internal/agentinvoker"
	"github.com/atlasflow/trading-coordinator/internal/analysis"
	"github.com/atlasflow/trading-coordinator/internal/broker"
	"github.com/atlasflow/trading-coordinator/internal/rebalance"
	"github.com/atlasflow/trading-coordinator/internal/store"
	"github.com/atlasflow/trading-coordinator/internal/sweeper"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"go.uber.org/zap"
)

// fakeQuotas is a directly-settable QuotaResolver double: the coordinators
// only depend on the GetUserQuotas method, declared locally by each package
// to avoid an import cycle, so one fake satisfies all of them structurally.
type fakeQuotas struct {
	mu sync.Mutex
	m  map[string]types.UserQuotas
}

func newFakeQuotas() *fakeQuotas {
	return &fakeQuotas{m: make(map[string]types.UserQuotas)}
}

func (f *fakeQuotas) Set(userID string, q types.UserQuotas) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[userID] = q
}

func (f *fakeQuotas) GetUserQuotas(userID string) types.UserQuotas {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.m[userID]; ok {
		return q
	}
	return types.DefaultUserQuotas()
}

// fakeBroker satisfies rebalance.Broker without going over HTTP, used by the
// fan-out scenarios where the broker snapshot itself is the fixture, not the
// thing under test.
type fakeBroker struct {
	snapshot types.PortfolioSnapshot
}

func (f *fakeBroker) GetPortfolioSnapshot(ctx context.Context, userID string) (types.PortfolioSnapshot, error) {
	return f.snapshot, nil
}

// newAgentSink starts an httptest server that accepts and discards every
// agent invocation. The agentinvoker dispatches fire-and-forget, so tests
// that don't assert on a specific invocation only need this not to error.
func newAgentSink(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// harness wires the coordinator core the way cmd/server/main.go does, minus
// the HTTP transport layer, against an in-memory store.
type harness struct {
	store     *store.Store
	quotas    *fakeQuotas
	analysis  *analysis.Coordinator
	rebalance *rebalance.Coordinator
	sweeper   *sweeper.Sweeper
}

// newHarness builds a harness whose rebalance coordinator talks to brk (a
// fake, in-process broker — most scenarios don't need a real HTTP round trip
// for the portfolio snapshot).
func newHarness(t *testing.T, brk rebalance.Broker) *harness {
	t.Helper()
	logger := zap.NewNop()

	st, err := store.NewStore(logger, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	quotas := newFakeQuotas()
	sink := newAgentSink(t)
	invoker := agentinvoker.New(logger, agentinvoker.DefaultConfig(sink.URL, "test-token"))

	analysisCoord := analysis.New(logger, st, invoker, quotas, nil, analysis.DefaultConfig())
	rebalanceCoord := rebalance.New(logger, st, invoker, quotas, brk, analysisCoord, nil, rebalance.DefaultConfig())
	analysisCoord.SetNotifier(rebalanceCoord)

	sw := sweeper.New(logger, st, analysisCoord, sweeper.DefaultConfig())

	return &harness{store: st, quotas: quotas, analysis: analysisCoord, rebalance: rebalanceCoord, sweeper: sw}
}

// fakeAlpacaState is the mutable fixture a fake Alpaca server answers from.
type fakeAlpacaState struct {
	mu                 sync.Mutex
	assets             map[string]broker.Asset
	positions          map[string]broker.Position
	closePositionOK    bool
	placeOrderCount    int
	closePositionCount int
	nextOrderID        int
}

func newFakeAlpacaState() *fakeAlpacaState {
	return &fakeAlpacaState{
		assets:          make(map[string]broker.Asset),
		positions:       make(map[string]broker.Position),
		closePositionOK: true,
	}
}

// newFakeAlpaca starts an httptest server implementing the brokerage
// endpoints these tests reach (asset lookup, order placement, position
// lookup/close, account), backed by state. Order-status lookups are not served.
func newFakeAlpaca(t *testing.T, state *fakeAlpacaState) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v2/assets/", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Path[len("/v2/assets/"):]
		state.mu.Lock()
		asset, ok := state.assets[symbol]
		state.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeFakeJSON(w, asset)
	})

	mux.HandleFunc("/v2/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req broker.PlaceOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		state.mu.Lock()
		state.placeOrderCount++
		state.nextOrderID++
		id := state.nextOrderID
		state.mu.Unlock()
		writeFakeJSON(w, broker.Order{
			ID:        fmtOrderID(id),
			Symbol:    req.Symbol,
			Status:    types.BrokerOrderAccepted,
			UpdatedAt: time.Now(),
		})
	})

	mux.HandleFunc("/v2/positions/", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Path[len("/v2/positions/"):]
		if r.Method == http.MethodDelete {
			state.mu.Lock()
			state.closePositionCount++
			ok := state.closePositionOK
			state.mu.Unlock()
			if ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		state.mu.Lock()
		position, ok := state.positions[symbol]
		state.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeFakeJSON(w, position)
	})

	mux.HandleFunc("/v2/account", func(w http.ResponseWriter, r *http.Request) {
		writeFakeJSON(w, broker.Account{})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fmtOrderID(n int) string {
	return "order-" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func writeFakeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
