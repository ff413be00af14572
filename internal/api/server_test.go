package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atlasflow/trading-coordinator/internal/agentinvoker"
	"github.com/atlasflow/trading-coordinator/internal/analysis"
	"github.com/atlasflow/trading-coordinator/internal/api"
	"github.com/atlasflow/trading-coordinator/internal/broker"
	"github.com/atlasflow/trading-coordinator/internal/quotas"
	"github.com/atlasflow/trading-coordinator/internal/rebalance"
	"github.com/atlasflow/trading-coordinator/internal/store"
	"github.com/atlasflow/trading-coordinator/internal/sweeper"
	"go.uber.org/zap"
)

type fakeCreds struct{}

func (fakeCreds) GetCredentials(userID string) (broker.Credentials, bool) { return broker.Credentials{}, false }

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	st, err := store.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	quotaResolver := quotas.NewResolver(logger, st, quotas.DefaultConfig())
	invoker := agentinvoker.New(logger, agentinvoker.DefaultConfig("http://agent.invalid", "token"))

	analysisCoord := analysis.New(logger, st, invoker, quotaResolver, nil, analysis.DefaultConfig())
	brokerClient := broker.New(logger, broker.DefaultConfig())
	executor := broker.NewExecutor(logger, st, brokerClient, fakeCreds{})
	rebalanceCoord := rebalance.New(logger, st, invoker, quotaResolver, executor, analysisCoord, nil, rebalance.DefaultConfig())
	analysisCoord.SetNotifier(rebalanceCoord)

	sw := sweeper.New(logger, st, analysisCoord, sweeper.DefaultConfig())

	cfg := api.DefaultConfig()
	cfg.ServiceToken = "test-service-token"
	server := api.New(logger, cfg, analysisCoord, rebalanceCoord, sw, executor)

	return httptest.NewServer(server.Router())
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAnalysisCoordinatorUnknownAction(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"action": "bogus", "analysisId": "a1", "userId": "u1"})
	resp, err := http.Post(ts.URL+"/v1/analysis-coordinator", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 per always-200-on-known-error rule, got %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["success"] != false {
		t.Fatalf("expected success=false, got %v", out)
	}
}

func TestAnalysisCoordinatorMissingUserID(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"action": "start", "analysisId": "a1"})
	resp, err := http.Post(ts.URL+"/v1/analysis-coordinator", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing userId from a non-service caller, got %d", resp.StatusCode)
	}
}

func TestDetectStaleRequiresServiceToken(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/detect-stale-analysis", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without service token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/detect-stale-analysis", bytes.NewReader(nil))
	req.Header.Set("Authorization", "Bearer test-service-token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST with token: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with service token, got %d", resp2.StatusCode)
	}
}

func TestExecuteTradeUnknownOrder(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"tradeActionId": "missing", "action": "approve", "userId": "u1"})
	resp, err := http.Post(ts.URL+"/v1/execute-trade", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute-trade must always respond 200, got %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["success"] != false {
		t.Fatalf("expected success=false for unknown order, got %v", out)
	}
}

func TestExecuteTradeUnknownAction(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"tradeActionId": "t1", "action": "bogus", "userId": "u1"})
	resp, err := http.Post(ts.URL+"/v1/execute-trade", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
