// Package agentinvoker performs fire-and-forget remote invocation of named
// agents with retry and exponential backoff+jitter. The invoker never awaits
// an agent's work product: agents report completion out of band, by writing
// their insight to the store and calling the coordinator's own completion
// endpoint.
package agentinvoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atlasflow/trading-coordinator/internal/coordutil"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"github.com/atlasflow/trading-coordinator/pkg/utils"
	"go.uber.org/zap"
)

// Payload is the fixed envelope every agent invocation carries.
type Payload struct {
	AnalysisID      string                 `json:"analysisId"`
	Ticker          string                 `json:"ticker"`
	UserID          string                 `json:"userId"`
	Phase           string                 `json:"phase"`
	Agent           string                 `json:"agent"`
	APISettings     map[string]string      `json:"apiSettings,omitempty"`
	AnalysisContext types.AnalysisContext  `json:"analysisContext"`
	Extra           map[string]any         `json:"extra,omitempty"`
}

// Config configures the invoker's HTTP client and retry policy.
type Config struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
	Retry      utils.RetryConfig
}

// DefaultConfig returns the coordinator's default invoker policy: 2 retries
// (3 attempts total), exponential backoff with jitter, a 10s per-attempt timeout.
func DefaultConfig(baseURL, authToken string) Config {
	return Config{
		BaseURL:    baseURL,
		AuthToken:  authToken,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Retry:      utils.DefaultRetryConfig(),
	}
}

// Invoker dispatches agent invocations.
type Invoker struct {
	logger *zap.Logger
	cfg    Config
}

// New builds an Invoker.
func New(logger *zap.Logger, cfg Config) *Invoker {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Invoker{logger: logger.Named("agentinvoker"), cfg: cfg}
}

// Invoke dispatches the named agent in the background and returns
// immediately. The caller does not receive the agent's result; it arrives
// later via the coordinator's own completion endpoint.
func (iv *Invoker) Invoke(ctx context.Context, endpoint string, payload Payload) {
	go iv.dispatch(context.WithoutCancel(ctx), endpoint, payload)
}

func (iv *Invoker) dispatch(ctx context.Context, endpoint string, payload Payload) {
	_, err := utils.Retry(iv.cfg.Retry, func(attempt int) (struct{}, error) {
		return struct{}{}, iv.post(ctx, endpoint, payload, attempt)
	})
	if err != nil {
		iv.logger.Error("agent invocation exhausted retries",
			zap.String("agent", payload.Agent),
			zap.String("analysisId", payload.AnalysisID),
			zap.String("phase", payload.Phase),
			zap.Error(err),
		)
	}
}

func (iv *Invoker) post(ctx context.Context, endpoint string, payload Payload, attempt int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return coordutil.Fatal("marshal agent payload", err)
	}

	url := iv.cfg.BaseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return coordutil.Fatal("build agent request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if iv.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+iv.cfg.AuthToken)
	}

	resp, err := iv.cfg.HTTPClient.Do(req)
	if err != nil {
		iv.logger.Warn("agent invocation attempt failed",
			zap.String("agent", payload.Agent), zap.Int("attempt", attempt), zap.Error(err))
		return coordutil.Transient("agent request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return coordutil.Transient("agent returned server error", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return coordutil.AgentFailure(fmt.Sprintf("agent returned status %d", resp.StatusCode))
	}
	return nil
}
