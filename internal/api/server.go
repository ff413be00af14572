// Package api provides the HTTP server exposing the coordinator's
// operations: the analysis and rebalance coordinator action endpoints, the
// stale-analysis sweep trigger, and trade execution.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atlasflow/trading-coordinator/internal/analysis"
	"github.com/atlasflow/trading-coordinator/internal/broker"
	"github.com/atlasflow/trading-coordinator/internal/coordutil"
	"github.com/atlasflow/trading-coordinator/internal/rebalance"
	"github.com/atlasflow/trading-coordinator/internal/sweeper"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Config configures the HTTP transport and service-token auth.
type Config struct {
	Addr         string
	ServiceToken string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig listens on :8080 with generous timeouts; callers must set
// ServiceToken themselves — with an empty token no caller is treated as a
// service, so service-only endpoints reject every request.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// Server is the coordinator's HTTP API.
type Server struct {
	logger     *zap.Logger
	cfg        Config
	router     *mux.Router
	httpServer *http.Server

	analysis  *analysis.Coordinator
	rebalance *rebalance.Coordinator
	sweeper   *sweeper.Sweeper
	executor  *broker.Executor
}

// New builds a Server and registers its routes.
func New(logger *zap.Logger, cfg Config, an *analysis.Coordinator, reb *rebalance.Coordinator, sw *sweeper.Sweeper, ex *broker.Executor) *Server {
	if cfg.Addr == "" {
		cfg = DefaultConfig()
	}
	s := &Server{
		logger:    logger.Named("api"),
		cfg:       cfg,
		router:    mux.NewRouter(),
		analysis:  an,
		rebalance: reb,
		sweeper:   sw,
		executor:  ex,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/analysis-coordinator", s.handleAnalysisCoordinator).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/rebalance-coordinator", s.handleRebalanceCoordinator).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/detect-stale-analysis", s.requireServiceToken(s.handleDetectStale)).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/execute-trade", s.handleExecuteTrade).Methods(http.MethodPost)
}

// Router returns the CORS-wrapped handler chain, exposed so tests can drive
// it through httptest without binding a real listener.
func (s *Server) Router() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start begins serving. Blocks until the server stops or errors.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("starting coordinator API", zap.String("addr", s.cfg.Addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// isServiceCaller reports whether the request bears the pre-shared service
// bearer token. Per §6, service callers are distinguished this way; the
// auth scheme beyond this token is deliberately out of scope here.
func (s *Server) isServiceCaller(r *http.Request) bool {
	if s.cfg.ServiceToken == "" {
		return false
	}
	got := r.Header.Get("Authorization")
	want := "Bearer " + s.cfg.ServiceToken
	return len(got) == len(want) && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) requireServiceToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.isServiceCaller(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "service token required"})
			return
		}
		next(w, r)
	}
}

// --- analysis-coordinator ---

type analysisCoordinatorRequest struct {
	Action       string                         `json:"action"`
	AnalysisID   string                         `json:"analysisId"`
	UserID       string                         `json:"userId"`
	Phase        string                         `json:"phase"`
	Agent        string                         `json:"agent"`
	Force        bool                           `json:"force"`
	Success      bool                           `json:"success"`
	ErrorMessage string                         `json:"errorMessage"`
	RiskManagerDecision *types.RiskManagerDecision `json:"riskManagerDecision,omitempty"`
	PortfolioRecommendation *analysis.PortfolioRecommendation `json:"portfolioRecommendation,omitempty"`
}

func (s *Server) handleAnalysisCoordinator(w http.ResponseWriter, r *http.Request) {
	var req analysisCoordinatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "invalid request body"})
		return
	}
	isService := s.isServiceCaller(r)
	userID := req.UserID
	if !isService {
		// Non-service callers must name a userId; it is not checked against
		// any credential here.
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "userId required"})
			return
		}
	}

	var err error
	switch req.Action {
	case "start":
		err = s.analysis.Start(r.Context(), req.AnalysisID)
	case "onAgentCompleted":
		err = s.analysis.OnAgentCompleted(r.Context(), req.AnalysisID, req.Phase, req.Agent, analysis.CompletionPayload{
			Success:                 req.Success,
			ErrorMessage:            req.ErrorMessage,
			RiskManagerDecision:     req.RiskManagerDecision,
			PortfolioRecommendation: req.PortfolioRecommendation,
		})
	case "retry":
		err = s.analysis.Retry(r.Context(), req.AnalysisID, userID)
	case "reactivate":
		err = s.analysis.Reactivate(r.Context(), req.AnalysisID, userID, req.Force)
	case "cancel":
		err = s.analysis.Cancel(req.AnalysisID, userID)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": fmt.Sprintf("unknown action %q", req.Action)})
		return
	}
	writeOutcome(w, err)
}

// --- rebalance-coordinator ---

type rebalanceCoordinatorRequest struct {
	Action          string                     `json:"action"`
	RebalanceID     string                     `json:"rebalanceId"`
	AnalysisID      string                     `json:"analysisId"`
	UserID          string                     `json:"userId"`
	Ticker          string                     `json:"ticker"`
	Success         bool                       `json:"success"`
	ErrorMessage    string                     `json:"errorMessage"`
	SelectedTickers []string                   `json:"selectedTickers,omitempty"`
	Plan            map[string]any             `json:"plan,omitempty"`
	Orders          []rebalance.RebalanceOrder `json:"orders,omitempty"`
}

func (s *Server) handleRebalanceCoordinator(w http.ResponseWriter, r *http.Request) {
	var req rebalanceCoordinatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "invalid request body"})
		return
	}

	var err error
	switch req.Action {
	case "start-rebalance":
		err = s.rebalance.Start(r.Context(), req.RebalanceID)
	case "analysis-completed":
		s.rebalance.AnalysisCompleted(req.RebalanceID, req.AnalysisID, req.Ticker, req.Success, req.ErrorMessage)
	case "complete-rebalance":
		err = s.rebalance.CompleteRebalance(r.Context(), req.RebalanceID, req.Plan, req.Orders)
	case "opportunity-completed":
		err = s.rebalance.OpportunityCompleted(r.Context(), req.RebalanceID, req.SelectedTickers)
	case "opportunity-error":
		err = s.rebalance.OpportunityError(req.RebalanceID, req.ErrorMessage)
	case "rebalance-error":
		err = s.rebalance.RebalanceError(req.RebalanceID, req.ErrorMessage)
	case "retry-rebalance":
		err = s.rebalance.RetryRebalance(r.Context(), req.RebalanceID, req.UserID)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": fmt.Sprintf("unknown action %q", req.Action)})
		return
	}
	writeOutcome(w, err)
}

// --- detect-stale-analysis ---

func (s *Server) handleDetectStale(w http.ResponseWriter, r *http.Request) {
	s.sweeper.SweepOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- execute-trade ---

type executeTradeRequest struct {
	TradeActionID string `json:"tradeActionId"`
	Action        string `json:"action"`
	UserID        string `json:"userId"`
	IsServerCall  bool   `json:"isServerCall"`
}

func (s *Server) handleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req executeTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "invalid request body"})
		return
	}

	var action types.TradeOrderStatus
	switch req.Action {
	case "approve":
		action = types.TradeOrderApproved
	case "reject":
		action = types.TradeOrderRejected
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": fmt.Sprintf("unknown action %q", req.Action)})
		return
	}

	isServerCall := req.IsServerCall && s.isServiceCaller(r)
	result := s.executor.Execute(r.Context(), req.TradeActionID, action, req.UserID, isServerCall)
	writeJSON(w, http.StatusOK, result)
}

// writeOutcome translates a coordinator error into §7's always-200 body for
// known error kinds; truly unexpected errors surface as 500.
func writeOutcome(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	kind := coordutil.KindOf(err)
	if kind == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error(), "kind": string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
