package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atlasflow/trading-coordinator/internal/coordutil"
	"github.com/atlasflow/trading-coordinator/internal/metrics"
	"github.com/atlasflow/trading-coordinator/internal/store"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"github.com/atlasflow/trading-coordinator/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CredentialStore resolves a user's brokerage keys.
type CredentialStore interface {
	GetCredentials(userID string) (Credentials, bool)
}

// ExecuteResult is the structured, always-HTTP-200 outcome of an execute call.
type ExecuteResult struct {
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	AlpacaError string         `json:"alpacaError,omitempty"`
	Request     map[string]any `json:"request,omitempty"`
	Order       *types.TradeOrder `json:"order,omitempty"`
}

// Executor translates approved TradeOrders into brokerage orders.
type Executor struct {
	logger *zap.Logger
	store  *store.Store
	client *Client
	creds  CredentialStore

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewExecutor builds an Executor. Polling defaults to every 5s for up to 1 minute.
func NewExecutor(logger *zap.Logger, st *store.Store, client *Client, creds CredentialStore) *Executor {
	return &Executor{
		logger:       logger.Named("broker.executor"),
		store:        st,
		client:       client,
		creds:        creds,
		pollInterval: 5 * time.Second,
		pollTimeout:  1 * time.Minute,
	}
}

// GetPortfolioSnapshot always refetches from the broker; it satisfies
// rebalance.Broker.
func (e *Executor) GetPortfolioSnapshot(ctx context.Context, userID string) (types.PortfolioSnapshot, error) {
	creds, ok := e.creds.GetCredentials(userID)
	if !ok {
		return types.PortfolioSnapshot{}, coordutil.Fatal("missing brokerage credentials", fmt.Errorf("user=%s", userID))
	}

	account, err := e.client.GetAccount(ctx, creds)
	if err != nil {
		return types.PortfolioSnapshot{}, err
	}
	positions, err := e.client.GetPositions(ctx, creds)
	if err != nil {
		return types.PortfolioSnapshot{}, err
	}

	out := make([]types.PortfolioPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, types.PortfolioPosition{
			Symbol:          p.Symbol,
			Qty:             p.Qty,
			MarketValue:     p.MarketValue,
			UnrealizedPLPct: p.UnrealizedPLPct,
			CostBasis:       p.CostBasis,
		})
	}

	return types.PortfolioSnapshot{
		Cash:      account.Cash,
		Equity:    account.Equity,
		Positions: out,
		FetchedAt: time.Now(),
	}, nil
}

// Execute implements §4.9.2: approve or reject a TradeOrder.
func (e *Executor) Execute(ctx context.Context, tradeOrderID string, action types.TradeOrderStatus, userID string, isServerCall bool) ExecuteResult {
	result := e.execute(ctx, tradeOrderID, action, userID, isServerCall)
	outcome := "error"
	if result.Success {
		outcome = "ok"
	}
	metrics.TradeOrdersExecuted.WithLabelValues(string(action), outcome).Inc()
	return result
}

func (e *Executor) execute(ctx context.Context, tradeOrderID string, action types.TradeOrderStatus, userID string, isServerCall bool) ExecuteResult {
	order, err := e.store.GetTradeOrder(tradeOrderID)
	if err != nil {
		return ExecuteResult{Success: false, Error: err.Error()}
	}
	if !isServerCall && order.UserID != userID {
		return ExecuteResult{Success: false, Error: "order does not belong to user"}
	}

	if sibling, _ := e.store.FindDecidedSibling(order.UserID, order.Ticker, order.SourceType, ownerID(order)); sibling != nil && sibling.ID != order.ID {
		_ = e.store.CleanupDuplicateTradeOrders(sibling)
		return ExecuteResult{Success: false, Error: fmt.Sprintf("order already %s", sibling.Status)}
	}

	if order.Status != types.TradeOrderPending {
		_ = e.store.CleanupDuplicateTradeOrders(order)
		return ExecuteResult{Success: false, Error: fmt.Sprintf("order already %s", order.Status)}
	}

	if action == types.TradeOrderRejected {
		if err := e.store.ConditionalUpdateTradeOrderStatus(tradeOrderID, types.TradeOrderPending, types.TradeOrderRejected, nil); err != nil {
			return ExecuteResult{Success: false, Error: err.Error()}
		}
		_ = e.store.CleanupDuplicateTradeOrders(order)
		return ExecuteResult{Success: true, Order: order}
	}

	return e.approve(ctx, order)
}

func ownerID(order *types.TradeOrder) string {
	if order.AnalysisID != "" {
		return order.AnalysisID
	}
	return order.RebalanceRunID
}

func (e *Executor) approve(ctx context.Context, order *types.TradeOrder) ExecuteResult {
	creds, ok := e.creds.GetCredentials(order.UserID)
	if !ok {
		return ExecuteResult{Success: false, Error: "missing brokerage credentials"}
	}

	resolution, err := e.client.ResolveSymbol(ctx, creds, order.Ticker)
	if err != nil {
		return ExecuteResult{Success: false, Error: err.Error(), AlpacaError: string(coordutil.KindOf(err))}
	}

	closePath, err := e.shouldClosePosition(ctx, creds, order, resolution)
	if err != nil {
		return ExecuteResult{Success: false, Error: err.Error()}
	}

	timeInForce := "day"
	if resolution.IsCrypto {
		timeInForce = "gtc"
	}

	var brokerOrder Order
	var metadataPatch func(*types.TradeOrder)

	if closePath {
		if err := e.client.ClosePosition(ctx, creds, resolution.PositionSymbol); err != nil {
			return ExecuteResult{Success: false, Error: err.Error(), AlpacaError: "close_position_failed"}
		}
		brokerOrder = Order{ID: "close_" + utils.GenerateID(""), Status: types.BrokerOrderFilled, Symbol: resolution.PositionSymbol, UpdatedAt: time.Now()}
		metadataPatch = func(t *types.TradeOrder) {
			t.Metadata.UseCloseEndpoint = true
			t.Metadata.IsFullPositionClosure = true
		}
	} else {
		req := PlaceOrderRequest{
			Symbol:        resolution.OrderSymbol,
			Side:          strings.ToLower(string(order.Action)),
			Type:          "market",
			TimeInForce:   timeInForce,
			ClientOrderID: fmt.Sprintf("ai_%s_%d", order.ID, time.Now().UnixMilli()),
		}
		if order.DollarAmount.GreaterThan(decimal.Zero) {
			req.Notional = order.DollarAmount.String()
		} else {
			req.Qty = order.Shares.String()
		}

		brokerOrder, err = e.client.PlaceOrder(ctx, creds, req)
		if err != nil {
			return ExecuteResult{Success: false, Error: err.Error(), AlpacaError: string(coordutil.KindOf(err)), Request: map[string]any{
				"symbol": req.Symbol, "side": req.Side, "qty": req.Qty, "notional": req.Notional,
			}}
		}
	}

	err = e.store.ConditionalUpdateTradeOrderStatus(order.ID, types.TradeOrderPending, types.TradeOrderApproved, func(t *types.TradeOrder) {
		t.Metadata.AlpacaSymbolResolution = &resolution
		t.Metadata.AlpacaOrder = &types.AlpacaOrder{
			ID: brokerOrder.ID, Status: brokerOrder.Status, Symbol: brokerOrder.Symbol, UpdatedAt: brokerOrder.UpdatedAt,
		}
		if metadataPatch != nil {
			metadataPatch(t)
		}
	})
	if err != nil {
		return ExecuteResult{Success: false, Error: err.Error()}
	}
	_ = e.store.CleanupDuplicateTradeOrders(order)

	if brokerOrder.ID != "" && !strings.HasPrefix(brokerOrder.ID, "close_") {
		go e.pollOrder(context.WithoutCancel(ctx), creds, order.ID, brokerOrder.ID)
	}

	updated, _ := e.store.GetTradeOrder(order.ID)
	return ExecuteResult{Success: true, Order: updated}
}

// shouldClosePosition implements the close-position heuristic of §4.9.2: the
// caller's explicit flags, or a broker position quantity within 0.1% of the
// requested shares.
func (e *Executor) shouldClosePosition(ctx context.Context, creds Credentials, order *types.TradeOrder, resolution types.SymbolResolution) (bool, error) {
	if order.Action != types.DecisionSell || !order.Shares.GreaterThan(decimal.Zero) {
		return false, nil
	}
	if order.Metadata.UseCloseEndpoint || order.Metadata.ShouldClosePosition || order.Metadata.IsFullPositionClosure {
		return true, nil
	}

	position, ok, err := e.client.GetPosition(ctx, creds, resolution.PositionSymbol)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	diff := position.Qty.Sub(order.Shares).Abs()
	threshold := position.Qty.Abs().Mul(decimal.NewFromFloat(0.001))
	return diff.LessThanOrEqual(threshold), nil
}

// ValidateSellOrder implements §4.9.3.
func ValidateSellOrder(dollarAmount, positionValue, shares decimal.Decimal, ticker string) SellAdjustment {
	if positionValue.LessThanOrEqual(decimal.Zero) {
		return SellAdjustment{Valid: false, Action: types.DecisionHold, Reason: fmt.Sprintf("no position held for %s", ticker)}
	}
	if dollarAmount.GreaterThan(positionValue) {
		return SellAdjustment{Valid: true, Action: types.DecisionSell, Shares: shares, UseCloseEndpoint: true}
	}
	diffPct := dollarAmount.Sub(positionValue).Abs().Div(positionValue)
	if diffPct.LessThanOrEqual(decimal.NewFromFloat(0.05)) {
		return SellAdjustment{Valid: true, Action: types.DecisionSell, Shares: shares, UseCloseEndpoint: true}
	}
	return SellAdjustment{Valid: true, Action: types.DecisionSell, DollarAmount: dollarAmount}
}

// SellAdjustment is the outcome of ValidateSellOrder.
type SellAdjustment struct {
	Valid            bool
	Action           types.Decision
	Shares           decimal.Decimal
	DollarAmount     decimal.Decimal
	UseCloseEndpoint bool
	Reason           string
}

// pollOrder polls the brokerage every pollInterval for up to pollTimeout or
// until the order reaches a terminal state. Only metadata.alpaca_order
// fields are updated; the top-level TradeOrder status is never touched here.
func (e *Executor) pollOrder(ctx context.Context, creds Credentials, tradeOrderID, brokerOrderID string) {
	deadline := time.Now().Add(e.pollTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			order, err := e.client.GetOrder(ctx, creds, brokerOrderID)
			if err != nil {
				e.logger.Warn("poll broker order failed", zap.String("orderId", brokerOrderID), zap.Error(err))
				if time.Now().After(deadline) {
					return
				}
				continue
			}

			_ = e.store.MutateTradeOrderMetadata(tradeOrderID, func(t *types.TradeOrder) {
				if t.Metadata.AlpacaOrder == nil {
					t.Metadata.AlpacaOrder = &types.AlpacaOrder{}
				}
				t.Metadata.AlpacaOrder.Status = order.Status
				t.Metadata.AlpacaOrder.FilledQty = order.FilledQty
				t.Metadata.AlpacaOrder.FilledAvgPrice = order.FilledAvgPrice
				t.Metadata.AlpacaOrder.UpdatedAt = order.UpdatedAt
			})

			if types.IsBrokerOrderTerminal(order.Status) || time.Now().After(deadline) {
				return
			}
		}
	}
}
