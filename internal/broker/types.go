package broker

import (
	"context"
	"time"
)

// Quote is the normalized quote payload for one symbol.
type Quote struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"lp"`
	PrevClose   float64 `json:"pc"`
	LotSizeHint int     `json:"ls"`
}

// Candle is one OHLCV bar. History returns candles earliest first.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Order side constants use the broker's wire encoding.
const (
	SideBuy  = 1
	SideSell = -1
)

// OrderRequest is a limit order at the observed price for the full lot.
type OrderRequest struct {
	Symbol      string  `json:"symbol"`
	Qty         int     `json:"qty"`
	Side        int     `json:"side"`
	LimitPrice  float64 `json:"limitPrice"`
	ProductType string  `json:"productType"`
	OrderTag    string  `json:"orderTag"`
}

// OrderResult reports the broker's acknowledgement of an order.
type OrderResult struct {
	OK      bool   `json:"ok"`
	OrderID string `json:"order_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Order is one entry from the daily order book.
type Order struct {
	OrderID    string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Qty        int     `json:"qty"`
	Side       int     `json:"side"`
	LimitPrice float64 `json:"limitPrice"`
	Status     int     `json:"status"`
	OrderTag   string  `json:"orderTag"`
}

// FundBucket is one row from the funds report. The bucket titled
// "Total Balance" carries the account equity.
type FundBucket struct {
	Title        string  `json:"title"`
	EquityAmount float64 `json:"equityAmount"`
}

// TotalBalanceTitle tags the fund bucket holding the account equity.
const TotalBalanceTitle = "Total Balance"

// Gateway is the sole path to the external market-data/order provider.
// Implementations route every call through the rate governor.
type Gateway interface {
	Quotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	History(ctx context.Context, symbol, resolution string, from, to time.Time) ([]Candle, error)
	Orderbook(ctx context.Context) ([]Order, error)
	Funds(ctx context.Context) ([]FundBucket, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}
