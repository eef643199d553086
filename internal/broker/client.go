package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/fnorun/internal/ratelimit"
)

// MaxQuoteSymbols is the provider's ceiling on symbols per quote request.
const MaxQuoteSymbols = 50

const defaultBaseURL = "https://api-t1.fyers.in"

// ClientConfig configures the REST gateway.
type ClientConfig struct {
	BaseURL        string
	ClientID       string
	AccessToken    string
	RequestTimeout time.Duration
}

// Client is the REST implementation of Gateway. Every request takes a
// governor slot before it is issued and passes through a shared circuit
// breaker, so a flapping provider sheds load instead of burning the
// remaining daily budget.
type Client struct {
	baseURL  string
	clientID string
	token    string
	http     *http.Client
	governor *ratelimit.Governor
	breaker  *gobreaker.CircuitBreaker
}

// NewClient creates a gateway client routed through the given governor.
func NewClient(config ClientConfig, governor *ratelimit.Governor) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 15 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-rest",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Broker circuit breaker state change")
		},
	})

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		clientID: config.ClientID,
		token:    config.AccessToken,
		http:     &http.Client{Timeout: config.RequestTimeout},
		governor: governor,
		breaker:  breaker,
	}
}

// Quotes fetches quotes for up to MaxQuoteSymbols symbols in one call.
func (c *Client) Quotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}
	if len(symbols) > MaxQuoteSymbols {
		return nil, fmt.Errorf("quotes: %d symbols exceeds provider limit of %d", len(symbols), MaxQuoteSymbols)
	}

	var resp struct {
		Status string `json:"s"`
		Data   []struct {
			Name  string `json:"n"`
			Value struct {
				LastPrice float64 `json:"lp"`
				PrevClose float64 `json:"pc"`
				LotSize   int     `json:"ls"`
			} `json:"v"`
		} `json:"d"`
	}

	params := url.Values{"symbols": {strings.Join(symbols, ",")}}
	if err := c.get(ctx, "/data/quotes", params, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("quotes: provider status %q", resp.Status)
	}

	quotes := make(map[string]Quote, len(resp.Data))
	for _, d := range resp.Data {
		quotes[d.Name] = Quote{
			Symbol:      d.Name,
			LastPrice:   d.Value.LastPrice,
			PrevClose:   d.Value.PrevClose,
			LotSizeHint: d.Value.LotSize,
		}
	}
	return quotes, nil
}

// History fetches OHLCV candles for one symbol, earliest first.
func (c *Client) History(ctx context.Context, symbol, resolution string, from, to time.Time) ([]Candle, error) {
	var resp struct {
		Status  string       `json:"s"`
		Candles [][6]float64 `json:"candles"`
	}

	params := url.Values{
		"symbol":      {symbol},
		"resolution":  {resolution},
		"date_format": {"1"},
		"range_from":  {from.Format("2006-01-02")},
		"range_to":    {to.Format("2006-01-02")},
		"cont_flag":   {"1"},
	}
	if err := c.get(ctx, "/data/history", params, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("history %s: provider status %q", symbol, resp.Status)
	}

	candles := make([]Candle, 0, len(resp.Candles))
	for _, raw := range resp.Candles {
		candles = append(candles, Candle{
			Timestamp: time.Unix(int64(raw[0]), 0),
			Open:      raw[1],
			High:      raw[2],
			Low:       raw[3],
			Close:     raw[4],
			Volume:    raw[5],
		})
	}
	return candles, nil
}

// Orderbook fetches today's order list.
func (c *Client) Orderbook(ctx context.Context) ([]Order, error) {
	var resp struct {
		Status    string  `json:"s"`
		OrderBook []Order `json:"orderBook"`
	}

	if err := c.get(ctx, "/api/v3/orders", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("orderbook: provider status %q", resp.Status)
	}
	return resp.OrderBook, nil
}

// Funds fetches the fund buckets, one of them titled TotalBalanceTitle.
func (c *Client) Funds(ctx context.Context) ([]FundBucket, error) {
	var resp struct {
		Status    string       `json:"s"`
		FundLimit []FundBucket `json:"fund_limit"`
	}

	if err := c.get(ctx, "/api/v3/funds", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("funds: provider status %q", resp.Status)
	}
	return resp.FundLimit, nil
}

// PlaceOrder submits a limit order and returns the provider's ack.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	payload := map[string]interface{}{
		"symbol":       req.Symbol,
		"qty":          req.Qty,
		"type":         1, // limit order
		"side":         req.Side,
		"productType":  req.ProductType,
		"limitPrice":   req.LimitPrice,
		"stopPrice":    0,
		"validity":     "DAY",
		"disclosedQty": 0,
		"offlineOrder": false,
		"orderTag":     req.OrderTag,
	}

	var resp struct {
		Status  string `json:"s"`
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := c.post(ctx, "/api/v3/orders/sync", payload, &resp); err != nil {
		return OrderResult{}, err
	}

	result := OrderResult{
		OK:      resp.Status == "ok",
		OrderID: resp.ID,
		Message: resp.Message,
	}
	if !result.OK {
		log.Warn().
			Str("symbol", req.Symbol).
			Str("message", resp.Message).
			Msg("Broker rejected order")
	}
	return result, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do admits the request through the governor, then executes it inside the
// circuit breaker and decodes the JSON body into out.
func (c *Client) do(req *http.Request, out interface{}) error {
	if err := c.governor.RequestSlot(req.Context()); err != nil {
		return fmt.Errorf("rate slot: %w", err)
	}

	req.Header.Set("Authorization", c.clientID+":"+c.token)

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})

	if err != nil {
		log.Debug().
			Err(err).
			Str("path", req.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Broker request failed")
		return fmt.Errorf("broker %s: %w", req.URL.Path, err)
	}
	return nil
}
