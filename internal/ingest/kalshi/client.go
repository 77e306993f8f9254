package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// wireTrade mirrors Kalshi's /trades response shape: price is in cents
// (1-99, a probability), count is contract count (quantity).
type wireTrade struct {
	TradeID     string `json:"trade_id"`
	Ticker      string `json:"ticker"`
	Count       int64  `json:"count"`
	YesPrice    int64  `json:"yes_price"`
	TakerSide   string `json:"taker_side"`
	CreatedTime string `json:"created_time"`
}

type tradesResponse struct {
	Trades []wireTrade `json:"trades"`
	Cursor string      `json:"cursor"`
}

// Client is a minimal HTTPS client for the Kalshi trades endpoint, signing
// every request per spec §4.3.
type Client struct {
	baseURL string
	signer  *Signer
	http    *http.Client
}

// NewClient builds a Client against baseURL (e.g. https://trading-api.kalshi.com).
func NewClient(baseURL string, signer *Signer, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, signer: signer, http: httpClient}
}

// AuthError is returned for HTTP 4xx responses, which spec §4.3 treats as
// fatal to the ingester.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("kalshi: auth error: status=%d body=%s", e.StatusCode, e.Body)
}

// TradesAfter requests every trade for market with created_time at or
// after minTs (a Unix-seconds timestamp — Kalshi's actual min_ts filter,
// not an opaque trade ID), paging through the upstream's pagination
// cursor until it is exhausted. The returned batch keeps the upstream's
// order, page after page; the caller sorts it by trade timestamp before
// processing.
func (c *Client) TradesAfter(ctx context.Context, marketID, minTs string) ([]wireTrade, error) {
	path := "/trade-api/v2/markets/trades"

	var all []wireTrade
	pageCursor := ""
	for {
		url := fmt.Sprintf("%s%s?ticker=%s&limit=1000", c.baseURL, path, marketID)
		if minTs != "" {
			url += "&min_ts=" + minTs
		}
		if pageCursor != "" {
			url += "&cursor=" + pageCursor
		}

		tr, err := c.fetchTradesPage(ctx, path, url)
		if err != nil {
			return nil, err
		}
		all = append(all, tr.Trades...)

		if tr.Cursor == "" || len(tr.Trades) == 0 {
			break
		}
		pageCursor = tr.Cursor
	}
	return all, nil
}

func (c *Client) fetchTradesPage(ctx context.Context, path, url string) (tradesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return tradesResponse{}, fmt.Errorf("kalshi: build request: %w", err)
	}
	for k, v := range c.signer.Headers(http.MethodGet, path) {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return tradesResponse{}, fmt.Errorf("kalshi: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return tradesResponse{}, &AuthError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode >= 500 {
		return tradesResponse{}, fmt.Errorf("kalshi: upstream error: status=%d", resp.StatusCode)
	}

	var tr tradesResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return tradesResponse{}, fmt.Errorf("kalshi: decode response: %w", err)
	}
	return tr, nil
}

// priceDecimal converts a 1-99 cents probability price into a decimal
// fraction (e.g. 55 -> 0.55), matching spec §3's fixed-point decimal rule.
func priceDecimal(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
}
