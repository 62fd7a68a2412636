package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/internal/platform/http"
	"github.com/Alias1177/Trader/models"
)

// API error codes returned in the response envelope
const (
	codeOK                = 0
	codeInvalidInstrument = 209
	codeOrderNotActive    = 316
)

// RESTClient talks to the exchange over its signed REST API. All requests
// pass through the shared rate-limited HTTP client.
type RESTClient struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *http.Client
	logger    zerolog.Logger
}

// RESTOptions configures a RESTClient
type RESTOptions struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec int
	Retry          http.RetryPolicy
}

// NewRESTClient creates an exchange client with rate limiting and retries
func NewRESTClient(opts RESTOptions) *RESTClient {
	return &RESTClient{
		apiKey:    opts.APIKey,
		apiSecret: opts.APISecret,
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		http: http.NewClient(http.ClientOptions{
			Timeout:        opts.Timeout,
			RequestsPerSec: opts.RequestsPerSec,
			Retry:          opts.Retry,
		}),
		logger: log.With().Str("component", "exchange_client").Logger(),
	}
}

type apiRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	APIKey string         `json:"api_key,omitempty"`
	Params map[string]any `json:"params"`
	Nonce  int64          `json:"nonce"`
	Sig    string         `json:"sig,omitempty"`
}

type apiResponse struct {
	ID      int64           `json:"id"`
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// paramsToString flattens params into the canonical signing string: keys in
// lexicographic order, each key immediately followed by its value.
func paramsToString(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		switch v := params[k].(type) {
		case nil:
			b.WriteString("null")
		case bool:
			b.WriteString(strconv.FormatBool(v))
		case string:
			b.WriteString(v)
		case float64:
			b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		case int:
			b.WriteString(strconv.Itoa(v))
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		default:
			fmt.Fprintf(&b, "%v", v)
		}
	}
	return b.String()
}

// sign computes the HMAC-SHA256 request signature over
// method + id + apiKey + params + nonce.
func (c *RESTClient) sign(method string, id, nonce int64, params map[string]any) string {
	payload := method + strconv.FormatInt(id, 10) + c.apiKey + paramsToString(params) + strconv.FormatInt(nonce, 10)
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RESTClient) send(ctx context.Context, method string, params map[string]any) (*apiResponse, error) {
	if params == nil {
		params = map[string]any{}
	}

	id := time.Now().UnixMilli()
	reqBody := apiRequest{
		ID:     id,
		Method: method,
		Params: params,
		Nonce:  id,
	}
	if strings.HasPrefix(method, "private/") {
		reqBody.APIKey = c.apiKey
		reqBody.Sig = c.sign(method, id, id, params)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost,
		c.baseURL+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.DoRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	c.logger.Debug().Str("method", method).Int("code", parsed.Code).Msg("API response")
	return &parsed, nil
}

// NormalizeInstrument converts user-facing symbols (BTC, BTC/USDT) to the
// exchange instrument format (BTC_USDT).
func NormalizeInstrument(symbol string) string {
	if strings.Contains(symbol, "/") {
		return strings.ReplaceAll(symbol, "/", "_")
	}
	if !strings.Contains(symbol, "_") {
		return symbol + "_USDT"
	}
	return symbol
}

type candleData struct {
	Timestamp int64  `json:"t"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
}

// FetchCandles returns the most recent count candles for the symbol
func (c *RESTClient) FetchCandles(ctx context.Context, symbol, interval string, count int) ([]models.Candle, error) {
	resp, err := c.send(ctx, "public/get-candlestick", map[string]any{
		"instrument_name": NormalizeInstrument(symbol),
		"timeframe":       interval,
		"count":           count,
	})
	if err != nil {
		return nil, err
	}
	if resp.Code != codeOK {
		return nil, fmt.Errorf("fetch candles for %s: code %d: %s", symbol, resp.Code, resp.Message)
	}

	var result struct {
		Data []candleData `json:"data"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse candles: %w", err)
	}

	candles := make([]models.Candle, 0, len(result.Data))
	for _, d := range result.Data {
		candle := models.Candle{Timestamp: time.UnixMilli(d.Timestamp).UTC()}
		candle.Open, _ = strconv.ParseFloat(d.Open, 64)
		candle.High, _ = strconv.ParseFloat(d.High, 64)
		candle.Low, _ = strconv.ParseFloat(d.Low, 64)
		candle.Close, _ = strconv.ParseFloat(d.Close, 64)
		candle.Volume, _ = strconv.ParseFloat(d.Volume, 64)
		candles = append(candles, candle)
	}

	return candles, nil
}

// FetchBalance returns the available balance for a currency
func (c *RESTClient) FetchBalance(ctx context.Context, currency string) (float64, error) {
	resp, err := c.send(ctx, "private/get-account-summary", nil)
	if err != nil {
		return 0, err
	}
	if resp.Code != codeOK {
		return 0, fmt.Errorf("fetch balance: code %d: %s", resp.Code, resp.Message)
	}

	var result struct {
		Accounts []struct {
			Currency  string  `json:"currency"`
			Available float64 `json:"available"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, fmt.Errorf("parse account summary: %w", err)
	}

	for _, account := range result.Accounts {
		if account.Currency == currency {
			return account.Available, nil
		}
	}

	c.logger.Warn().Str("currency", currency).Msg("currency not found in account summary")
	return 0, nil
}

// SubmitOrder places an order and returns the exchange order ID. The
// ClientOrderID is forwarded as client_oid so the exchange deduplicates
// retried submissions.
func (c *RESTClient) SubmitOrder(ctx context.Context, spec OrderSpec) (string, error) {
	params := map[string]any{
		"instrument_name": NormalizeInstrument(spec.Symbol),
		"side":            string(spec.Side),
		"type":            orderTypeParam(spec.Type),
		"quantity":        spec.Quantity,
		"client_oid":      spec.ClientOrderID,
	}
	if spec.Type != models.OrderTypeMarket {
		params["price"] = strconv.FormatFloat(spec.Price, 'f', -1, 64)
	}

	resp, err := c.send(ctx, "private/create-order", params)
	if err != nil {
		return "", err
	}
	if resp.Code != codeOK {
		if resp.Code == codeInvalidInstrument {
			return "", fmt.Errorf("submit order for %s: %w: invalid instrument", spec.Symbol, models.ErrOrderRejected)
		}
		return "", fmt.Errorf("submit order for %s: %w: code %d: %s",
			spec.Symbol, models.ErrOrderRejected, resp.Code, resp.Message)
	}

	var result struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("parse order result: %w", err)
	}

	c.logger.Info().
		Str("symbol", spec.Symbol).
		Str("side", string(spec.Side)).
		Str("type", string(spec.Type)).
		Str("order_id", result.OrderID).
		Msg("order submitted")

	return result.OrderID, nil
}

// orderTypeParam maps protective order types onto the exchange's order types
func orderTypeParam(t models.OrderType) string {
	switch t {
	case models.OrderTypeStopLoss:
		return "STOP_LOSS"
	case models.OrderTypeTakeProfit:
		return "TAKE_PROFIT"
	case models.OrderTypeLimit:
		return "LIMIT"
	default:
		return "MARKET"
	}
}

// FetchOrderStatus returns the exchange-side truth for an order. Safe to
// call repeatedly.
func (c *RESTClient) FetchOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	resp, err := c.send(ctx, "private/get-order-detail", map[string]any{"order_id": orderID})
	if err != nil {
		return nil, err
	}
	if resp.Code != codeOK {
		return nil, fmt.Errorf("fetch order %s: code %d: %s", orderID, resp.Code, resp.Message)
	}

	var result struct {
		OrderID            string `json:"order_id"`
		Status             string `json:"status"`
		CumulativeQuantity string `json:"cumulative_quantity"`
		AvgPrice           string `json:"avg_price"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse order detail: %w", err)
	}

	status := &OrderStatus{
		ExchangeOrderID: result.OrderID,
		State:           mapOrderState(result.Status),
	}
	status.FilledQty, _ = strconv.ParseFloat(result.CumulativeQuantity, 64)
	status.AvgPrice, _ = strconv.ParseFloat(result.AvgPrice, 64)

	return status, nil
}

// mapOrderState converts exchange status strings to the local state machine
func mapOrderState(status string) models.OrderState {
	switch status {
	case "NEW", "PENDING":
		return models.OrderSubmitted
	case "ACTIVE", "OPEN":
		return models.OrderSubmitted
	case "PARTIALLY_FILLED":
		return models.OrderPartiallyFilled
	case "FILLED":
		return models.OrderFilled
	case "REJECTED":
		return models.OrderRejected
	case "CANCELED", "CANCELLED", "EXPIRED":
		return models.OrderCancelled
	default:
		return models.OrderSubmitted
	}
}

// CancelOrder cancels an order. Cancelling an order that is already in a
// terminal state is a no-op, not an error.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) error {
	resp, err := c.send(ctx, "private/cancel-order", map[string]any{"order_id": orderID})
	if err != nil {
		return err
	}
	if resp.Code == codeOrderNotActive {
		c.logger.Debug().Str("order_id", orderID).Msg("cancel on terminal order, ignoring")
		return nil
	}
	if resp.Code != codeOK {
		return fmt.Errorf("cancel order %s: code %d: %s", orderID, resp.Code, resp.Message)
	}
	return nil
}

// Fetch24hStats returns 24h high/low/volume statistics for a symbol
func (c *RESTClient) Fetch24hStats(ctx context.Context, symbol string) (*models.MarketStats, error) {
	resp, err := c.send(ctx, "public/get-ticker", map[string]any{
		"instrument_name": NormalizeInstrument(symbol),
	})
	if err != nil {
		return nil, err
	}
	if resp.Code != codeOK {
		return nil, fmt.Errorf("fetch ticker for %s: code %d: %s", symbol, resp.Code, resp.Message)
	}

	var result struct {
		Data []struct {
			High   string `json:"h"`
			Low    string `json:"l"`
			Volume string `json:"v"`
			Last   string `json:"a"`
			Change string `json:"c"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse ticker: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("no ticker data for %s", symbol)
	}

	d := result.Data[0]
	stats := &models.MarketStats{Symbol: symbol}
	stats.High24h, _ = strconv.ParseFloat(d.High, 64)
	stats.Low24h, _ = strconv.ParseFloat(d.Low, 64)
	stats.Volume24h, _ = strconv.ParseFloat(d.Volume, 64)
	stats.LastPrice, _ = strconv.ParseFloat(d.Last, 64)
	stats.ChangePct, _ = strconv.ParseFloat(d.Change, 64)

	return stats, nil
}
