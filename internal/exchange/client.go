package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"crypto-rl-trader/internal/service"
)

const defaultRecvWindow = 5000 // ms

// Kline REST 返回的单根 K 线
type Kline struct {
	OpenTime  int64 // 毫秒时间戳
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// BrokerPosition 交易所报告的持仓 (数量为正，方向单独给出)
type BrokerPosition struct {
	Side       string // "long" / "short"
	Quantity   float64
	EntryPrice float64
}

// AccountSnapshot 账户快照：balance 为可用余额，equity 含未实现盈亏
type AccountSnapshot struct {
	Balance       float64
	Equity        float64
	UnrealizedPnL float64
	Position      *BrokerPosition // nil 表示空仓
}

// OrderResult 下单结果
type OrderResult struct {
	Accepted       bool
	FilledQuantity float64
	BrokerOrderID  int64
	ErrorKind      string // 失败时的分类描述
}

// Client Binance USDT-M Futures REST 客户端，负责签名和响应解析。
// 重试不在这一层做，由 Gateway 统一应用 RetryPolicy。
type Client struct {
	baseURL   string
	apiKey    string
	secretKey string
	http      *http.Client
}

func NewClient(baseURL, apiKey, secretKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		secretKey: secretKey,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// sign 对查询串做 HMAC-SHA256 签名
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// do 发送请求；signed 为 true 时附加 timestamp/recvWindow 并签名
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(defaultRecvWindow))
	}
	query := params.Encode()
	if signed {
		query += "&signature=" + c.sign(query)
	}

	reqURL := c.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: string(body)}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Code != 0 {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return nil, apiErr
	}
	return body, nil
}

// ServerTime 交易所服务器时间，用于时钟漂移校准
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return time.Time{}, err
	}
	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return time.Time{}, fmt.Errorf("parse server time: %w", err)
	}
	return time.UnixMilli(payload.ServerTime), nil
}

// SetLeverage 初始化时为交易对设置杠杆
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	return err
}

// Klines 拉取历史 K 线，最新的在最后
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}

	// Binance K 线是混合类型数组：[openTime, "open", "high", "low", "close", "volume", closeTime, ...]
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		var k Kline
		if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
			continue
		}
		if err := json.Unmarshal(row[6], &k.CloseTime); err != nil {
			continue
		}
		var fields [5]string
		ok := true
		for i := 1; i <= 5; i++ {
			if err := json.Unmarshal(row[i], &fields[i-1]); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if k.Open, err = service.StringToFloat(fields[0]); err != nil {
			continue
		}
		if k.High, err = service.StringToFloat(fields[1]); err != nil {
			continue
		}
		if k.Low, err = service.StringToFloat(fields[2]); err != nil {
			continue
		}
		if k.Close, err = service.StringToFloat(fields[3]); err != nil {
			continue
		}
		if k.Volume, err = service.StringToFloat(fields[4]); err != nil {
			continue
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// Account 查询账户快照以及指定交易对的持仓
func (c *Client) Account(ctx context.Context, symbol string) (AccountSnapshot, error) {
	var snap AccountSnapshot

	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return snap, err
	}
	var account struct {
		AvailableBalance      string `json:"availableBalance"`
		TotalMarginBalance    string `json:"totalMarginBalance"`
		TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return snap, fmt.Errorf("parse account: %w", err)
	}
	if snap.Balance, err = service.StringToFloat(account.AvailableBalance); err != nil {
		return snap, fmt.Errorf("parse balance: %w", err)
	}
	if snap.Equity, err = service.StringToFloat(account.TotalMarginBalance); err != nil {
		return snap, fmt.Errorf("parse equity: %w", err)
	}
	if snap.UnrealizedPnL, err = service.StringToFloat(account.TotalUnrealizedProfit); err != nil {
		return snap, fmt.Errorf("parse unrealized pnl: %w", err)
	}

	pos, err := c.positionRisk(ctx, symbol)
	if err != nil {
		return snap, err
	}
	snap.Position = pos
	return snap, nil
}

// positionRisk 查询单交易对持仓；positionAmt 带符号，负数为空头
func (c *Client) positionRisk(ctx context.Context, symbol string) (*BrokerPosition, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse position risk: %w", err)
	}

	for _, row := range rows {
		amt, err := service.StringToFloat(row.PositionAmt)
		if err != nil || amt == 0 {
			continue
		}
		entry, err := service.StringToFloat(row.EntryPrice)
		if err != nil {
			continue
		}
		pos := &BrokerPosition{Quantity: amt, EntryPrice: entry, Side: "long"}
		if amt < 0 {
			pos.Side = "short"
			pos.Quantity = -amt
		}
		return pos, nil
	}
	return nil, nil
}

// SubmitOrder 提交市价单。side 为 "BUY"/"SELL"。
func (c *Client) SubmitOrder(ctx context.Context, symbol, side string, quantity float64, reduceOnly bool) (OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return OrderResult{}, err
	}
	var payload struct {
		OrderID     int64  `json:"orderId"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return OrderResult{}, fmt.Errorf("parse order response: %w", err)
	}

	filled, _ := service.StringToFloat(payload.ExecutedQty)
	return OrderResult{
		Accepted:       true,
		FilledQuantity: filled,
		BrokerOrderID:  payload.OrderID,
	}, nil
}

// CancelOpenOrders 撤销交易对的全部挂单
func (c *Client) CancelOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true)
	return err
}
