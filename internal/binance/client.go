// Package binance fetches one-minute klines from the Binance spot REST API.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/tickwatch/internal/models"
)

const (
	klinesPath       = "/api/v3/klines"
	exchangeInfoPath = "/api/v3/exchangeInfo"
)

// Client provides access to the kline endpoint.
type Client struct {
	baseURL   string
	interval  string
	timeout   time.Duration
	pageLimit int
	pageGate  *rate.Limiter
	http      *fasthttp.Client
	now       func() time.Time
}

// ClientConfig holds client tuning options.
type ClientConfig struct {
	Interval        string
	PageLimit       int
	PageSpacing     time.Duration
	MaxConnsPerHost int
}

type Option func(*Client)

// WithDial replaces the TCP dialer, e.g. with an in-memory listener.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *Client) { c.http.Dial = dial }
}

// WithClock sets the clock used to drop unfinished candles.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a new kline client.
func NewClient(baseURL string, timeout time.Duration, config ClientConfig, opts ...Option) *Client {
	if config.Interval == "" {
		config.Interval = "1m"
	}
	if config.PageLimit <= 0 || config.PageLimit > 1000 {
		config.PageLimit = 500
	}
	if config.MaxConnsPerHost <= 0 {
		config.MaxConnsPerHost = 4
	}
	limit := rate.Inf
	if config.PageSpacing > 0 {
		limit = rate.Every(config.PageSpacing)
	}

	c := &Client{
		baseURL:   baseURL,
		interval:  config.Interval,
		timeout:   timeout,
		pageLimit: config.PageLimit,
		pageGate:  rate.NewLimiter(limit, 1),
		http: &fasthttp.Client{
			Name:            "tickwatch",
			MaxConnsPerHost: config.MaxConnsPerHost,
			ReadTimeout:     timeout,
			WriteTimeout:    timeout,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchKlines returns the finished candles with open time in [startMs, endMs], ascending.
// It pages through the range but never retries; a failed page fails the whole call.
func (c *Client) FetchKlines(ctx context.Context, symbol string, startMs, endMs int64) ([]models.Kline, error) {
	nowMs := c.now().UnixMilli()
	var out []models.Kline

	for start := startMs; start <= endMs; {
		if err := c.pageGate.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := c.fetchPage(symbol, start, endMs)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s klines from %d: %w", symbol, start, err)
		}
		for _, k := range page {
			if k.CloseTime >= nowMs {
				continue
			}
			out = append(out, k)
		}
		if len(page) < c.pageLimit {
			break
		}
		next := page[len(page)-1].OpenTime + 1
		if next <= start {
			return nil, fmt.Errorf("%w: page for %s did not advance past %d", models.ErrMalformedRecord, symbol, start)
		}
		start = next
	}
	return out, nil
}

// Symbols lists the trading symbols quoted in quote, in exchange order.
func (c *Client) Symbols(ctx context.Context, quote string) ([]string, error) {
	if err := c.pageGate.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := c.get(exchangeInfoPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	return ParseSymbols(body, quote)
}

// ParseSymbols extracts the TRADING symbols with the given quote asset from an exchangeInfo body.
func ParseSymbols(body []byte, quote string) ([]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", models.ErrMalformedRecord)
	}
	list := gjson.GetBytes(body, "symbols")
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: exchange info has no symbols", models.ErrMalformedRecord)
	}
	var symbols []string
	list.ForEach(func(_, s gjson.Result) bool {
		if s.Get("status").String() == "TRADING" && s.Get("quoteAsset").String() == quote {
			symbols = append(symbols, s.Get("symbol").String())
		}
		return true
	})
	return symbols, nil
}

func (c *Client) fetchPage(symbol string, startMs, endMs int64) ([]models.Kline, error) {
	body, err := c.get(klinesPath, func(args *fasthttp.Args) {
		args.Set("symbol", symbol)
		args.Set("interval", c.interval)
		args.Set("startTime", strconv.FormatInt(startMs, 10))
		args.Set("endTime", strconv.FormatInt(endMs, 10))
		args.Set("limit", strconv.Itoa(c.pageLimit))
	})
	if err != nil {
		return nil, err
	}
	return ParseKlines(body)
}

// get performs one GET and returns a copy of the body of a 200 response.
func (c *Client) get(path string, query func(*fasthttp.Args)) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if query != nil {
		query(req.URI().QueryArgs())
	}

	if err := c.http.DoTimeout(req, resp, c.timeout); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}
	if err := classifyStatus(resp.StatusCode(), resp.Body()); err != nil {
		return nil, err
	}
	return append([]byte(nil), resp.Body()...), nil
}

// classifyStatus maps HTTP failures onto the upstream error taxonomy.
// 429 and 418 are the exchange's rate limit and IP ban responses.
func classifyStatus(code int, body []byte) error {
	switch {
	case code == fasthttp.StatusOK:
		return nil
	case code == fasthttp.StatusTooManyRequests || code == fasthttp.StatusTeapot:
		return fmt.Errorf("%w: status %d", models.ErrRateLimited, code)
	case code >= 500:
		return fmt.Errorf("%w: server error: %d", models.ErrNetwork, code)
	default:
		msg := gjson.GetBytes(body, "msg").String()
		return fmt.Errorf("%w: status %d: %s", models.ErrUpstreamUnavailable, code, msg)
	}
}

// ParseKlines decodes the kline array response. Each row is
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, takerBase, takerQuote, ignore]
// with prices and volumes encoded as strings.
func ParseKlines(body []byte) ([]models.Kline, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", models.ErrMalformedRecord)
	}
	result := gjson.ParseBytes(body)
	if !result.IsArray() {
		return nil, fmt.Errorf("%w: unexpected kline response format", models.ErrMalformedRecord)
	}

	rows := result.Array()
	klines := make([]models.Kline, 0, len(rows))
	for i, v := range rows {
		row := v.Array()
		if !v.IsArray() || len(row) < 9 {
			return nil, fmt.Errorf("%w: row %d has %d columns", models.ErrMalformedRecord, i, len(row))
		}
		k := models.Kline{
			OpenTime:    row[0].Int(),
			Open:        row[1].Float(),
			High:        row[2].Float(),
			Low:         row[3].Float(),
			Close:       row[4].Float(),
			Volume:      row[5].Float(),
			CloseTime:   row[6].Int(),
			QuoteVolume: row[7].Float(),
			TradeCount:  row[8].Int(),
		}
		if len(row) > 10 {
			k.TakerBuyVolume = row[9].Float()
			k.TakerBuyQuoteVolume = row[10].Float()
		}
		if err := k.Tick().Validate(); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", models.ErrMalformedRecord, i, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}
