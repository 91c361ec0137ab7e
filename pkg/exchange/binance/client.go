package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"resty.dev/v3"

	"spotlink/internal/cache"
	httpClient "spotlink/internal/http"
	"spotlink/internal/keyring"
	"spotlink/pkg/core"
)

const (
	ProductionURL = "https://api.binance.com"
	SandboxURL    = "https://testnet.binance.vision"

	headerAPIKey     = "X-MBX-APIKEY"
	headerRetryAfter = "Retry-After"
	headerUsedWeight = "X-MBX-USED-WEIGHT-"
	headerOrderCount = "X-MBX-ORDER-COUNT-"

	exchangeInfoKey = "exchangeInfo"
)

// Endpoint weights as published for /api/v3.
const (
	weightExchangeInfo = 20
	weightAccount      = 20
	weightListenKey    = 2
	weightPing         = 1
	weightTime         = 1
)

// Throttler admits REST calls and takes server rate-limit notices.
type Throttler interface {
	Throttle(ctx context.Context, weight int, highPriority bool) error
	NotifyRateLimited(retryAfter *time.Duration) time.Time
}

// Client is the signed REST caller. Every call is admitted by the
// throttler before it is sent.
type Client struct {
	exchange   string
	recvWindow time.Duration
	http       *httpClient.Client
	throttler  Throttler
	keys       *keyring.KeyRing
	info       *cache.Cache[*ExchangeInfo]
	logger     zerolog.Logger
	now        func() time.Time

	requests    atomic.Int64
	failures    atomic.Int64
	rateLimited atomic.Int64
}

// NewClient builds a Client for config. When keys is nil and config carries
// credentials, a single-key ring is built from them.
func NewClient(config *core.Config, throttler Throttler, keys *keyring.KeyRing) (*Client, error) {
	if throttler == nil {
		return nil, errors.New("throttler is required")
	}

	hc, err := httpClient.NewClient(&httpClient.Config{
		BaseURL:      restURL(config),
		Timeout:      config.REST.Timeout,
		MaxRetries:   config.REST.MaxRetries,
		RetryWaitMin: config.REST.RetryWaitMin,
		RetryWaitMax: config.REST.RetryWaitMax,
		UsageHeaders: []string{headerUsedWeight, headerOrderCount},
	})
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}

	if keys == nil && config.HasCredentials() {
		keys = keyring.Single(config.Credentials.APIKey, config.Credentials.SecretKey)
	}

	ttl := config.REST.ExchangeInfoTTL
	if ttl <= 0 {
		ttl = time.Nanosecond
	}

	return &Client{
		exchange:   config.Exchange,
		recvWindow: config.REST.RecvWindow,
		http:       hc,
		throttler:  throttler,
		keys:       keys,
		info:       cache.New[*ExchangeInfo](ttl),
		logger:     zerolog.Nop(),
		now:        time.Now,
	}, nil
}

func restURL(config *core.Config) string {
	if config.REST.BaseURL != "" {
		return config.REST.BaseURL
	}
	if config.Sandbox {
		return SandboxURL
	}
	return ProductionURL
}

// SetLogger configures the logger for the client and its transport.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger.With().Str("component", "rest").Logger()
	c.http.SetLogger(c.logger)
}

func (c *Client) Close() error {
	return c.http.Close()
}

// Do admits req through the throttler, authenticates it as its Security
// requires, sends it and decodes a successful body into out. A nil out
// discards the body.
func (c *Client) Do(ctx context.Context, req *core.Request, out any) error {
	if err := c.throttler.Throttle(ctx, req.Weight, req.HighPriority); err != nil {
		return fmt.Errorf("throttle %s: %w", req.Path, err)
	}

	var key keyring.APIKey
	if req.Security.NeedsAPIKey() {
		k, err := c.acquireKey()
		if err != nil {
			return err
		}
		key = k
	}

	target := req.Path
	query := encodeQuery(req.Query)
	if req.Security == core.SecuritySigned {
		query = c.sign(query, key)
	}
	if query != "" {
		target += "?" + query
	}

	opts := []httpClient.RequestOption{httpClient.WithHeaders(req.Headers)}
	if req.Security.NeedsAPIKey() {
		opts = append(opts, httpClient.WithHeader(headerAPIKey, key.Key))
	}

	c.requests.Add(1)
	resp, err := c.http.Execute(ctx, req.Method, target, opts...)
	if err != nil {
		c.failures.Add(1)
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", req.Method, req.Path, ctx.Err())
		}
		return core.NewExchangeError(c.exchange, core.ErrorTypeNetwork, 0, err.Error()).
			WithCode(core.ErrCodeNetwork).
			WithCause(err)
	}

	if resp.StatusCode() >= http.StatusBadRequest {
		c.failures.Add(1)
		exErr := c.responseError(resp)
		if req.Security.NeedsAPIKey() && c.keys != nil {
			c.keys.OnError(key.ID, exErr.Type == core.ErrorTypeAuthentication)
		}
		c.logger.Warn().
			Str("method", req.Method).
			Str("path", req.Path).
			Int("status", exErr.StatusCode).
			Str("code", exErr.Code).
			Msg(exErr.Message)
		return exErr
	}

	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(resp.Bytes(), out); err != nil {
		return core.NewExchangeError(c.exchange, core.ErrorTypeProtocol, resp.StatusCode(),
			fmt.Sprintf("decode %s response", req.Path)).
			WithCode(core.ErrCodeMalformedFrame).
			WithCause(err)
	}
	return nil
}

func (c *Client) acquireKey() (keyring.APIKey, error) {
	if c.keys == nil {
		return keyring.APIKey{}, core.NewExchangeError(c.exchange, core.ErrorTypeConfiguration, 0,
			"api key and secret are required").
			WithCode(core.ErrCodeNoCredentials).
			WithCause(core.ErrNoCredentials)
	}
	key, err := c.keys.Acquire()
	if err != nil {
		return keyring.APIKey{}, core.NewExchangeError(c.exchange, core.ErrorTypeConfiguration, 0,
			err.Error()).
			WithCode(core.ErrCodeNoAPIKey).
			WithCause(core.ErrNoAPIKey)
	}
	return key, nil
}

// sign appends timestamp and recvWindow to query and then the signature
// computed over everything before it.
func (c *Client) sign(query string, key keyring.APIKey) string {
	var b strings.Builder
	if query != "" {
		b.WriteString(query)
		b.WriteByte('&')
	}
	b.WriteString("timestamp=")
	b.WriteString(strconv.FormatInt(c.now().UnixMilli(), 10))
	b.WriteString("&recvWindow=")
	b.WriteString(strconv.FormatInt(c.recvWindow.Milliseconds(), 10))

	payload := b.String()
	return payload + "&signature=" + key.Sign(payload)
}

// encodeQuery renders params sorted by key.
func encodeQuery(params core.Params) string {
	if len(params) == 0 {
		return ""
	}
	values := make(url.Values, len(params))
	for k, v := range params {
		values.Set(k, fmt.Sprint(v))
	}
	return values.Encode()
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) responseError(resp *resty.Response) *core.ExchangeError {
	status := resp.StatusCode()

	var body apiError
	_ = sonic.Unmarshal(resp.Bytes(), &body)

	if status == http.StatusTooManyRequests || status == http.StatusTeapot {
		c.rateLimited.Add(1)
		until := c.throttler.NotifyRateLimited(parseRetryAfter(resp.Header().Get(headerRetryAfter)))
		exErr := core.NewRateLimitError(c.exchange, until)
		exErr.StatusCode = status
		if status == http.StatusTeapot {
			exErr.WithCode(core.ErrCodeIPBanned)
		}
		return exErr
	}

	if body.Code == 0 {
		errType := core.ErrorTypeBadRequest
		switch {
		case status >= http.StatusInternalServerError:
			errType = core.ErrorTypeServerError
		case status == http.StatusNotFound:
			errType = core.ErrorTypeNotFound
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			errType = core.ErrorTypeAuthentication
		}
		return core.NewExchangeError(c.exchange, errType, status,
			fmt.Sprintf("HTTP error: %s", resp.Status())).
			WithCode(core.CodeFor(errType))
	}

	errType := mapErrorCode(body.Code)
	if errType == core.ErrorTypeRateLimit {
		c.rateLimited.Add(1)
		c.throttler.NotifyRateLimited(parseRetryAfter(resp.Header().Get(headerRetryAfter)))
	}
	if errType == core.ErrorTypeUnknown && status >= http.StatusInternalServerError {
		errType = core.ErrorTypeServerError
	}
	return core.NewExchangeErrorWithCode(c.exchange, errType, status, strconv.Itoa(body.Code), body.Msg)
}

// parseRetryAfter reads a Retry-After value in seconds. It returns nil when
// the header is absent or not a positive integer.
func parseRetryAfter(v string) *time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}

func mapErrorCode(code int) core.ErrorType {
	switch code {
	case -1003, -1015:
		return core.ErrorTypeRateLimit
	case -1007:
		return core.ErrorTypeTimeout
	case -1000, -1001, -1006:
		return core.ErrorTypeServerError
	case -1002, -1022, -2014, -2015:
		return core.ErrorTypeAuthentication
	case -1125, -2013:
		return core.ErrorTypeNotFound
	default:
		if code <= -1000 && code > -3000 {
			return core.ErrorTypeBadRequest
		}
		return core.ErrorTypeUnknown
	}
}

// ClientStats reports REST call counters.
type ClientStats struct {
	Requests    int64
	Failures    int64
	RateLimited int64
	// Usage holds the last used-weight and order-count headers the server
	// returned, e.g. "X-Mbx-Used-Weight-1m".
	Usage map[string]int64
}

func (c *Client) Stats() ClientStats {
	return ClientStats{
		Requests:    c.requests.Load(),
		Failures:    c.failures.Load(),
		RateLimited: c.rateLimited.Load(),
		Usage:       c.http.Usage(),
	}
}
