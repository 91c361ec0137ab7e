// Package http wraps resty with sonic codecs, request tracing and capture of
// the usage counters an exchange reports in response headers.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"resty.dev/v3"
)

// ErrClosed is returned by requests issued after Close.
var ErrClosed = errors.New("http client is closed")

type Config struct {
	BaseURL      string            `validate:"required,url"`
	Timeout      time.Duration     `validate:"min=1ms"`
	MaxRetries   int               `validate:"min=0"`
	RetryWaitMin time.Duration     `validate:"min=0"`
	RetryWaitMax time.Duration     `validate:"min=0"`
	Headers      map[string]string `validate:"omitempty"`
	// UsageHeaders are header name prefixes whose integer values are kept
	// from every response, e.g. "X-MBX-USED-WEIGHT-".
	UsageHeaders []string `validate:"omitempty,dive,required"`
}

type RequestOption func(*resty.Request)

type Client struct {
	client *resty.Client
	prefix []string

	logMu  sync.RWMutex
	logger zerolog.Logger

	usageMu sync.Mutex
	usage   map[string]int64

	closed    atomic.Bool
	requests  atomic.Int64
	responses atomic.Int64
}

func NewClient(config *Config) (*Client, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		client: resty.New(),
		logger: zerolog.Nop(),
		usage:  make(map[string]int64),
	}
	for _, p := range config.UsageHeaders {
		c.prefix = append(c.prefix, http.CanonicalHeaderKey(p))
	}

	c.client.SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout).
		SetRetryCount(config.MaxRetries).
		SetRetryWaitTime(config.RetryWaitMin).
		SetRetryMaxWaitTime(config.RetryWaitMax).
		SetHeaders(config.Headers)
	c.client.AddContentTypeEncoder("application/json", encodeJSON)
	c.client.AddContentTypeDecoder("application/json", decodeJSON)
	c.client.AddRequestMiddleware(c.traceRequest)
	c.client.AddResponseMiddleware(c.traceResponse)

	return c, nil
}

func encodeJSON(w io.Writer, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func decodeJSON(r io.Reader, v any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}

// SetLogger configures the logger used for request and response tracing.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	c.logger = logger
}

func (c *Client) log() *zerolog.Logger {
	c.logMu.RLock()
	defer c.logMu.RUnlock()
	l := c.logger
	return &l
}

func (c *Client) traceRequest(_ *resty.Client, req *resty.Request) error {
	c.requests.Add(1)
	c.log().Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Msg("http request")
	return nil
}

func (c *Client) traceResponse(_ *resty.Client, resp *resty.Response) error {
	c.responses.Add(1)
	c.recordUsage(resp.Header())
	c.log().Debug().
		Str("method", resp.Request.Method).
		Str("url", resp.Request.URL).
		Int("status", resp.StatusCode()).
		Int("size", len(resp.Bytes())).
		Msg("http response")
	return nil
}

func (c *Client) recordUsage(h http.Header) {
	if len(c.prefix) == 0 {
		return
	}

	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	for name, values := range h {
		if len(values) == 0 || !c.tracked(name) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
		if err != nil {
			continue
		}
		c.usage[name] = n
	}
}

func (c *Client) tracked(name string) bool {
	for _, p := range c.prefix {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Usage returns the last value seen for every tracked header, keyed by the
// canonical header name.
func (c *Client) Usage() map[string]int64 {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	return maps.Clone(c.usage)
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.client.Close()
}

// Execute sends one request. Options apply in order, so a later option
// overrides an earlier one. url may carry a pre-encoded query string, which
// is sent as is.
func (c *Client) Execute(ctx context.Context, method, url string, opts ...RequestOption) (*resty.Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	req := c.client.R().SetContext(ctx)
	for _, opt := range opts {
		opt(req)
	}
	return req.Execute(method, url)
}

// Stats reports request counters.
type Stats struct {
	Requests  int64
	Responses int64
}

func (c *Client) Stats() Stats {
	return Stats{
		Requests:  c.requests.Load(),
		Responses: c.responses.Load(),
	}
}

func WithHeader(key, value string) RequestOption {
	return func(r *resty.Request) {
		r.SetHeader(key, value)
	}
}

func WithHeaders(headers map[string]string) RequestOption {
	return func(r *resty.Request) {
		r.SetHeaders(headers)
	}
}
