package binance

import (
	"context"
	"errors"
	"net/http"
	"time"

	"spotlink/pkg/account"
	"spotlink/pkg/core"
	"spotlink/pkg/userdata"
)

var (
	_ userdata.ListenKeyAPI = (*Client)(nil)
	_ account.Loader        = (*Client)(nil)
)

// SymbolInfo is the subset of exchangeInfo symbol metadata the client keeps.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

type ExchangeInfo struct {
	Timezone   string           `json:"timezone"`
	ServerTime int64            `json:"serverTime"`
	RateLimits []core.RateLimit `json:"rateLimits"`
	Symbols    []SymbolInfo     `json:"symbols"`
}

// Symbol looks up a symbol by its exchange name.
func (i *ExchangeInfo) Symbol(name string) (SymbolInfo, bool) {
	for _, s := range i.Symbols {
		if s.Symbol == name {
			return s, true
		}
	}
	return SymbolInfo{}, false
}

// ExchangeInfo returns exchange metadata, cached for the configured TTL.
func (c *Client) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	return c.info.GetOrLoad(ctx, exchangeInfoKey, c.fetchExchangeInfo)
}

func (c *Client) fetchExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	req := core.Get("/api/v3/exchangeInfo").SetWeight(weightExchangeInfo)

	var info ExchangeInfo
	if err := c.Do(ctx, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RateLimits fetches the published limits. It has the shape of
// ratelimit.LimitsProvider and always bypasses the cache.
func (c *Client) RateLimits(ctx context.Context) ([]core.RateLimit, error) {
	info, err := c.fetchExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	c.info.Set(exchangeInfoKey, info, 0)
	return info.RateLimits, nil
}

type accountResponse struct {
	CanTrade    bool           `json:"canTrade"`
	CanWithdraw bool           `json:"canWithdraw"`
	CanDeposit  bool           `json:"canDeposit"`
	UpdateTime  int64          `json:"updateTime"`
	AccountType string         `json:"accountType"`
	Balances    []core.Balance `json:"balances"`
}

// AccountSnapshot loads balances from /api/v3/account. Zero balances are
// omitted on the server side.
func (c *Client) AccountSnapshot(ctx context.Context) (*account.Snapshot, error) {
	req := core.Get("/api/v3/account").
		SetWeight(weightAccount).
		SetHighPriority(true).
		SetSecurity(core.SecuritySigned).
		SetQuery("omitZeroBalances", "true")

	var resp accountResponse
	if err := c.Do(ctx, req, &resp); err != nil {
		return nil, err
	}

	snap := &account.Snapshot{
		Balances:    make(map[string]core.Balance, len(resp.Balances)),
		AccountType: resp.AccountType,
		CanTrade:    resp.CanTrade,
		CanWithdraw: resp.CanWithdraw,
		CanDeposit:  resp.CanDeposit,
		UpdateTime:  resp.UpdateTime,
	}
	for _, b := range resp.Balances {
		snap.Balances[b.Asset] = b
	}
	return snap, nil
}

func listenKeyRequest(method string) *core.Request {
	return core.NewRequest(method, "/api/v3/userDataStream").
		SetWeight(weightListenKey).
		SetSecurity(core.SecurityUserStream)
}

func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.Do(ctx, listenKeyRequest(http.MethodPost), &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", errors.New("create listen key: empty key in response")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the key's validity by 60 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	return c.Do(ctx, listenKeyRequest(http.MethodPut).SetQuery("listenKey", key), nil)
}

func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	return c.Do(ctx, listenKeyRequest(http.MethodDelete).SetQuery("listenKey", key), nil)
}

// Ping tests connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.Do(ctx, core.Get("/api/v3/ping").SetWeight(weightPing), nil)
}

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.Do(ctx, core.Get("/api/v3/time").SetWeight(weightTime), &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.ServerTime), nil
}
