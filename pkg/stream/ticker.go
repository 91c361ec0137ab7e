package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/apd/v3"

	"spotlink/pkg/core"
)

func BookTickerKey(symbol string) string {
	return strings.ToLower(symbol) + "@bookTicker"
}

// BookTicker is the best bid and ask of a symbol.
type BookTicker struct {
	UpdateID    int64       `json:"u"`
	Symbol      string      `json:"s"`
	BidPrice    apd.Decimal `json:"b"`
	BidQuantity apd.Decimal `json:"B"`
	AskPrice    apd.Decimal `json:"a"`
	AskQuantity apd.Decimal `json:"A"`
}

// Spread returns AskPrice - BidPrice.
func (b BookTicker) Spread() apd.Decimal {
	var d apd.Decimal
	_, _ = core.DecimalContext.Sub(&d, &b.AskPrice, &b.BidPrice)
	return d
}

func DecodeBookTicker(data []byte) (BookTicker, error) {
	var b BookTicker
	if err := sonic.Unmarshal(data, &b); err != nil {
		return BookTicker{}, fmt.Errorf("decode book ticker: %w", err)
	}
	return b, nil
}

// SubscribeBookTicker subscribes to BookTickerKey(symbol).
func (m *Multiplexer) SubscribeBookTicker(ctx context.Context, symbol string, handler func(BookTicker)) (int64, error) {
	return m.Subscribe(ctx, BookTickerKey(symbol), func(key string, data json.RawMessage) {
		b, err := DecodeBookTicker(data)
		if err != nil {
			m.logger.Error().Err(err).Str("key", key).Msg("drop book ticker payload")
			return
		}
		handler(b)
	})
}
