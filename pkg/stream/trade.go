package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/apd/v3"
)

func TradeKey(symbol string) string {
	return strings.ToLower(symbol) + "@trade"
}

// Trade is one public trade.
type Trade struct {
	EventType    string      `json:"e"`
	EventTime    int64       `json:"E"`
	Symbol       string      `json:"s"`
	TradeID      int64       `json:"t"`
	Price        apd.Decimal `json:"p"`
	Quantity     apd.Decimal `json:"q"`
	TradeTime    int64       `json:"T"`
	BuyerIsMaker bool        `json:"m"`
}

// Time returns the trade time.
func (t Trade) Time() time.Time {
	return time.UnixMilli(t.TradeTime)
}

func DecodeTrade(data []byte) (Trade, error) {
	var t Trade
	if err := sonic.Unmarshal(data, &t); err != nil {
		return Trade{}, fmt.Errorf("decode trade: %w", err)
	}
	return t, nil
}

// SubscribeTrades subscribes to TradeKey(symbol).
func (m *Multiplexer) SubscribeTrades(ctx context.Context, symbol string, handler func(Trade)) (int64, error) {
	return m.Subscribe(ctx, TradeKey(symbol), func(key string, data json.RawMessage) {
		t, err := DecodeTrade(data)
		if err != nil {
			m.logger.Error().Err(err).Str("key", key).Msg("drop trade payload")
			return
		}
		handler(t)
	})
}
