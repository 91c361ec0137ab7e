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

// Depth levels offered by the partial book stream.
const (
	DepthLevels5  = 5
	DepthLevels10 = 10
	DepthLevels20 = 20
)

// PartialDepthKey returns the stream key for the top levels of symbol's
// book. levels is rounded to 5, 10 or 20. A positive speed of 550ms or less
// selects the 100ms stream, anything else the default 1000ms one.
func PartialDepthKey(symbol string, levels int, speed time.Duration) string {
	var n int
	switch {
	case levels <= 7:
		n = DepthLevels5
	case levels <= 15:
		n = DepthLevels10
	default:
		n = DepthLevels20
	}

	key := fmt.Sprintf("%s@depth%d", strings.ToLower(symbol), n)
	if speed > 0 && speed <= 550*time.Millisecond {
		key += "@100ms"
	}
	return key
}

// Level is one price level of a book side.
type Level struct {
	Price    apd.Decimal
	Quantity apd.Decimal
}

// UnmarshalJSON decodes the ["price","qty"] pair form.
func (l *Level) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := sonic.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode level: %w", err)
	}
	if len(pair) < 2 {
		return fmt.Errorf("decode level: want price and quantity, got %d fields", len(pair))
	}
	if _, _, err := l.Price.SetString(pair[0]); err != nil {
		return fmt.Errorf("decode level price %q: %w", pair[0], err)
	}
	if _, _, err := l.Quantity.SetString(pair[1]); err != nil {
		return fmt.Errorf("decode level quantity %q: %w", pair[1], err)
	}
	return nil
}

// PartialDepth is the top-of-book snapshot pushed on a partial depth stream.
type PartialDepth struct {
	LastUpdateID int64   `json:"lastUpdateId"`
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
}

func DecodePartialDepth(data []byte) (PartialDepth, error) {
	var d PartialDepth
	if err := sonic.Unmarshal(data, &d); err != nil {
		return PartialDepth{}, fmt.Errorf("decode partial depth: %w", err)
	}
	return d, nil
}

// SubscribePartialDepth subscribes to PartialDepthKey(symbol, levels, speed)
// and hands decoded snapshots to handler. Payloads that fail to decode are
// logged and skipped.
func (m *Multiplexer) SubscribePartialDepth(ctx context.Context, symbol string, levels int, speed time.Duration, handler func(PartialDepth)) (int64, error) {
	return m.Subscribe(ctx, PartialDepthKey(symbol, levels, speed), func(key string, data json.RawMessage) {
		d, err := DecodePartialDepth(data)
		if err != nil {
			m.logger.Error().Err(err).Str("key", key).Msg("drop depth payload")
			return
		}
		handler(d)
	})
}
