package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartialDepthKey(t *testing.T) {
	tests := []struct {
		symbol string
		levels int
		speed  time.Duration
		want   string
	}{
		{symbol: "BTCUSDT", levels: 5, speed: time.Second, want: "btcusdt@depth5"},
		{symbol: "BTCUSDT", levels: 5, speed: 100 * time.Millisecond, want: "btcusdt@depth5@100ms"},
		{symbol: "ethusdt", levels: 1, speed: 0, want: "ethusdt@depth5"},
		{symbol: "ethusdt", levels: 7, speed: 550 * time.Millisecond, want: "ethusdt@depth5@100ms"},
		{symbol: "ethusdt", levels: 8, speed: 551 * time.Millisecond, want: "ethusdt@depth10"},
		{symbol: "ethusdt", levels: 15, speed: 250 * time.Millisecond, want: "ethusdt@depth10@100ms"},
		{symbol: "ethusdt", levels: 16, speed: time.Second, want: "ethusdt@depth20"},
		{symbol: "ethusdt", levels: 100, speed: 5 * time.Second, want: "ethusdt@depth20"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PartialDepthKey(tt.symbol, tt.levels, tt.speed), "%s %d %s", tt.symbol, tt.levels, tt.speed)
	}
}

func TestStreamKeys(t *testing.T) {
	assert.Equal(t, "bnbbtc@trade", TradeKey("BNBBTC"))
	assert.Equal(t, "bnbusdt@bookTicker", BookTickerKey("BNBUSDT"))
}

func TestDecodePartialDepth(t *testing.T) {
	d, err := DecodePartialDepth([]byte(`{
		"lastUpdateId": 160,
		"bids": [["0.0024", "10"], ["0.0023", "5.5"]],
		"asks": [["0.0026", "100"]]
	}`))
	require.NoError(t, err)

	assert.Equal(t, int64(160), d.LastUpdateID)
	require.Len(t, d.Bids, 2)
	require.Len(t, d.Asks, 1)
	assert.Equal(t, "0.0024", d.Bids[0].Price.String())
	assert.Equal(t, "5.5", d.Bids[1].Quantity.String())
	assert.Equal(t, "100", d.Asks[0].Quantity.String())

	_, err = DecodePartialDepth([]byte(`{"bids":[["0.0024"]]}`))
	assert.Error(t, err)
	_, err = DecodePartialDepth([]byte(`{"bids":[["x","1"]]}`))
	assert.Error(t, err)
}

func TestDecodeTrade(t *testing.T) {
	tr, err := DecodeTrade([]byte(`{"e":"trade","E":1672515782136,"s":"BNBBTC","t":12345,"p":"0.001","q":"100","T":1672515782136,"m":true,"M":true}`))
	require.NoError(t, err)

	assert.Equal(t, "trade", tr.EventType)
	assert.Equal(t, "BNBBTC", tr.Symbol)
	assert.Equal(t, int64(12345), tr.TradeID)
	assert.Equal(t, "0.001", tr.Price.String())
	assert.Equal(t, "100", tr.Quantity.String())
	assert.True(t, tr.BuyerIsMaker)
	assert.Equal(t, int64(1672515782136), tr.Time().UnixMilli())
}

func TestDecodeBookTicker(t *testing.T) {
	b, err := DecodeBookTicker([]byte(`{"u":400900217,"s":"BNBUSDT","b":"25.35190000","B":"31.21000000","a":"25.36520000","A":"40.66000000"}`))
	require.NoError(t, err)

	assert.Equal(t, int64(400900217), b.UpdateID)
	assert.Equal(t, "25.35190000", b.BidPrice.String())
	assert.Equal(t, "40.66000000", b.AskQuantity.String())
	spread := b.Spread()
	assert.Equal(t, "0.01330000", spread.String())
}

func TestMultiplexer_SubscribeTrades(t *testing.T) {
	m, _, conn := openTest(t, testConfig())

	trades := make(chan Trade, 4)
	res := make(chan error, 1)
	go func() {
		_, err := m.SubscribeTrades(context.Background(), "BTCUSDT", func(tr Trade) { trades <- tr })
		res <- err
	}()

	cmd := nextCommand(t, conn)
	assert.Equal(t, []any{"btcusdt@trade"}, cmd.Params)
	reply(conn, cmd.ID, "null")
	require.NoError(t, <-res)

	conn.InjectString(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","t":1,"p":"42000.5","q":"0.01","m":false}}`)
	conn.InjectString(`{"stream":"btcusdt@trade","data":{"p":"not a number"}}`)
	conn.InjectString(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","t":2,"p":"42001","q":"0.02","m":true}}`)

	first := <-trades
	second := <-trades
	assert.Equal(t, int64(1), first.TradeID)
	assert.Equal(t, "42000.5", first.Price.String())
	assert.Equal(t, int64(2), second.TradeID)
	assert.Empty(t, trades)
}
