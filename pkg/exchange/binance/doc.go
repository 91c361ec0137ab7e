// Package binance binds the client core to the Binance spot API.
//
// Client is the signed REST caller: every call is admitted by the
// throttler, SIGNED calls carry a timestamp, recvWindow and HMAC-SHA256
// signature, and 429/418 responses pause the throttler for the server's
// Retry-After. Client also provides the published rate limits, the account
// snapshot and listen-key management.
//
// Exchange assembles Client with the throttler, the market stream
// multiplexer and, when credentials are configured, the user-data stream
// and account reconciler:
//
//	cfg, err := core.LoadConfig("spotlink.yaml", "binance")
//	ex, err := binance.New(cfg, binance.WithLogger(logger))
//	if err := ex.Start(ctx); err != nil { ... }
//	defer ex.Close(context.Background())
//
//	id, err := ex.Market().SubscribePartialDepth(ctx, "BTCUSDT", 5, 100*time.Millisecond, onDepth)
package binance
