package userdata

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/apd/v3"

	"spotlink/pkg/core"
)

// Event type discriminators carried in the "e" field.
const (
	EventAccountPosition  = "outboundAccountPosition"
	EventBalanceUpdate    = "balanceUpdate"
	EventExecutionReport  = "executionReport"
	EventListStatus       = "listStatus"
	EventListenKeyExpired = "listenKeyExpired"
)

// ErrUnknownEvent is returned by Decode for an unrecognised discriminator.
var ErrUnknownEvent = errors.New("unknown event type")

// Event is one decoded user-data event, one of *AccountPosition,
// *BalanceUpdate, *ExecutionReport, *ListStatus or *ListenKeyExpired.
type Event interface {
	Header() EventHeader
}

// EventHeader holds the fields shared by every event.
type EventHeader struct {
	Type string `json:"e"`
	// Time is the event time in milliseconds.
	Time int64 `json:"E"`
}

func (h EventHeader) Header() EventHeader { return h }

// EventTime returns Time as a time.Time.
func (h EventHeader) EventTime() time.Time {
	return time.UnixMilli(h.Time)
}

// BalanceDelta is the new free and locked amount of one asset.
type BalanceDelta struct {
	Asset  string      `json:"a"`
	Free   apd.Decimal `json:"f"`
	Locked apd.Decimal `json:"l"`
}

// Balance converts the delta into a core.Balance.
func (d BalanceDelta) Balance() core.Balance {
	b := core.Balance{Asset: d.Asset}
	b.Free.Set(&d.Free)
	b.Locked.Set(&d.Locked)
	return b
}

// AccountPosition reports the assets whose balances changed.
type AccountPosition struct {
	EventHeader
	// LastUpdate is the account update time in milliseconds.
	LastUpdate int64          `json:"u"`
	Balances   []BalanceDelta `json:"B"`
}

// BalanceUpdate reports a deposit, withdrawal or transfer.
type BalanceUpdate struct {
	EventHeader
	Asset     string      `json:"a"`
	Delta     apd.Decimal `json:"d"`
	ClearTime int64       `json:"T"`
}

// ExecutionReport reports a change to one order.
type ExecutionReport struct {
	EventHeader
	Symbol                  string           `json:"s"`
	ClientOrderID           string           `json:"c"`
	Side                    core.OrderSide   `json:"S"`
	OrderType               string           `json:"o"`
	TimeInForce             string           `json:"f"`
	Quantity                apd.Decimal      `json:"q"`
	Price                   apd.Decimal      `json:"p"`
	StopPrice               apd.Decimal      `json:"P"`
	IcebergQuantity         apd.Decimal      `json:"F"`
	OrderListID             int64            `json:"g"`
	OrigClientOrderID       string           `json:"C"`
	ExecutionType           string           `json:"x"`
	Status                  core.OrderStatus `json:"X"`
	RejectReason            string           `json:"r"`
	OrderID                 int64            `json:"i"`
	LastQuantity            apd.Decimal      `json:"l"`
	CumulativeQuantity      apd.Decimal      `json:"z"`
	LastPrice               apd.Decimal      `json:"L"`
	Commission              apd.Decimal      `json:"n"`
	CommissionAsset         string           `json:"N"`
	TransactionTime         int64            `json:"T"`
	TradeID                 int64            `json:"t"`
	ExecutionID             int64            `json:"I"`
	IsWorking               bool             `json:"w"`
	IsMaker                 bool             `json:"m"`
	Ignored                 bool             `json:"M"`
	CreationTime            int64            `json:"O"`
	CumulativeQuoteQuantity apd.Decimal      `json:"Z"`
	LastQuoteQuantity       apd.Decimal      `json:"Y"`
	QuoteOrderQuantity      apd.Decimal      `json:"Q"`
	WorkingTime             int64            `json:"W"`
	SelfTradePreventionMode string           `json:"V"`
	PreventedMatchID        int64            `json:"v"`
	TrailingDelta           int64            `json:"d"`
	TrailingTime            int64            `json:"D"`
	StrategyID              int64            `json:"j"`
	StrategyType            int64            `json:"J"`
	TradeGroupID            int64            `json:"u"`
	CounterOrderID          int64            `json:"U"`
	PreventedQuantity       apd.Decimal      `json:"A"`
	LastPreventedQuantity   apd.Decimal      `json:"B"`
}

// ListOrder identifies one order of an order list.
type ListOrder struct {
	Symbol        string `json:"s"`
	OrderID       int64  `json:"i"`
	ClientOrderID string `json:"c"`
}

// ListStatus reports a change to an order list such as an OCO.
type ListStatus struct {
	EventHeader
	Symbol            string      `json:"s"`
	OrderListID       int64       `json:"g"`
	ContingencyType   string      `json:"c"`
	ListStatusType    string      `json:"l"`
	ListOrderStatus   string      `json:"L"`
	RejectReason      string      `json:"r"`
	ListClientOrderID string      `json:"C"`
	TransactionTime   int64       `json:"T"`
	Orders            []ListOrder `json:"O"`
}

// ListenKeyExpired is pushed when the listen key stops being valid.
type ListenKeyExpired struct {
	EventHeader
	ListenKey string `json:"listenKey"`
}

// Decode picks the event type from the "e" discriminator and decodes data
// into it. Unrecognised types return ErrUnknownEvent.
func Decode(data []byte) (Event, error) {
	var h EventHeader
	if err := sonic.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	var ev Event
	switch h.Type {
	case EventAccountPosition:
		ev = &AccountPosition{}
	case EventBalanceUpdate:
		ev = &BalanceUpdate{}
	case EventExecutionReport:
		ev = &ExecutionReport{}
	case EventListStatus:
		ev = &ListStatus{}
	case EventListenKeyExpired:
		ev = &ListenKeyExpired{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, h.Type)
	}

	if err := sonic.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.Type, err)
	}
	return ev, nil
}
