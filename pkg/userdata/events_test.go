package userdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotlink/pkg/core"
)

const (
	executionReportJSON = `{"e":"executionReport","E":1499405658658,"s":"ETHBTC","c":"mUvoqJxFIILMdfAW5iGSOW","S":"BUY","o":"LIMIT","f":"GTC","q":"1.00000000","p":"0.10264410","P":"0.00000000","F":"0.00000000","g":-1,"C":"","x":"NEW","X":"NEW","r":"NONE","i":4293153,"l":"0.00000000","z":"0.00000000","L":"0.00000000","n":"0","N":null,"T":1499405658657,"t":-1,"I":8641984,"w":true,"m":false,"M":false,"O":1499405658657,"Z":"0.00000000","Y":"0.00000000","Q":"0.00000000","W":1499405658657,"V":"NONE"}`
	accountPositionJSON = `{"e":"outboundAccountPosition","E":1564034571105,"u":1564034571073,"B":[{"a":"ETH","f":"10000.000000","l":"0.000000"},{"a":"BTC","f":"1.5","l":"0.25"}]}`
	balanceUpdateJSON   = `{"e":"balanceUpdate","E":1573200697110,"a":"BTC","d":"100.00000000","T":1573200697068}`
	listStatusJSON      = `{"e":"listStatus","E":1564035303637,"s":"ETHBTC","g":2,"c":"OCO","l":"EXEC_STARTED","L":"EXECUTING","r":"NONE","C":"F4QN4G8DlFATFlIUQ0cjdD","T":1564035303625,"O":[{"s":"ETHBTC","i":17,"c":"AJYsMjErWJesZvqlJCTUgL"},{"s":"ETHBTC","i":18,"c":"bfYPSQdLoqAJeNrOr9adzq"}]}`
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		check func(t *testing.T, ev Event)
	}{
		{
			name: "account position",
			in:   accountPositionJSON,
			check: func(t *testing.T, ev Event) {
				ap, ok := ev.(*AccountPosition)
				require.True(t, ok)
				assert.Equal(t, int64(1564034571073), ap.LastUpdate)
				require.Len(t, ap.Balances, 2)
				assert.Equal(t, "ETH", ap.Balances[0].Asset)
				assert.Equal(t, "10000.000000", ap.Balances[0].Free.String())
				b := ap.Balances[1].Balance()
				total := b.Total()
				assert.Equal(t, "1.75", total.String())
			},
		},
		{
			name: "balance update",
			in:   balanceUpdateJSON,
			check: func(t *testing.T, ev Event) {
				bu, ok := ev.(*BalanceUpdate)
				require.True(t, ok)
				assert.Equal(t, "BTC", bu.Asset)
				assert.Equal(t, "100.00000000", bu.Delta.String())
				assert.Equal(t, int64(1573200697068), bu.ClearTime)
			},
		},
		{
			name: "execution report",
			in:   executionReportJSON,
			check: func(t *testing.T, ev Event) {
				er, ok := ev.(*ExecutionReport)
				require.True(t, ok)
				assert.Equal(t, "ETHBTC", er.Symbol)
				assert.Equal(t, "mUvoqJxFIILMdfAW5iGSOW", er.ClientOrderID)
				assert.Empty(t, er.OrigClientOrderID)
				assert.Equal(t, core.SideBuy, er.Side)
				assert.Equal(t, core.StatusNew, er.Status)
				assert.Equal(t, "0.10264410", er.Price.String())
				assert.Equal(t, int64(4293153), er.OrderID)
				assert.Equal(t, int64(-1), er.TradeID)
				assert.Empty(t, er.CommissionAsset)
				assert.True(t, er.IsWorking)
				assert.Equal(t, int64(1499405658658), er.EventTime().UnixMilli())
			},
		},
		{
			name: "list status",
			in:   listStatusJSON,
			check: func(t *testing.T, ev Event) {
				ls, ok := ev.(*ListStatus)
				require.True(t, ok)
				assert.Equal(t, "OCO", ls.ContingencyType)
				assert.Equal(t, "EXEC_STARTED", ls.ListStatusType)
				assert.Equal(t, "EXECUTING", ls.ListOrderStatus)
				assert.Equal(t, "F4QN4G8DlFATFlIUQ0cjdD", ls.ListClientOrderID)
				require.Len(t, ls.Orders, 2)
				assert.Equal(t, int64(18), ls.Orders[1].OrderID)
			},
		},
		{
			name: "listen key expired",
			in:   `{"e":"listenKeyExpired","E":1576653824250,"listenKey":"abc"}`,
			check: func(t *testing.T, ev Event) {
				exp, ok := ev.(*ListenKeyExpired)
				require.True(t, ok)
				assert.Equal(t, "abc", exp.ListenKey)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestDecode_Unknown(t *testing.T) {
	_, err := Decode([]byte(`{"e":"externalLockUpdate","E":1}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = Decode([]byte(`{"E":1}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownEvent)

	_, err = Decode([]byte(`{"e":"balanceUpdate","E":1,"d":"abc"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownEvent)
}
