package mongostore

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/swiftpay/payout"
)

func TestDecimalCodecRoundTrip(t *testing.T) {
	reg := Registry()
	tx := payout.Transaction{
		TransactionID: "TXN_TEST",
		UserID:        "user_001",
		Amount:        decimal.RequireFromString("100.50"),
		Currency:      payout.CurrencyUSD,
		Status:        payout.StatusInitiated,
		Type:          payout.TypePayout,
		BalanceBefore: decimal.RequireFromString("10000.00"),
		BalanceAfter:  decimal.RequireFromString("9899.50"),
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := bson.MarshalWithRegistry(reg, tx)
	require.NoError(t, err)

	var got payout.Transaction
	require.NoError(t, bson.UnmarshalWithRegistry(reg, data, &got))

	assert.True(t, got.Amount.Equal(tx.Amount), "amount %s != %s", got.Amount, tx.Amount)
	assert.True(t, got.BalanceBefore.Equal(tx.BalanceBefore))
	assert.True(t, got.BalanceAfter.Equal(tx.BalanceAfter))
	assert.Equal(t, tx.Status, got.Status)
}

func TestDecimalCodecPrecision(t *testing.T) {
	reg := Registry()
	type doc struct {
		V decimal.Decimal `bson:"v"`
	}

	// Values that lose precision through float64 must survive Decimal128.
	for _, s := range []string{"0.01", "99999999999999.99", "123456789.10"} {
		data, err := bson.MarshalWithRegistry(reg, doc{V: decimal.RequireFromString(s)})
		require.NoError(t, err)
		var got doc
		require.NoError(t, bson.UnmarshalWithRegistry(reg, data, &got))
		assert.Equal(t, s, got.V.String())
	}
}

func TestDecimalCodecDecodesStrings(t *testing.T) {
	reg := Registry()
	type doc struct {
		V decimal.Decimal `bson:"v"`
	}

	// Documents written by earlier tooling stored balances as strings.
	raw, err := bson.Marshal(bson.M{"v": "42.42"})
	require.NoError(t, err)

	var got doc
	require.NoError(t, bson.UnmarshalWithRegistry(reg, raw, &got))
	assert.Equal(t, "42.42", got.V.String())
}
