package inventory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxonomy_Consistency(t *testing.T) {
	types := Taxonomy()
	require.Len(t, types, 14)

	increase := TypesByDirection(DirectionIncrease)
	decrease := TypesByDirection(DirectionDecrease)
	assert.Len(t, increase, 6)
	assert.Len(t, decrease, 8)

	// 増加と減少は重ならない
	for _, in := range increase {
		assert.NotContains(t, decrease, in)
	}

	for _, info := range types {
		assert.True(t, info.Type.IsValid(), info.Type)
		assert.NotEmpty(t, info.Label, info.Type)

		looked, ok := Lookup(info.Type)
		require.True(t, ok)
		assert.Equal(t, info, looked)
	}
}

func TestTaxonomy_ReturnsCopy(t *testing.T) {
	types := Taxonomy()
	types[0].Direction = DirectionDecrease

	d, err := TransactionTypePurchase.Direction()
	require.NoError(t, err)
	assert.Equal(t, DirectionIncrease, d)
}

func TestTransactionType_Direction(t *testing.T) {
	tests := []struct {
		txType TransactionType
		want   Direction
	}{
		{TransactionTypePurchase, DirectionIncrease},
		{TransactionTypeSalesReturn, DirectionIncrease},
		{TransactionTypeOpeningStock, DirectionIncrease},
		{TransactionTypeTransferIn, DirectionIncrease},
		{TransactionTypeStockAdjustmentIn, DirectionIncrease},
		{TransactionTypeMiscReceive, DirectionIncrease},
		{TransactionTypeSale, DirectionDecrease},
		{TransactionTypeSupplierReturn, DirectionDecrease},
		{TransactionTypeProductionOut, DirectionDecrease},
		{TransactionTypePurchaseReturn, DirectionDecrease},
		{TransactionTypeStockAdjustmentOut, DirectionDecrease},
		{TransactionTypeTransferOut, DirectionDecrease},
		{TransactionTypeMiscIssue, DirectionDecrease},
		{TransactionTypeWaste, DirectionDecrease},
	}

	for _, tt := range tests {
		t.Run(string(tt.txType), func(t *testing.T) {
			got, err := tt.txType.Direction()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := TransactionType("bonus").Direction()
	assert.ErrorIs(t, err, ErrUnknownTransactionType)
}

func TestTransactionType_Reversal(t *testing.T) {
	for _, info := range Taxonomy() {
		reversal, err := info.Type.Reversal()
		require.NoError(t, err, info.Type)

		d, err := reversal.Direction()
		require.NoError(t, err)
		assert.Equal(t, -info.Direction, d, "%s の取消は反対方向であること", info.Type)
	}
}

func TestParseTransactionType(t *testing.T) {
	tests := []struct {
		input   string
		want    TransactionType
		wantErr bool
	}{
		{"sale", TransactionTypeSale, false},
		{" purchase ", TransactionTypePurchase, false},
		{"sales", TransactionTypeSale, false},
		{"opening-stock", TransactionTypeOpeningStock, false},
		{"stock-adjustment", TransactionTypeStockAdjustmentOut, false},
		{"stock-adjustment-in", TransactionTypeStockAdjustmentIn, false},
		{"waste", TransactionTypeWaste, false},
		{"", "", true},
		{"SALE", "", true},
		{"gift", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTransactionType(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownTransactionType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTypeInfo_JSON(t *testing.T) {
	info, ok := Lookup(TransactionTypeTransferOut)
	require.True(t, ok)

	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "transfer_out",
		"label": "Transfer to Other Store",
		"direction": "decrease",
		"shows_unit_price": false,
		"shows_locations": true,
		"shows_reason": false
	}`, string(data))
}
