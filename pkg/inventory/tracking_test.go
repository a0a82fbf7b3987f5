package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBatchTracker_RegisterBatch(t *testing.T) {
	storage := new(MockStorage)
	tracker := NewBatchTracker(storage, zap.NewNop())

	storage.On("GetProduct", mock.Anything, "p1").Return(&Product{ID: "p1"}, nil)
	storage.On("GetProduct", mock.Anything, "missing").Return(nil, ErrProductNotFound)
	storage.On("CreateBatch", mock.Anything, mock.MatchedBy(func(b *MedicineBatch) bool {
		return b.QuantityRemaining == b.QuantityReceived
	})).Return(nil)

	batch := &MedicineBatch{
		ProductID:        "p1",
		BatchNumber:      "LOT-2026-001",
		ExpiryDate:       time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC),
		QuantityReceived: 200,
		PurchasePrice:    decimal.RequireFromString("8.75"),
	}
	require.NoError(t, tracker.RegisterBatch(context.Background(), batch))
	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, int64(200), batch.QuantityRemaining)

	t.Run("商品が存在しない", func(t *testing.T) {
		err := tracker.RegisterBatch(context.Background(), &MedicineBatch{
			ProductID:        "missing",
			BatchNumber:      "LOT-1",
			ExpiryDate:       time.Now().AddDate(1, 0, 0),
			QuantityReceived: 1,
		})
		assert.ErrorIs(t, err, ErrProductNotFound)
	})

	t.Run("入力が無効", func(t *testing.T) {
		tests := []struct {
			name  string
			batch *MedicineBatch
		}{
			{"nil", nil},
			{"ロット番号なし", &MedicineBatch{ProductID: "p1", ExpiryDate: time.Now(), QuantityReceived: 1}},
			{"ロット番号に空白", &MedicineBatch{ProductID: "p1", BatchNumber: "LOT 1", ExpiryDate: time.Now(), QuantityReceived: 1}},
			{"数量0", &MedicineBatch{ProductID: "p1", BatchNumber: "LOT-1", ExpiryDate: time.Now()}},
			{"有効期限なし", &MedicineBatch{ProductID: "p1", BatchNumber: "LOT-1", QuantityReceived: 1}},
			{"負の仕入単価", &MedicineBatch{ProductID: "p1", BatchNumber: "LOT-1", ExpiryDate: time.Now(), QuantityReceived: 1, PurchasePrice: decimal.NewFromInt(-1)}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := tracker.RegisterBatch(context.Background(), tt.batch)
				var validationErr *ValidationError
				assert.True(t, errors.As(err, &validationErr))
			})
		}
	})
}

func TestStockValue(t *testing.T) {
	batches := []MedicineBatch{
		{QuantityRemaining: 10, PurchasePrice: decimal.RequireFromString("1.25")},
		{QuantityRemaining: 3, PurchasePrice: decimal.RequireFromString("0.10")},
		{QuantityRemaining: 0, PurchasePrice: decimal.RequireFromString("99")},
	}

	assert.True(t, decimal.RequireFromString("12.80").Equal(StockValue(batches)))
	assert.True(t, decimal.Zero.Equal(StockValue(nil)))
}

func TestValidateMovement_Texts(t *testing.T) {
	long := make([]byte, 501)
	for i := range long {
		long[i] = 'x'
	}

	err := ValidateMovement(Movement{
		ProductID:  "p1",
		Type:       TransactionTypeTransferOut,
		Quantity:   1,
		ToLocation: string(long),
	})

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "to_location", validationErr.Field)

	err = ValidateMovement(Movement{
		ProductID: "p1",
		Type:      TransactionTypePurchase,
		Quantity:  1,
		UnitPrice: decimal.NewNullDecimal(decimal.NewFromInt(-5)),
	})
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "unit_price", validationErr.Field)
}

func TestErrorClassification(t *testing.T) {
	assert.ErrorIs(t, NewInvalidQuantityError(0), ErrInvalidQuantity)
	assert.ErrorIs(t, NewUnknownTransactionTypeError("x"), ErrUnknownTransactionType)
	assert.ErrorIs(t, &InsufficientStockError{OnHand: 1, Requested: 2}, ErrInsufficientStock)
	assert.ErrorIs(t, NewStorageError("op", "失敗", errors.New("io")), ErrPersistenceFailure)
	assert.ErrorIs(t, NewConcurrencyError("op", "p1", "競合"), ErrConcurrentUpdate)

	// 台帳エラーはそのまま返す
	assert.Equal(t, ErrProductNotFound, wrapStorageError("op", "失敗", ErrProductNotFound))
	assert.Nil(t, wrapStorageError("op", "失敗", nil))

	wrapped := wrapStorageError("op", "失敗", errors.New("driver: bad connection"))
	var storageErr *StorageError
	require.True(t, errors.As(wrapped, &storageErr))
	assert.Equal(t, "op", storageErr.Operation)
}
