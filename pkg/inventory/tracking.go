package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BatchTracker handles medicine batch registration and lookup.
// Batches are tracked separately from the product's on-hand total.
// 医薬品ロットの登録と照会を処理
type BatchTracker struct {
	storage Storage
	logger  *zap.Logger
}

// NewBatchTracker creates a new batch tracker
// 新しいロットトラッカーを作成
func NewBatchTracker(storage Storage, logger *zap.Logger) *BatchTracker {
	return &BatchTracker{
		storage: storage,
		logger:  logger,
	}
}

// RegisterBatch records a newly received batch
// 入荷ロットを登録
func (bt *BatchTracker) RegisterBatch(ctx context.Context, batch *MedicineBatch) error {
	if err := ValidateBatch(batch); err != nil {
		return err
	}

	// 商品の存在確認
	if _, err := bt.storage.GetProduct(ctx, batch.ProductID); err != nil {
		return wrapStorageError("get_product", "商品取得に失敗しました", err)
	}

	if batch.ID == "" {
		batch.ID = NewID()
	}
	batch.QuantityRemaining = batch.QuantityReceived
	batch.CreatedAt = time.Now()

	if err := bt.storage.CreateBatch(ctx, batch); err != nil {
		return wrapStorageError("create_batch", "ロット作成に失敗しました", err)
	}

	bt.logger.Info("ロット登録完了",
		zap.String("batch_id", batch.ID),
		zap.String("batch_number", batch.BatchNumber),
		zap.String("product_id", batch.ProductID),
		zap.Int64("quantity", batch.QuantityReceived),
		zap.Time("expiry_date", batch.ExpiryDate),
	)

	return nil
}

// GetBatch retrieves a specific batch by ID
// IDで特定のロットを取得
func (bt *BatchTracker) GetBatch(ctx context.Context, batchID string) (*MedicineBatch, error) {
	if batchID == "" {
		return nil, NewValidationError("batch_id", "ロットIDが指定されていません", "")
	}

	batch, err := bt.storage.GetBatch(ctx, batchID)
	if err != nil {
		return nil, wrapStorageError("get_batch", "ロット取得に失敗しました", err)
	}

	return batch, nil
}

// ListBatches retrieves all batches of a product
// 指定商品のすべてのロットを取得
func (bt *BatchTracker) ListBatches(ctx context.Context, productID string) ([]MedicineBatch, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}

	if _, err := bt.storage.GetProduct(ctx, productID); err != nil {
		return nil, wrapStorageError("get_product", "商品取得に失敗しました", err)
	}

	batches, err := bt.storage.ListBatches(ctx, productID)
	if err != nil {
		return nil, wrapStorageError("list_batches", "商品ロット取得に失敗しました", err)
	}

	return batches, nil
}

// StockValue sums remaining quantity times purchase price
// 残数量×仕入単価の合計
func StockValue(batches []MedicineBatch) decimal.Decimal {
	total := decimal.Zero
	for _, b := range batches {
		if b.QuantityRemaining <= 0 {
			continue
		}
		total = total.Add(b.PurchasePrice.Mul(decimal.NewFromInt(b.QuantityRemaining)))
	}
	return total
}
