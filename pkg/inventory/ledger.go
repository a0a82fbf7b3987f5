package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Ledger implements the StockLedger interface
// StockLedgerインターフェースの実装
type Ledger struct {
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	metrics   *Metrics       // メトリクス
	config    *Config        // 設定
}

var _ StockLedger = (*Ledger)(nil)

// Config holds configuration for the ledger
// 台帳の設定を保持
type Config struct {
	OpeningStockPolicy  OpeningStockPolicy `yaml:"opening_stock_policy"`  // 期首在庫の重複ポリシー
	LowStockEvents      bool               `yaml:"low_stock_events"`      // 低在庫イベント発行
	DefaultHistoryLimit int                `yaml:"default_history_limit"` // 履歴取得の既定件数
}

// DefaultConfig returns the default ledger configuration
// 既定の台帳設定
func DefaultConfig() *Config {
	return &Config{
		OpeningStockPolicy:  OpeningStockAccumulate,
		LowStockEvents:      true,
		DefaultHistoryLimit: 100,
	}
}

// NewLedger creates a new stock ledger
// 新しい在庫台帳を作成
func NewLedger(storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config) *Ledger {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.OpeningStockPolicy.IsValid() {
		config.OpeningStockPolicy = OpeningStockAccumulate
	}
	if config.DefaultHistoryLimit <= 0 {
		config.DefaultHistoryLimit = 100
	}

	return &Ledger{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
	}
}

// WithMetrics attaches movement metrics
func (l *Ledger) WithMetrics(m *Metrics) *Ledger {
	l.metrics = m
	return l
}

// Apply computes the on-hand quantity after one movement.
// Quantity is checked before the type; a result below zero is rejected.
// 移動適用後の在庫数を算出
func Apply(onHand int64, transactionType TransactionType, quantity int64) (int64, error) {
	if err := ValidateQuantity(quantity); err != nil {
		return onHand, err
	}

	direction, err := transactionType.Direction()
	if err != nil {
		return onHand, err
	}

	if direction == DirectionIncrease && onHand > math.MaxInt64-quantity {
		err := NewInvalidQuantityError(quantity)
		err.Message = "在庫数が上限を超えます"
		return onHand, err
	}

	newQuantity := onHand + int64(direction)*quantity
	if newQuantity < 0 {
		return onHand, &InsufficientStockError{OnHand: onHand, Requested: quantity}
	}

	return newQuantity, nil
}

// applied carries what a committed movement changed
type applied struct {
	product *Product
	record  *StockTransaction
	oldQty  int64
}

// ApplyMovement applies one typed movement atomically.
// The product row stays locked from read until the new quantity and the
// transaction record are written together.
// 移動をアトミックに適用
func (l *Ledger) ApplyMovement(ctx context.Context, mv Movement) (*MovementResult, error) {
	start := time.Now()

	if err := ValidateMovement(mv); err != nil {
		l.metrics.observeMovement(mv.Type, resultRejected, time.Since(start))
		return nil, err
	}

	var result *applied
	err := l.storage.WithTx(ctx, func(tx StorageTx) error {
		var err error
		result, err = l.applyInTx(ctx, tx, mv, "")
		return err
	})
	if err != nil {
		err = wrapStorageError("apply_movement", "在庫移動の保存に失敗しました", err)
		l.metrics.observeMovement(mv.Type, outcomeOf(err), time.Since(start))
		l.logRejection(mv, err)
		return nil, err
	}

	l.metrics.observeMovement(mv.Type, resultApplied, time.Since(start))
	l.afterCommit(ctx, result)

	l.logger.Info("在庫移動完了",
		zap.String("transaction_id", result.record.ID),
		zap.String("product_id", mv.ProductID),
		zap.String("transaction_type", string(mv.Type)),
		zap.Int64("quantity", mv.Quantity),
		zap.Int64("old_on_hand", result.oldQty),
		zap.Int64("new_on_hand", result.record.BalanceAfter),
	)

	return result.toMovementResult(), nil
}

// Reverse appends the offsetting entry for a recorded transaction.
// The original entry is left untouched.
// 記録済みトランザクションの取消仕訳を追加
func (l *Ledger) Reverse(ctx context.Context, transactionID, reason string) (*MovementResult, error) {
	start := time.Now()

	if transactionID == "" {
		return nil, NewValidationError("transaction_id", "トランザクションIDが指定されていません", "")
	}
	if err := ValidateText("reason", reason); err != nil {
		return nil, err
	}

	var result *applied
	var reversalType TransactionType
	err := l.storage.WithTx(ctx, func(tx StorageTx) error {
		original, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if original.ReversalOf != "" {
			return NewBusinessRuleError("reversal", ErrNotReversible.Error(), original.ID, ErrNotReversible)
		}

		reversed, err := tx.HasReversal(ctx, original.ID)
		if err != nil {
			return err
		}
		if reversed {
			return ErrAlreadyReversed
		}

		reversalType, err = original.Type.Reversal()
		if err != nil {
			return err
		}
		if reason == "" {
			reason = fmt.Sprintf("取消: %s", original.ID)
		}

		mv := Movement{
			ProductID:    original.ProductID,
			Type:         reversalType,
			Quantity:     original.Quantity,
			UnitPrice:    original.UnitPrice,
			Reason:       reason,
			FromLocation: original.ToLocation,
			ToLocation:   original.FromLocation,
			ReferenceID:  original.ReferenceID,
		}
		result, err = l.applyInTx(ctx, tx, mv, original.ID)
		return err
	})
	if err != nil {
		err = wrapStorageError("reverse", "取消仕訳の保存に失敗しました", err)
		l.metrics.observeMovement(reversalType, outcomeOf(err), time.Since(start))
		l.logger.Warn("取消仕訳が拒否されました",
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
		return nil, err
	}

	l.metrics.observeMovement(reversalType, resultApplied, time.Since(start))
	l.afterCommit(ctx, result)

	l.logger.Info("取消仕訳完了",
		zap.String("transaction_id", result.record.ID),
		zap.String("reversal_of", transactionID),
		zap.String("transaction_type", string(reversalType)),
		zap.Int64("new_on_hand", result.record.BalanceAfter),
	)

	return result.toMovementResult(), nil
}

// applyInTx runs the check-then-write of one movement inside an open unit
func (l *Ledger) applyInTx(ctx context.Context, tx StorageTx, mv Movement, reversalOf string) (*applied, error) {
	product, err := tx.GetProductForUpdate(ctx, mv.ProductID)
	if err != nil {
		return nil, err
	}

	if mv.Type == TransactionTypeOpeningStock && l.config.OpeningStockPolicy == OpeningStockOnce {
		count, err := tx.CountTransactions(ctx, product.ID, TransactionTypeOpeningStock)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, NewBusinessRuleError("opening_stock_once", ErrDuplicateOpeningStock.Error(),
				fmt.Sprintf("商品ID: %s", product.ID), ErrDuplicateOpeningStock)
		}
	}

	newQuantity, err := Apply(product.OnHand, mv.Type, mv.Quantity)
	if err != nil {
		var insufficient *InsufficientStockError
		if errors.As(err, &insufficient) {
			insufficient.ProductID = product.ID
		}
		return nil, err
	}

	record := &StockTransaction{
		ID:           NewID(),
		ProductID:    product.ID,
		Type:         mv.Type,
		Quantity:     mv.Quantity,
		UnitPrice:    mv.UnitPrice,
		Reason:       mv.Reason,
		Notes:        mv.Notes,
		FromLocation: mv.FromLocation,
		ToLocation:   mv.ToLocation,
		ReferenceID:  mv.ReferenceID,
		ReversalOf:   reversalOf,
		BalanceAfter: newQuantity,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    ActorFromContext(ctx),
	}

	if err := tx.UpdateProductQuantity(ctx, product.ID, product.OnHand, newQuantity); err != nil {
		return nil, err
	}
	if err := tx.InsertStockTransaction(ctx, record); err != nil {
		return nil, err
	}

	return &applied{product: product, record: record, oldQty: product.OnHand}, nil
}

// afterCommit publishes events for a committed movement. Failures are only logged.
func (l *Ledger) afterCommit(ctx context.Context, a *applied) {
	if l.publisher == nil {
		return
	}

	event := StockChangedEvent{
		ProductID:       a.product.ID,
		TransactionID:   a.record.ID,
		TransactionType: a.record.Type,
		Quantity:        a.record.Quantity,
		OldOnHand:       a.oldQty,
		NewOnHand:       a.record.BalanceAfter,
		ReversalOf:      a.record.ReversalOf,
		Timestamp:       a.record.CreatedAt,
		UserID:          a.record.CreatedBy,
	}
	if err := l.publisher.PublishStockChanged(ctx, event); err != nil {
		l.logger.Error("イベント発行に失敗しました", zap.String("transaction_id", a.record.ID), zap.Error(err))
	}

	if !l.config.LowStockEvents || a.record.Delta() >= 0 {
		return
	}

	// 低在庫アラートチェック
	level := ClassifyLowStock(a.record.BalanceAfter, a.product.ReorderLevel)
	if level == LowStockLevelNone || level == LowStockLevelNotApplicable {
		return
	}
	pct, _ := StockPercentage(a.record.BalanceAfter, a.product.ReorderLevel)
	lowStock := LowStockEvent{
		ProductID:       a.product.ID,
		SKU:             a.product.SKU,
		OnHand:          a.record.BalanceAfter,
		ReorderLevel:    a.product.ReorderLevel,
		StockPercentage: pct,
		Level:           level,
		Timestamp:       a.record.CreatedAt,
	}
	if err := l.publisher.PublishLowStock(ctx, lowStock); err != nil {
		l.logger.Error("低在庫イベント発行に失敗しました", zap.String("product_id", a.product.ID), zap.Error(err))
	}
}

func (l *Ledger) logRejection(mv Movement, err error) {
	fields := []zap.Field{
		zap.String("product_id", mv.ProductID),
		zap.String("transaction_type", string(mv.Type)),
		zap.Int64("quantity", mv.Quantity),
		zap.Error(err),
	}
	if errors.Is(err, ErrPersistenceFailure) {
		l.logger.Error("在庫移動の保存に失敗しました", fields...)
		return
	}
	l.logger.Warn("在庫移動が拒否されました", fields...)
}

func (a *applied) toMovementResult() *MovementResult {
	return &MovementResult{
		Transaction:    a.record,
		PreviousOnHand: a.oldQty,
		NewOnHand:      a.record.BalanceAfter,
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrPersistenceFailure) {
		return resultFailed
	}
	return resultRejected
}

// ExecuteBatch applies each movement on its own; one failure does not stop the rest
// 複数の移動を個別に適用
func (l *Ledger) ExecuteBatch(ctx context.Context, movements []Movement) (*BatchResult, error) {
	if len(movements) == 0 {
		return nil, NewValidationError("movements", "移動が指定されていません", "")
	}

	batch := &BatchResult{
		ID:        NewID(),
		Status:    BatchStatusPending,
		CreatedAt: time.Now(),
		Results:   make([]MovementResult, 0, len(movements)),
		Errors:    make([]BatchEntryError, 0),
	}

	for i, mv := range movements {
		result, err := l.ApplyMovement(ctx, mv)
		if err != nil {
			batch.Errors = append(batch.Errors, BatchEntryError{
				Index: i,
				Error: err.Error(),
			})
			batch.FailureCount++
			continue
		}
		batch.Results = append(batch.Results, *result)
		batch.SuccessCount++
	}

	now := time.Now()
	batch.CompletedAt = &now

	switch {
	case batch.FailureCount == 0:
		batch.Status = BatchStatusCompleted
	case batch.SuccessCount == 0:
		batch.Status = BatchStatusFailed
	default:
		batch.Status = BatchStatusPartial
	}

	l.logger.Info("一括移動完了",
		zap.String("batch_id", batch.ID),
		zap.String("status", string(batch.Status)),
		zap.Int("success_count", batch.SuccessCount),
		zap.Int("failure_count", batch.FailureCount),
	)

	return batch, nil
}

// CreateProduct registers a catalog entry with zero on-hand
// 在庫数0で商品を登録
func (l *Ledger) CreateProduct(ctx context.Context, product *Product) error {
	if err := ValidateProduct(product); err != nil {
		return err
	}

	if product.ID == "" {
		product.ID = NewID()
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	if err := l.storage.CreateProduct(ctx, product); err != nil {
		return wrapStorageError("create_product", "商品作成に失敗しました", err)
	}

	l.logger.Info("商品登録完了",
		zap.String("product_id", product.ID),
		zap.String("sku", product.SKU),
		zap.Int64("reorder_level", product.ReorderLevel),
	)

	return nil
}

// GetProduct gets a product with its current on-hand quantity
// 商品と現在庫数を取得
func (l *Ledger) GetProduct(ctx context.Context, productID string) (*Product, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	product, err := l.storage.GetProduct(ctx, productID)
	if err != nil {
		return nil, wrapStorageError("get_product", "商品取得に失敗しました", err)
	}
	return product, nil
}

// ListProducts lists products ordered by name
// 商品一覧を取得
func (l *Ledger) ListProducts(ctx context.Context, offset, limit int) ([]Product, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = l.config.DefaultHistoryLimit
	}
	products, err := l.storage.ListProducts(ctx, offset, limit)
	if err != nil {
		return nil, wrapStorageError("list_products", "商品一覧取得に失敗しました", err)
	}
	return products, nil
}

// History gets the latest transactions of a product, newest first
// 商品の移動履歴を取得
func (l *Ledger) History(ctx context.Context, productID string, limit int) ([]StockTransaction, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = l.config.DefaultHistoryLimit
	}

	// 商品の存在確認
	if _, err := l.storage.GetProduct(ctx, productID); err != nil {
		return nil, wrapStorageError("get_product", "商品取得に失敗しました", err)
	}

	transactions, err := l.storage.ListTransactions(ctx, productID, limit)
	if err != nil {
		l.logger.Error("移動履歴取得に失敗しました", zap.String("product_id", productID), zap.Error(err))
		return nil, wrapStorageError("list_transactions", "移動履歴取得に失敗しました", err)
	}

	return transactions, nil
}

// HistoryByDateRange gets transactions of a product created within [from, to]
// 日付範囲で移動履歴を取得
func (l *Ledger) HistoryByDateRange(ctx context.Context, productID string, from, to time.Time) ([]StockTransaction, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if err := ValidateDateRange(from, to); err != nil {
		return nil, err
	}

	if _, err := l.storage.GetProduct(ctx, productID); err != nil {
		return nil, wrapStorageError("get_product", "商品取得に失敗しました", err)
	}

	transactions, err := l.storage.ListTransactionsByDateRange(ctx, productID, from, to)
	if err != nil {
		l.logger.Error("日付範囲履歴取得に失敗しました", zap.String("product_id", productID), zap.Error(err))
		return nil, wrapStorageError("list_transactions_by_date_range", "日付範囲履歴取得に失敗しました", err)
	}

	l.logger.Info("日付範囲履歴取得完了",
		zap.String("product_id", productID),
		zap.String("from", from.Format("2006-01-02")),
		zap.String("to", to.Format("2006-01-02")),
		zap.Int("count", len(transactions)),
	)

	return transactions, nil
}

type actorKey struct{}

// WithActor returns a context carrying the user recorded as created_by
// 作成者を保持するコンテキストを返す
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext extracts the actor, defaulting to "system"
// コンテキストから作成者を取得
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}
