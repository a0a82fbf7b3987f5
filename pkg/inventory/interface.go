package inventory

import (
	"context"
	"time"
)

// StockLedger defines the core interface of the stock ledger
// 在庫台帳のコアインターフェースを定義
type StockLedger interface {
	// 在庫移動 - Movements
	ApplyMovement(ctx context.Context, mv Movement) (*MovementResult, error)
	Reverse(ctx context.Context, transactionID, reason string) (*MovementResult, error)
	ExecuteBatch(ctx context.Context, movements []Movement) (*BatchResult, error)

	// 商品 - Catalog
	CreateProduct(ctx context.Context, product *Product) error
	GetProduct(ctx context.Context, productID string) (*Product, error)
	ListProducts(ctx context.Context, offset, limit int) ([]Product, error)

	// 履歴管理 - History
	History(ctx context.Context, productID string, limit int) ([]StockTransaction, error)
	HistoryByDateRange(ctx context.Context, productID string, from, to time.Time) ([]StockTransaction, error)
}

// Storage defines the interface for data persistence layer
// データ永続化層のインターフェースを定義
type Storage interface {
	// WithTx runs fn inside one atomic unit. Either every write made through
	// the StorageTx is committed, or none is.
	WithTx(ctx context.Context, fn func(tx StorageTx) error) error

	// Product management
	CreateProduct(ctx context.Context, product *Product) error
	GetProduct(ctx context.Context, productID string) (*Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*Product, error)
	ListProducts(ctx context.Context, offset, limit int) ([]Product, error)
	ListReorderCandidates(ctx context.Context) ([]Product, error)

	// Transaction history
	GetTransaction(ctx context.Context, transactionID string) (*StockTransaction, error)
	ListTransactions(ctx context.Context, productID string, limit int) ([]StockTransaction, error)
	ListTransactionsByDateRange(ctx context.Context, productID string, from, to time.Time) ([]StockTransaction, error)

	// Batch management
	CreateBatch(ctx context.Context, batch *MedicineBatch) error
	GetBatch(ctx context.Context, batchID string) (*MedicineBatch, error)
	ListBatches(ctx context.Context, productID string) ([]MedicineBatch, error)
	ListActiveBatches(ctx context.Context) ([]MedicineBatch, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// StorageTx is the set of operations available inside Storage.WithTx.
// GetProductForUpdate holds the product row until the unit ends.
// トランザクション内で利用できる操作
type StorageTx interface {
	GetProductForUpdate(ctx context.Context, productID string) (*Product, error)
	UpdateProductQuantity(ctx context.Context, productID string, oldOnHand, newOnHand int64) error
	InsertStockTransaction(ctx context.Context, record *StockTransaction) error
	GetTransaction(ctx context.Context, transactionID string) (*StockTransaction, error)
	CountTransactions(ctx context.Context, productID string, transactionType TransactionType) (int64, error)
	HasReversal(ctx context.Context, transactionID string) (bool, error)
}

// EventPublisher defines interface for publishing ledger events
// 台帳イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishStockChanged(ctx context.Context, event StockChangedEvent) error
	PublishLowStock(ctx context.Context, event LowStockEvent) error
}

// Events for ledger operations
// 台帳操作のイベント定義

// StockChangedEvent represents an applied movement
// 在庫数変更イベントを表現
type StockChangedEvent struct {
	ProductID       string          `json:"product_id"`
	TransactionID   string          `json:"transaction_id"`
	TransactionType TransactionType `json:"transaction_type"`
	Quantity        int64           `json:"quantity"`
	OldOnHand       int64           `json:"old_on_hand"`
	NewOnHand       int64           `json:"new_on_hand"`
	ReversalOf      string          `json:"reversal_of,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	UserID          string          `json:"user_id"`
}

// LowStockEvent is published when a decrease leaves a product at an alert level
// 低在庫イベントを表現
type LowStockEvent struct {
	ProductID       string        `json:"product_id"`
	SKU             string        `json:"sku"`
	OnHand          int64         `json:"on_hand"`
	ReorderLevel    int64         `json:"reorder_level"`
	StockPercentage float64       `json:"stock_percentage"`
	Level           LowStockLevel `json:"level"`
	Timestamp       time.Time     `json:"timestamp"`
}
