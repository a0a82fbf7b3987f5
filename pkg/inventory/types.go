// Package inventory provides the pharmacy stock ledger: typed stock movements,
// expiry and low-stock alert classification, and medicine batch tracking.
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product represents a catalog entry whose on-hand quantity is kept by the ledger
// 台帳が在庫数を管理する商品を表現
type Product struct {
	ID           string          `json:"id" db:"id"`                       // 商品ID
	Name         string          `json:"name" db:"name"`                   // 商品名
	SKU          string          `json:"sku" db:"sku"`                     // SKU（在庫管理単位）
	OnHand       int64           `json:"on_hand" db:"on_hand"`             // 現在庫数
	ReorderLevel int64           `json:"reorder_level" db:"reorder_level"` // 発注点
	CostPrice    decimal.Decimal `json:"cost_price" db:"cost_price"`       // 原価
	SellingPrice decimal.Decimal `json:"selling_price" db:"selling_price"` // 売価
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`       // 作成日時
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`       // 更新日時
}

// StockTransaction is one append-only entry of the movement log
// 追記専用の在庫移動記録
type StockTransaction struct {
	ID           string              `json:"id" db:"id"`                                   // トランザクションID
	ProductID    string              `json:"product_id" db:"product_id"`                   // 商品ID
	Type         TransactionType     `json:"transaction_type" db:"transaction_type"`       // 移動種別
	Quantity     int64               `json:"quantity" db:"quantity"`                       // 数量（常に正）
	UnitPrice    decimal.NullDecimal `json:"unit_price" db:"unit_price"`                   // 単価
	Reason       string              `json:"reason,omitempty" db:"reason"`                 // 理由
	Notes        string              `json:"notes,omitempty" db:"notes"`                   // 備考
	FromLocation string              `json:"from_location,omitempty" db:"from_location"`   // 移動元
	ToLocation   string              `json:"to_location,omitempty" db:"to_location"`       // 移動先
	ReferenceID  string              `json:"reference_id,omitempty" db:"reference_id"`     // 参照番号（伝票番号など）
	ReversalOf   string              `json:"reversal_of,omitempty" db:"reversal_of"`       // 取消対象トランザクション
	BalanceAfter int64               `json:"balance_after" db:"balance_after"`             // 適用後の在庫数
	CreatedAt    time.Time           `json:"created_at" db:"created_at"`                   // 作成日時
	CreatedBy    string              `json:"created_by" db:"created_by"`                   // 作成者
}

// Delta returns the signed effect of the transaction on on-hand quantity
// 在庫数への符号付き影響量
func (t *StockTransaction) Delta() int64 {
	d, err := t.Type.Direction()
	if err != nil {
		return 0
	}
	return int64(d) * t.Quantity
}

// MedicineBatch represents a received lot with its own expiry date
// 有効期限付きの医薬品ロットを表現
type MedicineBatch struct {
	ID                string          `json:"id" db:"id"`                                 // ロットID
	ProductID         string          `json:"product_id" db:"product_id"`                 // 商品ID
	BatchNumber       string          `json:"batch_number" db:"batch_number"`             // ロット番号
	ExpiryDate        time.Time       `json:"expiry_date" db:"expiry_date"`               // 有効期限
	QuantityReceived  int64           `json:"quantity_received" db:"quantity_received"`   // 入荷数量
	QuantityRemaining int64           `json:"quantity_remaining" db:"quantity_remaining"` // 残数量
	PurchasePrice     decimal.Decimal `json:"purchase_price" db:"purchase_price"`         // 仕入単価
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`                 // 作成日時
}

// Movement is a request to apply one typed movement to a product
// 商品に適用する移動リクエスト
type Movement struct {
	ProductID    string              `json:"product_id"`
	Type         TransactionType     `json:"transaction_type"`
	Quantity     int64               `json:"quantity"`
	UnitPrice    decimal.NullDecimal `json:"unit_price"`
	Reason       string              `json:"reason,omitempty"`
	Notes        string              `json:"notes,omitempty"`
	FromLocation string              `json:"from_location,omitempty"`
	ToLocation   string              `json:"to_location,omitempty"`
	ReferenceID  string              `json:"reference_id,omitempty"`
}

// MovementResult is returned for an accepted movement
// 受理された移動の結果
type MovementResult struct {
	Transaction    *StockTransaction `json:"transaction"`
	PreviousOnHand int64             `json:"previous_on_hand"`
	NewOnHand      int64             `json:"new_on_hand"`
}

// BatchResult reports the outcome of applying several movements
// 複数移動の一括適用結果
type BatchResult struct {
	ID           string            `json:"id"`            // バッチID
	Status       BatchStatus       `json:"status"`        // ステータス
	SuccessCount int               `json:"success_count"` // 成功数
	FailureCount int               `json:"failure_count"` // 失敗数
	Results      []MovementResult  `json:"results"`       // 成功した移動
	Errors       []BatchEntryError `json:"errors"`        // エラーリスト
	CreatedAt    time.Time         `json:"created_at"`    // 作成日時
	CompletedAt  *time.Time        `json:"completed_at"`  // 完了日時
}

// BatchStatus defines the status of a batch of movements
// 一括適用のステータスを定義
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"   // 処理中
	BatchStatusCompleted BatchStatus = "completed" // 完了
	BatchStatusPartial   BatchStatus = "partial"   // 一部失敗
	BatchStatusFailed    BatchStatus = "failed"    // 失敗
)

// BatchEntryError represents a failed movement in a batch
// 一括適用で失敗した移動を表現
type BatchEntryError struct {
	Index int    `json:"index"` // 移動インデックス
	Error string `json:"error"` // エラーメッセージ
}

// OpeningStockPolicy controls repeated opening_stock entries for a product
// 期首在庫の重複登録ポリシー
type OpeningStockPolicy string

const (
	// OpeningStockAccumulate adds every opening entry to on-hand
	OpeningStockAccumulate OpeningStockPolicy = "accumulate"
	// OpeningStockOnce rejects a second opening entry for the same product
	OpeningStockOnce OpeningStockPolicy = "once"
)

// IsValid reports whether the policy is known
func (p OpeningStockPolicy) IsValid() bool {
	return p == OpeningStockAccumulate || p == OpeningStockOnce
}

// NewID generates a new entity ID
// 新しいIDを生成
func NewID() string {
	return uuid.New().String()
}
