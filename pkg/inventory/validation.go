package inventory

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	maxQuantity   = 999999999
	maxTextLength = 500
)

var (
	skuPattern   = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	batchPattern = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)
	maxPrice     = decimal.RequireFromString("9999999999.99")
)

// ValidateQuantity 移動数量をバリデーション
func ValidateQuantity(quantity int64) error {
	if quantity <= 0 {
		return NewInvalidQuantityError(quantity)
	}
	if quantity > maxQuantity {
		err := NewInvalidQuantityError(quantity)
		err.Message = "数量が有効範囲を超えています"
		return err
	}
	return nil
}

// ValidateProductID 商品IDをバリデーション
func ValidateProductID(productID string) error {
	if strings.TrimSpace(productID) == "" {
		return NewValidationError("product_id", "商品IDが指定されていません", productID)
	}
	if len(productID) > 255 {
		return NewValidationError("product_id", "商品IDが長すぎます", productID)
	}
	return nil
}

// ValidateProductName 商品名をバリデーション
func ValidateProductName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("name", "商品名が空です", name)
	}
	if len(name) > maxTextLength {
		return NewValidationError("name", "商品名が長すぎます", name)
	}
	return nil
}

// ValidateSKU SKUの形式をバリデーション
func ValidateSKU(sku string) error {
	if sku == "" {
		return NewValidationError("sku", "SKUが空です", sku)
	}
	if len(sku) > 100 {
		return NewValidationError("sku", "SKUが長すぎます", sku)
	}
	// 英数字、ハイフン、アンダースコア、ドットのみ許可
	if !skuPattern.MatchString(sku) {
		return NewValidationError("sku", "SKUに無効な文字が含まれています", sku)
	}
	return nil
}

// ValidatePrice 価格をバリデーション
func ValidatePrice(field string, price decimal.Decimal) error {
	if price.IsNegative() {
		return NewValidationError(field, "価格は0以上である必要があります", price.String())
	}
	if price.GreaterThan(maxPrice) {
		return NewValidationError(field, "価格が有効範囲を超えています", price.String())
	}
	return nil
}

// ValidateReorderLevel 発注点をバリデーション
func ValidateReorderLevel(level int64) error {
	if level < 0 {
		return NewValidationError("reorder_level", "発注点は0以上である必要があります", fmt.Sprintf("%d", level))
	}
	if level > maxQuantity {
		return NewValidationError("reorder_level", "発注点が有効範囲を超えています", fmt.Sprintf("%d", level))
	}
	return nil
}

// ValidateText 任意テキスト項目の長さをバリデーション
func ValidateText(field, value string) error {
	if len(value) > maxTextLength {
		return NewValidationError(field, "入力値が長すぎます", value[:32]+"...")
	}
	return nil
}

// ValidateBatchNumber ロット番号の形式をバリデーション
func ValidateBatchNumber(batchNumber string) error {
	if batchNumber == "" {
		return NewValidationError("batch_number", "ロット番号が空です", batchNumber)
	}
	if len(batchNumber) > 100 {
		return NewValidationError("batch_number", "ロット番号が長すぎます", batchNumber)
	}
	if !batchPattern.MatchString(batchNumber) {
		return NewValidationError("batch_number", "ロット番号に無効な文字が含まれています", batchNumber)
	}
	return nil
}

// ValidateProduct 商品全体をバリデーション
func ValidateProduct(product *Product) error {
	if product == nil {
		return NewValidationError("product", "商品が指定されていません", "nil")
	}

	if err := ValidateProductName(product.Name); err != nil {
		return err
	}
	if err := ValidateSKU(product.SKU); err != nil {
		return err
	}
	if err := ValidateReorderLevel(product.ReorderLevel); err != nil {
		return err
	}
	if err := ValidatePrice("cost_price", product.CostPrice); err != nil {
		return err
	}
	if err := ValidatePrice("selling_price", product.SellingPrice); err != nil {
		return err
	}
	// 在庫数は移動の適用でのみ変更する
	if product.OnHand != 0 {
		return NewValidationError("on_hand", "初期在庫は期首在庫の移動で登録してください", fmt.Sprintf("%d", product.OnHand))
	}

	return nil
}

// ValidateMovement 移動リクエストをバリデーション
//
// 数量は種別より先に検証する。
func ValidateMovement(mv Movement) error {
	if err := ValidateQuantity(mv.Quantity); err != nil {
		return err
	}
	if !mv.Type.IsValid() {
		return NewUnknownTransactionTypeError(string(mv.Type))
	}
	if err := ValidateProductID(mv.ProductID); err != nil {
		return err
	}
	if mv.UnitPrice.Valid {
		if err := ValidatePrice("unit_price", mv.UnitPrice.Decimal); err != nil {
			return err
		}
	}

	texts := []struct{ field, value string }{
		{"reason", mv.Reason},
		{"notes", mv.Notes},
		{"from_location", mv.FromLocation},
		{"to_location", mv.ToLocation},
		{"reference_id", mv.ReferenceID},
	}
	for _, t := range texts {
		if err := ValidateText(t.field, t.value); err != nil {
			return err
		}
	}

	return nil
}

// ValidateBatch ロット全体をバリデーション
func ValidateBatch(batch *MedicineBatch) error {
	if batch == nil {
		return NewValidationError("batch", "ロットが指定されていません", "nil")
	}

	if err := ValidateProductID(batch.ProductID); err != nil {
		return err
	}
	if err := ValidateBatchNumber(batch.BatchNumber); err != nil {
		return err
	}
	if batch.QuantityReceived <= 0 || batch.QuantityReceived > maxQuantity {
		return NewValidationError("quantity_received", "入荷数量は正の値である必要があります", fmt.Sprintf("%d", batch.QuantityReceived))
	}
	if batch.ExpiryDate.IsZero() {
		return NewValidationError("expiry_date", "有効期限が指定されていません", "")
	}
	if err := ValidatePrice("purchase_price", batch.PurchasePrice); err != nil {
		return err
	}

	return nil
}

// ValidateDateRange 日付範囲をバリデーション
func ValidateDateRange(from, to time.Time) error {
	if from.After(to) {
		return NewValidationError("date_range", "開始日が終了日より後になっています",
			fmt.Sprintf("%s > %s", from.Format("2006-01-02"), to.Format("2006-01-02")))
	}
	return nil
}
