package inventory

import (
	"strings"
)

// TransactionType identifies a kind of stock movement
// 在庫移動の種別
type TransactionType string

const (
	// 入庫系
	TransactionTypePurchase          TransactionType = "purchase"            // 仕入
	TransactionTypeSalesReturn       TransactionType = "sales_return"        // 売上返品
	TransactionTypeOpeningStock      TransactionType = "opening_stock"       // 期首在庫
	TransactionTypeTransferIn        TransactionType = "transfer_in"         // 他店からの移動入庫
	TransactionTypeStockAdjustmentIn TransactionType = "stock_adjustment_in" // 在庫調整（増）
	TransactionTypeMiscReceive       TransactionType = "misc_receive"        // その他入庫

	// 出庫系
	TransactionTypeSale               TransactionType = "sale"                 // 販売
	TransactionTypeSupplierReturn     TransactionType = "supplier_return"      // 仕入先返品
	TransactionTypeProductionOut      TransactionType = "production_out"       // 製造払出
	TransactionTypePurchaseReturn     TransactionType = "purchase_return"      // 仕入返品
	TransactionTypeStockAdjustmentOut TransactionType = "stock_adjustment_out" // 在庫調整（減）
	TransactionTypeTransferOut        TransactionType = "transfer_out"         // 他店への移動出庫
	TransactionTypeMiscIssue          TransactionType = "misc_issue"           // その他出庫
	TransactionTypeWaste              TransactionType = "waste"                // 廃棄
)

// Direction is the sign a transaction type applies to on-hand quantity
// 在庫数量への作用方向
type Direction int

const (
	DirectionIncrease Direction = 1
	DirectionDecrease Direction = -1
)

func (d Direction) String() string {
	switch d {
	case DirectionIncrease:
		return "increase"
	case DirectionDecrease:
		return "decrease"
	default:
		return "unknown"
	}
}

// MarshalText encodes the direction as "increase" or "decrease"
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TypeInfo describes one movement type: its label, direction and the optional
// fields a movement form should collect for it.
// 移動種別のメタデータ（表示名・方向・入力項目）
type TypeInfo struct {
	Type           TransactionType `json:"type"`
	Label          string          `json:"label"`
	Direction      Direction       `json:"direction"`
	ShowsUnitPrice bool            `json:"shows_unit_price"`
	ShowsLocations bool            `json:"shows_locations"`
	ShowsReason    bool            `json:"shows_reason"`
}

// taxonomy is the only place movement directions are defined.
var taxonomy = []TypeInfo{
	{Type: TransactionTypePurchase, Label: "Purchase", Direction: DirectionIncrease, ShowsUnitPrice: true},
	{Type: TransactionTypeSalesReturn, Label: "Sales Return", Direction: DirectionIncrease, ShowsReason: true},
	{Type: TransactionTypeOpeningStock, Label: "Opening Stock", Direction: DirectionIncrease, ShowsUnitPrice: true},
	{Type: TransactionTypeTransferIn, Label: "Transfer from Other Store", Direction: DirectionIncrease, ShowsLocations: true},
	{Type: TransactionTypeStockAdjustmentIn, Label: "Stock Adjustment (In)", Direction: DirectionIncrease, ShowsReason: true},
	{Type: TransactionTypeMiscReceive, Label: "Misc/Others Receive", Direction: DirectionIncrease},

	{Type: TransactionTypeSale, Label: "Sales", Direction: DirectionDecrease, ShowsUnitPrice: true},
	{Type: TransactionTypeSupplierReturn, Label: "Supplier Return", Direction: DirectionDecrease, ShowsReason: true},
	{Type: TransactionTypeProductionOut, Label: "Production Out/Consume", Direction: DirectionDecrease},
	{Type: TransactionTypePurchaseReturn, Label: "Purchase Return", Direction: DirectionDecrease, ShowsReason: true},
	{Type: TransactionTypeStockAdjustmentOut, Label: "Stock Adjustment (Out)", Direction: DirectionDecrease, ShowsReason: true},
	{Type: TransactionTypeTransferOut, Label: "Transfer to Other Store", Direction: DirectionDecrease, ShowsLocations: true},
	{Type: TransactionTypeMiscIssue, Label: "Misc/Others Issue", Direction: DirectionDecrease},
	{Type: TransactionTypeWaste, Label: "Waste", Direction: DirectionDecrease, ShowsReason: true},
}

var taxonomyIndex = func() map[TransactionType]TypeInfo {
	index := make(map[TransactionType]TypeInfo, len(taxonomy))
	for _, info := range taxonomy {
		if _, exists := index[info.Type]; exists {
			panic("inventory: 移動種別が重複しています: " + string(info.Type))
		}
		index[info.Type] = info
	}
	return index
}()

// legacyTypeIDs maps identifiers still sent by older movement forms.
// 旧フォームが送信する種別ID
var legacyTypeIDs = map[string]TransactionType{
	"sales":                TransactionTypeSale,
	"sales-return":         TransactionTypeSalesReturn,
	"opening-stock":        TransactionTypeOpeningStock,
	"transfer-in":          TransactionTypeTransferIn,
	"stock-adjustment-in":  TransactionTypeStockAdjustmentIn,
	"misc-receive":         TransactionTypeMiscReceive,
	"supplier-return":      TransactionTypeSupplierReturn,
	"production-out":       TransactionTypeProductionOut,
	"purchase-return":      TransactionTypePurchaseReturn,
	"stock-adjustment":     TransactionTypeStockAdjustmentOut, // 出庫フォームの調整
	"stock-adjustment-out": TransactionTypeStockAdjustmentOut,
	"transfer-out":         TransactionTypeTransferOut,
	"misc-issue":           TransactionTypeMiscIssue,
}

// reversalTypes gives the movement type that offsets each type.
// 取消仕訳に使用する反対方向の種別
var reversalTypes = map[TransactionType]TransactionType{
	TransactionTypePurchase:           TransactionTypePurchaseReturn,
	TransactionTypePurchaseReturn:     TransactionTypePurchase,
	TransactionTypeSale:               TransactionTypeSalesReturn,
	TransactionTypeSalesReturn:        TransactionTypeSale,
	TransactionTypeTransferIn:         TransactionTypeTransferOut,
	TransactionTypeTransferOut:        TransactionTypeTransferIn,
	TransactionTypeStockAdjustmentIn:  TransactionTypeStockAdjustmentOut,
	TransactionTypeStockAdjustmentOut: TransactionTypeStockAdjustmentIn,
	TransactionTypeMiscReceive:        TransactionTypeMiscIssue,
	TransactionTypeMiscIssue:          TransactionTypeMiscReceive,
	TransactionTypeOpeningStock:       TransactionTypeStockAdjustmentOut,
	TransactionTypeSupplierReturn:     TransactionTypeStockAdjustmentIn,
	TransactionTypeProductionOut:      TransactionTypeStockAdjustmentIn,
	TransactionTypeWaste:              TransactionTypeStockAdjustmentIn,
}

// Lookup returns the taxonomy entry for a transaction type
// 移動種別のメタデータを取得
func Lookup(t TransactionType) (TypeInfo, bool) {
	info, ok := taxonomyIndex[t]
	return info, ok
}

// Taxonomy returns every movement type in display order
// 全移動種別を表示順で返す
func Taxonomy() []TypeInfo {
	out := make([]TypeInfo, len(taxonomy))
	copy(out, taxonomy)
	return out
}

// TypesByDirection returns the movement types with the given direction
func TypesByDirection(d Direction) []TransactionType {
	var types []TransactionType
	for _, info := range taxonomy {
		if info.Direction == d {
			types = append(types, info.Type)
		}
	}
	return types
}

// IsValid reports whether the type is part of the taxonomy
func (t TransactionType) IsValid() bool {
	_, ok := taxonomyIndex[t]
	return ok
}

// Direction returns the sign the type applies to on-hand quantity
// 種別の作用方向を取得
func (t TransactionType) Direction() (Direction, error) {
	info, ok := taxonomyIndex[t]
	if !ok {
		return 0, NewUnknownTransactionTypeError(string(t))
	}
	return info.Direction, nil
}

// Reversal returns the movement type that offsets t
// 取消用の反対種別を取得
func (t TransactionType) Reversal() (TransactionType, error) {
	r, ok := reversalTypes[t]
	if !ok {
		return "", NewUnknownTransactionTypeError(string(t))
	}
	return r, nil
}

// ParseTransactionType resolves a canonical id or a legacy form id.
// Anything else, including the empty string, is rejected.
// 正規IDまたは旧フォームIDから種別を解決
func ParseTransactionType(s string) (TransactionType, error) {
	s = strings.TrimSpace(s)
	if t := TransactionType(s); t.IsValid() {
		return t, nil
	}
	if t, ok := legacyTypeIDs[s]; ok {
		return t, nil
	}
	return "", NewUnknownTransactionTypeError(s)
}
