package inventory

import (
	"errors"
	"fmt"
)

// Common ledger errors
// 共通の台帳エラー定義

var (
	// ErrInvalidQuantity is returned when a movement quantity is not a positive integer
	// 数量が正の整数でない場合のエラー
	ErrInvalidQuantity = errors.New("数量は正の値である必要があります")

	// ErrUnknownTransactionType is returned when a type is not in the taxonomy
	// 未定義の移動種別の場合のエラー
	ErrUnknownTransactionType = errors.New("未知の移動種別です")

	// ErrInsufficientStock is returned when a decrease would drive on-hand negative
	// 在庫不足の場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrPersistenceFailure is returned when the atomic write could not be completed
	// 永続化に失敗した場合のエラー
	ErrPersistenceFailure = errors.New("永続化に失敗しました")

	// ErrProductNotFound is returned when a product doesn't exist
	// 商品が存在しない場合のエラー
	ErrProductNotFound = errors.New("商品が見つかりません")

	// ErrTransactionNotFound is returned when a stock transaction doesn't exist
	// 在庫トランザクションが存在しない場合のエラー
	ErrTransactionNotFound = errors.New("在庫トランザクションが見つかりません")

	// ErrBatchNotFound is returned when a medicine batch doesn't exist
	// 医薬品ロットが存在しない場合のエラー
	ErrBatchNotFound = errors.New("ロットが見つかりません")

	// ErrDuplicateSKU is returned when trying to create a product with an existing SKU
	// 既に存在するSKUで商品を作成しようとした場合のエラー
	ErrDuplicateSKU = errors.New("SKUは既に存在します")

	// ErrDuplicateBatch is returned when a batch number is reused for the same product
	// 同一商品でロット番号が重複した場合のエラー
	ErrDuplicateBatch = errors.New("ロット番号は既に存在します")

	// ErrDuplicateOpeningStock is returned when opening stock is recorded twice under the "once" policy
	// 期首在庫の二重登録エラー
	ErrDuplicateOpeningStock = errors.New("期首在庫は既に登録されています")

	// ErrAlreadyReversed is returned when a transaction has already been offset
	// 既に取消済みのトランザクションの場合のエラー
	ErrAlreadyReversed = errors.New("トランザクションは既に取り消されています")

	// ErrNotReversible is returned when trying to reverse a reversal entry
	// 取消仕訳を更に取り消そうとした場合のエラー
	ErrNotReversible = errors.New("取消仕訳は取り消せません")

	// ErrConcurrentUpdate is returned when the conditional quantity update matched no row
	// 条件付き更新が競合した場合のエラー
	ErrConcurrentUpdate = errors.New("他の処理によって在庫が更新されています")
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
	Cause   error  `json:"-"`       // 分類用の原因エラー
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

func (e ValidationError) Unwrap() error {
	return e.Cause
}

// InsufficientStockError carries the on-hand quantity so callers can show it
// 現在庫数を保持する在庫不足エラー
type InsufficientStockError struct {
	ProductID string `json:"product_id"`
	OnHand    int64  `json:"on_hand"`
	Requested int64  `json:"requested"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("在庫が不足しています [%s]: 現在庫 %d, 要求数量 %d", e.ProductID, e.OnHand, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// BusinessRuleError represents a business rule violation
// ビジネスルール違反を表現
type BusinessRuleError struct {
	Rule    string `json:"rule"`    // ルール名
	Message string `json:"message"` // エラーメッセージ
	Context string `json:"context"` // コンテキスト情報
	Cause   error  `json:"-"`
}

func (e BusinessRuleError) Error() string {
	return fmt.Sprintf("ビジネスルール違反 [%s]: %s (コンテキスト: %s)", e.Rule, e.Message, e.Context)
}

func (e BusinessRuleError) Unwrap() error {
	return e.Cause
}

// ConcurrencyError represents a concurrency-related error
// 同時実行関連のエラーを表現
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Message   string `json:"message"`   // エラーメッセージ
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s", e.Operation, e.Resource, e.Message)
}

func (e ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrentUpdate
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// Is makes every StorageError match ErrPersistenceFailure
func (e StorageError) Is(target error) bool {
	return target == ErrPersistenceFailure
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewInvalidQuantityError creates a validation error matching ErrInvalidQuantity
func NewInvalidQuantityError(quantity int64) *ValidationError {
	return &ValidationError{
		Field:   "quantity",
		Message: ErrInvalidQuantity.Error(),
		Value:   fmt.Sprintf("%d", quantity),
		Cause:   ErrInvalidQuantity,
	}
}

// NewUnknownTransactionTypeError creates a validation error matching ErrUnknownTransactionType
func NewUnknownTransactionTypeError(value string) *ValidationError {
	return &ValidationError{
		Field:   "transaction_type",
		Message: ErrUnknownTransactionType.Error(),
		Value:   value,
		Cause:   ErrUnknownTransactionType,
	}
}

// NewBusinessRuleError creates a new business rule error
// 新しいビジネスルールエラーを作成
func NewBusinessRuleError(rule, message, context string, cause error) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
		Cause:   cause,
	}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource, message string) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Message:   message,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// isLedgerError reports whether err already belongs to the ledger's taxonomy
// and should be returned to the caller unchanged.
func isLedgerError(err error) bool {
	var validationErr *ValidationError
	var ruleErr *BusinessRuleError
	switch {
	case errors.As(err, &validationErr), errors.As(err, &ruleErr):
		return true
	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrPersistenceFailure),
		errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, ErrBatchNotFound),
		errors.Is(err, ErrDuplicateSKU),
		errors.Is(err, ErrDuplicateBatch),
		errors.Is(err, ErrAlreadyReversed),
		errors.Is(err, ErrConcurrentUpdate):
		return true
	}
	return false
}

// wrapStorageError turns an unexpected storage failure into a StorageError.
// 台帳エラー以外をストレージエラーに変換
func wrapStorageError(operation, message string, err error) error {
	if err == nil || isLedgerError(err) {
		return err
	}
	return NewStorageError(operation, message, err)
}
