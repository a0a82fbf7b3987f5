package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/pharmaledger/pkg/inventory"
)

// Handlers holds HTTP handlers for the ledger API
// 在庫台帳API用のHTTPハンドラーを保持
type Handlers struct {
	ledger  inventory.StockLedger
	batches *inventory.BatchTracker
	alerts  *inventory.AlertService
	storage inventory.Storage
	logger  *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(ledger inventory.StockLedger, batches *inventory.BatchTracker, alerts *inventory.AlertService, storage inventory.Storage, logger *zap.Logger) *Handlers {
	return &Handlers{
		ledger:  ledger,
		batches: batches,
		alerts:  alerts,
		storage: storage,
		logger:  logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// CreateProductRequest represents request to register a product
// 商品登録リクエストを表現
type CreateProductRequest struct {
	Name         string          `json:"name"`
	SKU          string          `json:"sku"`
	ReorderLevel int64           `json:"reorder_level"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

// MovementRequest represents request to apply one movement.
// transaction_type accepts canonical and legacy form identifiers.
// 在庫移動リクエストを表現
type MovementRequest struct {
	ProductID       string              `json:"product_id"`
	TransactionType string              `json:"transaction_type"`
	Quantity        int64               `json:"quantity"`
	UnitPrice       decimal.NullDecimal `json:"unit_price"`
	Reason          string              `json:"reason"`
	Notes           string              `json:"notes"`
	FromLocation    string              `json:"from_location"`
	ToLocation      string              `json:"to_location"`
	ReferenceID     string              `json:"reference_id"`
}

// ReverseRequest represents request to reverse a transaction
// 取消リクエストを表現
type ReverseRequest struct {
	Reason string `json:"reason"`
}

// RegisterBatchRequest represents request to register a received batch
// ロット登録リクエストを表現
type RegisterBatchRequest struct {
	ProductID        string          `json:"product_id"`
	BatchNumber      string          `json:"batch_number"`
	ExpiryDate       string          `json:"expiry_date"` // YYYY-MM-DD
	QuantityReceived int64           `json:"quantity_received"`
	PurchasePrice    decimal.Decimal `json:"purchase_price"`
}

const dateLayout = "2006-01-02"

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.storage.Ping(r.Context()); err != nil {
		h.logger.Warn("ストレージのヘルスチェックに失敗しました", zap.Error(err))
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "pharmaledger",
		},
	})
}

// TransactionTypes lists the movement taxonomy for movement forms
// 移動種別一覧を返す
func (h *Handlers) TransactionTypes(w http.ResponseWriter, r *http.Request) {
	h.sendSuccess(w, http.StatusOK, inventory.Taxonomy())
}

// CreateProduct handles product registration
// 商品登録リクエストを処理
func (h *Handlers) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	product := &inventory.Product{
		Name:         req.Name,
		SKU:          req.SKU,
		ReorderLevel: req.ReorderLevel,
		CostPrice:    req.CostPrice,
		SellingPrice: req.SellingPrice,
	}
	if err := h.ledger.CreateProduct(r.Context(), product); err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusCreated, product)
}

// ListProducts handles product listing
// 商品一覧リクエストを処理
func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 0)

	products, err := h.ledger.ListProducts(r.Context(), offset, limit)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, products)
}

// GetProduct handles product lookup
// 商品取得リクエストを処理
func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.ledger.GetProduct(r.Context(), mux.Vars(r)["productId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, product)
}

// ApplyMovement handles a single movement
// 在庫移動リクエストを処理
func (h *Handlers) ApplyMovement(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	result, err := h.ledger.ApplyMovement(r.Context(), req.toMovement())
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusCreated, result)
}

// ApplyMovementBatch handles several movements applied one by one
// 一括移動リクエストを処理
func (h *Handlers) ApplyMovementBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []MovementRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	movements := make([]inventory.Movement, 0, len(reqs))
	for _, req := range reqs {
		movements = append(movements, req.toMovement())
	}

	batch, err := h.ledger.ExecuteBatch(r.Context(), movements)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, batch)
}

// ReverseTransaction handles reversal of a recorded transaction
// 取消リクエストを処理
func (h *Handlers) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
			return
		}
	}

	result, err := h.ledger.Reverse(r.Context(), mux.Vars(r)["transactionId"], req.Reason)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusCreated, result)
}

// GetHistory handles history requests
// 履歴取得リクエストを処理
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)

	history, err := h.ledger.History(r.Context(), mux.Vars(r)["productId"], limit)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, history)
}

// GetHistoryByDateRange handles history requests within a date range
// 日付範囲での履歴取得リクエストを処理
func (h *Handlers) GetHistoryByDateRange(w http.ResponseWriter, r *http.Request) {
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")
	if fromStr == "" || toStr == "" {
		h.sendError(w, http.StatusBadRequest, "開始日と終了日を指定してください")
		return
	}

	from, err := time.Parse(dateLayout, fromStr)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "開始日の形式が無効です（YYYY-MM-DD）")
		return
	}
	to, err := time.Parse(dateLayout, toStr)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "終了日の形式が無効です（YYYY-MM-DD）")
		return
	}
	// 終了日は当日の終わりまで含める
	to = to.Add(24*time.Hour - time.Nanosecond)

	history, err := h.ledger.HistoryByDateRange(r.Context(), mux.Vars(r)["productId"], from, to)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, history)
}

// RegisterBatch handles registration of a received batch
// ロット登録リクエストを処理
func (h *Handlers) RegisterBatch(w http.ResponseWriter, r *http.Request) {
	var req RegisterBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	expiry, err := time.Parse(dateLayout, req.ExpiryDate)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "有効期限の形式が無効です（YYYY-MM-DD）")
		return
	}

	batch := &inventory.MedicineBatch{
		ProductID:        req.ProductID,
		BatchNumber:      req.BatchNumber,
		ExpiryDate:       expiry,
		QuantityReceived: req.QuantityReceived,
		PurchasePrice:    req.PurchasePrice,
	}
	if err := h.batches.RegisterBatch(r.Context(), batch); err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusCreated, batch)
}

// ListBatches handles batch listing for a product
// 商品別ロット一覧リクエストを処理
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.batches.ListBatches(r.Context(), mux.Vars(r)["productId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, batches)
}

// GetExpiryAlerts handles expiry alert requests
// 有効期限アラートリクエストを処理
func (h *Handlers) GetExpiryAlerts(w http.ResponseWriter, r *http.Request) {
	query := inventory.ExpiryQuery{
		Level: inventory.ExpiryLevel(r.URL.Query().Get("level")),
	}
	if daysStr := r.URL.Query().Get("days"); daysStr != "" {
		days, err := strconv.Atoi(daysStr)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "日数の形式が無効です")
			return
		}
		query.WithinDays = days
	}

	alerts, err := h.alerts.ExpiryAlerts(r.Context(), query)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, alerts)
}

// GetLowStockAlerts handles low-stock alert requests
// 低在庫アラートリクエストを処理
func (h *Handlers) GetLowStockAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.alerts.LowStockAlerts(r.Context())
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, http.StatusOK, alerts)
}

// ヘルパーメソッド

func (req MovementRequest) toMovement() inventory.Movement {
	mv := inventory.Movement{
		ProductID:    req.ProductID,
		Type:         inventory.TransactionType(req.TransactionType),
		Quantity:     req.Quantity,
		UnitPrice:    req.UnitPrice,
		Reason:       req.Reason,
		Notes:        req.Notes,
		FromLocation: req.FromLocation,
		ToLocation:   req.ToLocation,
		ReferenceID:  req.ReferenceID,
	}
	// 旧フォームIDを正規IDに変換。未知の値はそのまま渡し、台帳側で拒否させる
	if t, err := inventory.ParseTransactionType(req.TransactionType); err == nil {
		mv.Type = t
	}
	return mv
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return defaultValue
}

// sendDomainError maps ledger errors to HTTP status codes
// 台帳エラーをHTTPステータスに変換して送信
func (h *Handlers) sendDomainError(w http.ResponseWriter, err error) {
	var validationErr *inventory.ValidationError
	var insufficientErr *inventory.InsufficientStockError
	var ruleErr *inventory.BusinessRuleError

	switch {
	case errors.As(err, &validationErr):
		h.writeJSON(w, http.StatusBadRequest, APIResponse{Error: validationErr.Message, Details: validationErr})
	case errors.As(err, &insufficientErr):
		h.writeJSON(w, http.StatusConflict, APIResponse{Error: inventory.ErrInsufficientStock.Error(), Details: insufficientErr})
	case errors.Is(err, inventory.ErrProductNotFound),
		errors.Is(err, inventory.ErrTransactionNotFound),
		errors.Is(err, inventory.ErrBatchNotFound):
		h.sendError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ruleErr):
		h.writeJSON(w, http.StatusConflict, APIResponse{Error: ruleErr.Message, Details: ruleErr})
	case errors.Is(err, inventory.ErrDuplicateSKU),
		errors.Is(err, inventory.ErrDuplicateBatch),
		errors.Is(err, inventory.ErrAlreadyReversed),
		errors.Is(err, inventory.ErrConcurrentUpdate):
		h.sendError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, inventory.ErrPersistenceFailure.Error())
	}
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.writeJSON(w, statusCode, APIResponse{
		Success: true,
		Data:    data,
	})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}
