package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/pharmaledger/internal/config"
	"github.com/nemonet1337/pharmaledger/pkg/inventory"
	"github.com/nemonet1337/pharmaledger/pkg/inventory/storage"
)

type testAPI struct {
	router *mux.Router
	store  *storage.MemoryStorage
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	logger := zap.NewNop()
	store := storage.NewMemoryStorage()
	metrics := inventory.NewMetrics()

	ledger := inventory.NewLedger(store, nil, logger, nil).WithMetrics(metrics)
	handlers := NewHandlers(
		ledger,
		inventory.NewBatchTracker(store, logger),
		inventory.NewAlertService(store, logger).WithMetrics(metrics),
		store,
		logger,
	)

	return &testAPI{
		router: setupRouter(handlers, metrics, config.APIConfig{EnableCORS: true, EnableMetrics: true}),
		store:  store,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var resp APIResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

// decodeData re-decodes the generic data field into v
func decodeData(t *testing.T, resp APIResponse, v interface{}) {
	t.Helper()
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func (a *testAPI) createProduct(t *testing.T, sku string, reorder int64) inventory.Product {
	t.Helper()

	rec, resp := a.do(t, http.MethodPost, "/api/v1/products", CreateProductRequest{
		Name:         "商品 " + sku,
		SKU:          sku,
		ReorderLevel: reorder,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var product inventory.Product
	decodeData(t, resp, &product)
	return product
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t)

	rec, resp := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	require.NoError(t, api.store.Close())
	rec, resp = api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, resp.Success)
}

func TestTransactionTypes(t *testing.T) {
	api := newTestAPI(t)

	rec, resp := api.do(t, http.MethodGet, "/api/v1/transaction-types", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var types []map[string]interface{}
	decodeData(t, resp, &types)
	assert.Len(t, types, 14)
}

func TestMovementFlow(t *testing.T) {
	api := newTestAPI(t)
	product := api.createProduct(t, "PARA-500", 100)

	// 旧フォームIDも受け付ける
	rec, _ := api.do(t, http.MethodPost, "/api/v1/movements", MovementRequest{
		ProductID:       product.ID,
		TransactionType: "opening-stock",
		Quantity:        10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := api.do(t, http.MethodPost, "/api/v1/movements", MovementRequest{
		ProductID:       product.ID,
		TransactionType: "sale",
		Quantity:        4,
	}, "X-User-ID", "pharmacist-01")
	require.Equal(t, http.StatusCreated, rec.Code)

	var result inventory.MovementResult
	decodeData(t, resp, &result)
	assert.Equal(t, int64(6), result.NewOnHand)
	assert.Equal(t, "pharmacist-01", result.Transaction.CreatedBy)

	t.Run("在庫不足は409と現在庫数", func(t *testing.T) {
		rec, resp := api.do(t, http.MethodPost, "/api/v1/movements", MovementRequest{
			ProductID:       product.ID,
			TransactionType: "sale",
			Quantity:        7,
		})
		require.Equal(t, http.StatusConflict, rec.Code)

		var details inventory.InsufficientStockError
		decodeData(t, APIResponse{Data: resp.Details}, &details)
		assert.Equal(t, int64(6), details.OnHand)
	})

	t.Run("数量0は400", func(t *testing.T) {
		rec, resp := api.do(t, http.MethodPost, "/api/v1/movements", MovementRequest{
			ProductID:       product.ID,
			TransactionType: "sale",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, inventory.ErrInvalidQuantity.Error(), resp.Error)
	})

	t.Run("未知の種別は400", func(t *testing.T) {
		rec, resp := api.do(t, http.MethodPost, "/api/v1/movements", MovementRequest{
			ProductID:       product.ID,
			TransactionType: "donation",
			Quantity:        1,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, inventory.ErrUnknownTransactionType.Error(), resp.Error)
	})

	t.Run("存在しない商品は404", func(t *testing.T) {
		rec, _ := api.do(t, http.MethodPost, "/api/v1/movements", MovementRequest{
			ProductID:       "missing",
			TransactionType: "purchase",
			Quantity:        1,
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("不正なJSONは400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/movements", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("取消", func(t *testing.T) {
		path := fmt.Sprintf("/api/v1/movements/%s/reverse", result.Transaction.ID)

		rec, resp := api.do(t, http.MethodPost, path, ReverseRequest{Reason: "誤登録"})
		require.Equal(t, http.StatusCreated, rec.Code)

		var reversal inventory.MovementResult
		decodeData(t, resp, &reversal)
		assert.Equal(t, int64(10), reversal.NewOnHand)

		rec, _ = api.do(t, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("履歴", func(t *testing.T) {
		rec, resp := api.do(t, http.MethodGet, fmt.Sprintf("/api/v1/products/%s/movements?limit=2", product.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var history []inventory.StockTransaction
		decodeData(t, resp, &history)
		require.Len(t, history, 2)
		assert.Equal(t, inventory.TransactionTypeSalesReturn, history[0].Type)

		today := time.Now().UTC().Format(dateLayout)
		rec, resp = api.do(t, http.MethodGet,
			fmt.Sprintf("/api/v1/products/%s/movements/range?from=%s&to=%s", product.ID, today, today), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decodeData(t, resp, &history)
		assert.Len(t, history, 3)

		rec, _ = api.do(t, http.MethodGet,
			fmt.Sprintf("/api/v1/products/%s/movements/range?from=2026-13-01&to=%s", product.ID, today), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMovementBatch(t *testing.T) {
	api := newTestAPI(t)
	product := api.createProduct(t, "IBU-200", 0)

	rec, resp := api.do(t, http.MethodPost, "/api/v1/movements/batch", []MovementRequest{
		{ProductID: product.ID, TransactionType: "purchase", Quantity: 5},
		{ProductID: product.ID, TransactionType: "sale", Quantity: 9},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var batch inventory.BatchResult
	decodeData(t, resp, &batch)
	assert.Equal(t, inventory.BatchStatusPartial, batch.Status)
	assert.Equal(t, 1, batch.SuccessCount)

	rec, _ = api.do(t, http.MethodPost, "/api/v1/movements/batch", []MovementRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProducts(t *testing.T) {
	api := newTestAPI(t)
	product := api.createProduct(t, "CET-10", 30)

	rec, _ := api.do(t, http.MethodPost, "/api/v1/products", CreateProductRequest{Name: "重複", SKU: "CET-10"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/api/v1/products", CreateProductRequest{Name: "SKUなし"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp := api.do(t, http.MethodGet, "/api/v1/products/"+product.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got inventory.Product
	decodeData(t, resp, &got)
	assert.Equal(t, "CET-10", got.SKU)

	rec, resp = api.do(t, http.MethodGet, "/api/v1/products?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var products []inventory.Product
	decodeData(t, resp, &products)
	assert.Len(t, products, 1)

	rec, _ = api.do(t, http.MethodGet, "/api/v1/products/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchesAndAlerts(t *testing.T) {
	api := newTestAPI(t)
	product := api.createProduct(t, "AMOX-250", 100)

	expiry := time.Now().UTC().AddDate(0, 0, 10).Format(dateLayout)
	rec, _ := api.do(t, http.MethodPost, "/api/v1/batches", RegisterBatchRequest{
		ProductID:        product.ID,
		BatchNumber:      "LOT-001",
		ExpiryDate:       expiry,
		QuantityReceived: 20,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/api/v1/batches", RegisterBatchRequest{
		ProductID:        product.ID,
		BatchNumber:      "LOT-002",
		ExpiryDate:       "31/12/2027",
		QuantityReceived: 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp := api.do(t, http.MethodGet, fmt.Sprintf("/api/v1/products/%s/batches", product.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var batches []inventory.MedicineBatch
	decodeData(t, resp, &batches)
	assert.Len(t, batches, 1)

	rec, resp = api.do(t, http.MethodGet, "/api/v1/alerts/expiry?days=30&level=critical", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var expiryAlerts []inventory.ExpiryAlert
	decodeData(t, resp, &expiryAlerts)
	require.Len(t, expiryAlerts, 1)
	assert.Equal(t, "LOT-001", expiryAlerts[0].BatchNumber)

	rec, _ = api.do(t, http.MethodGet, "/api/v1/alerts/expiry?level=good", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = api.do(t, http.MethodGet, "/api/v1/alerts/expiry?days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = api.do(t, http.MethodGet, "/api/v1/alerts/low-stock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lowStock []inventory.LowStockAlert
	decodeData(t, resp, &lowStock)
	require.Len(t, lowStock, 1)
	assert.Equal(t, inventory.LowStockLevelCritical, lowStock[0].Level)
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	product := api.createProduct(t, "MET-1", 0)

	api.do(t, http.MethodPost, "/api/v1/movements", MovementRequest{
		ProductID:       product.ID,
		TransactionType: "purchase",
		Quantity:        3,
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pharmaledger_movements_total{result="applied",type="purchase"} 1`)
}

func TestCORSHeaders(t *testing.T) {
	api := newTestAPI(t)

	rec, _ := api.do(t, http.MethodGet, "/api/v1/transaction-types", nil)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/api/v1/movements", "/api/v1/products/p1/movements", "/health"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"), path)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost, path)
	}
}

func TestPreflightWithoutCORS(t *testing.T) {
	store := storage.NewMemoryStorage()
	logger := zap.NewNop()
	handlers := NewHandlers(
		inventory.NewLedger(store, nil, logger, nil),
		inventory.NewBatchTracker(store, logger),
		inventory.NewAlertService(store, logger),
		store,
		logger,
	)
	router := setupRouter(handlers, inventory.NewMetrics(), config.APIConfig{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/movements", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
