package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nemonet1337/pharmaledger/internal/config"
	"github.com/nemonet1337/pharmaledger/internal/logging"
	"github.com/nemonet1337/pharmaledger/pkg/inventory"
	"github.com/nemonet1337/pharmaledger/pkg/inventory/events"
	"github.com/nemonet1337/pharmaledger/pkg/inventory/storage"
)

func main() {
	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}

	// ログ設定
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	store, err := openStorage(cfg, logger)
	if err != nil {
		logger.Fatal("ストレージ初期化に失敗しました", zap.Error(err))
	}
	defer store.Close()

	// イベント発行設定
	var publisher inventory.EventPublisher
	if cfg.Events.Enabled {
		kafkaPublisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:          cfg.Events.Brokers,
			Topic:            cfg.Events.Topic,
			BatchTimeout:     cfg.Events.BatchTimeout,
			RequiredAcks:     cfg.Events.RequiredAcks,
			FailureThreshold: cfg.Events.FailureThreshold,
			OpenTimeout:      cfg.Events.OpenTimeout,
		}, logger)
		if err != nil {
			logger.Fatal("イベント発行の初期化に失敗しました", zap.Error(err))
		}
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	metrics := inventory.NewMetrics()

	// 在庫台帳初期化
	ledger := inventory.NewLedger(store, publisher, logger, &inventory.Config{
		OpeningStockPolicy:  inventory.OpeningStockPolicy(cfg.Ledger.OpeningStockPolicy),
		LowStockEvents:      cfg.Ledger.LowStockEvents,
		DefaultHistoryLimit: cfg.Ledger.DefaultHistoryLimit,
	}).WithMetrics(metrics)
	batches := inventory.NewBatchTracker(store, logger)
	alerts := inventory.NewAlertService(store, logger).
		WithDefaultHorizon(cfg.Ledger.ExpiryHorizonDays).
		WithMetrics(metrics)

	// HTTPハンドラー設定
	handlers := NewHandlers(ledger, batches, alerts, store, logger)
	router := setupRouter(handlers, metrics, cfg.API)

	// HTTPサーバー設定
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	// グレースフルシャットダウン設定
	go func() {
		logger.Info("在庫台帳APIサーバーを開始します",
			zap.Int("port", cfg.API.Port),
			zap.String("storage", cfg.Database.Driver),
			zap.Bool("events", cfg.Events.Enabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("サーバー開始に失敗しました", zap.Error(err))
		}
	}()

	// シャットダウンシグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("サーバーシャットダウンに失敗しました", zap.Error(err))
	}

	logger.Info("サーバーが正常に停止しました")
}

// openStorage selects the storage backend from configuration
// 設定に応じてストレージを選択
func openStorage(cfg *config.Config, logger *zap.Logger) (inventory.Storage, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("メモリストレージを使用します。再起動で全データが失われます")
		return storage.NewMemoryStorage(), nil
	}

	if cfg.Database.MigrateOnStart {
		if err := storage.Migrate(cfg.DatabaseURL(), logger); err != nil {
			return nil, err
		}
	}

	pg, err := storage.NewPostgreSQLStorage(cfg.DSN(), logger)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, metrics *inventory.Metrics, apiCfg config.APIConfig) *mux.Router {
	router := mux.NewRouter()

	// プリフライトは全パスで受け付け、corsMiddleware が応答する
	if apiCfg.EnableCORS {
		router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if apiCfg.EnableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/transaction-types", handlers.TransactionTypes).Methods("GET")

	// 商品管理
	api.HandleFunc("/products", handlers.CreateProduct).Methods("POST")
	api.HandleFunc("/products", handlers.ListProducts).Methods("GET")
	api.HandleFunc("/products/{productId}", handlers.GetProduct).Methods("GET")

	// 履歴
	api.HandleFunc("/products/{productId}/movements", handlers.GetHistory).Methods("GET")
	api.HandleFunc("/products/{productId}/movements/range", handlers.GetHistoryByDateRange).Methods("GET")

	// 在庫移動
	api.HandleFunc("/movements", handlers.ApplyMovement).Methods("POST")
	api.HandleFunc("/movements/batch", handlers.ApplyMovementBatch).Methods("POST")
	api.HandleFunc("/movements/{transactionId}/reverse", handlers.ReverseTransaction).Methods("POST")

	// ロット管理
	api.HandleFunc("/batches", handlers.RegisterBatch).Methods("POST")
	api.HandleFunc("/products/{productId}/batches", handlers.ListBatches).Methods("GET")

	// アラート
	api.HandleFunc("/alerts/expiry", handlers.GetExpiryAlerts).Methods("GET")
	api.HandleFunc("/alerts/low-stock", handlers.GetLowStockAlerts).Methods("GET")

	if apiCfg.EnableCORS {
		router.Use(corsMiddleware)
	}
	router.Use(actorMiddleware)
	router.Use(loggingMiddleware(handlers.logger))

	return router
}

// corsMiddleware sets permissive CORS headers (開発用)
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// actorMiddleware records the X-User-ID header as the movement author
// X-User-IDヘッダーを作成者としてコンテキストに設定
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := r.Header.Get("X-User-ID"); userID != "" {
			r = r.WithContext(inventory.WithActor(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
