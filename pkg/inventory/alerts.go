package inventory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExpiryLevel is the alert bucket for a batch's days to expiry
// 有効期限アラートレベル
type ExpiryLevel string

const (
	ExpiryLevelExpired  ExpiryLevel = "expired"  // 期限切れ
	ExpiryLevelCritical ExpiryLevel = "critical" // 30日以内
	ExpiryLevelWarning  ExpiryLevel = "warning"  // 60日以内
	ExpiryLevelInfo     ExpiryLevel = "info"     // 90日以内
	ExpiryLevelGood     ExpiryLevel = "good"     // アラート対象外
)

// IsValid reports whether the level is known
func (l ExpiryLevel) IsValid() bool {
	switch l {
	case ExpiryLevelExpired, ExpiryLevelCritical, ExpiryLevelWarning, ExpiryLevelInfo, ExpiryLevelGood:
		return true
	}
	return false
}

// LowStockLevel is the alert bucket for stock relative to the reorder level
// 低在庫アラートレベル
type LowStockLevel string

const (
	LowStockLevelCritical      LowStockLevel = "critical"       // 25%未満
	LowStockLevelWarning       LowStockLevel = "warning"        // 25%以上50%未満
	LowStockLevelInfo          LowStockLevel = "info"           // 50%以上75%未満
	LowStockLevelNone          LowStockLevel = "none"           // 75%以上
	LowStockLevelNotApplicable LowStockLevel = "not_applicable" // 発注点未設定
)

// DaysToExpiry returns the number of calendar days from today to expiry.
// The expiry is a calendar date and is read in its own location; only
// today's date depends on the clock's location.
// 有効期限までの日数を算出
func DaysToExpiry(expiry, today time.Time) int {
	ty, tm, td := today.Date()
	ey, em, ed := expiry.Date()
	t0 := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	e0 := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	return int(e0.Sub(t0).Hours() / 24)
}

// ClassifyExpiry buckets days to expiry into an alert level
// 有効期限までの日数をアラートレベルに分類
func ClassifyExpiry(daysToExpiry int) ExpiryLevel {
	switch {
	case daysToExpiry < 0:
		return ExpiryLevelExpired
	case daysToExpiry <= 30:
		return ExpiryLevelCritical
	case daysToExpiry <= 60:
		return ExpiryLevelWarning
	case daysToExpiry <= 90:
		return ExpiryLevelInfo
	default:
		return ExpiryLevelGood
	}
}

// StockPercentage returns current / reorder * 100. ok is false when reorder is not positive.
// 発注点に対する在庫率
func StockPercentage(current, reorder int64) (pct float64, ok bool) {
	if reorder <= 0 {
		return 0, false
	}
	return float64(current) / float64(reorder) * 100, true
}

// ClassifyStockPercentage buckets a stock percentage into the half-open
// ranges [0,25) [25,50) [50,75) [75,∞)
// 在庫率を低在庫レベルに分類
func ClassifyStockPercentage(pct float64) LowStockLevel {
	switch {
	case pct < 25:
		return LowStockLevelCritical
	case pct < 50:
		return LowStockLevelWarning
	case pct < 75:
		return LowStockLevelInfo
	default:
		return LowStockLevelNone
	}
}

// ClassifyLowStock buckets current stock against the reorder level.
// Comparison is done on integers so exact boundaries never depend on float rounding.
// 現在庫と発注点から低在庫レベルを分類
func ClassifyLowStock(current, reorder int64) LowStockLevel {
	if reorder <= 0 {
		return LowStockLevelNotApplicable
	}
	scaled := current * 100
	switch {
	case scaled < 25*reorder:
		return LowStockLevelCritical
	case scaled < 50*reorder:
		return LowStockLevelWarning
	case scaled < 75*reorder:
		return LowStockLevelInfo
	default:
		return LowStockLevelNone
	}
}

// ExpiryAlert is one batch surfaced by the expiry scan
// 有効期限アラート
type ExpiryAlert struct {
	BatchID           string          `json:"batch_id"`
	ProductID         string          `json:"product_id"`
	ProductName       string          `json:"product_name"`
	BatchNumber       string          `json:"batch_number"`
	ExpiryDate        time.Time       `json:"expiry_date"`
	DaysToExpiry      int             `json:"days_to_expiry"`
	QuantityRemaining int64           `json:"quantity_remaining"`
	Value             decimal.Decimal `json:"value"`
	Level             ExpiryLevel     `json:"level"`
}

// LowStockAlert is one product surfaced by the low-stock scan
// 低在庫アラート
type LowStockAlert struct {
	ProductID       string          `json:"product_id"`
	ProductName     string          `json:"product_name"`
	SKU             string          `json:"sku"`
	CurrentStock    int64           `json:"current_stock"`
	ReorderLevel    int64           `json:"reorder_level"`
	StockPercentage float64         `json:"stock_percentage"`
	TotalValue      decimal.Decimal `json:"total_value"`
	Level           LowStockLevel   `json:"level"`
}

// ExpiryQuery filters the expiry scan
type ExpiryQuery struct {
	WithinDays int         // 0 の場合は既定値
	Level      ExpiryLevel // 空の場合は全レベル
}

// DefaultExpiryHorizonDays is used when neither ExpiryQuery.WithinDays nor a
// service horizon is set
const DefaultExpiryHorizonDays = 90

// AlertService scans batches and products for dashboard alerts
// ダッシュボード用のアラートを抽出
type AlertService struct {
	storage Storage
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
	horizon int // 既定の抽出日数
}

// NewAlertService creates a new alert service
// 新しいアラートサービスを作成
func NewAlertService(storage Storage, logger *zap.Logger) *AlertService {
	return &AlertService{
		storage: storage,
		logger:  logger,
		now:     time.Now,
		horizon: DefaultExpiryHorizonDays,
	}
}

// WithClock replaces the clock used to compute days to expiry
func (s *AlertService) WithClock(now func() time.Time) *AlertService {
	s.now = now
	return s
}

// WithDefaultHorizon sets the horizon used when ExpiryQuery.WithinDays is not set.
// Non-positive values keep DefaultExpiryHorizonDays.
func (s *AlertService) WithDefaultHorizon(days int) *AlertService {
	if days > 0 {
		s.horizon = days
	}
	return s
}

// WithMetrics attaches alert gauges
func (s *AlertService) WithMetrics(m *Metrics) *AlertService {
	s.metrics = m
	return s
}

// ExpiryAlerts returns batches with stock left that expire within the horizon,
// oldest expiry first
// 期限切れ・期限間近のロットを取得
func (s *AlertService) ExpiryAlerts(ctx context.Context, q ExpiryQuery) ([]ExpiryAlert, error) {
	if q.WithinDays < 0 {
		return nil, NewValidationError("days", "日数は0以上である必要があります", "")
	}
	if q.WithinDays == 0 {
		q.WithinDays = s.horizon
	}
	if q.Level != "" && (!q.Level.IsValid() || q.Level == ExpiryLevelGood) {
		return nil, NewValidationError("level", "無効なアラートレベルです", string(q.Level))
	}

	batches, err := s.storage.ListActiveBatches(ctx)
	if err != nil {
		return nil, wrapStorageError("list_active_batches", "ロット一覧取得に失敗しました", err)
	}

	today := s.now()
	names := make(map[string]string)
	counts := make(map[string]int)
	alerts := make([]ExpiryAlert, 0)

	for _, b := range batches {
		if b.QuantityRemaining <= 0 {
			continue
		}
		days := DaysToExpiry(b.ExpiryDate, today)
		level := ClassifyExpiry(days)
		if level == ExpiryLevelGood || days > q.WithinDays {
			continue
		}
		if q.Level != "" && level != q.Level {
			continue
		}

		name, ok := names[b.ProductID]
		if !ok {
			product, err := s.storage.GetProduct(ctx, b.ProductID)
			if err != nil {
				return nil, wrapStorageError("get_product", "商品取得に失敗しました", err)
			}
			name = product.Name
			names[b.ProductID] = name
		}

		counts[string(level)]++
		alerts = append(alerts, ExpiryAlert{
			BatchID:           b.ID,
			ProductID:         b.ProductID,
			ProductName:       name,
			BatchNumber:       b.BatchNumber,
			ExpiryDate:        b.ExpiryDate,
			DaysToExpiry:      days,
			QuantityRemaining: b.QuantityRemaining,
			Value:             b.PurchasePrice.Mul(decimal.NewFromInt(b.QuantityRemaining)),
			Level:             level,
		})
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].ExpiryDate.Before(alerts[j].ExpiryDate)
	})

	s.metrics.setAlertCounts("expiry", counts)

	s.logger.Info("有効期限アラート抽出完了",
		zap.Int("within_days", q.WithinDays),
		zap.String("level", string(q.Level)),
		zap.Int("count", len(alerts)),
	)

	return alerts, nil
}

// LowStockAlerts returns products below 75% of their reorder level, lowest first
// 低在庫の商品を取得
func (s *AlertService) LowStockAlerts(ctx context.Context) ([]LowStockAlert, error) {
	products, err := s.storage.ListReorderCandidates(ctx)
	if err != nil {
		return nil, wrapStorageError("list_reorder_candidates", "発注候補取得に失敗しました", err)
	}

	counts := make(map[string]int)
	alerts := make([]LowStockAlert, 0)

	for _, p := range products {
		level := ClassifyLowStock(p.OnHand, p.ReorderLevel)
		if level == LowStockLevelNone || level == LowStockLevelNotApplicable {
			continue
		}
		pct, _ := StockPercentage(p.OnHand, p.ReorderLevel)

		batches, err := s.storage.ListBatches(ctx, p.ID)
		if err != nil {
			return nil, wrapStorageError("list_batches", "ロット一覧取得に失敗しました", err)
		}

		counts[string(level)]++
		alerts = append(alerts, LowStockAlert{
			ProductID:       p.ID,
			ProductName:     p.Name,
			SKU:             p.SKU,
			CurrentStock:    p.OnHand,
			ReorderLevel:    p.ReorderLevel,
			StockPercentage: pct,
			TotalValue:      StockValue(batches),
			Level:           level,
		})
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].StockPercentage < alerts[j].StockPercentage
	})

	s.metrics.setAlertCounts("low_stock", counts)

	s.logger.Info("低在庫アラート抽出完了", zap.Int("count", len(alerts)))

	return alerts, nil
}
