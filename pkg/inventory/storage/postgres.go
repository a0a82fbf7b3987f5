package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/pharmaledger/pkg/inventory"
)

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ inventory.Storage = (*PostgreSQLStorage)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

const (
	productColumns     = `id, name, sku, on_hand, reorder_level, cost_price, selling_price, created_at, updated_at`
	transactionColumns = `id, product_id, transaction_type, quantity, unit_price, reason, notes, from_location, to_location, reference_id, reversal_of, balance_after, created_at, created_by`
	batchColumns       = `id, product_id, batch_number, expiry_date, quantity_received, quantity_remaining, purchase_price, created_at`
)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgreSQLStorage{
		db:     db,
		logger: logger,
	}, nil
}

// WithTx runs fn inside a database transaction and commits only if fn succeeds
// fn をデータベーストランザクション内で実行
func (s *PostgreSQLStorage) WithTx(ctx context.Context, fn func(tx inventory.StorageTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
		}
	}()

	if err := fn(&postgresTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗しました: %w", err)
	}
	return nil
}

// postgresTx binds the StorageTx operations to one *sql.Tx
type postgresTx struct {
	q queryer
}

// GetProductForUpdate reads the product and locks its row (SELECT ... FOR UPDATE)
// 商品を取得し行ロックを取得
func (t *postgresTx) GetProductForUpdate(ctx context.Context, productID string) (*inventory.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1 FOR UPDATE`

	product, err := scanProduct(t.q.QueryRowContext(ctx, query, productID))
	if err != nil {
		return nil, productLookupError(err)
	}
	return product, nil
}

// UpdateProductQuantity writes the new on-hand only if it still equals oldOnHand
// 読み取り時の在庫数と一致する場合のみ更新
func (t *postgresTx) UpdateProductQuantity(ctx context.Context, productID string, oldOnHand, newOnHand int64) error {
	query := `
		UPDATE products
		SET on_hand = $3, updated_at = NOW()
		WHERE id = $1 AND on_hand = $2`

	result, err := t.q.ExecContext(ctx, query, productID, oldOnHand, newOnHand)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgerrcode.CheckViolation {
			return &inventory.InsufficientStockError{ProductID: productID, OnHand: oldOnHand, Requested: oldOnHand - newOnHand}
		}
		return fmt.Errorf("在庫数更新に失敗しました: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return inventory.NewConcurrencyError("update_product_quantity", productID, "在庫数が読み取り時から変化しています")
	}

	return nil
}

// InsertStockTransaction appends a record to the movement log
// 在庫移動記録を追加
func (t *postgresTx) InsertStockTransaction(ctx context.Context, record *inventory.StockTransaction) error {
	query := `
		INSERT INTO stock_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := t.q.ExecContext(ctx, query,
		record.ID,
		record.ProductID,
		string(record.Type),
		record.Quantity,
		record.UnitPrice,
		nullString(record.Reason),
		nullString(record.Notes),
		nullString(record.FromLocation),
		nullString(record.ToLocation),
		nullString(record.ReferenceID),
		nullString(record.ReversalOf),
		record.BalanceAfter,
		record.CreatedAt,
		record.CreatedBy,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgerrcode.UniqueViolation && pqErr.Constraint == "stock_transactions_reversal_of_key" {
			return inventory.ErrAlreadyReversed
		}
		return fmt.Errorf("在庫移動記録作成に失敗しました: %w", err)
	}

	return nil
}

func (t *postgresTx) GetTransaction(ctx context.Context, transactionID string) (*inventory.StockTransaction, error) {
	return getTransaction(ctx, t.q, transactionID)
}

func (t *postgresTx) CountTransactions(ctx context.Context, productID string, transactionType inventory.TransactionType) (int64, error) {
	query := `SELECT COUNT(*) FROM stock_transactions WHERE product_id = $1 AND transaction_type = $2`

	var count int64
	if err := t.q.QueryRowContext(ctx, query, productID, string(transactionType)).Scan(&count); err != nil {
		return 0, fmt.Errorf("移動件数取得に失敗しました: %w", err)
	}
	return count, nil
}

func (t *postgresTx) HasReversal(ctx context.Context, transactionID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM stock_transactions WHERE reversal_of = $1)`

	var exists bool
	if err := t.q.QueryRowContext(ctx, query, transactionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("取消仕訳の確認に失敗しました: %w", err)
	}
	return exists, nil
}

// CreateProduct creates a new product
// 新しい商品を作成
func (s *PostgreSQLStorage) CreateProduct(ctx context.Context, product *inventory.Product) error {
	query := `
		INSERT INTO products (` + productColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		product.ID,
		product.Name,
		product.SKU,
		product.OnHand,
		product.ReorderLevel,
		product.CostPrice,
		product.SellingPrice,
		product.CreatedAt,
		product.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgerrcode.UniqueViolation && pqErr.Constraint == "products_sku_key" {
			return inventory.ErrDuplicateSKU
		}
		return fmt.Errorf("商品作成に失敗しました: %w", err)
	}

	return nil
}

// GetProduct retrieves a product by ID
// IDで商品を取得
func (s *PostgreSQLStorage) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	product, err := scanProduct(s.db.QueryRowContext(ctx, query, productID))
	if err != nil {
		return nil, productLookupError(err)
	}
	return product, nil
}

// GetProductBySKU retrieves a product by SKU
// SKUで商品を取得
func (s *PostgreSQLStorage) GetProductBySKU(ctx context.Context, sku string) (*inventory.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE sku = $1`

	product, err := scanProduct(s.db.QueryRowContext(ctx, query, sku))
	if err != nil {
		return nil, productLookupError(err)
	}
	return product, nil
}

// ListProducts retrieves products with pagination
// ページング付きで商品一覧を取得
func (s *PostgreSQLStorage) ListProducts(ctx context.Context, offset, limit int) ([]inventory.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products ORDER BY name, id LIMIT $1 OFFSET $2`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("商品一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectProducts(rows)
}

// ListReorderCandidates retrieves products with a reorder level whose stock is at or below it
// 発注点以下の商品を取得
func (s *PostgreSQLStorage) ListReorderCandidates(ctx context.Context) ([]inventory.Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE reorder_level > 0 AND on_hand <= reorder_level
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("発注候補取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectProducts(rows)
}

// GetTransaction retrieves a stock transaction by ID
// IDで在庫移動記録を取得
func (s *PostgreSQLStorage) GetTransaction(ctx context.Context, transactionID string) (*inventory.StockTransaction, error) {
	return getTransaction(ctx, s.db, transactionID)
}

// ListTransactions retrieves the latest transactions of a product
// 商品の移動履歴を取得
func (s *PostgreSQLStorage) ListTransactions(ctx context.Context, productID string, limit int) ([]inventory.StockTransaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM stock_transactions
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("移動履歴取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// ListTransactionsByDateRange retrieves transactions of a product within a date range
// 日付範囲で移動履歴を取得
func (s *PostgreSQLStorage) ListTransactionsByDateRange(ctx context.Context, productID string, from, to time.Time) ([]inventory.StockTransaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM stock_transactions
		WHERE product_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, productID, from, to)
	if err != nil {
		return nil, fmt.Errorf("日付範囲履歴取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// CreateBatch creates a new medicine batch
// 新しい医薬品ロットを作成
func (s *PostgreSQLStorage) CreateBatch(ctx context.Context, batch *inventory.MedicineBatch) error {
	query := `
		INSERT INTO medicine_batches (` + batchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		batch.ID,
		batch.ProductID,
		batch.BatchNumber,
		batch.ExpiryDate,
		batch.QuantityReceived,
		batch.QuantityRemaining,
		batch.PurchasePrice,
		batch.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case pgerrcode.UniqueViolation:
				return inventory.ErrDuplicateBatch
			case pgerrcode.ForeignKeyViolation:
				return inventory.ErrProductNotFound
			}
		}
		return fmt.Errorf("ロット作成に失敗しました: %w", err)
	}

	return nil
}

// GetBatch retrieves a batch by ID
// IDでロットを取得
func (s *PostgreSQLStorage) GetBatch(ctx context.Context, batchID string) (*inventory.MedicineBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM medicine_batches WHERE id = $1`

	batch, err := scanBatch(s.db.QueryRowContext(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidID(err) {
			return nil, inventory.ErrBatchNotFound
		}
		return nil, fmt.Errorf("ロット取得に失敗しました: %w", err)
	}
	return batch, nil
}

// ListBatches retrieves batches of a product ordered by expiry
// 商品のロット一覧を取得
func (s *PostgreSQLStorage) ListBatches(ctx context.Context, productID string) ([]inventory.MedicineBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM medicine_batches
		WHERE product_id = $1
		ORDER BY expiry_date, batch_number`

	rows, err := s.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("ロット一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectBatches(rows)
}

// ListActiveBatches retrieves batches with quantity remaining
// 残数量のあるロットを取得
func (s *PostgreSQLStorage) ListActiveBatches(ctx context.Context) ([]inventory.MedicineBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM medicine_batches
		WHERE quantity_remaining > 0
		ORDER BY expiry_date, batch_number`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("有効ロット取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectBatches(rows)
}

// Ping checks database connectivity
// データベース接続をチェック
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// ヘルパー関数

func getTransaction(ctx context.Context, q queryer, transactionID string) (*inventory.StockTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM stock_transactions WHERE id = $1`

	record, err := scanTransaction(q.QueryRowContext(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidID(err) {
			return nil, inventory.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("在庫移動記録取得に失敗しました: %w", err)
	}
	return record, nil
}

func scanProduct(row rowScanner) (*inventory.Product, error) {
	p := &inventory.Product{}
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.SKU,
		&p.OnHand,
		&p.ReorderLevel,
		&p.CostPrice,
		&p.SellingPrice,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanTransaction(row rowScanner) (*inventory.StockTransaction, error) {
	var (
		record                                                   inventory.StockTransaction
		txType                                                   string
		reason, notes, fromLocation, toLocation, ref, reversalOf sql.NullString
	)
	err := row.Scan(
		&record.ID,
		&record.ProductID,
		&txType,
		&record.Quantity,
		&record.UnitPrice,
		&reason,
		&notes,
		&fromLocation,
		&toLocation,
		&ref,
		&reversalOf,
		&record.BalanceAfter,
		&record.CreatedAt,
		&record.CreatedBy,
	)
	if err != nil {
		return nil, err
	}
	record.Type = inventory.TransactionType(txType)
	record.Reason = reason.String
	record.Notes = notes.String
	record.FromLocation = fromLocation.String
	record.ToLocation = toLocation.String
	record.ReferenceID = ref.String
	record.ReversalOf = reversalOf.String
	return &record, nil
}

func scanBatch(row rowScanner) (*inventory.MedicineBatch, error) {
	b := &inventory.MedicineBatch{}
	err := row.Scan(
		&b.ID,
		&b.ProductID,
		&b.BatchNumber,
		&b.ExpiryDate,
		&b.QuantityReceived,
		&b.QuantityRemaining,
		&b.PurchasePrice,
		&b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func collectProducts(rows *sql.Rows) ([]inventory.Product, error) {
	products := make([]inventory.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("商品スキャンに失敗しました: %w", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("商品の読み取りに失敗しました: %w", err)
	}
	return products, nil
}

func collectTransactions(rows *sql.Rows) ([]inventory.StockTransaction, error) {
	transactions := make([]inventory.StockTransaction, 0)
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("在庫移動スキャンに失敗しました: %w", err)
		}
		transactions = append(transactions, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("在庫移動の読み取りに失敗しました: %w", err)
	}
	return transactions, nil
}

func collectBatches(rows *sql.Rows) ([]inventory.MedicineBatch, error) {
	batches := make([]inventory.MedicineBatch, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("ロットスキャンに失敗しました: %w", err)
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ロットの読み取りに失敗しました: %w", err)
	}
	return batches, nil
}

func productLookupError(err error) error {
	if errors.Is(err, sql.ErrNoRows) || isInvalidID(err) {
		return inventory.ErrProductNotFound
	}
	return fmt.Errorf("商品取得に失敗しました: %w", err)
}

// isInvalidID reports a malformed UUID, which can never match a row
func isInvalidID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgerrcode.InvalidTextRepresentation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
