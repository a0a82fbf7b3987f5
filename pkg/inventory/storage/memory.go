package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nemonet1337/pharmaledger/pkg/inventory"
)

// MemoryStorage is an in-process Storage. WithTx holds one mutex for the whole
// unit, so units never interleave, and stages writes until the callback returns nil.
// プロセス内ストレージ（テスト・サンプル用）
type MemoryStorage struct {
	mu           sync.Mutex
	products     map[string]inventory.Product
	skus         map[string]string
	transactions []inventory.StockTransaction
	txIndex      map[string]int
	reversals    map[string]string
	batches      map[string]inventory.MedicineBatch
	closed       bool
}

var _ inventory.Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage
// 空のメモリストレージを作成
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		products:  make(map[string]inventory.Product),
		skus:      make(map[string]string),
		txIndex:   make(map[string]int),
		reversals: make(map[string]string),
		batches:   make(map[string]inventory.MedicineBatch),
	}
}

// WithTx runs fn with exclusive access and applies its writes only on success.
// fn must not call other MemoryStorage methods.
func (s *MemoryStorage) WithTx(ctx context.Context, fn func(tx inventory.StorageTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		s:       s,
		onHand:  make(map[string]int64),
		touched: make(map[string]time.Time),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, qty := range tx.onHand {
		p := s.products[id]
		p.OnHand = qty
		p.UpdatedAt = tx.touched[id]
		s.products[id] = p
	}
	for _, record := range tx.inserted {
		s.txIndex[record.ID] = len(s.transactions)
		s.transactions = append(s.transactions, record)
		if record.ReversalOf != "" {
			s.reversals[record.ReversalOf] = record.ID
		}
	}
	return nil
}

// memoryTx stages writes of one WithTx unit
type memoryTx struct {
	s        *MemoryStorage
	onHand   map[string]int64
	touched  map[string]time.Time
	inserted []inventory.StockTransaction
}

func (tx *memoryTx) GetProductForUpdate(ctx context.Context, productID string) (*inventory.Product, error) {
	p, ok := tx.s.products[productID]
	if !ok {
		return nil, inventory.ErrProductNotFound
	}
	if qty, staged := tx.onHand[productID]; staged {
		p.OnHand = qty
	}
	return &p, nil
}

func (tx *memoryTx) UpdateProductQuantity(ctx context.Context, productID string, oldOnHand, newOnHand int64) error {
	p, ok := tx.s.products[productID]
	if !ok {
		return inventory.ErrProductNotFound
	}
	current := p.OnHand
	if qty, staged := tx.onHand[productID]; staged {
		current = qty
	}
	if current != oldOnHand {
		return inventory.NewConcurrencyError("update_product_quantity", productID, "在庫数が読み取り時から変化しています")
	}
	tx.onHand[productID] = newOnHand
	tx.touched[productID] = time.Now().UTC()
	return nil
}

func (tx *memoryTx) InsertStockTransaction(ctx context.Context, record *inventory.StockTransaction) error {
	if _, exists := tx.s.txIndex[record.ID]; exists {
		return inventory.NewStorageError("insert_stock_transaction", "トランザクションIDが重複しています", nil)
	}
	if record.ReversalOf != "" {
		if _, reversed := tx.s.reversals[record.ReversalOf]; reversed {
			return inventory.ErrAlreadyReversed
		}
	}
	tx.inserted = append(tx.inserted, *record)
	return nil
}

func (tx *memoryTx) GetTransaction(ctx context.Context, transactionID string) (*inventory.StockTransaction, error) {
	for i := range tx.inserted {
		if tx.inserted[i].ID == transactionID {
			record := tx.inserted[i]
			return &record, nil
		}
	}
	return tx.s.getTransaction(transactionID)
}

func (tx *memoryTx) CountTransactions(ctx context.Context, productID string, transactionType inventory.TransactionType) (int64, error) {
	var count int64
	for _, records := range [][]inventory.StockTransaction{tx.s.transactions, tx.inserted} {
		for _, record := range records {
			if record.ProductID == productID && record.Type == transactionType {
				count++
			}
		}
	}
	return count, nil
}

func (tx *memoryTx) HasReversal(ctx context.Context, transactionID string) (bool, error) {
	if _, ok := tx.s.reversals[transactionID]; ok {
		return true, nil
	}
	for _, record := range tx.inserted {
		if record.ReversalOf == transactionID {
			return true, nil
		}
	}
	return false, nil
}

// CreateProduct stores a new product
// 新しい商品を保存
func (s *MemoryStorage) CreateProduct(ctx context.Context, product *inventory.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.skus[product.SKU]; exists {
		return inventory.ErrDuplicateSKU
	}
	if _, exists := s.products[product.ID]; exists {
		return inventory.NewStorageError("create_product", "商品IDが重複しています", nil)
	}
	s.products[product.ID] = *product
	s.skus[product.SKU] = product.ID
	return nil
}

// GetProduct retrieves a product by ID
func (s *MemoryStorage) GetProduct(ctx context.Context, productID string) (*inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, inventory.ErrProductNotFound
	}
	return &p, nil
}

// GetProductBySKU retrieves a product by SKU
func (s *MemoryStorage) GetProductBySKU(ctx context.Context, sku string) (*inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.skus[sku]
	if !ok {
		return nil, inventory.ErrProductNotFound
	}
	p := s.products[id]
	return &p, nil
}

// ListProducts lists products ordered by name
func (s *MemoryStorage) ListProducts(ctx context.Context, offset, limit int) ([]inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := make([]inventory.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Name == products[j].Name {
			return products[i].ID < products[j].ID
		}
		return products[i].Name < products[j].Name
	})
	return page(products, offset, limit), nil
}

// ListReorderCandidates lists products with a reorder level whose stock is at or below it
func (s *MemoryStorage) ListReorderCandidates(ctx context.Context) ([]inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var products []inventory.Product
	for _, p := range s.products {
		if p.ReorderLevel > 0 && p.OnHand <= p.ReorderLevel {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// GetTransaction retrieves a stock transaction by ID
func (s *MemoryStorage) GetTransaction(ctx context.Context, transactionID string) (*inventory.StockTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTransaction(transactionID)
}

func (s *MemoryStorage) getTransaction(transactionID string) (*inventory.StockTransaction, error) {
	i, ok := s.txIndex[transactionID]
	if !ok {
		return nil, inventory.ErrTransactionNotFound
	}
	record := s.transactions[i]
	return &record, nil
}

// ListTransactions lists the latest transactions of a product, newest first
func (s *MemoryStorage) ListTransactions(ctx context.Context, productID string, limit int) ([]inventory.StockTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []inventory.StockTransaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].ProductID != productID {
			continue
		}
		out = append(out, s.transactions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListTransactionsByDateRange lists transactions of a product created within [from, to], oldest first
func (s *MemoryStorage) ListTransactionsByDateRange(ctx context.Context, productID string, from, to time.Time) ([]inventory.StockTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []inventory.StockTransaction
	for _, record := range s.transactions {
		if record.ProductID != productID {
			continue
		}
		if record.CreatedAt.Before(from) || record.CreatedAt.After(to) {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

// CreateBatch stores a medicine batch
func (s *MemoryStorage) CreateBatch(ctx context.Context, batch *inventory.MedicineBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[batch.ProductID]; !ok {
		return inventory.ErrProductNotFound
	}
	for _, b := range s.batches {
		if b.ProductID == batch.ProductID && b.BatchNumber == batch.BatchNumber {
			return inventory.ErrDuplicateBatch
		}
	}
	s.batches[batch.ID] = *batch
	return nil
}

// GetBatch retrieves a batch by ID
func (s *MemoryStorage) GetBatch(ctx context.Context, batchID string) (*inventory.MedicineBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, inventory.ErrBatchNotFound
	}
	return &b, nil
}

// ListBatches lists batches of a product ordered by expiry date
func (s *MemoryStorage) ListBatches(ctx context.Context, productID string) ([]inventory.MedicineBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []inventory.MedicineBatch
	for _, b := range s.batches {
		if b.ProductID == productID {
			out = append(out, b)
		}
	}
	sortBatches(out)
	return out, nil
}

// ListActiveBatches lists batches with quantity remaining, ordered by expiry date
func (s *MemoryStorage) ListActiveBatches(ctx context.Context) ([]inventory.MedicineBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []inventory.MedicineBatch
	for _, b := range s.batches {
		if b.QuantityRemaining > 0 {
			out = append(out, b)
		}
	}
	sortBatches(out)
	return out, nil
}

// Ping reports whether the storage is open
func (s *MemoryStorage) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return inventory.NewStorageError("ping", "ストレージは閉じられています", nil)
	}
	return nil
}

// Close marks the storage closed
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortBatches(batches []inventory.MedicineBatch) {
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].ExpiryDate.Equal(batches[j].ExpiryDate) {
			return batches[i].BatchNumber < batches[j].BatchNumber
		}
		return batches[i].ExpiryDate.Before(batches[j].ExpiryDate)
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
