//go:build integration

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nemonet1337/pharmaledger/pkg/inventory"
)

// PostgresSuite runs the ledger against a real PostgreSQL container
type PostgresSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	store     *PostgreSQLStorage
	ledger    *inventory.Ledger
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	s.ctx = context.Background()
	logger := zap.NewNop()

	container, err := postgres.Run(s.ctx, "postgres:16-alpine",
		postgres.WithDatabase("pharmaledger"),
		postgres.WithUsername("pharmaledger"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	url, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.Require().NoError(Migrate(url, logger))

	store, err := NewPostgreSQLStorage(url, logger)
	s.Require().NoError(err)
	s.store = store
	s.ledger = inventory.NewLedger(store, nil, logger, nil)
}

func (s *PostgresSuite) TearDownSuite() {
	if s.store != nil {
		s.NoError(s.store.Close())
	}
	if s.container != nil {
		s.NoError(testcontainers.TerminateContainer(s.container))
	}
}

func (s *PostgresSuite) createProduct(sku string, openingStock int64) *inventory.Product {
	product := &inventory.Product{
		Name:         "テスト医薬品 " + sku,
		SKU:          sku,
		ReorderLevel: 20,
		CostPrice:    decimal.RequireFromString("15.40"),
		SellingPrice: decimal.RequireFromString("22.00"),
	}
	s.Require().NoError(s.ledger.CreateProduct(s.ctx, product))

	if openingStock > 0 {
		_, err := s.ledger.ApplyMovement(s.ctx, inventory.Movement{
			ProductID: product.ID,
			Type:      inventory.TransactionTypeOpeningStock,
			Quantity:  openingStock,
			UnitPrice: decimal.NewNullDecimal(product.CostPrice),
		})
		s.Require().NoError(err)
	}
	return product
}

func (s *PostgresSuite) TestApplyMovementAndHistory() {
	product := s.createProduct("PG-SALE-1", 10)

	result, err := s.ledger.ApplyMovement(inventory.WithActor(s.ctx, "pharmacist-07"), inventory.Movement{
		ProductID:   product.ID,
		Type:        inventory.TransactionTypeSale,
		Quantity:    4,
		UnitPrice:   decimal.NewNullDecimal(decimal.RequireFromString("22.00")),
		ReferenceID: "RCPT-0001",
	})
	s.Require().NoError(err)
	s.Equal(int64(6), result.NewOnHand)

	stored, err := s.store.GetProduct(s.ctx, product.ID)
	s.Require().NoError(err)
	s.Equal(int64(6), stored.OnHand)
	s.True(decimal.RequireFromString("15.40").Equal(stored.CostPrice))

	history, err := s.ledger.History(s.ctx, product.ID, 10)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(inventory.TransactionTypeSale, history[0].Type)
	s.Equal("pharmacist-07", history[0].CreatedBy)
	s.Equal("RCPT-0001", history[0].ReferenceID)
	s.True(history[0].UnitPrice.Valid)
}

func (s *PostgresSuite) TestInsufficientStockLeavesStateUnchanged() {
	product := s.createProduct("PG-SHORT-1", 3)

	_, err := s.ledger.ApplyMovement(s.ctx, inventory.Movement{
		ProductID: product.ID,
		Type:      inventory.TransactionTypeSale,
		Quantity:  5,
	})
	s.ErrorIs(err, inventory.ErrInsufficientStock)

	stored, err := s.store.GetProduct(s.ctx, product.ID)
	s.Require().NoError(err)
	s.Equal(int64(3), stored.OnHand)

	history, err := s.store.ListTransactions(s.ctx, product.ID, 10)
	s.Require().NoError(err)
	s.Len(history, 1)
}

func (s *PostgresSuite) TestConcurrentSales() {
	product := s.createProduct("PG-CONC-1", 30)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ledger.ApplyMovement(s.ctx, inventory.Movement{
				ProductID: product.ID,
				Type:      inventory.TransactionTypeSale,
				Quantity:  2,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, inventory.ErrInsufficientStock) {
				s.T().Errorf("予期しないエラー: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, err := s.store.GetProduct(s.ctx, product.ID)
	s.Require().NoError(err)
	s.Equal(15, succeeded)
	s.Equal(int64(0), stored.OnHand)
}

func (s *PostgresSuite) TestReverseOnce() {
	product := s.createProduct("PG-REV-1", 10)

	sale, err := s.ledger.ApplyMovement(s.ctx, inventory.Movement{
		ProductID: product.ID,
		Type:      inventory.TransactionTypeSale,
		Quantity:  2,
	})
	s.Require().NoError(err)

	reversal, err := s.ledger.Reverse(s.ctx, sale.Transaction.ID, "返金")
	s.Require().NoError(err)
	s.Equal(int64(10), reversal.NewOnHand)

	_, err = s.ledger.Reverse(s.ctx, sale.Transaction.ID, "")
	s.ErrorIs(err, inventory.ErrAlreadyReversed)
}

func (s *PostgresSuite) TestCatalogConstraints() {
	s.createProduct("PG-DUP-1", 0)

	err := s.ledger.CreateProduct(s.ctx, &inventory.Product{Name: "重複", SKU: "PG-DUP-1"})
	s.ErrorIs(err, inventory.ErrDuplicateSKU)

	_, err = s.ledger.GetProduct(s.ctx, "not-a-uuid")
	s.ErrorIs(err, inventory.ErrProductNotFound)
}

func (s *PostgresSuite) TestBatchesAndAlerts() {
	product := s.createProduct("PG-LOT-1", 4)
	tracker := inventory.NewBatchTracker(s.store, zap.NewNop())
	today := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	batch := &inventory.MedicineBatch{
		ProductID:        product.ID,
		BatchNumber:      "PG-LOT-A",
		ExpiryDate:       today.AddDate(0, 0, 20),
		QuantityReceived: 4,
		PurchasePrice:    decimal.RequireFromString("15.40"),
	}
	s.Require().NoError(tracker.RegisterBatch(s.ctx, batch))
	s.ErrorIs(tracker.RegisterBatch(s.ctx, &inventory.MedicineBatch{
		ProductID:        product.ID,
		BatchNumber:      "PG-LOT-A",
		ExpiryDate:       today,
		QuantityReceived: 1,
	}), inventory.ErrDuplicateBatch)

	alerts := inventory.NewAlertService(s.store, zap.NewNop()).WithClock(func() time.Time { return today })

	expiry, err := alerts.ExpiryAlerts(s.ctx, inventory.ExpiryQuery{Level: inventory.ExpiryLevelCritical})
	s.Require().NoError(err)
	found := false
	for _, a := range expiry {
		if a.BatchID == batch.ID {
			found = true
			s.Equal(20, a.DaysToExpiry)
		}
	}
	s.True(found)

	lowStock, err := alerts.LowStockAlerts(s.ctx)
	s.Require().NoError(err)
	found = false
	for _, a := range lowStock {
		if a.ProductID == product.ID {
			found = true
			s.Equal(inventory.LowStockLevelCritical, a.Level)
		}
	}
	s.True(found)
}
