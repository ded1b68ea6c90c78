package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pos_sales/internal/config"
	"pos_sales/internal/sales"
)

func TestOpenStore_MemoryKnowsConfiguredClients(t *testing.T) {
	catalog := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(catalog, []byte(`[{"id_producto": 1, "nombre": "Cafe", "precio": "10", "stock": 5}]`), 0o600))

	cfg := config.Config{
		StoreDriver:    config.DriverMemory,
		CatalogFile:    catalog,
		ClientIDs:      []int64{7},
		WalkInClientID: 1,
		LockTimeout:    time.Second,
	}
	logger := zaptest.NewLogger(t)

	store, directory, closeStore, err := openStore(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer closeStore()

	for _, id := range []int64{1, 7} {
		ok, err := directory.Exists(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok, "client %d", id)
	}
	ok, err := directory.Exists(context.Background(), 8)
	require.NoError(t, err)
	assert.False(t, ok)

	svc := sales.NewService(store, logger, sales.WithClientDirectory(directory))
	clientID := int64(7)
	employee := sales.Actor{ID: 10, Role: sales.RoleEmployee}
	sale, err := svc.CreateSale(context.Background(), employee, sales.CreateSaleRequest{
		ClientID: &clientID,
		Lines:    []sales.LineRequest{{ProductID: 1, Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, clientID, sale.ClientID)

	purchases, meta, err := svc.SearchSales(context.Background(), sales.SaleFilter{ClientID: clientID})
	require.NoError(t, err)
	assert.Len(t, purchases, 1)
	assert.Equal(t, 1, meta.Quantity)
}
