package sales

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pos_sales/internal/clients"
	"pos_sales/internal/events"
)

var (
	employee1 = Actor{ID: 10, Role: RoleEmployee}
	employee2 = Actor{ID: 20, Role: RoleEmployee}
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []events.SaleEvent
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, _ string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.events = append(r.events, event.(events.SaleEvent))
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func newTestService(t *testing.T, products ...ProductSnapshot) (*Service, *LocalStorage, *recordingPublisher) {
	t.Helper()
	store := NewLocalStorage(2 * time.Second)
	for _, p := range products {
		require.NoError(t, store.PutProduct(p))
	}
	pub := &recordingPublisher{}
	svc := NewService(store, zaptest.NewLogger(t), WithPublisher(pub))
	return svc, store, pub
}

func product(id int64, price string, stock int) ProductSnapshot {
	return ProductSnapshot{ID: id, Name: "product", Price: decimal.RequireFromString(price), Stock: stock}
}

func order(lines ...LineRequest) CreateSaleRequest {
	return CreateSaleRequest{Lines: lines}
}

func line(productID int64, quantity int) LineRequest {
	return LineRequest{ProductID: productID, Quantity: quantity}
}

func stockOf(t *testing.T, store *LocalStorage, id int64) int {
	t.Helper()
	p, err := store.Product(id)
	require.NoError(t, err)
	return p.Stock
}

func salesCount(t *testing.T, store *LocalStorage) int {
	t.Helper()
	all, err := store.Search(context.Background(), SaleFilter{})
	require.NoError(t, err)
	return len(all)
}

// TestNewService verifica la inicialización del servicio.
func TestNewService(t *testing.T) {
	store := NewLocalStorage(time.Second)
	svc := NewService(store, zaptest.NewLogger(t))

	require.NotNil(t, svc)
	assert.NotNil(t, svc.storage)
	assert.NotNil(t, svc.logger)
	assert.NotNil(t, svc.publisher, "a no-op publisher is installed by default")
	assert.Equal(t, DefaultWalkInClientID, svc.walkInID)

	svc = NewService(store, nil, WithWalkInClient(99))
	assert.NotNil(t, svc.logger)
	assert.Equal(t, int64(99), svc.walkInID)
}

func TestCreateSale_CommitsAndDecrements(t *testing.T) {
	svc, store, pub := newTestService(t, product(1, "10", 5))

	sale, err := svc.CreateSale(context.Background(), employee1, order(line(1, 3)))
	require.NoError(t, err)

	assert.NotZero(t, sale.ID)
	assert.True(t, decimal.NewFromInt(30).Equal(sale.Total), "total = 3 * 10, got %s", sale.Total)
	assert.Equal(t, 2, stockOf(t, store, 1))
	assert.Equal(t, DefaultWalkInClientID, sale.ClientID)
	assert.Equal(t, employee1.ID, sale.EmployeeID)
	assert.False(t, sale.CreatedAt.IsZero(), "timestamp assigned at commit")

	stored, err := svc.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 1)
	assert.True(t, decimal.NewFromInt(10).Equal(stored.Lines[0].UnitPrice))

	require.Len(t, pub.topics, 1)
	assert.Equal(t, events.TopicSaleCreated, pub.topics[0])
	assert.Equal(t, sale.ID, pub.events[0].SaleID)
	assert.NotEmpty(t, pub.events[0].EventID)
}

func TestCreateSale_InsufficientStockLeavesStateUntouched(t *testing.T) {
	svc, store, pub := newTestService(t, product(1, "10", 2))

	sale, err := svc.CreateSale(context.Background(), employee1, order(line(1, 3)))

	assert.Nil(t, sale)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.False(t, Retryable(err))
	assert.Equal(t, 2, stockOf(t, store, 1))
	assert.Equal(t, 0, salesCount(t, store))
	assert.Empty(t, pub.topics, "nothing is published for a rejected sale")
}

func TestCreateSale_EmptyOrder(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "10", 5))

	_, err := svc.CreateSale(context.Background(), employee1, order())
	assert.ErrorIs(t, err, ErrEmptyOrder)
	assert.Equal(t, "EMPTY_ORDER", Code(err))
	assert.Equal(t, 0, salesCount(t, store))
}

func TestCreateSale_InvalidLine(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "10", 5))

	_, err := svc.CreateSale(context.Background(), employee1, order(line(1, 0)))
	assert.ErrorIs(t, err, ErrInvalidLine)

	_, err = svc.CreateSale(context.Background(), employee1, order(line(-4, 1)))
	assert.ErrorIs(t, err, ErrInvalidLine)
	assert.Equal(t, 5, stockOf(t, store, 1))
}

func TestCreateSale_RequiresEmployeeRole(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "10", 5))

	for _, actor := range []Actor{
		{ID: 1, Role: RoleAdmin},
		{ID: 2, Role: RoleClient},
		{ID: 0, Role: RoleEmployee},
	} {
		_, err := svc.CreateSale(context.Background(), actor, order(line(1, 1)))
		assert.ErrorIs(t, err, ErrForbidden, "actor %+v", actor)
	}
	assert.Equal(t, 5, stockOf(t, store, 1))
}

func TestCreateSale_ProductNotFoundRollsBackEarlierLines(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "10", 5))

	_, err := svc.CreateSale(context.Background(), employee1, order(line(1, 2), line(404, 1)))

	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.Equal(t, 5, stockOf(t, store, 1))
	assert.Equal(t, 0, salesCount(t, store))
}

func TestCreateSale_LaterLineFailureRollsBackEarlierDecrements(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "10", 5), product(2, "4.50", 1))

	_, err := svc.CreateSale(context.Background(), employee1, order(line(1, 5), line(2, 2)))

	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 5, stockOf(t, store, 1))
	assert.Equal(t, 1, stockOf(t, store, 2))
	assert.Equal(t, 0, salesCount(t, store))
}

func TestCreateSale_DuplicateProductLinesAreNotMerged(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "2.25", 5))

	_, err := svc.CreateSale(context.Background(), employee1, order(line(1, 3), line(1, 3)))
	assert.ErrorIs(t, err, ErrInsufficientStock, "second line sees the stock left by the first")
	assert.Equal(t, 5, stockOf(t, store, 1))

	sale, err := svc.CreateSale(context.Background(), employee1, order(line(1, 2), line(1, 3)))
	require.NoError(t, err)
	assert.Len(t, sale.Lines, 2)
	assert.True(t, decimal.RequireFromString("11.25").Equal(sale.Total))
	assert.Equal(t, 0, stockOf(t, store, 1))
}

func TestCreateSale_UnitPriceIsFrozen(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "10", 5))

	sale, err := svc.CreateSale(context.Background(), employee1, order(line(1, 1)))
	require.NoError(t, err)

	require.NoError(t, store.PutProduct(product(1, "99", 4)))

	stored, err := svc.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(stored.Lines[0].UnitPrice))
	assert.True(t, decimal.NewFromInt(10).Equal(stored.Total))
}

func TestCreateSale_ClientResolution(t *testing.T) {
	store := NewLocalStorage(time.Second)
	require.NoError(t, store.PutProduct(product(1, "1", 10)))
	svc := NewService(store, zaptest.NewLogger(t),
		WithWalkInClient(5),
		WithClientDirectory(clients.NewStatic(5, 42)),
	)

	sale, err := svc.CreateSale(context.Background(), employee1, order(line(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, int64(5), sale.ClientID, "no client means walk-in")

	zero := int64(0)
	sale, err = svc.CreateSale(context.Background(), employee1, CreateSaleRequest{ClientID: &zero, Lines: []LineRequest{line(1, 1)}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), sale.ClientID, "zero client means walk-in")

	known := int64(42)
	sale, err = svc.CreateSale(context.Background(), employee1, CreateSaleRequest{ClientID: &known, Lines: []LineRequest{line(1, 1)}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), sale.ClientID)

	unknown := int64(43)
	_, err = svc.CreateSale(context.Background(), employee1, CreateSaleRequest{ClientID: &unknown, Lines: []LineRequest{line(1, 1)}})
	assert.ErrorIs(t, err, ErrClientNotFound)
	assert.Equal(t, 7, stockOf(t, store, 1))
}

type failingDirectory struct{}

func (failingDirectory) Exists(context.Context, int64) (bool, error) {
	return false, errors.New("registry down")
}

func TestCreateSale_ClientLookupFailureIsRetryable(t *testing.T) {
	store := NewLocalStorage(time.Second)
	require.NoError(t, store.PutProduct(product(1, "1", 10)))
	svc := NewService(store, zaptest.NewLogger(t), WithClientDirectory(failingDirectory{}))

	id := int64(3)
	_, err := svc.CreateSale(context.Background(), employee1, CreateSaleRequest{ClientID: &id, Lines: []LineRequest{line(1, 1)}})
	assert.ErrorIs(t, err, ErrStorage)
	assert.True(t, Retryable(err))
}

func TestCreateSale_PublishFailureDoesNotUndoCommit(t *testing.T) {
	svc, store, pub := newTestService(t, product(1, "10", 5))
	pub.err = errors.New("broker unavailable")

	sale, err := svc.CreateSale(context.Background(), employee1, order(line(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, 4, stockOf(t, store, 1))

	_, err = svc.GetSale(context.Background(), sale.ID)
	assert.NoError(t, err)
}

func TestVoidSale_ByOtherEmployeeIsForbidden(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "10", 5))

	sale, err := svc.CreateSale(context.Background(), employee1, order(line(1, 3)))
	require.NoError(t, err)

	err = svc.VoidSale(context.Background(), employee2, sale.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 2, stockOf(t, store, 1))

	admin := Actor{ID: 1, Role: RoleAdmin}
	err = svc.VoidSale(context.Background(), admin, sale.ID)
	assert.ErrorIs(t, err, ErrForbidden, "administrators are not exempt")

	_, err = svc.GetSale(context.Background(), sale.ID)
	assert.NoError(t, err)
}

func TestVoidSale_RestoresStockAndDeletes(t *testing.T) {
	svc, store, pub := newTestService(t, product(1, "10", 5))

	sale, err := svc.CreateSale(context.Background(), employee1, order(line(1, 3)))
	require.NoError(t, err)
	require.Equal(t, 2, stockOf(t, store, 1))

	require.NoError(t, svc.VoidSale(context.Background(), employee1, sale.ID))

	assert.Equal(t, 5, stockOf(t, store, 1))
	_, err = svc.GetSale(context.Background(), sale.ID)
	assert.ErrorIs(t, err, ErrSaleNotFound)

	require.Len(t, pub.topics, 2)
	assert.Equal(t, events.TopicSaleVoided, pub.topics[1])
	assert.Equal(t, sale.ID, pub.events[1].SaleID)
	assert.Equal(t, employee1.ID, pub.events[1].ActorID)
}

func TestVoidSale_ExactlyReversesMultiLineSale(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "10", 5), product(2, "3", 8), product(3, "1", 1))

	sale, err := svc.CreateSale(context.Background(), employee1, order(line(2, 4), line(1, 1), line(2, 4), line(3, 1)))
	require.NoError(t, err)
	assert.Equal(t, 0, stockOf(t, store, 2))

	require.NoError(t, svc.VoidSale(context.Background(), employee1, sale.ID))
	assert.Equal(t, 5, stockOf(t, store, 1))
	assert.Equal(t, 8, stockOf(t, store, 2))
	assert.Equal(t, 1, stockOf(t, store, 3))
}

func TestVoidSale_NotFoundAndTwice(t *testing.T) {
	svc, _, _ := newTestService(t, product(1, "10", 5))

	err := svc.VoidSale(context.Background(), employee1, 12345)
	assert.ErrorIs(t, err, ErrSaleNotFound)

	sale, err := svc.CreateSale(context.Background(), employee1, order(line(1, 1)))
	require.NoError(t, err)
	require.NoError(t, svc.VoidSale(context.Background(), employee1, sale.ID))

	err = svc.VoidSale(context.Background(), employee1, sale.ID)
	assert.ErrorIs(t, err, ErrSaleNotFound)
}

func TestSales_TotalsAndStockInvariant(t *testing.T) {
	initial := map[int64]int{1: 40, 2: 25, 3: 60}
	svc, store, _ := newTestService(t, product(1, "1.10", 40), product(2, "7.35", 25), product(3, "0.99", 60))
	rng := rand.New(rand.NewSource(7))

	var live []*Sale
	for i := 0; i < 60; i++ {
		if len(live) > 0 && rng.Intn(4) == 0 {
			idx := rng.Intn(len(live))
			require.NoError(t, svc.VoidSale(context.Background(), employee1, live[idx].ID))
			live = append(live[:idx], live[idx+1:]...)
			continue
		}

		var lines []LineRequest
		for n := rng.Intn(3) + 1; n > 0; n-- {
			lines = append(lines, line(int64(rng.Intn(3)+1), rng.Intn(4)+1))
		}
		sale, err := svc.CreateSale(context.Background(), employee1, order(lines...))
		if err != nil {
			require.ErrorIs(t, err, ErrInsufficientStock)
			continue
		}
		live = append(live, sale)
	}

	sold := map[int64]int{}
	for _, s := range live {
		stored, err := svc.GetSale(context.Background(), s.ID)
		require.NoError(t, err)
		assert.True(t, stored.LineTotal().Equal(stored.Total), "sale %d total %s", stored.ID, stored.Total)
		for _, l := range stored.Lines {
			sold[l.ProductID] += l.Quantity
		}
	}
	for id, start := range initial {
		stock := stockOf(t, store, id)
		assert.GreaterOrEqual(t, stock, 0)
		assert.Equal(t, start-sold[id], stock, "product %d", id)
	}
}

func TestCreateSale_ConcurrentOversellHasOneWinner(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "10", 5))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.CreateSale(context.Background(), employee1, order(line(1, 3)))
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientStock):
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 2, stockOf(t, store, 1))
}

func TestCreateSale_ConcurrentBuyersDrainStockExactly(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "1", 10))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.CreateSale(context.Background(), employee1, order(line(1, 1))); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 0, stockOf(t, store, 1))
	assert.Equal(t, 10, salesCount(t, store))
}

func TestCreateSale_OverlappingProductsInOppositeOrderDoNotDeadlock(t *testing.T) {
	svc, store, _ := newTestService(t, product(1, "1", 1000), product(2, "1", 1000))

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := order(line(1, 1), line(2, 1))
			if i%2 == 1 {
				req = order(line(2, 1), line(1, 1))
			}
			_, err := svc.CreateSale(context.Background(), employee1, req)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 960, stockOf(t, store, 1))
	assert.Equal(t, 960, stockOf(t, store, 2))
}

func TestCreateSale_LockTimeoutIsContention(t *testing.T) {
	store := NewLocalStorage(20 * time.Millisecond)
	require.NoError(t, store.PutProduct(product(1, "10", 5)))
	svc := NewService(store, zaptest.NewLogger(t))

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			if _, err := tx.Snapshot(ctx, 1); err != nil {
				return err
			}
			close(holding)
			<-done
			return errors.New("abort")
		})
	}()
	<-holding

	_, err := svc.CreateSale(context.Background(), employee1, order(line(1, 1)))
	assert.ErrorIs(t, err, ErrContention)
	assert.True(t, Retryable(err))
	assert.Equal(t, 5, stockOf(t, store, 1))

	close(done)
	assert.Eventually(t, func() bool {
		_, err := svc.CreateSale(context.Background(), employee1, order(line(1, 1)))
		return err == nil
	}, time.Second, 10*time.Millisecond, "retry succeeds once the lock is free")
	assert.Equal(t, 4, stockOf(t, store, 1))
}

func TestSearchSales_Metadata(t *testing.T) {
	svc, _, _ := newTestService(t, product(1, "10", 50), product(2, "2.5", 50))

	_, err := svc.CreateSale(context.Background(), employee1, order(line(1, 2)))
	require.NoError(t, err)
	_, err = svc.CreateSale(context.Background(), employee1, order(line(2, 2)))
	require.NoError(t, err)
	_, err = svc.CreateSale(context.Background(), employee2, order(line(1, 1), line(2, 1)))
	require.NoError(t, err)

	mine, meta, err := svc.SearchSales(context.Background(), SaleFilter{EmployeeID: employee1.ID})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	assert.Equal(t, 2, meta.Quantity)
	assert.True(t, decimal.NewFromInt(25).Equal(meta.TotalAmount), "got %s", meta.TotalAmount)

	from, to := Day(time.Now())
	all, meta, err := svc.SearchSales(context.Background(), SaleFilter{From: from, To: to})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.True(t, decimal.RequireFromString("37.5").Equal(meta.TotalAmount))
	assert.True(t, !all[0].CreatedAt.Before(all[2].CreatedAt), "newest first")

	none, meta, err := svc.SearchSales(context.Background(), SaleFilter{From: to})
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, 0, meta.Quantity)
}
