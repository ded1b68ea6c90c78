package sales

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"pos_sales/internal/lock"
)

// Ledger is the authoritative stock/price view of the catalog inside a transaction.
type Ledger interface {
	// Snapshot locks the product row until the transaction ends and returns
	// its current price and stock. Fails with ErrProductNotFound.
	Snapshot(ctx context.Context, productID int64) (ProductSnapshot, error)
	// Decrement lowers stock by quantity. Fails with ErrInsufficientStock.
	Decrement(ctx context.Context, productID int64, quantity int) error
	// Restore raises stock by quantity.
	Restore(ctx context.Context, productID int64, quantity int) error
}

// Tx is one atomic unit of work over the ledger and the sale records.
type Tx interface {
	Ledger
	// InsertSale persists the sale and its lines and assigns sale.ID and sale.CreatedAt.
	InsertSale(ctx context.Context, sale *Sale) error
	// SaleForUpdate locks and returns the sale with its lines. Fails with ErrSaleNotFound.
	SaleForUpdate(ctx context.Context, id int64) (*Sale, error)
	// DeleteSale removes the sale and its lines.
	DeleteSale(ctx context.Context, id int64) error
}

// Store is the main interface for our sales storage layer.
type Store interface {
	// WithinTx runs fn in a transaction. Any error returned by fn rolls back
	// every mutation made through tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Read(ctx context.Context, id int64) (*Sale, error)
	Search(ctx context.Context, filter SaleFilter) ([]*Sale, error)
}

// LocalStorage provides an in-memory Store. Product rows are locked through a
// keyed lock table; writes are staged per transaction and applied on commit,
// so readers never observe a half-applied sale.
type LocalStorage struct {
	mu       sync.RWMutex
	products map[int64]ProductSnapshot
	sales    map[int64]*Sale
	lastID   int64

	locks       *lock.Keyed
	lockTimeout time.Duration
	now         func() time.Time
}

// NewLocalStorage instantiates an empty LocalStorage. lockTimeout bounds the wait
// for a single row lock; zero waits until the context is done.
func NewLocalStorage(lockTimeout time.Duration) *LocalStorage {
	return &LocalStorage{
		products:    map[int64]ProductSnapshot{},
		sales:       map[int64]*Sale{},
		locks:       lock.NewKeyed(),
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

// PutProduct creates or replaces a catalog entry. It waits for the product's
// row lock like any transaction does, so an open sale cannot commit stale stock
// over it.
func (l *LocalStorage) PutProduct(p ProductSnapshot) error {
	if p.ID <= 0 {
		return fmt.Errorf("invalid product id %d", p.ID)
	}
	if p.Stock < 0 || p.Price.IsNegative() {
		return fmt.Errorf("product %d: stock and price must be non-negative", p.ID)
	}
	release, err := l.locks.Acquire(context.Background(), productKey(p.ID), l.lockTimeout)
	if err != nil {
		return fmt.Errorf("%w: waiting for %s", ErrContention, productKey(p.ID))
	}
	defer release()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.products[p.ID] = p
	return nil
}

// LoadCatalog reads a JSON array of products and stores each of them.
func (l *LocalStorage) LoadCatalog(r io.Reader) (int, error) {
	var products []ProductSnapshot
	if err := json.NewDecoder(r).Decode(&products); err != nil {
		return 0, fmt.Errorf("decoding catalog: %w", err)
	}
	for _, p := range products {
		if err := l.PutProduct(p); err != nil {
			return 0, err
		}
	}
	return len(products), nil
}

// Product returns the committed state of a product.
func (l *LocalStorage) Product(id int64) (ProductSnapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.products[id]
	if !ok {
		return ProductSnapshot{}, fmt.Errorf("%w: %d", ErrProductNotFound, id)
	}
	return p, nil
}

// Read retrieves a committed sale by ID.
// Returns ErrSaleNotFound if the sale is not found.
func (l *LocalStorage) Read(_ context.Context, id int64) (*Sale, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sales[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSaleNotFound, id)
	}
	return s.Clone(), nil
}

// Search returns the committed sales matching filter, newest first.
func (l *LocalStorage) Search(_ context.Context, filter SaleFilter) ([]*Sale, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]*Sale, 0, len(l.sales))
	for _, s := range l.sales {
		if filter.Match(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// WithinTx runs fn against a staged view and commits it atomically.
func (l *LocalStorage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &localTx{
		store:   l,
		held:    map[string]func(){},
		stock:   map[int64]int{},
		deleted: map[int64]bool{},
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return translateCtxErr(err)
	}
	tx.commit()
	return nil
}

type localTx struct {
	store    *LocalStorage
	held     map[string]func()
	stock    map[int64]int
	inserted []*Sale
	deleted  map[int64]bool
}

func (t *localTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	release, err := t.store.locks.Acquire(ctx, key, t.store.lockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return fmt.Errorf("%w: waiting for %s", ErrContention, key)
		}
		return translateCtxErr(err)
	}
	t.held[key] = release
	return nil
}

func (t *localTx) Snapshot(ctx context.Context, productID int64) (ProductSnapshot, error) {
	if err := t.lock(ctx, productKey(productID)); err != nil {
		return ProductSnapshot{}, err
	}
	p, err := t.store.Product(productID)
	if err != nil {
		return ProductSnapshot{}, err
	}
	if staged, ok := t.stock[productID]; ok {
		p.Stock = staged
	} else {
		t.stock[productID] = p.Stock
	}
	return p, nil
}

func (t *localTx) Decrement(ctx context.Context, productID int64, quantity int) error {
	p, err := t.Snapshot(ctx, productID)
	if err != nil {
		return err
	}
	if p.Stock < quantity {
		return fmt.Errorf("%w: product %d has %d, requested %d", ErrInsufficientStock, productID, p.Stock, quantity)
	}
	t.stock[productID] = p.Stock - quantity
	return nil
}

func (t *localTx) Restore(ctx context.Context, productID int64, quantity int) error {
	p, err := t.Snapshot(ctx, productID)
	if err != nil {
		return err
	}
	t.stock[productID] = p.Stock + quantity
	return nil
}

func (t *localTx) InsertSale(_ context.Context, sale *Sale) error {
	t.store.mu.Lock()
	t.store.lastID++
	sale.ID = t.store.lastID
	t.store.mu.Unlock()

	t.inserted = append(t.inserted, sale)
	return nil
}

func (t *localTx) SaleForUpdate(ctx context.Context, id int64) (*Sale, error) {
	if err := t.lock(ctx, saleKey(id)); err != nil {
		return nil, err
	}
	if t.deleted[id] {
		return nil, fmt.Errorf("%w: %d", ErrSaleNotFound, id)
	}
	for _, s := range t.inserted {
		if s.ID == id {
			return s.Clone(), nil
		}
	}
	return t.store.Read(ctx, id)
}

func (t *localTx) DeleteSale(ctx context.Context, id int64) error {
	if _, err := t.SaleForUpdate(ctx, id); err != nil {
		return err
	}
	t.deleted[id] = true
	return nil
}

func (t *localTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, stock := range t.stock {
		p := s.products[id]
		p.Stock = stock
		s.products[id] = p
	}
	for _, sale := range t.inserted {
		sale.CreatedAt = now
		s.sales[sale.ID] = sale.Clone()
	}
	for id := range t.deleted {
		delete(s.sales, id)
	}
}

func (t *localTx) release() {
	for _, release := range t.held {
		release()
	}
	t.held = nil
}

func productKey(id int64) string { return "product:" + strconv.FormatInt(id, 10) }

func saleKey(id int64) string { return "sale:" + strconv.FormatInt(id, 10) }

func translateCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrContention, err)
	}
	return err
}
