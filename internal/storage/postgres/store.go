package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"pos_sales/internal/config"
	"pos_sales/internal/sales"
)

// Store implements sales.Store and clients.Directory over the punto de venta
// schema. Row locks are taken with SELECT ... FOR UPDATE inside one database
// transaction; lock_timeout bounds every wait.
type Store struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// Open connects using cfg and runs Migrate when DB_MIGRATE is set.
func Open(ctx context.Context, cfg config.Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)

	s := New(db, cfg.LockTimeout)
	if cfg.DBMigrate {
		if err := s.Migrate(ctx, cfg.WalkInClientID); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return s, nil
}

// New wraps an open connection pool.
func New(db *sqlx.DB, lockTimeout time.Duration) *Store {
	return &Store{db: db, lockTimeout: lockTimeout}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return translateErr(s.db.PingContext(ctx))
}

// WithinTx runs fn in a database transaction. The transaction is rolled back
// unless fn returns nil and the commit succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx sales.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return translateErr(err)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translateErr(err)
	}
	return nil
}

const selectSale = `SELECT id_venta, id_cliente, id_usuario, fecha, total FROM ventas`

// Read returns a committed sale with its lines.
func (s *Store) Read(ctx context.Context, id int64) (*sales.Sale, error) {
	return readSale(ctx, s.db, id, false)
}

// Search returns the committed sales matching filter, newest first.
func (s *Store) Search(ctx context.Context, filter sales.SaleFilter) ([]*sales.Sale, error) {
	query, args := searchQuery(filter)

	var found []*sales.Sale
	if err := s.db.SelectContext(ctx, &found, query, args...); err != nil {
		return nil, translateErr(err)
	}
	if len(found) == 0 {
		return found, nil
	}

	ids := make([]int64, len(found))
	byID := make(map[int64]*sales.Sale, len(found))
	for i, sale := range found {
		ids[i] = sale.ID
		byID[sale.ID] = sale
	}

	var rows []lineRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id_venta, id_producto, cantidad, precio_unitario FROM detalle_venta
		 WHERE id_venta = ANY($1) ORDER BY id_detalle`, pq.Array(ids))
	if err != nil {
		return nil, translateErr(err)
	}
	for _, r := range rows {
		if sale, ok := byID[r.SaleID]; ok {
			sale.Lines = append(sale.Lines, r.Line)
		}
	}
	return found, nil
}

func searchQuery(filter sales.SaleFilter) (string, []any) {
	query := selectSale + ` WHERE 1=1`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}
	if filter.EmployeeID != 0 {
		add("id_usuario = $%d", filter.EmployeeID)
	}
	if filter.ClientID != 0 {
		add("id_cliente = $%d", filter.ClientID)
	}
	if !filter.From.IsZero() {
		add("fecha >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("fecha < $%d", filter.To)
	}
	return query + ` ORDER BY fecha DESC, id_venta DESC`, args
}

// Exists reports whether a client row exists.
func (s *Store) Exists(ctx context.Context, clientID int64) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok, `SELECT EXISTS(SELECT 1 FROM clientes WHERE id_cliente = $1)`, clientID)
	if err != nil {
		return false, translateErr(err)
	}
	return ok, nil
}

// PutProduct creates or replaces a catalog row.
func (s *Store) PutProduct(ctx context.Context, p sales.ProductSnapshot) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO productos (id_producto, nombre, precio, stock)
		 VALUES (:id_producto, :nombre, :precio, :stock)
		 ON CONFLICT (id_producto) DO UPDATE
		 SET nombre = EXCLUDED.nombre, precio = EXCLUDED.precio, stock = EXCLUDED.stock`, p)
	return translateErr(err)
}

// Product returns the committed state of a product.
func (s *Store) Product(ctx context.Context, id int64) (sales.ProductSnapshot, error) {
	var p sales.ProductSnapshot
	err := s.db.GetContext(ctx, &p, `SELECT id_producto, nombre, precio, stock FROM productos WHERE id_producto = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%w: %d", sales.ErrProductNotFound, id)
	}
	return p, translateErr(err)
}

type lineRow struct {
	SaleID int64 `db:"id_venta"`
	sales.Line
}

func readSale(ctx context.Context, q sqlx.QueryerContext, id int64, forUpdate bool) (*sales.Sale, error) {
	query := selectSale + ` WHERE id_venta = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var sale sales.Sale
	if err := sqlx.GetContext(ctx, q, &sale, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", sales.ErrSaleNotFound, id)
		}
		return nil, translateErr(err)
	}

	err := sqlx.SelectContext(ctx, q, &sale.Lines,
		`SELECT id_producto, cantidad, precio_unitario FROM detalle_venta WHERE id_venta = $1 ORDER BY id_detalle`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &sale, nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) Snapshot(ctx context.Context, productID int64) (sales.ProductSnapshot, error) {
	var p sales.ProductSnapshot
	err := t.tx.GetContext(ctx, &p,
		`SELECT id_producto, nombre, precio, stock FROM productos WHERE id_producto = $1 FOR UPDATE`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%w: %d", sales.ErrProductNotFound, productID)
	}
	return p, translateErr(err)
}

func (t *pgTx) Decrement(ctx context.Context, productID int64, quantity int) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE productos SET stock = stock - $1 WHERE id_producto = $2 AND stock >= $1`, quantity, productID)
	if err != nil {
		return translateErr(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return translateErr(err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: product %d, requested %d", sales.ErrInsufficientStock, productID, quantity)
	}
	return nil
}

func (t *pgTx) Restore(ctx context.Context, productID int64, quantity int) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE productos SET stock = stock + $1 WHERE id_producto = $2`, quantity, productID)
	if err != nil {
		return translateErr(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return translateErr(err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %d", sales.ErrProductNotFound, productID)
	}
	return nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale *sales.Sale) error {
	err := t.tx.QueryRowxContext(ctx,
		`INSERT INTO ventas (id_cliente, id_usuario, total) VALUES ($1, $2, $3) RETURNING id_venta, fecha`,
		sale.ClientID, sale.EmployeeID, sale.Total,
	).Scan(&sale.ID, &sale.CreatedAt)
	if err != nil {
		return translateErr(err)
	}

	for _, l := range sale.Lines {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO detalle_venta (id_venta, id_producto, cantidad, precio_unitario) VALUES ($1, $2, $3, $4)`,
			sale.ID, l.ProductID, l.Quantity, l.UnitPrice)
		if err != nil {
			return translateErr(err)
		}
	}
	return nil
}

func (t *pgTx) SaleForUpdate(ctx context.Context, id int64) (*sales.Sale, error) {
	return readSale(ctx, t.tx, id, true)
}

func (t *pgTx) DeleteSale(ctx context.Context, id int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM detalle_venta WHERE id_venta = $1`, id); err != nil {
		return translateErr(err)
	}
	result, err := t.tx.ExecContext(ctx, `DELETE FROM ventas WHERE id_venta = $1`, id)
	if err != nil {
		return translateErr(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return translateErr(err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %d", sales.ErrSaleNotFound, id)
	}
	return nil
}

// PostgreSQL error codes reported when a row lock cannot be had.
const (
	codeLockNotAvailable     = "55P03"
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
)

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", sales.ErrContention, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFailure:
			return fmt.Errorf("%w: %s", sales.ErrContention, pqErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", sales.ErrStorage, err)
}
