package sales

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Role names as they are stored in the roles table.
type Role string

const (
	RoleEmployee Role = "Empleado"
	RoleAdmin    Role = "Administrador"
	RoleClient   Role = "Cliente"
)

// Actor is the authenticated identity acting on the engine.
type Actor struct {
	ID       int64
	Role     Role
	ClientID *int64
}

// ProductSnapshot is the ledger view of a product at a point inside a transaction.
type ProductSnapshot struct {
	ID    int64           `json:"id_producto" db:"id_producto"`
	Name  string          `json:"nombre" db:"nombre"`
	Price decimal.Decimal `json:"precio" db:"precio"`
	Stock int             `json:"stock" db:"stock"`
}

// Line is one product entry of a sale. UnitPrice is frozen at the moment of sale.
type Line struct {
	ProductID int64           `json:"id_producto" db:"id_producto"`
	Quantity  int             `json:"cantidad" db:"cantidad"`
	UnitPrice decimal.Decimal `json:"precio_unitario" db:"precio_unitario"`
}

// Amount returns quantity * unit price.
func (l Line) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Sale represents a committed (or in-progress) sales transaction.
type Sale struct {
	ID         int64           `json:"id_venta" db:"id_venta"`
	ClientID   int64           `json:"id_cliente" db:"id_cliente"`
	EmployeeID int64           `json:"id_usuario" db:"id_usuario"`
	CreatedAt  time.Time       `json:"fecha" db:"fecha"`
	Total      decimal.Decimal `json:"total" db:"total"`
	Lines      []Line          `json:"items" db:"-"`
}

// NewSale starts an empty sale aggregate. The id and timestamp are assigned by the store.
func NewSale(clientID, employeeID int64) *Sale {
	return &Sale{
		ClientID:   clientID,
		EmployeeID: employeeID,
		Total:      decimal.Zero,
	}
}

// AddLine appends a line and keeps Total equal to the sum of the lines.
func (s *Sale) AddLine(productID int64, quantity int, unitPrice decimal.Decimal) {
	s.Lines = append(s.Lines, Line{
		ProductID: productID,
		Quantity:  quantity,
		UnitPrice: unitPrice,
	})
	s.Total = s.LineTotal()
}

// LineTotal recomputes the total from the lines.
func (s *Sale) LineTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Lines {
		total = total.Add(l.Amount())
	}
	return total
}

// ProductIDs returns the distinct products referenced by the sale, ascending.
func (s *Sale) ProductIDs() []int64 {
	ids := make([]int64, 0, len(s.Lines))
	for _, l := range s.Lines {
		ids = append(ids, l.ProductID)
	}
	return uniqueSorted(ids)
}

// Clone returns a deep copy.
func (s *Sale) Clone() *Sale {
	c := *s
	c.Lines = append([]Line(nil), s.Lines...)
	return &c
}

// LineRequest is one requested product/quantity pair.
type LineRequest struct {
	ProductID int64 `json:"id_producto" validate:"gt=0"`
	Quantity  int   `json:"cantidad" validate:"gt=0"`
}

// CreateSaleRequest is the typed candidate sale. A nil or zero ClientID means walk-in.
type CreateSaleRequest struct {
	ClientID *int64        `json:"id_cliente"`
	Lines    []LineRequest `json:"productos"`
}

var validate = validator.New()

// Validate rejects empty orders and non-positive ids or quantities.
func (r CreateSaleRequest) Validate() error {
	if len(r.Lines) == 0 {
		return ErrEmptyOrder
	}
	for i, l := range r.Lines {
		if err := validate.Struct(l); err != nil {
			return fmt.Errorf("%w: line %d (product %d, quantity %d)", ErrInvalidLine, i+1, l.ProductID, l.Quantity)
		}
	}
	return nil
}

// ProductIDs returns the distinct requested products in ascending order,
// which is the order row locks are taken in.
func (r CreateSaleRequest) ProductIDs() []int64 {
	ids := make([]int64, 0, len(r.Lines))
	for _, l := range r.Lines {
		ids = append(ids, l.ProductID)
	}
	return uniqueSorted(ids)
}

// SaleFilter narrows a sales search. Zero values mean "any".
type SaleFilter struct {
	EmployeeID int64
	ClientID   int64
	From       time.Time // inclusive
	To         time.Time // exclusive
}

// Day returns the [start, next day) bounds of the given date.
func Day(date time.Time) (time.Time, time.Time) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	return start, start.AddDate(0, 0, 1)
}

// Month returns the [first day, first day of next month) bounds.
func Month(date time.Time) (time.Time, time.Time) {
	start := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, date.Location())
	return start, start.AddDate(0, 1, 0)
}

// Match reports whether the sale falls inside the filter.
func (f SaleFilter) Match(s *Sale) bool {
	if f.EmployeeID != 0 && s.EmployeeID != f.EmployeeID {
		return false
	}
	if f.ClientID != 0 && s.ClientID != f.ClientID {
		return false
	}
	if !f.From.IsZero() && s.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !s.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// SalesMetadata summarises a search result.
type SalesMetadata struct {
	Quantity    int             `json:"cantidad_ventas"`
	TotalAmount decimal.Decimal `json:"total_vendido"`
}

func uniqueSorted(ids []int64) []int64 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if n := len(out); n > 0 && out[n-1] == id {
			continue
		}
		out = append(out, id)
	}
	return out
}
