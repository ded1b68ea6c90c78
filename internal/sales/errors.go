package sales

import "errors"

var (
	// ErrEmptyOrder is returned when a sale is submitted without lines.
	ErrEmptyOrder = errors.New("sale must contain at least one product")
	// ErrInvalidLine is returned for a line with a non-positive product id or quantity.
	ErrInvalidLine = errors.New("invalid sale line")
	// ErrProductNotFound is returned when a line references an unknown product.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock is returned when a line asks for more than the product's stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrClientNotFound is returned when the client reference does not resolve.
	ErrClientNotFound = errors.New("client not found")
	// ErrSaleNotFound is returned when a sale with the given ID is not found.
	ErrSaleNotFound = errors.New("sale not found")
	// ErrForbidden is returned when the actor may not perform the operation.
	ErrForbidden = errors.New("operation not allowed for this user")
	// ErrContention is returned when the required locks could not be obtained in time.
	ErrContention = errors.New("resource busy, retry later")
	// ErrStorage wraps infrastructure failures of the underlying store.
	ErrStorage = errors.New("storage failure")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrEmptyOrder, "EMPTY_ORDER"},
	{ErrInvalidLine, "INVALID_LINE"},
	{ErrProductNotFound, "PRODUCT_NOT_FOUND"},
	{ErrInsufficientStock, "INSUFFICIENT_STOCK"},
	{ErrClientNotFound, "CLIENT_NOT_FOUND"},
	{ErrSaleNotFound, "SALE_NOT_FOUND"},
	{ErrForbidden, "FORBIDDEN"},
	{ErrContention, "CONTENTION"},
	{ErrStorage, "STORAGE_FAILURE"},
}

// Code returns the stable code of a sales error, or "INTERNAL" for anything else.
func Code(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// Retryable reports whether the caller may resubmit the same request unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, ErrStorage)
}

func isDomainErr(err error) bool {
	return Code(err) != "INTERNAL"
}
