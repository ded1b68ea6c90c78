package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pos_sales/internal/sales"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// salesHandler holds the sales service and implements HTTP handlers for sales operations.
type salesHandler struct {
	salesService *sales.Service
	logger       *zap.Logger
	location     *time.Location
}

// NewSalesHandler creates a new sales handler.
func NewSalesHandler(salesService *sales.Service, logger *zap.Logger) *salesHandler {
	return &salesHandler{
		salesService: salesService,
		logger:       logger,
		location:     time.Local,
	}
}

type lineView struct {
	ProductID int64           `json:"id_producto"`
	Quantity  int             `json:"cantidad"`
	UnitPrice decimal.Decimal `json:"precio_unitario"`
	Total     decimal.Decimal `json:"total"`
}

type saleView struct {
	ID         int64           `json:"id_venta"`
	ClientID   int64           `json:"id_cliente"`
	EmployeeID int64           `json:"id_usuario"`
	CreatedAt  time.Time       `json:"fecha"`
	Total      decimal.Decimal `json:"total"`
	Items      []lineView      `json:"items"`
}

func newSaleView(s *sales.Sale) saleView {
	v := saleView{
		ID:         s.ID,
		ClientID:   s.ClientID,
		EmployeeID: s.EmployeeID,
		CreatedAt:  s.CreatedAt,
		Total:      s.Total,
		Items:      make([]lineView, 0, len(s.Lines)),
	}
	for _, l := range s.Lines {
		v.Items = append(v.Items, lineView{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			Total:     l.Amount(),
		})
	}
	return v
}

func newSaleViews(found []*sales.Sale) []saleView {
	views := make([]saleView, 0, len(found))
	for _, s := range found {
		views = append(views, newSaleView(s))
	}
	return views
}

// handleCreateSale handles POST /ventas.
func (h *salesHandler) handleCreateSale(ctx *gin.Context) {
	var req sales.CreateSaleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("failed to bind JSON request", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload", "code": "INVALID_PAYLOAD"})
		return
	}

	sale, err := h.salesService.CreateSale(ctx.Request.Context(), actorFrom(ctx), req)
	if err != nil {
		renderError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"message":  "Venta registrada",
		"id_venta": sale.ID,
		"total":    sale.Total,
	})
}

// handleVoidSale handles DELETE /ventas/:id.
func (h *salesHandler) handleVoidSale(ctx *gin.Context) {
	id, ok := saleIDParam(ctx)
	if !ok {
		return
	}
	if err := h.salesService.VoidSale(ctx.Request.Context(), actorFrom(ctx), id); err != nil {
		renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": "Venta anulada"})
}

func (h *salesHandler) handleGetSale(ctx *gin.Context) {
	id, ok := saleIDParam(ctx)
	if !ok {
		return
	}
	sale, err := h.salesService.GetSale(ctx.Request.Context(), id)
	if err != nil {
		renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newSaleView(sale))
}

func (h *salesHandler) handleListSales(ctx *gin.Context) {
	h.search(ctx, sales.SaleFilter{})
}

// handleMySales lists the caller's own sales, optionally for one day.
func (h *salesHandler) handleMySales(ctx *gin.Context) {
	filter := sales.SaleFilter{EmployeeID: actorFrom(ctx).ID}
	if fecha := ctx.Query("fecha"); fecha != "" {
		day, err := time.ParseInLocation(dayLayout, fecha, h.location)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "fecha must be YYYY-MM-DD", "code": "INVALID_DATE"})
			return
		}
		filter.From, filter.To = sales.Day(day)
	}
	h.search(ctx, filter)
}

// handleMyPurchases lists the sales recorded against the caller's client id.
func (h *salesHandler) handleMyPurchases(ctx *gin.Context) {
	actor := actorFrom(ctx)
	if actor.ClientID == nil || *actor.ClientID <= 0 {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "user is not linked to a client", "code": sales.Code(sales.ErrForbidden)})
		return
	}
	h.search(ctx, sales.SaleFilter{ClientID: *actor.ClientID})
}

func (h *salesHandler) search(ctx *gin.Context, filter sales.SaleFilter) {
	found, metadata, err := h.salesService.SearchSales(ctx.Request.Context(), filter)
	if err != nil {
		renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"results": newSaleViews(found), "metadata": metadata})
}

// handleDaySummary handles GET /ventas/dia?fecha=YYYY-MM-DD.
func (h *salesHandler) handleDaySummary(ctx *gin.Context) {
	fecha := ctx.Query("fecha")
	if fecha == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "fecha is required", "code": "INVALID_DATE"})
		return
	}
	day, err := time.ParseInLocation(dayLayout, fecha, h.location)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "fecha must be YYYY-MM-DD", "code": "INVALID_DATE"})
		return
	}
	from, to := sales.Day(day)
	h.summary(ctx, "fecha", fecha, from, to)
}

// handleMonthSummary handles GET /ventas/mes?mes=YYYY-MM.
func (h *salesHandler) handleMonthSummary(ctx *gin.Context) {
	mes := ctx.Query("mes")
	if mes == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "mes is required (YYYY-MM)", "code": "INVALID_DATE"})
		return
	}
	month, err := time.ParseInLocation(monthLayout, mes, h.location)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "mes must be YYYY-MM", "code": "INVALID_DATE"})
		return
	}
	from, to := sales.Month(month)
	h.summary(ctx, "mes", mes, from, to)
}

func (h *salesHandler) summary(ctx *gin.Context, label, value string, from, to time.Time) {
	_, metadata, err := h.salesService.SearchSales(ctx.Request.Context(), sales.SaleFilter{From: from, To: to})
	if err != nil {
		renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		label:             value,
		"cantidad_ventas": metadata.Quantity,
		"total_vendido":   metadata.TotalAmount,
	})
}

func saleIDParam(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid sale id", "code": "INVALID_ID"})
		return 0, false
	}
	return id, true
}
