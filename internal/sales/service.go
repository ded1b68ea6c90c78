package sales

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"pos_sales/internal/clients"
	"pos_sales/internal/events"
)

// DefaultWalkInClientID is the client recorded when a sale names no client.
const DefaultWalkInClientID int64 = 1

// Service coordinates sale creation and voiding on a Store backend.
type Service struct {
	storage   Store
	logger    *zap.Logger
	clients   clients.Directory
	publisher events.Publisher
	tracer    trace.Tracer
	walkInID  int64
}

// Option configures a Service.
type Option func(*Service)

// WithClientDirectory validates explicit client references against dir.
func WithClientDirectory(dir clients.Directory) Option {
	return func(s *Service) { s.clients = dir }
}

// WithPublisher emits sale events after each commit.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithWalkInClient overrides the default walk-in client id.
func WithWalkInClient(id int64) Option {
	return func(s *Service) {
		if id > 0 {
			s.walkInID = id
		}
	}
}

// NewService creates a new Service.
func NewService(storage Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	s := &Service{
		storage:   storage,
		logger:    logger,
		publisher: events.NewNopPublisher(),
		tracer:    otel.Tracer("pos_sales/internal/sales"),
		walkInID:  DefaultWalkInClientID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSale validates the order, locks every referenced product in ascending
// id order, decrements stock line by line and persists the sale, all in one
// transaction. Either everything is committed or nothing is.
func (s *Service) CreateSale(ctx context.Context, actor Actor, req CreateSaleRequest) (*Sale, error) {
	ctx, span := s.tracer.Start(ctx, "sales.CreateSale", trace.WithAttributes(
		attribute.Int64("sale.employee_id", actor.ID),
		attribute.Int("sale.lines", len(req.Lines)),
	))
	defer span.End()

	sale, err := s.createSale(ctx, actor, req)
	if err != nil {
		s.reject(span, "create sale rejected", err,
			zap.Int64("employee_id", actor.ID),
			zap.Int("lines", len(req.Lines)),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("sale.id", sale.ID),
		attribute.String("sale.total", sale.Total.String()),
	)
	span.SetStatus(codes.Ok, "sale committed")
	s.logger.Info("sale created",
		zap.Int64("sale_id", sale.ID),
		zap.Int64("employee_id", sale.EmployeeID),
		zap.Int64("client_id", sale.ClientID),
		zap.String("total", sale.Total.String()),
		zap.Int("lines", len(sale.Lines)),
	)
	s.publish(ctx, events.TopicSaleCreated, sale, actor.ID)
	return sale, nil
}

func (s *Service) createSale(ctx context.Context, actor Actor, req CreateSaleRequest) (*Sale, error) {
	if !CanCreate(actor) {
		return nil, fmt.Errorf("%w: creating sales requires the %s role", ErrForbidden, RoleEmployee)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	clientID, err := s.resolveClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	sale := NewSale(clientID, actor.ID)
	productIDs := req.ProductIDs()

	err = s.storage.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		snapshots := make(map[int64]ProductSnapshot, len(productIDs))
		for _, id := range productIDs {
			snap, err := tx.Snapshot(ctx, id)
			if err != nil {
				return err
			}
			snapshots[id] = snap
		}

		for _, line := range req.Lines {
			snap := snapshots[line.ProductID]
			if snap.Stock < line.Quantity {
				return fmt.Errorf("%w: product %d has %d, requested %d",
					ErrInsufficientStock, line.ProductID, snap.Stock, line.Quantity)
			}
			sale.AddLine(line.ProductID, line.Quantity, snap.Price)
			if err := tx.Decrement(ctx, line.ProductID, line.Quantity); err != nil {
				return err
			}
			snap.Stock -= line.Quantity
			snapshots[line.ProductID] = snap
		}

		sale.Total = sale.LineTotal()
		return tx.InsertSale(ctx, sale)
	})
	if err != nil {
		return nil, classify(err)
	}
	return sale, nil
}

// VoidSale restores the stock of every line and deletes the sale. Only the
// employee who created the sale may void it.
func (s *Service) VoidSale(ctx context.Context, actor Actor, saleID int64) error {
	ctx, span := s.tracer.Start(ctx, "sales.VoidSale", trace.WithAttributes(
		attribute.Int64("sale.id", saleID),
		attribute.Int64("sale.actor_id", actor.ID),
	))
	defer span.End()

	var voided *Sale
	err := s.storage.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		sale, err := tx.SaleForUpdate(ctx, saleID)
		if err != nil {
			return err
		}
		if !CanVoid(sale, actor) {
			return fmt.Errorf("%w: sale %d was not created by user %d", ErrForbidden, saleID, actor.ID)
		}

		for _, id := range sale.ProductIDs() {
			if _, err := tx.Snapshot(ctx, id); err != nil {
				return err
			}
		}
		for _, line := range sale.Lines {
			if err := tx.Restore(ctx, line.ProductID, line.Quantity); err != nil {
				return err
			}
		}

		voided = sale
		return tx.DeleteSale(ctx, saleID)
	})
	if err != nil {
		err = classify(err)
		s.reject(span, "void sale rejected", err,
			zap.Int64("sale_id", saleID),
			zap.Int64("actor_id", actor.ID),
		)
		return err
	}

	span.SetStatus(codes.Ok, "sale voided")
	s.logger.Info("sale voided",
		zap.Int64("sale_id", voided.ID),
		zap.Int64("employee_id", voided.EmployeeID),
		zap.String("total", voided.Total.String()),
	)
	s.publish(ctx, events.TopicSaleVoided, voided, actor.ID)
	return nil
}

// GetSale returns a committed sale with its lines.
func (s *Service) GetSale(ctx context.Context, saleID int64) (*Sale, error) {
	sale, err := s.storage.Read(ctx, saleID)
	if err != nil {
		return nil, classify(err)
	}
	return sale, nil
}

// SearchSales lists committed sales matching filter together with count and
// total amount.
func (s *Service) SearchSales(ctx context.Context, filter SaleFilter) ([]*Sale, SalesMetadata, error) {
	found, err := s.storage.Search(ctx, filter)
	if err != nil {
		s.logger.Error("failed to search sales", zap.Error(err))
		return nil, SalesMetadata{}, classify(err)
	}

	metadata := SalesMetadata{TotalAmount: decimal.Zero}
	for _, sale := range found {
		metadata.Quantity++
		metadata.TotalAmount = metadata.TotalAmount.Add(sale.Total)
	}

	s.logger.Debug("sales search completed",
		zap.Int64("employee_filter", filter.EmployeeID),
		zap.Int64("client_filter", filter.ClientID),
		zap.Int("results_count", metadata.Quantity),
	)
	return found, metadata, nil
}

func (s *Service) resolveClient(ctx context.Context, ref *int64) (int64, error) {
	if ref == nil || *ref == 0 {
		return s.walkInID, nil
	}
	id := *ref
	if id < 0 {
		return 0, fmt.Errorf("%w: %d", ErrClientNotFound, id)
	}
	if s.clients == nil || id == s.walkInID {
		return id, nil
	}

	ok, err := s.clients.Exists(ctx, id)
	if err != nil {
		s.logger.Error("error validating client", zap.Int64("client_id", id), zap.Error(err))
		return 0, fmt.Errorf("%w: client lookup: %v", ErrStorage, err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrClientNotFound, id)
	}
	return id, nil
}

// publish runs after commit; a failed publish is logged and never undoes the sale.
func (s *Service) publish(ctx context.Context, topic string, sale *Sale, actorID int64) {
	lines := make([]events.LineEvent, 0, len(sale.Lines))
	for _, l := range sale.Lines {
		lines = append(lines, events.LineEvent{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	event := events.NewSaleEvent(topic, sale.ID, sale.ClientID, sale.EmployeeID, actorID, sale.Total, lines)

	if err := s.publisher.Publish(ctx, topic, strconv.FormatInt(sale.ID, 10), event); err != nil {
		s.logger.Error("failed to publish sale event",
			zap.String("topic", topic),
			zap.Int64("sale_id", sale.ID),
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}
}

func (s *Service) reject(span trace.Span, msg string, err error, fields ...zap.Field) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("sale.error_code", Code(err)))

	fields = append(fields, zap.String("code", Code(err)), zap.Error(err))
	if Retryable(err) {
		s.logger.Error(msg, fields...)
		return
	}
	s.logger.Warn(msg, fields...)
}

// classify keeps domain errors as they are and folds anything else into ErrStorage.
func classify(err error) error {
	if err == nil || isDomainErr(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
