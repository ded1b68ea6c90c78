// Package events publishes sale lifecycle events for collaborators that keep
// an audit trail outside the engine (hard-voided sales leave no row behind).
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TopicSaleCreated = "sales.created"
	TopicSaleVoided  = "sales.voided"
)

// Publisher defines an interface for publishing events to a message broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, event any) error
	Close() error
}

// LineEvent is one sale line as seen by subscribers.
type LineEvent struct {
	ProductID int64           `json:"id_producto"`
	Quantity  int             `json:"cantidad"`
	UnitPrice decimal.Decimal `json:"precio_unitario"`
}

// SaleEvent is emitted after a sale is committed or voided.
type SaleEvent struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	SaleID     int64           `json:"id_venta"`
	ClientID   int64           `json:"id_cliente"`
	EmployeeID int64           `json:"id_usuario"`
	ActorID    int64           `json:"actor_id"`
	Total      decimal.Decimal `json:"total"`
	Lines      []LineEvent     `json:"items"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewSaleEvent stamps a fresh event id and time.
func NewSaleEvent(topic string, saleID, clientID, employeeID, actorID int64, total decimal.Decimal, lines []LineEvent) SaleEvent {
	return SaleEvent{
		EventID:    uuid.NewString(),
		Type:       topic,
		SaleID:     saleID,
		ClientID:   clientID,
		EmployeeID: employeeID,
		ActorID:    actorID,
		Total:      total,
		Lines:      lines,
		OccurredAt: time.Now().UTC(),
	}
}

type nopPublisher struct{}

// NewNopPublisher returns a Publisher that drops every event.
func NewNopPublisher() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, string, string, any) error { return nil }

func (nopPublisher) Close() error { return nil }
