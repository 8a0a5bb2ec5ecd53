package escrow

import (
	"encoding/hex"
	"strconv"

	"meterpay/core/types"
)

const (
	EventTypePaymentOpened    = "escrow.payment.opened"
	EventTypePaymentDelivered = "escrow.payment.delivered"
	EventTypePaymentReleased  = "escrow.payment.released"
	EventTypePaymentRefunded  = "escrow.payment.refunded"
	EventTypePaymentDisputed  = "escrow.payment.disputed"
	EventTypePaymentResolved  = "escrow.payment.resolved"
)

type paymentEvent struct {
	evt *types.Event
}

func (e paymentEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e paymentEvent) Event() *types.Event { return e.evt }

// NewOpenedEvent returns the canonical payload for a newly opened payment.
func NewOpenedEvent(p *Payment) *types.Event { return newPaymentEvent(EventTypePaymentOpened, p) }

// NewDeliveredEvent returns the payload emitted when the seller proves
// delivery.
func NewDeliveredEvent(p *Payment) *types.Event { return newPaymentEvent(EventTypePaymentDelivered, p) }

// NewReleasedEvent returns the payload emitted when escrowed funds settle to
// the seller.
func NewReleasedEvent(p *Payment) *types.Event { return newPaymentEvent(EventTypePaymentReleased, p) }

// NewRefundedEvent returns the payload emitted when escrowed funds return to
// the buyer.
func NewRefundedEvent(p *Payment) *types.Event { return newPaymentEvent(EventTypePaymentRefunded, p) }

// NewDisputedEvent returns the payload emitted when the buyer contests a
// delivery.
func NewDisputedEvent(p *Payment) *types.Event { return newPaymentEvent(EventTypePaymentDisputed, p) }

// NewResolvedEvent returns the payload emitted when the arbitrator settles a
// dispute.
func NewResolvedEvent(p *Payment, buyerWins bool) *types.Event {
	evt := newPaymentEvent(EventTypePaymentResolved, p)
	evt.Attributes["buyerWins"] = strconv.FormatBool(buyerWins)
	return evt
}

func newPaymentEvent(eventType string, p *Payment) *types.Event {
	attrs := make(map[string]string)
	if p == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(p.ID[:])
	attrs["endpointId"] = hex.EncodeToString(p.EndpointID[:])
	attrs["buyer"] = hex.EncodeToString(p.Buyer[:])
	attrs["seller"] = hex.EncodeToString(p.Seller[:])
	if p.Amount != nil {
		attrs["amount"] = p.Amount.String()
	}
	attrs["status"] = p.Status.String()
	attrs["openedAt"] = strconv.FormatInt(p.OpenedAt, 10)
	if p.DeliveredAt > 0 {
		attrs["deliveredAt"] = strconv.FormatInt(p.DeliveredAt, 10)
		attrs["disputeWindowEnds"] = strconv.FormatInt(p.DisputeWindowEnds, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
