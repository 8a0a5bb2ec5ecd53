package receipts

import (
	"encoding/hex"
	"strconv"

	"meterpay/core/types"
)

// EventTypeReceiptStored is emitted when a delivery receipt is persisted.
const EventTypeReceiptStored = "receipts.stored"

type receiptEvent struct {
	evt *types.Event
}

func (e receiptEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e receiptEvent) Event() *types.Event { return e.evt }

func newReceiptEvent(r *Receipt) receiptEvent {
	attrs := make(map[string]string)
	if r == nil {
		return receiptEvent{evt: &types.Event{Type: EventTypeReceiptStored, Attributes: attrs}}
	}
	attrs["paymentId"] = hex.EncodeToString(r.PaymentID[:])
	attrs["endpointId"] = hex.EncodeToString(r.EndpointID[:])
	attrs["buyer"] = hex.EncodeToString(r.Buyer[:])
	attrs["seller"] = hex.EncodeToString(r.Seller[:])
	attrs["deliveryHash"] = hex.EncodeToString(r.DeliveryHash[:])
	if r.Amount != nil {
		attrs["amount"] = r.Amount.String()
	}
	attrs["timestamp"] = strconv.FormatInt(r.Timestamp, 10)
	return receiptEvent{evt: &types.Event{Type: EventTypeReceiptStored, Attributes: attrs}}
}
