package bond

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"meterpay/core/types"
)

const (
	EventTypeBondDeposited = "bond.deposited"
	EventTypeBondWithdrawn = "bond.withdrawn"
	EventTypeBondSlashed   = "bond.slashed"
)

type bondEvent struct {
	evt *types.Event
}

func (e bondEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e bondEvent) Event() *types.Event { return e.evt }

func newBondEvent(eventType string, b *Bond, amount *big.Int) bondEvent {
	attrs := make(map[string]string)
	if b == nil {
		return bondEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
	}
	attrs["seller"] = hex.EncodeToString(b.Seller[:])
	if b.Amount != nil {
		attrs["balance"] = b.Amount.String()
	}
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	attrs["lockedUntil"] = strconv.FormatInt(b.LockedUntil, 10)
	attrs["activePayments"] = strconv.FormatUint(b.ActivePayments, 10)
	return bondEvent{evt: &types.Event{Type: eventType, Attributes: attrs}}
}
