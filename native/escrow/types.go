package escrow

import (
	"errors"
	"math/big"
)

// PaymentStatus represents the lifecycle states of an escrowed payment.
// Released and Refunded are terminal; a payment never revisits an earlier
// state.
type PaymentStatus uint8

const (
	StatusPending PaymentStatus = iota + 1
	StatusDelivered
	StatusReleased
	StatusRefunded
	StatusDisputed
)

// Valid reports whether the status value is within the supported range.
func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusReleased, StatusRefunded, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

func (s PaymentStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	case StatusDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// Payment captures a single escrowed API call. Amount is copied from the
// endpoint's price at open time and fixed for the life of the payment; buyer
// and seller are immutable. DisputeWindowEnds stays zero until delivery: the
// real dispute clock starts when the seller proves delivery, not at open.
type Payment struct {
	ID                   [32]byte
	EndpointID           [32]byte
	Buyer                [20]byte
	Seller               [20]byte
	Amount               *big.Int
	OpenedAt             int64
	DeliveredAt          int64
	DeliveryDeadline     int64
	DisputeWindowSeconds int64
	DisputeWindowEnds    int64
	Status               PaymentStatus
	BuyerNoteHash        [32]byte
	DeliveryHash         [32]byte
	ResponseMetaHash     [32]byte
	EvidenceHash         [32]byte
}

// Clone returns a deep copy of the payment so callers can safely mutate the
// copy without affecting the stored instance.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Amount != nil {
		clone.Amount = new(big.Int).Set(p.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// SanitizePayment validates the payment and returns a cloned instance with a
// non-nil amount. The original value is not mutated.
func SanitizePayment(p *Payment) (*Payment, error) {
	if p == nil {
		return nil, errors.New("escrow: nil payment")
	}
	clone := p.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !clone.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	if clone.Buyer == ([20]byte{}) || clone.Seller == ([20]byte{}) {
		return nil, errors.New("escrow: buyer and seller required")
	}
	return clone, nil
}
