package receipts

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"meterpay/core/events"
)

var (
	// ErrReceiptExists marks a second write attempt for the same payment.
	ErrReceiptExists = errors.New("receipts: receipt already exists")
	// ErrReceiptNotFound marks lookups for unknown payment identifiers.
	ErrReceiptNotFound = errors.New("receipts: receipt not found")

	errNilState = errors.New("receipt store: state not configured")
)

var receiptPrefix = []byte("receipts/")

func receiptKey(paymentID [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", receiptPrefix, paymentID))
}

// Receipt is the immutable, write-once record of a proven delivery.
type Receipt struct {
	PaymentID        [32]byte
	EndpointID       [32]byte
	Buyer            [20]byte
	Seller           [20]byte
	DeliveryHash     [32]byte
	ResponseMetaHash [32]byte
	Amount           *big.Int
	Timestamp        int64
}

// Clone returns a deep copy of the receipt.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// storeState abstracts the state manager functionality the store requires.
type storeState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVHas(key []byte) (bool, error)
}

// Store persists delivery receipts. Writes are append-only and write-once per
// payment; the escrow engine is the only intended writer.
type Store struct {
	state   storeState
	emitter events.Emitter
	nowFn   func() int64
}

// NewStore creates a receipt store with a no-op emitter.
func NewStore() *Store {
	return &Store{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the store.
func (s *Store) SetState(state storeState) { s.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (s *Store) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		s.emitter = events.NoopEmitter{}
		return
	}
	s.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (s *Store) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

func (s *Store) now() int64 {
	if s == nil || s.nowFn == nil {
		return time.Now().Unix()
	}
	return s.nowFn()
}

// Put persists the receipt for paymentID. A second write for the same payment
// fails and leaves the first record untouched.
func (s *Store) Put(receipt *Receipt) error {
	if s == nil || s.state == nil {
		return errNilState
	}
	if receipt == nil {
		return errors.New("receipts: nil receipt")
	}
	if receipt.Amount == nil || receipt.Amount.Sign() < 0 {
		return errors.New("receipts: amount must be non-negative")
	}
	key := receiptKey(receipt.PaymentID)
	exists, err := s.state.KVHas(key)
	if err != nil {
		return err
	}
	if exists {
		return ErrReceiptExists
	}
	stored := receipt.Clone()
	if stored.Timestamp == 0 {
		stored.Timestamp = s.now()
	}
	if err := s.state.KVPut(key, stored); err != nil {
		return err
	}
	s.emitter.Emit(newReceiptEvent(stored))
	return nil
}

// Get returns the receipt for paymentID.
func (s *Store) Get(paymentID [32]byte) (*Receipt, error) {
	if s == nil || s.state == nil {
		return nil, errNilState
	}
	receipt := &Receipt{}
	ok, err := s.state.KVGet(receiptKey(paymentID), receipt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return receipt, nil
}

// Exists reports whether a receipt has been written for paymentID.
func (s *Store) Exists(paymentID [32]byte) (bool, error) {
	if s == nil || s.state == nil {
		return false, errNilState
	}
	return s.state.KVHas(receiptKey(paymentID))
}

// VerifyDeliveryHash reports whether the stored delivery hash equals
// expected. This is a plain equality check against what the escrow engine
// wrote, not a cryptographic re-derivation.
func (s *Store) VerifyDeliveryHash(paymentID [32]byte, expected [32]byte) (bool, error) {
	receipt, err := s.Get(paymentID)
	if err != nil {
		if errors.Is(err, ErrReceiptNotFound) {
			return false, nil
		}
		return false, err
	}
	return receipt.DeliveryHash == expected, nil
}
