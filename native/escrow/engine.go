package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"meterpay/core/events"
	"meterpay/core/types"
	"meterpay/native/receipts"
	"meterpay/native/registry"
)

const (
	// MaxProtocolFeeBps caps the protocol fee at 5%.
	MaxProtocolFeeBps uint32 = 500
	// DefaultDeliveryDeadlineSeconds bounds how long a seller has to prove
	// delivery after a payment opens.
	DefaultDeliveryDeadlineSeconds int64 = 24 * 60 * 60
)

var (
	// ErrInvalidEndpoint marks opens against unknown endpoints.
	ErrInvalidEndpoint = errors.New("escrow: invalid endpoint")
	// ErrEndpointNotActive marks opens against deactivated endpoints.
	ErrEndpointNotActive = errors.New("escrow: endpoint not active")
	// ErrInvalidAmount marks amounts that fail the slippage guard or are
	// non-positive.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrInsufficientBalance marks buyers who cannot cover the price.
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	// ErrPaymentNotFound marks lookups for unknown payment identifiers.
	ErrPaymentNotFound = errors.New("escrow: payment not found")
	// ErrInvalidStatus marks operations invoked outside the required state.
	ErrInvalidStatus = errors.New("escrow: invalid payment status")
	// ErrNotBuyer marks disputes raised by a caller other than the buyer.
	ErrNotBuyer = errors.New("escrow: caller is not the buyer")
	// ErrNotArbitrator marks resolutions from unauthorised callers.
	ErrNotArbitrator = errors.New("escrow: caller is not the arbitrator")
	// ErrInvalidSignature marks delivery commitments that do not recover to
	// the payment's seller.
	ErrInvalidSignature = errors.New("escrow: invalid delivery signature")
	// ErrDeliveryDeadlinePassed marks deliveries after the deadline.
	ErrDeliveryDeadlinePassed = errors.New("escrow: delivery deadline passed")
	// ErrDeliveryDeadlineNotPassed marks refunds before the deadline.
	ErrDeliveryDeadlineNotPassed = errors.New("escrow: delivery deadline not passed")
	// ErrDisputeWindowExpired marks disputes after the window closed.
	ErrDisputeWindowExpired = errors.New("escrow: dispute window expired")
	// ErrDisputeWindowActive marks releases before the window closed.
	ErrDisputeWindowActive = errors.New("escrow: dispute window still active")

	errNilState    = errors.New("escrow engine: state not configured")
	errNilRegistry = errors.New("escrow engine: registry not configured")
	errNilTreasury = errors.New("escrow engine: fee treasury not configured")
)

var (
	paymentPrefix    = []byte("escrow/payment/")
	buyerIndexPref   = []byte("escrow/buyer/")
	sellerIndexPref  = []byte("escrow/seller/")
	buyerNoncePrefix = []byte("escrow/nonce/")
)

func paymentKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", paymentPrefix, id))
}

func buyerIndexKey(buyer [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x/payments", buyerIndexPref, buyer))
}

func sellerIndexKey(seller [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x/payments", sellerIndexPref, seller))
}

func buyerNonceKey(buyer [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", buyerNoncePrefix, buyer))
}

// engineState abstracts the subset of state manager functionality required by
// the escrow engine.
type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	AppendID(key []byte, id [32]byte) error
	ListIDs(key []byte) ([][32]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	EscrowVaultAddress() [20]byte
}

// registryAPI is the slice of the registry the escrow engine drives.
type registryAPI interface {
	Get(id [32]byte) (*registry.Endpoint, error)
	IncrementCalls(id [32]byte) error
}

// bondAPI pairs payment open/terminal transitions with the seller's
// active-payment counter.
type bondAPI interface {
	IncrementActive(seller [20]byte) error
	DecrementActive(seller [20]byte) error
}

// receiptAPI writes the immutable delivery record.
type receiptAPI interface {
	Put(*receipts.Receipt) error
}

// reputationAPI receives settlement outcomes.
type reputationAPI interface {
	RecordDelivery(paymentID [32]byte, seller, buyer [20]byte, amount *big.Int) error
	RecordDispute(paymentID [32]byte, seller, buyer [20]byte, buyerWon bool) error
	RecordRefund(paymentID [32]byte, seller, buyer [20]byte) error
}

// Engine drives the payment lifecycle: it opens payments against registry
// listings, verifies signed delivery commitments, enforces the dispute
// window, settles funds and fans out receipt, call-count and reputation
// updates. All cross-module writes happen inside the caller's atomic unit;
// the engine never commits state itself.
type Engine struct {
	state           engineState
	registry        registryAPI
	bonds           bondAPI
	receipts        receiptAPI
	reputation      reputationAPI
	emitter         events.Emitter
	feeTreasury     [20]byte
	arbitrator      [20]byte
	feeBps          uint32
	deliverySeconds int64
	domain          string
	nowFn           func() int64
}

// NewEngine creates an escrow engine with a no-op emitter, the default
// delivery deadline and a zero protocol fee.
func NewEngine() *Engine {
	return &Engine{
		emitter:         events.NoopEmitter{},
		deliverySeconds: DefaultDeliveryDeadlineSeconds,
		domain:          DeliveryDomain("local"),
		nowFn:           func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry configures the endpoint registry collaborator.
func (e *Engine) SetRegistry(r registryAPI) { e.registry = r }

// SetBondVault configures the collateral vault collaborator.
func (e *Engine) SetBondVault(b bondAPI) { e.bonds = b }

// SetReceiptStore configures the receipt store collaborator.
func (e *Engine) SetReceiptStore(r receiptAPI) { e.receipts = r }

// SetReputation configures the reputation collaborator.
func (e *Engine) SetReputation(r reputationAPI) { e.reputation = r }

// SetFeeTreasury configures the address that receives protocol fees.
func (e *Engine) SetFeeTreasury(addr [20]byte) { e.feeTreasury = addr }

// SetArbitrator configures the single trusted dispute resolver.
func (e *Engine) SetArbitrator(addr [20]byte) { e.arbitrator = addr }

// SetProtocolFee configures the fee in basis points, capped at 5%.
func (e *Engine) SetProtocolFee(bps uint32) error {
	if bps > MaxProtocolFeeBps {
		return fmt.Errorf("escrow: protocol fee %d exceeds cap %d", bps, MaxProtocolFeeBps)
	}
	e.feeBps = bps
	return nil
}

// SetDeliveryDeadline overrides the seconds a seller has to prove delivery.
// Non-positive values reset the default.
func (e *Engine) SetDeliveryDeadline(seconds int64) {
	if seconds <= 0 {
		e.deliverySeconds = DefaultDeliveryDeadlineSeconds
		return
	}
	e.deliverySeconds = seconds
}

// SetInstanceID binds the signing domain to a deployment instance.
func (e *Engine) SetInstanceID(instanceID string) {
	if strings.TrimSpace(instanceID) == "" {
		return
	}
	e.domain = DeliveryDomain(instanceID)
}

// Domain returns the delivery commitment signing domain for this deployment.
func (e *Engine) Domain() string { return e.domain }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(paymentEvent{evt: evt})
}

func (e *Engine) loadPayment(id [32]byte) (*Payment, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	payment := &Payment{}
	ok, err := e.state.KVGet(paymentKey(id), payment)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if payment.Amount == nil {
		payment.Amount = big.NewInt(0)
	}
	return payment, nil
}

func (e *Engine) storePayment(p *Payment) error {
	sanitized, err := SanitizePayment(p)
	if err != nil {
		return err
	}
	return e.state.KVPut(paymentKey(sanitized.ID), sanitized)
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

func (e *Engine) nextNonce(buyer [20]byte) (uint64, error) {
	var nonce uint64
	if _, err := e.state.KVGet(buyerNonceKey(buyer), &nonce); err != nil {
		return 0, err
	}
	nonce++
	if err := e.state.KVPut(buyerNonceKey(buyer), nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// PaymentID derives the deterministic payment identifier from the buyer, the
// endpoint and the buyer's monotonic open counter.
func PaymentID(buyer [20]byte, endpointID [32]byte, nonce uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	digest := ethcrypto.Keccak256(buyer[:], endpointID[:], buf[:])
	var id [32]byte
	copy(id[:], digest)
	return id
}

// Open escrows the endpoint's current price from the buyer. maxPrice guards
// against the seller front-running a price update between quote and open; a
// nil maxPrice skips the guard.
func (e *Engine) Open(buyer [20]byte, endpointID [32]byte, maxPrice *big.Int, buyerNoteHash [32]byte) (*Payment, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.registry == nil {
		return nil, errNilRegistry
	}
	endpoint, err := e.registry.Get(endpointID)
	if err != nil {
		if errors.Is(err, registry.ErrEndpointNotFound) {
			return nil, ErrInvalidEndpoint
		}
		return nil, err
	}
	if !endpoint.Active {
		return nil, ErrEndpointNotActive
	}
	price := endpoint.PricePerCall
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if maxPrice != nil && price.Cmp(maxPrice) > 0 {
		return nil, ErrInvalidAmount
	}
	nonce, err := e.nextNonce(buyer)
	if err != nil {
		return nil, err
	}
	id := PaymentID(buyer, endpointID, nonce)
	if _, err := e.loadPayment(id); err == nil {
		return nil, fmt.Errorf("escrow: payment id collision")
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}
	if err := e.transfer(buyer, e.state.EscrowVaultAddress(), price); err != nil {
		return nil, err
	}
	now := e.now()
	payment := &Payment{
		ID:                   id,
		EndpointID:           endpointID,
		Buyer:                buyer,
		Seller:               endpoint.Seller,
		Amount:               new(big.Int).Set(price),
		OpenedAt:             now,
		DeliveryDeadline:     now + e.deliverySeconds,
		DisputeWindowSeconds: endpoint.DisputeWindowSeconds,
		Status:               StatusPending,
		BuyerNoteHash:        buyerNoteHash,
	}
	if err := e.storePayment(payment); err != nil {
		return nil, err
	}
	if err := e.state.AppendID(buyerIndexKey(buyer), id); err != nil {
		return nil, err
	}
	if err := e.state.AppendID(sellerIndexKey(endpoint.Seller), id); err != nil {
		return nil, err
	}
	if e.bonds != nil {
		if err := e.bonds.IncrementActive(endpoint.Seller); err != nil {
			return nil, err
		}
	}
	e.emit(NewOpenedEvent(payment))
	return payment.Clone(), nil
}

// MarkDelivered verifies the seller's signed delivery commitment and starts
// the real dispute clock. The proof must be submitted before the delivery
// deadline and recover to the payment's seller.
func (e *Engine) MarkDelivered(id [32]byte, proof *DeliveryProof) (*Payment, error) {
	payment, err := e.loadPayment(id)
	if err != nil {
		return nil, err
	}
	if payment.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	now := e.now()
	if now > payment.DeliveryDeadline {
		return nil, ErrDeliveryDeadlinePassed
	}
	if proof == nil {
		return nil, ErrInvalidSignature
	}
	if proof.PaymentID != id {
		return nil, ErrInvalidSignature
	}
	if strings.TrimSpace(proof.Domain) != e.domain {
		return nil, ErrInvalidSignature
	}
	signer, err := proof.RecoverSigner()
	if err != nil {
		return nil, err
	}
	if signer != payment.Seller {
		return nil, ErrInvalidSignature
	}
	payment.Status = StatusDelivered
	payment.DeliveredAt = now
	payment.DisputeWindowEnds = now + payment.DisputeWindowSeconds
	payment.DeliveryHash = proof.DeliveryHash
	payment.ResponseMetaHash = proof.ResponseMetaHash
	if err := e.storePayment(payment); err != nil {
		return nil, err
	}
	if err := e.registry.IncrementCalls(payment.EndpointID); err != nil {
		return nil, err
	}
	if e.receipts != nil {
		receipt := &receipts.Receipt{
			PaymentID:        payment.ID,
			EndpointID:       payment.EndpointID,
			Buyer:            payment.Buyer,
			Seller:           payment.Seller,
			DeliveryHash:     payment.DeliveryHash,
			ResponseMetaHash: payment.ResponseMetaHash,
			Amount:           new(big.Int).Set(payment.Amount),
			Timestamp:        now,
		}
		if err := e.receipts.Put(receipt); err != nil {
			return nil, err
		}
	}
	if e.reputation != nil {
		if err := e.reputation.RecordDelivery(payment.ID, payment.Seller, payment.Buyer, payment.Amount); err != nil {
			return nil, err
		}
	}
	e.emit(NewDeliveredEvent(payment))
	return payment.Clone(), nil
}

// Dispute lets the buyer contest a delivered payment while the window is
// open, recording a commitment to the dispute evidence.
func (e *Engine) Dispute(id [32]byte, caller [20]byte, evidenceHash [32]byte) (*Payment, error) {
	payment, err := e.loadPayment(id)
	if err != nil {
		return nil, err
	}
	if caller != payment.Buyer {
		return nil, ErrNotBuyer
	}
	if payment.Status != StatusDelivered {
		return nil, ErrInvalidStatus
	}
	if e.now() > payment.DisputeWindowEnds {
		return nil, ErrDisputeWindowExpired
	}
	payment.Status = StatusDisputed
	payment.EvidenceHash = evidenceHash
	if err := e.storePayment(payment); err != nil {
		return nil, err
	}
	e.emit(NewDisputedEvent(payment))
	return payment.Clone(), nil
}

// Release settles a delivered payment in the seller's favour once the dispute
// window has elapsed. Anyone may trigger it; the time gate alone authorises
// the transition.
func (e *Engine) Release(id [32]byte) (*Payment, error) {
	payment, err := e.loadPayment(id)
	if err != nil {
		return nil, err
	}
	if payment.Status != StatusDelivered {
		return nil, ErrInvalidStatus
	}
	if e.now() < payment.DisputeWindowEnds {
		return nil, ErrDisputeWindowActive
	}
	if err := e.payoutSeller(payment); err != nil {
		return nil, err
	}
	payment.Status = StatusReleased
	if err := e.storePayment(payment); err != nil {
		return nil, err
	}
	if e.bonds != nil {
		if err := e.bonds.DecrementActive(payment.Seller); err != nil {
			return nil, err
		}
	}
	e.emit(NewReleasedEvent(payment))
	return payment.Clone(), nil
}

// Refund returns the full amount to the buyer when the seller never proved
// delivery in time. Anyone may trigger it once the deadline has passed.
func (e *Engine) Refund(id [32]byte) (*Payment, error) {
	payment, err := e.loadPayment(id)
	if err != nil {
		return nil, err
	}
	if payment.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	if e.now() <= payment.DeliveryDeadline {
		return nil, ErrDeliveryDeadlineNotPassed
	}
	if err := e.transfer(e.state.EscrowVaultAddress(), payment.Buyer, payment.Amount); err != nil {
		return nil, err
	}
	payment.Status = StatusRefunded
	if err := e.storePayment(payment); err != nil {
		return nil, err
	}
	if e.reputation != nil {
		if err := e.reputation.RecordRefund(payment.ID, payment.Seller, payment.Buyer); err != nil {
			return nil, err
		}
	}
	if e.bonds != nil {
		if err := e.bonds.DecrementActive(payment.Seller); err != nil {
			return nil, err
		}
	}
	e.emit(NewRefundedEvent(payment))
	return payment.Clone(), nil
}

// ResolveDispute settles a disputed payment by arbitrator decision. A ruling
// for the buyer refunds the full amount; a ruling for the seller releases the
// fee-deducted payout. There is no appeal path.
func (e *Engine) ResolveDispute(id [32]byte, caller [20]byte, buyerWins bool) (*Payment, error) {
	payment, err := e.loadPayment(id)
	if err != nil {
		return nil, err
	}
	if e.arbitrator == ([20]byte{}) || caller != e.arbitrator {
		return nil, ErrNotArbitrator
	}
	if payment.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}
	if buyerWins {
		if err := e.transfer(e.state.EscrowVaultAddress(), payment.Buyer, payment.Amount); err != nil {
			return nil, err
		}
		payment.Status = StatusRefunded
	} else {
		if err := e.payoutSeller(payment); err != nil {
			return nil, err
		}
		payment.Status = StatusReleased
	}
	if err := e.storePayment(payment); err != nil {
		return nil, err
	}
	if e.reputation != nil {
		if err := e.reputation.RecordDispute(payment.ID, payment.Seller, payment.Buyer, buyerWins); err != nil {
			return nil, err
		}
	}
	if e.bonds != nil {
		if err := e.bonds.DecrementActive(payment.Seller); err != nil {
			return nil, err
		}
	}
	e.emit(NewResolvedEvent(payment, buyerWins))
	return payment.Clone(), nil
}

// payoutSeller transfers amount-fee to the seller and the fee to the
// treasury. Floor division leaves any rounding dust inside the fee, so
// sellerReceived+fee always equals the escrowed amount exactly.
func (e *Engine) payoutSeller(payment *Payment) error {
	total := payment.Amount
	if total == nil || total.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fee := new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(e.feeBps)))
	fee.Div(fee, big.NewInt(10_000))
	payout := new(big.Int).Sub(total, fee)
	vault := e.state.EscrowVaultAddress()
	if payout.Sign() > 0 {
		if err := e.transfer(vault, payment.Seller, payout); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if e.feeTreasury == ([20]byte{}) {
			return errNilTreasury
		}
		if err := e.transfer(vault, e.feeTreasury, fee); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the payment for id.
func (e *Engine) Get(id [32]byte) (*Payment, error) {
	payment, err := e.loadPayment(id)
	if err != nil {
		return nil, err
	}
	return payment.Clone(), nil
}

// ListByBuyer returns the buyer's payment identifiers in open order.
func (e *Engine) ListByBuyer(buyer [20]byte) ([][32]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.ListIDs(buyerIndexKey(buyer))
}

// ListBySeller returns the seller's payment identifiers in open order.
func (e *Engine) ListBySeller(seller [20]byte) ([][32]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.ListIDs(sellerIndexKey(seller))
}
