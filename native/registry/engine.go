package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"meterpay/core/events"
)

var (
	// ErrEndpointNotFound marks lookups for unknown endpoint identifiers.
	ErrEndpointNotFound = errors.New("registry: endpoint not found")
	// ErrMetadataRequired marks listings submitted without a metadata URI.
	ErrMetadataRequired = errors.New("registry: metadata URI required")
	// ErrInvalidPrice marks listings with a zero or negative per-call price.
	ErrInvalidPrice = errors.New("registry: price per call must be positive")
	// ErrInvalidDisputeWindow marks windows outside the supported bounds.
	ErrInvalidDisputeWindow = errors.New("registry: dispute window out of range")
	// ErrNotSeller marks mutations attempted by a caller other than the
	// endpoint's owning seller.
	ErrNotSeller = errors.New("registry: caller is not the endpoint seller")

	errNilState = errors.New("registry engine: state not configured")
)

var (
	endpointPrefix  = []byte("registry/endpoint/")
	sellerIndexPref = []byte("registry/seller/")
	allEndpointsKey = []byte("registry/endpoints")
	sellerNoncePref = []byte("registry/nonce/")
)

func endpointKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", endpointPrefix, id))
}

func sellerIndexKey(seller [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x/endpoints", sellerIndexPref, seller))
}

func sellerNonceKey(seller [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", sellerNoncePref, seller))
}

// engineState abstracts the subset of state manager functionality required by
// the registry.
type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	AppendID(key []byte, id [32]byte) error
	ListIDs(key []byte) ([][32]byte, error)
}

// Engine maintains the endpoint listings published by sellers.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a registry engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

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

func (e *Engine) emit(evtType string, endpoint *Endpoint) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(newEndpointEvent(evtType, endpoint))
}

func (e *Engine) nextNonce(seller [20]byte) (uint64, error) {
	var nonce uint64
	if _, err := e.state.KVGet(sellerNonceKey(seller), &nonce); err != nil {
		return 0, err
	}
	nonce++
	if err := e.state.KVPut(sellerNonceKey(seller), nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// EndpointID derives the deterministic listing identifier from the seller and
// its registration nonce.
func EndpointID(seller [20]byte, nonce uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	digest := ethcrypto.Keccak256(seller[:], buf[:])
	var id [32]byte
	copy(id[:], digest)
	return id
}

func (e *Engine) loadEndpoint(id [32]byte) (*Endpoint, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	endpoint := &Endpoint{}
	ok, err := e.state.KVGet(endpointKey(id), endpoint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEndpointNotFound
	}
	return endpoint, nil
}

func (e *Engine) storeEndpoint(endpoint *Endpoint) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.KVPut(endpointKey(endpoint.ID), endpoint)
}

// Register validates and persists a new listing owned by seller, returning
// the derived endpoint identifier.
func (e *Engine) Register(seller [20]byte, metadataURI string, pricePerCall *big.Int, category Category, disputeWindowSeconds int64, requiredBond *big.Int) (*Endpoint, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	now := e.now()
	endpoint := &Endpoint{
		Seller:               seller,
		MetadataURI:          metadataURI,
		PricePerCall:         pricePerCall,
		Category:             category,
		DisputeWindowSeconds: disputeWindowSeconds,
		RequiredBond:         requiredBond,
		Active:               true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	sanitized, err := SanitizeEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	nonce, err := e.nextNonce(seller)
	if err != nil {
		return nil, err
	}
	sanitized.ID = EndpointID(seller, nonce)
	if err := e.storeEndpoint(sanitized); err != nil {
		return nil, err
	}
	if err := e.state.AppendID(sellerIndexKey(seller), sanitized.ID); err != nil {
		return nil, err
	}
	if err := e.state.AppendID(allEndpointsKey, sanitized.ID); err != nil {
		return nil, err
	}
	e.emit(EventTypeEndpointRegistered, sanitized)
	return sanitized.Clone(), nil
}

// Update mutates the listing's metadata, price and dispute window. Only the
// owning seller may update; in-flight payments are unaffected because their
// amount and window were locked at open time.
func (e *Engine) Update(id [32]byte, caller [20]byte, metadataURI string, pricePerCall *big.Int, disputeWindowSeconds int64) (*Endpoint, error) {
	endpoint, err := e.loadEndpoint(id)
	if err != nil {
		return nil, err
	}
	if endpoint.Seller != caller {
		return nil, ErrNotSeller
	}
	updated := endpoint.Clone()
	updated.MetadataURI = metadataURI
	updated.PricePerCall = pricePerCall
	updated.DisputeWindowSeconds = disputeWindowSeconds
	updated.UpdatedAt = e.now()
	sanitized, err := SanitizeEndpoint(updated)
	if err != nil {
		return nil, err
	}
	if err := e.storeEndpoint(sanitized); err != nil {
		return nil, err
	}
	e.emit(EventTypeEndpointUpdated, sanitized)
	return sanitized.Clone(), nil
}

// Deactivate hides the listing from buyers. In-flight payments continue
// through their lifecycle.
func (e *Engine) Deactivate(id [32]byte, caller [20]byte) error {
	return e.setActive(id, caller, false, EventTypeEndpointDeactivated)
}

// Reactivate restores a previously deactivated listing.
func (e *Engine) Reactivate(id [32]byte, caller [20]byte) error {
	return e.setActive(id, caller, true, EventTypeEndpointReactivated)
}

func (e *Engine) setActive(id [32]byte, caller [20]byte, active bool, eventType string) error {
	endpoint, err := e.loadEndpoint(id)
	if err != nil {
		return err
	}
	if endpoint.Seller != caller {
		return ErrNotSeller
	}
	if endpoint.Active == active {
		return nil
	}
	endpoint.Active = active
	endpoint.UpdatedAt = e.now()
	if err := e.storeEndpoint(endpoint); err != nil {
		return err
	}
	e.emit(eventType, endpoint)
	return nil
}

// IncrementCalls bumps the delivered-call counter. It is invoked by the
// escrow engine as part of a successful delivery and must not be exposed to
// untrusted callers.
func (e *Engine) IncrementCalls(id [32]byte) error {
	endpoint, err := e.loadEndpoint(id)
	if err != nil {
		return err
	}
	endpoint.TotalCalls++
	return e.storeEndpoint(endpoint)
}

// Get returns the listing for id.
func (e *Engine) Get(id [32]byte) (*Endpoint, error) {
	endpoint, err := e.loadEndpoint(id)
	if err != nil {
		return nil, err
	}
	return endpoint.Clone(), nil
}

// ListBySeller returns the identifiers of every listing the seller has
// registered, in registration order.
func (e *Engine) ListBySeller(seller [20]byte) ([][32]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.ListIDs(sellerIndexKey(seller))
}

// ListAll returns every registered endpoint identifier in registration order.
func (e *Engine) ListAll() ([][32]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.ListIDs(allEndpointsKey)
}

// IsActive reports whether the endpoint exists and is currently active.
func (e *Engine) IsActive(id [32]byte) (bool, error) {
	endpoint, err := e.loadEndpoint(id)
	if err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			return false, nil
		}
		return false, err
	}
	return endpoint.Active, nil
}

// Price returns the current per-call price for the endpoint.
func (e *Engine) Price(id [32]byte) (*big.Int, error) {
	endpoint, err := e.loadEndpoint(id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(endpoint.PricePerCall), nil
}

// DisputeWindow returns the listing's dispute window in seconds.
func (e *Engine) DisputeWindow(id [32]byte) (int64, error) {
	endpoint, err := e.loadEndpoint(id)
	if err != nil {
		return 0, err
	}
	return endpoint.DisputeWindowSeconds, nil
}
