package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"meterpay/core/events"
	"meterpay/native/bond"
	"meterpay/native/escrow"
	"meterpay/native/receipts"
	"meterpay/native/registry"
	"meterpay/native/reputation"
	"meterpay/native/router"
	"meterpay/observability/metrics"
	"meterpay/state"
	"meterpay/storage"
)

// ErrNotOperator marks privileged operations invoked by an unauthorised
// caller.
var ErrNotOperator = errors.New("node: caller is not the operator")

// NodeConfig carries the protocol parameters fixed at construction time.
type NodeConfig struct {
	InstanceID              string
	ProtocolFeeBps          uint32
	DeliveryDeadlineSeconds int64
	BondLockSeconds         int64
	Treasury                [20]byte
	Arbitrator              [20]byte
	Operator                [20]byte
}

// Node wires the protocol engines to a shared state manager and serializes
// every mutating operation under one mutex. Each operation runs against the
// manager's overlay and either fully commits or is discarded, so a failure
// can never leave a registry counter incremented without the matching escrow
// write, or an active-payment counter drifting from the set of in-flight
// payments.
type Node struct {
	mu         sync.Mutex
	state      *state.Manager
	registry   *registry.Engine
	escrow     *escrow.Engine
	bonds      *bond.Vault
	receipts   *receipts.Store
	reputation *reputation.Engine
	router     *router.Router
	operator   [20]byte
	logger     *slog.Logger
	metrics    *metrics.PaymentMetrics
}

// NewNode constructs a node over the provided database.
func NewNode(db storage.Database, cfg NodeConfig) (*Node, error) {
	if db == nil {
		return nil, errors.New("node: database required")
	}
	manager := state.NewManager(db)

	reg := registry.NewEngine()
	reg.SetState(manager)

	vault := bond.NewVault()
	vault.SetState(manager)
	vault.SetTreasury(cfg.Treasury)
	vault.SetLockSeconds(cfg.BondLockSeconds)

	store := receipts.NewStore()
	store.SetState(manager)

	rep := reputation.NewEngine()
	rep.SetState(manager)

	esc := escrow.NewEngine()
	esc.SetState(manager)
	esc.SetRegistry(reg)
	esc.SetBondVault(vault)
	esc.SetReceiptStore(store)
	esc.SetReputation(rep)
	esc.SetFeeTreasury(cfg.Treasury)
	esc.SetArbitrator(cfg.Arbitrator)
	esc.SetInstanceID(cfg.InstanceID)
	esc.SetDeliveryDeadline(cfg.DeliveryDeadlineSeconds)
	if err := esc.SetProtocolFee(cfg.ProtocolFeeBps); err != nil {
		return nil, err
	}

	return &Node{
		state:      manager,
		registry:   reg,
		escrow:     esc,
		bonds:      vault,
		receipts:   store,
		reputation: rep,
		router:     router.NewRouter(esc),
		operator:   cfg.Operator,
		logger:     slog.Default(),
		metrics:    metrics.Payments(),
	}, nil
}

// SetLogger overrides the node logger. Passing nil resets the default.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger == nil {
		n.logger = slog.Default()
		return
	}
	n.logger = logger
}

// SetEmitter wires the event emitter through every engine.
func (n *Node) SetEmitter(emitter events.Emitter) {
	n.registry.SetEmitter(emitter)
	n.escrow.SetEmitter(emitter)
	n.bonds.SetEmitter(emitter)
	n.receipts.SetEmitter(emitter)
}

// SetNowFunc overrides the clock used by every engine, primarily for tests.
func (n *Node) SetNowFunc(now func() int64) {
	n.registry.SetNowFunc(now)
	n.escrow.SetNowFunc(now)
	n.bonds.SetNowFunc(now)
	n.receipts.SetNowFunc(now)
	n.reputation.SetNowFunc(now)
}

// DeliveryDomain returns the delivery commitment signing domain for this
// deployment.
func (n *Node) DeliveryDomain() string { return n.escrow.Domain() }

// withCommit runs fn as one atomic unit: the overlay is committed on success
// and discarded wholesale on any error.
func (n *Node) withCommit(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := fn(); err != nil {
		n.state.Discard()
		return err
	}
	return n.state.Commit()
}

// withView serializes a read against in-flight mutations. Reads consult the
// same overlay as writers, so without the lock a reader could observe staged
// writes that are later discarded.
func (n *Node) withView(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn()
}

// --- Registry operations ---

// RegisterEndpoint publishes a new listing for seller.
func (n *Node) RegisterEndpoint(seller [20]byte, metadataURI string, pricePerCall *big.Int, category registry.Category, disputeWindowSeconds int64, requiredBond *big.Int) (*registry.Endpoint, error) {
	var endpoint *registry.Endpoint
	err := n.withCommit(func() error {
		var err error
		endpoint, err = n.registry.Register(seller, metadataURI, pricePerCall, category, disputeWindowSeconds, requiredBond)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.logger.Info("endpoint registered", "id", fmt.Sprintf("%x", endpoint.ID), "category", string(endpoint.Category))
	return endpoint, nil
}

// UpdateEndpoint mutates a listing's metadata, price and dispute window.
func (n *Node) UpdateEndpoint(id [32]byte, caller [20]byte, metadataURI string, pricePerCall *big.Int, disputeWindowSeconds int64) (*registry.Endpoint, error) {
	var endpoint *registry.Endpoint
	err := n.withCommit(func() error {
		var err error
		endpoint, err = n.registry.Update(id, caller, metadataURI, pricePerCall, disputeWindowSeconds)
		return err
	})
	return endpoint, err
}

// DeactivateEndpoint hides a listing from buyers.
func (n *Node) DeactivateEndpoint(id [32]byte, caller [20]byte) error {
	return n.withCommit(func() error { return n.registry.Deactivate(id, caller) })
}

// ReactivateEndpoint restores a deactivated listing.
func (n *Node) ReactivateEndpoint(id [32]byte, caller [20]byte) error {
	return n.withCommit(func() error { return n.registry.Reactivate(id, caller) })
}

// Endpoint returns the listing for id.
func (n *Node) Endpoint(id [32]byte) (*registry.Endpoint, error) {
	var endpoint *registry.Endpoint
	err := n.withView(func() error {
		var err error
		endpoint, err = n.registry.Get(id)
		return err
	})
	return endpoint, err
}

// EndpointsBySeller returns the seller's listing identifiers.
func (n *Node) EndpointsBySeller(seller [20]byte) ([][32]byte, error) {
	var ids [][32]byte
	err := n.withView(func() error {
		var err error
		ids, err = n.registry.ListBySeller(seller)
		return err
	})
	return ids, err
}

// Endpoints returns every registered listing identifier.
func (n *Node) Endpoints() ([][32]byte, error) {
	var ids [][32]byte
	err := n.withView(func() error {
		var err error
		ids, err = n.registry.ListAll()
		return err
	})
	return ids, err
}

// --- Escrow operations ---

// OpenPayment escrows the endpoint's current price from buyer.
func (n *Node) OpenPayment(buyer [20]byte, endpointID [32]byte, maxPrice *big.Int, buyerNoteHash [32]byte) (*escrow.Payment, error) {
	var payment *escrow.Payment
	err := n.withCommit(func() error {
		var err error
		payment, err = n.escrow.Open(buyer, endpointID, maxPrice, buyerNoteHash)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.ObservePaymentOpened()
	n.logger.Info("payment opened", "id", fmt.Sprintf("%x", payment.ID), "amount", payment.Amount.String())
	return payment, nil
}

// OpenPaymentBatch opens several payments atomically: one failure aborts the
// whole batch.
func (n *Node) OpenPaymentBatch(buyer [20]byte, requests []router.OpenRequest) ([][32]byte, error) {
	var ids [][32]byte
	err := n.withCommit(func() error {
		var err error
		ids, err = n.router.OpenBatch(buyer, requests)
		return err
	})
	if err != nil {
		return nil, err
	}
	for range ids {
		n.metrics.ObservePaymentOpened()
	}
	return ids, nil
}

// MarkDelivered verifies the seller's delivery commitment and starts the
// dispute clock.
func (n *Node) MarkDelivered(id [32]byte, proof *escrow.DeliveryProof) (*escrow.Payment, error) {
	var payment *escrow.Payment
	err := n.withCommit(func() error {
		var err error
		payment, err = n.escrow.MarkDelivered(id, proof)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.ObserveDelivery()
	return payment, nil
}

// DisputePayment lets the buyer contest a delivered payment.
func (n *Node) DisputePayment(id [32]byte, caller [20]byte, evidenceHash [32]byte) (*escrow.Payment, error) {
	var payment *escrow.Payment
	err := n.withCommit(func() error {
		var err error
		payment, err = n.escrow.Dispute(id, caller, evidenceHash)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.ObserveDispute()
	return payment, nil
}

// ReleasePayment settles a delivered payment to the seller once the dispute
// window elapsed. Permissionless.
func (n *Node) ReleasePayment(id [32]byte) (*escrow.Payment, error) {
	var payment *escrow.Payment
	err := n.withCommit(func() error {
		var err error
		payment, err = n.escrow.Release(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.ObserveSettlement("released")
	return payment, nil
}

// RefundPayment returns funds to the buyer after a missed delivery deadline.
// Permissionless.
func (n *Node) RefundPayment(id [32]byte) (*escrow.Payment, error) {
	var payment *escrow.Payment
	err := n.withCommit(func() error {
		var err error
		payment, err = n.escrow.Refund(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.ObserveSettlement("refunded")
	return payment, nil
}

// ResolveDispute settles a disputed payment by arbitrator decision.
func (n *Node) ResolveDispute(id [32]byte, caller [20]byte, buyerWins bool) (*escrow.Payment, error) {
	var payment *escrow.Payment
	err := n.withCommit(func() error {
		var err error
		payment, err = n.escrow.ResolveDispute(id, caller, buyerWins)
		return err
	})
	if err != nil {
		return nil, err
	}
	if buyerWins {
		n.metrics.ObserveSettlement("refunded")
	} else {
		n.metrics.ObserveSettlement("released")
	}
	return payment, nil
}

// Payment returns the payment for id.
func (n *Node) Payment(id [32]byte) (*escrow.Payment, error) {
	var payment *escrow.Payment
	err := n.withView(func() error {
		var err error
		payment, err = n.escrow.Get(id)
		return err
	})
	return payment, err
}

// PaymentsByBuyer returns the buyer's payment identifiers.
func (n *Node) PaymentsByBuyer(buyer [20]byte) ([][32]byte, error) {
	var ids [][32]byte
	err := n.withView(func() error {
		var err error
		ids, err = n.escrow.ListByBuyer(buyer)
		return err
	})
	return ids, err
}

// PaymentsBySeller returns the seller's payment identifiers.
func (n *Node) PaymentsBySeller(seller [20]byte) ([][32]byte, error) {
	var ids [][32]byte
	err := n.withView(func() error {
		var err error
		ids, err = n.escrow.ListBySeller(seller)
		return err
	})
	return ids, err
}

// --- Bond operations ---

// DepositBond moves collateral from the seller into the vault.
func (n *Node) DepositBond(seller [20]byte, amount *big.Int) (*bond.Bond, error) {
	var b *bond.Bond
	err := n.withCommit(func() error {
		var err error
		b, err = n.bonds.Deposit(seller, amount)
		return err
	})
	return b, err
}

// WithdrawBond returns collateral to the seller, subject to the lock and
// active-payment gates.
func (n *Node) WithdrawBond(seller [20]byte, amount *big.Int) (*bond.Bond, error) {
	var b *bond.Bond
	err := n.withCommit(func() error {
		var err error
		b, err = n.bonds.Withdraw(seller, amount)
		return err
	})
	return b, err
}

// SlashBond removes a share of the seller's collateral. Only the configured
// operator may invoke it; dispute resolution never slashes automatically.
func (n *Node) SlashBond(caller, seller [20]byte, paymentID [32]byte, slashBps uint32, reason string) (*bond.SlashRecord, error) {
	if n.operator == ([20]byte{}) || caller != n.operator {
		return nil, ErrNotOperator
	}
	var record *bond.SlashRecord
	err := n.withCommit(func() error {
		var err error
		record, err = n.bonds.Slash(seller, paymentID, slashBps, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.ObserveSlash()
	n.logger.Warn("bond slashed", "seller", fmt.Sprintf("%x", seller), "amount", record.Amount.String(), "reason", record.Reason)
	return record, nil
}

// Bond returns the seller's collateral position.
func (n *Node) Bond(seller [20]byte) (*bond.Bond, error) {
	var b *bond.Bond
	err := n.withView(func() error {
		var err error
		b, err = n.bonds.Get(seller)
		return err
	})
	return b, err
}

// SlashLog returns the seller's slash audit records.
func (n *Node) SlashLog(seller [20]byte) ([]bond.SlashRecord, error) {
	var log []bond.SlashRecord
	err := n.withView(func() error {
		var err error
		log, err = n.bonds.SlashLog(seller)
		return err
	})
	return log, err
}

// --- Receipt and reputation reads ---

// Receipt returns the delivery record for paymentID.
func (n *Node) Receipt(paymentID [32]byte) (*receipts.Receipt, error) {
	var receipt *receipts.Receipt
	err := n.withView(func() error {
		var err error
		receipt, err = n.receipts.Get(paymentID)
		return err
	})
	return receipt, err
}

// VerifyDeliveryHash reports whether the stored delivery hash matches
// expected.
func (n *Node) VerifyDeliveryHash(paymentID [32]byte, expected [32]byte) (bool, error) {
	var ok bool
	err := n.withView(func() error {
		var err error
		ok, err = n.receipts.VerifyDeliveryHash(paymentID, expected)
		return err
	})
	return ok, err
}

// SellerScore returns the seller's composite reputation score.
func (n *Node) SellerScore(seller [20]byte) (uint64, error) {
	var score uint64
	err := n.withView(func() error {
		var err error
		score, err = n.reputation.SellerScore(seller)
		return err
	})
	return score, err
}

// BuyerScore returns the buyer's composite reputation score.
func (n *Node) BuyerScore(buyer [20]byte) (uint64, error) {
	var score uint64
	err := n.withView(func() error {
		var err error
		score, err = n.reputation.BuyerScore(buyer)
		return err
	})
	return score, err
}

// SellerStats returns the seller's accumulated counters.
func (n *Node) SellerStats(seller [20]byte) (*reputation.SellerStats, error) {
	var stats *reputation.SellerStats
	err := n.withView(func() error {
		var err error
		stats, err = n.reputation.SellerStats(seller)
		return err
	})
	return stats, err
}

// BuyerStats returns the buyer's accumulated counters.
func (n *Node) BuyerStats(buyer [20]byte) (*reputation.BuyerStats, error) {
	var stats *reputation.BuyerStats
	err := n.withView(func() error {
		var err error
		stats, err = n.reputation.BuyerStats(buyer)
		return err
	})
	return stats, err
}

// Leaderboard returns the bounded seller leaderboard.
func (n *Node) Leaderboard() ([]reputation.LeaderboardEntry, error) {
	var board []reputation.LeaderboardEntry
	err := n.withView(func() error {
		var err error
		board, err = n.reputation.Leaderboard()
		return err
	})
	return board, err
}

// --- Account operations ---

// Credit mints balance to an address. Operator-only; intended for test
// networks and demos where no external settlement rail exists.
func (n *Node) Credit(caller, addr [20]byte, amount *big.Int) error {
	if n.operator == ([20]byte{}) || caller != n.operator {
		return ErrNotOperator
	}
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("node: credit amount must be positive")
	}
	return n.withCommit(func() error {
		account, err := n.state.GetAccount(addr[:])
		if err != nil {
			return err
		}
		account.Balance = new(big.Int).Add(account.Balance, amount)
		return n.state.PutAccount(addr[:], account)
	})
}

// Balance returns the spendable balance for addr.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := n.withView(func() error {
		account, err := n.state.GetAccount(addr[:])
		if err != nil {
			return err
		}
		balance = new(big.Int).Set(account.Balance)
		return nil
	})
	return balance, err
}

// EscrowVaultAddress returns the module account that holds escrowed funds.
func (n *Node) EscrowVaultAddress() [20]byte {
	return n.state.EscrowVaultAddress()
}
