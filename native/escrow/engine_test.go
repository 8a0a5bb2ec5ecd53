package escrow

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"meterpay/native/bond"
	"meterpay/native/receipts"
	"meterpay/native/registry"
	"meterpay/native/reputation"
	"meterpay/state"
	"meterpay/storage"
)

const testWindowSeconds = registry.MinDisputeWindowSeconds

type engineFixture struct {
	engine     *Engine
	registry   *registry.Engine
	vault      *bond.Vault
	receipts   *receipts.Store
	reputation *reputation.Engine
	manager    *state.Manager

	now        int64
	sellerKey  *ecdsa.PrivateKey
	seller     [20]byte
	buyer      [20]byte
	treasury   [20]byte
	arbitrator [20]byte
	endpointID [32]byte
}

func newEngineFixture(t *testing.T, feeBps uint32) *engineFixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())

	sellerKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &engineFixture{
		manager:    manager,
		now:        1_700_000_000,
		sellerKey:  sellerKey,
		buyer:      fillAddr(0x0B),
		treasury:   fillAddr(0x0E),
		arbitrator: fillAddr(0x0A),
	}
	copy(f.seller[:], ethcrypto.PubkeyToAddress(sellerKey.PublicKey).Bytes())

	clock := func() int64 { return f.now }

	f.registry = registry.NewEngine()
	f.registry.SetState(manager)
	f.registry.SetNowFunc(clock)

	f.vault = bond.NewVault()
	f.vault.SetState(manager)
	f.vault.SetTreasury(f.treasury)
	f.vault.SetNowFunc(clock)

	f.receipts = receipts.NewStore()
	f.receipts.SetState(manager)
	f.receipts.SetNowFunc(clock)

	f.reputation = reputation.NewEngine()
	f.reputation.SetState(manager)
	f.reputation.SetNowFunc(clock)

	f.engine = NewEngine()
	f.engine.SetState(manager)
	f.engine.SetRegistry(f.registry)
	f.engine.SetBondVault(f.vault)
	f.engine.SetReceiptStore(f.receipts)
	f.engine.SetReputation(f.reputation)
	f.engine.SetFeeTreasury(f.treasury)
	f.engine.SetArbitrator(f.arbitrator)
	f.engine.SetInstanceID("testnet")
	f.engine.SetNowFunc(clock)
	if err := f.engine.SetProtocolFee(feeBps); err != nil {
		t.Fatalf("set fee: %v", err)
	}

	endpoint, err := f.registry.Register(f.seller, "ipfs://model", big.NewInt(1_000_000), registry.CategoryInference, testWindowSeconds, big.NewInt(0))
	if err != nil {
		t.Fatalf("register endpoint: %v", err)
	}
	f.endpointID = endpoint.ID
	return f
}

func fillAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func (f *engineFixture) fund(t *testing.T, addr [20]byte, amount int64) {
	t.Helper()
	account, err := f.manager.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	account.Balance = big.NewInt(amount)
	if err := f.manager.PutAccount(addr[:], account); err != nil {
		t.Fatalf("put account: %v", err)
	}
}

func (f *engineFixture) balance(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	account, err := f.manager.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account.Balance
}

func (f *engineFixture) open(t *testing.T) *Payment {
	t.Helper()
	payment, err := f.engine.Open(f.buyer, f.endpointID, nil, [32]byte{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return payment
}

func (f *engineFixture) proofFor(t *testing.T, payment *Payment, key *ecdsa.PrivateKey) *DeliveryProof {
	t.Helper()
	proof := &DeliveryProof{
		Domain:           f.engine.Domain(),
		PaymentID:        payment.ID,
		DeliveryHash:     [32]byte{0xD1},
		ResponseMetaHash: [32]byte{0xD2},
		Timestamp:        f.now,
	}
	if err := proof.Sign(key); err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	return proof
}

func TestOpenEscrowsPrice(t *testing.T) {
	f := newEngineFixture(t, 250)
	f.fund(t, f.buyer, 2_000_000)

	payment := f.open(t)
	if payment.Status != StatusPending {
		t.Fatalf("expected pending, got %s", payment.Status)
	}
	if payment.Amount.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("amount not locked at listing price: %s", payment.Amount)
	}
	if payment.DeliveryDeadline != f.now+DefaultDeliveryDeadlineSeconds {
		t.Fatalf("delivery deadline wrong: %d", payment.DeliveryDeadline)
	}
	if payment.DisputeWindowEnds != 0 {
		t.Fatalf("dispute clock must not start before delivery")
	}
	if f.balance(t, f.buyer).Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("buyer not debited")
	}
	if f.balance(t, f.manager.EscrowVaultAddress()).Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("vault not credited")
	}
	b, err := f.vault.Get(f.seller)
	if err != nil {
		t.Fatalf("bond: %v", err)
	}
	if b.ActivePayments != 1 {
		t.Fatalf("active payment counter not incremented")
	}
}

func TestOpenGuards(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.fund(t, f.buyer, 2_000_000)

	if _, err := f.engine.Open(f.buyer, [32]byte{0xFF}, nil, [32]byte{}); !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint, got %v", err)
	}
	if _, err := f.engine.Open(f.buyer, f.endpointID, big.NewInt(999_999), [32]byte{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("slippage guard failed: %v", err)
	}
	if err := f.registry.Deactivate(f.endpointID, f.seller); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.engine.Open(f.buyer, f.endpointID, nil, [32]byte{}); !errors.Is(err, ErrEndpointNotActive) {
		t.Fatalf("expected ErrEndpointNotActive, got %v", err)
	}
	if err := f.registry.Reactivate(f.endpointID, f.seller); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	poor := fillAddr(0x0C)
	f.fund(t, poor, 10)
	if _, err := f.engine.Open(poor, f.endpointID, nil, [32]byte{}); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestPriceLockedAtOpen(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.fund(t, f.buyer, 2_000_000)

	payment := f.open(t)
	if _, err := f.registry.Update(f.endpointID, f.seller, "ipfs://model", big.NewInt(5_000_000), testWindowSeconds); err != nil {
		t.Fatalf("update: %v", err)
	}
	reloaded, err := f.engine.Get(payment.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Amount.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("in-flight amount changed after price update")
	}
	if reloaded.DisputeWindowSeconds != testWindowSeconds {
		t.Fatalf("in-flight window changed after update")
	}
}

func TestDeliverReleaseHappyPath(t *testing.T) {
	f := newEngineFixture(t, 250)
	f.fund(t, f.buyer, 1_000_000)

	payment := f.open(t)
	f.now += 100

	delivered, err := f.engine.MarkDelivered(payment.ID, f.proofFor(t, payment, f.sellerKey))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", delivered.Status)
	}
	if delivered.DisputeWindowEnds != f.now+testWindowSeconds {
		t.Fatalf("dispute clock not started from delivery")
	}

	endpoint, err := f.registry.Get(f.endpointID)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if endpoint.TotalCalls != 1 {
		t.Fatalf("call counter not incremented")
	}
	receipt, err := f.receipts.Get(payment.ID)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.DeliveryHash != ([32]byte{0xD1}) {
		t.Fatalf("receipt hash mismatch")
	}

	// Too early to release.
	if _, err := f.engine.Release(payment.ID); !errors.Is(err, ErrDisputeWindowActive) {
		t.Fatalf("expected ErrDisputeWindowActive, got %v", err)
	}

	f.now += testWindowSeconds
	released, err := f.engine.Release(payment.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}
	// 250 bps of 1_000_000 = 25_000 fee.
	if f.balance(t, f.seller).Cmp(big.NewInt(975_000)) != 0 {
		t.Fatalf("seller payout wrong: %s", f.balance(t, f.seller))
	}
	if f.balance(t, f.treasury).Cmp(big.NewInt(25_000)) != 0 {
		t.Fatalf("treasury fee wrong: %s", f.balance(t, f.treasury))
	}
	if f.balance(t, f.manager.EscrowVaultAddress()).Sign() != 0 {
		t.Fatalf("vault must be empty after settlement")
	}
	b, err := f.vault.Get(f.seller)
	if err != nil {
		t.Fatalf("bond: %v", err)
	}
	if b.ActivePayments != 0 {
		t.Fatalf("active payment counter not decremented")
	}
	stats, err := f.reputation.SellerStats(f.seller)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.SuccessfulDeliveries != 1 {
		t.Fatalf("delivery not recorded in reputation")
	}
	// Terminal states cannot transition again.
	if _, err := f.engine.Release(payment.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("double release must fail, got %v", err)
	}
}

func TestFeeMathConservesTotal(t *testing.T) {
	f := newEngineFixture(t, 333)
	f.fund(t, f.buyer, 1_000_001)

	if _, err := f.registry.Update(f.endpointID, f.seller, "ipfs://model", big.NewInt(1_000_001), testWindowSeconds); err != nil {
		t.Fatalf("update: %v", err)
	}
	payment := f.open(t)
	f.now += 10
	if _, err := f.engine.MarkDelivered(payment.ID, f.proofFor(t, payment, f.sellerKey)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	f.now += testWindowSeconds
	if _, err := f.engine.Release(payment.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	sellerBal := f.balance(t, f.seller)
	treasuryBal := f.balance(t, f.treasury)
	total := new(big.Int).Add(sellerBal, treasuryBal)
	if total.Cmp(big.NewInt(1_000_001)) != 0 {
		t.Fatalf("settlement must conserve the escrowed amount exactly: %s", total)
	}
}

func TestDeliverRejectsBadProofs(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.fund(t, f.buyer, 1_000_000)
	payment := f.open(t)

	strangerKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := f.engine.MarkDelivered(payment.ID, f.proofFor(t, payment, strangerKey)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	wrongDomain := &DeliveryProof{
		Domain:       DeliveryDomain("othernet"),
		PaymentID:    payment.ID,
		DeliveryHash: [32]byte{0xD1},
		Timestamp:    f.now,
	}
	if err := wrongDomain.Sign(f.sellerKey); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.engine.MarkDelivered(payment.ID, wrongDomain); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected domain rejection, got %v", err)
	}

	// The signing domain is matched exactly; a case-variant domain is a
	// different commitment even though its own signature verifies.
	casedDomain := &DeliveryProof{
		Domain:       strings.ToUpper(f.engine.Domain()),
		PaymentID:    payment.ID,
		DeliveryHash: [32]byte{0xD1},
		Timestamp:    f.now,
	}
	if err := casedDomain.Sign(f.sellerKey); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.engine.MarkDelivered(payment.ID, casedDomain); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected case-variant domain rejection, got %v", err)
	}

	wrongPayment := f.proofFor(t, payment, f.sellerKey)
	wrongPayment.PaymentID = [32]byte{0xEE}
	if _, err := f.engine.MarkDelivered(payment.ID, wrongPayment); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected payment binding rejection, got %v", err)
	}

	// A failed delivery leaves the payment pending with no side effects.
	reloaded, err := f.engine.Get(payment.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Status != StatusPending {
		t.Fatalf("payment must stay pending, got %s", reloaded.Status)
	}
	if _, err := f.receipts.Get(payment.ID); !errors.Is(err, receipts.ErrReceiptNotFound) {
		t.Fatalf("no receipt may exist after failed delivery")
	}
	endpoint, err := f.registry.Get(f.endpointID)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if endpoint.TotalCalls != 0 {
		t.Fatalf("call counter must not move on failed delivery")
	}
}

func TestDeliverAfterDeadline(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.fund(t, f.buyer, 1_000_000)
	payment := f.open(t)

	f.now = payment.DeliveryDeadline + 1
	if _, err := f.engine.MarkDelivered(payment.ID, f.proofFor(t, payment, f.sellerKey)); !errors.Is(err, ErrDeliveryDeadlinePassed) {
		t.Fatalf("expected ErrDeliveryDeadlinePassed, got %v", err)
	}
}

func TestRefundTimeout(t *testing.T) {
	f := newEngineFixture(t, 250)
	f.fund(t, f.buyer, 1_000_000)
	payment := f.open(t)

	if _, err := f.engine.Refund(payment.ID); !errors.Is(err, ErrDeliveryDeadlineNotPassed) {
		t.Fatalf("early refund must fail, got %v", err)
	}
	// Exactly at the deadline is still too early; the gate is strict.
	f.now = payment.DeliveryDeadline
	if _, err := f.engine.Refund(payment.ID); !errors.Is(err, ErrDeliveryDeadlineNotPassed) {
		t.Fatalf("refund at deadline must fail, got %v", err)
	}
	f.now = payment.DeliveryDeadline + 1
	refunded, err := f.engine.Refund(payment.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}
	// Full amount, no fee.
	if f.balance(t, f.buyer).Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("buyer must be made whole: %s", f.balance(t, f.buyer))
	}
	if _, err := f.engine.Refund(payment.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("double refund must fail, got %v", err)
	}
	if _, err := f.engine.MarkDelivered(payment.ID, f.proofFor(t, payment, f.sellerKey)); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("deliver after refund must fail, got %v", err)
	}
	stats, err := f.reputation.SellerStats(f.seller)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRefunds != 1 {
		t.Fatalf("refund not recorded against seller")
	}
}

func TestDisputeWindow(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.fund(t, f.buyer, 1_000_000)
	payment := f.open(t)
	f.now += 10
	if _, err := f.engine.MarkDelivered(payment.ID, f.proofFor(t, payment, f.sellerKey)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if _, err := f.engine.Dispute(payment.ID, fillAddr(0x0C), [32]byte{0xE1}); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}

	f.now += testWindowSeconds + 1
	if _, err := f.engine.Dispute(payment.ID, f.buyer, [32]byte{0xE1}); !errors.Is(err, ErrDisputeWindowExpired) {
		t.Fatalf("expected ErrDisputeWindowExpired, got %v", err)
	}
}

func TestDisputeAndArbitration(t *testing.T) {
	f := newEngineFixture(t, 250)
	f.fund(t, f.buyer, 1_000_000)
	payment := f.open(t)
	f.now += 10
	if _, err := f.engine.MarkDelivered(payment.ID, f.proofFor(t, payment, f.sellerKey)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	disputed, err := f.engine.Dispute(payment.ID, f.buyer, [32]byte{0xE1})
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Fatalf("expected disputed, got %s", disputed.Status)
	}
	if disputed.EvidenceHash != ([32]byte{0xE1}) {
		t.Fatalf("evidence commitment not stored")
	}

	// A disputed payment cannot be released by the timer.
	f.now += testWindowSeconds + 1
	if _, err := f.engine.Release(payment.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("release of disputed payment must fail, got %v", err)
	}
	if _, err := f.engine.ResolveDispute(payment.ID, f.buyer, true); !errors.Is(err, ErrNotArbitrator) {
		t.Fatalf("expected ErrNotArbitrator, got %v", err)
	}

	resolved, err := f.engine.ResolveDispute(payment.ID, f.arbitrator, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusRefunded {
		t.Fatalf("buyer win must refund, got %s", resolved.Status)
	}
	if f.balance(t, f.buyer).Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("buyer must receive the full amount")
	}
	stats, err := f.reputation.SellerStats(f.seller)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DisputesLost != 1 {
		t.Fatalf("lost dispute not recorded")
	}
	b, err := f.vault.Get(f.seller)
	if err != nil {
		t.Fatalf("bond: %v", err)
	}
	if b.ActivePayments != 0 {
		t.Fatalf("active counter not decremented on resolution")
	}
}

func TestArbitrationSellerWinPaysFee(t *testing.T) {
	f := newEngineFixture(t, 500)
	f.fund(t, f.buyer, 1_000_000)
	payment := f.open(t)
	f.now += 10
	if _, err := f.engine.MarkDelivered(payment.ID, f.proofFor(t, payment, f.sellerKey)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := f.engine.Dispute(payment.ID, f.buyer, [32]byte{}); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := f.engine.ResolveDispute(payment.ID, f.arbitrator, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if f.balance(t, f.seller).Cmp(big.NewInt(950_000)) != 0 {
		t.Fatalf("seller payout wrong: %s", f.balance(t, f.seller))
	}
	if f.balance(t, f.treasury).Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("treasury fee wrong: %s", f.balance(t, f.treasury))
	}
}

func TestProtocolFeeCap(t *testing.T) {
	engine := NewEngine()
	if err := engine.SetProtocolFee(MaxProtocolFeeBps); err != nil {
		t.Fatalf("cap value must be accepted: %v", err)
	}
	if err := engine.SetProtocolFee(MaxProtocolFeeBps + 1); err == nil {
		t.Fatalf("fee above cap must be rejected")
	}
}

func TestPaymentIDsAreSequencedPerBuyer(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.fund(t, f.buyer, 5_000_000)

	first := f.open(t)
	second := f.open(t)
	if first.ID == second.ID {
		t.Fatalf("repeat opens must derive distinct ids")
	}
	ids, err := f.engine.ListByBuyer(f.buyer)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != first.ID || ids[1] != second.ID {
		t.Fatalf("buyer index out of order")
	}
	sellerIDs, err := f.engine.ListBySeller(f.seller)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sellerIDs) != 2 {
		t.Fatalf("seller index incomplete")
	}
}
