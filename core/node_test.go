package core

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"meterpay/native/escrow"
	"meterpay/native/registry"
	"meterpay/native/router"
	"meterpay/storage"
)

const nodeWindowSeconds = registry.MinDisputeWindowSeconds

type nodeFixture struct {
	node      *Node
	now       int64
	sellerKey *ecdsa.PrivateKey
	seller    [20]byte
	buyer     [20]byte
	operator  [20]byte

	endpointID [32]byte
}

func newNodeFixture(t *testing.T) *nodeFixture {
	t.Helper()
	sellerKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &nodeFixture{
		now:       1_700_000_000,
		sellerKey: sellerKey,
		buyer:     nodeAddr(0x0B),
		operator:  nodeAddr(0x0F),
	}
	copy(f.seller[:], ethcrypto.PubkeyToAddress(sellerKey.PublicKey).Bytes())

	node, err := NewNode(storage.NewMemDB(), NodeConfig{
		InstanceID:              "testnet",
		ProtocolFeeBps:          250,
		DeliveryDeadlineSeconds: 3600,
		BondLockSeconds:         7 * 24 * 3600,
		Treasury:                nodeAddr(0x0E),
		Arbitrator:              nodeAddr(0x0A),
		Operator:                f.operator,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() int64 { return f.now })
	f.node = node

	if err := node.Credit(f.operator, f.buyer, big.NewInt(10_000_000)); err != nil {
		t.Fatalf("credit buyer: %v", err)
	}
	endpoint, err := node.RegisterEndpoint(f.seller, "ipfs://model", big.NewInt(1_000_000), registry.CategoryInference, nodeWindowSeconds, big.NewInt(0))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.endpointID = endpoint.ID
	return f
}

func nodeAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func (f *nodeFixture) proofFor(t *testing.T, paymentID [32]byte, key *ecdsa.PrivateKey) *escrow.DeliveryProof {
	t.Helper()
	proof := &escrow.DeliveryProof{
		Domain:       f.node.DeliveryDomain(),
		PaymentID:    paymentID,
		DeliveryHash: [32]byte{0xD1},
		Timestamp:    f.now,
	}
	if err := proof.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return proof
}

func TestNodeLifecycleEndToEnd(t *testing.T) {
	f := newNodeFixture(t)

	payment, err := f.node.OpenPayment(f.buyer, f.endpointID, nil, [32]byte{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.now += 60
	if _, err := f.node.MarkDelivered(payment.ID, f.proofFor(t, payment.ID, f.sellerKey)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	f.now += nodeWindowSeconds
	released, err := f.node.ReleasePayment(payment.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != escrow.StatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}

	sellerBal, err := f.node.Balance(f.seller)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if sellerBal.Cmp(big.NewInt(975_000)) != 0 {
		t.Fatalf("seller balance wrong: %s", sellerBal)
	}
	receipt, err := f.node.Receipt(payment.ID)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Seller != f.seller {
		t.Fatalf("receipt seller mismatch")
	}
	ok, err := f.node.VerifyDeliveryHash(payment.ID, [32]byte{0xD1})
	if err != nil || !ok {
		t.Fatalf("delivery hash must verify: ok=%v err=%v", ok, err)
	}
	score, err := f.node.SellerScore(f.seller)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score == 0 {
		t.Fatalf("settled seller must have a score")
	}
	board, err := f.node.Leaderboard()
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 1 || board[0].Seller != f.seller {
		t.Fatalf("leaderboard missing seller")
	}
}

func TestNodeFailedOperationLeavesNoPartialState(t *testing.T) {
	f := newNodeFixture(t)

	payment, err := f.node.OpenPayment(f.buyer, f.endpointID, nil, [32]byte{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	strangerKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := f.node.MarkDelivered(payment.ID, f.proofFor(t, payment.ID, strangerKey)); !errors.Is(err, escrow.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	reloaded, err := f.node.Payment(payment.ID)
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if reloaded.Status != escrow.StatusPending {
		t.Fatalf("payment must stay pending")
	}
	endpoint, err := f.node.Endpoint(f.endpointID)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if endpoint.TotalCalls != 0 {
		t.Fatalf("failed delivery must not bump call counter")
	}
	if _, err := f.node.Receipt(payment.ID); err == nil {
		t.Fatalf("failed delivery must not write a receipt")
	}
}

func TestNodeBatchOpenIsAtomic(t *testing.T) {
	f := newNodeFixture(t)

	poorBuyer := nodeAddr(0x0C)
	if err := f.node.Credit(f.operator, poorBuyer, big.NewInt(1_500_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	// Second open exceeds the remaining balance, so nothing persists.
	requests := []router.OpenRequest{
		{EndpointID: f.endpointID},
		{EndpointID: f.endpointID},
	}
	if _, err := f.node.OpenPaymentBatch(poorBuyer, requests); err == nil {
		t.Fatalf("expected batch failure")
	}
	balance, err := f.node.Balance(poorBuyer)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("aborted batch must not move funds, balance %s", balance)
	}
	ids, err := f.node.PaymentsByBuyer(poorBuyer)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("aborted batch must not index payments")
	}

	// A funded batch opens both payments.
	if err := f.node.Credit(f.operator, poorBuyer, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	opened, err := f.node.OpenPaymentBatch(poorBuyer, requests)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(opened) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(opened))
	}
}

func TestNodeRefundTimeout(t *testing.T) {
	f := newNodeFixture(t)

	payment, err := f.node.OpenPayment(f.buyer, f.endpointID, nil, [32]byte{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	before, err := f.node.Balance(f.buyer)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	f.now = payment.DeliveryDeadline + 1
	refunded, err := f.node.RefundPayment(payment.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != escrow.StatusRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}
	after, err := f.node.Balance(f.buyer)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	expected := new(big.Int).Add(before, big.NewInt(1_000_000))
	if after.Cmp(expected) != 0 {
		t.Fatalf("refund must restore the full amount")
	}
}

func TestNodeBondLifecycle(t *testing.T) {
	f := newNodeFixture(t)
	if err := f.node.Credit(f.operator, f.seller, big.NewInt(1_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	b, err := f.node.DepositBond(f.seller, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if b.Amount.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("bond amount wrong: %s", b.Amount)
	}
	record, err := f.node.SlashBond(f.operator, f.seller, [32]byte{}, 5000, "verified misconduct")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if record.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("slash amount wrong: %s", record.Amount)
	}
	log, err := f.node.SlashLog(f.seller)
	if err != nil || len(log) != 1 {
		t.Fatalf("slash log: len=%d err=%v", len(log), err)
	}
}

func TestNodePrivilegedOperationsGated(t *testing.T) {
	f := newNodeFixture(t)
	stranger := nodeAddr(0x0C)

	if err := f.node.Credit(stranger, stranger, big.NewInt(1)); !errors.Is(err, ErrNotOperator) {
		t.Fatalf("expected ErrNotOperator, got %v", err)
	}
	if _, err := f.node.SlashBond(stranger, f.seller, [32]byte{}, 100, "x"); !errors.Is(err, ErrNotOperator) {
		t.Fatalf("expected ErrNotOperator, got %v", err)
	}
}

func TestNodeReadsNeverObserveStagedWrites(t *testing.T) {
	f := newNodeFixture(t)

	// Stage an overlay write the way an in-flight mutation would, holding
	// the node lock for the duration.
	f.node.mu.Lock()
	account, err := f.node.state.GetAccount(f.buyer[:])
	if err != nil {
		f.node.mu.Unlock()
		t.Fatalf("account: %v", err)
	}
	account.Balance = new(big.Int).Add(account.Balance, big.NewInt(555))
	if err := f.node.state.PutAccount(f.buyer[:], account); err != nil {
		f.node.mu.Unlock()
		t.Fatalf("put: %v", err)
	}

	done := make(chan *big.Int, 1)
	go func() {
		balance, err := f.node.Balance(f.buyer)
		if err != nil {
			done <- nil
			return
		}
		done <- balance
	}()

	select {
	case <-done:
		f.node.mu.Unlock()
		t.Fatalf("read must block behind the in-flight operation")
	case <-time.After(50 * time.Millisecond):
	}

	// The operation fails and its staged writes are discarded.
	f.node.state.Discard()
	f.node.mu.Unlock()

	balance := <-done
	if balance == nil {
		t.Fatalf("balance read failed")
	}
	if balance.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("reader observed a discarded write: %s", balance)
	}
}

func TestNodeDisputeResolution(t *testing.T) {
	f := newNodeFixture(t)

	payment, err := f.node.OpenPayment(f.buyer, f.endpointID, nil, [32]byte{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.now += 60
	if _, err := f.node.MarkDelivered(payment.ID, f.proofFor(t, payment.ID, f.sellerKey)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := f.node.DisputePayment(payment.ID, f.buyer, [32]byte{0xE1}); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	resolved, err := f.node.ResolveDispute(payment.ID, nodeAddr(0x0A), true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != escrow.StatusRefunded {
		t.Fatalf("buyer win must refund, got %s", resolved.Status)
	}
	stats, err := f.node.SellerStats(f.seller)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DisputesLost != 1 {
		t.Fatalf("lost dispute not recorded")
	}
}
