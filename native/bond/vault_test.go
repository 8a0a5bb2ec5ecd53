package bond

import (
	"errors"
	"math/big"
	"testing"

	"meterpay/state"
	"meterpay/storage"
)

type vaultFixture struct {
	vault   *Vault
	manager *state.Manager
	now     int64
}

func newVaultFixture(t *testing.T) *vaultFixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	fixture := &vaultFixture{
		vault:   NewVault(),
		manager: manager,
		now:     1_700_000_000,
	}
	fixture.vault.SetState(manager)
	fixture.vault.SetTreasury(testAddr(0xEE))
	fixture.vault.SetNowFunc(func() int64 { return fixture.now })
	return fixture
}

func (f *vaultFixture) fund(t *testing.T, addr [20]byte, amount int64) {
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

func (f *vaultFixture) balance(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	account, err := f.manager.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account.Balance
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestDepositLocksAndMovesFunds(t *testing.T) {
	f := newVaultFixture(t)
	seller := testAddr(0x01)
	f.fund(t, seller, 1000)

	b, err := f.vault.Deposit(seller, big.NewInt(400))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if b.Amount.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected bond amount %s", b.Amount)
	}
	if b.LockedUntil != f.now+LockSeconds {
		t.Fatalf("lock not set: %d", b.LockedUntil)
	}
	if f.balance(t, seller).Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("seller balance not debited")
	}

	// A later deposit extends the lock for the whole bond.
	f.now += 1000
	b, err = f.vault.Deposit(seller, big.NewInt(100))
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if b.LockedUntil != f.now+LockSeconds {
		t.Fatalf("second deposit must extend lock")
	}
	if b.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected bond amount %s", b.Amount)
	}
}

func TestWithdrawGates(t *testing.T) {
	f := newVaultFixture(t)
	seller := testAddr(0x01)
	f.fund(t, seller, 1000)
	if _, err := f.vault.Deposit(seller, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Balance gate fires first, even while locked.
	if _, err := f.vault.Withdraw(seller, big.NewInt(600)); !errors.Is(err, ErrInsufficientBond) {
		t.Fatalf("expected ErrInsufficientBond, got %v", err)
	}
	// Lock gate.
	if _, err := f.vault.Withdraw(seller, big.NewInt(100)); !errors.Is(err, ErrBondLocked) {
		t.Fatalf("expected ErrBondLocked, got %v", err)
	}
	// Active-payment gate after the lock expires.
	f.now += LockSeconds + 1
	if err := f.vault.IncrementActive(seller); err != nil {
		t.Fatalf("increment active: %v", err)
	}
	if _, err := f.vault.Withdraw(seller, big.NewInt(100)); !errors.Is(err, ErrActivePaymentsExist) {
		t.Fatalf("expected ErrActivePaymentsExist, got %v", err)
	}
	if err := f.vault.DecrementActive(seller); err != nil {
		t.Fatalf("decrement active: %v", err)
	}
	b, err := f.vault.Withdraw(seller, big.NewInt(100))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if b.Amount.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected bond amount %s", b.Amount)
	}
	if f.balance(t, seller).Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("seller balance not credited")
	}
}

func TestSlashCapAndAuditRecord(t *testing.T) {
	f := newVaultFixture(t)
	seller := testAddr(0x01)
	treasury := testAddr(0xEE)
	f.fund(t, seller, 1000)
	if _, err := f.vault.Deposit(seller, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := f.vault.Slash(seller, [32]byte{0x01}, MaxSlashBps+1, "misconduct"); !errors.Is(err, ErrSlashExceedsMax) {
		t.Fatalf("expected ErrSlashExceedsMax, got %v", err)
	}
	if _, err := f.vault.Slash(seller, [32]byte{0x01}, 1000, "  "); err == nil {
		t.Fatalf("expected reason requirement")
	}

	record, err := f.vault.Slash(seller, [32]byte{0x01}, MaxSlashBps, "failed delivery pattern")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if record.Amount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("5000 bps of 100 must be exactly 50, got %s", record.Amount)
	}
	b, err := f.vault.Get(seller)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Amount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("bond not reduced: %s", b.Amount)
	}
	if b.TotalSlashed.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("total slashed not tracked: %s", b.TotalSlashed)
	}
	if f.balance(t, treasury).Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("treasury not credited")
	}
	log, err := f.vault.SlashLog(seller)
	if err != nil {
		t.Fatalf("slash log: %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(log))
	}
	if log[0].Reason != "failed delivery pattern" || log[0].SlashBps != MaxSlashBps {
		t.Fatalf("audit record mismatch: %+v", log[0])
	}
}

func TestSlashFloorDivision(t *testing.T) {
	f := newVaultFixture(t)
	seller := testAddr(0x01)
	f.fund(t, seller, 1000)
	if _, err := f.vault.Deposit(seller, big.NewInt(99)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// 99 * 100 / 10000 = 0 remainder 9900: floor division yields zero.
	record, err := f.vault.Slash(seller, [32]byte{}, 100, "rounding check")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if record.Amount.Sign() != 0 {
		t.Fatalf("expected zero slash amount, got %s", record.Amount)
	}
}

func TestDecrementActiveNeverUnderflows(t *testing.T) {
	f := newVaultFixture(t)
	seller := testAddr(0x01)
	if err := f.vault.DecrementActive(seller); err != nil {
		t.Fatalf("decrement on zero: %v", err)
	}
	b, err := f.vault.Get(seller)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.ActivePayments != 0 {
		t.Fatalf("counter underflowed: %d", b.ActivePayments)
	}
}
