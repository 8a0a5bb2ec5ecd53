package bond

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"meterpay/core/events"
	"meterpay/core/types"
)

var (
	// ErrInsufficientBond marks withdrawals or slashes exceeding the balance.
	ErrInsufficientBond = errors.New("bond: insufficient bond balance")
	// ErrBondLocked marks withdrawals attempted before the lock expires.
	ErrBondLocked = errors.New("bond: bond still locked")
	// ErrActivePaymentsExist marks withdrawals while payments are in flight.
	ErrActivePaymentsExist = errors.New("bond: active payments exist")
	// ErrSlashExceedsMax marks slashes above the 50% per-action cap.
	ErrSlashExceedsMax = errors.New("bond: slash exceeds maximum basis points")
	// ErrSlashExceedsBond marks slashes whose computed amount exceeds the
	// current bond. With the bps cap in place this guards rounding edge cases.
	ErrSlashExceedsBond = errors.New("bond: slash exceeds bond balance")

	errNilState    = errors.New("bond vault: state not configured")
	errNilTreasury = errors.New("bond vault: treasury not configured")
)

var (
	bondPrefix     = []byte("bond/")
	slashLogSuffix = "/slashes"
)

func bondKey(seller [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", bondPrefix, seller))
}

func slashLogKey(seller [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x%s", bondPrefix, seller, slashLogSuffix))
}

// vaultState abstracts the state manager functionality the vault requires.
type vaultState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	BondVaultAddress() [20]byte
}

// Vault holds seller collateral and gates its withdrawal. Slashing is an
// explicit, separately authorised action; dispute outcomes never trigger it
// automatically.
type Vault struct {
	state       vaultState
	emitter     events.Emitter
	treasury    [20]byte
	lockSeconds int64
	nowFn       func() int64
}

// NewVault creates a bond vault with the default 7 day lock and a no-op
// emitter.
func NewVault() *Vault {
	return &Vault{
		emitter:     events.NoopEmitter{},
		lockSeconds: LockSeconds,
		nowFn:       func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the vault.
func (v *Vault) SetState(state vaultState) { v.state = state }

// SetTreasury configures the address receiving slashed collateral.
func (v *Vault) SetTreasury(addr [20]byte) { v.treasury = addr }

// SetLockSeconds overrides the deposit lock period. Non-positive values reset
// the default.
func (v *Vault) SetLockSeconds(seconds int64) {
	if seconds <= 0 {
		v.lockSeconds = LockSeconds
		return
	}
	v.lockSeconds = seconds
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (v *Vault) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		v.emitter = events.NoopEmitter{}
		return
	}
	v.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (v *Vault) SetNowFunc(now func() int64) {
	if now == nil {
		v.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	v.nowFn = now
}

func (v *Vault) now() int64 {
	if v == nil || v.nowFn == nil {
		return time.Now().Unix()
	}
	return v.nowFn()
}

func (v *Vault) emit(evtType string, b *Bond, amount *big.Int) {
	if v == nil || v.emitter == nil {
		return
	}
	v.emitter.Emit(newBondEvent(evtType, b, amount))
}

func (v *Vault) loadBond(seller [20]byte) (*Bond, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	b := &Bond{}
	ok, err := v.state.KVGet(bondKey(seller), b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newBond(seller), nil
	}
	if b.Amount == nil {
		b.Amount = big.NewInt(0)
	}
	if b.TotalSlashed == nil {
		b.TotalSlashed = big.NewInt(0)
	}
	return b, nil
}

func (v *Vault) storeBond(b *Bond) error {
	return v.state.KVPut(bondKey(b.Seller), b)
}

func (v *Vault) transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("bond: negative transfer amount")
	}
	fromAcc, err := v.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := v.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBond
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := v.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return v.state.PutAccount(to[:], toAcc)
}

// Deposit moves amount from the seller's account into the vault and extends
// the withdrawal lock. Every deposit resets the lock for the whole bond, not
// just the incremental amount.
func (v *Vault) Deposit(seller [20]byte, amount *big.Int) (*Bond, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("bond: deposit amount must be positive")
	}
	b, err := v.loadBond(seller)
	if err != nil {
		return nil, err
	}
	if err := v.transfer(seller, v.state.BondVaultAddress(), amount); err != nil {
		return nil, err
	}
	b.Amount = new(big.Int).Add(b.Amount, amount)
	b.LockedUntil = v.now() + v.lockSeconds
	if err := v.storeBond(b); err != nil {
		return nil, err
	}
	v.emit(EventTypeBondDeposited, b, amount)
	return b.Clone(), nil
}

// Withdraw returns amount to the seller. It fails while the lock is active or
// any payment referencing the seller is still in flight.
func (v *Vault) Withdraw(seller [20]byte, amount *big.Int) (*Bond, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("bond: withdraw amount must be positive")
	}
	b, err := v.loadBond(seller)
	if err != nil {
		return nil, err
	}
	if b.Amount.Cmp(amount) < 0 {
		return nil, ErrInsufficientBond
	}
	if v.now() < b.LockedUntil {
		return nil, ErrBondLocked
	}
	if b.ActivePayments > 0 {
		return nil, ErrActivePaymentsExist
	}
	if err := v.transfer(v.state.BondVaultAddress(), seller, amount); err != nil {
		return nil, err
	}
	b.Amount = new(big.Int).Sub(b.Amount, amount)
	if err := v.storeBond(b); err != nil {
		return nil, err
	}
	v.emit(EventTypeBondWithdrawn, b, amount)
	return b.Clone(), nil
}

// Slash removes balance*slashBps/10000 from the seller's bond, routes it to
// the treasury and appends exactly one audit record. A single slash may take
// at most half of the current bond.
func (v *Vault) Slash(seller [20]byte, paymentID [32]byte, slashBps uint32, reason string) (*SlashRecord, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	if v.treasury == ([20]byte{}) {
		return nil, errNilTreasury
	}
	if slashBps > MaxSlashBps {
		return nil, ErrSlashExceedsMax
	}
	trimmedReason := strings.TrimSpace(reason)
	if trimmedReason == "" {
		return nil, fmt.Errorf("bond: slash reason required")
	}
	b, err := v.loadBond(seller)
	if err != nil {
		return nil, err
	}
	slashed := new(big.Int).Mul(b.Amount, new(big.Int).SetUint64(uint64(slashBps)))
	slashed.Div(slashed, big.NewInt(10_000))
	if slashed.Cmp(b.Amount) > 0 {
		return nil, ErrSlashExceedsBond
	}
	if err := v.transfer(v.state.BondVaultAddress(), v.treasury, slashed); err != nil {
		return nil, err
	}
	b.Amount = new(big.Int).Sub(b.Amount, slashed)
	b.TotalSlashed = new(big.Int).Add(b.TotalSlashed, slashed)
	if err := v.storeBond(b); err != nil {
		return nil, err
	}
	record := &SlashRecord{
		Seller:    seller,
		PaymentID: paymentID,
		Amount:    slashed,
		SlashBps:  slashBps,
		Reason:    trimmedReason,
		Timestamp: v.now(),
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	var log []SlashRecord
	if _, err := v.state.KVGet(slashLogKey(seller), &log); err != nil {
		return nil, err
	}
	log = append(log, *record)
	if err := v.state.KVPut(slashLogKey(seller), log); err != nil {
		return nil, err
	}
	v.emit(EventTypeBondSlashed, b, slashed)
	return record, nil
}

// IncrementActive records a newly opened payment referencing the seller.
func (v *Vault) IncrementActive(seller [20]byte) error {
	b, err := v.loadBond(seller)
	if err != nil {
		return err
	}
	b.ActivePayments++
	return v.storeBond(b)
}

// DecrementActive records a terminal transition for a payment referencing the
// seller. The counter never underflows.
func (v *Vault) DecrementActive(seller [20]byte) error {
	b, err := v.loadBond(seller)
	if err != nil {
		return err
	}
	if b.ActivePayments > 0 {
		b.ActivePayments--
	}
	return v.storeBond(b)
}

// Get returns the seller's bond, zeroed when no deposit has ever been made.
func (v *Vault) Get(seller [20]byte) (*Bond, error) {
	b, err := v.loadBond(seller)
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// SlashLog returns the audit records appended by Slash, oldest first.
func (v *Vault) SlashLog(seller [20]byte) ([]SlashRecord, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	var log []SlashRecord
	if _, err := v.state.KVGet(slashLogKey(seller), &log); err != nil {
		return nil, err
	}
	return log, nil
}
