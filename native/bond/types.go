package bond

import (
	"errors"
	"math/big"
	"strings"
)

// LockSeconds is the withdrawal cooldown applied on every deposit.
const LockSeconds int64 = 7 * 24 * 60 * 60 // 7 days

// MaxSlashBps caps a single slash at half of the current bond.
const MaxSlashBps uint32 = 5000

// Bond tracks a seller's posted collateral. One bond exists per seller,
// created implicitly on first deposit and never destroyed.
type Bond struct {
	Seller         [20]byte
	Amount         *big.Int
	LockedUntil    int64
	ActivePayments uint64
	TotalSlashed   *big.Int
}

// Clone returns a deep copy of the bond.
func (b *Bond) Clone() *Bond {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Amount != nil {
		clone.Amount = new(big.Int).Set(b.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if b.TotalSlashed != nil {
		clone.TotalSlashed = new(big.Int).Set(b.TotalSlashed)
	} else {
		clone.TotalSlashed = big.NewInt(0)
	}
	return &clone
}

func newBond(seller [20]byte) *Bond {
	return &Bond{
		Seller:       seller,
		Amount:       big.NewInt(0),
		TotalSlashed: big.NewInt(0),
	}
}

// SlashRecord is the audit entry appended for every executed slash.
type SlashRecord struct {
	Seller    [20]byte
	PaymentID [32]byte
	Amount    *big.Int
	SlashBps  uint32
	Reason    string
	Timestamp int64
}

// Validate ensures the record is well formed before persistence.
func (r *SlashRecord) Validate() error {
	if r == nil {
		return errors.New("bond: nil slash record")
	}
	if r.Seller == ([20]byte{}) {
		return errors.New("bond: slash record seller required")
	}
	if r.Amount == nil || r.Amount.Sign() < 0 {
		return errors.New("bond: slash record amount must be non-negative")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return errors.New("bond: slash reason required")
	}
	if r.Timestamp <= 0 {
		return errors.New("bond: slash timestamp must be positive")
	}
	return nil
}
