package reputation

import "math/big"

// SellerStats accumulates settlement outcomes for a seller. Counters are
// additive and never reset; the composite score is derived on read.
type SellerStats struct {
	Seller               [20]byte
	TotalDeliveries      uint64
	SuccessfulDeliveries uint64
	TotalDisputes        uint64
	DisputesLost         uint64
	TotalRefunds         uint64
	TotalVolume          *big.Int
	FirstSeen            int64
	LastActivity         int64
}

// Clone returns a deep copy of the stats.
func (s *SellerStats) Clone() *SellerStats {
	if s == nil {
		return nil
	}
	clone := *s
	if s.TotalVolume != nil {
		clone.TotalVolume = new(big.Int).Set(s.TotalVolume)
	} else {
		clone.TotalVolume = big.NewInt(0)
	}
	return &clone
}

func newSellerStats(seller [20]byte, now int64) *SellerStats {
	return &SellerStats{
		Seller:      seller,
		TotalVolume: big.NewInt(0),
		FirstSeen:   now,
	}
}

// BuyerStats accumulates payment outcomes for a buyer.
type BuyerStats struct {
	Buyer         [20]byte
	TotalPayments uint64
	TotalDisputes uint64
	DisputesWon   uint64
	TotalVolume   *big.Int
	FirstSeen     int64
	LastActivity  int64
}

// Clone returns a deep copy of the stats.
func (b *BuyerStats) Clone() *BuyerStats {
	if b == nil {
		return nil
	}
	clone := *b
	if b.TotalVolume != nil {
		clone.TotalVolume = new(big.Int).Set(b.TotalVolume)
	} else {
		clone.TotalVolume = big.NewInt(0)
	}
	return &clone
}

func newBuyerStats(buyer [20]byte, now int64) *BuyerStats {
	return &BuyerStats{
		Buyer:       buyer,
		TotalVolume: big.NewInt(0),
		FirstSeen:   now,
	}
}
