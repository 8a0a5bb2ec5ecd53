package reputation

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	// ScoreDenominator is the basis-point denominator used by all score terms.
	ScoreDenominator uint64 = 10_000
	// VolumeSaturationUnits is the whole-unit volume at which the seller
	// volume term saturates.
	VolumeSaturationUnits int64 = 1000
)

var (
	errNilState = errors.New("reputation engine: state not configured")

	sellerPrefix = []byte("reputation/seller/")
	buyerPrefix  = []byte("reputation/buyer/")
)

func sellerKey(seller [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", sellerPrefix, seller))
}

func buyerKey(buyer [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", buyerPrefix, buyer))
}

// engineState abstracts the subset of state manager functionality required by
// the reputation engine.
type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Engine keeps per-principal settlement statistics and the seller
// leaderboard. The escrow engine is its only writer.
type Engine struct {
	state      engineState
	volumeUnit *big.Int
	nowFn      func() int64
}

// NewEngine creates a reputation engine with a 1e18 smallest-unit volume
// denomination.
func NewEngine() *Engine {
	return &Engine{
		volumeUnit: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVolumeUnit overrides the smallest-unit denomination of one whole volume
// unit. Nil or non-positive values are ignored.
func (e *Engine) SetVolumeUnit(unit *big.Int) {
	if unit == nil || unit.Sign() <= 0 {
		return
	}
	e.volumeUnit = new(big.Int).Set(unit)
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

func (e *Engine) loadSeller(seller [20]byte) (*SellerStats, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	stats := &SellerStats{}
	ok, err := e.state.KVGet(sellerKey(seller), stats)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newSellerStats(seller, e.now()), nil
	}
	if stats.TotalVolume == nil {
		stats.TotalVolume = big.NewInt(0)
	}
	return stats, nil
}

func (e *Engine) loadBuyer(buyer [20]byte) (*BuyerStats, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	stats := &BuyerStats{}
	ok, err := e.state.KVGet(buyerKey(buyer), stats)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newBuyerStats(buyer, e.now()), nil
	}
	if stats.TotalVolume == nil {
		stats.TotalVolume = big.NewInt(0)
	}
	return stats, nil
}

func (e *Engine) storeSeller(stats *SellerStats) error {
	return e.state.KVPut(sellerKey(stats.Seller), stats)
}

func (e *Engine) storeBuyer(stats *BuyerStats) error {
	return e.state.KVPut(buyerKey(stats.Buyer), stats)
}

// RecordDelivery registers a successful delivery settlement for the pair.
func (e *Engine) RecordDelivery(paymentID [32]byte, seller, buyer [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	now := e.now()
	sellerStats, err := e.loadSeller(seller)
	if err != nil {
		return err
	}
	sellerStats.TotalDeliveries++
	sellerStats.SuccessfulDeliveries++
	if amount != nil && amount.Sign() > 0 {
		sellerStats.TotalVolume = new(big.Int).Add(sellerStats.TotalVolume, amount)
	}
	sellerStats.LastActivity = now
	if err := e.storeSeller(sellerStats); err != nil {
		return err
	}
	buyerStats, err := e.loadBuyer(buyer)
	if err != nil {
		return err
	}
	buyerStats.TotalPayments++
	if amount != nil && amount.Sign() > 0 {
		buyerStats.TotalVolume = new(big.Int).Add(buyerStats.TotalVolume, amount)
	}
	buyerStats.LastActivity = now
	if err := e.storeBuyer(buyerStats); err != nil {
		return err
	}
	return e.updateLeaderboard(sellerStats)
}

// RecordDispute registers a resolved dispute between the pair. buyerWon marks
// an arbitration in the buyer's favour.
func (e *Engine) RecordDispute(paymentID [32]byte, seller, buyer [20]byte, buyerWon bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	now := e.now()
	sellerStats, err := e.loadSeller(seller)
	if err != nil {
		return err
	}
	sellerStats.TotalDisputes++
	if buyerWon {
		sellerStats.DisputesLost++
	}
	sellerStats.LastActivity = now
	if err := e.storeSeller(sellerStats); err != nil {
		return err
	}
	buyerStats, err := e.loadBuyer(buyer)
	if err != nil {
		return err
	}
	buyerStats.TotalDisputes++
	if buyerWon {
		buyerStats.DisputesWon++
	}
	buyerStats.LastActivity = now
	if err := e.storeBuyer(buyerStats); err != nil {
		return err
	}
	return e.updateLeaderboard(sellerStats)
}

// RecordRefund registers a delivery-deadline refund. The refund counts as an
// attempted delivery against the seller.
func (e *Engine) RecordRefund(paymentID [32]byte, seller, buyer [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	now := e.now()
	sellerStats, err := e.loadSeller(seller)
	if err != nil {
		return err
	}
	sellerStats.TotalRefunds++
	sellerStats.TotalDeliveries++
	sellerStats.LastActivity = now
	if err := e.storeSeller(sellerStats); err != nil {
		return err
	}
	buyerStats, err := e.loadBuyer(buyer)
	if err != nil {
		return err
	}
	buyerStats.TotalPayments++
	buyerStats.LastActivity = now
	if err := e.storeBuyer(buyerStats); err != nil {
		return err
	}
	return e.updateLeaderboard(sellerStats)
}

// SellerStats returns the accumulated counters for a seller.
func (e *Engine) SellerStats(seller [20]byte) (*SellerStats, error) {
	stats, err := e.loadSeller(seller)
	if err != nil {
		return nil, err
	}
	return stats.Clone(), nil
}

// BuyerStats returns the accumulated counters for a buyer.
func (e *Engine) BuyerStats(buyer [20]byte) (*BuyerStats, error) {
	stats, err := e.loadBuyer(buyer)
	if err != nil {
		return nil, err
	}
	return stats.Clone(), nil
}

// SellerScore derives the composite score in [0, 10000] from the seller's
// counters. The score is never stored.
func (e *Engine) SellerScore(seller [20]byte) (uint64, error) {
	stats, err := e.loadSeller(seller)
	if err != nil {
		return 0, err
	}
	return e.sellerScore(stats), nil
}

func (e *Engine) sellerScore(stats *SellerStats) uint64 {
	if stats == nil || stats.TotalDeliveries == 0 {
		return 0
	}
	total := stats.TotalDeliveries
	successBps := stats.SuccessfulDeliveries * ScoreDenominator / total
	deliveryTerm := 7000 * successBps / ScoreDenominator

	lostBps := stats.DisputesLost * ScoreDenominator / total
	disputeTerm := 2000 * (ScoreDenominator - lostBps) / ScoreDenominator

	saturation := new(big.Int).Mul(e.volumeUnit, big.NewInt(VolumeSaturationUnits))
	volumeBps := new(big.Int).Mul(stats.TotalVolume, new(big.Int).SetUint64(ScoreDenominator))
	volumeBps.Div(volumeBps, saturation)
	if volumeBps.Cmp(new(big.Int).SetUint64(ScoreDenominator)) > 0 {
		volumeBps.SetUint64(ScoreDenominator)
	}
	volumeTerm := 1000 * volumeBps.Uint64() / ScoreDenominator

	return deliveryTerm + disputeTerm + volumeTerm
}

// BuyerScore derives the composite score in [0, 10000] from the buyer's
// counters. The score is never stored.
func (e *Engine) BuyerScore(buyer [20]byte) (uint64, error) {
	stats, err := e.loadBuyer(buyer)
	if err != nil {
		return 0, err
	}
	return buyerScore(stats), nil
}

func buyerScore(stats *BuyerStats) uint64 {
	if stats == nil || stats.TotalPayments == 0 {
		return 0
	}
	lost := stats.TotalDisputes - stats.DisputesWon
	lostBps := lost * ScoreDenominator / stats.TotalPayments
	disputeTerm := 8000 * (ScoreDenominator - lostBps) / ScoreDenominator

	activityBps := stats.TotalPayments * ScoreDenominator / 100
	if activityBps > ScoreDenominator {
		activityBps = ScoreDenominator
	}
	activityTerm := 2000 * activityBps / ScoreDenominator

	return disputeTerm + activityTerm
}
