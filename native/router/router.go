package router

import (
	"errors"
	"fmt"
	"math/big"

	"meterpay/native/escrow"
)

// MaxSplitPayees bounds the number of payees in a revenue split.
const MaxSplitPayees = 16

var (
	// ErrEmptyBatch marks batch opens with no requests.
	ErrEmptyBatch = errors.New("router: batch must contain at least one request")
	// ErrInvalidShares marks split plans whose shares do not sum to 10000
	// basis points.
	ErrInvalidShares = errors.New("router: split shares must sum to 10000 bps")

	errNilEscrow = errors.New("router: escrow engine not configured")
)

// escrowAPI is the slice of the escrow engine the router drives.
type escrowAPI interface {
	Open(buyer [20]byte, endpointID [32]byte, maxPrice *big.Int, buyerNoteHash [32]byte) (*escrow.Payment, error)
}

// OpenRequest describes one payment inside a batch open.
type OpenRequest struct {
	EndpointID    [32]byte
	MaxPrice      *big.Int
	BuyerNoteHash [32]byte
}

// Router batches escrow opens and computes fixed-share revenue splits. It is
// a convenience layer over the escrow engine, not part of the settlement
// core; batch atomicity comes from the enclosing operation's overlay.
type Router struct {
	escrow escrowAPI
}

// NewRouter constructs a router over the supplied escrow engine.
func NewRouter(e escrowAPI) *Router {
	return &Router{escrow: e}
}

// OpenBatch opens one payment per request on behalf of buyer, in order. The
// first failure aborts the batch; the caller is expected to discard the
// pending state so earlier opens do not survive.
func (r *Router) OpenBatch(buyer [20]byte, requests []OpenRequest) ([][32]byte, error) {
	if r == nil || r.escrow == nil {
		return nil, errNilEscrow
	}
	if len(requests) == 0 {
		return nil, ErrEmptyBatch
	}
	ids := make([][32]byte, 0, len(requests))
	for i, req := range requests {
		payment, err := r.escrow.Open(buyer, req.EndpointID, req.MaxPrice, req.BuyerNoteHash)
		if err != nil {
			return nil, fmt.Errorf("router: batch open %d: %w", i, err)
		}
		ids = append(ids, payment.ID)
	}
	return ids, nil
}

// SplitShare assigns a fixed basis-point share of revenue to a payee.
type SplitShare struct {
	Payee    [20]byte
	ShareBps uint32
}

// SplitPlan is a fixed-share revenue split across multiple payees.
type SplitPlan struct {
	Shares []SplitShare
}

// Validate checks the plan is non-empty, within the payee bound and that the
// shares sum to exactly 10000 basis points.
func (p *SplitPlan) Validate() error {
	if p == nil || len(p.Shares) == 0 {
		return errors.New("router: split plan requires at least one payee")
	}
	if len(p.Shares) > MaxSplitPayees {
		return fmt.Errorf("router: split plan exceeds %d payees", MaxSplitPayees)
	}
	var total uint64
	for _, share := range p.Shares {
		if share.Payee == ([20]byte{}) {
			return errors.New("router: split payee required")
		}
		if share.ShareBps == 0 {
			return errors.New("router: zero split share")
		}
		total += uint64(share.ShareBps)
	}
	if total != 10_000 {
		return ErrInvalidShares
	}
	return nil
}

// Distribute divides amount across the plan's payees by floor division.
// Rounding dust is assigned to the first payee so the distributed total
// always equals the input amount exactly.
func (p *SplitPlan) Distribute(amount *big.Int) ([]*big.Int, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, errors.New("router: split amount must be non-negative")
	}
	denominator := big.NewInt(10_000)
	payouts := make([]*big.Int, len(p.Shares))
	distributed := big.NewInt(0)
	for i, share := range p.Shares {
		cut := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(share.ShareBps)))
		cut.Div(cut, denominator)
		payouts[i] = cut
		distributed.Add(distributed, cut)
	}
	dust := new(big.Int).Sub(amount, distributed)
	if dust.Sign() > 0 {
		payouts[0] = new(big.Int).Add(payouts[0], dust)
	}
	return payouts, nil
}
