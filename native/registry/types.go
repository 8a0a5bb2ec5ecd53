package registry

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// MinDisputeWindowSeconds bounds the shortest window a seller may offer.
	MinDisputeWindowSeconds int64 = 60 * 60
	// MaxDisputeWindowSeconds bounds the longest window a seller may offer.
	MaxDisputeWindowSeconds int64 = 30 * 24 * 60 * 60
)

// Category tags an endpoint for marketplace filtering.
type Category string

const (
	CategoryInference Category = "inference"
	CategoryData      Category = "data"
	CategorySearch    Category = "search"
	CategoryMedia     Category = "media"
	CategoryCompute   Category = "compute"
	CategoryOther     Category = "other"
)

// NormalizeCategory canonicalises the supplied tag and rejects unknown values.
func NormalizeCategory(c Category) (Category, error) {
	trimmed := Category(strings.ToLower(strings.TrimSpace(string(c))))
	switch trimmed {
	case CategoryInference, CategoryData, CategorySearch, CategoryMedia, CategoryCompute, CategoryOther:
		return trimmed, nil
	default:
		return "", fmt.Errorf("registry: unsupported category: %s", c)
	}
}

// Endpoint captures a seller-published API listing. The seller is immutable
// after creation; price and dispute window are mutable only via Update by the
// owning seller. Endpoints are never destroyed, only deactivated.
type Endpoint struct {
	ID                   [32]byte
	Seller               [20]byte
	MetadataURI          string
	PricePerCall         *big.Int
	Category             Category
	DisputeWindowSeconds int64
	RequiredBond         *big.Int
	Active               bool
	TotalCalls           uint64
	CreatedAt            int64
	UpdatedAt            int64
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (e *Endpoint) Clone() *Endpoint {
	if e == nil {
		return nil
	}
	clone := *e
	if e.PricePerCall != nil {
		clone.PricePerCall = new(big.Int).Set(e.PricePerCall)
	} else {
		clone.PricePerCall = big.NewInt(0)
	}
	if e.RequiredBond != nil {
		clone.RequiredBond = new(big.Int).Set(e.RequiredBond)
	} else {
		clone.RequiredBond = big.NewInt(0)
	}
	return &clone
}

// SanitizeEndpoint validates and normalises the supplied listing, returning a
// cloned instance. The original value is not mutated.
func SanitizeEndpoint(e *Endpoint) (*Endpoint, error) {
	if e == nil {
		return nil, errors.New("registry: nil endpoint")
	}
	clone := e.Clone()
	clone.MetadataURI = strings.TrimSpace(clone.MetadataURI)
	if clone.MetadataURI == "" {
		return nil, ErrMetadataRequired
	}
	if clone.PricePerCall == nil || clone.PricePerCall.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if clone.DisputeWindowSeconds < MinDisputeWindowSeconds || clone.DisputeWindowSeconds > MaxDisputeWindowSeconds {
		return nil, ErrInvalidDisputeWindow
	}
	if clone.RequiredBond.Sign() < 0 {
		return nil, errors.New("registry: required bond must be non-negative")
	}
	category, err := NormalizeCategory(clone.Category)
	if err != nil {
		return nil, err
	}
	clone.Category = category
	return clone, nil
}
