package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meterpay/core"
	"meterpay/crypto"
	"meterpay/native/bond"
	"meterpay/native/escrow"
	"meterpay/native/receipts"
	"meterpay/native/registry"
)

const headerPaymentID = "X-Payment-Id"

// Server is the HTTP front-end for the escrow node. It exposes the protocol
// operations as JSON endpoints and implements the 402 challenge/response
// convention used by API sellers.
type Server struct {
	node    *core.Node
	logger  *slog.Logger
	chainID string
	token   string
}

// NewServer constructs a gateway server over the supplied node.
func NewServer(node *core.Node, logger *slog.Logger, chainID string) *Server {
	if node == nil {
		panic("node required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{node: node, logger: logger, chainID: chainID, token: "MPAY"}
}

// Routes builds the chi router for the gateway.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logRequests)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/endpoints", s.handleRegisterEndpoint)
		r.Get("/endpoints", s.handleListEndpoints)
		r.Get("/endpoints/{id}", s.handleGetEndpoint)
		r.Put("/endpoints/{id}", s.handleUpdateEndpoint)
		r.Post("/endpoints/{id}/deactivate", s.handleDeactivateEndpoint)
		r.Post("/endpoints/{id}/reactivate", s.handleReactivateEndpoint)

		r.Post("/payments", s.handleOpenPayment)
		r.Get("/payments/{id}", s.handleGetPayment)
		r.Post("/payments/{id}/deliver", s.handleMarkDelivered)
		r.Post("/payments/{id}/dispute", s.handleDispute)
		r.Post("/payments/{id}/release", s.handleRelease)
		r.Post("/payments/{id}/refund", s.handleRefund)
		r.Post("/payments/{id}/resolve", s.handleResolveDispute)

		r.Post("/bonds/deposit", s.handleBondDeposit)
		r.Post("/bonds/withdraw", s.handleBondWithdraw)
		r.Post("/bonds/slash", s.handleBondSlash)
		r.Get("/bonds/{addr}", s.handleGetBond)

		r.Get("/receipts/{id}", s.handleGetReceipt)
		r.Get("/sellers/{addr}/score", s.handleSellerScore)
		r.Get("/buyers/{addr}/score", s.handleBuyerScore)
		r.Get("/leaderboard", s.handleLeaderboard)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// paymentChallenge is the JSON body sellers return alongside a 402 when no
// payment proof accompanies a request.
type paymentChallenge struct {
	Price         string `json:"price"`
	EndpointID    string `json:"endpointId"`
	EscrowAddress string `json:"escrowAddress"`
	Token         string `json:"token"`
	ChainID       string `json:"chainId"`
}

// WritePaymentRequired writes the 402 challenge for an endpoint.
func (s *Server) WritePaymentRequired(w http.ResponseWriter, endpoint *registry.Endpoint) {
	vault := s.node.EscrowVaultAddress()
	challenge := paymentChallenge{
		Price:         endpoint.PricePerCall.String(),
		EndpointID:    hex.EncodeToString(endpoint.ID[:]),
		EscrowAddress: crypto.NewAddress(crypto.MPayPrefix, vault[:]).String(),
		Token:         s.token,
		ChainID:       s.chainID,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(challenge)
}

// RequirePayment is middleware for API sellers: it admits a request only
// when the X-Payment-Id header references a pending payment for endpointID
// whose amount matches the listing, and responds 402 otherwise.
func (s *Server) RequirePayment(endpointID [32]byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint, err := s.node.Endpoint(endpointID)
			if err != nil {
				s.writeError(w, err)
				return
			}
			raw := strings.TrimSpace(r.Header.Get(headerPaymentID))
			if raw == "" {
				s.WritePaymentRequired(w, endpoint)
				return
			}
			id, err := parseHash(raw)
			if err != nil {
				s.WritePaymentRequired(w, endpoint)
				return
			}
			payment, err := s.node.Payment(id)
			if err != nil {
				s.WritePaymentRequired(w, endpoint)
				return
			}
			if payment.EndpointID != endpointID || payment.Status != escrow.StatusPending || payment.Amount.Cmp(endpoint.PricePerCall) != 0 {
				s.WritePaymentRequired(w, endpoint)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- Request/response codecs ---

type endpointRequest struct {
	Seller               string `json:"seller"`
	MetadataURI          string `json:"metadataUri"`
	PricePerCall         string `json:"pricePerCall"`
	Category             string `json:"category"`
	DisputeWindowSeconds int64  `json:"disputeWindowSeconds"`
	RequiredBond         string `json:"requiredBond"`
}

type endpointResponse struct {
	ID                   string `json:"id"`
	Seller               string `json:"seller"`
	MetadataURI          string `json:"metadataUri"`
	PricePerCall         string `json:"pricePerCall"`
	Category             string `json:"category"`
	DisputeWindowSeconds int64  `json:"disputeWindowSeconds"`
	RequiredBond         string `json:"requiredBond"`
	Active               bool   `json:"active"`
	TotalCalls           uint64 `json:"totalCalls"`
}

func encodeEndpoint(e *registry.Endpoint) endpointResponse {
	return endpointResponse{
		ID:                   hex.EncodeToString(e.ID[:]),
		Seller:               crypto.NewAddress(crypto.MPayPrefix, e.Seller[:]).String(),
		MetadataURI:          e.MetadataURI,
		PricePerCall:         e.PricePerCall.String(),
		Category:             string(e.Category),
		DisputeWindowSeconds: e.DisputeWindowSeconds,
		RequiredBond:         e.RequiredBond.String(),
		Active:               e.Active,
		TotalCalls:           e.TotalCalls,
	}
}

type paymentResponse struct {
	ID                string `json:"id"`
	EndpointID        string `json:"endpointId"`
	Buyer             string `json:"buyer"`
	Seller            string `json:"seller"`
	Amount            string `json:"amount"`
	Status            string `json:"status"`
	OpenedAt          int64  `json:"openedAt"`
	DeliveredAt       int64  `json:"deliveredAt,omitempty"`
	DeliveryDeadline  int64  `json:"deliveryDeadline"`
	DisputeWindowEnds int64  `json:"disputeWindowEnds,omitempty"`
}

func encodePayment(p *escrow.Payment) paymentResponse {
	return paymentResponse{
		ID:                hex.EncodeToString(p.ID[:]),
		EndpointID:        hex.EncodeToString(p.EndpointID[:]),
		Buyer:             crypto.NewAddress(crypto.MPayPrefix, p.Buyer[:]).String(),
		Seller:            crypto.NewAddress(crypto.MPayPrefix, p.Seller[:]).String(),
		Amount:            p.Amount.String(),
		Status:            p.Status.String(),
		OpenedAt:          p.OpenedAt,
		DeliveredAt:       p.DeliveredAt,
		DeliveryDeadline:  p.DeliveryDeadline,
		DisputeWindowEnds: p.DisputeWindowEnds,
	}
}

func parseHash(value string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, errors.New("expected 32-byte hex value")
	}
	copy(out[:], raw)
	return out, nil
}

func parseAddress(value string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

// parseOptionalHash accepts an empty string as the zero hash.
func parseOptionalHash(value string) ([32]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [32]byte{}, nil
	}
	return parseHash(value)
}

func trimHexPrefix(value string) string {
	return strings.TrimPrefix(strings.TrimSpace(value), "0x")
}

// parseOptionalAmount returns nil for an empty string, which callers treat as
// "no bound".
func parseOptionalAmount(value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return parseAmount(value)
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New("invalid decimal amount")
	}
	return amount, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrow.ErrPaymentNotFound),
		errors.Is(err, registry.ErrEndpointNotFound),
		errors.Is(err, receipts.ErrReceiptNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrNotBuyer),
		errors.Is(err, escrow.ErrNotArbitrator),
		errors.Is(err, registry.ErrNotSeller),
		errors.Is(err, core.ErrNotOperator):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrDisputeWindowActive),
		errors.Is(err, escrow.ErrDisputeWindowExpired),
		errors.Is(err, escrow.ErrDeliveryDeadlinePassed),
		errors.Is(err, escrow.ErrDeliveryDeadlineNotPassed),
		errors.Is(err, bond.ErrBondLocked),
		errors.Is(err, bond.ErrActivePaymentsExist),
		errors.Is(err, receipts.ErrReceiptExists):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, escrow.ErrInvalidEndpoint),
		errors.Is(err, escrow.ErrEndpointNotActive),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, registry.ErrMetadataRequired),
		errors.Is(err, registry.ErrInvalidPrice),
		errors.Is(err, registry.ErrInvalidDisputeWindow),
		errors.Is(err, bond.ErrInsufficientBond),
		errors.Is(err, bond.ErrSlashExceedsMax),
		errors.Is(err, bond.ErrSlashExceedsBond):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return decoder.Decode(out)
}
