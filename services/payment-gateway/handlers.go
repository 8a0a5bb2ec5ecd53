package gateway

import (
	"encoding/hex"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"meterpay/crypto"
	"meterpay/native/bond"
	"meterpay/native/escrow"
	"meterpay/native/registry"
)

func (s *Server) handleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	seller, err := parseAddress(req.Seller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	price, err := parseAmount(req.PricePerCall)
	if err != nil {
		s.writeError(w, err)
		return
	}
	requiredBond, err := parseAmount(req.RequiredBond)
	if err != nil {
		s.writeError(w, err)
		return
	}
	category, err := registry.NormalizeCategory(registry.Category(req.Category))
	if err != nil {
		s.writeError(w, err)
		return
	}
	endpoint, err := s.node.RegisterEndpoint(seller, req.MetadataURI, price, category, req.DisputeWindowSeconds, requiredBond)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, encodeEndpoint(endpoint))
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	var (
		ids [][32]byte
		err error
	)
	if seller := r.URL.Query().Get("seller"); seller != "" {
		var addr [20]byte
		if addr, err = parseAddress(seller); err == nil {
			ids, err = s.node.EndpointsBySeller(addr)
		}
	} else {
		ids, err = s.node.Endpoints()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]endpointResponse, 0, len(ids))
	for _, id := range ids {
		endpoint, err := s.node.Endpoint(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, encodeEndpoint(endpoint))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	endpoint, err := s.node.Endpoint(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodeEndpoint(endpoint))
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req endpointRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := parseAddress(req.Seller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	price, err := parseAmount(req.PricePerCall)
	if err != nil {
		s.writeError(w, err)
		return
	}
	endpoint, err := s.node.UpdateEndpoint(id, caller, req.MetadataURI, price, req.DisputeWindowSeconds)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodeEndpoint(endpoint))
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleDeactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	s.setEndpointActive(w, r, s.node.DeactivateEndpoint)
}

func (s *Server) handleReactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	s.setEndpointActive(w, r, s.node.ReactivateEndpoint)
}

func (s *Server) setEndpointActive(w http.ResponseWriter, r *http.Request, op func([32]byte, [20]byte) error) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := op(id, caller); err != nil {
		s.writeError(w, err)
		return
	}
	endpoint, err := s.node.Endpoint(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodeEndpoint(endpoint))
}

type openPaymentRequest struct {
	Buyer         string `json:"buyer"`
	EndpointID    string `json:"endpointId"`
	MaxPrice      string `json:"maxPrice,omitempty"`
	BuyerNoteHash string `json:"buyerNoteHash,omitempty"`
}

func (s *Server) handleOpenPayment(w http.ResponseWriter, r *http.Request) {
	var req openPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	endpointID, err := parseHash(req.EndpointID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	maxPrice, err := parseOptionalAmount(req.MaxPrice)
	if err != nil {
		s.writeError(w, err)
		return
	}
	noteHash, err := parseOptionalHash(req.BuyerNoteHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payment, err := s.node.OpenPayment(buyer, endpointID, maxPrice, noteHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, encodePayment(payment))
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	payment, err := s.node.Payment(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodePayment(payment))
}

type deliverRequest struct {
	DeliveryHash     string `json:"deliveryHash"`
	ResponseMetaHash string `json:"responseMetaHash,omitempty"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

func (s *Server) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req deliverRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	deliveryHash, err := parseHash(req.DeliveryHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metaHash, err := parseOptionalHash(req.ResponseMetaHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	signature, err := hex.DecodeString(trimHexPrefix(req.Signature))
	if err != nil {
		s.writeError(w, err)
		return
	}
	proof := &escrow.DeliveryProof{
		Domain:           s.node.DeliveryDomain(),
		PaymentID:        id,
		DeliveryHash:     deliveryHash,
		ResponseMetaHash: metaHash,
		Timestamp:        req.Timestamp,
		Signature:        signature,
	}
	payment, err := s.node.MarkDelivered(id, proof)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodePayment(payment))
}

type disputeRequest struct {
	Caller       string `json:"caller"`
	EvidenceHash string `json:"evidenceHash,omitempty"`
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req disputeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	evidence, err := parseOptionalHash(req.EvidenceHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payment, err := s.node.DisputePayment(id, caller, evidence)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodePayment(payment))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.node.ReleasePayment)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.node.RefundPayment)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, op func([32]byte) (*escrow.Payment, error)) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	payment, err := op(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodePayment(payment))
}

type resolveRequest struct {
	Caller    string `json:"caller"`
	BuyerWins bool   `json:"buyerWins"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payment, err := s.node.ResolveDispute(id, caller, req.BuyerWins)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, encodePayment(payment))
}

type bondOp = func([20]byte, *big.Int) (*bond.Bond, error)

type bondRequest struct {
	Seller string `json:"seller"`
	Amount string `json:"amount"`
}

type bondResponse struct {
	Seller         string `json:"seller"`
	Amount         string `json:"amount"`
	LockedUntil    int64  `json:"lockedUntil"`
	ActivePayments uint64 `json:"activePayments"`
	TotalSlashed   string `json:"totalSlashed"`
}

func (s *Server) handleBondDeposit(w http.ResponseWriter, r *http.Request) {
	s.moveBond(w, r, s.node.DepositBond)
}

func (s *Server) handleBondWithdraw(w http.ResponseWriter, r *http.Request) {
	s.moveBond(w, r, s.node.WithdrawBond)
}

func (s *Server) moveBond(w http.ResponseWriter, r *http.Request, op bondOp) {
	var req bondRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	seller, err := parseAddress(req.Seller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	position, err := op(seller, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bondResponse{
		Seller:         crypto.NewAddress(crypto.MPayPrefix, position.Seller[:]).String(),
		Amount:         position.Amount.String(),
		LockedUntil:    position.LockedUntil,
		ActivePayments: position.ActivePayments,
		TotalSlashed:   position.TotalSlashed.String(),
	})
}

type slashRequest struct {
	Caller    string `json:"caller"`
	Seller    string `json:"seller"`
	PaymentID string `json:"paymentId"`
	SlashBps  uint32 `json:"slashBps"`
	Reason    string `json:"reason"`
}

func (s *Server) handleBondSlash(w http.ResponseWriter, r *http.Request) {
	var req slashRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	seller, err := parseAddress(req.Seller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	paymentID, err := parseOptionalHash(req.PaymentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	record, err := s.node.SlashBond(caller, seller, paymentID, req.SlashBps, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"seller":    crypto.NewAddress(crypto.MPayPrefix, record.Seller[:]).String(),
		"paymentId": hex.EncodeToString(record.PaymentID[:]),
		"amount":    record.Amount.String(),
		"reason":    record.Reason,
	})
}

func (s *Server) handleGetBond(w http.ResponseWriter, r *http.Request) {
	seller, err := parseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	position, err := s.node.Bond(seller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bondResponse{
		Seller:         crypto.NewAddress(crypto.MPayPrefix, position.Seller[:]).String(),
		Amount:         position.Amount.String(),
		LockedUntil:    position.LockedUntil,
		ActivePayments: position.ActivePayments,
		TotalSlashed:   position.TotalSlashed.String(),
	})
}

type receiptResponse struct {
	PaymentID        string `json:"paymentId"`
	EndpointID       string `json:"endpointId"`
	Buyer            string `json:"buyer"`
	Seller           string `json:"seller"`
	DeliveryHash     string `json:"deliveryHash"`
	ResponseMetaHash string `json:"responseMetaHash"`
	Amount           string `json:"amount"`
	Timestamp        int64  `json:"timestamp"`
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	receipt, err := s.node.Receipt(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receiptResponse{
		PaymentID:        hex.EncodeToString(receipt.PaymentID[:]),
		EndpointID:       hex.EncodeToString(receipt.EndpointID[:]),
		Buyer:            crypto.NewAddress(crypto.MPayPrefix, receipt.Buyer[:]).String(),
		Seller:           crypto.NewAddress(crypto.MPayPrefix, receipt.Seller[:]).String(),
		DeliveryHash:     hex.EncodeToString(receipt.DeliveryHash[:]),
		ResponseMetaHash: hex.EncodeToString(receipt.ResponseMetaHash[:]),
		Amount:           receipt.Amount.String(),
		Timestamp:        receipt.Timestamp,
	})
}

func (s *Server) handleSellerScore(w http.ResponseWriter, r *http.Request) {
	s.score(w, r, s.node.SellerScore)
}

func (s *Server) handleBuyerScore(w http.ResponseWriter, r *http.Request) {
	s.score(w, r, s.node.BuyerScore)
}

func (s *Server) score(w http.ResponseWriter, r *http.Request, op func([20]byte) (uint64, error)) {
	addr, err := parseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	score, err := op(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"score": score})
}

type leaderboardEntry struct {
	Seller string `json:"seller"`
	Score  uint64 `json:"score"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.node.Leaderboard()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]leaderboardEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, leaderboardEntry{
			Seller: crypto.NewAddress(crypto.MPayPrefix, entry.Seller[:]).String(),
			Score:  entry.Score,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}
