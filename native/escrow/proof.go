package escrow

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// deliveryDomainPrefix names the protocol and signing scheme version. The
// full domain additionally binds the deployment instance so a commitment
// signed for one deployment can never be replayed against another.
const deliveryDomainPrefix = "MPAY_DELIVERY_V1"

// DeliveryDomain renders the full signing domain for a deployment instance.
func DeliveryDomain(instanceID string) string {
	return fmt.Sprintf("%s|chain=%s", deliveryDomainPrefix, strings.TrimSpace(instanceID))
}

// DeliveryProof is the structured commitment a seller signs to prove it
// served the request bound to a payment.
type DeliveryProof struct {
	Domain           string
	PaymentID        [32]byte
	DeliveryHash     [32]byte
	ResponseMetaHash [32]byte
	Timestamp        int64
	Signature        []byte
}

// CanonicalMessage renders the deterministic byte string covered by the
// signature.
func (p *DeliveryProof) CanonicalMessage() (string, error) {
	if p == nil {
		return "", fmt.Errorf("delivery proof not initialised")
	}
	domain := strings.TrimSpace(p.Domain)
	if domain == "" {
		return "", fmt.Errorf("delivery proof: domain required")
	}
	if p.PaymentID == ([32]byte{}) {
		return "", fmt.Errorf("delivery proof: payment id required")
	}
	if p.DeliveryHash == ([32]byte{}) {
		return "", fmt.Errorf("delivery proof: delivery hash required")
	}
	if p.Timestamp <= 0 {
		return "", fmt.Errorf("delivery proof: timestamp required")
	}
	builder := strings.Builder{}
	builder.WriteString(domain)
	builder.WriteString("|payment=")
	builder.WriteString(hex.EncodeToString(p.PaymentID[:]))
	builder.WriteString("|delivery=")
	builder.WriteString(hex.EncodeToString(p.DeliveryHash[:]))
	builder.WriteString("|meta=")
	builder.WriteString(hex.EncodeToString(p.ResponseMetaHash[:]))
	builder.WriteString("|ts=")
	builder.WriteString(fmt.Sprintf("%d", p.Timestamp))
	return builder.String(), nil
}

// Hash computes the keccak256 digest of the canonical message.
func (p *DeliveryProof) Hash() ([]byte, error) {
	message, err := p.CanonicalMessage()
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256([]byte(message)), nil
}

// Sign populates the proof signature using the supplied seller key.
func (p *DeliveryProof) Sign(key *ecdsa.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("delivery proof: signing key required")
	}
	hash, err := p.Hash()
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(hash, key)
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// RecoverSigner recovers the address that produced the proof signature.
func (p *DeliveryProof) RecoverSigner() ([20]byte, error) {
	var signer [20]byte
	if p == nil {
		return signer, fmt.Errorf("delivery proof not initialised")
	}
	if len(p.Signature) != 65 {
		return signer, ErrInvalidSignature
	}
	hash, err := p.Hash()
	if err != nil {
		return signer, err
	}
	pubKey, err := ethcrypto.SigToPub(hash, p.Signature)
	if err != nil {
		return signer, ErrInvalidSignature
	}
	copy(signer[:], ethcrypto.PubkeyToAddress(*pubKey).Bytes())
	return signer, nil
}
