package negotiator

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-paygate/internal/payment"
)

// Signer produces EIP-712 signatures over payment authorizations.
type Signer interface {
	Address() common.Address
	SignAuthorization(a *payment.Authorization, d payment.Domain) (string, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	privKey *ecdsa.PrivateKey
	addr    common.Address
}

func NewKeySigner(privKey *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{privKey: privKey, addr: crypto.PubkeyToAddress(privKey.PublicKey)}
}

// KeySignerFromHex loads a hex private key, with or without 0x.
func KeySignerFromHex(hexKey string) (*KeySigner, error) {
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	return NewKeySigner(privKey), nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

func (s *KeySigner) SignAuthorization(a *payment.Authorization, d payment.Domain) (string, error) {
	return payment.SignAuthorization(a, d, s.privKey)
}
