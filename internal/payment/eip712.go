package payment

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	transferTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
)

// Domain is the EIP-712 domain of the token contract being authorized.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// Separator computes the EIP-712 domain separator.
func (d Domain) Separator() ([32]byte, error) {
	if d.ChainID == nil || d.ChainID.Sign() <= 0 {
		return [32]byte{}, errors.New("domain chain id is required")
	}
	if !common.IsHexAddress(d.VerifyingContract) {
		return [32]byte{}, fmt.Errorf("verifying contract %q is not an address", d.VerifyingContract)
	}
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	// abi.encode(bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	d.ChainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], common.HexToAddress(d.VerifyingContract).Bytes())

	return crypto.Keccak256Hash(encoded), nil
}

// structHash = keccak256(typeHash || abi.encode(fields))
func (a *Authorization) structHash() ([32]byte, error) {
	if !common.IsHexAddress(a.From) {
		return [32]byte{}, fmt.Errorf("from %q is not an address", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return [32]byte{}, fmt.Errorf("to %q is not an address", a.To)
	}
	value, err := ParseAtomic(a.Value)
	if err != nil {
		return [32]byte{}, fmt.Errorf("value: %w", err)
	}
	after, err := ParseAtomic(a.ValidAfter)
	if err != nil {
		return [32]byte{}, fmt.Errorf("validAfter: %w", err)
	}
	before, err := ParseAtomic(a.ValidBefore)
	if err != nil {
		return [32]byte{}, fmt.Errorf("validBefore: %w", err)
	}
	nonce, err := a.NonceBytes()
	if err != nil {
		return [32]byte{}, err
	}
	for _, n := range []*big.Int{value, after, before} {
		if n.BitLen() > 256 {
			return [32]byte{}, errors.New("uint256 overflow")
		}
	}

	encoded := make([]byte, 7*32)
	copy(encoded[0:32], transferTypeHash[:])
	copy(encoded[44:64], common.HexToAddress(a.From).Bytes())
	copy(encoded[76:96], common.HexToAddress(a.To).Bytes())
	value.FillBytes(encoded[96:128])
	after.FillBytes(encoded[128:160])
	before.FillBytes(encoded[160:192])
	copy(encoded[192:224], nonce[:])

	return crypto.Keccak256Hash(encoded), nil
}

// NonceBytes decodes the 0x-prefixed bytes32 nonce.
func (a *Authorization) NonceBytes() ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(a.Nonce)
	if err != nil {
		return out, fmt.Errorf("nonce: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("nonce must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Digest returns keccak256(0x1901 || domainSeparator || structHash).
func (a *Authorization) Digest(d Domain) ([32]byte, error) {
	sep, err := d.Separator()
	if err != nil {
		return [32]byte{}, err
	}
	sh, err := a.structHash()
	if err != nil {
		return [32]byte{}, err
	}
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], sh[:])
	return crypto.Keccak256Hash(msg), nil
}

// SignAuthorization signs a under d and returns the 0x-prefixed 65-byte
// signature with V in {27,28}.
func SignAuthorization(a *Authorization, d Domain, key *ecdsa.PrivateKey) (string, error) {
	digest, err := a.Digest(d)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return "", err
	}
	// V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// RecoverAuthorizer returns the address that produced sig over a under d.
func RecoverAuthorizer(a *Authorization, d Domain, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	digest, err := a.Digest(d)
	if err != nil {
		return common.Address{}, err
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, raw)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
