package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var ErrNoKey = errors.New("chain: signing key not configured")

// Signer produces EIP-712 signatures for an account.
type Signer interface {
	Address() string
	SignTypedData(td apitypes.TypedData) ([]byte, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrNoKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("chain: parse key: %w", err)
	}
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// NewKeySignerFromEnv reads the hex key from the named environment variable.
func NewKeySignerFromEnv(name string) (*KeySigner, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrNoKey
	}
	s, err := NewKeySigner(os.Getenv(name))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return s, nil
}

func (s *KeySigner) Address() string { return s.addr.Hex() }

// SignTypedData hashes td per EIP-712 and returns a 65-byte signature with
// v in {27, 28}.
func (s *KeySigner) SignTypedData(td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("chain: hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverTypedData returns the address that produced sig over td.
func RecoverTypedData(td apitypes.TypedData, sig []byte) (string, error) {
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("chain: signature must be %d bytes", crypto.SignatureLength)
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return "", fmt.Errorf("chain: hash typed data: %w", err)
	}
	cp := append([]byte(nil), sig...)
	if cp[crypto.RecoveryIDOffset] >= 27 {
		cp[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, cp)
	if err != nil {
		return "", fmt.Errorf("chain: recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
