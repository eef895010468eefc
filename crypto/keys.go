package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// CompressedPubKeyLen is the length of a compressed secp256k1 public key.
const CompressedPubKeyLen = 33

// ErrInvalidPubKey is returned when a signer public key cannot be parsed.
var ErrInvalidPubKey = errors.New("crypto: invalid compressed public key")

// PublicKey wraps a parsed secp256k1 public key together with its compressed
// hex form, which is the identity used throughout the signer registry.
type PublicKey struct {
	key *btcec.PublicKey
	hex string
}

// ParsePubKeyHex parses a 33-byte compressed secp256k1 public key from hex.
func ParsePubKeyHex(s string) (*PublicKey, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	if len(raw) != CompressedPubKeyLen {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPubKey, len(raw))
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return &PublicKey{key: key, hex: trimmed}, nil
}

// Hex returns the lowercase compressed hex encoding of the key.
func (p *PublicKey) Hex() string { return p.hex }

// VerifyDER checks a DER-encoded ECDSA signature over a 32-byte digest.
// Malformed signatures report false rather than an error so callers can map
// every failure to the same rejection.
func (p *PublicKey) VerifyDER(digest []byte, derSig []byte) bool {
	if p == nil || p.key == nil || len(digest) != 32 {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return false
	}
	return sig.Verify(digest, p.key)
}

// VerifyDERHex is VerifyDER with a hex-encoded signature.
func (p *PublicKey) VerifyDERHex(digest []byte, derSigHex string) bool {
	raw, err := hex.DecodeString(strings.TrimSpace(derSigHex))
	if err != nil {
		return false
	}
	return p.VerifyDER(digest, raw)
}

// SigningKey is the process-wide server key used to sign pool transactions.
// It is loaded once at startup from configuration and never mutated.
type SigningKey struct {
	priv   *btcec.PrivateKey
	params *chaincfg.Params
}

// LoadSigningKeyWIF decodes a WIF-encoded private key for the given network.
func LoadSigningKeyWIF(wifStr string, params *chaincfg.Params) (*SigningKey, error) {
	trimmed := strings.TrimSpace(wifStr)
	if trimmed == "" {
		return nil, errors.New("crypto: signing key missing")
	}
	wif, err := btcutil.DecodeWIF(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode signing key: %w", err)
	}
	if params != nil && !wif.IsForNet(params) {
		return nil, errors.New("crypto: signing key is for a different network")
	}
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &SigningKey{priv: wif.PrivKey, params: params}, nil
}

// NewSigningKey generates a fresh key, used by tests and anchorctl bootstrap.
func NewSigningKey(params *chaincfg.Params) (*SigningKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &SigningKey{priv: priv, params: params}, nil
}

// Priv exposes the raw private key for transaction signing.
func (k *SigningKey) Priv() *btcec.PrivateKey { return k.priv }

// Params reports the network the key belongs to.
func (k *SigningKey) Params() *chaincfg.Params { return k.params }

// Address derives the P2PKH address paying to the key.
func (k *SigningKey) Address() (btcutil.Address, error) {
	pubHash := btcutil.Hash160(k.priv.PubKey().SerializeCompressed())
	return btcutil.NewAddressPubKeyHash(pubHash, k.params)
}

// PubKeyHex returns the compressed hex encoding of the public key.
func (k *SigningKey) PubKeyHex() string {
	return hex.EncodeToString(k.priv.PubKey().SerializeCompressed())
}

// WIF re-encodes the private key, used when seeding test fixtures.
func (k *SigningKey) WIF() (string, error) {
	wif, err := btcutil.NewWIF(k.priv, k.params, true)
	if err != nil {
		return "", err
	}
	return wif.String(), nil
}
