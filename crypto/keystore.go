package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
)

// SaveKeyFile writes the WIF encoding of the signing key to path with 0600
// permissions. The parent directory is created with 0700 if missing.
func SaveKeyFile(path string, key *SigningKey) error {
	if key == nil {
		return errors.New("crypto: nil signing key")
	}
	if path == "" {
		return errors.New("crypto: empty key file path")
	}
	wif, err := key.WIF()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "key-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(wif + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadKeyFile reads a WIF-encoded signing key from disk. Group or world
// readable key files are refused.
func LoadKeyFile(path string, params *chaincfg.Params) (*SigningKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty key file path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("crypto: key file %s is readable by others", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadSigningKeyWIF(strings.TrimSpace(string(raw)), params)
}

// SignDERHex signs a 32-byte digest with the provided private key and returns
// the DER signature hex encoded. Signing is deterministic (RFC 6979).
func SignDERHex(priv *btcec.PrivateKey, digest []byte) (string, error) {
	if priv == nil {
		return "", errors.New("crypto: nil private key")
	}
	if len(digest) != 32 {
		return "", fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	sig := ecdsa.Sign(priv, digest)
	return hex.EncodeToString(sig.Serialize()), nil
}
