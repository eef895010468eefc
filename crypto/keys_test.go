package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestVerifyDERRoundTrip(t *testing.T) {
	key, err := NewSigningKey(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("publish intent body"))
	sigHex, err := SignDERHex(key.Priv(), digest[:])
	require.NoError(t, err)

	pub, err := ParsePubKeyHex(key.PubKeyHex())
	require.NoError(t, err)
	require.True(t, pub.VerifyDERHex(digest[:], sigHex))

	// A different digest must not verify.
	other := sha256.Sum256([]byte("tampered"))
	require.False(t, pub.VerifyDERHex(other[:], sigHex))
}

func TestVerifyDERMalformedInputs(t *testing.T) {
	key, err := NewSigningKey(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	pub, err := ParsePubKeyHex(key.PubKeyHex())
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("x"))
	require.False(t, pub.VerifyDERHex(digest[:], ""))
	require.False(t, pub.VerifyDERHex(digest[:], "zz"))
	require.False(t, pub.VerifyDERHex(digest[:], "3006020101020101ff"))
	require.False(t, pub.VerifyDER(digest[:31], nil))
}

func TestParsePubKeyHexRejectsBadKeys(t *testing.T) {
	_, err := ParsePubKeyHex("")
	require.ErrorIs(t, err, ErrInvalidPubKey)
	_, err = ParsePubKeyHex("02abcd")
	require.ErrorIs(t, err, ErrInvalidPubKey)
	// 33 bytes but not a curve point.
	_, err = ParsePubKeyHex("02" + hex.EncodeToString(make([]byte, 32)))
	require.ErrorIs(t, err, ErrInvalidPubKey)
}

func TestKeyFileRoundTrip(t *testing.T) {
	key, err := NewSigningKey(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "server.key")
	require.NoError(t, SaveKeyFile(path, key))

	loaded, err := LoadKeyFile(path, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.Equal(t, key.PubKeyHex(), loaded.PubKeyHex())

	addr, err := loaded.Address()
	require.NoError(t, err)
	require.NotEmpty(t, addr.EncodeAddress())
}

func TestLoadSigningKeyWIFWrongNetwork(t *testing.T) {
	key, err := NewSigningKey(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	wif, err := key.WIF()
	require.NoError(t, err)

	_, err = LoadSigningKeyWIF(wif, &chaincfg.MainNetParams)
	require.Error(t, err)
}
