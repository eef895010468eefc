package txbuilder

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"slanchor/crypto"
)

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func testBuilder(t *testing.T) (*Builder, Input, string) {
	t.Helper()
	key, err := crypto.NewSigningKey(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	addr, err := key.Address()
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	in := Input{
		TxID:          "aa1111111111111111111111111111111111111111111111111111111111111b",
		Vout:          1,
		Satoshis:      100,
		LockingScript: hex.EncodeToString(script),
	}
	return New(key, 100), in, addr.EncodeAddress()
}

func decodeTx(t *testing.T, rawHex string) *wire.MsgTx {
	t.Helper()
	raw, err := hex.DecodeString(rawHex)
	require.NoError(t, err)
	var tx wire.MsgTx
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	return &tx
}

func TestBuildAnchorStructure(t *testing.T) {
	b, in, changeAddr := testBuilder(t)

	built, err := b.BuildAnchor(in, testHash, changeAddr)
	require.NoError(t, err)
	require.NotEmpty(t, built.TxID)
	require.Positive(t, built.Fee)

	tx := decodeTx(t, built.RawHex)
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 2)
	require.Equal(t, in.Vout, tx.TxIn[0].PreviousOutPoint.Index)

	// Data output carries zero value and the canonical payload.
	data := tx.TxOut[0]
	require.EqualValues(t, 0, data.Value)
	require.Equal(t, byte(txscript.OP_RETURN), data.PkScript[0])
	payload, err := AnchorPayload(testHash)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(data.PkScript, payload))
	require.Equal(t, `{"hash":"`+testHash+`","p":"sl-drm","v":1}`, string(payload))

	// Change pays input minus fee.
	require.Equal(t, in.Satoshis-built.Fee, tx.TxOut[1].Value)
	require.Equal(t, built.Fee, in.Satoshis-tx.TxOut[0].Value-tx.TxOut[1].Value)
}

func TestBuildAnchorSignatureValid(t *testing.T) {
	b, in, changeAddr := testBuilder(t)

	built, err := b.BuildAnchor(in, testHash, changeAddr)
	require.NoError(t, err)
	tx := decodeTx(t, built.RawHex)

	prevScript, err := hex.DecodeString(in.LockingScript)
	require.NoError(t, err)
	fetcher := txscript.NewCannedPrevOutputFetcher(prevScript, in.Satoshis)
	vm, err := txscript.NewEngine(prevScript, tx, 0, txscript.StandardVerifyFlags, nil, nil, in.Satoshis, fetcher)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestBuildAnchorDeterministic(t *testing.T) {
	b, in, changeAddr := testBuilder(t)

	first, err := b.BuildAnchor(in, testHash, changeAddr)
	require.NoError(t, err)
	second, err := b.BuildAnchor(in, testHash, changeAddr)
	require.NoError(t, err)
	require.Equal(t, first.RawHex, second.RawHex)
	require.Equal(t, first.TxID, second.TxID)
}

func TestBuildAnchorInsufficientValue(t *testing.T) {
	b, in, changeAddr := testBuilder(t)
	in.Satoshis = 5

	_, err := b.BuildAnchor(in, testHash, changeAddr)
	require.ErrorIs(t, err, ErrInsufficientValue)
}

func TestBuildAnchorRejectsBadInputs(t *testing.T) {
	b, in, changeAddr := testBuilder(t)

	bad := in
	bad.TxID = "not-hex"
	_, err := b.BuildAnchor(bad, testHash, changeAddr)
	require.Error(t, err)

	bad = in
	bad.LockingScript = "zz"
	_, err = b.BuildAnchor(bad, testHash, changeAddr)
	require.Error(t, err)

	_, err = b.BuildAnchor(in, testHash, "bogus-address")
	require.Error(t, err)
}

func TestBuildSplitLayout(t *testing.T) {
	b, in, changeAddr := testBuilder(t)
	in.Satoshis = 1_000_000

	built, err := b.BuildSplit(in, 100, 50, changeAddr, changeAddr)
	require.NoError(t, err)

	tx := decodeTx(t, built.RawHex)
	require.Len(t, tx.TxOut, 51)
	var total int64
	for i := 0; i < 50; i++ {
		require.EqualValues(t, 100, tx.TxOut[i].Value)
		total += tx.TxOut[i].Value
	}
	change := tx.TxOut[50].Value
	require.Equal(t, in.Satoshis-built.Fee, total+change)
}

func TestBuildSplitTooLarge(t *testing.T) {
	b, in, changeAddr := testBuilder(t)
	in.Satoshis = 100

	_, err := b.BuildSplit(in, 100, 5, changeAddr, changeAddr)
	require.ErrorIs(t, err, ErrInsufficientValue)
}
