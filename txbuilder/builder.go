package txbuilder

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"slanchor/canonical"
	"slanchor/crypto"
	"slanchor/intent"
)

// ErrInsufficientValue is returned when the input cannot cover the fee.
var ErrInsufficientValue = errors.New("txbuilder: input value does not cover fee")

// Input describes the reserved pool UTXO funding a transaction.
type Input struct {
	TxID          string
	Vout          uint32
	Satoshis      int64
	LockingScript string
}

// Built is a fully signed transaction ready for broadcast.
type Built struct {
	RawHex string
	TxID   string
	Size   int
	Fee    int64
}

// Builder signs one-input anchor and split transactions with the server key.
// Signing is deterministic, so a retry against the same UTXO reproduces the
// same transaction id; that is what makes mempool-conflict detection
// meaningful.
type Builder struct {
	key          *crypto.SigningKey
	feeRatePerKB int64
}

// New constructs a builder around the process signing key.
func New(key *crypto.SigningKey, feeRatePerKB int64) *Builder {
	if feeRatePerKB <= 0 {
		feeRatePerKB = 100
	}
	return &Builder{key: key, feeRatePerKB: feeRatePerKB}
}

// AnchorPayload renders the canonical on-ledger payload for a record hash.
func AnchorPayload(recordHash string) ([]byte, error) {
	return canonical.Marshal(map[string]any{
		"p":    intent.ProtocolTag,
		"v":    intent.ProtocolVersion,
		"hash": recordHash,
	})
}

// BuildAnchor assembles and signs the anchoring transaction: the reserved
// input, a zero-value OP_RETURN data output carrying the protocol payload,
// and a change output paying changeAddr.
func (b *Builder) BuildAnchor(in Input, recordHash, changeAddr string) (*Built, error) {
	payload, err := AnchorPayload(recordHash)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: payload: %w", err)
	}
	dataScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(payload).
		Script()
	if err != nil {
		return nil, fmt.Errorf("txbuilder: data script: %w", err)
	}
	changeScript, err := b.payToAddress(changeAddr)
	if err != nil {
		return nil, err
	}

	outputs := func(change int64) []*wire.TxOut {
		return []*wire.TxOut{
			wire.NewTxOut(0, dataScript),
			wire.NewTxOut(change, changeScript),
		}
	}
	return b.buildSigned(in, outputs)
}

// BuildSplit assembles and signs a pool split: count outputs of unitValue
// paying poolAddr, plus the change output. The change is always the final
// output so callers can map vouts to pool rows positionally.
func (b *Builder) BuildSplit(in Input, unitValue int64, count int, poolAddr, changeAddr string) (*Built, error) {
	if count <= 0 || unitValue <= 0 {
		return nil, errors.New("txbuilder: split requires positive count and unit value")
	}
	poolScript, err := b.payToAddress(poolAddr)
	if err != nil {
		return nil, err
	}
	changeScript, err := b.payToAddress(changeAddr)
	if err != nil {
		return nil, err
	}

	splitTotal := unitValue * int64(count)
	if splitTotal >= in.Satoshis {
		return nil, ErrInsufficientValue
	}
	outputs := func(change int64) []*wire.TxOut {
		outs := make([]*wire.TxOut, 0, count+1)
		for i := 0; i < count; i++ {
			outs = append(outs, wire.NewTxOut(unitValue, poolScript))
		}
		return append(outs, wire.NewTxOut(change-splitTotal, changeScript))
	}
	return b.buildSigned(in, outputs)
}

// buildSigned runs the two-pass assembly: sign once with a zero fee to
// measure the serialized size, then rebuild with the change reduced by the
// computed fee and sign again.
func (b *Builder) buildSigned(in Input, outputs func(change int64) []*wire.TxOut) (*Built, error) {
	probe, err := b.assemble(in, outputs(in.Satoshis))
	if err != nil {
		return nil, err
	}
	size := probe.SerializeSize()
	fee := feeForSize(size, b.feeRatePerKB)
	if in.Satoshis <= fee {
		return nil, ErrInsufficientValue
	}

	final, err := b.assemble(in, outputs(in.Satoshis-fee))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := final.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("txbuilder: serialize: %w", err)
	}
	return &Built{
		RawHex: hex.EncodeToString(buf.Bytes()),
		TxID:   final.TxHash().String(),
		Size:   final.SerializeSize(),
		Fee:    fee,
	}, nil
}

func (b *Builder) assemble(in Input, outs []*wire.TxOut) (*wire.MsgTx, error) {
	prevHash, err := chainhash.NewHashFromStr(in.TxID)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: input txid: %w", err)
	}
	prevScript, err := hex.DecodeString(in.LockingScript)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: input script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, in.Vout), nil, nil))
	for _, out := range outs {
		if out.Value < 0 {
			return nil, ErrInsufficientValue
		}
		tx.AddTxOut(out)
	}

	sigScript, err := txscript.SignatureScript(tx, 0, prevScript, txscript.SigHashAll, b.key.Priv(), true)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: sign input: %w", err)
	}
	tx.TxIn[0].SignatureScript = sigScript
	return tx, nil
}

func (b *Builder) payToAddress(addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, b.key.Params())
	if err != nil {
		return nil, fmt.Errorf("txbuilder: address %q: %w", addr, err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("txbuilder: address script: %w", err)
	}
	return script, nil
}

// AddressScriptHex returns the hex locking script paying addr. The
// replenisher uses it to register freshly minted pool outputs.
func (b *Builder) AddressScriptHex(addr string) (string, error) {
	script, err := b.payToAddress(addr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(script), nil
}

// feeForSize rounds the sats-per-KB rate up to the next satoshi.
func feeForSize(size int, ratePerKB int64) int64 {
	fee := (int64(size)*ratePerKB + 999) / 1000
	if fee < 1 {
		fee = 1
	}
	return fee
}
