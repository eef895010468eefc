package intent

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"slanchor/canonical"
	"slanchor/crypto"
)

// Registry is the slice of the job store the validator consults. Both checks
// are read-only; nonce insertion happens later inside the admission
// transaction, which remains the authority under concurrency.
type Registry interface {
	NonceSeen(ctx context.Context, pubKey, nonce string) (bool, error)
	IsSignerActive(ctx context.Context, pubKey string) (bool, error)
}

// Admission is a fully validated intent ready for the job store.
type Admission struct {
	RecordID      string
	Nonce         string
	SignerPubKey  string
	RecordHash    string
	CanonicalBody string
}

// Validator runs the ordered admission checks.
type Validator struct {
	registry Registry
	skew     time.Duration

	// Now is overridable for tests.
	Now func() time.Time
}

// NewValidator constructs a validator with the given timestamp skew window.
func NewValidator(registry Registry, skew time.Duration) *Validator {
	if skew <= 0 {
		skew = 10 * time.Minute
	}
	return &Validator{registry: registry, skew: skew, Now: time.Now}
}

// Validate runs the admission pipeline in order: schema, timestamp skew,
// nonce uniqueness, canonicalize+hash, signature, signer registry. It is
// side-effect free; failures are *Error values carrying the taxonomy code.
func (v *Validator) Validate(ctx context.Context, env *Envelope) (*Admission, error) {
	record, err := v.checkSchema(env)
	if err != nil {
		return nil, err
	}

	now := v.Now()
	ts := time.UnixMilli(record.Timestamp)
	if drift := now.Sub(ts).Abs(); drift > v.skew {
		return nil, &Error{Code: CodeStaleTimestamp, Detail: "record timestamp outside the accepted window"}
	}

	pubKeyHex := strings.ToLower(strings.TrimSpace(env.Signer.PubKey))
	seen, err := v.registry.NonceSeen(ctx, pubKeyHex, record.Nonce)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, &Error{Code: CodeReplayDetected, Detail: "nonce already used by signer"}
	}

	canonBody, err := canonical.Transform(env.Record)
	if err != nil {
		return nil, schemaErr("record is not canonicalizable: %v", err)
	}
	digest, err := canonical.HashBytes(env.Record)
	if err != nil {
		return nil, schemaErr("record hashing failed: %v", err)
	}

	pub, err := crypto.ParsePubKeyHex(pubKeyHex)
	if err != nil {
		return nil, schemaErr("signer.pubkey: %v", err)
	}
	if !pub.VerifyDERHex(digest, env.Sig.Sig) {
		return nil, &Error{Code: CodeInvalidSignature, Detail: "signature does not verify against record hash"}
	}

	active, err := v.registry.IsSignerActive(ctx, pubKeyHex)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, &Error{Code: CodeUnknownSigner, Detail: "signer is not registered or has been revoked"}
	}

	return &Admission{
		RecordID:      record.RecordID,
		Nonce:         record.Nonce,
		SignerPubKey:  pubKeyHex,
		RecordHash:    hex.EncodeToString(digest),
		CanonicalBody: string(canonBody),
	}, nil
}

func (v *Validator) checkSchema(env *Envelope) (*Record, error) {
	if env == nil {
		return nil, schemaErr("empty envelope")
	}
	if env.PublicKey != "" {
		return nil, schemaErr("flat envelope form is not supported; use signer/signature")
	}
	if env.Protocol != ProtocolTag {
		return nil, schemaErr("protocol must be %q", ProtocolTag)
	}
	if env.Version != ProtocolVersion {
		return nil, schemaErr("version must be %d", ProtocolVersion)
	}
	if len(env.Record) == 0 {
		return nil, schemaErr("record is required")
	}
	if strings.TrimSpace(env.Signer.PubKey) == "" {
		return nil, schemaErr("signer.pubkey is required")
	}
	if env.Sig.Alg != SigAlg {
		return nil, schemaErr("signature.alg must be %q", SigAlg)
	}
	if env.Sig.Hash != SigHash {
		return nil, schemaErr("signature.hash must be %q", SigHash)
	}
	if strings.TrimSpace(env.Sig.Sig) == "" {
		return nil, schemaErr("signature.sig is required")
	}

	var record Record
	dec := json.NewDecoder(strings.NewReader(string(env.Record)))
	if err := dec.Decode(&record); err != nil {
		return nil, schemaErr("record: %v", err)
	}
	if strings.TrimSpace(record.RecordID) == "" {
		return nil, schemaErr("record.recordId is required")
	}
	if !validKind(record.Kind) {
		return nil, schemaErr("record.kind %q is not recognised", record.Kind)
	}
	if strings.TrimSpace(record.AssetType) == "" {
		return nil, schemaErr("record.assetType is required")
	}
	if record.Timestamp <= 0 {
		return nil, schemaErr("record.timestamp is required")
	}
	if strings.TrimSpace(record.Nonce) == "" {
		return nil, schemaErr("record.nonce is required")
	}
	if len(record.Owners) > 0 {
		total := 0
		for i, owner := range record.Owners {
			if strings.TrimSpace(owner.Party) == "" {
				return nil, schemaErr("record.owners[%d].party is required", i)
			}
			if owner.ShareBps < 0 {
				return nil, schemaErr("record.owners[%d].shareBps must not be negative", i)
			}
			total += owner.ShareBps
		}
		if total != TotalShareBps {
			return nil, schemaErr("owner shares must sum to %d basis points, got %d", TotalShareBps, total)
		}
	}
	if record.Distribution != nil {
		if strings.TrimSpace(record.Distribution.URI) == "" {
			return nil, schemaErr("record.distribution.uri is required when distribution is present")
		}
		if record.Distribution.ContentHash != "" {
			if _, err := hex.DecodeString(record.Distribution.ContentHash); err != nil {
				return nil, schemaErr("record.distribution.contentHash must be hex")
			}
		}
	}
	return &record, nil
}
