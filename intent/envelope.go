package intent

import (
	"encoding/json"
	"fmt"
)

// Protocol constants for the publishing intent envelope.
const (
	ProtocolTag     = "sl-drm"
	ProtocolVersion = 1

	// SigAlg and SigHash are the only accepted signature scheme values.
	SigAlg  = "secp256k1"
	SigHash = "sha256"
)

// Event kinds a record may declare.
const (
	KindRegister    = "REGISTER"
	KindUpdate      = "UPDATE"
	KindAssign      = "ASSIGN"
	KindSplitChange = "SPLIT_CHANGE"
)

// TotalShareBps is the required owner share total in basis points.
const TotalShareBps = 10000

// Envelope is the structured admission form. Record is kept raw so that
// canonicalization and hashing apply to the exact bytes the client signed,
// never a re-marshalled copy.
type Envelope struct {
	Protocol string          `json:"protocol"`
	Version  int             `json:"version"`
	Record   json.RawMessage `json:"record"`
	Signer   Signer          `json:"signer"`
	Sig      Signature       `json:"signature"`

	// PublicKey catches the legacy flat envelope shape so it can be
	// rejected explicitly instead of silently accepted.
	PublicKey string `json:"publickey,omitempty"`
}

// Signer carries the compressed public key of the intent author.
type Signer struct {
	PubKey string `json:"pubkey"`
}

// Signature carries the scheme identifiers and the DER signature hex.
type Signature struct {
	Alg  string `json:"alg"`
	Hash string `json:"hash"`
	Sig  string `json:"sig"`
}

// Owner is one rights-holding party on a record.
type Owner struct {
	Party    string `json:"party"`
	Role     string `json:"role"`
	ShareBps int    `json:"shareBps"`
}

// Distribution is an optional pointer to externally hosted content.
type Distribution struct {
	URI         string `json:"uri"`
	ContentHash string `json:"contentHash"`
}

// Terms scopes the declared rights.
type Terms struct {
	Territory string   `json:"territory"`
	Rights    []string `json:"rights"`
}

// Record is the rights declaration inside an envelope. Timestamp is unix
// milliseconds.
type Record struct {
	RecordID     string        `json:"recordId"`
	Kind         string        `json:"kind"`
	AssetType    string        `json:"assetType"`
	Owners       []Owner       `json:"owners"`
	Distribution *Distribution `json:"distribution,omitempty"`
	Terms        *Terms        `json:"terms,omitempty"`
	Timestamp    int64         `json:"timestamp"`
	Nonce        string        `json:"nonce"`
}

// ParseEnvelope decodes the admission request body. Unknown top-level fields
// are tolerated; the validator performs the semantic checks.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("intent: decode envelope: %w", err)
	}
	return &env, nil
}

func validKind(kind string) bool {
	switch kind {
	case KindRegister, KindUpdate, KindAssign, KindSplitChange:
		return true
	}
	return false
}
