package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Outcome classifies the ledger's response to a broadcast attempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeMempoolConflict Outcome = "mempool_conflict"
	OutcomeTransient       Outcome = "transient_network"
	OutcomePermanent       Outcome = "permanent_reject"
)

// Result is the normalized broadcast outcome. TxID is set only on success;
// Detail carries the ledger's error message otherwise.
type Result struct {
	Outcome Outcome
	TxID    string
	Detail  string
}

// Sender is the surface the worker loops depend on.
type Sender interface {
	Broadcast(ctx context.Context, rawHex string) Result
}

// Client posts raw transactions to the ledger's broadcast endpoint and
// normalizes the response. It performs no retries; retry policy belongs to
// the callers.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// New constructs a broadcast client. A non-positive timeout falls back to
// 30 seconds.
func New(baseURL, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
	}
}

type broadcastRequest struct {
	RawTx string `json:"rawtx"`
}

type broadcastResponse struct {
	TxID  string `json:"txid"`
	Error string `json:"error"`
}

// Broadcast submits the raw transaction hex and classifies the outcome.
func (c *Client) Broadcast(ctx context.Context, rawHex string) Result {
	buf, err := json.Marshal(broadcastRequest{RawTx: rawHex})
	if err != nil {
		return Result{Outcome: OutcomePermanent, Detail: fmt.Sprintf("encode request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx/broadcast", bytes.NewReader(buf))
	if err != nil {
		return Result{Outcome: OutcomePermanent, Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Outcome: OutcomeTransient, Detail: fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode >= 500 {
		return Result{Outcome: OutcomeTransient, Detail: fmt.Sprintf("ledger status %d: %s", resp.StatusCode, trim(body))}
	}

	var decoded broadcastResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		if resp.StatusCode == http.StatusOK {
			return Result{Outcome: OutcomePermanent, Detail: fmt.Sprintf("undecodable response: %s", trim(body))}
		}
		return Result{Outcome: classifyMessage(string(body)), Detail: trim(body)}
	}
	if resp.StatusCode == http.StatusOK && decoded.Error == "" {
		if decoded.TxID == "" {
			return Result{Outcome: OutcomePermanent, Detail: "ledger accepted without a txid"}
		}
		return Result{Outcome: OutcomeSuccess, TxID: decoded.TxID}
	}
	msg := decoded.Error
	if msg == "" {
		msg = trim(body)
	}
	return Result{Outcome: classifyMessage(msg), Detail: msg}
}

// conflictMarkers are the ledger error fragments that mean the transaction,
// or one of its inputs, is already present in a mempool. A retried
// deterministic transaction lands here, which is benign bookkeeping.
var conflictMarkers = []string{
	"txn-mempool-conflict",
	"txn-already-in-mempool",
	"txn-already-known",
	"already in the mempool",
	"already known",
	"missing inputs",
}

func classifyMessage(msg string) Outcome {
	lowered := strings.ToLower(msg)
	for _, marker := range conflictMarkers {
		if strings.Contains(lowered, marker) {
			return OutcomeMempoolConflict
		}
	}
	return OutcomePermanent
}

func trim(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
