package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"slanchor/canonical"
	"slanchor/crypto"
	"slanchor/intent"
	"slanchor/storage"
)

type fixture struct {
	store *storage.Store
	srv   *httptest.Server
	key   *crypto.SigningKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))
	store := storage.New(db)

	key, err := crypto.NewSigningKey(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.NoError(t, store.RegisterSigner(context.Background(), key.PubKeyHex(), ""))

	validator := intent.NewValidator(store, 10*time.Minute)
	srv := httptest.NewServer(New(store, validator, slog.Default()).Handler())
	t.Cleanup(srv.Close)
	return &fixture{store: store, srv: srv, key: key}
}

func (f *fixture) envelope(t *testing.T, record map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(record)
	require.NoError(t, err)
	digest, err := canonical.HashBytes(raw)
	require.NoError(t, err)
	sigHex, err := crypto.SignDERHex(f.key.Priv(), digest)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"protocol": intent.ProtocolTag,
		"version":  intent.ProtocolVersion,
		"record":   json.RawMessage(raw),
		"signer":   map[string]string{"pubkey": f.key.PubKeyHex()},
		"signature": map[string]string{
			"alg":  intent.SigAlg,
			"hash": intent.SigHash,
			"sig":  sigHex,
		},
	})
	require.NoError(t, err)
	return body
}

func record(recordID, nonce string) map[string]any {
	return map[string]any{
		"recordId":  recordID,
		"kind":      intent.KindRegister,
		"assetType": "track",
		"timestamp": time.Now().UnixMilli(),
		"nonce":     nonce,
	}
}

func (f *fixture) post(t *testing.T, body []byte) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/api/v1/intents", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestSubmitIntentAccepted(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, f.envelope(t, record("REC-1", "n1")))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["ok"])
	require.Equal(t, "REC-1", body["recordId"])
	require.Equal(t, "queued", body["status"])
	require.Len(t, body["hash"], 64)
	require.NotEmpty(t, body["jobId"])
}

func TestSubmitIntentReplayConflict(t *testing.T) {
	f := newFixture(t)
	env := f.envelope(t, record("REC-1", "n1"))

	resp, _ := f.post(t, env)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.post(t, env)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, false, body["ok"])
	require.Equal(t, string(intent.CodeReplayDetected), body["code"])
}

func TestSubmitIntentDuplicateRecordIsIdempotent(t *testing.T) {
	f := newFixture(t)
	rec := record("REC-1", "n1")

	_, first := f.post(t, f.envelope(t, rec))

	// Same record body under a fresh nonce collapses onto the prior job.
	rec["nonce"] = "n2"
	resp, second := f.post(t, f.envelope(t, rec))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, second["ok"])
	require.NotEqual(t, first["jobId"], second["jobId"],
		"records differ because the nonce is inside the record; distinct hash, distinct job")
}

func TestSubmitIntentRejectionCodes(t *testing.T) {
	f := newFixture(t)

	// Schema failure.
	resp, body := f.post(t, []byte(`{"protocol":"other"}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, string(intent.CodeInvalidSchema), body["code"])

	// Stale timestamp.
	rec := record("REC-2", "n2")
	rec["timestamp"] = time.Now().Add(-time.Hour).UnixMilli()
	resp, body = f.post(t, f.envelope(t, rec))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, string(intent.CodeStaleTimestamp), body["code"])

	// Tampered record.
	env := f.envelope(t, record("REC-3", "n3"))
	var parsed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env, &parsed))
	tampered, err := json.Marshal(record("REC-3-tampered", "n3"))
	require.NoError(t, err)
	parsed["record"] = tampered
	rewrapped, err := json.Marshal(parsed)
	require.NoError(t, err)
	resp, body = f.post(t, rewrapped)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, string(intent.CodeInvalidSignature), body["code"])

	// Unknown signer.
	require.NoError(t, f.store.RevokeSigner(context.Background(), f.key.PubKeyHex()))
	resp, body = f.post(t, f.envelope(t, record("REC-4", "n4")))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(intent.CodeUnknownSigner), body["code"])
}

func TestGetJob(t *testing.T) {
	f := newFixture(t)
	_, submitted := f.post(t, f.envelope(t, record("REC-1", "n1")))
	jobID := submitted["jobId"].(string)

	resp, body := f.get(t, "/api/v1/jobs/"+jobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, jobID, body["jobId"])
	require.Equal(t, "queued", body["status"])
	timestamps := body["timestamps"].(map[string]any)
	require.NotEmpty(t, timestamps["createdAt"])
	require.NotContains(t, body, "txid")

	resp, body = f.get(t, "/api/v1/jobs/"+uuid.NewString())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, false, body["ok"])
}

func TestGetJobAfterFailure(t *testing.T) {
	f := newFixture(t)
	_, submitted := f.post(t, f.envelope(t, record("REC-1", "n1")))
	jobID := submitted["jobId"].(string)

	_, err := f.store.Transition(context.Background(), jobID, storage.StatusQueued, storage.StatusProcessing, nil)
	require.NoError(t, err)
	applied, err := f.store.MarkJobFailed(context.Background(), jobID, storage.StatusProcessing, storage.ErrCodeNoCapacity, "no available publish utxo")
	require.NoError(t, err)
	require.True(t, applied)

	resp, body := f.get(t, "/api/v1/jobs/"+jobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "failed", body["status"])
	require.Equal(t, storage.ErrCodeNoCapacity, body["errorCode"])
}

func TestGetRecord(t *testing.T) {
	f := newFixture(t)
	f.post(t, f.envelope(t, record("REC-1", "n1")))

	resp, body := f.get(t, "/api/v1/records/REC-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "REC-1", body["recordId"])
	canonicalBody, ok := body["canonicalBody"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "REC-1", canonicalBody["recordId"])

	resp, _ = f.get(t, "/api/v1/records/REC-MISSING")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
