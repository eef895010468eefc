package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ledgerStub(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tx/broadcast", r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBroadcastSuccess(t *testing.T) {
	srv := ledgerStub(t, http.StatusOK, `{"txid":"abc123"}`)
	c := New(srv.URL, "", 0)

	res := c.Broadcast(context.Background(), "deadbeef")
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Equal(t, "abc123", res.TxID)
	require.Empty(t, res.Detail)
}

func TestBroadcastClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Outcome
	}{
		{"mempool conflict", http.StatusConflict, `{"error":"txn-mempool-conflict"}`, OutcomeMempoolConflict},
		{"already known", http.StatusBadRequest, `{"error":"transaction already known"}`, OutcomeMempoolConflict},
		{"inputs spent", http.StatusBadRequest, `{"error":"bad-txns: missing inputs"}`, OutcomeMempoolConflict},
		{"validation reject", http.StatusBadRequest, `{"error":"scriptsig-not-pushonly"}`, OutcomePermanent},
		{"server error", http.StatusInternalServerError, `boom`, OutcomeTransient},
		{"bad gateway", http.StatusBadGateway, ``, OutcomeTransient},
		{"ok without txid", http.StatusOK, `{}`, OutcomePermanent},
		{"non-json reject", http.StatusBadRequest, `nope`, OutcomePermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := ledgerStub(t, tc.status, tc.body)
			res := New(srv.URL, "", 0).Broadcast(context.Background(), "deadbeef")
			require.Equal(t, tc.want, res.Outcome)
			require.Empty(t, res.TxID)
		})
	}
}

func TestBroadcastTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	res := New(srv.URL, "", 20*time.Millisecond).Broadcast(context.Background(), "deadbeef")
	require.Equal(t, OutcomeTransient, res.Outcome)
	require.NotEmpty(t, res.Detail)
}

func TestBroadcastConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	res := New(srv.URL, "", time.Second).Broadcast(context.Background(), "deadbeef")
	require.Equal(t, OutcomeTransient, res.Outcome)
}

func TestBroadcastSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"txid":"t"}`))
	}))
	t.Cleanup(srv.Close)

	New(srv.URL, "secret", 0).Broadcast(context.Background(), "00")
	require.Equal(t, "Bearer secret", gotAuth)
}
