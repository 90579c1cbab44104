package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poros-protocol/poros-core/src/identity"
	"github.com/poros-protocol/poros-core/src/protocol"
)

func newClient(t *testing.T) *Client {
	did, key, err := identity.GenerateKeypair()
	require.NoError(t, err)
	return New(key, did)
}

func TestCallSignsRequestAndVerifiesResponse(t *testing.T) {
	agentDID, agentKey, err := identity.GenerateKeypair()
	require.NoError(t, err)

	var gotDID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDID = r.Header.Get("X-Poros-DID")

		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		sig, _ := in["signature"].(string)
		orchestratorDID, _ := in["orchestrator_did"].(string)
		require.True(t, identity.Verify(in, sig, orchestratorDID))

		out := map[string]any{"status": "ok"}
		outSig, err := identity.Sign(out, agentKey)
		require.NoError(t, err)
		out["signature"] = outSig
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := newClient(t)
	var reply struct {
		Status string `json:"status"`
	}
	err = c.Call(context.Background(), srv.URL, "/query", map[string]any{"action": "ping"}, agentDID, &reply)
	require.NoError(t, err)
	require.Equal(t, "ok", reply.Status)
	require.Equal(t, c.engineDID, gotDID)
}

func TestCallRejectsUnsignedResponse(t *testing.T) {
	agentDID, _, err := identity.GenerateKeypair()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer srv.Close()

	c := newClient(t)
	err = c.Call(context.Background(), srv.URL, "/query", map[string]any{}, agentDID, nil)
	require.ErrorIs(t, err, protocol.ErrAgentUnreachable)
}

func TestCallRejectsWrongSigner(t *testing.T) {
	agentDID, _, err := identity.GenerateKeypair()
	require.NoError(t, err)
	_, impostorKey, err := identity.GenerateKeypair()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"status": "ok"}
		sig, _ := identity.Sign(out, impostorKey)
		out["signature"] = sig
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := newClient(t)
	err = c.Call(context.Background(), srv.URL, "/query", map[string]any{}, agentDID, nil)
	require.ErrorIs(t, err, protocol.ErrAgentUnreachable)
}

func TestCallClassifiesServerErrors(t *testing.T) {
	agentDID, _, err := identity.GenerateKeypair()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newClient(t)
	err = c.Call(context.Background(), srv.URL, "/query", map[string]any{}, agentDID, nil)
	require.ErrorIs(t, err, protocol.ErrAgentUnreachable)
}

func TestCallTimeoutIsDistinct(t *testing.T) {
	agentDID, _, err := identity.GenerateKeypair()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := newClient(t)
	err = c.Call(ctx, srv.URL, "/query", map[string]any{}, agentDID, nil)
	require.ErrorIs(t, err, protocol.ErrAgentTimeout)
}

func TestCallWithRetryStopsAfterSuccess(t *testing.T) {
	agentDID, agentKey, err := identity.GenerateKeypair()
	require.NoError(t, err)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		out := map[string]any{"status": "ok"}
		sig, _ := identity.Sign(out, agentKey)
		out["signature"] = sig
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := newClient(t)
	err = c.CallWithRetry(context.Background(), 3, srv.URL, "/query", map[string]any{}, agentDID, nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}
