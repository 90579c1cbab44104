package agentclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poros-protocol/poros-core/src/identity"
	"github.com/poros-protocol/poros-core/src/protocol"
)

// Client signs every request the engine forwards to an agent endpoint and
// verifies every response against the agent's DID. A response without a
// valid signature from the expected DID is a transport error, never a
// protocol success.
type Client struct {
	http      *http.Client
	key       ed25519.PrivateKey
	engineDID string
}

func New(key ed25519.PrivateKey, engineDID string) *Client {
	return &Client{
		// per-call deadlines come from the caller's context (per-verb timeouts)
		http:      &http.Client{},
		key:       key,
		engineDID: engineDID,
	}
}

// Call posts payload to endpoint+path and decodes the verified response into
// out. expectDID may be empty to skip response verification (not used by any
// verb path; kept for health probes).
func (c *Client) Call(ctx context.Context, endpoint, path string, payload any, expectDID string, out any) error {
	body, err := c.signedBody(payload)
	if err != nil {
		return err
	}

	target := strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(target, path) {
		target += path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Poros-DID", c.engineDID)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("agent response: %w", protocol.ErrAgentUnreachable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent returned %d: %w", resp.StatusCode, protocol.ErrAgentUnreachable)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("agent response not JSON: %w", protocol.ErrAgentUnreachable)
	}
	if expectDID != "" {
		sig, _ := m["signature"].(string)
		if sig == "" || !identity.Verify(m, sig, expectDID) {
			return fmt.Errorf("agent response not signed by %s: %w", expectDID, protocol.ErrAgentUnreachable)
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("agent response decode: %w", protocol.ErrAgentUnreachable)
		}
	}
	return nil
}

// CallWithRetry retries transient failures with exponential backoff. Only
// read-only verbs use it; mutating verbs are never blindly retried.
func (c *Client) CallWithRetry(ctx context.Context, attempts int, endpoint, path string, payload any, expectDID string, out any) error {
	if attempts <= 0 {
		attempts = 1
	}
	delay := 500 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = c.Call(ctx, endpoint, path, payload, expectDID, out)
		if lastErr == nil || !protocol.IsTransient(lastErr) {
			return lastErr
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %v", protocol.ErrAgentTimeout, ctx.Err())
		case <-t.C:
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	return lastErr
}

// signedBody canonical-signs the payload with the engine key and embeds the
// signature alongside the engine DID.
func (c *Client) signedBody(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	delete(m, "signature")
	m["orchestrator_did"] = c.engineDID
	sig, err := identity.Sign(m, c.key)
	if err != nil {
		return nil, err
	}
	m["signature"] = sig
	return json.Marshal(m)
}

func classifyTransport(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return fmt.Errorf("%v: %w", err, protocol.ErrAgentTimeout)
	}
	return fmt.Errorf("%v: %w", err, protocol.ErrAgentUnreachable)
}
