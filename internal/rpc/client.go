package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

var defaultProviders = map[string][]string{
	"mainnet": {"https://rpc.mainnet.fastnear.com", "https://rpc.mainnet.near.org"},
	"testnet": {"https://rpc.testnet.fastnear.com", "https://rpc.testnet.near.org"},
}

const (
	defaultTimeout = 30 * time.Second
	maxTimeout     = 60 * time.Second
	maxBackoff     = 3 * time.Second
)

var rpcID atomic.Int64

func init() {
	rpcID.Store(1000)
}

// Client is a JSON-RPC client that round-robins across an ordered provider
// list. The per-request timeout adapts: it grows on failure and relaxes back
// toward the configured default on success, so one slow provider does not
// permanently tax the fast ones.
type Client struct {
	providers    []string
	http         *http.Client
	startTimeout time.Duration

	mu      sync.Mutex
	index   int
	timeout time.Duration
}

func NewClient(providers []string) *Client {
	return NewClientWithTimeout(providers, defaultTimeout)
}

func NewClientWithTimeout(providers []string, timeout time.Duration) *Client {
	if len(providers) == 0 {
		providers = defaultProviders["mainnet"]
	}
	return &Client{
		providers:    providers,
		http:         &http.Client{},
		startTimeout: timeout,
		timeout:      timeout,
	}
}

// NewClientForNetwork picks the default provider list for a network when the
// host app has not configured one.
func NewClientForNetwork(network string) *Client {
	return NewClient(defaultProviders[network])
}

func (c *Client) Block(ctx context.Context, finality string) (json.RawMessage, error) {
	return c.Send(ctx, "block", map[string]interface{}{"finality": finality})
}

func (c *Client) Query(ctx context.Context, params map[string]interface{}) (json.RawMessage, error) {
	return c.Send(ctx, "query", params)
}

func (c *Client) TxStatus(ctx context.Context, txHash, accountID, waitUntil string) (json.RawMessage, error) {
	return c.Send(ctx, "tx", map[string]interface{}{
		"tx_hash":           txHash,
		"sender_account_id": accountID,
		"wait_until":        waitUntil,
	})
}

func (c *Client) SendTx(ctx context.Context, signedTxBase64, waitUntil string) (json.RawMessage, error) {
	if waitUntil == "" {
		waitUntil = "INCLUDED"
	}
	return c.Send(ctx, "send_tx", map[string]interface{}{
		"signed_tx_base64": signedTxBase64,
		"wait_until":       waitUntil,
	})
}

// Send issues one logical request with bounded retry: every failure rotates
// to the next provider and the whole call gives up after 3 passes over the
// provider list, surfacing the last error.
func (c *Client) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	maxAttempts := len(c.providers) * 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		c.mu.Lock()
		provider := c.providers[c.index]
		timeout := c.timeout
		c.mu.Unlock()

		result, err := c.sendOnce(ctx, provider, method, params, timeout)
		if err == nil {
			c.mu.Lock()
			c.timeout = maxDuration(c.startTimeout, c.timeout*5/6)
			c.mu.Unlock()
			return result, nil
		}
		lastErr = err
		log.Debugf("rpc - %v attempt %v on %v failed: %v", method, attempt, provider, err)

		c.mu.Lock()
		c.index = (c.index + 1) % len(c.providers)
		c.timeout = minDuration(maxTimeout, c.timeout*6/5)
		c.mu.Unlock()

		if attempt+1 >= maxAttempts {
			break
		}
		backoff := minDuration(time.Duration(attempt+1)*500*time.Millisecond, maxBackoff)
		select {
		case <-ctx.Done():
			return nil, errors.TransportWithCause("RPC_NETWORK_ERROR", "rpc request canceled", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) sendOnce(ctx context.Context, provider, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      rpcID.Inc(),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal rpc request")
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, provider, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, errors.TransportWithCause("RPC_TIMEOUT", "rpc request timed out", err)
		}
		return nil, errors.TransportWithCause("RPC_NETWORK_ERROR", "rpc network request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.TransportWithCause("RPC_NETWORK_ERROR", "read rpc response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Transportf("RPC_HTTP_ERROR", "rpc request failed (%v): %s", resp.StatusCode, data)
	}

	// An rpc-level error payload counts as a provider failure and rotates the
	// endpoint, never a silently returned value.
	parsed := gjson.ParseBytes(data)
	if rpcErr := parsed.Get("error"); rpcErr.Exists() {
		message := rpcErr.Get("data").String()
		if message == "" {
			message = rpcErr.Get("message").String()
		}
		if message == "" {
			message = "rpc error"
		}
		return nil, errors.TransportWithDetails("RPC_RESPONSE_ERROR", message, json.RawMessage(rpcErr.Raw))
	}

	result := parsed.Get("result")
	if !result.Exists() {
		return nil, errors.Transport("RPC_RESPONSE_ERROR", "rpc response has neither result nor error")
	}
	return json.RawMessage(result.Raw), nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
