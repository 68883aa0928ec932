package remotewallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

const defaultAPITimeout = 30 * time.Second

// apiClient talks to the signer backend that relays requests between the
// app and the user's wallet device.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultAPITimeout},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request body")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build signer request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, errors.TransportWithCause("API_TIMEOUT", "signer backend request timed out", err)
		}
		return nil, errors.TransportWithCause("API_NETWORK_ERROR", "signer backend unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.TransportWithCause("API_NETWORK_ERROR", "read signer backend response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debugf("remote wallet - backend %v %v returned %v", method, path, resp.StatusCode)
		return nil, errors.TransportWithDetails("API_HTTP_ERROR",
			fmt.Sprintf("signer backend returned status %v", resp.StatusCode),
			map[string]interface{}{"status": resp.StatusCode, "body": string(raw)})
	}
	return raw, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for err != nil {
		if t, ok := err.(timeouter); ok && t.Timeout() {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// createRequest registers a transaction-request list on the backend and
// returns its id. Every wallet action, sign-in and sign-out included, goes
// through this endpoint as a list of transactions to approve.
func (c *apiClient) createRequest(ctx context.Context, network string, transactions interface{}, metadata DAppMetadata) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, "/api/signer-request", map[string]interface{}{
		"network":      network,
		"transactions": transactions,
		"dAppMetadata": metadata,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.ID == "" {
		return "", errors.Transport("API_HTTP_ERROR", "signer backend returned no request id")
	}
	return out.ID, nil
}

// createMessageRequest registers an off-chain message-signing request.
func (c *apiClient) createMessageRequest(ctx context.Context, payload interface{}) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, "/api/signer-request/message", payload)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.ID == "" {
		return "", errors.Transport("API_HTTP_ERROR", "signer backend returned no request id")
	}
	return out.ID, nil
}

// messageResult returns the message request document, which carries both the
// status and, once signed, the wallet's response.
func (c *apiClient) messageResult(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/signer-request/message/"+id, nil)
}

func (c *apiClient) rejectMessageRequest(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/signer-request/message/"+id+"/reject", nil)
	return err
}

func (c *apiClient) requestStatus(ctx context.Context, id string) (string, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/signer-request/"+id+"/status", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errors.Wrap(err, "decode request status")
	}
	return out.Status, nil
}

func (c *apiClient) requestResult(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/signer-request/"+id, nil)
}

func (c *apiClient) rejectRequest(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/signer-request/"+id+"/reject", nil)
	return err
}
