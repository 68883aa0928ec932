package logoutbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
)

// SessionState is the bridge's answer to a session check. When the session
// was logged out remotely the bridge returns the signed logout claim, which
// callers must verify before acting on it.
type SessionState struct {
	Active    bool
	CausedBy  string
	Nonce     uint64
	Signature string
}

// HTTPClient talks to the bridge's REST side: app-initiated logout
// notifications and session liveness checks.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL}
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPClient) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal bridge request")
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build bridge request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, errors.TransportWithCause("BRIDGE_UNREACHABLE", "bridge request failed", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.TransportWithCause("BRIDGE_READ_FAILED", "read bridge response", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.Transportf("BRIDGE_HTTP_ERROR", "bridge returned %v: %v", resp.StatusCode, string(payload))
	}
	return payload, nil
}

// NotifyLogout tells the bridge the app ended the session, so the wallet's
// other devices learn about it. The claim is signed with the app session key
// over the hashed canonical logout message.
func (c *HTTPClient) NotifyLogout(ctx context.Context, network wallet.Network, accountID, appKey string) error {
	appPublicKey, err := wallet.PublicKeyFromPrivate(appKey)
	if err != nil {
		return err
	}
	nonce := uint64(time.Now().UnixMilli())
	message := LogoutMessage(nonce, accountID, appPublicKey)
	sigB58, err := wallet.SignHash(wallet.Sha256([]byte(message)), appKey)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, fmt.Sprintf("/api/logout_app/%s", network), map[string]interface{}{
		"account_id":     accountID,
		"app_public_key": appPublicKey,
		"nonce":          nonce,
		"signature":      "ed25519:" + sigB58,
	})
	return err
}

// CheckSession asks the bridge whether a session is still live. The request
// proves control of the app key by signing the raw bytes of "check|{nonce}".
// A LoggedOut answer carries the signed claim for the caller to verify.
func (c *HTTPClient) CheckSession(ctx context.Context, network wallet.Network, accountID, appKey string) (SessionState, error) {
	appPublicKey, err := wallet.PublicKeyFromPrivate(appKey)
	if err != nil {
		return SessionState{}, err
	}
	nonce := uint64(time.Now().UnixMilli())
	sigB58, err := wallet.SignHash([]byte(fmt.Sprintf("check|%d", nonce)), appKey)
	if err != nil {
		return SessionState{}, err
	}
	payload, err := c.post(ctx, fmt.Sprintf("/api/check_logout/%s/%s/%s", network, accountID, appPublicKey), map[string]interface{}{
		"nonce":     nonce,
		"signature": "ed25519:" + sigB58,
	})
	if err != nil {
		return SessionState{}, err
	}

	parsed := gjson.ParseBytes(payload)
	if parsed.Type == gjson.String && parsed.String() == "Active" {
		return SessionState{Active: true}, nil
	}
	if info := parsed.Get("LoggedOut"); info.Exists() {
		return SessionState{
			Active:    false,
			CausedBy:  info.Get("caused_by").String(),
			Nonce:     info.Get("nonce").Uint(),
			Signature: info.Get("signature").String(),
		}, nil
	}
	return SessionState{}, errors.Transportf("BRIDGE_BAD_RESPONSE", "unexpected session state: %v", string(payload))
}
