// Package logoutbridge maintains the remote-logout channel: a websocket
// subscription to the bridge service that lets the wallet (or the app
// itself, from another device) revoke a session remotely.
package logoutbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	uberatomic "go.uber.org/atomic"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

const (
	reconnectDelay = 500 * time.Millisecond
	// Signed logout notifications older than this are replays; slightly
	// future nonces are tolerated for clock skew.
	maxNonceAge        = 5 * time.Minute
	maxNonceFutureSkew = 30 * time.Second
)

// LogoutEvent is a verified remote logout notification.
type LogoutEvent struct {
	Network   wallet.Network
	AccountID string
	AppKey    string
	CausedBy  string // "User" or "App"
	Nonce     uint64
}

// ChannelConfig identifies one subscription. Two configs with the same
// identity tuple refer to the same logical channel.
type ChannelConfig struct {
	BridgeURL     string
	Network       wallet.Network
	AccountID     string
	AppKey        string // app-held session private key, signs the subscription
	UserLogoutKey string // wallet-registered public key for user-caused logouts

	OnLogout func(event LogoutEvent)
}

func (c ChannelConfig) identity() string {
	return strings.Join([]string{
		string(c.Network), c.AccountID, c.AppKey, c.UserLogoutKey, c.BridgeURL,
	}, "|")
}

// Dialer abstracts websocket dialing so tests can point the channel at an
// httptest server.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// Conn is the subset of a websocket connection the channel needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type gorillaDialer struct{}

func (gorillaDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.TransportWithCause("BRIDGE_DIAL_FAILED", "dial logout bridge", err)
	}
	return conn, nil
}

// Channel is one live subscription. It reconnects forever on transient
// failures and stops permanently when the bridge rejects its credentials.
type Channel struct {
	config       ChannelConfig
	appPublicKey string
	dialer       Dialer

	cancel          context.CancelFunc
	closed          *uberatomic.Bool
	permanentlyDead *uberatomic.Bool
}

func newChannel(config ChannelConfig, dialer Dialer) *Channel {
	if dialer == nil {
		dialer = gorillaDialer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		config:          config,
		dialer:          dialer,
		cancel:          cancel,
		closed:          uberatomic.NewBool(false),
		permanentlyDead: uberatomic.NewBool(false),
	}
	appPublicKey, err := wallet.PublicKeyFromPrivate(config.AppKey)
	if err != nil {
		log.Errorf("logout bridge - unusable app key for %v: %v", config.AccountID, err)
		ch.permanentlyDead.Store(true)
		cancel()
		return ch
	}
	ch.appPublicKey = appPublicKey
	go ch.run(ctx)
	return ch
}

// Close tears the channel down; it is safe to call more than once.
func (c *Channel) Close() {
	if c.closed.CAS(false, true) {
		c.cancel()
	}
}

// PermanentlyFailed reports whether the bridge rejected the subscription
// credentials, which no amount of reconnecting can fix.
func (c *Channel) PermanentlyFailed() bool {
	return c.permanentlyDead.Load()
}

func (c *Channel) run(ctx context.Context) {
	for {
		if ctx.Err() != nil || c.permanentlyDead.Load() {
			return
		}
		if err := c.subscribeOnce(ctx); err != nil {
			log.Debugf("logout bridge - subscription dropped: %v", err)
		}
		if ctx.Err() != nil || c.permanentlyDead.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Channel) subscribeURL() string {
	return wsBaseURL(c.config.BridgeURL) + "/api/subscribe"
}

func wsBaseURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base
}

// subscribeOnce dials the bridge, authenticates, and pumps frames until the
// connection drops or the channel closes.
func (c *Channel) subscribeOnce(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, c.subscribeURL())
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := c.authenticate(conn); err != nil {
		return err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.TransportWithCause("BRIDGE_READ_FAILED", "read bridge frame", err)
		}
		c.handleFrame(raw)
		if c.permanentlyDead.Load() {
			return nil
		}
	}
}

// authenticate proves control of the session key by signing the raw bytes of
// "subscribe|{nonce}".
func (c *Channel) authenticate(conn Conn) error {
	nonce := uint64(time.Now().UnixMilli())
	sigB58, err := wallet.SignHash([]byte(fmt.Sprintf("subscribe|%d", nonce)), c.config.AppKey)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(map[string]interface{}{
		"Auth": map[string]interface{}{
			"network":        c.config.Network,
			"account_id":     c.config.AccountID,
			"app_public_key": c.appPublicKey,
			"nonce":          nonce,
			"signature":      "ed25519:" + sigB58,
		},
	})
	if err != nil {
		return errors.Wrap(err, "marshal auth frame")
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.TransportWithCause("BRIDGE_WRITE_FAILED", "send auth frame", err)
	}
	return nil
}

func (c *Channel) handleFrame(raw []byte) {
	frame := gjson.ParseBytes(raw)
	switch {
	case frame.Get("Success").Exists():
		log.Debugf("logout bridge - subscribed for %v on %v", c.config.AccountID, c.config.Network)
	case frame.Get("Error").Exists():
		message := frame.Get("Error.message").String()
		if strings.Contains(strings.ToLower(message), "invalid signature") {
			// Wrong credentials will never heal across reconnects.
			c.permanentlyDead.Store(true)
			log.Warnf("logout bridge - bridge rejected credentials for %v, giving up", c.config.AccountID)
			return
		}
		log.Debugf("logout bridge - bridge error: %v", message)
	case frame.Get("LoggedOut").Exists():
		c.handleLoggedOut(frame.Get("LoggedOut.logout_info"))
	}
}

// handleLoggedOut verifies the notification's signature and freshness before
// tearing the session down. caused_by selects which key must have signed it:
// the user's wallet-registered logout key, or the app key for app-initiated
// logouts.
func (c *Channel) handleLoggedOut(info gjson.Result) {
	nonce := info.Get("nonce").Uint()
	causedBy := info.Get("caused_by").String()
	signature := info.Get("signature").String()

	if err := VerifyLogoutClaim(nonce, causedBy, signature, c.config.AccountID, c.appPublicKey, c.config.UserLogoutKey); err != nil {
		log.Warnf("logout bridge - logout notification rejected for %v: %v", c.config.AccountID, err)
		return
	}

	log.Infof("logout bridge - verified remote logout for %v caused by %v", c.config.AccountID, causedBy)
	if c.config.OnLogout != nil {
		c.config.OnLogout(LogoutEvent{
			Network:   c.config.Network,
			AccountID: c.config.AccountID,
			AppKey:    c.appPublicKey,
			CausedBy:  causedBy,
			Nonce:     nonce,
		})
	}
	// The subscription's purpose is served.
	c.Close()
}

// VerifyLogoutClaim checks a logout notification: the nonce must be recent,
// the signature must be curve-prefixed base58, and it must verify over the
// hashed canonical logout message under the key caused_by designates. The
// same check guards both the websocket frames and the check_logout answers.
func VerifyLogoutClaim(nonce uint64, causedBy, signature, accountID, appPublicKey, userLogoutKey string) error {
	now := time.Now()
	issued := time.UnixMilli(int64(nonce))
	if now.Sub(issued) > maxNonceAge || issued.Sub(now) > maxNonceFutureSkew {
		return errors.Transportf("STALE_LOGOUT_NONCE", "logout nonce %v outside freshness window", nonce)
	}

	var verifyKey string
	switch causedBy {
	case "User":
		verifyKey = userLogoutKey
	case "App":
		verifyKey = appPublicKey
	default:
		return errors.Transportf("UNKNOWN_LOGOUT_CAUSE", "unknown caused_by %v", causedBy)
	}
	if verifyKey == "" {
		return errors.Transport("MISSING_LOGOUT_KEY", "no verification key for logout cause")
	}

	sig, err := wallet.ParseSignature(signature)
	if err != nil {
		return err
	}
	message := LogoutMessage(nonce, accountID, appPublicKey)
	if !wallet.VerifySignature(verifyKey, wallet.Sha256([]byte(message)), sig) {
		return errors.Transport("INVALID_LOGOUT_SIGNATURE", "logout signature does not verify")
	}
	return nil
}

// LogoutMessage is the canonical text both sides sign and verify.
func LogoutMessage(nonce uint64, accountID, appPublicKey string) string {
	return fmt.Sprintf("logout|%d|%s|%s", nonce, accountID, appPublicKey)
}
