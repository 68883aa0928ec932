package popupwallet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"fastnear.io/wallet-adapter/internal/rpc"
	"fastnear.io/wallet-adapter/internal/storage"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

// Protocol statuses exchanged with the wallet surface. Anything outside this
// closed set is ignored for forward compatibility.
const (
	statusInitializing        = "initializing"
	statusConnected           = "connected"
	statusAttemptingReconnect = "attempting_reconnect"
	statusDisconnected        = "disconnected"
	statusClosedSuccess       = "closed_success"
	statusClosedFail          = "closed_fail"
	statusClosedWindow        = "closed_window"
)

const (
	actionLogin       = "login"
	actionLogout      = "logout"
	actionSign        = "sign"
	actionVerifyOwner = "verify_owner"
	actionSignMessage = "sign_message"
)

const (
	connectionPingInterval = 450 * time.Millisecond
	popupWidth             = 390
	popupHeight            = 650
)

// PopupWindow is the handle of an opened wallet popup.
type PopupWindow interface {
	PostMessage(payload []byte, targetOrigin string) error
	Closed() bool
	Close()
}

// WindowOpener opens a popup at url; a nil return means the popup was
// blocked. Features carries the requested pixel geometry.
type WindowOpener func(url, name, features string) PopupWindow

// ExtensionBridge is the in-page message channel provided by a browser
// extension build of the wallet. When present it replaces the popup.
type ExtensionBridge interface {
	SendMessageData(payload []byte) error
	AddMessageDataListener(func(data []byte))
}

// connectionFrame is the outbound protocol message, re-announced on every
// heartbeat tick until a terminal status arrives.
type connectionFrame struct {
	UID        string                 `json:"uid"`
	ActionType string                 `json:"actionType"`
	Status     string                 `json:"status"`
	Network    wallet.Network         `json:"network"`
	EndTags    []string               `json:"endTags"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
}

type connectionResult struct {
	payload json.RawMessage
	err     error
}

// connection is one in-flight request/response cycle against the wallet
// surface, correlated by a single-use uid. At most one exists per adapter.
type connection struct {
	uid        string
	network    wallet.Network
	actionType string
	status     string
	inputs     map[string]interface{}

	popup     PopupWindow
	extension ExtensionBridge
	origin    string

	resultCh chan connectionResult
	stopPing chan struct{}
	doneOnce sync.Once
}

func (c *connection) sendFrame() {
	// The handshake is idempotent: the same initializing frame goes out on
	// every tick until a terminal status arrives, so a wallet surface that
	// loads late or reloads still receives the full request.
	frame := connectionFrame{
		UID:        c.uid,
		ActionType: c.actionType,
		Status:     statusInitializing,
		Network:    c.network,
		EndTags:    []string{},
		Inputs:     c.inputs,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Errorf("popup wallet - marshal frame: %v", err)
		return
	}
	if c.extension != nil {
		if err := c.extension.SendMessageData(payload); err != nil {
			log.Debugf("popup wallet - extension send: %v", err)
		}
		return
	}
	if c.popup == nil {
		return
	}
	if err := c.popup.PostMessage(payload, c.origin); err != nil {
		log.Debugf("popup wallet - popup post: %v", err)
	}
}

// complete delivers the terminal outcome exactly once and stops the heartbeat.
func (c *connection) complete(payload json.RawMessage, err error) {
	c.doneOnce.Do(func() {
		close(c.stopPing)
		if c.popup != nil {
			c.popup.Close()
		}
		c.resultCh <- connectionResult{payload: payload, err: err}
	})
}

func isUserRejectedTag(tag string) bool {
	return tag == "USER_CANCELLED" || tag == "WINDOW_CLOSED" || tag == "INCOMPLETE_ACTION"
}

func mapClosedFailError(message string, endTags []string) error {
	lastTag := ""
	if len(endTags) > 0 {
		lastTag = endTags[len(endTags)-1]
	}
	if isUserRejectedTag(lastTag) {
		return errors.UserRejectedWithDetails(lastTag, message, endTags)
	}
	if lastTag == "POPUP_WINDOW_OPEN_FAILED" || lastTag == "POPUP_WINDOW_REFUSED" {
		return errors.TransportWithDetails(lastTag, message, endTags)
	}
	if lastTag == "" {
		lastTag = "WALLET_ACTION_FAILED"
	}
	return errors.TransportWithDetails(lastTag, message, endTags)
}

// Options configures one popup adapter instance. The window opener and
// extension bridge are the browser-boundary capabilities; tests inject fakes.
type Options struct {
	WalletBaseURL      string
	AppKeyPrefix       string
	Storage            storage.Store
	OpenWindow         WindowOpener
	HostViewport       ViewportFunc
	GetExtensionBridge func() ExtensionBridge
	Serializer         wallet.TransactionSerializer
	RpcFactory         *rpc.Factory
}

// ViewportFunc reports the host window's geometry so the popup can be
// centered over it. Browser embeddings map this to screenX/screenY and the
// outer window size; a nil func skips the left/top features.
type ViewportFunc func() (width, height, left, top int)

// Adapter drives the popup/extension wallet protocol. One adapter holds at
// most one live connection; starting a new action supersedes the old one.
type Adapter struct {
	opts   Options
	origin string

	mu                sync.Mutex
	active            *connection
	extensionAttached bool
}

func New(opts Options) (*Adapter, error) {
	if opts.WalletBaseURL == "" {
		opts.WalletBaseURL = defaultWalletBaseURL
	}
	if opts.AppKeyPrefix == "" {
		opts.AppKeyPrefix = "near_app"
	}
	origin, err := originOf(opts.WalletBaseURL)
	if err != nil {
		return nil, err
	}
	a := &Adapter{opts: opts, origin: origin}
	return a, nil
}

// HandleMessage feeds one inbound protocol message into the live connection.
// The host embedding wires this to window message events; the extension
// bridge is wired automatically. Messages that do not carry the live
// connection's uid and a recognized status are dropped.
func (a *Adapter) HandleMessage(raw []byte) {
	parsed := gjson.ParseBytes(raw)
	uid := parsed.Get("uid").String()
	status := parsed.Get("status").String()
	if uid == "" || status == "" {
		return
	}

	a.mu.Lock()
	conn := a.active
	if conn == nil || conn.uid != uid {
		a.mu.Unlock()
		return
	}

	switch status {
	case statusAttemptingReconnect:
		conn.status = statusInitializing
		conn.sendFrame()
		a.mu.Unlock()
		return
	case statusConnected:
		if conn.status == statusInitializing {
			conn.status = statusConnected
		}
		a.mu.Unlock()
		return
	case statusClosedSuccess:
		a.active = nil
		a.mu.Unlock()
		payload := parsed.Get("payload")
		conn.complete(json.RawMessage(payload.Raw), nil)
		return
	case statusClosedFail:
		a.active = nil
		a.mu.Unlock()
		message := parsed.Get("message").String()
		if message == "" {
			message = "wallet action failed"
		}
		var endTags []string
		parsed.Get("endTags").ForEach(func(_, tag gjson.Result) bool {
			endTags = append(endTags, tag.String())
			return true
		})
		conn.complete(nil, mapClosedFailError(message, endTags))
		return
	case statusClosedWindow:
		a.active = nil
		a.mu.Unlock()
		message := parsed.Get("message").String()
		if message == "" {
			message = "user closed the wallet window"
		}
		conn.complete(nil, errors.UserRejectedWithDetails("WINDOW_CLOSED", message, []string{"WINDOW_CLOSED"}))
		return
	case statusDisconnected:
		a.active = nil
		a.mu.Unlock()
		conn.complete(nil, errors.Transport("DISCONNECTED", "wallet transport disconnected"))
		return
	default:
		// Unknown statuses are ignored for forward compatibility.
		a.mu.Unlock()
	}
}

// connectAndWait runs one full protocol cycle and blocks until a terminal
// status, supersession, or ctx cancellation.
func (a *Adapter) connectAndWait(ctx context.Context, network wallet.Network, actionType string, inputs map[string]interface{}) (json.RawMessage, error) {
	uid := uuid.NewString()

	var extension ExtensionBridge
	if a.opts.GetExtensionBridge != nil {
		extension = a.opts.GetExtensionBridge()
	}

	var popup PopupWindow
	if extension == nil {
		if a.opts.OpenWindow == nil {
			return nil, errors.Transport("POPUP_WINDOW_OPEN_FAILED", "no window opener configured")
		}
		url := fmt.Sprintf("%s/connect/%s/%s?source=wpm&connectionUid=%s", a.opts.WalletBaseURL, network, actionType, uid)
		popup = a.opts.OpenWindow(url, "WalletPopup", popupFeatures(a.opts.HostViewport))
		if popup == nil {
			return nil, errors.Transport("POPUP_WINDOW_OPEN_FAILED", "couldn't open popup window to complete wallet action")
		}
	}

	conn := &connection{
		uid:        uid,
		network:    network,
		actionType: actionType,
		status:     statusInitializing,
		inputs:     inputs,
		popup:      popup,
		extension:  extension,
		origin:     a.origin,
		resultCh:   make(chan connectionResult, 1),
		stopPing:   make(chan struct{}),
	}

	a.mu.Lock()
	if prev := a.active; prev != nil {
		// Correlation state is single-slot; the old connection loses.
		prev.complete(nil, errors.Transport("NEW_ACTION_STARTED", "a new action was started before the previous action completed"))
	}
	a.active = conn
	if extension != nil && !a.extensionAttached {
		extension.AddMessageDataListener(func(data []byte) { a.HandleMessage(data) })
		a.extensionAttached = true
	}
	conn.sendFrame()
	a.mu.Unlock()

	go a.heartbeat(conn)

	select {
	case res := <-conn.resultCh:
		return res.payload, res.err
	case <-ctx.Done():
		a.mu.Lock()
		if a.active == conn {
			a.active = nil
		}
		a.mu.Unlock()
		conn.complete(nil, errors.TransportWithCause("ACTION_CANCELED", "wallet action canceled", ctx.Err()))
		res := <-conn.resultCh
		return res.payload, res.err
	}
}

// heartbeat re-announces the connection frame and watches for the user
// closing the popup without a terminal status.
func (a *Adapter) heartbeat(conn *connection) {
	ticker := time.NewTicker(connectionPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.stopPing:
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		if a.active != conn {
			a.mu.Unlock()
			return
		}
		if conn.popup != nil && conn.popup.Closed() {
			a.active = nil
			a.mu.Unlock()
			conn.complete(nil, errors.UserRejectedWithDetails("WINDOW_CLOSED",
				"user closed the wallet window before completing the action",
				[]string{"INCOMPLETE_ACTION", "WINDOW_CLOSED"}))
			return
		}
		conn.sendFrame()
		a.mu.Unlock()
	}
}

func popupFeatures(viewport ViewportFunc) string {
	features := fmt.Sprintf("popup=1,width=%d,height=%d", popupWidth, popupHeight)
	if viewport == nil {
		return features
	}
	width, height, left, top := viewport()
	return fmt.Sprintf("%s,left=%d,top=%d", features,
		left+(width-popupWidth)/2, top+(height-popupHeight)/2)
}
