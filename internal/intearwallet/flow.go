package intearwallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"fastnear.io/wallet-adapter/internal/popupwallet"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

const (
	popupWidth  = 400
	popupHeight = 700
	// How often the adapter checks whether the user closed the popup.
	popupWatchInterval = 100 * time.Millisecond
)

type flowResult struct {
	data gjson.Result
	err  error
}

// flow is one popup round trip: wait for the wallet page's "ready", post the
// request, and resolve on the flow's terminal message type or "error".
type flow struct {
	doneType string
	popup    popupwallet.PopupWindow
	origin   string
	onReady  func(post func(payload interface{}) error) error

	resultCh  chan flowResult
	stopWatch chan struct{}
	once      sync.Once
}

func (f *flow) post(payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal wallet message")
	}
	return f.popup.PostMessage(raw, f.origin)
}

// complete delivers the outcome exactly once, closes the popup, and stops the
// closed-window watcher.
func (f *flow) complete(data gjson.Result, err error) {
	f.once.Do(func() {
		close(f.stopWatch)
		if f.popup != nil {
			f.popup.Close()
		}
		f.resultCh <- flowResult{data: data, err: err}
	})
}

// HandleMessage feeds one inbound window message into the live flow. The host
// embedding wires this to message events; frames from any origin other than
// the wallet's are dropped unseen.
func (a *Adapter) HandleMessage(origin string, raw []byte) {
	if origin != a.walletOrigin {
		return
	}
	parsed := gjson.ParseBytes(raw)
	messageType := parsed.Get("type").String()
	if messageType == "" {
		return
	}

	a.mu.Lock()
	current := a.active
	a.mu.Unlock()
	if current == nil {
		return
	}

	switch messageType {
	case "ready":
		if err := current.onReady(current.post); err != nil {
			a.detach(current)
			current.complete(gjson.Result{}, err)
		}
	case current.doneType:
		a.detach(current)
		current.complete(parsed.Get("data"), nil)
	case "error":
		a.detach(current)
		message := parsed.Get("data").String()
		if message == "" {
			message = "wallet reported an error"
		}
		current.complete(gjson.Result{}, errors.Transport("WALLET_ERROR", message))
	default:
		log.Debugf("intear wallet - ignoring message type %v", messageType)
	}
}

func (a *Adapter) detach(f *flow) {
	a.mu.Lock()
	if a.active == f {
		a.active = nil
	}
	a.mu.Unlock()
}

// runFlow opens the wallet page at path and blocks until the terminal
// message, supersession, a closed popup, or ctx cancellation.
func (a *Adapter) runFlow(ctx context.Context, path, doneType string, onReady func(post func(payload interface{}) error) error) (gjson.Result, error) {
	if a.opts.OpenWindow == nil {
		return gjson.Result{}, errors.Transport("POPUP_WINDOW_OPEN_FAILED", "no window opener configured")
	}
	url := strings.TrimSuffix(a.opts.WalletURL, "/") + path
	popup := a.opts.OpenWindow(url, "IntearWallet", popupFeatures())
	if popup == nil {
		return gjson.Result{}, errors.Transport("POPUP_WINDOW_OPEN_FAILED", "couldn't open popup window to complete wallet action")
	}

	f := &flow{
		doneType:  doneType,
		popup:     popup,
		origin:    a.walletOrigin,
		onReady:   onReady,
		resultCh:  make(chan flowResult, 1),
		stopWatch: make(chan struct{}),
	}

	a.mu.Lock()
	if prev := a.active; prev != nil {
		prev.complete(gjson.Result{}, errors.Transport("NEW_ACTION_STARTED", "a new action was started before the previous action completed"))
	}
	a.active = f
	a.mu.Unlock()

	go a.watchPopup(f)

	select {
	case res := <-f.resultCh:
		return res.data, res.err
	case <-ctx.Done():
		a.detach(f)
		f.complete(gjson.Result{}, errors.TransportWithCause("ACTION_CANCELED", "wallet action canceled", ctx.Err()))
		res := <-f.resultCh
		return res.data, res.err
	}
}

// watchPopup rejects the flow when the user closes the popup before the
// wallet answers.
func (a *Adapter) watchPopup(f *flow) {
	ticker := time.NewTicker(popupWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopWatch:
			return
		case <-ticker.C:
		}
		if f.popup.Closed() {
			a.detach(f)
			f.complete(gjson.Result{}, errors.UserRejected("WINDOW_CLOSED", "wallet popup closed before completing the action"))
			return
		}
	}
}

func popupFeatures() string {
	return fmt.Sprintf("popup=1,width=%d,height=%d", popupWidth, popupHeight)
}
