package intearwallet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"fastnear.io/wallet-adapter/internal/popupwallet"
	"fastnear.io/wallet-adapter/internal/session"
	"fastnear.io/wallet-adapter/internal/storage"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
)

const walletOrigin = "https://wallet.example.com"

type fakePopup struct {
	mu     sync.Mutex
	frames []string
	closed bool
	url    string
}

func (p *fakePopup) PostMessage(payload []byte, targetOrigin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, string(payload))
	return nil
}

func (p *fakePopup) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePopup) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePopup) lastFrame() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return ""
	}
	return p.frames[len(p.frames)-1]
}

type intearHarness struct {
	adapter *Adapter
	storage *storage.MemoryStore
	session *session.Store

	mu     sync.Mutex
	popups []*fakePopup
}

func newHarness(t *testing.T) *intearHarness {
	t.Helper()
	h := &intearHarness{storage: storage.NewMemoryStore()}
	h.session = session.NewStore(h.storage, "test_app")
	adapter, err := New(Options{
		WalletURL: walletOrigin,
		AppOrigin: "https://app.example.com",
		Prefix:    "test_app",
		Storage:   h.storage,
		Session:   h.session,
		OpenWindow: func(url, name, features string) popupwallet.PopupWindow {
			popup := &fakePopup{url: url}
			h.mu.Lock()
			h.popups = append(h.popups, popup)
			h.mu.Unlock()
			return popup
		},
	})
	require.NoError(t, err)
	h.adapter = adapter
	return h
}

func (h *intearHarness) popup(t *testing.T) *fakePopup {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.popups)
		var last *fakePopup
		if n > 0 {
			last = h.popups[n-1]
		}
		h.mu.Unlock()
		if last != nil {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no popup was opened")
	return nil
}

// announceReady plays the wallet page's first message and returns the
// request frame the adapter posts in response.
func (h *intearHarness) announceReady(t *testing.T) string {
	t.Helper()
	popup := h.popup(t)
	h.inbound(walletOrigin, map[string]interface{}{"type": "ready"})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frame := popup.lastFrame(); frame != "" {
			return frame
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no request frame reached the popup")
	return ""
}

func (h *intearHarness) inbound(origin string, frame map[string]interface{}) {
	raw, _ := json.Marshal(frame)
	h.adapter.HandleMessage(origin, raw)
}

// requireAuthSignature checks a request frame's signature over "{nonce}|{data}".
func requireAuthSignature(t *testing.T, publicKey string, nonce uint64, data, signature string) {
	t.Helper()
	sig, err := wallet.ParseSignature(signature)
	require.NoError(t, err)
	hash := wallet.Sha256([]byte(fmt.Sprintf("%d|%s", nonce, data)))
	require.True(t, wallet.VerifySignature(publicKey, hash, sig))
}

// seedConnection writes an established connection without a popup round trip.
func seedConnection(t *testing.T, h *intearHarness, network wallet.Network) *savedData {
	t.Helper()
	ctx := context.Background()
	privateKey, err := wallet.GeneratePrivateKey()
	require.NoError(t, err)
	publicKey, err := wallet.PublicKeyFromPrivate(privateKey)
	require.NoError(t, err)
	saved := savedData{
		Accounts:  []wallet.Account{{AccountID: "alice.testnet", PublicKey: "ed25519:aliceKey"}},
		Key:       privateKey,
		LogoutKey: "ed25519:userLogoutKey",
		NetworkID: network,
	}
	require.NoError(t, storage.WriteJSON(ctx, h.storage, "test_app_connected_account", saved))
	require.NoError(t, h.session.SetKey(ctx, network, session.Key{
		AccountID: "alice.testnet", PublicKey: publicKey, PrivateKey: privateKey,
	}))
	require.NoError(t, h.session.SetActiveAccount(ctx, network, "alice.testnet"))
	return &saved
}

func TestSignInHappyPath(t *testing.T) {
	h := newHarness(t)
	type result struct {
		accounts []wallet.Account
		err      error
	}
	done := make(chan result, 1)
	go func() {
		accounts, err := h.adapter.SignIn(context.Background(), wallet.SignInParams{
			Network:     wallet.Testnet,
			ContractID:  "guestbook.testnet",
			MethodNames: []string{"add_message"},
		})
		done <- result{accounts, err}
	}()

	frame := h.announceReady(t)
	require.Equal(t, "signIn", gjson.Get(frame, "type").String())
	data := gjson.Get(frame, "data")
	require.Equal(t, "guestbook.testnet", data.Get("contractId").String())
	require.Equal(t, "add_message", data.Get("methodNames.0").String())
	require.Equal(t, "testnet", data.Get("networkId").String())

	publicKey := data.Get("publicKey").String()
	require.NotEmpty(t, publicKey)
	message := data.Get("message").String()
	require.Equal(t, "https://app.example.com", gjson.Get(message, "origin").String())
	requireAuthSignature(t, publicKey, data.Get("nonce").Uint(), message, data.Get("signature").String())

	h.inbound(walletOrigin, map[string]interface{}{
		"type": "connected",
		"data": map[string]interface{}{
			"accounts": []map[string]string{
				{"accountId": "alice.testnet", "publicKey": "ed25519:aliceKey"},
			},
			"functionCallKeyAdded": true,
			"logoutKey":            "ed25519:userLogoutKey",
		},
	})

	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.accounts, 1)
	require.Equal(t, "alice.testnet", res.accounts[0].AccountID)

	require.True(t, h.popup(t).Closed())

	ctx := context.Background()
	raw, ok, err := h.storage.Get(ctx, "test_app_connected_account")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "guestbook.testnet", gjson.Get(raw, "contractId").String())
	require.Equal(t, "ed25519:userLogoutKey", gjson.Get(raw, "logoutKey").String())
	require.NotEmpty(t, gjson.Get(raw, "key").String())

	active, found, err := h.session.ActiveAccount(ctx, wallet.Testnet)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "alice.testnet", active.AccountID)
	require.Equal(t, publicKey, active.PublicKey)

	logoutKey, ok := h.adapter.UserLogoutKey(ctx, wallet.Testnet)
	require.True(t, ok)
	require.Equal(t, "ed25519:userLogoutKey", logoutKey)
}

func TestSignInWithoutGrantedKeyKeepsNoContractScope(t *testing.T) {
	h := newHarness(t)
	done := make(chan error, 1)
	go func() {
		_, err := h.adapter.SignIn(context.Background(), wallet.SignInParams{
			Network:    wallet.Testnet,
			ContractID: "guestbook.testnet",
		})
		done <- err
	}()
	h.announceReady(t)
	h.inbound(walletOrigin, map[string]interface{}{
		"type": "connected",
		"data": map[string]interface{}{
			"accounts": []map[string]string{
				{"accountId": "alice.testnet", "publicKey": "ed25519:aliceKey"},
			},
			"functionCallKeyAdded": false,
		},
	})
	require.NoError(t, <-done)

	raw, _, err := h.storage.Get(context.Background(), "test_app_connected_account")
	require.NoError(t, err)
	require.False(t, gjson.Get(raw, "contractId").Exists())
}

func TestSignInWithoutAccountsFails(t *testing.T) {
	h := newHarness(t)
	done := make(chan error, 1)
	go func() {
		_, err := h.adapter.SignIn(context.Background(), wallet.SignInParams{Network: wallet.Testnet})
		done <- err
	}()
	h.announceReady(t)
	h.inbound(walletOrigin, map[string]interface{}{
		"type": "connected",
		"data": map[string]interface{}{"accounts": []map[string]string{}},
	})
	err := <-done
	require.Error(t, err)
	require.Equal(t, "SIGN_IN_FAILED", errors.Code(err))
}

func TestForeignOriginMessagesAreIgnored(t *testing.T) {
	h := newHarness(t)
	done := make(chan error, 1)
	go func() {
		_, err := h.adapter.SignIn(context.Background(), wallet.SignInParams{Network: wallet.Testnet})
		done <- err
	}()
	popup := h.popup(t)

	h.inbound("https://evil.example.com", map[string]interface{}{"type": "ready"})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, popup.lastFrame())

	h.inbound("https://evil.example.com", map[string]interface{}{
		"type": "connected",
		"data": map[string]interface{}{
			"accounts": []map[string]string{
				{"accountId": "attacker.testnet", "publicKey": "ed25519:attackerKey"},
			},
		},
	})
	select {
	case <-done:
		t.Fatal("a foreign-origin message completed the flow")
	case <-time.After(100 * time.Millisecond):
	}

	h.inbound(walletOrigin, map[string]interface{}{"type": "error", "data": "canceled"})
	require.Error(t, <-done)
}

func TestWalletErrorRejectsFlow(t *testing.T) {
	h := newHarness(t)
	done := make(chan error, 1)
	go func() {
		_, err := h.adapter.SignIn(context.Background(), wallet.SignInParams{Network: wallet.Testnet})
		done <- err
	}()
	h.announceReady(t)
	h.inbound(walletOrigin, map[string]interface{}{"type": "error", "data": "User rejected the request"})
	err := <-done
	require.Error(t, err)
	require.Equal(t, "WALLET_ERROR", errors.Code(err))
	require.Contains(t, err.Error(), "User rejected the request")
}

func TestClosedPopupRejectsFlow(t *testing.T) {
	h := newHarness(t)
	done := make(chan error, 1)
	go func() {
		_, err := h.adapter.SignIn(context.Background(), wallet.SignInParams{Network: wallet.Testnet})
		done <- err
	}()
	h.popup(t).Close()
	err := <-done
	require.Error(t, err)
	require.True(t, errors.IsUserRejected(err))
	require.Equal(t, "WINDOW_CLOSED", errors.Code(err))
}

func TestNewActionSupersedesPrevious(t *testing.T) {
	h := newHarness(t)
	first := make(chan error, 1)
	go func() {
		_, err := h.adapter.SignIn(context.Background(), wallet.SignInParams{Network: wallet.Testnet})
		first <- err
	}()
	h.popup(t)

	second := make(chan error, 1)
	go func() {
		_, err := h.adapter.SignIn(context.Background(), wallet.SignInParams{Network: wallet.Testnet})
		second <- err
	}()

	err := <-first
	require.Error(t, err)
	require.Equal(t, "NEW_ACTION_STARTED", errors.Code(err))

	h.inbound(walletOrigin, map[string]interface{}{"type": "error", "data": "canceled"})
	require.Error(t, <-second)
}

func TestSendTransactionsResolvesOutcomes(t *testing.T) {
	h := newHarness(t)
	saved := seedConnection(t, h, wallet.Testnet)
	publicKey, err := wallet.PublicKeyFromPrivate(saved.Key)
	require.NoError(t, err)

	type result struct {
		outcomes []interface{}
		err      error
	}
	done := make(chan result, 1)
	go func() {
		outcomes, err := h.adapter.SignAndSendTransactions(context.Background(), wallet.SignAndSendTransactionsParams{
			Network: wallet.Testnet,
			Transactions: []wallet.Transaction{
				{ReceiverID: "guestbook.testnet", Actions: []wallet.Action{
					{Type: "FunctionCall", MethodName: "add_message", Gas: wallet.DefaultFunctionCallGas},
				}},
				{SignerID: "bob.testnet", ReceiverID: "other.testnet", Actions: []wallet.Action{
					{Type: "Transfer", Deposit: "1"},
				}},
			},
		})
		done <- result{outcomes, err}
	}()

	frame := h.announceReady(t)
	require.Equal(t, "signAndSendTransactions", gjson.Get(frame, "type").String())
	data := gjson.Get(frame, "data")
	require.Equal(t, "alice.testnet", data.Get("accountId").String())
	require.Equal(t, publicKey, data.Get("publicKey").String())

	txJSON := data.Get("transactions").String()
	require.Equal(t, "alice.testnet", gjson.Get(txJSON, "0.signerId").String())
	require.Equal(t, "bob.testnet", gjson.Get(txJSON, "1.signerId").String())
	requireAuthSignature(t, publicKey, data.Get("nonce").Uint(), txJSON, data.Get("signature").String())

	h.inbound(walletOrigin, map[string]interface{}{
		"type": "sent",
		"data": map[string]interface{}{
			"outcomes": []map[string]interface{}{
				{"transaction": map[string]string{"hash": "tx1"}},
				{"transaction": map[string]string{"hash": "tx2"}},
			},
		},
	})

	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.outcomes, 2)
	raw, ok := res.outcomes[0].(json.RawMessage)
	require.True(t, ok)
	require.Equal(t, "tx1", gjson.GetBytes(raw, "transaction.hash").String())
}

func TestSendTransactionsRequiresConnection(t *testing.T) {
	h := newHarness(t)
	_, err := h.adapter.SignAndSendTransactions(context.Background(), wallet.SignAndSendTransactionsParams{
		Network: wallet.Testnet,
		Transactions: []wallet.Transaction{
			{ReceiverID: "guestbook.testnet"},
		},
	})
	require.Error(t, err)
	require.Equal(t, "NOT_SIGNED_IN", errors.Code(err))
}

func TestSignMessageResolvesSignature(t *testing.T) {
	h := newHarness(t)
	seedConnection(t, h, wallet.Testnet)

	nonce := make([]byte, 32)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	type result struct {
		signed *wallet.SignedMessage
		err    error
	}
	done := make(chan result, 1)
	go func() {
		signed, err := h.adapter.SignMessage(context.Background(), wallet.SignMessageParams{
			Network:   wallet.Testnet,
			Message:   "hello",
			Recipient: "guestbook.testnet",
			Nonce:     nonce,
			State:     "state-1",
		})
		done <- result{signed, err}
	}()

	frame := h.announceReady(t)
	require.Equal(t, "signMessage", gjson.Get(frame, "type").String())
	data := gjson.Get(frame, "data")
	request := data.Get("message").String()
	require.Equal(t, "hello", gjson.Get(request, "message").String())
	require.Equal(t, "guestbook.testnet", gjson.Get(request, "recipient").String())
	require.Equal(t, int64(32), gjson.Get(request, "nonce.#").Int())
	requireAuthSignature(t, data.Get("publicKey").String(), data.Get("nonce").Uint(), request, data.Get("signature").String())

	h.inbound(walletOrigin, map[string]interface{}{
		"type": "signed",
		"data": map[string]interface{}{
			"signature": map[string]string{
				"accountId": "alice.testnet",
				"publicKey": "ed25519:aliceKey",
				"signature": "c2lnbmVk",
			},
		},
	})

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "alice.testnet", res.signed.AccountID)
	require.Equal(t, "c2lnbmVk", res.signed.Signature)
	require.Equal(t, "state-1", res.signed.State)
}

func TestSignMessageRequiresFullNonce(t *testing.T) {
	h := newHarness(t)
	seedConnection(t, h, wallet.Testnet)
	_, err := h.adapter.SignMessage(context.Background(), wallet.SignMessageParams{
		Network: wallet.Testnet,
		Message: "hello",
		Nonce:   []byte{1, 2, 3},
	})
	require.Error(t, err)
	require.Equal(t, "INVALID_NONCE", errors.Code(err))
}

func TestSignOutClearsConnection(t *testing.T) {
	h := newHarness(t)
	seedConnection(t, h, wallet.Testnet)
	ctx := context.Background()

	require.NoError(t, h.adapter.SignOut(ctx, wallet.SignOutParams{Network: wallet.Testnet}))

	accounts, err := h.adapter.GetAccounts(ctx, wallet.Testnet)
	require.NoError(t, err)
	require.Empty(t, accounts)

	_, found, err := h.session.ActiveAccount(ctx, wallet.Testnet)
	require.NoError(t, err)
	require.False(t, found)

	_, ok := h.adapter.UserLogoutKey(ctx, wallet.Testnet)
	require.False(t, ok)
}

func TestGetAccountsScopedToNetwork(t *testing.T) {
	h := newHarness(t)
	seedConnection(t, h, wallet.Testnet)

	accounts, err := h.adapter.GetAccounts(context.Background(), wallet.Mainnet)
	require.NoError(t, err)
	require.Empty(t, accounts)
}
