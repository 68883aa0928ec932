package remotewallet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"fastnear.io/wallet-adapter/internal/polling"
	"fastnear.io/wallet-adapter/internal/rpc"
	"fastnear.io/wallet-adapter/internal/session"
	"fastnear.io/wallet-adapter/internal/storage"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
)

// fakeBackend scripts the signer backend: a fixed request id, a status
// sequence, and final documents for both request kinds.
type fakeBackend struct {
	mu              sync.Mutex
	requests        []string
	statuses        []string
	result          string
	messageResult   string
	rejected        bool
	messageRejected bool
}

func (b *fakeBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && (r.URL.Path == "/api/signer-request" || r.URL.Path == "/api/signer-request/message"):
			body, _ := io.ReadAll(r.Body)
			b.requests = append(b.requests, string(body))
			fmt.Fprint(w, `{"id":"req-1"}`)
		case r.URL.Path == "/api/signer-request/req-1/status":
			status := b.statuses[0]
			if len(b.statuses) > 1 {
				b.statuses = b.statuses[1:]
			}
			fmt.Fprintf(w, `{"status":%q}`, status)
		case r.URL.Path == "/api/signer-request/req-1/reject":
			b.rejected = true
			fmt.Fprint(w, `{}`)
		case r.URL.Path == "/api/signer-request/message/req-1/reject":
			b.messageRejected = true
			fmt.Fprint(w, `{}`)
		case r.URL.Path == "/api/signer-request/message/req-1":
			fmt.Fprint(w, b.messageResult)
		case r.URL.Path == "/api/signer-request/req-1":
			fmt.Fprint(w, b.result)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

// fakeRPC answers rpc calls per method with canned results.
func fakeRPC(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		method := gjson.GetBytes(body, "method").String()
		result, ok := results[method]
		if !ok {
			fmt.Fprint(w, `{"error":{"message":"unknown method"}}`)
			return
		}
		fmt.Fprintf(w, `{"result":%s}`, result)
	}))
	t.Cleanup(server.Close)
	return server
}

type remoteHarness struct {
	adapter  *Adapter
	backend  *fakeBackend
	sessions *session.Store
	events   []string
}

func newRemoteHarness(t *testing.T, backend *fakeBackend, rpcResults map[string]string) *remoteHarness {
	t.Helper()
	backendServer := httptest.NewServer(backend.handler())
	t.Cleanup(backendServer.Close)
	rpcServer := fakeRPC(t, rpcResults)

	h := &remoteHarness{backend: backend, sessions: session.NewStore(storage.NewMemoryStore(), "test_app")}
	pollOpts := polling.DefaultOptions()
	pollOpts.Delay = time.Millisecond
	pollOpts.RequestTimeout = 5 * time.Second

	h.adapter = New(Options{
		BackendURL:   backendServer.URL,
		DeepLinkBase: "https://wallet.example.com/request",
		Metadata:     DAppMetadata{Name: "Test App", LogoURL: "https://app.example.com/logo.png"},
		Session:      h.sessions,
		RpcFactory:   rpc.NewFactory(func(string) []string { return []string{rpcServer.URL} }),
		Polling:      pollOpts,
		Callbacks: Callbacks{
			OnRequested: func(id, link string) { h.events = append(h.events, "requested:"+link) },
			OnApproved:  func(id string) { h.events = append(h.events, "approved") },
			OnSuccess:   func(id string) { h.events = append(h.events, "success") },
			OnError:     func(id string, err error) { h.events = append(h.events, "error:"+errors.Code(err)) },
		},
	})
	return h
}

func TestRemoteSignIn(t *testing.T) {
	backend := &fakeBackend{
		statuses: []string{"pending", "pending", "approved"},
		result:   `{"id":"req-1","status":"approved","network":"testnet","signerAccountId":"alice.testnet"}`,
	}
	h := newRemoteHarness(t, backend, nil)

	accounts, err := h.adapter.SignIn(context.Background(), wallet.SignInParams{
		Network:    wallet.Testnet,
		ContractID: "guestbook.testnet",
		Allowance:  "250000000000000000000000",
	})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, "alice.testnet", accounts[0].AccountID)

	require.Equal(t, []string{
		"requested:https://wallet.example.com/request/req-1",
		"approved",
		"success",
	}, h.events)

	// Sign-in is an AddKey transaction request on the general endpoint.
	created := gjson.Parse(backend.requests[0])
	require.Equal(t, "testnet", created.Get("network").String())
	require.Equal(t, "Test App", created.Get("dAppMetadata.name").String())
	action := created.Get("transactions.0.actions.0")
	require.Equal(t, "AddKey", action.Get("type").String())
	require.Equal(t, accounts[0].PublicKey, action.Get("params.publicKey").String())
	permission := action.Get("params.accessKey.permission")
	require.Equal(t, "guestbook.testnet", permission.Get("receiverId").String())
	require.Equal(t, "250000000000000000000000", permission.Get("allowance").String())

	active, ok, err := h.sessions.ActiveAccount(context.Background(), wallet.Testnet)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice.testnet", active.AccountID)
	require.NotEmpty(t, active.PrivateKey)
}

func TestRemoteSignInFullAccessWithoutContract(t *testing.T) {
	backend := &fakeBackend{
		statuses: []string{"approved"},
		result:   `{"id":"req-1","status":"approved","signerAccountId":"alice.testnet"}`,
	}
	h := newRemoteHarness(t, backend, nil)

	_, err := h.adapter.SignIn(context.Background(), wallet.SignInParams{Network: wallet.Testnet})
	require.NoError(t, err)

	permission := gjson.Parse(backend.requests[0]).Get("transactions.0.actions.0.params.accessKey.permission")
	require.Equal(t, "FullAccess", permission.String())
}

func TestRemoteSignInRejected(t *testing.T) {
	backend := &fakeBackend{statuses: []string{"rejected"}}
	h := newRemoteHarness(t, backend, nil)

	_, err := h.adapter.SignIn(context.Background(), wallet.SignInParams{Network: wallet.Testnet})
	require.Error(t, err)
	require.True(t, errors.IsUserRejected(err))
	require.Equal(t, "REQUEST_NOT_SIGNED", errors.Code(err))
	require.Contains(t, h.events, "error:REQUEST_NOT_SIGNED")
}

func TestRemoteSignOutRemovesKeyAfterApproval(t *testing.T) {
	backend := &fakeBackend{
		statuses: []string{"approved"},
		result:   `{"id":"req-1","status":"approved","signerAccountId":"alice.testnet"}`,
	}
	h := newRemoteHarness(t, backend, nil)
	require.NoError(t, h.sessions.SetKey(context.Background(), wallet.Testnet, session.Key{
		AccountID: "alice.testnet", PublicKey: "ed25519:abc",
	}))
	require.NoError(t, h.sessions.SetActiveAccount(context.Background(), wallet.Testnet, "alice.testnet"))

	require.NoError(t, h.adapter.SignOut(context.Background(), wallet.SignOutParams{Network: wallet.Testnet}))

	// The request asks the wallet to delete the app key from the account.
	created := gjson.Parse(backend.requests[0])
	tx := created.Get("transactions.0")
	require.Equal(t, "alice.testnet", tx.Get("signerId").String())
	require.Equal(t, "alice.testnet", tx.Get("receiverId").String())
	require.Equal(t, "DeleteKey", tx.Get("actions.0.type").String())
	require.Equal(t, "ed25519:abc", tx.Get("actions.0.params.publicKey").String())

	_, ok, err := h.sessions.ActiveAccount(context.Background(), wallet.Testnet)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoteSignOutKeepsKeyWhenRejected(t *testing.T) {
	backend := &fakeBackend{statuses: []string{"rejected"}}
	h := newRemoteHarness(t, backend, nil)
	require.NoError(t, h.sessions.SetKey(context.Background(), wallet.Testnet, session.Key{
		AccountID: "alice.testnet", PublicKey: "ed25519:abc",
	}))
	require.NoError(t, h.sessions.SetActiveAccount(context.Background(), wallet.Testnet, "alice.testnet"))

	err := h.adapter.SignOut(context.Background(), wallet.SignOutParams{Network: wallet.Testnet})
	require.Error(t, err)
	require.True(t, errors.IsUserRejected(err))

	// A refused revocation leaves the session usable.
	active, ok, err := h.sessions.ActiveAccount(context.Background(), wallet.Testnet)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice.testnet", active.AccountID)
}

func TestRemoteTransactionsRequireSigner(t *testing.T) {
	backend := &fakeBackend{statuses: []string{"approved"}}
	h := newRemoteHarness(t, backend, nil)

	_, err := h.adapter.SignAndSendTransactions(context.Background(), wallet.SignAndSendTransactionsParams{
		Network:      wallet.Testnet,
		Transactions: []wallet.Transaction{{ReceiverID: "app.testnet"}},
	})
	require.Error(t, err)
	require.Equal(t, "MISSING_SIGNER_ID", errors.Code(err))
}

func TestRemoteTransactionsFetchOutcomesInOrder(t *testing.T) {
	backend := &fakeBackend{
		statuses: []string{"approved"},
		result:   `{"id":"req-1","status":"approved","signerAccountId":"alice.testnet","txHash":["hashA","hashB"]}`,
	}
	h := newRemoteHarness(t, backend, map[string]string{
		"tx": `{"status":{"SuccessValue":""}}`,
	})
	require.NoError(t, h.sessions.SetKey(context.Background(), wallet.Testnet, session.Key{
		AccountID: "alice.testnet",
		PublicKey: "ed25519:abc",
	}))

	outcomes, err := h.adapter.SignAndSendTransactions(context.Background(), wallet.SignAndSendTransactionsParams{
		Network: wallet.Testnet,
		Transactions: []wallet.Transaction{
			{ReceiverID: "app.testnet", Actions: []wallet.Action{wallet.Transfer("1")}},
			{ReceiverID: "other.testnet", Actions: []wallet.Action{wallet.Transfer("2")}},
		},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	sent := gjson.Parse(backend.requests[0])
	require.Equal(t, "testnet", sent.Get("network").String())
	require.EqualValues(t, 2, sent.Get("transactions.#").Int())
	require.Equal(t, "alice.testnet", sent.Get("transactions.0.signerId").String())
	require.Equal(t, "alice.testnet", sent.Get("transactions.1.signerId").String())
}

func TestRemoteTransactionsHonorPerTransactionSigner(t *testing.T) {
	backend := &fakeBackend{
		statuses: []string{"approved"},
		result:   `{"id":"req-1","status":"approved","signerAccountId":"bob.testnet","txHash":["hashA","hashB"]}`,
	}
	h := newRemoteHarness(t, backend, map[string]string{
		"tx": `{"status":{"SuccessValue":""}}`,
	})
	require.NoError(t, h.sessions.SetKey(context.Background(), wallet.Testnet, session.Key{
		AccountID: "alice.testnet",
		PublicKey: "ed25519:abc",
	}))

	_, err := h.adapter.SignAndSendTransactions(context.Background(), wallet.SignAndSendTransactionsParams{
		Network: wallet.Testnet,
		Transactions: []wallet.Transaction{
			{SignerID: "bob.testnet", ReceiverID: "app.testnet", Actions: []wallet.Action{wallet.Transfer("1")}},
			{ReceiverID: "other.testnet", Actions: []wallet.Action{wallet.Transfer("2")}},
		},
	})
	require.NoError(t, err)

	// An explicit per-transaction signer wins; the others fall back to the
	// active account.
	sent := gjson.Parse(backend.requests[0])
	require.Equal(t, "bob.testnet", sent.Get("transactions.0.signerId").String())
	require.Equal(t, "alice.testnet", sent.Get("transactions.1.signerId").String())
}

func TestRemoteTransactionsWithoutHashes(t *testing.T) {
	backend := &fakeBackend{
		statuses: []string{"approved"},
		result:   `{"id":"req-1","status":"approved"}`,
	}
	h := newRemoteHarness(t, backend, nil)
	require.NoError(t, h.sessions.SetKey(context.Background(), wallet.Testnet, session.Key{AccountID: "alice.testnet"}))

	_, err := h.adapter.SignAndSendTransactions(context.Background(), wallet.SignAndSendTransactionsParams{
		Network:      wallet.Testnet,
		Transactions: []wallet.Transaction{{ReceiverID: "app.testnet"}},
	})
	require.Error(t, err)
	require.Equal(t, "REQUEST_NOT_SIGNED", errors.Code(err))
}

func messageDoc(status string, response string) string {
	return fmt.Sprintf(`{"id":"req-1","status":%q,"response":%s}`, status, response)
}

func TestRemoteSignMessageVerifiesSignature(t *testing.T) {
	privateKey, err := wallet.GeneratePrivateKey()
	require.NoError(t, err)
	publicKey, err := wallet.PublicKeyFromPrivate(privateKey)
	require.NoError(t, err)

	nonce := make([]byte, 32)
	for i := range nonce {
		nonce[i] = byte(i)
	}
	params := wallet.SignMessageParams{
		Network:   wallet.Testnet,
		Message:   "authenticate",
		Nonce:     nonce,
		Recipient: "app.example.com",
		AccountID: "alice.testnet",
	}
	hash, err := hashNEP413(params.Message, params.Nonce, params.Recipient, params.CallbackURL)
	require.NoError(t, err)
	sigB58, err := wallet.SignHash(hash, privateKey)
	require.NoError(t, err)
	sig, err := wallet.ParseSignature("ed25519:" + sigB58)
	require.NoError(t, err)

	response, _ := json.Marshal(map[string]string{
		"accountId": "alice.testnet",
		"publicKey": publicKey,
		"signature": base64.StdEncoding.EncodeToString(sig),
	})
	backend := &fakeBackend{messageResult: messageDoc("approved", string(response))}
	h := newRemoteHarness(t, backend, map[string]string{
		"query": `{"nonce":1,"permission":"FullAccess"}`,
	})

	signed, err := h.adapter.SignMessage(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, "alice.testnet", signed.AccountID)
	require.Equal(t, publicKey, signed.PublicKey)

	created := gjson.Parse(backend.requests[0])
	require.Equal(t, "authenticate", created.Get("message").String())
	require.Equal(t, "app.example.com", created.Get("receiver").String())
	require.Equal(t, "Test App", created.Get("receiverMetadata.name").String())
	require.EqualValues(t, 32, created.Get("nonce.#").Int())
}

func TestRemoteSignMessagePendingThenSigned(t *testing.T) {
	privateKey, _ := wallet.GeneratePrivateKey()
	publicKey, _ := wallet.PublicKeyFromPrivate(privateKey)

	nonce := make([]byte, 32)
	params := wallet.SignMessageParams{
		Network: wallet.Testnet, Message: "hi", Nonce: nonce, Recipient: "app",
	}
	hash, err := hashNEP413(params.Message, params.Nonce, params.Recipient, "")
	require.NoError(t, err)
	sigB58, _ := wallet.SignHash(hash, privateKey)
	sig, _ := wallet.ParseSignature("ed25519:" + sigB58)
	response, _ := json.Marshal(map[string]string{
		"accountId": "alice.testnet",
		"publicKey": publicKey,
		"signature": base64.StdEncoding.EncodeToString(sig),
	})

	backend := &fakeBackend{messageResult: messageDoc("pending", "null")}
	h := newRemoteHarness(t, backend, map[string]string{
		"query": `{"nonce":1,"permission":"FullAccess"}`,
	})
	go func() {
		time.Sleep(50 * time.Millisecond)
		backend.mu.Lock()
		backend.messageResult = messageDoc("approved", string(response))
		backend.mu.Unlock()
	}()

	signed, err := h.adapter.SignMessage(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, "alice.testnet", signed.AccountID)
}

func TestRemoteSignMessageRejected(t *testing.T) {
	nonce := make([]byte, 32)
	backend := &fakeBackend{messageResult: messageDoc("rejected", "null")}
	h := newRemoteHarness(t, backend, nil)

	_, err := h.adapter.SignMessage(context.Background(), wallet.SignMessageParams{
		Network: wallet.Testnet, Message: "hi", Nonce: nonce, Recipient: "app",
	})
	require.Error(t, err)
	require.True(t, errors.IsUserRejected(err))
}

func TestRemoteSignMessageApprovedWithoutSignature(t *testing.T) {
	nonce := make([]byte, 32)
	backend := &fakeBackend{messageResult: messageDoc("approved", "null")}
	h := newRemoteHarness(t, backend, nil)

	_, err := h.adapter.SignMessage(context.Background(), wallet.SignMessageParams{
		Network: wallet.Testnet, Message: "hi", Nonce: nonce, Recipient: "app",
	})
	require.Error(t, err)
	require.Equal(t, "NO_SIGNATURE", errors.Code(err))
}

func TestRemoteSignMessageRejectsLimitedKey(t *testing.T) {
	privateKey, _ := wallet.GeneratePrivateKey()
	publicKey, _ := wallet.PublicKeyFromPrivate(privateKey)

	nonce := make([]byte, 32)
	params := wallet.SignMessageParams{
		Network: wallet.Testnet, Message: "hi", Nonce: nonce, Recipient: "app",
	}
	hash, err := hashNEP413(params.Message, params.Nonce, params.Recipient, "")
	require.NoError(t, err)
	sigB58, _ := wallet.SignHash(hash, privateKey)
	sig, _ := wallet.ParseSignature("ed25519:" + sigB58)
	response, _ := json.Marshal(map[string]string{
		"accountId": "alice.testnet",
		"publicKey": publicKey,
		"signature": base64.StdEncoding.EncodeToString(sig),
	})

	backend := &fakeBackend{messageResult: messageDoc("approved", string(response))}
	h := newRemoteHarness(t, backend, map[string]string{
		"query": `{"nonce":1,"permission":{"FunctionCall":{"receiver_id":"app.testnet"}}}`,
	})

	_, err = h.adapter.SignMessage(context.Background(), params)
	require.Error(t, err)
	require.Equal(t, "INVALID_ACCESS_KEY", errors.Code(err))
}

func TestRemoteSignMessageRejectsTamperedSignature(t *testing.T) {
	privateKey, _ := wallet.GeneratePrivateKey()
	publicKey, _ := wallet.PublicKeyFromPrivate(privateKey)

	nonce := make([]byte, 32)
	params := wallet.SignMessageParams{
		Network: wallet.Testnet, Message: "hi", Nonce: nonce, Recipient: "app",
	}
	hash, err := hashNEP413(params.Message, params.Nonce, params.Recipient, "")
	require.NoError(t, err)
	sigB58, _ := wallet.SignHash(hash, privateKey)
	sig, _ := wallet.ParseSignature("ed25519:" + sigB58)
	sig[3] ^= 0xff
	response, _ := json.Marshal(map[string]string{
		"accountId": "alice.testnet",
		"publicKey": publicKey,
		"signature": base64.StdEncoding.EncodeToString(sig),
	})

	backend := &fakeBackend{messageResult: messageDoc("approved", string(response))}
	h := newRemoteHarness(t, backend, map[string]string{
		"query": `{"nonce":1,"permission":"FullAccess"}`,
	})

	_, err = h.adapter.SignMessage(context.Background(), params)
	require.Error(t, err)
	require.Equal(t, "INVALID_SIGNATURE", errors.Code(err))
}

func TestHashNEP413IncludesCallbackOption(t *testing.T) {
	nonce := make([]byte, 32)
	withCallback, err := hashNEP413("m", nonce, "r", "https://cb")
	require.NoError(t, err)
	without, err := hashNEP413("m", nonce, "r", "")
	require.NoError(t, err)
	require.NotEqual(t, withCallback, without)
	require.Len(t, withCallback, 32)
}

func TestRejectForwardsToBackend(t *testing.T) {
	backend := &fakeBackend{statuses: []string{"pending"}}
	h := newRemoteHarness(t, backend, nil)
	require.NoError(t, h.adapter.Reject(context.Background(), "req-1"))
	require.True(t, backend.rejected)

	require.NoError(t, h.adapter.RejectMessage(context.Background(), "req-1"))
	require.True(t, backend.messageRejected)
}
