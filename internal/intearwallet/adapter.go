package intearwallet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"fastnear.io/wallet-adapter/internal/popupwallet"
	"fastnear.io/wallet-adapter/internal/session"
	"fastnear.io/wallet-adapter/internal/storage"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

const defaultWalletURL = "https://wallet.intear.tech"

type Options struct {
	// WalletURL is the wallet web app; defaults to the hosted Intear wallet.
	WalletURL string
	// AppOrigin is the connecting app's origin, embedded in the signed
	// sign-in message so the wallet can show who is asking.
	AppOrigin string
	// Prefix namespaces the persisted connection blob.
	Prefix  string
	Storage storage.Store
	Session *session.Store
	// OpenWindow opens the wallet popup; nil means popups are unavailable.
	OpenWindow popupwallet.WindowOpener
}

// savedData is the persisted connection: the session private key the wallet
// authorized, the accounts it reported, and the wallet-held logout key.
type savedData struct {
	Accounts    []wallet.Account `json:"accounts"`
	Key         string           `json:"key"`
	ContractID  string           `json:"contractId,omitempty"`
	MethodNames []string         `json:"methodNames,omitempty"`
	LogoutKey   string           `json:"logoutKey,omitempty"`
	NetworkID   wallet.Network   `json:"networkId"`
}

// Adapter drives the Intear wallet over its popup message protocol. Each
// operation opens a wallet page, waits for its "ready" announcement, posts
// one signed request frame, and resolves on the matching response type.
type Adapter struct {
	opts         Options
	walletOrigin string

	mu     sync.Mutex
	active *flow
}

func New(opts Options) (*Adapter, error) {
	if opts.WalletURL == "" {
		opts.WalletURL = defaultWalletURL
	}
	if opts.Prefix == "" {
		opts.Prefix = "near_app"
	}
	if opts.Storage == nil {
		opts.Storage = storage.NewMemoryStore()
	}
	origin, err := originOf(opts.WalletURL)
	if err != nil {
		return nil, err
	}
	return &Adapter{opts: opts, walletOrigin: origin}, nil
}

func originOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.Transportf("INVALID_WALLET_URL", "invalid wallet base url: %v", rawURL)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

func (a *Adapter) storageKey() string {
	return a.opts.Prefix + "_connected_account"
}

func (a *Adapter) loadSaved(ctx context.Context) (*savedData, error) {
	var saved savedData
	if err := storage.ReadJSON(ctx, a.opts.Storage, a.storageKey(), &saved); err != nil {
		return nil, err
	}
	if saved.Key == "" || len(saved.Accounts) == 0 {
		return nil, nil
	}
	return &saved, nil
}

// authSignature signs "{nonce}|{data}" with the session key the way the
// wallet verifies request frames: sha256 first, curve-prefixed base58 out.
func authSignature(privateKey string, nonce uint64, data string) (string, error) {
	hash := wallet.Sha256([]byte(fmt.Sprintf("%d|%s", nonce, data)))
	sigB58, err := wallet.SignHash(hash, privateKey)
	if err != nil {
		return "", err
	}
	return "ed25519:" + sigB58, nil
}

// SignIn generates a fresh session key and asks the wallet to authorize it.
// The wallet answers "connected" with the accounts, whether it actually
// added the requested function-call key, and the logout verification key.
func (a *Adapter) SignIn(ctx context.Context, params wallet.SignInParams) ([]wallet.Account, error) {
	privateKey, err := wallet.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	publicKey, err := wallet.PublicKeyFromPrivate(privateKey)
	if err != nil {
		return nil, err
	}

	originMessage, err := json.Marshal(map[string]string{"origin": a.opts.AppOrigin})
	if err != nil {
		return nil, errors.Wrap(err, "marshal sign-in message")
	}
	nonce := uint64(time.Now().UnixMilli())
	signature, err := authSignature(privateKey, nonce, string(originMessage))
	if err != nil {
		return nil, err
	}

	methodNames := params.MethodNames
	if methodNames == nil {
		methodNames = []string{}
	}
	data, err := a.runFlow(ctx, "/connect", "connected", func(post func(payload interface{}) error) error {
		return post(map[string]interface{}{
			"type": "signIn",
			"data": map[string]interface{}{
				"contractId":  params.ContractID,
				"methodNames": methodNames,
				"publicKey":   publicKey,
				"networkId":   params.Network,
				"nonce":       nonce,
				"message":     string(originMessage),
				"signature":   signature,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	var accounts []wallet.Account
	data.Get("accounts").ForEach(func(_, entry gjson.Result) bool {
		accounts = append(accounts, wallet.Account{
			AccountID: entry.Get("accountId").String(),
			PublicKey: entry.Get("publicKey").String(),
		})
		return true
	})
	if len(accounts) == 0 {
		return nil, errors.Transport("SIGN_IN_FAILED", "wallet reported no accounts at sign-in")
	}

	saved := savedData{
		Accounts:  accounts,
		Key:       privateKey,
		LogoutKey: data.Get("logoutKey").String(),
		NetworkID: params.Network,
	}
	// The wallet decides whether the function-call key grant went through;
	// only then is the contract scope part of the connection.
	if data.Get("functionCallKeyAdded").Bool() && params.ContractID != "" {
		saved.ContractID = params.ContractID
		saved.MethodNames = methodNames
	}
	if err := storage.WriteJSON(ctx, a.opts.Storage, a.storageKey(), saved); err != nil {
		return nil, err
	}

	if a.opts.Session != nil {
		sessionKey := session.Key{
			AccountID:  accounts[0].AccountID,
			PublicKey:  publicKey,
			PrivateKey: privateKey,
		}
		if err := a.opts.Session.SetKey(ctx, params.Network, sessionKey); err != nil {
			return nil, err
		}
		if err := a.opts.Session.SetActiveAccount(ctx, params.Network, accounts[0].AccountID); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

// SignOut forgets the local connection. Remote revocation goes through the
// logout bridge, which the connector notifies with the session key before
// calling here.
func (a *Adapter) SignOut(ctx context.Context, params wallet.SignOutParams) error {
	saved, err := a.loadSaved(ctx)
	if err != nil {
		return err
	}
	if saved == nil {
		return nil
	}
	if err := a.opts.Storage.Remove(ctx, a.storageKey()); err != nil {
		return errors.Wrap(err, "clear wallet connection")
	}
	if a.opts.Session != nil {
		for _, account := range saved.Accounts {
			if err := a.opts.Session.RemoveKey(ctx, params.Network, account.AccountID); err != nil {
				log.Debugf("intear wallet - remove session key: %v", err)
			}
		}
	}
	return nil
}

func (a *Adapter) GetAccounts(ctx context.Context, network wallet.Network) ([]wallet.Account, error) {
	saved, err := a.loadSaved(ctx)
	if err != nil {
		return nil, err
	}
	if saved == nil || saved.NetworkID != network {
		return nil, nil
	}
	return saved.Accounts, nil
}

// UserLogoutKey reports the wallet-held key that signs user-initiated
// remote logouts for this connection.
func (a *Adapter) UserLogoutKey(ctx context.Context, network wallet.Network) (string, bool) {
	saved, err := a.loadSaved(ctx)
	if err != nil || saved == nil || saved.NetworkID != network || saved.LogoutKey == "" {
		return "", false
	}
	return saved.LogoutKey, true
}

// SignAndSendTransactions ships the batch to the wallet's send page and
// resolves on "sent" with the execution outcomes.
func (a *Adapter) SignAndSendTransactions(ctx context.Context, params wallet.SignAndSendTransactionsParams) ([]interface{}, error) {
	saved, err := a.requireConnection(ctx, params.Network)
	if err != nil {
		return nil, err
	}
	publicKey, err := wallet.PublicKeyFromPrivate(saved.Key)
	if err != nil {
		return nil, err
	}

	defaultSigner := params.SignerID
	if defaultSigner == "" {
		defaultSigner = saved.Accounts[0].AccountID
	}
	txs := make([]wallet.Transaction, len(params.Transactions))
	for i, tx := range params.Transactions {
		if tx.SignerID == "" {
			tx.SignerID = defaultSigner
		}
		txs[i] = tx
	}
	txJSON, err := json.Marshal(txs)
	if err != nil {
		return nil, errors.Wrap(err, "marshal transactions")
	}
	nonce := uint64(time.Now().UnixMilli())
	signature, err := authSignature(saved.Key, nonce, string(txJSON))
	if err != nil {
		return nil, err
	}

	data, err := a.runFlow(ctx, "/send-transactions", "sent", func(post func(payload interface{}) error) error {
		return post(map[string]interface{}{
			"type": "signAndSendTransactions",
			"data": map[string]interface{}{
				"transactions": string(txJSON),
				"accountId":    saved.Accounts[0].AccountID,
				"publicKey":    publicKey,
				"nonce":        nonce,
				"signature":    signature,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	var outcomes []interface{}
	data.Get("outcomes").ForEach(func(_, entry gjson.Result) bool {
		outcomes = append(outcomes, json.RawMessage(entry.Raw))
		return true
	})
	return outcomes, nil
}

func (a *Adapter) SignAndSendTransaction(ctx context.Context, params wallet.SignAndSendTransactionParams) (interface{}, error) {
	outcomes, err := a.SignAndSendTransactions(ctx, wallet.SignAndSendTransactionsParams{
		Network:  params.Network,
		SignerID: params.SignerID,
		Transactions: []wallet.Transaction{{
			SignerID:   params.SignerID,
			ReceiverID: params.ReceiverID,
			Actions:    params.Actions,
		}},
	})
	if err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, nil
	}
	return outcomes[0], nil
}

// SignMessage runs a NEP-413 signing round trip through the wallet's
// sign-message page and resolves on "signed".
func (a *Adapter) SignMessage(ctx context.Context, params wallet.SignMessageParams) (*wallet.SignedMessage, error) {
	if len(params.Nonce) != 32 {
		return nil, errors.Transport("INVALID_NONCE", "message nonce must be exactly 32 bytes")
	}
	saved, err := a.requireConnection(ctx, params.Network)
	if err != nil {
		return nil, err
	}
	publicKey, err := wallet.PublicKeyFromPrivate(saved.Key)
	if err != nil {
		return nil, err
	}

	nonceInts := make([]int, len(params.Nonce))
	for i, b := range params.Nonce {
		nonceInts[i] = int(b)
	}
	request := map[string]interface{}{
		"message":   params.Message,
		"recipient": params.Recipient,
		"nonce":     nonceInts,
	}
	if params.CallbackURL != "" {
		request["callbackUrl"] = params.CallbackURL
	}
	if params.State != "" {
		request["state"] = params.State
	}
	requestJSON, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "marshal message request")
	}
	authNonce := uint64(time.Now().UnixMilli())
	signature, err := authSignature(saved.Key, authNonce, string(requestJSON))
	if err != nil {
		return nil, err
	}

	data, err := a.runFlow(ctx, "/sign-message", "signed", func(post func(payload interface{}) error) error {
		return post(map[string]interface{}{
			"type": "signMessage",
			"data": map[string]interface{}{
				"message":   string(requestJSON),
				"accountId": saved.Accounts[0].AccountID,
				"publicKey": publicKey,
				"nonce":     authNonce,
				"signature": signature,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	result := data.Get("signature")
	if !result.Exists() {
		return nil, errors.Transport("NO_SIGNATURE", "wallet returned no message signature")
	}
	return &wallet.SignedMessage{
		AccountID: result.Get("accountId").String(),
		PublicKey: result.Get("publicKey").String(),
		Signature: result.Get("signature").String(),
		State:     params.State,
	}, nil
}

func (a *Adapter) requireConnection(ctx context.Context, network wallet.Network) (*savedData, error) {
	saved, err := a.loadSaved(ctx)
	if err != nil {
		return nil, err
	}
	if saved == nil || saved.NetworkID != network {
		return nil, errors.Transport("NOT_SIGNED_IN", "no wallet connection for this network")
	}
	return saved, nil
}

var _ wallet.Adapter = (*Adapter)(nil)
var _ wallet.LogoutKeyProvider = (*Adapter)(nil)
