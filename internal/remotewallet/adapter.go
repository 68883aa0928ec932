package remotewallet

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"fastnear.io/wallet-adapter/internal/polling"
	"fastnear.io/wallet-adapter/internal/pubsub"
	"fastnear.io/wallet-adapter/internal/rpc"
	"fastnear.io/wallet-adapter/internal/session"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

// Request lifecycle statuses reported by the signer backend.
const (
	requestPending  = "pending"
	requestApproved = "approved"
	requestRejected = "rejected"
)

// DAppMetadata identifies the requesting app on the wallet's approval screen.
type DAppMetadata struct {
	Name    string `json:"name"`
	LogoURL string `json:"logoUrl"`
	URL     string `json:"url,omitempty"`
}

// Callbacks lets the host surface react to the request lifecycle, typically
// to show a QR code or deep link while the request is pending.
type Callbacks struct {
	OnRequested func(requestID, deepLink string)
	OnApproved  func(requestID string)
	OnSuccess   func(requestID string)
	OnError     func(requestID string, err error)
}

type Options struct {
	BackendURL    string
	DeepLinkBase  string
	Metadata      DAppMetadata
	Session       *session.Store
	RpcFactory    *rpc.Factory
	Polling       polling.Options
	Callbacks     Callbacks
	AccountEvents *pubsub.Hub[pubsub.AccountEvent]
	TxEvents      *pubsub.Hub[pubsub.TxEvent]
}

// Adapter drives wallet actions through the signer backend: every operation
// registers a transaction-request list, waits for the user's wallet device to
// resolve it, then verifies the outcome locally.
type Adapter struct {
	opts Options
	api  *apiClient
}

func New(opts Options) *Adapter {
	if opts.Polling.Delay == 0 {
		opts.Polling = polling.DefaultOptions()
	}
	return &Adapter{opts: opts, api: newAPIClient(opts.BackendURL)}
}

func (a *Adapter) deepLink(requestID string) string {
	if a.opts.DeepLinkBase == "" {
		return ""
	}
	return strings.TrimSuffix(a.opts.DeepLinkBase, "/") + "/" + requestID
}

// awaitResolution polls the request status until the backend reports a
// terminal state, then fetches the full request document.
func (a *Adapter) awaitResolution(ctx context.Context, requestID string) (json.RawMessage, error) {
	status, err := polling.Await(ctx, func(ctx context.Context) (string, error) {
		return a.api.requestStatus(ctx, requestID)
	}, func(status string) bool {
		return status == "" || status == requestPending
	}, a.opts.Polling)
	if err != nil {
		return nil, err
	}
	if status == requestRejected {
		return nil, errors.UserRejected("REQUEST_NOT_SIGNED", "the request was rejected in the wallet")
	}
	if status != requestApproved {
		return nil, errors.Transportf("API_HTTP_ERROR", "signer backend reported unexpected status %v", status)
	}
	if a.opts.Callbacks.OnApproved != nil {
		a.opts.Callbacks.OnApproved(requestID)
	}
	return a.api.requestResult(ctx, requestID)
}

func (a *Adapter) announce(requestID string) {
	if a.opts.Callbacks.OnRequested != nil {
		a.opts.Callbacks.OnRequested(requestID, a.deepLink(requestID))
	}
}

func (a *Adapter) finish(requestID string, err error) {
	if err != nil {
		if a.opts.Callbacks.OnError != nil {
			a.opts.Callbacks.OnError(requestID, err)
		}
		return
	}
	if a.opts.Callbacks.OnSuccess != nil {
		a.opts.Callbacks.OnSuccess(requestID)
	}
}

// singleActionTx wraps one action the way the backend expects: a transaction
// list whose entries carry typed actions.
func singleActionTx(signerID, receiverID, actionType string, params map[string]interface{}) []map[string]interface{} {
	tx := map[string]interface{}{
		"actions": []map[string]interface{}{{
			"type":   actionType,
			"params": params,
		}},
	}
	if signerID != "" {
		tx["signerId"] = signerID
	}
	if receiverID != "" {
		tx["receiverId"] = receiverID
	}
	return []map[string]interface{}{tx}
}

// SignIn asks the wallet device to add a freshly generated app key to the
// user's account.
func (a *Adapter) SignIn(ctx context.Context, params wallet.SignInParams) ([]wallet.Account, error) {
	accounts, err := a.signIn(ctx, params)
	if err != nil {
		return nil, errors.Normalize(err, "SIGN_IN_FAILED", "remote wallet sign in failed")
	}
	return accounts, nil
}

func (a *Adapter) signIn(ctx context.Context, params wallet.SignInParams) ([]wallet.Account, error) {
	privateKey, err := wallet.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	publicKey, err := wallet.PublicKeyFromPrivate(privateKey)
	if err != nil {
		return nil, err
	}

	// Full access unless the app scoped itself to a contract.
	var permission interface{} = "FullAccess"
	if params.ContractID != "" {
		scoped := map[string]interface{}{
			"receiverId":  params.ContractID,
			"methodNames": append([]string{}, params.MethodNames...),
		}
		if params.Allowance != "" {
			scoped["allowance"] = params.Allowance
		}
		permission = scoped
	}
	transactions := singleActionTx("", "", "AddKey", map[string]interface{}{
		"publicKey": publicKey,
		"accessKey": map[string]interface{}{"permission": permission},
	})
	requestID, err := a.api.createRequest(ctx, string(params.Network), transactions, a.opts.Metadata)
	if err != nil {
		return nil, err
	}
	a.announce(requestID)

	result, err := a.awaitResolution(ctx, requestID)
	if err != nil {
		a.finish(requestID, err)
		return nil, err
	}

	accountID := gjson.GetBytes(result, "signerAccountId").String()
	if accountID == "" {
		err := errors.Transport("SIGN_IN_FAILED", "signer backend returned no account id")
		a.finish(requestID, err)
		return nil, err
	}
	if err := a.opts.Session.SetKey(ctx, params.Network, session.Key{
		AccountID:  accountID,
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}); err != nil {
		a.finish(requestID, err)
		return nil, err
	}
	if err := a.opts.Session.SetActiveAccount(ctx, params.Network, accountID); err != nil {
		a.finish(requestID, err)
		return nil, err
	}

	a.finish(requestID, nil)
	if a.opts.AccountEvents != nil {
		a.opts.AccountEvents.Publish(pubsub.AccountEvent{
			Network:   string(params.Network),
			AccountID: accountID,
			SignedIn:  true,
		})
	}
	log.Debugf("remote wallet - signed in as %v on %v", accountID, params.Network)
	return []wallet.Account{{AccountID: accountID, PublicKey: publicKey}}, nil
}

// SignOut asks the wallet device to delete the app key. The local session is
// dropped only once the wallet approves the revocation; a rejected or failed
// request leaves the key in place so the user stays signed in.
func (a *Adapter) SignOut(ctx context.Context, params wallet.SignOutParams) error {
	active, ok, err := a.opts.Session.ActiveAccount(ctx, params.Network)
	if err != nil {
		return errors.Normalize(err, "SIGN_OUT_FAILED", "remote wallet sign out failed")
	}
	if !ok {
		return nil
	}

	transactions := singleActionTx(active.AccountID, active.AccountID, "DeleteKey", map[string]interface{}{
		"publicKey": active.PublicKey,
	})
	requestID, err := a.api.createRequest(ctx, string(params.Network), transactions, a.opts.Metadata)
	if err != nil {
		return errors.Normalize(err, "SIGN_OUT_FAILED", "remote wallet sign out failed")
	}
	a.announce(requestID)
	if _, err := a.awaitResolution(ctx, requestID); err != nil {
		a.finish(requestID, err)
		return errors.Normalize(err, "SIGN_OUT_FAILED", "remote wallet sign out failed")
	}
	a.finish(requestID, nil)

	if err := a.opts.Session.RemoveKey(ctx, params.Network, active.AccountID); err != nil {
		return errors.Normalize(err, "SIGN_OUT_FAILED", "remote wallet sign out failed")
	}
	if a.opts.AccountEvents != nil {
		a.opts.AccountEvents.Publish(pubsub.AccountEvent{
			Network:   string(params.Network),
			AccountID: active.AccountID,
			SignedIn:  false,
		})
	}
	return nil
}

// GetAccounts lists the locally known accounts for the network.
func (a *Adapter) GetAccounts(ctx context.Context, network wallet.Network) ([]wallet.Account, error) {
	keys, err := a.opts.Session.Accounts(ctx, network)
	if err != nil {
		return nil, err
	}
	accounts := make([]wallet.Account, 0, len(keys))
	for _, key := range keys {
		accounts = append(accounts, wallet.Account{AccountID: key.AccountID, PublicKey: key.PublicKey})
	}
	return accounts, nil
}

// SignMessage relays a NEP-413 request through the backend and verifies the
// returned signature before trusting it.
func (a *Adapter) SignMessage(ctx context.Context, params wallet.SignMessageParams) (*wallet.SignedMessage, error) {
	signed, err := a.signMessage(ctx, params)
	if err != nil {
		return nil, errors.Normalize(err, "SIGN_MESSAGE_FAILED", "remote wallet message signing failed")
	}
	return signed, nil
}

func (a *Adapter) signMessage(ctx context.Context, params wallet.SignMessageParams) (*wallet.SignedMessage, error) {
	if len(params.Nonce) != 32 {
		return nil, errors.Transportf("INVALID_NONCE", "nonce must be exactly 32 bytes, got %v", len(params.Nonce))
	}

	nonce := make([]int, len(params.Nonce))
	for i, b := range params.Nonce {
		nonce[i] = int(b)
	}
	requestID, err := a.api.createMessageRequest(ctx, map[string]interface{}{
		"network":          params.Network,
		"message":          params.Message,
		"receiver":         params.Recipient,
		"nonce":            nonce,
		"callbackUrl":      params.CallbackURL,
		"receiverMetadata": a.opts.Metadata,
	})
	if err != nil {
		return nil, err
	}
	a.announce(requestID)

	response, err := a.awaitMessage(ctx, requestID)
	if err != nil {
		a.finish(requestID, err)
		return nil, err
	}

	signed := &wallet.SignedMessage{
		AccountID: response.Get("accountId").String(),
		PublicKey: response.Get("publicKey").String(),
		Signature: response.Get("signature").String(),
		State:     params.State,
	}
	if err := verifySignedMessage(ctx, a.opts.RpcFactory.ForNetwork(string(params.Network)), params, signed); err != nil {
		a.finish(requestID, err)
		return nil, err
	}
	a.finish(requestID, nil)
	return signed, nil
}

// awaitMessage polls the message request document until it stops being
// pending-without-response, then extracts the wallet's answer.
func (a *Adapter) awaitMessage(ctx context.Context, requestID string) (gjson.Result, error) {
	raw, err := polling.Await(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return a.api.messageResult(ctx, requestID)
	}, func(raw json.RawMessage) bool {
		doc := gjson.ParseBytes(raw)
		return doc.Get("status").String() == requestPending && doc.Get("response").Type == gjson.Null
	}, a.opts.Polling)
	if err != nil {
		return gjson.Result{}, err
	}

	doc := gjson.ParseBytes(raw)
	if doc.Get("status").String() == requestRejected {
		return gjson.Result{}, errors.UserRejected("REQUEST_NOT_SIGNED", "the request was rejected in the wallet")
	}
	response := doc.Get("response")
	if response.Type == gjson.Null {
		return gjson.Result{}, errors.Transport("NO_SIGNATURE", "signer backend returned no signature")
	}
	return response, nil
}

// SignAndSendTransaction is the single-transaction shorthand.
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
		return nil, errors.Transport("SIGN_TRANSACTION_FAILED", "no execution outcome returned")
	}
	return outcomes[0], nil
}

// SignAndSendTransactions relays the batch through the backend, then waits
// for each reported hash to reach the optimistic execution level, returning
// outcomes in submission order.
func (a *Adapter) SignAndSendTransactions(ctx context.Context, params wallet.SignAndSendTransactionsParams) ([]interface{}, error) {
	outcomes, err := a.signAndSendTransactions(ctx, params)
	if err != nil {
		return nil, errors.Normalize(err, "SIGN_TRANSACTION_FAILED", "remote wallet transaction signing failed")
	}
	return outcomes, nil
}

func (a *Adapter) signAndSendTransactions(ctx context.Context, params wallet.SignAndSendTransactionsParams) ([]interface{}, error) {
	var activeID string
	if active, ok, err := a.opts.Session.ActiveAccount(ctx, params.Network); err != nil {
		return nil, err
	} else if ok {
		activeID = active.AccountID
	}

	// Each transaction keeps its own signer; the batch signer and the
	// active account only fill the gaps.
	txs := make([]map[string]interface{}, 0, len(params.Transactions))
	signers := make([]string, 0, len(params.Transactions))
	for _, tx := range params.Transactions {
		if tx.ReceiverID == "" {
			return nil, errors.Transport("INVALID_TRANSACTION", "transaction is missing a receiver")
		}
		signerID := tx.SignerID
		if signerID == "" {
			signerID = params.SignerID
		}
		if signerID == "" {
			signerID = activeID
		}
		if signerID == "" {
			return nil, errors.Transport("MISSING_SIGNER_ID", "no signer id given and no account is signed in")
		}
		signers = append(signers, signerID)
		txs = append(txs, map[string]interface{}{
			"signerId":   signerID,
			"receiverId": tx.ReceiverID,
			"actions":    tx.Actions,
		})
	}
	if len(txs) == 0 {
		return nil, errors.Transport("INVALID_TRANSACTION", "no transactions to sign")
	}

	requestID, err := a.api.createRequest(ctx, string(params.Network), txs, a.opts.Metadata)
	if err != nil {
		return nil, err
	}
	a.announce(requestID)

	result, err := a.awaitResolution(ctx, requestID)
	if err != nil {
		a.finish(requestID, err)
		return nil, err
	}

	var hashes []string
	gjson.GetBytes(result, "txHash").ForEach(func(_, hash gjson.Result) bool {
		hashes = append(hashes, hash.String())
		return true
	})
	if len(hashes) == 0 {
		err := errors.Transport("REQUEST_NOT_SIGNED", "signer backend reported no transaction hashes")
		a.finish(requestID, err)
		return nil, err
	}

	sender := gjson.GetBytes(result, "signerAccountId").String()
	if sender == "" {
		sender = signers[0]
	}

	client := a.opts.RpcFactory.ForNetwork(string(params.Network))
	outcomes := make([]interface{}, 0, len(hashes))
	for i, hash := range hashes {
		outcome, err := client.TxStatus(ctx, hash, sender, "EXECUTED_OPTIMISTIC")
		if err != nil {
			a.finish(requestID, err)
			return nil, err
		}
		outcomes = append(outcomes, json.RawMessage(outcome))
		if a.opts.TxEvents != nil {
			receiver := ""
			if i < len(params.Transactions) {
				receiver = params.Transactions[i].ReceiverID
			}
			accountID := sender
			if i < len(signers) {
				accountID = signers[i]
			}
			a.opts.TxEvents.Publish(pubsub.TxEvent{
				Network:    string(params.Network),
				AccountID:  accountID,
				TxHash:     hash,
				ReceiverID: receiver,
				Succeeded:  true,
			})
		}
	}
	a.finish(requestID, nil)
	return outcomes, nil
}

// Reject cancels a pending request on the backend.
func (a *Adapter) Reject(ctx context.Context, requestID string) error {
	return a.api.rejectRequest(ctx, requestID)
}

// RejectMessage cancels a pending message-signing request.
func (a *Adapter) RejectMessage(ctx context.Context, requestID string) error {
	return a.api.rejectMessageRequest(ctx, requestID)
}

var _ wallet.Adapter = (*Adapter)(nil)
