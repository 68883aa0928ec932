package popupwallet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

const defaultWalletBaseURL = "https://wallet.meteorwallet.app"

func originOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.Transportf("INVALID_WALLET_URL", "invalid wallet base url: %v", rawURL)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// contractInfo is the limited-access grant recorded at sign-in.
type contractInfo struct {
	ContractID string `json:"contractId"`
	PublicKey  string `json:"publicKey"`
}

// authState is the persisted per-network sign-in state.
type authState struct {
	AccountID        string        `json:"accountId"`
	AllKeys          []string      `json:"allKeys"`
	SignedInContract *contractInfo `json:"signedInContract,omitempty"`
}

func (a *Adapter) authKey(network wallet.Network) string {
	return fmt.Sprintf("%s_wallet_auth_key:%s", a.opts.AppKeyPrefix, network)
}

func (a *Adapter) legacyAuthKey() string {
	return fmt.Sprintf("%s_wallet_auth_key", a.opts.AppKeyPrefix)
}

func (a *Adapter) privateKeyKey(network wallet.Network, accountID string) string {
	return fmt.Sprintf("%s_wallet_key:%s:%s", a.opts.AppKeyPrefix, network, accountID)
}

// loadAuth reads the per-network auth blob, falling back to the legacy
// un-namespaced key written by older releases.
func (a *Adapter) loadAuth(ctx context.Context, network wallet.Network) (*authState, error) {
	for _, key := range []string{a.authKey(network), a.legacyAuthKey()} {
		raw, ok, err := a.opts.Storage.Get(ctx, key)
		if err != nil {
			return nil, errors.Wrap(err, "read wallet auth state")
		}
		if !ok || raw == "" {
			continue
		}
		var state authState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			log.Debugf("popup wallet - discarding malformed auth state at %v", key)
			continue
		}
		if state.AccountID != "" {
			return &state, nil
		}
	}
	return nil, nil
}

func (a *Adapter) saveAuth(ctx context.Context, network wallet.Network, state *authState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal wallet auth state")
	}
	if err := a.opts.Storage.Set(ctx, a.authKey(network), string(raw)); err != nil {
		return errors.Wrap(err, "persist wallet auth state")
	}
	return nil
}

func (a *Adapter) clearAuth(ctx context.Context, network wallet.Network, accountID string) {
	if err := a.opts.Storage.Remove(ctx, a.authKey(network)); err != nil {
		log.Debugf("popup wallet - clear auth state: %v", err)
	}
	if err := a.opts.Storage.Remove(ctx, a.legacyAuthKey()); err != nil {
		log.Debugf("popup wallet - clear legacy auth state: %v", err)
	}
	if accountID != "" {
		if err := a.opts.Storage.Remove(ctx, a.privateKeyKey(network, accountID)); err != nil {
			log.Debugf("popup wallet - clear account key: %v", err)
		}
	}
}

// SignIn generates a fresh app key and asks the wallet to authorize it,
// either as a limited key on params.ContractID or as a plain login.
func (a *Adapter) SignIn(ctx context.Context, params wallet.SignInParams) ([]wallet.Account, error) {
	privateKey, err := wallet.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	publicKey, err := wallet.PublicKeyFromPrivate(privateKey)
	if err != nil {
		return nil, err
	}

	inputs := map[string]interface{}{
		"public_key": publicKey,
	}
	if params.ContractID != "" {
		inputs["type"] = "SELECTED_METHODS"
		inputs["contract_id"] = params.ContractID
		inputs["methods"] = params.MethodNames
	} else {
		inputs["type"] = "ALL_METHODS"
	}

	payload, err := a.connectAndWait(ctx, params.Network, actionLogin, inputs)
	if err != nil {
		return nil, errors.Normalize(err, "SIGN_IN_FAILED", "wallet sign in failed")
	}

	parsed := gjson.ParseBytes(payload)
	accountID := parsed.Get("accountId").String()
	if accountID == "" {
		accountID = parsed.Get("account_id").String()
	}
	if accountID == "" {
		return nil, errors.Transport("SIGN_IN_FAILED", "wallet returned no account id")
	}
	var allKeys []string
	parsed.Get("allKeys").ForEach(func(_, key gjson.Result) bool {
		allKeys = append(allKeys, key.String())
		return true
	})

	state := &authState{AccountID: accountID, AllKeys: allKeys}
	if params.ContractID != "" {
		state.SignedInContract = &contractInfo{ContractID: params.ContractID, PublicKey: publicKey}
	}
	if err := a.opts.Storage.Set(ctx, a.privateKeyKey(params.Network, accountID), privateKey); err != nil {
		return nil, errors.Wrap(err, "persist account key")
	}
	if err := a.saveAuth(ctx, params.Network, state); err != nil {
		return nil, err
	}

	log.Debugf("popup wallet - signed in as %v on %v", accountID, params.Network)
	return []wallet.Account{{AccountID: accountID, PublicKey: publicKey}}, nil
}

// SignOut revokes the app key through the wallet when a limited key was
// granted, then clears local state. A failed or rejected revocation keeps
// the local key: the account still holds it on chain, so forgetting it
// would orphan the grant while leaving it live.
func (a *Adapter) SignOut(ctx context.Context, params wallet.SignOutParams) error {
	network := params.Network
	state, err := a.loadAuth(ctx, network)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	if state.SignedInContract != nil {
		inputs := map[string]interface{}{
			"accountId":  state.AccountID,
			"contractId": state.SignedInContract.ContractID,
			"publicKey":  state.SignedInContract.PublicKey,
		}
		if _, err := a.connectAndWait(ctx, network, actionLogout, inputs); err != nil {
			return errors.Normalize(err, "SIGN_OUT_FAILED", "wallet sign out failed")
		}
	}

	a.clearAuth(ctx, network, state.AccountID)
	return nil
}

// GetAccounts returns the locally persisted sign-in state without touching
// the wallet.
func (a *Adapter) GetAccounts(ctx context.Context, network wallet.Network) ([]wallet.Account, error) {
	state, err := a.loadAuth(ctx, network)
	if err != nil || state == nil {
		return nil, err
	}
	publicKey := ""
	if state.SignedInContract != nil {
		publicKey = state.SignedInContract.PublicKey
	} else if privateKey, ok, _ := a.opts.Storage.Get(ctx, a.privateKeyKey(network, state.AccountID)); ok {
		publicKey, _ = wallet.PublicKeyFromPrivate(privateKey)
	}
	return []wallet.Account{{AccountID: state.AccountID, PublicKey: publicKey}}, nil
}

// SignMessage runs a NEP-413 off-chain signing round trip.
func (a *Adapter) SignMessage(ctx context.Context, params wallet.SignMessageParams) (*wallet.SignedMessage, error) {
	if len(params.Nonce) != 32 {
		return nil, errors.Transportf("INVALID_NONCE", "nonce must be exactly 32 bytes, got %v", len(params.Nonce))
	}
	nonce := make([]int, len(params.Nonce))
	for i, b := range params.Nonce {
		nonce[i] = int(b)
	}
	inputs := map[string]interface{}{
		"message":   params.Message,
		"nonce":     nonce,
		"recipient": params.Recipient,
	}
	if params.CallbackURL != "" {
		inputs["callbackUrl"] = params.CallbackURL
	}
	if params.State != "" {
		inputs["state"] = params.State
	}
	if params.AccountID != "" {
		inputs["accountId"] = params.AccountID
	}

	payload, err := a.connectAndWait(ctx, params.Network, actionSignMessage, inputs)
	if err != nil {
		return nil, errors.Normalize(err, "SIGN_MESSAGE_FAILED", "wallet message signing failed")
	}

	parsed := gjson.ParseBytes(payload)
	signed := &wallet.SignedMessage{
		AccountID: parsed.Get("accountId").String(),
		PublicKey: parsed.Get("publicKey").String(),
		Signature: parsed.Get("signature").String(),
		State:     params.State,
	}
	if signed.Signature == "" {
		return nil, errors.Transport("SIGN_MESSAGE_FAILED", "wallet returned no signature")
	}
	return signed, nil
}

// VerifyOwner asks the wallet to sign an ownership challenge for accountID.
func (a *Adapter) VerifyOwner(ctx context.Context, network wallet.Network, message, accountID string) (json.RawMessage, error) {
	inputs := map[string]interface{}{"message": message}
	if accountID != "" {
		inputs["accountId"] = accountID
	}
	payload, err := a.connectAndWait(ctx, network, actionVerifyOwner, inputs)
	if err != nil {
		return nil, errors.Normalize(err, "VERIFY_OWNER_FAILED", "wallet owner verification failed")
	}
	return payload, nil
}

// SignAndSendTransaction is the single-transaction shorthand over
// SignAndSendTransactions.
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
		return nil, errors.Transport("SIGN_TRANSACTION_FAILED", "wallet returned no execution outcome")
	}
	return outcomes[0], nil
}

// SignAndSendTransactions resolves nonces and the current block hash, hands
// the serialized batch to the wallet, and returns the execution outcomes in
// transaction order.
func (a *Adapter) SignAndSendTransactions(ctx context.Context, params wallet.SignAndSendTransactionsParams) ([]interface{}, error) {
	state, err := a.loadAuth(ctx, params.Network)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, errors.Transport("NOT_SIGNED_IN", "no account is signed in on this network")
	}
	signerID := params.SignerID
	if signerID == "" {
		signerID = state.AccountID
	}

	serialized, err := a.prepareTransactions(ctx, params.Network, signerID, state, params.Transactions)
	if err != nil {
		return nil, err
	}

	payload, err := a.connectAndWait(ctx, params.Network, actionSign, map[string]interface{}{
		"transactions": strings.Join(serialized, ","),
	})
	if err != nil {
		return nil, errors.Normalize(err, "SIGN_TRANSACTION_FAILED", "wallet transaction signing failed")
	}

	var outcomes []interface{}
	gjson.ParseBytes(payload).Get("executionOutcomes").ForEach(func(_, outcome gjson.Result) bool {
		outcomes = append(outcomes, json.RawMessage(outcome.Raw))
		return true
	})
	return outcomes, nil
}

// prepareTransactions resolves the signer key, its current nonce and the
// latest block hash, then serializes each transaction to base64.
func (a *Adapter) prepareTransactions(ctx context.Context, network wallet.Network, signerID string, state *authState, txs []wallet.Transaction) ([]string, error) {
	if a.opts.Serializer == nil {
		return nil, errors.Transport("SERIALIZER_MISSING", "no transaction serializer configured")
	}
	client := a.opts.RpcFactory.ForNetwork(string(network))

	block, err := client.Block(ctx, "final")
	if err != nil {
		return nil, err
	}
	blockHash := gjson.GetBytes(block, "header.hash").String()
	if blockHash == "" {
		return nil, errors.Transport("RPC_RESPONSE_ERROR", "block response carries no header hash")
	}

	publicKey, nonce, err := a.findSignerKey(ctx, network, signerID, state)
	if err != nil {
		return nil, err
	}

	serialized := make([]string, 0, len(txs))
	for i, tx := range txs {
		receiver := tx.ReceiverID
		if receiver == "" {
			return nil, errors.Transport("INVALID_TRANSACTION", "transaction is missing a receiver")
		}
		plain := wallet.PlainTransaction{
			SignerID:   signerID,
			PublicKey:  publicKey,
			Nonce:      nonce + uint64(i) + 1,
			ReceiverID: receiver,
			BlockHash:  blockHash,
			Actions:    tx.Actions,
		}
		raw, err := a.opts.Serializer.SerializeTransaction(plain)
		if err != nil {
			return nil, errors.Wrap(err, "serialize transaction")
		}
		serialized = append(serialized, base64.StdEncoding.EncodeToString(raw))
	}
	return serialized, nil
}

// findSignerKey probes for the app's own key first, then falls back to any
// full-access key on the signer account.
func (a *Adapter) findSignerKey(ctx context.Context, network wallet.Network, signerID string, state *authState) (string, uint64, error) {
	client := a.opts.RpcFactory.ForNetwork(string(network))

	var ownKey string
	if privateKey, ok, _ := a.opts.Storage.Get(ctx, a.privateKeyKey(network, signerID)); ok {
		ownKey, _ = wallet.PublicKeyFromPrivate(privateKey)
	}
	if ownKey != "" {
		res, err := client.Query(ctx, map[string]interface{}{
			"request_type": "view_access_key",
			"finality":     "final",
			"account_id":   signerID,
			"public_key":   ownKey,
		})
		if err == nil {
			return ownKey, gjson.GetBytes(res, "nonce").Uint(), nil
		}
		log.Debugf("popup wallet - own key lookup failed for %v, probing key list", signerID)
	}

	res, err := client.Query(ctx, map[string]interface{}{
		"request_type": "view_access_key_list",
		"finality":     "final",
		"account_id":   signerID,
	})
	if err != nil {
		return "", 0, err
	}
	var publicKey string
	var nonce uint64
	gjson.GetBytes(res, "keys").ForEach(func(_, key gjson.Result) bool {
		if key.Get("access_key.permission").String() == "FullAccess" {
			publicKey = key.Get("public_key").String()
			nonce = key.Get("access_key.nonce").Uint()
			return false
		}
		return true
	})
	if publicKey == "" {
		return "", 0, errors.Transportf("NO_ACCESS_KEYS", "no usable access key found on account %v", signerID)
	}
	return publicKey, nonce, nil
}

var _ wallet.Adapter = (*Adapter)(nil)
