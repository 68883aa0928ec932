// Package connector is the top-level wallet connection manager: it owns the
// adapter registry, the persisted connection record, the remote-logout
// channel, and the event hubs the host surface subscribes to.
package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"fastnear.io/wallet-adapter/internal/logoutbridge"
	"fastnear.io/wallet-adapter/internal/pubsub"
	"fastnear.io/wallet-adapter/internal/session"
	"fastnear.io/wallet-adapter/internal/storage"
	"fastnear.io/wallet-adapter/internal/txsigner"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

// ConnectionRecord is the persisted sign-in: enough to restore the session,
// re-establish the logout channel, and keep signing locally after a reload.
type ConnectionRecord struct {
	WalletID    string           `json:"walletId"`
	Network     wallet.Network   `json:"networkId"`
	Accounts    []wallet.Account `json:"accounts"`
	Key         string           `json:"key,omitempty"` // app private key
	ContractID  string           `json:"contractId,omitempty"`
	MethodNames []string         `json:"methodNames,omitempty"`
	LogoutKey   string           `json:"logoutKey,omitempty"`
}

// ConnectionEvent tells listeners the connection set changed.
type ConnectionEvent struct {
	Connected bool
	Record    ConnectionRecord
	Reason    string // "user", "remote_logout", "network_switch"
}

type Options struct {
	Storage       storage.Store
	Session       *session.Store
	Prefix        string
	BridgeURL     string
	BridgeHTTP    *logoutbridge.HTTPClient
	BridgeManager *logoutbridge.Manager
	Signer        *txsigner.Signer
}

// Connector multiplexes registered wallet adapters behind one connection
// lifecycle.
type Connector struct {
	opts     Options
	adapters map[string]wallet.Adapter

	Events   *pubsub.Hub[ConnectionEvent]
	TxEvents *pubsub.Hub[pubsub.TxEvent]
}

func New(opts Options) *Connector {
	if opts.Prefix == "" {
		opts.Prefix = "near_app"
	}
	return &Connector{
		opts:     opts,
		adapters: map[string]wallet.Adapter{},
		Events:   pubsub.NewHub[ConnectionEvent](),
		TxEvents: pubsub.NewHub[pubsub.TxEvent](),
	}
}

// Register adds a wallet adapter under a stable id ("popup", "remote", ...).
func (c *Connector) Register(id string, adapter wallet.Adapter) {
	c.adapters[id] = adapter
}

func (c *Connector) adapter(id string) (wallet.Adapter, error) {
	adapter, ok := c.adapters[id]
	if !ok {
		return nil, errors.Transportf("UNKNOWN_WALLET", "no adapter registered under id %v", id)
	}
	return adapter, nil
}

func (c *Connector) recordKey() string {
	return fmt.Sprintf("%s_connected_wallet", c.opts.Prefix)
}

func (c *Connector) loadRecord(ctx context.Context) (*ConnectionRecord, error) {
	raw, ok, err := c.opts.Storage.Get(ctx, c.recordKey())
	if err != nil {
		return nil, errors.Wrap(err, "read connection record")
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var record ConnectionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		log.Debugf("connector - discarding malformed connection record")
		return nil, nil
	}
	if record.WalletID == "" || len(record.Accounts) == 0 {
		return nil, nil
	}
	return &record, nil
}

func (c *Connector) saveRecord(ctx context.Context, record *ConnectionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "marshal connection record")
	}
	if err := c.opts.Storage.Set(ctx, c.recordKey(), string(raw)); err != nil {
		return errors.Wrap(err, "persist connection record")
	}
	return nil
}

func (c *Connector) clearRecord(ctx context.Context) {
	if err := c.opts.Storage.Remove(ctx, c.recordKey()); err != nil {
		log.Debugf("connector - clear connection record: %v", err)
	}
}

// Connect signs in through the chosen adapter and persists the resulting
// session. A connection on a different network replaces the old one.
func (c *Connector) Connect(ctx context.Context, walletID string, params wallet.SignInParams) (*ConnectionRecord, error) {
	adapter, err := c.adapter(walletID)
	if err != nil {
		return nil, err
	}

	if existing, _ := c.loadRecord(ctx); existing != nil && existing.Network != params.Network {
		log.Debugf("connector - network switch %v -> %v, resetting state", existing.Network, params.Network)
		c.teardown(ctx, existing, "network_switch")
	}

	accounts, err := adapter.SignIn(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, errors.Transport("SIGN_IN_FAILED", "adapter returned no accounts")
	}

	record := &ConnectionRecord{
		WalletID:    walletID,
		Network:     params.Network,
		Accounts:    accounts,
		ContractID:  params.ContractID,
		MethodNames: params.MethodNames,
	}
	if key, err := c.opts.Session.Key(ctx, params.Network, accounts[0].AccountID); err == nil {
		record.Key = key.PrivateKey
	}
	// The wallet hands back the public key that verifies user-initiated
	// remote logouts; only wallets with a bridge integration have one.
	if provider, ok := adapter.(wallet.LogoutKeyProvider); ok {
		if logoutKey, ok := provider.UserLogoutKey(ctx, params.Network); ok {
			record.LogoutKey = logoutKey
		}
	}
	if err := c.saveRecord(ctx, record); err != nil {
		return nil, err
	}

	c.ensureLogoutChannel(record)
	c.Events.Publish(ConnectionEvent{Connected: true, Record: *record, Reason: "user"})
	return record, nil
}

// Disconnect signs out of the current wallet, notifies the bridge so other
// devices drop the session, and clears local state.
func (c *Connector) Disconnect(ctx context.Context) error {
	record, err := c.loadRecord(ctx)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	var signOutErr error
	if adapter, err := c.adapter(record.WalletID); err == nil {
		signOutErr = adapter.SignOut(ctx, wallet.SignOutParams{Network: record.Network})
	}

	if c.opts.BridgeHTTP != nil && record.Key != "" {
		if err := c.opts.BridgeHTTP.NotifyLogout(ctx, record.Network, record.Accounts[0].AccountID, record.Key); err != nil {
			log.Debugf("connector - bridge logout notification failed: %v", err)
		}
	}

	c.teardown(ctx, record, "user")
	return signOutErr
}

// Restore rebuilds the connection after a reload. When the bridge reports
// the session was remotely logged out in the meantime, local state is
// dropped instead.
func (c *Connector) Restore(ctx context.Context) (*ConnectionRecord, error) {
	record, err := c.loadRecord(ctx)
	if err != nil || record == nil {
		return nil, err
	}

	if c.opts.BridgeHTTP != nil && record.Key != "" {
		state, err := c.opts.BridgeHTTP.CheckSession(ctx, record.Network, record.Accounts[0].AccountID, record.Key)
		if err != nil {
			// Bridge unavailability must not lock the user out of their
			// own session.
			log.Debugf("connector - logout check unavailable: %v", err)
		} else if !state.Active {
			// Only a claim signed by the wallet's logout key or the app key
			// is allowed to destroy local state.
			if verr := c.verifyLogoutClaim(record, state); verr != nil {
				log.Warnf("connector - ignoring unverified logout claim for %v: %v", record.Accounts[0].AccountID, verr)
			} else {
				log.Infof("connector - session for %v was remotely logged out, clearing", record.Accounts[0].AccountID)
				c.teardown(ctx, record, "remote_logout")
				return nil, nil
			}
		}
	}

	c.ensureLogoutChannel(record)
	c.Events.Publish(ConnectionEvent{Connected: true, Record: *record, Reason: "user"})
	return record, nil
}

// Accounts returns the connected accounts, or nil when disconnected.
func (c *Connector) Accounts(ctx context.Context) ([]wallet.Account, error) {
	record, err := c.loadRecord(ctx)
	if err != nil || record == nil {
		return nil, err
	}
	return record.Accounts, nil
}

// SignMessage dispatches to the connected adapter.
func (c *Connector) SignMessage(ctx context.Context, params wallet.SignMessageParams) (*wallet.SignedMessage, error) {
	record, adapter, err := c.connected(ctx)
	if err != nil {
		return nil, err
	}
	params.Network = record.Network
	return adapter.SignMessage(ctx, params)
}

// SignAndSendTransactions signs locally with the limited key when the batch
// qualifies, otherwise defers to the connected wallet.
func (c *Connector) SignAndSendTransactions(ctx context.Context, txs []wallet.Transaction) ([]interface{}, error) {
	record, adapter, err := c.connected(ctx)
	if err != nil {
		return nil, err
	}
	signerID := record.Accounts[0].AccountID

	if c.opts.Signer != nil && record.Key != "" && c.opts.Signer.CanSign(record.ContractID, txs) {
		outcomes, err := c.opts.Signer.SignAndSend(ctx, record.Network, signerID, txs)
		if err == nil {
			return outcomes, nil
		}
		log.Debugf("connector - local signing failed, deferring to wallet: %v", err)
	}

	return adapter.SignAndSendTransactions(ctx, wallet.SignAndSendTransactionsParams{
		Network:      record.Network,
		SignerID:     signerID,
		Transactions: txs,
	})
}

func (c *Connector) connected(ctx context.Context) (*ConnectionRecord, wallet.Adapter, error) {
	record, err := c.loadRecord(ctx)
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		return nil, nil, errors.Transport("NOT_SIGNED_IN", "no wallet is connected")
	}
	adapter, err := c.adapter(record.WalletID)
	if err != nil {
		return nil, nil, err
	}
	return record, adapter, nil
}

func (c *Connector) verifyLogoutClaim(record *ConnectionRecord, state logoutbridge.SessionState) error {
	appPublicKey, err := wallet.PublicKeyFromPrivate(record.Key)
	if err != nil {
		return err
	}
	return logoutbridge.VerifyLogoutClaim(state.Nonce, state.CausedBy, state.Signature,
		record.Accounts[0].AccountID, appPublicKey, record.LogoutKey)
}

func (c *Connector) ensureLogoutChannel(record *ConnectionRecord) {
	if c.opts.BridgeManager == nil || c.opts.BridgeURL == "" || record.Key == "" {
		return
	}
	account := record.Accounts[0]
	c.opts.BridgeManager.Ensure(logoutbridge.ChannelConfig{
		BridgeURL:     c.opts.BridgeURL,
		Network:       record.Network,
		AccountID:     account.AccountID,
		AppKey:        record.Key,
		UserLogoutKey: record.LogoutKey,
		OnLogout: func(event logoutbridge.LogoutEvent) {
			ctx := context.Background()
			if current, _ := c.loadRecord(ctx); current != nil {
				c.teardown(ctx, current, "remote_logout")
			}
		},
	})
}

// teardown clears every trace of the connection and announces it.
func (c *Connector) teardown(ctx context.Context, record *ConnectionRecord, reason string) {
	if c.opts.BridgeManager != nil {
		c.opts.BridgeManager.Drop()
	}
	for _, account := range record.Accounts {
		if err := c.opts.Session.RemoveKey(ctx, record.Network, account.AccountID); err != nil {
			log.Debugf("connector - drop session key: %v", err)
		}
	}
	c.clearRecord(ctx)
	c.Events.Publish(ConnectionEvent{Connected: false, Record: *record, Reason: reason})
}
