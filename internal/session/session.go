// Package session keeps per-network account key material and the active
// account pointer on top of a storage.Store.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fastnear.io/wallet-adapter/internal/storage"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
)

// Key is one account's signing material on one network.
type Key struct {
	AccountID  string `json:"accountId"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey,omitempty"`
}

// state is the persisted shape: all known keys plus which account is active.
type state struct {
	Accounts map[string]Key `json:"accounts"`
	ActiveID string         `json:"activeId,omitempty"`
}

// Store owns the session blob for every network under a single key prefix.
// All mutations go through the mutex so read-modify-write cycles stay atomic
// within the process.
type Store struct {
	storage storage.Store
	prefix  string
	mu      sync.Mutex
}

func NewStore(backing storage.Store, prefix string) *Store {
	if prefix == "" {
		prefix = "near_app"
	}
	return &Store{storage: backing, prefix: prefix}
}

func (s *Store) storageKey(network wallet.Network) string {
	return fmt.Sprintf("%s_session:%s", s.prefix, network)
}

// load returns the persisted state, or an empty one when the blob is missing
// or unreadable.
func (s *Store) load(ctx context.Context, network wallet.Network) (*state, error) {
	st := &state{Accounts: map[string]Key{}}
	if err := storage.ReadJSON(ctx, s.storage, s.storageKey(network), st); err != nil {
		return nil, errors.Wrap(err, "read session state")
	}
	if st.Accounts == nil {
		st.Accounts = map[string]Key{}
	}
	return st, nil
}

func (s *Store) save(ctx context.Context, network wallet.Network, st *state) error {
	if err := storage.WriteJSON(ctx, s.storage, s.storageKey(network), st); err != nil {
		return errors.Wrap(err, "persist session state")
	}
	return nil
}

// SetKey records key material for an account and makes it active when no
// account is active yet.
func (s *Store) SetKey(ctx context.Context, network wallet.Network, key Key) error {
	if key.AccountID == "" {
		return errors.Transport("INVALID_ACCOUNT_ID", "account id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load(ctx, network)
	if err != nil {
		return err
	}
	st.Accounts[key.AccountID] = key
	if st.ActiveID == "" {
		st.ActiveID = key.AccountID
	}
	return s.save(ctx, network, st)
}

// Key returns the stored material for one account.
func (s *Store) Key(ctx context.Context, network wallet.Network, accountID string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load(ctx, network)
	if err != nil {
		return Key{}, err
	}
	key, ok := st.Accounts[accountID]
	if !ok {
		return Key{}, errors.Transportf("ACCOUNT_KEY_NOT_FOUND", "no key stored for account %v on %v", accountID, network)
	}
	return key, nil
}

// Accounts lists every known account on the network in stable order.
func (s *Store) Accounts(ctx context.Context, network wallet.Network) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load(ctx, network)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(st.Accounts))
	for _, key := range st.Accounts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].AccountID < keys[j].AccountID })
	return keys, nil
}

// ActiveAccount returns the active account's key, or ok=false when no
// account is active.
func (s *Store) ActiveAccount(ctx context.Context, network wallet.Network) (Key, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load(ctx, network)
	if err != nil {
		return Key{}, false, err
	}
	if st.ActiveID == "" {
		return Key{}, false, nil
	}
	key, ok := st.Accounts[st.ActiveID]
	if !ok {
		return Key{}, false, nil
	}
	return key, true, nil
}

// SetActiveAccount points the session at an account that already has key
// material stored.
func (s *Store) SetActiveAccount(ctx context.Context, network wallet.Network, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load(ctx, network)
	if err != nil {
		return err
	}
	if _, ok := st.Accounts[accountID]; !ok {
		return errors.Transportf("INVALID_ACCOUNT_ID", "account %v has no key on %v", accountID, network)
	}
	st.ActiveID = accountID
	return s.save(ctx, network, st)
}

// RemoveKey drops an account's key material; removing the active account
// clears the active pointer.
func (s *Store) RemoveKey(ctx context.Context, network wallet.Network, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load(ctx, network)
	if err != nil {
		return err
	}
	delete(st.Accounts, accountID)
	if st.ActiveID == accountID {
		st.ActiveID = ""
	}
	return s.save(ctx, network, st)
}

// Clear wipes the whole session for a network.
func (s *Store) Clear(ctx context.Context, network wallet.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Remove(ctx, s.storageKey(network)); err != nil {
		return errors.Wrap(err, "clear session state")
	}
	return nil
}
