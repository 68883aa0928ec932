package wallet

import (
	"context"

	"fastnear.io/wallet-adapter/pkg/errors"
)

// Network is a NEAR chain id.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// EnsureNetwork rejects anything other than the two supported networks.
func EnsureNetwork(network string) (Network, error) {
	if network != string(Mainnet) && network != string(Testnet) {
		return "", errors.Transportf("INVALID_NETWORK", "unsupported network: %v", network)
	}
	return Network(network), nil
}

// Account is a signed-in identity with the public key the app controls for it.
type Account struct {
	AccountID string `json:"accountId"`
	PublicKey string `json:"publicKey"`
}

type SignInParams struct {
	Network     Network
	ContractID  string
	MethodNames []string
	Allowance   string
}

type SignOutParams struct {
	Network Network
}

type SignMessageParams struct {
	Network     Network
	Message     string
	Nonce       []byte // 32 bytes
	Recipient   string
	CallbackURL string
	State       string
	AccountID   string
}

// SignedMessage is a NEP-413 signing result.
type SignedMessage struct {
	AccountID string `json:"accountId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	State     string `json:"state,omitempty"`
}

type Transaction struct {
	SignerID   string   `json:"signerId,omitempty"`
	ReceiverID string   `json:"receiverId"`
	Actions    []Action `json:"actions"`
}

type SignAndSendTransactionParams struct {
	Network    Network
	SignerID   string
	ReceiverID string
	Actions    []Action
}

type SignAndSendTransactionsParams struct {
	Network      Network
	SignerID     string
	Transactions []Transaction
}

// Adapter is the operation surface every wallet integration exposes.
type Adapter interface {
	SignIn(ctx context.Context, params SignInParams) ([]Account, error)
	SignOut(ctx context.Context, params SignOutParams) error
	GetAccounts(ctx context.Context, network Network) ([]Account, error)
	SignMessage(ctx context.Context, params SignMessageParams) (*SignedMessage, error)
	SignAndSendTransaction(ctx context.Context, params SignAndSendTransactionParams) (interface{}, error)
	SignAndSendTransactions(ctx context.Context, params SignAndSendTransactionsParams) ([]interface{}, error)
}

// LogoutKeyProvider is implemented by adapters whose wallet hands back a
// dedicated public key at sign-in for verifying user-initiated remote
// logouts. Adapters without one simply don't implement it.
type LogoutKeyProvider interface {
	UserLogoutKey(ctx context.Context, network Network) (string, bool)
}
