// Package txsigner signs and submits transactions locally with a limited
// access key, skipping the wallet round trip for calls the key is allowed
// to make.
package txsigner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/tidwall/gjson"
	"fastnear.io/wallet-adapter/internal/pubsub"
	"fastnear.io/wallet-adapter/internal/rpc"
	"fastnear.io/wallet-adapter/internal/session"
	"fastnear.io/wallet-adapter/internal/storage"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
	"fastnear.io/wallet-adapter/pkg/log"
)

// maxBlockAge bounds block hash reuse; the chain rejects transactions
// anchored to blocks older than roughly a day, so six hours leaves margin.
const maxBlockAge = 6 * time.Hour

// Capability decides whether a batch may be signed locally with the app's
// limited access key instead of going through the wallet.
type Capability interface {
	CanSignWithKey(contractID string, txs []wallet.Transaction) bool
}

// DefaultCapability allows a batch only when every transaction targets the
// granted contract and consists solely of no-deposit function calls, which
// is exactly what a function-call access key can execute.
type DefaultCapability struct{}

func (DefaultCapability) CanSignWithKey(contractID string, txs []wallet.Transaction) bool {
	if contractID == "" || len(txs) == 0 {
		return false
	}
	for _, tx := range txs {
		if tx.ReceiverID != contractID {
			return false
		}
		for _, action := range tx.Actions {
			if action.Type != "FunctionCall" {
				return false
			}
			if action.Deposit != "" && action.Deposit != "0" {
				return false
			}
		}
	}
	return true
}

type Options struct {
	Session    *session.Store
	RpcFactory *rpc.Factory
	Storage    storage.Store
	Prefix     string
	Capability Capability
	TxEvents   *pubsub.Hub[pubsub.TxEvent]
}

// Signer resolves nonces and block hashes from local caches, signs with the
// session key, and submits straight to RPC.
type Signer struct {
	opts       Options
	serializer Serializer
}

func New(opts Options) *Signer {
	if opts.Prefix == "" {
		opts.Prefix = "near_app"
	}
	if opts.Capability == nil {
		opts.Capability = DefaultCapability{}
	}
	return &Signer{opts: opts, serializer: NewSerializer()}
}

// Serializer exposes the signer's wire codec for injection elsewhere.
func (s *Signer) Serializer() wallet.TransactionSerializer {
	return s.serializer
}

// CanSign reports whether the batch is eligible for local signing with the
// key granted for contractID.
func (s *Signer) CanSign(contractID string, txs []wallet.Transaction) bool {
	return s.opts.Capability.CanSignWithKey(contractID, txs)
}

func (s *Signer) nonceKey(network wallet.Network, accountID, publicKey string) string {
	return fmt.Sprintf("%s_nonce:%s:%s:%s", s.opts.Prefix, network, accountID, publicKey)
}

func (s *Signer) blockKey(network wallet.Network) string {
	return fmt.Sprintf("%s_block:%s", s.opts.Prefix, network)
}

type cachedBlock struct {
	Hash      string `json:"hash"`
	FetchedAt int64  `json:"fetchedAt"` // unix millis
}

// blockHash returns a recent block hash, hitting RPC only when the cached
// one has aged out.
func (s *Signer) blockHash(ctx context.Context, network wallet.Network) (string, error) {
	var cached cachedBlock
	if err := storage.ReadJSON(ctx, s.opts.Storage, s.blockKey(network), &cached); err == nil {
		if cached.Hash != "" && time.Since(time.UnixMilli(cached.FetchedAt)) < maxBlockAge {
			return cached.Hash, nil
		}
	}

	client := s.opts.RpcFactory.ForNetwork(string(network))
	block, err := client.Block(ctx, "final")
	if err != nil {
		return "", err
	}
	hash := gjson.GetBytes(block, "header.hash").String()
	if hash == "" {
		return "", errors.Transport("RPC_RESPONSE_ERROR", "block response carries no header hash")
	}
	cached = cachedBlock{Hash: hash, FetchedAt: time.Now().UnixMilli()}
	if err := storage.WriteJSON(ctx, s.opts.Storage, s.blockKey(network), cached); err != nil {
		log.Debugf("tx signer - cache block hash: %v", err)
	}
	return hash, nil
}

// nextNonce returns the nonce for the next transaction. The local cache
// advances past the chain's view so rapid consecutive sends never collide on
// a nonce that is still propagating.
func (s *Signer) nextNonce(ctx context.Context, network wallet.Network, accountID, publicKey string) (uint64, error) {
	var cached uint64
	key := s.nonceKey(network, accountID, publicKey)
	if raw, ok, err := s.opts.Storage.Get(ctx, key); err == nil && ok {
		fmt.Sscanf(raw, "%d", &cached)
	}

	client := s.opts.RpcFactory.ForNetwork(string(network))
	res, err := client.Query(ctx, map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	})
	if err != nil {
		return 0, err
	}
	chainNonce := gjson.GetBytes(res, "nonce").Uint()
	nonce := chainNonce
	if cached > nonce {
		nonce = cached
	}
	return nonce + 1, nil
}

func (s *Signer) rememberNonce(ctx context.Context, network wallet.Network, accountID, publicKey string, nonce uint64) {
	key := s.nonceKey(network, accountID, publicKey)
	if err := s.opts.Storage.Set(ctx, key, fmt.Sprintf("%d", nonce)); err != nil {
		log.Debugf("tx signer - cache nonce: %v", err)
	}
}

// SignAndSend signs every transaction with the session key and submits them
// in order. Each send waits only for block inclusion; the execution outcome
// is then fetched at the optimistic level so callers see receipts without
// paying for finality.
func (s *Signer) SignAndSend(ctx context.Context, network wallet.Network, signerID string, txs []wallet.Transaction) ([]interface{}, error) {
	key, err := s.opts.Session.Key(ctx, network, signerID)
	if err != nil {
		return nil, err
	}
	if key.PrivateKey == "" {
		return nil, errors.Transportf("ACCOUNT_KEY_NOT_FOUND", "no private key stored for account %v", signerID)
	}

	blockHash, err := s.blockHash(ctx, network)
	if err != nil {
		return nil, err
	}
	nonce, err := s.nextNonce(ctx, network, signerID, key.PublicKey)
	if err != nil {
		return nil, err
	}

	client := s.opts.RpcFactory.ForNetwork(string(network))
	outcomes := make([]interface{}, 0, len(txs))
	for i, tx := range txs {
		plain := wallet.PlainTransaction{
			SignerID:   signerID,
			PublicKey:  key.PublicKey,
			Nonce:      nonce + uint64(i),
			ReceiverID: tx.ReceiverID,
			BlockHash:  blockHash,
			Actions:    tx.Actions,
		}
		unsigned, err := s.serializer.SerializeTransaction(plain)
		if err != nil {
			return outcomes, err
		}
		hash := wallet.Sha256(unsigned)
		sigB58, err := wallet.SignHash(hash, key.PrivateKey)
		if err != nil {
			return outcomes, err
		}
		sig, err := base58.Decode(sigB58)
		if err != nil {
			return outcomes, errors.Wrap(err, "decode transaction signature")
		}
		signed, err := s.serializer.SerializeSignedTransaction(plain, sig)
		if err != nil {
			return outcomes, err
		}

		txHash := base58.Encode(hash)
		if _, err := client.SendTx(ctx, base64.StdEncoding.EncodeToString(signed), "INCLUDED"); err != nil {
			return outcomes, err
		}
		s.rememberNonce(ctx, network, signerID, key.PublicKey, plain.Nonce)

		outcome, err := client.TxStatus(ctx, txHash, signerID, "EXECUTED_OPTIMISTIC")
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, json.RawMessage(outcome))

		if s.opts.TxEvents != nil {
			s.opts.TxEvents.Publish(pubsub.TxEvent{
				Network:    string(network),
				AccountID:  signerID,
				TxHash:     txHash,
				ReceiverID: tx.ReceiverID,
				Succeeded:  true,
			})
		}
		log.Debugf("tx signer - sent %v to %v with nonce %v", txHash, tx.ReceiverID, plain.Nonce)
	}
	return outcomes, nil
}
