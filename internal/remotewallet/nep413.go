package remotewallet

import (
	"context"
	"encoding/base64"

	"github.com/near/borsh-go"
	"github.com/tidwall/gjson"
	"fastnear.io/wallet-adapter/internal/rpc"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
)

// nep413Tag prefixes off-chain message payloads so a signed message can
// never collide with a transaction hash (2^31 + 413).
const nep413Tag uint32 = 2147484061

// nep413Payload is the borsh wire shape a wallet signs for off-chain
// messages.
type nep413Payload struct {
	Tag         uint32
	Message     string
	Nonce       [32]uint8
	Recipient   string
	CallbackURL *string
}

// hashNEP413 serializes the payload and returns the sha256 digest wallets
// actually sign.
func hashNEP413(message string, nonce []byte, recipient, callbackURL string) ([]byte, error) {
	if len(nonce) != 32 {
		return nil, errors.Transportf("INVALID_NONCE", "nonce must be exactly 32 bytes, got %v", len(nonce))
	}
	payload := nep413Payload{
		Tag:       nep413Tag,
		Message:   message,
		Recipient: recipient,
	}
	copy(payload.Nonce[:], nonce)
	if callbackURL != "" {
		payload.CallbackURL = &callbackURL
	}
	serialized, err := borsh.Serialize(payload)
	if err != nil {
		return nil, errors.Wrap(err, "serialize message payload")
	}
	return wallet.Sha256(serialized), nil
}

// verifySignedMessage checks the signature against the claimed key and then
// confirms on chain that the key is a full-access key of the account. A
// limited key signing arbitrary messages would let any dapp impersonate the
// account.
func verifySignedMessage(ctx context.Context, client *rpc.Client, params wallet.SignMessageParams, signed *wallet.SignedMessage) error {
	if signed.Signature == "" {
		return errors.Transport("NO_SIGNATURE", "wallet returned no signature")
	}
	hash, err := hashNEP413(params.Message, params.Nonce, params.Recipient, params.CallbackURL)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signed.Signature)
	if err != nil {
		return errors.TransportWithCause("INVALID_SIGNATURE", "signature is not valid base64", err)
	}
	if !wallet.VerifySignature(signed.PublicKey, hash, sig) {
		return errors.Transport("INVALID_SIGNATURE", "signature does not verify against the returned key")
	}

	res, err := client.Query(ctx, map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   signed.AccountID,
		"public_key":   signed.PublicKey,
	})
	if err != nil {
		return errors.TransportWithCause("INVALID_ACCESS_KEY", "signing key not found on account", err)
	}
	if gjson.GetBytes(res, "permission").String() != "FullAccess" {
		return errors.Transport("INVALID_ACCESS_KEY", "message was signed with a limited access key")
	}
	return nil
}
