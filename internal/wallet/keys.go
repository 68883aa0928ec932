package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"strings"

	"github.com/mr-tron/base58"
	"fastnear.io/wallet-adapter/pkg/errors"
)

const ed25519Prefix = "ed25519:"

// GeneratePrivateKey returns a fresh client-side signing key in the NEAR
// string form ed25519:<base58 of 64-byte secret||public>.
func GeneratePrivateKey() (string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", errors.Wrap(err, "generate ed25519 key")
	}
	return ed25519Prefix + base58.Encode(priv), nil
}

// PublicKeyFromPrivate derives the ed25519:<base58> public key string.
func PublicKeyFromPrivate(privateKey string) (string, error) {
	priv, err := decodeEd25519(privateKey, ed25519.PrivateKeySize)
	if err != nil {
		return "", err
	}
	pub := ed25519.PrivateKey(priv).Public().(ed25519.PublicKey)
	return ed25519Prefix + base58.Encode(pub), nil
}

// KeyFromString decodes an ed25519 public key string, with or without prefix.
func KeyFromString(key string) ([]byte, error) {
	return decodeEd25519(key, ed25519.PublicKeySize)
}

func decodeEd25519(key string, wantLen int) ([]byte, error) {
	data := key
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		if key[:idx] != "ed25519" {
			return nil, errors.Transportf("UNSUPPORTED_CURVE", "unsupported curve: %v", key[:idx])
		}
		data = key[idx+1:]
	}
	raw, err := base58.Decode(data)
	if err != nil {
		return nil, errors.TransportWithCause("INVALID_KEY", "key is not valid base58", err)
	}
	if len(raw) != wantLen {
		return nil, errors.Transportf("INVALID_KEY", "unexpected key length %v", len(raw))
	}
	return raw, nil
}

// SignHash signs a digest with a NEAR private key string and returns the
// base58 signature without a curve prefix.
func SignHash(hash []byte, privateKey string) (string, error) {
	priv, err := decodeEd25519(privateKey, ed25519.PrivateKeySize)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(ed25519.PrivateKey(priv), hash)
	return base58.Encode(sig), nil
}

// ParseSignature splits a curve-prefixed signature string. Only the two NEAR
// curves are recognized; anything else is a protocol violation.
func ParseSignature(signature string) ([]byte, error) {
	parts := strings.SplitN(signature, ":", 2)
	if len(parts) != 2 || (parts[0] != "ed25519" && parts[0] != "secp256k1") {
		return nil, errors.Transportf("INVALID_SIGNATURE_FORMAT", "invalid signature format: %v", signature)
	}
	raw, err := base58.Decode(parts[1])
	if err != nil {
		return nil, errors.TransportWithCause("INVALID_SIGNATURE_FORMAT", "signature is not valid base58", err)
	}
	return raw, nil
}

// VerifySignature checks sig over msg under an ed25519 public key string.
func VerifySignature(publicKey string, msg, sig []byte) bool {
	pub, err := KeyFromString(publicKey)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Sha256 is the digest used for every wallet auth and verification message.
func Sha256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
