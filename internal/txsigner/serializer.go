package txsigner

import (
	"encoding/base64"
	"math/big"

	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"
	"fastnear.io/wallet-adapter/internal/wallet"
	"fastnear.io/wallet-adapter/pkg/errors"
)

// Borsh wire shapes for NEAR transactions. Variant order inside the enums is
// part of the protocol and must not be reordered.

type borshPublicKey struct {
	KeyType uint8
	Data    [32]uint8
}

type borshSignature struct {
	KeyType uint8
	Data    [64]uint8
}

type borshFunctionCallPermission struct {
	Allowance   *big.Int
	ReceiverID  string
	MethodNames []string
}

type borshFullAccessPermission struct{}

type borshPermission struct {
	Enum         borsh.Enum `borsh_enum:"true"`
	FunctionCall borshFunctionCallPermission
	FullAccess   borshFullAccessPermission
}

type borshAccessKey struct {
	Nonce      uint64
	Permission borshPermission
}

type borshCreateAccount struct{}

type borshDeployContract struct {
	Code []byte
}

type borshFunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    big.Int
}

type borshTransfer struct {
	Deposit big.Int
}

type borshStake struct {
	Stake     big.Int
	PublicKey borshPublicKey
}

type borshAddKey struct {
	PublicKey borshPublicKey
	AccessKey borshAccessKey
}

type borshDeleteKey struct {
	PublicKey borshPublicKey
}

type borshDeleteAccount struct {
	BeneficiaryID string
}

type borshAction struct {
	Enum           borsh.Enum `borsh_enum:"true"`
	CreateAccount  borshCreateAccount
	DeployContract borshDeployContract
	FunctionCall   borshFunctionCall
	Transfer       borshTransfer
	Stake          borshStake
	AddKey         borshAddKey
	DeleteKey      borshDeleteKey
	DeleteAccount  borshDeleteAccount
}

type borshTransaction struct {
	SignerID   string
	PublicKey  borshPublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]uint8
	Actions    []borshAction
}

type borshSignedTransaction struct {
	Transaction borshTransaction
	Signature   borshSignature
}

// Serializer encodes transactions in NEAR's borsh wire format. It satisfies
// wallet.TransactionSerializer and is the default serializer everywhere one
// is injected.
type Serializer struct{}

func NewSerializer() Serializer { return Serializer{} }

func (Serializer) SerializeTransaction(tx wallet.PlainTransaction) ([]byte, error) {
	encoded, err := encodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	raw, err := borsh.Serialize(*encoded)
	if err != nil {
		return nil, errors.Wrap(err, "borsh serialize transaction")
	}
	return raw, nil
}

func (Serializer) SerializeSignedTransaction(tx wallet.PlainTransaction, signature []byte) ([]byte, error) {
	if len(signature) != 64 {
		return nil, errors.Transportf("INVALID_SIGNATURE_FORMAT", "ed25519 signature must be 64 bytes, got %v", len(signature))
	}
	encoded, err := encodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	signed := borshSignedTransaction{Transaction: *encoded}
	copy(signed.Signature.Data[:], signature)
	raw, err := borsh.Serialize(signed)
	if err != nil {
		return nil, errors.Wrap(err, "borsh serialize signed transaction")
	}
	return raw, nil
}

func encodeTransaction(tx wallet.PlainTransaction) (*borshTransaction, error) {
	publicKey, err := encodePublicKey(tx.PublicKey)
	if err != nil {
		return nil, err
	}
	blockHash, err := base58.Decode(tx.BlockHash)
	if err != nil || len(blockHash) != 32 {
		return nil, errors.Transportf("INVALID_BLOCK_HASH", "block hash is not a 32-byte base58 string: %v", tx.BlockHash)
	}

	encoded := &borshTransaction{
		SignerID:   tx.SignerID,
		PublicKey:  publicKey,
		Nonce:      tx.Nonce,
		ReceiverID: tx.ReceiverID,
	}
	copy(encoded.BlockHash[:], blockHash)

	for _, action := range tx.Actions {
		ba, err := encodeAction(action)
		if err != nil {
			return nil, err
		}
		encoded.Actions = append(encoded.Actions, *ba)
	}
	return encoded, nil
}

func encodePublicKey(key string) (borshPublicKey, error) {
	raw, err := wallet.KeyFromString(key)
	if err != nil {
		return borshPublicKey{}, err
	}
	pk := borshPublicKey{KeyType: 0}
	copy(pk.Data[:], raw)
	return pk, nil
}

func encodeAmount(amount, field string) (big.Int, error) {
	if amount == "" {
		return big.Int{}, nil
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() < 0 {
		return big.Int{}, errors.Transportf("INVALID_ACTION", "%v is not a decimal yocto amount: %v", field, amount)
	}
	return *value, nil
}

func encodeGas(gas string) (uint64, error) {
	if gas == "" {
		gas = wallet.DefaultFunctionCallGas
	}
	value, ok := new(big.Int).SetString(gas, 10)
	if !ok || !value.IsUint64() {
		return 0, errors.Transportf("INVALID_ACTION", "gas is not a u64 amount: %v", gas)
	}
	return value.Uint64(), nil
}

func encodeAction(action wallet.Action) (*borshAction, error) {
	switch action.Type {
	case "CreateAccount":
		return &borshAction{Enum: 0}, nil
	case "DeployContract":
		code, err := base64.StdEncoding.DecodeString(action.CodeBase64)
		if err != nil {
			return nil, errors.TransportWithCause("INVALID_ACTION", "contract code is not valid base64", err)
		}
		return &borshAction{Enum: 1, DeployContract: borshDeployContract{Code: code}}, nil
	case "FunctionCall":
		args := []byte(action.Args)
		if action.ArgsBase64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(action.ArgsBase64)
			if err != nil {
				return nil, errors.TransportWithCause("INVALID_ACTION", "function call args are not valid base64", err)
			}
			args = decoded
		}
		gas, err := encodeGas(action.Gas)
		if err != nil {
			return nil, err
		}
		deposit, err := encodeAmount(action.Deposit, "deposit")
		if err != nil {
			return nil, err
		}
		return &borshAction{Enum: 2, FunctionCall: borshFunctionCall{
			MethodName: action.MethodName,
			Args:       args,
			Gas:        gas,
			Deposit:    deposit,
		}}, nil
	case "Transfer":
		deposit, err := encodeAmount(action.Deposit, "deposit")
		if err != nil {
			return nil, err
		}
		return &borshAction{Enum: 3, Transfer: borshTransfer{Deposit: deposit}}, nil
	case "Stake":
		stake, err := encodeAmount(action.Stake, "stake")
		if err != nil {
			return nil, err
		}
		publicKey, err := encodePublicKey(action.PublicKey)
		if err != nil {
			return nil, err
		}
		return &borshAction{Enum: 4, Stake: borshStake{Stake: stake, PublicKey: publicKey}}, nil
	case "AddKey":
		if action.AccessKey == nil {
			return nil, errors.Transport("INVALID_ACTION", "AddKey action is missing accessKey")
		}
		publicKey, err := encodePublicKey(action.PublicKey)
		if err != nil {
			return nil, err
		}
		accessKey := borshAccessKey{Nonce: action.AccessKey.Nonce}
		if action.AccessKey.Permission.FullAccess {
			accessKey.Permission = borshPermission{Enum: 1}
		} else {
			perm := borshFunctionCallPermission{
				ReceiverID:  action.AccessKey.Permission.ReceiverID,
				MethodNames: action.AccessKey.Permission.MethodNames,
			}
			if allowance := action.AccessKey.Permission.Allowance; allowance != "" {
				value, err := encodeAmount(allowance, "allowance")
				if err != nil {
					return nil, err
				}
				perm.Allowance = &value
			}
			accessKey.Permission = borshPermission{Enum: 0, FunctionCall: perm}
		}
		return &borshAction{Enum: 5, AddKey: borshAddKey{PublicKey: publicKey, AccessKey: accessKey}}, nil
	case "DeleteKey":
		publicKey, err := encodePublicKey(action.PublicKey)
		if err != nil {
			return nil, err
		}
		return &borshAction{Enum: 6, DeleteKey: borshDeleteKey{PublicKey: publicKey}}, nil
	case "DeleteAccount":
		return &borshAction{Enum: 7, DeleteAccount: borshDeleteAccount{BeneficiaryID: action.BeneficiaryID}}, nil
	default:
		return nil, errors.Transportf("INVALID_ACTION", "unsupported action type: %v", action.Type)
	}
}
