package wallet

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"fastnear.io/wallet-adapter/pkg/errors"
)

const (
	DefaultFunctionCallGas = "30000000000000"
)

// Action is the connector-neutral description of one transaction action, in
// the flat shape the wallet surfaces expect on the wire. Fields are populated
// per Type; everything else stays at its zero value.
type Action struct {
	Type string `json:"type"`

	// FunctionCall
	MethodName string          `json:"methodName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	ArgsBase64 string          `json:"argsBase64,omitempty"`
	Gas        string          `json:"gas,omitempty"`
	Deposit    string          `json:"deposit,omitempty"`

	// Stake
	Stake string `json:"stake,omitempty"`

	// AddKey / DeleteKey / Stake
	PublicKey string     `json:"publicKey,omitempty"`
	AccessKey *AccessKey `json:"accessKey,omitempty"`

	// DeleteAccount
	BeneficiaryID string `json:"beneficiaryId,omitempty"`

	// DeployContract
	CodeBase64 string `json:"codeBase64,omitempty"`
}

type AccessKey struct {
	Nonce      uint64     `json:"nonce"`
	Permission Permission `json:"permission"`
}

// Permission is either full access or a function-call grant scoped to one
// contract with a method allow-list and optional spending allowance.
type Permission struct {
	FullAccess  bool     `json:"-"`
	ReceiverID  string   `json:"receiverId,omitempty"`
	MethodNames []string `json:"methodNames,omitempty"`
	Allowance   string   `json:"allowance,omitempty"`
}

func (p Permission) MarshalJSON() ([]byte, error) {
	if p.FullAccess {
		return json.Marshal("FullAccess")
	}
	type alias struct {
		ReceiverID  string   `json:"receiverId"`
		MethodNames []string `json:"methodNames"`
		Allowance   string   `json:"allowance,omitempty"`
	}
	return json.Marshal(alias{ReceiverID: p.ReceiverID, MethodNames: p.MethodNames, Allowance: p.Allowance})
}

func (p *Permission) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "FullAccess" {
			return errors.Transportf("INVALID_ACTION", "unknown permission string: %v", s)
		}
		p.FullAccess = true
		return nil
	}
	type alias struct {
		ReceiverID  string   `json:"receiverId"`
		MethodNames []string `json:"methodNames"`
		Allowance   string   `json:"allowance"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return errors.TransportWithCause("INVALID_ACTION", "malformed access key permission", err)
	}
	p.ReceiverID = a.ReceiverID
	p.MethodNames = a.MethodNames
	p.Allowance = a.Allowance
	return nil
}

func FullAccessPermission() Permission { return Permission{FullAccess: true} }

// Action constructors mirroring the shapes the wallet surfaces accept.

func FunctionCall(methodName string, args json.RawMessage, gas, deposit string) Action {
	if gas == "" {
		gas = DefaultFunctionCallGas
	}
	if deposit == "" {
		deposit = "0"
	}
	return Action{Type: "FunctionCall", MethodName: methodName, Args: args, Gas: gas, Deposit: deposit}
}

func Transfer(yoctoAmount string) Action {
	return Action{Type: "Transfer", Deposit: yoctoAmount}
}

func AddFullAccessKey(publicKey string) Action {
	return Action{Type: "AddKey", PublicKey: publicKey, AccessKey: &AccessKey{Permission: FullAccessPermission()}}
}

func AddLimitedAccessKey(publicKey, contractID string, methodNames []string, allowance string) Action {
	return Action{Type: "AddKey", PublicKey: publicKey, AccessKey: &AccessKey{
		Permission: Permission{ReceiverID: contractID, MethodNames: methodNames, Allowance: allowance},
	}}
}

func DeleteKey(publicKey string) Action {
	return Action{Type: "DeleteKey", PublicKey: publicKey}
}

// ParseActions decodes an inbound action list that may be in either the flat
// shape or the params-wrapped connector shape, validating every element
// against the closed set of known kinds. Anything unrecognized is rejected
// instead of being passed through optimistically.
func ParseActions(raw []byte) ([]Action, error) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsArray() {
		return nil, errors.Transport("INVALID_ACTION", "actions payload is not an array")
	}
	var actions []Action
	var parseErr error
	parsed.ForEach(func(_, item gjson.Result) bool {
		action, err := parseAction(item)
		if err != nil {
			parseErr = err
			return false
		}
		actions = append(actions, action)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return actions, nil
}

func parseAction(item gjson.Result) (Action, error) {
	kind := item.Get("type").String()
	if kind == "" {
		return Action{}, errors.Transport("INVALID_ACTION", "action is missing type")
	}
	// Connector format wraps the fields in params; flat format has them inline.
	fields := item
	if params := item.Get("params"); params.Exists() {
		fields = params
	}

	switch kind {
	case "FunctionCall":
		var args json.RawMessage
		if a := fields.Get("args"); a.Exists() {
			args = json.RawMessage(a.Raw)
		}
		action := FunctionCall(fields.Get("methodName").String(), args,
			fields.Get("gas").String(), fields.Get("deposit").String())
		action.ArgsBase64 = fields.Get("argsBase64").String()
		return action, nil
	case "Transfer":
		return Transfer(fields.Get("deposit").String()), nil
	case "Stake":
		return Action{Type: "Stake", Stake: fields.Get("stake").String(), PublicKey: fields.Get("publicKey").String()}, nil
	case "AddKey":
		accessKey, err := parseAccessKey(fields)
		if err != nil {
			return Action{}, err
		}
		return Action{Type: "AddKey", PublicKey: fields.Get("publicKey").String(), AccessKey: accessKey}, nil
	case "DeleteKey":
		return DeleteKey(fields.Get("publicKey").String()), nil
	case "CreateAccount":
		return Action{Type: "CreateAccount"}, nil
	case "DeleteAccount":
		return Action{Type: "DeleteAccount", BeneficiaryID: fields.Get("beneficiaryId").String()}, nil
	case "DeployContract":
		code := fields.Get("codeBase64").String()
		if code == "" {
			code = fields.Get("code").String()
		}
		return Action{Type: "DeployContract", CodeBase64: code}, nil
	default:
		return Action{}, errors.Transportf("INVALID_ACTION", "unsupported action type: %v", kind)
	}
}

func parseAccessKey(fields gjson.Result) (*AccessKey, error) {
	ak := fields.Get("accessKey")
	if !ak.Exists() {
		return nil, errors.Transport("INVALID_ACTION", "AddKey action is missing accessKey")
	}
	permission := ak.Get("permission")
	out := &AccessKey{Nonce: ak.Get("nonce").Uint()}
	if permission.Type == gjson.String {
		if permission.String() != "FullAccess" {
			return nil, errors.Transportf("INVALID_ACTION", "unknown permission string: %v", permission.String())
		}
		out.Permission = FullAccessPermission()
		return out, nil
	}
	var methods []string
	permission.Get("methodNames").ForEach(func(_, m gjson.Result) bool {
		methods = append(methods, m.String())
		return true
	})
	out.Permission = Permission{
		ReceiverID:  permission.Get("receiverId").String(),
		MethodNames: methods,
		Allowance:   permission.Get("allowance").String(),
	}
	return out, nil
}
