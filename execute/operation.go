// Package execute runs admitted operations against a chain and records their
// lifecycle in the ledger.
package execute

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/ledger"
)

// Operation is one of Transfer, ContractCall, CheckAndExecute or Swap.
// The set is closed: only this package can add members.
type Operation interface {
	Type() ledger.OperationType
	NetworkName() string
	// SpendAmount is the native or token amount checked against spending caps
	SpendAmount() float64
	operation()
}

// Transfer moves native currency, or an ERC-20 token when TokenAddress is set.
type Transfer struct {
	Network      string `json:"network"`
	To           string `json:"to"`
	Amount       string `json:"amount"`
	TokenAddress string `json:"tokenAddress,omitempty"`
}

// ContractCall invokes one contract function. View and pure functions are
// reads; anything else sends a transaction.
type ContractCall struct {
	Network         string          `json:"network"`
	ContractAddress string          `json:"contractAddress"`
	ABI             json.RawMessage `json:"abi"`
	FunctionName    string          `json:"functionName"`
	Args            json.RawMessage `json:"args,omitempty"`
	Value           string          `json:"value,omitempty"`
}

// Condition compares an observed on-chain value against Value
type Condition struct {
	ContractAddress string          `json:"contractAddress"`
	ABI             json.RawMessage `json:"abi"`
	FunctionName    string          `json:"functionName"`
	Args            json.RawMessage `json:"args,omitempty"`
	Operator        string          `json:"operator"`
	Value           string          `json:"value"`
}

// Action is the write a CheckAndExecute runs when its condition holds
type Action struct {
	ContractAddress string          `json:"contractAddress"`
	ABI             json.RawMessage `json:"abi"`
	FunctionName    string          `json:"functionName"`
	Args            json.RawMessage `json:"args,omitempty"`
	Value           string          `json:"value,omitempty"`
}

// CheckAndExecute reads a value, and runs Action only if Condition is met.
type CheckAndExecute struct {
	Network   string    `json:"network"`
	Condition Condition `json:"condition"`
	Action    Action    `json:"action"`
}

// Swap is accepted by the API but not implemented.
type Swap struct {
	Network string `json:"network,omitempty"`
}

func (*Transfer) Type() ledger.OperationType        { return ledger.OpTransfer }
func (*ContractCall) Type() ledger.OperationType    { return ledger.OpContractCallWrite }
func (*CheckAndExecute) Type() ledger.OperationType { return ledger.OpCheckAndExecute }
func (*Swap) Type() ledger.OperationType            { return ledger.OpSwap }

func (o *Transfer) NetworkName() string        { return o.Network }
func (o *ContractCall) NetworkName() string    { return o.Network }
func (o *CheckAndExecute) NetworkName() string { return o.Network }
func (o *Swap) NetworkName() string            { return o.Network }

func (o *Transfer) SpendAmount() float64        { return decimalFloat(o.Amount) }
func (o *ContractCall) SpendAmount() float64    { return decimalFloat(o.Value) }
func (o *CheckAndExecute) SpendAmount() float64 { return decimalFloat(o.Action.Value) }
func (o *Swap) SpendAmount() float64            { return 0 }

func (*Transfer) operation()        {}
func (*ContractCall) operation()    {}
func (*CheckAndExecute) operation() {}
func (*Swap) operation()            {}

// Kind names an execution endpoint
type Kind string

const (
	KindTransfer        Kind = "transfer"
	KindContractCall    Kind = "contract-call"
	KindCheckAndExecute Kind = "check-and-execute"
	KindSwap            Kind = "swap"
)

// Decode parses and validates a request body for kind. Failures are
// ValidationErrors naming the offending field.
func Decode(kind Kind, body []byte) (Operation, error) {
	var op Operation
	switch kind {
	case KindTransfer:
		op = &Transfer{}
	case KindContractCall:
		op = &ContractCall{}
	case KindCheckAndExecute:
		op = &CheckAndExecute{}
	case KindSwap:
		return &Swap{}, nil
	default:
		return nil, errors.Newf("unknown operation kind %q", kind)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.NewValidationError("body", "request body is required")
	}
	if err := json.Unmarshal(body, op); err != nil {
		return nil, errors.NewValidationError("body", "invalid JSON body: %v", err)
	}
	if err := validate(op); err != nil {
		return nil, err
	}
	return op, nil
}

// DecodeStored parses an operation persisted with a workflow or execution.
func DecodeStored(t ledger.OperationType, body []byte) (Operation, error) {
	switch t {
	case ledger.OpTransfer:
		return Decode(KindTransfer, body)
	case ledger.OpContractCallRead, ledger.OpContractCallWrite:
		return Decode(KindContractCall, body)
	case ledger.OpCheckAndExecute:
		return Decode(KindCheckAndExecute, body)
	case ledger.OpSwap:
		return Decode(KindSwap, body)
	}
	return nil, errors.Newf("unknown operation type %q", t)
}

func validate(op Operation) error {
	switch o := op.(type) {
	case *Transfer:
		if err := required("network", o.Network); err != nil {
			return err
		}
		if err := required("to", o.To); err != nil {
			return err
		}
		if err := required("amount", o.Amount); err != nil {
			return err
		}
		if _, err := parseDecimal("amount", o.Amount); err != nil {
			return err
		}
	case *ContractCall:
		if err := required("network", o.Network); err != nil {
			return err
		}
		if err := required("contractAddress", o.ContractAddress); err != nil {
			return err
		}
		if len(o.ABI) == 0 {
			return errors.NewValidationError("abi", "abi is required")
		}
		if err := required("functionName", o.FunctionName); err != nil {
			return err
		}
	case *CheckAndExecute:
		if err := required("network", o.Network); err != nil {
			return err
		}
		c := o.Condition
		for _, f := range []struct{ name, value string }{
			{"condition.contractAddress", c.ContractAddress},
			{"condition.functionName", c.FunctionName},
			{"condition.operator", c.Operator},
			{"condition.value", c.Value},
		} {
			if err := required(f.name, f.value); err != nil {
				return err
			}
		}
		if len(c.ABI) == 0 {
			return errors.NewValidationError("condition.abi", "condition.abi is required")
		}
		if !Operator(c.Operator).Valid() {
			return errors.NewValidationError("condition.operator",
				"condition.operator must be one of gt, lt, eq, gte, lte")
		}
		a := o.Action
		if err := required("action.contractAddress", a.ContractAddress); err != nil {
			return err
		}
		if len(a.ABI) == 0 {
			return errors.NewValidationError("action.abi", "action.abi is required")
		}
		if err := required("action.functionName", a.FunctionName); err != nil {
			return err
		}
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.NewValidationError(field, "%s is required", field)
	}
	return nil
}

// parseDecimal accepts a positive decimal string such as "1.5".
func parseDecimal(field, s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok || r.Sign() <= 0 {
		return nil, errors.NewValidationError(field, "%s must be a positive decimal number", field)
	}
	return r, nil
}

// ParseUnits scales a decimal amount to integer base units. Amounts finer than
// the token's precision are rejected rather than rounded.
func ParseUnits(field, amount string, decimals uint8) (*big.Int, error) {
	r, err := parseDecimal(field, amount)
	if err != nil {
		return nil, err
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	if !r.IsInt() {
		return nil, errors.NewValidationError(field, "%s has more than %d decimal places", field, decimals)
	}
	return new(big.Int).Set(r.Num()), nil
}

// parseValue is ParseUnits for an optional native value.
func parseValue(field, value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return new(big.Int), nil
	}
	return ParseUnits(field, value, nativeDecimals)
}

func decimalFloat(s string) float64 {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok || r.Sign() <= 0 {
		return 0
	}
	f, _ := r.Float64()
	return f
}
