// Package contract resolves ABI methods and converts between JSON request
// values and ABI-encoded call data.
package contract

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/teranos/chainpulse/errors"
)

// ParseABI accepts a full ABI array, a single fragment object, or either of
// those JSON-encoded as a string.
func ParseABI(raw json.RawMessage) (abi.ABI, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return abi.ABI{}, errors.New("abi is empty")
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return abi.ABI{}, errors.Wrap(err, "abi string")
		}
		return ParseABI(json.RawMessage(inner))
	}
	if trimmed[0] == '{' {
		trimmed = append(append([]byte("["), trimmed...), ']')
	}

	parsed, err := abi.JSON(bytes.NewReader(trimmed))
	if err != nil {
		return abi.ABI{}, errors.Wrap(err, "invalid abi")
	}
	return parsed, nil
}

// FindMethod looks a function up by name or by canonical signature
// ("transfer(address,uint256)"). Overloaded names must use the signature.
func FindMethod(a abi.ABI, name string) (abi.Method, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return abi.Method{}, errors.New("function name is empty")
	}

	if strings.Contains(name, "(") {
		sig := strings.ReplaceAll(name, " ", "")
		for _, m := range a.Methods {
			if m.Sig == sig {
				return m, nil
			}
		}
		return abi.Method{}, errors.Newf("function %s not found in abi", name)
	}

	var matches []abi.Method
	for _, m := range a.Methods {
		if m.RawName == name {
			matches = append(matches, m)
		}
	}
	switch len(matches) {
	case 0:
		return abi.Method{}, errors.Newf("function %s not found in abi", name)
	case 1:
		return matches[0], nil
	default:
		return abi.Method{}, errors.Newf("function %s is overloaded, use its full signature", name)
	}
}

// IsReadOnly reports whether calling m cannot change state (view or pure).
func IsReadOnly(m abi.Method) bool {
	return m.IsConstant()
}

// Pack encodes a call to m with already coerced arguments.
func Pack(m abi.Method, args []any) ([]byte, error) {
	data, err := m.Inputs.Pack(args...)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s arguments", m.RawName)
	}
	out := make([]byte, 0, len(m.ID)+len(data))
	out = append(out, m.ID...)
	return append(out, data...), nil
}
