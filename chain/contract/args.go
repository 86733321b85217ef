package contract

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/teranos/chainpulse/errors"
)

// CoerceArgs converts decoded JSON values into the Go types go-ethereum's ABI
// encoder expects for m's inputs. field prefixes the reported error field.
func CoerceArgs(m abi.Method, values []any, field string) ([]any, error) {
	if len(values) != len(m.Inputs) {
		return nil, errors.NewValidationError(field, "%s expects %d arguments, got %d",
			m.RawName, len(m.Inputs), len(values))
	}
	out := make([]any, len(values))
	for i, input := range m.Inputs {
		v, err := coerce(input.Type, values[i], fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		out[i] = v.Interface()
	}
	return out, nil
}

// DecodeArgs decodes a JSON array keeping numbers exact.
func DecodeArgs(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []any{}, nil
	}
	var values []any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	return values, nil
}

var bigIntType = reflect.TypeOf(&big.Int{})

func coerce(t abi.Type, v any, field string) (reflect.Value, error) {
	rt := t.GetType()
	invalid := func(format string, args ...any) (reflect.Value, error) {
		return reflect.Value{}, errors.NewValidationError(field, "%s: "+format, append([]any{field}, args...)...)
	}

	switch t.T {
	case abi.IntTy, abi.UintTy:
		n, err := toBigInt(v)
		if err != nil {
			return invalid("expected %s: %v", t.String(), err)
		}
		if !fitsInteger(n, t) {
			return invalid("%s out of range for %s", n.String(), t.String())
		}
		if rt == bigIntType {
			return reflect.ValueOf(n), nil
		}
		out := reflect.New(rt).Elem()
		if t.T == abi.UintTy {
			out.SetUint(n.Uint64())
		} else {
			out.SetInt(n.Int64())
		}
		return out, nil

	case abi.BoolTy:
		b, ok := v.(bool)
		if !ok {
			return invalid("expected bool")
		}
		return reflect.ValueOf(b), nil

	case abi.StringTy:
		s, ok := v.(string)
		if !ok {
			return invalid("expected string")
		}
		return reflect.ValueOf(s), nil

	case abi.AddressTy:
		s, ok := v.(string)
		if !ok || !ValidAddress(s) {
			return invalid("expected a valid address")
		}
		return reflect.ValueOf(common.HexToAddress(s)), nil

	case abi.HashTy:
		s, ok := v.(string)
		if !ok {
			return invalid("expected 32-byte hex")
		}
		b, err := hexutil.Decode(s)
		if err != nil || len(b) != common.HashLength {
			return invalid("expected 32-byte hex")
		}
		return reflect.ValueOf(common.BytesToHash(b)), nil

	case abi.BytesTy:
		s, ok := v.(string)
		if !ok {
			return invalid("expected hex bytes")
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return invalid("expected hex bytes: %v", err)
		}
		return reflect.ValueOf(b), nil

	case abi.FixedBytesTy:
		s, ok := v.(string)
		if !ok {
			return invalid("expected bytes%d hex", t.Size)
		}
		b, err := hexutil.Decode(s)
		if err != nil || len(b) != t.Size {
			return invalid("expected bytes%d hex", t.Size)
		}
		out := reflect.New(rt).Elem()
		reflect.Copy(out, reflect.ValueOf(b))
		return out, nil

	case abi.SliceTy, abi.ArrayTy:
		items, ok := v.([]any)
		if !ok {
			return invalid("expected array")
		}
		var out reflect.Value
		if t.T == abi.ArrayTy {
			if len(items) != t.Size {
				return invalid("expected %d elements, got %d", t.Size, len(items))
			}
			out = reflect.New(rt).Elem()
		} else {
			out = reflect.MakeSlice(rt, len(items), len(items))
		}
		for i, item := range items {
			ev, err := coerce(*t.Elem, item, fmt.Sprintf("%s[%d]", field, i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil

	case abi.TupleTy:
		out := reflect.New(rt).Elem()
		switch tv := v.(type) {
		case map[string]any:
			for i, elem := range t.TupleElems {
				name := t.TupleRawNames[i]
				item, ok := tv[name]
				if !ok {
					return invalid("missing tuple field %s", name)
				}
				ev, err := coerce(*elem, item, field+"."+name)
				if err != nil {
					return reflect.Value{}, err
				}
				out.Field(i).Set(ev)
			}
		case []any:
			if len(tv) != len(t.TupleElems) {
				return invalid("expected %d tuple elements, got %d", len(t.TupleElems), len(tv))
			}
			for i, elem := range t.TupleElems {
				ev, err := coerce(*elem, tv[i], fmt.Sprintf("%s[%d]", field, i))
				if err != nil {
					return reflect.Value{}, err
				}
				out.Field(i).Set(ev)
			}
		default:
			return invalid("expected object or array for tuple")
		}
		return out, nil

	default:
		return invalid("unsupported abi type %s", t.String())
	}
}

// toBigInt accepts JSON numbers, decimal strings and 0x-prefixed hex strings.
func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case json.Number:
		return parseInteger(n.String())
	case string:
		return parseInteger(strings.TrimSpace(n))
	case float64:
		f := new(big.Float).SetFloat64(n)
		i, acc := f.Int(nil)
		if acc != big.Exact {
			return nil, errors.Newf("%v is not an integer", n)
		}
		return i, nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case *big.Int:
		return new(big.Int).Set(n), nil
	default:
		return nil, errors.Newf("unsupported value %T", v)
	}
}

func parseInteger(s string) (*big.Int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if n, ok := new(big.Int).SetString(s[2:], 16); ok {
			return n, nil
		}
		return nil, errors.Newf("%q is not a hex integer", s)
	}
	if n, ok := new(big.Int).SetString(s, 10); ok {
		return n, nil
	}
	return nil, errors.Newf("%q is not an integer", s)
}

func fitsInteger(n *big.Int, t abi.Type) bool {
	if t.T == abi.UintTy {
		return n.Sign() >= 0 && n.BitLen() <= t.Size
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
	lower := new(big.Int).Neg(limit)
	return n.Cmp(lower) >= 0 && n.Cmp(limit) < 0
}
