package contract

import (
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/teranos/chainpulse/errors"
)

// Decode unpacks return data for m and shapes it for JSON:
// a single unnamed output is returned bare, named outputs become a
// name→value map, several unnamed outputs become a list.
func Decode(m abi.Method, data []byte) (any, error) {
	if len(m.Outputs) == 0 {
		return nil, nil
	}
	values, err := m.Outputs.UnpackValues(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s result", m.RawName)
	}
	return Shape(m.Outputs, values), nil
}

// Shape applies Decode's output rules to already unpacked values.
func Shape(outputs abi.Arguments, values []any) any {
	if len(outputs) == 1 && outputs[0].Name == "" {
		return Format(values[0])
	}

	if allUnnamed(outputs) {
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = Format(v)
		}
		return list
	}

	out := make(map[string]any, len(values))
	for i, v := range values {
		key := outputs[i].Name
		if key == "" {
			key = strconv.Itoa(i)
		}
		out[key] = Format(v)
	}
	return out
}

func allUnnamed(outputs abi.Arguments) bool {
	for _, o := range outputs {
		if o.Name != "" {
			return false
		}
	}
	return true
}

// Format converts decoded ABI values into JSON-friendly values: integers as
// decimal strings, addresses as checksummed hex, bytes as 0x hex, tuples as
// maps keyed by component name.
func Format(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case common.Address:
		return x.Hex()
	case common.Hash:
		return x.Hex()
	case []byte:
		return hexutil.Encode(x)
	case bool, string:
		return x
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return hexutil.Encode(b)
		}
		return formatList(rv)
	case reflect.Slice:
		return formatList(rv)
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			f := rv.Type().Field(i)
			name := strings.Split(f.Tag.Get("json"), ",")[0]
			if name == "" {
				name = f.Name
			}
			out[name] = Format(rv.Field(i).Interface())
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return Format(rv.Elem().Interface())
	default:
		return v
	}
}

func formatList(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = Format(rv.Index(i).Interface())
	}
	return out
}
