package ledger

import (
	"encoding/json"
	"strings"
)

// Redacted replaces sensitive values in stored inputs
const Redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"privatekey",
	"secret",
	"mnemonic",
	"seedphrase",
	"password",
	"apikey",
	"authorization",
}

// RedactInput returns a JSON-compatible copy of input with every value under
// a sensitive key replaced, at any depth.
func RedactInput(input any) (json.RawMessage, error) {
	if input == nil {
		return nil, nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(redact(generic))
}

func redact(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			if isSensitive(k) {
				x[k] = Redacted
				continue
			}
			x[k] = redact(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = redact(x[i])
		}
		return x
	default:
		return v
	}
}

func isSensitive(key string) bool {
	normalized := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(key))
	for _, s := range sensitiveKeys {
		if strings.Contains(normalized, s) {
			return true
		}
	}
	return false
}
