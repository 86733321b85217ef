package execute

import (
	"math/big"
	"strings"

	"github.com/teranos/chainpulse/errors"
)

// Operator compares an observed value with a threshold
type Operator string

const (
	OpGreater      Operator = "gt"
	OpLess         Operator = "lt"
	OpEqual        Operator = "eq"
	OpGreaterEqual Operator = "gte"
	OpLessEqual    Operator = "lte"
)

// Valid reports whether o is a known operator
func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpLess, OpEqual, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

// ConditionResult is the evaluated condition of a CheckAndExecute
type ConditionResult struct {
	Met           bool   `json:"met"`
	ObservedValue string `json:"observedValue"`
}

// Evaluate compares observed against want. Numeric strings compare exactly as
// decimals; other values support eq only, case-insensitively so that
// checksummed and lowercase addresses match.
func Evaluate(op Operator, observed any, want string) (ConditionResult, error) {
	text, err := observedText(observed)
	if err != nil {
		return ConditionResult{}, err
	}
	result := ConditionResult{ObservedValue: text}

	left, lok := new(big.Rat).SetString(text)
	right, rok := new(big.Rat).SetString(strings.TrimSpace(want))
	if lok && rok {
		cmp := left.Cmp(right)
		switch op {
		case OpGreater:
			result.Met = cmp > 0
		case OpLess:
			result.Met = cmp < 0
		case OpEqual:
			result.Met = cmp == 0
		case OpGreaterEqual:
			result.Met = cmp >= 0
		case OpLessEqual:
			result.Met = cmp <= 0
		default:
			return result, errors.Newf("unknown operator %q", op)
		}
		return result, nil
	}

	if op != OpEqual {
		return result, errors.Newf("operator %s needs numeric values, observed %q and expected %q", op, text, want)
	}
	result.Met = strings.EqualFold(text, strings.TrimSpace(want))
	return result, nil
}

func observedText(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	case map[string]any:
		// a single named output shapes as {name: value}
		if len(t) == 1 {
			for _, inner := range t {
				return observedText(inner)
			}
		}
	case nil:
		return "", errors.New("condition function returned no value")
	}
	return "", errors.Newf("condition function must return a single value, got %T", v)
}
