package contract

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/teranos/chainpulse/errors"
)

// ValidAddress accepts 20-byte hex addresses. Mixed-case input must carry a
// correct EIP-55 checksum; all-lowercase or all-uppercase input is accepted.
func ValidAddress(s string) bool {
	if !common.IsHexAddress(s) {
		return false
	}
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(s).Hex() == "0x"+body
}

// ParseAddress validates s and returns it as an address. field names the
// request field in the returned ValidationError.
func ParseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, errors.NewValidationError(field, "%s is required", field)
	}
	if !ValidAddress(s) {
		return common.Address{}, errors.NewValidationError(field, "%s is not a valid address: %s", field, s)
	}
	return common.HexToAddress(s), nil
}
