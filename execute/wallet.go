package execute

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/teranos/chainpulse/errors"
)

// Keyring holds the signing key of each organization's wallet.
type Keyring struct {
	keys map[string]*ecdsa.PrivateKey
}

// NewKeyring parses hex private keys keyed by organization id.
func NewKeyring(wallets map[string]string) (*Keyring, error) {
	k := &Keyring{keys: make(map[string]*ecdsa.PrivateKey, len(wallets))}
	for org, hexKey := range wallets {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			// never echo the key material
			return nil, errors.Newf("invalid wallet key for organization %s", org)
		}
		k.keys[strings.ToLower(org)] = key
	}
	return k, nil
}

// Key returns an organization's signing key. An organization without a
// wallet cannot run writes.
func (k *Keyring) Key(organizationID string) (*ecdsa.PrivateKey, error) {
	if k != nil {
		if key, ok := k.keys[strings.ToLower(organizationID)]; ok {
			return key, nil
		}
	}
	return nil, errors.NewAdmissionError("no wallet configured for organization %s", organizationID)
}

// Address returns an organization's wallet address
func (k *Keyring) Address(organizationID string) (common.Address, error) {
	key, err := k.Key(organizationID)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}
