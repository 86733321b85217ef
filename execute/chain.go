package execute

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/teranos/chainpulse/chain/failover"
	"github.com/teranos/chainpulse/errors"
)

const nativeDecimals = 18

// ErrTransactionReverted marks a mined transaction with a failed status.
var ErrTransactionReverted = errors.New("transaction reverted")

// callContract runs a read at the chain's configured finality.
func callContract(ctx context.Context, m *failover.Manager, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := m.Execute(ctx, func(ctx context.Context, c failover.Client) error {
		res, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, m.Config().BlockTag())
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// txRequest is an unsigned write
type txRequest struct {
	to    common.Address
	value *big.Int
	data  []byte
}

// sender signs, submits and confirms transactions.
type sender struct {
	pollInterval   time.Duration
	receiptTimeout time.Duration
}

// send signs req as an EIP-1559 transaction, submits it and waits for its
// receipt. A receipt with status 0 is a business failure.
func (s sender) send(ctx context.Context, m *failover.Manager, key *ecdsa.PrivateKey, req txRequest) (*types.Receipt, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	if req.value == nil {
		req.value = new(big.Int)
	}

	var signed *types.Transaction
	err := m.Execute(ctx, func(ctx context.Context, c failover.Client) error {
		chainID := big.NewInt(m.Config().ChainID)
		if chainID.Sign() == 0 {
			id, err := c.ChainID(ctx)
			if err != nil {
				return err
			}
			chainID = id
		}
		nonce, err := c.PendingNonceAt(ctx, from)
		if err != nil {
			return err
		}
		tip, err := c.SuggestGasTipCap(ctx)
		if err != nil {
			return err
		}
		head, err := c.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		feeCap := new(big.Int).Mul(tip, big.NewInt(2))
		if head.BaseFee != nil {
			feeCap = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		}
		gas, err := c.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.to,
			Value: req.value,
			Data:  req.data,
		})
		if err != nil {
			return err
		}

		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &req.to,
			Value:     req.value,
			Data:      req.data,
		})
		signed, err = types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = m.Execute(ctx, func(ctx context.Context, c failover.Client) error {
		err := c.SendTransaction(ctx, signed)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
			// a retry reached a node that already has it
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	receipt, err := s.waitReceipt(ctx, m, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, errors.MarkBusinessFailure(
			errors.Wrapf(ErrTransactionReverted, "transaction %s reverted", signed.Hash().Hex()))
	}
	return receipt, nil
}

// waitReceipt polls until the transaction is mined. A receipt that is not
// found yet is not an endpoint failure.
func (s sender) waitReceipt(ctx context.Context, m *failover.Manager, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		var receipt *types.Receipt
		err := m.Execute(ctx, func(ctx context.Context, c failover.Client) error {
			r, err := c.TransactionReceipt(ctx, hash)
			if errors.Is(err, ethereum.NotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Newf("timed out waiting for receipt of %s", hash.Hex())
		case <-ticker.C:
		}
	}
}
