package failover

import (
	"context"
	"math/big"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/internal/httpclient"
)

// Client is the part of an Ethereum JSON-RPC client the execution core uses.
// *ethclient.Client satisfies it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

var _ Client = (*ethclient.Client)(nil)

// Dialer opens a Client for an endpoint URL
type Dialer func(ctx context.Context, endpoint string) (Client, error)

// EthereumDialer dials go-ethereum clients. HTTP endpoints go through a
// redirect-checking client bounded by timeout; ws and ipc endpoints use the
// rpc package transports.
func EthereumDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, endpoint string) (Client, error) {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, errors.Wrap(err, "invalid RPC endpoint")
		}

		var rc *rpc.Client
		switch u.Scheme {
		case "http", "https":
			hc := httpclient.NewRPCClient(timeout)
			rc, err = rpc.DialOptions(ctx, endpoint, rpc.WithHTTPClient(hc.Client))
		default:
			rc, err = rpc.DialContext(ctx, endpoint)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s endpoint", u.Scheme)
		}
		return ethclient.NewClient(rc), nil
	}
}
