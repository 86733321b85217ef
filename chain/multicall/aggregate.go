package multicall

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/teranos/chainpulse/chain/contract"
	"github.com/teranos/chainpulse/chain/failover"
	"github.com/teranos/chainpulse/errors"
)

// DefaultAddress is the Multicall3 deployment shared by most EVM chains.
var DefaultAddress = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

const aggregate3JSON = `[{"type":"function","name":"aggregate3","stateMutability":"payable",
	"inputs":[{"name":"calls","type":"tuple[]","components":[
		{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}]}],
	"outputs":[{"name":"returnData","type":"tuple[]","components":[
		{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}]`

var aggregate3 = func() abi.Method {
	parsed, err := contract.ParseABI([]byte(aggregate3JSON))
	if err != nil {
		panic(err)
	}
	return parsed.Methods["aggregate3"]
}()

// Call3 is one entry of an aggregate3 request
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result3 is one entry of an aggregate3 response
type Result3 struct {
	Success    bool
	ReturnData []byte
}

// EncodeAggregate3 builds aggregate3 call data. Every entry allows failure so
// a revert stays isolated to its own result.
func EncodeAggregate3(calls []Call3) ([]byte, error) {
	return contract.Pack(aggregate3, []any{calls})
}

// DecodeAggregate3 unpacks an aggregate3 response
func DecodeAggregate3(data []byte) ([]Result3, error) {
	out, err := aggregate3.Outputs.Unpack(data)
	if err != nil {
		return nil, errors.Wrap(err, "malformed aggregate3 response")
	}
	if len(out) != 1 {
		return nil, errors.Newf("malformed aggregate3 response: %d values", len(out))
	}
	results := *abi.ConvertType(out[0], new([]Result3)).(*[]Result3)
	return results, nil
}

// DecodeAggregate3Calls unpacks aggregate3 call data (selector included).
func DecodeAggregate3Calls(data []byte) ([]Call3, error) {
	if len(data) < 4 {
		return nil, errors.New("call data too short")
	}
	in, err := aggregate3.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, errors.Wrap(err, "malformed aggregate3 call")
	}
	return *abi.ConvertType(in[0], new([]Call3)).(*[]Call3), nil
}

// EncodeAggregate3Results packs a response, mirroring what the contract returns.
func EncodeAggregate3Results(results []Result3) ([]byte, error) {
	return aggregate3.Outputs.Pack(results)
}

// aggregate issues one aggregate3 eth_call through the failover manager.
func aggregate(ctx context.Context, m *failover.Manager, at common.Address, calls []Call3) ([]Result3, error) {
	data, err := EncodeAggregate3(calls)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = m.Execute(ctx, func(ctx context.Context, c failover.Client) error {
		out, err := c.CallContract(ctx, ethereum.CallMsg{To: &at, Data: data}, m.Config().BlockTag())
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	results, err := DecodeAggregate3(raw)
	if err != nil {
		return nil, err
	}
	if len(results) != len(calls) {
		return nil, errors.Newf("malformed aggregate3 response: %d results for %d calls", len(results), len(calls))
	}
	return results, nil
}
