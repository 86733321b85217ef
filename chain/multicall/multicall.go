// Package multicall batches contract reads into Multicall3 aggregate3 calls,
// isolating reverts to the entry that caused them.
package multicall

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/chain/contract"
	"github.com/teranos/chainpulse/chain/failover"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/logger"
)

// ErrReverted is the error text of an entry whose call reverted
const ErrReverted = "reverted"

// Result is the outcome of one read, in input order.
type Result struct {
	Success bool   `json:"success"`
	Value   any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UniformRequest reads one function of one contract with many argument tuples.
type UniformRequest struct {
	Network         string          `json:"network"`
	ContractAddress string          `json:"contractAddress"`
	ABI             json.RawMessage `json:"abi"`
	FunctionName    string          `json:"functionName"`
	Args            json.RawMessage `json:"args"`
	BatchSize       any             `json:"batchSize,omitempty"`
}

// Call is one entry of a mixed request.
type Call struct {
	Network         string          `json:"network"`
	ContractAddress string          `json:"contractAddress"`
	ABI             json.RawMessage `json:"abi"`
	FunctionName    string          `json:"functionName"`
	Args            json.RawMessage `json:"args"`
}

// NormalizeBatchSize turns a caller-supplied batch size into a usable one:
// absent or non-numeric gives the default, numeric values below 1 give 1.
func NormalizeBatchSize(v any, def int) int {
	if def < 1 {
		def = am.DefaultBatchSize
	}
	var f float64
	switch n := v.(type) {
	case nil:
		return def
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return def
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return def
		}
		f = parsed
	default:
		return def
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	if f < 1 {
		return 1
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}

// prepared is a validated, encoded read bound to its original position.
type prepared struct {
	index  int
	target common.Address
	method abi.Method
	data   []byte
}

// Reader executes batched reads against configured networks.
type Reader struct {
	networks  *failover.Networks
	batchSize int
	logger    *zap.SugaredLogger
}

// NewReader creates a reader. batchSize is the default chunk size.
func NewReader(networks *failover.Networks, batchSize int, log *zap.SugaredLogger) *Reader {
	return &Reader{
		networks:  networks,
		batchSize: NormalizeBatchSize(batchSize, am.DefaultBatchSize),
		logger:    logger.AddChainSymbol(log).With(logger.FieldComponent, "multicall"),
	}
}

// ReadUniform validates req, splits its argument tuples into chunks of the
// batch size and issues one aggregate call per chunk, sequentially.
func (r *Reader) ReadUniform(ctx context.Context, req UniformRequest) ([]Result, error) {
	manager, err := r.resolve("network", req.Network)
	if err != nil {
		return nil, err
	}
	target, err := contract.ParseAddress("contractAddress", req.ContractAddress)
	if err != nil {
		return nil, err
	}
	method, err := resolveMethod("abi", "functionName", req.ABI, req.FunctionName)
	if err != nil {
		return nil, err
	}

	tuples, err := decodeTuples(req.Args)
	if err != nil {
		return nil, err
	}

	calls := make([]prepared, len(tuples))
	for i, tuple := range tuples {
		p, err := prepare(i, target, method, tuple, fmt.Sprintf("args[%d]", i))
		if err != nil {
			return nil, err
		}
		calls[i] = p
	}

	batchSize := NormalizeBatchSize(req.BatchSize, r.batchSize)
	results := make([]Result, len(calls))
	if err := r.run(ctx, manager, calls, batchSize, results); err != nil {
		return nil, err
	}
	return results, nil
}

// ReadMixed validates every call, groups them by network and runs the groups
// concurrently. Results come back in input order.
func (r *Reader) ReadMixed(ctx context.Context, calls []Call) ([]Result, error) {
	if len(calls) == 0 {
		return nil, errors.NewValidationError("calls", "calls must be a non-empty array")
	}

	type group struct {
		manager *failover.Manager
		calls   []prepared
	}
	groups := make(map[*failover.Manager]*group)
	var order []*group

	for i, c := range calls {
		field := func(name string) string { return fmt.Sprintf("calls[%d].%s", i, name) }

		if strings.TrimSpace(c.Network) == "" {
			return nil, errors.NewValidationError(field("network"), "%s is required", field("network"))
		}
		if c.ContractAddress == "" {
			return nil, errors.NewValidationError(field("contractAddress"), "%s is required", field("contractAddress"))
		}
		if len(c.ABI) == 0 {
			return nil, errors.NewValidationError(field("abi"), "%s is required", field("abi"))
		}
		if c.FunctionName == "" {
			return nil, errors.NewValidationError(field("functionName"), "%s is required", field("functionName"))
		}

		manager, err := r.resolve(field("network"), c.Network)
		if err != nil {
			return nil, err
		}
		target, err := contract.ParseAddress(field("contractAddress"), c.ContractAddress)
		if err != nil {
			return nil, err
		}
		method, err := resolveMethod(field("abi"), field("functionName"), c.ABI, c.FunctionName)
		if err != nil {
			return nil, err
		}
		values, err := contract.DecodeArgs(c.Args)
		if err != nil {
			return nil, errors.NewValidationError(field("args"), "%s must be an array", field("args"))
		}
		p, err := prepare(i, target, method, values, field("args"))
		if err != nil {
			return nil, err
		}

		g, ok := groups[manager]
		if !ok {
			g = &group{manager: manager}
			groups[manager] = g
			order = append(order, g)
		}
		g.calls = append(g.calls, p)
	}

	results := make([]Result, len(calls))
	eg, egCtx := errgroup.WithContext(ctx)
	for _, g := range order {
		eg.Go(func() error {
			// Each group writes only its own original indices
			return r.run(egCtx, g.manager, g.calls, r.batchSize, results)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// run executes calls in chunks on one network and stores each outcome at its
// original index. A transport failure fails the whole run.
func (r *Reader) run(ctx context.Context, m *failover.Manager, calls []prepared, batchSize int, results []Result) error {
	at := DefaultAddress
	if addr := m.Config().MulticallAddress; addr != "" {
		at = common.HexToAddress(addr)
	}

	chunks := (len(calls) + batchSize - 1) / batchSize
	for c := 0; c < chunks; c++ {
		start := c * batchSize
		end := start + batchSize
		if end > len(calls) {
			end = len(calls)
		}
		chunk := calls[start:end]

		req := make([]Call3, len(chunk))
		for i, p := range chunk {
			req[i] = Call3{Target: p.target, AllowFailure: true, CallData: p.data}
		}

		out, err := aggregate(ctx, m, at, req)
		if err != nil {
			return errors.Wrapf(err, "multicall chunk %d/%d on %s", c+1, chunks, m.Config().Chain)
		}

		for i, p := range chunk {
			results[p.index] = decodeEntry(p, out[i])
		}

		r.logger.Debugw("Multicall chunk complete",
			logger.FieldChain, m.Config().Chain,
			logger.FieldBatchSize, len(chunk),
			"chunk", c+1,
			"chunks", chunks)
	}
	return nil
}

func decodeEntry(p prepared, res Result3) Result {
	if !res.Success {
		return Result{Success: false, Error: ErrReverted}
	}
	value, err := contract.Decode(p.method, res.ReturnData)
	if err != nil {
		partial := &errors.PartialCallError{Index: p.index, Reason: err.Error()}
		return Result{Success: false, Error: partial.Error()}
	}
	return Result{Success: true, Value: value}
}

func (r *Reader) resolve(field, network string) (*failover.Manager, error) {
	if strings.TrimSpace(network) == "" {
		return nil, errors.NewValidationError(field, "%s is required", field)
	}
	m, ok := r.networks.Lookup(network)
	if !ok {
		return nil, errors.NewValidationError(field, "unsupported network %q (configured: %s)",
			network, strings.Join(r.networks.Names(), ", "))
	}
	return m, nil
}

func resolveMethod(abiField, fnField string, rawABI json.RawMessage, name string) (abi.Method, error) {
	if len(rawABI) == 0 {
		return abi.Method{}, errors.NewValidationError(abiField, "%s is required", abiField)
	}
	if name == "" {
		return abi.Method{}, errors.NewValidationError(fnField, "%s is required", fnField)
	}
	parsed, err := contract.ParseABI(rawABI)
	if err != nil {
		return abi.Method{}, errors.NewValidationError(abiField, "%s: %v", abiField, err)
	}
	method, err := contract.FindMethod(parsed, name)
	if err != nil {
		return abi.Method{}, errors.NewValidationError(fnField, "%s: %v", fnField, err)
	}
	return method, nil
}

// decodeTuples requires an array of arrays.
func decodeTuples(raw json.RawMessage) ([][]any, error) {
	values, err := contract.DecodeArgs(raw)
	if err != nil || len(raw) == 0 {
		return nil, errors.NewValidationError("args", "args must be an array of argument arrays")
	}
	tuples := make([][]any, len(values))
	for i, v := range values {
		tuple, ok := v.([]any)
		if !ok {
			return nil, errors.NewValidationError(fmt.Sprintf("args[%d]", i), "args[%d] must be an array", i)
		}
		tuples[i] = tuple
	}
	return tuples, nil
}

func prepare(index int, target common.Address, method abi.Method, values []any, field string) (prepared, error) {
	args, err := contract.CoerceArgs(method, values, field)
	if err != nil {
		return prepared{}, err
	}
	data, err := contract.Pack(method, args)
	if err != nil {
		return prepared{}, errors.NewValidationError(field, "%s: %v", field, err)
	}
	return prepared{index: index, target: target, method: method, data: data}, nil
}
