package execute

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/teranos/chainpulse/admission"
	"github.com/teranos/chainpulse/chain/contract"
	"github.com/teranos/chainpulse/chain/failover"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/ledger"
	"github.com/teranos/chainpulse/logger"
)

// Receipt polling defaults
const (
	DefaultReceiptPollInterval = 2 * time.Second
	DefaultReceiptTimeout      = 2 * time.Minute
)

// AssetNative is the spend asset of native currency movements
const AssetNative = admission.AssetNative

// SpendRecorder stores value moved by completed executions
type SpendRecorder interface {
	RecordSpend(ctx context.Context, r admission.SpendRecord) error
}

// SpendChecker enforces spending caps on executions that were not admitted
// through the gate, such as scheduled runs.
type SpendChecker interface {
	CheckSpendingCap(ctx context.Context, organizationID string, spend admission.Spend) error
}

// Options configures an Executor
type Options struct {
	Networks            *failover.Networks
	Ledger              *ledger.Store
	Spend               SpendRecorder
	Caps                SpendChecker
	Keyring             *Keyring
	Logger              *zap.SugaredLogger
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
}

// Executor runs operations and drives their ledger records.
type Executor struct {
	networks *failover.Networks
	ledger   *ledger.Store
	spend    SpendRecorder
	caps     SpendChecker
	keys     *Keyring
	sender   sender
	logger   *zap.SugaredLogger
}

// NewExecutor creates an executor
func NewExecutor(opts Options) *Executor {
	if opts.ReceiptPollInterval <= 0 {
		opts.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = DefaultReceiptTimeout
	}
	return &Executor{
		networks: opts.Networks,
		ledger:   opts.Ledger,
		spend:    opts.Spend,
		caps:     opts.Caps,
		keys:     opts.Keyring,
		sender:   sender{pollInterval: opts.ReceiptPollInterval, receiptTimeout: opts.ReceiptTimeout},
		logger:   logger.AddChainSymbol(opts.Logger),
	}
}

// Request is an admitted operation
type Request struct {
	Auth       admission.AuthContext
	WorkflowID string
	Operation  Operation
	// Input is what the ledger stores; defaults to Operation
	Input any
	// Prepared is Operation already validated by Prepare for Auth's
	// organization; Execute validates Operation itself when it is nil.
	Prepared *Prepared
}

// Result is what an execution endpoint returns.
type Result struct {
	ExecutionID     string           `json:"executionId,omitempty"`
	Status          ledger.Status    `json:"status,omitempty"`
	Error           string           `json:"error,omitempty"`
	TxHash          string           `json:"transactionHash,omitempty"`
	Executed        *bool            `json:"executed,omitempty"`
	ConditionResult *ConditionResult `json:"conditionResult,omitempty"`

	// Read results bypass the ledger
	Read  bool `json:"-"`
	Value any  `json:"result,omitempty"`
}

// runState is shared by a plan and the executor while one execution runs
type runState struct {
	exec   *ledger.Execution
	result *Result
	tx     *types.Receipt
	spent  float64
	asset  string
}

// plan is a validated operation ready to run. Reads carry only read.
type plan struct {
	typ     ledger.OperationType
	network string
	spend   admission.Spend
	read    func(ctx context.Context) (any, error)
	run     func(ctx context.Context, st *runState) (any, error)
}

// Prepared is an operation that passed every check short of touching the
// chain: network, addresses, ABI, arguments and the signing wallet.
type Prepared struct {
	org string
	op  Operation
	p   plan
}

// Spend is the value the operation would move, for the spending cap check.
func (p *Prepared) Spend() admission.Spend { return p.p.spend }

// Prepare fully validates op for org without running it. Validation errors
// carry the offending field.
func (e *Executor) Prepare(org string, op Operation) (*Prepared, error) {
	p, err := e.plan(org, op)
	if err != nil {
		return nil, err
	}
	return &Prepared{org: org, op: op, p: p}, nil
}

// Execute validates req, then either answers a read directly or records
// and runs a write. Chain failures of a write are recorded in the ledger and
// reported in the Result; the returned error is reserved for requests that
// never reached the ledger and for ledger failures.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	prepared := req.Prepared
	if prepared == nil || prepared.org != req.Auth.OrganizationID || prepared.op != req.Operation {
		var err error
		if prepared, err = e.Prepare(req.Auth.OrganizationID, req.Operation); err != nil {
			return nil, err
		}
	}
	p := prepared.p
	if p.read != nil {
		value, err := p.read(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Read: true, Value: value}, nil
	}

	input := req.Input
	if input == nil {
		input = req.Operation
	}
	exec, err := e.ledger.Create(ctx, ledger.CreateParams{
		OrganizationID: req.Auth.OrganizationID,
		APIKeyID:       req.Auth.APIKeyID,
		WorkflowID:     req.WorkflowID,
		Type:           p.typ,
		Network:        p.network,
		Input:          input,
	})
	if err != nil {
		return nil, err
	}
	return e.run(ctx, exec, p)
}

// Resume runs an execution that was recorded as pending elsewhere, such as
// by the trigger queue consumer.
func (e *Executor) Resume(ctx context.Context, executionID string) (*Result, error) {
	exec, err := e.ledger.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != ledger.StatusPending {
		return nil, errors.Mark(errors.Newf("execution %s is %s, not pending", exec.ID, exec.Status),
			ledger.ErrInvalidTransition)
	}

	op, err := DecodeStored(exec.OperationType, exec.Input)
	var p plan
	if err == nil {
		p, err = e.plan(exec.OrganizationID, op)
	}
	if err == nil && e.caps != nil {
		err = e.caps.CheckSpendingCap(ctx, exec.OrganizationID, p.spend)
	}
	if err == nil && p.read != nil {
		p = readAsRun(p)
	}
	if err != nil {
		e.logger.Infow("Execution rejected before running",
			logger.FieldExecutionID, exec.ID,
			logger.FieldOrganizationID, exec.OrganizationID,
			logger.FieldError, err.Error())
		lctx := context.WithoutCancel(ctx)
		if ferr := e.ledger.Fail(lctx, exec.ID, err.Error()); ferr != nil {
			return nil, ferr
		}
		return &Result{ExecutionID: exec.ID, Status: ledger.StatusFailed, Error: err.Error()}, nil
	}
	return e.run(ctx, exec, p)
}

// readAsRun lets a stored read run under a ledger record.
func readAsRun(p plan) plan {
	read := p.read
	p.read = nil
	p.run = func(ctx context.Context, st *runState) (any, error) {
		value, err := read(ctx)
		if err != nil {
			return nil, err
		}
		st.result.Value = value
		return map[string]any{"result": value}, nil
	}
	return p
}

// run moves exec through running to a terminal state. Ledger writes use a
// context that outlives the request so the outcome is always recorded.
func (e *Executor) run(ctx context.Context, exec *ledger.Execution, p plan) (*Result, error) {
	lctx := context.WithoutCancel(ctx)
	log := e.logger.With(logger.FieldExecutionID, exec.ID, logger.FieldChain, p.network)

	if err := e.ledger.MarkRunning(lctx, exec.ID); err != nil {
		return nil, err
	}

	st := &runState{exec: exec, result: &Result{ExecutionID: exec.ID}}
	output, err := p.run(ctx, st)
	if err != nil {
		log.Infow("Execution failed", logger.FieldError, err.Error())
		var ferr error
		if st.tx != nil {
			st.result.TxHash = st.tx.TxHash.Hex()
			ferr = e.ledger.FailWithTx(lctx, exec.ID, err.Error(), st.result.TxHash, st.tx.GasUsed)
		} else {
			ferr = e.ledger.Fail(lctx, exec.ID, err.Error())
		}
		if ferr != nil {
			return nil, ferr
		}
		st.result.Status = ledger.StatusFailed
		st.result.Error = err.Error()
		return st.result, nil
	}

	outcome := ledger.Outcome{Output: output}
	if st.tx != nil {
		outcome.TxHash = st.tx.TxHash.Hex()
		gas := st.tx.GasUsed
		outcome.GasUsed = &gas
		st.result.TxHash = outcome.TxHash
	}
	if err := e.ledger.Complete(lctx, exec.ID, outcome); err != nil {
		return nil, err
	}
	st.result.Status = ledger.StatusCompleted

	if st.spent > 0 && e.spend != nil {
		err := e.spend.RecordSpend(lctx, admission.SpendRecord{
			OrganizationID: exec.OrganizationID,
			ExecutionID:    exec.ID,
			Network:        p.network,
			Asset:          st.asset,
			Amount:         st.spent,
		})
		if err != nil {
			log.Errorw("Failed to record spend", logger.FieldError, err)
		}
	}
	return st.result, nil
}

// plan is the single dispatch point over the operation set.
func (e *Executor) plan(org string, op Operation) (plan, error) {
	switch o := op.(type) {
	case *Transfer:
		return e.planTransfer(org, o)
	case *ContractCall:
		return e.planContractCall(org, o)
	case *CheckAndExecute:
		return e.planCheckAndExecute(org, o)
	case *Swap:
		return plan{}, errors.Wrap(errors.ErrNotImplemented, "swap is not implemented")
	case nil:
		return plan{}, errors.New("no operation")
	default:
		return plan{}, errors.Newf("unsupported operation %T", op)
	}
}

func (e *Executor) network(name string) (*failover.Manager, error) {
	if e.networks == nil {
		return nil, errors.NewValidationError("network", "no networks configured")
	}
	m, ok := e.networks.Lookup(name)
	if !ok {
		return nil, errors.NewValidationError("network", "unsupported network %q (configured: %s)",
			name, strings.Join(e.networks.Names(), ", "))
	}
	return m, nil
}

func (e *Executor) planTransfer(org string, o *Transfer) (plan, error) {
	m, err := e.network(o.Network)
	if err != nil {
		return plan{}, err
	}
	to, err := contract.ParseAddress("to", o.To)
	if err != nil {
		return plan{}, err
	}
	var token *common.Address
	asset := AssetNative
	if o.TokenAddress != "" {
		addr, err := contract.ParseAddress("tokenAddress", o.TokenAddress)
		if err != nil {
			return plan{}, err
		}
		token = &addr
		asset = addr.Hex()
	} else if _, err := ParseUnits("amount", o.Amount, nativeDecimals); err != nil {
		return plan{}, err
	}
	key, err := e.keys.Key(org)
	if err != nil {
		return plan{}, err
	}

	return plan{
		typ:     ledger.OpTransfer,
		network: o.Network,
		spend:   admission.Spend{Asset: asset, Amount: o.SpendAmount()},
		run: func(ctx context.Context, st *runState) (any, error) {
			req := txRequest{to: to}
			if token == nil {
				req.value, _ = ParseUnits("amount", o.Amount, nativeDecimals)
			} else {
				decimals, err := tokenDecimals(ctx, m, *token)
				if err != nil {
					return nil, err
				}
				units, err := ParseUnits("amount", o.Amount, decimals)
				if err != nil {
					return nil, err
				}
				req.to = *token
				req.data, err = contract.Pack(contract.ERC20.Methods["transfer"], []any{to, units})
				if err != nil {
					return nil, err
				}
			}

			receipt, err := e.sender.send(ctx, m, key, req)
			st.tx = receipt
			if err != nil {
				return nil, err
			}
			st.spent = o.SpendAmount()
			st.asset = asset
			return map[string]any{
				"transactionHash": receipt.TxHash.Hex(),
				"blockNumber":     receipt.BlockNumber.String(),
				"to":              to.Hex(),
				"amount":          o.Amount,
				"asset":           asset,
			}, nil
		},
	}, nil
}

func (e *Executor) planContractCall(org string, o *ContractCall) (plan, error) {
	m, err := e.network(o.Network)
	if err != nil {
		return plan{}, err
	}
	target, err := contract.ParseAddress("contractAddress", o.ContractAddress)
	if err != nil {
		return plan{}, err
	}
	method, data, err := packCall("", o.ABI, o.FunctionName, o.Args)
	if err != nil {
		return plan{}, err
	}

	if contract.IsReadOnly(method) {
		return plan{
			typ:     ledger.OpContractCallRead,
			network: o.Network,
			read: func(ctx context.Context) (any, error) {
				return readCall(ctx, m, target, method, data)
			},
		}, nil
	}

	w, err := e.prepareWrite(org, "", target, method, data, o.Value)
	if err != nil {
		return plan{}, err
	}
	return plan{
		typ:     ledger.OpContractCallWrite,
		network: o.Network,
		spend:   admission.Spend{Asset: AssetNative, Amount: o.SpendAmount()},
		run: func(ctx context.Context, st *runState) (any, error) {
			receipt, err := e.sender.send(ctx, m, w.key, w.req)
			st.tx = receipt
			if err != nil {
				return nil, err
			}
			st.spent = o.SpendAmount()
			st.asset = AssetNative
			return txOutput(receipt, method), nil
		},
	}, nil
}

func (e *Executor) planCheckAndExecute(org string, o *CheckAndExecute) (plan, error) {
	m, err := e.network(o.Network)
	if err != nil {
		return plan{}, err
	}
	c := o.Condition
	condTarget, err := contract.ParseAddress("condition.contractAddress", c.ContractAddress)
	if err != nil {
		return plan{}, err
	}
	condMethod, condData, err := packCall("condition.", c.ABI, c.FunctionName, c.Args)
	if err != nil {
		return plan{}, err
	}
	if !contract.IsReadOnly(condMethod) {
		return plan{}, errors.NewValidationError("condition.functionName",
			"condition.functionName must be a view or pure function")
	}

	a := o.Action
	actionTarget, err := contract.ParseAddress("action.contractAddress", a.ContractAddress)
	if err != nil {
		return plan{}, err
	}
	actionMethod, actionData, err := packCall("action.", a.ABI, a.FunctionName, a.Args)
	if err != nil {
		return plan{}, err
	}
	w, err := e.prepareWrite(org, "action.", actionTarget, actionMethod, actionData, a.Value)
	if err != nil {
		return plan{}, err
	}

	return plan{
		typ:     ledger.OpCheckAndExecute,
		network: o.Network,
		spend:   admission.Spend{Asset: AssetNative, Amount: o.SpendAmount()},
		run: func(ctx context.Context, st *runState) (any, error) {
			executed := false
			st.result.Executed = &executed

			var cond ConditionResult
			err := e.step(ctx, st.exec.ID, "condition", func() (any, error) {
				observed, err := readCall(ctx, m, condTarget, condMethod, condData)
				if err != nil {
					return nil, err
				}
				cond, err = Evaluate(Operator(c.Operator), observed, c.Value)
				if err != nil {
					return nil, err
				}
				return cond, nil
			})
			if err != nil {
				return nil, err
			}
			st.result.ConditionResult = &cond

			if !cond.Met {
				e.skipStep(ctx, st.exec.ID, "action", "condition not met")
				return map[string]any{"executed": false, "conditionResult": cond}, nil
			}

			var receipt *types.Receipt
			err = e.step(ctx, st.exec.ID, "action", func() (any, error) {
				r, err := e.sender.send(ctx, m, w.key, w.req)
				receipt = r
				if err != nil {
					return nil, err
				}
				return map[string]any{"transactionHash": r.TxHash.Hex()}, nil
			})
			st.tx = receipt
			if err != nil {
				return nil, err
			}
			executed = true
			st.spent = o.SpendAmount()
			st.asset = AssetNative
			out := txOutput(receipt, actionMethod)
			out["executed"] = true
			out["conditionResult"] = cond
			return out, nil
		},
	}, nil
}

type write struct {
	key *ecdsa.PrivateKey
	req txRequest
}

func (e *Executor) prepareWrite(org, prefix string, to common.Address, m abi.Method, data []byte, value string) (write, error) {
	v, err := parseValue(prefix+"value", value)
	if err != nil {
		return write{}, err
	}
	if v.Sign() > 0 && !m.IsPayable() {
		return write{}, errors.NewValidationError(prefix+"value", "%s is not payable", m.RawName)
	}
	key, err := e.keys.Key(org)
	if err != nil {
		return write{}, err
	}
	return write{key: key, req: txRequest{to: to, value: v, data: data}}, nil
}

// step records fn as an execution step. Step bookkeeping failures are
// logged and never fail the execution.
func (e *Executor) step(ctx context.Context, executionID, node string, fn func() (any, error)) error {
	lctx := context.WithoutCancel(ctx)
	st, serr := e.ledger.StartStep(lctx, ledger.Step{ExecutionID: executionID, Node: node})
	if serr != nil {
		e.logger.Warnw("Failed to record step", logger.FieldExecutionID, executionID, logger.FieldError, serr)
	}

	data, err := fn()
	if st != nil {
		status, msg := ledger.StepSucceeded, ""
		if err != nil {
			status, msg = ledger.StepFailed, err.Error()
		}
		if ferr := e.ledger.FinishStep(lctx, st.ID, status, msg, data); ferr != nil {
			e.logger.Warnw("Failed to finish step", logger.FieldExecutionID, executionID, logger.FieldError, ferr)
		}
	}
	return err
}

func (e *Executor) skipStep(ctx context.Context, executionID, node, reason string) {
	lctx := context.WithoutCancel(ctx)
	st, err := e.ledger.StartStep(lctx, ledger.Step{ExecutionID: executionID, Node: node})
	if err == nil {
		err = e.ledger.FinishStep(lctx, st.ID, ledger.StepSkipped, reason, nil)
	}
	if err != nil {
		e.logger.Warnw("Failed to record step", logger.FieldExecutionID, executionID, logger.FieldError, err)
	}
}

// packCall resolves and encodes one function call. prefix qualifies the
// reported error fields.
func packCall(prefix string, rawABI json.RawMessage, name string, rawArgs json.RawMessage) (abi.Method, []byte, error) {
	parsed, err := contract.ParseABI(rawABI)
	if err != nil {
		return abi.Method{}, nil, errors.NewValidationError(prefix+"abi", "%sabi: %v", prefix, err)
	}
	method, err := contract.FindMethod(parsed, name)
	if err != nil {
		return abi.Method{}, nil, errors.NewValidationError(prefix+"functionName", "%sfunctionName: %v", prefix, err)
	}
	values, err := contract.DecodeArgs(rawArgs)
	if err != nil {
		return abi.Method{}, nil, errors.NewValidationError(prefix+"args", "%sargs must be an array", prefix)
	}
	args, err := contract.CoerceArgs(method, values, prefix+"args")
	if err != nil {
		return abi.Method{}, nil, err
	}
	data, err := contract.Pack(method, args)
	if err != nil {
		return abi.Method{}, nil, errors.NewValidationError(prefix+"args", "%sargs: %v", prefix, err)
	}
	return method, data, nil
}

func readCall(ctx context.Context, m *failover.Manager, to common.Address, method abi.Method, data []byte) (any, error) {
	out, err := callContract(ctx, m, to, data)
	if err != nil {
		return nil, err
	}
	value, err := contract.Decode(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s result", method.RawName)
	}
	return value, nil
}

func tokenDecimals(ctx context.Context, m *failover.Manager, token common.Address) (uint8, error) {
	method := contract.ERC20.Methods["decimals"]
	out, err := callContract(ctx, m, token, method.ID)
	if err != nil {
		return 0, err
	}
	values, err := method.Outputs.Unpack(out)
	if err != nil || len(values) != 1 {
		return 0, errors.Newf("token %s did not return decimals", token.Hex())
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, errors.Newf("token %s returned malformed decimals", token.Hex())
	}
	return decimals, nil
}

func txOutput(r *types.Receipt, method abi.Method) map[string]any {
	return map[string]any{
		"transactionHash": r.TxHash.Hex(),
		"blockNumber":     r.BlockNumber.String(),
		"functionName":    method.RawName,
		"gasUsed":         r.GasUsed,
	}
}
