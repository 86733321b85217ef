package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/teranos/chainpulse/admission"
	"github.com/teranos/chainpulse/chain/failover"
	"github.com/teranos/chainpulse/chain/multicall"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/execute"
	"github.com/teranos/chainpulse/ledger"
	"github.com/teranos/chainpulse/logger"
)

// ReadResponse is the body of a synchronous read
type ReadResponse struct {
	Result any `json:"result"`
}

// BatchReadResponse is the body of a batch read
type BatchReadResponse struct {
	Results []multicall.Result `json:"results"`
}

// StatusResponse is an execution record with its step tree
type StatusResponse struct {
	*ledger.Execution
	ExecutionID string             `json:"executionId"`
	Steps       []*ledger.StepNode `json:"steps,omitempty"`
}

// HealthResponse reports server and chain health
type HealthResponse struct {
	Status        string          `json:"status"`
	State         string          `json:"state"`
	UptimeSeconds int64           `json:"uptimeSeconds"`
	Chains        map[string]bool `json:"chains"` // chain -> using fallback
	Queue         *QueueHealth    `json:"queue,omitempty"`
}

// QueueHealth is trigger queue depth
type QueueHealth struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// FailoverResponse is the failover snapshot of every known chain
type FailoverResponse struct {
	Failover map[string]bool  `json:"failover"`
	States   []failover.State `json:"states"`
}

// executionHandler admits and runs one operation kind. Reads answer 200
// with their result; writes answer 202 with the ledger outcome.
func (s *Server) executionHandler(kind execute.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			body     []byte
			prepared *execute.Prepared
			op       execute.Operation
		)
		auth, err := s.gate.Admit(r.Context(), admission.BearerToken(bearer(r)), func(auth *admission.AuthContext) (admission.Spend, error) {
			var err error
			if body, err = readBody(r); err != nil {
				return admission.Spend{}, err
			}
			if op, err = execute.Decode(kind, body); err != nil {
				return admission.Spend{}, err
			}
			if prepared, err = s.executor.Prepare(auth.OrganizationID, op); err != nil {
				return admission.Spend{}, err
			}
			return prepared.Spend(), nil
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		res, err := s.executor.Execute(r.Context(), execute.Request{
			Auth:      *auth,
			Operation: op,
			Input:     json.RawMessage(body),
			Prepared:  prepared,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if res.Read {
			_ = writeJSON(w, http.StatusOK, ReadResponse{Result: res.Value})
			return
		}
		_ = writeJSON(w, http.StatusAccepted, res)
	}
}

// HandleSwap answers authenticated callers with the not-implemented stub
func (s *Server) HandleSwap(w http.ResponseWriter, r *http.Request) {
	if _, err := s.gate.Authenticate(r.Context(), admission.BearerToken(bearer(r))); err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusNotImplemented, map[string]string{"message": "Coming soon"})
}

// batchReadRequest accepts either a uniform or a mixed batch
type batchReadRequest struct {
	multicall.UniformRequest
	Calls []multicall.Call `json:"calls"`
}

// HandleBatchRead runs a multicall batch read. Reads never touch the ledger.
func (s *Server) HandleBatchRead(w http.ResponseWriter, r *http.Request) {
	var req batchReadRequest
	_, err := s.gate.Admit(r.Context(), admission.BearerToken(bearer(r)), func(*admission.AuthContext) (admission.Spend, error) {
		body, err := readBody(r)
		if err != nil {
			return admission.Spend{}, err
		}
		if len(body) == 0 {
			return admission.Spend{}, errors.NewValidationError("body", "request body is required")
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return admission.Spend{}, errors.NewValidationError("body", "request body must be a JSON object")
		}
		return admission.Spend{}, nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var results []multicall.Result
	if req.Calls != nil {
		results, err = s.reader.ReadMixed(r.Context(), req.Calls)
	} else {
		results, err = s.reader.ReadUniform(r.Context(), req.UniformRequest)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, BatchReadResponse{Results: results})
}

// HandleStatus returns an execution owned by the caller's organization.
// Executions of other organizations are reported as not found.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	auth, err := s.gate.Authenticate(r.Context(), admission.BearerToken(bearer(r)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id := r.PathValue("executionId")
	exec, err := s.ledger.Get(r.Context(), id)
	if err == nil && exec.OrganizationID != auth.OrganizationID {
		err = errors.NewNotFoundError("execution %s not found", id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	steps, err := s.ledger.Steps(r.Context(), exec.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, StatusResponse{
		Execution:   exec,
		ExecutionID: exec.ID,
		Steps:       ledger.BuildStepTree(steps),
	})
}

// HandleHealth reports liveness, chain failover state and queue depth
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		State:         s.getState().String(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Chains:        map[string]bool{},
	}
	if s.registry != nil {
		resp.Chains = s.registry.FailoverStates()
	}
	if s.queue != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		queued, running, err := s.queue.Counts(ctx)
		if err != nil {
			s.logger.Warnw("Health check could not read queue", logger.FieldError, err)
			resp.Status = "degraded"
		} else {
			resp.Queue = &QueueHealth{Queued: queued, Running: running}
		}
	}
	if s.getState() != ServerStateRunning {
		_ = writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

// HandleFailoverStates returns the failover snapshot
func (s *Server) HandleFailoverStates(w http.ResponseWriter, r *http.Request) {
	resp := FailoverResponse{Failover: map[string]bool{}, States: []failover.State{}}
	if s.registry != nil {
		resp.Failover = s.registry.FailoverStates()
		resp.States = s.registry.States()
	}
	_ = writeJSON(w, http.StatusOK, resp)
}
