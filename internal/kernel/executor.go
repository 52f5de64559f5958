package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/kbridge/internal/metrics"
	"github.com/gaspardpetit/kbridge/internal/wire"
)

var (
	// ErrEmptyCode is returned when evaluating an empty string.
	ErrEmptyCode = errors.New("empty code")
	// ErrBackpressure indicates too many evaluations are in flight.
	ErrBackpressure = errors.New("evaluator backpressure")
)

// Evaluator runs code in a kernel and waits for its outcome. How the kernel
// keeps definitions alive between evaluations is its own concern.
type Evaluator interface {
	Evaluate(ctx context.Context, code, moduleID string) (Result, error)
}

// Result is the collected outcome of one evaluation.
type Result struct {
	ModuleID string           `json:"podId"`
	Status   string           `json:"status"`
	Count    int              `json:"count"`
	Stdout   string           `json:"stdout"`
	Stderr   string           `json:"stderr"`
	Results  []map[string]any `json:"results,omitempty"`
	Error    *wire.Error      `json:"error,omitempty"`
}

// Executor implements Evaluator over a Transport. It takes over the shell and
// iopub handlers of the transport, so a transport serves either an Executor
// or a bridge session, never both.
type Executor struct {
	t           *Transport
	maxInflight int

	mu      sync.Mutex
	pending map[string]*evaluation
}

type evaluation struct {
	res     Result
	replied bool
	idle    bool
	done    chan struct{}
}

// NewExecutor binds an Executor to t.
func NewExecutor(t *Transport, maxInflight int) *Executor {
	if maxInflight <= 0 {
		maxInflight = 16
	}
	e := &Executor{t: t, maxInflight: maxInflight, pending: map[string]*evaluation{}}
	t.OnShellReply(e.onShell)
	t.OnBroadcast(e.onBroadcast)
	return e
}

// Evaluate sends code as an execute_request and waits until both the reply
// and the kernel's return to idle have been observed, or ctx ends.
func (e *Executor) Evaluate(ctx context.Context, code, moduleID string) (Result, error) {
	if code == "" {
		return Result{}, ErrEmptyCode
	}
	start := time.Now()
	env, err := e.t.Codec().BuildExecuteRequest(code, uuid.NewString())
	if err != nil {
		return Result{}, err
	}
	if moduleID != "" {
		env.Metadata["cellId"] = moduleID
	}
	ev := &evaluation{res: Result{ModuleID: moduleID}, done: make(chan struct{})}
	if !e.register(env.MsgID(), ev) {
		return Result{}, ErrBackpressure
	}
	if err := e.t.SendShell(env); err != nil {
		e.unregister(env.MsgID())
		return Result{}, err
	}
	select {
	case <-ev.done:
		e.mu.Lock()
		res := ev.res
		e.mu.Unlock()
		metrics.ObserveEvaluate(res.Status, time.Since(start))
		return res, nil
	case <-ctx.Done():
		e.unregister(env.MsgID())
		metrics.ObserveEvaluate("timeout", time.Since(start))
		return Result{}, ctx.Err()
	case <-e.t.Done():
		e.unregister(env.MsgID())
		if err := e.t.Err(); err != nil {
			return Result{}, err
		}
		return Result{}, ErrClosed
	}
}

func (e *Executor) register(id string, ev *evaluation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) >= e.maxInflight {
		return false
	}
	e.pending[id] = ev
	return true
}

func (e *Executor) unregister(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *Executor) onShell(env wire.Envelope) {
	if env.Kind() != wire.MsgExecuteReply {
		return
	}
	var rep wire.ExecuteReply
	if json.Unmarshal(env.Content, &rep) != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := e.pending[env.ParentID()]
	if ev == nil {
		return
	}
	ev.res.Status = rep.Status
	ev.res.Count = rep.ExecutionCount
	if rep.Status == "error" && ev.res.Error == nil {
		ev.res.Error = &wire.Error{Ename: rep.Ename, Evalue: rep.Evalue, Traceback: rep.Traceback}
	}
	ev.replied = true
	e.finishLocked(env.ParentID(), ev)
}

func (e *Executor) onBroadcast(env wire.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := e.pending[env.ParentID()]
	if ev == nil {
		return
	}
	switch env.Kind() {
	case wire.MsgStream:
		var s wire.Stream
		if json.Unmarshal(env.Content, &s) == nil {
			if s.Name == "stderr" {
				ev.res.Stderr += s.Text
			} else {
				ev.res.Stdout += s.Text
			}
		}
	case wire.MsgExecuteResult:
		var r wire.ExecuteResult
		if json.Unmarshal(env.Content, &r) == nil {
			ev.res.Results = append(ev.res.Results, r.Data)
		}
	case wire.MsgDisplayData:
		var d wire.DisplayData
		if json.Unmarshal(env.Content, &d) == nil {
			ev.res.Results = append(ev.res.Results, d.Data)
		}
	case wire.MsgError:
		var x wire.Error
		if json.Unmarshal(env.Content, &x) == nil {
			ev.res.Error = &x
		}
	case wire.MsgStatus:
		var st wire.Status
		if json.Unmarshal(env.Content, &st) == nil && st.ExecutionState == "idle" {
			ev.idle = true
			e.finishLocked(env.ParentID(), ev)
		}
	}
}

func (e *Executor) finishLocked(id string, ev *evaluation) {
	if !ev.replied || !ev.idle {
		return
	}
	delete(e.pending, id)
	close(ev.done)
}
