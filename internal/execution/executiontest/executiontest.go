// Package executiontest provides an in-memory execution environment whose
// jobs are served by a scripted snap runtime over net.Pipe.
package executiontest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/flemzord/snaphost/internal/execution"
	"github.com/flemzord/snaphost/internal/mux"
	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/snapperm"
)

// Script controls how every runtime spawned by an Environment answers.
type Script struct {
	// IgnorePing leaves ping unanswered.
	IgnorePing bool
	// IgnoreTerminate leaves terminate unanswered, like a hostile snap.
	IgnoreTerminate bool
	// ExecuteError fails executeSnap.
	ExecuteError *rpc.Error
	// OnSnapRPC answers snapRpc. The default echoes the request.
	OnSnapRPC func(ctx context.Context, origin string, handler snapperm.Handler, request json.RawMessage) (any, error)
}

// Environment is an execution.Environment backed by in-memory runtimes.
type Environment struct {
	Script Script
	// SpawnErr, when set, makes Spawn fail.
	SpawnErr error

	mu        sync.Mutex
	runtimes  map[string]*Runtime
	spawned   []string
	destroyed []string
}

var _ execution.Environment = (*Environment)(nil)

// NewEnvironment returns an Environment using script.
func NewEnvironment(script Script) *Environment {
	return &Environment{Script: script, runtimes: make(map[string]*Runtime)}
}

// Spawn implements execution.Environment.
func (e *Environment) Spawn(_ context.Context, jobID string) (execution.Handle, io.ReadWriteCloser, error) {
	if e.SpawnErr != nil {
		return nil, nil, e.SpawnErr
	}
	host, snap := net.Pipe()
	rt := newRuntime(jobID, snap, e.Script)

	e.mu.Lock()
	e.runtimes[jobID] = rt
	e.spawned = append(e.spawned, jobID)
	e.mu.Unlock()
	return jobID, host, nil
}

// Destroy implements execution.Environment.
func (e *Environment) Destroy(_ context.Context, h execution.Handle) error {
	jobID, _ := h.(string)
	e.mu.Lock()
	rt := e.runtimes[jobID]
	e.destroyed = append(e.destroyed, jobID)
	e.mu.Unlock()
	if rt == nil {
		return errors.New("executiontest: unknown handle")
	}
	return rt.mux.Close()
}

// Runtime returns the runtime serving jobID.
func (e *Environment) Runtime(jobID string) *Runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runtimes[jobID]
}

// Spawned returns the job IDs spawned so far.
func (e *Environment) Spawned() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.spawned...)
}

// Destroyed returns the job IDs destroyed so far.
func (e *Environment) Destroyed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.destroyed...)
}

// Runtime is the snap side of one job.
type Runtime struct {
	JobID  string
	script Script
	mux    *mux.Mux
	cmd    *mux.Channel
	rpcCh  *mux.Channel

	mu       sync.Mutex
	executed *execution.ExecuteSnapParams
	methods  []string
	pending  map[string]chan *rpc.Message
}

func newRuntime(jobID string, conn net.Conn, script Script) *Runtime {
	m := mux.New(conn, []string{execution.ChannelCommand, execution.ChannelRPC})
	rt := &Runtime{
		JobID:   jobID,
		script:  script,
		mux:     m,
		cmd:     m.Channel(execution.ChannelCommand),
		rpcCh:   m.Channel(execution.ChannelRPC),
		pending: make(map[string]chan *rpc.Message),
	}
	go rt.serveCommands()
	go rt.readRPC()
	return rt
}

// Executed returns the executeSnap params the runtime received.
func (r *Runtime) Executed() (execution.ExecuteSnapParams, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executed == nil {
		return execution.ExecuteSnapParams{}, false
	}
	return *r.executed, true
}

// Methods returns the command methods received, in order.
func (r *Runtime) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.methods...)
}

// Notify sends a command-channel notification to the host.
func (r *Runtime) Notify(method string, params any) error {
	msg, err := rpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return r.write(r.cmd, msg)
}

// Crash drops the transport without saying goodbye.
func (r *Runtime) Crash() error {
	return r.mux.Close()
}

// Done is closed when the runtime's transport is gone.
func (r *Runtime) Done() <-chan struct{} {
	return r.mux.Done()
}

// ProviderRequest sends a request on the RPC channel, as snap code calling
// its provider would, and waits for the host's answer.
func (r *Runtime) ProviderRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg, err := rpc.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	ch := make(chan *rpc.Message, 1)
	r.mu.Lock()
	r.pending[msg.IDKey()] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, msg.IDKey())
		r.mu.Unlock()
	}()

	if err := r.write(r.rpcCh, msg); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-r.mux.Done():
		return nil, mux.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runtime) readRPC() {
	for {
		data, err := r.rpcCh.Read(context.Background())
		if err != nil {
			return
		}
		msg, err := rpc.Decode(data)
		if err != nil || !msg.IsResponse() {
			continue
		}
		r.mu.Lock()
		ch := r.pending[msg.IDKey()]
		r.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
	}
}

func (r *Runtime) serveCommands() {
	for {
		data, err := r.cmd.Read(context.Background())
		if err != nil {
			return
		}
		msg, err := rpc.Decode(data)
		if err != nil || !msg.IsRequest() {
			continue
		}
		r.mu.Lock()
		r.methods = append(r.methods, msg.Method)
		r.mu.Unlock()
		go r.answer(msg)
	}
}

func (r *Runtime) answer(msg *rpc.Message) {
	var (
		result any = "OK"
		err    error
	)
	switch msg.Method {
	case execution.MethodPing:
		if r.script.IgnorePing {
			return
		}
	case execution.MethodTerminate:
		if r.script.IgnoreTerminate {
			return
		}
	case execution.MethodExecuteSnap:
		var p execution.ExecuteSnapParams
		if err = rpc.UnmarshalParams(msg.Params, &p); err == nil {
			r.mu.Lock()
			r.executed = &p
			r.mu.Unlock()
		}
		if r.script.ExecuteError != nil {
			err = r.script.ExecuteError
		}
	case execution.MethodSnapRPC:
		var p struct {
			Origin  string           `json:"origin"`
			Handler snapperm.Handler `json:"handler"`
			Request json.RawMessage  `json:"request"`
		}
		if err = rpc.UnmarshalParams(msg.Params, &p); err != nil {
			break
		}
		if r.script.OnSnapRPC != nil {
			result, err = r.script.OnSnapRPC(context.Background(), p.Origin, p.Handler, p.Request)
		} else {
			result = p.Request
		}
	default:
		err = rpc.MethodNotFound(msg.Method)
	}

	var resp *rpc.Message
	if err != nil {
		resp = rpc.NewErrorResponse(msg.ID, err)
	} else if resp, err = rpc.NewResult(msg.ID, result); err != nil {
		resp = rpc.NewErrorResponse(msg.ID, err)
	}
	_ = r.write(r.cmd, resp)
}

func (r *Runtime) write(ch *mux.Channel, msg *rpc.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ch.Write(data)
}
