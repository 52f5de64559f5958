// Package kerneltest provides an in-memory kernel that speaks the wire
// protocol over fake sockets, for tests of code built on kernel.Transport.
package kerneltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/kbridge/internal/kernel"
	"github.com/gaspardpetit/kbridge/internal/wire"
)

// ErrSocketClosed is returned by fake sockets after Close.
var ErrSocketClosed = errors.New("kerneltest: socket closed")

// Request is an envelope the code under test sent to the kernel.
type Request struct {
	Channel kernel.Channel
	Env     wire.Envelope
}

// Kernel is a scripted kernel endpoint.
type Kernel struct {
	Info kernel.ConnInfo

	codec    *wire.Codec
	requests chan Request

	mu      sync.Mutex
	sockets map[kernel.Channel]*pipe
	failOn  kernel.Channel
	noEcho  bool
	dials   int
}

// New returns a kernel with a signing key and fixed ports.
func New() *Kernel {
	info := kernel.ConnInfo{
		Transport:       "tcp",
		IP:              "127.0.0.1",
		ShellPort:       50001,
		ControlPort:     50002,
		IOPubPort:       50003,
		StdinPort:       50004,
		HBPort:          50005,
		Key:             "test-key",
		SignatureScheme: "hmac-sha256",
		KernelName:      "python3",
	}
	codec, err := wire.NewCodec([]byte(info.Key), info.SignatureScheme, "kernel-session", "kernel")
	if err != nil {
		panic(err)
	}
	return &Kernel{
		Info:     info,
		codec:    codec,
		requests: make(chan Request, 256),
		sockets:  map[kernel.Channel]*pipe{},
	}
}

// FailOn makes dialing ch fail.
func (k *Kernel) FailOn(ch kernel.Channel) {
	k.mu.Lock()
	k.failOn = ch
	k.mu.Unlock()
}

// SilenceHeartbeat stops echoing heartbeat pings.
func (k *Kernel) SilenceHeartbeat() {
	k.mu.Lock()
	k.noEcho = true
	k.mu.Unlock()
}

// Dials returns how many channels have been dialed.
func (k *Kernel) Dials() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dials
}

// Dialer returns a kernel.Dialer connecting to this kernel.
func (k *Kernel) Dialer() kernel.Dialer {
	return func(ctx context.Context, ch kernel.Channel, endpoint string, identity []byte) (kernel.Socket, error) {
		k.mu.Lock()
		defer k.mu.Unlock()
		k.dials++
		if k.failOn == ch {
			return nil, fmt.Errorf("connection refused: %s", endpoint)
		}
		p := &pipe{ch: ch, k: k, in: make(chan [][]byte, 256), closed: make(chan struct{}), ctx: ctx}
		k.sockets[ch] = p
		return p, nil
	}
}

// Publish emits a broadcast of kind on iopub. An empty parentID makes it
// unsolicited.
func (k *Kernel) Publish(kind string, content any, parentID string) error {
	return k.Reply(kernel.IOPub, kind, content, parentID)
}

// Reply emits a message of kind on ch with the given parent.
func (k *Kernel) Reply(ch kernel.Channel, kind string, content any, parentID string) error {
	env, err := k.codec.BuildRequest(kind, content, "")
	if err != nil {
		return err
	}
	if parentID != "" {
		env.Parent = &wire.Header{MsgID: parentID, MsgType: "request", Session: "bridge", Version: wire.ProtocolVersion}
	}
	frames, err := k.codec.Encode(env)
	if err != nil {
		return err
	}
	return k.SendRaw(ch, frames)
}

// SendRaw delivers frames as-is on ch.
func (k *Kernel) SendRaw(ch kernel.Channel, frames [][]byte) error {
	k.mu.Lock()
	p := k.sockets[ch]
	k.mu.Unlock()
	if p == nil {
		return fmt.Errorf("kerneltest: %s not connected", ch)
	}
	return p.deliver(frames)
}

// Requests exposes envelopes sent to the kernel.
func (k *Kernel) Requests() <-chan Request { return k.requests }

// NextRequest waits for the next request or fails the test.
func (k *Kernel) NextRequest(t testing.TB, timeout time.Duration) Request {
	t.Helper()
	select {
	case r := <-k.requests:
		return r
	case <-time.After(timeout):
		t.Fatalf("kerneltest: no request within %s", timeout)
		return Request{}
	}
}

// ExpectNoRequest fails the test if a request arrives within d.
func (k *Kernel) ExpectNoRequest(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case r := <-k.requests:
		t.Fatalf("kerneltest: unexpected %s request on %s", r.Env.Kind(), r.Channel)
	case <-time.After(d):
	}
}

// Closed reports whether the socket for ch has been closed.
func (k *Kernel) Closed(ch kernel.Channel) bool {
	k.mu.Lock()
	p := k.sockets[ch]
	k.mu.Unlock()
	if p == nil {
		return false
	}
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

type pipe struct {
	ch     kernel.Channel
	k      *Kernel
	in     chan [][]byte
	closed chan struct{}
	once   sync.Once
	ctx    context.Context
}

func (p *pipe) deliver(frames [][]byte) error {
	select {
	case <-p.closed:
		return ErrSocketClosed
	default:
	}
	select {
	case p.in <- frames:
		return nil
	case <-p.closed:
		return ErrSocketClosed
	}
}

func (p *pipe) Send(frames [][]byte) error {
	select {
	case <-p.closed:
		return ErrSocketClosed
	default:
	}
	if p.ch == kernel.Heartbeat {
		p.k.mu.Lock()
		silent := p.k.noEcho
		p.k.mu.Unlock()
		if silent {
			return nil
		}
		return p.deliver(frames)
	}
	env, err := p.k.codec.Decode(frames)
	if err != nil {
		return err
	}
	select {
	case p.k.requests <- Request{Channel: p.ch, Env: env}:
		return nil
	case <-p.closed:
		return ErrSocketClosed
	}
}

func (p *pipe) Recv() ([][]byte, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return nil, ErrSocketClosed
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// Break makes Recv on ch fail as if the connection dropped.
func (k *Kernel) Break(ch kernel.Channel) {
	k.mu.Lock()
	p := k.sockets[ch]
	k.mu.Unlock()
	if p != nil {
		_ = p.Close()
	}
}

// AnswerExecute waits for the next execute_request and answers it the way a
// kernel does: busy, output, result or error, reply, idle.
func (k *Kernel) AnswerExecute(timeout time.Duration, stdout string, reply wire.ExecuteReply) error {
	var req Request
	select {
	case req = <-k.requests:
	case <-time.After(timeout):
		return fmt.Errorf("kerneltest: no request within %s", timeout)
	}
	if req.Env.Kind() != wire.MsgExecuteRequest {
		return fmt.Errorf("kerneltest: unexpected %s request", req.Env.Kind())
	}
	id := req.Env.MsgID()
	steps := []func() error{
		func() error { return k.Publish(wire.MsgStatus, wire.Status{ExecutionState: "busy"}, id) },
		func() error {
			if stdout == "" {
				return nil
			}
			return k.Publish(wire.MsgStream, wire.Stream{Name: "stdout", Text: stdout}, id)
		},
		func() error {
			if reply.Status == "ok" {
				return k.Publish(wire.MsgExecuteResult, wire.ExecuteResult{ExecutionCount: reply.ExecutionCount, Data: map[string]any{"text/plain": "2"}}, id)
			}
			return k.Publish(wire.MsgError, wire.Error{Ename: reply.Ename, Evalue: reply.Evalue, Traceback: []string{"tb"}}, id)
		},
		func() error { return k.Reply(kernel.Shell, wire.MsgExecuteReply, reply, id) },
		func() error { return k.Publish(wire.MsgStatus, wire.Status{ExecutionState: "idle"}, id) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
