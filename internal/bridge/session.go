// Package bridge connects one client connection to one kernel.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/kbridge/internal/kernel"
	"github.com/gaspardpetit/kbridge/internal/logx"
	"github.com/gaspardpetit/kbridge/internal/metrics"
	"github.com/gaspardpetit/kbridge/internal/route"
	"github.com/gaspardpetit/kbridge/internal/wire"
)

const writeTimeout = 5 * time.Second

// State is the lifecycle stage of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session outcomes, as recorded in metrics and logs.
const (
	OutcomeClientClosed    = "client_closed"
	OutcomeKernelFailed    = "kernel_failed"
	OutcomeEstablishFailed = "establish_failed"
	OutcomeShutdown        = "shutdown"
)

// Opener establishes the transport for a session. The transport lives until
// ctx is done or it is closed.
type Opener func(ctx context.Context, info kernel.ConnInfo) (*kernel.Transport, error)

// DialOpener returns an Opener dialing kernels with opts.
func DialOpener(opts ...kernel.Option) Opener {
	return func(ctx context.Context, info kernel.ConnInfo) (*kernel.Transport, error) {
		return kernel.Dial(ctx, info, opts...)
	}
}

// Option customizes a Session.
type Option func(*Session)

// WithID sets the session identifier; a UUID is generated otherwise.
func WithID(id string) Option { return func(s *Session) { s.id = id } }

// WithKernelID records which directory entry the session is bound to.
func WithKernelID(id string) Option { return func(s *Session) { s.kernelID = id } }

// WithSendBuffer sets how many events may wait for the client writer.
func WithSendBuffer(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.sendBuffer = n
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Session) { s.log = l } }

// WithRegistry makes the session visible in r while it runs.
func WithRegistry(r *Registry) Option { return func(s *Session) { s.registry = r } }

type inbound struct {
	ch  kernel.Channel
	env wire.Envelope
}

// Session relays between one client connection and one kernel. All command
// handling and kernel message classification happens on a single loop
// goroutine; transport handlers only enqueue.
type Session struct {
	id         string
	kernelID   string
	conn       Conn
	info       kernel.ConnInfo
	open       Opener
	registry   *Registry
	sendBuffer int
	log        zerolog.Logger

	router *route.Router
	corr   *route.Correlator

	state     atomic.Int32
	transport atomic.Pointer[kernel.Transport]
	started   time.Time
	commands  atomic.Int64
	events    atomic.Int64

	clientIn chan []byte
	inbox    chan inbound
	out      chan route.Event

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	outcome string
	err     error
}

// NewSession prepares a session; nothing happens until Run.
func NewSession(conn Conn, info kernel.ConnInfo, open Opener, opts ...Option) *Session {
	s := &Session{
		conn:       conn,
		info:       info,
		open:       open,
		sendBuffer: 64,
		log:        logx.Log,
		router:     route.NewRouter(),
		corr:       route.NewCorrelator(),
		started:    time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.log = s.log.With().Str("session_id", s.id).Str("kernel_id", s.kernelID).Logger()
	s.clientIn = make(chan []byte)
	s.inbox = make(chan inbound, s.sendBuffer)
	s.out = make(chan route.Event, s.sendBuffer)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Run establishes the kernel channels and relays until the client
// disconnects, the kernel connection fails, or ctx ends. The client
// connection is closed on return. A channel establishment failure is
// returned as is; a client disconnect returns nil.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.registry != nil {
		s.registry.add(s)
		defer s.registry.remove(s)
	}
	metrics.SessionOpened()
	s.log.Info().Str("endpoint", s.info.Endpoint(kernel.Shell)).Msg("session connecting")

	t, err := s.open(ctx, s.info)
	if err != nil {
		s.state.Store(int32(StateClosed))
		metrics.SessionClosed(OutcomeEstablishFailed)
		s.log.Error().Err(err).Msg("kernel channel establishment failed")
		_ = s.conn.Close(websocket.StatusInternalError, err.Error())
		return err
	}
	s.transport.Store(t)
	t.OnBroadcast(s.enqueue(ctx, kernel.IOPub))
	t.OnShellReply(s.enqueue(ctx, kernel.Shell))
	t.OnControlReply(s.enqueue(ctx, kernel.Control))
	t.OnStdin(s.enqueue(ctx, kernel.Stdin))
	s.state.Store(int32(StateActive))
	s.log.Info().Msg("session active")

	// the reader outlives ctx so the close status below reaches the client
	readCtx, cancelRead := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop(ctx, readCtx)
	}()
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()

	s.loop(ctx, t)

	s.state.Store(int32(StateClosed))
	cancel()
	_ = t.Close()
	outcome, err := s.result()
	switch outcome {
	case OutcomeKernelFailed:
		_ = s.conn.Close(websocket.StatusInternalError, "kernel connection lost")
	case OutcomeShutdown:
		_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}
	cancelRead()
	wg.Wait()
	metrics.SessionClosed(outcome)
	ev := s.log.Info().Str("outcome", outcome).Int64("commands", s.commands.Load()).Int64("events", s.events.Load())
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("session closed")
	return err
}

// Stop ends a running session as a server shutdown.
func (s *Session) Stop() { s.stop(OutcomeShutdown, nil) }

func (s *Session) stop(outcome string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		s.outcome = outcome
		s.err = err
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) result() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		return OutcomeShutdown, nil
	}
	return s.outcome, s.err
}

// enqueue returns a transport handler feeding the session loop. Messages
// arriving after the session ended are dropped.
func (s *Session) enqueue(ctx context.Context, ch kernel.Channel) kernel.Handler {
	return func(env wire.Envelope) {
		if ctx.Err() != nil {
			metrics.RecordDropped(string(ch), "session_closed")
			return
		}
		select {
		case s.inbox <- inbound{ch: ch, env: env}:
		case <-ctx.Done():
			metrics.RecordDropped(string(ch), "session_closed")
		}
	}
}

func (s *Session) loop(ctx context.Context, t *kernel.Transport) {
	for {
		select {
		case <-ctx.Done():
			s.stop(OutcomeShutdown, nil)
			return
		case <-t.Done():
			if ctx.Err() != nil {
				s.stop(OutcomeShutdown, nil)
				return
			}
			err := t.Err()
			if err == nil {
				err = kernel.ErrClosed
			}
			s.stop(OutcomeKernelFailed, err)
			return
		case data := <-s.clientIn:
			s.handleCommand(ctx, t, data)
		case in := <-s.inbox:
			s.handleKernel(ctx, in)
		}
	}
}

func (s *Session) readLoop(ctx, readCtx context.Context) {
	for {
		data, err := s.conn.Read(readCtx)
		if errors.Is(err, ErrBinaryFrame) {
			s.log.Warn().Msg("ignoring binary client frame")
			metrics.RecordClientCommand("binary", "malformed")
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("client read ended")
			}
			s.stop(OutcomeClientClosed, nil)
			return
		}
		select {
		case s.clientIn <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.out:
			b, err := json.Marshal(ev)
			if err != nil {
				s.log.Error().Err(err).Str("type", ev.Type).Msg("encode client event")
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err = s.conn.Write(wctx, b)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Msg("client write failed")
				s.stop(OutcomeClientClosed, nil)
				return
			}
			s.events.Add(1)
			metrics.RecordClientEvent(ev.Type)
		}
	}
}

func (s *Session) emit(ctx context.Context, ev route.Event) {
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) handleKernel(ctx context.Context, in inbound) {
	var (
		ev  route.Event
		err error
	)
	switch in.ch {
	case kernel.IOPub:
		ev, err = s.router.Route(in.env)
	case kernel.Shell:
		ev, err = s.corr.ShellReply(in.env)
	case kernel.Control:
		ev, err = s.corr.ControlReply(in.env, s.info.Language())
	default:
		err = fmt.Errorf("%w: %s %s", route.ErrUnhandledKind, in.ch, in.env.Kind())
	}
	switch {
	case errors.Is(err, route.ErrUnhandledKind):
		s.log.Debug().Str("channel", string(in.ch)).Str("msg_type", in.env.Kind()).Msg("unhandled kernel message")
		metrics.RecordDropped(string(in.ch), "unhandled")
		return
	case err != nil:
		s.log.Warn().Err(err).Str("channel", string(in.ch)).Msg("dropping kernel message")
		metrics.RecordDropped(string(in.ch), "malformed")
		return
	}
	if ev.Internal {
		s.log.Debug().Str("parent", in.env.ParentID()).Msg("import completed")
	}
	s.emit(ctx, ev)
}

func (s *Session) handleCommand(ctx context.Context, t *kernel.Transport, data []byte) {
	s.commands.Add(1)
	cmd, err := parseCommand(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed client command")
		metrics.RecordClientCommand("invalid", "malformed")
		return
	}
	switch cmd.Type {
	case CmdPing:
		metrics.RecordClientCommand(CmdPing, "ok")
	case CmdRunCode:
		s.runCode(ctx, t, cmd)
	case CmdRequestKernelStatus:
		var req KernelStatusRequest
		if err := decodePayload(cmd.Payload, &req); err != nil {
			s.log.Warn().Err(err).Msg("malformed requestKernelStatus")
			metrics.RecordClientCommand(cmd.Type, "malformed")
			return
		}
		env, err := t.Codec().BuildRequest(wire.MsgKernelInfoRequest, struct{}{}, "")
		if err == nil {
			err = t.SendShell(env)
		}
		s.recordSend(cmd.Type, err)
	case CmdInterruptKernel:
		env, err := t.Codec().BuildRequest(wire.MsgInterruptRequest, struct{}{}, "")
		if err == nil {
			err = t.SendControl(env)
		}
		s.recordSend(cmd.Type, err)
	default:
		s.log.Warn().Str("type", cmd.Type).Msg("unhandled client command")
		metrics.RecordClientCommand("unknown", "unhandled")
	}
}

func (s *Session) runCode(ctx context.Context, t *kernel.Transport, cmd Command) {
	var rc RunCode
	if err := decodePayload(cmd.Payload, &rc); err != nil {
		s.log.Warn().Err(err).Msg("malformed runCode")
		metrics.RecordClientCommand(CmdRunCode, "malformed")
		return
	}
	if err := rc.Validate(); err != nil {
		s.log.Warn().Err(err).Str("pod_id", rc.PodID).Msg("rejecting runCode")
		metrics.RecordClientCommand(CmdRunCode, "rejected")
		s.emit(ctx, route.Event{
			Type:    EventRequestRejected,
			Payload: RejectedPayload{PodID: rc.PodID, Reason: rejectionReason(err)},
		})
		return
	}
	env, err := t.Codec().BuildExecuteRequest(rc.Code, rc.MsgID())
	if err == nil {
		err = t.SendShell(env)
	}
	s.recordSend(CmdRunCode, err)
}

func (s *Session) recordSend(kind string, err error) {
	if err != nil {
		s.log.Error().Err(err).Str("command", kind).Msg("kernel send failed")
		metrics.RecordClientCommand(kind, "error")
		return
	}
	metrics.RecordClientCommand(kind, "ok")
}

// Info is a point-in-time view of a session.
type Info struct {
	ID          string    `json:"id"`
	KernelID    string    `json:"kernel_id"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	Commands    int64     `json:"commands"`
	Events      int64     `json:"events"`
	KernelAlive bool      `json:"kernel_alive"`
}

// Snapshot describes the session.
func (s *Session) Snapshot() Info {
	info := Info{
		ID:        s.id,
		KernelID:  s.kernelID,
		State:     s.State().String(),
		StartedAt: s.started,
		Commands:  s.commands.Load(),
		Events:    s.events.Load(),
	}
	if t := s.transport.Load(); t != nil {
		info.KernelAlive = t.Alive()
	}
	return info
}
