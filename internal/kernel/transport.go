package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/kbridge/internal/logx"
	"github.com/gaspardpetit/kbridge/internal/metrics"
	"github.com/gaspardpetit/kbridge/internal/wire"
)

var (
	// ErrChannelEstablishment indicates one of the five channels could not be opened.
	ErrChannelEstablishment = errors.New("kernel channel establishment failed")
	// ErrClosed is returned when sending on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// Handler receives decoded envelopes from one channel. Handlers run on the
// channel's receive goroutine and must not block.
type Handler func(wire.Envelope)

// Option customizes Dial.
type Option func(*options)

type options struct {
	dialer      Dialer
	dialTimeout time.Duration
	hbInterval  time.Duration
	session     string
	username    string
	log         *zerolog.Logger
}

// WithDialer replaces the ZeroMQ dialer, mostly for tests.
func WithDialer(d Dialer) Option { return func(o *options) { o.dialer = d } }

// WithDialTimeout bounds how long each channel may take to connect.
func WithDialTimeout(d time.Duration) Option { return func(o *options) { o.dialTimeout = d } }

// WithHeartbeatInterval sets the heartbeat period; zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) Option { return func(o *options) { o.hbInterval = d } }

// WithSession sets the session identifier stamped on outgoing headers.
func WithSession(id string) Option { return func(o *options) { o.session = id } }

// WithUsername sets the username stamped on outgoing headers.
func WithUsername(name string) Option { return func(o *options) { o.username = name } }

// WithLogger sets the transport logger.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = &l } }

// Transport owns the five channels to one kernel.
type Transport struct {
	info  ConnInfo
	codec *wire.Codec
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sockets map[Channel]Socket
	sendMu  map[Channel]*sync.Mutex

	mu       sync.RWMutex
	handlers map[Channel]Handler

	hbInterval time.Duration
	lastBeat   atomic.Int64

	errMu     sync.Mutex
	err       error
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial establishes all five channels described by info. A channel failure
// closes the channels already opened and is reported once; there is no retry.
func Dial(ctx context.Context, info ConnInfo, opts ...Option) (*Transport, error) {
	o := options{hbInterval: 3 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	if o.dialer == nil {
		o.dialer = ZMQDialer(o.dialTimeout)
	}
	log := logx.Log
	if o.log != nil {
		log = *o.log
	}
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelEstablishment, err)
	}
	codec, err := wire.NewCodec([]byte(info.Key), info.SignatureScheme, o.session, o.username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelEstablishment, err)
	}

	lctx, cancel := context.WithCancel(ctx)
	t := &Transport{
		info:       info,
		codec:      codec,
		log:        log.With().Str("kernel", info.Language()).Logger(),
		ctx:        lctx,
		cancel:     cancel,
		sockets:    map[Channel]Socket{},
		sendMu:     map[Channel]*sync.Mutex{},
		handlers:   map[Channel]Handler{},
		hbInterval: o.hbInterval,
	}
	identity := []byte(codec.Session())
	for _, ch := range Channels {
		s, err := o.dialer(lctx, ch, info.Endpoint(ch), identity)
		if err != nil {
			metrics.RecordChannelFailure(string(ch))
			cancel()
			t.closeSockets()
			return nil, fmt.Errorf("%w: %s %s: %v", ErrChannelEstablishment, ch, info.Endpoint(ch), err)
		}
		t.sockets[ch] = s
		t.sendMu[ch] = &sync.Mutex{}
	}
	t.lastBeat.Store(time.Now().UnixNano())

	for _, ch := range []Channel{Shell, Control, Stdin, IOPub} {
		t.wg.Add(1)
		go t.recvLoop(ch, t.sockets[ch])
	}
	if t.hbInterval > 0 {
		t.wg.Add(2)
		go t.heartbeatLoop(t.sockets[Heartbeat])
		go t.heartbeatMonitor()
	}
	t.log.Debug().Str("session", codec.Session()).Msg("kernel channels established")
	return t, nil
}

// Codec returns the codec used to build and sign envelopes for this kernel.
func (t *Transport) Codec() *wire.Codec { return t.codec }

// Info returns the connection descriptor.
func (t *Transport) Info() ConnInfo { return t.info }

// SendShell transmits env on the shell channel.
func (t *Transport) SendShell(env wire.Envelope) error { return t.send(Shell, env) }

// SendControl transmits env on the control channel.
func (t *Transport) SendControl(env wire.Envelope) error { return t.send(Control, env) }

// SendStdin transmits env on the stdin channel.
func (t *Transport) SendStdin(env wire.Envelope) error { return t.send(Stdin, env) }

// OnBroadcast sets the iopub handler; nil clears it.
func (t *Transport) OnBroadcast(h Handler) { t.setHandler(IOPub, h) }

// OnShellReply sets the shell handler; nil clears it.
func (t *Transport) OnShellReply(h Handler) { t.setHandler(Shell, h) }

// OnControlReply sets the control handler; nil clears it.
func (t *Transport) OnControlReply(h Handler) { t.setHandler(Control, h) }

// OnStdin sets the stdin handler; nil clears it.
func (t *Transport) OnStdin(h Handler) { t.setHandler(Stdin, h) }

// Done is closed when the transport is closed or has failed.
func (t *Transport) Done() <-chan struct{} { return t.ctx.Done() }

// Err returns the failure that stopped the transport, if any.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close releases all channels and waits for receive goroutines to exit.
// It must not be called from a Handler.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.mu.Lock()
		t.handlers = map[Channel]Handler{}
		t.mu.Unlock()
		t.cancel()
		t.closeSockets()
	})
	t.wg.Wait()
	return nil
}

func (t *Transport) send(ch Channel, env wire.Envelope) error {
	if t.closed.Load() || t.ctx.Err() != nil {
		return ErrClosed
	}
	frames, err := t.codec.Encode(env)
	if err != nil {
		return err
	}
	mu := t.sendMu[ch]
	mu.Lock()
	err = t.sockets[ch].Send(frames)
	mu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s on %s: %w", env.Kind(), ch, err)
	}
	metrics.RecordKernelSend(string(ch), env.Kind())
	return nil
}

func (t *Transport) setHandler(ch Channel, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	if h == nil {
		delete(t.handlers, ch)
		return
	}
	t.handlers[ch] = h
}

func (t *Transport) handler(ch Channel) Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[ch]
}

func (t *Transport) recvLoop(ch Channel, s Socket) {
	defer t.wg.Done()
	for {
		frames, err := s.Recv()
		if err != nil {
			if t.closed.Load() || t.ctx.Err() != nil {
				return
			}
			t.fail(fmt.Errorf("receive on %s: %w", ch, err))
			return
		}
		env, err := t.codec.Decode(frames)
		if err != nil {
			t.log.Warn().Err(err).Str("channel", string(ch)).Msg("dropping malformed frame")
			metrics.RecordDropped(string(ch), "malformed")
			continue
		}
		metrics.RecordKernelMessage(string(ch), env.Kind())
		h := t.handler(ch)
		if h == nil {
			metrics.RecordDropped(string(ch), "no_handler")
			continue
		}
		h(env)
	}
}

func (t *Transport) fail(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
		t.log.Error().Err(err).Msg("kernel transport failed")
	}
	t.errMu.Unlock()
	t.cancel()
}

func (t *Transport) closeSockets() {
	for ch, s := range t.sockets {
		if err := s.Close(); err != nil {
			t.log.Debug().Err(err).Str("channel", string(ch)).Msg("close socket")
		}
	}
}
