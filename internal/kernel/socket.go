package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Socket is one established kernel channel carrying multipart messages.
// Recv blocks until a message arrives or the socket is closed.
type Socket interface {
	Send(frames [][]byte) error
	Recv() ([][]byte, error)
	Close() error
}

// Dialer opens the socket for ch at endpoint. identity is the routing
// identity request/reply channels present to the kernel. ctx bounds the
// lifetime of the returned socket.
type Dialer func(ctx context.Context, ch Channel, endpoint string, identity []byte) (Socket, error)

// ZMQDialer returns a Dialer backed by ZeroMQ sockets: DEALER for shell,
// control and stdin, SUB for iopub and REQ for the heartbeat. A refused
// connection fails at once; zmq4's own dial retries are disabled.
func ZMQDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, ch Channel, endpoint string, identity []byte) (Socket, error) {
		opts := []zmq4.Option{zmq4.WithDialerMaxRetries(0)}
		if timeout > 0 {
			opts = append(opts, zmq4.WithDialerTimeout(timeout))
		}
		var s zmq4.Socket
		switch ch {
		case Shell, Control, Stdin:
			if len(identity) > 0 {
				opts = append(opts, zmq4.WithID(zmq4.SocketIdentity(identity)))
			}
			s = zmq4.NewDealer(ctx, opts...)
		case IOPub:
			s = zmq4.NewSub(ctx, opts...)
		case Heartbeat:
			s = zmq4.NewReq(ctx, opts...)
		default:
			return nil, fmt.Errorf("unknown channel %q", ch)
		}
		if err := s.Dial(endpoint); err != nil {
			_ = s.Close()
			return nil, err
		}
		if ch == IOPub {
			if err := s.SetOption(zmq4.OptionSubscribe, ""); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return zmqSocket{s: s}, nil
	}
}

type zmqSocket struct {
	s zmq4.Socket
}

func (z zmqSocket) Send(frames [][]byte) error {
	return z.s.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (z zmqSocket) Recv() ([][]byte, error) {
	msg, err := z.s.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

func (z zmqSocket) Close() error { return z.s.Close() }
