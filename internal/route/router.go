package route

import (
	"fmt"
	"strings"

	"github.com/gaspardpetit/kbridge/internal/wire"
)

// Router maps iopub broadcasts to client events. Events are keyed by kind
// only; one request fans out to many broadcasts and none of them is tied
// back to the request here.
type Router struct{}

// NewRouter returns a Router.
func NewRouter() *Router { return &Router{} }

// Route converts env into a client event. Kinds that are never forwarded
// yield ErrUnhandledKind; undecodable content yields wire.ErrMalformedEnvelope.
func (r *Router) Route(env wire.Envelope) (Event, error) {
	kind := env.Kind()
	switch kind {
	case wire.MsgStatus, wire.MsgExecuteResult, wire.MsgStream, wire.MsgError,
		wire.MsgDisplayData, wire.MsgUpdateDisplayData:
	default:
		return Event{}, fmt.Errorf("%w: iopub %s", ErrUnhandledKind, kind)
	}
	v, err := wire.DecodeContent(kind, env.Content)
	if err != nil {
		return Event{}, err
	}
	switch c := v.(type) {
	case *wire.Status:
		return Event{Type: EventStatus, Payload: StatusPayload{State: c.ExecutionState}}, nil
	case *wire.ExecuteResult:
		return Event{Type: EventExecuteResult, Payload: ExecuteResultPayload{
			Count:    c.ExecutionCount,
			Data:     orEmpty(c.Data),
			Metadata: orEmpty(c.Metadata),
		}}, nil
	case *wire.Stream:
		if strings.EqualFold(c.Name, "stdout") {
			return Event{Type: EventStdout, Payload: StdoutPayload{Text: c.Text}}, nil
		}
		return Event{Type: EventStream, Payload: StreamPayload{Name: c.Name, Text: c.Text}}, nil
	case *wire.Error:
		tb := c.Traceback
		if tb == nil {
			tb = []string{}
		}
		return Event{Type: EventError, Payload: ErrorPayload{Ename: c.Ename, Evalue: c.Evalue, Traceback: tb}}, nil
	case *wire.DisplayData:
		return Event{Type: EventDisplayData, Payload: DisplayDataPayload{
			Data:     orEmpty(c.Data),
			Metadata: orEmpty(c.Metadata),
		}}, nil
	}
	return Event{}, fmt.Errorf("%w: iopub %s", ErrUnhandledKind, kind)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
