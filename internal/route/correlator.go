package route

import (
	"fmt"

	"github.com/gaspardpetit/kbridge/internal/wire"
)

// Correlator recovers which client request a shell or control reply belongs
// to. It keeps no state: the request identity travels in the reply's parent
// header as a composite identifier.
type Correlator struct{}

// NewCorrelator returns a Correlator.
func NewCorrelator() *Correlator { return &Correlator{} }

// ShellReply classifies a shell-channel reply.
func (c *Correlator) ShellReply(env wire.Envelope) (Event, error) {
	switch env.Kind() {
	case wire.MsgExecuteReply:
		if env.Parent == nil {
			return Event{}, fmt.Errorf("%w: execute_reply without parent header", wire.ErrMalformedEnvelope)
		}
		v, err := wire.DecodeContent(env.Kind(), env.Content)
		if err != nil {
			return Event{}, err
		}
		rep := v.(*wire.ExecuteReply)
		ref := wire.ParseID(env.ParentID())
		if ref.HasName() {
			return Event{
				Type:     EventImportReply,
				Payload:  ImportReplyPayload{PodID: ref.UnitID, Name: ref.Name, Result: rep.Status, Count: rep.ExecutionCount},
				Internal: true,
			}, nil
		}
		return Event{
			Type:    EventExecuteReply,
			Payload: ExecuteReplyPayload{PodID: ref.UnitID, Result: rep.Status, Count: rep.ExecutionCount},
		}, nil
	case wire.MsgKernelInfoReply:
		v, err := wire.DecodeContent(env.Kind(), env.Content)
		if err != nil {
			return Event{}, err
		}
		rep := v.(*wire.KernelInfoReply)
		return Event{Type: EventKernelInfoReply, Payload: KernelInfoPayload{
			Status:          rep.Status,
			Lang:            rep.LanguageInfo.Name,
			ProtocolVersion: rep.ProtocolVersion,
			Implementation:  rep.Implementation,
		}}, nil
	}
	return Event{}, fmt.Errorf("%w: shell %s", ErrUnhandledKind, env.Kind())
}

// ControlReply classifies a control-channel reply. At most one interrupt is
// meaningful per kernel, so no correlation is attempted.
func (c *Correlator) ControlReply(env wire.Envelope, lang string) (Event, error) {
	switch env.Kind() {
	case wire.MsgInterruptReply:
		v, err := wire.DecodeContent(env.Kind(), env.Content)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventInterruptReply, Payload: InterruptReplyPayload{Status: v.(*wire.InterruptReply).Status, Lang: lang}}, nil
	case wire.MsgShutdownReply:
		v, err := wire.DecodeContent(env.Kind(), env.Content)
		if err != nil {
			return Event{}, err
		}
		rep := v.(*wire.ShutdownReply)
		return Event{Type: EventShutdownReply, Payload: ShutdownReplyPayload{Status: rep.Status, Restart: rep.Restart}}, nil
	}
	return Event{}, fmt.Errorf("%w: control %s", ErrUnhandledKind, env.Kind())
}
