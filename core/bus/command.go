package bus

import "github.com/embedx/evbus/core/events"

// opCode names the commands the dispatcher serves from its inbox.
type opCode uint8

const (
	opAttach opCode = iota + 1
	opDetach
	opSubscribe
	opSubscribeMany
	opUnsubscribe
	opPublish
	opInvalidate
	opInspect
)

func (op opCode) String() string {
	switch op {
	case opAttach:
		return "attach"
	case opDetach:
		return "detach"
	case opSubscribe:
		return "subscribe"
	case opSubscribeMany:
		return "subscribe_many"
	case opUnsubscribe:
		return "unsubscribe"
	case opPublish:
		return "publish"
	case opInvalidate:
		return "invalidate"
	case opInspect:
		return "inspect"
	default:
		return "unknown"
	}
}

// command is the payload carried on the dispatcher inbox. reply is nil on
// the fire-and-forget ISR path; inspect is set only for opInspect.
type command struct {
	op       opCode
	listener *Listener
	topic    events.Topic
	topics   []events.Topic
	env      *events.Envelope
	retain   bool
	reply    chan error
	inspect  chan []ListenerInfo
}
