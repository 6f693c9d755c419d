package ports

import "github.com/mikey-austin/avbridge/pkg/avt"

// Kind tags how a completion is routed by the dispatcher.
type Kind int

const (
	// KindAction completes a transport or rendering control action.
	KindAction Kind = iota
	// KindEvent carries the result of a capability query.
	KindEvent
)

func (k Kind) String() string {
	if k == KindEvent {
		return "event"
	}
	return "action"
}

// Request is a single action handed to the transport layer.
type Request struct {
	DeviceID string
	Endpoint string
	Action   *avt.Action
	Kind     Kind
	// Seq is the per-device correlation token of queued transport actions.
	// It is zero for actions sent outside the queue.
	Seq    uint64
	Cookie any
}

// Completion reports the outcome of a previously accepted Request.
type Completion struct {
	DeviceID string
	Kind     Kind
	Seq      uint64
	Cookie   any
	Action   string
	Body     []byte
	Err      error
}

// Transport sends actions asynchronously. Send returns once the request is
// accepted or rejected; the outcome of an accepted request is reported later
// as a Completion.
type Transport interface {
	Send(req Request) error
}

// IDGen returns unique correlation IDs.
type IDGen interface {
	NewID() string
}

// Clock supplies envelope timestamps.
type Clock interface {
	NowUnix() int64
}
