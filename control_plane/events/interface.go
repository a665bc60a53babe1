package events

import (
	"time"

	"github.com/itskum47/accountforge/control_plane/model"
)

// Kind names what changed.
type Kind string

const (
	AccountRegistered   Kind = "account.registered"
	AccountStateChanged Kind = "account.state_changed"
	AccountProxyChanged Kind = "account.proxy_changed"
	AccountUpdated      Kind = "account.updated"
	AccountRemoved      Kind = "account.removed"

	ProxyRegistered    Kind = "proxy.registered"
	ProxyProbed        Kind = "proxy.probed"
	ProxyHealthChanged Kind = "proxy.health_changed"
	ProxyRetired       Kind = "proxy.retired"

	ActionSubmitted  Kind = "action.submitted"
	ActionDispatched Kind = "action.dispatched"
	ActionSucceeded  Kind = "action.succeeded"
	ActionRetrying   Kind = "action.retrying"
	ActionFailed     Kind = "action.failed"
	ActionCancelled  Kind = "action.cancelled"
)

// Event is a state change emitted by the registry, pool or scheduler. The
// record fields carry a copy of the entity after the change.
type Event struct {
	Seq       uint64         `json:"seq"`
	Kind      Kind           `json:"kind"`
	Time      time.Time      `json:"time"`
	AccountID string         `json:"account_id,omitempty"`
	ProxyID   string         `json:"proxy_id,omitempty"`
	ActionID  string         `json:"action_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Account   *model.Account `json:"account,omitempty"`
	Proxy     *model.Proxy   `json:"proxy,omitempty"`
	Action    *model.Action  `json:"action,omitempty"`
}

// Sink receives events. Publish must not block the caller for long; sinks
// that do I/O buffer internally.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Fanout publishes to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(e Event) {
	for _, s := range f {
		s.Publish(e)
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}
