package hub

// EventKind identifies a point in the entity lifecycle that external
// observers (metrics, the bloom/search optimization, future plugins) can
// subscribe to. This replaces the original's signal/slot connections,
// which relied on object-lifetime tracking that has no clean Go analog.
type EventKind int

const (
	// EventAccepted fires once per accepted socket, before any line has
	// been read from it.
	EventAccepted EventKind = iota
	// EventConnected (a.k.a. "ready") fires once an entity reaches NORMAL
	// and is inserted into the roster.
	EventConnected
	// EventStateChanged is a kind subscribers may register for; no code in
	// this package fires it, so state-machine transitions produce no event.
	EventStateChanged
	// EventDisconnected fires once, when an entity is removed.
	EventDisconnected
	// EventBadLine fires when a line fails to parse as a command, before
	// the connection is disconnected.
	EventBadLine
	// EventPreSend fires before a routed command is handed to a
	// recipient's out-queue. A subscriber may clear PreSendEvent.OK to
	// suppress delivery to that one recipient.
	EventPreSend
)

// PreSendEvent is the mutable argument passed to EventPreSend
// subscribers.
type PreSendEvent struct {
	From *Entity
	To   *Entity
	Cmd  interface{} // the *adc.Command being routed
	OK   bool
}

// Cancel revokes a subscription previously returned by Events.Subscribe.
type Cancel func()

type subscriber struct {
	id int
	fn func(kind EventKind, arg interface{})
}

// Events is an ordered table of subscriber closures per event kind, with
// cancel handles instead of implicit object-lifetime tracking.
type Events struct {
	subs   map[EventKind][]subscriber
	nextID int
}

// NewEvents constructs an empty event table.
func NewEvents() *Events {
	return &Events{subs: make(map[EventKind][]subscriber)}
}

// Subscribe registers fn to run whenever kind fires, returning a handle
// to cancel the subscription.
func (ev *Events) Subscribe(kind EventKind, fn func(kind EventKind, arg interface{})) Cancel {
	ev.nextID++
	id := ev.nextID
	ev.subs[kind] = append(ev.subs[kind], subscriber{id: id, fn: fn})
	return func() {
		list := ev.subs[kind]
		for i, s := range list {
			if s.id == id {
				ev.subs[kind] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Fire runs every subscriber registered for kind, in subscription order.
func (ev *Events) Fire(kind EventKind, arg interface{}) {
	for _, s := range ev.subs[kind] {
		s.fn(kind, arg)
	}
}
