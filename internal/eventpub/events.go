package eventpub

import "sync"

// RealmEventKind enumerates the realm-manager lifecycle transitions
// forwarded to the external API as named signals.
type RealmEventKind int

const (
	RealmStarted RealmEventKind = iota
	RealmStopped
	RealmNew
	RealmRemoved
	// RealmCurrent carries the name of the realm newly marked current,
	// or the empty string if no realm is current.
	RealmCurrent
)

func (k RealmEventKind) String() string {
	switch k {
	case RealmStarted:
		return "Started"
	case RealmStopped:
		return "Stopped"
	case RealmNew:
		return "New"
	case RealmRemoved:
		return "Removed"
	case RealmCurrent:
		return "Current"
	default:
		return "Unknown"
	}
}

// RealmEvent is one realm lifecycle transition, identified by kind and
// the affected realm's name (empty for RealmCurrent when nothing is
// current).
type RealmEvent struct {
	Kind RealmEventKind
	Name string
}

// Handler receives realm events in emission order.
type Handler func(RealmEvent)

// Publisher fans realm events out to every registered Handler, in the
// order realm.Manager observes them. It has no buffering of its own:
// handlers run synchronously on the emitting goroutine, the same way the
// original forwarded each manager callback straight into a DBus signal
// send.
type Publisher struct {
	mu       sync.Mutex
	handlers []Handler
}

// NewPublisher returns an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Subscribe registers h to receive every future event.
func (p *Publisher) Subscribe(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Emit delivers e to every registered handler, in registration order.
func (p *Publisher) Emit(e RealmEvent) {
	p.mu.Lock()
	handlers := make([]Handler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}

// Started, Stopped, New, Removed, and Current are convenience wrappers
// matching the RealmEvent variants realm.Manager emits.
func (p *Publisher) Started(name string) { p.Emit(RealmEvent{Kind: RealmStarted, Name: name}) }
func (p *Publisher) Stopped(name string) { p.Emit(RealmEvent{Kind: RealmStopped, Name: name}) }
func (p *Publisher) New(name string)     { p.Emit(RealmEvent{Kind: RealmNew, Name: name}) }
func (p *Publisher) Removed(name string) { p.Emit(RealmEvent{Kind: RealmRemoved, Name: name}) }
func (p *Publisher) Current(name string) { p.Emit(RealmEvent{Kind: RealmCurrent, Name: name}) }
