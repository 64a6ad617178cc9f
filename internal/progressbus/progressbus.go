// Package progressbus carries the ordered stage events a long-running
// privileged install emits to any number of UI subscribers. It is the
// one channel by which an install worker goroutine is allowed to talk
// back to the main loop: no API handler reaches into a worker directly.
package progressbus

import (
	"sync"

	"github.com/subgraph/citadel-core/internal/logger"
)

var log = logger.Logger()

// Stage identifies a point in the disk-provisioning pipeline. The zero
// value is never published.
type Stage int

const (
	DiskPartitioned Stage = iota + 1
	LuksSetup
	LvmSetup
	BootSetup
	StorageCreated
	RootfsInstalled
	Completed
	Failed
)

func (s Stage) String() string {
	switch s {
	case DiskPartitioned:
		return "DiskPartitioned"
	case LuksSetup:
		return "LuksSetup"
	case LvmSetup:
		return "LvmSetup"
	case BootSetup:
		return "BootSetup"
	case StorageCreated:
		return "StorageCreated"
	case RootfsInstalled:
		return "RootfsInstalled"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// stageOrder fixes the 1-of-7 position of every non-terminal-failure
// stage, so a UI can advance a progress bar by 1/7 per event without
// knowing the pipeline's step count itself.
var stageOrder = map[Stage]int{
	DiskPartitioned: 1,
	LuksSetup:       2,
	LvmSetup:        3,
	BootSetup:       4,
	StorageCreated:  5,
	RootfsInstalled: 6,
	Completed:       7,
}

const totalStages = 7

// Event is one point in an install's progress, carried from a worker
// goroutine to every subscriber. Text mirrors the log line a CLI
// frontend would print for the stage; Reason is set only on Failed.
type Event struct {
	Stage    Stage
	Text     string
	Reason   string
	Fraction float64
}

// Fraction computes the [0,1] completion fraction for stage, clamped at
// both ends. Failed always reports 1.0: the pipeline has stopped
// advancing, not partially advanced, so there is nothing left to wait
// for. This corrects a bug in the original implementation, which in one
// UI branch set the failure fraction to 100.0.
func Fraction(s Stage) float64 {
	if s == Failed {
		return 1.0
	}
	n, ok := stageOrder[s]
	if !ok {
		return 0
	}
	f := float64(n) / float64(totalStages)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Bus is a bounded, multi-subscriber fan-out of Events: one producer (the
// install worker), any number of consumers (the main loop's own
// dispatcher plus every attached UI). Publish never blocks the producer
// indefinitely — a slow or dead subscriber is dropped rather than
// stalling the pipeline, mirroring the one-producer/one-consumer-per-main-loop
// shape described for the ProgressBus, generalized to multiple readers.
type Bus struct {
	mu       sync.Mutex
	subs     map[int]chan Event
	nextID   int
	capacity int
}

// defaultCapacity bounds the per-subscriber channel so a worker
// publishing faster than a UI can drain never grows unbounded memory.
const defaultCapacity = 16

// New returns an empty Bus with the default bounded channel capacity.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event), capacity: defaultCapacity}
}

// Subscribe registers a new consumer and returns its channel along with
// an unsubscribe function. The channel is closed when the unsubscribe
// function or Bus.Close is called (callers typically create one Bus per
// RunInstall invocation).
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.capacity)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish fans e out to every current subscriber. A subscriber whose
// channel is full has its event dropped with a warning rather than
// blocking the publishing worker; events are delivered at-most-once.
func (b *Bus) Publish(e Event) {
	if e.Fraction == 0 {
		e.Fraction = Fraction(e.Stage)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Warnf("progressbus: subscriber %d is not draining events, dropping %s", id, e.Stage)
		}
	}
}

// PublishStage is a convenience wrapper for the common case of a bare
// stage transition with a log-style text line.
func (b *Bus) PublishStage(s Stage, text string) {
	b.Publish(Event{Stage: s, Text: text, Fraction: Fraction(s)})
}

// PublishFailed reports pipeline failure with reason, always at
// fraction 1.0 per Fraction's Failed case.
func (b *Bus) PublishFailed(reason string) {
	b.Publish(Event{Stage: Failed, Reason: reason, Fraction: 1.0})
}

// Close unsubscribes every current subscriber, closing their channels.
// Call once the publishing worker has finished, so readers blocked on a
// range over the channel terminate.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
