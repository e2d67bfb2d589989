package bus

import (
	"log/slog"
	"sync"

	"github.com/haricheung/cascade/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Feed is the live stage-event fan-out. The trace store publishes every event
// it records; subscribers pick a phase, and the tap channel sees everything.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[types.EventPhase][]chan types.StageEvent
	tapCh       chan types.StageEvent
}

// New creates a new Feed.
func New() *Feed {
	return &Feed{
		subscribers: make(map[types.EventPhase][]chan types.StageEvent),
		tapCh:       make(chan types.StageEvent, tapBufSize),
	}
}

// Publish fans ev out to all subscribers of its phase and to the tap channel.
// Non-blocking: a full subscriber channel drops the event with a warning, so
// a slow display can never stall a session.
func (f *Feed) Publish(ev types.StageEvent) {
	f.mu.RLock()
	subs := f.subscribers[ev.Phase]
	f.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("[FEED] subscriber channel full, event dropped", "phase", ev.Phase, "stage", ev.Stage)
		}
	}

	select {
	case f.tapCh <- ev:
	default:
		slog.Warn("[FEED] tap channel full, event dropped", "phase", ev.Phase, "stage", ev.Stage)
	}
}

// Subscribe returns a receive-only channel delivering events of phase p. Each
// call creates a new independent subscriber channel.
func (f *Feed) Subscribe(p types.EventPhase) <-chan types.StageEvent {
	ch := make(chan types.StageEvent, subscriberBufSize)
	f.mu.Lock()
	f.subscribers[p] = append(f.subscribers[p], ch)
	f.mu.Unlock()
	return ch
}

// Tap returns the channel that sees every published event. Only one consumer
// should drain it; repeated calls return the same channel.
func (f *Feed) Tap() <-chan types.StageEvent {
	return f.tapCh
}
