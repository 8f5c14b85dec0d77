package realtime

import (
	"log/slog"
	"sync"
)

// defaultSubBuffer is the per-subscriber channel buffer used when the
// caller passes a non-positive size to Subscribe.
const defaultSubBuffer = 64

// Router fans decoded events out to subscribers. Each subscription has
// its own bounded buffer: when a subscriber falls behind, the oldest
// buffered event is dropped in favor of the newest, so a stalled
// consumer can never block the connection's read loop.
type Router struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	dropped uint64
}

// Subscription is one subscriber's view of the event stream. Receive
// from C; call Close to detach.
type Subscription struct {
	C chan Event

	kind EventKind
	all  bool
	r    *Router
	once sync.Once
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber for one event kind with the given
// buffer size. Use SubscribeAll for every kind.
func (r *Router) Subscribe(kind EventKind, buffer int) *Subscription {
	return r.subscribe(kind, false, buffer)
}

// SubscribeAll registers a subscriber that receives every event.
func (r *Router) SubscribeAll(buffer int) *Subscription {
	return r.subscribe(KindUnknown, true, buffer)
}

func (r *Router) subscribe(kind EventKind, all bool, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubBuffer
	}

	sub := &Subscription{
		C:    make(chan Event, buffer),
		kind: kind,
		all:  all,
		r:    r,
	}

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	return sub
}

// Close detaches the subscription. The channel is not closed, so a
// concurrent Publish never sends on a closed channel; receivers should
// stop reading after Close returns.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.r.mu.Lock()
		delete(s.r.subs, s)
		s.r.mu.Unlock()
	})
}

// Publish delivers the event to every matching subscriber. Never
// blocks: a full subscriber buffer sheds its oldest event first.
func (r *Router) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sub := range r.subs {
		if !sub.all && sub.kind != ev.Kind {
			continue
		}

		select {
		case sub.C <- ev:
			continue
		default:
		}

		// Buffer full: shed the oldest event, then retry once. The
		// second send can still lose to a concurrent receiver draining
		// the channel, in which case the buffer has room again.
		select {
		case <-sub.C:
			r.dropped++
			r.logger.Debug("subscriber buffer full, dropped oldest event",
				slog.String("kind", ev.Kind.String()),
			)
		default:
		}

		select {
		case sub.C <- ev:
		default:
		}
	}
}

// Dropped returns the number of events shed due to full subscriber
// buffers since the router was created.
func (r *Router) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.dropped
}
