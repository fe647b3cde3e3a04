package sensor

import (
	"context"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/groutine"
)

// DefaultMailboxSize is the per-address event queue depth used by Run.
const DefaultMailboxSize = 256

// EventTap observes every event the registry routes to a known session.
// Taps run on the per-address worker and must not block for long.
type EventTap func(session *Session, ev Event)

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithEventTap adds an observer for routed events.
func WithEventTap(tap EventTap) RegistryOption {
	return func(r *Registry) {
		r.taps = append(r.taps, tap)
	}
}

// WithMailboxSize overrides DefaultMailboxSize.
func WithMailboxSize(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.mailboxSize = n
		}
	}
}

// Registry maps device addresses to sessions and is the single fan-in
// point for transport events. Sessions are created on first reference
// and never removed.
type Registry struct {
	gateway Gateway
	logger  *logrus.Logger

	sessions *hashmap.Map[string, *Session]

	orderMu sync.Mutex
	order   []*Session

	mailboxMu   sync.Mutex
	mailboxes   map[string]chan Event
	mailboxSize int
	workers     sync.WaitGroup

	taps []EventTap

	listMu    sync.Mutex
	onDevices func([]DeviceIdentity)
}

// NewRegistry creates an empty registry bound to gateway.
func NewRegistry(gateway Gateway, logger *logrus.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Registry{
		gateway:     gateway,
		logger:      logger,
		sessions:    hashmap.New[string, *Session](),
		mailboxes:   make(map[string]chan Event),
		mailboxSize: DefaultMailboxSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Gateway returns the transport the registry routes for.
func (r *Registry) Gateway() Gateway { return r.gateway }

// RequireSession returns the session for identity.Address, creating and
// registering it on first use. A new session starts in the state the
// transport currently holds for the address and asks the transport to
// prepare bookkeeping; failure there is logged only.
func (r *Registry) RequireSession(ctx context.Context, identity DeviceIdentity) *Session {
	if s, ok := r.sessions.Get(identity.Address); ok {
		return s
	}

	candidate := NewSession(identity, r.gateway, r.logger,
		WithInitialState(r.gateway.QueryState(identity.Address)))
	s, loaded := r.sessions.GetOrInsert(identity.Address, candidate)
	if loaded {
		return s
	}

	r.orderMu.Lock()
	r.order = append(r.order, s)
	r.orderMu.Unlock()

	log := r.logger.WithFields(logrus.Fields{
		"address": identity.Address,
		"name":    identity.Name,
		"state":   s.State(),
	})
	if err := r.gateway.InitSession(ctx, identity.Address); err != nil {
		log.WithField("error", err).Warn("Transport failed to prepare session")
	} else {
		log.Debug("Session registered")
	}
	return s
}

// Session looks up a session without creating one.
func (r *Registry) Session(address string) (*Session, bool) {
	return r.sessions.Get(address)
}

// Sessions returns all sessions in registration order.
func (r *Registry) Sessions() []*Session {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	out := make([]*Session, len(r.order))
	copy(out, r.order)
	return out
}

// ReadySessions returns the sessions whose state is Ready, in registration order.
func (r *Registry) ReadySessions() []*Session {
	var ready []*Session
	for _, s := range r.Sessions() {
		if s.State() == Ready {
			ready = append(ready, s)
		}
	}
	return ready
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// OnDeviceList sets the listener for transport device-list events.
func (r *Registry) OnDeviceList(fn func([]DeviceIdentity)) {
	r.listMu.Lock()
	defer r.listMu.Unlock()
	r.onDevices = fn
}

// RouteStateEvent forwards a state change to the session for address.
// Events for unknown addresses are dropped. It reports whether the event was delivered.
func (r *Registry) RouteStateEvent(address string, state ConnectionState) bool {
	return r.Route(Event{Type: EventStateChanged, Address: address, State: state})
}

// RouteErrorEvent forwards a device error message to the session for address.
func (r *Registry) RouteErrorEvent(address, message string) bool {
	return r.Route(Event{Type: EventError, Address: address, Message: message})
}

// RouteDataEvent forwards a decoded frame to the session for address.
func (r *Registry) RouteDataEvent(address string, data *SensorData) bool {
	return r.Route(Event{Type: EventData, Address: address, Data: data})
}

// Route delivers ev synchronously on the caller's goroutine.
func (r *Registry) Route(ev Event) bool {
	if ev.Type == EventDeviceList {
		r.listMu.Lock()
		fn := r.onDevices
		r.listMu.Unlock()
		if fn != nil {
			fn(ev.Devices)
		}
		return fn != nil
	}

	s, ok := r.sessions.Get(ev.Address)
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"address": ev.Address,
			"event":   ev.Type,
		}).Debug("Dropping event for unknown device")
		return false
	}

	switch ev.Type {
	case EventStateChanged:
		s.EmitStateChanged(ev.State)
	case EventError:
		s.EmitError(ev.Message)
	case EventData:
		s.EmitData(ev.Data)
	default:
		r.logger.WithField("event", ev.Type).Warn("Unknown event type")
		return false
	}

	for _, tap := range r.taps {
		tap(s, ev)
	}
	return true
}

// Run pumps gateway events until ctx is done or the event channel closes.
// Events for one address are handled in arrival order by a dedicated
// worker; different addresses proceed concurrently. Run waits for all
// workers to drain before returning.
func (r *Registry) Run(ctx context.Context) error {
	events := r.gateway.Events()
	defer r.stopWorkers()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.dispatch(ctx, ev)
		}
	}
}

func (r *Registry) dispatch(ctx context.Context, ev Event) {
	if ev.Type == EventDeviceList {
		r.Route(ev)
		return
	}

	if _, ok := r.sessions.Get(ev.Address); !ok {
		r.logger.WithFields(logrus.Fields{
			"address": ev.Address,
			"event":   ev.Type,
		}).Debug("Dropping event for unknown device")
		return
	}

	box := r.mailbox(ctx, ev.Address)
	select {
	case box <- ev:
	case <-ctx.Done():
	}
}

func (r *Registry) mailbox(ctx context.Context, address string) chan Event {
	r.mailboxMu.Lock()
	defer r.mailboxMu.Unlock()

	if box, ok := r.mailboxes[address]; ok {
		return box
	}

	box := make(chan Event, r.mailboxSize)
	r.mailboxes[address] = box
	r.workers.Add(1)
	groutine.Go(ctx, "registry-route-"+address, func(context.Context) {
		defer r.workers.Done()
		for ev := range box {
			r.Route(ev)
		}
	})
	return box
}

func (r *Registry) stopWorkers() {
	r.mailboxMu.Lock()
	for addr, box := range r.mailboxes {
		close(box)
		delete(r.mailboxes, addr)
	}
	r.mailboxMu.Unlock()
	r.workers.Wait()
}
