// Package bus is the message channel between the three execution
// contexts. Contexts share no memory; each registers an endpoint whose
// handlers run on a single mailbox goroutine, so handling within a
// context is single-threaded and cooperative. Requests get exactly one
// reply per send, notifies are fire-and-forget, and publishes fan out
// to broadcast subscribers.
package bus

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoEndpoint is returned when the target endpoint does not exist
	// or has been detached (the context was torn down).
	ErrNoEndpoint = errors.New("bus: no such endpoint")

	// ErrUnhandled is returned when an endpoint has no handler for the
	// message type. Unknown types are a routing miss, not a fault:
	// multiple listeners may coexist on one channel.
	ErrUnhandled = errors.New("bus: unhandled message type")
)

// Envelope is the tagged message exchanged over the bus.
type Envelope struct {
	Type    string
	Payload any
}

// Handler processes one message and returns the reply envelope.
type Handler func(ctx context.Context, env Envelope) (Envelope, error)

type delivery struct {
	ctx   context.Context
	env   Envelope
	reply chan result // nil for notifies
}

type result struct {
	env Envelope
	err error
}

type endpoint struct {
	name string

	hmu      sync.RWMutex
	handlers map[string]Handler

	mailbox chan delivery
	done    chan struct{}
}

func (ep *endpoint) handler(msgType string) (Handler, bool) {
	ep.hmu.RLock()
	defer ep.hmu.RUnlock()
	h, ok := ep.handlers[msgType]
	return h, ok
}

// Bus routes envelopes between endpoints and broadcast subscribers.
// The zero value is not usable; call New.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	subs      map[int]chan Envelope
	nextSub   int
	mailboxSz int
}

// New returns an empty bus. mailboxSize bounds each endpoint's pending
// queue; if it fills, senders block until the endpoint drains.
func New(mailboxSize int) *Bus {
	if mailboxSize <= 0 {
		mailboxSize = 32
	}
	return &Bus{
		endpoints: make(map[string]*endpoint),
		subs:      make(map[int]chan Envelope),
		mailboxSz: mailboxSize,
	}
}

// Handle registers a handler for msgType on the named endpoint, creating
// the endpoint (and starting its mailbox goroutine) on first use.
// Registering twice for the same type replaces the previous handler.
func (b *Bus) Handle(name, msgType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep, ok := b.endpoints[name]
	if !ok {
		ep = &endpoint{
			name:     name,
			handlers: make(map[string]Handler),
			mailbox:  make(chan delivery, b.mailboxSz),
			done:     make(chan struct{}),
		}
		b.endpoints[name] = ep
		go ep.run()
	}
	ep.hmu.Lock()
	ep.handlers[msgType] = h
	ep.hmu.Unlock()
}

func (ep *endpoint) run() {
	for {
		select {
		case <-ep.done:
			// Drain pending requests so callers see the teardown
			// instead of hanging.
			for {
				select {
				case d := <-ep.mailbox:
					if d.reply != nil {
						d.reply <- result{err: ErrNoEndpoint}
					}
				default:
					return
				}
			}
		case d := <-ep.mailbox:
			h, ok := ep.handler(d.env.Type)
			if !ok {
				if d.reply != nil {
					d.reply <- result{err: ErrUnhandled}
				}
				continue
			}
			env, err := h(d.ctx, d.env)
			if d.reply != nil {
				d.reply <- result{env: env, err: err}
			}
		}
	}
}

func (b *Bus) lookup(name string) (*endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.endpoints[name]
	return ep, ok
}

// Request sends env to the named endpoint and waits for its single
// reply. The caller is suspended until the reply arrives, ctx is done,
// or the endpoint goes away.
func (b *Bus) Request(ctx context.Context, name string, env Envelope) (Envelope, error) {
	ep, ok := b.lookup(name)
	if !ok {
		return Envelope{}, ErrNoEndpoint
	}

	reply := make(chan result, 1)
	d := delivery{ctx: ctx, env: env, reply: reply}

	select {
	case ep.mailbox <- d:
	case <-ep.done:
		return Envelope{}, ErrNoEndpoint
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.env, r.err
	case <-ep.done:
		return Envelope{}, ErrNoEndpoint
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Notify enqueues env on the named endpoint without waiting for the
// handler to run. Delivery to a missing or detached endpoint is silently
// dropped; that is expected when a context was torn down mid-flight.
func (b *Bus) Notify(name string, env Envelope) {
	ep, ok := b.lookup(name)
	if !ok {
		return
	}
	select {
	case ep.mailbox <- delivery{ctx: context.Background(), env: env}:
	case <-ep.done:
	}
}

// Publish broadcasts env to every subscriber. Slow subscribers are
// skipped rather than blocking the publisher.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
		}
	}
}

// Subscribe returns a channel receiving all published envelopes and a
// cancel function that removes the subscription. After cancel returns,
// no further sends happen on the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Envelope, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Detach tears the named endpoint down, simulating termination of its
// context. Pending and future requests fail with ErrNoEndpoint until a
// new Handle call recreates the endpoint.
func (b *Bus) Detach(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep, ok := b.endpoints[name]
	if !ok {
		return
	}
	delete(b.endpoints, name)
	close(ep.done)
}

// HasEndpoint reports whether the named endpoint is currently attached.
func (b *Bus) HasEndpoint(name string) bool {
	_, ok := b.lookup(name)
	return ok
}
