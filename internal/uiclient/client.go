// Package uiclient is the presentation-side view of the playback
// session. A client is ephemeral: it may be created and destroyed at any
// time while the orchestrator and worker keep running, so it holds no
// authoritative state. On every activation it re-synchronizes from the
// orchestrator before trusting anything it remembers.
package uiclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"birdsong-orchestrator/internal/bus"
	"birdsong-orchestrator/internal/protocol"
)

// ErrBusy is returned while a prior command's response is outstanding;
// controls are non-actionable until it arrives.
var ErrBusy = errors.New("uiclient: command in flight")

// DefaultPollInterval is how often the countdown display is refreshed
// against the orchestrator while waiting. Polling the source of truth
// beats a local timer, which drifts if the process is suspended.
const DefaultPollInterval = time.Second

// Client mirrors, but never owns, the playback session for display.
type Client struct {
	bus  *bus.Bus
	log  *slog.Logger
	poll time.Duration

	mu      sync.Mutex
	state   protocol.FullState
	syncing bool
	loading bool
	active  bool
	unsub   func()
	stop    chan struct{}
}

// New returns an inactive client. pollInterval <= 0 selects
// DefaultPollInterval.
func New(b *bus.Bus, pollInterval time.Duration, log *slog.Logger) *Client {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Client{bus: b, log: log, poll: pollInterval}
}

// Activate runs the mandatory synchronization sequence: enter syncing,
// fetch the composite state, adopt it if a session is active (else reset
// to idle), leave syncing, then subscribe to push notifications and
// start the waiting-countdown poll. It must be called on every
// activation; the previous local state is never trusted.
func (c *Client) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.syncing = true
	c.mu.Unlock()

	full, err := c.fetchFullState(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncing = false
	if err != nil {
		// Degrade to idle rather than showing stale state.
		c.state = protocol.FullState{}
		c.log.Warn("sync failed, showing idle", "error", err)
	} else if full.IsPlaying {
		c.state = full
	} else {
		c.state = protocol.FullState{Region: full.Region}
	}

	ch, unsub := c.bus.Subscribe(16)
	c.unsub = unsub
	c.stop = make(chan struct{})
	c.active = true

	go c.consume(ch, c.stop)
	go c.pollWaiting(c.stop)
	return nil
}

// Deactivate unsubscribes and stops the poll; the session keeps running
// without us. Safe to call repeatedly.
func (c *Client) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.active = false
	c.unsub()
	close(c.stop)
}

// Snapshot returns the current display state.
func (c *Client) Snapshot() protocol.FullState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Syncing reports whether the activation sync is in progress.
func (c *Client) Syncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// Loading reports whether a command response is outstanding.
func (c *Client) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// CanNext reports whether the skip control is actionable: not while a
// command is in flight, and not during the wait gap; there is no clip
// to skip yet.
func (c *Client) CanNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.loading && !c.state.IsWaiting
}

// CanPause mirrors CanNext for the pause control.
func (c *Client) CanPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.loading && !c.state.IsWaiting
}

// Start begins a session for region.
func (c *Client) Start(ctx context.Context, region string) (protocol.CommandResult, error) {
	return c.command(ctx, protocol.CmdStart, protocol.StartRequest{Region: region})
}

// Stop ends the session.
func (c *Client) Stop(ctx context.Context) (protocol.CommandResult, error) {
	return c.command(ctx, protocol.CmdStop, nil)
}

// Pause suspends audio.
func (c *Client) Pause(ctx context.Context) (protocol.CommandResult, error) {
	return c.command(ctx, protocol.CmdPause, nil)
}

// Resume lifts a pause.
func (c *Client) Resume(ctx context.Context) (protocol.CommandResult, error) {
	return c.command(ctx, protocol.CmdResume, nil)
}

// Next skips to a fresh bird immediately.
func (c *Client) Next(ctx context.Context) (protocol.CommandResult, error) {
	return c.command(ctx, protocol.CmdNext, nil)
}

// command sends one orchestrator command under the loading guard.
func (c *Client) command(ctx context.Context, msgType string, payload any) (protocol.CommandResult, error) {
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return protocol.CommandResult{}, ErrBusy
	}
	c.loading = true
	c.mu.Unlock()

	reply, err := c.bus.Request(ctx, protocol.EndpointOrchestrator,
		bus.Envelope{Type: msgType, Payload: payload})

	c.mu.Lock()
	c.loading = false
	c.mu.Unlock()

	if err != nil {
		return protocol.CommandResult{}, err
	}
	res, _ := reply.Payload.(protocol.CommandResult)
	return res, nil
}

func (c *Client) fetchFullState(ctx context.Context) (protocol.FullState, error) {
	reply, err := c.bus.Request(ctx, protocol.EndpointOrchestrator,
		bus.Envelope{Type: protocol.CmdGetFullState})
	if err != nil {
		return protocol.FullState{}, err
	}
	full, ok := reply.Payload.(protocol.FullState)
	if !ok {
		return protocol.FullState{}, errors.New("uiclient: unexpected state payload")
	}
	return full, nil
}

// consume applies push notifications optimistically to the local
// display state, without re-querying the full snapshot.
func (c *Client) consume(ch <-chan bus.Envelope, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case env := <-ch:
			c.apply(env)
		}
	}
}

func (c *Client) apply(env bus.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch env.Type {
	case protocol.NtfBirdChanged:
		if bird, ok := env.Payload.(protocol.Bird); ok {
			c.state.CurrentBird = &bird
			c.state.IsPlaying = true
			c.state.IsPaused = false
			c.state.IsWaiting = false
			c.state.WaitingRemaining = 0
		}
	case protocol.NtfAudioStarted:
		c.state.IsPlaying = true
		c.state.IsPaused = false
	case protocol.NtfAudioPaused:
		c.state.IsPaused = true
	case protocol.NtfAudioResumed:
		c.state.IsPaused = false
	case protocol.NtfWaitingStarted:
		c.state.IsWaiting = true
		c.state.IsPaused = false
	case protocol.NtfWaitingCancelled:
		c.state.IsWaiting = false
		c.state.WaitingRemaining = 0
	default:
		// Other listeners' traffic; not ours to interpret.
	}
}

// pollWaiting keeps the countdown honest while waiting by re-reading the
// source of truth once per interval.
func (c *Client) pollWaiting(stop <-chan struct{}) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			waiting := c.state.IsWaiting
			c.mu.Unlock()
			if !waiting {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.poll)
			full, err := c.fetchFullState(ctx)
			cancel()
			if err != nil {
				c.log.Debug("waiting poll failed", "error", err)
				continue
			}

			c.mu.Lock()
			if c.state.IsWaiting {
				c.state = full
			}
			c.mu.Unlock()
		}
	}
}
