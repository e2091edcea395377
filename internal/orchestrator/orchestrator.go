// Package orchestrator is the single source of truth for playback
// session state. It is the only component that calls the search
// collaborator or instructs the audio worker; the UI and the worker
// reach it exclusively over the bus. Every session mutation is persisted
// before the handler returns, because the host may reclaim this context
// between any two messages.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"birdsong-orchestrator/internal/bus"
	"birdsong-orchestrator/internal/platform/metrics"
	"birdsong-orchestrator/internal/protocol"
	"birdsong-orchestrator/internal/search"
	"birdsong-orchestrator/internal/store"
	"birdsong-orchestrator/internal/worker"
)

// DefaultWaitGap is the fixed pause between one clip ending and the next
// beginning. It rate-limits calls to the external APIs and gives the
// listener a deliberate gap between species.
const DefaultWaitGap = 60 * time.Second

// cmdRecover is the internal message that routes startup recovery
// through the mailbox, so it is serialized with everything else.
const cmdRecover = "recover"

// Orchestrator coordinates playback intent. All handlers run on its bus
// mailbox; session state is never touched from another goroutine.
type Orchestrator struct {
	bus      *bus.Bus
	store    store.Store
	searcher search.Searcher
	workers  *worker.Manager
	log      *slog.Logger
	metrics  *metrics.Metrics // may be nil
	waitGap  time.Duration

	session protocol.SessionState
	wait    *waitTask
	waitGen uint64
}

// New returns an orchestrator with an empty session. waitGap <= 0
// selects DefaultWaitGap; m may be nil to disable metric recording.
func New(b *bus.Bus, st store.Store, searcher search.Searcher, workers *worker.Manager,
	waitGap time.Duration, log *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if waitGap <= 0 {
		waitGap = DefaultWaitGap
	}
	return &Orchestrator{
		bus:      b,
		store:    st,
		searcher: searcher,
		workers:  workers,
		log:      log,
		metrics:  m,
		waitGap:  waitGap,
	}
}

// Register attaches command and event handlers to the orchestrator's
// bus endpoint.
func (o *Orchestrator) Register() {
	handlers := map[string]bus.Handler{
		protocol.CmdStart:        o.handleStart,
		protocol.CmdStop:         o.handleStop,
		protocol.CmdPause:        o.handlePause,
		protocol.CmdResume:       o.handleResume,
		protocol.CmdNext:         o.handleNext,
		protocol.CmdGetFullState: o.handleGetFullState,
		protocol.EvtAudioStarted: o.handleAudioStarted,
		protocol.EvtAudioPaused:  o.handleAudioPaused,
		protocol.EvtAudioResumed: o.handleAudioResumed,
		protocol.EvtAudioEnded:   o.handleAudioEnded,
		protocol.EvtAudioError:   o.handleAudioError,
		protocol.EvtWaitElapsed:  o.handleWaitElapsed,
		cmdRecover:               o.handleRecover,
	}
	for typ, h := range handlers {
		o.bus.Handle(protocol.EndpointOrchestrator, typ, h)
	}
}

// persist writes the session to durable storage. A failed write is
// logged, not propagated: losing resumption data must not break live
// playback.
func (o *Orchestrator) persist() {
	if err := o.store.SaveSession(o.session); err != nil {
		o.log.Error("persist session failed", "error", err)
	}
	if o.metrics != nil {
		o.metrics.SetSessionActive(o.session.IsPlaying)
	}
}

func (o *Orchestrator) publish(msgType string, payload any) {
	o.bus.Publish(bus.Envelope{Type: msgType, Payload: payload})
}

func resultEnvelope(msgType string, res protocol.CommandResult) (bus.Envelope, error) {
	return bus.Envelope{Type: msgType, Payload: res}, nil
}

// handleStart begins a session: fetch a bird for the region, adopt it,
// and instruct the worker to play. The session is only marked active
// once a bird exists, preserving "no bird implies not playing".
func (o *Orchestrator) handleStart(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	req, _ := env.Payload.(protocol.StartRequest)

	wasWaiting := o.session.IsWaiting
	o.cancelWait(true)
	if wasWaiting {
		o.publish(protocol.NtfWaitingCancelled, nil)
	}

	bird, err := o.findBird(ctx, req.Region)
	if err != nil || bird == nil {
		if wasWaiting {
			// The gap above was cancelled; an active session must keep
			// a timer pending or it never retries.
			o.enterWait()
		}
		sentinel := search.NoResultBird(req.Region)
		return resultEnvelope(env.Type, protocol.CommandResult{
			Success: false,
			Bird:    sentinel,
			Err:     sentinel.Message,
		})
	}

	o.session = protocol.SessionState{
		CurrentBird: bird,
		IsPlaying:   true,
		Region:      req.Region,
	}
	o.persist()
	o.playCurrent(ctx)
	o.publish(protocol.NtfBirdChanged, *bird)

	o.log.Info("session started", "region", req.Region, "common_name", bird.CommonName)
	return resultEnvelope(env.Type, protocol.CommandResult{Success: true, Bird: bird})
}

// handleStop cancels any pending wait, clears the session, and silences
// the worker. The region filter survives as a convenience for the next
// start.
func (o *Orchestrator) handleStop(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	wasWaiting := o.session.IsWaiting
	o.cancelWait(false)

	o.session = protocol.SessionState{Region: o.session.Region}
	o.persist()
	if wasWaiting {
		o.publish(protocol.NtfWaitingCancelled, nil)
	}

	// A plain request, not requestWorker: a dead worker is already
	// silent, so there is nothing to re-establish one for.
	if _, err := o.bus.Request(ctx, protocol.EndpointWorker, bus.Envelope{Type: protocol.CmdStopAudio}); err != nil {
		o.log.Debug("stop: worker unreachable", "error", err)
	}

	o.log.Info("session stopped")
	return resultEnvelope(env.Type, protocol.CommandResult{Success: true})
}

// handlePause suspends audio. It is a success no-op when there is no
// active session, during the wait gap, and when already paused: paused
// implies an active session and excludes waiting.
func (o *Orchestrator) handlePause(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	if !o.session.IsPlaying || o.session.IsWaiting || o.session.IsPaused {
		return resultEnvelope(env.Type, protocol.CommandResult{Success: true})
	}

	o.session.IsPaused = true
	o.persist()
	if _, err := o.requestWorker(ctx, bus.Envelope{Type: protocol.CmdPauseAudio}); err != nil {
		o.log.Warn("pause: worker unreachable", "error", err)
	}
	return resultEnvelope(env.Type, protocol.CommandResult{Success: true})
}

// handleResume lifts a pause; a no-op unless actually paused.
func (o *Orchestrator) handleResume(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	if !o.session.IsPlaying || !o.session.IsPaused {
		return resultEnvelope(env.Type, protocol.CommandResult{Success: true})
	}

	o.session.IsPaused = false
	o.persist()
	if _, err := o.requestWorker(ctx, bus.Envelope{Type: protocol.CmdResumeAudio}); err != nil {
		o.log.Warn("resume: worker unreachable", "error", err)
	}
	return resultEnvelope(env.Type, protocol.CommandResult{Success: true})
}

// handleNext advances to a fresh bird immediately, bypassing the wait
// gap. Requires an active session. If no bird is found the current clip
// keeps playing and the caller gets the sentinel; when next arrived
// during a gap, the gap is re-entered so the session retries instead of
// sitting with no timer pending.
func (o *Orchestrator) handleNext(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	if !o.session.IsPlaying {
		return resultEnvelope(env.Type, protocol.CommandResult{
			Success: false,
			Err:     "Playback is not running. Press start first.",
		})
	}

	wasWaiting := o.session.IsWaiting
	o.cancelWait(false)
	if wasWaiting {
		o.publish(protocol.NtfWaitingCancelled, nil)
	}

	bird := o.advance(ctx)
	if bird == nil {
		if wasWaiting {
			o.enterWait()
		}
		sentinel := search.NoResultBird(o.session.Region)
		return resultEnvelope(env.Type, protocol.CommandResult{
			Success: false,
			Bird:    sentinel,
			Err:     sentinel.Message,
		})
	}
	return resultEnvelope(env.Type, protocol.CommandResult{Success: true, Bird: bird})
}

// advance fetches a new bird for the current region and plays it.
// Returns nil when the collaborator had nothing; the session stays
// intact either way.
func (o *Orchestrator) advance(ctx context.Context) *protocol.Bird {
	bird, err := o.findBird(ctx, o.session.Region)
	if err != nil || bird == nil {
		return nil
	}

	o.session.CurrentBird = bird
	o.session.IsPaused = false
	o.session.IsWaiting = false
	o.session.WaitingStart = time.Time{}
	o.persist()
	o.playCurrent(ctx)
	o.publish(protocol.NtfBirdChanged, *bird)
	return bird
}

// findBird queries the collaborator. Search errors are folded into "no
// bird": both degrade to the same user-facing condition.
func (o *Orchestrator) findBird(ctx context.Context, region string) (*protocol.Bird, error) {
	if o.metrics != nil {
		o.metrics.IncSearches()
	}
	bird, err := o.searcher.Search(ctx, region)
	if err != nil {
		o.log.Warn("bird search failed", "region", region, "error", err)
		return nil, err
	}
	return bird, nil
}

// playCurrent instructs the worker to load and play the session's bird.
// Playback failures arrive later as audioError events; an unreachable
// worker is logged and the session left intact rather than failing the
// command.
func (o *Orchestrator) playCurrent(ctx context.Context) {
	if o.session.CurrentBird == nil {
		return
	}
	env := bus.Envelope{
		Type:    protocol.CmdPlayAudio,
		Payload: protocol.PlayRequest{URL: o.session.CurrentBird.AudioURL, Bird: *o.session.CurrentBird},
	}
	if _, err := o.requestWorker(ctx, env); err != nil {
		o.log.Error("play: worker unreachable after retry", "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.IncClipsPlayed()
	}
}

// requestWorker sends one command to the worker, attempting exactly one
// re-establish-and-retry cycle when it is unreachable.
func (o *Orchestrator) requestWorker(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	reply, err := o.bus.Request(ctx, protocol.EndpointWorker, env)
	if err == nil {
		return reply, nil
	}

	o.log.Warn("worker request failed, re-establishing", "type", env.Type, "error", err)
	if err := o.workers.EnsureReady(ctx); err != nil {
		return bus.Envelope{}, err
	}
	return o.bus.Request(ctx, protocol.EndpointWorker, env)
}

// handleGetFullState merges the session with the worker's live audio
// state; the live element wins on conflict. An unreachable worker (after
// one re-establish cycle) degrades to session-only state with a neutral
// audio snapshot.
func (o *Orchestrator) handleGetFullState(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	audio := o.liveAudioState(ctx)

	full := protocol.FullState{
		CurrentBird: o.session.CurrentBird,
		IsPlaying:   audio.IsPlaying || o.session.IsPlaying,
		IsPaused:    audio.IsPaused || o.session.IsPaused,
		Region:      o.session.Region,
		IsWaiting:   o.session.IsWaiting,
		Audio:       audio,
	}
	if o.session.IsWaiting {
		elapsed := time.Since(o.session.WaitingStart)
		if remaining := o.waitGap - elapsed; remaining > 0 {
			full.WaitingRemaining = remaining
		}
	}
	return bus.Envelope{Type: env.Type, Payload: full}, nil
}

func (o *Orchestrator) liveAudioState(ctx context.Context) protocol.AudioState {
	reply, err := o.requestWorker(ctx, bus.Envelope{Type: protocol.CmdGetAudioState})
	if err != nil {
		o.log.Warn("worker state unavailable, using neutral snapshot", "error", err)
		return protocol.NeutralAudioState()
	}
	state, ok := reply.Payload.(protocol.AudioState)
	if !ok {
		return protocol.NeutralAudioState()
	}
	return state
}

// handleAudioStarted resyncs belief with the worker: sound is flowing.
func (o *Orchestrator) handleAudioStarted(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	if o.session.CurrentBird != nil {
		o.session.IsPlaying = true
		o.session.IsPaused = false
		o.persist()
	}
	o.publish(protocol.NtfAudioStarted, nil)
	return bus.Envelope{}, nil
}

func (o *Orchestrator) handleAudioPaused(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	if o.session.IsPlaying && !o.session.IsWaiting {
		o.session.IsPaused = true
		o.persist()
	}
	o.publish(protocol.NtfAudioPaused, nil)
	return bus.Envelope{}, nil
}

func (o *Orchestrator) handleAudioResumed(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	if o.session.IsPlaying {
		o.session.IsPaused = false
		o.persist()
	}
	o.publish(protocol.NtfAudioResumed, nil)
	return bus.Envelope{}, nil
}

// handleAudioEnded enters the wait-then-advance gap on natural clip end.
// Ignored while stopped or paused; idempotent while already waiting, so
// a duplicate end event is harmless.
func (o *Orchestrator) handleAudioEnded(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	if !o.session.IsPlaying || o.session.IsPaused {
		return bus.Envelope{}, nil
	}
	o.enterWait()
	return bus.Envelope{}, nil
}

// handleAudioError advances immediately, with no wait, so a dead media URL
// never wedges the session. If no replacement is found, fall back to the
// wait gap and try again later.
func (o *Orchestrator) handleAudioError(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	if !o.session.IsPlaying || o.session.IsPaused {
		return bus.Envelope{}, nil
	}
	if payload, ok := env.Payload.(protocol.AudioErrorEvent); ok {
		o.log.Warn("audio error, advancing", "message", payload.Message)
	}
	if o.metrics != nil {
		o.metrics.IncPlaybackErrors()
	}

	o.cancelWait(true)
	if o.advance(ctx) == nil {
		o.enterWait()
	} else if o.metrics != nil {
		o.metrics.IncAutoAdvances()
	}
	return bus.Envelope{}, nil
}

// handleWaitElapsed fires when the wait gap ends. The generation and
// session checks guard the stop-during-wait race: a stale timer must
// never restart playback the user already stopped.
func (o *Orchestrator) handleWaitElapsed(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	evt, ok := env.Payload.(protocol.WaitElapsedEvent)
	if !ok || o.wait == nil || evt.Generation != o.wait.gen {
		return bus.Envelope{}, nil
	}
	o.wait = nil

	if !o.session.IsPlaying || !o.session.IsWaiting {
		return bus.Envelope{}, nil
	}

	o.session.IsWaiting = false
	o.session.WaitingStart = time.Time{}
	if o.advance(ctx) == nil {
		// Nothing to play yet; wait another gap and retry.
		o.enterWait()
	}
	return bus.Envelope{}, nil
}
