package orchestrator

import (
	"context"
	"time"

	"birdsong-orchestrator/internal/bus"
	"birdsong-orchestrator/internal/protocol"
)

// RestartReason says why the orchestrator is being reconstructed; the
// resume decision depends on it.
type RestartReason int

const (
	// ReasonHostRestart is a deliberate restart of the host process.
	// Resuming sound is a user preference (autoResume).
	ReasonHostRestart RestartReason = iota

	// ReasonWorkerRecycled means the orchestrator context was recycled
	// unexpectedly while the application kept running. The user never
	// asked for silence, so playback continuity is expected.
	ReasonWorkerRecycled
)

func (r RestartReason) String() string {
	if r == ReasonWorkerRecycled {
		return "worker-recycled"
	}
	return "host-restart"
}

// Recover rebuilds the session from durable storage and decides whether
// to re-establish sound. Safe to call from any goroutine: the work is
// routed through the mailbox like every other mutation.
func (o *Orchestrator) Recover(ctx context.Context, reason RestartReason) error {
	_, err := o.bus.Request(ctx, protocol.EndpointOrchestrator,
		bus.Envelope{Type: cmdRecover, Payload: reason})
	return err
}

// handleRecover implements the startup decision table:
//
//	worker already playing            -> resync session fields only
//	worker idle, unexpected recycle   -> resume unconditionally
//	worker idle, deliberate restart   -> resume iff options.autoResume,
//	                                     else clear the session to idle
func (o *Orchestrator) handleRecover(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	reason, _ := env.Payload.(RestartReason)

	persisted, ok, err := o.store.LoadSession()
	if err != nil {
		o.log.Error("recovery: load session failed", "error", err)
		return bus.Envelope{}, nil
	}
	if !ok || !persisted.IsPlaying {
		// No prior active session; adopt what there is (the region
		// filter survives) and stay idle.
		o.session = protocol.SessionState{Region: persisted.Region}
		o.log.Info("recovery: no active session to restore", "reason", reason.String())
		return bus.Envelope{}, nil
	}

	// A prior active session exists. The worker may still be alive with
	// audio flowing; ask it first.
	if err := o.workers.EnsureReady(ctx); err != nil {
		o.log.Error("recovery: worker unavailable", "error", err)
		o.session = protocol.SessionState{Region: persisted.Region}
		o.persist()
		return bus.Envelope{}, nil
	}
	audio := o.liveAudioState(ctx)

	switch {
	case audio.IsPlaying || audio.IsPaused:
		// Sound state is already correct; just resync belief.
		o.session = persisted
		o.session.IsPaused = audio.IsPaused
		o.session.IsWaiting = false
		o.persist()
		o.log.Info("recovery: worker still live, resynced",
			"reason", reason.String(), "paused", audio.IsPaused)

	case persisted.IsPaused:
		// The user paused deliberately; restore the suspended session
		// without starting sound.
		o.session = persisted
		o.session.IsWaiting = false
		o.persist()
		o.log.Info("recovery: restored paused session", "reason", reason.String())

	case reason == ReasonWorkerRecycled:
		o.resumePlayback(ctx, persisted)
		o.log.Info("recovery: resumed after unexpected recycle")

	default: // deliberate restart
		opts, _, err := o.store.LoadOptions()
		if err != nil {
			o.log.Error("recovery: load options failed", "error", err)
		}
		if opts.AutoResume {
			o.resumePlayback(ctx, persisted)
			o.log.Info("recovery: auto-resume enabled, resumed")
		} else {
			o.session = protocol.SessionState{Region: persisted.Region}
			o.persist()
			o.log.Info("recovery: auto-resume disabled, cleared session")
		}
	}
	return bus.Envelope{}, nil
}

// resumePlayback restores an active session and starts its clip afresh.
func (o *Orchestrator) resumePlayback(ctx context.Context, persisted protocol.SessionState) {
	o.session = persisted
	o.session.IsPaused = false
	o.session.IsWaiting = false
	o.session.WaitingStart = time.Time{}
	o.persist()
	o.playCurrent(ctx)
	if o.session.CurrentBird != nil {
		o.publish(protocol.NtfBirdChanged, *o.session.CurrentBird)
	}
}
