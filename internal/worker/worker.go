// Package worker is the audio-capable context: the only code that
// touches a real sound-producing element. It holds no business state,
// just the clip that is loaded right now.
// All handlers run on the worker's bus mailbox, so state access is
// single-threaded; the end-of-stream callback re-enters through a
// self-notify instead of touching state from the speaker goroutine.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"

	"birdsong-orchestrator/internal/bus"
	"birdsong-orchestrator/internal/protocol"
)

// evtClipEnded is the worker-internal self-notify carrying the id of the
// clip whose stream drained.
const evtClipEnded = "clipEnded"

const speakerBuffer = 100 * time.Millisecond

// clip is the single loaded media reference. At most one exists at a
// time; playAudio fully releases the previous one before binding the
// next.
type clip struct {
	id       uint64
	streamer beep.StreamSeekCloser
	ctrl     *beep.Ctrl
	format   beep.Format
	paused   bool
}

// Worker owns the audio element and exposes the imperative playback
// surface over the bus.
type Worker struct {
	bus    *bus.Bus
	loader Loader
	output Output
	log    *slog.Logger
	gain   float64

	clip   *clip
	nextID uint64
}

// New returns a worker. gain <= 0 selects DefaultGain.
func New(b *bus.Bus, loader Loader, output Output, gain float64, log *slog.Logger) *Worker {
	if gain <= 0 {
		gain = DefaultGain
	}
	return &Worker{bus: b, loader: loader, output: output, log: log, gain: gain}
}

// Register attaches the worker's handlers to its bus endpoint. After
// this returns the worker context is live.
func (w *Worker) Register() {
	w.bus.Handle(protocol.EndpointWorker, protocol.CmdPlayAudio, w.handlePlay)
	w.bus.Handle(protocol.EndpointWorker, protocol.CmdPauseAudio, w.handlePause)
	w.bus.Handle(protocol.EndpointWorker, protocol.CmdResumeAudio, w.handleResume)
	w.bus.Handle(protocol.EndpointWorker, protocol.CmdStopAudio, w.handleStop)
	w.bus.Handle(protocol.EndpointWorker, protocol.CmdGetAudioState, w.handleGetState)
	w.bus.Handle(protocol.EndpointWorker, evtClipEnded, w.handleClipEnded)
}

func (w *Worker) notify(msgType string, payload any) {
	w.bus.Notify(protocol.EndpointOrchestrator, bus.Envelope{Type: msgType, Payload: payload})
}

// handlePlay tears down the current clip, loads the new URL, wires the
// compressor and gain stages, and starts playback. Failures are reported
// through EvtAudioError, never surfaced as a handler error: the reply
// only acknowledges that the command was accepted, matching the
// asynchronous failure model the orchestrator's advance policy expects.
func (w *Worker) handlePlay(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	req, ok := env.Payload.(protocol.PlayRequest)
	if !ok {
		return bus.Envelope{}, errBadPayload(env.Type)
	}

	w.teardown()

	streamer, format, err := w.loader.Load(ctx, req.URL)
	if err != nil {
		w.log.Warn("audio load failed", "url", req.URL, "error", err)
		w.notify(protocol.EvtAudioError, protocol.AudioErrorEvent{Message: err.Error()})
		return ackEnvelope(env.Type), nil
	}

	if err := w.output.Init(format.SampleRate, format.SampleRate.N(speakerBuffer)); err != nil {
		streamer.Close()
		w.log.Error("audio output init failed", "error", err)
		w.notify(protocol.EvtAudioError, protocol.AudioErrorEvent{Message: err.Error()})
		return ackEnvelope(env.Type), nil
	}

	w.nextID++
	id := w.nextID

	chain := NewCompressor(streamer, format.SampleRate)
	gained := &effects.Gain{Streamer: chain, Gain: w.gain - 1}
	ctrl := &beep.Ctrl{Streamer: gained}

	w.clip = &clip{id: id, streamer: streamer, ctrl: ctrl, format: format}

	w.output.Play(beep.Seq(ctrl, beep.Callback(func() {
		// Speaker goroutine: route back through the mailbox.
		w.bus.Notify(protocol.EndpointWorker, bus.Envelope{Type: evtClipEnded, Payload: id})
	})))

	w.log.Info("clip playing",
		"url", req.URL,
		"common_name", req.Bird.CommonName,
		"sample_rate", int(format.SampleRate))
	w.notify(protocol.EvtAudioStarted, nil)
	return ackEnvelope(env.Type), nil
}

// handlePause pauses only on an actual transition; a duplicate pause is
// a silent no-op.
func (w *Worker) handlePause(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	if w.clip == nil || w.clip.paused {
		return ackEnvelope(env.Type), nil
	}
	w.output.Lock()
	w.clip.ctrl.Paused = true
	w.output.Unlock()
	w.clip.paused = true
	w.notify(protocol.EvtAudioPaused, nil)
	return ackEnvelope(env.Type), nil
}

// handleResume is the transition-only counterpart of handlePause.
func (w *Worker) handleResume(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	if w.clip == nil || !w.clip.paused {
		return ackEnvelope(env.Type), nil
	}
	w.output.Lock()
	w.clip.ctrl.Paused = false
	w.output.Unlock()
	w.clip.paused = false
	w.notify(protocol.EvtAudioResumed, nil)
	return ackEnvelope(env.Type), nil
}

// handleStop halts playback and drops the loaded media entirely.
func (w *Worker) handleStop(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	w.teardown()
	return ackEnvelope(env.Type), nil
}

// handleGetState reads the live element. This, not the orchestrator's
// session, is the ground truth for whether sound is coming out.
func (w *Worker) handleGetState(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	state := protocol.NeutralAudioState()
	if w.clip != nil {
		w.output.Lock()
		pos := w.clip.streamer.Position()
		length := w.clip.streamer.Len()
		w.output.Unlock()

		sr := w.clip.format.SampleRate
		state.CurrentTime = sr.D(pos).Seconds()
		state.Duration = sr.D(length).Seconds()
		state.IsPlaying = !w.clip.paused
		state.IsPaused = w.clip.paused && pos > 0
	}
	return bus.Envelope{Type: env.Type, Payload: state}, nil
}

// handleClipEnded fires when a stream drains naturally. The id guard
// makes a stale callback from an already-replaced clip harmless.
func (w *Worker) handleClipEnded(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
	id, ok := env.Payload.(uint64)
	if !ok || w.clip == nil || w.clip.id != id {
		return bus.Envelope{}, nil
	}
	w.clip.streamer.Close()
	w.clip = nil
	w.log.Info("clip ended")
	w.notify(protocol.EvtAudioEnded, nil)
	return bus.Envelope{}, nil
}

// teardown stops and fully releases the current clip, if any. Clearing
// the output first means the ended callback for the old clip never
// fires.
func (w *Worker) teardown() {
	if w.clip == nil {
		return
	}
	w.output.Clear()
	w.clip.streamer.Close()
	w.clip = nil
}

func ackEnvelope(msgType string) bus.Envelope {
	return bus.Envelope{Type: msgType, Payload: protocol.CommandResult{Success: true}}
}

func errBadPayload(msgType string) error {
	return fmt.Errorf("worker: unexpected payload for %q", msgType)
}
