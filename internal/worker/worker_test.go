package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/faiface/beep"

	"birdsong-orchestrator/internal/bus"
	"birdsong-orchestrator/internal/protocol"
)

// fakeStream is a silent in-memory stream of the given length.
type fakeStream struct {
	length int
	pos    int
	closed bool
}

func (f *fakeStream) Stream(samples [][2]float64) (int, bool) {
	if f.pos >= f.length {
		return 0, false
	}
	n := len(samples)
	if rest := f.length - f.pos; rest < n {
		n = rest
	}
	for i := 0; i < n; i++ {
		samples[i] = [2]float64{}
	}
	f.pos += n
	return n, true
}

func (f *fakeStream) Err() error    { return nil }
func (f *fakeStream) Len() int      { return f.length }
func (f *fakeStream) Position() int { return f.pos }
func (f *fakeStream) Seek(p int) error {
	f.pos = p
	return nil
}
func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

// fakeLoader hands out prepared streams, or an error.
type fakeLoader struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
	loads   int
}

func (l *fakeLoader) Load(ctx context.Context, url string) (beep.StreamSeekCloser, beep.Format, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.err != nil {
		return nil, beep.Format{}, l.err
	}
	s := l.streams[0]
	if len(l.streams) > 1 {
		l.streams = l.streams[1:]
	}
	return s, beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2}, nil
}

// fakeOutput records what was played and lets tests drive the stream
// manually in place of a sound card.
type fakeOutput struct {
	mu      sync.Mutex
	current beep.Streamer
	inits   int
	clears  int
}

func (o *fakeOutput) Init(sr beep.SampleRate, bufferSize int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inits++
	return nil
}

func (o *fakeOutput) Play(s beep.Streamer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = s
}

func (o *fakeOutput) Lock()   { o.mu.Lock() }
func (o *fakeOutput) Unlock() { o.mu.Unlock() }

func (o *fakeOutput) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clears++
	o.current = nil
}

// drain pulls samples like the speaker would until the stream reports
// done, firing any end-of-stream callback.
func (o *fakeOutput) drain() {
	buf := make([][2]float64, 512)
	for {
		o.mu.Lock()
		s := o.current
		o.mu.Unlock()
		if s == nil {
			return
		}
		if _, ok := s.Stream(buf); !ok {
			return
		}
	}
}

type fixture struct {
	bus    *bus.Bus
	worker *Worker
	loader *fakeLoader
	output *fakeOutput
	events chan string
}

func newFixture(t *testing.T, loader *fakeLoader) *fixture {
	t.Helper()
	b := bus.New(0)
	out := &fakeOutput{}
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	w := New(b, loader, out, 0, log)
	w.Register()

	events := make(chan string, 32)
	capture := func(ctx context.Context, env bus.Envelope) (bus.Envelope, error) {
		events <- env.Type
		return bus.Envelope{}, nil
	}
	for _, typ := range []string{
		protocol.EvtAudioStarted, protocol.EvtAudioPaused, protocol.EvtAudioResumed,
		protocol.EvtAudioEnded, protocol.EvtAudioError,
	} {
		b.Handle(protocol.EndpointOrchestrator, typ, capture)
	}
	return &fixture{bus: b, worker: w, loader: loader, output: out, events: events}
}

func (f *fixture) send(t *testing.T, msgType string, payload any) {
	t.Helper()
	_, err := f.bus.Request(context.Background(), protocol.EndpointWorker,
		bus.Envelope{Type: msgType, Payload: payload})
	if err != nil {
		t.Fatalf("%s: %v", msgType, err)
	}
}

func (f *fixture) play(t *testing.T, url string) {
	t.Helper()
	f.send(t, protocol.CmdPlayAudio, protocol.PlayRequest{URL: url})
}

func (f *fixture) expectEvent(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.events:
		if got != want {
			t.Fatalf("event = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (f *fixture) expectNoEvent(t *testing.T) {
	t.Helper()
	select {
	case got := <-f.events:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func (f *fixture) audioState(t *testing.T) protocol.AudioState {
	t.Helper()
	reply, err := f.bus.Request(context.Background(), protocol.EndpointWorker,
		bus.Envelope{Type: protocol.CmdGetAudioState})
	if err != nil {
		t.Fatalf("getAudioState: %v", err)
	}
	return reply.Payload.(protocol.AudioState)
}

func TestPlay_emits_started_and_reports_playing(t *testing.T) {
	f := newFixture(t, &fakeLoader{streams: []*fakeStream{{length: 44100}}})

	f.play(t, "https://example.org/a.mp3")
	f.expectEvent(t, protocol.EvtAudioStarted)

	state := f.audioState(t)
	if !state.IsPlaying || state.IsPaused {
		t.Errorf("state = %+v, want playing", state)
	}
	if state.Duration != 1.0 {
		t.Errorf("duration = %v, want 1s", state.Duration)
	}
}

func TestPlay_load_failure_emits_error(t *testing.T) {
	f := newFixture(t, &fakeLoader{err: errors.New("404")})

	f.play(t, "https://example.org/broken.mp3")
	f.expectEvent(t, protocol.EvtAudioError)

	state := f.audioState(t)
	if state.IsPlaying || state.IsPaused {
		t.Errorf("state after failed load = %+v, want nothing loaded", state)
	}
}

func TestPlay_tears_down_previous_clip(t *testing.T) {
	first := &fakeStream{length: 44100}
	second := &fakeStream{length: 44100}
	f := newFixture(t, &fakeLoader{streams: []*fakeStream{first, second}})

	f.play(t, "https://example.org/a.mp3")
	f.expectEvent(t, protocol.EvtAudioStarted)
	f.play(t, "https://example.org/b.mp3")
	f.expectEvent(t, protocol.EvtAudioStarted)

	if !first.closed {
		t.Error("previous stream not released")
	}
	f.output.mu.Lock()
	clears := f.output.clears
	f.output.mu.Unlock()
	if clears == 0 {
		t.Error("output never cleared between clips")
	}
}

func TestPause_is_transition_only(t *testing.T) {
	f := newFixture(t, &fakeLoader{streams: []*fakeStream{{length: 44100, pos: 10}}})
	f.play(t, "https://example.org/a.mp3")
	f.expectEvent(t, protocol.EvtAudioStarted)

	f.send(t, protocol.CmdPauseAudio, nil)
	f.expectEvent(t, protocol.EvtAudioPaused)

	state := f.audioState(t)
	if !state.IsPaused || state.IsPlaying {
		t.Errorf("state = %+v, want paused", state)
	}

	// Second pause: same observable state, no duplicate event.
	f.send(t, protocol.CmdPauseAudio, nil)
	f.expectNoEvent(t)
	if got := f.audioState(t); got != state {
		t.Errorf("state changed on duplicate pause: %+v vs %+v", got, state)
	}
}

func TestResume_is_transition_only(t *testing.T) {
	f := newFixture(t, &fakeLoader{streams: []*fakeStream{{length: 44100, pos: 10}}})
	f.play(t, "https://example.org/a.mp3")
	f.expectEvent(t, protocol.EvtAudioStarted)

	// Resume while already playing: no event.
	f.send(t, protocol.CmdResumeAudio, nil)
	f.expectNoEvent(t)

	f.send(t, protocol.CmdPauseAudio, nil)
	f.expectEvent(t, protocol.EvtAudioPaused)
	f.send(t, protocol.CmdResumeAudio, nil)
	f.expectEvent(t, protocol.EvtAudioResumed)

	if state := f.audioState(t); !state.IsPlaying {
		t.Errorf("state = %+v, want playing after resume", state)
	}
}

func TestStop_drops_loaded_media(t *testing.T) {
	stream := &fakeStream{length: 44100}
	f := newFixture(t, &fakeLoader{streams: []*fakeStream{stream}})
	f.play(t, "https://example.org/a.mp3")
	f.expectEvent(t, protocol.EvtAudioStarted)

	f.send(t, protocol.CmdStopAudio, nil)

	if !stream.closed {
		t.Error("stream not released on stop")
	}
	state := f.audioState(t)
	if state.IsPlaying || state.IsPaused || state.Duration != 0 {
		t.Errorf("state after stop = %+v, want nothing loaded", state)
	}
	// Stop with nothing loaded is a no-op.
	f.send(t, protocol.CmdStopAudio, nil)
}

func TestNaturalEnd_emits_ended(t *testing.T) {
	f := newFixture(t, &fakeLoader{streams: []*fakeStream{{length: 1024}}})
	f.play(t, "https://example.org/a.mp3")
	f.expectEvent(t, protocol.EvtAudioStarted)

	f.output.drain()
	f.expectEvent(t, protocol.EvtAudioEnded)

	// Wait for the self-notify to be processed before reading state.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if state := f.audioState(t); !state.IsPlaying {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("clip still reported loaded after natural end")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_EnsureReady_idempotent(t *testing.T) {
	b := bus.New(0)
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	created := 0
	m := NewManager(b, func(ctx context.Context) (*Worker, error) {
		created++
		return New(b, &fakeLoader{streams: []*fakeStream{{length: 1}}}, &fakeOutput{}, 0, log), nil
	})

	if err := m.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if err := m.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady again: %v", err)
	}
	if created != 1 {
		t.Errorf("factory ran %d times, want 1", created)
	}
	if !m.Alive() {
		t.Error("worker should be alive")
	}

	m.Reset()
	if m.Alive() {
		t.Error("worker should be gone after Reset")
	}
	if err := m.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady after Reset: %v", err)
	}
	if created != 2 {
		t.Errorf("factory ran %d times after reset, want 2", created)
	}
}
