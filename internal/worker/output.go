package worker

import (
	"fmt"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

// Output is the sound device behind the worker. Tests substitute a fake
// so the package runs without a sound card.
//
// Lock/Unlock guard live mutations of a playing stream (pausing a
// beep.Ctrl, reading a streamer's position); Clear does its own locking
// and must not be called while holding Lock.
type Output interface {
	Init(sr beep.SampleRate, bufferSize int) error
	Play(s beep.Streamer)
	Lock()
	Unlock()
	Clear()
}

// SpeakerOutput plays through the process-wide beep speaker.
type SpeakerOutput struct{}

// Init implements Output; re-initializing switches the device to the
// new clip's sample rate.
func (SpeakerOutput) Init(sr beep.SampleRate, bufferSize int) error {
	if err := speaker.Init(sr, bufferSize); err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}
	return nil
}

// Play implements Output.
func (SpeakerOutput) Play(s beep.Streamer) { speaker.Play(s) }

// Lock implements Output.
func (SpeakerOutput) Lock() { speaker.Lock() }

// Unlock implements Output.
func (SpeakerOutput) Unlock() { speaker.Unlock() }

// Clear implements Output.
func (SpeakerOutput) Clear() { speaker.Clear() }
