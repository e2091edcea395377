// Package protocol defines the wire vocabulary shared by the three
// execution contexts: the value objects they exchange, the message type
// tags, and the command/result payload shapes. No context imports
// another context's package; they all speak protocol.
package protocol

import "time"

// Bird is the immutable value object produced by the search collaborator.
// AudioURL is the only required field. Message is populated only on the
// "no results" sentinel, in lieu of a valid bird.
type Bird struct {
	CommonName     string `json:"commonName"`
	ScientificName string `json:"scientificName"`
	SpeciesCode    string `json:"speciesCode"`
	AudioURL       string `json:"audioUrl"`
	ImageURL       string `json:"imageUrl,omitempty"`
	VideoURL       string `json:"videoUrl,omitempty"`
	Recordist      string `json:"recordist,omitempty"`
	Location       string `json:"location,omitempty"`
	ObservedDate   string `json:"observedDate,omitempty"`
	Message        string `json:"message,omitempty"`
}

// AudioState is the live snapshot of the audio element inside the worker.
// It is the ground truth for "is sound actually coming out", distinct
// from the orchestrator's belief about playback.
type AudioState struct {
	IsPlaying   bool    `json:"isPlaying"`
	IsPaused    bool    `json:"isPaused"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
}

// NeutralAudioState is the fallback snapshot used when the worker is
// unreachable.
func NeutralAudioState() AudioState {
	return AudioState{}
}

// SessionState is the orchestrator-owned playback session. Invariants:
// IsPaused implies IsPlaying; CurrentBird == nil implies !IsPlaying;
// IsPaused and IsWaiting are mutually exclusive.
type SessionState struct {
	CurrentBird  *Bird     `json:"currentBird"`
	IsPlaying    bool      `json:"isPlaying"`
	IsPaused     bool      `json:"isPaused"`
	Region       string    `json:"region"`
	IsWaiting    bool      `json:"isWaiting"`
	WaitingStart time.Time `json:"waitingStart,omitzero"`
}

// Valid reports whether the session satisfies its invariants.
func (s SessionState) Valid() bool {
	if s.IsPaused && !s.IsPlaying {
		return false
	}
	if s.CurrentBird == nil && s.IsPlaying {
		return false
	}
	if s.IsPaused && s.IsWaiting {
		return false
	}
	return true
}

// FullState is the composite snapshot returned by getFullState: session
// fields merged with the worker's live audio state.
type FullState struct {
	CurrentBird      *Bird         `json:"currentBird"`
	IsPlaying        bool          `json:"isPlaying"`
	IsPaused         bool          `json:"isPaused"`
	Region           string        `json:"region"`
	IsWaiting        bool          `json:"isWaiting"`
	WaitingRemaining time.Duration `json:"waitingRemainingMs"`
	Audio            AudioState    `json:"audio"`
}

// Options holds durable user preferences.
type Options struct {
	AutoResume bool `json:"autoResume"`
}

// Message types handled by the orchestrator endpoint (commands from the
// UI client, one response per request).
const (
	CmdStart        = "start"
	CmdStop         = "stop"
	CmdPause        = "pause"
	CmdResume       = "resume"
	CmdNext         = "next"
	CmdGetFullState = "getFullState"
)

// Message types handled by the worker endpoint (commands from the
// orchestrator).
const (
	CmdPlayAudio     = "playAudio"
	CmdPauseAudio    = "pauseAudio"
	CmdResumeAudio   = "resumeAudio"
	CmdStopAudio     = "stopAudio"
	CmdGetAudioState = "getAudioState"
)

// Event types notified to the orchestrator endpoint, fire-and-forget.
// EvtWaitElapsed is internal: the wait timer routes its firing through
// the bus so advancement is serialized with commands.
const (
	EvtAudioStarted = "audioStarted"
	EvtAudioPaused  = "audioPaused"
	EvtAudioResumed = "audioResumed"
	EvtAudioEnded   = "audioEnded"
	EvtAudioError   = "audioError"
	EvtWaitElapsed  = "waitElapsed"
)

// Notification types broadcast to UI subscribers. Senders never await
// these meaningfully.
const (
	NtfBirdChanged      = "birdChanged"
	NtfAudioStarted     = "notifyAudioStarted"
	NtfAudioPaused      = "notifyAudioPaused"
	NtfAudioResumed     = "notifyAudioResumed"
	NtfWaitingStarted   = "waitingStarted"
	NtfWaitingCancelled = "waitingCancelled"
)

// Endpoint names on the bus.
const (
	EndpointOrchestrator = "orchestrator"
	EndpointWorker       = "worker"
)

// StartRequest is the payload of CmdStart.
type StartRequest struct {
	Region string `json:"region"`
}

// CommandResult is the uniform response payload for playback commands.
// Bird is set by start/next on success; Err carries a user-facing
// message on failure.
type CommandResult struct {
	Success bool   `json:"success"`
	Bird    *Bird  `json:"bird,omitempty"`
	Err     string `json:"error,omitempty"`
}

// PlayRequest is the payload of CmdPlayAudio.
type PlayRequest struct {
	URL  string `json:"url"`
	Bird Bird   `json:"bird"`
}

// AudioErrorEvent is the payload of EvtAudioError.
type AudioErrorEvent struct {
	Message string `json:"message"`
}

// WaitElapsedEvent is the payload of EvtWaitElapsed. Generation guards
// against a stale timer firing after the wait it belonged to was
// cancelled and a new one scheduled.
type WaitElapsedEvent struct {
	Generation uint64 `json:"generation"`
}
