package orchestrator

import (
	"context"
	"testing"
	"time"

	"birdsong-orchestrator/internal/protocol"
)

func runRecover(t *testing.T, r *rig, reason RestartReason) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.orch.Recover(ctx, reason); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
}

func activeSession(bird *protocol.Bird, region string) protocol.SessionState {
	return protocol.SessionState{CurrentBird: bird, IsPlaying: true, Region: region}
}

func TestRecover_noPriorSession(t *testing.T) {
	r := newRig(t, 0)
	runRecover(t, r, ReasonHostRestart)

	full := r.fullState(t)
	if full.IsPlaying || full.CurrentBird != nil {
		t.Errorf("expected idle after recovery with no record: %+v", full)
	}
	if got := r.worker.count(protocol.CmdPlayAudio); got != 0 {
		t.Errorf("playAudio sent %d times, want 0", got)
	}
}

func TestRecover_inactiveSessionKeepsRegion(t *testing.T) {
	r := newRig(t, 0)
	r.store.SaveSession(protocol.SessionState{Region: "finland"})

	runRecover(t, r, ReasonHostRestart)

	full := r.fullState(t)
	if full.IsPlaying {
		t.Error("inactive session should not resume")
	}
	if full.Region != "finland" {
		t.Errorf("region = %q, want %q", full.Region, "finland")
	}
}

func TestRecover_workerStillPlayingResyncsOnly(t *testing.T) {
	r := newRig(t, 0)
	bird := testBird("wren")
	r.store.SaveSession(activeSession(bird, "norway"))
	r.worker.setAudio(protocol.AudioState{IsPlaying: true, CurrentTime: 12, Duration: 30})

	runRecover(t, r, ReasonWorkerRecycled)

	full := r.fullState(t)
	if !full.IsPlaying || full.CurrentBird == nil || full.CurrentBird.CommonName != "wren" {
		t.Errorf("session not resynced: %+v", full)
	}
	// Sound was already flowing; restarting the clip would be audible.
	if got := r.worker.count(protocol.CmdPlayAudio); got != 0 {
		t.Errorf("playAudio sent %d times, want 0", got)
	}
}

func TestRecover_workerPausedResyncsPauseFlag(t *testing.T) {
	r := newRig(t, 0)
	bird := testBird("wren")
	r.store.SaveSession(activeSession(bird, ""))
	r.worker.setAudio(protocol.AudioState{IsPaused: true, CurrentTime: 5, Duration: 30})

	runRecover(t, r, ReasonHostRestart)

	full := r.fullState(t)
	if !full.IsPaused {
		t.Error("pause state not adopted from the live element")
	}
	if got := r.worker.count(protocol.CmdPlayAudio); got != 0 {
		t.Errorf("playAudio sent %d times, want 0", got)
	}
}

func TestRecover_persistedPauseRestoredSilently(t *testing.T) {
	r := newRig(t, 0)
	s := activeSession(testBird("owl"), "")
	s.IsPaused = true
	r.store.SaveSession(s)

	runRecover(t, r, ReasonHostRestart)

	full := r.fullState(t)
	if !full.IsPlaying || !full.IsPaused {
		t.Errorf("paused session not restored: %+v", full)
	}
	if got := r.worker.count(protocol.CmdPlayAudio); got != 0 {
		t.Errorf("playAudio sent %d times, want 0 for a paused restore", got)
	}
}

func TestRecover_unexpectedRecycleResumesUnconditionally(t *testing.T) {
	r := newRig(t, 0)
	r.store.SaveSession(activeSession(testBird("lark"), ""))
	// autoResume off; an unexpected recycle resumes regardless.
	r.store.SaveOptions(protocol.Options{AutoResume: false})

	runRecover(t, r, ReasonWorkerRecycled)

	full := r.fullState(t)
	if !full.IsPlaying || full.IsPaused {
		t.Errorf("session not resumed: %+v", full)
	}
	if got := r.worker.count(protocol.CmdPlayAudio); got != 1 {
		t.Errorf("playAudio sent %d times, want 1", got)
	}
}

func TestRecover_hostRestartHonorsAutoResume(t *testing.T) {
	for _, tc := range []struct {
		name       string
		autoResume bool
		wantPlays  int
	}{
		{"enabled resumes", true, 1},
		{"disabled stays idle", false, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, 0)
			r.store.SaveSession(activeSession(testBird("lark"), "sweden"))
			r.store.SaveOptions(protocol.Options{AutoResume: tc.autoResume})

			runRecover(t, r, ReasonHostRestart)

			full := r.fullState(t)
			if full.IsPlaying != tc.autoResume {
				t.Errorf("IsPlaying = %v, want %v", full.IsPlaying, tc.autoResume)
			}
			if full.Region != "sweden" {
				t.Errorf("region = %q, want %q", full.Region, "sweden")
			}
			if got := r.worker.count(protocol.CmdPlayAudio); got != tc.wantPlays {
				t.Errorf("playAudio sent %d times, want %d", got, tc.wantPlays)
			}
		})
	}
}

func TestRecover_resumePublishesBirdChanged(t *testing.T) {
	r := newRig(t, 0)
	r.store.SaveSession(activeSession(testBird("lark"), ""))
	events, cancel := r.bus.Subscribe(16)
	defer cancel()

	runRecover(t, r, ReasonWorkerRecycled)

	select {
	case env := <-events:
		if env.Type != protocol.NtfBirdChanged {
			t.Errorf("notification = %q, want %q", env.Type, protocol.NtfBirdChanged)
		}
	case <-time.After(time.Second):
		t.Error("no birdChanged after resume")
	}
}
