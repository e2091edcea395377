package orchestrator

import (
	"time"

	"birdsong-orchestrator/internal/bus"
	"birdsong-orchestrator/internal/protocol"
)

// waitTask is the one cancellable background operation: the handle to a
// scheduled wait-then-advance. Holding an explicit handle (rather than a
// bare timer id) lets stop and next prove cancellation happened, and the
// generation ties a firing back to the wait it belongs to.
type waitTask struct {
	gen   uint64
	timer *time.Timer
}

// enterWait starts the gap between clips. Idempotent: a duplicate end
// event while already waiting changes nothing.
func (o *Orchestrator) enterWait() {
	if o.session.IsWaiting && o.wait != nil {
		return
	}

	o.waitGen++
	gen := o.waitGen

	o.session.IsWaiting = true
	o.session.IsPaused = false
	o.session.WaitingStart = time.Now()
	o.persist()
	o.publish(protocol.NtfWaitingStarted, nil)
	if o.metrics != nil {
		o.metrics.IncWaitsStarted()
	}

	timer := time.AfterFunc(o.waitGap, func() {
		// Timer goroutine: route the firing through the mailbox so it
		// is serialized with commands and re-checked against session
		// state there.
		o.bus.Notify(protocol.EndpointOrchestrator, bus.Envelope{
			Type:    protocol.EvtWaitElapsed,
			Payload: protocol.WaitElapsedEvent{Generation: gen},
		})
	})
	o.wait = &waitTask{gen: gen, timer: timer}

	o.log.Debug("wait gap started", "gap", o.waitGap)
}

// cancelWait stops any pending wait timer. When clearFlags is true the
// waiting fields are reset and persisted too; callers that rewrite the
// whole session themselves pass false.
func (o *Orchestrator) cancelWait(clearFlags bool) {
	if o.wait != nil {
		o.wait.timer.Stop()
		o.wait = nil
		if o.metrics != nil {
			o.metrics.IncWaitsCancelled()
		}
	}
	if clearFlags && o.session.IsWaiting {
		o.session.IsWaiting = false
		o.session.WaitingStart = time.Time{}
		o.persist()
	}
}
