package sequencer

import (
	"go.uber.org/zap"
)

// Phase names the sequencer states reported to progress observers.
type Phase string

const (
	PhaseFetching   Phase = "fetching"
	PhaseExtracting Phase = "extracting"
	PhaseDeleting   Phase = "deleting"
	PhaseMerging    Phase = "merging"
	PhaseCommitted  Phase = "committed"
	PhaseUpToDate   Phase = "up-to-date"
	PhaseFailed     Phase = "failed"
)

// Progress receives phase-change events. Implementations are observers
// only: they are called from a dedicated goroutine, in transition order, and
// nothing they do can redirect or block the patch loop.
type Progress interface {
	PhaseChanged(phase Phase, version, target int)
}

// Event is one recorded phase transition.
type Event struct {
	Phase   Phase
	Version int
	Target  int
}

// emitter decouples the patch loop from the observer. Events go through a
// buffered channel drained by one goroutine; if the observer falls far
// enough behind to fill the buffer, events are dropped rather than letting
// the observer stall extraction.
type emitter struct {
	ch   chan Event
	done chan struct{}
	obs  Progress
	log  *zap.Logger
}

func newEmitter(obs Progress, log *zap.Logger) *emitter {
	e := &emitter{
		ch:   make(chan Event, 128),
		done: make(chan struct{}),
		obs:  obs,
		log:  log,
	}
	go func() {
		defer close(e.done)
		for ev := range e.ch {
			if e.obs != nil {
				e.obs.PhaseChanged(ev.Phase, ev.Version, ev.Target)
			}
		}
	}()
	return e
}

func (e *emitter) emit(phase Phase, version, target int) {
	ev := Event{Phase: phase, Version: version, Target: target}
	select {
	case e.ch <- ev:
	default:
		e.log.Warn("progress event dropped, observer too slow",
			zap.String("phase", string(phase)),
			zap.Int("version", version))
	}
}

// close flushes pending events and waits for the drain goroutine, so every
// event emitted before close is delivered before Run returns.
func (e *emitter) close() {
	close(e.ch)
	<-e.done
}
