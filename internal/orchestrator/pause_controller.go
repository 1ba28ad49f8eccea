package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
)

// errStopped is returned by WaitIfPaused once the controller is stopped.
var errStopped = errors.New("run stopped")

// PauseController manages pause/resume/stop state for one run.
// It provides a thread-safe way to control dispatching.
type PauseController struct {
	runID string
	// paused indicates whether dispatching is paused.
	paused bool
	// stopped indicates whether the run is being torn down.
	stopped bool
	// mu protects all fields.
	mu sync.RWMutex
	// cond is used to signal when the run is unpaused or stopped.
	cond *sync.Cond
}

// NewPauseController creates a new PauseController.
func NewPauseController(runID string) *PauseController {
	p := &PauseController{runID: runID}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Pause pauses dispatching. In-flight calls keep running.
func (p *PauseController) Pause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.stopped {
		return false
	}
	p.paused = true
	log.Printf("[orchestrator] run %s paused - no new tasks will be dispatched", p.runID)
	return true
}

// Resume resumes dispatching after a pause.
func (p *PauseController) Resume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused || p.stopped {
		return false
	}
	p.paused = false
	log.Printf("[orchestrator] run %s resumed", p.runID)
	p.cond.Broadcast()
	return true
}

// Stop signals a stop. This unblocks any WaitIfPaused calls.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		p.cond.Broadcast()
	}
}

// IsPaused returns whether dispatching is currently paused.
func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// IsStopped returns whether the controller has been stopped.
func (p *PauseController) IsStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// WaitIfPaused blocks until the run is unpaused or stopped.
// Returns an error if the context is cancelled or the controller is stopped.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	if p.paused && !p.stopped {
		// Spawn ONE goroutine to signal condition if context is cancelled
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-done:
			}
		}()

		for p.paused && !p.stopped {
			p.cond.Wait()
			if ctx.Err() != nil {
				close(done)
				p.mu.Unlock()
				return ctx.Err()
			}
		}
		close(done)
	}
	if p.stopped {
		p.mu.Unlock()
		return errStopped
	}
	p.mu.Unlock()
	return nil
}
