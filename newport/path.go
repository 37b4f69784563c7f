package newport

import (
	"context"
	"log"
	"sync/atomic"
)

// PathState is the state of the path follower
type PathState int32

const (
	// PathIdle means no path is being followed
	PathIdle PathState = iota

	// PathRunning means a path is being followed
	PathRunning

	// PathStopRequested means a path has been told to stop and will at the end of its current step
	PathStopRequested
)

func (s PathState) String() string {
	switch s {
	case PathIdle:
		return "idle"
	case PathRunning:
		return "running"
	case PathStopRequested:
		return "stop-requested"
	default:
		return "unknown"
	}
}

// pathWorker follows one path in its own goroutine.  A worker is used once;
// following another path means stopping this one and starting a new worker.
type pathWorker struct {
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// startPath runs every step through run, in order, until the steps are
// exhausted, a step fails, or the worker is stopped.  Cancellation is
// checked between steps; a step in progress always completes.
func startPath(steps []Step, run func(Step) error, logger *log.Logger) *pathWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &pathWorker{cancel: cancel, done: make(chan struct{})}
	w.state.Store(int32(PathRunning))
	go func() {
		defer func() {
			w.state.Store(int32(PathIdle))
			cancel()
			close(w.done)
		}()
		for i, s := range steps {
			if ctx.Err() != nil {
				logger.Printf("path stopped before step %d of %d", i+1, len(steps))
				return
			}
			if err := run(s); err != nil {
				logger.Printf("path aborted at step %d of %d: %v", i+1, len(steps), err)
				return
			}
		}
		logger.Printf("path of %d steps complete", len(steps))
	}()
	return w
}

// stop requests the worker stop and blocks until it is idle
func (w *pathWorker) stop() {
	w.state.CompareAndSwap(int32(PathRunning), int32(PathStopRequested))
	w.cancel()
	<-w.done
}

// State returns the state of the worker
func (w *pathWorker) State() PathState {
	return PathState(w.state.Load())
}
