// Package session owns the process-wide state of a harvest run: the single
// run slot, the cancellation flag, the active flag read by stream consumers,
// and the browser handle an abort must be able to terminate.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdfharvest/api/schemas"
	"github.com/xkilldash9x/pdfharvest/internal/progress"
)

var (
	// ErrRunInProgress is returned by Begin while another run holds the slot.
	ErrRunInProgress = errors.New("a scrape run is already in progress")
	// ErrAborted is returned once the current run has been cancelled.
	ErrAborted = errors.New("run was aborted")
)

// Context is the explicitly owned replacement for global run state. It is
// shared by the orchestrator, the stream endpoint and the abort endpoint.
type Context struct {
	logger *zap.Logger
	logs   *progress.Channel

	mu        sync.Mutex
	busy      bool
	active    bool
	cancelled bool
	runID     string
	handle    schemas.BrowserSession
	cancelRun context.CancelFunc
}

// New returns an idle Context publishing to logs.
func New(logs *progress.Channel, logger *zap.Logger) *Context {
	return &Context{
		logger: logger.Named("session"),
		logs:   logs,
	}
}

// Begin claims the run slot. It clears the log channel and the cancel flag,
// marks the run active and returns a run context that Abort cancels. The run
// context keeps parent's values but not its cancellation, so a client
// disconnect does not kill the run. end must be called exactly once when the
// run returns.
func (c *Context) Begin(parent context.Context) (ctx context.Context, end func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return nil, nil, ErrRunInProgress
	}

	runCtx, cancel := context.WithCancel(Detach(parent))
	c.busy = true
	c.active = true
	c.cancelled = false
	c.handle = nil
	c.runID = uuid.NewString()
	c.cancelRun = cancel
	c.logs.Reset()

	c.logger.Debug("Run slot claimed.", zap.String("run_id", c.runID))

	var once sync.Once
	end = func() {
		once.Do(func() {
			c.mu.Lock()
			c.busy = false
			c.active = false
			c.handle = nil
			c.cancelRun = nil
			id := c.runID
			c.mu.Unlock()

			cancel()
			c.logger.Debug("Run slot released.", zap.String("run_id", id))
		})
	}
	return runCtx, end, nil
}

// Attach records the browser handle of the current run so Abort can reach
// it. When the run was already cancelled, the handle is terminated right away
// and ErrAborted is returned.
func (c *Context) Attach(h schemas.BrowserSession) error {
	c.mu.Lock()
	if c.cancelled || !c.busy {
		c.mu.Unlock()
		if err := h.Terminate(); err != nil {
			c.logger.Warn("Failed to terminate browser attached after abort.", zap.Error(err))
		}
		return ErrAborted
	}
	c.handle = h
	c.mu.Unlock()
	return nil
}

// Release terminates h if it is still held by this Context. released is false
// when an abort already took the handle and terminated it.
func (c *Context) Release(h schemas.BrowserSession) (released bool, err error) {
	c.mu.Lock()
	if c.handle != h {
		c.mu.Unlock()
		return false, nil
	}
	c.handle = nil
	c.mu.Unlock()

	return true, h.Terminate()
}

// Abort sets the cancel flag, marks the run inactive, cancels the run
// context and synchronously terminates the held browser handle. It is safe
// and idempotent when no run is active. terminated reports whether a
// browser was torn down by this call.
//
// Abort does not free the run slot. Begin keeps failing with
// ErrRunInProgress until the aborted run calls its end function.
func (c *Context) Abort() (terminated bool, err error) {
	c.mu.Lock()
	c.cancelled = true
	c.active = false
	h := c.handle
	c.handle = nil
	cancel := c.cancelRun
	id := c.runID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h == nil {
		return false, nil
	}

	c.logger.Info("Aborting run.", zap.String("run_id", id))
	return true, h.Terminate()
}

// Commit runs fn while holding the state lock, but only if the run has not
// been cancelled. Abort cannot interleave with fn, so no side effect of fn
// happens after an abort is observed.
func (c *Context) Commit(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return ErrAborted
	}
	return fn()
}

// Active reports whether a run is in progress and has not been aborted.
func (c *Context) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Busy reports whether the run slot is held, including an aborted run that
// has not returned yet.
func (c *Context) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Cancelled reports whether the cancel flag is set.
func (c *Context) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// RunID returns the ID of the current or most recent run.
func (c *Context) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Log returns the progress channel owned by this Context.
func (c *Context) Log() *progress.Channel {
	return c.logs
}
