// Package lifecycle implements the structured task-scope pattern used by
// this repository's long-lived components (hub server, exporter, agent,
// gateway, control channels, tunnel connections): a parent
// activates once, runs, and on shutdown cancels and waits for every
// registered child before it itself is considered done.
package lifecycle

import (
	"context"
	"sync"

	"github.com/sammck-go/boardhub/internal/blog"
)

// OnceActivateHandler runs exactly once, with shutdown paused, to bring an
// object fully online. Returning an error aborts activation and begins
// shutdown immediately.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object a Helper manages.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine, to
	// release resources. completionErr is advisory; the returned error
	// becomes the final status reported by WaitShutdown.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by anything a Helper can wait on or
// cascade shutdown into.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// Helper manages clean asynchronous shutdown for one component. Embed it
// and call Init in a constructor.
type Helper struct {
	blog.Logger

	Lock sync.Mutex

	handler OnceShutdownHandler

	pauseCount  int
	activated   bool
	scheduled   bool
	started     bool
	done        bool
	err         error

	startedChan     chan struct{}
	handlerDoneChan chan struct{}
	doneChan        chan struct{}

	wg sync.WaitGroup
}

// Init initializes a Helper in place.
func (h *Helper) Init(logger blog.Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handlerDoneChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

// New allocates and initializes a Helper on the heap.
func New(logger blog.Logger, handler OnceShutdownHandler) *Helper {
	h := &Helper{}
	h.Init(logger, handler)
	return h
}

func (h *Helper) asyncRunShutdown() {
	h.DLogf("shutdown started")
	close(h.startedChan)
	go func() {
		h.err = h.handler.HandleOnceShutdown(h.err)
		close(h.handlerDoneChan)
		h.wg.Wait()
		h.done = true
		h.DLogf("shutdown done")
		close(h.doneChan)
	}()
}

// PauseShutdown defers actual shutdown until a matching ResumeShutdown.
// Fails if shutdown has already started running.
func (h *Helper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.started {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.pauseCount++
	return nil
}

// ResumeShutdown undoes one PauseShutdown. If the pause count reaches zero
// and shutdown has been scheduled, shutdown begins now.
func (h *Helper) ResumeShutdown() {
	h.Lock.Lock()
	if h.pauseCount < 1 {
		h.Lock.Unlock()
		h.Panic("ResumeShutdown before PauseShutdown")
		return
	}
	h.pauseCount--
	runNow := h.pauseCount == 0 && h.scheduled && !h.started
	if runNow {
		h.started = true
	}
	h.Lock.Unlock()
	if runNow {
		h.asyncRunShutdown()
	}
}

// IsActivated reports whether Activate has succeeded.
func (h *Helper) IsActivated() bool { return h.activated }

// Activate marks the object activated. Fails if shutdown already started.
func (h *Helper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.activated {
		if h.started {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.activated = true
	}
	return nil
}

// DoOnceActivate pauses shutdown, runs the activation handler, then either
// activates the object or begins shutdown with the handler's error.
func (h *Helper) DoOnceActivate(activate OnceActivateHandler, waitOnFail bool) error {
	var err error
	h.Lock.Lock()
	if h.activated {
		h.Lock.Unlock()
		return nil
	}
	if h.started {
		h.Lock.Unlock()
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.pauseCount++
	h.Lock.Unlock()

	err = activate()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ShutdownOnContext begins asynchronous shutdown with ctx.Err() if ctx is
// cancelled before shutdown is otherwise started.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// StartShutdown schedules shutdown. Only the first call has any effect; a
// positive pause count defers the actual run until it reaches zero.
func (h *Helper) StartShutdown(completionErr error) {
	var runNow bool
	h.Lock.Lock()
	if !h.scheduled {
		h.err = completionErr
		h.scheduled = true
		runNow = h.pauseCount == 0
		h.started = runNow
	}
	h.Lock.Unlock()
	if runNow {
		h.asyncRunShutdown()
	}
}

// Shutdown starts (if needed) and waits for shutdown, returning its status.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// WaitShutdown blocks until shutdown is complete and returns its status.
func (h *Helper) WaitShutdown() error {
	<-h.doneChan
	return h.err
}

// IsDoneShutdown reports whether shutdown has completed.
func (h *Helper) IsDoneShutdown() bool { return h.done }

// ShutdownDoneChan is closed once shutdown completes.
func (h *Helper) ShutdownDoneChan() <-chan struct{} { return h.doneChan }

// Close shuts down with a nil advisory status and waits.
func (h *Helper) Close() error {
	h.DLogf("Close()")
	return h.Shutdown(nil)
}

// AddShutdownChildChan waits on childDone before this Helper's own shutdown
// is considered complete. The caller is responsible for closing childDone.
func (h *Helper) AddShutdownChildChan(childDone <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-childDone
		h.wg.Done()
	}()
}

// AddShutdownChild registers child so that once this Helper's own shutdown
// handler returns, child is actively shut down (with the same advisory
// error) and waited on before this Helper is considered fully done.
func (h *Helper) AddShutdownChild(child AsyncShutdowner) {
	h.DLogf("AddShutdownChild(%v)", child)
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handlerDoneChan:
			child.StartShutdown(h.err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
