package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// State is the lifecycle position of a Handle.
type State string

// Handle states. Destroyed is terminal; Errored can only move to Destroyed.
const (
	StateCreated     State = "created"
	StateInputLoaded State = "input_loaded"
	StateRunning     State = "running"
	StateExited      State = "exited"
	StateErrored     State = "errored"
	StateDestroyed   State = "destroyed"
)

// Handle owns one sandbox instance and enforces the order in which it may be
// driven. A Handle belongs to a single job and is not shared.
type Handle struct {
	rt Runtime
	id string

	mu       sync.Mutex
	state    State
	exitCode int

	destroyOnce sync.Once
	destroyErr  error
}

// NewHandle creates the runtime instance described by spec. On success the
// handle is in StateCreated and the caller must eventually call Destroy.
func NewHandle(ctx context.Context, rt Runtime, spec InstanceSpec) (*Handle, error) {
	id, err := rt.CreateInstance(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &Handle{rt: rt, id: id, state: StateCreated}, nil
}

// ID returns the runtime instance ID.
func (h *Handle) ID() string {
	return h.id
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitCode returns the exit code recorded by AwaitCompletion.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// LoadInput copies the bundle into path inside the instance.
func (h *Handle) LoadInput(ctx context.Context, bundle io.Reader, path string) error {
	if err := h.expect(StateCreated); err != nil {
		return err
	}
	if err := h.rt.CopyIn(ctx, h.id, path, bundle); err != nil {
		h.set(StateErrored)
		return err
	}
	h.set(StateInputLoaded)
	return nil
}

// Start starts the instance.
func (h *Handle) Start(ctx context.Context) error {
	if err := h.expect(StateInputLoaded); err != nil {
		return err
	}
	if err := h.rt.Start(ctx, h.id); err != nil {
		h.set(StateErrored)
		return err
	}
	h.set(StateRunning)
	return nil
}

// AwaitCompletion blocks until the instance exits, timeout elapses or ctx is
// done. On timeout or cancellation the instance is killed, the handle moves
// to StateErrored and ErrTimeout or ctx.Err() is returned, joined with the
// kill error if the instance could not be killed.
func (h *Handle) AwaitCompletion(ctx context.Context, timeout time.Duration) (int, error) {
	if err := h.expect(StateRunning); err != nil {
		return 0, err
	}

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()

	type waitResult struct {
		code int
		err  error
	}
	done := make(chan waitResult, 1)
	go func() {
		code, err := h.rt.Wait(waitCtx, h.id)
		done <- waitResult{code: code, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			h.set(StateErrored)
			return res.code, res.err
		}
		h.mu.Lock()
		h.state = StateExited
		h.exitCode = res.code
		h.mu.Unlock()
		return res.code, nil
	case <-timer.C:
		return 0, errors.Join(fmt.Errorf("%w after %s", ErrTimeout, timeout), h.terminate())
	case <-ctx.Done():
		return 0, errors.Join(ctx.Err(), h.terminate())
	}
}

// ExtractOutput returns a tar stream of path inside the exited instance.
func (h *Handle) ExtractOutput(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := h.expect(StateExited); err != nil {
		return nil, err
	}
	return h.rt.CopyOut(ctx, h.id, path)
}

// Logs returns the instance's captured stdout and stderr.
func (h *Handle) Logs(ctx context.Context) (string, string, error) {
	return h.rt.Logs(ctx, h.id)
}

// Destroy removes the instance. Only the first call reaches the runtime;
// later calls return the first call's result.
func (h *Handle) Destroy(ctx context.Context) error {
	h.destroyOnce.Do(func() {
		h.destroyErr = h.rt.Remove(ctx, h.id)
		h.set(StateDestroyed)
	})
	return h.destroyErr
}

// terminate kills a running instance with a context detached from the
// caller's, which is usually already done at this point.
func (h *Handle) terminate() error {
	h.set(StateErrored)
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.rt.Kill(killCtx, h.id); err != nil {
		return fmt.Errorf("failed to kill instance %s: %w", h.id, err)
	}
	return nil
}

func (h *Handle) expect(want State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != want {
		return fmt.Errorf("%w: instance %s is %s, expected %s", ErrInvalidState, h.id, h.state, want)
	}
	return nil
}

func (h *Handle) set(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDestroyed {
		return
	}
	h.state = s
}
