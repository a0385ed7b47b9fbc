// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// =============================================================================
// STATE
// =============================================================================

// State is the UI-facing request state.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateStopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Busy reports whether a request is in flight.
func (s State) Busy() bool {
	return s != StateIdle
}

// Errors returned by the controller.
var (
	// ErrBusy is returned by Begin while another request is in flight.
	ErrBusy = errors.New("a request is already in progress")

	// ErrInvalidTransition is returned for a transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// =============================================================================
// TOKEN
// =============================================================================

// Token is the read-only view of the active request's cancellation signal.
// Only the Controller can cancel it.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the context to pass to blocking calls of this request.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Done is closed once the request is cancelled or finished.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Cancelled reports whether the token has been signalled.
func (t *Token) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Err returns the cancellation cause, or nil while active.
func (t *Token) Err() error {
	return t.ctx.Err()
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller owns the request state machine and its token.
//
//	idle -> sending -> streaming -> idle        success
//	idle -> sending [-> streaming] -> stopping -> idle   cancel
//	sending/streaming -> idle                   error
//
// The controller is mutex-guarded because the stop control and the running
// turn live on different goroutines.
type Controller struct {
	mu       sync.Mutex
	state    State
	token    *Token
	stopped  bool
	logger   *slog.Logger
	onChange []func(from, to State)
	onError  func(error)
}

// NewController creates an idle controller. A nil logger uses slog.Default().
func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{logger: logger}
}

// OnStateChange registers fn to observe every transition. Callbacks run
// outside the controller lock, in registration order.
func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// OnError registers fn to receive errors passed to Fail. Cancellations are
// not reported.
func (c *Controller) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Begin moves idle to sending and returns a fresh token derived from parent.
// It returns ErrBusy while a previous request has not resolved.
func (c *Controller) Begin(parent context.Context) (*Token, error) {
	c.mu.Lock()
	if c.state.Busy() {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrBusy, state)
	}
	ctx, cancel := context.WithCancel(parent)
	c.token = &Token{ctx: ctx, cancel: cancel}
	c.stopped = false
	token := c.token
	notify := c.transitionLocked(StateSending)
	c.mu.Unlock()

	notify()
	return token, nil
}

// MarkStreaming moves sending to streaming once the response is confirmed to
// be an event stream. It is a no-op while stopping.
func (c *Controller) MarkStreaming() error {
	c.mu.Lock()
	switch c.state {
	case StateStreaming, StateStopping:
		c.mu.Unlock()
		return nil
	case StateSending:
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, StateStreaming)
	}
	notify := c.transitionLocked(StateStreaming)
	c.mu.Unlock()

	notify()
	return nil
}

// Stop signals the active token and moves to stopping. The state returns to
// idle when the turn calls Finish. It returns false if nothing was running.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	if !c.state.Busy() || c.state == StateStopping {
		c.mu.Unlock()
		return false
	}
	c.stopped = true
	c.token.cancel()
	notify := c.transitionLocked(StateStopping)
	c.mu.Unlock()

	c.logger.Info("request stop requested")
	notify()
	return true
}

// Finish ends the request and clears the token.
func (c *Controller) Finish() {
	c.mu.Lock()
	if !c.state.Busy() {
		c.mu.Unlock()
		return
	}
	c.clearLocked()
	notify := c.transitionLocked(StateIdle)
	c.mu.Unlock()

	notify()
}

// Fail ends the request after an error and reports it through OnError
// unless it is a cancellation.
func (c *Controller) Fail(err error) {
	c.mu.Lock()
	if !c.state.Busy() {
		c.mu.Unlock()
		return
	}
	stopped := c.stopped
	c.clearLocked()
	notify := c.transitionLocked(StateIdle)
	onError := c.onError
	c.mu.Unlock()

	notify()
	if err == nil || stopped || errors.Is(err, context.Canceled) {
		return
	}
	c.logger.Error("request failed", "error", err)
	if onError != nil {
		onError(err)
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a request is in flight.
func (c *Controller) Busy() bool {
	return c.State().Busy()
}

// Token returns the active token, or nil when idle.
func (c *Controller) Token() *Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// StopRequested reports whether the current request was stopped by the user.
func (c *Controller) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// clearLocked releases the token. Cancelling is always safe and frees the
// context's resources.
func (c *Controller) clearLocked() {
	if c.token != nil {
		c.token.cancel()
		c.token = nil
	}
}

// transitionLocked changes state and returns a function that runs the
// observers; call it after releasing the lock.
func (c *Controller) transitionLocked(to State) func() {
	from := c.state
	c.state = to
	observers := append([]func(from, to State){}, c.onChange...)
	c.logger.Debug("request state", "from", from.String(), "to", to.String())
	return func() {
		for _, fn := range observers {
			fn(from, to)
		}
	}
}
