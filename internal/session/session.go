// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-chatcore/internal/history"
	"github.com/jeranaias/rigrun-chatcore/internal/lifecycle"
	"github.com/jeranaias/rigrun-chatcore/internal/model"
	"github.com/jeranaias/rigrun-chatcore/internal/storage"
	"github.com/jeranaias/rigrun-chatcore/internal/stream"
	"github.com/jeranaias/rigrun-chatcore/internal/telemetry"
	"github.com/jeranaias/rigrun-chatcore/internal/tools"
)

// ErrEmptyPrompt is returned by Submit for blank input.
var ErrEmptyPrompt = errors.New("prompt is empty")

// =============================================================================
// TYPES
// =============================================================================

// Callbacks are the render-layer hooks. All are optional. They run on the
// goroutine that called Submit, except OnState which may also run on the
// goroutine that called Stop.
type Callbacks struct {
	// OnResponseStart fires before each model call. messageID is the id the
	// response will be committed under if it becomes the final answer.
	OnResponseStart func(messageID string, toolsDisabled bool)

	// OnVisible receives visible-answer deltas. When reset is set the
	// projection was re-classified and delta holds the whole visible text.
	OnVisible func(delta string, reset bool)

	// OnReasoning receives reasoning deltas.
	OnReasoning func(delta string)

	OnToolCall   func(call model.ToolCallRequest)
	OnToolResult func(call model.ToolCallRequest, content string, failed bool)
	OnImage      func(artifact *model.ImageArtifact)

	// OnFinalized receives the committed answer.
	OnFinalized func(msg *model.Message)

	// OnNotice receives non-fatal messages for the user, such as an
	// interrupted stream.
	OnNotice func(notice string)

	// OnError receives turn failures. Cancellation is never reported.
	OnError func(err error)

	OnState func(from, to lifecycle.State)
}

// Options configures a Session.
type Options struct {
	Model    tools.Model
	Registry *tools.Registry
	Tools    tools.Config

	// Store persists the conversation after every turn. Nil keeps it in memory.
	Store storage.Store

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	// Message is the committed answer, nil when nothing arrived before a stop.
	Message *model.Message

	// Outcome is one of the telemetry.Outcome* values.
	Outcome string

	ModelCalls  int
	Iterations  int
	ForcedFinal bool
	Cancelled   bool

	// Interrupted holds the stream error when the connection broke mid-answer.
	Interrupted error

	Images  []*model.ImageArtifact
	Repairs []history.RepairAction
}

// Session runs turns against one conversation.
type Session struct {
	ctrl       *lifecycle.Controller
	orch       *tools.Orchestrator
	reconciler *history.Reconciler
	store      storage.Store
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	cb         Callbacks

	mu   sync.Mutex
	conv *model.Conversation
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// New creates a session for conv. A nil conv starts a new conversation.
// Stored conversations are reconciled first: orphaned images are repaired
// and an invalid history is rejected.
func New(conv *model.Conversation, opts Options, cb Callbacks) (*Session, error) {
	if opts.Model == nil {
		return nil, errors.New("session: model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if conv == nil {
		conv = model.NewConversation()
	}

	s := &Session{
		ctrl:       lifecycle.NewController(logger),
		orch:       tools.NewOrchestrator(opts.Model, opts.Registry, opts.Tools, logger),
		reconciler: history.NewReconciler(logger),
		store:      opts.Store,
		metrics:    opts.Metrics,
		logger:     logger.With("conversation", conv.ID),
		cb:         cb,
		conv:       conv,
	}
	s.reconciler.OnRepair = func(a history.RepairAction) {
		s.metrics.IncRepair(string(a.Strategy))
	}
	if cb.OnState != nil {
		s.ctrl.OnStateChange(cb.OnState)
	}
	if cb.OnError != nil {
		s.ctrl.OnError(cb.OnError)
	}

	if _, err := s.reconciler.Reconcile(conv); err != nil {
		return nil, err
	}
	return s, nil
}

// Configure replaces the tool-loop settings. A running turn is not affected.
func (s *Session) Configure(cfg tools.Config) {
	s.orch.Configure(cfg)
}

// Conversation returns a copy of the conversation.
func (s *Session) Conversation() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Clone()
}

// ID returns the conversation id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.ID
}

// State returns the lifecycle state.
func (s *Session) State() lifecycle.State {
	return s.ctrl.State()
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	return s.ctrl.Busy()
}

// Stop cancels the running turn. It returns false when nothing was running.
func (s *Session) Stop() bool {
	return s.ctrl.Stop()
}

// =============================================================================
// TURN
// =============================================================================

// Submit appends prompt as a user message and runs one turn.
//
// Transport failures are returned as errors and commit nothing beyond the
// user message. A stop or a broken stream commits the partial answer as a
// truncated message and returns a result, not an error.
func (s *Session) Submit(ctx context.Context, prompt string) (*TurnResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	token, err := s.ctrl.Begin(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	s.mu.Lock()
	s.conv.AddUserMessage(prompt)
	msgs := s.requestMessagesLocked()
	s.mu.Unlock()

	var responseID string
	events := tools.Events{
		OnModelCall: func(call int, toolsDisabled bool) {
			responseID = model.NewID()
			if s.cb.OnResponseStart != nil {
				s.cb.OnResponseStart(responseID, toolsDisabled)
			}
		},
		OnStreaming: func() {
			if err := s.ctrl.MarkStreaming(); err != nil {
				s.logger.Debug("mark streaming", "error", err)
			}
		},
		OnUpdate:   s.forwardUpdate,
		OnToolCall: s.cb.OnToolCall,
		OnToolResult: func(call model.ToolCallRequest, content string, failed bool) {
			s.metrics.IncToolCall(call.Name, toolStatus(content, failed))
			if s.cb.OnToolResult != nil {
				s.cb.OnToolResult(call, content, failed)
			}
		},
		OnImage: s.cb.OnImage,
	}

	turn, err := s.orch.Run(token.Context(), msgs, events)
	if err != nil {
		s.persist(ctx)
		s.metrics.ObserveTurn(telemetry.OutcomeFailed, time.Since(start))
		s.ctrl.Fail(err)
		return nil, err
	}

	final := history.Final{
		PreallocatedID: responseID,
		Artifacts:      turn.Artifacts,
		TurnMessages:   turn.Messages,
		Truncated:      turn.Cancelled || turn.Interrupted != nil,
	}
	if turn.Final != nil {
		sep := turn.Final.Separate(true)
		final.Visible = sep.Visible
		if sep.HasReasoning {
			final.Reasoning = sep.Reasoning
		}
	}

	s.mu.Lock()
	msg := s.reconciler.Commit(s.conv, final)
	if m := s.orch.Config().Model; m != "" {
		s.conv.Model = m
	}
	repairs, verr := s.reconciler.Reconcile(s.conv)
	s.mu.Unlock()

	if verr != nil {
		s.logger.Error("history invalid after turn, not saved", "error", verr)
		s.notice("Conversation history failed validation and was not saved.")
	} else {
		s.persist(ctx)
	}

	result := &TurnResult{
		Message:     msg,
		Outcome:     outcome(turn),
		ModelCalls:  turn.ModelCalls,
		Iterations:  turn.Iterations,
		ForcedFinal: turn.ForcedFinal,
		Cancelled:   turn.Cancelled,
		Interrupted: turn.Interrupted,
		Images:      turn.Artifacts,
		Repairs:     repairs,
	}
	s.metrics.ObserveTurn(result.Outcome, time.Since(start))
	s.logger.Info("turn complete",
		"outcome", result.Outcome, "model_calls", turn.ModelCalls,
		"iterations", turn.Iterations, "duration", time.Since(start))

	s.ctrl.Finish()

	if msg != nil && s.cb.OnFinalized != nil {
		s.cb.OnFinalized(msg)
	}
	switch {
	case turn.Interrupted != nil:
		s.notice(fmt.Sprintf("Response interrupted (%v). The partial answer was kept.", errors.Unwrap(turn.Interrupted)))
	case turn.ForcedFinal:
		s.notice(fmt.Sprintf("Tool call limit reached after %d rounds. The answer was produced without further tools.", turn.Iterations))
	}
	return result, nil
}

// requestMessagesLocked returns the messages sent to the model: the system
// prompt, when set, followed by the conversation.
func (s *Session) requestMessagesLocked() []*model.Message {
	msgs := make([]*model.Message, 0, len(s.conv.Messages)+1)
	if s.conv.SystemPrompt != "" {
		msgs = append(msgs, model.NewSystemMessage(s.conv.SystemPrompt))
	}
	return append(msgs, s.conv.Messages...)
}

func (s *Session) forwardUpdate(u stream.Update) {
	if (u.VisibleDelta != "" || u.Reset) && s.cb.OnVisible != nil {
		s.cb.OnVisible(u.VisibleDelta, u.Reset)
	}
	if u.ReasoningDelta != "" && s.cb.OnReasoning != nil {
		s.cb.OnReasoning(u.ReasoningDelta)
	}
}

func (s *Session) notice(text string) {
	if s.cb.OnNotice != nil {
		s.cb.OnNotice(text)
	}
}

// persist saves a snapshot of the conversation. A stopped turn is still
// saved, so the store call does not inherit the request's cancellation.
func (s *Session) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	snapshot := s.conv.Clone()
	s.mu.Unlock()

	if err := s.store.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		s.logger.Error("failed to save conversation", "error", err)
		s.notice("Conversation could not be saved: " + err.Error())
	}
}

func outcome(turn *tools.Turn) string {
	switch {
	case turn.Cancelled:
		return telemetry.OutcomeCancelled
	case turn.Interrupted != nil:
		return telemetry.OutcomeInterrupted
	case turn.ForcedFinal:
		return telemetry.OutcomeForcedFinal
	default:
		return telemetry.OutcomeCompleted
	}
}

// toolStatus returns "ok" or the error type of a structured tool error.
func toolStatus(content string, failed bool) string {
	if !failed {
		return "ok"
	}
	var e struct {
		Type string `json:"type"`
	}
	if json.Unmarshal([]byte(content), &e) == nil && e.Type != "" {
		return e.Type
	}
	return tools.ErrorTypeTool
}
