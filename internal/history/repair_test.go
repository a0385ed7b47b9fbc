// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

func TestRepair_NearestByTimestamp(t *testing.T) {
	conv := model.NewConversation()
	early := assistantAt("early", t0)
	late := assistantAt("late", t0.Add(10*time.Minute))
	conv.AddMessage(early)
	conv.AddMessage(late)

	img := artifact("x.png")
	img.Timestamp = t0.Add(2 * time.Minute)
	conv.AddImages(img)

	r := newTestReconciler()
	var reported []RepairAction
	r.OnRepair = func(a RepairAction) { reported = append(reported, a) }

	actions := r.Repair(conv)
	require.Len(t, actions, 1)
	assert.Equal(t, actions, reported)

	assert.Equal(t, early.ID, img.AssociatedMessageID)
	assert.Equal(t, RepairNearest, actions[0].Strategy)
	assert.Equal(t, 2*time.Minute, actions[0].Distance)
	assert.Equal(t, early.ID, actions[0].MessageID)
	assert.True(t, early.HasImages)
	assert.Equal(t, "early", early.Content, "finalized content must not change")
	assert.Equal(t, "late", late.Content)
	assert.False(t, late.HasImages)
	assert.NoError(t, Validate(conv))
}

func TestRepair_TieGoesToLaterMessage(t *testing.T) {
	conv := model.NewConversation()
	before := assistantAt("before", t0)
	after := assistantAt("after", t0.Add(2*time.Minute))
	conv.AddMessage(before)
	conv.AddMessage(after)

	img := artifact("mid.png")
	img.Timestamp = t0.Add(time.Minute)
	conv.AddImages(img)

	newTestReconciler().Repair(conv)
	assert.Equal(t, after.ID, img.AssociatedMessageID)
}

func TestRepair_FallsBackToLatest(t *testing.T) {
	conv := model.NewConversation()
	conv.AddMessage(assistantAt("one", t0))
	latest := assistantAt("two", t0.Add(time.Hour))
	conv.AddMessage(latest)
	conv.AddUserMessage("thanks")

	img := artifact("old.png")
	img.Timestamp = time.Time{}
	conv.AddImages(img)

	actions := newTestReconciler().Repair(conv)
	require.Len(t, actions, 1)
	assert.Equal(t, RepairLatest, actions[0].Strategy)
	assert.Equal(t, latest.ID, img.AssociatedMessageID)
}

func TestRepair_DanglingOwnerIsOrphan(t *testing.T) {
	conv := model.NewConversation()
	owner := assistantAt("answer", t0)
	conv.AddMessage(owner)

	img := artifact("lost.png")
	img.Timestamp = t0
	img.AssociatedMessageID = "deleted-message"
	conv.AddImages(img)

	actions := newTestReconciler().Repair(conv)
	require.Len(t, actions, 1)
	assert.Equal(t, owner.ID, img.AssociatedMessageID)
}

func TestRepair_NoAssistantMessage(t *testing.T) {
	conv := model.NewConversation()
	conv.AddUserMessage("hello")
	img := artifact("stray.png")
	conv.AddImages(img)

	actions := newTestReconciler().Repair(conv)
	require.Len(t, actions, 1)
	assert.Equal(t, RepairUnowned, actions[0].Strategy)
	assert.False(t, img.Associated())
	assert.ErrorIs(t, Validate(conv), ErrInvalidHistory)
}

func TestRepair_AssociatedImagesUntouched(t *testing.T) {
	conv := model.NewConversation()
	owner := assistantAt("[[IMAGE: ok.png]]", t0)
	owner.HasImages = true
	conv.AddMessage(owner)
	img := artifact("ok.png")
	img.AssociatedMessageID = owner.ID
	conv.AddImages(img)

	assert.Empty(t, newTestReconciler().Repair(conv))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate(t *testing.T) {
	call := model.ToolCallRequest{ID: "c1", Name: "echo"}

	tests := []struct {
		name    string
		build   func(conv *model.Conversation)
		wantErr string
	}{
		{
			name: "valid tool exchange",
			build: func(conv *model.Conversation) {
				conv.AddUserMessage("x")
				conv.AddMessage(model.NewAssistantMessage("", []model.ToolCallRequest{call, {ID: "c2", Name: "echo"}}))
				conv.AddMessage(model.NewToolResultMessage("c1", "{}"))
				conv.AddMessage(model.NewToolResultMessage("c2", "{}"))
				conv.AddMessage(model.NewAssistantMessage("done", nil))
			},
		},
		{
			name: "tool result without call",
			build: func(conv *model.Conversation) {
				conv.AddUserMessage("x")
				conv.AddMessage(model.NewToolResultMessage("c1", "{}"))
			},
			wantErr: `answers unknown call "c1"`,
		},
		{
			name: "tool result after user message",
			build: func(conv *model.Conversation) {
				conv.AddMessage(model.NewAssistantMessage("", []model.ToolCallRequest{call}))
				conv.AddUserMessage("interrupt")
				conv.AddMessage(model.NewToolResultMessage("c1", "{}"))
			},
			wantErr: "answers unknown call",
		},
		{
			name: "tool result answering an older assistant",
			build: func(conv *model.Conversation) {
				conv.AddMessage(model.NewAssistantMessage("", []model.ToolCallRequest{call}))
				conv.AddMessage(model.NewAssistantMessage("later", nil))
				conv.AddMessage(model.NewToolResultMessage("c1", "{}"))
			},
			wantErr: "answers unknown call",
		},
		{
			name: "reused id",
			build: func(conv *model.Conversation) {
				m := model.NewUserMessage("a")
				conv.AddMessage(m)
				dup := model.NewUserMessage("b")
				dup.ID = m.ID
				conv.AddMessage(dup)
			},
			wantErr: "is reused",
		},
		{
			name: "unknown role",
			build: func(conv *model.Conversation) {
				conv.AddMessage(model.NewMessage(model.Role("robot"), "beep"))
			},
			wantErr: `unknown role "robot"`,
		},
		{
			name: "inline image data",
			build: func(conv *model.Conversation) {
				conv.AddMessage(model.NewAssistantMessage("data:image/png;base64,iVBORw0KGgo=", nil))
			},
			wantErr: "inline image data",
		},
		{
			name: "owner missing hasImages",
			build: func(conv *model.Conversation) {
				m := model.NewAssistantMessage("pic", nil)
				conv.AddMessage(m)
				img := artifact("p.png")
				img.AssociatedMessageID = m.ID
				conv.AddImages(img)
			},
			wantErr: "hasImages is false",
		},
		{
			name: "image owned by missing message",
			build: func(conv *model.Conversation) {
				img := artifact("p.png")
				img.AssociatedMessageID = "gone"
				conv.AddImages(img)
			},
			wantErr: "missing message gone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := model.NewConversation()
			tt.build(conv)
			err := Validate(conv)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidHistory)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestReconcile_SanitizesAndRepairs(t *testing.T) {
	conv := model.NewConversation()
	conv.AddUserMessage("draw")
	answer := assistantAt("Here: data:image/jpeg;base64,/9j/4AAQ done", t0)
	conv.AddMessage(answer)

	orphan := artifact("orphan.png")
	orphan.Timestamp = t0
	conv.AddImages(orphan)

	actions, err := newTestReconciler().Reconcile(conv)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	assert.False(t, model.ContainsInlineImageData(answer.Content))
	assert.True(t, answer.HasImages)
	require.Len(t, conv.Images, 2)

	moved := conv.Images[1]
	assert.Equal(t, answer.ID, moved.AssociatedMessageID)
	assert.Regexp(t, `^image_[0-9a-f]{8}\.jpg$`, moved.Filename)
	assert.Contains(t, answer.Content, moved.Placeholder())
	assert.Equal(t, answer.ID, orphan.AssociatedMessageID)
}

func TestReconcile_ReportsViolations(t *testing.T) {
	conv := model.NewConversation()
	conv.AddMessage(model.NewToolResultMessage("nope", "{}"))

	_, err := newTestReconciler().Reconcile(conv)
	require.ErrorIs(t, err, ErrInvalidHistory)
	assert.Contains(t, err.Error(), conv.ID)
}
