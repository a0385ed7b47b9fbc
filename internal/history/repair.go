// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"time"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// RepairStrategy names how an orphaned artifact found its owner.
type RepairStrategy string

const (
	// RepairNearest picked the assistant message closest in time.
	RepairNearest RepairStrategy = "nearest"

	// RepairLatest fell back to the most recent assistant message because
	// the artifact has no timestamp to compare.
	RepairLatest RepairStrategy = "latest"

	// RepairUnowned found no assistant message at all.
	RepairUnowned RepairStrategy = "unowned"
)

// RepairAction records one association made by the repair pass.
type RepairAction struct {
	ArtifactID string
	Filename   string
	MessageID  string
	Strategy   RepairStrategy

	// Distance is the timestamp gap to the chosen message for RepairNearest.
	Distance time.Duration
}

// Repair gives every artifact without a valid owner to an assistant message.
// Artifacts whose owner id no longer exists count as orphaned too. Only the
// association and HasImages change; finalized content is left as it is.
func (r *Reconciler) Repair(conv *model.Conversation) []RepairAction {
	var actions []RepairAction
	for _, a := range conv.Images {
		if a.Associated() && conv.GetMessageByID(a.AssociatedMessageID) != nil {
			continue
		}

		action := RepairAction{ArtifactID: a.ID, Filename: a.Filename}
		owner, strategy, distance := nearestAssistant(conv.Messages, a.Timestamp)
		action.Strategy = strategy
		action.Distance = distance

		if owner == nil {
			a.AssociatedMessageID = ""
			r.logger.Warn("image has no assistant message to attach to",
				"conversation", conv.ID, "image", a.Filename)
			actions = append(actions, action)
			r.report(action)
			continue
		}

		a.AssociatedMessageID = owner.ID
		owner.HasImages = true
		action.MessageID = owner.ID

		r.logger.Warn("image association repaired",
			"conversation", conv.ID, "image", a.Filename,
			"message", owner.ID, "strategy", string(strategy), "distance", distance)
		actions = append(actions, action)
		r.report(action)
	}
	return actions
}

func (r *Reconciler) report(action RepairAction) {
	if r.OnRepair != nil {
		r.OnRepair(action)
	}
}

// nearestAssistant returns the assistant message closest to ts. Ties go to
// the later message. A zero ts, or assistant messages without timestamps,
// fall back to the most recent assistant message.
func nearestAssistant(msgs []*model.Message, ts time.Time) (*model.Message, RepairStrategy, time.Duration) {
	var latest, best *model.Message
	var bestDist time.Duration
	for _, m := range msgs {
		if m.Role != model.RoleAssistant {
			continue
		}
		latest = m
		if ts.IsZero() || m.Timestamp.IsZero() {
			continue
		}
		d := absDuration(m.Timestamp.Sub(ts))
		if best == nil || d <= bestDist {
			best, bestDist = m, d
		}
	}
	switch {
	case best != nil:
		return best, RepairNearest, bestDist
	case latest != nil:
		return latest, RepairLatest, 0
	default:
		return nil, RepairUnowned, 0
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
