// Package lifecycle holds the task state machine: the data-driven transition
// table and the ordered gates applied to every status change. It is pure —
// callers load the facts (pending deps, load, clock) and pass them in, so the
// machine can be tested without a store.
package lifecycle

import (
	"github.com/stefanodecillis/opengate/internal/models"
)

// allowed maps each source status to its permitted targets. Identity
// transitions are handled separately as no-ops.
var allowed = map[models.TaskStatus][]models.TaskStatus{
	models.StatusBacklog: {
		models.StatusTodo, models.StatusInProgress, models.StatusCancelled,
	},
	models.StatusTodo: {
		models.StatusInProgress, models.StatusBlocked, models.StatusCancelled,
	},
	models.StatusInProgress: {
		models.StatusReview, models.StatusDone, models.StatusBlocked,
		models.StatusCancelled, models.StatusHandoff,
	},
	models.StatusReview: {
		models.StatusDone, models.StatusInProgress,
	},
	models.StatusBlocked: {
		models.StatusTodo, models.StatusInProgress, models.StatusCancelled,
	},
	models.StatusHandoff: {
		models.StatusInProgress,
	},
	models.StatusDone:      {},
	models.StatusCancelled: {},
}

// ValidTransitions returns the permitted targets from a status.
func ValidTransitions(from models.TaskStatus) []models.TaskStatus {
	return allowed[from]
}

// CanTransition reports whether from → to is in the transition table.
// Identity transitions are permitted (no-op).
func CanTransition(from, to models.TaskStatus) bool {
	if from == to {
		return true
	}
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Check carries the facts the gates evaluate. Timestamps are RFC3339 UTC
// strings, compared lexicographically.
type Check struct {
	Now         string
	ScheduledAt *string

	// PendingDeps lists upstream dependency IDs that are not done.
	PendingDeps []string

	// ViaClaim enables the capacity gate: the claiming agent's in-progress
	// load must stay strictly below its max.
	ViaClaim  bool
	ClaimLoad int64
	ClaimMax  int64
}

// Validate applies the gates in order: transition table, scheduling gate,
// dependency gate, claim capacity. A nil error means the transition is
// admissible; the caller appends the history entry on commit.
func Validate(from, to models.TaskStatus, c Check) error {
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return models.InvalidTransitionErr(string(from), string(to))
	}
	if to == models.StatusTodo || to == models.StatusInProgress {
		if c.ScheduledAt != nil && *c.ScheduledAt != "" && *c.ScheduledAt > c.Now {
			return models.SchedulingGateErr(*c.ScheduledAt)
		}
	}
	if to == models.StatusInProgress && len(c.PendingDeps) > 0 {
		return models.DependenciesUnmetErr(c.PendingDeps)
	}
	if to == models.StatusInProgress && c.ViaClaim && c.ClaimLoad >= c.ClaimMax {
		return models.CapacityErr(c.ClaimLoad, c.ClaimMax)
	}
	return nil
}
