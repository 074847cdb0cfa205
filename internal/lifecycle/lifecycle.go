// Package lifecycle holds the job status state machine. Everything here is
// pure: validators return values and never touch the network, so callers can
// reject bad transitions before spending a round trip.
package lifecycle

import "github.com/immerspwada/deliber-sub005/internal/models"

// transitions is the full edge table. picked_up has no row: it is only ever
// entered by an operator override, and cancelling it goes through CanCancel
// rather than the edge table.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.StatusPending:    {models.StatusMatched, models.StatusCancelled},
	models.StatusMatched:    {models.StatusArriving, models.StatusInProgress, models.StatusCancelled},
	models.StatusArriving:   {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:    {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted, models.StatusCancelled},
}

// CanTransition reports whether proposed is reachable from current in one
// step. A no-op transition (proposed == current) is accepted so retried
// writes stay idempotent. Terminal states have no outgoing edges.
func CanTransition(current, proposed models.JobStatus) bool {
	if current == proposed {
		return current.Rank() >= 0
	}
	for _, next := range transitions[current] {
		if next == proposed {
			return true
		}
	}
	return false
}

// CanCancel reports whether a job in the given status may still be
// cancelled: any non-terminal state can.
func CanCancel(current models.JobStatus) bool {
	return current.Rank() >= 0 && !current.Terminal()
}

// Next returns the valid successor statuses of current, excluding the
// idempotent self-edge. Terminal states return nil.
func Next(current models.JobStatus) []models.JobStatus {
	edges := transitions[current]
	if edges == nil {
		return nil
	}
	out := make([]models.JobStatus, len(edges))
	copy(out, edges)
	return out
}
