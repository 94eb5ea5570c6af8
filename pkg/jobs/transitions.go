package jobs

import (
	"fmt"

	"podcast-ads/pkg/domain"
)

// isValidTransition enforces the allowed job state machine edges.
// Staying in the same state is allowed so re-delivered stages can proceed.
func isValidTransition(from, to domain.JobStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	switch from {
	case domain.JobStatusPending:
		return to == domain.JobStatusTranscribing || to == domain.JobStatusFailed
	case domain.JobStatusTranscribing:
		return to == domain.JobStatusClassifying || to == domain.JobStatusFailed
	case domain.JobStatusClassifying:
		return to == domain.JobStatusComplete || to == domain.JobStatusFailed
	default:
		return false
	}
}

func checkTransition(from, to domain.JobStatus) error {
	if !isValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// acceptsStage reports whether a job in status may run stage.
func acceptsStage(status domain.JobStatus, stage domain.Stage) bool {
	switch stage {
	case domain.StageTranscribe:
		return status == domain.JobStatusPending || status == domain.JobStatusTranscribing
	case domain.StageClassify, domain.StageMerge:
		return status == domain.JobStatusClassifying
	default:
		return false
	}
}
