package domain

import "fmt"

// Stage names one step of the ad detection pipeline.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageClassify   Stage = "classify"
	StageMerge      Stage = "merge"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageTranscribe, StageClassify, StageMerge:
		return true
	default:
		return false
	}
}

// Task is a unit of scheduled work: run Stage for the job JobID.
type Task struct {
	JobID string `json:"jobId"`
	Stage Stage  `json:"stage"`
}

// Validate checks that the task can be dispatched.
func (t Task) Validate() error {
	if t.JobID == "" {
		return fmt.Errorf("task has no job id")
	}
	if !t.Stage.Valid() {
		return fmt.Errorf("unknown stage %q", t.Stage)
	}
	return nil
}

func (t Task) String() string {
	return fmt.Sprintf("%s/%s", t.JobID, t.Stage)
}
