package models

import (
	"fmt"
	"time"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal returns true once a run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one execution attempt of a pipeline's step sequence.
// A run is mutated only by the run supervisor and becomes immutable once
// its status reaches a terminal value.
type Run struct {
	ID          string     `json:"id"`
	PipelineID  string     `json:"pipeline_id"`
	Status      RunStatus  `json:"status"`
	TriggeredBy string     `json:"triggered_by,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Step names a unit of work within a run. Steps execute strictly in the
// order listed by Steps; rollback is conditional and never part of the
// forward sequence.
type Step string

const (
	StepCheckout        Step = "checkout"
	StepBuildAndTest    Step = "build_and_test"
	StepBuildImage      Step = "build_image"
	StepCleanupPrevious Step = "cleanup_previous_deployment"
	StepShipImage       Step = "ship_image"
	StepDeploy          Step = "deploy"
	StepHealthcheck     Step = "healthcheck"
	StepRollback        Step = "rollback"
)

// Steps is the fixed forward sequence every run executes.
var Steps = []Step{
	StepCheckout,
	StepBuildAndTest,
	StepBuildImage,
	StepCleanupPrevious,
	StepShipImage,
	StepDeploy,
	StepHealthcheck,
}

// StepStatus is the local status of one step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

// Snapshot captures the identity of the previously deployed container and
// its image reference immediately before any destructive step. It is scoped
// to exactly one run and discarded once the run reaches a terminal state.
type Snapshot struct {
	ContainerID string    `json:"container_id,omitempty"`
	ImageRef    string    `json:"image_ref,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

// HasPrevious reports whether a rollback target exists. An empty snapshot
// is a valid state (first deployment), not an error.
func (s *Snapshot) HasPrevious() bool {
	return s != nil && s.ContainerID != ""
}

// ContainerName returns the per-run container name for a pipeline target.
// Names are keyed by the pipeline's container base name so the previous
// deployment stays discoverable by prefix while each run's container is
// unique, avoiding name conflicts during rollback.
func ContainerName(target DeployTarget, runID string) string {
	return fmt.Sprintf("%s-run-%s", target.ContainerName, ShortID(runID))
}

// ImageTag returns the image tag built and shipped by a run.
func ImageTag(target DeployTarget, runID string) string {
	return fmt.Sprintf("%s:run-%s", target.ImageName, ShortID(runID))
}

// ShortID shortens a UUID to its first group for log and name usage.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
