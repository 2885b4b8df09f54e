package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/shiplane/shiplane/internal/command"
	"github.com/shiplane/shiplane/internal/deploy"
	"github.com/shiplane/shiplane/internal/models"
)

// logTailLines caps how much command output a single log event carries.
const logTailLines = 20

// runContext carries the per-run state the steps share. It lives for
// exactly one run and is never touched by more than one goroutine.
type runContext struct {
	run           *models.Run
	pipeline      *models.Pipeline
	workspace     string
	containerName string
	imageTag      string

	// remote is opened lazily by the first step that touches the
	// deployment host and reused by every later step, including rollback.
	remote command.Runner

	// snapshot is captured before the first destructive remote action.
	// Nil until cleanup_previous_deployment runs; empty on first deploys.
	snapshot *models.Snapshot
}

func (s *Supervisor) stepCheckout(ctx context.Context, rc *runContext) error {
	if err := resetWorkspace(rc.workspace); err != nil {
		return fmt.Errorf("preparing workspace: %w", err)
	}

	cmd := fmt.Sprintf("git clone --branch %s --single-branch --depth 1 %s %s",
		rc.pipeline.Branch, rc.pipeline.RepoURL, rc.workspace)
	res, err := s.local.Run(ctx, cmd)
	s.logOutput(ctx, rc, models.StepCheckout, res)
	if err != nil {
		return err
	}

	s.emit(ctx, rc.run.ID, models.EventLog, models.StepCheckout,
		fmt.Sprintf("checked out %s @ %s", rc.pipeline.RepoURL, rc.pipeline.Branch))
	return nil
}

func (s *Supervisor) stepBuildAndTest(ctx context.Context, rc *runContext) error {
	if rc.pipeline.BuildCommand == "" {
		s.emit(ctx, rc.run.ID, models.EventLog, models.StepBuildAndTest,
			"no build command configured, skipping")
		return nil
	}

	cmd := fmt.Sprintf("cd %s && %s", rc.workspace, rc.pipeline.BuildCommand)
	res, err := s.local.Run(ctx, cmd)
	s.logOutput(ctx, rc, models.StepBuildAndTest, res)
	return err
}

func (s *Supervisor) stepBuildImage(ctx context.Context, rc *runContext) error {
	cmd := fmt.Sprintf("docker build -t %s %s", rc.imageTag, rc.workspace)
	res, err := s.local.Run(ctx, cmd)
	s.logOutput(ctx, rc, models.StepBuildImage, res)
	if err != nil {
		return err
	}

	s.emit(ctx, rc.run.ID, models.EventLog, models.StepBuildImage,
		fmt.Sprintf("built image %s", rc.imageTag))
	return nil
}

func (s *Supervisor) stepCleanupPrevious(ctx context.Context, rc *runContext) error {
	if rc.remote == nil {
		remote, err := s.newRemote(rc.pipeline.Target)
		if err != nil {
			return fmt.Errorf("opening remote channel: %w", err)
		}
		rc.remote = remote
	}

	snap, err := deploy.CaptureSnapshot(ctx, rc.remote, rc.pipeline.Target.ContainerName)
	if err != nil {
		return fmt.Errorf("capturing deployment snapshot: %w", err)
	}
	rc.snapshot = snap

	if snap.HasPrevious() {
		s.emit(ctx, rc.run.ID, models.EventLog, models.StepCleanupPrevious,
			fmt.Sprintf("previous deployment found: container %s (%s)",
				models.ShortID(snap.ContainerID), snap.ImageRef))
	} else {
		s.emit(ctx, rc.run.ID, models.EventLog, models.StepCleanupPrevious,
			"no previous deployment on host")
	}

	res, err := deploy.CleanupPrevious(ctx, rc.remote, rc.pipeline.Target.ContainerName, snap)
	s.logOutput(ctx, rc, models.StepCleanupPrevious, res)
	return err
}

func (s *Supervisor) stepShipImage(ctx context.Context, rc *runContext) error {
	s.emit(ctx, rc.run.ID, models.EventLog, models.StepShipImage,
		fmt.Sprintf("streaming %s to %s", rc.imageTag, rc.pipeline.Target.Addr()))

	res, err := deploy.ShipImage(ctx, s.piper, rc.remote, rc.imageTag)
	s.logOutput(ctx, rc, models.StepShipImage, res)
	return err
}

func (s *Supervisor) stepDeploy(ctx context.Context, rc *runContext) error {
	res, err := deploy.StartContainer(ctx, rc.remote, rc.pipeline.Target, rc.containerName, rc.imageTag)
	if err != nil {
		s.logOutput(ctx, rc, models.StepDeploy, res)
		return err
	}

	s.emit(ctx, rc.run.ID, models.EventLog, models.StepDeploy,
		fmt.Sprintf("started container %s from %s", rc.containerName, rc.imageTag))
	return nil
}

func (s *Supervisor) stepHealthcheck(ctx context.Context, rc *runContext) error {
	url := rc.pipeline.Target.HealthURL()
	s.emit(ctx, rc.run.ID, models.EventLog, models.StepHealthcheck,
		fmt.Sprintf("probing %s", url))
	return s.verifier.Check(ctx, url)
}

// logOutput publishes the salient tail of a command's output as a log
// event. Nothing is published for commands with no output.
func (s *Supervisor) logOutput(ctx context.Context, rc *runContext, step models.Step, res *command.Result) {
	if res == nil {
		return
	}
	out := tail(res.Combined(), logTailLines)
	if out == "" {
		return
	}
	s.emit(ctx, rc.run.ID, models.EventLog, step, out)
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
