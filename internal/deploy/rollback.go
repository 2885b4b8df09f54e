package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shiplane/shiplane/internal/command"
	"github.com/shiplane/shiplane/internal/models"
)

// ErrNoPreviousVersion is returned when a rollback is requested with an
// empty snapshot. This is a terminal informational state, not a fault: a
// first-ever deployment has nothing to restore.
var ErrNoPreviousVersion = errors.New("no previous version to roll back to")

// Controller restores the previously running container after a failed
// deployment. The newly built image is never deleted; it remains on the
// host for manual inspection.
type Controller struct {
	logger *slog.Logger
}

// NewController creates a rollback controller.
func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{logger: logger}
}

// Rollback stops the newly deployed container (without deleting it) and
// restarts the snapshot's container by its captured identifier. It returns
// ErrNoPreviousVersion when the snapshot is empty.
func (c *Controller) Rollback(ctx context.Context, runner command.Runner, newContainer string, snap *models.Snapshot) error {
	if !snap.HasPrevious() {
		return ErrNoPreviousVersion
	}

	c.logger.Info("rolling back deployment",
		"new_container", newContainer,
		"previous_container", snap.ContainerID,
		"previous_image", snap.ImageRef,
	)

	// The new container may never have started; stopping whatever holds
	// the name is enough and must not fail the rollback.
	if _, err := runner.Run(ctx, fmt.Sprintf(
		"docker ps -q --filter name=^/%s$ | xargs -r docker stop", newContainer)); err != nil {
		return fmt.Errorf("stopping new container %s: %w", newContainer, err)
	}

	if _, err := runner.Run(ctx, fmt.Sprintf("docker start %s", snap.ContainerID)); err != nil {
		return fmt.Errorf("restarting previous container %s: %w", snap.ContainerID, err)
	}

	c.logger.Info("rollback complete", "restored_container", snap.ContainerID)
	return nil
}
