// Package deploy manages the container lifecycle on the deployment host:
// pre-deploy state snapshots, cleanup, starting the new container, image
// shipping and rollback.
package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shiplane/shiplane/internal/command"
	"github.com/shiplane/shiplane/internal/models"
)

// CaptureSnapshot records the currently running container for the
// pipeline's container-name prefix and its backing image reference. An
// empty snapshot (no running container) is a valid state, not an error:
// it simply means there is no rollback target for this run.
func CaptureSnapshot(ctx context.Context, runner command.Runner, baseName string) (*models.Snapshot, error) {
	snap := &models.Snapshot{CapturedAt: time.Now().UTC()}

	res, err := runner.Run(ctx, fmt.Sprintf(
		"docker ps --filter name=^/%s- --format '{{.ID}}' | head -n 1", baseName))
	if err != nil {
		return nil, fmt.Errorf("listing running containers: %w", err)
	}

	containerID := strings.TrimSpace(res.Stdout)
	if containerID == "" {
		return snap, nil
	}
	snap.ContainerID = containerID

	res, err = runner.Run(ctx, fmt.Sprintf(
		"docker inspect --format '{{.Config.Image}}' %s", containerID))
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", containerID, err)
	}
	snap.ImageRef = strings.TrimSpace(res.Stdout)

	return snap, nil
}

// CleanupPrevious stops the previously running container (kept as the
// rollback target, never deleted here) and removes stopped containers left
// over from older runs of the same pipeline.
func CleanupPrevious(ctx context.Context, runner command.Runner, baseName string, snap *models.Snapshot) (*command.Result, error) {
	if snap.HasPrevious() {
		if _, err := runner.Run(ctx, fmt.Sprintf("docker stop %s", snap.ContainerID)); err != nil {
			return nil, fmt.Errorf("stopping previous container %s: %w", snap.ContainerID, err)
		}
	}

	// One level of rollback depth: anything older than the snapshot's
	// container is no longer a restore target and can go.
	keep := snap.ContainerID
	if keep == "" {
		keep = "-" // matches nothing
	}
	res, err := runner.Run(ctx, fmt.Sprintf(
		"docker ps -aq --filter name=^/%s- | grep -v ^%s | xargs -r docker rm -f",
		baseName, keep))
	if err != nil {
		return nil, fmt.Errorf("removing stale containers: %w", err)
	}
	return res, nil
}

// StartContainer starts the freshly shipped image as the run's container.
func StartContainer(ctx context.Context, runner command.Runner, target models.DeployTarget, containerName, imageTag string) (*command.Result, error) {
	res, err := runner.Run(ctx, fmt.Sprintf(
		"docker run -d --name %s --restart unless-stopped -p %d:%d %s",
		containerName, target.HostPort, target.ContainerPort, imageTag))
	if err != nil {
		return nil, fmt.Errorf("starting container %s: %w", containerName, err)
	}
	return res, nil
}

// ShipImage streams the locally built image archive to the deployment
// host's container engine without buffering it in memory.
func ShipImage(ctx context.Context, local command.Piper, remote command.Runner, imageTag string) (*command.Result, error) {
	archive, wait, err := local.Pipe(ctx, fmt.Sprintf("docker save %s", imageTag))
	if err != nil {
		return nil, fmt.Errorf("saving image %s: %w", imageTag, err)
	}

	res, loadErr := remote.RunWithInput(ctx, "docker load", archive)
	archive.Close()
	saveErr := wait()

	if saveErr != nil {
		return nil, fmt.Errorf("saving image %s: %w", imageTag, saveErr)
	}
	if loadErr != nil {
		return nil, fmt.Errorf("loading image %s on deployment host: %w", imageTag, loadErr)
	}
	return res, nil
}
