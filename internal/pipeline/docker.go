package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// runCIInContainer runs the CI plan inside a throwaway container that
// bind-mounts the shadow clone as its workspace, adapted from cortex's
// DockerDispatcher.Dispatch (internal/dispatch/docker.go) for the mutation
// pipeline's "disposable shadow copy" (spec.md §4.9 step 2), used when
// AOP_SHADOW_DOCKER_IMAGE opts into containerised shadow-test execution
// instead of running the CI command on the host.
func runCIInContainer(ctx context.Context, image, shadowDir string, plan []string) (string, int, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", 0, fmt.Errorf("pipeline: docker client: %w", err)
	}
	defer cli.Close()

	cfg := &container.Config{
		Image:      image,
		Cmd:        plan,
		WorkingDir: "/workspace",
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: shadowDir,
			Target: "/workspace",
		}},
		AutoRemove: true,
	}

	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", 0, fmt.Errorf("pipeline: create shadow container: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", 0, fmt.Errorf("pipeline: start shadow container: %w", err)
	}

	statusCh, errCh := cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return "", 0, fmt.Errorf("pipeline: wait shadow container: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	logsReader, err := cli.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", exitCode, fmt.Errorf("pipeline: read shadow container logs: %w", err)
	}
	defer logsReader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logsReader); err != nil && err != io.EOF {
		return "", exitCode, fmt.Errorf("pipeline: demux shadow container logs: %w", err)
	}

	return stdout.String() + stderr.String(), exitCode, nil
}
