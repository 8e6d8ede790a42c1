package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/isdmx/codus/bundle"
)

// ErrPathNotFound is returned by CopyOut when the requested path does not
// exist inside the instance.
var ErrPathNotFound = errors.New("path not found in sandbox")

const (
	pidsLimit   int64 = 256
	maxLogBytes       = 1 << 20
)

// dockerAPI is the subset of *client.Client used by DockerRuntime.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	Close() error
}

// DockerRuntime implements Backend on top of the Docker Engine API.
type DockerRuntime struct {
	logger *zap.Logger
	api    dockerAPI
}

// NewDockerRuntime connects to the Docker daemon configured in the
// environment (DOCKER_HOST and friends).
func NewDockerRuntime(logger *zap.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerRuntime(logger, cli), nil
}

func newDockerRuntime(logger *zap.Logger, api dockerAPI) *DockerRuntime {
	return &DockerRuntime{logger: logger, api: api}
}

// CreateInstance creates a stopped container with the sandbox restrictions applied.
func (d *DockerRuntime) CreateInstance(ctx context.Context, spec InstanceSpec) (string, error) {
	networkMode := container.NetworkMode("none")
	if spec.NetworkEnabled {
		networkMode = "bridge"
	}
	pids := pidsLimit
	memory := int64(spec.MemoryMB) * BytesPerMB

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		WorkingDir:      spec.WorkingDir,
		Env:             envList(spec.Env),
		Labels:          spec.Labels,
		NetworkDisabled: !spec.NetworkEnabled,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: networkMode,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			PidsLimit:  &pids,
		},
	}

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("container_id", resp.ID), zap.String("warning", w))
	}

	return resp.ID, nil
}

// CopyIn extracts the tar bundle into path inside the container.
func (d *DockerRuntime) CopyIn(ctx context.Context, id, path string, content io.Reader) error {
	if err := d.api.CopyToContainer(ctx, id, path, content, container.CopyToContainerOptions{}); err != nil {
		return d.wrap(err, id, "failed to copy into container")
	}
	return nil
}

// Start starts the container.
func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return d.wrap(err, id, "failed to start container")
	}
	return nil
}

// Wait blocks until the container is no longer running.
func (d *DockerRuntime) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), fmt.Errorf("container wait reported: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, d.wrap(err, id, "failed to wait for container")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// CopyOut returns a tar stream of path inside the container.
func (d *DockerRuntime) CopyOut(ctx context.Context, id, path string) (io.ReadCloser, error) {
	rc, _, err := d.api.CopyFromContainer(ctx, id, path)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		return nil, fmt.Errorf("failed to copy %s from container: %w", path, err)
	}
	return rc, nil
}

// Kill sends SIGKILL. Killing a container that already stopped is not an error.
func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	err := d.api.ContainerKill(ctx, id, "SIGKILL")
	if err == nil || cerrdefs.IsConflict(err) {
		return nil
	}
	return d.wrap(err, id, "failed to kill container")
}

// Logs returns the demultiplexed stdout and stderr of the container,
// truncated to maxLogBytes.
func (d *DockerRuntime) Logs(ctx context.Context, id string) (string, string, error) {
	rc, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", d.wrap(err, id, "failed to read container logs")
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, io.LimitReader(rc, maxLogBytes)); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Remove force-removes the container and its anonymous volumes.
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || cerrdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("failed to remove container %s: %w", id, err)
}

// ImageExists reports whether tag is present in the local image store.
func (d *DockerRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	if _, err := d.api.ImageInspect(ctx, tag); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", tag, err)
	}
	return true, nil
}

// BuildImage sends contextPath as the build context and tags the result.
func (d *DockerRuntime) BuildImage(ctx context.Context, contextPath, dockerfile, tag string) (io.ReadCloser, error) {
	buildCtx, err := bundle.FromDir(contextPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare build context: %w", err)
	}

	resp, err := d.api.ImageBuild(ctx, bytes.NewReader(buildCtx), build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build image %s: %w", tag, err)
	}
	return resp.Body, nil
}

// Close releases the client connection.
func (d *DockerRuntime) Close() error {
	return d.api.Close()
}

func (*DockerRuntime) wrap(err error, id, msg string) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %w: %s", msg, ErrNotFound, id)
	}
	return fmt.Errorf("%s %s: %w", msg, id, err)
}
