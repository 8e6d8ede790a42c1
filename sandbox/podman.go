package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// PodmanRuntime implements Backend by driving the podman CLI.
type PodmanRuntime struct {
	logger    *zap.Logger
	cmdRunner CommandRunner
}

// PodmanRuntimeOption defines a functional option for PodmanRuntime
type PodmanRuntimeOption func(*PodmanRuntime)

// WithPodmanCommandRunner sets the CommandRunner for PodmanRuntime
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanRuntimeOption {
	return func(p *PodmanRuntime) {
		p.cmdRunner = cmdRunner
	}
}

// NewPodmanRuntime creates a new PodmanRuntime with default implementations and optional interfaces
func NewPodmanRuntime(logger *zap.Logger, opts ...PodmanRuntimeOption) *PodmanRuntime {
	runtime := &PodmanRuntime{
		logger:    logger,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	// Apply options
	for _, opt := range opts {
		opt(runtime)
	}

	return runtime
}

// CreateInstance runs `podman create` with the sandbox restrictions applied.
func (p *PodmanRuntime) CreateInstance(ctx context.Context, spec InstanceSpec) (string, error) {
	cmdArgs := []string{
		"podman", "create",
		"--memory", fmt.Sprintf("%dm", spec.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", spec.MemoryMB),
		"--pids-limit", strconv.FormatInt(pidsLimit, 10),
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL", // Drop all capabilities
	}
	if spec.NetworkEnabled {
		cmdArgs = append(cmdArgs, "--network", "bridge")
	} else {
		cmdArgs = append(cmdArgs, "--network", "none")
	}
	if spec.Name != "" {
		cmdArgs = append(cmdArgs, "--name", spec.Name)
	}
	if spec.WorkingDir != "" {
		cmdArgs = append(cmdArgs, "--workdir", spec.WorkingDir)
	}
	for _, kv := range envList(spec.Env) {
		cmdArgs = append(cmdArgs, "-e", kv)
	}
	for k, v := range spec.Labels {
		cmdArgs = append(cmdArgs, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	cmdArgs = append(cmdArgs, spec.Image)
	cmdArgs = append(cmdArgs, spec.Cmd...)

	stdout, err := p.run(ctx, nil, cmdArgs)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", fmt.Errorf("failed to create container: podman returned no container id")
	}
	return id, nil
}

// CopyIn streams the tar bundle into path through `podman cp -`.
func (p *PodmanRuntime) CopyIn(ctx context.Context, id, path string, content io.Reader) error {
	if _, err := p.run(ctx, content, []string{"podman", "cp", "-", id + ":" + path}); err != nil {
		return fmt.Errorf("failed to copy into container %s: %w", id, err)
	}
	return nil
}

// Start starts the container.
func (p *PodmanRuntime) Start(ctx context.Context, id string) error {
	if _, err := p.run(ctx, nil, []string{"podman", "start", id}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// Wait blocks on `podman wait` and parses the exit code it prints.
func (p *PodmanRuntime) Wait(ctx context.Context, id string) (int, error) {
	stdout, err := p.run(ctx, nil, []string{"podman", "wait", id})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("failed to wait for container %s: %w", id, err)
	}

	code, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return 0, fmt.Errorf("unexpected podman wait output %q: %w", stdout, err)
	}
	return code, nil
}

// CopyOut returns the tar stream produced by `podman cp id:path -`.
func (p *PodmanRuntime) CopyOut(ctx context.Context, id, path string) (io.ReadCloser, error) {
	stdout, err := p.run(ctx, nil, []string{"podman", "cp", id + ":" + path, "-"})
	if err != nil {
		if strings.Contains(err.Error(), "no such file or directory") {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		return nil, fmt.Errorf("failed to copy %s from container %s: %w", path, id, err)
	}
	return io.NopCloser(strings.NewReader(stdout)), nil
}

// Kill sends SIGKILL to the container.
func (p *PodmanRuntime) Kill(ctx context.Context, id string) error {
	if _, err := p.run(ctx, nil, []string{"podman", "kill", "--signal", "KILL", id}); err != nil {
		if strings.Contains(err.Error(), "not running") {
			return nil
		}
		return fmt.Errorf("failed to kill container %s: %w", id, err)
	}
	return nil
}

// Logs returns the captured output of the container.
func (p *PodmanRuntime) Logs(ctx context.Context, id string) (string, string, error) {
	stdout, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{"podman", "logs", id})
	if err != nil {
		return "", "", fmt.Errorf("failed to read container logs %s: %w", id, err)
	}
	if exitCode != 0 {
		return "", "", fmt.Errorf("failed to read container logs %s: exit code %d", id, exitCode)
	}
	return truncate(stdout), truncate(stderr), nil
}

// Remove force-removes the container.
func (p *PodmanRuntime) Remove(ctx context.Context, id string) error {
	if _, err := p.run(ctx, nil, []string{"podman", "rm", "--force", "--ignore", id}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// ImageExists uses `podman image exists`, which exits 1 for a missing image.
func (p *PodmanRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{"podman", "image", "exists", tag})
	if err != nil {
		return false, fmt.Errorf("failed to check image %s: %w", tag, err)
	}
	switch exitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("failed to check image %s: %s", tag, strings.TrimSpace(stderr))
	}
}

// BuildImage runs `podman build` to completion and returns its output.
func (p *PodmanRuntime) BuildImage(ctx context.Context, contextPath, dockerfile, tag string) (io.ReadCloser, error) {
	cmdArgs := []string{"podman", "build", "--tag", tag}
	if dockerfile != "" {
		cmdArgs = append(cmdArgs, "--file", filepath.Join(contextPath, dockerfile))
	}
	cmdArgs = append(cmdArgs, contextPath)

	stdout, err := p.run(ctx, nil, cmdArgs)
	if err != nil {
		return nil, fmt.Errorf("failed to build image %s: %w", tag, err)
	}
	return io.NopCloser(strings.NewReader(stdout)), nil
}

// Close is a no-op; the CLI holds no connection.
func (*PodmanRuntime) Close() error {
	return nil
}

// run executes a podman command and turns a non-zero exit into an error
// carrying its stderr.
func (p *PodmanRuntime) run(ctx context.Context, stdin io.Reader, args []string) (string, error) {
	stdout, stderr, exitCode, err := p.cmdRunner.RunCommandWithInput(ctx, stdin, args)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		p.logger.Debug("podman command failed",
			zap.String("command", args[1]),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", stderr))
		return "", fmt.Errorf("podman %s exited with code %d: %s", args[1], exitCode, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func truncate(s string) string {
	if len(s) <= maxLogBytes {
		return s
	}
	return string(bytes.ToValidUTF8([]byte(s[:maxLogBytes]), nil))
}
