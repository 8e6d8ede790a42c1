package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Errors reported by runtimes and handles.
var (
	ErrTimeout      = errors.New("sandbox timed out")
	ErrInvalidState = errors.New("invalid sandbox state")
	ErrNotFound     = errors.New("sandbox instance not found")
)

// InstanceSpec describes the sandbox instance to create.
type InstanceSpec struct {
	Name           string
	Image          string
	Cmd            []string
	WorkingDir     string
	Env            map[string]string
	Labels         map[string]string
	MemoryMB       int
	NetworkEnabled bool
}

// Runtime is the capability set the orchestrator needs from a container
// engine. Implementations must be safe for concurrent use across distinct
// instance IDs.
type Runtime interface {
	CreateInstance(ctx context.Context, spec InstanceSpec) (string, error)
	CopyIn(ctx context.Context, id, path string, bundle io.Reader) error
	Start(ctx context.Context, id string) error
	// Wait blocks until the instance stops and returns its exit code.
	Wait(ctx context.Context, id string) (int, error)
	// CopyOut returns a tar stream of path inside the instance.
	CopyOut(ctx context.Context, id, path string) (io.ReadCloser, error)
	Kill(ctx context.Context, id string) error
	Logs(ctx context.Context, id string) (stdout, stderr string, err error)
	// Remove force-removes the instance. Removing an unknown instance is not
	// an error.
	Remove(ctx context.Context, id string) error
}

// Provisioner makes sure the image a sandbox runs is available.
type Provisioner interface {
	ImageExists(ctx context.Context, tag string) (bool, error)
	// BuildImage starts a build and returns its progress stream. The build is
	// finished once the stream has been read to EOF.
	BuildImage(ctx context.Context, contextPath, dockerfile, tag string) (io.ReadCloser, error)
}

// Backend is a Runtime that can also provision its own images.
type Backend interface {
	Runtime
	Provisioner
	Close() error
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
	RunCommandWithInput(ctx context.Context, stdin io.Reader, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (r RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	return r.RunCommandWithInput(ctx, nil, args)
}

// RunCommandWithInput executes the given command with stdin attached to the reader
func (RealCommandRunner) RunCommandWithInput(ctx context.Context, stdin io.Reader, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// File permission and size constants
const (
	DirPermission  = 0755
	FilePermission = 0644
	BytesPerMB     = 1024 * 1024
)

// envList flattens an environment map into KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
