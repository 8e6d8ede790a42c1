package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codus/bundle"
)

// LocalRuntime implements Backend by running the instance command directly
// on the host inside a temporary directory. It provides no isolation and is
// meant for development only.
type LocalRuntime struct {
	logger *zap.Logger
	fs     FileSystem

	mu        sync.Mutex
	instances map[string]*localInstance
}

type localInstance struct {
	dir  string
	spec InstanceSpec

	cmd    *exec.Cmd
	stdout syncBuffer
	stderr syncBuffer
	done   chan struct{}
	exit   int
	err    error
}

// LocalRuntimeOption defines a functional option for LocalRuntime
type LocalRuntimeOption func(*LocalRuntime)

// WithLocalFileSystem sets the FileSystem for LocalRuntime
func WithLocalFileSystem(fs FileSystem) LocalRuntimeOption {
	return func(l *LocalRuntime) {
		l.fs = fs
	}
}

// NewLocalRuntime creates a new LocalRuntime with default implementations and optional interfaces
func NewLocalRuntime(logger *zap.Logger, opts ...LocalRuntimeOption) *LocalRuntime {
	runtime := &LocalRuntime{
		logger:    logger,
		fs:        &RealFileSystem{}, // Default implementation
		instances: make(map[string]*localInstance),
	}

	// Apply options
	for _, opt := range opts {
		opt(runtime)
	}

	return runtime
}

// CreateInstance allocates a temporary directory standing in for the
// container's working directory.
func (l *LocalRuntime) CreateInstance(_ context.Context, spec InstanceSpec) (string, error) {
	if len(spec.Cmd) == 0 {
		return "", errors.New("local backend requires a run command")
	}

	dir, err := l.fs.MkdirTemp("", "codus-sandbox-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}

	id := filepath.Base(dir)
	l.mu.Lock()
	l.instances[id] = &localInstance{dir: dir, spec: spec, done: make(chan struct{})}
	l.mu.Unlock()

	l.logger.Warn("running sandbox without isolation", zap.String("instance_id", id), zap.String("dir", dir))
	return id, nil
}

// CopyIn materializes the bundle entries under path.
func (l *LocalRuntime) CopyIn(ctx context.Context, id, dst string, content io.Reader) error {
	inst, err := l.instance(id)
	if err != nil {
		return err
	}
	base, err := inst.hostPath(dst)
	if err != nil {
		return err
	}

	entries, err := bundle.Read(ctx, content, 0)
	if err != nil {
		return fmt.Errorf("failed to read bundle: %w", err)
	}

	for _, e := range entries {
		target := filepath.Join(base, filepath.FromSlash(e.Name))
		if e.IsDir {
			if err := l.fs.MkdirAll(target, DirPermission); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}
		if err := l.fs.MkdirAll(filepath.Dir(target), DirPermission); err != nil {
			return fmt.Errorf("failed to create parent directories: %w", err)
		}
		if err := l.fs.WriteFile(target, e.Content, FilePermission); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
	}

	return nil
}

// Start launches the instance command in the background.
func (l *LocalRuntime) Start(_ context.Context, id string) error {
	inst, err := l.instance(id)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if inst.cmd != nil {
		return fmt.Errorf("instance %s already started", id)
	}

	cmd := exec.Command(inst.spec.Cmd[0], inst.spec.Cmd[1:]...) //nolint:gosec // Running user code is intended functionality
	cmd.Dir = inst.dir
	cmd.Env = append(os.Environ(), envList(inst.spec.Env)...)
	cmd.Stdout = &inst.stdout
	cmd.Stderr = &inst.stderr
	setProcessGroup(cmd)
	// Orphaned children may hold the output pipes open after a kill.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}
	inst.cmd = cmd

	go func() {
		err := cmd.Wait()
		var exitError *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitError):
			inst.exit = exitError.ExitCode()
		default:
			inst.err = err
		}
		close(inst.done)
	}()

	return nil
}

// Wait blocks until the command exits.
func (l *LocalRuntime) Wait(ctx context.Context, id string) (int, error) {
	inst, err := l.instance(id)
	if err != nil {
		return 0, err
	}
	if !inst.started(&l.mu) {
		return 0, fmt.Errorf("instance %s not started", id)
	}

	select {
	case <-inst.done:
		return inst.exit, inst.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// CopyOut returns a tar stream holding the single file at path.
func (l *LocalRuntime) CopyOut(_ context.Context, id, src string) (io.ReadCloser, error) {
	inst, err := l.instance(id)
	if err != nil {
		return nil, err
	}
	hostPath, err := inst.hostPath(src)
	if err != nil {
		return nil, err
	}

	exists, err := l.fs.FileExists(hostPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, src)
	}

	content, err := l.fs.ReadFile(hostPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src, err)
	}
	data, err := bundle.Pack([]bundle.Entry{{Name: path.Base(src), Content: content}}, bundle.PackOptions{})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Kill terminates the command if it is still running.
func (l *LocalRuntime) Kill(_ context.Context, id string) error {
	inst, err := l.instance(id)
	if err != nil {
		return err
	}
	return inst.kill(&l.mu)
}

// Logs returns the command's captured output.
func (l *LocalRuntime) Logs(_ context.Context, id string) (string, string, error) {
	inst, err := l.instance(id)
	if err != nil {
		return "", "", err
	}
	return truncate(inst.stdout.String()), truncate(inst.stderr.String()), nil
}

// Remove kills the command and deletes the instance directory. Unknown
// instances are ignored.
func (l *LocalRuntime) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	inst, ok := l.instances[id]
	delete(l.instances, id)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if err := inst.kill(&l.mu); err != nil {
		l.logger.Warn("failed to kill local instance", zap.String("instance_id", id), zap.Error(err))
	}
	if inst.started(&l.mu) {
		select {
		case <-inst.done:
		case <-ctx.Done():
			return fmt.Errorf("failed to remove instance %s: %w", id, ctx.Err())
		}
	}

	if err := l.fs.RemoveAll(inst.dir); err != nil {
		return fmt.Errorf("failed to remove instance dir %s: %w", inst.dir, err)
	}
	return nil
}

// ImageExists always reports true; the host is the image.
func (*LocalRuntime) ImageExists(context.Context, string) (bool, error) {
	return true, nil
}

// BuildImage is a no-op for the local backend.
func (*LocalRuntime) BuildImage(context.Context, string, string, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

// Close kills anything still running and removes leftover directories.
func (l *LocalRuntime) Close() error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.instances))
	for id := range l.instances {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, l.Remove(context.Background(), id))
	}
	return errors.Join(errs...)
}

func (l *LocalRuntime) instance(id string) (*localInstance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst, nil
}

// hostPath maps an absolute path under the instance working directory onto
// the instance's temp dir.
func (i *localInstance) hostPath(p string) (string, error) {
	workdir := i.spec.WorkingDir
	if workdir == "" {
		workdir = "/"
	}
	rel, err := filepath.Rel(workdir, path.Clean(p))
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside the working directory %s", p, workdir)
	}
	return filepath.Join(i.dir, rel), nil
}

func (i *localInstance) started(mu *sync.Mutex) bool {
	mu.Lock()
	defer mu.Unlock()
	return i.cmd != nil
}

func (i *localInstance) kill(mu *sync.Mutex) error {
	mu.Lock()
	cmd := i.cmd
	mu.Unlock()
	if cmd == nil {
		return nil
	}

	select {
	case <-i.done:
		return nil
	default:
	}
	if err := killProcess(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
