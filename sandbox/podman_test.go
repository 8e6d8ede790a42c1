package sandbox

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codus/bundle"
)

func TestPodmanRuntimeConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("DefaultConstructor", func(t *testing.T) {
		runtime := NewPodmanRuntime(logger)
		require.NotNil(t, runtime)
		assert.Equal(t, logger, runtime.logger)
		assert.IsType(t, &RealCommandRunner{}, runtime.cmdRunner)
	})

	t.Run("ConstructorWithOptions", func(t *testing.T) {
		mockRunner := &MockCommandRunner{}
		runtime := NewPodmanRuntime(logger, WithPodmanCommandRunner(mockRunner))
		assert.Equal(t, mockRunner, runtime.cmdRunner)
	})
}

func TestPodmanRuntime(t *testing.T) {
	ctx := context.Background()

	newRuntime := func(t *testing.T, results map[string]commandResult) (*PodmanRuntime, *MockCommandRunner) {
		runner := &MockCommandRunner{commandResults: results}
		return NewPodmanRuntime(zaptest.NewLogger(t), WithPodmanCommandRunner(runner)), runner
	}

	t.Run("CreateInstanceAppliesRestrictions", func(t *testing.T) {
		rt, runner := newRuntime(t, map[string]commandResult{
			"podman create": {stdout: "abc123\n"},
		})

		id, err := rt.CreateInstance(ctx, InstanceSpec{
			Image:      "codus-execute-java",
			WorkingDir: "/app",
			MemoryMB:   256,
			Env:        map[string]string{"JAVA_TOOL_OPTIONS": "-Xss1m"},
			Cmd:        []string{"sh", "-c", "java Tester"},
		})
		require.NoError(t, err)
		assert.Equal(t, "abc123", id)

		args := strings.Join(runner.lastCall(), " ")
		assert.Contains(t, args, "--memory 256m")
		assert.Contains(t, args, "--network none")
		assert.Contains(t, args, "--cap-drop ALL")
		assert.Contains(t, args, "--security-opt no-new-privileges:true")
		assert.Contains(t, args, "--workdir /app")
		assert.Contains(t, args, "-e JAVA_TOOL_OPTIONS=-Xss1m")
		assert.True(t, strings.HasSuffix(args, "codus-execute-java sh -c java Tester"))
	})

	t.Run("CreateInstanceWithNetwork", func(t *testing.T) {
		rt, runner := newRuntime(t, map[string]commandResult{
			"podman create": {stdout: "abc123"},
		})
		_, err := rt.CreateInstance(ctx, InstanceSpec{Image: "img", NetworkEnabled: true})
		require.NoError(t, err)
		assert.Contains(t, strings.Join(runner.lastCall(), " "), "--network bridge")
	})

	t.Run("CreateInstanceFails", func(t *testing.T) {
		rt, _ := newRuntime(t, map[string]commandResult{
			"podman create": {stderr: "image not known", exitCode: 125},
		})
		_, err := rt.CreateInstance(ctx, InstanceSpec{Image: "missing"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image not known")
	})

	t.Run("CopyInStreamsBundle", func(t *testing.T) {
		rt, runner := newRuntime(t, nil)
		require.NoError(t, rt.CopyIn(ctx, "abc123", "/app", strings.NewReader("tar-bytes")))
		assert.Equal(t, []byte("tar-bytes"), runner.stdins["podman cp - abc123:/app"])
	})

	t.Run("WaitParsesExitCode", func(t *testing.T) {
		rt, _ := newRuntime(t, map[string]commandResult{
			"podman wait": {stdout: "137\n"},
		})
		code, err := rt.Wait(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, 137, code)
	})

	t.Run("WaitUnexpectedOutput", func(t *testing.T) {
		rt, _ := newRuntime(t, map[string]commandResult{
			"podman wait": {stdout: "garbage"},
		})
		_, err := rt.Wait(ctx, "abc123")
		assert.Error(t, err)
	})

	t.Run("CopyOutReturnsArchive", func(t *testing.T) {
		data, err := bundle.Pack([]bundle.Entry{{Name: "results.json", Content: []byte(`{"data":[]}`)}}, bundle.PackOptions{})
		require.NoError(t, err)
		rt, _ := newRuntime(t, map[string]commandResult{
			"podman cp abc123:/app/results.json -": {stdout: string(data)},
		})

		rc, err := rt.CopyOut(ctx, "abc123", "/app/results.json")
		require.NoError(t, err)
		got, err := bundle.Extract(ctx, rc, "results.json", 0)
		require.NoError(t, err)
		assert.Equal(t, `{"data":[]}`, string(got))
	})

	t.Run("CopyOutMissingPath", func(t *testing.T) {
		rt, _ := newRuntime(t, map[string]commandResult{
			"podman cp": {stderr: "stat /app/results.json: no such file or directory", exitCode: 125},
		})
		_, err := rt.CopyOut(ctx, "abc123", "/app/results.json")
		assert.ErrorIs(t, err, ErrPathNotFound)
	})

	t.Run("KillStoppedContainer", func(t *testing.T) {
		rt, _ := newRuntime(t, map[string]commandResult{
			"podman kill": {stderr: "container state improper: can only kill running containers, not running", exitCode: 125},
		})
		assert.NoError(t, rt.Kill(ctx, "abc123"))
	})

	t.Run("RemoveForces", func(t *testing.T) {
		rt, runner := newRuntime(t, nil)
		require.NoError(t, rt.Remove(ctx, "abc123"))
		assert.Equal(t, []string{"podman", "rm", "--force", "--ignore", "abc123"}, runner.lastCall())
	})

	t.Run("Logs", func(t *testing.T) {
		rt, _ := newRuntime(t, map[string]commandResult{
			"podman logs": {stdout: "out", stderr: "err"},
		})
		stdout, stderr, err := rt.Logs(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, "out", stdout)
		assert.Equal(t, "err", stderr)
	})

	t.Run("ImageExists", func(t *testing.T) {
		for _, tc := range []struct {
			exitCode int
			want     bool
			wantErr  bool
		}{
			{0, true, false},
			{1, false, false},
			{125, false, true},
		} {
			rt, _ := newRuntime(t, map[string]commandResult{
				"podman image exists": {exitCode: tc.exitCode},
			})
			got, err := rt.ImageExists(ctx, "codus-execute-java")
			if tc.wantErr {
				assert.Error(t, err)
				continue
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		}
	})

	t.Run("BuildImage", func(t *testing.T) {
		rt, runner := newRuntime(t, map[string]commandResult{
			"podman build": {stdout: "STEP 1/3: FROM eclipse-temurin\n"},
		})
		rc, err := rt.BuildImage(ctx, "/srv/java", "Dockerfile", "codus-execute-java")
		require.NoError(t, err)
		out, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(out, []byte("STEP 1/3")))
		assert.Equal(t, []string{"podman", "build", "--tag", "codus-execute-java", "--file", "/srv/java/Dockerfile", "/srv/java"}, runner.lastCall())
	})
}
