package sandbox

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing. Results are keyed
// by the command line prefix they match, longest prefix first wins.
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string]commandResult
	defaultResult  commandResult
	calls          [][]string
	stdins         map[string][]byte
}

func (m *MockCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	return m.RunCommandWithInput(ctx, nil, args)
}

func (m *MockCommandRunner) RunCommandWithInput(_ context.Context, stdin io.Reader, args []string) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, args)
	cmdKey := strings.Join(args, " ")
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		if m.stdins == nil {
			m.stdins = make(map[string][]byte)
		}
		m.stdins[cmdKey] = data
	}

	best := ""
	for prefix := range m.commandResults {
		if strings.HasPrefix(cmdKey, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		r := m.commandResults[best]
		return r.stdout, r.stderr, r.exitCode, r.err
	}

	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

func (m *MockCommandRunner) lastCall() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	mkdirTempErr   error
	writeFileData  map[string][]byte
	removeAllCalls []string
	removeAllErr   error
}

func (m *MockFileSystem) MkdirTemp(_, _ string) (string, error) {
	if m.mkdirTempErr != nil {
		return "", m.mkdirTempErr
	}
	return "/tmp/codus-sandbox-test", nil
}

func (*MockFileSystem) MkdirAll(string, os.FileMode) error {
	return nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, _ os.FileMode) error {
	if m.writeFileData == nil {
		m.writeFileData = make(map[string][]byte)
	}
	m.writeFileData[filename] = data
	return nil
}

func (m *MockFileSystem) ReadFile(filename string) ([]byte, error) {
	if data, ok := m.writeFileData[filename]; ok {
		return data, nil
	}
	return nil, os.ErrNotExist
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.removeAllCalls = append(m.removeAllCalls, path)
	return m.removeAllErr
}

func (m *MockFileSystem) FileExists(path string) (bool, error) {
	_, ok := m.writeFileData[path]
	return ok, nil
}
