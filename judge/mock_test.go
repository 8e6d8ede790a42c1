package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isdmx/codus/bundle"
	"github.com/isdmx/codus/config"
	"github.com/isdmx/codus/sandbox"
)

// MockRuntime is an in-memory sandbox.Runtime. Each instance "runs" by
// sleeping for waitDelay (or until killed when hang is set) and then exposes
// report as the result file.
type MockRuntime struct {
	mu sync.Mutex

	failOn map[string]error
	report string
	stdout string
	stderr string

	exitCode  int
	waitDelay time.Duration
	hang      bool
	release   chan struct{}

	nextID   int
	live     int
	maxLive  int
	specs    map[string]sandbox.InstanceSpec
	inputs   map[string][]bundle.Entry
	removals map[string]int
	kills    map[string]int
	killed   map[string]chan struct{}

	created atomic.Int64
}

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		failOn:   make(map[string]error),
		specs:    make(map[string]sandbox.InstanceSpec),
		inputs:   make(map[string][]bundle.Entry),
		removals: make(map[string]int),
		kills:    make(map[string]int),
		killed:   make(map[string]chan struct{}),
	}
}

func (m *MockRuntime) fail(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failOn[op]
}

func (m *MockRuntime) CreateInstance(_ context.Context, spec sandbox.InstanceSpec) (string, error) {
	if err := m.fail("create"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("inst-%d", m.nextID)
	m.specs[id] = spec
	m.killed[id] = make(chan struct{})
	m.live++
	if m.live > m.maxLive {
		m.maxLive = m.live
	}
	m.created.Add(1)
	return id, nil
}

func (m *MockRuntime) CopyIn(ctx context.Context, id, _ string, r io.Reader) error {
	if err := m.fail("copyin"); err != nil {
		return err
	}
	entries, err := bundle.Read(ctx, r, 0)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[id] = entries
	return nil
}

func (m *MockRuntime) Start(context.Context, string) error {
	return m.fail("start")
}

func (m *MockRuntime) Wait(ctx context.Context, id string) (int, error) {
	if err := m.fail("wait"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	killed := m.killed[id]
	hang, delay, release := m.hang, m.waitDelay, m.release
	m.mu.Unlock()

	var timer <-chan time.Time
	if !hang {
		timer = time.After(delay)
	}
	select {
	case <-timer:
	case <-release:
	case <-killed:
		return 137, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return m.exitCode, nil
}

func (m *MockRuntime) CopyOut(_ context.Context, _ string, path string) (io.ReadCloser, error) {
	if err := m.fail("copyout"); err != nil {
		return nil, err
	}
	if m.report == "" {
		return nil, fmt.Errorf("%s: %w", path, sandbox.ErrPathNotFound)
	}
	name := path[strings.LastIndex(path, "/")+1:]
	data, err := bundle.Pack([]bundle.Entry{{Name: name, Content: []byte(m.report)}}, bundle.PackOptions{})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MockRuntime) Kill(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kills[id]++
	if ch, ok := m.killed[id]; ok && m.kills[id] == 1 {
		close(ch)
	}
	return nil
}

func (m *MockRuntime) Logs(context.Context, string) (string, string, error) {
	return m.stdout, m.stderr, nil
}

func (m *MockRuntime) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removals[id]++
	if _, ok := m.specs[id]; ok && m.removals[id] == 1 {
		m.live--
	}
	return m.failOn["remove"]
}

func (m *MockRuntime) Removals(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removals[id]
}

func (m *MockRuntime) Kills(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kills[id]
}

func (m *MockRuntime) MaxLive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLive
}

func (m *MockRuntime) Spec(id string) sandbox.InstanceSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.specs[id]
}

func (m *MockRuntime) Input(id string) []bundle.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[id]
}

// MockProvisioner is a sandbox.Provisioner with a controllable image store.
type MockProvisioner struct {
	mu         sync.Mutex
	exists     bool
	existsErr  error
	buildBody  string
	buildErr   error
	buildDelay time.Duration

	existsCalls atomic.Int64
	builds      atomic.Int64
}

func (p *MockProvisioner) ImageExists(context.Context, string) (bool, error) {
	p.existsCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exists, p.existsErr
}

func (p *MockProvisioner) BuildImage(ctx context.Context, _, _, _ string) (io.ReadCloser, error) {
	p.builds.Add(1)
	if p.buildErr != nil {
		return nil, p.buildErr
	}
	select {
	case <-time.After(p.buildDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return io.NopCloser(strings.NewReader(p.buildBody)), nil
}

// MemoryArchive keeps recorded jobs in a map.
type MemoryArchive struct {
	mu    sync.Mutex
	views map[string]*JobView
	err   error
}

func (a *MemoryArchive) Record(_ context.Context, job *Job, res *ExecutionResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.views == nil {
		a.views = make(map[string]*JobView)
	}
	a.views[job.ID] = &JobView{ID: job.ID, Language: job.Language, Status: job.Status, SubmittedAt: job.SubmittedAt, Result: res}
	return nil
}

func (a *MemoryArchive) Lookup(_ context.Context, id string) (*JobView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.views[id]; ok {
		return v, nil
	}
	return nil, ErrJobNotFound
}

func (a *MemoryArchive) Recent(_ context.Context, limit int) ([]JobView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	views := make([]JobView, 0, len(a.views))
	for _, v := range a.views {
		views = append(views, *v)
	}
	slices.SortFunc(views, func(x, y JobView) int { return y.SubmittedAt.Compare(x.SubmittedAt) })
	if len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

var errInjected = errors.New("injected failure")

func testConfig() *config.Config {
	return &config.Config{
		Sandbox: config.SandboxConfig{
			Backend:           "docker",
			TimeoutSec:        5,
			MaxTimeoutSec:     10,
			MemoryMB:          512,
			MaxConcurrent:     2,
			MaxEntrySizeKB:    64,
			MaxArtifactSizeMB: 1,
			CleanupTimeoutSec: 5,
		},
		Languages: map[string]config.Language{
			"java": {
				Image:                 "codus-execute-java",
				Workdir:               "/app",
				SourceFile:            "Solution.java",
				TestsFile:             "tests.json",
				ResultFile:            "results.json",
				InternalFramePrefixes: []string{"at sun.reflect"},
			},
		},
	}
}

func testProblem() ProblemSpec {
	return ProblemSpec{
		ParameterTypes: []string{"int", "int"},
		ResultType:     "int",
		TestCases: []TestCase{
			{Parameters: []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)}, Result: json.RawMessage(`3`)},
			{Parameters: []json.RawMessage{json.RawMessage(`2`), json.RawMessage(`2`)}, Result: json.RawMessage(`4`)},
		},
	}
}

const (
	testSource  = "class Solution { int solve(int a, int b) { return a + b; } }"
	mixedReport = `{"data":[{"value":3,"expected":3,"pass":true},{"value":5,"expected":4,"pass":false}]}`
)
