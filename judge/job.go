package judge

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle position of a job.
type Status string

// Job statuses. Every job ends in exactly one of the terminal statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// TestCase is one input/expected-output pair. Values are kept as raw JSON so
// the harness decides how to interpret them.
type TestCase struct {
	Parameters []json.RawMessage `json:"parameters"`
	Result     json.RawMessage   `json:"result"`
}

// Limits are optional per-problem resource overrides. Zero means use the
// configured default.
type Limits struct {
	TimeoutSec int `json:"timeoutSec,omitempty"`
	MemoryMB   int `json:"memoryMB,omitempty"`
}

// ProblemSpec is the immutable test definition a submission runs against.
type ProblemSpec struct {
	ParameterTypes []string   `json:"parameterTypes"`
	ResultType     string     `json:"resultType"`
	TestCases      []TestCase `json:"testCases"`
	Limits         Limits     `json:"limits"`
}

// Validate checks that the problem can be handed to the harness.
func (p ProblemSpec) Validate() error {
	if p.ResultType == "" {
		return fmt.Errorf("%w: resultType is required", ErrInvalidRequest)
	}
	if len(p.TestCases) == 0 {
		return fmt.Errorf("%w: at least one test case is required", ErrInvalidRequest)
	}
	for i, tc := range p.TestCases {
		if len(tc.Parameters) != len(p.ParameterTypes) {
			return fmt.Errorf("%w: test case %d has %d parameters, expected %d",
				ErrInvalidRequest, i, len(tc.Parameters), len(p.ParameterTypes))
		}
	}
	if p.Limits.TimeoutSec < 0 || p.Limits.MemoryMB < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidRequest)
	}
	return nil
}

// harnessSpec is the document written as the tests file; limits are
// enforced by the orchestrator and not passed to the harness.
func (p ProblemSpec) harnessSpec() ([]byte, error) {
	return json.Marshal(struct {
		ParameterTypes []string   `json:"parameterTypes"`
		ResultType     string     `json:"resultType"`
		TestCases      []TestCase `json:"testCases"`
	}{p.ParameterTypes, p.ResultType, p.TestCases})
}

// SubmitRequest is the input of Orchestrator.Submit.
type SubmitRequest struct {
	Language string      `json:"language,omitempty"`
	Problem  ProblemSpec `json:"problem"`
	Source   string      `json:"source"`
}

// Job is one execution request. Its Status is only changed by the
// Orchestrator.
type Job struct {
	ID          string      `json:"id"`
	Language    string      `json:"language"`
	Problem     ProblemSpec `json:"problem"`
	Source      string      `json:"-"`
	SubmittedAt time.Time   `json:"submittedAt"`
	Status      Status      `json:"status"`
}

func (j *Job) view() JobView {
	return JobView{
		ID:          j.ID,
		Language:    j.Language,
		Status:      j.Status,
		SubmittedAt: j.SubmittedAt,
	}
}

// TestResult is the harness verdict for one test case. Outputs are the raw
// JSON text the harness reported.
type TestResult struct {
	Passed         bool   `json:"passed"`
	ActualOutput   string `json:"actualOutput"`
	ExpectedOutput string `json:"expectedOutput"`
}

// ExecutionResult is the immutable outcome of a job.
type ExecutionResult struct {
	JobID             string        `json:"jobId"`
	Status            Status        `json:"status"`
	Tests             []TestResult  `json:"tests"`
	CleanedErrorTrace string        `json:"cleanedErrorTrace,omitempty"`
	Stdout            string        `json:"stdout,omitempty"`
	Stderr            string        `json:"stderr,omitempty"`
	ErrorKind         Kind          `json:"errorKind,omitempty"`
	Error             string        `json:"error,omitempty"`
	ExitCode          int           `json:"exitCode"`
	StartedAt         time.Time     `json:"startedAt"`
	FinishedAt        time.Time     `json:"finishedAt"`
	Duration          time.Duration `json:"duration"`
}

// Passed reports whether the job completed and every test passed.
func (r *ExecutionResult) Passed() bool {
	if r.Status != StatusCompleted || len(r.Tests) == 0 {
		return false
	}
	for _, t := range r.Tests {
		if !t.Passed {
			return false
		}
	}
	return true
}

// JobView is the externally visible state of a job, live or archived.
type JobView struct {
	ID          string           `json:"id"`
	Language    string           `json:"language"`
	Status      Status           `json:"status"`
	SubmittedAt time.Time        `json:"submittedAt"`
	Result      *ExecutionResult `json:"result,omitempty"`

	// SourceDigest is the BLAKE3 digest of the submitted source, set for
	// archived jobs.
	SourceDigest string `json:"sourceDigest,omitempty"`
}
