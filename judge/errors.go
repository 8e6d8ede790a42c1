package judge

import (
	"context"
	"errors"
	"fmt"

	"github.com/isdmx/codus/bundle"
	"github.com/isdmx/codus/sandbox"
)

// Kind classifies why a job did not complete.
type Kind string

// Error kinds.
const (
	KindPack              Kind = "pack"
	KindSandboxCreate     Kind = "sandbox_create"
	KindTransfer          Kind = "transfer"
	KindTimeout           Kind = "timeout"
	KindMissingArtifact   Kind = "missing_artifact"
	KindMalformedArtifact Kind = "malformed_artifact"
	KindMultipleArtifacts Kind = "multiple_artifacts"
	KindRuntimeFailure    Kind = "runtime_failure"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// Request-level errors, returned before a job is created.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnknownLanguage = errors.New("unknown language")
	ErrJobNotFound     = errors.New("job not found")
)

// JobError is returned by Submit when a job ends without completing.
type JobError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	return KindInternal
}

// Lifecycle steps, used as JobError.Op.
const (
	opPreflight = "preflight"
	opAdmit     = "admit"
	opCreate    = "create"
	opPack      = "pack"
	opLoad      = "load_input"
	opStart     = "start"
	opAwait     = "await"
	opExtract   = "extract_output"
)

// classify maps a step failure onto a Kind. Sentinel errors win over the
// step that produced them.
func classify(op string, err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, sandbox.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, bundle.ErrPack):
		return KindPack
	case errors.Is(err, bundle.ErrMissingArtifact), errors.Is(err, sandbox.ErrPathNotFound):
		return KindMissingArtifact
	case errors.Is(err, bundle.ErrMultipleArtifacts):
		return KindMultipleArtifacts
	case errors.Is(err, bundle.ErrMalformedArtifact):
		return KindMalformedArtifact
	}

	switch op {
	case opPreflight, opCreate, opStart:
		return KindSandboxCreate
	case opLoad, opExtract:
		return KindTransfer
	default:
		return KindInternal
	}
}

// statusFor maps a failure kind onto the job's terminal status.
func statusFor(kind Kind) Status {
	switch kind {
	case KindTimeout:
		return StatusTimedOut
	case KindCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}
