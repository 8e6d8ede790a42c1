package judge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/isdmx/codus/bundle"
	"github.com/isdmx/codus/config"
	"github.com/isdmx/codus/logger"
	"github.com/isdmx/codus/sandbox"
)

// Archive stores finished jobs so they can be looked up after they leave
// the orchestrator.
type Archive interface {
	Record(ctx context.Context, job *Job, res *ExecutionResult) error
	Lookup(ctx context.Context, id string) (*JobView, error)
	// Recent returns up to limit archived jobs, newest first.
	Recent(ctx context.Context, limit int) ([]JobView, error)
}

// NopArchive discards records.
type NopArchive struct{}

func (NopArchive) Record(context.Context, *Job, *ExecutionResult) error { return nil }

func (NopArchive) Lookup(_ context.Context, id string) (*JobView, error) {
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

func (NopArchive) Recent(context.Context, int) ([]JobView, error) { return []JobView{}, nil }

// Orchestrator runs jobs in sandboxes. It is safe for concurrent use.
type Orchestrator struct {
	logger    *zap.Logger
	cfg       *config.Config
	rt        sandbox.Runtime
	preflight *Preflight
	admission *Admission
	archive   Archive

	mu   sync.Mutex
	live map[string]*liveJob

	// background tracks jobs started by Enqueue.
	background sync.WaitGroup
}

type liveJob struct {
	job    Job
	cancel context.CancelFunc
}

// New creates an Orchestrator.
func New(logger *zap.Logger, cfg *config.Config, rt sandbox.Runtime, preflight *Preflight, admission *Admission, archive Archive) *Orchestrator {
	if archive == nil {
		archive = NopArchive{}
	}
	return &Orchestrator{
		logger:    logger,
		cfg:       cfg,
		rt:        rt,
		preflight: preflight,
		admission: admission,
		archive:   archive,
		live:      make(map[string]*liveJob),
	}
}

// Submit runs one job to completion. Invalid requests are rejected with a
// nil result. Otherwise the returned result is never nil and carries a
// terminal status; err is a *JobError unless the job completed or the
// submitted code itself failed.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*ExecutionResult, error) {
	job, lang, err := o.newJob(req)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.register(job, cancel)

	return o.run(jobCtx, job, lang)
}

// Enqueue starts a job in the background and returns its pending view
// immediately. The job is not bound to any request; follow it with Lookup
// and stop it with Cancel.
func (o *Orchestrator) Enqueue(req SubmitRequest) (*JobView, error) {
	job, lang, err := o.newJob(req)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	o.register(job, cancel)
	view := job.view()

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer cancel()
		_, _ = o.run(jobCtx, job, lang)
	}()

	return &view, nil
}

// newJob validates req and builds a pending job for it.
func (o *Orchestrator) newJob(req SubmitRequest) (*Job, config.Language, error) {
	lang, langName, ok := o.cfg.Language(req.Language)
	if !ok {
		return nil, config.Language{}, fmt.Errorf("%w: %s", ErrUnknownLanguage, langName)
	}
	if req.Source == "" {
		return nil, config.Language{}, fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	if err := req.Problem.Validate(); err != nil {
		return nil, config.Language{}, err
	}

	return &Job{
		ID:          xid.New().String(),
		Language:    langName,
		Problem:     req.Problem,
		Source:      req.Source,
		SubmittedAt: time.Now(),
		Status:      StatusPending,
	}, lang, nil
}

// run executes a registered job, archives its result and unregisters it.
func (o *Orchestrator) run(ctx context.Context, job *Job, lang config.Language) (*ExecutionResult, error) {
	defer o.unregister(job.ID)
	log := logger.ForJob(o.logger, job.ID, job.Language)

	res := &ExecutionResult{JobID: job.ID, StartedAt: time.Now()}
	log.Info("job submitted", zap.Int("test_cases", len(job.Problem.TestCases)))

	err := o.execute(ctx, log, job, lang, res)

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	job.Status = res.Status
	o.setStatus(job.ID, res.Status)

	o.record(log, job, res)

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration),
		zap.Int("exit_code", res.ExitCode),
	}
	if res.ErrorKind != "" {
		fields = append(fields, zap.String("error_kind", string(res.ErrorKind)))
	}
	if err != nil {
		log.Warn("job did not complete", append(fields, zap.Error(err))...)
		return res, err
	}
	log.Info("job finished", append(fields, zap.Bool("passed", res.Passed()))...)
	return res, nil
}

// execute drives the job through preflight, admission and the sandbox
// lifecycle, filling res. The sandbox is destroyed before it returns.
func (o *Orchestrator) execute(ctx context.Context, log *zap.Logger, job *Job, lang config.Language, res *ExecutionResult) error {
	if err := o.preflight.Ensure(ctx, lang); err != nil {
		return fail(res, opPreflight, err)
	}

	slot, err := o.admission.Acquire(ctx)
	if err != nil {
		return fail(res, opAdmit, err)
	}
	defer o.admission.Release(slot)

	timeout := o.timeoutFor(job.Problem)
	runCtx, cancelRun := context.WithTimeout(ctx, timeout)
	defer cancelRun()
	deadline, _ := runCtx.Deadline()

	spec := o.instanceSpec(job, lang)
	h, err := sandbox.NewHandle(runCtx, o.rt, spec)
	if err != nil {
		o.removeOrphan(log, spec.Name)
		return fail(res, opCreate, err)
	}
	log = log.With(zap.String("instance_id", h.ID()))
	log.Debug("sandbox created")

	started := false
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), o.cfg.GetCleanupTimeout())
		defer cancel()

		if started {
			captureLogs(cleanupCtx, log, h, res, lang.InternalFramePrefixes)
		}
		final := h.State()
		if err := h.Destroy(cleanupCtx); err != nil {
			log.Error("failed to destroy sandbox", zap.String("state", string(final)), zap.Error(err))
			return
		}
		log.Debug("sandbox destroyed", zap.String("state", string(final)), zap.Int("exit_code", h.ExitCode()))
	}()

	specJSON, err := job.Problem.harnessSpec()
	if err != nil {
		return fail(res, opPack, fmt.Errorf("%w: %v", bundle.ErrPack, err))
	}
	data, err := bundle.Pack([]bundle.Entry{
		{Name: lang.TestsFile, Content: specJSON},
		{Name: lang.SourceFile, Content: []byte(job.Source)},
	}, bundle.PackOptions{
		MaxEntrySize: o.cfg.MaxEntrySize(),
		Compress:     o.cfg.Sandbox.CompressBundles,
	})
	if err != nil {
		return fail(res, opPack, err)
	}

	if err := h.LoadInput(runCtx, bytes.NewReader(data), lang.Workdir); err != nil {
		return fail(res, opLoad, err)
	}

	if err := h.Start(runCtx); err != nil {
		return fail(res, opStart, err)
	}
	started = true
	o.setStatus(job.ID, StatusRunning)

	code, err := h.AwaitCompletion(runCtx, time.Until(deadline))
	if err != nil {
		return fail(res, opAwait, err)
	}
	res.ExitCode = code
	log.Debug("sandbox exited", zap.Int("exit_code", code))

	rc, err := h.ExtractOutput(runCtx, path.Join(lang.Workdir, lang.ResultFile))
	if err != nil {
		return fail(res, opExtract, err)
	}
	defer rc.Close()

	var report harnessReport
	if err := bundle.ExtractJSON(runCtx, rc, lang.ResultFile, o.cfg.MaxArtifactSize(), &report); err != nil {
		return fail(res, opExtract, err)
	}
	if err := applyReport(res, report, lang.InternalFramePrefixes); err != nil {
		return fail(res, opExtract, err)
	}
	return nil
}

// captureLogs stores the sandbox output on res. When the job produced no
// report, stderr usually holds the compiler or JVM error and becomes the
// cleaned trace.
func captureLogs(ctx context.Context, log *zap.Logger, h *sandbox.Handle, res *ExecutionResult, prefixes []string) {
	stdout, stderr, err := h.Logs(ctx)
	if err != nil {
		log.Warn("failed to capture sandbox logs", zap.Error(err))
	}
	res.Stdout = stdout
	res.Stderr = stderr

	if res.CleanedErrorTrace == "" && stderr != "" && res.Status != StatusCompleted {
		res.CleanedErrorTrace = CleanTrace(stderr, prefixes)
	}
}

// removeOrphan removes an instance the runtime may have created under name
// even though CreateInstance reported an error.
func (o *Orchestrator) removeOrphan(log *zap.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.GetCleanupTimeout())
	defer cancel()
	if err := o.rt.Remove(ctx, name); err != nil {
		log.Warn("failed to remove partially created sandbox", zap.String("name", name), zap.Error(err))
	}
}

func (o *Orchestrator) instanceSpec(job *Job, lang config.Language) sandbox.InstanceSpec {
	memory := o.cfg.Sandbox.MemoryMB
	if m := job.Problem.Limits.MemoryMB; m > 0 && m < memory {
		memory = m
	}

	var cmd []string
	if lang.RunCmd != "" {
		cmd = []string{"sh", "-c", lang.RunCmd}
	}

	return sandbox.InstanceSpec{
		Name:       "codus-" + job.ID,
		Image:      lang.Image,
		Cmd:        cmd,
		WorkingDir: lang.Workdir,
		Env:        lang.Environment,
		Labels: map[string]string{
			"codus.job":      job.ID,
			"codus.language": job.Language,
		},
		MemoryMB:       memory,
		NetworkEnabled: o.cfg.Sandbox.NetworkEnabled,
	}
}

// timeoutFor returns the problem's timeout override capped at the
// configured maximum, or the default.
func (o *Orchestrator) timeoutFor(p ProblemSpec) time.Duration {
	if p.Limits.TimeoutSec <= 0 {
		return o.cfg.GetTimeout()
	}
	t := time.Duration(p.Limits.TimeoutSec) * time.Second
	if maxTimeout := o.cfg.GetMaxTimeout(); t > maxTimeout {
		return maxTimeout
	}
	return t
}

func (o *Orchestrator) record(log *zap.Logger, job *Job, res *ExecutionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.GetCleanupTimeout())
	defer cancel()
	if err := o.archive.Record(ctx, job, res); err != nil {
		log.Error("failed to archive job", zap.Error(err))
	}
}

// Cancel stops a pending or running job. The job's Submit call returns with
// StatusCancelled.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	lj, ok := o.live[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	o.logger.Info("cancelling job", zap.String("job_id", id))
	lj.cancel()
	return nil
}

// Lookup returns the live state of an in-flight job or the archived record
// of a finished one.
func (o *Orchestrator) Lookup(ctx context.Context, id string) (*JobView, error) {
	o.mu.Lock()
	lj, ok := o.live[id]
	var view JobView
	if ok {
		view = lj.job.view()
	}
	o.mu.Unlock()
	if ok {
		return &view, nil
	}

	v, err := o.archive.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to look up job %s: %w", id, err)
	}
	return v, nil
}

// List returns up to limit jobs, newest first, merging in-flight jobs with
// the archive.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]JobView, error) {
	if limit <= 0 {
		return []JobView{}, nil
	}

	o.mu.Lock()
	views := make([]JobView, 0, len(o.live))
	seen := make(map[string]bool, len(o.live))
	for id, lj := range o.live {
		views = append(views, lj.job.view())
		seen[id] = true
	}
	o.mu.Unlock()

	archived, err := o.archive.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	// A job is briefly both live and archived while it finishes.
	for _, v := range archived {
		if !seen[v.ID] {
			views = append(views, v)
		}
	}

	slices.SortStableFunc(views, func(a, b JobView) int {
		return b.SubmittedAt.Compare(a.SubmittedAt)
	})
	if len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// Shutdown cancels every in-flight job and waits for jobs started by
// Enqueue to finish their cleanup.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, lj := range o.live {
		lj.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain jobs: %w", ctx.Err())
	}
}

// InFlight returns the number of jobs that have not reached a terminal status.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

// Admission exposes the orchestrator's admission controller.
func (o *Orchestrator) Admission() *Admission {
	return o.admission
}

func (o *Orchestrator) register(job *Job, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.live[job.ID] = &liveJob{job: *job, cancel: cancel}
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.live, id)
}

func (o *Orchestrator) setStatus(id string, s Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if lj, ok := o.live[id]; ok {
		lj.job.Status = s
	}
}

// fail records the failure on res and returns the matching JobError.
func fail(res *ExecutionResult, op string, err error) error {
	kind := classify(op, err)
	res.Status = statusFor(kind)
	res.ErrorKind = kind
	res.Error = err.Error()
	return &JobError{Kind: kind, Op: op, Err: err}
}
