// Package judge runs submitted source code against a problem's test cases
// inside sandboxes.
//
// The Orchestrator is the entry point. Submit drives one job through
// preflight (making sure the language image exists), admission (a fixed
// number of concurrent sandboxes, first come first served), the sandbox
// lifecycle and result classification. The sandbox is destroyed on every
// path and every job ends in exactly one terminal Status.
//
// Usage:
//
//	orch := judge.New(logger, cfg, rt, judge.NewPreflight(logger, prov),
//	    judge.NewAdmission(cfg.Sandbox.MaxConcurrent), judge.NopArchive{})
//	res, err := orch.Submit(ctx, judge.SubmitRequest{Problem: problem, Source: src})
//	if err != nil {
//	    var jobErr *judge.JobError
//	    if errors.As(err, &jobErr) {
//	        log.Printf("job %s failed: %s", res.JobID, jobErr.Kind)
//	    }
//	}
package judge
