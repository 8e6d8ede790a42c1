// Package httpapi serves the judge over plain HTTP and JSON using chi.
//
// Routes:
//
//	POST   /api/jobs       run a submission and return its ExecutionResult
//	GET    /api/jobs/{id}  live or archived state of a job
//	DELETE /api/jobs/{id}  cancel a pending or running job
//	GET    /healthz        liveness and number of in-flight jobs
//
// A submission that runs returns 200 with its result, whether its tests
// passed, failed or timed out. Malformed requests return 400. A job that
// could not get a sandbox returns 503 with its result.
package httpapi
