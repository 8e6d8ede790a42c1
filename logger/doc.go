// Package logger provides structured logging capabilities.
//
// The logger package sets up the application's zap logger: JSON with an
// ISO8601 timestamp in production, a colored console in development. Job
// scoped loggers carry job_id and language fields.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.ForJob(log, job.ID, job.Language).Info("job started")
package logger
