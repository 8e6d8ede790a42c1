// Package jobstore archives finished jobs in SQLite so they can be looked up
// after their submission has returned.
//
// The store uses the pure Go modernc.org/sqlite driver in WAL mode. Each row
// holds the job's terminal status, the problem, the full execution result as
// JSON, and a BLAKE3 digest of the submitted source; the source itself is not
// stored.
//
// Usage:
//
//	store, err := jobstore.Open(logger, "data/codus.db")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//	orch := judge.New(logger, cfg, rt, preflight, admission, store)
package jobstore
