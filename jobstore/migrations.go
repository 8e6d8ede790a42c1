package jobstore

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    language      TEXT NOT NULL,
    status        TEXT NOT NULL
                  CHECK(status IN ('completed','failed','timed_out','cancelled')),
    error_kind    TEXT NOT NULL DEFAULT '',
    submitted_at  TEXT NOT NULL,
    finished_at   TEXT NOT NULL,
    source_digest TEXT NOT NULL,
    problem       TEXT NOT NULL,
    result        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_submitted ON jobs(submitted_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_digest ON jobs(source_digest);
`

func migrate(db *sql.DB) error {
	var current int
	if err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&current); err != nil {
		current = 0
	}
	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
