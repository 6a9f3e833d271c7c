package store

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	subject     TEXT NOT NULL,
	domain      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	failure     TEXT NOT NULL DEFAULT '',
	cache_hits  INTEGER NOT NULL DEFAULT 0,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS attempts (
	run_id     TEXT NOT NULL,
	number     INTEGER NOT NULL,
	reentry    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL DEFAULT '',
	elapsed_ns INTEGER NOT NULL DEFAULT 0,
	verdict    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, number)
);

CREATE TABLE IF NOT EXISTS stage_timings (
	run_id     TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	stage      TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	status     TEXT NOT NULL,
	tries      INTEGER NOT NULL DEFAULT 0,
	elapsed_ns INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, attempt, stage)
);

CREATE TABLE IF NOT EXISTS call_records (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	service     TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	latency_ns  INTEGER NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calls_run ON call_records(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
