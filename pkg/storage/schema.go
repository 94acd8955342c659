package storage

// schema is the DDL executed once against a fresh database. It mirrors
// the five-table layout of the original SQLAlchemy models one-for-one:
// a builds row plus four child tables keyed by build_id, with atoms
// keyed additionally by subjob_id.
const schema = `
CREATE TABLE IF NOT EXISTS builds (
	build_id INTEGER PRIMARY KEY AUTOINCREMENT,
	error_message TEXT,
	postbuild_tasks_are_finished INTEGER,
	timing_file_path TEXT,
	build_artifact_dir TEXT,
	build_parameters TEXT,
	state TEXT,
	queued_ts REAL,
	finished_ts REAL,
	prepared_ts REAL,
	preparing_ts REAL,
	error_ts REAL,
	canceled_ts REAL,
	building_ts REAL
);

CREATE TABLE IF NOT EXISTS failed_artifact_directories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id INTEGER NOT NULL REFERENCES builds(build_id),
	failed_artifact_directory TEXT
);

CREATE TABLE IF NOT EXISTS failed_subjobs_atom_pairs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id INTEGER NOT NULL REFERENCES builds(build_id),
	subjob_id INTEGER,
	atom_id INTEGER
);

CREATE TABLE IF NOT EXISTS subjobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subjob_id INTEGER,
	build_id INTEGER NOT NULL REFERENCES builds(build_id),
	completed INTEGER
);

CREATE TABLE IF NOT EXISTS atoms (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	atom_id INTEGER,
	build_id INTEGER NOT NULL REFERENCES builds(build_id),
	subjob_id INTEGER,
	command_string TEXT,
	expected_time REAL,
	actual_time REAL,
	exit_code INTEGER,
	state TEXT
);

CREATE INDEX IF NOT EXISTS idx_subjobs_build_id ON subjobs(build_id);
CREATE INDEX IF NOT EXISTS idx_atoms_build_id ON atoms(build_id);
`
