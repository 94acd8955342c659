package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cuemby/clusterrunner/pkg/core"
	"github.com/cuemby/clusterrunner/pkg/log"
)

// BuildStore is the authoritative index of all builds: an in-memory
// cache backed by a SQLite database for everything that has been
// flushed. A miss in the cache falls through to the database before
// reporting "not found".
//
// Unlike the source's class-level cache shared by the whole process,
// this is an explicit instance: a manager process constructs exactly
// one and threads it through, which keeps the store unit-testable
// against a throwaway database file.
type BuildStore struct {
	db *sql.DB

	mu    sync.Mutex
	cache map[int]*core.Build
}

// NewBuildStore opens (creating if necessary) the SQLite database at
// path and applies the schema. An empty path opens an in-memory
// database, useful for tests.
func NewBuildStore(path string) (*BuildStore, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open build store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers per connection

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply build store schema: %w", err)
	}

	return &BuildStore{db: db, cache: make(map[int]*core.Build)}, nil
}

// Close releases the underlying database handle.
func (s *BuildStore) Close() error {
	return s.db.Close()
}

// Add registers a newly created build in the cache. It is not persisted
// until the next flush (Flush, or CleanUp at shutdown).
func (s *BuildStore) Add(build *core.Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[build.ID()] = build
}

// Get returns a build by id, checking the in-memory cache before
// falling back to the database. A database hit is rehydrated as a
// read-only Snapshot-backed Build and re-cached.
func (s *BuildStore) Get(buildID int) (*core.Build, bool) {
	s.mu.Lock()
	if b, ok := s.cache[buildID]; ok {
		s.mu.Unlock()
		return b, true
	}
	s.mu.Unlock()

	log.WithBuild(buildID).Debug().Msg("build not found in cache, checking database")
	b, err := s.loadFromDB(buildID)
	if err != nil {
		log.WithBuild(buildID).Warn().Err(err).Msg("failed to load build from database")
		return nil, false
	}
	if b == nil {
		return nil, false
	}

	s.mu.Lock()
	s.cache[buildID] = b
	s.mu.Unlock()
	return b, true
}

// GetRange returns builds with ids in (start, end], skipping any id that
// cannot be found. end may exceed the highest assigned id; the returned
// slice is simply shorter in that case.
func (s *BuildStore) GetRange(start, end int) []*core.Build {
	out := make([]*core.Build, 0, end-start)
	for id := start + 1; id <= end; id++ {
		if b, ok := s.Get(id); ok {
			out = append(out, b)
		}
	}
	return out
}

// CachedBuilds returns every build currently held in memory, in no
// particular order. Used by metrics collection, which counts only the
// non-terminal builds among them; nothing removes a build from the
// cache, so terminal builds are included.
func (s *BuildStore) CachedBuilds() []*core.Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Build, 0, len(s.cache))
	for _, b := range s.cache {
		out = append(out, b)
	}
	return out
}

// CountAllBuilds returns the total number of build rows persisted.
func (s *BuildStore) CountAllBuilds(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM builds").Scan(&n)
	return n, err
}

// CleanUp flushes every cached build to the database, marking any build
// that has not reached a terminal state as failed first. Called once on
// manager shutdown.
func (s *BuildStore) CleanUp(ctx context.Context) error {
	s.mu.Lock()
	builds := make([]*core.Build, 0, len(s.cache))
	for _, b := range s.cache {
		builds = append(builds, b)
	}
	s.mu.Unlock()

	log.Info("flushing cached builds to storage")
	for _, b := range builds {
		switch b.Status() {
		case core.StateFinished, core.StateError, core.StateCanceled:
		default:
			b.MarkFailed("manager was shut down before this build could complete")
		}
		if err := s.save(ctx, b); err != nil {
			return fmt.Errorf("save build %d: %w", b.ID(), err)
		}
	}
	return nil
}

// Flush persists one build's current snapshot immediately, used by
// callers that want a build durable as soon as it reaches a terminal
// FSM state rather than waiting for CleanUp.
func (s *BuildStore) Flush(ctx context.Context, b *core.Build) error {
	return s.save(ctx, b)
}

func (s *BuildStore) save(ctx context.Context, b *core.Build) error {
	snap := b.Snapshot()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	params, err := json.Marshal(snap.BuildRequest)
	if err != nil {
		return err
	}

	ts := func(st core.BuildState) any {
		t, ok := snap.Timestamps[st]
		if !ok {
			return nil
		}
		return float64(t.UnixNano()) / float64(time.Second)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO builds (
			build_id, error_message, postbuild_tasks_are_finished, timing_file_path,
			build_artifact_dir, build_parameters, state,
			queued_ts, finished_ts, prepared_ts, preparing_ts, error_ts, canceled_ts, building_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(build_id) DO UPDATE SET
			error_message=excluded.error_message,
			postbuild_tasks_are_finished=excluded.postbuild_tasks_are_finished,
			timing_file_path=excluded.timing_file_path,
			build_artifact_dir=excluded.build_artifact_dir,
			build_parameters=excluded.build_parameters,
			state=excluded.state,
			queued_ts=excluded.queued_ts,
			finished_ts=excluded.finished_ts,
			prepared_ts=excluded.prepared_ts,
			preparing_ts=excluded.preparing_ts,
			error_ts=excluded.error_ts,
			canceled_ts=excluded.canceled_ts,
			building_ts=excluded.building_ts
	`,
		snap.ID, snap.ErrorMessage, snap.PostbuildTasksAreFinished, snap.TimingFilePath,
		snap.BuildArtifactDir, string(params), string(snap.State),
		ts(core.StateQueued), ts(core.StateFinished), ts(core.StatePrepared), ts(core.StatePreparing),
		ts(core.StateError), ts(core.StateCanceled), ts(core.StateBuilding),
	)
	if err != nil {
		return err
	}

	buildID := snap.ID
	if buildID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		buildID = int(id)
	}

	// Re-inserting child rows on every flush is simplest and matches the
	// source's behavior of re-adding them each time save() runs.
	if _, err := tx.ExecContext(ctx, `DELETE FROM failed_artifact_directories WHERE build_id = ?`, buildID); err != nil {
		return err
	}
	for _, dir := range snap.FailedArtifactDirectories {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO failed_artifact_directories (build_id, failed_artifact_directory) VALUES (?, ?)`,
			buildID, dir); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM failed_subjobs_atom_pairs WHERE build_id = ?`, buildID); err != nil {
		return err
	}
	for _, pair := range snap.FailedSubjobAtomPairs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO failed_subjobs_atom_pairs (build_id, subjob_id, atom_id) VALUES (?, ?, ?)`,
			buildID, pair[0], pair[1]); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM subjobs WHERE build_id = ?`, buildID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM atoms WHERE build_id = ?`, buildID); err != nil {
		return err
	}
	for _, subjob := range snap.Subjobs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subjobs (subjob_id, build_id, completed) VALUES (?, ?, ?)`,
			subjob.SubjobID, buildID, subjob.Completed); err != nil {
			return err
		}
		for _, atom := range subjob.Atoms {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO atoms (atom_id, build_id, subjob_id, command_string, expected_time, actual_time, exit_code, state)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				atom.ID, buildID, subjob.SubjobID, atom.CommandString, atom.ExpectedTime, atom.ActualTime, atom.ExitCode, atom.State,
			); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (s *BuildStore) loadFromDB(buildID int) (*core.Build, error) {
	ctx := context.Background()
	row := s.db.QueryRowContext(ctx, `
		SELECT error_message, postbuild_tasks_are_finished, timing_file_path, build_artifact_dir,
		       build_parameters, state, queued_ts, finished_ts, prepared_ts, preparing_ts,
		       error_ts, canceled_ts, building_ts
		FROM builds WHERE build_id = ?`, buildID)

	var (
		errMsg, timingPath, artifactDir, paramsJSON, state sql.NullString
		postbuildFinished                                  sql.NullBool
		queuedTS, finishedTS, preparedTS, preparingTS       sql.NullFloat64
		errorTS, canceledTS, buildingTS                     sql.NullFloat64
	)
	err := row.Scan(&errMsg, &postbuildFinished, &timingPath, &artifactDir, &paramsJSON, &state,
		&queuedTS, &finishedTS, &preparedTS, &preparingTS, &errorTS, &canceledTS, &buildingTS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var params map[string]string
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &params); err != nil {
			return nil, fmt.Errorf("decode build_parameters: %w", err)
		}
	}

	timestamps := make(map[core.BuildState]time.Time)
	addTS := func(st core.BuildState, v sql.NullFloat64) {
		if v.Valid {
			timestamps[st] = time.Unix(0, int64(v.Float64*float64(time.Second)))
		}
	}
	addTS(core.StateQueued, queuedTS)
	addTS(core.StateFinished, finishedTS)
	addTS(core.StatePrepared, preparedTS)
	addTS(core.StatePreparing, preparingTS)
	addTS(core.StateError, errorTS)
	addTS(core.StateCanceled, canceledTS)
	addTS(core.StateBuilding, buildingTS)

	failedDirs, err := s.loadFailedArtifactDirectories(ctx, buildID)
	if err != nil {
		return nil, err
	}
	failedPairs, err := s.loadFailedSubjobAtomPairs(ctx, buildID)
	if err != nil {
		return nil, err
	}
	subjobs, err := s.loadSubjobs(ctx, buildID)
	if err != nil {
		return nil, err
	}

	return core.NewBuildFromSnapshot(core.Snapshot{
		ID:                        buildID,
		BuildRequest:              params,
		State:                     core.BuildState(state.String),
		Timestamps:                timestamps,
		ErrorMessage:              errMsg.String,
		PostbuildTasksAreFinished: postbuildFinished.Bool,
		TimingFilePath:            timingPath.String,
		BuildArtifactDir:          artifactDir.String,
		FailedArtifactDirectories: failedDirs,
		FailedSubjobAtomPairs:     failedPairs,
		Subjobs:                   subjobs,
	}), nil
}

func (s *BuildStore) loadFailedArtifactDirectories(ctx context.Context, buildID int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT failed_artifact_directory FROM failed_artifact_directories WHERE build_id = ?`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return nil, err
		}
		out = append(out, dir)
	}
	return out, rows.Err()
}

func (s *BuildStore) loadFailedSubjobAtomPairs(ctx context.Context, buildID int) ([][2]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subjob_id, atom_id FROM failed_subjobs_atom_pairs WHERE build_id = ?`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]int
	for rows.Next() {
		var subjobID, atomID int
		if err := rows.Scan(&subjobID, &atomID); err != nil {
			return nil, err
		}
		out = append(out, [2]int{subjobID, atomID})
	}
	return out, rows.Err()
}

func (s *BuildStore) loadSubjobs(ctx context.Context, buildID int) ([]*core.Subjob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subjob_id, completed FROM subjobs WHERE build_id = ?`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjobs []*core.Subjob
	for rows.Next() {
		var subjobID int
		var completed bool
		if err := rows.Scan(&subjobID, &completed); err != nil {
			return nil, err
		}
		atoms, err := s.loadAtoms(ctx, buildID, subjobID)
		if err != nil {
			return nil, err
		}
		subjobs = append(subjobs, &core.Subjob{
			BuildID:   buildID,
			SubjobID:  subjobID,
			Atoms:     atoms,
			Completed: completed,
		})
	}
	return subjobs, rows.Err()
}

func (s *BuildStore) loadAtoms(ctx context.Context, buildID, subjobID int) ([]*core.Atom, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT atom_id, command_string, expected_time, actual_time, exit_code, state
		FROM atoms WHERE build_id = ? AND subjob_id = ? ORDER BY atom_id`, buildID, subjobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var atoms []*core.Atom
	for rows.Next() {
		a := &core.Atom{}
		if err := rows.Scan(&a.ID, &a.CommandString, &a.ExpectedTime, &a.ActualTime, &a.ExitCode, &a.State); err != nil {
			return nil, err
		}
		atoms = append(atoms, a)
	}
	return atoms, rows.Err()
}
