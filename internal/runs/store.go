// Package runs keeps a durable history of build invocations: one directory
// per run holding the run record, the outcome of every plan entry, the
// build trace and, for runs that did not succeed, the classified failure.
//
//	<dir>/<run-id>/run.json
//	<dir>/<run-id>/failure.json
//	<dir>/<run-id>/trace.json
//	<dir>/<run-id>/outcomes/<name>-<hash>.json
package runs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store persists run records. Every write is atomic: data goes to a
// temporary sibling that is synced and renamed into place.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("runs: directory is required")
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory holding all runs.
func (s *Store) Dir() string { return s.dir }

func (s *Store) runDir(id string) string      { return filepath.Join(s.dir, id) }
func (s *Store) runPath(id string) string     { return filepath.Join(s.runDir(id), "run.json") }
func (s *Store) failurePath(id string) string { return filepath.Join(s.runDir(id), "failure.json") }
func (s *Store) tracePath(id string) string   { return filepath.Join(s.runDir(id), "trace.json") }
func (s *Store) outcomesDir(id string) string { return filepath.Join(s.runDir(id), "outcomes") }

// ListRunIDs returns the ids of every run on disk, sorted. Run ids are
// time-ordered, so the last id is the most recent run.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && strings.TrimSpace(e.Name()) != "" {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Latest returns the most recent run of planHash, if any.
func (s *Store) Latest(planHash string) (Run, bool, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return Run{}, false, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		run, err := s.LoadRun(ids[i])
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Run{}, false, err
		}
		if run.PlanHash == planHash {
			return run, true, nil
		}
	}
	return Run{}, false, nil
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	return s.writeJSON(s.runPath(run.ID), run)
}

func (s *Store) LoadRun(id string) (Run, error) {
	if err := checkID(id); err != nil {
		return Run{}, err
	}
	var run Run
	if err := readJSONStrict(s.runPath(id), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

func (s *Store) SaveOutcome(id string, o Outcome) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid outcome: %w", err)
	}
	return s.writeJSON(filepath.Join(s.outcomesDir(id), o.Artifact+".json"), o)
}

// LoadOutcomes returns the outcomes of a run sorted by artifact key.
func (s *Store) LoadOutcomes(id string) ([]Outcome, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.outcomesDir(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Outcome
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var o Outcome
		if err := readJSONStrict(filepath.Join(s.outcomesDir(id), e.Name()), &o); err != nil {
			return nil, err
		}
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("invalid outcome on disk: %w", err)
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Artifact < out[j].Artifact })
	return out, nil
}

func (s *Store) SaveFailure(id string, f Failure) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	return s.writeJSON(s.failurePath(id), f)
}

// LoadFailure returns the failure of a run. A run without a failure
// record reports fs.ErrNotExist.
func (s *Store) LoadFailure(id string) (Failure, error) {
	if err := checkID(id); err != nil {
		return Failure{}, err
	}
	var f Failure
	if err := readJSONStrict(s.failurePath(id), &f); err != nil {
		return Failure{}, err
	}
	if err := f.Validate(); err != nil {
		return Failure{}, fmt.Errorf("invalid failure on disk: %w", err)
	}
	return f, nil
}

// SaveTrace stores the canonical trace bytes of a run as given.
func (s *Store) SaveTrace(id string, canonical []byte) error {
	if err := checkID(id); err != nil {
		return err
	}
	return writeFileAtomic(s.tracePath(id), canonical, 0o644)
}

func (s *Store) LoadTrace(id string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	return os.ReadFile(s.tracePath(id))
}

func checkID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("run id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

func (s *Store) writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := writeFileAtomic(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("decoding %s: trailing content", path)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
