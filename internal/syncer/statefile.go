package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"s3invsync/internal/keypath"
)

// ErrUnfamiliarOutputDirectory is returned by Preflight when the output
// directory is non-empty but carries no state file, meaning it was probably
// never written by this tool.
var ErrUnfamiliarOutputDirectory = errors.New("output directory is non-empty but has no state file; pass --allow-new-nonempty to proceed")

// State is the content of the root state side-file.
type State struct {
	Started     *time.Time `json:"started"`
	LastSuccess *time.Time `json:"last_success"`
}

// StateFile manages the state side-file at the root of the output directory.
type StateFile struct {
	outdir string
	path   string
}

// NewStateFile returns a manager for outdir's state file.
func NewStateFile(outdir string) *StateFile {
	return &StateFile{outdir: outdir, path: filepath.Join(outdir, keypath.StateFilename)}
}

// Load reads the state. A missing file yields the zero State.
func (sf *StateFile) Load() (State, error) {
	data, err := os.ReadFile(sf.path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading state file: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decoding state file %s: %w", sf.path, err)
	}
	return st, nil
}

// Preflight creates the output directory if needed and enforces the safety
// checks that gate a run: an unfamiliar non-empty directory is refused
// unless allowNew is set, and requireLastSuccess refuses to run unless the
// previous run completed successfully.
func (sf *StateFile) Preflight(allowNew, requireLastSuccess bool) error {
	if err := os.MkdirAll(sf.outdir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	empty, err := isEmptyDir(sf.outdir)
	if err != nil {
		return fmt.Errorf("inspecting output directory: %w", err)
	}
	if !empty {
		if _, err := os.Stat(sf.path); os.IsNotExist(err) && !allowNew {
			return ErrUnfamiliarOutputDirectory
		} else if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("inspecting state file: %w", err)
		}
	}
	if requireLastSuccess {
		st, err := sf.Load()
		if err != nil {
			return err
		}
		if st.LastSuccess == nil {
			return errors.New("no successful previous run recorded and --require-last-success is set")
		}
		if st.Started != nil && st.LastSuccess.Before(*st.Started) {
			return errors.New("previous run did not complete successfully and --require-last-success is set")
		}
	}
	return nil
}

// RegisterStart stamps the run-start timestamp, preserving last_success.
func (sf *StateFile) RegisterStart(now time.Time) error {
	st, err := sf.Load()
	if err != nil {
		return err
	}
	now = now.UTC()
	st.Started = &now
	return sf.store(st)
}

// RegisterSuccess stamps the last-success timestamp. Callers invoke this
// only after the pipeline and the reconciliation sweep both finished clean,
// so the timestamp is monotone across successful runs.
func (sf *StateFile) RegisterSuccess(now time.Time) error {
	st, err := sf.Load()
	if err != nil {
		return err
	}
	now = now.UTC()
	st.LastSuccess = &now
	return sf.store(st)
}

func (sf *StateFile) store(st State) error {
	tmp, err := os.CreateTemp(sf.outdir, keypath.ReservedPrefix+"state.*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), sf.path); err != nil {
		return fmt.Errorf("renaming temp state file: %w", err)
	}
	success = true
	return nil
}

func isEmptyDir(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.ReadDir(1)
	if err == io.EOF {
		return true, nil
	}
	return false, err
}
