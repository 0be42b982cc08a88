package fsstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"jobdock/internal/store"
)

// persist writes the structured record first and the plain-text marker
// second, both via temp+rename. The ordering makes a crash between the two
// detectable: the marker lags the record and is re-derived on the next read.
func (s *Store) persist(j *store.Job) error {
	dir := s.jobDir(j.ID)

	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')

	if err := writeFileAtomic(filepath.Join(dir, recordFile), data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, stateFile), []byte(string(j.State)+"\n")); err != nil {
		return fmt.Errorf("write state marker: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temporary file in the target directory
// and renames it into place. Rename within one directory is atomic, so
// readers see either the old content or the new, never a torn write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) load(id string) (*store.Job, error) {
	dir := s.jobDir(id)
	data, err := os.ReadFile(filepath.Join(dir, recordFile))
	if err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(dir); statErr != nil {
				return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
			}
			return nil, fmt.Errorf("job %s: record missing: %w", id, store.ErrCorrupt)
		}
		return nil, fmt.Errorf("read record for job %s: %w", id, err)
	}

	j, err := decodeRecord(data, id)
	if err != nil {
		return nil, err
	}
	s.healMarker(j)
	return j, nil
}

func decodeRecord(data []byte, wantID string) (*store.Job, error) {
	var j store.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("job %s: %w: %v", wantID, store.ErrCorrupt, err)
	}
	if err := validateRecord(&j, wantID); err != nil {
		return nil, err
	}
	return &j, nil
}

func validateRecord(j *store.Job, wantID string) error {
	switch {
	case j.ID == "":
		return fmt.Errorf("job %s: missing job_id: %w", wantID, store.ErrCorrupt)
	case j.ID != wantID:
		return fmt.Errorf("job %s: record job_id %q does not match directory: %w", wantID, j.ID, store.ErrCorrupt)
	case !j.State.Valid():
		return fmt.Errorf("job %s: unknown state %q: %w", wantID, j.State, store.ErrCorrupt)
	case j.CreatedAt.IsZero():
		return fmt.Errorf("job %s: missing created_at: %w", wantID, store.ErrCorrupt)
	}
	return nil
}

// healMarker re-derives the plain-text marker from the record when the two
// disagree. The record always wins.
func (s *Store) healMarker(j *store.Job) {
	markerPath := filepath.Join(s.jobDir(j.ID), stateFile)
	raw, err := os.ReadFile(markerPath)
	if err == nil && strings.TrimSpace(string(raw)) == string(j.State) {
		return
	}
	if err := writeFileAtomic(markerPath, []byte(string(j.State)+"\n")); err != nil {
		s.log.Warn("failed to heal state marker", "job_id", j.ID, "error", err)
		return
	}
	s.log.Warn("state marker lagged record, healed", "job_id", j.ID, "state", j.State)
}
