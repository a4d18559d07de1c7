package cron

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// FileStore persists the cron job list to cron.json (spec §6: `{ jobs:
// [CronJob] }`), atomically.
type FileStore struct {
	path string
}

type fileShape struct {
	Jobs []Job `json:"jobs"`
}

// NewFileStore opens cron.json under dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, "cron.json")}
}

// Load reads the job list, returning an empty slice (no error) if the file
// does not exist yet.
func (f *FileStore) Load() ([]Job, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var shape fileShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, err
	}
	return shape.Jobs, nil
}

// Save writes jobs to cron.json atomically. save(jobs); load() == jobs is
// the round-trip law this satisfies (spec §8).
func (f *FileStore) Save(jobs []Job) error {
	data, err := json.MarshalIndent(fileShape{Jobs: jobs}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "cron-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	return os.Rename(tmpPath, f.path)
}
