package cron

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

const (
	storeFileName = "jobs.json"
	storeDirPerm  = 0o755
	storeFilePerm = 0o644
)

// ResolveStorePath builds the tenant-namespaced store path
// <root>/<botName>/jobs.json.
func ResolveStorePath(rootDir, botName string) string {
	return filepath.Join(rootDir, botName, storeFileName)
}

// Store is the on-disk persistence layer (C1). One Store instance is owned
// by exactly one Service, but Load and Save both take the per-path mutex
// from store_lock.go before touching disk, so two Store instances pointed
// at the same path (as tests that share a fixture directory do) never
// interleave a read with a write.
type Store struct {
	path string
	log  zerolog.Logger
}

// NewStore returns a Store writing to path, creating its parent directory
// lazily on first Save.
func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log.With().Str("component", "cron.store").Logger()}
}

// Load reads the store file. Missing files and unparseable JSON are both
// treated as an empty store (fail-open per §4.1), logging a warning in the
// latter case rather than surfacing an error — a corrupt store must not
// block startup.
func (s *Store) Load() ([]*Job, int64, error) {
	mu := storeLockForPath(s.path)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, wrapf(ErrStoreIO, "read %s: %v", s.path, err)
	}

	var parsed storeFile
	if err := json5.Unmarshal(data, &parsed); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("cron store is corrupt, starting from empty store")
		return nil, 0, nil
	}
	if parsed.Version == 0 {
		parsed.Version = storeVersion
	}

	jobs := make([]*Job, 0, len(parsed.Jobs))
	for _, j := range parsed.Jobs {
		if j == nil {
			continue
		}
		if err := validateStoredJob(j); err != nil {
			s.log.Warn().Err(wrapf(ErrCorruption, "job %s: %v", j.ID, err)).Str("path", s.path).
				Msg("dropping corrupt job record")
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, parsed.UpdatedAtMs, nil
}

// Save atomically persists jobs: write <path>.tmp, then rename over path.
// Any rename failure is retried once after removing the destination.
func (s *Store) Save(jobs []*Job, nowMs int64) error {
	mu := storeLockForPath(s.path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), storeDirPerm); err != nil {
		return wrapf(ErrStoreIO, "mkdir %s: %v", filepath.Dir(s.path), err)
	}

	envelope := storeFile{Version: storeVersion, UpdatedAtMs: nowMs, Jobs: jobs}
	payload, err := json5.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return wrapf(ErrStoreIO, "marshal store: %v", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, storeFilePerm); err != nil {
		return wrapf(ErrStoreIO, "write %s: %v", tmp, err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(s.path)
		if err2 := os.Rename(tmp, s.path); err2 != nil {
			_ = os.Remove(tmp)
			return wrapf(ErrStoreIO, "rename %s -> %s: %v", tmp, s.path, err2)
		}
	}
	return nil
}
