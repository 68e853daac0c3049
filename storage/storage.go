package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultKeep is how many snapshots per name survive a save.
const DefaultKeep = 5

// SnapshotStore writes timestamped JSON snapshots and prunes old ones.
type SnapshotStore struct {
	dataDir string
	keep    int
	mutex   sync.Mutex
	now     func() time.Time
}

type snapshotFile struct {
	path      string
	timestamp int64
}

type snapshotFiles []snapshotFile

func (f snapshotFiles) Len() int           { return len(f) }
func (f snapshotFiles) Less(i, j int) bool { return f[i].timestamp < f[j].timestamp }
func (f snapshotFiles) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func NewSnapshotStore(dataDir string, keep int) (*SnapshotStore, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &SnapshotStore{dataDir: absPath, keep: keep, now: time.Now}, nil
}

// Save writes v as the newest snapshot of name.
func (s *SnapshotStore) Save(name string, v any) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	files, err := s.list(name)
	if err != nil {
		return err
	}
	ts := s.now().UnixNano()
	if len(files) > 0 && ts <= files[len(files)-1].timestamp {
		ts = files[len(files)-1].timestamp + 1
	}
	path := filepath.Join(s.dataDir, fmt.Sprintf("%s_snapshot_%d.json", name, ts))
	if err := writeJSON(path, v); err != nil {
		return err
	}
	return s.cleanup(name)
}

// LoadLatest decodes the newest snapshot of name into v. It reports false
// when no snapshot exists.
func (s *SnapshotStore) LoadLatest(name string, v any) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	files, err := s.list(name)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}
	if err := readJSON(files[len(files)-1].path, v); err != nil {
		return false, err
	}
	return true, nil
}

// list returns snapshots of name, oldest first.
func (s *SnapshotStore) list(name string) (snapshotFiles, error) {
	prefix := name + "_snapshot_"
	paths, err := filepath.Glob(filepath.Join(s.dataDir, prefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var files snapshotFiles
	for _, path := range paths {
		raw := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), prefix), ".json")
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, snapshotFile{path: path, timestamp: ts})
	}
	sort.Sort(files)
	return files, nil
}

func (s *SnapshotStore) cleanup(name string) error {
	files, err := s.list(name)
	if err != nil {
		return err
	}
	for len(files) > s.keep {
		if err := os.Remove(files[0].path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old snapshot: %w", err)
		}
		files = files[1:]
	}
	return nil
}
