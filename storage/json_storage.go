package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"ratevault-backend/models"
)

// KV is a string keyed byte store.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// Chain is a persisted block log.
type Chain struct {
	Blocks []*models.Block `json:"blocks"`
}

// JSONStore keeps block logs and a key/value map in JSON files under
// basePath. Every write rewrites the affected file through a temp file and
// a rename.
type JSONStore struct {
	basePath string
	mu       sync.RWMutex
	chains   map[string]*Chain
	kv       map[string][]byte
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	store := &JSONStore{
		basePath: basePath,
		chains:   make(map[string]*Chain),
		kv:       make(map[string][]byte),
	}

	chainFiles, err := filepath.Glob(filepath.Join(basePath, "*_chain.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	for _, path := range chainFiles {
		name := strings.TrimSuffix(filepath.Base(path), "_chain.json")
		var chain Chain
		if err := readJSON(path, &chain); err != nil {
			return nil, fmt.Errorf("failed to load chain %s: %w", name, err)
		}
		store.chains[name] = &chain
	}

	if err := readJSON(store.kvPath(), &store.kv); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load key/value file: %w", err)
	}
	if store.kv == nil {
		store.kv = make(map[string][]byte)
	}

	return store, nil
}

func (s *JSONStore) SaveBlock(chainName string, block *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, exists := s.chains[chainName]
	if !exists {
		chain = &Chain{Blocks: make([]*models.Block, 0)}
	}
	next := &Chain{Blocks: append(chain.Blocks[:len(chain.Blocks):len(chain.Blocks)], block)}
	if err := writeJSON(s.chainPath(chainName), next); err != nil {
		return err
	}
	s.chains[chainName] = next
	return nil
}

// LoadChain returns a copy of the named block log.
func (s *JSONStore) LoadChain(chainName string) ([]*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, exists := s.chains[chainName]
	if !exists || chain == nil {
		return make([]*models.Block, 0), nil
	}
	blocks := make([]*models.Block, len(chain.Blocks))
	copy(blocks, chain.Blocks)
	return blocks, nil
}

func (s *JSONStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *JSONStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.kv[key]
	s.kv[key] = append([]byte(nil), value...)
	if err := writeJSON(s.kvPath(), s.kv); err != nil {
		if had {
			s.kv[key] = prev
		} else {
			delete(s.kv, key)
		}
		return err
	}
	return nil
}

func (s *JSONStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.kv[key]
	if !had {
		return nil
	}
	delete(s.kv, key)
	if err := writeJSON(s.kvPath(), s.kv); err != nil {
		s.kv[key] = prev
		return err
	}
	return nil
}

func (s *JSONStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *JSONStore) chainPath(chainName string) string {
	return filepath.Join(s.basePath, fmt.Sprintf("%s_chain.json", chainName))
}

func (s *JSONStore) kvPath() string {
	return filepath.Join(s.basePath, "kv.json")
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}
	return nil
}

// MemoryKV is an in-process KV.
type MemoryKV struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{m: make(map[string][]byte)}
}

func (m *MemoryKV) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryKV) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
	return nil
}

func (m *MemoryKV) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
