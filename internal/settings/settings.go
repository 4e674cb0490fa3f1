// Package settings provides a flat key/value store for credentials, tokens and
// small pieces of engine state, persisted as a YAML file.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Well-known settings keys.
const (
	KeyClientID         = "clientId"
	KeyClientSecret     = "clientSecret"
	KeyAccessToken      = "accessToken"
	KeyRefreshToken     = "refreshToken"
	KeyCloudID          = "cloudId"
	KeyTokenExpiry      = "tokenExpiry"
	KeyRecentIssueKeys  = "recentIssueKeys"
	KeyJiraURL          = "jiraUrl"
	KeyExcludedStatuses = "excludedStatuses"
)

// MaxRecentIssueKeys caps the recent-issue list stored under KeyRecentIssueKeys.
const MaxRecentIssueKeys = 5

// Store is the flat get/set persistence contract the engine components are
// given. Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) string
	Set(key, value string)
	// Save flushes the current state to durable storage.
	Save() error
}

// FileStore persists settings as a single YAML file.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// NewFileStore loads settings from the given file. A missing file yields an
// empty store; it is created on first Save.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		values: map[string]string{},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if s.values == nil {
		s.values = map[string]string{}
	}

	return s, nil
}

func (s *FileStore) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *FileStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.values, key)
		return
	}
	s.values[key] = value
}

// Save writes the settings to disk, creating the parent directory if needed.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// RecentIssueKeys returns the stored recent-issue keys, most recent first.
func RecentIssueKeys(s Store) []string {
	raw := s.Get(KeyRecentIssueKeys)
	if raw == "" {
		return nil
	}

	var keys []string
	for _, key := range strings.Split(raw, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// PushRecentIssueKey moves key to the front of the recent-issue list,
// deduplicating and capping the list at MaxRecentIssueKeys.
func PushRecentIssueKey(s Store, key string) {
	if key == "" {
		return
	}

	keys := []string{key}
	for _, existing := range RecentIssueKeys(s) {
		if existing == key {
			continue
		}
		keys = append(keys, existing)
		if len(keys) == MaxRecentIssueKeys {
			break
		}
	}

	s.Set(KeyRecentIssueKeys, strings.Join(keys, ","))
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	Saves  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (s *MemoryStore) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *MemoryStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.values, key)
		return
	}
	s.values[key] = value
}

func (s *MemoryStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Saves++
	return nil
}
