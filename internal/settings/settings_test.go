package settings

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestFileStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.Set(KeyClientID, "client-id")
	store.Set(KeyAccessToken, "token")
	if err := store.Save(); err != nil {
		t.Fatalf("unexpected error saving: %v", err)
	}

	reloaded, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("unexpected error reloading: %v", err)
	}

	if got := reloaded.Get(KeyClientID); got != "client-id" {
		t.Errorf("expected client id to survive a reload, got %q", got)
	}
	if got := reloaded.Get(KeyAccessToken); got != "token" {
		t.Errorf("expected access token to survive a reload, got %q", got)
	}
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.Get(KeyClientID); got != "" {
		t.Errorf("expected an empty store, got %q", got)
	}
}

func TestFileStoreClearsEmptyValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.Set(KeyAccessToken, "token")
	store.Set(KeyAccessToken, "")
	if err := store.Save(); err != nil {
		t.Fatalf("unexpected error saving: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error reading: %v", err)
	}
	if strings.Contains(string(data), KeyAccessToken) {
		t.Errorf("expected the cleared key to be absent from disk, got:\n%s", data)
	}
}

func TestRecentIssueKeys(t *testing.T) {
	tests := []struct {
		name     string
		stored   string
		expected []string
	}{
		{
			name:     "empty",
			stored:   "",
			expected: nil,
		},
		{
			name:     "single key",
			stored:   "PROJ-1",
			expected: []string{"PROJ-1"},
		},
		{
			name:     "multiple keys with whitespace",
			stored:   "PROJ-3, PROJ-1 ,PROJ-2",
			expected: []string{"PROJ-3", "PROJ-1", "PROJ-2"},
		},
		{
			name:     "empty segments are skipped",
			stored:   "PROJ-1,,PROJ-2,",
			expected: []string{"PROJ-1", "PROJ-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			store.Set(KeyRecentIssueKeys, tt.stored)

			if got := RecentIssueKeys(store); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestPushRecentIssueKey(t *testing.T) {
	store := NewMemoryStore()

	for _, key := range []string{"PROJ-1", "PROJ-2", "PROJ-3", "PROJ-1", "PROJ-4", "PROJ-5", "PROJ-6"} {
		PushRecentIssueKey(store, key)
	}

	// PROJ-1 moved to the front on reuse, then the list filled up and the
	// oldest key fell off.
	expected := []string{"PROJ-6", "PROJ-5", "PROJ-4", "PROJ-1", "PROJ-3"}
	if got := RecentIssueKeys(store); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
	if got := len(RecentIssueKeys(store)); got > MaxRecentIssueKeys {
		t.Errorf("expected at most %d keys, got %d", MaxRecentIssueKeys, got)
	}
}
