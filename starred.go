package chatsync

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// ============================================================================
// StarredStore
// ============================================================================

// starredFile is the on-disk shape: message ids grouped by conversation key.
type starredFile struct {
	Starred map[string][]int64 `toml:"starred"`
}

// StarredStore is the durable set of messages the user starred. The set
// survives restarts and sign-outs; it lives in a small file under the user's
// home directory and is rewritten on every mutation.
type StarredStore struct {
	path string

	mu      sync.Mutex
	starred map[string]map[int64]bool
}

// DefaultStarredPath returns the default location of the starred set.
func DefaultStarredPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".vyapar360", "starred.toml"), nil
}

// NewStarredStore opens the starred set at path, creating an empty set when
// the file does not exist yet. An empty path selects DefaultStarredPath.
func NewStarredStore(path string) (*StarredStore, error) {
	if path == "" {
		p, err := DefaultStarredPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	s := &StarredStore{
		path:    path,
		starred: make(map[string]map[int64]bool),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read starred file: %w", err)
	}

	var file starredFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse starred file: %w", err)
	}
	for key, ids := range file.Starred {
		set := make(map[int64]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		s.starred[key] = set
	}
	return s, nil
}

// Star adds a message to the set and persists. Starring an already starred
// message is a no-op.
func (s *StarredStore) Star(ref ConversationRef, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ref.Key()
	set := s.starred[key]
	if set == nil {
		set = make(map[int64]bool)
		s.starred[key] = set
	}
	if set[messageID] {
		return nil
	}
	set[messageID] = true
	return s.saveLocked()
}

// Unstar removes a message from the set and persists.
func (s *StarredStore) Unstar(ref ConversationRef, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ref.Key()
	set := s.starred[key]
	if set == nil || !set[messageID] {
		return nil
	}
	delete(set, messageID)
	if len(set) == 0 {
		delete(s.starred, key)
	}
	return s.saveLocked()
}

// IsStarred reports whether a message is in the set.
func (s *StarredStore) IsStarred(ref ConversationRef, messageID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starred[ref.Key()][messageID]
}

// List returns the starred message ids for one conversation.
func (s *StarredStore) List(ref ConversationRef) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.starred[ref.Key()]
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (s *StarredStore) saveLocked() error {
	file := starredFile{Starred: make(map[string][]int64, len(s.starred))}
	for key, set := range s.starred {
		ids := make([]int64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		file.Starred[key] = ids
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to marshal starred file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write starred file: %w", err)
	}
	return nil
}
