package lastvote

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/replset/internal/repl"
)

// ErrNoVote is returned by Load when no vote has ever been persisted.
var ErrNoVote = errors.New("no persisted vote")

// Store persists LastVote records to a single file. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store backed by the given file path. The parent
// directory must exist.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save durably writes the vote. The write goes to a temp file in the same
// directory followed by a rename, so a crash mid-write leaves the previous
// vote intact rather than a truncated record.
func (s *Store) Save(vote repl.LastVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := msgpack.Marshal(vote)
	if err != nil {
		return fmt.Errorf("encoding last vote: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".lastvote-*")
	if err != nil {
		return fmt.Errorf("creating temp vote file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing vote file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing vote file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing vote file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("installing vote file: %w", err)
	}
	return nil
}

// Load reads the persisted vote. Returns ErrNoVote when the file does not
// exist yet.
func (s *Store) Load() (repl.LastVote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return repl.LastVote{}, ErrNoVote
	}
	if err != nil {
		return repl.LastVote{}, fmt.Errorf("reading vote file: %w", err)
	}

	var vote repl.LastVote
	if err := msgpack.Unmarshal(data, &vote); err != nil {
		return repl.LastVote{}, fmt.Errorf("decoding vote file: %w", err)
	}
	return vote, nil
}
