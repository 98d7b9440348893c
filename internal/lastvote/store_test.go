package lastvote

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replset/internal/repl"
)

func TestSaveAndLoad(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "lastvote"))

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoVote)

	want := repl.LastVote{Term: 7, CandidateIndex: 2}
	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveOverwrites(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "lastvote"))

	require.NoError(t, s.Save(repl.LastVote{Term: 1, CandidateIndex: 0}))
	require.NoError(t, s.Save(repl.LastVote{Term: 2, CandidateIndex: 1}))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, repl.LastVote{Term: 2, CandidateIndex: 1}, got)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lastvote")
	require.NoError(t, os.WriteFile(path, []byte("not msgpack at all"), 0o644))

	_, err := NewStore(path).Load()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoVote)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "lastvote"))
	require.NoError(t, s.Save(repl.LastVote{Term: 3, CandidateIndex: 0}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lastvote", entries[0].Name())
}
