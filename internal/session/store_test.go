package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nested", "session.json"))

	_, err := s.Load()
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, s.Save(Session{
		Token: "abc123",
		User:  User{ID: "7", Name: "Ana", Email: "ana@campus.test"},
	}))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.Token)
	assert.Equal(t, "Ana", got.User.Name)
	assert.False(t, got.SavedAt.IsZero())

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestStoreClear(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, s.Clear())

	require.NoError(t, s.Save(Session{Token: "t"}))
	require.NoError(t, s.Clear())
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStoreRejectsEmptyToken(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "session.json"))
	assert.Error(t, s.Save(Session{User: User{Name: "x"}}))
}

func TestStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err := NewStore(path).Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSession)
}

func TestTokenSource(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "session.json"))
	_, err := s.Token()
	require.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, s.Save(Session{Token: "bearer-1"}))
	tok, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "bearer-1", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())
}
