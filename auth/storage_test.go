package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage(t *testing.T) {
	dir := t.TempDir()
	file, err := NewFileStorage(filepath.Join(dir, "nested", "session.json"))
	require.NoError(t, err)

	for name, s := range map[string]Storage{
		"memory": NewMemoryStorage(),
		"file":   file,
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := s.Get(KeyAccessToken)
			assert.False(t, ok)

			require.NoError(t, s.Set(KeyAccessToken, "a"))
			require.NoError(t, s.Set(KeyUser, `{"id":"u1"}`))
			v, ok := s.Get(KeyAccessToken)
			require.True(t, ok)
			assert.Equal(t, "a", v)

			require.NoError(t, s.Delete(SessionKeys...))
			_, ok = s.Get(KeyAccessToken)
			assert.False(t, ok)
			_, ok = s.Get(KeyUser)
			assert.False(t, ok)
		})
	}
}

func TestFileStoragePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	s, err := NewFileStorage(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(KeyAccessToken, "tok"))
	require.NoError(t, s.Set(KeyUser, "u"))
	require.NoError(t, s.Delete(KeyUser))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := NewFileStorage(path)
	require.NoError(t, err)
	v, ok := reopened.Get(KeyAccessToken)
	require.True(t, ok)
	assert.Equal(t, "tok", v)
	_, ok = reopened.Get(KeyUser)
	assert.False(t, ok)
}

func TestFileStorageRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o600))
	_, err := NewFileStorage(path)
	assert.Error(t, err)

	_, err = NewFileStorage("")
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("unknown-to-the-client"))
	require.NoError(t, err)

	got, err := TokenExpiry(signed)
	require.NoError(t, err)
	assert.True(t, exp.Equal(got))

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).
		SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = TokenExpiry(noExp)
	assert.Error(t, err)

	_, err = TokenExpiry("not-a-jwt")
	assert.Error(t, err)
}
