package boltdb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/farum-chat/internal/adapters/storage/boltdb"
	"github.com/PabloGalante/farum-chat/internal/adapters/storage/storagetest"
	"github.com/PabloGalante/farum-chat/internal/domain"
)

func open(t *testing.T, quota int) *boltdb.Store {
	t.Helper()
	s, err := boltdb.Open(filepath.Join(t.TempDir(), "data", "farum.bolt"), quota)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) domain.Persistence {
		return open(t, 0)
	})
}

func TestStoreQuota(t *testing.T) {
	storagetest.RunQuota(t, open(t, 16<<10))
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farum.bolt")
	ctx := context.Background()

	s, err := boltdb.Open(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.CreateSession(ctx, "u", &domain.ChatSession{ID: "s1", Title: "Kept"}))
	require.NoError(t, s.SaveMemory(ctx, "u", "- remembers"))
	require.NoError(t, s.Close())

	s, err = boltdb.Open(path, 0)
	require.NoError(t, err)
	defer s.Close()

	sessions, err := s.FetchSessions(ctx, "u")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Kept", sessions[0].Title)

	memory, err := s.FetchMemory(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "- remembers", memory)
}
