package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id, ch string, status Status, at time.Time) Record {
	return Record{
		DeployID:    id,
		Channel:     ch,
		Targets:     []string{ch},
		Status:      status,
		Files:       2,
		Bytes:       10,
		ClientIP:    "203.0.113.9",
		StartedAt:   at,
		CompletedAt: at.Add(1500 * time.Millisecond),
		Duration:    1.5,
	}
}

func TestStore_AddAndLatest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	r := record("d-1", "canary", StatusSuccess, base)
	r.Targets = []string{"canary", "commits/deadbeef"}
	id, err := s.Add(ctx, r)
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := s.Latest(ctx, "canary")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "d-1", got.DeployID)
	assert.Equal(t, []string{"canary", "commits/deadbeef"}, got.Targets)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.True(t, got.StartedAt.Equal(base))
	assert.Equal(t, "203.0.113.9", got.ClientIP)
	assert.Empty(t, got.ErrorKind)

	none, err := s.Latest(ctx, "stable")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_RecentOrderingAndFilter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, ch := range []string{"stable", "canary", "pr-7", "canary"} {
		r := record("d-"+string(rune('a'+i)), ch, StatusSuccess, base.Add(time.Duration(i)*time.Minute))
		if i == 3 {
			r.Status = StatusPurgeFailed
			r.ErrorKind = "purge_failed"
		}
		_, err := s.Add(ctx, r)
		require.NoError(t, err)
	}

	all, err := s.Recent(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d-d", all[0].DeployID)
	assert.Equal(t, "d-a", all[3].DeployID)

	canary, err := s.Recent(ctx, Query{Channel: "canary"})
	require.NoError(t, err)
	require.Len(t, canary, 2)
	assert.Equal(t, StatusPurgeFailed, canary[0].Status)
	assert.Equal(t, "purge_failed", canary[0].ErrorKind)

	limited, err := s.Recent(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	empty, err := s.Recent(ctx, Query{Channel: "nope"})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestStore_DuplicateDeployID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	r := record("same", "stable", StatusSuccess, time.Now())
	_, err := s.Add(ctx, r)
	require.NoError(t, err)
	_, err = s.Add(ctx, r)
	require.Error(t, err)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.Add(ctx, record("d-1", "stable", StatusFailed, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	got, err := s.Latest(ctx, "stable")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusFailed, got.Status)
}
