package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func alwaysOK(ctx context.Context, token string) bool { return true }
func alwaysFail(ctx context.Context, token string) bool { return false }

func TestTryReuseMissingFile(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)

	_, ok := s.TryReuse(context.Background(), alwaysOK)
	require.False(t, ok)
}

func TestSaveThenReuse(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Save(Data{Token: "tok-1", UserID: "u1"}))

	data, ok := s.TryReuse(context.Background(), alwaysOK)
	require.True(t, ok)
	require.Equal(t, "tok-1", data.Token)
	require.Equal(t, "u1", data.UserID)
}

func TestTryReuseFailsWhenProbeFails(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Save(Data{Token: "tok-1"}))

	_, ok := s.TryReuse(context.Background(), alwaysFail)
	require.False(t, ok, "a failed probe must not be treated as a valid session, even if mtime is fresh")
}

func TestTryReuseFailsWhenExpired(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir(), time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Save(Data{Token: "tok-1"}))

	time.Sleep(5 * time.Millisecond)

	_, ok := s.TryReuse(context.Background(), alwaysOK)
	require.False(t, ok)
}

// TestSiblingPicksUpNewerToken models Scenario E (spec §8): one process
// saves a refreshed token; another process's next TryReuse must observe it
// by re-reading the file rather than caching a stale in-memory copy.
func TestSiblingPicksUpNewerToken(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	p1, err := Open(dir, time.Hour)
	require.NoError(t, err)
	p2, err := Open(dir, time.Hour)
	require.NoError(t, err)

	require.NoError(t, p1.Save(Data{Token: "tok-old"}))

	data, ok := p2.TryReuse(context.Background(), alwaysOK)
	require.True(t, ok)
	require.Equal(t, "tok-old", data.Token)

	require.NoError(t, p2.Save(Data{Token: "tok-new"}))

	data, ok = p1.TryReuse(context.Background(), alwaysOK)
	require.True(t, ok)
	require.Equal(t, "tok-new", data.Token)
}
