package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleRecords(group string, n int) []Record {
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		rec := Record{
			EntryID:     fmt.Sprintf("%s-e%d", group, i),
			GroupID:     group,
			RequesterID: fmt.Sprintf("u%d", i),
			Reason:      "timeout",
			CreatedAt:   epoch.Add(time.Duration(i) * time.Minute),
			FinalizedAt: epoch.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}
		if i%2 == 1 {
			rec.SupporterID = "s1"
			rec.Reason = "left-channel"
			rec.AcceptedAt = rec.CreatedAt.Add(10 * time.Second)
		}
		out = append(out, rec)
	}
	return out
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range append(sampleRecords("g1", 3), sampleRecords("g2", 1)...) {
		require.NoError(t, s.Record(ctx, rec))
	}

	got, err := s.Recent(ctx, "g1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "g1-e2", got[0].EntryID)
	assert.Equal(t, "g1-e1", got[1].EntryID)
	assert.Equal(t, "s1", got[1].SupporterID)
	assert.True(t, got[1].AcceptedAt.Equal(epoch.Add(time.Minute+10*time.Second)))
	assert.True(t, got[0].AcceptedAt.IsZero())
	assert.True(t, got[0].FinalizedAt.Equal(epoch.Add(2*time.Minute+30*time.Second)))

	all, err := s.Recent(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.Recent(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := NewStore(context.Background(), "sqlite://"+path)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStoreIgnoresDuplicateEntry(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "dup.db"))
	require.NoError(t, err)
	defer s.Close()

	rec := sampleRecords("g1", 1)[0]
	require.NoError(t, s.Record(context.Background(), rec))
	require.NoError(t, s.Record(context.Background(), rec))

	got, err := s.Recent(context.Background(), "g1", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestInMemoryStoreCapsPerGroup(t *testing.T) {
	s := NewInMemoryStore()
	for _, rec := range sampleRecords("g1", MaxLimit+5) {
		require.NoError(t, s.Record(context.Background(), rec))
	}
	got, err := s.Recent(context.Background(), "g1", MaxLimit+50)
	require.NoError(t, err)
	assert.Len(t, got, MaxLimit)
	assert.Equal(t, fmt.Sprintf("g1-e%d", MaxLimit+4), got[0].EntryID)
}

func TestNewStoreRejectsUnknownScheme(t *testing.T) {
	_, err := NewStore(context.Background(), "mysql://localhost/db")
	assert.Error(t, err)

	s, err := NewStore(context.Background(), "")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)
}
