package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	saved, err := store.Save(Record{
		Source:       "meeting.wav",
		Text:         "hello from the meeting",
		Language:     "en",
		Model:        "small",
		DurationMs:   12000,
		ProcessingMs: 900,
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)

	got, err := store.Get(saved.ID)
	require.NoError(t, err)
	require.Equal(t, "hello from the meeting", got.Text)
	require.Equal(t, "small", got.Model)
	require.Equal(t, int64(12000), got.DurationMs)
}

func TestGetUnknownID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, err := store.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for _, text := range []string{"first", "second", "third"} {
		_, err := store.Save(Record{Source: "s.wav", Text: text})
		require.NoError(t, err)
	}

	records, err := store.List(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "third", records[0].Text)
	require.Equal(t, "second", records[1].Text)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	saved, err := store.Save(Record{Source: "s.wav", Text: "bye"})
	require.NoError(t, err)

	deleted, err := store.Delete(saved.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = store.Delete(saved.ID)
	require.NoError(t, err)
	require.False(t, deleted)
}
