package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecode/voicecode/internal/logger"
	"github.com/voicecode/voicecode/internal/retry"
	"github.com/voicecode/voicecode/internal/store"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "history.db"), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSaveAndLoadMessages(t *testing.T) {
	a := openTestArchive(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, a.SaveMessage("sess-1", store.Message{ID: "m1", Role: "user", Text: "hello", Timestamp: base}))
	require.NoError(t, a.SaveMessage("sess-1", store.Message{ID: "m2", Role: "assistant", Text: "hi", Timestamp: base.Add(time.Second)}))
	require.NoError(t, a.SaveMessage("sess-2", store.Message{ID: "m3", Role: "user", Text: "other", Timestamp: base}))

	msgs, err := a.Messages("sess-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.True(t, msgs[1].Timestamp.Equal(base.Add(time.Second)))
}

func TestSaveMessageUpsert(t *testing.T) {
	a := openTestArchive(t)

	require.NoError(t, a.SaveMessage("s", store.Message{ID: "m1", Role: "assistant", Text: "partial"}))
	require.NoError(t, a.SaveMessage("s", store.Message{ID: "m1", Role: "assistant", Text: "final"}))

	msgs, err := a.Messages("s", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "final", msgs[0].Text)
}

func TestMessagesLimit(t *testing.T) {
	a := openTestArchive(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, a.SaveMessage("s", store.Message{
			ID: string(rune('a' + i)), Role: "user", Text: "x",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := a.Messages("s", 3)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestReplaceSessionsKeepsMessages(t *testing.T) {
	a := openTestArchive(t)

	require.NoError(t, a.SaveMessage("old", store.Message{ID: "m1", Role: "user", Text: "kept"}))
	require.NoError(t, a.ReplaceSessions([]store.Session{
		{ID: "new", Name: "fresh", LastModified: time.Now()},
	}))

	sessions, err := a.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "new", sessions[0].ID)

	// Session rows follow the snapshot; archived messages do not.
	msgs, err := a.Messages("old", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSessionsOrderedByLastModified(t *testing.T) {
	a := openTestArchive(t)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, a.ReplaceSessions([]store.Session{
		{ID: "older", LastModified: base},
		{ID: "newer", LastModified: base.Add(time.Hour)},
	}))

	sessions, err := a.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "newer", sessions[0].ID)
	assert.Equal(t, "older", sessions[1].ID)
}

func TestAttachMirrorsConfirmedOnly(t *testing.T) {
	a := openTestArchive(t)
	st := store.New()
	a.Attach(st)

	st.AppendMessage("s", store.Message{ID: "pending", Role: "user", Text: "x", Status: store.StatusPending})
	st.AppendMessage("s", store.Message{ID: "confirmed", Role: "assistant", Text: "y", Status: store.StatusConfirmed})

	msgs, err := a.Messages("s", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "confirmed", msgs[0].ID)

	// Confirmation of a previously pending message lands via the status
	// change notification.
	st.SetMessageStatus("s", "pending", store.StatusConfirmed)
	msgs, err = a.Messages("s", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestAttachMirrorsSessionList(t *testing.T) {
	a := openTestArchive(t)
	st := store.New()
	a.Attach(st)

	st.ReplaceSessions([]store.SessionMeta{
		{ID: "s1", Name: "first"},
		{ID: "s2", Name: "second"},
	})

	sessions, err := a.Sessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestCloseDetaches(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "history.db"), logger.Nop())
	require.NoError(t, err)
	st := store.New()
	a.Attach(st)
	require.NoError(t, a.Close())

	// Store mutations after Close must not hit the closed database.
	st.AppendMessage("s", store.Message{ID: "m", Status: store.StatusConfirmed})
}

func TestStorageErrorIsFatal(t *testing.T) {
	err := &StorageError{Op: "save message", Err: assert.AnError}
	assert.Equal(t, retry.ClassFatal, retry.Classify(err))
	adv := retry.AdviceFor(err)
	assert.Nil(t, adv.Action)
}
