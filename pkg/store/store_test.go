package store

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestChatMappingLifecycle(t *testing.T) {
	s := newTestStore(t)

	chat, err := s.FindChatByThread("t1")
	require.NoError(t, err)
	assert.Nil(t, chat, "missing mapping is not an error")

	require.NoError(t, s.UpsertChat("t1", 100))

	chat, err = s.FindChatByThread("t1")
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.Equal(t, 100, chat.DestTopicID)

	byTopic, err := s.FindChatByTopic(100)
	require.NoError(t, err)
	require.NotNil(t, byTopic)
	assert.Equal(t, "t1", byTopic.SourceThreadID)

	// remap after topic recreation
	require.NoError(t, s.UpsertChat("t1", 200))
	chat, err = s.FindChatByThread("t1")
	require.NoError(t, err)
	assert.Equal(t, 200, chat.DestTopicID)

	require.NoError(t, s.DeleteChatByThread("t1"))
	chat, err = s.FindChatByThread("t1")
	require.NoError(t, err)
	assert.Nil(t, chat)

	// deleting again is fine
	require.NoError(t, s.DeleteChatByThread("t1"))
}

func TestTouchUserCountsMessages(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.TouchUser("u1", "alice"))
	require.NoError(t, s.TouchUser("u1", "alice"))
	require.NoError(t, s.TouchUser("u2", "bob"))
	require.NoError(t, s.TouchUser("u1", ""))

	top, err := s.ListTopUsers(10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "u1", top[0].SourceUserID)
	assert.Equal(t, int64(3), top[0].MessageCount)
	assert.Equal(t, "alice", top[0].Username, "empty username must not erase the known one")
	assert.Equal(t, int64(1), top[1].MessageCount)
}

func TestTouchUserRenames(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.TouchUser("u1", "alice"))
	require.NoError(t, s.TouchUser("u1", "alice_new"))

	top, err := s.ListTopUsers(1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "alice_new", top[0].Username)
}

func TestListTopUsersLimit(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.TouchUser(id, id))
	}
	top, err := s.ListTopUsers(2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestFilterWordPersistence(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddFilterWord("spam"))
	require.NoError(t, s.AddFilterWord("spam")) // duplicate is a no-op
	require.NoError(t, s.AddFilterWord("ads"))

	words, err := s.ListFilterWords()
	require.NoError(t, err)
	assert.Equal(t, []string{"ads", "spam"}, words)

	require.NoError(t, s.RemoveFilterWord("ads"))
	words, err = s.ListFilterWords()
	require.NoError(t, err)
	assert.Equal(t, []string{"spam"}, words)

	require.NoError(t, s.ClearFilterWords())
	words, err = s.ListFilterWords()
	require.NoError(t, err)
	assert.Empty(t, words)
}

func TestFilterSetMatchesPrefix(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddFilterWord("spam"))

	fs, err := LoadFilterSet(s)
	require.NoError(t, err)

	assert.True(t, fs.Matches("spam offer inside"))
	assert.True(t, fs.Matches("  SPAM with leading spaces"))
	assert.False(t, fs.Matches("this spam is mid-sentence"))
	assert.False(t, fs.Matches(""))
}

func TestFilterSetWritesThrough(t *testing.T) {
	s := newTestStore(t)
	fs, err := LoadFilterSet(s)
	require.NoError(t, err)

	require.NoError(t, fs.Add("  Casino  "))
	assert.True(t, fs.Matches("casino night"))

	// a fresh mirror sees the persisted word
	reloaded, err := LoadFilterSet(s)
	require.NoError(t, err)
	assert.True(t, reloaded.Matches("casino night"))

	require.NoError(t, fs.Remove("casino"))
	assert.False(t, fs.Matches("casino night"))

	require.NoError(t, fs.Add("a"))
	require.NoError(t, fs.Add("b"))
	require.NoError(t, fs.Clear())
	assert.Empty(t, fs.List())
	words, err := s.ListFilterWords()
	require.NoError(t, err)
	assert.Empty(t, words)
}
