package storage

import (
	"context"
	"path/filepath"
	"testing"

	realtime "github.com/bt-bridge/realtime-hub"
	"github.com/bt-bridge/realtime-hub/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("sqlite", filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetConversation(ctx, "conv_1")
	require.ErrorIs(t, err, shared.ErrConversationNotFound)

	conv, err := store.EnsureConversation(ctx, "conv_1", "router")
	require.NoError(t, err)
	assert.Equal(t, realtime.Conversation{ID: "conv_1", AgentID: "router"}, conv)

	conv, err = store.EnsureConversation(ctx, "conv_1", "billing")
	require.NoError(t, err)
	assert.Equal(t, "billing", conv.AgentID)

	loaded, err := store.GetConversation(ctx, "conv_1")
	require.NoError(t, err)
	assert.Equal(t, "billing", loaded.AgentID)
}

func TestStoreAppendKeepsOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	turns := []realtime.Turn{
		{Role: realtime.RoleUser, Content: "hello", CurrentAgentID: "router"},
		{
			Role:         realtime.RoleFunction,
			Content:      "Connected to agent of billing",
			MessageType:  realtime.MessageTypeFunctionCall,
			FunctionName: "route_to_agent",
			FunctionArgs: `{"agent_name":"billing"}`,
			ToolCallID:   "call_1",
		},
		{Role: realtime.RoleAssistant, Content: "How can I help with billing?", CurrentAgentID: "billing"},
	}
	for _, turn := range turns {
		require.NoError(t, store.Append(ctx, "conv_2", turn))
	}

	history, err := store.GetDialogHistory(ctx, "conv_2")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, realtime.MessageTypeText, history[0].MessageType)
	assert.Equal(t, "call_1", history[1].ToolCallID)
	assert.True(t, history[1].IsFunctionCall())
	assert.Equal(t, realtime.RoleAssistant, history[2].Role)
	for _, turn := range history {
		assert.NotEmpty(t, turn.ID)
		assert.False(t, turn.CreatedAt.IsZero())
	}

	conv, err := store.GetConversation(ctx, "conv_2")
	require.NoError(t, err)
	assert.Equal(t, "router", conv.AgentID)
}

func TestStoreEmptyHistory(t *testing.T) {
	history, err := newTestStore(t).GetDialogHistory(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSQLiteFilePath(t *testing.T) {
	tests := []struct {
		dsn  string
		path string
		ok   bool
	}{
		{dsn: ":memory:", ok: false},
		{dsn: "file::memory:?cache=shared", ok: false},
		{dsn: "file:test.db?mode=memory", ok: false},
		{dsn: "data/hub.db", path: "data/hub.db", ok: true},
		{dsn: "data/hub.db?_pragma=busy_timeout(5000)", path: "data/hub.db", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			path, ok := sqliteFilePath(tt.dsn)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.path, path)
		})
	}
}

func TestParseDriver(t *testing.T) {
	for name, want := range map[string]Driver{
		"":           DriverSQLite,
		"SQLite3":    DriverSQLite,
		"postgresql": DriverPostgres,
		" pg ":       DriverPostgres,
	} {
		got, err := ParseDriver(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseDriver("mysql")
	require.Error(t, err)
}

func TestNewStoreRejectsBadStorageConfig(t *testing.T) {
	_, err := NewStore("mysql", "dsn")
	require.Error(t, err)

	_, err = NewStore("postgres", "")
	require.ErrorContains(t, err, "storage.dsn")
}

func TestOpenCreatesSQLiteDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "hub.db")
	db, err := Open(DriverSQLite, path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Ping())
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	require.NoError(t, sqlDB.Close())
	assert.DirExists(t, filepath.Dir(path))
}
