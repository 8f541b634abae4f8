package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scambait/backend/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试辅助函数：创建临时测试目录
func setupTestStore(t *testing.T) (*Store, string) {
	tempDir, err := os.MkdirTemp("", "filesystem_test_*")
	require.NoError(t, err)

	store, err := NewStore(tempDir)
	require.NoError(t, err)

	return store, tempDir
}

// 测试辅助函数：清理测试目录
func cleanupTestStore(t *testing.T, tempDir string) {
	err := os.RemoveAll(tempDir)
	require.NoError(t, err)
}

func newTestConversation(id string) *domain.Conversation {
	conv := domain.NewConversation(id, id+"@example.com", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	conv.Revision = 1
	return conv
}

// TestNewStore 测试创建文件系统存储实例
func TestNewStore(t *testing.T) {
	t.Run("create store with valid path", func(t *testing.T) {
		tempDir := t.TempDir()

		store, err := NewStore(tempDir)
		require.NoError(t, err)
		assert.Equal(t, strings.ToLower(tempDir), strings.ToLower(store.BasePath()))

		_, err = os.Stat(filepath.Join(tempDir, conversationsDir))
		assert.NoError(t, err)
	})

	t.Run("create store creates nested directory", func(t *testing.T) {
		newPath := filepath.Join(t.TempDir(), "new", "nested", "path")
		_, err := NewStore(newPath)
		require.NoError(t, err)

		_, err = os.Stat(newPath)
		assert.NoError(t, err)
	})

	t.Run("corrupt token index is fatal", func(t *testing.T) {
		tempDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(tempDir, tokenIndexFile), []byte("{not json"), 0644))

		_, err := NewStore(tempDir)
		assert.ErrorIs(t, err, domain.ErrStorageCorruption)
	})
}

// TestConversationPersistence 测试会话读写
func TestConversationPersistence(t *testing.T) {
	store, tempDir := setupTestStore(t)
	defer cleanupTestStore(t, tempDir)
	ctx := context.Background()

	t.Run("missing conversation", func(t *testing.T) {
		_, err := store.GetConversation(ctx, "doesnotexist")
		assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	})

	t.Run("unsafe id is never read from disk", func(t *testing.T) {
		_, err := store.GetConversation(ctx, "../tokens")
		assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	})

	t.Run("save and load", func(t *testing.T) {
		conv := newTestConversation("abc123")
		conv.Messages = append(conv.Messages, domain.Message{From: conv.Sender, Text: "hello", Timestamp: conv.CreatedAt})
		require.NoError(t, store.SaveConversation(ctx, conv))

		loaded, err := store.GetConversation(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, conv.Sender, loaded.Sender)
		require.Len(t, loaded.Messages, 1)
		assert.Equal(t, "hello", loaded.Messages[0].Text)
		assert.True(t, conv.CreatedAt.Equal(loaded.Messages[0].Timestamp))
	})

	t.Run("stale revision is rejected", func(t *testing.T) {
		conv := newTestConversation("stale1")
		require.NoError(t, store.SaveConversation(ctx, conv))

		again := newTestConversation("stale1")
		assert.ErrorIs(t, store.SaveConversation(ctx, again), domain.ErrRevisionConflict)

		again.Revision = 2
		assert.NoError(t, store.SaveConversation(ctx, again))
	})

	t.Run("list returns all conversations sorted", func(t *testing.T) {
		list, err := store.ListConversations(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "abc123", list[0].ID)
		assert.Equal(t, "stale1", list[1].ID)
	})

	t.Run("corrupt conversation file", func(t *testing.T) {
		path := filepath.Join(store.BasePath(), conversationsDir, "broken.json")
		require.NoError(t, os.WriteFile(path, []byte("[[["), 0644))

		_, err := store.GetConversation(ctx, "broken")
		assert.ErrorIs(t, err, domain.ErrStorageCorruption)
		assert.ErrorIs(t, store.Verify(ctx), domain.ErrStorageCorruption)

		require.NoError(t, os.Remove(path))
		assert.NoError(t, store.Verify(ctx))
	})
}

// TestTokenIndex 测试令牌索引持久化
func TestTokenIndex(t *testing.T) {
	store, tempDir := setupTestStore(t)
	defer cleanupTestStore(t, tempDir)
	ctx := context.Background()

	record := domain.TokenRecord{
		Token:          "0123456789abcdef0123456789abcdef",
		ConversationID: "abc123",
		Kind:           domain.TokenKindHoneytoken,
		IssuedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.PutToken(ctx, record))

	got, err := store.GetToken(ctx, record.Token)
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.ConversationID)

	t.Run("index survives reopen", func(t *testing.T) {
		reopened, err := NewStore(tempDir)
		require.NoError(t, err)

		got, err := reopened.GetToken(ctx, record.Token)
		require.NoError(t, err)
		assert.Equal(t, domain.TokenKindHoneytoken, got.Kind)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.DeleteToken(ctx, record.Token))
		require.NoError(t, store.DeleteToken(ctx, record.Token))

		_, err := store.GetToken(ctx, record.Token)
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	})

	t.Run("stats", func(t *testing.T) {
		require.NoError(t, store.SaveConversation(ctx, newTestConversation("abc123")))

		stats, err := store.StorageStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, "filesystem", stats.Driver)
		assert.Equal(t, 0, stats.Tokens)
		assert.Equal(t, 1, stats.Conversations)
		assert.Positive(t, stats.TotalBytes)
	})
}

// TestQueueFile 测试队列文件读写
func TestQueueFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "response_queue.json")

	queue, err := NewQueueFile(path)
	require.NoError(t, err)

	t.Run("missing file is an empty queue", func(t *testing.T) {
		entries, err := queue.LoadQueue(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("round trip keeps order and instants", func(t *testing.T) {
		base := time.Date(2024, 3, 1, 9, 0, 0, 123456000, time.UTC)
		entries := []domain.QueueEntry{
			{EmailID: "m1", ResponseTime: base},
			{EmailID: "m2", ResponseTime: base.Add(time.Hour)},
		}
		require.NoError(t, queue.SaveQueue(ctx, entries))

		loaded, err := queue.LoadQueue(ctx)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		assert.Equal(t, "m1", loaded[0].EmailID)
		assert.True(t, base.Equal(loaded[0].ResponseTime))
	})

	t.Run("naive iso timestamps are accepted and resorted", func(t *testing.T) {
		raw := `[{"email_id":"late","response_time":"2024-03-02T10:00:00"},{"email_id":"early","response_time":"2024-03-01T10:00:00.500000"}]`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

		loaded, err := queue.LoadQueue(ctx)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		assert.Equal(t, "early", loaded[0].EmailID)
	})

	t.Run("corrupt queue file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

		_, err := queue.LoadQueue(ctx)
		assert.ErrorIs(t, err, domain.ErrStorageCorruption)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`[{"email_id":"x","response_time":"yesterday"}]`), 0644))

		_, err := queue.LoadQueue(ctx)
		assert.ErrorIs(t, err, domain.ErrStorageCorruption)
	})
}
