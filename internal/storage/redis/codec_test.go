package redis

import (
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scambait/backend/internal/domain"
)

func TestQueueCodec(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	queue := []domain.QueueEntry{
		{EmailID: "b", ResponseTime: base.Add(time.Hour)},
		{EmailID: "a", ResponseTime: base},
	}

	data, err := encodeQueue(queue)
	require.NoError(t, err)

	decoded, err := decodeQueue(data)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "a", decoded[0].EmailID, "decoded queue is re-sorted")

	empty, err := encodeQueue(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))

	_, err = decodeQueue([]byte("{"))
	assert.ErrorIs(t, err, domain.ErrStorageCorruption)
}

func TestTokenRecordCodec(t *testing.T) {
	_, err := decodeTokenRecord([]byte("nope"))
	assert.ErrorIs(t, err, domain.ErrStorageCorruption)

	record, err := decodeTokenRecord([]byte(`{"token":"t","conversation_id":"c","kind":"signature"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.TokenKindSignature, record.Kind)
}

func TestClientKeys(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:0"})
	defer rdb.Close()

	client := NewWithClient(rdb, "", nil)
	assert.Equal(t, "scambait:tokens", client.Key("tokens"))
	assert.Equal(t, "scambait:response_queue", NewQueueStore(client).key)

	custom := NewWithClient(rdb, "test", nil)
	assert.Equal(t, "test:a:b", custom.Key("a", "b"))
}
