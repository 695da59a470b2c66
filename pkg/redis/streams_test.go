package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStreamClient(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}

func TestPublishAndReadFromStream(t *testing.T) {
	client := setupStreamClient(t)
	ctx := context.Background()

	stream := "test:stream"
	require.NoError(t, CreateConsumerGroup(ctx, client, stream, "test-group"))

	id, err := PublishToStream(ctx, client, stream, map[string]interface{}{
		"subscriber_id": "9999",
		"count":         3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	messages, err := ReadFromStream(ctx, client, stream, "test-group", "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "9999", messages[0].Values["subscriber_id"])
	assert.Equal(t, "3", messages[0].Values["count"])
}

func TestPublishJSONToStream(t *testing.T) {
	client := setupStreamClient(t)
	ctx := context.Background()

	stream := "test:stream"
	require.NoError(t, CreateConsumerGroup(ctx, client, stream, "test-group"))

	payload := map[string]string{"pincode": "110092"}
	_, err := PublishJSONToStream(ctx, client, stream, payload)
	require.NoError(t, err)

	messages, err := ReadFromStream(ctx, client, stream, "test-group", "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(messages[0].Values["data"].(string)), &decoded))
	assert.Equal(t, "110092", decoded["pincode"])
	assert.NotEmpty(t, messages[0].Values["timestamp"])
}

func TestAckMessage(t *testing.T) {
	client := setupStreamClient(t)
	ctx := context.Background()

	stream := "test:stream"
	require.NoError(t, CreateConsumerGroup(ctx, client, stream, "test-group"))

	_, err := PublishToStream(ctx, client, stream, map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	messages, err := ReadFromStream(ctx, client, stream, "test-group", "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.NoError(t, AckMessage(ctx, client, stream, "test-group", messages[0].ID))

	// ACK 后 pending 列表为空
	pending, err := client.XPending(ctx, stream, "test-group").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestCreateConsumerGroup_Idempotent(t *testing.T) {
	client := setupStreamClient(t)
	ctx := context.Background()

	stream := "test:stream"
	require.NoError(t, CreateConsumerGroup(ctx, client, stream, "test-group"))
	// 组已存在时不报错
	require.NoError(t, CreateConsumerGroup(ctx, client, stream, "test-group"))
}
