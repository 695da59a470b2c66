package index

import (
	"context"
	"testing"

	"vaxwatch-notifier/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Notifier.Cache.PincodeKeyPrefix = "vaxwatch:pincode:"
	cfg.Notifier.Cache.PincodeSuffix = ":subscribers"
	cfg.Notifier.Cache.SubscriberKeyPrefix = "vaxwatch:subscriber:"
	cfg.Notifier.Cache.SubscriberSuffix = ":pincodes"
	cfg.Notifier.Streams.IndexUpdates = "vaxwatch:stream:index-updates"
	return cfg
}

func setupTestIndex(t *testing.T) (*miniredis.Miniredis, *redis.Client, *LocationIndex) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	logger := zap.NewNop()
	ix := NewLocationIndex(testConfig(), redisClient, logger)

	return mr, redisClient, ix
}

func TestLocationIndex_AddAndGet(t *testing.T) {
	_, _, ix := setupTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, "110092", "9999"))
	require.NoError(t, ix.Add(ctx, "110092", "1234"))

	subscribers, err := ix.Subscribers(ctx, "110092")
	require.NoError(t, err)
	assert.Equal(t, []string{"1234", "9999"}, subscribers)

	// 正反向成对更新
	targets, err := ix.Targets(ctx, "9999")
	require.NoError(t, err)
	assert.Equal(t, []string{"110092"}, targets)
}

func TestLocationIndex_AddIsIdempotent(t *testing.T) {
	_, _, ix := setupTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, "110092", "9999"))
	require.NoError(t, ix.Add(ctx, "110092", "9999"))

	subscribers, err := ix.Subscribers(ctx, "110092")
	require.NoError(t, err)
	assert.Equal(t, []string{"9999"}, subscribers)
}

func TestLocationIndex_RemoveIsIdempotent(t *testing.T) {
	_, _, ix := setupTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, "411038", "1234"))
	require.NoError(t, ix.Remove(ctx, "411038", "1234"))
	// 移除不存在的成员是无变化的 no-op
	require.NoError(t, ix.Remove(ctx, "411038", "1234"))

	subscribers, err := ix.Subscribers(ctx, "411038")
	require.NoError(t, err)
	assert.Empty(t, subscribers)

	targets, err := ix.Targets(ctx, "1234")
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestLocationIndex_SnapshotTargets_Overwrites(t *testing.T) {
	_, _, ix := setupTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.SnapshotTargets(ctx, "1234", []string{"411038", "422104"}))

	targets, err := ix.Targets(ctx, "1234")
	require.NoError(t, err)
	assert.Equal(t, []string{"411038", "422104"}, targets)

	// 空集合也覆盖，保留空快照
	require.NoError(t, ix.SnapshotTargets(ctx, "1234", nil))

	targets, err = ix.Targets(ctx, "1234")
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestLocationIndex_ForEachLocation(t *testing.T) {
	_, _, ix := setupTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, "110092", "9999"))
	require.NoError(t, ix.Add(ctx, "422104", "1234"))

	seen := map[string][]string{}
	err := ix.ForEachLocation(ctx, func(pincode string, subscribers []string) error {
		seen[pincode] = subscribers
		return nil
	})

	require.NoError(t, err)
	assert.Len(t, seen, 2)
	assert.Equal(t, []string{"9999"}, seen["110092"])
	assert.Equal(t, []string{"1234"}, seen["422104"])
}

func TestLocationIndex_RequiresKeys(t *testing.T) {
	_, _, ix := setupTestIndex(t)
	ctx := context.Background()

	assert.Error(t, ix.Add(ctx, "", "9999"))
	assert.Error(t, ix.Add(ctx, "110092", ""))
	assert.Error(t, ix.Remove(ctx, "", "9999"))

	_, err := ix.Subscribers(ctx, "")
	assert.Error(t, err)
}
