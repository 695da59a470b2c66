package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"vaxwatch-notifier/internal/config"
	"vaxwatch-notifier/internal/index"
	"vaxwatch-notifier/internal/models"
	"vaxwatch-notifier/internal/notifier"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSubscriberStore 内存版订阅者存储
type fakeSubscriberStore struct {
	subscribers map[string]*models.Subscriber
	failOn      string
	touched     []string
}

func (f *fakeSubscriberStore) Get(ctx context.Context, subscriberID string) (*models.Subscriber, error) {
	if subscriberID == f.failOn && f.failOn != "" {
		return nil, fmt.Errorf("store unavailable")
	}
	sub, ok := f.subscribers[subscriberID]
	if !ok {
		return nil, fmt.Errorf("subscriber not found: %s", subscriberID)
	}
	return sub, nil
}

func (f *fakeSubscriberStore) TouchLastNotified(ctx context.Context, subscriberID string, at time.Time) error {
	f.touched = append(f.touched, subscriberID)
	return nil
}

// fakeRecordStore 内存版通知记录存储
type fakeRecordStore struct {
	records map[string]*models.NotificationRecord
}

func (f *fakeRecordStore) Get(ctx context.Context, subscriberID, pincode string) (*models.NotificationRecord, error) {
	return f.records[subscriberID+":"+pincode], nil
}

func (f *fakeRecordStore) Upsert(ctx context.Context, record *models.NotificationRecord) error {
	f.records[record.SubscriberID+":"+record.Pincode] = record
	return nil
}

// fakeSource 固定快照来源
type fakeSource struct {
	snapshots map[string]*models.AvailabilitySnapshot
	failAll   bool
}

func (f *fakeSource) Fetch(ctx context.Context, pincode string) (*models.AvailabilitySnapshot, error) {
	if f.failAll {
		return nil, fmt.Errorf("source unavailable")
	}
	snapshot, ok := f.snapshots[pincode]
	if !ok {
		return nil, fmt.Errorf("availability snapshot not found for pincode: %s", pincode)
	}
	return snapshot, nil
}

// recordingTransport 记录每次投递的通道
type recordingTransport struct {
	sent    []string
	blocked map[string]bool
}

func (tr *recordingTransport) Send(ctx context.Context, subscriberID string, payload []byte) error {
	if tr.blocked[subscriberID] {
		return ErrRecipientBlocked
	}
	tr.sent = append(tr.sent, subscriberID)
	return nil
}

func orchestratorConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Notifier.Cache.PincodeKeyPrefix = "vaxwatch:pincode:"
	cfg.Notifier.Cache.PincodeSuffix = ":subscribers"
	cfg.Notifier.Cache.SubscriberKeyPrefix = "vaxwatch:subscriber:"
	cfg.Notifier.Cache.SubscriberSuffix = ":pincodes"
	cfg.Notifier.Cache.NotifyKeyPrefix = "vaxwatch:notify:"
	cfg.Notifier.Cache.NotifyTTL = 86400
	cfg.Notifier.Streams.Preferences = "vaxwatch:stream:preferences"
	return cfg
}

type orchestratorFixture struct {
	redisClient *redis.Client
	ix          *index.LocationIndex
	subscribers *fakeSubscriberStore
	source      *fakeSource
	transport   *recordingTransport
	orch        *Orchestrator
}

func setupOrchestrator(t *testing.T) *orchestratorFixture {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := orchestratorConfig()
	logger := zap.NewNop()

	ix := index.NewLocationIndex(cfg, redisClient, logger)
	subscribers := &fakeSubscriberStore{subscribers: map[string]*models.Subscriber{}}
	records := &fakeRecordStore{records: map[string]*models.NotificationRecord{}}
	changeCache := notifier.NewChangeCache(cfg, redisClient, records, logger)
	source := &fakeSource{snapshots: map[string]*models.AvailabilitySnapshot{}}
	transport := &recordingTransport{blocked: map[string]bool{}}

	orch := NewOrchestrator(cfg, ix, subscribers, changeCache, source, transport, redisClient, logger)

	return &orchestratorFixture{
		redisClient: redisClient,
		ix:          ix,
		subscribers: subscribers,
		source:      source,
		transport:   transport,
		orch:        orch,
	}
}

func eligibleSnapshot(pincode string) *models.AvailabilitySnapshot {
	return &models.AvailabilitySnapshot{
		Pincode: pincode,
		Centers: []models.Center{
			{
				CenterID: 101,
				Name:     "Community Center",
				Pincode:  pincode,
				Sessions: []models.Session{
					{
						SessionID:              "s-1",
						MinAgeLimit:            18,
						Vaccine:                "X",
						AvailableCapacity:      75,
						AvailableCapacityDose1: 75,
					},
				},
			},
		},
	}
}

func TestOrchestrator_EndToEnd_DispatchOnce(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, f.ix.Add(ctx, "110092", "9999"))
	f.subscribers.subscribers["9999"] = &models.Subscriber{
		SubscriberID: "9999",
		Pincodes:     []string{"110092"},
		AgePref:      models.Age18To44,
		DosePref:     models.Dose1,
		VaccinePref:  models.VaccineAny,
	}
	f.source.snapshots["110092"] = eligibleSnapshot("110092")

	ev := models.AvailabilityEvent{Pincode: "110092", EventID: "110092-refresh-1"}
	require.NoError(t, f.orch.HandleAvailabilityEvent(ctx, ev))

	assert.Equal(t, []string{"9999"}, f.transport.sent)
	assert.Equal(t, []string{"9999"}, f.subscribers.touched)

	// 内容未变的重复事件不再投递
	ev2 := models.AvailabilityEvent{Pincode: "110092", EventID: "110092-refresh-2"}
	require.NoError(t, f.orch.HandleAvailabilityEvent(ctx, ev2))

	assert.Equal(t, []string{"9999"}, f.transport.sent)

	snapshot := f.orch.Metrics().GetSnapshot()
	assert.Equal(t, int64(2), snapshot.CandidatesProcessed)
	assert.Equal(t, int64(1), snapshot.DispatchesSent)
}

func TestOrchestrator_RedispatchesOnContentChange(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, f.ix.Add(ctx, "110092", "9999"))
	f.subscribers.subscribers["9999"] = &models.Subscriber{
		SubscriberID: "9999",
		AgePref:      models.AgeBoth,
		DosePref:     models.DoseBoth,
		VaccinePref:  models.VaccineAny,
	}
	f.source.snapshots["110092"] = eligibleSnapshot("110092")

	require.NoError(t, f.orch.HandleAvailabilityEvent(ctx, models.AvailabilityEvent{Pincode: "110092"}))
	require.Len(t, f.transport.sent, 1)

	// 容量变化后再次投递
	changed := eligibleSnapshot("110092")
	changed.Centers[0].Sessions[0].AvailableCapacity = 40
	changed.Centers[0].Sessions[0].AvailableCapacityDose1 = 40
	f.source.snapshots["110092"] = changed

	require.NoError(t, f.orch.HandleAvailabilityEvent(ctx, models.AvailabilityEvent{Pincode: "110092"}))
	assert.Len(t, f.transport.sent, 2)
}

func TestOrchestrator_NoEligibleCenters_NoDispatchNoCacheMutation(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, f.ix.Add(ctx, "110092", "9999"))
	// 订阅者只要 45+，快照里只有 18+ 场次
	f.subscribers.subscribers["9999"] = &models.Subscriber{
		SubscriberID: "9999",
		AgePref:      models.Age45Plus,
		DosePref:     models.DoseBoth,
		VaccinePref:  models.VaccineAny,
	}
	f.source.snapshots["110092"] = eligibleSnapshot("110092")

	require.NoError(t, f.orch.HandleAvailabilityEvent(ctx, models.AvailabilityEvent{Pincode: "110092"}))

	assert.Empty(t, f.transport.sent)
	assert.Empty(t, f.subscribers.touched)
}

func TestOrchestrator_NoCandidates(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, f.orch.HandleAvailabilityEvent(ctx, models.AvailabilityEvent{Pincode: "999999"}))

	snapshot := f.orch.Metrics().GetSnapshot()
	assert.Equal(t, int64(1), snapshot.LocationsNoCandidates)
	assert.Empty(t, f.transport.sent)
}

func TestOrchestrator_FetchFailureSkipsCycle(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, f.ix.Add(ctx, "110092", "9999"))
	f.source.failAll = true

	// 快照获取失败视为本轮无数据，不是错误
	require.NoError(t, f.orch.HandleAvailabilityEvent(ctx, models.AvailabilityEvent{Pincode: "110092"}))

	snapshot := f.orch.Metrics().GetSnapshot()
	assert.Equal(t, int64(1), snapshot.FetchFailures)
	assert.Empty(t, f.transport.sent)
}

func TestOrchestrator_IsolatesCandidateFailures(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, f.ix.Add(ctx, "110092", "1111"))
	require.NoError(t, f.ix.Add(ctx, "110092", "9999"))
	f.subscribers.failOn = "1111"
	f.subscribers.subscribers["9999"] = &models.Subscriber{
		SubscriberID: "9999",
		AgePref:      models.AgeBoth,
		DosePref:     models.DoseBoth,
		VaccinePref:  models.VaccineAny,
	}
	f.source.snapshots["110092"] = eligibleSnapshot("110092")

	// 单个候选失败不影响其他候选
	require.NoError(t, f.orch.HandleAvailabilityEvent(ctx, models.AvailabilityEvent{Pincode: "110092"}))

	assert.Equal(t, []string{"9999"}, f.transport.sent)

	snapshot := f.orch.Metrics().GetSnapshot()
	assert.Equal(t, int64(1), snapshot.DispatchFailures)
	assert.Equal(t, int64(1), snapshot.DispatchesSent)
}

func TestOrchestrator_BlockedRecipientEmitsUnsubscribeAll(t *testing.T) {
	f := setupOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, f.ix.Add(ctx, "110092", "9999"))
	f.subscribers.subscribers["9999"] = &models.Subscriber{
		SubscriberID: "9999",
		AgePref:      models.AgeBoth,
		DosePref:     models.DoseBoth,
		VaccinePref:  models.VaccineAny,
	}
	f.source.snapshots["110092"] = eligibleSnapshot("110092")
	f.transport.blocked["9999"] = true

	require.NoError(t, f.orch.HandleAvailabilityEvent(ctx, models.AvailabilityEvent{Pincode: "110092"}))

	// 偏好流里应有一条退订全部事件
	msgs, err := f.redisClient.XRange(ctx, "vaxwatch:stream:preferences", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var ev models.PreferenceEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &ev))
	assert.Equal(t, "9999", ev.SubscriberID)
	assert.Empty(t, ev.Pincodes)
	assert.Empty(t, ev.DistrictIDs)
	assert.NotEmpty(t, ev.EventID)
}
