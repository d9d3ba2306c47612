package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"gateway-service/service/distributed_lock"
	"gateway-service/service/models"
	"gateway-service/service/repository"
	"gateway-service/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLock struct {
	held    bool
	taken   int
	release int
}

func (l *fakeLock) TryLock(context.Context, string, time.Duration) (bool, error) {
	if l.held {
		return false, nil
	}
	l.taken++
	return true, nil
}

func (l *fakeLock) Unlock(context.Context, string) error {
	l.release++
	return nil
}

func (l *fakeLock) Refresh(context.Context, string, time.Duration) error { return nil }

func (l *fakeLock) IsLocked(context.Context, string) (bool, error) { return l.held, nil }

func TestCleanupExpiredLogs_DeletesByRetention(t *testing.T) {
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)
	logs := repository.NewLogRepository(tdb.DB)
	ctx := context.Background()
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	old := &models.MessageLog{MessageID: "old", Timestamp: now.AddDate(0, 0, -40), ProcessingStatus: models.LogStatusSuccess}
	fresh := &models.MessageLog{MessageID: "fresh", Timestamp: now.AddDate(0, 0, -1), ProcessingStatus: models.LogStatusSuccess}
	require.NoError(t, logs.CreateMessageLog(ctx, old))
	require.NoError(t, logs.CreateMessageLog(ctx, fresh))
	require.NoError(t, tdb.DB.Create(&models.ForwardLog{MessageID: "old", TargetID: "t", Status: models.ForwardStatusSuccess, CreatedAt: now.AddDate(0, 0, -10)}).Error)

	lock := &fakeLock{}
	svc := NewLogCleanupService(logs, Options{MessageRetentionDays: 30, ForwardRetentionDays: 7}, distributed_lock.NewLockExecutor(lock))
	svc.now = func() time.Time { return now }

	res, err := svc.CleanupExpiredLogs(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(1), res.MessageLogsDeleted)
	assert.Equal(t, int64(1), res.ForwardLogsDeleted)
	assert.Equal(t, 1, lock.taken)
	assert.Equal(t, 1, lock.release)

	_, err = logs.GetMessageLog(ctx, "fresh")
	assert.NoError(t, err)
	_, err = logs.GetMessageLog(ctx, "old")
	assert.Error(t, err)
}

func TestCleanupExpiredLogs_SkipsWhenLockHeld(t *testing.T) {
	store := &stubStore{}
	svc := NewLogCleanupService(store, Options{MessageRetentionDays: 1}, distributed_lock.NewLockExecutor(&fakeLock{held: true}))

	res, err := svc.CleanupExpiredLogs(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, store.messageCalls)
}

type stubStore struct {
	messageCalls int
	partitions   []string
	err          error
}

func (s *stubStore) DeleteMessageLogsBefore(context.Context, time.Time) (int64, error) {
	s.messageCalls++
	return 0, s.err
}

func (s *stubStore) DeleteForwardLogsBefore(context.Context, time.Time) (int64, error) {
	return 2, nil
}

func (s *stubStore) EnsurePartition(_ context.Context, t time.Time) error {
	s.partitions = append(s.partitions, t.Format("2006-01"))
	return nil
}

func TestCleanupExpiredLogs_PartitionsAndErrors(t *testing.T) {
	store := &stubStore{err: errors.New("boom")}
	svc := NewLogCleanupService(store, Options{MessageRetentionDays: 30, ForwardRetentionDays: 30}, nil)
	svc.now = func() time.Time { return time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC) }

	res, err := svc.CleanupExpiredLogs(context.Background())
	assert.EqualError(t, err, "boom")
	assert.Equal(t, int64(2), res.ForwardLogsDeleted, "转发日志清理不受消息日志失败影响")
	assert.Equal(t, []string{"2024-12", "2025-01"}, store.partitions)
}

func TestCleanupExpiredLogs_ZeroRetentionKeepsEverything(t *testing.T) {
	store := &stubStore{}
	svc := NewLogCleanupService(store, Options{}, nil)
	_, err := svc.CleanupExpiredLogs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, store.messageCalls)
}

func TestScheduledCleanup_StartStop(t *testing.T) {
	svc := NewLogCleanupService(&stubStore{}, Options{}, nil)
	require.NoError(t, svc.StartScheduledCleanup())
	assert.Error(t, svc.StartScheduledCleanup())
	svc.StopScheduledCleanup()
	svc.StopScheduledCleanup()

	bad := NewLogCleanupService(&stubStore{}, Options{Schedule: "not a cron"}, nil)
	assert.Error(t, bad.StartScheduledCleanup())
}
