package repository

import (
	"context"
	"testing"
	"time"

	"gateway-service/service/models"
	"gateway-service/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *testutil.TestDataFactory) {
	t.Helper()
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)
	return NewStore(tdb.DB), testutil.NewTestDataFactory(tdb.DB)
}

func TestDataSourceRepository_CreateValidates(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		ds      *models.DataSource
		wantErr error
	}{
		{name: "normalized protocol", ds: &models.DataSource{Name: "ws", ProtocolType: "ws"}},
		{name: "blank name", ds: &models.DataSource{Name: " ", ProtocolType: "UDP"}, wantErr: models.ErrConfigurationInconsistency},
		{name: "outbound only protocol", ds: &models.DataSource{Name: "k", ProtocolType: "KAFKA"}, wantErr: models.ErrUnsupportedProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.DataSources.Create(ctx, tc.ds)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, tc.ds.ID)
			got, err := store.DataSources.Get(ctx, tc.ds.ID)
			require.NoError(t, err)
			assert.Equal(t, string(models.ProtocolWebSocket), got.ProtocolType)
		})
	}
}

func TestDataSourceRepository_DeleteRefusedWhileReferenced(t *testing.T) {
	store, factory := newStore(t)
	ctx := context.Background()

	ds := factory.CreateDataSource()
	target := factory.CreateTargetSystem()
	rule := factory.CreateRoutingRule([]string{target.ID}, func(r *models.RoutingRule) {
		r.SourceConfig.SourceIDs = []string{ds.ID}
	})

	err := store.DataSources.Delete(ctx, ds.ID)
	assert.ErrorIs(t, err, ErrInUse)
	err = store.Targets.Delete(ctx, target.ID)
	assert.ErrorIs(t, err, ErrInUse)

	require.NoError(t, store.Rules.Delete(ctx, rule.ID))
	require.NoError(t, store.DataSources.Delete(ctx, ds.ID))
	require.NoError(t, store.Targets.Delete(ctx, target.ID))

	_, err = store.DataSources.Get(ctx, ds.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Targets.Delete(ctx, target.ID), ErrNotFound)
}

func TestTargetSystemRepository_EncryptionRequiresKeyName(t *testing.T) {
	store, _ := newStore(t)
	ts := &models.TargetSystem{
		Name:            "secure",
		ProtocolType:    "http",
		ForwarderConfig: models.JSONB{"encryption": map[string]interface{}{"enabled": true}},
	}
	err := store.Targets.Create(context.Background(), ts)
	assert.ErrorIs(t, err, models.ErrConfigurationInconsistency)

	ts.ForwarderConfig = models.JSONB{"encryption": map[string]interface{}{"enabled": true, "key_name": "k1"}}
	require.NoError(t, store.Targets.Create(context.Background(), ts))
	assert.Equal(t, "HTTP", ts.ProtocolType)
}

func TestStore_CountersAreAtomicIncrements(t *testing.T) {
	store, factory := newStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	ds := factory.CreateDataSource()
	target := factory.CreateTargetSystem()
	rule := factory.CreateRoutingRule([]string{target.ID})

	for i := 0; i < 3; i++ {
		require.NoError(t, store.IncrementMessageCount(ctx, ds.ID, at))
		require.NoError(t, store.RecordMatch(ctx, rule.ID, at))
	}
	require.NoError(t, store.IncrementForwardCount(ctx, target.ID, true, at))
	require.NoError(t, store.IncrementForwardCount(ctx, target.ID, false, at))
	require.NoError(t, store.IncrementForwardCount(ctx, target.ID, true, at))

	gotDS, err := store.DataSources.Get(ctx, ds.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, gotDS.TotalMessages)
	assert.NotNil(t, gotDS.LastMessageAt)

	gotRule, err := store.Rules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, gotRule.MatchCount)

	gotTarget, err := store.Targets.Get(ctx, target.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, gotTarget.TotalForwarded)
	assert.EqualValues(t, 1, gotTarget.TotalFailed)
}

func TestRoutingRuleRepository_ListActiveOrdersByPriority(t *testing.T) {
	store, factory := newStore(t)
	ctx := context.Background()

	low := factory.CreateRoutingRule(nil, func(r *models.RoutingRule) { r.Priority = 10 })
	high := factory.CreateRoutingRule(nil, func(r *models.RoutingRule) { r.Priority = 90 })
	factory.CreateRoutingRule(nil, func(r *models.RoutingRule) { r.IsPublished = false })

	rules, err := store.Rules.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, high.ID, rules[0].ID)
	assert.Equal(t, low.ID, rules[1].ID)

	require.NoError(t, store.Rules.SetPublished(ctx, low.ID, false))
	rules, err = store.Rules.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestRoutingRuleRepository_CreateRejectsBadPriority(t *testing.T) {
	store, _ := newStore(t)
	err := store.Rules.Create(context.Background(), &models.RoutingRule{Name: "r", Priority: 101})
	assert.ErrorIs(t, err, models.ErrConfigurationInconsistency)

	rule := &models.RoutingRule{Name: "r"}
	require.NoError(t, store.Rules.Create(context.Background(), rule))
	assert.Equal(t, models.DefaultRulePriority, rule.Priority)
	assert.False(t, rule.IsPublished)
}

func TestRoutingRuleRepository_MigrateLegacyRules(t *testing.T) {
	store, factory := newStore(t)
	ctx := context.Background()

	legacy := factory.CreateRoutingRule(nil, func(r *models.RoutingRule) {
		r.Conditions = models.JSONBGenericArray{
			map[string]interface{}{"field": "temperature", "operator": "gt", "value": 30},
		}
		r.LogicalOperator = "or"
		r.TargetSystemIDs = models.JSONBStringArray{"t-legacy"}
	})
	factory.CreateRoutingRule([]string{"t-new"})

	migrated, err := store.Rules.MigrateLegacyRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)

	var raw models.RoutingRule
	require.NoError(t, store.DB().First(&raw, "id = ?", legacy.ID).Error)
	assert.False(t, raw.HasLegacyFields())
	require.Len(t, raw.SourceConfig.Conditions, 1)
	assert.Equal(t, "temperature", raw.SourceConfig.Conditions[0].FieldPath)
	assert.Equal(t, models.LogicalOr, raw.SourceConfig.LogicalOperator)
	assert.Equal(t, []string{"t-legacy"}, raw.EnabledTargetIDs())

	migrated, err = store.Rules.MigrateLegacyRules(ctx)
	require.NoError(t, err)
	assert.Zero(t, migrated)
}

func TestFrameSchemaRepository_Lifecycle(t *testing.T) {
	store, factory := newStore(t)
	ctx := context.Background()

	total := 4
	schema := &models.FrameSchema{
		Name:         "meter",
		Version:      "1.0",
		ProtocolType: "udp",
		FrameType:    models.FrameTypeFixed,
		TotalLength:  &total,
		Fields: models.FieldDefs{
			{Name: "value", DataType: models.DataTypeUint32, Offset: 0, Length: 4},
		},
	}
	require.NoError(t, store.Schemas.Create(ctx, schema))
	assert.Equal(t, "UDP", schema.ProtocolType)

	bad := &models.FrameSchema{Name: "x", Version: "1", ProtocolType: "HTTP", FrameType: models.FrameTypeFixed}
	assert.ErrorIs(t, store.Schemas.Create(ctx, bad), models.ErrConfigurationInconsistency)

	published, err := store.Schemas.ListPublished(ctx)
	require.NoError(t, err)
	assert.Empty(t, published)

	// 草稿可以修改，但不能借修改发布
	draft := *schema
	draft.Description = "电表"
	draft.IsPublished = true
	require.NoError(t, store.Schemas.Update(ctx, &draft))
	saved, err := store.Schemas.Get(ctx, schema.ID)
	require.NoError(t, err)
	assert.Equal(t, "电表", saved.Description)
	assert.False(t, saved.IsPublished)

	require.NoError(t, store.Schemas.Publish(ctx, schema.ID))
	published, err = store.Schemas.ListPublished(ctx)
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "value", published[0].Fields[0].Name)

	changed := *saved
	changed.Fields = models.FieldDefs{{Name: "other", DataType: models.DataTypeUint32, Offset: 0, Length: 4}}
	changed.IsPublished = false
	assert.ErrorIs(t, store.Schemas.Update(ctx, &changed), ErrImmutable)
	saved, err = store.Schemas.Get(ctx, schema.ID)
	require.NoError(t, err)
	assert.True(t, saved.IsPublished, "已发布的帧格式保持发布状态")
	assert.Equal(t, "value", saved.Fields[0].Name)

	missing := *saved
	missing.ID = "missing"
	assert.ErrorIs(t, store.Schemas.Update(ctx, &missing), ErrNotFound)

	ds := factory.CreateDataSource(func(d *models.DataSource) { d.FrameSchemaID = &schema.ID })
	assert.ErrorIs(t, store.Schemas.Delete(ctx, schema.ID), ErrInUse)
	require.NoError(t, store.DataSources.Delete(ctx, ds.ID))
	require.NoError(t, store.Schemas.Delete(ctx, schema.ID))
}

func TestLogRepository_WriteQueryAndCleanup(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	logs := []*models.MessageLog{
		{MessageID: "m-old", Timestamp: old, SourceID: "ds-1", ProcessingStatus: "success"},
		{MessageID: "m-1", Timestamp: now, SourceID: "ds-1", ProcessingStatus: "success",
			ParsedData: models.JSONB{"temperature": 21.5}},
		{MessageID: "m-2", Timestamp: now, SourceID: "ds-2", ProcessingStatus: "failed", FailureReason: "forward_failed"},
	}
	for _, l := range logs {
		require.NoError(t, store.SaveMessageLog(ctx, l))
	}
	require.NoError(t, store.SaveForwardLogs(ctx, []*models.ForwardLog{
		{MessageID: "m-1", TargetID: "t1", Status: "success", CreatedAt: now},
		{MessageID: "m-1", TargetID: "t2", Status: "failed", CreatedAt: now.Add(time.Millisecond)},
		{MessageID: "m-old", TargetID: "t1", Status: "success", CreatedAt: old},
	}))

	list, total, err := store.Logs.ListMessageLogs(ctx, MessageLogFilter{SourceID: "ds-1", Page: 1, Size: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, "m-1", list[0].MessageID)

	got, err := store.Logs.GetMessageLog(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 21.5, got.ParsedData["temperature"])

	fwd, err := store.Logs.ListForwardLogs(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, fwd, 2)
	assert.Equal(t, "t1", fwd[0].TargetID)

	since := now.Add(-time.Hour)
	counts, err := store.Logs.StatusCounts(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"success": 1, "failed": 1}, counts)

	cutoff := now.Add(-24 * time.Hour)
	deleted, err := store.Logs.DeleteMessageLogsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
	deleted, err = store.Logs.DeleteForwardLogsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = store.Logs.GetMessageLog(ctx, "m-old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEncryptionKeyRepository_Rotate(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Keys.GetActive(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Keys.Create(ctx, &models.EncryptionKey{Name: "k1", Version: "v1", KeyMaterial: "a2V5MQ==", IsActive: true}))
	require.NoError(t, store.Keys.Rotate(ctx, &models.EncryptionKey{Name: "k1", Version: "v2", KeyMaterial: "a2V5Mg=="}))

	key, err := store.Keys.GetActive(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v2", key.Version)

	var inactive int64
	require.NoError(t, store.DB().Model(&models.EncryptionKey{}).Where("is_active = ?", false).Count(&inactive).Error)
	assert.EqualValues(t, 1, inactive)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Keys.Create(ctx, &models.EncryptionKey{Name: "k2", KeyMaterial: "eA==", IsActive: true, ExpiresAt: &past}))
	_, err = store.Keys.GetActive(ctx, "k2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPartitionName(t *testing.T) {
	ts := time.Date(2024, time.March, 31, 23, 0, 0, 0, time.FixedZone("CST", 8*3600))
	assert.Equal(t, "message_logs_2024_03", PartitionName(ts))
	// 非 Postgres 不创建分区
	store, _ := newStore(t)
	assert.NoError(t, store.Logs.EnsurePartition(context.Background(), ts))
}
