package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gateway-service/service/adapters"
	"gateway-service/service/config"
	"gateway-service/service/eventbus"
	"gateway-service/service/forwarders"
	"gateway-service/service/models"
	"gateway-service/service/pipeline"
	"gateway-service/service/repository"
	"gateway-service/service/routing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu          sync.Mutex
	sources     map[string]*models.DataSource
	targets     map[string]*models.TargetSystem
	rules       map[string]*models.RoutingRule
	schemas     map[string]*models.FrameSchema
	invalidated []string
}

func newProvider() *fakeProvider {
	return &fakeProvider{
		sources: map[string]*models.DataSource{},
		targets: map[string]*models.TargetSystem{},
		rules:   map[string]*models.RoutingRule{},
		schemas: map[string]*models.FrameSchema{},
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, repository.ErrNotFound)
}

func (p *fakeProvider) GetActiveDataSources(context.Context) ([]models.DataSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.DataSource
	for _, ds := range p.sources {
		if ds.IsActive {
			out = append(out, *ds)
		}
	}
	return out, nil
}

func (p *fakeProvider) GetActiveTargetSystems(context.Context) ([]models.TargetSystem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.TargetSystem
	for _, ts := range p.targets {
		if ts.IsActive {
			out = append(out, *ts)
		}
	}
	return out, nil
}

func (p *fakeProvider) GetActiveRoutingRules(context.Context) ([]models.RoutingRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.RoutingRule
	for _, r := range p.rules {
		if r.IsEligible() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (p *fakeProvider) GetPublishedFrameSchemas(context.Context) ([]models.FrameSchema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.FrameSchema
	for _, fs := range p.schemas {
		out = append(out, *fs)
	}
	return out, nil
}

func (p *fakeProvider) GetDataSource(_ context.Context, id string) (*models.DataSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ds, ok := p.sources[id]; ok {
		cp := *ds
		return &cp, nil
	}
	return nil, notFound("数据源", id)
}

func (p *fakeProvider) GetTargetSystem(_ context.Context, id string) (*models.TargetSystem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ts, ok := p.targets[id]; ok {
		cp := *ts
		return &cp, nil
	}
	return nil, notFound("目标系统", id)
}

func (p *fakeProvider) GetRoutingRule(_ context.Context, id string) (*models.RoutingRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.rules[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, notFound("路由规则", id)
}

func (p *fakeProvider) GetFrameSchema(_ context.Context, id string) (*models.FrameSchema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fs, ok := p.schemas[id]; ok {
		return fs, nil
	}
	return nil, notFound("帧格式", id)
}

func (p *fakeProvider) InvalidateLocal(_ context.Context, entityType, id string) {
	p.mu.Lock()
	p.invalidated = append(p.invalidated, entityType+":"+id)
	p.mu.Unlock()
}

func (p *fakeProvider) InstanceID() string { return "local" }

// SetPublished 充当规则仓储
func (p *fakeProvider) SetPublished(_ context.Context, id string, published bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rules[id]
	if !ok {
		return notFound("路由规则", id)
	}
	r.IsPublished = published
	return nil
}

func (p *fakeProvider) update(fn func(p *fakeProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func udpSource(id string) *models.DataSource {
	return &models.DataSource{
		ID:               id,
		Name:             id,
		ProtocolType:     string(models.ProtocolUDP),
		ConnectionConfig: models.JSONB{"listen_address": "127.0.0.1", "listen_port": 0},
		IsActive:         true,
	}
}

func httpTarget(id, url string) *models.TargetSystem {
	return &models.TargetSystem{
		ID:             id,
		Name:           id,
		ProtocolType:   string(models.ProtocolHTTP),
		EndpointConfig: models.JSONB{"url": url},
		IsActive:       true,
	}
}

func publishedRule(id string, targets ...string) *models.RoutingRule {
	r := &models.RoutingRule{ID: id, Name: id, Priority: models.DefaultRulePriority, IsActive: true, IsPublished: true}
	for _, t := range targets {
		r.TargetSystems = append(r.TargetSystems, models.TargetRef{ID: t})
	}
	return r
}

type fixture struct {
	bus      *eventbus.EventBus
	provider *fakeProvider
	router   *routing.Engine
	manager  *Manager
}

func newFixture(t *testing.T, provider *fakeProvider) *fixture {
	t.Helper()
	return newFixtureWithDrain(t, provider, 2*time.Second)
}

func newFixtureWithDrain(t *testing.T, provider *fakeProvider, drain time.Duration) *fixture {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	fwd := forwarders.NewManager(nil, forwarders.Dependencies{}, bus)
	router := routing.NewEngine(bus, nil)
	pipe := pipeline.New(bus, pipeline.Options{
		Workers:   4,
		Config:    provider,
		Router:    router,
		Forwarder: fwd,
	})

	m := NewManager(Deps{
		Bus:            bus,
		Config:         provider,
		Rules:          provider,
		Adapters:       adapters.NewFactory(adapters.Options{}),
		Forwarders:     fwd,
		Router:         router,
		Pipeline:       pipe,
		DrainTimeout:   drain,
		StatusInterval: time.Hour,
	})
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return &fixture{bus: bus, provider: provider, router: router, manager: m}
}

func sendUDP(t *testing.T, addr string, payload string) {
	t.Helper()
	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)
}

func TestManager_StartForwardsEndToEnd(t *testing.T) {
	var hits atomic.Int32
	bodies := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		bodies <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := newProvider()
	provider.sources["ds-1"] = udpSource("ds-1")
	provider.targets["t-1"] = httpTarget("t-1", server.URL+"/ingest")
	provider.rules["r-1"] = publishedRule("r-1", "t-1")
	f := newFixture(t, provider)

	done := make(chan *pipeline.Result, 1)
	_, err := f.bus.Subscribe(eventbus.TopicMessageDone, func(_ string, payload interface{}) {
		if res, ok := payload.(*pipeline.Result); ok {
			done <- res
		}
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.Start(context.Background()))
	assert.True(t, f.manager.IsRunning())

	st, ok := f.manager.DataSourceStatus("ds-1")
	require.True(t, ok)
	assert.Equal(t, StateRunning, st.State)

	stats, ok := f.manager.AdapterStats("ds-1")
	require.True(t, ok)
	sendUDP(t, stats.Address, `{"temperature": 21.5}`)

	select {
	case res := <-done:
		assert.Equal(t, models.LogStatusSuccess, res.Status)
		assert.Equal(t, []string{"t-1"}, res.TargetIDs)
	case <-time.After(5 * time.Second):
		t.Fatal("等待 MESSAGE_COMPLETED 超时")
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.Contains(t, <-bodies, "temperature")

	status := f.manager.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.AdaptersRunning)
	assert.Equal(t, 1, status.AdaptersTotal)
	assert.Equal(t, 1, status.TargetsRegistered)
	assert.Equal(t, 1, status.RulesLoaded)
	assert.Equal(t, int64(1), status.Pipeline.Succeeded)
}

func TestManager_UnsupportedProtocolDoesNotAbortStartup(t *testing.T) {
	provider := newProvider()
	provider.sources["ds-ftp"] = &models.DataSource{ID: "ds-ftp", Name: "ftp", ProtocolType: "FTP", IsActive: true}
	provider.sources["ds-udp"] = udpSource("ds-udp")
	f := newFixture(t, provider)

	require.NoError(t, f.manager.Start(context.Background()))

	ftp, ok := f.manager.DataSourceStatus("ds-ftp")
	require.True(t, ok)
	assert.Equal(t, StateError, ftp.State)
	assert.NotEmpty(t, ftp.Error)

	udp, ok := f.manager.DataSourceStatus("ds-udp")
	require.True(t, ok)
	assert.Equal(t, StateRunning, udp.State)

	status := f.manager.Status()
	assert.Equal(t, 1, status.AdaptersRunning)
	assert.Equal(t, 2, status.AdaptersTotal)
}

func TestManager_BadTargetMarkedError(t *testing.T) {
	provider := newProvider()
	provider.targets["t-bad"] = &models.TargetSystem{ID: "t-bad", Name: "bad", ProtocolType: "HTTP", EndpointConfig: models.JSONB{}, IsActive: true}
	provider.targets["t-ok"] = httpTarget("t-ok", "http://127.0.0.1:1/ingest")
	f := newFixture(t, provider)

	require.NoError(t, f.manager.Start(context.Background()))

	bad, ok := f.manager.TargetSystemStatus("t-bad")
	require.True(t, ok)
	assert.Equal(t, StateError, bad.State)
	good, ok := f.manager.TargetSystemStatus("t-ok")
	require.True(t, ok)
	assert.Equal(t, StateRunning, good.State)
}

func TestManager_ReloadDataSourceIsolation(t *testing.T) {
	provider := newProvider()
	provider.sources["ds-a"] = udpSource("ds-a")
	provider.sources["ds-b"] = udpSource("ds-b")
	f := newFixture(t, provider)
	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx))

	before, ok := f.manager.AdapterStats("ds-b")
	require.True(t, ok)

	provider.update(func(p *fakeProvider) { p.sources["ds-a"].IsActive = false })
	require.NoError(t, f.manager.ReloadDataSource(ctx, "ds-a"))

	a, ok := f.manager.DataSourceStatus("ds-a")
	require.True(t, ok)
	assert.Equal(t, StateStopped, a.State)
	_, running := f.manager.AdapterStats("ds-a")
	assert.False(t, running)

	after, ok := f.manager.AdapterStats("ds-b")
	require.True(t, ok)
	assert.Equal(t, before.Address, after.Address)
	assert.Equal(t, before.StartedAt, after.StartedAt)
	assert.Contains(t, provider.invalidated, config.EntityDataSource+":ds-a")

	provider.update(func(p *fakeProvider) { p.sources["ds-a"].IsActive = true })
	require.NoError(t, f.manager.ReloadDataSource(ctx, "ds-a"))
	_, running = f.manager.AdapterStats("ds-a")
	assert.True(t, running)

	provider.update(func(p *fakeProvider) { delete(p.sources, "ds-a") })
	require.NoError(t, f.manager.ReloadDataSource(ctx, "ds-a"))
	_, known := f.manager.DataSourceStatus("ds-a")
	assert.False(t, known)
}

func TestManager_StartStopDataSource(t *testing.T) {
	provider := newProvider()
	provider.sources["ds-1"] = udpSource("ds-1")
	f := newFixture(t, provider)
	ctx := context.Background()

	assert.ErrorIs(t, f.manager.StartDataSource(ctx, "ds-1"), ErrNotRunning)
	require.NoError(t, f.manager.Start(ctx))

	require.NoError(t, f.manager.StopDataSource(ctx, "ds-1"))
	st, _ := f.manager.DataSourceStatus("ds-1")
	assert.Equal(t, StateStopped, st.State)

	require.NoError(t, f.manager.StartDataSource(ctx, "ds-1"))
	st, _ = f.manager.DataSourceStatus("ds-1")
	assert.Equal(t, StateRunning, st.State)

	err := f.manager.StartDataSource(ctx, "missing")
	assert.True(t, config.IsNotFound(err))
}

func TestManager_PublishUnpublishRule(t *testing.T) {
	provider := newProvider()
	draft := publishedRule("r-1", "t-1")
	draft.IsPublished = false
	provider.rules["r-1"] = draft
	f := newFixture(t, provider)
	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx))
	assert.Empty(t, f.router.Rules())

	require.NoError(t, f.manager.PublishRule(ctx, "r-1"))
	require.Len(t, f.router.Rules(), 1)
	assert.Equal(t, "r-1", f.router.Rules()[0].ID)

	require.NoError(t, f.manager.UnpublishRule(ctx, "r-1"))
	assert.Empty(t, f.router.Rules())

	assert.Error(t, f.manager.PublishRule(ctx, "missing"))
}

func TestManager_RemoteConfigChange(t *testing.T) {
	provider := newProvider()
	provider.targets["t-1"] = httpTarget("t-1", "http://127.0.0.1:1/ingest")
	f := newFixture(t, provider)
	require.NoError(t, f.manager.Start(context.Background()))

	provider.update(func(p *fakeProvider) { p.targets["t-1"].IsActive = false })

	// 本实例发出的变更不触发重载
	f.bus.Publish(eventbus.TopicConfigChanged, config.Change{EntityType: config.EntityTargetSystem, ID: "t-1", Origin: "local"})
	require.NoError(t, f.bus.Wait(context.Background()))
	st, _ := f.manager.TargetSystemStatus("t-1")
	assert.Equal(t, StateRunning, st.State)

	f.bus.Publish(eventbus.TopicConfigChanged, config.Change{EntityType: config.EntityTargetSystem, ID: "t-1", Origin: "peer"})
	assert.Eventually(t, func() bool {
		st, _ := f.manager.TargetSystemStatus("t-1")
		return st.State == StateStopped
	}, 2*time.Second, 20*time.Millisecond)
}

func TestManager_StopPublishesStatus(t *testing.T) {
	provider := newProvider()
	provider.sources["ds-1"] = udpSource("ds-1")
	f := newFixture(t, provider)
	ctx := context.Background()

	statuses := make(chan Status, 8)
	logs := make(chan LogEntry, 16)
	_, err := f.bus.Subscribe(eventbus.TopicGatewayStatus, func(_ string, payload interface{}) {
		if s, ok := payload.(Status); ok {
			statuses <- s
		}
	})
	require.NoError(t, err)
	_, err = f.bus.Subscribe(eventbus.TopicGatewayLog, func(_ string, payload interface{}) {
		if e, ok := payload.(LogEntry); ok {
			logs <- e
		}
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.Start(ctx))
	require.NoError(t, f.manager.Stop(ctx))
	assert.False(t, f.manager.IsRunning())
	require.NoError(t, f.bus.Wait(ctx))

	var last Status
	for len(statuses) > 0 {
		last = <-statuses
	}
	assert.False(t, last.Running)

	var messages []string
	for len(logs) > 0 {
		messages = append(messages, (<-logs).Message)
	}
	assert.Contains(t, messages, "网关已启动")
	assert.Contains(t, messages, "网关已停止")

	st, _ := f.manager.DataSourceStatus("ds-1")
	assert.Equal(t, StateStopped, st.State)
	assert.NoError(t, f.manager.Stop(ctx))
}

// floodUDP 持续向 addr 发送报文直到 stop 关闭
func floodUDP(addr string, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		select {
		case <-stop:
			return
		default:
			_, _ = conn.Write([]byte(`{"v": 1}`))
			time.Sleep(time.Millisecond)
		}
	}
}

func TestManager_ReloadWhileOtherSourcesPublish(t *testing.T) {
	provider := newProvider()
	provider.sources["ds-a"] = udpSource("ds-a")
	provider.sources["ds-b"] = udpSource("ds-b")
	provider.sources["ds-c"] = udpSource("ds-c")
	f := newFixtureWithDrain(t, provider, 2*time.Second)
	ctx := context.Background()

	// 其他数据源的消息始终有在途处理
	_, err := f.bus.Subscribe(eventbus.TopicRawReceived, func(_ string, payload interface{}) {
		if msg, ok := payload.(*models.UnifiedMessage); ok && msg.DataSourceID != "ds-a" {
			time.Sleep(5 * time.Millisecond)
		}
	})
	require.NoError(t, err)
	require.NoError(t, f.manager.Start(ctx))

	stop := make(chan struct{})
	var senders sync.WaitGroup
	for _, id := range []string{"ds-b", "ds-c"} {
		stats, ok := f.manager.AdapterStats(id)
		require.True(t, ok)
		for i := 0; i < 2; i++ {
			senders.Add(1)
			go floodUDP(stats.Address, stop, &senders)
		}
	}
	// 直接向总线发布，模拟更多并发来源
	for i := 0; i < 4; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for {
				select {
				case <-stop:
					return
				default:
					f.bus.Publish(eventbus.TopicGatewayLog, "noise")
					time.Sleep(100 * time.Microsecond)
				}
			}
		}()
	}
	defer func() {
		close(stop)
		senders.Wait()
	}()

	require.Eventually(t, func() bool {
		stats, _ := f.manager.AdapterStats("ds-b")
		return stats.MessagesPublished > 0
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		start := time.Now()
		require.NoError(t, f.manager.ReloadDataSource(ctx, "ds-a"))
		require.NoError(t, f.manager.StopDataSource(ctx, "ds-a"))
		require.NoError(t, f.manager.StartDataSource(ctx, "ds-a"))
		assert.Less(t, time.Since(start), time.Second, "单个数据源的停止不等待其他数据源的流量")
	}

	st, ok := f.manager.DataSourceStatus("ds-a")
	require.True(t, ok)
	assert.Equal(t, StateRunning, st.State)
	for _, id := range []string{"ds-b", "ds-c"} {
		st, ok := f.manager.DataSourceStatus(id)
		require.True(t, ok)
		assert.Equal(t, StateRunning, st.State)
	}
}

func TestManager_StopDataSourceCompletesInFlight(t *testing.T) {
	provider := newProvider()
	provider.sources["ds-1"] = udpSource("ds-1")
	f := newFixture(t, provider)
	ctx := context.Background()

	var handled atomic.Bool
	_, err := f.bus.Subscribe(eventbus.TopicRawReceived, func(string, interface{}) {
		time.Sleep(200 * time.Millisecond)
		handled.Store(true)
	})
	require.NoError(t, err)
	require.NoError(t, f.manager.Start(ctx))

	stats, ok := f.manager.AdapterStats("ds-1")
	require.True(t, ok)
	sendUDP(t, stats.Address, `{"v": 1}`)
	require.Eventually(t, func() bool {
		s, _ := f.manager.AdapterStats("ds-1")
		return s.MessagesPublished == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.StopDataSource(ctx, "ds-1"))
	assert.True(t, handled.Load(), "在途消息在停止返回前处理完成")
	st, _ := f.manager.DataSourceStatus("ds-1")
	assert.Equal(t, StateStopped, st.State)
}

func TestManager_StopDataSourceAbandonsAfterDrainTimeout(t *testing.T) {
	provider := newProvider()
	provider.sources["ds-1"] = udpSource("ds-1")
	f := newFixtureWithDrain(t, provider, 100*time.Millisecond)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	_, err := f.bus.Subscribe(eventbus.TopicRawReceived, func(string, interface{}) {
		<-release
	})
	require.NoError(t, err)
	require.NoError(t, f.manager.Start(ctx))

	stats, ok := f.manager.AdapterStats("ds-1")
	require.True(t, ok)
	sendUDP(t, stats.Address, `{"v": 1}`)
	require.Eventually(t, func() bool {
		s, _ := f.manager.AdapterStats("ds-1")
		return s.MessagesPublished == 1
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	err = f.manager.StopDataSource(ctx, "ds-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	st, _ := f.manager.DataSourceStatus("ds-1")
	assert.Equal(t, StateStopped, st.State)
	_, running := f.manager.AdapterStats("ds-1")
	assert.False(t, running)
}
