package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"scadabridge/internal/models"
	"scadabridge/internal/notifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeStore struct {
	mu        sync.Mutex
	rules     []models.AlarmRule
	listErr   error
	events    []models.AlarmEvent
	triggered map[int64]time.Time
}

func (s *fakeStore) ListActiveRules(context.Context) ([]models.AlarmRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AlarmRule(nil), s.rules...), s.listErr
}

// InsertEvent also moves the rule's last notification, as the rule query
// derives it from the sent events.
func (s *fakeStore) InsertEvent(_ context.Context, ev models.AlarmEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if ev.EmailSent && ev.NotifiedAt != nil {
		for i := range s.rules {
			if s.rules[i].ID == ev.RuleID {
				at := *ev.NotifiedAt
				s.rules[i].LastNotifiedAt = &at
			}
		}
	}
	return int64(len(s.events)), nil
}

func (s *fakeStore) UpdateRuleLastTriggered(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.triggered == nil {
		s.triggered = make(map[int64]time.Time)
	}
	s.triggered[id] = at
	for i := range s.rules {
		if s.rules[i].ID == id {
			stamped := at
			s.rules[i].LastTriggeredAt = &stamped
		}
	}
	return nil
}

func (s *fakeStore) Events() []models.AlarmEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.AlarmEvent(nil), s.events...)
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []notifier.Alert
	fail   int
	block  chan struct{}
}

func (n *fakeNotifier) Notify(_ context.Context, a notifier.Alert) (bool, string) {
	if n.block != nil {
		<-n.block
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	if n.fail > 0 {
		n.fail--
		return false, "smtp: relay down"
	}
	return true, ""
}

func (n *fakeNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type fakeScheduler struct {
	name    string
	spec    string
	fn      func()
	removed []string
}

func (s *fakeScheduler) AddNamedJob(name, spec string, fn func()) error {
	s.name, s.spec, s.fn = name, spec, fn
	return nil
}

func (s *fakeScheduler) RemoveJob(name string) {
	s.removed = append(s.removed, name)
}

func tempRule() models.AlarmRule {
	return models.AlarmRule{
		ID:              1,
		TenantID:        "acme",
		PlantID:         "plant1",
		Tag:             "temp",
		Operator:        models.OpGTE,
		Threshold:       90,
		ValueType:       models.ValueTypeNumber,
		NotifyEmail:     "ops@acme.com",
		CooldownSeconds: 300,
		Active:          true,
	}
}

func point(v float64) models.TrendPoint {
	return models.TrendPoint{TenantID: "acme", PlantID: "plant1", Tag: "temp", Value: v, Timestamp: t0}
}

func startEngine(t *testing.T, store *fakeStore, n *fakeNotifier, clock *fakeClock) *Engine {
	t.Helper()
	e := NewEngine(Config{}, store, n, nil, nil)
	e.now = clock.Now
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e
}

func waitEvents(t *testing.T, store *fakeStore, n int) []models.AlarmEvent {
	t.Helper()
	require.Eventually(t, func() bool { return len(store.Events()) == n }, 2*time.Second, 5*time.Millisecond)
	return store.Events()
}

func TestEngine_CooldownScenario(t *testing.T) {
	store := &fakeStore{rules: []models.AlarmRule{tempRule()}}
	n := &fakeNotifier{}
	clock := &fakeClock{now: t0}
	e := startEngine(t, store, n, clock)

	require.True(t, e.Submit(point(95)))
	events := waitEvents(t, store, 1)
	assert.True(t, events[0].EmailSent)
	assert.Nil(t, events[0].EmailError)
	require.NotNil(t, events[0].NotifiedAt)
	assert.Equal(t, t0, events[0].TriggeredAt)

	clock.Set(t0.Add(100 * time.Second))
	require.True(t, e.Submit(point(96)))
	events = waitEvents(t, store, 2)
	assert.False(t, events[1].EmailSent)
	require.NotNil(t, events[1].EmailError)
	assert.Equal(t, "cooldown active (200s remaining)", *events[1].EmailError)
	assert.Nil(t, events[1].NotifiedAt)

	clock.Set(t0.Add(301 * time.Second))
	require.True(t, e.Submit(point(97)))
	events = waitEvents(t, store, 3)
	assert.True(t, events[2].EmailSent)
	assert.Equal(t, 2, n.Count())

	store.mu.Lock()
	assert.Equal(t, t0.Add(301*time.Second), store.triggered[1])
	store.mu.Unlock()
}

func TestEngine_BelowThresholdDoesNothing(t *testing.T) {
	store := &fakeStore{rules: []models.AlarmRule{tempRule()}}
	n := &fakeNotifier{}
	e := startEngine(t, store, n, &fakeClock{now: t0})

	require.True(t, e.Submit(point(50)))
	other := point(99)
	other.PlantID = "plant2"
	require.True(t, e.Submit(other))
	require.True(t, e.Submit(point(91)))

	events := waitEvents(t, store, 1)
	assert.Equal(t, 91.0, events[0].ObservedValue)
	assert.Equal(t, 1, n.Count())
}

func TestEngine_TriggeredAtIsMonotonic(t *testing.T) {
	store := &fakeStore{rules: []models.AlarmRule{tempRule()}}
	e := startEngine(t, store, &fakeNotifier{}, &fakeClock{now: t0})

	for i := 0; i < 3; i++ {
		require.True(t, e.Submit(point(100)))
	}
	events := waitEvents(t, store, 3)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].TriggeredAt.After(events[i-1].TriggeredAt))
	}
	assert.True(t, events[0].EmailSent)
	assert.False(t, events[1].EmailSent)
	assert.False(t, events[2].EmailSent)
}

func TestEngine_FailedSendAllowsRetry(t *testing.T) {
	store := &fakeStore{rules: []models.AlarmRule{tempRule()}}
	n := &fakeNotifier{fail: 1}
	clock := &fakeClock{now: t0}
	e := startEngine(t, store, n, clock)

	require.True(t, e.Submit(point(95)))
	events := waitEvents(t, store, 1)
	assert.False(t, events[0].EmailSent)
	require.NotNil(t, events[0].EmailError)
	assert.Equal(t, "smtp: relay down", *events[0].EmailError)

	clock.Set(t0.Add(time.Second))
	require.True(t, e.Submit(point(95)))
	events = waitEvents(t, store, 2)
	assert.True(t, events[1].EmailSent)
	assert.Equal(t, 2, n.Count())
}

func TestEngine_CooldownSeededFromStore(t *testing.T) {
	rule := tempRule()
	last := t0.Add(-100 * time.Second)
	rule.LastNotifiedAt = &last
	store := &fakeStore{rules: []models.AlarmRule{rule}}
	n := &fakeNotifier{}
	e := startEngine(t, store, n, &fakeClock{now: t0})

	require.True(t, e.Submit(point(95)))
	events := waitEvents(t, store, 1)
	require.NotNil(t, events[0].EmailError)
	assert.Equal(t, "cooldown active (200s remaining)", *events[0].EmailError)
	assert.Equal(t, 0, n.Count())
}

func TestEngine_LastTriggerDoesNotArmCooldown(t *testing.T) {
	rule := tempRule()
	last := t0.Add(-10 * time.Second)
	rule.LastTriggeredAt = &last
	store := &fakeStore{rules: []models.AlarmRule{rule}}
	n := &fakeNotifier{}
	e := startEngine(t, store, n, &fakeClock{now: t0})

	require.True(t, e.Submit(point(95)))
	events := waitEvents(t, store, 1)
	assert.True(t, events[0].EmailSent)
	assert.Equal(t, 1, n.Count())
}

func TestEngine_FailedSendRetriesAfterReload(t *testing.T) {
	store := &fakeStore{rules: []models.AlarmRule{tempRule()}}
	n := &fakeNotifier{fail: 1}
	clock := &fakeClock{now: t0}
	e := startEngine(t, store, n, clock)

	require.True(t, e.Submit(point(95)))
	events := waitEvents(t, store, 1)
	require.False(t, events[0].EmailSent)
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.rules[0].LastTriggeredAt != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Reload(context.Background()))
	clock.Set(t0.Add(10 * time.Second))
	require.True(t, e.Submit(point(95)))
	events = waitEvents(t, store, 2)
	assert.True(t, events[1].EmailSent)
	assert.Nil(t, events[1].EmailError)
	assert.Equal(t, 2, n.Count())
}

func TestEngine_ReloadKeepsCooldownAfterSend(t *testing.T) {
	store := &fakeStore{rules: []models.AlarmRule{tempRule()}}
	n := &fakeNotifier{}
	clock := &fakeClock{now: t0}
	e := startEngine(t, store, n, clock)

	require.True(t, e.Submit(point(95)))
	events := waitEvents(t, store, 1)
	require.True(t, events[0].EmailSent)

	// the store lost the notification; the engine still remembers it
	store.mu.Lock()
	store.rules[0].LastNotifiedAt = nil
	store.mu.Unlock()
	require.NoError(t, e.Reload(context.Background()))

	rules := e.Rules()
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].LastNotifiedAt)
	assert.Equal(t, t0, *rules[0].LastNotifiedAt)

	clock.Set(t0.Add(100 * time.Second))
	require.True(t, e.Submit(point(96)))
	events = waitEvents(t, store, 2)
	assert.False(t, events[1].EmailSent)
	require.NotNil(t, events[1].EmailError)
	assert.Equal(t, "cooldown active (200s remaining)", *events[1].EmailError)
	assert.Equal(t, 1, n.Count())
}

func TestEngine_SlowSendDoesNotBlockEvaluation(t *testing.T) {
	pressure := tempRule()
	pressure.ID, pressure.Tag = 2, "pressure"
	store := &fakeStore{rules: []models.AlarmRule{tempRule(), pressure}}
	n := &fakeNotifier{block: make(chan struct{})}
	release := sync.OnceFunc(func() { close(n.block) })

	e := NewEngine(Config{MaxInFlight: 1}, store, n, nil, nil)
	e.now = (&fakeClock{now: t0}).Now
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	t.Cleanup(release)

	pressurePoint := point(95)
	pressurePoint.Tag = "pressure"
	require.True(t, e.Submit(point(95)))
	require.True(t, e.Submit(pressurePoint))
	require.True(t, e.Submit(point(96)))
	require.True(t, e.Submit(point(97)))

	// both sends are stuck, the suppressed triggers are still recorded
	events := waitEvents(t, store, 2)
	assert.Empty(t, e.points)
	for _, ev := range events {
		assert.False(t, ev.EmailSent)
		require.NotNil(t, ev.EmailError)
		assert.Contains(t, *ev.EmailError, "cooldown active")
	}

	release()
	events = waitEvents(t, store, 4)
	assert.Equal(t, 2, n.Count())
}

func TestEngine_ReloadPrunesRemovedRules(t *testing.T) {
	store := &fakeStore{rules: []models.AlarmRule{tempRule()}}
	e := startEngine(t, store, &fakeNotifier{}, &fakeClock{now: t0})

	require.True(t, e.Submit(point(95)))
	waitEvents(t, store, 1)

	store.mu.Lock()
	store.rules = nil
	store.mu.Unlock()
	require.NoError(t, e.Reload(context.Background()))

	assert.Equal(t, 0, e.RuleCount())
	_, ok := e.cooldowns.get(1)
	assert.False(t, ok)
	e.hitMu.Lock()
	assert.Empty(t, e.lastHit)
	e.hitMu.Unlock()
}

func TestEngine_ReloadSkipsInvalidRules(t *testing.T) {
	boolRule := tempRule()
	boolRule.ID, boolRule.ValueType, boolRule.Threshold = 2, models.ValueTypeBoolean, 2
	badOp := tempRule()
	badOp.ID, badOp.Operator = 3, "between"
	inactive := tempRule()
	inactive.ID, inactive.Active = 4, false
	noPlant := tempRule()
	noPlant.ID, noPlant.PlantID = 5, ""

	store := &fakeStore{rules: []models.AlarmRule{tempRule(), boolRule, badOp, inactive, noPlant}}
	e := NewEngine(Config{}, store, &fakeNotifier{}, nil, nil)
	require.NoError(t, e.Reload(context.Background()))
	assert.Equal(t, 2, e.RuleCount())

	legacy := point(95)
	legacy.PlantID = ""
	matched := e.index.Load().match(legacy, "default")
	require.Len(t, matched, 1)
	assert.Equal(t, int64(5), matched[0].ID)
}

func TestEngine_ScheduledReload(t *testing.T) {
	store := &fakeStore{}
	sched := &fakeScheduler{}
	e := NewEngine(Config{RefreshInterval: time.Second}, store, &fakeNotifier{}, sched, nil)
	require.NoError(t, e.Start(context.Background()))

	assert.Equal(t, "alarm-rule-reload", sched.name)
	assert.Equal(t, "@every 5s", sched.spec)
	assert.Equal(t, 0, e.RuleCount())

	store.mu.Lock()
	store.rules = []models.AlarmRule{tempRule()}
	store.mu.Unlock()
	sched.fn()
	assert.Equal(t, 1, e.RuleCount())

	store.mu.Lock()
	store.listErr = errors.New("db down")
	store.mu.Unlock()
	sched.fn()
	assert.Equal(t, 1, e.RuleCount())

	e.Stop()
	assert.Equal(t, []string{"alarm-rule-reload"}, sched.removed)
}

func TestEngine_StartFailsWithoutRules(t *testing.T) {
	e := NewEngine(Config{}, &fakeStore{listErr: errors.New("db down")}, &fakeNotifier{}, nil, nil)
	assert.Error(t, e.Start(context.Background()))
}

func TestEngine_SubmitDropsWhenFull(t *testing.T) {
	e := NewEngine(Config{QueueSize: 1}, &fakeStore{}, &fakeNotifier{}, nil, nil)
	assert.True(t, e.Submit(point(1)))
	assert.False(t, e.Submit(point(2)))
}

func TestEngine_StopWaitsForTasks(t *testing.T) {
	store := &fakeStore{rules: []models.AlarmRule{tempRule()}}
	n := &fakeNotifier{block: make(chan struct{})}
	e := NewEngine(Config{}, store, n, nil, nil)
	e.now = (&fakeClock{now: t0}).Now
	require.NoError(t, e.Start(context.Background()))

	require.True(t, e.Submit(point(95)))
	require.Eventually(t, func() bool { return len(e.points) == 0 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned with a task in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(n.block)
	<-stopped
	assert.Len(t, store.Events(), 1)
	assert.False(t, e.Submit(point(95)))
}

func TestTriggered(t *testing.T) {
	r := tempRule()
	assert.True(t, Triggered(r, 90))
	assert.False(t, Triggered(r, 89.9))
	r.Operator = models.OpLTE
	assert.True(t, Triggered(r, 90))
	assert.False(t, Triggered(r, 90.1))
	r.Operator = models.OpEQ
	assert.True(t, Triggered(r, 90))
	assert.False(t, Triggered(r, 91))
}
