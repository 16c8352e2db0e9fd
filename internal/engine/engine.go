// Package engine evaluates alarm rules against ingested trend points and
// notifies on triggers, suppressing repeats inside each rule's cooldown.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"scadabridge/internal/metrics"
	"scadabridge/internal/models"
	"scadabridge/internal/notifier"
	"scadabridge/internal/utils"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultQueueSize   = 1024
	defaultMaxInFlight = 32
	defaultRefresh     = 60 * time.Second
	minRefresh         = 5 * time.Second
	reloadTimeout      = 30 * time.Second
	reloadJobName      = "alarm-rule-reload"
)

// RuleStore loads rules and records what the engine did with them
type RuleStore interface {
	ListActiveRules(ctx context.Context) ([]models.AlarmRule, error)
	InsertEvent(ctx context.Context, ev models.AlarmEvent) (int64, error)
	UpdateRuleLastTriggered(ctx context.Context, ruleID int64, at time.Time) error
}

// Notifier delivers one alert; it reports failures instead of returning errors
type Notifier interface {
	Notify(ctx context.Context, alert notifier.Alert) (bool, string)
}

// JobScheduler runs named periodic jobs
type JobScheduler interface {
	AddNamedJob(name, spec string, fn func()) error
	RemoveJob(name string)
}

// Config configures an Engine
type Config struct {
	RefreshInterval time.Duration
	QueueSize       int
	MaxInFlight     int // concurrent mail sends
	DefaultPlantID  string
}

// Engine is the alarm engine
type Engine struct {
	cfg      Config
	store    RuleStore
	notifier Notifier
	sched    JobScheduler
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	index     atomic.Pointer[ruleIndex]
	cooldowns *cooldownTable
	reloadMu  sync.Mutex

	points chan models.TrendPoint
	closed atomic.Bool

	hitMu   sync.Mutex
	lastHit map[int64]time.Time

	cancel   context.CancelFunc
	consumer sync.WaitGroup
	tasks    errgroup.Group
	sends    *semaphore.Weighted
}

// NewEngine creates an engine. sched may be nil, in which case rules are
// only loaded at Start and by explicit Reload calls.
func NewEngine(cfg Config, store RuleStore, n Notifier, sched JobScheduler, m *metrics.Metrics) *Engine {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefresh
	}
	if cfg.RefreshInterval < minRefresh {
		cfg.RefreshInterval = minRefresh
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.DefaultPlantID == "" {
		cfg.DefaultPlantID = "default"
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		notifier:  n,
		sched:     sched,
		metrics:   m,
		logger:    utils.Logger("ENGINE"),
		now:       time.Now,
		cooldowns: newCooldownTable(),
		points:    make(chan models.TrendPoint, cfg.QueueSize),
		lastHit:   make(map[int64]time.Time),
		sends:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
	}
	return e
}

// Start loads the rules, schedules the periodic reload and starts the
// consumer. It fails when the first load fails.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Reload(ctx); err != nil {
		return fmt.Errorf("initial rule load: %w", err)
	}

	ctx, e.cancel = context.WithCancel(ctx)
	if e.sched != nil {
		spec := fmt.Sprintf("@every %s", e.cfg.RefreshInterval)
		if err := e.sched.AddNamedJob(reloadJobName, spec, func() { e.scheduledReload(ctx) }); err != nil {
			e.cancel()
			return fmt.Errorf("schedule rule reload: %w", err)
		}
	}

	e.consumer.Add(1)
	go func() {
		defer e.consumer.Done()
		e.consume(ctx)
	}()
	e.logger.Info().Int("rules", e.RuleCount()).Dur("refresh", e.cfg.RefreshInterval).Msg("Alarm engine started")
	return nil
}

// Stop stops accepting points, lets the consumer finish the point in hand
// and waits for every in-flight trigger task.
func (e *Engine) Stop() {
	e.closed.Store(true)
	if e.sched != nil {
		e.sched.RemoveJob(reloadJobName)
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.consumer.Wait()
	if err := e.tasks.Wait(); err != nil {
		e.logger.Error().Err(err).Msg("Trigger task failed during stop")
	}
	e.logger.Info().Msg("Alarm engine stopped")
}

// Submit queues a point for evaluation without blocking. It returns false
// when the point was dropped.
func (e *Engine) Submit(p models.TrendPoint) bool {
	if e.closed.Load() {
		return false
	}
	select {
	case e.points <- p:
		e.metrics.AlarmQueueDepth(len(e.points))
		return true
	default:
		e.metrics.PointDropped("alarm_queue")
		e.logger.Warn().Str("tenant", p.TenantID).Str("tag", p.Tag).Msg("Alarm queue full, dropping point")
		return false
	}
}

// RuleCount returns the number of loaded rules
func (e *Engine) RuleCount() int {
	if ix := e.index.Load(); ix != nil {
		return ix.count
	}
	return 0
}

// Rules returns the loaded rules with their last notification time
func (e *Engine) Rules() []models.AlarmRule {
	ix := e.index.Load()
	if ix == nil {
		return nil
	}
	out := make([]models.AlarmRule, 0, ix.count)
	for _, rules := range ix.byKey {
		for _, r := range rules {
			if t, ok := e.cooldowns.get(r.ID); ok {
				r.LastNotifiedAt = &t
			}
			out = append(out, r)
		}
	}
	return out
}

// Reload replaces the rule index with the active rules from the store
func (e *Engine) Reload(ctx context.Context) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	rules, err := e.store.ListActiveRules(ctx)
	if err != nil {
		return err
	}

	ix := &ruleIndex{byKey: make(map[ruleKey][]models.AlarmRule)}
	keep := make(map[int64]struct{}, len(rules))
	for _, r := range rules {
		if !r.Active {
			continue
		}
		if err := validateRule(r); err != nil {
			e.logger.Warn().Err(err).Int64("rule_id", r.ID).Msg("Skipping invalid alarm rule")
			continue
		}
		if r.PlantID == "" {
			r.PlantID = e.cfg.DefaultPlantID
		}
		e.cooldowns.seed(r.ID, r.LastNotifiedAt)
		k := ruleKey{tenant: r.TenantID, plant: r.PlantID, tag: r.Tag}
		ix.byKey[k] = append(ix.byKey[k], r)
		keep[r.ID] = struct{}{}
		ix.count++
	}
	e.cooldowns.prune(keep)
	e.pruneHits(keep)
	e.index.Store(ix)

	e.metrics.AlarmRulesLoaded(ix.count)
	e.logger.Info().Int("rules", ix.count).Int("topics", len(ix.byKey)).Msg("Alarm rules synchronized")
	return nil
}

func (e *Engine) scheduledReload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	reloadCtx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	if err := e.Reload(reloadCtx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to reload alarm rules, keeping previous set")
	}
}

func (e *Engine) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-e.points:
			e.metrics.AlarmQueueDepth(len(e.points))
			e.process(ctx, p)
		}
	}
}

// process evaluates every rule matching the point
func (e *Engine) process(ctx context.Context, p models.TrendPoint) {
	for _, rule := range e.index.Load().match(p, e.cfg.DefaultPlantID) {
		if !Triggered(rule, p.Value) {
			continue
		}
		e.trigger(ctx, rule, p)
	}
}

// triggeredAt returns the current time, strictly after the previous
// trigger of the same rule
func (e *Engine) triggeredAt(ruleID int64) time.Time {
	e.hitMu.Lock()
	defer e.hitMu.Unlock()
	at := e.now().UTC()
	if prev, ok := e.lastHit[ruleID]; ok && !at.After(prev) {
		at = prev.Add(time.Microsecond)
	}
	e.lastHit[ruleID] = at
	return at
}

func (e *Engine) pruneHits(keep map[int64]struct{}) {
	e.hitMu.Lock()
	defer e.hitMu.Unlock()
	for id := range e.lastHit {
		if _, ok := keep[id]; !ok {
			delete(e.lastHit, id)
		}
	}
}
