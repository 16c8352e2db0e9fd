package engine

import (
	"fmt"
	"math"
	"sync"
	"time"

	"scadabridge/internal/models"
)

type ruleKey struct {
	tenant string
	plant  string
	tag    string
}

// ruleIndex is an immutable snapshot of the active rules by topic
type ruleIndex struct {
	byKey map[ruleKey][]models.AlarmRule
	count int
}

func (ix *ruleIndex) match(p models.TrendPoint, defaultPlant string) []models.AlarmRule {
	if ix == nil {
		return nil
	}
	plant := p.PlantID
	if plant == "" {
		plant = defaultPlant
	}
	return ix.byKey[ruleKey{tenant: p.TenantID, plant: plant, tag: p.Tag}]
}

// validateRule rejects rules the engine cannot evaluate
func validateRule(r models.AlarmRule) error {
	if !r.Operator.Valid() {
		return fmt.Errorf("unsupported operator %q", r.Operator)
	}
	if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
		return fmt.Errorf("threshold is not finite")
	}
	if r.ValueType == models.ValueTypeBoolean && r.Threshold != 0 && r.Threshold != 1 {
		return fmt.Errorf("boolean threshold must be 0 or 1, got %g", r.Threshold)
	}
	if r.TenantID == "" || r.Tag == "" {
		return fmt.Errorf("rule has no tenant or tag")
	}
	return nil
}

// Triggered reports whether observed crosses the rule threshold
func Triggered(r models.AlarmRule, observed float64) bool {
	switch r.Operator {
	case models.OpGTE:
		return observed >= r.Threshold
	case models.OpLTE:
		return observed <= r.Threshold
	case models.OpEQ:
		return observed == r.Threshold
	}
	return false
}

// cooldownTable remembers when each rule last notified. Only the consumer
// reserves; trigger tasks restore after a failed send.
type cooldownTable struct {
	mu   sync.Mutex
	last map[int64]time.Time
}

func newCooldownTable() *cooldownTable {
	return &cooldownTable{last: make(map[int64]time.Time)}
}

// seed stores at for rules never seen before
func (c *cooldownTable) seed(ruleID int64, at *time.Time) {
	if at == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.last[ruleID]; !ok {
		c.last[ruleID] = at.UTC()
	}
}

// reserve claims the notification slot of a rule at now. It returns the
// remaining cooldown when the slot is taken, otherwise the previous value
// to restore on failure.
func (c *cooldownTable) reserve(r models.AlarmRule, now time.Time) (remaining time.Duration, prev time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, seen := c.last[r.ID]
	if seen {
		remaining = time.Duration(r.CooldownSeconds)*time.Second - now.Sub(prev)
		if remaining > 0 {
			return remaining, prev, false
		}
	}
	c.last[r.ID] = now
	return 0, prev, true
}

// restore undoes a reservation unless a later one replaced it
func (c *cooldownTable) restore(ruleID int64, reserved, prev time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.last[ruleID]; !ok || !cur.Equal(reserved) {
		return
	}
	if prev.IsZero() {
		delete(c.last, ruleID)
		return
	}
	c.last[ruleID] = prev
}

func (c *cooldownTable) get(ruleID int64) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[ruleID]
	return t, ok
}

// prune drops rules that are no longer loaded
func (c *cooldownTable) prune(keep map[int64]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.last {
		if _, ok := keep[id]; !ok {
			delete(c.last, id)
		}
	}
}

// cooldownMessage is stored as the event error of a suppressed trigger
func cooldownMessage(remaining time.Duration) string {
	return fmt.Sprintf("cooldown active (%ds remaining)", int(remaining/time.Second))
}
