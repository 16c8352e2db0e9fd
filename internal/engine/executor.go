package engine

import (
	"context"
	"time"

	"scadabridge/internal/models"
	"scadabridge/internal/notifier"
)

const (
	notifyTimeout = 30 * time.Second
	storeTimeout  = 10 * time.Second
)

// trigger decides between notifying and suppressing, then hands the slow
// part to a task. It runs on the consumer goroutine.
func (e *Engine) trigger(ctx context.Context, rule models.AlarmRule, p models.TrendPoint) {
	at := e.triggeredAt(rule.ID)
	ev := models.AlarmEvent{
		RuleID:        rule.ID,
		TenantID:      rule.TenantID,
		PlantID:       rule.PlantID,
		Tag:           rule.Tag,
		ObservedValue: p.Value,
		Operator:      rule.Operator,
		Threshold:     rule.Threshold,
		TriggeredAt:   at,
	}

	remaining, prev, ok := e.cooldowns.reserve(rule, at)
	if !ok {
		msg := cooldownMessage(remaining)
		ev.EmailError = &msg
		e.metrics.AlarmTriggered("suppressed")
		e.logger.Debug().Int64("rule_id", rule.ID).Dur("remaining", remaining).Msg("Alarm suppressed by cooldown")
		e.tasks.Go(func() error {
			e.record(ctx, ev)
			return nil
		})
		return
	}

	alert := notifier.Alert{
		TenantID:    rule.TenantID,
		PlantID:     rule.PlantID,
		Tag:         rule.Tag,
		Operator:    rule.Operator,
		Threshold:   rule.Threshold,
		Observed:    p.Value,
		TriggeredAt: at,
		Recipient:   rule.NotifyEmail,
	}
	e.tasks.Go(func() error {
		e.notify(ctx, alert, ev, prev)
		return nil
	})
}

// notify sends the alert and records the outcome. A failed send gives the
// cooldown slot back.
func (e *Engine) notify(ctx context.Context, alert notifier.Alert, ev models.AlarmEvent, prev time.Time) {
	sent, errMsg := e.send(ctx, alert)
	if sent {
		notified := ev.TriggeredAt
		ev.EmailSent = true
		ev.NotifiedAt = &notified
		e.metrics.AlarmTriggered("sent")
		e.logger.Info().Int64("rule_id", ev.RuleID).Str("tenant", ev.TenantID).Str("tag", ev.Tag).
			Float64("observed", ev.ObservedValue).Msg("Alarm notification sent")
	} else {
		e.cooldowns.restore(ev.RuleID, ev.TriggeredAt, prev)
		ev.EmailError = &errMsg
		e.metrics.AlarmTriggered("failed")
		e.logger.Warn().Int64("rule_id", ev.RuleID).Str("error", errMsg).Msg("Alarm notification failed")
	}
	e.record(ctx, ev)
}

func (e *Engine) send(ctx context.Context, alert notifier.Alert) (sent bool, errMsg string) {
	if e.notifier == nil {
		return false, "notifier not configured"
	}
	defer func() {
		if r := recover(); r != nil {
			sent, errMsg = false, "notifier panic"
			e.logger.Error().Interface("panic", r).Msg("Recovered notifier panic")
		}
	}()
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := e.sends.Acquire(notifyCtx, 1); err != nil {
		return false, "no notification slot: " + err.Error()
	}
	defer e.sends.Release(1)
	return e.notifier.Notify(notifyCtx, alert)
}

// record persists the event and stamps the rule. Writes are detached from
// cancellation so shutdown never leaves half an audit trail.
func (e *Engine) record(ctx context.Context, ev models.AlarmEvent) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	id, err := e.store.InsertEvent(storeCtx, ev)
	if err != nil {
		e.logger.Error().Err(err).Int64("rule_id", ev.RuleID).Msg("Failed to record alarm event")
		return
	}
	if err := e.store.UpdateRuleLastTriggered(storeCtx, ev.RuleID, ev.TriggeredAt); err != nil {
		e.logger.Error().Err(err).Int64("rule_id", ev.RuleID).Int64("event_id", id).Msg("Failed to update rule last trigger")
	}
}
