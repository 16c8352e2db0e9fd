package db

import (
	"context"
	"time"

	"scadabridge/internal/models"

	"github.com/jackc/pgx/v5"
)

// DefaultPlantID is stored for rows whose plant is unknown
const DefaultPlantID = "default"

// lastNotifiedSubquery is the newest successful notification of a rule. It
// seeds the cooldown after a restart; last_triggered_at also moves on
// suppressed and failed triggers, so it cannot.
const lastNotifiedSubquery = `
		SELECT MAX(ev.notified_at) FROM alarm_events ev
		WHERE ev.rule_id = alarm_rules.id AND ev.email_sent = TRUE`

const (
	activeRulesWithPlant = `
		SELECT id, empresa_id, COALESCE(planta_id, ''), tag, operator, threshold_value,
		       COALESCE(value_type, 'number'), notify_email, COALESCE(cooldown_seconds, 300),
		       active, last_triggered_at, (` + lastNotifiedSubquery + `)
		FROM alarm_rules
		WHERE active = TRUE`
	activeRulesTenantOnly = `
		SELECT id, empresa_id, NULL::text, tag, operator, threshold_value,
		       COALESCE(value_type, 'number'), notify_email, COALESCE(cooldown_seconds, 300),
		       active, last_triggered_at, (` + lastNotifiedSubquery + `)
		FROM alarm_rules
		WHERE active = TRUE`
)

// ListActiveRules fetches every active alarm rule. Rules without a plant get
// DefaultPlantID.
func (d *DB) ListActiveRules(ctx context.Context) ([]models.AlarmRule, error) {
	withPlant, err := d.hasColumn(ctx, "alarm_rules", "planta_id")
	if err != nil {
		return nil, err
	}
	query := activeRulesTenantOnly
	if withPlant {
		query = activeRulesWithPlant
	}

	rows, err := d.q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.AlarmRule
	for rows.Next() {
		var r models.AlarmRule
		var plant *string
		var op string
		if err := rows.Scan(&r.ID, &r.TenantID, &plant, &r.Tag, &op, &r.Threshold,
			&r.ValueType, &r.NotifyEmail, &r.CooldownSeconds, &r.Active, &r.LastTriggeredAt, &r.LastNotifiedAt); err != nil {
			return nil, err
		}
		r.Operator = models.AlarmOperator(op)
		r.PlantID = DefaultPlantID
		if plant != nil && *plant != "" {
			r.PlantID = *plant
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// InsertEvent records one rule trigger and returns its id
func (d *DB) InsertEvent(ctx context.Context, ev models.AlarmEvent) (int64, error) {
	withPlant, err := d.hasColumn(ctx, "alarm_events", "planta_id")
	if err != nil {
		return 0, err
	}

	var id int64
	if withPlant {
		plant := ev.PlantID
		if plant == "" {
			plant = DefaultPlantID
		}
		err = d.q.QueryRow(ctx, `
			INSERT INTO alarm_events (rule_id, empresa_id, planta_id, tag, observed_value, operator,
			                          threshold_value, email_sent, email_error, triggered_at, notified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			ev.RuleID, ev.TenantID, plant, ev.Tag, ev.ObservedValue, string(ev.Operator),
			ev.Threshold, ev.EmailSent, ev.EmailError, ev.TriggeredAt, ev.NotifiedAt).Scan(&id)
	} else {
		err = d.q.QueryRow(ctx, `
			INSERT INTO alarm_events (rule_id, empresa_id, tag, observed_value, operator,
			                          threshold_value, email_sent, email_error, triggered_at, notified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id`,
			ev.RuleID, ev.TenantID, ev.Tag, ev.ObservedValue, string(ev.Operator),
			ev.Threshold, ev.EmailSent, ev.EmailError, ev.TriggeredAt, ev.NotifiedAt).Scan(&id)
	}
	return id, err
}

// UpdateRuleLastTriggered stamps a rule with its latest trigger time
func (d *DB) UpdateRuleLastTriggered(ctx context.Context, ruleID int64, at time.Time) error {
	_, err := d.q.Exec(ctx, "UPDATE alarm_rules SET last_triggered_at = $2, updated_at = $2 WHERE id = $1", ruleID, at)
	return err
}

// InsertTrendPoints writes points in one batch round trip
func (d *DB) InsertTrendPoints(ctx context.Context, points []models.TrendPoint) error {
	if len(points) == 0 {
		return nil
	}
	withPlant, err := d.hasColumn(ctx, "trends", "planta_id")
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		if withPlant {
			plant := p.PlantID
			if plant == "" {
				plant = DefaultPlantID
			}
			batch.Queue("INSERT INTO trends (empresa_id, planta_id, tag, timestamp, valor) VALUES ($1, $2, $3, $4, $5)",
				p.TenantID, plant, p.Tag, p.Timestamp, p.Value)
		} else {
			batch.Queue("INSERT INTO trends (empresa_id, tag, timestamp, valor) VALUES ($1, $2, $3, $4)",
				p.TenantID, p.Tag, p.Timestamp, p.Value)
		}
	}

	br := d.q.SendBatch(ctx, batch)
	defer br.Close()
	for range points {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTrendsTable creates the trends table when the database has none
func (d *DB) EnsureTrendsTable(ctx context.Context) error {
	_, err := d.q.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trends (
			id          BIGSERIAL PRIMARY KEY,
			empresa_id  TEXT NOT NULL,
			planta_id   TEXT NOT NULL DEFAULT 'default',
			tag         TEXT NOT NULL,
			timestamp   TIMESTAMPTZ NOT NULL,
			valor       DOUBLE PRECISION NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	_, err = d.q.Exec(ctx, "CREATE INDEX IF NOT EXISTS trends_empresa_tag_ts_idx ON trends (empresa_id, tag, timestamp DESC)")
	return err
}
