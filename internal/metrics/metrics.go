// Package metrics holds the Prometheus instruments of the bridge. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scadabridge"

// Metrics holds Prometheus metrics for the ingestion and delivery paths
type Metrics struct {
	registry *prometheus.Registry

	mqttReceived    *prometheus.CounterVec
	mqttDropped     *prometheus.CounterVec
	brokerConnected *prometheus.GaugeVec
	brokerFallbacks *prometheus.CounterVec

	wsSessions  prometheus.Gauge
	wsDelivered prometheus.Counter
	wsEvicted   prometheus.Counter

	pointsIngested prometheus.Counter
	pointsDropped  *prometheus.CounterVec
	pointsStored   prometheus.Counter

	alarmTriggers   *prometheus.CounterVec
	alarmQueueDepth prometheus.Gauge
	alarmRules      prometheus.Gauge
}

// New creates the metrics and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mqttReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mqtt_messages_received_total",
			Help: "Inbound MQTT messages by broker profile",
		}, []string{"broker"}),
		mqttDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mqtt_messages_dropped_total",
			Help: "Inbound MQTT messages dropped because the dispatch queue was full",
		}, []string{"broker"}),
		brokerConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "broker_connected",
			Help: "1 when the broker profile is connected",
		}, []string{"broker"}),
		brokerFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broker_fallbacks_total",
			Help: "Requests for unknown broker keys served by the default profile",
		}, []string{"requested"}),
		wsSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_sessions",
			Help: "Registered WebSocket sessions",
		}),
		wsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_messages_delivered_total",
			Help: "Broadcast frames written to WebSocket sessions",
		}),
		wsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_sessions_evicted_total",
			Help: "Sessions evicted after a failed or slow delivery",
		}),
		pointsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "trend_points_ingested_total",
			Help: "Trend points parsed from MQTT messages",
		}),
		pointsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trend_points_dropped_total",
			Help: "Trend points dropped by reason",
		}, []string{"reason"}),
		pointsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "trend_points_stored_total",
			Help: "Trend points written to storage",
		}),
		alarmTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alarm_triggers_total",
			Help: "Alarm rule triggers by outcome",
		}, []string{"outcome"}),
		alarmQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "alarm_queue_depth",
			Help: "Points waiting for alarm evaluation",
		}),
		alarmRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "alarm_rules_loaded",
			Help: "Active alarm rules in the evaluation index",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.mqttReceived, m.mqttDropped, m.brokerConnected, m.brokerFallbacks,
		m.wsSessions, m.wsDelivered, m.wsEvicted,
		m.pointsIngested, m.pointsDropped, m.pointsStored,
		m.alarmTriggers, m.alarmQueueDepth, m.alarmRules,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageReceived(broker string) {
	if m != nil {
		m.mqttReceived.WithLabelValues(broker).Inc()
	}
}

func (m *Metrics) MessageDropped(broker string) {
	if m != nil {
		m.mqttDropped.WithLabelValues(broker).Inc()
	}
}

func (m *Metrics) BrokerConnected(broker string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.brokerConnected.WithLabelValues(broker).Set(v)
}

func (m *Metrics) BrokerFallback(requested string) {
	if m != nil {
		m.brokerFallbacks.WithLabelValues(requested).Inc()
	}
}

func (m *Metrics) SessionsActive(n int) {
	if m != nil {
		m.wsSessions.Set(float64(n))
	}
}

func (m *Metrics) Delivered(n int) {
	if m != nil {
		m.wsDelivered.Add(float64(n))
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil {
		m.wsEvicted.Add(float64(n))
	}
}

func (m *Metrics) PointIngested() {
	if m != nil {
		m.pointsIngested.Inc()
	}
}

// PointDropped counts a dropped point. reason is one of parse, alarm_queue,
// writer_queue or storage.
func (m *Metrics) PointDropped(reason string) {
	if m != nil {
		m.pointsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) PointsStored(n int) {
	if m != nil {
		m.pointsStored.Add(float64(n))
	}
}

// AlarmTriggered counts a trigger. outcome is sent, suppressed or failed.
func (m *Metrics) AlarmTriggered(outcome string) {
	if m != nil {
		m.alarmTriggers.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) AlarmQueueDepth(n int) {
	if m != nil {
		m.alarmQueueDepth.Set(float64(n))
	}
}

func (m *Metrics) AlarmRulesLoaded(n int) {
	if m != nil {
		m.alarmRules.Set(float64(n))
	}
}
