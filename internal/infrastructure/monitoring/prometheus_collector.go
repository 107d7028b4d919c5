package monitoring

import (
	"castrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.RelayMetrics.
type PrometheusCollector struct {
	roomsActive       prometheus.Gauge
	roomsCreatedTotal prometheus.Counter

	participantsActive *prometheus.GaugeVec

	messagesRoutedTotal  *prometheus.CounterVec
	messagesDroppedTotal *prometheus.CounterVec

	presenceExpiriesTotal prometheus.Counter

	negotiationDuration prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "castrelay_rooms_active",
			Help: "Number of currently registered rooms",
		}),

		roomsCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_rooms_created_total",
			Help: "Total number of rooms ever created",
		}),

		participantsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "castrelay_participants_active",
			Help: "Number of participants currently in rooms",
		}, []string{"role"}),

		messagesRoutedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_messages_routed_total",
			Help: "Total signaling messages delivered, by kind",
		}, []string{"kind"}),

		messagesDroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "castrelay_messages_dropped_total",
			Help: "Total signaling messages dropped for unreachable targets, by kind",
		}, []string{"kind"}),

		presenceExpiriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "castrelay_presence_expiries_total",
			Help: "Total rooms torn down after host presence expiry",
		}),

		negotiationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "castrelay_negotiation_duration_seconds",
			Help:    "Duration of offer/answer exchanges",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) RecordRoomCreated() {
	p.roomsCreatedTotal.Inc()
	p.roomsActive.Inc()
}

func (p *PrometheusCollector) RecordRoomClosed() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) RecordParticipantJoined(role domain.Role) {
	p.participantsActive.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) RecordParticipantLeft(role domain.Role) {
	p.participantsActive.WithLabelValues(string(role)).Dec()
}

func (p *PrometheusCollector) RecordMessageRouted(kind domain.MessageKind) {
	p.messagesRoutedTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordMessageDropped(kind domain.MessageKind) {
	p.messagesDroppedTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordPresenceExpiry() {
	p.presenceExpiriesTotal.Inc()
}

// RecordNegotiationDuration feeds the offer/answer latency histogram.
func (p *PrometheusCollector) RecordNegotiationDuration(seconds float64) {
	p.negotiationDuration.Observe(seconds)
}
