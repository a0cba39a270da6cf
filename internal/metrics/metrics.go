package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "omnichannel"

// Metrics holds all application collectors
type Metrics struct {
	// Agent event metrics
	eventsReceived   prometheus.Counter
	eventsProcessed  prometheus.Counter
	eventErrors      prometheus.Counter
	agentsByStatus   *prometheus.GaugeVec
	agentsConnected  prometheus.Gauge
	websocketConns   *prometheus.CounterVec
	websocketActive  prometheus.Gauge
	websocketMsgs    prometheus.Counter
	websocketErrors  prometheus.Counter
	activeConnsValue atomic.Int64

	// Aggregation metrics
	aggregationCycles   prometheus.Counter
	aggregationErrors   prometheus.Counter
	aggregationDuration prometheus.Histogram

	// Routing metrics
	roomsStarted        *prometheus.CounterVec
	inquiriesQueued     *prometheus.CounterVec
	inquiriesTaken      *prometheus.CounterVec
	inquiryWait         *prometheus.HistogramVec
	delegationConflicts prometheus.Counter
	noAgentOnline       prometheus.Counter
	capacityExceeded    prometheus.Counter
	queueDrainPromoted  prometheus.Counter
	queueDepth          *prometheus.GaugeVec
	serviceLevel        *prometheus.GaugeVec

	// Verification metrics
	verificationOutcomes *prometheus.CounterVec

	// Notifier metrics
	notifyFailures *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		eventsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_events_received_total",
			Help: "Agent events received over WebSocket",
		}),
		eventsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_events_processed_total",
			Help: "Agent events applied to the agent directory",
		}),
		eventErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_event_errors_total",
			Help: "Agent events that failed to process",
		}),
		agentsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "agents",
			Help: "Tracked agents by status",
		}, []string{"status"}),
		agentsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "agents_connected",
			Help: "Agents with a live WebSocket connection",
		}),
		websocketConns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "websocket_connections_total",
			Help: "WebSocket connection events",
		}, []string{"event"}),
		websocketActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "websocket_active_connections",
			Help: "Open WebSocket connections",
		}),
		websocketMsgs: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "websocket_messages_total",
			Help: "WebSocket messages sent",
		}),
		websocketErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "websocket_errors_total",
			Help: "WebSocket read or write errors",
		}),
		aggregationCycles: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "aggregation_cycles_total",
			Help: "Queue snapshot cycles",
		}),
		aggregationErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "aggregation_errors_total",
			Help: "Queue snapshot cycles that failed",
		}),
		aggregationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "aggregation_duration_seconds",
			Help:    "Time spent building a queue snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		roomsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rooms_started_total",
			Help: "Rooms created by requestRoom",
		}, []string{"department"}),
		inquiriesQueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inquiries_queued_total",
			Help: "Inquiries persisted as queued",
		}, []string{"department"}),
		inquiriesTaken: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inquiries_taken_total",
			Help: "Inquiries delegated to an agent",
		}, []string{"department"}),
		inquiryWait: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "inquiry_wait_seconds",
			Help:    "Time from inquiry creation to delegation",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"department"}),
		delegationConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "delegation_conflicts_total",
			Help: "Delegations that lost a conditional update race",
		}),
		noAgentOnline: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "no_agent_online_total",
			Help: "requestRoom calls rejected with no-agent-online",
		}),
		capacityExceeded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "capacity_exceeded_total",
			Help: "Inquiries held in the queue by the contact limit",
		}),
		queueDrainPromoted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_drain_promoted_total",
			Help: "Queued inquiries promoted by the drain worker",
		}),
		queueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Inquiries waiting per department and status",
		}, []string{"department", "status"}),
		serviceLevel: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "service_level_percent",
			Help: "Share of taken inquiries answered within the service level threshold",
		}, []string{"department"}),
		verificationOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "verification_outcomes_total",
			Help: "Verification transitions by outcome",
		}, []string{"outcome"}),
		notifyFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notify_failures_total",
			Help: "Event deliveries that failed per sink",
		}, []string{"sink"}),
		httpRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by endpoint and status",
		}, []string{"endpoint", "status"}),
		httpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

func departmentLabel(department string) string {
	if department == "" {
		return "global"
	}
	return department
}

// RecordEventReceived increments the events received counter
func (m *Metrics) RecordEventReceived() { m.eventsReceived.Inc() }

// RecordEventProcessed increments the events processed counter
func (m *Metrics) RecordEventProcessed() { m.eventsProcessed.Inc() }

// RecordEventError increments the event processing error counter
func (m *Metrics) RecordEventError() { m.eventErrors.Inc() }

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	m.websocketConns.WithLabelValues("connect").Inc()
	m.websocketActive.Inc()
	m.activeConnsValue.Add(1)
}

// RecordWebSocketDisconnect increments disconnection counter
func (m *Metrics) RecordWebSocketDisconnect() {
	m.websocketConns.WithLabelValues("disconnect").Inc()
	m.websocketActive.Dec()
	m.activeConnsValue.Add(-1)
}

// RecordWebSocketMessage increments message counter
func (m *Metrics) RecordWebSocketMessage() { m.websocketMsgs.Inc() }

// RecordWebSocketError increments WebSocket error counter
func (m *Metrics) RecordWebSocketError() { m.websocketErrors.Inc() }

// GetActiveConnections returns current WebSocket connections
func (m *Metrics) GetActiveConnections() int64 { return m.activeConnsValue.Load() }

// RecordAggregationCycle records an aggregation cycle
func (m *Metrics) RecordAggregationCycle(duration time.Duration) {
	m.aggregationCycles.Inc()
	m.aggregationDuration.Observe(duration.Seconds())
}

// RecordAggregationError increments aggregation error counter
func (m *Metrics) RecordAggregationError() { m.aggregationErrors.Inc() }

// UpdateAgentStats updates agent distribution gauges
func (m *Metrics) UpdateAgentStats(agents []types.AgentInfo) {
	counts := map[types.AgentStatus]int{
		types.AgentOnline: 0, types.AgentAway: 0, types.AgentBusy: 0, types.AgentOffline: 0,
	}
	connected := 0
	for _, agent := range agents {
		counts[agent.Status]++
		if agent.ConnectionStatus == types.StatusConnected {
			connected++
		}
	}
	for status, n := range counts {
		m.agentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	m.agentsConnected.Set(float64(connected))
}

// UpdateQueueDepth publishes the latest queue snapshot
func (m *Metrics) UpdateQueueDepth(queues []types.QueueSnapshot) {
	for _, q := range queues {
		dept := departmentLabel(q.Department)
		m.queueDepth.WithLabelValues(dept, string(types.InquiryQueued)).Set(float64(q.Queued))
		m.queueDepth.WithLabelValues(dept, string(types.InquiryReady)).Set(float64(q.Ready))
		if q.ServiceLevel != nil {
			m.serviceLevel.WithLabelValues(dept).Set(q.ServiceLevel.CurrentSL)
		}
	}
}

// RecordRoomStarted counts a room created for a new contact
func (m *Metrics) RecordRoomStarted(department string) {
	m.roomsStarted.WithLabelValues(departmentLabel(department)).Inc()
}

// RecordInquiryQueued counts an inquiry left in the queue
func (m *Metrics) RecordInquiryQueued(department string) {
	m.inquiriesQueued.WithLabelValues(departmentLabel(department)).Inc()
}

// RecordInquiryTaken counts a delegation and its wait time
func (m *Metrics) RecordInquiryTaken(department string, wait time.Duration) {
	dept := departmentLabel(department)
	m.inquiriesTaken.WithLabelValues(dept).Inc()
	m.inquiryWait.WithLabelValues(dept).Observe(wait.Seconds())
}

// RecordDelegationConflict counts a lost take or servedBy race
func (m *Metrics) RecordDelegationConflict() { m.delegationConflicts.Inc() }

// RecordNoAgentOnline counts a rejected requestRoom
func (m *Metrics) RecordNoAgentOnline() { m.noAgentOnline.Inc() }

// RecordCapacityExceeded counts an inquiry held by the contact limit
func (m *Metrics) RecordCapacityExceeded() { m.capacityExceeded.Inc() }

// RecordQueueDrain counts inquiries promoted by one drain pass
func (m *Metrics) RecordQueueDrain(promoted int) { m.queueDrainPromoted.Add(float64(promoted)) }

// RecordVerification counts a verification outcome (code_sent, email_saved, wrong_input, succeeded, failed)
func (m *Metrics) RecordVerification(outcome string) {
	m.verificationOutcomes.WithLabelValues(outcome).Inc()
}

// RecordNotifyFailure counts a failed event delivery
func (m *Metrics) RecordNotifyFailure(sink string) { m.notifyFailures.WithLabelValues(sink).Inc() }

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int, duration time.Duration) {
	m.httpRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
