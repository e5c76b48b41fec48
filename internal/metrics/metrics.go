// Package metrics holds the Prometheus collectors for the player and the backend.
// Every recorder method is safe on a nil receiver so components can run unmetered.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Player holds playback-side counters and gauges.
type Player struct {
	registry          *prometheus.Registry
	transitionsTotal  *prometheus.CounterVec
	faultsTotal       *prometheus.CounterVec
	segmentsTotal     *prometheus.CounterVec
	segmentBytesTotal prometheus.Counter
	bandwidth         prometheus.Gauge
	bufferSeconds     prometheus.Gauge
	heartbeatsTotal   *prometheus.CounterVec
	reconnectsTotal   prometheus.Counter
}

// NewPlayer creates and registers the player metrics on their own registry.
func NewPlayer() *Player {
	registry := prometheus.NewRegistry()

	transitionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_state_transitions_total",
		Help: "Playback state transitions",
	}, []string{"from", "to"})
	faultsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_faults_total",
		Help: "Classified faults seen by the player",
	}, []string{"kind"})
	segmentsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_segments_fetched_total",
		Help: "Segments fetched per rendition",
	}, []string{"rendition"})
	segmentBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_segment_bytes_total",
		Help: "Bytes of media downloaded",
	})
	bandwidth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "player_estimated_bandwidth_bps",
		Help: "Current adaptive bitrate bandwidth estimate",
	})
	bufferSeconds := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "player_buffer_seconds",
		Help: "Media buffered ahead of the play-head",
	})
	heartbeatsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "player_heartbeats_total",
		Help: "Presence heartbeats by result",
	}, []string{"result"})
	reconnectsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "player_channel_reconnects_total",
		Help: "Engagement channel reconnect attempts",
	})

	registry.MustRegister(
		transitionsTotal,
		faultsTotal,
		segmentsTotal,
		segmentBytesTotal,
		bandwidth,
		bufferSeconds,
		heartbeatsTotal,
		reconnectsTotal,
	)

	return &Player{
		registry:          registry,
		transitionsTotal:  transitionsTotal,
		faultsTotal:       faultsTotal,
		segmentsTotal:     segmentsTotal,
		segmentBytesTotal: segmentBytesTotal,
		bandwidth:         bandwidth,
		bufferSeconds:     bufferSeconds,
		heartbeatsTotal:   heartbeatsTotal,
		reconnectsTotal:   reconnectsTotal,
	}
}

// ObserveTransition counts a state change.
func (m *Player) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// IncFault counts a classified fault.
func (m *Player) IncFault(kind string) {
	if m == nil {
		return
	}
	m.faultsTotal.WithLabelValues(kind).Inc()
}

// ObserveSegment records one fetched segment.
func (m *Player) ObserveSegment(rendition string, bytes int64) {
	if m == nil {
		return
	}
	m.segmentsTotal.WithLabelValues(rendition).Inc()
	m.segmentBytesTotal.Add(float64(bytes))
}

// SetBandwidth sets the bandwidth estimate gauge.
func (m *Player) SetBandwidth(bps float64) {
	if m == nil {
		return
	}
	m.bandwidth.Set(bps)
}

// SetBuffer sets the buffer health gauge.
func (m *Player) SetBuffer(seconds float64) {
	if m == nil {
		return
	}
	m.bufferSeconds.Set(seconds)
}

// ObserveHeartbeat counts a heartbeat send by outcome.
func (m *Player) ObserveHeartbeat(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.heartbeatsTotal.WithLabelValues(result).Inc()
}

// IncReconnect counts an engagement reconnect attempt.
func (m *Player) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// Handler serves the player registry.
func (m *Player) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server holds backend counters and gauges.
type Server struct {
	registry          *prometheus.Registry
	requestsTotal     *prometheus.CounterVec
	wsConnections     prometheus.Gauge
	chatMessagesTotal prometheus.Counter
	chatDroppedTotal  prometheus.Counter
	heartbeatsTotal   prometheus.Counter
	pollsTotal        *prometheus.CounterVec
	votesTotal        prometheus.Counter
}

// NewServer creates and registers the backend metrics.
func NewServer() *Server {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcast_http_requests_total",
		Help: "HTTP requests by status class",
	}, []string{"class"})
	wsConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamcast_ws_connections",
		Help: "Open realtime websocket connections",
	})
	chatMessagesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcast_chat_messages_total",
		Help: "Chat messages accepted and broadcast",
	})
	chatDroppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcast_chat_messages_dropped_total",
		Help: "Chat messages rejected by validation or rate limiting",
	})
	heartbeatsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcast_heartbeats_total",
		Help: "Presence heartbeats received",
	})
	pollsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcast_polls_total",
		Help: "Poll lifecycle events",
	}, []string{"event"})
	votesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcast_poll_votes_total",
		Help: "Poll votes recorded",
	})

	registry.MustRegister(
		requestsTotal,
		wsConnections,
		chatMessagesTotal,
		chatDroppedTotal,
		heartbeatsTotal,
		pollsTotal,
		votesTotal,
	)

	return &Server{
		registry:          registry,
		requestsTotal:     requestsTotal,
		wsConnections:     wsConnections,
		chatMessagesTotal: chatMessagesTotal,
		chatDroppedTotal:  chatDroppedTotal,
		heartbeatsTotal:   heartbeatsTotal,
		pollsTotal:        pollsTotal,
		votesTotal:        votesTotal,
	}
}

// ObserveRequest counts a response by status class ("2xx", "4xx", ...).
func (m *Server) ObserveRequest(status int) {
	if m == nil {
		return
	}
	class := "5xx"
	switch {
	case status < 300:
		class = "2xx"
	case status < 400:
		class = "3xx"
	case status < 500:
		class = "4xx"
	}
	m.requestsTotal.WithLabelValues(class).Inc()
}

// AddConnections moves the open websocket gauge by delta.
func (m *Server) AddConnections(delta int) {
	if m == nil {
		return
	}
	m.wsConnections.Add(float64(delta))
}

// IncChat counts a broadcast chat message.
func (m *Server) IncChat() {
	if m == nil {
		return
	}
	m.chatMessagesTotal.Inc()
}

// IncChatDropped counts a rejected chat message.
func (m *Server) IncChatDropped() {
	if m == nil {
		return
	}
	m.chatDroppedTotal.Inc()
}

// IncHeartbeat counts a received heartbeat.
func (m *Server) IncHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeatsTotal.Inc()
}

// IncPoll counts a poll lifecycle event ("launched", "closed", "expired").
func (m *Server) IncPoll(event string) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(event).Inc()
}

// IncVote counts a recorded vote.
func (m *Server) IncVote() {
	if m == nil {
		return
	}
	m.votesTotal.Inc()
}

// Handler serves the backend registry.
func (m *Server) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
