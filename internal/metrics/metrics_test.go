package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRecordersAreNoops(t *testing.T) {
	var p *Player
	var s *Server
	assert.NotPanics(t, func() {
		p.ObserveTransition("idle", "loading")
		p.IncFault("network")
		p.ObserveSegment("720p", 10)
		p.SetBandwidth(1)
		p.SetBuffer(1)
		p.ObserveHeartbeat(false)
		p.IncReconnect()
		s.ObserveRequest(200)
		s.AddConnections(1)
		s.IncChat()
		s.IncChatDropped()
		s.IncHeartbeat()
		s.IncPoll("launched")
		s.IncVote()
	})
}

func TestPlayerHandlerExposesCollectors(t *testing.T) {
	p := NewPlayer()
	p.ObserveTransition("idle", "loading")
	p.IncFault("network")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `player_state_transitions_total{from="idle",to="loading"} 1`)
	assert.Contains(t, rec.Body.String(), `player_faults_total{kind="network"} 1`)
}

func TestServerHandlerExposesCollectors(t *testing.T) {
	s := NewServer()
	s.ObserveRequest(404)
	s.AddConnections(2)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Contains(t, rec.Body.String(), `streamcast_http_requests_total{class="4xx"} 1`)
	assert.Contains(t, rec.Body.String(), "streamcast_ws_connections 2")
}
