package integration_tests

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/yaron8/sysmon-collector/collector/aggregation"
	"github.com/yaron8/sysmon-collector/collector/config"
	"github.com/yaron8/sysmon-collector/collector/service"
	"github.com/yaron8/sysmon-collector/collector/store"
	"github.com/yaron8/sysmon-collector/generator/metrics"
	"github.com/yaron8/sysmon-collector/generator/pusher"
)

const (
	apiKey      = "integration-key"
	fleetSize   = 8
	historySize = 5
	staleAfter  = 60 * time.Second
)

// IntegrationTestSuite runs a collector in process and feeds it from the
// simulated fleet over real HTTP.
type IntegrationTestSuite struct {
	suite.Suite

	server *httptest.Server
	client *http.Client
	fleet  *metrics.Fleet
	pusher *pusher.Pusher

	clockMu sync.Mutex
	now     time.Time
}

// SetupTest gives every test a fresh collector
func (s *IntegrationTestSuite) SetupTest() {
	s.now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	cfg := &config.Config{
		IngestAPIKey: apiKey,
		Aggregation:  config.AggregationConfig{DetailHistoryLimit: 50},
	}

	st := store.NewStore(historySize)
	aggregator := aggregation.NewService(st, aggregation.Config{StaleAfter: staleAfter},
		aggregation.WithClock(s.clock))

	s.server = httptest.NewServer(service.NewAPIServer(cfg, aggregator, nil).Handler())
	s.client = s.server.Client()
	s.client.Timeout = 5 * time.Second

	s.fleet = metrics.NewFleet(fleetSize, 2026)
	s.pusher = pusher.NewPusher(s.client, s.server.URL, apiKey, 4)
}

func (s *IntegrationTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *IntegrationTestSuite) clock() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.now
}

func (s *IntegrationTestSuite) advance(d time.Duration) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	s.now = s.now.Add(d)
}

// pushFleet ticks the fleet once and pushes every payload
func (s *IntegrationTestSuite) pushFleet() {
	res, err := s.pusher.PushAll(s.T().Context(), s.fleet.Tick(s.clock()))
	s.Require().NoError(err)
	s.Require().Equal(fleetSize, res.Accepted, "collector rejected part of the fleet")
}

// getJSON fetches path and decodes the body into v, returning the status code
func (s *IntegrationTestSuite) getJSON(path string, v any) int {
	resp, err := s.client.Get(s.server.URL + path)
	s.Require().NoError(err, "Failed to make request to %s", path)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err, "Failed to read response body")

	if v != nil {
		s.Require().NoError(json.Unmarshal(body, v), "Failed to parse JSON response: %s", body)
	}

	return resp.StatusCode
}
