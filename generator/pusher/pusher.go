// Package pusher posts generated payloads to the collector's ingest endpoint.
package pusher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yaron8/sysmon-collector/logi"
	"github.com/yaron8/sysmon-collector/telemetrics"
)

const ingestPath = "/api/metrics/ingest"

type Pusher struct {
	client      *http.Client
	ingestURL   string
	apiKey      string
	concurrency int
	logger      zerolog.Logger
}

// PushResult counts the outcome of one PushAll call.
type PushResult struct {
	Accepted int
	Rejected int
}

// NewPusher builds a pusher for the collector at baseURL. A nil client gets a
// default one with a 5s timeout.
func NewPusher(client *http.Client, baseURL, apiKey string, concurrency int) *Pusher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Pusher{
		client:      client,
		ingestURL:   strings.TrimRight(baseURL, "/") + ingestPath,
		apiKey:      apiKey,
		concurrency: concurrency,
		logger:      logi.WithComponent("pusher"),
	}
}

// Push sends a single payload and returns an error unless the collector
// answered 200.
func (p *Pusher) Push(ctx context.Context, payload telemetrics.IngestPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", payload.DeviceID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ingestURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push metrics for %s: %w", payload.DeviceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("collector rejected %s: status %d: %s",
			payload.DeviceID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

// PushAll sends every payload with bounded concurrency. Per-payload failures
// are logged and counted; only a cancelled ctx returns an error.
func (p *Pusher) PushAll(ctx context.Context, payloads []telemetrics.IngestPayload) (PushResult, error) {
	var accepted, rejected atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, payload := range payloads {
		g.Go(func() error {
			if err := p.Push(gctx, payload); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				rejected.Add(1)
				p.logger.Warn().Err(err).Str("device_id", payload.DeviceID).Msg("Push failed")
				return nil
			}
			accepted.Add(1)
			return nil
		})
	}

	err := g.Wait()

	return PushResult{Accepted: int(accepted.Load()), Rejected: int(rejected.Load())}, err
}
