// Package dbsync keeps the gateway's credential cache aligned with the
// cloud. It polls the sync endpoint on an interval, compares content
// versions via the X-DB-Version header, and applies full snapshots
// atomically through the store. A trigger channel lets the cloud
// transport force an immediate sync.
package dbsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatehaven/platform/internal/store"
)

// VersionHeader carries the gateway's current snapshot version.
const VersionHeader = "X-DB-Version"

// Config holds sync client configuration.
type Config struct {
	BaseURL   string // cloud API base URL (https://api.example.com)
	GatewayID string

	Interval    time.Duration // poll interval
	HTTPTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		HTTPTimeout: 10 * time.Second,
	}
}

// Applier is the store-side surface the client drives.
type Applier interface {
	Version() string
	ApplySnapshot(snap store.Snapshot, version string) error
}

// Stats summarizes an applied snapshot.
type Stats struct {
	PasswordsCount int `json:"passwords_count"`
	RFIDCardsCount int `json:"rfid_cards_count"`
	DevicesCount   int `json:"devices_count"`
}

type syncResponse struct {
	GatewayID   string          `json:"gateway_id"`
	Version     string          `json:"version"`
	Timestamp   string          `json:"timestamp"`
	NeedsUpdate bool            `json:"needs_update"`
	Database    *store.Snapshot `json:"database,omitempty"`
	Stats       *Stats          `json:"stats,omitempty"`
}

// Client polls the cloud sync endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
	store      Applier
	logger     *zap.SugaredLogger

	trigger  chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	onApplied func(version string, stats Stats)
	failures  int
}

// New creates a sync client bound to the given store.
func New(config Config, applier Applier, logger *zap.SugaredLogger) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.HTTPTimeout},
		store:      applier,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}
}

// SetAppliedCallback registers a callback invoked after a snapshot is
// applied.
func (c *Client) SetAppliedCallback(cb func(version string, stats Stats)) {
	c.mu.Lock()
	c.onApplied = cb
	c.mu.Unlock()
}

// Start launches the polling loop.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop terminates the polling loop.
func (c *Client) Stop() {
	close(c.stopChan)
	c.wg.Wait()
}

// Trigger requests an immediate sync; coalesces if one is pending.
func (c *Client) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}

		if _, err := c.SyncOnce(ctx); err != nil {
			c.mu.Lock()
			c.failures++
			n := c.failures
			c.mu.Unlock()
			// Errors back off one tick; escalate after repeats.
			if n%10 == 1 {
				c.logger.Warnw("sync failed", "error", err, "consecutive", n)
			}
			continue
		}
		c.mu.Lock()
		c.failures = 0
		c.mu.Unlock()
	}
}

// SyncOnce performs one version check and applies a snapshot if the
// server reports a mismatch. Returns whether an update was applied.
func (c *Client) SyncOnce(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s/api/sync/database/%s", c.config.BaseURL, c.config.GatewayID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(VersionHeader, c.store.Version())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("sync request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("sync status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var sr syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return false, fmt.Errorf("decode sync response: %w", err)
	}

	if !sr.NeedsUpdate {
		return false, nil
	}
	if sr.Database == nil {
		return false, fmt.Errorf("needs_update without database payload")
	}

	if err := c.store.ApplySnapshot(*sr.Database, sr.Version); err != nil {
		return false, fmt.Errorf("apply snapshot: %w", err)
	}

	var stats Stats
	if sr.Stats != nil {
		stats = *sr.Stats
	} else {
		stats = Stats{
			PasswordsCount: len(sr.Database.Passwords),
			RFIDCardsCount: len(sr.Database.RFIDCards),
			DevicesCount:   len(sr.Database.Devices),
		}
	}
	c.logger.Infow("sync applied",
		"version", sr.Version,
		"passwords", stats.PasswordsCount,
		"rfid_cards", stats.RFIDCardsCount,
		"devices", stats.DevicesCount)

	c.mu.Lock()
	cb := c.onApplied
	c.mu.Unlock()
	if cb != nil {
		cb(sr.Version, stats)
	}
	return true, nil
}

// PostHeartbeat reports liveness over REST when the MQTT heartbeat
// cannot reach the cloud.
func (c *Client) PostHeartbeat(ctx context.Context, uptime time.Duration) error {
	payload, err := json.Marshal(map[string]interface{}{
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(uptime / time.Second),
	})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	url := fmt.Sprintf("%s/api/sync/heartbeat/%s", c.config.BaseURL, c.config.GatewayID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("heartbeat status %d", resp.StatusCode)
	}
	return nil
}
