package vitrinasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Vitrina HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Shop represents the API shop model (partial).
type Shop struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Plan        string `json:"plan"`
	Status      string `json:"status"`
	StreamQuota int    `json:"stream_quota"`
	ReelQuota   int    `json:"reel_quota"`
}

// QuotaSnapshot is one resource window of a shop's wallet.
type QuotaSnapshot struct {
	ShopID        string `json:"shop_id"`
	Resource      string `json:"resource"`
	WindowKey     string `json:"window_key"`
	WindowCount   int    `json:"window_count"`
	BaseLimit     int    `json:"base_limit"`
	BaseUsed      int    `json:"base_used"`
	BaseRemaining int    `json:"base_remaining"`
	ExtraBalance  int    `json:"extra_balance"`
}

// Quota pairs the live and reel snapshots.
type Quota struct {
	Live QuotaSnapshot `json:"live"`
	Reel QuotaSnapshot `json:"reel"`
}

// Stream represents the API stream model (partial).
type Stream struct {
	ID          string `json:"id"`
	ShopID      string `json:"shop_id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	ScheduledAt string `json:"scheduled_at"`
	Hidden      bool   `json:"hidden"`
}

// Reel represents the API reel model.
type Reel struct {
	ID        string `json:"id"`
	ShopID    string `json:"shop_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// Report represents a viewer report against a stream.
type Report struct {
	ID        string `json:"id"`
	StreamID  string `json:"stream_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ShopID     string         `json:"shop_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// SanctionsReport summarizes one sanctions sweep.
type SanctionsReport struct {
	RunID          string `json:"run_id"`
	RanAt          string `json:"ran_at"`
	Candidates     int    `json:"candidates"`
	Sanctioned     int    `json:"sanctioned"`
	Skipped        int    `json:"skipped"`
	Reprogrammed   int    `json:"reprogrammed"`
	Pending        int    `json:"pending"`
	PendingExpired int    `json:"pending_expired"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateShop registers a shop.
func (c *Client) CreateShop(ctx context.Context, name, plan string) (Shop, error) {
	body := map[string]any{
		"name": name,
		"plan": plan,
	}
	var resp Shop
	err := c.do(ctx, http.MethodPost, "v0/shops", body, &resp)
	return resp, err
}

// GetShop fetches a shop by id.
func (c *Client) GetShop(ctx context.Context, shopID string) (Shop, error) {
	var resp Shop
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/shops/%s", url.PathEscape(shopID)), nil, &resp)
	return resp, err
}

// Quota returns the reconciled live and reel snapshots for a shop.
func (c *Client) Quota(ctx context.Context, shopID string) (Quota, error) {
	var resp Quota
	endpoint := fmt.Sprintf("v0/shops/%s/quota", url.PathEscape(shopID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ScheduleStream books a broadcast slot, consuming one live unit.
func (c *Client) ScheduleStream(ctx context.Context, shopID, title, scheduledAt string) (Stream, error) {
	body := map[string]any{
		"shop_id":      shopID,
		"title":        title,
		"scheduled_at": scheduledAt,
	}
	var resp Stream
	err := c.do(ctx, http.MethodPost, "v0/streams", body, &resp)
	return resp, err
}

// StartStream marks a stream live.
func (c *Client) StartStream(ctx context.Context, streamID string) (Stream, error) {
	var resp Stream
	endpoint := fmt.Sprintf("v0/streams/%s/start", url.PathEscape(streamID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// FinishStream marks a live stream finished.
func (c *Client) FinishStream(ctx context.Context, streamID string) (Stream, error) {
	var resp Stream
	endpoint := fmt.Sprintf("v0/streams/%s/finish", url.PathEscape(streamID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateReel publishes a reel, consuming one daily reel unit.
func (c *Client) CreateReel(ctx context.Context, shopID, title string) (Reel, error) {
	body := map[string]any{
		"shop_id": shopID,
		"title":   title,
	}
	var resp Reel
	err := c.do(ctx, http.MethodPost, "v0/reels", body, &resp)
	return resp, err
}

// AddReport files a viewer report against a live stream.
func (c *Client) AddReport(ctx context.Context, streamID, reason string) (Report, error) {
	body := map[string]any{"reason": reason}
	var resp Report
	endpoint := fmt.Sprintf("v0/streams/%s/reports", url.PathEscape(streamID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RunSanctions triggers one sanctions sweep (admin only).
func (c *Client) RunSanctions(ctx context.Context) (SanctionsReport, error) {
	var resp SanctionsReport
	err := c.do(ctx, http.MethodPost, "v0/sanctions/run", map[string]any{}, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsAfter returns events with an id greater than cursor, oldest first.
func (c *Client) EventsAfter(ctx context.Context, cursor int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?cursor=%d", cursor)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
